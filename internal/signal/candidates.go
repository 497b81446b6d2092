// Package signal turns ranked candidates and the current book into per-run
// signal records for the executed strategy and the shadow strategy.
package signal

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"tradepipe/internal/config"
	"tradepipe/internal/domain"
)

var (
	tickerPattern = regexp.MustCompile(`^[A-Z][A-Z0-9./-]{0,9}$`)
	datePattern   = regexp.MustCompile(`\d{4}-\d{2}-\d{2}`)
)

// candidateFile is the document handed over by the report parser.
type candidateFile struct {
	ReportDate string             `json:"report_date"`
	Candidates []domain.Candidate `json:"candidates"`
}

// LoadCandidates reads a candidate file. Invalid records are dropped with a
// debug log rather than failing the whole file. Records without a report
// date inherit the document's, which in turn falls back to the first
// YYYY-MM-DD found in the file name.
func LoadCandidates(path string) ([]domain.Candidate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading candidates: %w", err)
	}
	var doc candidateFile
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing candidates %s: %w", path, err)
	}

	reportDate := doc.ReportDate
	if reportDate == "" {
		reportDate = datePattern.FindString(filepath.Base(path))
	}

	log := slog.Default().With("component", "candidates")
	out := make([]domain.Candidate, 0, len(doc.Candidates))
	for _, c := range doc.Candidates {
		c.Ticker = strings.ToUpper(strings.TrimPrefix(strings.TrimSpace(c.Ticker), "$"))
		if c.ReportDate == "" {
			c.ReportDate = reportDate
		}
		if c.GradeSource == "" {
			c.GradeSource = "html"
		}
		if reason := invalid(c); reason != "" {
			log.Debug("dropping candidate", "ticker", c.Ticker, "reason", reason)
			continue
		}
		out = append(out, c)
	}
	log.Info("loaded candidates", "path", path, "count", len(out), "dropped", len(doc.Candidates)-len(out))
	return out, nil
}

func invalid(c domain.Candidate) string {
	switch {
	case !tickerPattern.MatchString(c.Ticker):
		return "bad ticker"
	case domain.GradeRank(c.Grade) < 0:
		return "bad grade"
	case c.Score < 0 || c.Score > 100:
		return "score out of range"
	case c.Price <= 0:
		return "no price"
	}
	return ""
}

// FilterGrade keeps candidates whose grade is at least minGrade (A best).
// An unknown minGrade admits every grade.
func FilterGrade(cands []domain.Candidate, minGrade string) []domain.Candidate {
	limit := domain.GradeRank(minGrade)
	if limit < 0 {
		limit = len(domain.Grades) - 1
	}
	out := make([]domain.Candidate, 0, len(cands))
	for _, c := range cands {
		if r := domain.GradeRank(c.Grade); r >= 0 && r <= limit {
			out = append(out, c)
		}
	}
	return out
}

// Rank orders candidates by score descending, then ticker ascending, so
// that equal scores always select the same names.
func Rank(cands []domain.Candidate) {
	sort.SliceStable(cands, func(i, j int) bool {
		if cands[i].Score != cands[j].Score {
			return cands[i].Score > cands[j].Score
		}
		return cands[i].Ticker < cands[j].Ticker
	})
}

// ApplyEntryFilter removes candidates with historically weak entry profiles
// and returns the kept and skipped sets.
func ApplyEntryFilter(cands []domain.Candidate, f config.EntryFilter) ([]domain.Candidate, []domain.SkippedCandidate) {
	if !f.Enabled {
		return cands, nil
	}
	var (
		kept    []domain.Candidate
		skipped []domain.SkippedCandidate
	)
	for _, c := range cands {
		if reason := filterReason(c, f); reason != "" {
			skipped = append(skipped, domain.SkippedCandidate{Ticker: c.Ticker, Score: c.Score, Grade: c.Grade, Reason: reason})
			continue
		}
		kept = append(kept, c)
	}
	return kept, skipped
}

func filterReason(c domain.Candidate, f config.EntryFilter) string {
	if f.PriceMax > f.PriceMin && c.Price >= f.PriceMin && c.Price < f.PriceMax {
		return fmt.Sprintf("filter_low_price_%g_%g", f.PriceMin, f.PriceMax)
	}
	if c.GapSize != nil && *c.GapSize >= f.GapThreshold && c.Score >= f.ScoreThreshold {
		return fmt.Sprintf("filter_high_gap_score_%g_%g", f.GapThreshold, f.ScoreThreshold)
	}
	return ""
}
