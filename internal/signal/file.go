package signal

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"tradepipe/internal/domain"
)

// FileName returns the canonical signal file name for a trade date and
// strategy, e.g. trade_signals_2026-02-17_ema_p10.json.
func FileName(tradeDate, strategy string) string {
	return fmt.Sprintf("trade_signals_%s_%s.json", tradeDate, strategy)
}

// NewRunID returns a generator run id of the form sig_YYYYMMDD_<6 hex>.
func NewRunID(tradeDate string) string {
	return "sig_" + domain.CompactDate(tradeDate) + "_" + shortHex(6)
}

func shortHex(n int) string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:n]
}

// Write stores sig as indented JSON under dir and returns the file path.
// The file is written to a temporary name and renamed so a reader never
// sees a partial document.
func Write(dir string, sig *domain.Signal) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating signals dir: %w", err)
	}
	data, err := Marshal(sig)
	if err != nil {
		return "", err
	}

	path := filepath.Join(dir, FileName(sig.TradeDate, sig.Strategy))
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return "", fmt.Errorf("writing signal file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", fmt.Errorf("renaming signal file: %w", err)
	}
	return path, nil
}

// Marshal encodes sig with empty lists rendered as [] rather than null.
func Marshal(sig *domain.Signal) ([]byte, error) {
	cp := *sig
	if cp.Exits == nil {
		cp.Exits = []domain.SignalExit{}
	}
	if cp.Entries == nil {
		cp.Entries = []domain.SignalEntry{}
	}
	if cp.Skipped == nil {
		cp.Skipped = []domain.SkippedCandidate{}
	}
	data, err := json.MarshalIndent(&cp, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encoding signal: %w", err)
	}
	return data, nil
}

// Read loads a signal file and checks that it names a trade date and a
// strategy.
func Read(path string) (*domain.Signal, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading signal file: %w", err)
	}
	var sig domain.Signal
	if err := json.Unmarshal(data, &sig); err != nil {
		return nil, fmt.Errorf("parsing signal file %s: %w", path, err)
	}
	if sig.TradeDate == "" || sig.Strategy == "" {
		return nil, fmt.Errorf("signal file %s: missing trade_date or strategy", path)
	}
	return &sig, nil
}
