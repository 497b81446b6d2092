package marketdata

import (
	"context"
	"sort"
	"strings"
	"time"

	"tradepipe/internal/domain"
)

// Compile-time interface check.
var _ BarSource = (*StaticBarSource)(nil)

// StaticBarSource serves bars from memory. It backs dry runs fed from a
// fixture and the evaluator's tests.
type StaticBarSource struct {
	bars  map[string][]domain.Bar
	Calls int
}

// NewStaticBarSource creates an empty StaticBarSource.
func NewStaticBarSource() *StaticBarSource {
	return &StaticBarSource{bars: make(map[string][]domain.Bar)}
}

// Set replaces the bars for symbol.
func (s *StaticBarSource) Set(symbol string, bars []domain.Bar) {
	cp := append([]domain.Bar(nil), bars...)
	sortBars(cp)
	s.bars[strings.ToUpper(symbol)] = cp
}

// DailyBars returns the stored bars within [start, end].
func (s *StaticBarSource) DailyBars(_ context.Context, symbol string, start, end time.Time) ([]domain.Bar, error) {
	s.Calls++
	var out []domain.Bar
	for _, b := range s.bars[strings.ToUpper(symbol)] {
		if b.Timestamp.Before(start) || b.Timestamp.After(end) {
			continue
		}
		out = append(out, b)
	}
	return out, nil
}

func sortBars(bars []domain.Bar) {
	sort.Slice(bars, func(i, j int) bool { return bars[i].Timestamp.Before(bars[j].Timestamp) })
}
