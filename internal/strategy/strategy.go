// Package strategy names the trailing-exit strategies the pipeline knows
// about and provides a Registry for looking them up by name.
package strategy

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"

	"tradepipe/internal/config"
	"tradepipe/internal/domain"
	"tradepipe/internal/trailing"
)

// Strategy is the interface that every exit strategy implements.
type Strategy interface {
	// Name returns the unique identifier, e.g. "ema_p10".
	Name() string

	// Params returns the trailing-stop parameters the strategy evaluates with.
	Params() trailing.Params

	// Evaluate runs the trailing-stop rule over daily bars for a position
	// entered on entryDate.
	Evaluate(bars []domain.Bar, entryDate, asOf string, cal trailing.WeekCalendar) (domain.TrailingStopResult, error)
}

// Compile-time interface check.
var _ Strategy = (*Trailing)(nil)

// Trailing is a Strategy backed directly by the weekly trailing-stop rule.
type Trailing struct {
	name   string
	params trailing.Params
}

// NewTrailing creates a named trailing strategy.
func NewTrailing(name string, p trailing.Params) *Trailing {
	return &Trailing{name: name, params: p}
}

func (t *Trailing) Name() string             { return t.name }
func (t *Trailing) Params() trailing.Params { return t.params }

func (t *Trailing) Evaluate(bars []domain.Bar, entryDate, asOf string, cal trailing.WeekCalendar) (domain.TrailingStopResult, error) {
	return trailing.Evaluate(bars, t.params, entryDate, asOf, cal)
}

var namePattern = regexp.MustCompile(`^(ema|nwl)_p(\d+)$`)

// Parse derives trailing parameters from a conventional strategy name:
// ema_pN is a weekly EMA of N weeks, nwl_pN an N-week low.
func Parse(name string, transitionWeeks int) (*Trailing, error) {
	m := namePattern.FindStringSubmatch(name)
	if m == nil {
		return nil, fmt.Errorf("unrecognised strategy name %q", name)
	}
	period, err := strconv.Atoi(m[2])
	if err != nil || period < 1 {
		return nil, fmt.Errorf("strategy %q: invalid period", name)
	}
	mode := trailing.ModeEMA
	if m[1] == "nwl" {
		mode = trailing.ModeNWeekLow
	}
	return NewTrailing(name, trailing.Params{Mode: mode, Period: period, TransitionWeeks: transitionWeeks}), nil
}

// Registry holds a named collection of strategies for lookup and enumeration.
type Registry struct {
	strategies map[string]Strategy
}

// NewRegistry creates an empty strategy Registry.
func NewRegistry() *Registry {
	return &Registry{
		strategies: make(map[string]Strategy),
	}
}

// Register adds a strategy to the registry, keyed by its Name().
func (r *Registry) Register(s Strategy) {
	r.strategies[s.Name()] = s
}

// Get retrieves a strategy by name. The second return value indicates whether
// the strategy was found.
func (r *Registry) Get(name string) (Strategy, bool) {
	s, ok := r.strategies[name]
	return s, ok
}

// List returns a sorted slice of all registered strategy names.
func (r *Registry) List() []string {
	names := make([]string, 0, len(r.strategies))
	for name := range r.strategies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// FromConfig registers the executed and shadow strategies described by the
// live configuration. A name following the ema_pN / nwl_pN convention must
// agree with the configured indicator.
func FromConfig(live config.Live) (*Registry, error) {
	r := NewRegistry()
	for _, def := range []struct {
		name string
		ts   config.TrailingStop
	}{
		{live.StrategyName, live.TrailingStop},
		{live.ShadowStrategyName, live.ShadowTrailingStop},
	} {
		p := trailing.Params{
			Mode:            trailing.Mode(def.ts.Mode),
			Period:          def.ts.Period,
			TransitionWeeks: live.TrailingTransitionWeeks,
		}
		if parsed, err := Parse(def.name, live.TrailingTransitionWeeks); err == nil && parsed.Params() != p {
			return nil, fmt.Errorf("strategy %q implies %s/%d but config has %s/%d",
				def.name, parsed.params.Mode, parsed.params.Period, p.Mode, p.Period)
		}
		r.Register(NewTrailing(def.name, p))
	}
	return r, nil
}
