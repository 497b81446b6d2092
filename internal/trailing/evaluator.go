package trailing

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"tradepipe/internal/domain"
	"tradepipe/internal/util"
)

// Mode selects the weekly indicator.
type Mode string

const (
	ModeEMA      Mode = "weekly_ema"
	ModeNWeekLow Mode = "weekly_nweek_low"
)

// Params fully determine a trailing-stop verdict together with the bars,
// the entry date and the as-of date.
type Params struct {
	Mode            Mode
	Period          int
	TransitionWeeks int
}

// WeekCalendar answers whether a date is the final session of its week.
// *util.TradingCalendar satisfies it.
type WeekCalendar interface {
	IsLastSessionOfWeek(d time.Time) bool
}

// indicator computes the configured series.
func indicator(weekly []domain.WeeklyBar, p Params) ([]float64, error) {
	switch p.Mode {
	case ModeEMA:
		return WeeklyEMA(weekly, p.Period), nil
	case ModeNWeekLow:
		return WeeklyNWeekLow(weekly, p.Period), nil
	default:
		return nil, fmt.Errorf("unknown trailing stop mode %q", p.Mode)
	}
}

// IsWeekEnd reports whether asOf is the final trading day of its ISO week.
// A later bar in the input settles the question directly; otherwise the
// calendar decides.
func IsWeekEnd(bars []domain.Bar, asOf string, cal WeekCalendar) bool {
	key, ok := isoWeekOf(asOf)
	if !ok {
		return false
	}
	for _, b := range bars {
		d := b.Date()
		if d <= asOf {
			continue
		}
		next, ok := isoWeekOf(d)
		return ok && next != key
	}
	if cal == nil {
		cal = util.NewTradingCalendar()
	}
	t, _ := time.Parse(domain.DateLayout, asOf)
	return cal.IsLastSessionOfWeek(t)
}

// Evaluate is the pure trailing-stop decision. It never mutates its inputs
// and returns identical results for identical arguments.
func Evaluate(bars []domain.Bar, p Params, entryDate, asOf string, cal WeekCalendar) (domain.TrailingStopResult, error) {
	var res domain.TrailingStopResult
	if len(bars) == 0 {
		return res, nil
	}
	if !IsWeekEnd(bars, asOf, cal) {
		return res, nil
	}
	res.IsWeekEnd = true

	upTo := make([]domain.Bar, 0, len(bars))
	for _, b := range bars {
		if b.Date() <= asOf {
			upTo = append(upTo, b)
		}
	}
	weekly := AggregateWeekly(upTo)
	if len(weekly) == 0 {
		return res, nil
	}

	ind, err := indicator(weekly, p)
	if err != nil {
		return domain.TrailingStopResult{}, err
	}

	res.CompletedWeeks = CountCompletedWeeks(weekly, entryDate, asOf)
	res.TransitionMet = res.CompletedWeeks >= p.TransitionWeeks
	if res.TransitionMet {
		res.TrendBroken = IsTrendBroken(p.Mode, weekly, ind, asOf)
	}

	if idx := lastWeekAsOf(weekly, asOf); idx >= 0 {
		c := weekly[idx].Close
		res.LastClose = &c
		if idx < len(ind) && Defined(ind[idx]) {
			v := ind[idx]
			res.IndicatorValue = &v
		}
	}

	res.ShouldExit = res.IsWeekEnd && res.TransitionMet && res.TrendBroken
	return res, nil
}

// Evaluate applies the rule with these parameters; it makes Params a Rule.
func (p Params) Evaluate(bars []domain.Bar, entryDate, asOf string, cal WeekCalendar) (domain.TrailingStopResult, error) {
	return Evaluate(bars, p, entryDate, asOf, cal)
}

// Rule is anything that turns daily bars into a trailing-stop verdict.
type Rule interface {
	Evaluate(bars []domain.Bar, entryDate, asOf string, cal WeekCalendar) (domain.TrailingStopResult, error)
}

// BarFetcher supplies daily bars for a symbol over an inclusive date range.
type BarFetcher interface {
	DailyBars(ctx context.Context, symbol string, start, end time.Time) ([]domain.Bar, error)
}

// Checker evaluates open positions against fetched price history.
type Checker struct {
	bars         BarFetcher
	cal          WeekCalendar
	lookbackDays int
	log          *slog.Logger
}

// NewChecker creates a Checker that loads lookbackDays of history before
// each as-of date, enough for indicator warm-up.
func NewChecker(bars BarFetcher, cal WeekCalendar, lookbackDays int) *Checker {
	if lookbackDays <= 0 {
		lookbackDays = 400
	}
	return &Checker{
		bars:         bars,
		cal:          cal,
		lookbackDays: lookbackDays,
		log:          slog.Default().With("component", "trailing"),
	}
}

// Check fetches bars for ticker and evaluates them. A fetch failure is
// returned to the caller, which isolates it to that ticker.
func (c *Checker) Check(ctx context.Context, ticker, entryDate, asOf string, rule Rule) (domain.TrailingStopResult, error) {
	end, err := time.Parse(domain.DateLayout, asOf)
	if err != nil {
		return domain.TrailingStopResult{}, fmt.Errorf("parsing as-of date %q: %w", asOf, err)
	}
	start := end.AddDate(0, 0, -c.lookbackDays)

	bars, err := c.bars.DailyBars(ctx, ticker, start, end)
	if err != nil {
		return domain.TrailingStopResult{}, fmt.Errorf("fetching bars for %s: %w", ticker, err)
	}
	if len(bars) == 0 {
		c.log.Error("no price data for open position", "ticker", ticker, "as_of", asOf, "critical", true)
	}

	res, err := rule.Evaluate(bars, entryDate, asOf, c.cal)
	if err != nil {
		return res, err
	}
	c.log.Debug("trailing stop checked",
		"ticker", ticker,
		"as_of", asOf,
		"week_end", res.IsWeekEnd,
		"completed_weeks", res.CompletedWeeks,
		"broken", res.TrendBroken,
		"exit", res.ShouldExit,
	)
	return res, nil
}
