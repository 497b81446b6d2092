package signal

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"time"

	"tradepipe/internal/broker"
	"tradepipe/internal/config"
	"tradepipe/internal/domain"
	"tradepipe/internal/store"
	"tradepipe/internal/strategy"
	"tradepipe/internal/trailing"
)

// Store is the slice of the state ledger the generator reads and writes.
type Store interface {
	store.SystemStore
	store.PositionStore
	store.ShadowStore
}

// Options alter a single generator run.
type Options struct {
	// Force proceeds past a state/broker reconciliation mismatch.
	Force bool
	// DryRun computes both signals but writes no shadow state.
	DryRun bool
}

// Result holds the two signals produced by one run.
type Result struct {
	Executed *domain.Signal
	Shadow   *domain.Signal
}

// Generator builds the executed and shadow signals for a trade date.
type Generator struct {
	store    Store
	broker   broker.Broker
	checker  *trailing.Checker
	live     config.Live
	executed strategy.Strategy
	shadow   strategy.Strategy
	now      func() time.Time
	log      *slog.Logger
}

// NewGenerator wires a Generator. The broker may be nil, in which case
// reconciliation and rotation by unrealized P&L are skipped.
func NewGenerator(st Store, b broker.Broker, checker *trailing.Checker, live config.Live, reg *strategy.Registry) (*Generator, error) {
	executed, ok := reg.Get(live.StrategyName)
	if !ok {
		return nil, fmt.Errorf("executed strategy %q not registered", live.StrategyName)
	}
	shadow, ok := reg.Get(live.ShadowStrategyName)
	if !ok {
		return nil, fmt.Errorf("shadow strategy %q not registered", live.ShadowStrategyName)
	}
	return &Generator{
		store:    st,
		broker:   b,
		checker:  checker,
		live:     live,
		executed: executed,
		shadow:   shadow,
		now:      time.Now,
		log:      slog.Default().With("component", "signal"),
	}, nil
}

// Generate runs both decision paths for tradeDate. It returns
// domain.ErrKillSwitchOn before touching anything else when the kill switch
// is set, and an error wrapping domain.ErrReconcileMismatch when the stored
// book disagrees with the broker and opts.Force is not set.
func (g *Generator) Generate(ctx context.Context, tradeDate string, cands []domain.Candidate, opts Options) (*Result, error) {
	on, err := g.store.KillSwitch(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading kill switch: %w", err)
	}
	if on {
		g.log.Error("kill switch is ON, aborting signal generation")
		return nil, domain.ErrKillSwitchOn
	}

	ranked := FilterGrade(cands, g.live.MinGrade)
	Rank(ranked)
	ranked, filtered := ApplyEntryFilter(ranked, g.live.EntryFilter)
	g.log.Info("candidates ready", "input", len(cands), "ranked", len(ranked), "filtered", len(filtered))

	runID := NewRunID(tradeDate)
	generatedAt := g.now().UTC()

	executed, err := g.generateExecuted(ctx, tradeDate, ranked, opts)
	if err != nil {
		return nil, err
	}
	executed.RunID, executed.GeneratedAt = runID, generatedAt
	executed.Skipped = append(executed.Skipped, filtered...)
	executed.Summary.Skipped = len(executed.Skipped)

	shadow, err := g.generateShadow(ctx, tradeDate, ranked, opts)
	if err != nil {
		return nil, err
	}
	shadow.RunID, shadow.GeneratedAt = runID, generatedAt
	shadow.Skipped = append(shadow.Skipped, filtered...)
	shadow.Summary.Skipped = len(shadow.Skipped)

	if !opts.DryRun {
		data, err := Marshal(shadow)
		if err != nil {
			return nil, err
		}
		if err := g.store.AddShadowSignals(ctx, tradeDate, shadow.Strategy, data); err != nil {
			return nil, fmt.Errorf("archiving shadow signals: %w", err)
		}
	}

	g.log.Info("signals generated",
		"trade_date", tradeDate,
		"run_id", runID,
		"exits", len(executed.Exits),
		"entries", len(executed.Entries),
		"shadow_exits", len(shadow.Exits),
		"shadow_entries", len(shadow.Entries),
	)
	return &Result{Executed: executed, Shadow: shadow}, nil
}

// ---------------------------------------------------------------------------
// Executed path
// ---------------------------------------------------------------------------

func (g *Generator) generateExecuted(ctx context.Context, tradeDate string, ranked []domain.Candidate, opts Options) (*domain.Signal, error) {
	positions, err := g.store.OpenPositions(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading open positions: %w", err)
	}

	var brokerPositions []domain.BrokerPosition
	openCount := len(positions)
	forced := false
	if g.broker != nil {
		brokerPositions, err = g.broker.GetPositions(ctx)
		if err != nil {
			return nil, fmt.Errorf("fetching broker positions: %w", err)
		}
		if diffs := Reconcile(positions, brokerPositions); len(diffs) > 0 {
			if !opts.Force {
				g.log.Error("position reconciliation failed", "diffs", diffs)
				return nil, fmt.Errorf("%w: %s", domain.ErrReconcileMismatch, strings.Join(diffs, "; "))
			}
			g.log.Warn("position reconciliation failed, continuing with --force", "diffs", diffs)
			forced = true
			openCount = len(brokerPositions)
		} else {
			g.log.Info("position reconciliation ok", "positions", len(positions))
		}
	}

	unrealized := make(map[string]float64, len(brokerPositions))
	for _, bp := range brokerPositions {
		unrealized[bp.Symbol] = bp.UnrealizedPL
	}

	holdings := make([]holding, 0, len(positions))
	for _, p := range positions {
		h := holding{id: p.ID, ticker: p.Ticker, entryDate: p.EntryDate, shares: p.ActualShares, entryPrice: p.EntryPrice, score: p.Score}
		if pl, ok := unrealized[p.Ticker]; ok {
			h.unrealized = &pl
		}
		holdings = append(holdings, h)
	}

	pl := g.plan(ctx, tradeDate, g.executed, holdings, openCount, ranked, weakestByPnL)
	sig := pl.signal(tradeDate, g.executed.Name(), g.live.MaxPositions)
	sig.Summary.Forced = forced
	return sig, nil
}

// Reconcile compares stored open positions with the broker's and returns a
// description of every disagreement in tickers or share counts.
func Reconcile(positions []domain.Position, brokerPositions []domain.BrokerPosition) []string {
	stored := make(map[string]int, len(positions))
	for _, p := range positions {
		stored[p.Ticker] = p.ActualShares
	}
	held := make(map[string]int, len(brokerPositions))
	for _, bp := range brokerPositions {
		held[bp.Symbol] = bp.Qty
	}

	var diffs []string
	for _, t := range sortedKeys(stored) {
		qty, ok := held[t]
		switch {
		case !ok:
			diffs = append(diffs, fmt.Sprintf("%s in state but not at broker", t))
		case qty != stored[t]:
			diffs = append(diffs, fmt.Sprintf("%s qty mismatch: state=%d broker=%d", t, stored[t], qty))
		}
	}
	for _, t := range sortedKeys(held) {
		if _, ok := stored[t]; !ok {
			diffs = append(diffs, fmt.Sprintf("%s at broker but not in state", t))
		}
	}
	return diffs
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// weakestByPnL picks the holding with the most negative unrealized P&L,
// breaking ties by the lower score. Holdings without a loss never qualify.
func weakestByPnL(hs []holding) *holding {
	var worst *holding
	for i := range hs {
		h := &hs[i]
		if h.unrealized == nil || *h.unrealized >= 0 {
			continue
		}
		if worst == nil || *h.unrealized < *worst.unrealized ||
			(*h.unrealized == *worst.unrealized && h.score < worst.score) {
			worst = h
		}
	}
	return worst
}

// ---------------------------------------------------------------------------
// Shared selection
// ---------------------------------------------------------------------------

// holding is the strategy-neutral view of an open position.
type holding struct {
	id         int64
	ticker     string
	entryDate  string
	shares     int
	entryPrice float64
	score      float64
	unrealized *float64
	result     domain.TrailingStopResult
}

type plan struct {
	exits     []domain.SignalExit
	entries   []domain.SignalEntry
	skipped   []domain.SkippedCandidate
	openCount int
	available int
	rotations int
}

func (p *plan) signal(tradeDate, strategyName string, maxPositions int) *domain.Signal {
	return &domain.Signal{
		TradeDate: tradeDate,
		Strategy:  strategyName,
		Exits:     p.exits,
		Entries:   p.entries,
		Skipped:   p.skipped,
		Summary: domain.SignalSummary{
			OpenPositions:  p.openCount,
			Exits:          len(p.exits),
			Entries:        len(p.entries),
			Skipped:        len(p.skipped),
			Rotations:      p.rotations,
			AvailableSlots: p.available,
			MaxPositions:   maxPositions,
		},
	}
}

// plan evaluates trailing stops for every holding, runs the rotation check
// and fills remaining capacity from the ranked candidates. It performs no
// writes.
func (g *Generator) plan(ctx context.Context, tradeDate string, strat strategy.Strategy, holdings []holding, openCount int, ranked []domain.Candidate, weakest func([]holding) *holding) *plan {
	p := &plan{openCount: openCount}
	exiting := make(map[string]bool)
	held := make(map[string]bool, len(holdings))

	for i := range holdings {
		h := &holdings[i]
		held[h.ticker] = true
		res, err := g.checker.Check(ctx, h.ticker, h.entryDate, tradeDate, strat)
		if err != nil {
			g.log.Error("trailing stop check failed", "strategy", strat.Name(), "ticker", h.ticker, "error", err)
			continue
		}
		h.result = res
		if res.ShouldExit {
			p.exits = append(p.exits, exitFor(h, domain.ExitReasonTrendBreak))
			exiting[h.ticker] = true
			g.log.Info("exit signal", "strategy", strat.Name(), "ticker", h.ticker, "reason", domain.ExitReasonTrendBreak,
				"close", deref(res.LastClose), "indicator", deref(res.IndicatorValue))
		}
	}

	entered := make(map[string]bool)

	if g.live.RotationEnabled() && len(holdings) > 0 && len(ranked) > 0 && openCount-len(p.exits) == g.live.MaxPositions {
		remaining := make([]holding, 0, len(holdings))
		for _, h := range holdings {
			if !exiting[h.ticker] {
				remaining = append(remaining, h)
			}
		}
		if w := weakest(remaining); w != nil {
			for _, c := range ranked {
				if held[c.Ticker] || exiting[c.Ticker] {
					continue
				}
				if c.Score > w.score && c.Score-w.score >= g.live.RotationMargin {
					if entry, reason := g.entryFor(c); reason == "" {
						p.exits = append(p.exits, exitFor(w, domain.ExitReasonRotatedOut))
						exiting[w.ticker] = true
						p.entries = append(p.entries, entry)
						entered[c.Ticker] = true
						p.rotations = 1
						g.log.Info("rotation", "strategy", strat.Name(), "out", w.ticker, "out_score", w.score,
							"out_pnl", deref(w.unrealized), "in", c.Ticker, "in_score", c.Score)
					}
				}
				break
			}
		}
	}

	p.available = g.live.MaxPositions - (openCount - len(p.exits))
	slots := p.available - len(p.entries)

	for _, c := range ranked {
		switch {
		case entered[c.Ticker]:
			continue
		case held[c.Ticker]:
			p.skip(c, domain.SkipAlreadyHeld)
			continue
		case exiting[c.Ticker]:
			continue
		case slots <= 0:
			p.skip(c, domain.SkipCapacityFull)
			continue
		}
		entry, reason := g.entryFor(c)
		if reason != "" {
			p.skip(c, reason)
			continue
		}
		p.entries = append(p.entries, entry)
		entered[c.Ticker] = true
		slots--
	}
	return p
}

func (p *plan) skip(c domain.Candidate, reason string) {
	p.skipped = append(p.skipped, domain.SkippedCandidate{Ticker: c.Ticker, Score: c.Score, Grade: c.Grade, Reason: reason})
}

func exitFor(h *holding, reason string) domain.SignalExit {
	return domain.SignalExit{
		Action:         domain.ActionExit,
		Ticker:         h.ticker,
		PositionID:     h.id,
		Shares:         h.shares,
		Reason:         reason,
		Score:          h.score,
		IndicatorValue: h.result.IndicatorValue,
		LastClose:      h.result.LastClose,
		UnrealizedPL:   h.unrealized,
	}
}

// entryFor sizes an entry. A non-empty reason means the candidate cannot be
// bought.
func (g *Generator) entryFor(c domain.Candidate) (domain.SignalEntry, string) {
	if c.Price <= 0 {
		return domain.SignalEntry{}, domain.SkipNoPrice
	}
	qty := Qty(c.Price, g.live.PositionSize)
	if qty <= 0 {
		return domain.SignalEntry{}, domain.SkipQtyZero
	}
	return domain.SignalEntry{
		Action:      domain.ActionEntry,
		Ticker:      c.Ticker,
		Score:       c.Score,
		Grade:       c.Grade,
		GradeSource: c.GradeSource,
		ReportDate:  c.ReportDate,
		CompanyName: c.CompanyName,
		GapSize:     c.GapSize,
		Price:       c.Price,
		Qty:         qty,
		StopPrice:   StopPrice(c.Price, g.live.StopLossPct),
		StopLossPct: g.live.StopLossPct,
	}, ""
}

// Qty is the whole number of shares positionSize buys at price.
func Qty(price, positionSize float64) int {
	if price <= 0 {
		return 0
	}
	return int(positionSize / price)
}

// StopPrice is price less stopLossPct percent, rounded to cents.
func StopPrice(price, stopLossPct float64) float64 {
	return math.Round(price*(1-stopLossPct/100)*100) / 100
}

func deref(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}
