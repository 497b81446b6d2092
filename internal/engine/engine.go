// Package engine turns a signal into broker orders and drives the broker and
// the state ledger to convergence across repeated, short-lived invocations.
//
// An execution run walks fixed phases: A cancels stops and sells exits, B
// polls the sells, C recounts capacity from the broker, D places entries and
// E polls them and attaches protective stops. A poll-only run needs no
// signal; it re-checks every tracked order and repairs missing protection.
// Each step is keyed by a deterministic client order id so any phase can be
// re-run after a crash without duplicating an order.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"tradepipe/internal/broker"
	"tradepipe/internal/config"
	"tradepipe/internal/domain"
	"tradepipe/internal/metrics"
	"tradepipe/internal/store"
)

// Phase selects which part of the state machine an invocation runs.
type Phase string

const (
	PhasePlace Phase = "place"
	PhasePoll  Phase = "poll"
	PhaseAll   Phase = "all"
)

// ParsePhase validates a phase name.
func ParsePhase(s string) (Phase, error) {
	switch p := Phase(strings.ToLower(s)); p {
	case PhasePlace, PhasePoll, PhaseAll:
		return p, nil
	}
	return "", fmt.Errorf("unknown phase %q (want place, poll or all)", s)
}

// CheckPhase rejects "all" with market-on-open entries: those orders only
// fill at the next open, so a single-shot run would poll them to a timeout.
func CheckPhase(phase Phase, live config.Live) error {
	if phase == PhaseAll && live.IsOPG() {
		return fmt.Errorf("%w: phase %s with entry_tif %s", domain.ErrUnsafePhase, phase, live.EntryTIF)
	}
	return nil
}

// Options alter a single invocation.
type Options struct {
	Phase Phase
	// DryRun logs the plan without sending orders or writing state.
	DryRun bool
	// SkipTimeCheck disables the entry window guard.
	SkipTimeCheck bool
	// SignalsFile is recorded in the run log.
	SignalsFile string
}

// Report summarizes what an invocation did.
type Report struct {
	RunID string
	Phase Phase

	ExitsSubmitted        int
	ExitsFilled           int
	ExitsAlreadyProcessed []string

	AvailableSlots   int
	EntriesSubmitted int
	EntriesFilled    int
	StopsPlaced      int

	Skipped     []domain.SkippedCandidate
	Unprotected []string
	Timeouts    []string

	KillSwitchTripped bool
}

func (r *Report) skip(ticker, reason string) {
	r.Skipped = append(r.Skipped, domain.SkippedCandidate{Ticker: ticker, Reason: reason})
}

// Executor drives orders for the executed strategy.
type Executor struct {
	store   store.StateStore
	broker  broker.Broker
	live    config.Live
	risk    *RiskManager
	metrics *metrics.Recorder

	// halted is set once this invocation trips the kill switch.
	halted bool

	sleep func(ctx context.Context, d time.Duration) error
	log   *slog.Logger
}

// NewExecutor creates an Executor. rec may be nil.
func NewExecutor(st store.StateStore, b broker.Broker, live config.Live, rec *metrics.Recorder) *Executor {
	return &Executor{
		store:   st,
		broker:  b,
		live:    live,
		risk:    NewRiskManager(live),
		metrics: rec,
		sleep:   sleepCtx,
		log:     slog.Default().With("component", "executor"),
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// NewRunID returns an executor run id of the form exec-<date>-<8 hex>.
func NewRunID(tradeDate string) string {
	return "exec-" + tradeDate + "-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

// ---------------------------------------------------------------------------
// Entry points
// ---------------------------------------------------------------------------

// Execute runs phases A to D (place) or A to E (all) for sig. It returns
// domain.ErrKillSwitchOn before any broker call when the kill switch is set,
// and also when this run trips it.
func (e *Executor) Execute(ctx context.Context, sig *domain.Signal, tradeDate string, opts Options) (*Report, error) {
	if opts.Phase == "" {
		opts.Phase = PhasePlace
	}
	if opts.Phase == PhasePoll {
		return e.Poll(ctx, tradeDate, opts)
	}
	if err := CheckPhase(opts.Phase, e.live); err != nil {
		return nil, err
	}
	if err := e.checkKillSwitch(ctx); err != nil {
		return nil, err
	}
	e.halted = false
	if sig.Strategy != e.live.StrategyName {
		return nil, fmt.Errorf("%w: signal is for %q, executing %q", domain.ErrWrongStrategy, sig.Strategy, e.live.StrategyName)
	}
	if tradeDate == "" {
		tradeDate = sig.TradeDate
	}

	rep := &Report{RunID: NewRunID(tradeDate), Phase: opts.Phase}
	run := e.startRun(ctx, rep, tradeDate, opts)
	e.log.Info("execution started", "run_id", rep.RunID, "trade_date", tradeDate, "phase", opts.Phase,
		"exits", len(sig.Exits), "entries", len(sig.Entries), "dry_run", opts.DryRun)

	err := e.execute(ctx, sig, tradeDate, opts, rep)
	if err == nil && e.halted {
		err = fmt.Errorf("%w: tripped during run %s", domain.ErrKillSwitchOn, rep.RunID)
	}
	e.completeRun(ctx, run, rep, err)
	return rep, err
}

func (e *Executor) execute(ctx context.Context, sig *domain.Signal, tradeDate string, opts Options, rep *Report) error {
	start := time.Now()
	sells, err := e.phaseExits(ctx, sig, tradeDate, opts, rep)
	e.metrics.ObservePhase("exits", start)
	if err != nil {
		return err
	}

	start = time.Now()
	if !opts.DryRun && len(sells) > 0 {
		e.pollSells(ctx, tradeDate, sells, rep)
	}
	e.metrics.ObservePhase("sell_poll", start)

	start = time.Now()
	available, held, err := e.recount(ctx, tradeDate, len(sig.Exits), opts)
	e.metrics.ObservePhase("recount", start)
	if err != nil {
		return err
	}
	rep.AvailableSlots = available

	start = time.Now()
	buys, err := e.phaseEntries(ctx, sig, tradeDate, available, held, opts, rep)
	e.metrics.ObservePhase("entries", start)
	if err != nil {
		return err
	}

	if opts.Phase != PhaseAll || opts.DryRun || len(buys) == 0 {
		return nil
	}
	start = time.Now()
	e.pollBuys(ctx, buys, sig, rep)
	e.metrics.ObservePhase("buy_poll", start)
	return nil
}

// Poll re-checks every tracked order without a signal. Filled entries get
// their protective stop from the planned stop price recorded at submission;
// filled sells and stops close their positions.
func (e *Executor) Poll(ctx context.Context, tradeDate string, opts Options) (*Report, error) {
	if err := e.checkKillSwitch(ctx); err != nil {
		return nil, err
	}
	e.halted = false
	opts.Phase = PhasePoll
	rep := &Report{RunID: NewRunID(tradeDate), Phase: PhasePoll}
	run := e.startRun(ctx, rep, tradeDate, opts)

	start := time.Now()
	err := e.poll(ctx, tradeDate, opts, rep)
	e.metrics.ObservePhase("poll", start)
	if err == nil && e.halted {
		err = fmt.Errorf("%w: tripped during run %s", domain.ErrKillSwitchOn, rep.RunID)
	}
	e.completeRun(ctx, run, rep, err)
	return rep, err
}

func (e *Executor) checkKillSwitch(ctx context.Context) error {
	on, err := e.store.KillSwitch(ctx)
	if err != nil {
		return fmt.Errorf("reading kill switch: %w", err)
	}
	if on {
		e.log.Error("kill switch is ON, refusing to run")
		return domain.ErrKillSwitchOn
	}
	return nil
}

// ---------------------------------------------------------------------------
// Run log
// ---------------------------------------------------------------------------

func (e *Executor) startRun(ctx context.Context, rep *Report, tradeDate string, opts Options) *domain.RunLog {
	if opts.DryRun {
		return nil
	}
	run := &domain.RunLog{
		RunID:       rep.RunID,
		RunDate:     tradeDate,
		Phase:       string(opts.Phase),
		SignalsFile: opts.SignalsFile,
	}
	if err := e.store.StartRun(ctx, run); err != nil {
		e.log.Warn("could not record run start", "run_id", run.RunID, "error", err)
		return nil
	}
	return run
}

func (e *Executor) completeRun(ctx context.Context, run *domain.RunLog, rep *Report, runErr error) {
	if run == nil {
		return
	}
	run.ExitsCount = rep.ExitsSubmitted + len(rep.ExitsAlreadyProcessed)
	run.EntriesCount = rep.EntriesSubmitted
	run.SkippedCount = len(rep.Skipped)
	run.Status = domain.RunStatusCompleted
	if runErr != nil {
		run.Status = domain.RunStatusFailed
		run.ErrorMessage = runErr.Error()
	} else if len(rep.ExitsAlreadyProcessed) > 0 {
		run.ErrorMessage = "exits already processed: " + strings.Join(rep.ExitsAlreadyProcessed, ",")
	}
	// Recorded even when ctx was cancelled mid-run.
	if err := e.store.CompleteRun(context.WithoutCancel(ctx), run); err != nil {
		e.log.Warn("could not record run completion", "run_id", run.RunID, "error", err)
	}
	e.log.Info("execution finished", "run_id", run.RunID, "status", run.Status,
		"exits", run.ExitsCount, "entries", run.EntriesCount, "skipped", run.SkippedCount)
}

// ---------------------------------------------------------------------------
// Kill switch
// ---------------------------------------------------------------------------

// trip sets the persisted kill switch and halts further submissions in this
// invocation.
func (e *Executor) trip(ctx context.Context, ticker, reason string, rep *Report) {
	e.halted = true
	rep.KillSwitchTripped = true
	e.metrics.KillSwitchTripped()
	e.log.Error("UNPROTECTED POSITION: setting kill switch ON", "ticker", ticker, "reason", reason, "critical", true)
	if err := e.store.SetKillSwitch(context.WithoutCancel(ctx), true, reason); err != nil {
		e.log.Error("could not persist kill switch", "error", err, "critical", true)
	}
}

var errHalted = errors.New("submissions halted by kill switch")
