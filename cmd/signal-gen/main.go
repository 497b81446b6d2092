// Batch tool: turn today's candidate list and the current book into the
// executed and shadow trade-signal files.
//
// Usage:
//
//	go run ./cmd/signal-gen --candidates data/candidates_2026-02-17.json
//	go run ./cmd/signal-gen --candidates c.json --manifest manifest.json --dry-run
//
// Exit codes: 0 ok, 1 failure, 3 kill switch on, 4 state/broker mismatch.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"tradepipe/internal/cli"
	"tradepipe/internal/config"
	"tradepipe/internal/domain"
	"tradepipe/internal/lock"
	"tradepipe/internal/metrics"
	sig "tradepipe/internal/signal"
	"tradepipe/internal/store"
	"tradepipe/internal/strategy"
	"tradepipe/internal/trailing"
)

func main() {
	var (
		cfgFlag    = flag.String("config", "", "config file (default $TRADEPIPE_CONFIG or config/tradepipe.yaml)")
		stateDB    = flag.String("state-db", "", "state database path (overrides config)")
		candidates = flag.String("candidates", "", "candidate list JSON (required)")
		manifest   = flag.String("manifest", "", "strategy manifest to verify the live config against")
		signalsDir = flag.String("signals-dir", "", "output directory for signal files (overrides config)")
		tradeDate  = flag.String("trade-date", "", "trade date YYYY-MM-DD (default today, ET)")
		brokerKind = flag.String("broker", "alpaca", "broker: alpaca or simulator")
		dryRun     = flag.Bool("dry-run", false, "compute signals without writing shadow state")
		force      = flag.Bool("force", false, "proceed past a state/broker position mismatch")
		noWrite    = flag.Bool("no-write", false, "do not write signal files")
		verbose    = flag.Bool("v", false, "debug logging")
	)
	flag.Parse()

	cfgPath := cli.ConfigPath(*cfgFlag)
	cfg, err := cli.LoadConfig(cfgPath, *cfgFlag != "")
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if *stateDB != "" {
		cfg.Storage.StateDB = *stateDB
	}
	if *signalsDir != "" {
		cfg.Storage.SignalsDir = *signalsDir
	}

	closeLog, err := cli.SetupLogging(cfg, "signal-gen", *verbose)
	if err != nil {
		log.Fatalf("failed to open log file: %v", err)
	}

	if *candidates == "" {
		slog.Error("--candidates is required")
		os.Exit(cli.ExitFailure)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rec := metrics.New()
	code := run(ctx, cfg, rec, runArgs{
		candidates: *candidates,
		manifest:   *manifest,
		tradeDate:  *tradeDate,
		brokerKind: *brokerKind,
		opts:       sig.Options{Force: *force, DryRun: *dryRun},
		noWrite:    *noWrite,
	})

	if err := rec.Push(context.WithoutCancel(ctx), cfg.Metrics.PushgatewayURL, cfg.Metrics.Job+"_signal_gen"); err != nil {
		slog.Warn("metrics push failed", "error", err)
	}
	closeLog()
	os.Exit(code)
}

type runArgs struct {
	candidates string
	manifest   string
	tradeDate  string
	brokerKind string
	opts       sig.Options
	noWrite    bool
}

func run(ctx context.Context, cfg *config.Config, rec *metrics.Recorder, a runArgs) int {
	if a.manifest != "" {
		if err := config.VerifyManifest(cfg.Live, a.manifest); err != nil {
			slog.Error("manifest verification failed", "manifest", a.manifest, "error", err)
			return cli.ExitFailure
		}
	}

	date, asOf, err := cli.TradeDate(a.tradeDate)
	if err != nil {
		slog.Error("bad trade date", "error", err)
		return cli.ExitFailure
	}

	locker := lock.New(cfg.Lock)
	defer locker.Close()
	if err := locker.TryLock(ctx, "signal-gen", cfg.Lock.TTL); err != nil {
		slog.Error("could not acquire run lock", "error", err)
		return cli.ExitFailure
	}
	defer locker.Unlock(context.WithoutCancel(ctx), "signal-gen")

	st, err := store.NewSQLiteStore(cfg.Storage.StateDB)
	if err != nil {
		slog.Error("opening state db", "path", cfg.Storage.StateDB, "error", err)
		return cli.ExitFailure
	}
	defer st.Close()

	// Nothing touches the broker while the kill switch is on.
	if on, err := st.KillSwitch(ctx); err != nil {
		slog.Error("reading kill switch", "error", err)
		return cli.ExitFailure
	} else if on {
		slog.Error("kill switch is ON, refusing to generate signals")
		return cli.ExitKillSwitch
	}

	b, err := cli.NewBroker(cfg, a.brokerKind)
	if err != nil {
		slog.Error("creating broker", "error", err)
		return cli.ExitFailure
	}

	cal := cli.NewLazyCalendar(ctx, b, asOf, cfg.Live.BarLookbackDays)
	checker := trailing.NewChecker(cli.NewBarSource(cfg), cal, cfg.Live.BarLookbackDays)

	reg, err := strategy.FromConfig(cfg.Live)
	if err != nil {
		slog.Error("building strategies", "error", err)
		return cli.ExitFailure
	}
	gen, err := sig.NewGenerator(st, b, checker, cfg.Live, reg)
	if err != nil {
		slog.Error("creating generator", "error", err)
		return cli.ExitFailure
	}

	cands, err := sig.LoadCandidates(a.candidates)
	if err != nil {
		slog.Error("loading candidates", "path", a.candidates, "error", err)
		return cli.ExitFailure
	}

	started := time.Now()
	res, err := gen.Generate(ctx, date, cands, a.opts)
	rec.ObservePhase("signal_generation", started)
	if errors.Is(err, domain.ErrReconcileMismatch) {
		rec.ReconcileFailed()
	}
	if !a.opts.DryRun && !errors.Is(err, domain.ErrKillSwitchOn) {
		logRun(ctx, st, date, a.candidates, res, err, started)
	}
	if err != nil {
		slog.Error("signal generation failed", "trade_date", date, "error", err)
		return cli.ExitCode(err)
	}

	for _, s := range []*domain.Signal{res.Executed, res.Shadow} {
		rec.SignalActions(s.Strategy, len(s.Exits), len(s.Entries), len(s.Skipped))
		if a.noWrite {
			continue
		}
		path, err := sig.Write(cfg.Storage.SignalsDir, s)
		if err != nil {
			slog.Error("writing signal file", "strategy", s.Strategy, "error", err)
			return cli.ExitFailure
		}
		slog.Info("signal file written", "path", path, "strategy", s.Strategy)
	}

	fmt.Printf("%s %s: %d exits, %d entries, %d skipped\n",
		date, res.Executed.Strategy, len(res.Executed.Exits), len(res.Executed.Entries), len(res.Executed.Skipped))
	return cli.ExitOK
}

// logRun records the generator run in the run log.
func logRun(ctx context.Context, st store.RunLogStore, date, candidates string, res *sig.Result, runErr error, started time.Time) {
	ctx = context.WithoutCancel(ctx)
	run := &domain.RunLog{
		RunID:       sig.NewRunID(date),
		RunDate:     date,
		Phase:       "signal",
		Status:      domain.RunStatusRunning,
		SignalsFile: candidates,
		StartedAt:   started,
	}
	if res != nil {
		run.RunID = res.Executed.RunID
		run.ExitsCount = len(res.Executed.Exits)
		run.EntriesCount = len(res.Executed.Entries)
		run.SkippedCount = len(res.Executed.Skipped)
	}
	if err := st.StartRun(ctx, run); err != nil {
		slog.Warn("run log start failed", "error", err)
		return
	}
	run.Status = domain.RunStatusCompleted
	if runErr != nil {
		run.Status = domain.RunStatusFailed
		run.ErrorMessage = runErr.Error()
	}
	if err := st.CompleteRun(ctx, run); err != nil {
		slog.Warn("run log complete failed", "error", err)
	}
}
