// Batch tool: execute a trade-signal file against the broker, or run the
// poll-only recovery pass.
//
// Usage:
//
//	go run ./cmd/executor --signals signals/trade_signals_2026-02-17_ema_p10.json
//	go run ./cmd/executor --phase poll
//
// Exit codes: 0 ok, 1 failure, 3 kill switch on or tripped, 5 signal file for
// another strategy, 6 phase not allowed for the configured entry TIF.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"tradepipe/internal/cli"
	"tradepipe/internal/config"
	"tradepipe/internal/domain"
	"tradepipe/internal/engine"
	"tradepipe/internal/lock"
	"tradepipe/internal/metrics"
	sig "tradepipe/internal/signal"
	"tradepipe/internal/store"
)

func main() {
	var (
		cfgFlag    = flag.String("config", "", "config file (default $TRADEPIPE_CONFIG or config/tradepipe.yaml)")
		stateDB    = flag.String("state-db", "", "state database path (overrides config)")
		signals    = flag.String("signals", "", "signal file (default <signals_dir>/trade_signals_<date>_<strategy>.json)")
		manifest   = flag.String("manifest", "", "strategy manifest to verify the live config against")
		phaseFlag  = flag.String("phase", "place", "phase: place, poll or all")
		tradeDate  = flag.String("trade-date", "", "trade date YYYY-MM-DD (default today, ET)")
		brokerKind = flag.String("broker", "alpaca", "broker: alpaca or simulator")
		dryRun     = flag.Bool("dry-run", false, "log intended orders without submitting")
		skipTime   = flag.Bool("skip-time-check", false, "disable the entry window guard")
		verbose    = flag.Bool("v", false, "debug logging")
	)
	flag.Parse()

	cfg, err := cli.LoadConfig(cli.ConfigPath(*cfgFlag), *cfgFlag != "")
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if *stateDB != "" {
		cfg.Storage.StateDB = *stateDB
	}

	closeLog, err := cli.SetupLogging(cfg, "executor", *verbose)
	if err != nil {
		log.Fatalf("failed to open log file: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rec := metrics.New()
	code := run(ctx, cfg, rec, runArgs{
		signals:    *signals,
		manifest:   *manifest,
		phase:      *phaseFlag,
		tradeDate:  *tradeDate,
		brokerKind: *brokerKind,
		dryRun:     *dryRun,
		skipTime:   *skipTime,
	})

	if err := rec.Push(context.WithoutCancel(ctx), cfg.Metrics.PushgatewayURL, cfg.Metrics.Job+"_executor"); err != nil {
		slog.Warn("metrics push failed", "error", err)
	}
	closeLog()
	os.Exit(code)
}

type runArgs struct {
	signals    string
	manifest   string
	phase      string
	tradeDate  string
	brokerKind string
	dryRun     bool
	skipTime   bool
}

func run(ctx context.Context, cfg *config.Config, rec *metrics.Recorder, a runArgs) int {
	phase, err := engine.ParsePhase(a.phase)
	if err != nil {
		slog.Error("bad phase", "error", err)
		return cli.ExitFailure
	}
	if err := engine.CheckPhase(phase, cfg.Live); err != nil {
		slog.Error("refusing to run", "phase", phase, "entry_tif", cfg.Live.EntryTIF, "error", err)
		return cli.ExitCode(err)
	}
	if a.manifest != "" {
		if err := config.VerifyManifest(cfg.Live, a.manifest); err != nil {
			slog.Error("manifest verification failed", "manifest", a.manifest, "error", err)
			return cli.ExitFailure
		}
	}

	date, _, err := cli.TradeDate(a.tradeDate)
	if err != nil {
		slog.Error("bad trade date", "error", err)
		return cli.ExitFailure
	}

	var s *domain.Signal
	path := a.signals
	if phase != engine.PhasePoll {
		if path == "" {
			path = filepath.Join(cfg.Storage.SignalsDir, sig.FileName(date, cfg.Live.StrategyName))
		}
		if s, err = sig.Read(path); err != nil {
			slog.Error("reading signal file", "path", path, "error", err)
			return cli.ExitFailure
		}
		if a.tradeDate == "" {
			date = s.TradeDate
		}
	}

	locker := lock.New(cfg.Lock)
	defer locker.Close()
	if err := locker.TryLock(ctx, "executor", cfg.Lock.TTL); err != nil {
		slog.Error("could not acquire run lock", "error", err)
		return cli.ExitFailure
	}
	defer locker.Unlock(context.WithoutCancel(ctx), "executor")

	st, err := store.NewSQLiteStore(cfg.Storage.StateDB)
	if err != nil {
		slog.Error("opening state db", "path", cfg.Storage.StateDB, "error", err)
		return cli.ExitFailure
	}
	defer st.Close()

	b, err := cli.NewBroker(cfg, a.brokerKind)
	if err != nil {
		slog.Error("creating broker", "error", err)
		return cli.ExitFailure
	}

	exec := engine.NewExecutor(st, b, cfg.Live, rec)
	opts := engine.Options{Phase: phase, DryRun: a.dryRun, SkipTimeCheck: a.skipTime, SignalsFile: path}

	var rep *engine.Report
	if phase == engine.PhasePoll {
		rep, err = exec.Poll(ctx, date, opts)
	} else {
		rep, err = exec.Execute(ctx, s, date, opts)
	}
	if rep != nil {
		printReport(date, rep)
	}
	if err != nil {
		slog.Error("execution failed", "trade_date", date, "phase", phase, "error", err)
		return cli.ExitCode(err)
	}
	return cli.ExitOK
}

func printReport(date string, rep *engine.Report) {
	fmt.Printf("%s %s run %s\n", date, rep.Phase, rep.RunID)
	fmt.Printf("  exits:   %d submitted, %d filled, %d already processed\n",
		rep.ExitsSubmitted, rep.ExitsFilled, len(rep.ExitsAlreadyProcessed))
	fmt.Printf("  entries: %d slots, %d submitted, %d filled, %d stops placed\n",
		rep.AvailableSlots, rep.EntriesSubmitted, rep.EntriesFilled, rep.StopsPlaced)
	for _, sk := range rep.Skipped {
		fmt.Printf("  skipped %-6s %s\n", sk.Ticker, sk.Reason)
	}
	if len(rep.Timeouts) > 0 {
		fmt.Printf("  still open: %v\n", rep.Timeouts)
	}
	if len(rep.Unprotected) > 0 {
		fmt.Printf("  UNPROTECTED: %v\n", rep.Unprotected)
	}
	if rep.KillSwitchTripped {
		fmt.Println("  KILL SWITCH TRIPPED")
	}
}
