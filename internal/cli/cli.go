// Package cli holds the bootstrap shared by the batch binaries: config and
// logger setup, broker and calendar construction, and the mapping from
// errors to process exit codes.
package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"tradepipe/internal/broker"
	"tradepipe/internal/config"
	"tradepipe/internal/domain"
	"tradepipe/internal/marketdata"
	"tradepipe/internal/store"
	"tradepipe/internal/util"
)

// Reserved exit codes.
const (
	ExitOK          = 0
	ExitFailure     = 1
	ExitKillSwitch  = 3
	ExitMismatch    = 4
	ExitWrongStrat  = 5
	ExitUnsafePhase = 6
)

// ExitCode maps an error returned by a run onto its exit code.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return ExitOK
	case errors.Is(err, domain.ErrKillSwitchOn):
		return ExitKillSwitch
	case errors.Is(err, domain.ErrReconcileMismatch):
		return ExitMismatch
	case errors.Is(err, domain.ErrWrongStrategy):
		return ExitWrongStrat
	case errors.Is(err, domain.ErrUnsafePhase):
		return ExitUnsafePhase
	}
	return ExitFailure
}

// ConfigPath returns the explicit path, else $TRADEPIPE_CONFIG, else the
// default location.
func ConfigPath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if p := os.Getenv("TRADEPIPE_CONFIG"); p != "" {
		return p
	}
	return "config/tradepipe.yaml"
}

// LoadConfig loads path. A missing default file yields the built-in
// defaults; a missing explicit file is an error.
func LoadConfig(path string, explicit bool) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err == nil {
		return cfg, nil
	}
	if !explicit && errors.Is(err, os.ErrNotExist) {
		return config.Default(), nil
	}
	return nil, fmt.Errorf("loading config %s: %w", path, err)
}

// SetupLogging installs the default logger for binary name. verbose forces
// debug level. The returned func closes the log file, if any.
func SetupLogging(cfg *config.Config, name string, verbose bool) (func() error, error) {
	w, closeFn, err := util.OpenLogFile(cfg.Logging.FileDir, name, time.Now())
	if err != nil {
		return nil, err
	}
	level := cfg.Logging.Level
	if verbose {
		level = "debug"
	}
	util.SetDefault(util.NewLogger(level, cfg.Logging.Format, w))
	return closeFn, nil
}

// NewBroker builds the broker named by kind: "alpaca" or "simulator".
func NewBroker(cfg *config.Config, kind string) (broker.Broker, error) {
	switch kind {
	case "", "alpaca":
		if cfg.Alpaca.APIKey == "" || cfg.Alpaca.APISecret == "" {
			return nil, errors.New("alpaca credentials not configured (APCA_API_KEY_ID / APCA_API_SECRET_KEY)")
		}
		return broker.NewAlpacaBroker(broker.AlpacaConfig{
			APIKey:          cfg.Alpaca.APIKey,
			APISecret:       cfg.Alpaca.APISecret,
			BaseURL:         cfg.Alpaca.BaseURL,
			AllowLive:       cfg.Alpaca.AllowLive,
			RateLimitPerMin: cfg.Alpaca.RateLimitPerMin,
		})
	case "simulator":
		return broker.NewSimulatorBroker(time.Now()), nil
	}
	return nil, fmt.Errorf("unknown broker %q (want alpaca or simulator)", kind)
}

// NewBarSource returns the Alpaca daily bar source, cached in Parquet under
// storage.bar_dir when configured.
func NewBarSource(cfg *config.Config) marketdata.BarSource {
	var src marketdata.BarSource = marketdata.NewAlpacaBarSource(
		cfg.Alpaca.APIKey, cfg.Alpaca.APISecret, cfg.Alpaca.DataURL, cfg.Alpaca.DataFeed, cfg.Alpaca.RateLimitPerMin)
	if cfg.Storage.BarDir != "" {
		src = marketdata.NewCachedBarSource(src, store.NewParquetStore(cfg.Storage.BarDir))
	}
	return src
}

// SessionCalendar loads the broker's session list around asOf. When the
// broker cannot answer, the weekday calendar is used.
func SessionCalendar(ctx context.Context, b broker.Broker, asOf time.Time, lookbackDays int) *util.TradingCalendar {
	sessions, err := b.Calendar(ctx, asOf.AddDate(0, 0, -lookbackDays), asOf.AddDate(0, 0, 14))
	if err != nil || len(sessions) == 0 {
		slog.Warn("broker calendar unavailable, using weekday calendar", "error", err)
		return util.NewTradingCalendar()
	}
	return util.NewSessionCalendar(sessions)
}

// LazyCalendar resolves SessionCalendar on the first week-end question.
// A run that stops before evaluating any position never calls the broker.
type LazyCalendar struct {
	once sync.Once
	load func() *util.TradingCalendar
	cal  *util.TradingCalendar
}

// NewLazyCalendar returns a LazyCalendar for SessionCalendar(ctx, b, asOf,
// lookbackDays).
func NewLazyCalendar(ctx context.Context, b broker.Broker, asOf time.Time, lookbackDays int) *LazyCalendar {
	return &LazyCalendar{load: func() *util.TradingCalendar {
		return SessionCalendar(ctx, b, asOf, lookbackDays)
	}}
}

// IsLastSessionOfWeek loads the calendar if needed and answers from it.
func (c *LazyCalendar) IsLastSessionOfWeek(d time.Time) bool {
	c.once.Do(func() { c.cal = c.load() })
	return c.cal.IsLastSessionOfWeek(d)
}

// TradeDate validates an explicit YYYY-MM-DD date or returns today's ET
// trading date.
func TradeDate(flagValue string) (string, time.Time, error) {
	if flagValue == "" {
		now := time.Now()
		d := util.TradingDate(now)
		t, _ := time.Parse(domain.DateLayout, d)
		return d, t, nil
	}
	t, err := time.Parse(domain.DateLayout, flagValue)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("invalid trade date %q: %w", flagValue, err)
	}
	return flagValue, t, nil
}
