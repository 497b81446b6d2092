package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"ALPACA_API_KEY", "ALPACA_API_SECRET", "ALPACA_BASE_URL", "ALPACA_DATA_URL", "ALPACA_ALLOW_LIVE",
		"APCA_API_KEY_ID", "APCA_API_SECRET_KEY", "APCA_API_BASE_URL",
		"STATE_DB", "BAR_DIR", "SIGNALS_DIR", "LOG_LEVEL", "REDIS_ADDR", "PUSHGATEWAY_URL",
	} {
		t.Setenv(k, "")
	}
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)
	path := writeFile(t, "tradepipe.yaml", `
storage:
  state_db: "/tmp/tradepipe/state.db"
alpaca:
  api_key: "test-key"
  api_secret: "test-secret"
live:
  max_positions: 15
  poll_timeout: 90s
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	// -- Storage --
	assert.Equal(t, "/tmp/tradepipe/state.db", cfg.Storage.StateDB)
	assert.Equal(t, "data/live/signals", cfg.Storage.SignalsDir)

	// -- Alpaca --
	assert.Equal(t, "test-key", cfg.Alpaca.APIKey)
	assert.Equal(t, "https://paper-api.alpaca.markets", cfg.Alpaca.BaseURL)
	assert.False(t, cfg.Alpaca.AllowLive)

	// -- Live --
	l := cfg.Live
	assert.Equal(t, 15, l.MaxPositions)
	assert.Equal(t, 90*time.Second, l.PollTimeout)
	assert.Equal(t, 5*time.Second, l.PollInterval)
	assert.Equal(t, 10000.0, l.PositionSize)
	assert.Equal(t, 10.0, l.StopLossPct)
	assert.Equal(t, "ema_p10", l.StrategyName)
	assert.Equal(t, "nwl_p4", l.ShadowStrategyName)
	assert.Equal(t, TrailingStop{Mode: "weekly_ema", Period: 10}, l.TrailingStop)
	assert.Equal(t, TrailingStop{Mode: "weekly_nweek_low", Period: 4}, l.ShadowTrailingStop)
	assert.Equal(t, 2, l.TrailingTransitionWeeks)
	assert.Equal(t, 40, l.MaxDailyTradeOrders)
	assert.Equal(t, 20, l.MaxDailyStopOrders)
	assert.True(t, l.RotationEnabled())
	assert.False(t, l.IsOPG())
}

func TestLoadEnvOverrides(t *testing.T) {
	clearEnv(t)
	path := writeFile(t, "tradepipe.yaml", `
alpaca:
  api_key: "file-key"
`)
	t.Setenv("ALPACA_API_KEY", "alpaca-key")
	t.Setenv("APCA_API_KEY_ID", "apca-key")
	t.Setenv("STATE_DB", "/var/lib/state.db")
	t.Setenv("ALPACA_ALLOW_LIVE", "true")

	cfg, err := Load(path)
	require.NoError(t, err)

	// APCA_* wins over ALPACA_*.
	assert.Equal(t, "apca-key", cfg.Alpaca.APIKey)
	assert.Equal(t, "/var/lib/state.db", cfg.Storage.StateDB)
	assert.True(t, cfg.Alpaca.AllowLive)
}

func TestLoadRejectsInvalid(t *testing.T) {
	clearEnv(t)
	path := writeFile(t, "bad.yaml", `
live:
  entry_tif: "gtc"
  min_grade: "F"
  stop_loss_pct: 120
`)
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "entry_tif")
	assert.Contains(t, err.Error(), "min_grade")
	assert.Contains(t, err.Error(), "stop_loss_pct")
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestRotationExplicitlyOff(t *testing.T) {
	clearEnv(t)
	path := writeFile(t, "tradepipe.yaml", "live:\n  rotation: false\n  entry_tif: opg\n")
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.False(t, cfg.Live.RotationEnabled())
	assert.True(t, cfg.Live.IsOPG())
}

// ---------------------------------------------------------------------------
// Manifest
// ---------------------------------------------------------------------------

func TestVerifyManifestMatch(t *testing.T) {
	live := Default().Live
	path := writeFile(t, "run_manifest.json", `{
  "timestamp": "2026-02-01T00:00:00Z",
  "config": {
    "position_size": 10000,
    "stop_loss": 10.0,
    "slippage": 0.5,
    "max_holding": null,
    "stop_mode": "intraday",
    "entry_mode": "report_open",
    "max_positions": 20,
    "trailing_transition_weeks": 2,
    "unrelated": "ignored"
  }
}`)
	assert.NoError(t, VerifyManifest(live, path))
}

func TestVerifyManifestTopLevel(t *testing.T) {
	live := Default().Live
	path := writeFile(t, "manifest.yaml", "position_size: 10000\nmax_positions: 20\n")
	assert.NoError(t, VerifyManifest(live, path))
}

func TestVerifyManifestMismatch(t *testing.T) {
	live := Default().Live
	path := writeFile(t, "run_manifest.json", `{"config": {"max_positions": 10, "stop_mode": "close", "position_size": 10000}}`)

	err := VerifyManifest(live, path)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrManifestMismatch))
	assert.Contains(t, err.Error(), "max_positions")
	assert.Contains(t, err.Error(), "stop_mode")
	assert.NotContains(t, err.Error(), "position_size:")
}

func TestVerifyManifestMaxHolding(t *testing.T) {
	live := Default().Live
	path := writeFile(t, "run_manifest.json", `{"config": {"max_holding": 30}}`)
	require.ErrorIs(t, VerifyManifest(live, path), ErrManifestMismatch)

	days := 30
	live.MaxHoldingDays = &days
	assert.NoError(t, VerifyManifest(live, path))
}
