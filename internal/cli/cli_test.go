package cli

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradepipe/internal/broker"
	"tradepipe/internal/config"
	"tradepipe/internal/domain"
)

func TestExitCode(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{nil, ExitOK},
		{domain.ErrKillSwitchOn, ExitKillSwitch},
		{fmt.Errorf("wrapped: %w", domain.ErrReconcileMismatch), ExitMismatch},
		{domain.ErrWrongStrategy, ExitWrongStrat},
		{fmt.Errorf("phase: %w", domain.ErrUnsafePhase), ExitUnsafePhase},
		{config.ErrManifestMismatch, ExitFailure},
		{fmt.Errorf("boom"), ExitFailure},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ExitCode(tt.err), "%v", tt.err)
	}
}

func TestConfigPath(t *testing.T) {
	t.Setenv("TRADEPIPE_CONFIG", "")
	assert.Equal(t, "config/tradepipe.yaml", ConfigPath(""))
	t.Setenv("TRADEPIPE_CONFIG", "/etc/tp.yaml")
	assert.Equal(t, "/etc/tp.yaml", ConfigPath(""))
	assert.Equal(t, "x.yaml", ConfigPath("x.yaml"))
}

func TestLoadConfigMissingDefaultFallsBack(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "nope.yaml")

	cfg, err := LoadConfig(missing, false)
	require.NoError(t, err)
	assert.Equal(t, 20, cfg.Live.MaxPositions)

	_, err = LoadConfig(missing, true)
	assert.Error(t, err)
}

func TestNewBrokerKinds(t *testing.T) {
	cfg := config.Default()
	cfg.Alpaca.APIKey, cfg.Alpaca.APISecret = "", ""

	b, err := NewBroker(cfg, "simulator")
	require.NoError(t, err)
	assert.Equal(t, "simulator", b.Name())

	_, err = NewBroker(cfg, "alpaca")
	assert.Error(t, err)
	_, err = NewBroker(cfg, "ib")
	assert.Error(t, err)
}

func TestTradeDate(t *testing.T) {
	d, tm, err := TradeDate("2026-02-17")
	require.NoError(t, err)
	assert.Equal(t, "2026-02-17", d)
	assert.Equal(t, 17, tm.Day())

	_, _, err = TradeDate("17/02/2026")
	assert.Error(t, err)

	d, _, err = TradeDate("")
	require.NoError(t, err)
	assert.Len(t, d, 10)
}

type countingCalendar struct {
	*broker.SimulatorBroker
	calls int
	err   error
}

func (c *countingCalendar) Calendar(ctx context.Context, start, end time.Time) ([]string, error) {
	c.calls++
	if c.err != nil {
		return nil, c.err
	}
	return c.SimulatorBroker.Calendar(ctx, start, end)
}

func TestLazyCalendarDefersBrokerLookup(t *testing.T) {
	asOf := time.Date(2026, 2, 20, 0, 0, 0, 0, time.UTC)
	b := &countingCalendar{SimulatorBroker: broker.NewSimulatorBroker(asOf)}

	cal := NewLazyCalendar(context.Background(), b, asOf, 30)
	assert.Zero(t, b.calls)

	assert.True(t, cal.IsLastSessionOfWeek(asOf)) // Friday
	assert.False(t, cal.IsLastSessionOfWeek(asOf.AddDate(0, 0, -1)))
	assert.Equal(t, 1, b.calls)
}

func TestLazyCalendarFallsBackToWeekdays(t *testing.T) {
	asOf := time.Date(2026, 2, 20, 0, 0, 0, 0, time.UTC)
	b := &countingCalendar{SimulatorBroker: broker.NewSimulatorBroker(asOf), err: errors.New("calendar down")}

	cal := NewLazyCalendar(context.Background(), b, asOf, 30)
	assert.True(t, cal.IsLastSessionOfWeek(asOf))
	assert.Equal(t, 1, b.calls)
}
