package signal

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradepipe/internal/broker"
	"tradepipe/internal/config"
	"tradepipe/internal/domain"
	"tradepipe/internal/marketdata"
	"tradepipe/internal/store"
	"tradepipe/internal/strategy"
	"tradepipe/internal/trailing"
	"tradepipe/internal/util"
)

// ---------------------------------------------------------------------------
// Fixtures
// ---------------------------------------------------------------------------

type fixture struct {
	gen   *Generator
	store *store.SQLiteStore
	sim   *broker.SimulatorBroker
	bars  *marketdata.StaticBarSource
}

func newFixture(t *testing.T, live config.Live) *fixture {
	t.Helper()
	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	sim := broker.NewSimulatorBroker(time.Date(2026, 2, 17, 21, 0, 0, 0, time.UTC))
	bars := marketdata.NewStaticBarSource()
	reg, err := strategy.FromConfig(live)
	require.NoError(t, err)

	gen, err := NewGenerator(st, sim, trailing.NewChecker(bars, util.NewTradingCalendar(), 400), live, reg)
	require.NoError(t, err)
	return &fixture{gen: gen, store: st, sim: sim, bars: bars}
}

func defaultLive() config.Live {
	return config.Default().Live
}

// hold records an open position both in state and at the broker.
func (f *fixture) hold(t *testing.T, ticker string, shares int, score, unrealized float64) {
	t.Helper()
	_, err := f.store.AddPosition(context.Background(), &domain.Position{
		Ticker: ticker, EntryDate: "2026-01-05", EntryPrice: 100,
		TargetShares: shares, ActualShares: shares, Invested: 100 * float64(shares), Score: score,
	})
	require.NoError(t, err)
	f.sim.SetPosition(domain.BrokerPosition{Symbol: ticker, Qty: shares, AvgEntryPrice: 100, UnrealizedPL: unrealized})
}

func cand(ticker string, score, price float64, grade string) domain.Candidate {
	return domain.Candidate{Ticker: ticker, Score: score, Price: price, Grade: grade, GradeSource: "html", ReportDate: "2026-02-16"}
}

func weekBars(symbol, from string, closes ...float64) []domain.Bar {
	start, _ := time.Parse(domain.DateLayout, from)
	var out []domain.Bar
	for w, c := range closes {
		for d := 0; d < 5; d++ {
			out = append(out, domain.Bar{Symbol: symbol, Timestamp: start.AddDate(0, 0, 7*w+d),
				Open: c, High: c + 1, Low: c - 1, Close: c, Volume: 100})
		}
	}
	return out
}

func tickers(entries []domain.SignalEntry) []string {
	var out []string
	for _, e := range entries {
		out = append(out, e.Ticker)
	}
	return out
}

func skipReasons(sk []domain.SkippedCandidate) map[string]string {
	out := make(map[string]string, len(sk))
	for _, s := range sk {
		out[s.Ticker] = s.Reason
	}
	return out
}

// ---------------------------------------------------------------------------
// Candidates
// ---------------------------------------------------------------------------

func TestLoadCandidates(t *testing.T) {
	doc := `{"candidates": [
		{"ticker": "$nvda", "grade": "A", "score": 91, "price": 150.25, "gap_size": 4.2},
		{"ticker": "AEO", "grade": "E", "score": 70, "price": 20},
		{"ticker": "TSM", "grade": "B", "score": 120, "price": 180},
		{"ticker": "MU", "grade": "B", "score": 80, "price": 0},
		{"ticker": "bad ticker", "grade": "A", "score": 80, "price": 10},
		{"ticker": "BRK.B", "grade": "C", "score": 60, "price": 400, "grade_source": "inferred", "report_date": "2026-02-13"}
	]}`
	path := filepath.Join(t.TempDir(), "earnings_2026-02-16.json")
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))

	got, err := LoadCandidates(path)
	require.NoError(t, err)
	require.Len(t, got, 2)

	assert.Equal(t, "NVDA", got[0].Ticker)
	assert.Equal(t, "2026-02-16", got[0].ReportDate)
	assert.Equal(t, "html", got[0].GradeSource)
	require.NotNil(t, got[0].GapSize)
	assert.Equal(t, 4.2, *got[0].GapSize)

	assert.Equal(t, "BRK.B", got[1].Ticker)
	assert.Equal(t, "2026-02-13", got[1].ReportDate)
	assert.Equal(t, "inferred", got[1].GradeSource)
}

func TestLoadCandidatesErrors(t *testing.T) {
	_, err := LoadCandidates(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "bad.json")
	require.NoError(t, os.WriteFile(path, []byte("{"), 0o644))
	_, err = LoadCandidates(path)
	assert.Error(t, err)
}

func TestFilterGrade(t *testing.T) {
	cands := []domain.Candidate{cand("A1", 90, 10, "A"), cand("B1", 80, 10, "B"), cand("C1", 70, 10, "C"), cand("D1", 60, 10, "D")}

	assert.Len(t, FilterGrade(cands, "B"), 2)
	assert.Len(t, FilterGrade(cands, "D"), 4)
	assert.Len(t, FilterGrade(cands, ""), 4)
	assert.Len(t, FilterGrade(cands, "A"), 1)
}

func TestRankBreaksTiesByTicker(t *testing.T) {
	cands := []domain.Candidate{cand("ZM", 85, 10, "A"), cand("AMD", 85, 10, "A"), cand("NVDA", 91, 10, "A"), cand("MU", 85, 10, "B")}
	Rank(cands)

	var got []string
	for _, c := range cands {
		got = append(got, c.Ticker)
	}
	assert.Equal(t, []string{"NVDA", "AMD", "MU", "ZM"}, got)
}

func TestApplyEntryFilter(t *testing.T) {
	gap := func(v float64) *float64 { return &v }
	f := config.EntryFilter{Enabled: true, PriceMin: 10, PriceMax: 30, GapThreshold: 10, ScoreThreshold: 85}

	low := cand("LOW", 70, 12, "B")
	hot := cand("HOT", 90, 50, "A")
	hot.GapSize = gap(12)
	fine := cand("OK", 90, 50, "A")
	fine.GapSize = gap(3)
	edge := cand("EDGE", 70, 30, "B")

	kept, skipped := ApplyEntryFilter([]domain.Candidate{low, hot, fine, edge}, f)
	assert.Equal(t, []string{"OK", "EDGE"}, []string{kept[0].Ticker, kept[1].Ticker})
	reasons := skipReasons(skipped)
	assert.Equal(t, "filter_low_price_10_30", reasons["LOW"])
	assert.Equal(t, "filter_high_gap_score_10_85", reasons["HOT"])

	f.Enabled = false
	kept, skipped = ApplyEntryFilter([]domain.Candidate{low, hot}, f)
	assert.Len(t, kept, 2)
	assert.Empty(t, skipped)
}

func TestSizing(t *testing.T) {
	assert.Equal(t, 66, Qty(150, 10000))
	assert.Equal(t, 0, Qty(0, 10000))
	assert.Equal(t, 0, Qty(20000, 10000))
	assert.Equal(t, 135.0, StopPrice(150, 10))
	assert.Equal(t, 44.99, StopPrice(49.99, 10))
}

// ---------------------------------------------------------------------------
// Signal files
// ---------------------------------------------------------------------------

func TestWriteAndReadSignalFile(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "signals")
	sig := &domain.Signal{TradeDate: "2026-02-17", Strategy: "ema_p10", RunID: NewRunID("2026-02-17")}

	path, err := Write(dir, sig)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "trade_signals_2026-02-17_ema_p10.json"), path)

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	var generic map[string]any
	require.NoError(t, json.Unmarshal(raw, &generic))
	assert.Equal(t, []any{}, generic["entries"], "empty lists are written as []")

	back, err := Read(path)
	require.NoError(t, err)
	assert.Equal(t, sig.RunID, back.RunID)

	require.NoError(t, os.WriteFile(path, []byte(`{"entries": []}`), 0o644))
	_, err = Read(path)
	assert.Error(t, err)
}

func TestNewRunID(t *testing.T) {
	id := NewRunID("2026-02-17")
	assert.Regexp(t, `^sig_20260217_[0-9a-f]{6}$`, id)
	assert.NotEqual(t, id, NewRunID("2026-02-17"))
}

// ---------------------------------------------------------------------------
// Generator
// ---------------------------------------------------------------------------

func TestGenerateKillSwitchHalts(t *testing.T) {
	f := newFixture(t, defaultLive())
	ctx := context.Background()
	require.NoError(t, f.store.SetKillSwitch(ctx, true, "test"))

	_, err := f.gen.Generate(ctx, "2026-02-17", []domain.Candidate{cand("NVDA", 91, 150, "A")}, Options{})
	assert.ErrorIs(t, err, domain.ErrKillSwitchOn)

	shadows, err := f.store.OpenShadowPositions(ctx, "nwl_p4")
	require.NoError(t, err)
	assert.Empty(t, shadows)
}

func TestGenerateReconcileMismatch(t *testing.T) {
	f := newFixture(t, defaultLive())
	ctx := context.Background()
	f.hold(t, "AEO", 100, 70, 10)
	f.sim.SetPosition(domain.BrokerPosition{Symbol: "XYZ", Qty: 5})

	_, err := f.gen.Generate(ctx, "2026-02-17", nil, Options{})
	require.ErrorIs(t, err, domain.ErrReconcileMismatch)
	assert.Contains(t, err.Error(), "XYZ at broker but not in state")

	res, err := f.gen.Generate(ctx, "2026-02-17", nil, Options{Force: true})
	require.NoError(t, err)
	assert.True(t, res.Executed.Summary.Forced)
	assert.Equal(t, 2, res.Executed.Summary.OpenPositions, "forced runs size capacity from the broker")
}

func TestReconcileQtyMismatch(t *testing.T) {
	diffs := Reconcile(
		[]domain.Position{{Ticker: "AEO", ActualShares: 100}, {Ticker: "TSM", ActualShares: 10}},
		[]domain.BrokerPosition{{Symbol: "AEO", Qty: 90}},
	)
	assert.Equal(t, []string{"AEO qty mismatch: state=100 broker=90", "TSM in state but not at broker"}, diffs)
	assert.Empty(t, Reconcile(nil, nil))
}

func TestGenerateFillsLastSlot(t *testing.T) {
	f := newFixture(t, defaultLive())
	for i := 0; i < 19; i++ {
		f.hold(t, fmt.Sprintf("H%02d", i), 10, 70, 5)
	}

	cands := []domain.Candidate{cand("NVDA", 91, 150, "A"), cand("AMD", 88, 120, "A"), cand("H03", 95, 50, "A")}
	res, err := f.gen.Generate(context.Background(), "2026-02-17", cands, Options{})
	require.NoError(t, err)

	sig := res.Executed
	assert.Equal(t, "ema_p10", sig.Strategy)
	require.Len(t, sig.Entries, 1)
	e := sig.Entries[0]
	assert.Equal(t, "NVDA", e.Ticker)
	assert.Equal(t, 66, e.Qty)
	assert.Equal(t, 135.0, e.StopPrice)
	assert.Equal(t, "A", e.Grade)

	reasons := skipReasons(sig.Skipped)
	assert.Equal(t, domain.SkipAlreadyHeld, reasons["H03"])
	assert.Equal(t, domain.SkipCapacityFull, reasons["AMD"])
	assert.Equal(t, 19, sig.Summary.OpenPositions)
	assert.Equal(t, 1, sig.Summary.AvailableSlots)
}

func TestGenerateTrendBreakExit(t *testing.T) {
	live := defaultLive()
	live.StrategyName = "ema_p3"
	live.TrailingStop = config.TrailingStop{Mode: "weekly_ema", Period: 3}
	f := newFixture(t, live)
	f.hold(t, "AEO", 100, 70, -500)
	f.hold(t, "TSM", 10, 80, 50)
	f.bars.Set("AEO", weekBars("AEO", "2026-01-05", 100, 105, 110, 115, 90))
	f.bars.Set("TSM", weekBars("TSM", "2026-01-05", 100, 105, 110, 115, 120))

	res, err := f.gen.Generate(context.Background(), "2026-02-06", nil, Options{})
	require.NoError(t, err)

	require.Len(t, res.Executed.Exits, 1)
	ex := res.Executed.Exits[0]
	assert.Equal(t, "AEO", ex.Ticker)
	assert.Equal(t, domain.ExitReasonTrendBreak, ex.Reason)
	assert.Equal(t, 100, ex.Shares)
	require.NotNil(t, ex.IndicatorValue)
	assert.Equal(t, 100.0, *ex.IndicatorValue)
	assert.Equal(t, 90.0, *ex.LastClose)
	assert.Equal(t, 19, res.Executed.Summary.AvailableSlots)
}

func TestGenerateRotation(t *testing.T) {
	live := defaultLive()
	live.MaxPositions = 2
	f := newFixture(t, live)
	f.hold(t, "AAA", 10, 60, -50)
	f.hold(t, "BBB", 10, 70, -10)

	cands := []domain.Candidate{cand("CCC", 80, 100, "A"), cand("DDD", 75, 100, "B")}
	res, err := f.gen.Generate(context.Background(), "2026-02-17", cands, Options{})
	require.NoError(t, err)

	sig := res.Executed
	require.Len(t, sig.Exits, 1)
	assert.Equal(t, "AAA", sig.Exits[0].Ticker)
	assert.Equal(t, domain.ExitReasonRotatedOut, sig.Exits[0].Reason)
	assert.Equal(t, []string{"CCC"}, tickers(sig.Entries))
	assert.Equal(t, 1, sig.Summary.Rotations)
	assert.Equal(t, domain.SkipCapacityFull, skipReasons(sig.Skipped)["DDD"])
}

func TestGenerateRotationRespectsMargin(t *testing.T) {
	live := defaultLive()
	live.MaxPositions = 2
	live.RotationMargin = 25
	f := newFixture(t, live)
	f.hold(t, "AAA", 10, 60, -50)
	f.hold(t, "BBB", 10, 70, -10)

	res, err := f.gen.Generate(context.Background(), "2026-02-17", []domain.Candidate{cand("CCC", 80, 100, "A")}, Options{})
	require.NoError(t, err)
	assert.Empty(t, res.Executed.Exits)
	assert.Empty(t, res.Executed.Entries)
	assert.Equal(t, 0, res.Executed.Summary.Rotations)
}

func TestGenerateNoRotationWithoutLoss(t *testing.T) {
	live := defaultLive()
	live.MaxPositions = 2
	f := newFixture(t, live)
	f.hold(t, "AAA", 10, 60, 5)
	f.hold(t, "BBB", 10, 70, 0)

	res, err := f.gen.Generate(context.Background(), "2026-02-17", []domain.Candidate{cand("CCC", 99, 100, "A")}, Options{})
	require.NoError(t, err)
	assert.Empty(t, res.Executed.Exits)
}

func TestWeakestByScoreConsidersEveryHolding(t *testing.T) {
	hs := []holding{
		{ticker: "AAA", score: 120},
		{ticker: "BBB", score: 100},
		{ticker: "CCC", score: 140},
	}
	assert.Equal(t, "BBB", weakestByScore(hs).ticker)
	assert.Equal(t, "CCC", weakestByScore(hs[2:]).ticker)
	assert.Nil(t, weakestByScore(nil))
}

func TestWeakestByPnLTieBreak(t *testing.T) {
	loss := -20.0
	hs := []holding{
		{ticker: "AAA", score: 70, unrealized: &loss},
		{ticker: "BBB", score: 60, unrealized: &loss},
		{ticker: "CCC", score: 10},
	}
	assert.Equal(t, "BBB", weakestByPnL(hs).ticker)
	assert.Nil(t, weakestByPnL(hs[2:]))
}

func TestGenerateShadowPath(t *testing.T) {
	f := newFixture(t, defaultLive())
	ctx := context.Background()
	nvda := cand("NVDA", 91, 150, "A")
	nvda.CompanyName = "NVIDIA Corp"
	g := 7.5
	nvda.GapSize = &g
	cands := []domain.Candidate{nvda, cand("AMD", 88, 120, "B")}

	mutations := f.sim.Mutations
	res, err := f.gen.Generate(ctx, "2026-02-17", cands, Options{})
	require.NoError(t, err)
	assert.Equal(t, mutations, f.sim.Mutations, "signal generation never mutates the broker")

	assert.Equal(t, "nwl_p4", res.Shadow.Strategy)
	assert.Equal(t, res.Executed.RunID, res.Shadow.RunID)
	assert.Equal(t, []string{"NVDA", "AMD"}, tickers(res.Shadow.Entries))

	shadows, err := f.store.OpenShadowPositions(ctx, "nwl_p4")
	require.NoError(t, err)
	require.Len(t, shadows, 2)
	assert.Equal(t, 150.0, shadows[0].EntryPrice)
	assert.Equal(t, 66, shadows[0].Shares)
	require.NotNil(t, shadows[0].StopPrice)
	assert.Equal(t, res.Shadow.Entries[0].StopPrice, *shadows[0].StopPrice)
	assert.Equal(t, "NVIDIA Corp", shadows[0].CompanyName)
	require.NotNil(t, shadows[0].GapSize)
	assert.Equal(t, 7.5, *shadows[0].GapSize)
	assert.Nil(t, shadows[1].GapSize)

	// Held shadow names are not re-entered on the next run.
	res, err = f.gen.Generate(ctx, "2026-02-18", cands, Options{})
	require.NoError(t, err)
	assert.Empty(t, res.Shadow.Entries)
	assert.Equal(t, domain.SkipAlreadyHeld, skipReasons(res.Shadow.Skipped)["NVDA"])
}

func TestGenerateShadowExitClosesAtLastClose(t *testing.T) {
	f := newFixture(t, defaultLive())
	ctx := context.Background()
	id, err := f.store.AddShadowPosition(ctx, &domain.ShadowPosition{
		Strategy: "nwl_p4", Ticker: "AEO", EntryDate: "2025-12-01", EntryPrice: 100, Shares: 10, Invested: 1000, Score: 70,
	})
	require.NoError(t, err)
	// Weekly lows 99 x4 then a close of 95 through the 4-week low.
	f.bars.Set("AEO", weekBars("AEO", "2026-01-05", 100, 100, 100, 100, 95))

	res, err := f.gen.Generate(ctx, "2026-02-06", nil, Options{})
	require.NoError(t, err)
	require.Len(t, res.Shadow.Exits, 1)
	assert.Equal(t, id, res.Shadow.Exits[0].PositionID)

	open, err := f.store.OpenShadowPositions(ctx, "nwl_p4")
	require.NoError(t, err)
	assert.Empty(t, open)
}

func TestGenerateDryRunWritesNothing(t *testing.T) {
	f := newFixture(t, defaultLive())
	ctx := context.Background()

	res, err := f.gen.Generate(ctx, "2026-02-17", []domain.Candidate{cand("NVDA", 91, 150, "A")}, Options{DryRun: true})
	require.NoError(t, err)
	assert.Len(t, res.Shadow.Entries, 1)

	shadows, err := f.store.OpenShadowPositions(ctx, "nwl_p4")
	require.NoError(t, err)
	assert.Empty(t, shadows)
}
