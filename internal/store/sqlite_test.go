package store

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradepipe/internal/domain"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func ptr[T any](v T) *T { return &v }

func TestSQLiteStoreOpenIsRepeatable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "state.db")

	s1, err := NewSQLiteStore(path)
	require.NoError(t, err)
	require.NoError(t, s1.SetKillSwitch(context.Background(), true, "test"))
	require.NoError(t, s1.Close())

	// Reopening re-applies schema and migrations without clobbering state.
	s2, err := NewSQLiteStore(path)
	require.NoError(t, err)
	defer s2.Close()

	on, err := s2.KillSwitch(context.Background())
	require.NoError(t, err)
	assert.True(t, on)
}

func TestSQLiteStoreMigratesLegacyOrders(t *testing.T) {
	path := filepath.Join(t.TempDir(), "legacy.db")
	db, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	_, err = db.Exec(`CREATE TABLE orders (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		client_order_id TEXT NOT NULL UNIQUE,
		alpaca_order_id TEXT,
		ticker TEXT NOT NULL,
		side TEXT NOT NULL,
		intent TEXT NOT NULL,
		trade_date TEXT NOT NULL,
		qty INTEGER NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		fill_price REAL,
		filled_qty INTEGER,
		remaining_qty INTEGER,
		reject_reason TEXT,
		run_id TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	)`)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	s, err := NewSQLiteStore(path)
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()
	_, err = s.AddOrder(ctx, &domain.Order{
		ClientOrderID:    "20260217_NVDA_entry_buy",
		Ticker:           "NVDA",
		Side:             domain.OrderSideBuy,
		Intent:           domain.IntentEntry,
		TradeDate:        "2026-02-17",
		Qty:              52,
		PlannedStopPrice: ptr(172.8),
	})
	require.NoError(t, err)

	o, err := s.OrderByClientID(ctx, "20260217_NVDA_entry_buy")
	require.NoError(t, err)
	require.NotNil(t, o.PlannedStopPrice)
	assert.Equal(t, 172.8, *o.PlannedStopPrice)
}

func TestSQLiteStoreMigratesLegacyShadowPositions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "legacy.db")
	db, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	_, err = db.Exec(`CREATE TABLE shadow_positions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		strategy TEXT NOT NULL DEFAULT 'nwl_p4',
		ticker TEXT NOT NULL,
		entry_date TEXT NOT NULL,
		entry_price REAL NOT NULL,
		shares INTEGER NOT NULL,
		invested REAL NOT NULL,
		score REAL,
		grade TEXT,
		grade_source TEXT,
		report_date TEXT,
		status TEXT NOT NULL DEFAULT 'open',
		exit_date TEXT,
		exit_price REAL,
		exit_reason TEXT,
		pnl REAL,
		return_pct REAL,
		created_at TEXT NOT NULL
	)`)
	require.NoError(t, err)
	_, err = db.Exec(`INSERT INTO shadow_positions (ticker, entry_date, entry_price, shares, invested, created_at)
		VALUES ('PLTR', '2026-02-03', 80, 125, 10000, '2026-02-03T21:00:00Z')`)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	s, err := NewSQLiteStore(path)
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()
	_, err = s.AddShadowPosition(ctx, &domain.ShadowPosition{
		Strategy: "nwl_p4", Ticker: "CRWD", EntryDate: "2026-02-17", EntryPrice: 400, Shares: 25,
		Invested: 10000, StopPrice: ptr(360.0), GapSize: ptr(12.0), CompanyName: "CrowdStrike",
	})
	require.NoError(t, err)

	open, err := s.OpenShadowPositions(ctx, "nwl_p4")
	require.NoError(t, err)
	require.Len(t, open, 2)
	assert.Equal(t, "PLTR", open[0].Ticker)
	assert.Nil(t, open[0].StopPrice)
	assert.Equal(t, "CRWD", open[1].Ticker)
	require.NotNil(t, open[1].StopPrice)
	assert.Equal(t, 360.0, *open[1].StopPrice)
	assert.Equal(t, "CrowdStrike", open[1].CompanyName)
}

func TestKillSwitchDefaultsOff(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	on, err := s.KillSwitch(ctx)
	require.NoError(t, err)
	assert.False(t, on)

	require.NoError(t, s.SetKillSwitch(ctx, true, "stop placement failed"))
	on, err = s.KillSwitch(ctx)
	require.NoError(t, err)
	assert.True(t, on)

	require.NoError(t, s.SetKillSwitch(ctx, false, "operator cleared"))
	on, err = s.KillSwitch(ctx)
	require.NoError(t, err)
	assert.False(t, on)
}

func TestOrderLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	o := &domain.Order{
		ClientOrderID: "20260217_AEO_exit_sell",
		Ticker:        "AEO",
		Side:          domain.OrderSideSell,
		Intent:        domain.IntentExit,
		Type:          domain.OrderTypeMarket,
		TimeInForce:   domain.TimeInForceDay,
		TradeDate:     "2026-02-17",
		Qty:           400,
		RunID:         "exec-2026-02-17-abcd1234",
	}
	_, err := s.AddOrder(ctx, o)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusPending, o.Status)

	// Duplicate client order ids are rejected.
	_, err = s.AddOrder(ctx, &domain.Order{ClientOrderID: o.ClientOrderID, Ticker: "AEO", Side: "sell", Intent: "exit", TradeDate: "2026-02-17", Qty: 1})
	assert.ErrorIs(t, err, ErrDuplicateOrder)

	// Absent orders are not an error.
	missing, err := s.OrderByClientID(ctx, "20260217_XYZ_exit_sell")
	require.NoError(t, err)
	assert.Nil(t, missing)

	require.NoError(t, s.UpdateOrderStatus(ctx, o.ClientOrderID, OrderUpdate{
		Status:        domain.OrderStatusNew,
		BrokerOrderID: ptr("b-1"),
	}))
	require.NoError(t, s.UpdateOrderStatus(ctx, o.ClientOrderID, OrderUpdate{
		Status:    domain.OrderStatusFilled,
		FillPrice: ptr(14.25),
		FilledQty: ptr(400),
	}))

	got, err := s.OrderByClientID(ctx, o.ClientOrderID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusFilled, got.Status)
	assert.Equal(t, "b-1", got.BrokerOrderID, "COALESCE keeps the earlier broker id")
	assert.Equal(t, 400, got.FilledQty)
	require.NotNil(t, got.FillPrice)
	assert.Equal(t, 14.25, *got.FillPrice)
	assert.Equal(t, domain.OrderTypeMarket, got.Type)

	// Terminal orders are immutable.
	require.NoError(t, s.UpdateOrderStatus(ctx, o.ClientOrderID, OrderUpdate{Status: domain.OrderStatusCanceled}))
	got, err = s.OrderByClientID(ctx, o.ClientOrderID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusFilled, got.Status)

	assert.ErrorIs(t, s.UpdateOrderStatus(ctx, "nope", OrderUpdate{Status: domain.OrderStatusNew}), ErrNotFound)
}

func TestOrderQueries(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	add := func(id, ticker string, side domain.OrderSide, intent domain.Intent, date string, status domain.OrderStatus) {
		t.Helper()
		_, err := s.AddOrder(ctx, &domain.Order{
			ClientOrderID: id, Ticker: ticker, Side: side, Intent: intent,
			TradeDate: date, Qty: 10, Status: status,
		})
		require.NoError(t, err)
	}
	add("20260217_NVDA_entry_buy", "NVDA", domain.OrderSideBuy, domain.IntentEntry, "2026-02-17", domain.OrderStatusNew)
	add("20260217_TSM_entry_buy", "TSM", domain.OrderSideBuy, domain.IntentEntry, "2026-02-17", domain.OrderStatusFilled)
	add("20260217_AEO_exit_sell", "AEO", domain.OrderSideSell, domain.IntentExit, "2026-02-17", domain.OrderStatusPending)
	add("20260217_TSM_stop_sell", "TSM", domain.OrderSideSell, domain.IntentStop, "2026-02-17", domain.OrderStatusNew)
	add("20260216_AMD_entry_buy", "AMD", domain.OrderSideBuy, domain.IntentEntry, "2026-02-16", domain.OrderStatusAccepted)

	n, err := s.DailyOrderCount(ctx, "2026-02-17", domain.IntentEntry, domain.IntentExit)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	n, err = s.DailyOrderCount(ctx, "2026-02-17", domain.IntentStop)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = s.DailyOrderCount(ctx, "2026-02-17")
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	pending, err := s.PendingOrders(ctx, OrderFilter{TradeDate: "2026-02-17", Intent: domain.IntentEntry, Side: domain.OrderSideBuy})
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "NVDA", pending[0].Ticker)

	all, err := s.PendingOrders(ctx, OrderFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 4)

	entries, err := s.Orders(ctx, OrderFilter{TradeDate: "2026-02-17", Intent: domain.IntentEntry})
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestPositionLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	pos := &domain.Position{
		Ticker:       "NVDA",
		EntryDate:    "2026-02-17",
		EntryPrice:   192.0,
		TargetShares: 52,
		ActualShares: 52,
		Invested:     9984.0,
		StopPrice:    ptr(172.8),
		Score:        91,
		Grade:        "A",
		GradeSource:  "html",
		ReportDate:   "2026-02-16",
		GapSize:      ptr(6.5),
	}
	id, err := s.AddPosition(ctx, pos)
	require.NoError(t, err)
	assert.Equal(t, domain.PositionStatusOpen, pos.Status)

	open, err := s.OpenPositions(ctx)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, "NVDA", open[0].Ticker)
	assert.Equal(t, 6.5, *open[0].GapSize)

	require.NoError(t, s.UpdateStopOrder(ctx, id, "20260217_NVDA_stop_sell", 172.8))
	require.NoError(t, s.UpdatePositionShares(ctx, id, 50, 9600))

	got, err := s.OpenPosition(ctx, "NVDA")
	require.NoError(t, err)
	assert.Equal(t, "20260217_NVDA_stop_sell", got.StopOrderID)
	assert.Equal(t, 50, got.ActualShares)

	byEntry, err := s.PositionByEntry(ctx, "NVDA", "2026-02-17")
	require.NoError(t, err)
	assert.Equal(t, id, byEntry.ID)

	require.NoError(t, s.ClosePosition(ctx, id, "2026-03-06", 201.6, domain.ExitReasonTrendBreak))
	assert.ErrorIs(t, s.ClosePosition(ctx, id, "2026-03-06", 201.6, domain.ExitReasonTrendBreak), ErrAlreadyClosed)

	closed, err := s.PositionByEntry(ctx, "NVDA", "2026-02-17")
	require.NoError(t, err)
	assert.Equal(t, domain.PositionStatusClosed, closed.Status)
	assert.Equal(t, 480.0, *closed.PnL) // (201.6-192)*50
	assert.Equal(t, 5.0, *closed.ReturnPct)

	_, err = s.OpenPosition(ctx, "NVDA")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, s.UpdateStopOrder(ctx, 999, "x", 1), ErrNotFound)
}

func TestShadowPositions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, err := s.AddShadowPosition(ctx, &domain.ShadowPosition{
		Strategy: "nwl_p4", Ticker: "AEO", EntryDate: "2026-02-10",
		EntryPrice: 20, Shares: 500, Invested: 10000, Score: 72, Grade: "B",
		StopPrice: ptr(18.0), GapSize: ptr(6.5), CompanyName: "American Eagle Outfitters",
	})
	require.NoError(t, err)
	_, err = s.AddShadowPosition(ctx, &domain.ShadowPosition{
		Strategy: "other", Ticker: "AMD", EntryDate: "2026-02-10",
		EntryPrice: 100, Shares: 100, Invested: 10000,
	})
	require.NoError(t, err)

	open, err := s.OpenShadowPositions(ctx, "nwl_p4")
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, "AEO", open[0].Ticker)
	require.NotNil(t, open[0].StopPrice)
	assert.Equal(t, 18.0, *open[0].StopPrice)
	require.NotNil(t, open[0].GapSize)
	assert.Equal(t, 6.5, *open[0].GapSize)
	assert.Equal(t, "American Eagle Outfitters", open[0].CompanyName)

	other, err := s.OpenShadowPositions(ctx, "other")
	require.NoError(t, err)
	require.Len(t, other, 1)
	assert.Nil(t, other[0].StopPrice)
	assert.Nil(t, other[0].GapSize)
	assert.Empty(t, other[0].CompanyName)

	require.NoError(t, s.CloseShadowPosition(ctx, id, "2026-02-20", 18, "trend_break"))
	assert.ErrorIs(t, s.CloseShadowPosition(ctx, id, "2026-02-20", 18, "trend_break"), ErrAlreadyClosed)

	open, err = s.OpenShadowPositions(ctx, "nwl_p4")
	require.NoError(t, err)
	assert.Empty(t, open)

	require.NoError(t, s.AddShadowSignals(ctx, "2026-02-20", "nwl_p4", []byte(`{"entries":[]}`)))
}

func TestRunLog(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	run := &domain.RunLog{RunID: "exec-2026-02-17-0000abcd", RunDate: "2026-02-17", Phase: "place"}
	require.NoError(t, s.StartRun(ctx, run))

	run.Status = domain.RunStatusCompleted
	run.EntriesCount = 1
	run.SignalsFile = "trade_signals_2026-02-17_ema_p10.json"
	require.NoError(t, s.CompleteRun(ctx, run))

	got, err := s.Run(ctx, run.RunID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusCompleted, got.Status)
	assert.Equal(t, 1, got.EntriesCount)
	assert.NotNil(t, got.CompletedAt)

	_, err = s.Run(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

// ---------------------------------------------------------------------------
// Transaction paths (sqlmock)
// ---------------------------------------------------------------------------

func newMockStore(t *testing.T) (*SQLiteStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return newSQLiteStore(db), mock
}

func TestAddOrderRollsBackOnInsertFailure(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT id FROM orders WHERE client_order_id").
		WithArgs("20260217_NVDA_entry_buy").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectExec("INSERT INTO orders").WillReturnError(errors.New("disk I/O error"))
	mock.ExpectRollback()

	_, err := s.AddOrder(context.Background(), &domain.Order{
		ClientOrderID: "20260217_NVDA_entry_buy", Ticker: "NVDA",
		Side: domain.OrderSideBuy, Intent: domain.IntentEntry, TradeDate: "2026-02-17", Qty: 52,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk I/O error")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAddOrderDuplicateRollsBack(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT id FROM orders WHERE client_order_id").
		WithArgs("20260217_NVDA_entry_buy").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(7))
	mock.ExpectRollback()

	_, err := s.AddOrder(context.Background(), &domain.Order{ClientOrderID: "20260217_NVDA_entry_buy"})
	assert.ErrorIs(t, err, ErrDuplicateOrder)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestClosePositionRollsBackOnUpdateFailure(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT entry_price, actual_shares, exit_date FROM positions").
		WithArgs(int64(3)).
		WillReturnRows(sqlmock.NewRows([]string{"entry_price", "actual_shares", "exit_date"}).AddRow(20.0, 500, nil))
	mock.ExpectExec("UPDATE positions SET exit_date").WillReturnError(errors.New("database is locked"))
	mock.ExpectRollback()

	err := s.ClosePosition(context.Background(), 3, "2026-02-20", 18.0, domain.ExitReasonTrendBreak)
	require.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSetKillSwitchCommits(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO system_config").
		WithArgs("kill_switch", "true", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, s.SetKillSwitch(context.Background(), true, "unprotected position"))
	assert.NoError(t, mock.ExpectationsWereMet())
}
