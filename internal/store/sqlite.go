package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"tradepipe/internal/domain"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver.
)

// Compile-time interface checks.
var _ StateStore = (*SQLiteStore)(nil)

// SQLiteStore implements StateStore backed by a SQLite database. Every write
// runs inside its own short transaction.
type SQLiteStore struct {
	db  *sql.DB
	log *slog.Logger
	now func() time.Time
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath, applies the
// schema and additive migrations, and returns a ready-to-use SQLiteStore.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if dir := filepath.Dir(dbPath); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating state dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	// One connection keeps SQLite writes serialized within the process.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	s := newSQLiteStore(db)
	if err := s.migrate(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func newSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{
		db:  db,
		log: slog.Default().With("component", "state-store"),
		now: func() time.Time { return time.Now().UTC() },
	}
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// withTx runs fn inside a transaction that is committed when fn returns nil
// and rolled back on any other exit path.
func (s *SQLiteStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (s *SQLiteStore) stamp() string {
	return s.now().Format(time.RFC3339)
}

// ---------------------------------------------------------------------------
// Schema
// ---------------------------------------------------------------------------

var schema = []string{
	`CREATE TABLE IF NOT EXISTS positions (
		position_id    INTEGER PRIMARY KEY AUTOINCREMENT,
		ticker         TEXT NOT NULL,
		entry_date     TEXT NOT NULL,
		entry_price    REAL NOT NULL,
		target_shares  INTEGER NOT NULL,
		actual_shares  INTEGER NOT NULL,
		invested       REAL NOT NULL,
		stop_price     REAL,
		stop_order_id  TEXT,
		score          REAL,
		grade          TEXT,
		grade_source   TEXT,
		report_date    TEXT,
		company_name   TEXT,
		gap_size       REAL,
		exit_date      TEXT,
		exit_price     REAL,
		exit_reason    TEXT,
		pnl            REAL,
		return_pct     REAL,
		created_at     TEXT NOT NULL,
		updated_at     TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_positions_open ON positions(ticker, exit_date)`,
	`CREATE TABLE IF NOT EXISTS orders (
		id                INTEGER PRIMARY KEY AUTOINCREMENT,
		client_order_id   TEXT NOT NULL UNIQUE,
		alpaca_order_id   TEXT,
		ticker            TEXT NOT NULL,
		side              TEXT NOT NULL,
		intent            TEXT NOT NULL,
		trade_date        TEXT NOT NULL,
		qty               INTEGER NOT NULL,
		status            TEXT NOT NULL DEFAULT 'pending',
		fill_price        REAL,
		filled_qty        INTEGER,
		remaining_qty     INTEGER,
		reject_reason     TEXT,
		run_id            TEXT,
		created_at        TEXT NOT NULL,
		updated_at        TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_orders_date ON orders(trade_date, intent, side)`,
	`CREATE TABLE IF NOT EXISTS run_log (
		run_id         TEXT PRIMARY KEY,
		run_date       TEXT NOT NULL,
		phase          TEXT NOT NULL,
		status         TEXT NOT NULL,
		signals_file   TEXT,
		exits_count    INTEGER NOT NULL DEFAULT 0,
		entries_count  INTEGER NOT NULL DEFAULT 0,
		skipped_count  INTEGER NOT NULL DEFAULT 0,
		error_message  TEXT,
		started_at     TEXT NOT NULL,
		completed_at   TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS shadow_positions (
		id            INTEGER PRIMARY KEY AUTOINCREMENT,
		strategy      TEXT NOT NULL DEFAULT 'nwl_p4',
		ticker        TEXT NOT NULL,
		entry_date    TEXT NOT NULL,
		entry_price   REAL NOT NULL,
		shares        INTEGER NOT NULL,
		invested      REAL NOT NULL,
		stop_price    REAL,
		score         REAL,
		grade         TEXT,
		grade_source  TEXT,
		report_date   TEXT,
		company_name  TEXT,
		gap_size      REAL,
		status        TEXT NOT NULL DEFAULT 'open',
		exit_date     TEXT,
		exit_price    REAL,
		exit_reason   TEXT,
		pnl           REAL,
		return_pct    REAL,
		created_at    TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS shadow_signals (
		id            INTEGER PRIMARY KEY AUTOINCREMENT,
		trade_date    TEXT NOT NULL,
		strategy      TEXT NOT NULL,
		signals_json  TEXT NOT NULL,
		created_at    TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS system_config (
		key         TEXT PRIMARY KEY,
		value       TEXT NOT NULL,
		updated_at  TEXT NOT NULL
	)`,
}

// columnMigrations are additive column changes applied to databases created
// by earlier schema versions.
var columnMigrations = []struct {
	table, column, ddl string
}{
	{"orders", "planned_stop_price", "ALTER TABLE orders ADD COLUMN planned_stop_price REAL"},
	{"orders", "order_type", "ALTER TABLE orders ADD COLUMN order_type TEXT"},
	{"orders", "time_in_force", "ALTER TABLE orders ADD COLUMN time_in_force TEXT"},
	{"shadow_positions", "stop_price", "ALTER TABLE shadow_positions ADD COLUMN stop_price REAL"},
	{"shadow_positions", "company_name", "ALTER TABLE shadow_positions ADD COLUMN company_name TEXT"},
	{"shadow_positions", "gap_size", "ALTER TABLE shadow_positions ADD COLUMN gap_size REAL"},
}

const killSwitchKey = "kill_switch"

func (s *SQLiteStore) migrate(ctx context.Context) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		for _, stmt := range schema {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("applying schema: %w", err)
			}
		}
		for _, m := range columnMigrations {
			exists, err := columnExists(ctx, tx, m.table, m.column)
			if err != nil {
				return err
			}
			if exists {
				continue
			}
			if _, err := tx.ExecContext(ctx, m.ddl); err != nil {
				return fmt.Errorf("adding %s.%s: %w", m.table, m.column, err)
			}
			s.log.Info("migrated column", "table", m.table, "column", m.column)
		}
		_, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO system_config (key, value, updated_at) VALUES (?, 'false', ?)`,
			killSwitchKey, s.stamp())
		if err != nil {
			return fmt.Errorf("seeding system_config: %w", err)
		}
		return nil
	})
}

func columnExists(ctx context.Context, tx *sql.Tx, table, column string) (bool, error) {
	rows, err := tx.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return false, fmt.Errorf("table_info %s: %w", table, err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			cid     int
			name    string
			ctype   string
			notnull int
			dflt    sql.NullString
			pk      int
		)
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
			return false, fmt.Errorf("scanning table_info %s: %w", table, err)
		}
		if name == column {
			return true, nil
		}
	}
	return false, rows.Err()
}

// ---------------------------------------------------------------------------
// SystemStore implementation
// ---------------------------------------------------------------------------

// KillSwitch reports whether the kill switch is ON. It is re-read from the
// database on every call.
func (s *SQLiteStore) KillSwitch(ctx context.Context) (bool, error) {
	var v string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM system_config WHERE key = ?`, killSwitchKey).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("reading kill switch: %w", err)
	}
	return strings.EqualFold(v, "true"), nil
}

// SetKillSwitch persists the kill switch state.
func (s *SQLiteStore) SetKillSwitch(ctx context.Context, on bool, reason string) error {
	value := "false"
	if on {
		value = "true"
	}
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO system_config (key, value, updated_at) VALUES (?, ?, ?)
			 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
			killSwitchKey, value, s.stamp())
		return err
	})
	if err != nil {
		return fmt.Errorf("setting kill switch: %w", err)
	}
	if on {
		s.log.Error("kill switch set ON", "reason", reason, "critical", true)
	} else {
		s.log.Warn("kill switch cleared", "reason", reason)
	}
	return nil
}

// ---------------------------------------------------------------------------
// PositionStore implementation
// ---------------------------------------------------------------------------

const positionColumns = `position_id, ticker, entry_date, entry_price, target_shares, actual_shares,
	invested, stop_price, stop_order_id, score, grade, grade_source, report_date, company_name,
	gap_size, exit_date, exit_price, exit_reason, pnl, return_pct, created_at, updated_at`

// AddPosition inserts an open position and returns its id.
func (s *SQLiteStore) AddPosition(ctx context.Context, p *domain.Position) (int64, error) {
	var id int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		now := s.stamp()
		res, err := tx.ExecContext(ctx,
			`INSERT INTO positions (ticker, entry_date, entry_price, target_shares, actual_shares,
				invested, stop_price, stop_order_id, score, grade, grade_source, report_date,
				company_name, gap_size, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			p.Ticker, p.EntryDate, p.EntryPrice, p.TargetShares, p.ActualShares,
			p.Invested, p.StopPrice, nullString(p.StopOrderID), p.Score, nullString(p.Grade),
			nullString(p.GradeSource), nullString(p.ReportDate), nullString(p.CompanyName), p.GapSize,
			now, now)
		if err != nil {
			return fmt.Errorf("inserting position %s: %w", p.Ticker, err)
		}
		id, err = res.LastInsertId()
		return err
	})
	if err != nil {
		return 0, err
	}
	p.ID = id
	p.Status = domain.PositionStatusOpen
	return id, nil
}

// OpenPositions returns all positions without an exit, oldest first.
func (s *SQLiteStore) OpenPositions(ctx context.Context) ([]domain.Position, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+positionColumns+` FROM positions WHERE exit_date IS NULL ORDER BY entry_date, position_id`)
	if err != nil {
		return nil, fmt.Errorf("querying open positions: %w", err)
	}
	defer rows.Close()

	var out []domain.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

// OpenPosition returns the open position for ticker, or ErrNotFound.
func (s *SQLiteStore) OpenPosition(ctx context.Context, ticker string) (*domain.Position, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+positionColumns+` FROM positions WHERE ticker = ? AND exit_date IS NULL
		 ORDER BY position_id DESC LIMIT 1`, ticker)
	p, err := scanPosition(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return p, err
}

// PositionByEntry returns the position opened for ticker on entryDate.
func (s *SQLiteStore) PositionByEntry(ctx context.Context, ticker, entryDate string) (*domain.Position, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+positionColumns+` FROM positions WHERE ticker = ? AND entry_date = ?
		 ORDER BY position_id DESC LIMIT 1`, ticker, entryDate)
	p, err := scanPosition(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return p, err
}

// ClosePosition records the exit price, reason and realized P&L.
func (s *SQLiteStore) ClosePosition(ctx context.Context, id int64, exitDate string, exitPrice float64, reason string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var (
			entryPrice float64
			shares     int
			closedOn   sql.NullString
		)
		err := tx.QueryRowContext(ctx,
			`SELECT entry_price, actual_shares, exit_date FROM positions WHERE position_id = ?`, id).
			Scan(&entryPrice, &shares, &closedOn)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("closing position %d: %w", id, ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("closing position %d: %w", id, err)
		}
		if closedOn.Valid {
			return fmt.Errorf("closing position %d: %w", id, ErrAlreadyClosed)
		}

		pnl, returnPct := realizedPnL(entryPrice, exitPrice, shares)
		_, err = tx.ExecContext(ctx,
			`UPDATE positions SET exit_date = ?, exit_price = ?, exit_reason = ?, pnl = ?, return_pct = ?,
				updated_at = ? WHERE position_id = ? AND exit_date IS NULL`,
			exitDate, exitPrice, reason, pnl, returnPct, s.stamp(), id)
		if err != nil {
			return fmt.Errorf("closing position %d: %w", id, err)
		}
		return nil
	})
}

// UpdatePositionShares records a partial fill.
func (s *SQLiteStore) UpdatePositionShares(ctx context.Context, id int64, actualShares int, invested float64) error {
	return s.execOne(ctx, "updating position shares",
		`UPDATE positions SET actual_shares = ?, invested = ?, updated_at = ? WHERE position_id = ?`,
		actualShares, invested, s.stamp(), id)
}

// UpdateStopOrder attaches a protective stop order to a position.
func (s *SQLiteStore) UpdateStopOrder(ctx context.Context, id int64, stopOrderID string, stopPrice float64) error {
	return s.execOne(ctx, "updating stop order",
		`UPDATE positions SET stop_order_id = ?, stop_price = ?, updated_at = ? WHERE position_id = ?`,
		stopOrderID, stopPrice, s.stamp(), id)
}

// execOne runs a single-row update in a transaction, returning ErrNotFound if
// no row matched.
func (s *SQLiteStore) execOne(ctx context.Context, what, query string, args ...any) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("%s: %w", what, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("%s: %w", what, err)
		}
		if n == 0 {
			return fmt.Errorf("%s: %w", what, ErrNotFound)
		}
		return nil
	})
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPosition(r rowScanner) (*domain.Position, error) {
	var (
		p                                                 domain.Position
		stopPrice, score, gap, exitPrice, pnl, returnPct sql.NullFloat64
		stopID, grade, gradeSrc, reportDate, company      sql.NullString
		exitDate, exitReason                              sql.NullString
		created, updated                                  string
	)
	err := r.Scan(&p.ID, &p.Ticker, &p.EntryDate, &p.EntryPrice, &p.TargetShares, &p.ActualShares,
		&p.Invested, &stopPrice, &stopID, &score, &grade, &gradeSrc, &reportDate, &company,
		&gap, &exitDate, &exitPrice, &exitReason, &pnl, &returnPct, &created, &updated)
	if err != nil {
		return nil, err
	}
	p.StopPrice = floatPtr(stopPrice)
	p.StopOrderID = stopID.String
	p.Score = score.Float64
	p.Grade = grade.String
	p.GradeSource = gradeSrc.String
	p.ReportDate = reportDate.String
	p.CompanyName = company.String
	p.GapSize = floatPtr(gap)
	p.ExitDate = exitDate.String
	p.ExitPrice = floatPtr(exitPrice)
	p.ExitReason = exitReason.String
	p.PnL = floatPtr(pnl)
	p.ReturnPct = floatPtr(returnPct)
	p.CreatedAt = parseStamp(created)
	p.UpdatedAt = parseStamp(updated)
	p.Status = domain.PositionStatusOpen
	if exitDate.Valid {
		p.Status = domain.PositionStatusClosed
	}
	return &p, nil
}

// ---------------------------------------------------------------------------
// OrderStore implementation
// ---------------------------------------------------------------------------

const orderColumns = `id, client_order_id, alpaca_order_id, ticker, side, intent, order_type, time_in_force,
	trade_date, qty, status, fill_price, filled_qty, remaining_qty, reject_reason, planned_stop_price,
	run_id, created_at, updated_at`

// AddOrder records a submitted order.
func (s *SQLiteStore) AddOrder(ctx context.Context, o *domain.Order) (int64, error) {
	status := o.Status
	if status == "" {
		status = domain.OrderStatusPending
	}
	var id int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var existing int64
		err := tx.QueryRowContext(ctx, `SELECT id FROM orders WHERE client_order_id = ?`, o.ClientOrderID).Scan(&existing)
		if err == nil {
			return fmt.Errorf("adding order %s: %w", o.ClientOrderID, ErrDuplicateOrder)
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("adding order %s: %w", o.ClientOrderID, err)
		}

		now := s.stamp()
		res, err := tx.ExecContext(ctx,
			`INSERT INTO orders (client_order_id, alpaca_order_id, ticker, side, intent, order_type,
				time_in_force, trade_date, qty, status, filled_qty, remaining_qty, planned_stop_price,
				run_id, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			o.ClientOrderID, nullString(o.BrokerOrderID), o.Ticker, string(o.Side), string(o.Intent),
			nullString(string(o.Type)), nullString(string(o.TimeInForce)), o.TradeDate, o.Qty,
			string(status), o.FilledQty, o.RemainingQty, o.PlannedStopPrice, nullString(o.RunID), now, now)
		if err != nil {
			if strings.Contains(err.Error(), "UNIQUE constraint failed") {
				return fmt.Errorf("adding order %s: %w", o.ClientOrderID, ErrDuplicateOrder)
			}
			return fmt.Errorf("adding order %s: %w", o.ClientOrderID, err)
		}
		id, err = res.LastInsertId()
		return err
	})
	if err != nil {
		return 0, err
	}
	o.ID = id
	o.Status = status
	return id, nil
}

// OrderByClientID returns the order, or nil with a nil error when absent.
func (s *SQLiteStore) OrderByClientID(ctx context.Context, clientOrderID string) (*domain.Order, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE client_order_id = ?`, clientOrderID)
	o, err := scanOrder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading order %s: %w", clientOrderID, err)
	}
	return o, nil
}

// UpdateOrderStatus applies a polled broker update. Terminal orders are
// immutable; updates to them are silently ignored.
func (s *SQLiteStore) UpdateOrderStatus(ctx context.Context, clientOrderID string, u OrderUpdate) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var current string
		err := tx.QueryRowContext(ctx, `SELECT status FROM orders WHERE client_order_id = ?`, clientOrderID).Scan(&current)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("updating order %s: %w", clientOrderID, ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("updating order %s: %w", clientOrderID, err)
		}
		if domain.OrderStatus(current).IsTerminal() {
			if u.Status != domain.OrderStatus(current) {
				s.log.Warn("ignoring update to terminal order",
					"client_order_id", clientOrderID, "status", current, "update", u.Status)
			}
			return nil
		}

		_, err = tx.ExecContext(ctx,
			`UPDATE orders SET status = ?,
				alpaca_order_id = COALESCE(?, alpaca_order_id),
				fill_price = COALESCE(?, fill_price),
				filled_qty = COALESCE(?, filled_qty),
				remaining_qty = COALESCE(?, remaining_qty),
				reject_reason = COALESCE(?, reject_reason),
				updated_at = ?
			 WHERE client_order_id = ?`,
			string(u.Status), u.BrokerOrderID, u.FillPrice, u.FilledQty, u.RemainingQty, u.RejectReason,
			s.stamp(), clientOrderID)
		if err != nil {
			return fmt.Errorf("updating order %s: %w", clientOrderID, err)
		}
		return nil
	})
}

// DailyOrderCount counts orders for tradeDate with any of the intents.
func (s *SQLiteStore) DailyOrderCount(ctx context.Context, tradeDate string, intents ...domain.Intent) (int, error) {
	query := `SELECT COUNT(*) FROM orders WHERE trade_date = ?`
	args := []any{tradeDate}
	if len(intents) > 0 {
		query += ` AND intent IN (` + placeholders(len(intents)) + `)`
		for _, in := range intents {
			args = append(args, string(in))
		}
	}
	var n int
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting orders: %w", err)
	}
	return n, nil
}

// PendingOrders returns non-terminal orders matching f.
func (s *SQLiteStore) PendingOrders(ctx context.Context, f OrderFilter) ([]domain.Order, error) {
	return s.queryOrders(ctx, f, true)
}

// Orders returns every order matching f regardless of status.
func (s *SQLiteStore) Orders(ctx context.Context, f OrderFilter) ([]domain.Order, error) {
	return s.queryOrders(ctx, f, false)
}

func (s *SQLiteStore) queryOrders(ctx context.Context, f OrderFilter, pendingOnly bool) ([]domain.Order, error) {
	var (
		where []string
		args  []any
	)
	if f.TradeDate != "" {
		where = append(where, "trade_date = ?")
		args = append(args, f.TradeDate)
	}
	if f.Intent != "" {
		where = append(where, "intent = ?")
		args = append(args, string(f.Intent))
	}
	if f.Side != "" {
		where = append(where, "side = ?")
		args = append(args, string(f.Side))
	}
	if f.Ticker != "" {
		where = append(where, "ticker = ?")
		args = append(args, f.Ticker)
	}
	if pendingOnly {
		where = append(where, "status NOT IN ("+placeholders(len(domain.TerminalStatuses))+")")
		for _, st := range domain.TerminalStatuses {
			args = append(args, string(st))
		}
	}

	query := `SELECT ` + orderColumns + ` FROM orders`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying orders: %w", err)
	}
	defer rows.Close()

	var out []domain.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning order: %w", err)
		}
		out = append(out, *o)
	}
	return out, rows.Err()
}

func scanOrder(r rowScanner) (*domain.Order, error) {
	var (
		o                                     domain.Order
		brokerID, orderType, tif, reject, run sql.NullString
		side, intent, status                  string
		fillPrice, planned                    sql.NullFloat64
		filled, remaining                     sql.NullInt64
		created, updated                      string
	)
	err := r.Scan(&o.ID, &o.ClientOrderID, &brokerID, &o.Ticker, &side, &intent, &orderType, &tif,
		&o.TradeDate, &o.Qty, &status, &fillPrice, &filled, &remaining, &reject, &planned,
		&run, &created, &updated)
	if err != nil {
		return nil, err
	}
	o.BrokerOrderID = brokerID.String
	o.Side = domain.OrderSide(side)
	o.Intent = domain.Intent(intent)
	o.Type = domain.OrderType(orderType.String)
	o.TimeInForce = domain.TimeInForce(tif.String)
	o.Status = domain.OrderStatus(status)
	o.FillPrice = floatPtr(fillPrice)
	o.FilledQty = int(filled.Int64)
	o.RemainingQty = int(remaining.Int64)
	o.RejectReason = reject.String
	o.PlannedStopPrice = floatPtr(planned)
	o.RunID = run.String
	o.CreatedAt = parseStamp(created)
	o.UpdatedAt = parseStamp(updated)
	return &o, nil
}

// ---------------------------------------------------------------------------
// RunLogStore implementation
// ---------------------------------------------------------------------------

// StartRun inserts a run row in the running state.
func (s *SQLiteStore) StartRun(ctx context.Context, run *domain.RunLog) error {
	if run.StartedAt.IsZero() {
		run.StartedAt = s.now()
	}
	if run.Status == "" {
		run.Status = domain.RunStatusRunning
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO run_log (run_id, run_date, phase, status, signals_file, started_at)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			run.RunID, run.RunDate, run.Phase, run.Status, nullString(run.SignalsFile),
			run.StartedAt.UTC().Format(time.RFC3339))
		if err != nil {
			return fmt.Errorf("starting run %s: %w", run.RunID, err)
		}
		return nil
	})
}

// CompleteRun records the outcome and counts of a run.
func (s *SQLiteStore) CompleteRun(ctx context.Context, run *domain.RunLog) error {
	done := s.now()
	run.CompletedAt = &done
	return s.execOne(ctx, "completing run "+run.RunID,
		`UPDATE run_log SET status = ?, signals_file = COALESCE(?, signals_file), exits_count = ?,
			entries_count = ?, skipped_count = ?, error_message = ?, completed_at = ?
		 WHERE run_id = ?`,
		run.Status, nullString(run.SignalsFile), run.ExitsCount, run.EntriesCount, run.SkippedCount,
		nullString(run.ErrorMessage), done.Format(time.RFC3339), run.RunID)
}

// Run returns a run row, or ErrNotFound.
func (s *SQLiteStore) Run(ctx context.Context, runID string) (*domain.RunLog, error) {
	var (
		r               domain.RunLog
		signals, errMsg sql.NullString
		started         string
		completed       sql.NullString
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT run_id, run_date, phase, status, signals_file, exits_count, entries_count, skipped_count,
			error_message, started_at, completed_at FROM run_log WHERE run_id = ?`, runID).
		Scan(&r.RunID, &r.RunDate, &r.Phase, &r.Status, &signals, &r.ExitsCount, &r.EntriesCount,
			&r.SkippedCount, &errMsg, &started, &completed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reading run %s: %w", runID, err)
	}
	r.SignalsFile = signals.String
	r.ErrorMessage = errMsg.String
	r.StartedAt = parseStamp(started)
	if completed.Valid {
		t := parseStamp(completed.String)
		r.CompletedAt = &t
	}
	return &r, nil
}

// ---------------------------------------------------------------------------
// ShadowStore implementation
// ---------------------------------------------------------------------------

// AddShadowPosition inserts an open shadow position.
func (s *SQLiteStore) AddShadowPosition(ctx context.Context, p *domain.ShadowPosition) (int64, error) {
	var id int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`INSERT INTO shadow_positions (strategy, ticker, entry_date, entry_price, shares, invested,
				stop_price, score, grade, grade_source, report_date, company_name, gap_size, status, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 'open', ?)`,
			p.Strategy, p.Ticker, p.EntryDate, p.EntryPrice, p.Shares, p.Invested,
			p.StopPrice, p.Score, nullString(p.Grade), nullString(p.GradeSource), nullString(p.ReportDate),
			nullString(p.CompanyName), p.GapSize, s.stamp())
		if err != nil {
			return fmt.Errorf("inserting shadow position %s: %w", p.Ticker, err)
		}
		id, err = res.LastInsertId()
		return err
	})
	if err != nil {
		return 0, err
	}
	p.ID = id
	p.Status = domain.PositionStatusOpen
	return id, nil
}

// OpenShadowPositions returns the strategy's open shadow positions.
func (s *SQLiteStore) OpenShadowPositions(ctx context.Context, strategy string) ([]domain.ShadowPosition, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, strategy, ticker, entry_date, entry_price, shares, invested, stop_price, score, grade,
			grade_source, report_date, company_name, gap_size, status, created_at
		 FROM shadow_positions WHERE strategy = ? AND status = 'open' ORDER BY entry_date, id`, strategy)
	if err != nil {
		return nil, fmt.Errorf("querying shadow positions: %w", err)
	}
	defer rows.Close()

	var out []domain.ShadowPosition
	for rows.Next() {
		var (
			p                                        domain.ShadowPosition
			stop, score, gap                         sql.NullFloat64
			grade, gradeSrc, report, company, status sql.NullString
			created                                  string
		)
		if err := rows.Scan(&p.ID, &p.Strategy, &p.Ticker, &p.EntryDate, &p.EntryPrice, &p.Shares,
			&p.Invested, &stop, &score, &grade, &gradeSrc, &report, &company, &gap, &status, &created); err != nil {
			return nil, fmt.Errorf("scanning shadow position: %w", err)
		}
		p.StopPrice = floatPtr(stop)
		p.GapSize = floatPtr(gap)
		p.CompanyName = company.String
		p.Score = score.Float64
		p.Grade = grade.String
		p.GradeSource = gradeSrc.String
		p.ReportDate = report.String
		p.Status = domain.PositionStatus(status.String)
		p.CreatedAt = parseStamp(created)
		out = append(out, p)
	}
	return out, rows.Err()
}

// CloseShadowPosition records the shadow exit and P&L.
func (s *SQLiteStore) CloseShadowPosition(ctx context.Context, id int64, exitDate string, exitPrice float64, reason string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var (
			entryPrice float64
			shares     int
			status     string
		)
		err := tx.QueryRowContext(ctx, `SELECT entry_price, shares, status FROM shadow_positions WHERE id = ?`, id).
			Scan(&entryPrice, &shares, &status)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("closing shadow position %d: %w", id, ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("closing shadow position %d: %w", id, err)
		}
		if status != string(domain.PositionStatusOpen) {
			return fmt.Errorf("closing shadow position %d: %w", id, ErrAlreadyClosed)
		}
		pnl, returnPct := realizedPnL(entryPrice, exitPrice, shares)
		_, err = tx.ExecContext(ctx,
			`UPDATE shadow_positions SET status = 'closed', exit_date = ?, exit_price = ?, exit_reason = ?,
				pnl = ?, return_pct = ? WHERE id = ?`,
			exitDate, exitPrice, reason, pnl, returnPct, id)
		if err != nil {
			return fmt.Errorf("closing shadow position %d: %w", id, err)
		}
		return nil
	})
}

// AddShadowSignals archives a shadow run's signal document.
func (s *SQLiteStore) AddShadowSignals(ctx context.Context, tradeDate, strategy string, signalsJSON []byte) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO shadow_signals (trade_date, strategy, signals_json, created_at) VALUES (?, ?, ?, ?)`,
			tradeDate, strategy, string(signalsJSON), s.stamp())
		if err != nil {
			return fmt.Errorf("archiving shadow signals: %w", err)
		}
		return nil
	})
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func realizedPnL(entryPrice, exitPrice float64, shares int) (pnl, returnPct float64) {
	pnl = round2((exitPrice - entryPrice) * float64(shares))
	if entryPrice > 0 {
		returnPct = round2((exitPrice/entryPrice - 1) * 100)
	}
	return pnl, returnPct
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func floatPtr(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}

func parseStamp(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
