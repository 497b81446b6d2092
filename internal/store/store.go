// Package store defines storage interfaces for the pipeline's durable state
// (positions, orders, run history, shadow positions, system flags) and the
// daily bar cache, together with their SQLite and Parquet implementations.
package store

import (
	"context"
	"errors"
	"time"

	"tradepipe/internal/domain"
)

var (
	// ErrNotFound is returned when a record addressed by id does not exist.
	ErrNotFound = errors.New("not found")

	// ErrDuplicateOrder is returned when an order with the same client order
	// id has already been recorded.
	ErrDuplicateOrder = errors.New("duplicate client order id")

	// ErrAlreadyClosed is returned when closing a position that is not open.
	ErrAlreadyClosed = errors.New("position already closed")
)

// BarStore persists and retrieves daily OHLCV bar data.
type BarStore interface {
	// WriteBars persists a batch of bars to storage.
	WriteBars(ctx context.Context, bars []domain.Bar) error

	// ReadBars returns bars for the given symbol and market within [start, end].
	ReadBars(ctx context.Context, symbol string, market string, start, end time.Time) ([]domain.Bar, error)
}

// SystemStore holds operational flags.
type SystemStore interface {
	// KillSwitch reports whether the kill switch is ON.
	KillSwitch(ctx context.Context) (bool, error)

	// SetKillSwitch persists the kill switch state.
	SetKillSwitch(ctx context.Context, on bool, reason string) error
}

// PositionStore persists executed-strategy positions.
type PositionStore interface {
	// AddPosition inserts an open position and returns its id.
	AddPosition(ctx context.Context, pos *domain.Position) (int64, error)

	// OpenPositions returns all positions without an exit, oldest first.
	OpenPositions(ctx context.Context) ([]domain.Position, error)

	// OpenPosition returns the open position for ticker, or ErrNotFound.
	OpenPosition(ctx context.Context, ticker string) (*domain.Position, error)

	// PositionByEntry returns the position opened for ticker on entryDate
	// (open or closed), or ErrNotFound.
	PositionByEntry(ctx context.Context, ticker, entryDate string) (*domain.Position, error)

	// ClosePosition records the exit and P&L. It fails with ErrAlreadyClosed
	// if the position is not open.
	ClosePosition(ctx context.Context, id int64, exitDate string, exitPrice float64, reason string) error

	// UpdatePositionShares records a partial fill.
	UpdatePositionShares(ctx context.Context, id int64, actualShares int, invested float64) error

	// UpdateStopOrder attaches a protective stop order to a position.
	UpdateStopOrder(ctx context.Context, id int64, stopOrderID string, stopPrice float64) error
}

// OrderUpdate carries the broker-observed fields of an order. Nil fields are
// left unchanged.
type OrderUpdate struct {
	Status        domain.OrderStatus
	BrokerOrderID *string
	FillPrice     *float64
	FilledQty     *int
	RemainingQty  *int
	RejectReason  *string
}

// OrderFilter narrows order queries. Zero fields match everything.
type OrderFilter struct {
	TradeDate string
	Intent    domain.Intent
	Side      domain.OrderSide
	Ticker    string
}

// OrderStore persists broker orders keyed by client order id.
type OrderStore interface {
	// AddOrder records a submitted order. It fails with ErrDuplicateOrder if
	// the client order id is already present.
	AddOrder(ctx context.Context, o *domain.Order) (int64, error)

	// OrderByClientID returns the order, or nil with a nil error when absent.
	OrderByClientID(ctx context.Context, clientOrderID string) (*domain.Order, error)

	// UpdateOrderStatus applies a polled broker update. Orders already in a
	// terminal status are left untouched.
	UpdateOrderStatus(ctx context.Context, clientOrderID string, u OrderUpdate) error

	// DailyOrderCount counts orders for tradeDate with any of the intents.
	DailyOrderCount(ctx context.Context, tradeDate string, intents ...domain.Intent) (int, error)

	// PendingOrders returns non-terminal orders matching f.
	PendingOrders(ctx context.Context, f OrderFilter) ([]domain.Order, error)

	// Orders returns every order matching f regardless of status.
	Orders(ctx context.Context, f OrderFilter) ([]domain.Order, error)
}

// RunLogStore records batch invocations.
type RunLogStore interface {
	StartRun(ctx context.Context, run *domain.RunLog) error
	CompleteRun(ctx context.Context, run *domain.RunLog) error
	Run(ctx context.Context, runID string) (*domain.RunLog, error)
}

// ShadowStore persists the non-executed strategy's positions and signal
// archive.
type ShadowStore interface {
	AddShadowPosition(ctx context.Context, pos *domain.ShadowPosition) (int64, error)
	OpenShadowPositions(ctx context.Context, strategy string) ([]domain.ShadowPosition, error)
	CloseShadowPosition(ctx context.Context, id int64, exitDate string, exitPrice float64, reason string) error
	AddShadowSignals(ctx context.Context, tradeDate, strategy string, signalsJSON []byte) error
}

// StateStore is the full ledger used by the batch binaries.
type StateStore interface {
	SystemStore
	PositionStore
	OrderStore
	RunLogStore
	ShadowStore
	Close() error
}
