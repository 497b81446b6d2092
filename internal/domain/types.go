// Package domain defines the core types shared by the signal generator, the
// executor and the state store: positions, orders, candidates, signals and
// the price bars the trailing-stop evaluator consumes.
package domain

import (
	"strings"
	"time"
)

// DateLayout is the layout used for every trade/entry/report date persisted
// by the pipeline.
const DateLayout = "2006-01-02"

// ---------------------------------------------------------------------------
// Orders
// ---------------------------------------------------------------------------

// OrderSide is the direction of an order.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "buy"
	OrderSideSell OrderSide = "sell"
)

// OrderType is the execution style of an order.
type OrderType string

const (
	OrderTypeMarket OrderType = "market"
	OrderTypeStop   OrderType = "stop"
)

// TimeInForce controls how long an order stays working at the broker.
type TimeInForce string

const (
	TimeInForceDay TimeInForce = "day"
	TimeInForceGTC TimeInForce = "gtc"
	TimeInForceOPG TimeInForce = "opg"
)

// Intent is the pipeline's reason for submitting an order.
type Intent string

const (
	IntentEntry Intent = "entry"
	IntentExit  Intent = "exit"
	IntentStop  Intent = "stop"
)

// OrderStatus mirrors the broker's order lifecycle. "pending" is local only:
// the order row exists but the broker has not acknowledged it yet.
type OrderStatus string

const (
	OrderStatusPending         OrderStatus = "pending"
	OrderStatusNew             OrderStatus = "new"
	OrderStatusAccepted        OrderStatus = "accepted"
	OrderStatusPendingNew      OrderStatus = "pending_new"
	OrderStatusPartiallyFilled OrderStatus = "partially_filled"
	OrderStatusFilled          OrderStatus = "filled"
	OrderStatusCanceled        OrderStatus = "canceled"
	OrderStatusExpired         OrderStatus = "expired"
	OrderStatusRejected        OrderStatus = "rejected"
	OrderStatusDoneForDay      OrderStatus = "done_for_day"
	OrderStatusSuspended       OrderStatus = "suspended"
)

// TerminalStatuses is the fixed set of statuses after which an order never
// changes again.
var TerminalStatuses = []OrderStatus{
	OrderStatusFilled,
	OrderStatusCanceled,
	OrderStatusExpired,
	OrderStatusRejected,
	OrderStatusDoneForDay,
	OrderStatusSuspended,
}

// IsTerminal reports whether s is one of TerminalStatuses.
func (s OrderStatus) IsTerminal() bool {
	for _, t := range TerminalStatuses {
		if s == t {
			return true
		}
	}
	return false
}

// Order is a locally tracked broker order. ClientOrderID is deterministic and
// unique across all time; see ClientOrderID.
type Order struct {
	ID               int64
	ClientOrderID    string
	BrokerOrderID    string
	Ticker           string
	Side             OrderSide
	Intent           Intent
	Type             OrderType
	TimeInForce      TimeInForce
	TradeDate        string
	Qty              int
	Status           OrderStatus
	FillPrice        *float64
	FilledQty        int
	RemainingQty     int
	RejectReason     string
	PlannedStopPrice *float64
	RunID            string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// ClientOrderID builds the deterministic idempotency key
// {YYYYMMDD}_{TICKER}_{intent}_{side}, e.g. 20260217_NVDA_entry_buy.
func ClientOrderID(tradeDate, ticker string, intent Intent, side OrderSide) string {
	return CompactDate(tradeDate) + "_" + strings.ToUpper(ticker) + "_" + string(intent) + "_" + string(side)
}

// CompactDate turns 2006-01-02 into 20060102. Other inputs are returned
// unchanged.
func CompactDate(date string) string {
	return strings.ReplaceAll(date, "-", "")
}

// ---------------------------------------------------------------------------
// Positions
// ---------------------------------------------------------------------------

// PositionStatus is derived from whether the position has been closed.
type PositionStatus string

const (
	PositionStatusOpen   PositionStatus = "open"
	PositionStatusClosed PositionStatus = "closed"
)

// Exit reasons recorded on closed positions.
const (
	ExitReasonTrendBreak = "trend_break"
	ExitReasonRotatedOut = "rotated_out"
	ExitReasonStopFilled = "stop_filled"
	// ExitReasonSignalExit is used when a sell fill is discovered by a later
	// poll run that no longer has the signal's own reason at hand.
	ExitReasonSignalExit = "signal_exit"
)

// Position is an executed-strategy holding. It is created once its entry
// order is confirmed filled and closed exactly once.
type Position struct {
	ID           int64
	Ticker       string
	EntryDate    string
	EntryPrice   float64
	TargetShares int
	ActualShares int
	Invested     float64
	StopPrice    *float64
	StopOrderID  string
	Score        float64
	Grade        string
	GradeSource  string
	ReportDate   string
	CompanyName  string
	GapSize      *float64
	Status       PositionStatus
	ExitDate     string
	ExitPrice    *float64
	ExitReason   string
	PnL          *float64
	ReturnPct    *float64
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// ShadowPosition is a position of the non-executed comparison strategy. It
// never has a broker order attached.
type ShadowPosition struct {
	ID          int64
	Strategy    string
	Ticker      string
	EntryDate   string
	EntryPrice  float64
	Shares      int
	Invested    float64
	StopPrice   *float64
	Score       float64
	Grade       string
	GradeSource string
	ReportDate  string
	CompanyName string
	GapSize     *float64
	Status      PositionStatus
	ExitDate    string
	ExitPrice   *float64
	ExitReason  string
	PnL         *float64
	ReturnPct   *float64
	CreatedAt   time.Time
}

// ---------------------------------------------------------------------------
// Run log
// ---------------------------------------------------------------------------

// Run statuses.
const (
	RunStatusRunning   = "running"
	RunStatusCompleted = "completed"
	RunStatusFailed    = "failed"
)

// RunLog records a single batch invocation.
type RunLog struct {
	RunID        string
	RunDate      string
	Phase        string
	Status       string
	SignalsFile  string
	ExitsCount   int
	EntriesCount int
	SkippedCount int
	ErrorMessage string
	StartedAt    time.Time
	CompletedAt  *time.Time
}

// ---------------------------------------------------------------------------
// Market data
// ---------------------------------------------------------------------------

// Bar is a single split/dividend-adjusted OHLCV bar.
type Bar struct {
	Symbol     string
	Timestamp  time.Time
	Open       float64
	High       float64
	Low        float64
	Close      float64
	Volume     int64
	TradeCount int64
	VWAP       float64
}

// Date returns the bar's calendar date as 2006-01-02.
func (b Bar) Date() string {
	return b.Timestamp.UTC().Format(DateLayout)
}

// WeeklyBar aggregates the daily bars of one ISO week.
type WeeklyBar struct {
	WeekStart  string
	WeekEnding string
	Open       float64
	High       float64
	Low        float64
	Close      float64
	Volume     int64
}

// ---------------------------------------------------------------------------
// Broker snapshots
// ---------------------------------------------------------------------------

// AccountInfo is a snapshot of the brokerage account.
type AccountInfo struct {
	ID          string
	Status      string
	Equity      float64
	Cash        float64
	BuyingPower float64
}

// BrokerPosition is a position as reported by the broker.
type BrokerPosition struct {
	Symbol        string
	Qty           int
	AvgEntryPrice float64
	CurrentPrice  float64
	MarketValue   float64
	UnrealizedPL  float64
}

// Clock is the broker's authoritative market clock.
type Clock struct {
	Timestamp time.Time
	IsOpen    bool
	NextOpen  time.Time
	NextClose time.Time
}
