// Package broker defines the Broker interface and provides implementations
// for executing orders and reading account state at the brokerage.
package broker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"tradepipe/internal/domain"
)

// ErrLiveEndpoint is returned when a broker is constructed against an
// endpoint that does not identify as paper trading and live trading was not
// explicitly allowed.
var ErrLiveEndpoint = errors.New("refusing non-paper broker endpoint without allow-live override")

// Broker abstracts brokerage operations. Implementations carry no business
// logic and never retry internally; callers retry by re-invocation.
type Broker interface {
	// Name returns the broker identifier (e.g. "alpaca", "simulator").
	Name() string

	// GetAccount returns a snapshot of the account's financial metrics.
	GetAccount(ctx context.Context) (*domain.AccountInfo, error)

	// GetPositions returns all current positions held at the brokerage.
	GetPositions(ctx context.Context) ([]domain.BrokerPosition, error)

	// GetClock returns the broker's authoritative market clock.
	GetClock(ctx context.Context) (*domain.Clock, error)

	// PlaceOrder submits a single order.
	PlaceOrder(ctx context.Context, req OrderRequest) (*Order, error)

	// PlaceBracketOrder submits an entry together with a contingent
	// protective stop in one request.
	PlaceBracketOrder(ctx context.Context, req BracketRequest) (*Order, error)

	// GetOrder returns an order by broker id.
	GetOrder(ctx context.Context, orderID string) (*Order, error)

	// GetOrderByClientID returns an order by client order id, or nil with a
	// nil error if the broker does not know it.
	GetOrderByClientID(ctx context.Context, clientOrderID string) (*Order, error)

	// CancelOrder requests cancellation of an open order by its broker id.
	CancelOrder(ctx context.Context, orderID string) error

	// Calendar returns the trading session dates (YYYY-MM-DD) in [start, end].
	Calendar(ctx context.Context, start, end time.Time) ([]string, error)
}

// OrderRequest describes a single order submission.
type OrderRequest struct {
	ClientOrderID string
	Symbol        string
	Qty           int
	Side          domain.OrderSide
	Type          domain.OrderType
	TimeInForce   domain.TimeInForce
	StopPrice     *float64
}

// BracketRequest describes an entry with an attached stop-loss leg.
type BracketRequest struct {
	ClientOrderID string
	Symbol        string
	Qty           int
	Side          domain.OrderSide
	TimeInForce   domain.TimeInForce
	StopLossPrice float64
}

// Order is the broker's view of an order.
type Order struct {
	ID             string
	ClientOrderID  string
	Symbol         string
	Side           domain.OrderSide
	Type           domain.OrderType
	TimeInForce    domain.TimeInForce
	Status         domain.OrderStatus
	Qty            int
	FilledQty      int
	FilledAvgPrice *float64
	StopPrice      *float64
	Legs           []Order
}

// StopLeg returns the stop-loss leg of a bracket order, if any.
func (o *Order) StopLeg() *Order {
	for i := range o.Legs {
		if o.Legs[i].Type == domain.OrderTypeStop {
			return &o.Legs[i]
		}
	}
	return nil
}

// APIError is a non-2xx response from the brokerage.
type APIError struct {
	StatusCode int
	Code       int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("broker api error: status=%d code=%d: %s", e.StatusCode, e.Code, e.Message)
}

// IsNotFound reports whether err is a 404 from the broker.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// IsAlreadyFilled reports whether a cancel failure indicates the order had
// already filled: an unprocessable-entity response or a message mentioning
// a fill.
func IsAlreadyFilled(err error) bool {
	if err == nil {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusUnprocessableEntity {
		return true
	}
	return strings.Contains(strings.ToLower(err.Error()), "filled")
}

// CheckEndpoint enforces the paper-endpoint guard.
func CheckEndpoint(baseURL string, allowLive bool) error {
	if allowLive || strings.Contains(strings.ToLower(baseURL), "paper") {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrLiveEndpoint, baseURL)
}
