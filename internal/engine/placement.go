package engine

import (
	"context"
	"errors"
	"fmt"

	"tradepipe/internal/broker"
	"tradepipe/internal/domain"
)

// placement is one way of sending an entry to the broker.
type placement interface {
	name() string
	// protects reports whether a fill through this method already carries
	// its protective stop.
	protects() bool
	place(ctx context.Context, b broker.Broker, en domain.SignalEntry, clientOrderID string) (*broker.Order, error)
}

// bracketPlacement sends the buy and its stop-loss leg in one request.
type bracketPlacement struct{}

func (bracketPlacement) name() string   { return "bracket" }
func (bracketPlacement) protects() bool { return true }

func (bracketPlacement) place(ctx context.Context, b broker.Broker, en domain.SignalEntry, cid string) (*broker.Order, error) {
	return b.PlaceBracketOrder(ctx, broker.BracketRequest{
		ClientOrderID: cid,
		Symbol:        en.Ticker,
		Qty:           en.Qty,
		Side:          domain.OrderSideBuy,
		TimeInForce:   domain.TimeInForceDay,
		StopLossPrice: en.StopPrice,
	})
}

// plainPlacement sends a bare market buy; the stop follows once it fills.
type plainPlacement struct {
	tif domain.TimeInForce
}

func (p plainPlacement) name() string { return "plain_" + string(p.tif) }
func (plainPlacement) protects() bool { return false }

func (p plainPlacement) place(ctx context.Context, b broker.Broker, en domain.SignalEntry, cid string) (*broker.Order, error) {
	return b.PlaceOrder(ctx, broker.OrderRequest{
		ClientOrderID: cid,
		Symbol:        en.Ticker,
		Qty:           en.Qty,
		Side:          domain.OrderSideBuy,
		Type:          domain.OrderTypeMarket,
		TimeInForce:   p.tif,
	})
}

// placements returns the ordered methods to try for an entry. Market-on-open
// orders cannot carry a bracket.
func (e *Executor) placements() []placement {
	if e.live.IsOPG() {
		return []placement{plainPlacement{tif: domain.TimeInForceOPG}}
	}
	return []placement{bracketPlacement{}, plainPlacement{tif: domain.TimeInForceDay}}
}

// PlacementError records why one placement method failed.
type PlacementError struct {
	Method string
	Err    error
}

func (e *PlacementError) Error() string {
	return fmt.Sprintf("%s: %v", e.Method, e.Err)
}

func (e *PlacementError) Unwrap() error { return e.Err }

// placeEntry walks the placement chain until one method is accepted. After
// each failure the broker is asked for the client order id, since a request
// that errored on the way back may still have been accepted.
func (e *Executor) placeEntry(ctx context.Context, en domain.SignalEntry, cid string) (placement, *broker.Order, error) {
	var failures []error
	for _, p := range e.placements() {
		bo, err := p.place(ctx, e.broker, en, cid)
		if err == nil {
			return p, bo, nil
		}
		if existing, lerr := e.broker.GetOrderByClientID(ctx, cid); lerr == nil && existing != nil {
			e.log.Warn("entry accepted despite submit error", "client_order_id", cid, "method", p.name(), "error", err)
			return p, existing, nil
		}
		failures = append(failures, &PlacementError{Method: p.name(), Err: err})
		e.log.Warn("entry placement failed, trying next method", "ticker", en.Ticker, "method", p.name(), "error", err)
	}
	return nil, nil, errors.Join(failures...)
}
