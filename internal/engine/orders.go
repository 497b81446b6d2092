package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"tradepipe/internal/broker"
	"tradepipe/internal/domain"
	"tradepipe/internal/store"
)

// fetch reads the broker's view of a tracked order, by broker id when known
// and by client order id otherwise. It returns nil when the broker has no
// such order.
func (e *Executor) fetch(ctx context.Context, o *domain.Order) (*broker.Order, error) {
	if o.BrokerOrderID != "" {
		bo, err := e.broker.GetOrder(ctx, o.BrokerOrderID)
		if err == nil {
			return bo, nil
		}
		if !broker.IsNotFound(err) {
			return nil, err
		}
	}
	return e.broker.GetOrderByClientID(ctx, o.ClientOrderID)
}

// record copies the broker's view of an order into the ledger.
func (e *Executor) record(ctx context.Context, clientOrderID string, bo *broker.Order) error {
	u := store.OrderUpdate{
		Status:        bo.Status,
		BrokerOrderID: &bo.ID,
		FillPrice:     bo.FilledAvgPrice,
	}
	filled := bo.FilledQty
	remaining := bo.Qty - bo.FilledQty
	u.FilledQty = &filled
	u.RemainingQty = &remaining
	return e.store.UpdateOrderStatus(ctx, clientOrderID, u)
}

// refresh fetches and records one order, returning the updated local row.
func (e *Executor) refresh(ctx context.Context, o *domain.Order) (*domain.Order, error) {
	bo, err := e.fetch(ctx, o)
	if err != nil {
		return nil, fmt.Errorf("fetching %s: %w", o.ClientOrderID, err)
	}
	if bo == nil {
		e.log.Warn("broker does not know tracked order", "client_order_id", o.ClientOrderID)
		return o, nil
	}
	if err := e.record(ctx, o.ClientOrderID, bo); err != nil {
		return nil, err
	}
	return e.store.OrderByClientID(ctx, o.ClientOrderID)
}

// waitTerminal polls the given client order ids until each is terminal or
// the timeout elapses. The first round runs immediately. Ids still open at
// the timeout are returned; the next invocation picks them up.
func (e *Executor) waitTerminal(ctx context.Context, ids []string, timeout time.Duration) ([]string, error) {
	pending := append([]string(nil), ids...)
	interval := e.live.PollInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}

	var elapsed time.Duration
	for {
		var still []string
		for _, cid := range pending {
			o, err := e.store.OrderByClientID(ctx, cid)
			if err != nil {
				return pending, err
			}
			if o == nil {
				continue
			}
			if !o.Status.IsTerminal() {
				if o, err = e.refresh(ctx, o); err != nil {
					e.log.Warn("poll failed", "client_order_id", cid, "error", err)
					still = append(still, cid)
					continue
				}
			}
			if o != nil && !o.Status.IsTerminal() {
				still = append(still, cid)
			}
		}
		pending = still
		if len(pending) == 0 || elapsed >= timeout {
			return pending, nil
		}
		if err := e.sleep(ctx, interval); err != nil {
			return pending, err
		}
		elapsed += interval
	}
}

// submit records o as pending and then sends it with place. A failed send is
// checked against the broker by client order id before the row is marked
// rejected, since the request may have landed despite the error.
func (e *Executor) submit(ctx context.Context, o *domain.Order, place func() (*broker.Order, error)) (*broker.Order, error) {
	if e.halted {
		return nil, errHalted
	}
	o.Status = domain.OrderStatusPending
	if _, err := e.store.AddOrder(ctx, o); err != nil {
		return nil, err
	}

	bo, err := place()
	if err != nil {
		if existing, lerr := e.broker.GetOrderByClientID(ctx, o.ClientOrderID); lerr == nil && existing != nil {
			e.log.Warn("order accepted despite submit error", "client_order_id", o.ClientOrderID, "error", err)
			bo, err = existing, nil
		}
	}
	if err != nil {
		reason := err.Error()
		e.metrics.OrderFailed(string(o.Intent))
		if uerr := e.store.UpdateOrderStatus(ctx, o.ClientOrderID, store.OrderUpdate{
			Status: domain.OrderStatusRejected, RejectReason: &reason,
		}); uerr != nil {
			e.log.Error("could not mark order rejected", "client_order_id", o.ClientOrderID, "error", uerr)
		}
		return nil, err
	}

	e.metrics.OrderSubmitted(string(o.Intent))
	if err := e.record(ctx, o.ClientOrderID, bo); err != nil {
		return bo, err
	}
	e.log.Info("order submitted", "client_order_id", o.ClientOrderID, "broker_order_id", bo.ID,
		"ticker", o.Ticker, "side", o.Side, "qty", o.Qty, "status", bo.Status)
	return bo, nil
}

// adopt records an order the broker has under clientOrderID but the ledger
// is missing, which happens when a previous run died between the broker
// accepting the order and the local write.
func (e *Executor) adopt(ctx context.Context, o *domain.Order, bo *broker.Order) error {
	o.Status = domain.OrderStatusPending
	o.BrokerOrderID = bo.ID
	if _, err := e.store.AddOrder(ctx, o); err != nil && !errors.Is(err, store.ErrDuplicateOrder) {
		return err
	}
	e.log.Warn("adopted broker order missing from ledger", "client_order_id", o.ClientOrderID, "broker_order_id", bo.ID)
	return e.record(ctx, o.ClientOrderID, bo)
}

// closePosition closes pos and tolerates a concurrent close.
func (e *Executor) closePosition(ctx context.Context, pos *domain.Position, exitDate string, price float64, reason string) error {
	err := e.store.ClosePosition(ctx, pos.ID, exitDate, price, reason)
	if errors.Is(err, store.ErrAlreadyClosed) {
		return nil
	}
	if err != nil {
		return err
	}
	e.metrics.PositionClosed(reason)
	e.log.Info("position closed", "ticker", pos.Ticker, "position_id", pos.ID, "exit_price", price, "reason", reason)
	return nil
}

func fillPrice(o *domain.Order) (float64, bool) {
	if o.FillPrice == nil {
		return 0, false
	}
	return *o.FillPrice, true
}
