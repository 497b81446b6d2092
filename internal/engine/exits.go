package engine

import (
	"context"
	"errors"
	"fmt"

	"tradepipe/internal/broker"
	"tradepipe/internal/domain"
	"tradepipe/internal/store"
)

// sellRequest is an exit sell awaiting its fill.
type sellRequest struct {
	clientOrderID string
	position      domain.Position
	reason        string
}

// ---------------------------------------------------------------------------
// Phase A: cancel stop and sell
// ---------------------------------------------------------------------------

func (e *Executor) phaseExits(ctx context.Context, sig *domain.Signal, tradeDate string, opts Options, rep *Report) ([]sellRequest, error) {
	var sells []sellRequest
	for _, ex := range sig.Exits {
		if e.halted {
			break
		}
		log := e.log.With("ticker", ex.Ticker, "reason", ex.Reason)

		pos, err := e.store.OpenPosition(ctx, ex.Ticker)
		if errors.Is(err, store.ErrNotFound) {
			log.Info("exit already processed: no open position")
			rep.ExitsAlreadyProcessed = append(rep.ExitsAlreadyProcessed, ex.Ticker)
			continue
		}
		if err != nil {
			return sells, fmt.Errorf("loading position %s: %w", ex.Ticker, err)
		}

		if opts.DryRun {
			log.Info("dry run: would cancel stop and sell", "shares", pos.ActualShares, "stop_order_id", pos.StopOrderID)
			continue
		}

		req, err := e.exit(ctx, pos, ex, tradeDate, rep)
		if err != nil {
			log.Error("exit failed", "error", err)
			continue
		}
		if req != nil {
			sells = append(sells, *req)
		}
	}
	return sells, nil
}

// exit handles one exit ticker. It returns the sell to poll, or nil when
// there is nothing left to wait for.
func (e *Executor) exit(ctx context.Context, pos *domain.Position, ex domain.SignalExit, tradeDate string, rep *Report) (*sellRequest, error) {
	cid := domain.ClientOrderID(tradeDate, pos.Ticker, domain.IntentExit, domain.OrderSideSell)
	req := &sellRequest{clientOrderID: cid, position: *pos, reason: ex.Reason}

	local, err := e.store.OrderByClientID(ctx, cid)
	if err != nil {
		return nil, err
	}
	if local != nil {
		switch {
		case !local.Status.IsTerminal():
			e.log.Info("exit sell already submitted", "client_order_id", cid, "status", local.Status)
			return req, nil
		case local.Status == domain.OrderStatusFilled:
			price, ok := fillPrice(local)
			if !ok {
				price = pos.EntryPrice
			}
			rep.ExitsAlreadyProcessed = append(rep.ExitsAlreadyProcessed, pos.Ticker)
			return nil, e.closePosition(ctx, pos, tradeDate, price, ex.Reason)
		default:
			return nil, fmt.Errorf("exit sell %s ended %s; needs operator review", cid, local.Status)
		}
	}

	if bo, err := e.broker.GetOrderByClientID(ctx, cid); err != nil {
		return nil, fmt.Errorf("checking broker for %s: %w", cid, err)
	} else if bo != nil {
		if err := e.adopt(ctx, exitOrder(cid, pos, tradeDate), bo); err != nil {
			return nil, err
		}
		return req, nil
	}

	// The stop stays in place until the sell is known to be allowed.
	used, err := e.store.DailyOrderCount(ctx, tradeDate, domain.IntentEntry, domain.IntentExit)
	if err != nil {
		return nil, err
	}
	if err := e.risk.CheckExit(Usage{TradeOrdersToday: used}); err != nil {
		rep.skip(pos.Ticker, skipReason(err))
		return nil, err
	}

	res := e.cancelStop(ctx, pos)
	switch res.outcome {
	case stopFilled:
		price := pos.EntryPrice
		if res.price != nil {
			price = *res.price
		}
		e.log.Info("exit already processed: stop filled before cancel", "ticker", pos.Ticker, "stop_order_id", res.orderID)
		rep.ExitsAlreadyProcessed = append(rep.ExitsAlreadyProcessed, pos.Ticker)
		return nil, e.closePosition(ctx, pos, tradeDate, price, domain.ExitReasonStopFilled)
	case stopLive:
		return nil, fmt.Errorf("stop %s could not be cancelled: %w", res.orderID, res.err)
	}

	o := exitOrder(cid, pos, tradeDate)
	o.RunID = rep.RunID
	if _, err := e.submit(ctx, o, func() (*broker.Order, error) {
		return e.broker.PlaceOrder(ctx, broker.OrderRequest{
			ClientOrderID: cid,
			Symbol:        pos.Ticker,
			Qty:           o.Qty,
			Side:          domain.OrderSideSell,
			Type:          domain.OrderTypeMarket,
			TimeInForce:   domain.TimeInForceDay,
		})
	}); err != nil {
		if res.outcome == stopCanceled || res.outcome == stopGone {
			e.restoreStop(ctx, pos, tradeDate, rep)
		}
		return nil, err
	}
	rep.ExitsSubmitted++
	return req, nil
}

func exitOrder(cid string, pos *domain.Position, tradeDate string) *domain.Order {
	qty := pos.ActualShares
	if qty <= 0 {
		qty = pos.TargetShares
	}
	return &domain.Order{
		ClientOrderID: cid,
		Ticker:        pos.Ticker,
		Side:          domain.OrderSideSell,
		Intent:        domain.IntentExit,
		Type:          domain.OrderTypeMarket,
		TimeInForce:   domain.TimeInForceDay,
		TradeDate:     tradeDate,
		Qty:           qty,
	}
}

// ---------------------------------------------------------------------------
// Stop cancellation
// ---------------------------------------------------------------------------

type stopOutcome int

const (
	stopNone     stopOutcome = iota // no stop tracked
	stopCanceled                    // cancel accepted
	stopGone                        // already terminal without a fill
	stopFilled                      // filled before we could cancel
	stopLive                        // cancel failed and the stop still rests
)

type stopResult struct {
	outcome stopOutcome
	orderID string
	price   *float64
	err     error
}

// cancelStop cancels every protective stop tracked for pos: the one on the
// position row and any open stop rows for the ticker. A fill on any of them
// wins over the others.
func (e *Executor) cancelStop(ctx context.Context, pos *domain.Position) stopResult {
	ids := map[string]string{} // broker id -> client id
	if pos.StopOrderID != "" {
		ids[pos.StopOrderID] = ""
	}
	rows, err := e.store.PendingOrders(ctx, store.OrderFilter{Intent: domain.IntentStop, Ticker: pos.Ticker})
	if err != nil {
		return stopResult{outcome: stopLive, err: err}
	}
	for _, r := range rows {
		if r.BrokerOrderID != "" {
			ids[r.BrokerOrderID] = r.ClientOrderID
		}
	}
	if len(ids) == 0 {
		return stopResult{outcome: stopNone}
	}

	result := stopResult{outcome: stopNone}
	for id, cid := range ids {
		r := e.cancelOne(ctx, id)
		if cid != "" {
			e.syncStopRow(ctx, cid, id)
		}
		if r.outcome > result.outcome {
			result = r
		}
	}
	return result
}

func (e *Executor) cancelOne(ctx context.Context, orderID string) stopResult {
	err := e.broker.CancelOrder(ctx, orderID)
	if err == nil {
		e.log.Info("stop cancelled", "stop_order_id", orderID)
		return stopResult{outcome: stopCanceled, orderID: orderID}
	}
	if broker.IsNotFound(err) {
		return stopResult{outcome: stopGone, orderID: orderID}
	}

	// The cancel failed; the order's own status decides what happened.
	bo, gerr := e.broker.GetOrder(ctx, orderID)
	if gerr != nil {
		return stopResult{outcome: stopLive, orderID: orderID, err: errors.Join(err, gerr)}
	}
	switch {
	case bo.Status == domain.OrderStatusFilled:
		price := bo.FilledAvgPrice
		if price == nil {
			price = bo.StopPrice
		}
		return stopResult{outcome: stopFilled, orderID: orderID, price: price}
	case bo.Status.IsTerminal():
		return stopResult{outcome: stopGone, orderID: orderID}
	}
	return stopResult{outcome: stopLive, orderID: orderID, err: err}
}

// syncStopRow refreshes a local stop row after a cancel attempt.
func (e *Executor) syncStopRow(ctx context.Context, clientOrderID, brokerID string) {
	bo, err := e.broker.GetOrder(ctx, brokerID)
	if err != nil {
		return
	}
	if err := e.record(ctx, clientOrderID, bo); err != nil {
		e.log.Warn("could not record stop status", "client_order_id", clientOrderID, "error", err)
	}
}

// ---------------------------------------------------------------------------
// Phase B: sell poll
// ---------------------------------------------------------------------------

func (e *Executor) pollSells(ctx context.Context, tradeDate string, sells []sellRequest, rep *Report) {
	ids := make([]string, len(sells))
	for i, s := range sells {
		ids[i] = s.clientOrderID
	}
	open, err := e.waitTerminal(ctx, ids, e.live.PollTimeout)
	if err != nil {
		e.log.Warn("sell poll interrupted", "error", err)
	}
	rep.Timeouts = append(rep.Timeouts, open...)

	for _, s := range sells {
		o, err := e.store.OrderByClientID(ctx, s.clientOrderID)
		if err != nil || o == nil || o.Status != domain.OrderStatusFilled {
			continue
		}
		price, ok := fillPrice(o)
		if !ok {
			price = s.position.EntryPrice
		}
		if err := e.closePosition(ctx, &s.position, tradeDate, price, s.reason); err != nil {
			e.log.Error("could not close position after sell fill", "ticker", s.position.Ticker, "error", err)
			continue
		}
		rep.ExitsFilled++
	}
}
