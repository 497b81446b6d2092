package engine

import (
	"context"
	"errors"
	"fmt"

	"tradepipe/internal/broker"
	"tradepipe/internal/domain"
	"tradepipe/internal/store"
)

// stopClientID returns the n-th protective stop id for an entry: the base
// id, then _retry, _retry2 and so on.
func stopClientID(base string, n int) string {
	switch n {
	case 0:
		return base
	case 1:
		return base + "_retry"
	}
	return fmt.Sprintf("%s_retry%d", base, n)
}

// protect makes sure a filled entry has a Position row and a working stop.
// The stop price always comes from the planned price recorded on the entry
// order at submission; it is never recomputed. A missing planned price
// leaves the position unprotected with a critical log. A stop the broker
// refuses trips the kill switch.
func (e *Executor) protect(ctx context.Context, o *domain.Order, meta *domain.SignalEntry, rep *Report) {
	log := e.log.With("ticker", o.Ticker, "client_order_id", o.ClientOrderID)

	pos, err := e.ensurePosition(ctx, o, meta, rep)
	if err != nil {
		log.Error("could not record position for filled entry", "error", err)
		return
	}
	if pos.Status == domain.PositionStatusClosed {
		return
	}

	active, filled, next, err := e.findStop(ctx, o)
	if err != nil {
		log.Error("could not read stop orders", "error", err)
		return
	}
	if filled != nil {
		price, ok := fillPrice(filled)
		if !ok {
			price = pos.EntryPrice
		}
		if err := e.closePosition(ctx, pos, filled.TradeDate, price, domain.ExitReasonStopFilled); err != nil {
			log.Error("could not close stopped-out position", "error", err)
		}
		return
	}
	if active != nil {
		e.attachStop(ctx, pos, active.BrokerOrderID, active.PlannedStopPrice)
		return
	}

	if next == stopClientID(domain.ClientOrderID(o.TradeDate, o.Ticker, domain.IntentStop, domain.OrderSideSell), 0) {
		if e.recoverLeg(ctx, o, pos) {
			return
		}
	}

	planned := o.PlannedStopPrice
	if planned == nil {
		log.Error("UNPROTECTED POSITION: no planned stop price recorded, not placing a stop",
			"position_id", pos.ID, "critical", true)
		rep.Unprotected = append(rep.Unprotected, o.Ticker)
		e.metrics.Unprotected()
		return
	}

	qty := o.FilledQty
	if qty <= 0 {
		qty = o.Qty
	}
	so := &domain.Order{
		ClientOrderID:    next,
		Ticker:           o.Ticker,
		Side:             domain.OrderSideSell,
		Intent:           domain.IntentStop,
		Type:             domain.OrderTypeStop,
		TimeInForce:      domain.TimeInForceGTC,
		TradeDate:        o.TradeDate,
		Qty:              qty,
		PlannedStopPrice: planned,
		RunID:            rep.RunID,
	}

	if bo, err := e.broker.GetOrderByClientID(ctx, next); err == nil && bo != nil {
		if err := e.adopt(ctx, so, bo); err != nil {
			log.Error("could not adopt stop", "error", err)
			return
		}
		e.attachStop(ctx, pos, bo.ID, planned)
		return
	}

	bo, err := e.submit(ctx, so, func() (*broker.Order, error) {
		return e.broker.PlaceOrder(ctx, broker.OrderRequest{
			ClientOrderID: next,
			Symbol:        o.Ticker,
			Qty:           qty,
			Side:          domain.OrderSideSell,
			Type:          domain.OrderTypeStop,
			TimeInForce:   domain.TimeInForceGTC,
			StopPrice:     planned,
		})
	})
	if err != nil {
		rep.Unprotected = append(rep.Unprotected, o.Ticker)
		e.metrics.Unprotected()
		if errors.Is(err, errHalted) {
			log.Error("UNPROTECTED POSITION: submissions halted before stop placement", "critical", true)
			return
		}
		e.trip(ctx, o.Ticker, fmt.Sprintf("protective stop %s failed: %v", next, err), rep)
		return
	}
	rep.StopsPlaced++
	e.attachStop(ctx, pos, bo.ID, planned)
}

// maxStopRetries bounds the retry suffixes tried for one entry's stop.
const maxStopRetries = 20

// restoreStop re-places the protective stop of pos after its exit sell
// failed with the old stop already gone. The new stop takes the next free
// retry id and the stop price on the position row. If it cannot be placed
// the kill switch trips.
func (e *Executor) restoreStop(ctx context.Context, pos *domain.Position, tradeDate string, rep *Report) {
	log := e.log.With("ticker", pos.Ticker, "position_id", pos.ID)

	unprotected := func(reason string, err error) {
		rep.Unprotected = append(rep.Unprotected, pos.Ticker)
		e.metrics.Unprotected()
		if errors.Is(err, errHalted) {
			log.Error("UNPROTECTED POSITION: submissions halted before stop could be restored", "critical", true)
			return
		}
		e.trip(ctx, pos.Ticker, reason, rep)
	}

	if pos.StopPrice == nil {
		unprotected("exit sell failed after stop cancel and the position has no stop price", nil)
		return
	}
	cid, err := e.nextStopID(ctx, pos)
	if err != nil {
		unprotected(fmt.Sprintf("exit sell failed after stop cancel; %v", err), err)
		return
	}

	qty := pos.ActualShares
	if qty <= 0 {
		qty = pos.TargetShares
	}
	so := &domain.Order{
		ClientOrderID:    cid,
		Ticker:           pos.Ticker,
		Side:             domain.OrderSideSell,
		Intent:           domain.IntentStop,
		Type:             domain.OrderTypeStop,
		TimeInForce:      domain.TimeInForceGTC,
		TradeDate:        tradeDate,
		Qty:              qty,
		PlannedStopPrice: pos.StopPrice,
		RunID:            rep.RunID,
	}
	bo, err := e.submit(ctx, so, func() (*broker.Order, error) {
		return e.broker.PlaceOrder(ctx, broker.OrderRequest{
			ClientOrderID: cid,
			Symbol:        pos.Ticker,
			Qty:           qty,
			Side:          domain.OrderSideSell,
			Type:          domain.OrderTypeStop,
			TimeInForce:   domain.TimeInForceGTC,
			StopPrice:     pos.StopPrice,
		})
	})
	if err != nil {
		unprotected(fmt.Sprintf("exit sell failed after stop cancel; stop %s failed: %v", cid, err), err)
		return
	}
	rep.StopsPlaced++
	e.attachStop(ctx, pos, bo.ID, pos.StopPrice)
	log.Warn("protective stop restored after failed exit sell", "client_order_id", cid,
		"broker_order_id", bo.ID, "stop_price", *pos.StopPrice)
}

// nextStopID returns the first retry stop id for pos that neither the ledger
// nor the broker has seen.
func (e *Executor) nextStopID(ctx context.Context, pos *domain.Position) (string, error) {
	base := domain.ClientOrderID(pos.EntryDate, pos.Ticker, domain.IntentStop, domain.OrderSideSell)
	for n := 1; n <= maxStopRetries; n++ {
		cid := stopClientID(base, n)
		row, err := e.store.OrderByClientID(ctx, cid)
		if err != nil {
			return "", err
		}
		if row != nil {
			continue
		}
		bo, err := e.broker.GetOrderByClientID(ctx, cid)
		if err != nil {
			return "", fmt.Errorf("checking broker for %s: %w", cid, err)
		}
		if bo == nil {
			return cid, nil
		}
	}
	return "", fmt.Errorf("no free stop id for %s after %d retries", base, maxStopRetries)
}

// ensurePosition returns the Position for a filled entry, creating it on
// first sight and catching up its share count after a partial fill.
func (e *Executor) ensurePosition(ctx context.Context, o *domain.Order, meta *domain.SignalEntry, rep *Report) (*domain.Position, error) {
	price, ok := fillPrice(o)
	if !ok {
		return nil, fmt.Errorf("entry %s is filled without a fill price", o.ClientOrderID)
	}
	shares := o.FilledQty
	if shares <= 0 {
		shares = o.Qty
	}

	pos, err := e.store.PositionByEntry(ctx, o.Ticker, o.TradeDate)
	if err == nil {
		if pos.Status == domain.PositionStatusOpen && pos.ActualShares != shares {
			if err := e.store.UpdatePositionShares(ctx, pos.ID, shares, price*float64(shares)); err != nil {
				return nil, err
			}
			pos.ActualShares = shares
		}
		return pos, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	pos = &domain.Position{
		Ticker:       o.Ticker,
		EntryDate:    o.TradeDate,
		EntryPrice:   price,
		TargetShares: o.Qty,
		ActualShares: shares,
		Invested:     price * float64(shares),
		StopPrice:    o.PlannedStopPrice,
	}
	if meta != nil {
		pos.Score = meta.Score
		pos.Grade = meta.Grade
		pos.GradeSource = meta.GradeSource
		pos.ReportDate = meta.ReportDate
		pos.CompanyName = meta.CompanyName
		pos.GapSize = meta.GapSize
	}
	if _, err := e.store.AddPosition(ctx, pos); err != nil {
		return nil, err
	}
	rep.EntriesFilled++
	e.log.Info("position opened", "ticker", pos.Ticker, "position_id", pos.ID,
		"entry_price", price, "shares", shares)
	return pos, nil
}

// findStop walks the stop ids of an entry. It returns the working stop if
// one exists, the filled stop if the position was stopped out, and the next
// unused id otherwise.
func (e *Executor) findStop(ctx context.Context, o *domain.Order) (active, filled *domain.Order, next string, err error) {
	base := domain.ClientOrderID(o.TradeDate, o.Ticker, domain.IntentStop, domain.OrderSideSell)
	for n := 0; ; n++ {
		cid := stopClientID(base, n)
		row, err := e.store.OrderByClientID(ctx, cid)
		if err != nil {
			return nil, nil, "", err
		}
		switch {
		case row == nil:
			return nil, nil, cid, nil
		case !row.Status.IsTerminal():
			return row, nil, cid, nil
		case row.Status == domain.OrderStatusFilled:
			return nil, row, cid, nil
		}
	}
}

// recoverLeg records a bracket's working stop leg that the ledger missed.
func (e *Executor) recoverLeg(ctx context.Context, o *domain.Order, pos *domain.Position) bool {
	if o.BrokerOrderID == "" {
		return false
	}
	bo, err := e.broker.GetOrder(ctx, o.BrokerOrderID)
	if err != nil {
		return false
	}
	leg := bo.StopLeg()
	if leg == nil || leg.Status.IsTerminal() {
		return false
	}
	if err := e.recordLeg(ctx, o, leg); err != nil {
		e.log.Error("could not record bracket stop leg", "ticker", o.Ticker, "error", err)
		return false
	}
	price := leg.StopPrice
	if price == nil {
		price = o.PlannedStopPrice
	}
	e.attachStop(ctx, pos, leg.ID, price)
	return true
}

func (e *Executor) attachStop(ctx context.Context, pos *domain.Position, brokerID string, price *float64) {
	if brokerID == "" || pos.StopOrderID == brokerID {
		return
	}
	var p float64
	if price != nil {
		p = *price
	} else if pos.StopPrice != nil {
		p = *pos.StopPrice
	}
	if err := e.store.UpdateStopOrder(ctx, pos.ID, brokerID, p); err != nil {
		e.log.Error("could not attach stop to position", "ticker", pos.Ticker, "error", err)
		return
	}
	pos.StopOrderID = brokerID
}

// ---------------------------------------------------------------------------
// Poll-only run
// ---------------------------------------------------------------------------

func (e *Executor) poll(ctx context.Context, tradeDate string, opts Options, rep *Report) error {
	pending, err := e.store.PendingOrders(ctx, store.OrderFilter{})
	if err != nil {
		return fmt.Errorf("loading pending orders: %w", err)
	}
	if opts.DryRun {
		for _, o := range pending {
			e.log.Info("dry run: would poll", "client_order_id", o.ClientOrderID, "status", o.Status)
		}
		return nil
	}

	// Orders of the trade date's signal are waited on; everything else
	// (resting stops, leftovers from earlier days) gets one refresh.
	var wait []string
	for i := range pending {
		o := &pending[i]
		if o.TradeDate == tradeDate && (o.Intent == domain.IntentEntry || o.Intent == domain.IntentExit) {
			wait = append(wait, o.ClientOrderID)
			continue
		}
		if _, err := e.refresh(ctx, o); err != nil {
			e.log.Warn("refresh failed", "client_order_id", o.ClientOrderID, "error", err)
		}
	}

	timeout := e.live.PollTimeout
	if e.live.IsOPG() {
		timeout = e.live.PollTimeoutOPG
	}
	open, err := e.waitTerminal(ctx, wait, timeout)
	if err != nil {
		e.log.Warn("poll interrupted", "error", err)
	}
	rep.Timeouts = append(rep.Timeouts, open...)

	if err := e.settleStops(ctx); err != nil {
		return err
	}
	if err := e.settleExits(ctx, tradeDate, rep); err != nil {
		return err
	}

	entries, err := e.store.Orders(ctx, store.OrderFilter{TradeDate: tradeDate, Intent: domain.IntentEntry, Side: domain.OrderSideBuy})
	if err != nil {
		return fmt.Errorf("loading entries: %w", err)
	}
	for i := range entries {
		o := &entries[i]
		switch {
		case o.Status == domain.OrderStatusFilled:
			e.protect(ctx, o, nil, rep)
		case o.FilledQty > 0:
			e.log.Warn("entry partially filled", "client_order_id", o.ClientOrderID,
				"filled_qty", o.FilledQty, "qty", o.Qty)
		}
	}
	return nil
}

// settleStops closes positions whose protective stop has filled.
func (e *Executor) settleStops(ctx context.Context) error {
	positions, err := e.store.OpenPositions(ctx)
	if err != nil {
		return fmt.Errorf("loading open positions: %w", err)
	}
	for i := range positions {
		pos := &positions[i]
		stops, err := e.store.Orders(ctx, store.OrderFilter{Intent: domain.IntentStop, Ticker: pos.Ticker})
		if err != nil {
			return err
		}
		for _, s := range stops {
			if s.Status != domain.OrderStatusFilled || s.TradeDate < pos.EntryDate {
				continue
			}
			price, ok := fillPrice(&s)
			if !ok && s.PlannedStopPrice != nil {
				price = *s.PlannedStopPrice
			} else if !ok {
				price = pos.EntryPrice
			}
			if err := e.closePosition(ctx, pos, s.TradeDate, price, domain.ExitReasonStopFilled); err != nil {
				e.log.Error("could not close stopped-out position", "ticker", pos.Ticker, "error", err)
			}
			break
		}
	}
	return nil
}

// settleExits closes positions whose exit sell for tradeDate has filled.
func (e *Executor) settleExits(ctx context.Context, tradeDate string, rep *Report) error {
	sells, err := e.store.Orders(ctx, store.OrderFilter{TradeDate: tradeDate, Intent: domain.IntentExit})
	if err != nil {
		return fmt.Errorf("loading exits: %w", err)
	}
	for i := range sells {
		s := &sells[i]
		if s.Status != domain.OrderStatusFilled {
			continue
		}
		pos, err := e.store.OpenPosition(ctx, s.Ticker)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		price, ok := fillPrice(s)
		if !ok {
			price = pos.EntryPrice
		}
		if err := e.closePosition(ctx, pos, tradeDate, price, domain.ExitReasonSignalExit); err != nil {
			e.log.Error("could not close position after sell fill", "ticker", s.Ticker, "error", err)
			continue
		}
		rep.ExitsFilled++
	}
	return nil
}
