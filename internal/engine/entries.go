package engine

import (
	"context"
	"fmt"

	"tradepipe/internal/broker"
	"tradepipe/internal/domain"
	"tradepipe/internal/store"
)

// ---------------------------------------------------------------------------
// Phase C: recount
// ---------------------------------------------------------------------------

// recount computes the free slots from the broker's positions. Exit sells
// still working at the broker have not yet reduced its count, and entry buys
// still working have not yet raised it; both are adjusted for. A dry run
// has sent nothing and counts from the ledger instead.
func (e *Executor) recount(ctx context.Context, tradeDate string, exits int, opts Options) (int, map[string]bool, error) {
	held := make(map[string]bool)
	var open int

	if opts.DryRun {
		positions, err := e.store.OpenPositions(ctx)
		if err != nil {
			return 0, nil, fmt.Errorf("loading open positions: %w", err)
		}
		for _, p := range positions {
			held[p.Ticker] = true
		}
		open = len(positions) - exits
	} else {
		positions, err := e.broker.GetPositions(ctx)
		if err != nil {
			return 0, nil, fmt.Errorf("loading broker positions: %w", err)
		}
		for _, p := range positions {
			held[p.Symbol] = true
		}
		open = len(positions)

		sells, err := e.store.PendingOrders(ctx, store.OrderFilter{TradeDate: tradeDate, Intent: domain.IntentExit})
		if err != nil {
			return 0, nil, err
		}
		for _, s := range sells {
			if held[s.Ticker] {
				open--
			}
		}
		buys, err := e.store.PendingOrders(ctx, store.OrderFilter{TradeDate: tradeDate, Intent: domain.IntentEntry})
		if err != nil {
			return 0, nil, err
		}
		for _, b := range buys {
			if !held[b.Ticker] {
				open++
			}
		}
	}

	available := e.live.MaxPositions - open
	if available < 0 {
		available = 0
	}
	e.log.Info("capacity recounted", "open", open, "max_positions", e.live.MaxPositions, "available", available)
	return available, held, nil
}

// ---------------------------------------------------------------------------
// Phase D: buy and protect
// ---------------------------------------------------------------------------

func (e *Executor) phaseEntries(ctx context.Context, sig *domain.Signal, tradeDate string, available int, held map[string]bool, opts Options, rep *Report) ([]string, error) {
	if len(sig.Entries) == 0 {
		return nil, nil
	}

	var windowErr error
	if !opts.SkipTimeCheck {
		clock, err := e.broker.GetClock(ctx)
		if err != nil {
			return nil, fmt.Errorf("reading broker clock: %w", err)
		}
		windowErr = e.risk.CheckEntryWindow(clock)
		if windowErr != nil {
			e.log.Warn("entries blocked", "error", windowErr)
		}
	}

	var account *domain.AccountInfo
	if !opts.DryRun {
		var err error
		if account, err = e.broker.GetAccount(ctx); err != nil {
			return nil, fmt.Errorf("reading account: %w", err)
		}
	}

	u := Usage{AvailableSlots: available}
	var err error
	if u.EntriesToday, err = e.store.DailyOrderCount(ctx, tradeDate, domain.IntentEntry); err != nil {
		return nil, err
	}
	if u.TradeOrdersToday, err = e.store.DailyOrderCount(ctx, tradeDate, domain.IntentEntry, domain.IntentExit); err != nil {
		return nil, err
	}
	if u.StopOrdersToday, err = e.store.DailyOrderCount(ctx, tradeDate, domain.IntentStop); err != nil {
		return nil, err
	}

	var buys []string
	for _, en := range sig.Entries {
		log := e.log.With("ticker", en.Ticker)
		if e.halted {
			rep.skip(en.Ticker, "kill_switch")
			continue
		}
		cid := domain.ClientOrderID(tradeDate, en.Ticker, domain.IntentEntry, domain.OrderSideBuy)

		local, err := e.store.OrderByClientID(ctx, cid)
		if err != nil {
			return buys, err
		}
		if local != nil {
			log.Info("entry already submitted", "client_order_id", cid, "status", local.Status)
			buys = append(buys, cid)
			continue
		}
		if !opts.DryRun {
			bo, err := e.broker.GetOrderByClientID(ctx, cid)
			if err != nil {
				log.Error("checking broker for entry failed", "error", err)
				continue
			}
			if bo != nil {
				if err := e.adopt(ctx, entryOrder(cid, en, tradeDate, e.entryTIF()), bo); err != nil {
					log.Error("could not adopt entry", "error", err)
					continue
				}
				u.AvailableSlots--
				buys = append(buys, cid)
				continue
			}
		}

		if held[en.Ticker] {
			rep.skip(en.Ticker, domain.SkipAlreadyHeld)
			continue
		}
		if windowErr != nil {
			rep.skip(en.Ticker, skipReason(windowErr))
			continue
		}
		if en.Qty <= 0 {
			rep.skip(en.Ticker, domain.SkipQtyZero)
			continue
		}
		notional := en.Price * float64(en.Qty)
		if err := e.risk.CheckOrder(notional, account, u); err != nil {
			log.Warn("entry rejected by risk checks", "error", err)
			rep.skip(en.Ticker, skipReason(err))
			continue
		}

		if opts.DryRun {
			log.Info("dry run: would buy", "qty", en.Qty, "price", en.Price, "stop_price", en.StopPrice)
			u.AvailableSlots--
			u.EntriesToday++
			continue
		}

		o := entryOrder(cid, en, tradeDate, e.entryTIF())
		o.RunID = rep.RunID
		var used placement
		bo, err := e.submit(ctx, o, func() (*broker.Order, error) {
			p, bo, err := e.placeEntry(ctx, en, cid)
			used = p
			return bo, err
		})
		u.EntriesToday++
		u.TradeOrdersToday++
		if err != nil {
			log.Error("entry placement failed", "error", err)
			rep.skip(en.Ticker, "placement_failed")
			continue
		}

		rep.EntriesSubmitted++
		u.AvailableSlots--
		u.Committed += notional
		held[en.Ticker] = true
		buys = append(buys, cid)

		if used != nil && used.protects() {
			if leg := bo.StopLeg(); leg != nil {
				if err := e.recordLeg(ctx, o, leg); err != nil {
					log.Error("could not record bracket stop leg", "error", err)
				}
				u.StopOrdersToday++
			}
		}
	}
	return buys, nil
}

func (e *Executor) entryTIF() domain.TimeInForce {
	if e.live.IsOPG() {
		return domain.TimeInForceOPG
	}
	return domain.TimeInForceDay
}

func entryOrder(cid string, en domain.SignalEntry, tradeDate string, tif domain.TimeInForce) *domain.Order {
	stop := en.StopPrice
	return &domain.Order{
		ClientOrderID:    cid,
		Ticker:           en.Ticker,
		Side:             domain.OrderSideBuy,
		Intent:           domain.IntentEntry,
		Type:             domain.OrderTypeMarket,
		TimeInForce:      tif,
		TradeDate:        tradeDate,
		Qty:              en.Qty,
		PlannedStopPrice: &stop,
	}
}

// recordLeg stores a bracket's stop leg under the entry's stop client id.
func (e *Executor) recordLeg(ctx context.Context, entry *domain.Order, leg *broker.Order) error {
	cid := domain.ClientOrderID(entry.TradeDate, entry.Ticker, domain.IntentStop, domain.OrderSideSell)
	existing, err := e.store.OrderByClientID(ctx, cid)
	if err != nil {
		return err
	}
	if existing == nil {
		row := &domain.Order{
			ClientOrderID:    cid,
			BrokerOrderID:    leg.ID,
			Ticker:           entry.Ticker,
			Side:             domain.OrderSideSell,
			Intent:           domain.IntentStop,
			Type:             domain.OrderTypeStop,
			TimeInForce:      domain.TimeInForceGTC,
			TradeDate:        entry.TradeDate,
			Qty:              leg.Qty,
			PlannedStopPrice: entry.PlannedStopPrice,
			RunID:            entry.RunID,
		}
		if _, err := e.store.AddOrder(ctx, row); err != nil {
			return err
		}
	}
	return e.record(ctx, cid, leg)
}

// ---------------------------------------------------------------------------
// Phase E: buy poll
// ---------------------------------------------------------------------------

func (e *Executor) pollBuys(ctx context.Context, buys []string, sig *domain.Signal, rep *Report) {
	open, err := e.waitTerminal(ctx, buys, e.live.PollTimeout)
	if err != nil {
		e.log.Warn("buy poll interrupted", "error", err)
	}
	rep.Timeouts = append(rep.Timeouts, open...)

	meta := make(map[string]domain.SignalEntry, len(sig.Entries))
	for _, en := range sig.Entries {
		meta[en.Ticker] = en
	}
	for _, cid := range buys {
		o, err := e.store.OrderByClientID(ctx, cid)
		if err != nil || o == nil {
			continue
		}
		if o.Status != domain.OrderStatusFilled {
			if o.FilledQty > 0 {
				e.log.Warn("entry partially filled; protection deferred to poll run", "client_order_id", cid, "filled_qty", o.FilledQty)
			}
			continue
		}
		var m *domain.SignalEntry
		if en, ok := meta[o.Ticker]; ok {
			m = &en
		}
		e.protect(ctx, o, m, rep)
	}
}
