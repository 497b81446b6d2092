package broker

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"tradepipe/internal/domain"
	"tradepipe/internal/util"
)

// Compile-time interface check.
var _ Broker = (*SimulatorBroker)(nil)

// SimulatorBroker implements the Broker interface in memory. It is used for
// dry runs and as the broker double in tests. Market orders fill immediately
// at the symbol's configured price unless HoldFills is set; stop orders rest
// until FillOrder is called.
type SimulatorBroker struct {
	mu sync.Mutex

	positions map[string]*domain.BrokerPosition
	orders    map[string]*Order
	byClient  map[string]string
	prices    map[string]float64
	nextID    int

	Account domain.AccountInfo
	Clock   domain.Clock

	// HoldFills leaves market orders in "new" until FillOrder is called.
	HoldFills bool
	// RejectBrackets makes PlaceBracketOrder fail with a 422.
	RejectBrackets bool
	// PlaceErrors fails PlaceOrder for the given client order ids.
	PlaceErrors map[string]error
	// CancelErrors fails CancelOrder for the given broker order ids.
	CancelErrors map[string]error

	// Mutations counts every order-mutating call (place, bracket, cancel).
	Mutations int
}

// NewSimulatorBroker creates a new SimulatorBroker with an empty account,
// generous buying power and a clock fixed at the given time.
func NewSimulatorBroker(now time.Time) *SimulatorBroker {
	return &SimulatorBroker{
		positions:    make(map[string]*domain.BrokerPosition),
		orders:       make(map[string]*Order),
		byClient:     make(map[string]string),
		prices:       make(map[string]float64),
		Account:      domain.AccountInfo{ID: "sim", Status: "ACTIVE", Equity: 1_000_000, Cash: 1_000_000, BuyingPower: 1_000_000},
		Clock:        domain.Clock{Timestamp: now},
		PlaceErrors:  make(map[string]error),
		CancelErrors: make(map[string]error),
	}
}

// Name returns "simulator".
func (b *SimulatorBroker) Name() string {
	return "simulator"
}

// SetPrice sets the fill price used for market orders in symbol.
func (b *SimulatorBroker) SetPrice(symbol string, price float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.prices[symbol] = price
}

// SetPosition seeds a broker-side position.
func (b *SimulatorBroker) SetPosition(p domain.BrokerPosition) {
	b.mu.Lock()
	defer b.mu.Unlock()
	cp := p
	b.positions[p.Symbol] = &cp
}

// AddOrder seeds an existing broker order, e.g. a resting stop.
func (b *SimulatorBroker) AddOrder(o Order) *Order {
	b.mu.Lock()
	defer b.mu.Unlock()
	if o.ID == "" {
		o.ID = b.newID()
	}
	cp := o
	b.orders[cp.ID] = &cp
	if cp.ClientOrderID != "" {
		b.byClient[cp.ClientOrderID] = cp.ID
	}
	return &cp
}

// FillOrder fills a resting order at price.
func (b *SimulatorBroker) FillOrder(orderID string, price float64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	o, ok := b.orders[orderID]
	if !ok {
		return fmt.Errorf("unknown order %s", orderID)
	}
	b.fill(o, price)
	return nil
}

// SetOrderStatus forces a status on an order (e.g. canceled, expired).
func (b *SimulatorBroker) SetOrderStatus(orderID string, status domain.OrderStatus) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if o, ok := b.orders[orderID]; ok {
		o.Status = status
	}
}

// OrderByClientID returns a copy of the order for test assertions.
func (b *SimulatorBroker) OrderByClientID(clientOrderID string) (Order, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id, ok := b.byClient[clientOrderID]
	if !ok {
		return Order{}, false
	}
	return *b.orders[id], true
}

// GetAccount returns the simulated account.
func (b *SimulatorBroker) GetAccount(_ context.Context) (*domain.AccountInfo, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	a := b.Account
	return &a, nil
}

// GetPositions returns all simulated positions sorted by symbol.
func (b *SimulatorBroker) GetPositions(_ context.Context) ([]domain.BrokerPosition, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]domain.BrokerPosition, 0, len(b.positions))
	for _, p := range b.positions {
		if p.Qty != 0 {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out, nil
}

// GetClock returns the simulated clock.
func (b *SimulatorBroker) GetClock(_ context.Context) (*domain.Clock, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	c := b.Clock
	return &c, nil
}

// PlaceOrder records the order and fills market orders immediately unless
// HoldFills is set.
func (b *SimulatorBroker) PlaceOrder(_ context.Context, req OrderRequest) (*Order, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.Mutations++

	if err := b.PlaceErrors[req.ClientOrderID]; err != nil {
		return nil, err
	}
	if _, dup := b.byClient[req.ClientOrderID]; dup {
		return nil, &APIError{StatusCode: http.StatusUnprocessableEntity, Message: "client_order_id must be unique"}
	}

	o := &Order{
		ID:            b.newID(),
		ClientOrderID: req.ClientOrderID,
		Symbol:        req.Symbol,
		Side:          req.Side,
		Type:          req.Type,
		TimeInForce:   req.TimeInForce,
		Status:        domain.OrderStatusNew,
		Qty:           req.Qty,
		StopPrice:     req.StopPrice,
	}
	b.orders[o.ID] = o
	b.byClient[o.ClientOrderID] = o.ID

	if o.Type == domain.OrderTypeMarket && !b.HoldFills {
		b.fill(o, b.prices[o.Symbol])
	}
	cp := *o
	return &cp, nil
}

// PlaceBracketOrder records a market entry with a resting stop leg.
func (b *SimulatorBroker) PlaceBracketOrder(_ context.Context, req BracketRequest) (*Order, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.Mutations++

	if b.RejectBrackets {
		return nil, &APIError{StatusCode: http.StatusUnprocessableEntity, Code: 42210000, Message: "bracket orders not supported"}
	}
	if _, dup := b.byClient[req.ClientOrderID]; dup {
		return nil, &APIError{StatusCode: http.StatusUnprocessableEntity, Message: "client_order_id must be unique"}
	}

	stop := req.StopLossPrice
	leg := Order{
		ID:          b.newID(),
		Symbol:      req.Symbol,
		Side:        domain.OrderSideSell,
		Type:        domain.OrderTypeStop,
		TimeInForce: domain.TimeInForceGTC,
		Status:      domain.OrderStatusNew,
		Qty:         req.Qty,
		StopPrice:   &stop,
	}
	o := &Order{
		ID:            b.newID(),
		ClientOrderID: req.ClientOrderID,
		Symbol:        req.Symbol,
		Side:          req.Side,
		Type:          domain.OrderTypeMarket,
		TimeInForce:   req.TimeInForce,
		Status:        domain.OrderStatusNew,
		Qty:           req.Qty,
		Legs:          []Order{leg},
	}
	b.orders[o.ID] = o
	b.byClient[o.ClientOrderID] = o.ID
	legCopy := leg
	b.orders[leg.ID] = &legCopy

	if !b.HoldFills {
		b.fill(o, b.prices[o.Symbol])
	}
	cp := *o
	return &cp, nil
}

// GetOrder returns an order by broker id.
func (b *SimulatorBroker) GetOrder(_ context.Context, orderID string) (*Order, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	o, ok := b.orders[orderID]
	if !ok {
		return nil, &APIError{StatusCode: http.StatusNotFound, Message: "order not found"}
	}
	cp := *o
	b.refreshLegs(&cp)
	return &cp, nil
}

// GetOrderByClientID returns an order by client id, or (nil, nil).
func (b *SimulatorBroker) GetOrderByClientID(_ context.Context, clientOrderID string) (*Order, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id, ok := b.byClient[clientOrderID]
	if !ok {
		return nil, nil
	}
	cp := *b.orders[id]
	b.refreshLegs(&cp)
	return &cp, nil
}

// CancelOrder cancels an open order. Cancelling a filled order fails with a
// 422 as the real API does.
func (b *SimulatorBroker) CancelOrder(_ context.Context, orderID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.Mutations++

	if err := b.CancelErrors[orderID]; err != nil {
		return err
	}
	o, ok := b.orders[orderID]
	if !ok {
		return &APIError{StatusCode: http.StatusNotFound, Message: "order not found"}
	}
	if o.Status == domain.OrderStatusFilled {
		return &APIError{StatusCode: http.StatusUnprocessableEntity, Message: "order is already filled"}
	}
	if o.Status.IsTerminal() {
		return &APIError{StatusCode: http.StatusUnprocessableEntity, Message: fmt.Sprintf("order is %s", o.Status)}
	}
	o.Status = domain.OrderStatusCanceled
	return nil
}

// Calendar returns weekday sessions in [start, end].
func (b *SimulatorBroker) Calendar(_ context.Context, start, end time.Time) ([]string, error) {
	cal := util.NewTradingCalendar()
	var out []string
	for d := start; !d.After(end); d = d.AddDate(0, 0, 1) {
		if cal.IsSession(d) {
			out = append(out, d.Format(domain.DateLayout))
		}
	}
	return out, nil
}

func (b *SimulatorBroker) newID() string {
	b.nextID++
	return fmt.Sprintf("sim-%04d", b.nextID)
}

// fill marks o filled and applies it to positions. Callers hold mu.
func (b *SimulatorBroker) fill(o *Order, price float64) {
	p := price
	o.Status = domain.OrderStatusFilled
	o.FilledQty = o.Qty
	o.FilledAvgPrice = &p

	pos, ok := b.positions[o.Symbol]
	if !ok {
		pos = &domain.BrokerPosition{Symbol: o.Symbol}
		b.positions[o.Symbol] = pos
	}
	switch o.Side {
	case domain.OrderSideBuy:
		cost := pos.AvgEntryPrice*float64(pos.Qty) + price*float64(o.Qty)
		pos.Qty += o.Qty
		if pos.Qty > 0 {
			pos.AvgEntryPrice = cost / float64(pos.Qty)
		}
	case domain.OrderSideSell:
		pos.Qty -= o.Qty
	}
	pos.CurrentPrice = price
	pos.MarketValue = price * float64(pos.Qty)
	if pos.Qty == 0 {
		delete(b.positions, o.Symbol)
	}
}

// refreshLegs copies current leg state into a returned bracket parent.
func (b *SimulatorBroker) refreshLegs(o *Order) {
	if len(o.Legs) == 0 {
		return
	}
	legs := make([]Order, len(o.Legs))
	for i, l := range o.Legs {
		if cur, ok := b.orders[l.ID]; ok {
			legs[i] = *cur
		} else {
			legs[i] = l
		}
	}
	o.Legs = legs
}
