package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/shopspring/decimal"

	"tradepipe/internal/domain"
	"tradepipe/internal/util"
)

// Compile-time interface check.
var _ Broker = (*AlpacaBroker)(nil)

// AlpacaConfig holds credentials and endpoint settings for AlpacaBroker.
type AlpacaConfig struct {
	APIKey          string
	APISecret       string
	BaseURL         string
	AllowLive       bool
	RateLimitPerMin int
	Timeout         time.Duration
}

// AlpacaBroker implements the Broker interface using the Alpaca trading API.
type AlpacaBroker struct {
	client  *alpaca.Client
	limiter *util.RateLimiter
	log     *slog.Logger
}

// NewAlpacaBroker creates an AlpacaBroker. It fails with ErrLiveEndpoint
// when BaseURL is not a paper endpoint and AllowLive is false.
func NewAlpacaBroker(cfg AlpacaConfig) (*AlpacaBroker, error) {
	if err := CheckEndpoint(cfg.BaseURL, cfg.AllowLive); err != nil {
		return nil, err
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	log := slog.Default().With("component", "alpaca-broker")
	if cfg.AllowLive {
		log.Warn("live trading endpoint allowed", "base_url", cfg.BaseURL)
	}
	return &AlpacaBroker{
		client: alpaca.NewClient(alpaca.ClientOpts{
			APIKey:     cfg.APIKey,
			APISecret:  cfg.APISecret,
			BaseURL:    cfg.BaseURL,
			HTTPClient: &http.Client{Timeout: timeout},
		}),
		limiter: util.NewRateLimiter(cfg.RateLimitPerMin),
		log:     log,
	}, nil
}

// Name returns "alpaca".
func (b *AlpacaBroker) Name() string {
	return "alpaca"
}

func (b *AlpacaBroker) wait(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return b.limiter.Wait(ctx)
}

// GetAccount returns the current account information.
func (b *AlpacaBroker) GetAccount(ctx context.Context) (*domain.AccountInfo, error) {
	if err := b.wait(ctx); err != nil {
		return nil, err
	}
	acct, err := b.client.GetAccount()
	if err != nil {
		return nil, fmt.Errorf("GetAccount: %w", wrapAPIError(err))
	}
	return &domain.AccountInfo{
		ID:          acct.ID,
		Status:      acct.Status,
		Equity:      acct.Equity.InexactFloat64(),
		Cash:        acct.Cash.InexactFloat64(),
		BuyingPower: acct.BuyingPower.InexactFloat64(),
	}, nil
}

// GetPositions returns all open positions in the account.
func (b *AlpacaBroker) GetPositions(ctx context.Context) ([]domain.BrokerPosition, error) {
	if err := b.wait(ctx); err != nil {
		return nil, err
	}
	positions, err := b.client.GetPositions()
	if err != nil {
		return nil, fmt.Errorf("GetPositions: %w", wrapAPIError(err))
	}
	out := make([]domain.BrokerPosition, 0, len(positions))
	for _, p := range positions {
		out = append(out, domain.BrokerPosition{
			Symbol:        p.Symbol,
			Qty:           int(p.Qty.IntPart()),
			AvgEntryPrice: p.AvgEntryPrice.InexactFloat64(),
			CurrentPrice:  decimalValue(p.CurrentPrice),
			MarketValue:   decimalValue(p.MarketValue),
			UnrealizedPL:  decimalValue(p.UnrealizedPL),
		})
	}
	return out, nil
}

// GetClock returns the market clock.
func (b *AlpacaBroker) GetClock(ctx context.Context) (*domain.Clock, error) {
	if err := b.wait(ctx); err != nil {
		return nil, err
	}
	c, err := b.client.GetClock()
	if err != nil {
		return nil, fmt.Errorf("GetClock: %w", wrapAPIError(err))
	}
	return &domain.Clock{
		Timestamp: c.Timestamp,
		IsOpen:    c.IsOpen,
		NextOpen:  c.NextOpen,
		NextClose: c.NextClose,
	}, nil
}

// PlaceOrder submits a single order.
func (b *AlpacaBroker) PlaceOrder(ctx context.Context, req OrderRequest) (*Order, error) {
	if err := b.wait(ctx); err != nil {
		return nil, err
	}
	qty := decimal.NewFromInt(int64(req.Qty))
	r := alpaca.PlaceOrderRequest{
		Symbol:        req.Symbol,
		Qty:           &qty,
		Side:          alpaca.Side(req.Side),
		Type:          alpaca.OrderType(req.Type),
		TimeInForce:   alpaca.TimeInForce(req.TimeInForce),
		ClientOrderID: req.ClientOrderID,
	}
	if req.StopPrice != nil {
		sp := decimal.NewFromFloat(*req.StopPrice).Round(2)
		r.StopPrice = &sp
	}
	o, err := b.client.PlaceOrder(r)
	if err != nil {
		return nil, fmt.Errorf("PlaceOrder %s: %w", req.ClientOrderID, wrapAPIError(err))
	}
	b.log.Info("order placed", "client_order_id", req.ClientOrderID, "symbol", req.Symbol,
		"side", req.Side, "type", req.Type, "qty", req.Qty)
	return convertOrder(o), nil
}

// PlaceBracketOrder submits a market entry with an attached stop-loss leg as
// a one-triggers-other order. Alpaca's bracket class requires a take-profit
// leg as well, which entries here never carry.
func (b *AlpacaBroker) PlaceBracketOrder(ctx context.Context, req BracketRequest) (*Order, error) {
	if err := b.wait(ctx); err != nil {
		return nil, err
	}
	qty := decimal.NewFromInt(int64(req.Qty))
	stop := decimal.NewFromFloat(req.StopLossPrice).Round(2)
	o, err := b.client.PlaceOrder(alpaca.PlaceOrderRequest{
		Symbol:        req.Symbol,
		Qty:           &qty,
		Side:          alpaca.Side(req.Side),
		Type:          alpaca.Market,
		TimeInForce:   alpaca.TimeInForce(req.TimeInForce),
		ClientOrderID: req.ClientOrderID,
		OrderClass:    alpaca.OTO,
		StopLoss:      &alpaca.StopLoss{StopPrice: &stop},
	})
	if err != nil {
		return nil, fmt.Errorf("PlaceBracketOrder %s: %w", req.ClientOrderID, wrapAPIError(err))
	}
	b.log.Info("oto order placed", "client_order_id", req.ClientOrderID, "symbol", req.Symbol,
		"qty", req.Qty, "stop", stop.String())
	return convertOrder(o), nil
}

// GetOrder returns an order by broker id.
func (b *AlpacaBroker) GetOrder(ctx context.Context, orderID string) (*Order, error) {
	if err := b.wait(ctx); err != nil {
		return nil, err
	}
	o, err := b.client.GetOrder(orderID)
	if err != nil {
		return nil, fmt.Errorf("GetOrder %s: %w", orderID, wrapAPIError(err))
	}
	return convertOrder(o), nil
}

// GetOrderByClientID returns an order by client order id. A 404 yields
// (nil, nil).
func (b *AlpacaBroker) GetOrderByClientID(ctx context.Context, clientOrderID string) (*Order, error) {
	if err := b.wait(ctx); err != nil {
		return nil, err
	}
	o, err := b.client.GetOrderByClientOrderID(clientOrderID)
	if err != nil {
		wrapped := wrapAPIError(err)
		if IsNotFound(wrapped) {
			return nil, nil
		}
		return nil, fmt.Errorf("GetOrderByClientOrderID %s: %w", clientOrderID, wrapped)
	}
	return convertOrder(o), nil
}

// CancelOrder requests cancellation of an open order.
func (b *AlpacaBroker) CancelOrder(ctx context.Context, orderID string) error {
	if err := b.wait(ctx); err != nil {
		return err
	}
	if err := b.client.CancelOrder(orderID); err != nil {
		return fmt.Errorf("CancelOrder %s: %w", orderID, wrapAPIError(err))
	}
	return nil
}

// Calendar returns the trading session dates in [start, end].
func (b *AlpacaBroker) Calendar(ctx context.Context, start, end time.Time) ([]string, error) {
	if err := b.wait(ctx); err != nil {
		return nil, err
	}
	days, err := b.client.GetCalendar(alpaca.GetCalendarRequest{Start: start, End: end})
	if err != nil {
		return nil, fmt.Errorf("GetCalendar: %w", wrapAPIError(err))
	}
	out := make([]string, 0, len(days))
	for _, d := range days {
		out = append(out, d.Date)
	}
	return out, nil
}

// ---------------------------------------------------------------------------
// Conversion helpers
// ---------------------------------------------------------------------------

func wrapAPIError(err error) error {
	var apiErr *alpaca.APIError
	if errors.As(err, &apiErr) {
		return &APIError{StatusCode: apiErr.StatusCode, Code: apiErr.Code, Message: apiErr.Message}
	}
	return err
}

func convertOrder(o *alpaca.Order) *Order {
	if o == nil {
		return nil
	}
	out := &Order{
		ID:             o.ID,
		ClientOrderID:  o.ClientOrderID,
		Symbol:         o.Symbol,
		Side:           domain.OrderSide(o.Side),
		Type:           domain.OrderType(o.Type),
		TimeInForce:    domain.TimeInForce(o.TimeInForce),
		Status:         domain.OrderStatus(o.Status),
		FilledQty:      int(o.FilledQty.IntPart()),
		FilledAvgPrice: decimalPtr(o.FilledAvgPrice),
		StopPrice:      decimalPtr(o.StopPrice),
	}
	if o.Qty != nil {
		out.Qty = int(o.Qty.IntPart())
	}
	for i := range o.Legs {
		out.Legs = append(out.Legs, *convertOrder(&o.Legs[i]))
	}
	return out
}

func decimalPtr(d *decimal.Decimal) *float64 {
	if d == nil {
		return nil
	}
	f := d.InexactFloat64()
	return &f
}

func decimalValue(d *decimal.Decimal) float64 {
	if d == nil {
		return 0
	}
	return d.InexactFloat64()
}
