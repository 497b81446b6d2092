package broker

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradepipe/internal/domain"
)

func TestAlpacaBrokerRequiresPaperEndpoint(t *testing.T) {
	_, err := NewAlpacaBroker(AlpacaConfig{APIKey: "k", APISecret: "s", BaseURL: "https://api.alpaca.markets"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrLiveEndpoint))

	b, err := NewAlpacaBroker(AlpacaConfig{APIKey: "k", APISecret: "s", BaseURL: "https://paper-api.alpaca.markets"})
	require.NoError(t, err)
	assert.Equal(t, "alpaca", b.Name())

	_, err = NewAlpacaBroker(AlpacaConfig{APIKey: "k", APISecret: "s", BaseURL: "https://api.alpaca.markets", AllowLive: true})
	assert.NoError(t, err)
}

func TestAlpacaEntryWithStopIsOTO(t *testing.T) {
	var body map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/v2/orders" {
			http.NotFound(w, r)
			return
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"o-1","client_order_id":"20260217_NVDA_entry_buy","symbol":"NVDA",
			"order_class":"oto","type":"market","side":"buy","time_in_force":"day","status":"accepted",
			"qty":"66","filled_qty":"0",
			"legs":[{"id":"o-2","symbol":"NVDA","order_class":"oto","type":"stop","side":"sell",
				"time_in_force":"gtc","status":"held","qty":"66","filled_qty":"0","stop_price":"135"}]}`))
	}))
	defer srv.Close()

	b, err := NewAlpacaBroker(AlpacaConfig{APIKey: "k", APISecret: "s", BaseURL: srv.URL, AllowLive: true})
	require.NoError(t, err)

	o, err := b.PlaceBracketOrder(context.Background(), BracketRequest{
		ClientOrderID: "20260217_NVDA_entry_buy", Symbol: "NVDA", Qty: 66,
		Side: domain.OrderSideBuy, TimeInForce: domain.TimeInForceDay, StopLossPrice: 135,
	})
	require.NoError(t, err)

	assert.Equal(t, "oto", body["order_class"])
	assert.Nil(t, body["take_profit"])
	stopLoss, ok := body["stop_loss"].(map[string]any)
	require.True(t, ok, "stop_loss leg missing: %v", body)
	assert.Equal(t, "135", stopLoss["stop_price"])

	require.NotNil(t, o.StopLeg())
	assert.Equal(t, "o-2", o.StopLeg().ID)
	assert.Equal(t, 135.0, *o.StopLeg().StopPrice)
}

func TestErrorClassification(t *testing.T) {
	notFound := &APIError{StatusCode: http.StatusNotFound, Message: "order not found"}
	assert.True(t, IsNotFound(notFound))
	assert.True(t, IsNotFound(errors.Join(errors.New("ctx"), notFound)))
	assert.False(t, IsNotFound(errors.New("boom")))

	assert.True(t, IsAlreadyFilled(&APIError{StatusCode: http.StatusUnprocessableEntity, Message: "order is not cancelable"}))
	assert.True(t, IsAlreadyFilled(errors.New("order already filled")))
	assert.False(t, IsAlreadyFilled(errors.New("timeout")))
	assert.False(t, IsAlreadyFilled(nil))
}

func TestSimulatorBrokerName(t *testing.T) {
	b := NewSimulatorBroker(time.Now())
	if got := b.Name(); got != "simulator" {
		t.Errorf("SimulatorBroker.Name() = %q, want %q", got, "simulator")
	}
}

func TestSimulatorMarketOrderFills(t *testing.T) {
	ctx := context.Background()
	b := NewSimulatorBroker(time.Now())
	b.SetPrice("NVDA", 192)

	o, err := b.PlaceOrder(ctx, OrderRequest{
		ClientOrderID: "20260217_NVDA_entry_buy", Symbol: "NVDA", Qty: 52,
		Side: domain.OrderSideBuy, Type: domain.OrderTypeMarket, TimeInForce: domain.TimeInForceDay,
	})
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusFilled, o.Status)
	assert.Equal(t, 192.0, *o.FilledAvgPrice)

	positions, err := b.GetPositions(ctx)
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.Equal(t, 52, positions[0].Qty)

	// Duplicate client ids are rejected by the broker.
	_, err = b.PlaceOrder(ctx, OrderRequest{ClientOrderID: "20260217_NVDA_entry_buy", Symbol: "NVDA", Qty: 1, Side: domain.OrderSideBuy, Type: domain.OrderTypeMarket})
	require.Error(t, err)

	got, err := b.GetOrderByClientID(ctx, "missing")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestSimulatorBracketAndCancel(t *testing.T) {
	ctx := context.Background()
	b := NewSimulatorBroker(time.Now())
	b.SetPrice("TSM", 200)

	o, err := b.PlaceBracketOrder(ctx, BracketRequest{
		ClientOrderID: "20260217_TSM_entry_buy", Symbol: "TSM", Qty: 50,
		Side: domain.OrderSideBuy, TimeInForce: domain.TimeInForceDay, StopLossPrice: 180,
	})
	require.NoError(t, err)
	leg := o.StopLeg()
	require.NotNil(t, leg)
	assert.Equal(t, 180.0, *leg.StopPrice)

	require.NoError(t, b.FillOrder(leg.ID, 179.5))
	err = b.CancelOrder(ctx, leg.ID)
	require.Error(t, err)
	assert.True(t, IsAlreadyFilled(err))

	parent, err := b.GetOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusFilled, parent.StopLeg().Status)

	b.RejectBrackets = true
	_, err = b.PlaceBracketOrder(ctx, BracketRequest{ClientOrderID: "x", Symbol: "TSM", Qty: 1, Side: domain.OrderSideBuy})
	assert.Error(t, err)
	assert.Equal(t, 3, b.Mutations)
}
