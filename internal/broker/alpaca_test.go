package broker

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/paperdesk/rebalancer/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestAPI(t *testing.T, handler http.HandlerFunc) *AlpacaAPI {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewAlpacaAPIWithURLs("test-key", "test-secret", true, srv.URL, srv.URL)
}

func TestGetAccount_SendsAuthHeaders(t *testing.T) {
	api := newTestAPI(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v2/account", r.URL.Path)
		assert.Equal(t, "test-key", r.Header.Get("APCA-API-KEY-ID"))
		assert.Equal(t, "test-secret", r.Header.Get("APCA-API-SECRET-KEY"))
		_, _ = w.Write([]byte(`{"id":"acct-1","cash":"10000","portfolio_value":"100000"}`))
	})

	account, err := api.GetAccount(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "acct-1", account.ID)
	// Numeric fields pass through as strings; parsing is not this layer's job.
	assert.Equal(t, "10000", account.Cash)
	assert.Equal(t, "100000", account.PortfolioValue)
}

func TestGetPositions(t *testing.T) {
	api := newTestAPI(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v2/positions", r.URL.Path)
		_, _ = w.Write([]byte(`[
			{"symbol":"BTCUSD","qty":"1.5","market_value":"60000","asset_class":"crypto"},
			{"symbol":"AAPL","qty":"100","market_value":"oops","asset_class":"us_equity"}
		]`))
	})

	positions, err := api.GetPositions(context.Background())
	require.NoError(t, err)
	require.Len(t, positions, 2)
	assert.Equal(t, "BTCUSD", positions[0].Symbol)
	// Malformed numerics survive the boundary untouched.
	assert.Equal(t, "oops", positions[1].MarketValue)
}

func TestGetQuote_Stock(t *testing.T) {
	api := newTestAPI(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v2/stocks/SPY/quotes/latest", r.URL.Path)
		_, _ = w.Write([]byte(`{"symbol":"SPY","quote":{"bp":449.5,"ap":450.0}}`))
	})

	quote, err := api.GetQuote(context.Background(), "SPY")
	require.NoError(t, err)
	assert.InDelta(t, 449.5, quote.BidPrice, 1e-9)
	assert.InDelta(t, 450.0, quote.AskPrice, 1e-9)
}

func TestGetQuote_CryptoPairMapping(t *testing.T) {
	api := newTestAPI(t, func(w http.ResponseWriter, r *http.Request) {
		// BTCUSD from positions becomes BTC/USD on the crypto data API.
		assert.Equal(t, "/v1beta3/crypto/us/latest/quotes", r.URL.Path)
		assert.Equal(t, "BTC/USD", r.URL.Query().Get("symbols"))
		_, _ = w.Write([]byte(`{"quotes":{"BTC/USD":{"bp":39990,"ap":40000}}}`))
	})

	quote, err := api.GetQuote(context.Background(), "BTCUSD")
	require.NoError(t, err)
	assert.Equal(t, "BTCUSD", quote.Symbol)
	assert.InDelta(t, 40000, quote.AskPrice, 1e-9)
}

func TestSubmitMarketOrder_Payload(t *testing.T) {
	var payload map[string]any
	api := newTestAPI(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v2/orders", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		_, _ = w.Write([]byte(`{"id":"order-1","status":"accepted"}`))
	})

	order, err := api.SubmitMarketOrder(context.Background(), OrderRequest{
		Symbol:        "BTCUSD",
		Qty:           0.025,
		Side:          models.TradeSideBuy,
		TimeInForce:   "gtc",
		ClientOrderID: "client-1",
	})
	require.NoError(t, err)
	assert.Equal(t, "order-1", order.ID)

	assert.Equal(t, "BTCUSD", payload["symbol"])
	assert.Equal(t, "0.025", payload["qty"])
	assert.Equal(t, "buy", payload["side"])
	assert.Equal(t, "market", payload["type"])
	assert.Equal(t, "gtc", payload["time_in_force"])
	assert.Equal(t, "client-1", payload["client_order_id"])
	// Qty orders never carry notional.
	_, hasNotional := payload["notional"]
	assert.False(t, hasNotional)
}

func TestSubmitMarketOrder_NotionalPayload(t *testing.T) {
	var payload map[string]any
	api := newTestAPI(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		_, _ = w.Write([]byte(`{"id":"order-2"}`))
	})

	_, err := api.SubmitMarketOrder(context.Background(), OrderRequest{
		Symbol:   "SPY",
		Notional: 1000,
		Side:     models.TradeSideBuy,
	})
	require.NoError(t, err)
	assert.Equal(t, "1000", payload["notional"])
	assert.Equal(t, "day", payload["time_in_force"])
	_, hasQty := payload["qty"]
	assert.False(t, hasQty)
}

func TestSubmitMarketOrder_RequiresSize(t *testing.T) {
	api := newTestAPI(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("no request should be made")
	})

	_, err := api.SubmitMarketOrder(context.Background(), OrderRequest{
		Symbol: "SPY", Side: models.TradeSideBuy,
	})
	assert.Error(t, err)
}

func TestAPIError_OnBadStatus(t *testing.T) {
	api := newTestAPI(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"message":"insufficient balance"}`))
	})

	_, err := api.GetAccount(context.Background())
	require.Error(t, err)

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusUnprocessableEntity, apiErr.Status)
	assert.Contains(t, apiErr.Body, "insufficient balance")
	assert.True(t, IsPermanentAPIError(err))
}

func TestAPIError_RetryAfterNoted(t *testing.T) {
	api := newTestAPI(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "30")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte("slow down"))
	})

	_, err := api.GetAccount(context.Background())
	require.Error(t, err)

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusTooManyRequests, apiErr.Status)
	assert.Contains(t, apiErr.Body, "retry-after: 30")
	// 429 is transient, not permanent.
	assert.False(t, IsPermanentAPIError(err))
}

func TestCancelOrder(t *testing.T) {
	api := newTestAPI(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodDelete, r.Method)
		assert.Equal(t, "/v2/orders/order-1", r.URL.Path)
		w.WriteHeader(http.StatusNoContent)
	})

	assert.NoError(t, api.CancelOrder(context.Background(), "order-1"))
}

func TestGetClock(t *testing.T) {
	api := newTestAPI(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v2/clock", r.URL.Path)
		_, _ = w.Write([]byte(`{"timestamp":"2026-01-05T10:00:00-05:00","is_open":true}`))
	})

	clock, err := api.GetClock(context.Background())
	require.NoError(t, err)
	assert.True(t, clock.IsOpen)
}

func TestFormatDecimal(t *testing.T) {
	assert.Equal(t, "0.025", formatDecimal(0.025))
	assert.Equal(t, "2", formatDecimal(2))
	assert.Equal(t, "1000", formatDecimal(1000))
	assert.Equal(t, "0.000001", formatDecimal(0.000001))
}

func TestIsPermanentAPIError_NonAPIError(t *testing.T) {
	assert.False(t, IsPermanentAPIError(errors.New("plain error")))
	assert.False(t, IsPermanentAPIError(nil))
}
