// Package broker provides the brokerage REST boundary. It includes the
// Alpaca API client used against the paper-trading account and a circuit
// breaker wrapper for it.
package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/paperdesk/rebalancer/internal/models"
)

const (
	paperBaseURL    = "https://paper-api.alpaca.markets"
	liveBaseURL     = "https://api.alpaca.markets"
	defaultDataURL  = "https://data.alpaca.markets"
	defaultTimeout  = 10 * time.Second
	maxErrorBodyLen = 64 << 10 // 64KB cap to avoid huge payloads
)

// APIError represents an API error with status code and response body.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error %d: %s", e.Status, e.Body)
}

// AlpacaAPI is a thin client over the Alpaca trading and market-data REST
// endpoints. Numeric account and position fields are passed through as the
// strings the API sends; parsing them is the snapshot reader's job.
type AlpacaAPI struct {
	client  *http.Client
	keyID   string
	secret  string
	baseURL string
	dataURL string
	paper   bool
}

// NewAlpacaAPI creates a new AlpacaAPI client with default settings.
func NewAlpacaAPI(keyID, secret string, paper bool) *AlpacaAPI {
	return NewAlpacaAPIWithURLs(keyID, secret, paper, "", "")
}

// NewAlpacaAPIWithURLs creates a client with custom base/data URLs, used by
// tests to point at a local server.
func NewAlpacaAPIWithURLs(keyID, secret string, paper bool, baseURL, dataURL string) *AlpacaAPI {
	if baseURL == "" {
		if paper {
			baseURL = paperBaseURL
		} else {
			baseURL = liveBaseURL
		}
	}
	if dataURL == "" {
		dataURL = defaultDataURL
	}
	return &AlpacaAPI{
		client:  &http.Client{Timeout: defaultTimeout},
		keyID:   keyID,
		secret:  secret,
		baseURL: strings.TrimRight(baseURL, "/"),
		dataURL: strings.TrimRight(dataURL, "/"),
		paper:   paper,
	}
}

// WithHTTPClient allows overriding the HTTP client (tests, custom transport).
func (a *AlpacaAPI) WithHTTPClient(c *http.Client) *AlpacaAPI {
	if c != nil {
		a.client = c
	}
	return a
}

// ============ API Response Structures ============

// RawAccount is the account record as Alpaca sends it: every numeric field
// is a string and may be missing on a degraded response.
type RawAccount struct {
	ID             string `json:"id"`
	Status         string `json:"status"`
	Currency       string `json:"currency"`
	Cash           string `json:"cash"`
	PortfolioValue string `json:"portfolio_value"`
	Equity         string `json:"equity"`
	BuyingPower    string `json:"buying_power"`
}

// RawPosition is one open position as Alpaca sends it, string-encoded.
type RawPosition struct {
	Symbol         string `json:"symbol"`
	Qty            string `json:"qty"`
	MarketValue    string `json:"market_value"`
	AvgEntryPrice  string `json:"avg_entry_price"`
	CurrentPrice   string `json:"current_price"`
	UnrealizedPnL  string `json:"unrealized_pl"`
	UnrealizedPLPC string `json:"unrealized_plpc"`
	Side           string `json:"side"`
	AssetClass     string `json:"asset_class"`
}

// Quote is the latest quote for a symbol from the market-data API.
type Quote struct {
	Symbol   string
	BidPrice float64
	AskPrice float64
}

type stockQuoteResponse struct {
	Symbol string `json:"symbol"`
	Quote  struct {
		BidPrice float64 `json:"bp"`
		AskPrice float64 `json:"ap"`
	} `json:"quote"`
}

type cryptoQuoteResponse struct {
	Quotes map[string]struct {
		BidPrice float64 `json:"bp"`
		AskPrice float64 `json:"ap"`
	} `json:"quotes"`
}

// OrderRequest describes a market order to submit.
type OrderRequest struct {
	Symbol string
	// Qty is used when > 0; otherwise Notional sizes the order in dollars.
	Qty           float64
	Notional      float64
	Side          models.TradeSide
	TimeInForce   string
	ClientOrderID string
}

type orderPayload struct {
	Symbol        string `json:"symbol"`
	Qty           string `json:"qty,omitempty"`
	Notional      string `json:"notional,omitempty"`
	Side          string `json:"side"`
	Type          string `json:"type"`
	TimeInForce   string `json:"time_in_force"`
	ClientOrderID string `json:"client_order_id,omitempty"`
}

// Order is the broker's view of a submitted order.
type Order struct {
	ID            string `json:"id"`
	ClientOrderID string `json:"client_order_id"`
	Symbol        string `json:"symbol"`
	Status        string `json:"status"`
	Side          string `json:"side"`
	Qty           string `json:"qty"`
	Notional      string `json:"notional"`
	FilledQty     string `json:"filled_qty"`
	CreatedAt     string `json:"created_at"`
}

// Clock is the market clock from the trading API.
type Clock struct {
	Timestamp time.Time `json:"timestamp"`
	IsOpen    bool      `json:"is_open"`
	NextOpen  time.Time `json:"next_open"`
	NextClose time.Time `json:"next_close"`
}

// ============ Endpoints ============

// GetAccount retrieves the raw account record.
func (a *AlpacaAPI) GetAccount(ctx context.Context) (*RawAccount, error) {
	var account RawAccount
	if err := a.makeRequestCtx(ctx, http.MethodGet, a.baseURL+"/v2/account", nil, &account); err != nil {
		return nil, err
	}
	return &account, nil
}

// GetPositions retrieves all open positions, string-encoded.
func (a *AlpacaAPI) GetPositions(ctx context.Context) ([]RawPosition, error) {
	var positions []RawPosition
	if err := a.makeRequestCtx(ctx, http.MethodGet, a.baseURL+"/v2/positions", nil, &positions); err != nil {
		return nil, err
	}
	return positions, nil
}

// GetQuote retrieves the latest bid/ask for a symbol. Crypto symbols are
// routed to the crypto data endpoint based on the same suffix heuristic the
// snapshot reader uses for classification.
func (a *AlpacaAPI) GetQuote(ctx context.Context, symbol string) (*Quote, error) {
	if models.ClassifySymbol(symbol) == models.AssetClassCrypto {
		return a.getCryptoQuote(ctx, symbol)
	}
	endpoint := fmt.Sprintf("%s/v2/stocks/%s/quotes/latest", a.dataURL, url.PathEscape(symbol))
	var resp stockQuoteResponse
	if err := a.makeRequestCtx(ctx, http.MethodGet, endpoint, nil, &resp); err != nil {
		return nil, err
	}
	return &Quote{Symbol: symbol, BidPrice: resp.Quote.BidPrice, AskPrice: resp.Quote.AskPrice}, nil
}

func (a *AlpacaAPI) getCryptoQuote(ctx context.Context, symbol string) (*Quote, error) {
	// The crypto data API wants BTC/USD where positions report BTCUSD.
	pair := symbol
	if !strings.Contains(pair, "/") && strings.HasSuffix(pair, "USD") {
		pair = strings.TrimSuffix(pair, "USD") + "/USD"
	}
	endpoint := fmt.Sprintf("%s/v1beta3/crypto/us/latest/quotes?symbols=%s",
		a.dataURL, url.QueryEscape(pair))
	var resp cryptoQuoteResponse
	if err := a.makeRequestCtx(ctx, http.MethodGet, endpoint, nil, &resp); err != nil {
		return nil, err
	}
	q, ok := resp.Quotes[pair]
	if !ok {
		return nil, fmt.Errorf("no quote returned for %s", symbol)
	}
	return &Quote{Symbol: symbol, BidPrice: q.BidPrice, AskPrice: q.AskPrice}, nil
}

// SubmitMarketOrder submits a market order. Exactly one of Qty or Notional
// must be set on the request.
func (a *AlpacaAPI) SubmitMarketOrder(ctx context.Context, req OrderRequest) (*Order, error) {
	if req.Qty <= 0 && req.Notional <= 0 {
		return nil, fmt.Errorf("order for %s has neither quantity nor notional", req.Symbol)
	}
	tif := req.TimeInForce
	if tif == "" {
		tif = "day"
	}
	payload := orderPayload{
		Symbol:        req.Symbol,
		Side:          string(req.Side),
		Type:          "market",
		TimeInForce:   tif,
		ClientOrderID: req.ClientOrderID,
	}
	if req.Qty > 0 {
		payload.Qty = formatDecimal(req.Qty)
	} else {
		payload.Notional = formatDecimal(req.Notional)
	}

	var order Order
	if err := a.makeRequestCtx(ctx, http.MethodPost, a.baseURL+"/v2/orders", payload, &order); err != nil {
		return nil, err
	}
	return &order, nil
}

// GetOrder retrieves the current state of an order by id.
func (a *AlpacaAPI) GetOrder(ctx context.Context, orderID string) (*Order, error) {
	endpoint := a.baseURL + "/v2/orders/" + url.PathEscape(orderID)
	var order Order
	if err := a.makeRequestCtx(ctx, http.MethodGet, endpoint, nil, &order); err != nil {
		return nil, err
	}
	return &order, nil
}

// CancelOrder cancels a single open order.
func (a *AlpacaAPI) CancelOrder(ctx context.Context, orderID string) error {
	endpoint := a.baseURL + "/v2/orders/" + url.PathEscape(orderID)
	return a.makeRequestCtx(ctx, http.MethodDelete, endpoint, nil, nil)
}

// CancelAllOrders cancels every open order on the account.
func (a *AlpacaAPI) CancelAllOrders(ctx context.Context) error {
	return a.makeRequestCtx(ctx, http.MethodDelete, a.baseURL+"/v2/orders", nil, nil)
}

// GetClock retrieves the equity market clock.
func (a *AlpacaAPI) GetClock(ctx context.Context) (*Clock, error) {
	var clock Clock
	if err := a.makeRequestCtx(ctx, http.MethodGet, a.baseURL+"/v2/clock", nil, &clock); err != nil {
		return nil, err
	}
	return &clock, nil
}

// makeRequestCtx makes an HTTP request with context support. A non-nil body
// is JSON-encoded; a non-nil response target is JSON-decoded.
func (a *AlpacaAPI) makeRequestCtx(ctx context.Context, method, endpoint string,
	body interface{}, response interface{}) error {
	var reader io.Reader = http.NoBody
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request body: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Add("Content-Type", "application/json")
	}
	req.Header.Add("APCA-API-KEY-ID", a.keyID)
	req.Header.Add("APCA-API-SECRET-KEY", a.secret)
	req.Header.Add("Accept", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			log.Printf("Failed to close response body: %v", err)
		}
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		errBody, readErr := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyLen))
		if readErr != nil {
			return &APIError{Status: resp.StatusCode,
				Body: fmt.Sprintf("%s %s -> failed to read error body", method, endpoint)}
		}
		if ra := resp.Header.Get("Retry-After"); ra != "" {
			return &APIError{Status: resp.StatusCode,
				Body: fmt.Sprintf("%s %s -> %s (retry-after: %s)", method, endpoint, string(errBody), ra)}
		}
		return &APIError{Status: resp.StatusCode,
			Body: fmt.Sprintf("%s %s -> %s", method, endpoint, string(errBody))}
	}

	if response == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	dec := json.NewDecoder(resp.Body)
	if err := dec.Decode(response); err != nil && err != io.EOF {
		return err
	}
	return nil
}

// formatDecimal renders a float the way the order API expects, without
// exponent notation and without trailing noise.
func formatDecimal(v float64) string {
	s := fmt.Sprintf("%.9f", v)
	s = strings.TrimRight(s, "0")
	s = strings.TrimSuffix(s, ".")
	return s
}
