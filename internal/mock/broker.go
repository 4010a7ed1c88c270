// Package mock provides a configurable in-memory broker for tests and
// dry runs.
package mock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/paperdesk/rebalancer/internal/broker"
)

// Broker is an in-memory broker.Broker implementation. Responses are set
// up front; every order submission is recorded for assertions.
type Broker struct {
	mu sync.Mutex

	Account   *broker.RawAccount
	Positions []broker.RawPosition
	Quotes    map[string]broker.Quote
	Clock     broker.Clock

	// Errors to inject, keyed by operation.
	AccountErr   error
	PositionsErr error
	QuoteErr     error
	SubmitErr    error
	ClockErr     error

	// FailSymbols makes submission fail for specific symbols only.
	FailSymbols map[string]error

	Submitted []broker.OrderRequest
	Canceled  []string

	nextOrderID int
}

// Ensure Broker implements broker.Broker.
var _ broker.Broker = (*Broker)(nil)

// NewBroker returns a mock with a healthy default account and an open market.
func NewBroker() *Broker {
	return &Broker{
		Account: &broker.RawAccount{
			ID:             "mock-account",
			Status:         "ACTIVE",
			Currency:       "USD",
			Cash:           "10000",
			PortfolioValue: "100000",
			Equity:         "100000",
		},
		Quotes: make(map[string]broker.Quote),
		Clock:  broker.Clock{Timestamp: time.Now(), IsOpen: true},
	}
}

// GetAccount returns the configured account record.
func (m *Broker) GetAccount(_ context.Context) (*broker.RawAccount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.AccountErr != nil {
		return nil, m.AccountErr
	}
	return m.Account, nil
}

// GetPositions returns the configured positions.
func (m *Broker) GetPositions(_ context.Context) ([]broker.RawPosition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.PositionsErr != nil {
		return nil, m.PositionsErr
	}
	return m.Positions, nil
}

// GetQuote returns the configured quote for a symbol.
func (m *Broker) GetQuote(_ context.Context, symbol string) (*broker.Quote, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.QuoteErr != nil {
		return nil, m.QuoteErr
	}
	q, ok := m.Quotes[symbol]
	if !ok {
		return nil, fmt.Errorf("no quote configured for %s", symbol)
	}
	return &q, nil
}

// GetClock returns the configured market clock.
func (m *Broker) GetClock(_ context.Context) (*broker.Clock, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ClockErr != nil {
		return nil, m.ClockErr
	}
	clock := m.Clock
	return &clock, nil
}

// SubmitMarketOrder records the request and returns a synthetic order.
func (m *Broker) SubmitMarketOrder(_ context.Context, req broker.OrderRequest) (*broker.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.SubmitErr != nil {
		return nil, m.SubmitErr
	}
	if err, ok := m.FailSymbols[req.Symbol]; ok {
		return nil, err
	}
	m.Submitted = append(m.Submitted, req)
	m.nextOrderID++
	return &broker.Order{
		ID:            fmt.Sprintf("mock-order-%d", m.nextOrderID),
		ClientOrderID: req.ClientOrderID,
		Symbol:        req.Symbol,
		Status:        "accepted",
		Side:          string(req.Side),
	}, nil
}

// GetOrder reports every known order as filled.
func (m *Broker) GetOrder(_ context.Context, orderID string) (*broker.Order, error) {
	return &broker.Order{ID: orderID, Status: "filled"}, nil
}

// CancelOrder records the cancellation.
func (m *Broker) CancelOrder(_ context.Context, orderID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Canceled = append(m.Canceled, orderID)
	return nil
}

// CancelAllOrders records a wildcard cancellation.
func (m *Broker) CancelAllOrders(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Canceled = append(m.Canceled, "*")
	return nil
}

// SubmittedSymbols returns the symbols of all recorded submissions in order.
func (m *Broker) SubmittedSymbols() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.Submitted))
	for i := range m.Submitted {
		out[i] = m.Submitted[i].Symbol
	}
	return out
}
