package broker

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/sony/gobreaker"
)

// Broker defines the interface for interacting with a brokerage. The
// decision pipeline only ever sees this interface; concrete clients are
// injected at startup, never constructed at package scope.
type Broker interface {
	// Account operations
	GetAccount(ctx context.Context) (*RawAccount, error)
	GetPositions(ctx context.Context) ([]RawPosition, error)

	// Market data
	GetQuote(ctx context.Context, symbol string) (*Quote, error)
	GetClock(ctx context.Context) (*Clock, error)

	// Order operations
	SubmitMarketOrder(ctx context.Context, req OrderRequest) (*Order, error)
	GetOrder(ctx context.Context, orderID string) (*Order, error)
	CancelOrder(ctx context.Context, orderID string) error
	CancelAllOrders(ctx context.Context) error
}

// Ensure AlpacaAPI implements Broker at compile time.
var _ Broker = (*AlpacaAPI)(nil)

// IsPermanentAPIError checks if an error is a permanent API error, i.e. a
// 4xx other than 429 Too Many Requests. Permanent errors are not worth
// retrying.
func IsPermanentAPIError(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status >= 400 && apiErr.Status < 500 && apiErr.Status != 429
	}
	return false
}

// CircuitBreakerBroker wraps a Broker with circuit breaker functionality
type CircuitBreakerBroker struct {
	broker  Broker
	breaker *gobreaker.CircuitBreaker
}

// execCircuitBreaker is a generic helper for circuit breaker wrapper methods
func execCircuitBreaker[T any](
	breaker *gobreaker.CircuitBreaker,
	broker Broker,
	fn func(Broker) (T, error),
) (T, error) {
	var zero T
	res, err := breaker.Execute(func() (interface{}, error) { return fn(broker) })
	if err != nil {
		return zero, err
	}
	if res == nil {
		return zero, nil
	}
	v, ok := res.(T)
	if !ok {
		return zero, errors.New("circuit breaker: type assertion failed")
	}
	return v, nil
}

// CircuitBreakerSettings configures circuit breaker behavior
type CircuitBreakerSettings struct {
	MaxRequests  uint32        // Max requests when half-open
	Interval     time.Duration // Reset counts interval
	Timeout      time.Duration // Open circuit duration
	MinRequests  uint32        // Min requests before tripping
	FailureRatio float64       // Failure ratio threshold
}

// NewCircuitBreakerBroker creates a new CircuitBreakerBroker with sensible defaults
func NewCircuitBreakerBroker(broker Broker) *CircuitBreakerBroker {
	return NewCircuitBreakerBrokerWithSettings(broker, CircuitBreakerSettings{
		MaxRequests:  3,                // Allow 3 requests when half-open
		Interval:     60 * time.Second, // Reset counts every minute
		Timeout:      30 * time.Second, // Open circuit for 30 seconds
		MinRequests:  5,                // Minimum requests before tripping
		FailureRatio: 0.6,              // Trip if 60% failure rate
	})
}

// NewCircuitBreakerBrokerWithSettings creates a CircuitBreakerBroker with custom settings
func NewCircuitBreakerBrokerWithSettings(broker Broker, settings CircuitBreakerSettings) *CircuitBreakerBroker {
	gbSettings := gobreaker.Settings{
		Name:        "BrokerCircuitBreaker",
		MaxRequests: settings.MaxRequests,
		Interval:    settings.Interval,
		Timeout:     settings.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests == 0 || counts.Requests < settings.MinRequests {
				return false
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return failureRatio >= settings.FailureRatio
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			log.Printf("Circuit breaker %s state changed from %s to %s", name, from, to)
		},
	}

	return &CircuitBreakerBroker{
		broker:  broker,
		breaker: gobreaker.NewCircuitBreaker(gbSettings),
	}
}

// Ensure CircuitBreakerBroker implements Broker at compile time.
var _ Broker = (*CircuitBreakerBroker)(nil)

// GetAccount wraps the underlying broker call with circuit breaker
func (c *CircuitBreakerBroker) GetAccount(ctx context.Context) (*RawAccount, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) (*RawAccount, error) {
		return b.GetAccount(ctx)
	})
}

// GetPositions wraps the underlying broker call with circuit breaker
func (c *CircuitBreakerBroker) GetPositions(ctx context.Context) ([]RawPosition, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) ([]RawPosition, error) {
		return b.GetPositions(ctx)
	})
}

// GetQuote wraps the underlying broker call with circuit breaker
func (c *CircuitBreakerBroker) GetQuote(ctx context.Context, symbol string) (*Quote, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) (*Quote, error) {
		return b.GetQuote(ctx, symbol)
	})
}

// GetClock wraps the underlying broker call with circuit breaker
func (c *CircuitBreakerBroker) GetClock(ctx context.Context) (*Clock, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) (*Clock, error) {
		return b.GetClock(ctx)
	})
}

// SubmitMarketOrder wraps the underlying broker call with circuit breaker
func (c *CircuitBreakerBroker) SubmitMarketOrder(ctx context.Context, req OrderRequest) (*Order, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) (*Order, error) {
		return b.SubmitMarketOrder(ctx, req)
	})
}

// GetOrder wraps the underlying broker call with circuit breaker
func (c *CircuitBreakerBroker) GetOrder(ctx context.Context, orderID string) (*Order, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) (*Order, error) {
		return b.GetOrder(ctx, orderID)
	})
}

// CancelOrder wraps the underlying broker call with circuit breaker
func (c *CircuitBreakerBroker) CancelOrder(ctx context.Context, orderID string) error {
	_, err := execCircuitBreaker(c.breaker, c.broker, func(b Broker) (struct{}, error) {
		return struct{}{}, b.CancelOrder(ctx, orderID)
	})
	return err
}

// CancelAllOrders wraps the underlying broker call with circuit breaker
func (c *CircuitBreakerBroker) CancelAllOrders(ctx context.Context) error {
	_, err := execCircuitBreaker(c.breaker, c.broker, func(b Broker) (struct{}, error) {
		return struct{}{}, b.CancelAllOrders(ctx)
	})
	return err
}
