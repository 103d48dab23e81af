package broker

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
)

// OrderSide is the brokerage-level side of a single-leg option order.
type OrderSide string

const (
	// SideBuyToOpen opens a long leg.
	SideBuyToOpen OrderSide = "buy_to_open"
	// SideSellToOpen opens a short leg.
	SideSellToOpen OrderSide = "sell_to_open"
	// SideBuyToClose closes a short leg.
	SideBuyToClose OrderSide = "buy_to_close"
	// SideSellToClose closes a long leg.
	SideSellToClose OrderSide = "sell_to_close"
)

// Opening reports whether the side increases exposure.
func (s OrderSide) Opening() bool {
	return s == SideBuyToOpen || s == SideSellToOpen
}

// Buying reports whether the side pays the ask (buy) rather than hitting
// the bid (sell).
func (s OrderSide) Buying() bool {
	return s == SideBuyToOpen || s == SideBuyToClose
}

// OrderType selects limit vs market execution.
type OrderType string

const (
	// OrderTypeLimit places a priced order.
	OrderTypeLimit OrderType = "limit"
	// OrderTypeMarket places an unpriced order.
	OrderTypeMarket OrderType = "market"
)

// OptionOrderRequest describes one single-leg option order.
type OptionOrderRequest struct {
	OptionSymbol string
	Side         OrderSide
	Quantity     int
	Type         OrderType
	LimitPrice   float64 // required for limit orders
	Duration     string  // "day" or "gtc"
	Tag          string  // idempotency / audit tag
}

// Broker defines the gateway surface the engine consumes. All calls are
// blocking with the caller's context bounding them.
type Broker interface {
	// Market data
	GetQuote(ctx context.Context, symbol string) (*QuoteItem, error)
	GetExpirations(ctx context.Context, symbol string) ([]string, error)
	GetOptionChain(ctx context.Context, symbol, expiration string, withGreeks bool) ([]Option, error)

	// Account
	GetPositions(ctx context.Context) ([]PositionItem, error)
	GetBalances(ctx context.Context) (*BalanceResponse, error)

	// Orders
	PlaceOptionOrder(ctx context.Context, req OptionOrderRequest) (*OrderResponse, error)
	GetOrderStatus(ctx context.Context, orderID int) (*OrderResponse, error)
	CancelOrder(ctx context.Context, orderID int) error
}

// CircuitBreakerBroker wraps a Broker with an API-level circuit breaker.
// This protects against a flapping gateway at the transport layer; it is
// independent of the trading safety monitor, which halts the strategy.
type CircuitBreakerBroker struct {
	broker  Broker
	breaker *gobreaker.CircuitBreaker
}

// CircuitBreakerSettings configures the API breaker.
type CircuitBreakerSettings struct {
	MaxRequests  uint32        // max requests allowed when half-open
	Interval     time.Duration // counts reset interval
	Timeout      time.Duration // how long the breaker stays open
	MinRequests  uint32        // min requests before tripping
	FailureRatio float64       // trip threshold
}

// NewCircuitBreakerBroker wraps the broker with sensible defaults.
func NewCircuitBreakerBroker(broker Broker, logger *logrus.Logger) *CircuitBreakerBroker {
	return NewCircuitBreakerBrokerWithSettings(broker, logger, CircuitBreakerSettings{
		MaxRequests:  3,
		Interval:     60 * time.Second,
		Timeout:      30 * time.Second,
		MinRequests:  5,
		FailureRatio: 0.6,
	})
}

// NewCircuitBreakerBrokerWithSettings wraps the broker with custom settings.
func NewCircuitBreakerBrokerWithSettings(broker Broker, logger *logrus.Logger,
	settings CircuitBreakerSettings) *CircuitBreakerBroker {
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
			if logger != nil {
				logger.WithFields(logrus.Fields{
					"breaker": name,
					"from":    from.String(),
					"to":      to.String(),
				}).Warn("API circuit breaker state changed")
			}
		},
	}

	return &CircuitBreakerBroker{
		broker:  broker,
		breaker: gobreaker.NewCircuitBreaker(gbSettings),
	}
}

// execCircuitBreaker is a generic helper for breaker wrapper methods.
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

// GetQuote wraps the underlying broker call with the circuit breaker.
func (c *CircuitBreakerBroker) GetQuote(ctx context.Context, symbol string) (*QuoteItem, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) (*QuoteItem, error) {
		return b.GetQuote(ctx, symbol)
	})
}

// GetExpirations wraps the underlying broker call with the circuit breaker.
func (c *CircuitBreakerBroker) GetExpirations(ctx context.Context, symbol string) ([]string, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) ([]string, error) {
		return b.GetExpirations(ctx, symbol)
	})
}

// GetOptionChain wraps the underlying broker call with the circuit breaker.
func (c *CircuitBreakerBroker) GetOptionChain(ctx context.Context, symbol, expiration string,
	withGreeks bool) ([]Option, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) ([]Option, error) {
		return b.GetOptionChain(ctx, symbol, expiration, withGreeks)
	})
}

// GetPositions wraps the underlying broker call with the circuit breaker.
func (c *CircuitBreakerBroker) GetPositions(ctx context.Context) ([]PositionItem, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) ([]PositionItem, error) {
		return b.GetPositions(ctx)
	})
}

// GetBalances wraps the underlying broker call with the circuit breaker.
func (c *CircuitBreakerBroker) GetBalances(ctx context.Context) (*BalanceResponse, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) (*BalanceResponse, error) {
		return b.GetBalances(ctx)
	})
}

// PlaceOptionOrder wraps the underlying broker call with the circuit breaker.
func (c *CircuitBreakerBroker) PlaceOptionOrder(ctx context.Context,
	req OptionOrderRequest) (*OrderResponse, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) (*OrderResponse, error) {
		return b.PlaceOptionOrder(ctx, req)
	})
}

// GetOrderStatus wraps the underlying broker call with the circuit breaker.
func (c *CircuitBreakerBroker) GetOrderStatus(ctx context.Context, orderID int) (*OrderResponse, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) (*OrderResponse, error) {
		return b.GetOrderStatus(ctx, orderID)
	})
}

// CancelOrder wraps the underlying broker call with the circuit breaker.
func (c *CircuitBreakerBroker) CancelOrder(ctx context.Context, orderID int) error {
	_, err := execCircuitBreaker(c.breaker, c.broker, func(b Broker) (struct{}, error) {
		return struct{}{}, b.CancelOrder(ctx, orderID)
	})
	return err
}

// Ensure CircuitBreakerBroker implements Broker at compile time.
var _ Broker = (*CircuitBreakerBroker)(nil)
