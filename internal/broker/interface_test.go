package broker

import (
	"context"
	"errors"
	"testing"
	"time"
)

// stubBroker fails every call until failing is cleared.
type stubBroker struct {
	failing bool
	calls   int
}

var errGateway = errors.New("gateway unavailable")

func (s *stubBroker) GetQuote(ctx context.Context, symbol string) (*QuoteItem, error) {
	s.calls++
	if s.failing {
		return nil, errGateway
	}
	return &QuoteItem{Symbol: symbol, Bid: 1.00, Ask: 1.10}, nil
}

func (s *stubBroker) GetExpirations(ctx context.Context, symbol string) ([]string, error) {
	return []string{"2026-09-04"}, nil
}

func (s *stubBroker) GetOptionChain(ctx context.Context, symbol, expiration string, withGreeks bool) ([]Option, error) {
	return nil, nil
}

func (s *stubBroker) GetPositions(ctx context.Context) ([]PositionItem, error) {
	return nil, nil
}

func (s *stubBroker) GetBalances(ctx context.Context) (*BalanceResponse, error) {
	return &BalanceResponse{}, nil
}

func (s *stubBroker) PlaceOptionOrder(ctx context.Context, req OptionOrderRequest) (*OrderResponse, error) {
	return &OrderResponse{}, nil
}

func (s *stubBroker) GetOrderStatus(ctx context.Context, orderID int) (*OrderResponse, error) {
	return &OrderResponse{}, nil
}

func (s *stubBroker) CancelOrder(ctx context.Context, orderID int) error {
	s.calls++
	if s.failing {
		return errGateway
	}
	return nil
}

func TestCircuitBreakerPassesThrough(t *testing.T) {
	stub := &stubBroker{}
	cb := NewCircuitBreakerBroker(stub, nil)

	quote, err := cb.GetQuote(context.Background(), "SPY")
	if err != nil {
		t.Fatalf("GetQuote failed: %v", err)
	}
	if quote.Symbol != "SPY" || quote.Bid != 1.00 {
		t.Errorf("unexpected quote: %+v", quote)
	}

	if err := cb.CancelOrder(context.Background(), 1); err != nil {
		t.Errorf("CancelOrder failed: %v", err)
	}
}

func TestCircuitBreakerTripsAfterRepeatedFailures(t *testing.T) {
	stub := &stubBroker{failing: true}
	cb := NewCircuitBreakerBrokerWithSettings(stub, nil, CircuitBreakerSettings{
		MaxRequests:  1,
		Interval:     time.Minute,
		Timeout:      time.Minute,
		MinRequests:  5,
		FailureRatio: 0.6,
	})

	for i := 0; i < 5; i++ {
		if _, err := cb.GetQuote(context.Background(), "SPY"); !errors.Is(err, errGateway) {
			t.Fatalf("call %d: expected gateway error, got %v", i, err)
		}
	}

	callsBefore := stub.calls
	_, err := cb.GetQuote(context.Background(), "SPY")
	if err == nil {
		t.Fatal("expected open breaker to reject the call")
	}
	if errors.Is(err, errGateway) {
		t.Fatal("open breaker should fail fast, not reach the gateway")
	}
	if stub.calls != callsBefore {
		t.Errorf("open breaker still forwarded the call (%d -> %d)", callsBefore, stub.calls)
	}
}
