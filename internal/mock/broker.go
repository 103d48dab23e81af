// Package mock provides a scriptable in-memory Broker for tests.
package mock

import (
	"context"
	"fmt"
	"sync"

	"github.com/eddiefleurent/schrute_spreads/internal/broker"
)

// PlaceResult scripts one PlaceOptionOrder outcome.
type PlaceResult struct {
	Resp *broker.OrderResponse
	Err  error
}

// Broker is a scriptable broker.Broker. Zero value is usable; script fields
// may be set between calls. All methods are safe for concurrent use.
type Broker struct {
	mu sync.Mutex

	Quotes      map[string]*broker.QuoteItem
	QuoteErr    error
	Chains      map[string][]broker.Option // keyed by symbol + "|" + expiration
	Expirations []string
	Positions   []broker.PositionItem
	PositionErr error
	Balances    *broker.BalanceResponse

	// PlaceResults are consumed in order; when exhausted, orders fill
	// immediately at their limit price.
	PlaceResults  []PlaceResult
	PlacedOrders  []broker.OptionOrderRequest
	OrderStatuses map[int]*broker.OrderResponse
	CancelErrs    map[int]error
	Canceled      []int

	nextOrderID int
}

// NewBroker returns an empty scriptable broker.
func NewBroker() *Broker {
	return &Broker{
		Quotes:        make(map[string]*broker.QuoteItem),
		Chains:        make(map[string][]broker.Option),
		OrderStatuses: make(map[int]*broker.OrderResponse),
		CancelErrs:    make(map[int]error),
	}
}

// SetQuote scripts the quote for a symbol.
func (b *Broker) SetQuote(symbol string, bid, ask, last float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.Quotes[symbol] = &broker.QuoteItem{Symbol: symbol, Bid: bid, Ask: ask, Last: last}
}

// SetChain scripts the option chain for a symbol and expiration.
func (b *Broker) SetChain(symbol, expiration string, options []broker.Option) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.Chains[symbol+"|"+expiration] = options
}

// SetPositions scripts the account positions.
func (b *Broker) SetPositions(positions []broker.PositionItem) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.Positions = positions
}

// QueuePlaceResult appends a scripted order placement outcome.
func (b *Broker) QueuePlaceResult(r PlaceResult) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.PlaceResults = append(b.PlaceResults, r)
}

// PlacedCount returns how many orders were submitted.
func (b *Broker) PlacedCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.PlacedOrders)
}

// LastPlaced returns the most recent order request, or nil.
func (b *Broker) LastPlaced() *broker.OptionOrderRequest {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.PlacedOrders) == 0 {
		return nil
	}
	req := b.PlacedOrders[len(b.PlacedOrders)-1]
	return &req
}

// GetQuote returns the scripted quote for the symbol.
func (b *Broker) GetQuote(_ context.Context, symbol string) (*broker.QuoteItem, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.QuoteErr != nil {
		return nil, b.QuoteErr
	}
	q, ok := b.Quotes[symbol]
	if !ok {
		return nil, fmt.Errorf("no quote found for symbol: %s", symbol)
	}
	copied := *q
	return &copied, nil
}

// GetExpirations returns the scripted expirations.
func (b *Broker) GetExpirations(context.Context, string) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.Expirations...), nil
}

// GetOptionChain returns the scripted chain.
func (b *Broker) GetOptionChain(_ context.Context, symbol, expiration string, _ bool) ([]broker.Option, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]broker.Option(nil), b.Chains[symbol+"|"+expiration]...), nil
}

// GetPositions returns the scripted positions.
func (b *Broker) GetPositions(context.Context) ([]broker.PositionItem, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.PositionErr != nil {
		return nil, b.PositionErr
	}
	return append([]broker.PositionItem(nil), b.Positions...), nil
}

// GetBalances returns the scripted balances, or an empty response.
func (b *Broker) GetBalances(context.Context) (*broker.BalanceResponse, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.Balances != nil {
		return b.Balances, nil
	}
	return &broker.BalanceResponse{}, nil
}

// PlaceOptionOrder records the request and returns the next scripted
// result, or an immediate fill at the limit price.
func (b *Broker) PlaceOptionOrder(_ context.Context, req broker.OptionOrderRequest) (*broker.OrderResponse, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.PlacedOrders = append(b.PlacedOrders, req)

	if len(b.PlaceResults) > 0 {
		r := b.PlaceResults[0]
		b.PlaceResults = b.PlaceResults[1:]
		if r.Resp != nil {
			b.OrderStatuses[r.Resp.Order.ID] = r.Resp
		}
		return r.Resp, r.Err
	}

	b.nextOrderID++
	resp := FilledResponse(b.nextOrderID, req.LimitPrice, req.Quantity)
	b.OrderStatuses[resp.Order.ID] = resp
	return resp, nil
}

// GetOrderStatus returns the scripted status for the order.
func (b *Broker) GetOrderStatus(_ context.Context, orderID int) (*broker.OrderResponse, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	resp, ok := b.OrderStatuses[orderID]
	if !ok {
		return nil, fmt.Errorf("unknown order id %d", orderID)
	}
	return resp, nil
}

// CancelOrder records the cancel and returns any scripted error.
func (b *Broker) CancelOrder(_ context.Context, orderID int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.Canceled = append(b.Canceled, orderID)
	return b.CancelErrs[orderID]
}

// FilledResponse builds an immediately filled order response.
func FilledResponse(id int, price float64, qty int) *broker.OrderResponse {
	resp := &broker.OrderResponse{}
	resp.Order.ID = id
	resp.Order.Status = broker.OrderStatusFilled
	resp.Order.AvgFillPrice = price
	resp.Order.ExecQuantity = float64(qty)
	resp.Order.Quantity = float64(qty)
	return resp
}

// RejectedResponse builds a rejected order response with a reason.
func RejectedResponse(id int, reason string) *broker.OrderResponse {
	resp := &broker.OrderResponse{}
	resp.Order.ID = id
	resp.Order.Status = broker.OrderStatusRejected
	resp.Order.ReasonDescription = reason
	return resp
}

// OpenResponse builds a working (unfilled) order response.
func OpenResponse(id int, qty int) *broker.OrderResponse {
	resp := &broker.OrderResponse{}
	resp.Order.ID = id
	resp.Order.Status = broker.OrderStatusOpen
	resp.Order.Quantity = float64(qty)
	resp.Order.RemainingQuantity = float64(qty)
	return resp
}

// Ensure Broker implements broker.Broker at compile time.
var _ broker.Broker = (*Broker)(nil)
