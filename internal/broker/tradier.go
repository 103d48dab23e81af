// Package broker provides trading API clients for executing options trades.
// It includes the Tradier API client used to run diagonal spread campaigns.
package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/eddiefleurent/schrute_spreads/internal/util"
)

// TradierAPI is the REST gateway client. All methods take a context and
// translate gateway responses into the structures in types.go.
type TradierAPI struct {
	client    *http.Client
	apiKey    string
	baseURL   string
	accountID string
	sandbox   bool
	timeout   time.Duration
}

// NewTradierAPI creates a new TradierAPI client with default settings.
func NewTradierAPI(apiKey, accountID string, sandbox bool) *TradierAPI {
	return NewTradierAPIWithBaseURL(apiKey, accountID, sandbox, "")
}

// NewTradierAPIWithBaseURL creates a new TradierAPI client with an optional
// custom baseURL, used by tests to point at an httptest server.
func NewTradierAPIWithBaseURL(apiKey, accountID string, sandbox bool, baseURL string) *TradierAPI {
	if baseURL == "" {
		if sandbox {
			baseURL = "https://sandbox.tradier.com/v1"
		} else {
			baseURL = "https://api.tradier.com/v1"
		}
	}
	baseURL = strings.TrimRight(baseURL, "/")

	const defaultTimeout = 10 * time.Second
	return &TradierAPI{
		apiKey:    apiKey,
		baseURL:   baseURL,
		accountID: accountID,
		client:    &http.Client{Timeout: defaultTimeout},
		sandbox:   sandbox,
		timeout:   defaultTimeout,
	}
}

// WithHTTPClient allows overriding the HTTP client (tests, custom transport).
func (t *TradierAPI) WithHTTPClient(c *http.Client) *TradierAPI {
	if c != nil {
		t.client = c
	}
	return t
}

// WithTimeout sets the HTTP client timeout duration.
func (t *TradierAPI) WithTimeout(timeout time.Duration) *TradierAPI {
	t.timeout = timeout
	if t.client != nil {
		t.client.Timeout = timeout
	}
	return t
}

// ============ API Methods ============

// GetQuote retrieves the current market quote for a symbol.
func (t *TradierAPI) GetQuote(ctx context.Context, symbol string) (*QuoteItem, error) {
	params := url.Values{}
	params.Set("symbols", symbol)
	params.Set("greeks", "false")
	endpoint := t.baseURL + "/markets/quotes?" + params.Encode()

	var response QuotesResponse
	if err := t.makeRequestCtx(ctx, "GET", endpoint, nil, &response); err != nil {
		return nil, err
	}

	quotes := response.Quotes.Quote
	if len(quotes) == 0 {
		return nil, fmt.Errorf("no quote found for symbol: %s", symbol)
	}

	first := quotes[0]
	return &first, nil
}

// GetExpirations retrieves available expiration dates for options on a symbol.
func (t *TradierAPI) GetExpirations(ctx context.Context, symbol string) ([]string, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("includeAllRoots", "true")
	params.Set("strikes", "false")
	endpoint := t.baseURL + "/markets/options/expirations?" + params.Encode()

	var response ExpirationsResponse
	if err := t.makeRequestCtx(ctx, "GET", endpoint, nil, &response); err != nil {
		return nil, err
	}

	return response.Expirations.Date, nil
}

// GetOptionChain retrieves the option chain for a symbol and expiration date.
func (t *TradierAPI) GetOptionChain(ctx context.Context, symbol, expiration string,
	withGreeks bool) ([]Option, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("expiration", expiration)
	params.Set("greeks", fmt.Sprintf("%t", withGreeks))
	endpoint := t.baseURL + "/markets/options/chains?" + params.Encode()

	var response OptionChainResponse
	if err := t.makeRequestCtx(ctx, "GET", endpoint, nil, &response); err != nil {
		return nil, err
	}

	return []Option(response.Options.Option), nil
}

// GetPositions retrieves current positions from the account.
func (t *TradierAPI) GetPositions(ctx context.Context) ([]PositionItem, error) {
	endpoint := fmt.Sprintf("%s/accounts/%s/positions", t.baseURL, t.accountID)

	var response PositionsResponse
	if err := t.makeRequestCtx(ctx, "GET", endpoint, nil, &response); err != nil {
		return nil, err
	}

	return []PositionItem(response.Positions.Position), nil
}

// GetBalances retrieves account balance information.
func (t *TradierAPI) GetBalances(ctx context.Context) (*BalanceResponse, error) {
	endpoint := fmt.Sprintf("%s/accounts/%s/balances", t.baseURL, t.accountID)

	var response BalanceResponse
	if err := t.makeRequestCtx(ctx, "GET", endpoint, nil, &response); err != nil {
		return nil, err
	}

	return &response, nil
}

// GetMarketClock retrieves the current market clock status.
func (t *TradierAPI) GetMarketClock(ctx context.Context, delayed bool) (*MarketClockResponse, error) {
	endpoint := fmt.Sprintf("%s/markets/clock?delayed=%t", t.baseURL, delayed)

	var response MarketClockResponse
	if err := t.makeRequestCtx(ctx, "GET", endpoint, nil, &response); err != nil {
		return nil, err
	}

	return &response, nil
}

// GetMarketCalendar retrieves the market calendar for a specific month/year.
// If month/year are 0, uses current month/year.
func (t *TradierAPI) GetMarketCalendar(ctx context.Context, month, year int) (*MarketCalendarResponse, error) {
	endpoint := fmt.Sprintf("%s/markets/calendar", t.baseURL)

	params := url.Values{}
	if month > 0 {
		params.Add("month", fmt.Sprintf("%02d", month))
	}
	if year > 0 {
		params.Add("year", fmt.Sprintf("%04d", year))
	}
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}

	var response MarketCalendarResponse
	if err := t.makeRequestCtx(ctx, "GET", endpoint, nil, &response); err != nil {
		return nil, err
	}

	return &response, nil
}

// IsTradingDay returns true on a trading session day (open, premarket, or
// postmarket).
func (t *TradierAPI) IsTradingDay(ctx context.Context, delayed bool) (bool, error) {
	clock, err := t.GetMarketClock(ctx, delayed)
	if err != nil {
		return false, err
	}

	state := clock.Clock.State
	return state == marketStateOpen || state == marketStatePreMarket || state == marketStatePostMarket, nil
}

// normalizeDuration normalizes and validates the duration parameter.
func normalizeDuration(duration string) (string, error) {
	if duration == "" {
		return "", fmt.Errorf("duration cannot be empty")
	}

	normalized := strings.ToLower(strings.TrimSpace(duration))

	switch normalized {
	case "good-til-cancelled", "goodtilcancelled", "gtc":
		return "gtc", nil
	case "day":
		return "day", nil
	case "pre", "pre-market", "premarket":
		return "pre", nil
	case "post", "post-market", "postmarket":
		return "post", nil
	default:
		return "", fmt.Errorf("invalid duration '%s': must be one of 'day', 'gtc', 'pre', or 'post'", duration)
	}
}

// PlaceOptionOrder places a single-leg option order. Market orders omit the
// price parameter; limit orders require a positive limit price.
func (t *TradierAPI) PlaceOptionOrder(ctx context.Context, req OptionOrderRequest) (*OrderResponse, error) {
	if req.Quantity <= 0 {
		return nil, fmt.Errorf("invalid quantity for order: %d, quantity must be greater than zero", req.Quantity)
	}
	switch req.Side {
	case SideBuyToOpen, SideSellToOpen, SideBuyToClose, SideSellToClose:
	default:
		return nil, fmt.Errorf("invalid order side: %q", req.Side)
	}
	switch req.Type {
	case OrderTypeLimit:
		if req.LimitPrice <= 0 {
			return nil, fmt.Errorf("invalid price for limit order: %.2f, price must be positive", req.LimitPrice)
		}
	case OrderTypeMarket:
	default:
		return nil, fmt.Errorf("invalid order type: %q", req.Type)
	}

	duration := req.Duration
	if duration == "" {
		duration = "day"
	}
	nd, err := normalizeDuration(duration)
	if err != nil {
		return nil, err
	}

	// Tradier requires the underlying symbol alongside the OCC option symbol.
	symbol := util.UnderlyingFromSymbol(req.OptionSymbol)
	if symbol == "" {
		return nil, fmt.Errorf("failed to extract underlying symbol from option symbol: %s", req.OptionSymbol)
	}

	params := url.Values{}
	params.Add("class", "option")
	params.Add("symbol", symbol)
	params.Add("option_symbol", req.OptionSymbol)
	params.Add("side", string(req.Side))
	params.Add("quantity", fmt.Sprintf("%d", req.Quantity))
	params.Add("type", string(req.Type))
	params.Add("duration", nd)
	if req.Type == OrderTypeLimit {
		params.Add("price", fmt.Sprintf("%.2f", req.LimitPrice))
	}
	if req.Tag != "" {
		params.Add("tag", req.Tag)
	}

	endpoint := fmt.Sprintf("%s/accounts/%s/orders", t.baseURL, t.accountID)

	var response OrderResponse
	if err := t.makeRequestCtx(ctx, "POST", endpoint, params, &response); err != nil {
		return nil, err
	}

	return &response, nil
}

// GetOrderStatus retrieves the status of an existing order by ID.
func (t *TradierAPI) GetOrderStatus(ctx context.Context, orderID int) (*OrderResponse, error) {
	endpoint := fmt.Sprintf("%s/accounts/%s/orders/%d", t.baseURL, t.accountID, orderID)
	var response OrderResponse
	if err := t.makeRequestCtx(ctx, "GET", endpoint, nil, &response); err != nil {
		return nil, err
	}
	return &response, nil
}

// CancelOrder cancels a working order by ID.
func (t *TradierAPI) CancelOrder(ctx context.Context, orderID int) error {
	endpoint := fmt.Sprintf("%s/accounts/%s/orders/%d", t.baseURL, t.accountID, orderID)
	var response OrderResponse
	return t.makeRequestCtx(ctx, "DELETE", endpoint, nil, &response)
}

// makeRequestCtx makes an HTTP request with context support for
// timeout/cancellation.
func (t *TradierAPI) makeRequestCtx(ctx context.Context, method, endpoint string,
	params url.Values, response interface{}) error {
	var req *http.Request
	var err error

	if method == "POST" && params != nil {
		req, err = http.NewRequestWithContext(ctx, method, endpoint, strings.NewReader(params.Encode()))
		if err != nil {
			return err
		}
		req.Header.Add("Content-Type", "application/x-www-form-urlencoded")
	} else {
		req, err = http.NewRequestWithContext(ctx, method, endpoint, http.NoBody)
		if err != nil {
			return err
		}
	}

	req.Header.Add("Authorization", "Bearer "+t.apiKey)
	req.Header.Add("Accept", "application/json")
	req.Header.Add("User-Agent", "schrute-spreads/1.0 (+tradier)")

	resp, err := t.client.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			log.Printf("Failed to close response body: %v", err)
		}
	}()

	remaining := resp.Header.Get("X-Ratelimit-Available")
	if remaining == "" {
		remaining = resp.Header.Get("X-RateLimit-Remaining")
	}
	if remaining != "" && t.sandbox {
		log.Printf("Rate limit remaining: %s", remaining)
	}

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated &&
		resp.StatusCode != http.StatusAccepted && resp.StatusCode != http.StatusNoContent {
		body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10)) // 64KB cap to avoid huge payloads
		if err != nil {
			return &APIError{Status: resp.StatusCode, Body: fmt.Sprintf("%s %s -> failed to read error body", method, endpoint)}
		}
		ct := resp.Header.Get("Content-Type")
		if ra := resp.Header.Get("Retry-After"); ra != "" {
			return &APIError{Status: resp.StatusCode, Body: fmt.Sprintf("%s %s (%s) -> %s (retry-after: %s)", method, endpoint, ct, string(body), ra)}
		}
		return &APIError{Status: resp.StatusCode, Body: fmt.Sprintf("%s %s (%s) -> %s", method, endpoint, ct, string(body))}
	}

	if resp.StatusCode == http.StatusNoContent {
		return nil
	}
	dec := json.NewDecoder(resp.Body)
	if err := dec.Decode(response); err != nil && err != io.EOF {
		return err
	}
	return nil
}

// ============ Helper Functions ============

// FindOptionAtStrike returns the option of the given type whose strike is
// within StrikeMatchEpsilon of the target, or nil.
func FindOptionAtStrike(options []Option, optionType string, strike float64) *Option {
	for i := range options {
		opt := &options[i]
		if opt.OptionType != optionType {
			continue
		}
		diff := opt.Strike - strike
		if diff < 0 {
			diff = -diff
		}
		if diff <= StrikeMatchEpsilon {
			return opt
		}
	}
	return nil
}

// FindNearestStrike returns the option of the given type with the strike
// closest to the target spot price, or nil when the chain has none.
func FindNearestStrike(options []Option, optionType string, spot float64) *Option {
	var best *Option
	bestDiff := 0.0
	for i := range options {
		opt := &options[i]
		if opt.OptionType != optionType {
			continue
		}
		diff := opt.Strike - spot
		if diff < 0 {
			diff = -diff
		}
		if best == nil || diff < bestDiff {
			best = opt
			bestDiff = diff
		}
	}
	return best
}

// FindStrikeByDelta returns the option of the given type whose delta is
// closest to the target. Options without Greeks are skipped.
func FindStrikeByDelta(options []Option, optionType string, targetDelta float64) *Option {
	var best *Option
	bestDiff := 999.0
	for i := range options {
		opt := &options[i]
		if opt.OptionType != optionType || opt.Greeks == nil {
			continue
		}
		delta := opt.Greeks.Delta
		if delta < 0 {
			delta = -delta
		}
		diff := delta - targetDelta
		if diff < 0 {
			diff = -diff
		}
		if diff < bestDiff {
			bestDiff = diff
			best = opt
		}
	}
	return best
}

// Ensure TradierAPI implements Broker at compile time.
var _ Broker = (*TradierAPI)(nil)
