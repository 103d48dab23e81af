package broker

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Market clock state constants
const (
	marketStateOpen       = "open"
	marketStatePreMarket  = "premarket"
	marketStatePostMarket = "postmarket"
)

// StrikeMatchEpsilon is the tolerance for matching strike prices when
// scanning option chains.
const StrikeMatchEpsilon = 1e-3

// QuantityEpsilon is the tolerance for position quantity comparisons.
const QuantityEpsilon = 1e-6

// APIError represents an API error with status code and response body.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error %d: %s", e.Status, e.Body)
}

// ============ EXACT API Response Structures ============

// Handle single-object vs array responses from Tradier
type singleOrArray[T any] []T

func (s *singleOrArray[T]) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		return nil
	}
	if b[0] == '[' {
		return json.Unmarshal(b, (*[]T)(s))
	}
	var one T
	if err := json.Unmarshal(b, &one); err != nil {
		return err
	}
	*s = append(*s, one)
	return nil
}

// OptionChainResponse represents the API response for option chain requests.
type OptionChainResponse struct {
	Options struct {
		Option singleOrArray[Option] `json:"option"`
	} `json:"options"`
}

// Option represents an option contract from the Tradier API.
type Option struct {
	Greeks         *Greeks `json:"greeks,omitempty"`
	Symbol         string  `json:"symbol"`
	Description    string  `json:"description"`
	OptionType     string  `json:"option_type"`
	ExpirationDate string  `json:"expiration_date"`
	Underlying     string  `json:"underlying"`
	Bid            float64 `json:"bid"`
	Ask            float64 `json:"ask"`
	Last           float64 `json:"last"`
	BidSize        int     `json:"bid_size"`
	AskSize        int     `json:"ask_size"`
	Volume         int64   `json:"volume"`
	OpenInterest   int64   `json:"open_interest"`
	Strike         float64 `json:"strike"`
}

// Greeks contains option Greeks data from the Tradier API.
type Greeks struct {
	UpdatedAt string  `json:"updated_at"`
	Delta     float64 `json:"delta"`
	Gamma     float64 `json:"gamma"`
	Theta     float64 `json:"theta"`
	Vega      float64 `json:"vega"`
	Rho       float64 `json:"rho"`
	BidIV     float64 `json:"bid_iv"`
	MidIV     float64 `json:"mid_iv"`
	AskIV     float64 `json:"ask_iv"`
	SmvVol    float64 `json:"smv_vol"`
}

// PositionsResponse represents the positions response from the Tradier API.
type PositionsResponse struct {
	Positions PositionsWrapper `json:"positions"`
}

// PositionsWrapper handles the case where positions can be "null" string or an object
type PositionsWrapper struct {
	Position singleOrArray[PositionItem] `json:"position"`
}

func (pw *PositionsWrapper) UnmarshalJSON(b []byte) error {
	trimmed := bytes.TrimSpace(b)

	// Handle both bare null and quoted "null" cases
	if bytes.Equal(trimmed, []byte(`null`)) || bytes.Equal(trimmed, []byte(`"null"`)) {
		*pw = PositionsWrapper{}
		return nil
	}

	type normalWrapper PositionsWrapper
	return json.Unmarshal(b, (*normalWrapper)(pw))
}

// PositionItem represents a single position item from the Tradier API.
// Quantity is signed: negative means short.
type PositionItem struct {
	DateAcquired string  `json:"date_acquired"`
	Symbol       string  `json:"symbol"`
	CostBasis    float64 `json:"cost_basis"`
	ID           int     `json:"id"`
	Quantity     float64 `json:"quantity"`
}

// QuotesResponse represents the quotes response from the Tradier API.
type QuotesResponse struct {
	Quotes struct {
		Quote singleOrArray[QuoteItem] `json:"quote"`
	} `json:"quotes"`
}

// QuoteItem represents a single quote item from the Tradier API.
type QuoteItem struct {
	Symbol           string  `json:"symbol"`
	Description      string  `json:"description"`
	Exch             string  `json:"exch"`
	Type             string  `json:"type"`
	TradeDate        int64   `json:"trade_date"`
	Low              float64 `json:"low"`
	AverageVolume    int64   `json:"average_volume"`
	LastVolume       int64   `json:"last_volume"`
	ChangePercentage float64 `json:"change_percentage"`
	Open             float64 `json:"open"`
	High             float64 `json:"high"`
	Volume           int64   `json:"volume"`
	Close            float64 `json:"close"`
	PrevClose        float64 `json:"prevclose"`
	Bid              float64 `json:"bid"`
	BidSize          int     `json:"bidsize"`
	Change           float64 `json:"change"`
	Ask              float64 `json:"ask"`
	AskSize          int     `json:"asksize"`
	Last             float64 `json:"last"`
}

// ExpirationsResponse represents the expirations response from the Tradier API.
type ExpirationsResponse struct {
	Expirations struct {
		Date []string `json:"date"`
	} `json:"expirations"`
}

// BalanceResponse represents the account balance response from the Tradier API.
type BalanceResponse struct {
	Balances struct {
		OptionShortValue   float64 `json:"option_short_value"`
		TotalEquity        float64 `json:"total_equity"`
		AccountNumber      string  `json:"account_number"`
		AccountType        string  `json:"account_type"`
		ClosePL            float64 `json:"close_pl"`
		CurrentRequirement float64 `json:"current_requirement"`
		Equity             float64 `json:"equity"`
		LongMarketValue    float64 `json:"long_market_value"`
		MarketValue        float64 `json:"market_value"`
		OpenPL             float64 `json:"open_pl"`
		OptionLongValue    float64 `json:"option_long_value"`
		OptionRequirement  float64 `json:"option_requirement"`
		PendingOrdersCount int     `json:"pending_orders_count"`
		ShortMarketValue   float64 `json:"short_market_value"`
		StockLongValue     float64 `json:"stock_long_value"`
		TotalCash          float64 `json:"total_cash"`
		UnclearedFunds     float64 `json:"uncleared_funds"`
		PendingCash        float64 `json:"pending_cash"`

		Margin *struct {
			FedCall           float64 `json:"fed_call"`
			MaintenanceCall   float64 `json:"maintenance_call"`
			OptionBuyingPower float64 `json:"option_buying_power"`
			StockBuyingPower  float64 `json:"stock_buying_power"`
			StockShortValue   float64 `json:"stock_short_value"`
			Sweep             float64 `json:"sweep"`
		} `json:"margin"`

		Cash *struct {
			CashAvailable  float64 `json:"cash_available"`
			Sweep          float64 `json:"sweep"`
			UnsettledFunds float64 `json:"unsettled_funds"`
		} `json:"cash"`

		PDT *struct {
			FedCall           float64 `json:"fed_call"`
			MaintenanceCall   float64 `json:"maintenance_call"`
			OptionBuyingPower float64 `json:"option_buying_power"`
			StockBuyingPower  float64 `json:"stock_buying_power"`
			StockShortValue   float64 `json:"stock_short_value"`
		} `json:"pdt"`
	} `json:"balances"`
}

// GetOptionBuyingPower extracts option buying power based on account type.
func (b *BalanceResponse) GetOptionBuyingPower() (float64, error) {
	switch b.Balances.AccountType {
	case "margin":
		if b.Balances.Margin != nil {
			return b.Balances.Margin.OptionBuyingPower, nil
		}
		return 0, fmt.Errorf("margin account type specified but margin data is missing")
	case "pdt":
		if b.Balances.PDT != nil {
			return b.Balances.PDT.OptionBuyingPower, nil
		}
		return 0, fmt.Errorf("pdt account type specified but pdt data is missing")
	case "cash":
		if b.Balances.Cash != nil {
			return b.Balances.Cash.CashAvailable, nil
		}
		return 0, fmt.Errorf("cash account type specified but cash data is missing")
	}

	return 0, fmt.Errorf("unknown account type: %s", b.Balances.AccountType)
}

// MarginUsage returns the fraction of total equity consumed by the current
// maintenance requirement. Returns 0 when equity is unknown.
func (b *BalanceResponse) MarginUsage() float64 {
	if b.Balances.TotalEquity <= 0 {
		return 0
	}
	return b.Balances.CurrentRequirement / b.Balances.TotalEquity
}

// MarketClockResponse represents the market clock response from the Tradier API.
type MarketClockResponse struct {
	Clock struct {
		Date        string `json:"date"`
		Description string `json:"description"`
		State       string `json:"state"`
		Timestamp   int64  `json:"timestamp"`
		NextChange  string `json:"next_change"`
		NextState   string `json:"next_state"`
	} `json:"clock"`
}

// MarketCalendarResponse represents the market calendar response from the Tradier API.
type MarketCalendarResponse struct {
	Calendar struct {
		Month int `json:"month"`
		Year  int `json:"year"`
		Days  struct {
			Day []MarketDay `json:"day"`
		} `json:"days"`
	} `json:"calendar"`
}

// MarketDay represents a single day in the market calendar.
type MarketDay struct {
	Date        string `json:"date"`
	Status      string `json:"status"`
	Description string `json:"description"`
	Open        *struct {
		Start string `json:"start"`
		End   string `json:"end"`
	} `json:"open,omitempty"`
}

// OrderResponse represents the order response from the Tradier API.
type OrderResponse struct {
	Order struct {
		CreateDate        string  `json:"create_date"`
		Type              string  `json:"type"`
		Symbol            string  `json:"symbol"`
		Side              string  `json:"side"`
		Class             string  `json:"class"`
		Status            string  `json:"status"`
		Duration          string  `json:"duration"`
		TransactionDate   string  `json:"transaction_date"`
		AvgFillPrice      float64 `json:"avg_fill_price"`
		ExecQuantity      float64 `json:"exec_quantity"`
		LastFillPrice     float64 `json:"last_fill_price"`
		LastFillQuantity  float64 `json:"last_fill_quantity"`
		RemainingQuantity float64 `json:"remaining_quantity"`
		ID                int     `json:"id"`
		Price             float64 `json:"price"`
		Quantity          float64 `json:"quantity"`
		ReasonDescription string  `json:"reason_description"`
	} `json:"order"`
}

// Order status values reported by the gateway.
const (
	OrderStatusPending         = "pending"
	OrderStatusOpen            = "open"
	OrderStatusPartiallyFilled = "partially_filled"
	OrderStatusFilled          = "filled"
	OrderStatusRejected        = "rejected"
	OrderStatusCanceled        = "canceled"
	OrderStatusExpired         = "expired"
)

// IsOrderTerminal reports whether the order status permits no further fills.
func IsOrderTerminal(status string) bool {
	switch status {
	case OrderStatusFilled, OrderStatusRejected, OrderStatusCanceled, OrderStatusExpired:
		return true
	}
	return false
}
