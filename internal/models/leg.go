// Package models provides the data structures for campaign state management.
package models

import (
	"time"
)

const sharesPerContract = 100.0

// Greeks holds the externally supplied risk sensitivities for a leg. The
// engine never computes these; they arrive with option chain data and are
// treated as opaque numbers.
type Greeks struct {
	Delta float64 `json:"delta"`
	Gamma float64 `json:"gamma"`
	Theta float64 `json:"theta"`
	Vega  float64 `json:"vega"`
}

// LegRole identifies which slot of the campaign a leg occupies.
type LegRole string

const (
	// RoleProtective is the longer-dated, loss-limiting long leg.
	RoleProtective LegRole = "protective"
	// RoleIncome is the short-dated leg sold repeatedly for premium.
	RoleIncome LegRole = "income"
)

// Leg is one option position within a campaign. Quantity is signed:
// positive means long, negative means short.
type Leg struct {
	Symbol     string    `json:"symbol"` // OSI option symbol
	Underlying string    `json:"underlying"`
	Role       LegRole   `json:"role"`
	Strike     float64   `json:"strike"`
	Expiration time.Time `json:"expiration"`
	Quantity   int       `json:"quantity"`
	EntryPrice float64   `json:"entry_price"`
	LastPrice  float64   `json:"last_price"`
	Greeks     Greeks    `json:"greeks"`
	OpenedAt   time.Time `json:"opened_at"`
	OrderID    int       `json:"order_id,omitempty"`
}

// IsLong reports whether the leg is held long.
func (l *Leg) IsLong() bool { return l.Quantity > 0 }

// IsShort reports whether the leg is held short.
func (l *Leg) IsShort() bool { return l.Quantity < 0 }

// AbsQuantity returns the unsigned contract count.
func (l *Leg) AbsQuantity() int {
	if l.Quantity < 0 {
		return -l.Quantity
	}
	return l.Quantity
}

// DTE returns calendar days to expiration, floored at zero.
func (l *Leg) DTE() int {
	return DaysUntil(l.Expiration, time.Now().UTC())
}

// DaysUntil returns whole days from now until expiration, floored at zero.
func DaysUntil(expiration, now time.Time) int {
	exp := expiration.UTC().Truncate(24 * time.Hour)
	n := now.UTC().Truncate(24 * time.Hour)
	days := int(exp.Sub(n).Hours() / 24)
	if days < 0 {
		return 0
	}
	return days
}

// MarketValue returns the signed dollar value of the leg at its last known
// price. Short legs report negative value (a liability to buy back).
func (l *Leg) MarketValue() float64 {
	return l.LastPrice * float64(l.Quantity) * sharesPerContract
}

// UnrealizedPnL returns the open profit on the leg in dollars.
func (l *Leg) UnrealizedPnL() float64 {
	return (l.LastPrice - l.EntryPrice) * float64(l.Quantity) * sharesPerContract
}
