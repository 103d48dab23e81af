package models

import (
	"fmt"
	"time"
)

// RollType records which direction the most recent income roll took.
type RollType string

const (
	// RollTowardNewStrike re-centers the income leg at a fresh at-the-money
	// strike; chosen when the underlying has moved to or through the strike.
	RollTowardNewStrike RollType = "toward_new_strike"
	// RollTowardSameStrike re-sells the identical strike at the next expiry;
	// chosen when the underlying is still below the strike.
	RollTowardSameStrike RollType = "toward_same_strike"
)

// CampaignShape classifies which legs a campaign currently holds.
type CampaignShape string

const (
	// ShapeEmpty means no legs at all.
	ShapeEmpty CampaignShape = "empty"
	// ShapeProtectiveOnly is the safe partial state: bounded loss.
	ShapeProtectiveOnly CampaignShape = "protective_only"
	// ShapeNaked is the dangerous partial state: a short income leg with no
	// protective leg behind it. Must not survive past one evaluation tick.
	ShapeNaked CampaignShape = "naked"
	// ShapeComplete holds both legs.
	ShapeComplete CampaignShape = "complete"
)

// Campaign is the full multi-leg spread managed as one logical trade: a
// protective long call plus a short-dated income call rolled repeatedly.
type Campaign struct {
	ID               string    `json:"id"`
	Symbol           string    `json:"symbol"`
	Sequence         int       `json:"sequence"`
	StartDate        time.Time `json:"start_date"`
	EntrySpot        float64   `json:"entry_spot"`
	Protective       *Leg      `json:"protective,omitempty"`
	Income           *Leg      `json:"income,omitempty"`
	PremiumCollected float64   `json:"premium_collected"`
	ProtectiveCost   float64   `json:"protective_cost"`
	RollCount        int       `json:"roll_count"`
	RollsNewStrike   int       `json:"rolls_new_strike"`
	RollsSameStrike  int       `json:"rolls_same_strike"`
	LastRollType     RollType  `json:"last_roll_type,omitempty"`
	AssignmentFlag   bool      `json:"assignment_flag,omitempty"`
}

// NewCampaign creates an empty campaign for the given underlying.
func NewCampaign(id, symbol string, sequence int) *Campaign {
	return &Campaign{
		ID:        id,
		Symbol:    symbol,
		Sequence:  sequence,
		StartDate: time.Now().UTC(),
	}
}

// Shape classifies the campaign by which legs are present.
func (c *Campaign) Shape() CampaignShape {
	switch {
	case c == nil || (c.Protective == nil && c.Income == nil):
		return ShapeEmpty
	case c.Protective != nil && c.Income == nil:
		return ShapeProtectiveOnly
	case c.Protective == nil && c.Income != nil:
		return ShapeNaked
	default:
		return ShapeComplete
	}
}

// IsNaked reports whether the campaign is in the dangerous income-only state.
func (c *Campaign) IsNaked() bool { return c.Shape() == ShapeNaked }

// IsComplete reports whether both legs are present.
func (c *Campaign) IsComplete() bool { return c.Shape() == ShapeComplete }

// Legs returns the present legs, protective first.
func (c *Campaign) Legs() []*Leg {
	var legs []*Leg
	if c.Protective != nil {
		legs = append(legs, c.Protective)
	}
	if c.Income != nil {
		legs = append(legs, c.Income)
	}
	return legs
}

// LegBySymbol returns the leg with the given option symbol, or nil.
func (c *Campaign) LegBySymbol(symbol string) *Leg {
	for _, l := range c.Legs() {
		if l.Symbol == symbol {
			return l
		}
	}
	return nil
}

// RemoveLeg drops the leg with the given symbol from its slot.
func (c *Campaign) RemoveLeg(symbol string) {
	if c.Protective != nil && c.Protective.Symbol == symbol {
		c.Protective = nil
	}
	if c.Income != nil && c.Income.Symbol == symbol {
		c.Income = nil
	}
}

// RecordRoll increments the roll counters for the given direction.
func (c *Campaign) RecordRoll(rt RollType) {
	c.RollCount++
	c.LastRollType = rt
	switch rt {
	case RollTowardNewStrike:
		c.RollsNewStrike++
	case RollTowardSameStrike:
		c.RollsSameStrike++
	}
}

// UnrealizedPnL returns the open P&L of the campaign in dollars: premium
// banked from income sales plus the protective leg's mark-to-market move,
// minus what it would cost to buy back the live income leg.
func (c *Campaign) UnrealizedPnL() float64 {
	pnl := c.PremiumCollected * sharesPerContract
	if c.Protective != nil {
		pnl += c.Protective.UnrealizedPnL()
	}
	if c.Income != nil {
		// Income leg is short: LastPrice is the liability per share.
		pnl -= c.Income.LastPrice * float64(c.Income.AbsQuantity()) * sharesPerContract
	}
	return pnl
}

// Validate checks structural invariants: the protective slot must hold a
// long leg, the income slot a short leg, and both legs must trade the
// campaign's underlying.
func (c *Campaign) Validate() error {
	if c.ID == "" {
		return fmt.Errorf("campaign missing id")
	}
	if c.Symbol == "" {
		return fmt.Errorf("campaign %s missing symbol", c.ID)
	}
	if c.Protective != nil {
		if !c.Protective.IsLong() {
			return fmt.Errorf("campaign %s: protective leg %s must be long (qty %d)",
				c.ID, c.Protective.Symbol, c.Protective.Quantity)
		}
		if c.Protective.Underlying != c.Symbol {
			return fmt.Errorf("campaign %s: protective leg underlying %s != %s",
				c.ID, c.Protective.Underlying, c.Symbol)
		}
	}
	if c.Income != nil {
		if !c.Income.IsShort() {
			return fmt.Errorf("campaign %s: income leg %s must be short (qty %d)",
				c.ID, c.Income.Symbol, c.Income.Quantity)
		}
		if c.Income.Underlying != c.Symbol {
			return fmt.Errorf("campaign %s: income leg underlying %s != %s",
				c.ID, c.Income.Underlying, c.Symbol)
		}
	}
	return nil
}
