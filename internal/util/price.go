// Package util provides price rounding and OCC option symbol helpers.
package util

import "math"

// RoundToTick rounds x to the nearest tick increment.
func RoundToTick(x, tick float64) float64 {
	if tick <= 0 {
		return x
	}
	return math.Round(x/tick) * tick
}

// FloorToTick rounds x down to the nearest tick increment. A value within
// 1e-9 ticks below a boundary snaps to that boundary, so float noise from
// price arithmetic cannot cost a full tick.
func FloorToTick(x, tick float64) float64 {
	if tick <= 0 {
		return x
	}
	return math.Floor(x/tick+1e-9) * tick
}

// CeilToTick rounds x up to the nearest tick increment. A value within
// 1e-9 ticks above a boundary snaps to that boundary, mirroring FloorToTick.
func CeilToTick(x, tick float64) float64 {
	if tick <= 0 {
		return x
	}
	return math.Ceil(x/tick-1e-9) * tick
}

// Mid returns the bid/ask midpoint, or 0 when either side of the market is
// missing so callers can treat the quote as unusable.
func Mid(bid, ask float64) float64 {
	if bid <= 0 || ask <= 0 {
		return 0
	}
	return (bid + ask) / 2
}

// Spread returns the absolute bid/ask spread, or -1 when either side is
// missing so callers can distinguish "wide" from "unknown".
func Spread(bid, ask float64) float64 {
	if bid <= 0 || ask <= 0 {
		return -1
	}
	return ask - bid
}
