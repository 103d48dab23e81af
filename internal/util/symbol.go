package util

import (
	"fmt"
	"strconv"
	"time"
)

// OCC option symbols follow the OSI format:
// TICKER + YYMMDD + C/P + strike*1000 zero-padded to 8 digits.
// Example: SPY260320C00610000 -> SPY call, 2026-03-20, strike 610.00.

// FormatOptionSymbol builds an OSI option symbol from its parts.
func FormatOptionSymbol(underlying string, expiration time.Time, optionType string, strike float64) string {
	// Round to the nearest 1/1000th dollar for OCC encoding; the epsilon
	// guards strikes like 394.995 against float representation error.
	const eps = 1e-9
	strikeInt := int(strike*1000 + 0.5 + eps)
	var cp string
	if optionType == "put" || optionType == "P" {
		cp = "P"
	} else {
		cp = "C"
	}
	return fmt.Sprintf("%s%s%s%08d", underlying, expiration.Format("060102"), cp, strikeInt)
}

// ParseOptionSymbol decomposes an OSI option symbol into underlying,
// expiration, option type ("C" or "P"), and strike. Plain equity symbols
// fail to parse, which callers use to tell shares from option contracts.
func ParseOptionSymbol(symbol string) (underlying string, expiration time.Time, optionType string, strike float64, err error) {
	if len(symbol) < 16 {
		return "", time.Time{}, "", 0, fmt.Errorf("option symbol too short: %s", symbol)
	}

	// Scan for the 6-digit YYMMDD run that separates ticker from contract.
	datePos := -1
	for i := 1; i <= len(symbol)-15; i++ {
		if isAllDigits(symbol[i:i+6]) && (symbol[i+6] == 'C' || symbol[i+6] == 'P') {
			datePos = i
			break
		}
	}
	if datePos == -1 {
		return "", time.Time{}, "", 0, fmt.Errorf("no expiration date found in symbol: %s", symbol)
	}

	underlying = symbol[:datePos]
	expiration, err = time.Parse("060102", symbol[datePos:datePos+6])
	if err != nil {
		return "", time.Time{}, "", 0, fmt.Errorf("invalid expiration in symbol %s: %w", symbol, err)
	}

	optionType = string(symbol[datePos+6])

	strikeStr := symbol[datePos+7 : datePos+15]
	if !isAllDigits(strikeStr) {
		return "", time.Time{}, "", 0, fmt.Errorf("invalid strike %q in symbol: %s", strikeStr, symbol)
	}
	strikeInt, err := strconv.ParseInt(strikeStr, 10, 64)
	if err != nil {
		return "", time.Time{}, "", 0, fmt.Errorf("failed to parse strike in symbol %s: %w", symbol, err)
	}
	strike = float64(strikeInt) / 1000.0

	return underlying, expiration, optionType, strike, nil
}

// UnderlyingFromSymbol returns the ticker portion of an option symbol, or the
// symbol itself when it is a plain equity symbol.
func UnderlyingFromSymbol(symbol string) string {
	if u, _, _, _, err := ParseOptionSymbol(symbol); err == nil {
		return u
	}
	return symbol
}

func isAllDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
