// Package domain defines core data structures used throughout the crash round engine.
package domain

import (
	"fmt"
	"strings"
)

// Currency ledger currency tag.
type Currency string

const (
	CurrencyUSD Currency = "usd"
	CurrencyBTC Currency = "btc"
	CurrencyETH Currency = "eth"
)

// NormalizedCurrency is the unit stakes, payouts and house profit are expressed in.
const NormalizedCurrency = CurrencyUSD

// ParseCurrency normalizes a user supplied currency tag.
func ParseCurrency(s string) (Currency, error) {
	c := Currency(strings.ToLower(strings.TrimSpace(s)))
	if c == "" {
		return "", ErrUnsupportedCurrency
	}
	return c, nil
}

// String returns the string representation.
func (c Currency) String() string {
	return string(c)
}

// Symbol returns the exchange ticker symbol against the given quote, e.g. BTCUSDT.
func (c Currency) Symbol(quote string) string {
	return fmt.Sprintf("%s%s", strings.ToUpper(string(c)), quote)
}

// IsNormalized reports whether amounts in c need no conversion.
func (c Currency) IsNormalized() bool {
	return c == NormalizedCurrency
}
