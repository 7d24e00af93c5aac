package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Account participant balances and lifetime totals. Owned by the ledger.
type Account struct {
	ParticipantID string                       `json:"participant_id"`
	Balances      map[Currency]decimal.Decimal `json:"balances"`
	// totals are in normalized units and never decrease
	TotalStaked decimal.Decimal `json:"total_staked"`
	TotalWon    decimal.Decimal `json:"total_won"`
	TotalLost   decimal.Decimal `json:"total_lost"`
	LastActive  time.Time       `json:"last_active"`
}

// NewAccount creates an account holding a copy of the given balances.
func NewAccount(participantID string, balances map[Currency]decimal.Decimal, now time.Time) Account {
	b := make(map[Currency]decimal.Decimal, len(balances))
	for c, v := range balances {
		b[c] = v
	}
	return Account{
		ParticipantID: participantID,
		Balances:      b,
		TotalStaked:   decimal.Zero,
		TotalWon:      decimal.Zero,
		TotalLost:     decimal.Zero,
		LastActive:    now,
	}
}

// Balance returns the balance in currency, zero when the account never held it.
func (a Account) Balance(currency Currency) decimal.Decimal {
	return a.Balances[currency]
}

// Clone returns a copy that does not share the balances map.
func (a Account) Clone() Account {
	c := a
	c.Balances = make(map[Currency]decimal.Decimal, len(a.Balances))
	for k, v := range a.Balances {
		c.Balances[k] = v
	}
	return c
}
