package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// EntryKind reason for a balance mutation.
type EntryKind string

const (
	EntryStake      EntryKind = "stake"
	EntryPayout     EntryKind = "payout"
	EntryDeposit    EntryKind = "deposit"
	EntryWithdrawal EntryKind = "withdrawal"
)

// IsDebit reports whether entries of this kind decrease the balance.
func (k EntryKind) IsDebit() bool {
	return k == EntryStake || k == EntryWithdrawal
}

// LedgerEntry immutable audit record written for every balance mutation.
type LedgerEntry struct {
	// ID is the unique correlation token.
	ID            string    `json:"id"`
	ParticipantID string    `json:"participant_id"`
	RoundSeq      *uint64   `json:"round_seq,omitempty"`
	Kind          EntryKind `json:"kind"`
	Currency      Currency  `json:"currency"`
	// Amount is always positive; Kind gives the direction.
	Amount decimal.Decimal `json:"amount"`
	// Normalized is Amount expressed in the normalized unit at Rate.
	Normalized   decimal.Decimal `json:"normalized"`
	Rate         decimal.Decimal `json:"rate"`
	BalanceAfter decimal.Decimal `json:"balance_after"`
	CreatedAt    time.Time       `json:"created_at"`
}

// LedgerMutation is the unit of ledger persistence: the account after a mutation and
// the entry that produced it, written as one record. Entry is nil for totals-only updates.
type LedgerMutation struct {
	Account Account      `json:"account"`
	Entry   *LedgerEntry `json:"entry,omitempty"`
}
