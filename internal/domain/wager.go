package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// WagerOutcome terminal state of a wager.
type WagerOutcome string

const (
	OutcomePending   WagerOutcome = "pending"
	OutcomeCashedOut WagerOutcome = "cashed_out"
	OutcomeLost      WagerOutcome = "lost"
)

// Wager is a participant's stake in a single round.
type Wager struct {
	ID            string   `json:"id"`
	ParticipantID string   `json:"participant_id"`
	Currency      Currency `json:"currency"`
	// Stake in the normalized ledger unit.
	Stake decimal.Decimal `json:"stake"`
	// Rate is the currency price in normalized units at stake time.
	Rate decimal.Decimal `json:"rate"`
	// Amount debited from the participant, in Currency units.
	Amount  decimal.Decimal `json:"amount"`
	Outcome WagerOutcome    `json:"outcome"`
	// set only when cashed out
	CashoutMultiplier decimal.Decimal `json:"cashout_multiplier"`
	Payout            decimal.Decimal `json:"payout"`
	PayoutAmount      decimal.Decimal `json:"payout_amount"`
	PlacedAt          time.Time       `json:"placed_at"`
	SettledAt         time.Time       `json:"settled_at,omitempty"`
}

// NewWager creates a pending wager.
func NewWager(id, participantID string, stake decimal.Decimal, currency Currency, rate, amount decimal.Decimal, placedAt time.Time) *Wager {
	return &Wager{
		ID:            id,
		ParticipantID: participantID,
		Currency:      currency,
		Stake:         stake,
		Rate:          rate,
		Amount:        amount,
		Outcome:       OutcomePending,
		PlacedAt:      placedAt,
	}
}

// IsPending returns true while the wager can still be cashed out or lost.
func (w *Wager) IsPending() bool {
	return w != nil && w.Outcome == OutcomePending
}

// PayoutAt returns what a cashout at multiplier would pay, normalized and in Currency units.
// The currency payout uses the stake-time amount so a rate move during the round does not
// change the result.
func (w *Wager) PayoutAt(multiplier decimal.Decimal) (payout, amount decimal.Decimal) {
	return w.Stake.Mul(multiplier), w.Amount.Mul(multiplier)
}

// CashOut moves the wager to cashed_out. It fails unless the wager is pending.
func (w *Wager) CashOut(multiplier decimal.Decimal, at time.Time) error {
	if !w.IsPending() {
		return ErrNoActiveWager
	}
	w.Payout, w.PayoutAmount = w.PayoutAt(multiplier)
	w.CashoutMultiplier = multiplier
	w.Outcome = OutcomeCashedOut
	w.SettledAt = at
	return nil
}

// Lose moves the wager to lost. The stake was debited at placement, so nothing else changes.
func (w *Wager) Lose(at time.Time) error {
	if !w.IsPending() {
		return ErrNoActiveWager
	}
	w.Outcome = OutcomeLost
	w.SettledAt = at
	return nil
}

// WagerReceipt is returned to the caller of a successful placement.
type WagerReceipt struct {
	WagerID       string          `json:"wager_id"`
	RoundSeq      uint64          `json:"round_seq"`
	ParticipantID string          `json:"participant_id"`
	Stake         decimal.Decimal `json:"stake"`
	Currency      Currency        `json:"currency"`
	Rate          decimal.Decimal `json:"rate"`
	Amount        decimal.Decimal `json:"amount"`
	Balance       decimal.Decimal `json:"balance"`
	EntryID       string          `json:"entry_id"`
	PlacedAt      time.Time       `json:"placed_at"`
}

// CashoutReceipt is returned to the caller of a successful cashout.
type CashoutReceipt struct {
	WagerID       string          `json:"wager_id"`
	RoundSeq      uint64          `json:"round_seq"`
	ParticipantID string          `json:"participant_id"`
	Multiplier    decimal.Decimal `json:"multiplier"`
	Payout        decimal.Decimal `json:"payout"`
	PayoutAmount  decimal.Decimal `json:"payout_amount"`
	Currency      Currency        `json:"currency"`
	Balance       decimal.Decimal `json:"balance"`
	EntryID       string          `json:"entry_id"`
	CashedOutAt   time.Time       `json:"cashed_out_at"`
}
