package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// GameState is the public view of the current round.
type GameState struct {
	RoundSeq   uint64          `json:"roundSeq"`
	Status     RoundStatus     `json:"status"`
	CommitHash string          `json:"commitHash"`
	CreatedAt  time.Time       `json:"createdAt"`
	StartedAt  time.Time       `json:"startedAt,omitempty"`
	CrashedAt  time.Time       `json:"crashedAt,omitempty"`
	Multiplier decimal.Decimal `json:"multiplier"`
	ElapsedMs  int64           `json:"elapsedMs"`
	// revealed once crashed, or from the start when pre-disclosure is on
	CrashPoint *decimal.Decimal `json:"crashPoint,omitempty"`
	Seed       string           `json:"seed,omitempty"`
	Wagers     []WagerView      `json:"wagers"`
}

// WagerView public projection of a wager.
type WagerView struct {
	ParticipantID     string          `json:"participantId"`
	Stake             decimal.Decimal `json:"stake"`
	Currency          Currency        `json:"currency"`
	Outcome           WagerOutcome    `json:"outcome"`
	CashoutMultiplier decimal.Decimal `json:"cashoutMultiplier,omitempty"`
	Payout            decimal.Decimal `json:"payout,omitempty"`
}

// NewWagerView projects a wager.
func NewWagerView(w *Wager) WagerView {
	return WagerView{
		ParticipantID:     w.ParticipantID,
		Stake:             w.Stake,
		Currency:          w.Currency,
		Outcome:           w.Outcome,
		CashoutMultiplier: w.CashoutMultiplier,
		Payout:            w.Payout,
	}
}
