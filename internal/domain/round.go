package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// RoundStatus lifecycle state of a round.
type RoundStatus string

const (
	RoundPending RoundStatus = "pending"
	RoundRunning RoundStatus = "running"
	RoundCrashed RoundStatus = "crashed"
)

// Round is one bet window, multiplier run and crash.
type Round struct {
	Seq    uint64      `json:"seq"`
	Status RoundStatus `json:"status"`
	// Seed stays private until the round crashes.
	Seed       string          `json:"seed"`
	CommitHash string          `json:"commit_hash"`
	CrashPoint decimal.Decimal `json:"crash_point"`
	CreatedAt  time.Time       `json:"created_at"`
	StartedAt  time.Time       `json:"started_at,omitempty"`
	CrashedAt  time.Time       `json:"crashed_at,omitempty"`
	// FinalMultiplier is the multiplier of the tick that crashed the round.
	FinalMultiplier decimal.Decimal `json:"final_multiplier"`
	HouseProfit     decimal.Decimal `json:"house_profit"`
	Wagers          []*Wager        `json:"wagers"`
}

// NewRound creates a round in pending state. The crash point is fixed here for the
// lifetime of the round.
func NewRound(seq uint64, seed, commitHash string, crashPoint decimal.Decimal, createdAt time.Time) *Round {
	return &Round{
		Seq:        seq,
		Status:     RoundPending,
		Seed:       seed,
		CommitHash: commitHash,
		CrashPoint: crashPoint,
		CreatedAt:  createdAt,
	}
}

// WagerFor returns the participant's wager in this round regardless of outcome.
func (r *Round) WagerFor(participantID string) *Wager {
	for _, w := range r.Wagers {
		if w.ParticipantID == participantID {
			return w
		}
	}
	return nil
}

// AddWager appends a wager. A participant may hold one wager per round.
func (r *Round) AddWager(w *Wager) error {
	if r.WagerFor(w.ParticipantID) != nil {
		return ErrWagerExists
	}
	r.Wagers = append(r.Wagers, w)
	return nil
}

// PendingWagers returns wagers not yet cashed out or lost.
func (r *Round) PendingWagers() []*Wager {
	var pending []*Wager
	for _, w := range r.Wagers {
		if w.IsPending() {
			pending = append(pending, w)
		}
	}
	return pending
}

// CalculateHouseProfit returns total stakes minus total payouts in normalized units.
func (r *Round) CalculateHouseProfit() decimal.Decimal {
	profit := decimal.Zero
	for _, w := range r.Wagers {
		profit = profit.Add(w.Stake)
		if w.Outcome == OutcomeCashedOut {
			profit = profit.Sub(w.Payout)
		}
	}
	return profit
}

// RoundStats aggregate figures for a round.
type RoundStats struct {
	Wagers                   int             `json:"wagers"`
	TotalStaked              decimal.Decimal `json:"total_staked"`
	Cashouts                 int             `json:"cashouts"`
	TotalPaidOut             decimal.Decimal `json:"total_paid_out"`
	AverageCashoutMultiplier decimal.Decimal `json:"average_cashout_multiplier"`
}

// Stats summarizes the round's wagers.
func (r *Round) Stats() RoundStats {
	stats := RoundStats{
		Wagers:                   len(r.Wagers),
		TotalStaked:              decimal.Zero,
		TotalPaidOut:             decimal.Zero,
		AverageCashoutMultiplier: decimal.Zero,
	}
	multipliers := decimal.Zero
	for _, w := range r.Wagers {
		stats.TotalStaked = stats.TotalStaked.Add(w.Stake)
		if w.Outcome != OutcomeCashedOut {
			continue
		}
		stats.Cashouts++
		stats.TotalPaidOut = stats.TotalPaidOut.Add(w.Payout)
		multipliers = multipliers.Add(w.CashoutMultiplier)
	}
	if stats.Cashouts > 0 {
		stats.AverageCashoutMultiplier = multipliers.Div(decimal.NewFromInt(int64(stats.Cashouts))).Round(2)
	}
	return stats
}

// Clone returns a deep copy safe to hand out of the round lock.
func (r *Round) Clone() Round {
	c := *r
	c.Wagers = make([]*Wager, len(r.Wagers))
	for i, w := range r.Wagers {
		wc := *w
		c.Wagers[i] = &wc
	}
	return c
}
