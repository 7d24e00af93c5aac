package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Event names as seen by subscribers.
const (
	EventRoundStart       = "round-start"
	EventGameActive       = "game-active"
	EventMultiplierUpdate = "multiplier-update"
	EventBetPlaced        = "bet-placed"
	EventPlayerCashout    = "player-cashout"
	EventGameCrash        = "game-crash"
)

// Event is an immutable notification published to the broadcaster.
type Event interface {
	EventName() string
}

// RoundStarted opens the bet window. CrashPoint and Seed are set only when the
// operator enabled pre-disclosure.
type RoundStarted struct {
	RoundSeq    uint64           `json:"roundSeq"`
	StartTime   time.Time        `json:"startTime"`
	CrashPoint  *decimal.Decimal `json:"crashPoint,omitempty"`
	Seed        string           `json:"seed,omitempty"`
	CommitHash  string           `json:"commitHash"`
	BetsCloseAt time.Time        `json:"betsCloseAt"`
}

func (RoundStarted) EventName() string { return EventRoundStart }

// GameActive multiplier starts growing, bets are closed.
type GameActive struct {
	RoundSeq  uint64    `json:"roundSeq"`
	StartTime time.Time `json:"startTime"`
}

func (GameActive) EventName() string { return EventGameActive }

// MultiplierUpdated one tick of a running round.
type MultiplierUpdated struct {
	RoundSeq   uint64          `json:"roundSeq"`
	Multiplier decimal.Decimal `json:"multiplier"`
	ElapsedMs  int64           `json:"elapsedMs"`
}

func (MultiplierUpdated) EventName() string { return EventMultiplierUpdate }

// BetPlaced a wager was accepted.
type BetPlaced struct {
	RoundSeq      uint64          `json:"roundSeq"`
	ParticipantID string          `json:"participantId"`
	Amount        decimal.Decimal `json:"amount"`
	Currency      Currency        `json:"currency"`
	Timestamp     time.Time       `json:"timestamp"`
}

func (BetPlaced) EventName() string { return EventBetPlaced }

// PlayerCashedOut a wager was cashed out.
type PlayerCashedOut struct {
	RoundSeq      uint64          `json:"roundSeq"`
	ParticipantID string          `json:"participantId"`
	Multiplier    decimal.Decimal `json:"multiplier"`
	PayoutAmount  decimal.Decimal `json:"payoutAmount"`
	Currency      Currency        `json:"currency"`
	Timestamp     time.Time       `json:"timestamp"`
}

func (PlayerCashedOut) EventName() string { return EventPlayerCashout }

// GameCrashed ends the round and reveals the seed for verification.
type GameCrashed struct {
	RoundSeq        uint64          `json:"roundSeq"`
	CrashPoint      decimal.Decimal `json:"crashPoint"`
	CrashTime       time.Time       `json:"crashTime"`
	FinalMultiplier decimal.Decimal `json:"finalMultiplier"`
	Seed            string          `json:"seed"`
	CommitHash      string          `json:"commitHash"`
	HouseProfit     decimal.Decimal `json:"houseProfit"`
}

func (GameCrashed) EventName() string { return EventGameCrash }
