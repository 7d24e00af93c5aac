package domain

import "github.com/pkg/errors"

// ErrorKind classifies failures reported to callers of the wager API.
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	// KindValidation bad input, rejected locally without state change.
	KindValidation
	// KindInsufficientBalance rejected, nothing debited.
	KindInsufficientBalance
	// KindRoundState the caller lost a race against the round lifecycle.
	KindRoundState
	// KindDependencyUnavailable rate source or store did not answer in time.
	KindDependencyUnavailable
)

func (k ErrorKind) String() string {
	switch k {
	case KindValidation:
		return "validation_error"
	case KindInsufficientBalance:
		return "insufficient_balance"
	case KindRoundState:
		return "round_state_error"
	case KindDependencyUnavailable:
		return "dependency_unavailable"
	default:
		return "unknown"
	}
}

// Error is a classified domain failure. Values are compared by identity, so wrap
// them with errors.Wrap and test with errors.Is.
type Error struct {
	Kind ErrorKind
	Msg  string
}

func (e *Error) Error() string {
	return e.Msg
}

var (
	ErrInvalidAmount       = &Error{Kind: KindValidation, Msg: "invalid amount"}
	ErrUnsupportedCurrency = &Error{Kind: KindValidation, Msg: "unsupported currency"}
	ErrInvalidParticipant  = &Error{Kind: KindValidation, Msg: "participant id is required"}

	ErrInsufficientBalance = &Error{Kind: KindInsufficientBalance, Msg: "insufficient balance"}

	ErrBettingClosed       = &Error{Kind: KindRoundState, Msg: "betting is closed for this round"}
	ErrRoundAlreadyCrashed = &Error{Kind: KindRoundState, Msg: "round already crashed"}
	ErrRoundNotRunning     = &Error{Kind: KindRoundState, Msg: "round is not running"}
	ErrNoActiveWager       = &Error{Kind: KindRoundState, Msg: "no active wager for participant"}
	ErrWagerExists         = &Error{Kind: KindRoundState, Msg: "participant already has a wager in this round"}
	ErrNoActiveRound       = &Error{Kind: KindRoundState, Msg: "no active round"}

	ErrDependencyUnavailable = &Error{Kind: KindDependencyUnavailable, Msg: "dependency unavailable"}
)

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) ErrorKind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return KindUnknown
}
