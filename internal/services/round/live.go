package round

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/vadiminshakov/crashgame/internal/domain"
)

// Tick is the multiplier state published by the latest tick.
type Tick struct {
	Multiplier  decimal.Decimal
	Elapsed     time.Duration
	BetsCloseAt time.Time
}

var cent = decimal.New(1, -2)

// CashoutMultiplier is the multiplier a cashout settles at. The published value is
// rounded and may equal the crash point, a cashout stays one cent below it.
func (t Tick) CashoutMultiplier(crashPoint decimal.Decimal) decimal.Decimal {
	ceiling := crashPoint.Sub(cent)
	if t.Multiplier.GreaterThanOrEqual(crashPoint) && ceiling.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return ceiling
	}
	return t.Multiplier
}

// Live is the exclusion domain of one round. Ticks, crashes, bets and cashouts all
// run under its lock, so a cashout is either applied before the crashing tick or
// observes the crashed status.
type Live struct {
	seq uint64

	mu           sync.Mutex
	round        *domain.Round
	multiplier   decimal.Decimal
	elapsed      time.Duration
	betsCloseAt  time.Time
	runningSince time.Time
}

func newLive(r *domain.Round, betsCloseAt time.Time) *Live {
	return &Live{
		seq:         r.Seq,
		round:       r,
		multiplier:  decimal.NewFromInt(1),
		betsCloseAt: betsCloseAt,
	}
}

// Seq returns the round sequence number.
func (l *Live) Seq() uint64 {
	return l.seq
}

// Do runs fn with exclusive access to the round. fn must not block on anything but
// bounded calls and must not retain r.
func (l *Live) Do(fn func(r *domain.Round, t Tick) error) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	return fn(l.round, l.tickLocked())
}

// Snapshot returns a deep copy of the round and the latest tick.
func (l *Live) Snapshot() (domain.Round, Tick) {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.round.Clone(), l.tickLocked()
}

func (l *Live) tickLocked() Tick {
	return Tick{
		Multiplier:  l.multiplier,
		Elapsed:     l.elapsed,
		BetsCloseAt: l.betsCloseAt,
	}
}
