// Package ledger owns participant accounts. Every balance mutation is serialized per
// participant, persisted together with its audit entry and only then made visible.
package ledger

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/vadiminshakov/crashgame/internal/domain"
	"github.com/vadiminshakov/crashgame/pkg/retrier"
)

const (
	defaultStoreTimeout      = 2 * time.Second
	defaultRoundStoreTimeout = 50 * time.Millisecond
)

// Store persists accounts and their audit trail. A mutation is written whole or not
// at all, and the store gives up once ctx is done.
type Store interface {
	PersistMutation(ctx context.Context, m domain.LedgerMutation) error
}

// Ref describes why a balance moves.
type Ref struct {
	Kind     domain.EntryKind
	RoundSeq *uint64
	// Normalized is the amount in the normalized unit, feeds the account totals.
	Normalized decimal.Decimal
	Rate       decimal.Decimal
}

// StakeRef references a stake debited for a round.
func StakeRef(roundSeq uint64, normalized, rate decimal.Decimal) Ref {
	return Ref{Kind: domain.EntryStake, RoundSeq: &roundSeq, Normalized: normalized, Rate: rate}
}

// PayoutRef references a cashout credited for a round.
func PayoutRef(roundSeq uint64, normalized, rate decimal.Decimal) Ref {
	return Ref{Kind: domain.EntryPayout, RoundSeq: &roundSeq, Normalized: normalized, Rate: rate}
}

// Config for the ledger.
type Config struct {
	// StartingBalances are granted to a participant on first sight.
	StartingBalances  map[domain.Currency]decimal.Decimal
	StoreTimeout      time.Duration
	// RoundStoreTimeout bounds the store write for stakes and payouts. They are
	// applied under the round lock and get a single attempt.
	RoundStoreTimeout time.Duration
	Retrier           *retrier.Retrier
}

// Ledger is safe for concurrent use. Mutations for one participant are linearizable,
// different participants proceed in parallel.
type Ledger struct {
	cfg     Config
	store   Store
	retrier *retrier.Retrier
	logger  *zap.Logger
	now     func() time.Time

	// mu guards the maps, never held while persisting
	mu       sync.Mutex
	accounts map[string]domain.Account
	entries  map[string][]domain.LedgerEntry
	locks    map[string]*sync.Mutex
}

// New creates a ledger. A nil store keeps state in memory only.
func New(cfg Config, store Store, logger *zap.Logger) *Ledger {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("component", "ledger"))
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = defaultStoreTimeout
	}
	if cfg.RoundStoreTimeout <= 0 {
		cfg.RoundStoreTimeout = defaultRoundStoreTimeout
	}
	r := cfg.Retrier
	if r == nil {
		r = retrier.New(
			retrier.WithMaxRetries(2),
			retrier.WithOnRetry(func(attempt int, err error) {
				logger.Warn("retrying ledger write", zap.Int("attempt", attempt), zap.Error(err))
			}),
		)
	}

	return &Ledger{
		cfg:      cfg,
		store:    store,
		retrier:  r,
		logger:   logger,
		now:      time.Now,
		accounts: make(map[string]domain.Account),
		entries:  make(map[string][]domain.LedgerEntry),
		locks:    make(map[string]*sync.Mutex),
	}
}

// Restore seeds the ledger with previously persisted state. Call before serving.
func (l *Ledger) Restore(accounts []domain.Account, entries []domain.LedgerEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, a := range accounts {
		l.accounts[a.ParticipantID] = a.Clone()
	}
	for _, e := range entries {
		l.entries[e.ParticipantID] = append(l.entries[e.ParticipantID], e)
	}
	for pid := range l.entries {
		es := l.entries[pid]
		sort.SliceStable(es, func(i, j int) bool { return es[i].CreatedAt.Before(es[j].CreatedAt) })
	}
}

// Account returns a snapshot of the participant's account, creating it with the
// starting balances if it does not exist yet.
func (l *Ledger) Account(participantID string) domain.Account {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.accountLocked(participantID).Clone()
}

// Entries returns the participant's audit trail, oldest first.
func (l *Ledger) Entries(participantID string) []domain.LedgerEntry {
	l.mu.Lock()
	defer l.mu.Unlock()

	es := l.entries[participantID]
	out := make([]domain.LedgerEntry, len(es))
	copy(out, es)
	return out
}

// Debit decreases the balance. The balance never goes negative.
func (l *Ledger) Debit(ctx context.Context, participantID string, amount decimal.Decimal, currency domain.Currency, ref Ref) (domain.LedgerEntry, error) {
	if !ref.Kind.IsDebit() {
		return domain.LedgerEntry{}, errors.Errorf("entry kind %q cannot debit", ref.Kind)
	}
	return l.apply(ctx, participantID, amount, currency, ref)
}

// Credit increases the balance.
func (l *Ledger) Credit(ctx context.Context, participantID string, amount decimal.Decimal, currency domain.Currency, ref Ref) (domain.LedgerEntry, error) {
	if ref.Kind == "" || ref.Kind.IsDebit() {
		return domain.LedgerEntry{}, errors.Errorf("entry kind %q cannot credit", ref.Kind)
	}
	return l.apply(ctx, participantID, amount, currency, ref)
}

// Deposit credits funds outside of any round.
func (l *Ledger) Deposit(ctx context.Context, participantID string, amount decimal.Decimal, currency domain.Currency) (domain.LedgerEntry, error) {
	return l.Credit(ctx, participantID, amount, currency, Ref{Kind: domain.EntryDeposit})
}

// Withdraw debits funds outside of any round.
func (l *Ledger) Withdraw(ctx context.Context, participantID string, amount decimal.Decimal, currency domain.Currency) (domain.LedgerEntry, error) {
	return l.Debit(ctx, participantID, amount, currency, Ref{Kind: domain.EntryWithdrawal})
}

// RecordLoss adds a settled loss to the participant totals. Balances do not move,
// the stake was debited when the wager was placed.
func (l *Ledger) RecordLoss(ctx context.Context, participantID string, normalized decimal.Decimal) error {
	if participantID == "" {
		return domain.ErrInvalidParticipant
	}
	if normalized.IsNegative() {
		return errors.Wrapf(domain.ErrInvalidAmount, "loss %s", normalized)
	}

	unlock := l.lockParticipant(participantID)
	defer unlock()

	next := l.Account(participantID)
	next.TotalLost = next.TotalLost.Add(normalized)
	next.LastActive = l.now()

	if err := l.persist(ctx, domain.LedgerMutation{Account: next}); err != nil {
		return err
	}

	l.mu.Lock()
	l.accounts[participantID] = next
	l.mu.Unlock()

	return nil
}

func (l *Ledger) apply(ctx context.Context, participantID string, amount decimal.Decimal, currency domain.Currency, ref Ref) (domain.LedgerEntry, error) {
	if participantID == "" {
		return domain.LedgerEntry{}, domain.ErrInvalidParticipant
	}
	if !amount.IsPositive() {
		return domain.LedgerEntry{}, errors.Wrapf(domain.ErrInvalidAmount, "amount %s", amount)
	}

	unlock := l.lockParticipant(participantID)
	defer unlock()

	next := l.Account(participantID)
	balance := next.Balance(currency)
	if ref.Kind.IsDebit() {
		if balance.LessThan(amount) {
			return domain.LedgerEntry{}, errors.Wrapf(domain.ErrInsufficientBalance,
				"%s balance %s, requested %s", currency, balance, amount)
		}
		balance = balance.Sub(amount)
	} else {
		balance = balance.Add(amount)
	}

	now := l.now()
	next.Balances[currency] = balance
	next.LastActive = now
	switch ref.Kind {
	case domain.EntryStake:
		next.TotalStaked = next.TotalStaked.Add(ref.Normalized)
	case domain.EntryPayout:
		next.TotalWon = next.TotalWon.Add(ref.Normalized)
	}

	entry := domain.LedgerEntry{
		ID:            uuid.NewString(),
		ParticipantID: participantID,
		RoundSeq:      ref.RoundSeq,
		Kind:          ref.Kind,
		Currency:      currency,
		Amount:        amount,
		Normalized:    ref.Normalized,
		Rate:          ref.Rate,
		BalanceAfter:  balance,
		CreatedAt:     now,
	}

	if err := l.persist(ctx, domain.LedgerMutation{Account: next, Entry: &entry}); err != nil {
		return domain.LedgerEntry{}, err
	}

	l.mu.Lock()
	l.accounts[participantID] = next
	l.entries[participantID] = append(l.entries[participantID], entry)
	l.mu.Unlock()

	l.logger.Debug("balance updated",
		zap.String("participant", participantID),
		zap.String("kind", string(ref.Kind)),
		zap.String("currency", currency.String()),
		zap.String("amount", amount.String()),
		zap.String("balance", balance.String()),
		zap.String("entry", entry.ID))

	return entry, nil
}

// persist writes the mutation. Round-scoped entries get one bounded attempt,
// everything else goes through the retrier. A retried attempt rewrites the same
// entry id, so the store sees it at most once.
func (l *Ledger) persist(ctx context.Context, m domain.LedgerMutation) error {
	if l.store == nil {
		return nil
	}

	var err error
	if m.Entry != nil && m.Entry.RoundSeq != nil {
		err = l.write(ctx, m, l.cfg.RoundStoreTimeout)
	} else {
		err = l.retrier.Do(ctx, func(ctx context.Context) error {
			return l.write(ctx, m, l.cfg.StoreTimeout)
		})
	}
	if err != nil {
		l.logger.Error("ledger persistence failed",
			zap.String("participant", m.Account.ParticipantID), zap.Error(err))
		return errors.Wrapf(domain.ErrDependencyUnavailable, "ledger store: %v", err)
	}

	return nil
}

func (l *Ledger) write(ctx context.Context, m domain.LedgerMutation, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	return errors.Wrap(l.store.PersistMutation(ctx, m), "persist ledger mutation")
}

func (l *Ledger) lockParticipant(participantID string) func() {
	l.mu.Lock()
	m, ok := l.locks[participantID]
	if !ok {
		m = &sync.Mutex{}
		l.locks[participantID] = m
	}
	l.mu.Unlock()

	m.Lock()
	return m.Unlock
}

func (l *Ledger) accountLocked(participantID string) domain.Account {
	a, ok := l.accounts[participantID]
	if !ok {
		a = domain.NewAccount(participantID, l.cfg.StartingBalances, l.now())
		l.accounts[participantID] = a
	}
	return a
}
