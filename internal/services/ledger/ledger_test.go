package ledger

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/vadiminshakov/crashgame/internal/domain"
	"github.com/vadiminshakov/crashgame/pkg/retrier"
)

type fakeStore struct {
	mu       sync.Mutex
	failures int // remaining calls to fail
	calls    int
	accounts map[string]domain.Account
	entries  map[string]domain.LedgerEntry
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		accounts: make(map[string]domain.Account),
		entries:  make(map[string]domain.LedgerEntry),
	}
}

func (s *fakeStore) PersistMutation(_ context.Context, m domain.LedgerMutation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.failures > 0 {
		s.failures--
		return errors.New("disk unavailable")
	}
	s.accounts[m.Account.ParticipantID] = m.Account.Clone()
	if m.Entry != nil {
		s.entries[m.Entry.ID] = *m.Entry
	}
	return nil
}

func (s *fakeStore) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// blockingStore holds every write until the caller gives up.
type blockingStore struct{}

func (blockingStore) PersistMutation(ctx context.Context, _ domain.LedgerMutation) error {
	<-ctx.Done()
	return ctx.Err()
}

func newTestLedger(store Store) *Ledger {
	return New(Config{
		StartingBalances: map[domain.Currency]decimal.Decimal{
			domain.CurrencyUSD: decimal.NewFromInt(100),
			domain.CurrencyBTC: decimal.RequireFromString("0.001"),
		},
		Retrier: retrier.New(retrier.WithMaxRetries(1), retrier.WithInitialInterval(time.Millisecond)),
	}, store, nil)
}

func TestLedger_StartingBalances(t *testing.T) {
	l := newTestLedger(nil)

	a := l.Account("alice")
	assert.Equal(t, "alice", a.ParticipantID)
	assert.True(t, a.Balance(domain.CurrencyUSD).Equal(decimal.NewFromInt(100)))
	assert.True(t, a.Balance(domain.CurrencyBTC).Equal(decimal.RequireFromString("0.001")))
	assert.True(t, a.Balance(domain.CurrencyETH).IsZero())
	assert.True(t, a.TotalStaked.IsZero())
}

func TestLedger_DebitStake(t *testing.T) {
	store := newFakeStore()
	l := newTestLedger(store)
	ctx := context.Background()

	entry, err := l.Debit(ctx, "alice", decimal.NewFromInt(10), domain.CurrencyUSD,
		StakeRef(7, decimal.NewFromInt(10), decimal.NewFromInt(1)))
	require.NoError(t, err)

	assert.NotEmpty(t, entry.ID)
	assert.Equal(t, domain.EntryStake, entry.Kind)
	require.NotNil(t, entry.RoundSeq)
	assert.Equal(t, uint64(7), *entry.RoundSeq)
	assert.True(t, entry.BalanceAfter.Equal(decimal.NewFromInt(90)))

	a := l.Account("alice")
	assert.True(t, a.Balance(domain.CurrencyUSD).Equal(decimal.NewFromInt(90)))
	assert.True(t, a.TotalStaked.Equal(decimal.NewFromInt(10)))

	// persisted before it became visible
	assert.Contains(t, store.entries, entry.ID)
	assert.True(t, store.accounts["alice"].Balance(domain.CurrencyUSD).Equal(decimal.NewFromInt(90)))
	assert.Len(t, l.Entries("alice"), 1)
}

func TestLedger_Rejections(t *testing.T) {
	l := newTestLedger(nil)
	ctx := context.Background()
	ref := StakeRef(1, decimal.NewFromInt(1), decimal.NewFromInt(1))

	tests := []struct {
		name     string
		pid      string
		amount   decimal.Decimal
		currency domain.Currency
		want     error
	}{
		{"zero amount", "alice", decimal.Zero, domain.CurrencyUSD, domain.ErrInvalidAmount},
		{"negative amount", "alice", decimal.NewFromInt(-5), domain.CurrencyUSD, domain.ErrInvalidAmount},
		{"no participant", "", decimal.NewFromInt(1), domain.CurrencyUSD, domain.ErrInvalidParticipant},
		{"over balance", "alice", decimal.RequireFromString("100.01"), domain.CurrencyUSD, domain.ErrInsufficientBalance},
		{"empty currency", "alice", decimal.NewFromInt(1), domain.CurrencyETH, domain.ErrInsufficientBalance},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := l.Debit(ctx, tt.pid, tt.amount, tt.currency, ref)
			require.ErrorIs(t, err, tt.want)
		})
	}

	a := l.Account("alice")
	assert.True(t, a.Balance(domain.CurrencyUSD).Equal(decimal.NewFromInt(100)))
	assert.True(t, a.TotalStaked.IsZero())
	assert.Empty(t, l.Entries("alice"))
}

func TestLedger_EntryKindDirection(t *testing.T) {
	l := newTestLedger(nil)
	ctx := context.Background()

	_, err := l.Debit(ctx, "alice", decimal.NewFromInt(1), domain.CurrencyUSD, Ref{Kind: domain.EntryPayout})
	require.Error(t, err)
	_, err = l.Credit(ctx, "alice", decimal.NewFromInt(1), domain.CurrencyUSD, Ref{Kind: domain.EntryStake})
	require.Error(t, err)
}

func TestLedger_StoreFailureLeavesAccountUnchanged(t *testing.T) {
	store := newFakeStore()
	store.failures = 10
	l := newTestLedger(store)

	_, err := l.Debit(context.Background(), "alice", decimal.NewFromInt(10), domain.CurrencyUSD,
		StakeRef(1, decimal.NewFromInt(10), decimal.NewFromInt(1)))
	require.ErrorIs(t, err, domain.ErrDependencyUnavailable)
	assert.Equal(t, domain.KindDependencyUnavailable, domain.KindOf(err))

	a := l.Account("alice")
	assert.True(t, a.Balance(domain.CurrencyUSD).Equal(decimal.NewFromInt(100)))
	assert.True(t, a.TotalStaked.IsZero())
	assert.Empty(t, l.Entries("alice"))
}

func TestLedger_FailedWriteLeavesNothingPersisted(t *testing.T) {
	store := newFakeStore()
	store.failures = 10
	l := newTestLedger(store)

	_, err := l.Deposit(context.Background(), "alice", decimal.NewFromInt(5), domain.CurrencyUSD)
	require.ErrorIs(t, err, domain.ErrDependencyUnavailable)

	// neither the entry nor the account made it to the store
	assert.Empty(t, store.entries)
	assert.Empty(t, store.accounts)

	store.failures = 0
	entry, err := l.Deposit(context.Background(), "alice", decimal.NewFromInt(5), domain.CurrencyUSD)
	require.NoError(t, err)
	require.Len(t, store.entries, 1)
	assert.True(t, store.accounts["alice"].Balance(domain.CurrencyUSD).Equal(entry.BalanceAfter))
	assert.True(t, entry.BalanceAfter.Equal(decimal.NewFromInt(105)))
}

func TestLedger_TransientStoreFailureIsRetried(t *testing.T) {
	store := newFakeStore()
	store.failures = 1
	l := newTestLedger(store)

	entry, err := l.Deposit(context.Background(), "alice", decimal.NewFromInt(21), domain.CurrencyUSD)
	require.NoError(t, err)

	assert.Equal(t, 2, store.callCount())
	assert.Len(t, store.entries, 1)
	assert.True(t, entry.BalanceAfter.Equal(decimal.NewFromInt(121)))
}

func TestLedger_RoundEntriesGetOneAttempt(t *testing.T) {
	store := newFakeStore()
	store.failures = 1
	l := newTestLedger(store)

	_, err := l.Credit(context.Background(), "alice", decimal.NewFromInt(21), domain.CurrencyUSD,
		PayoutRef(7, decimal.NewFromInt(21), decimal.NewFromInt(1)))
	require.ErrorIs(t, err, domain.ErrDependencyUnavailable)
	assert.Equal(t, 1, store.callCount())
	assert.True(t, l.Account("alice").TotalWon.IsZero())

	// the caller decides whether to try again
	entry, err := l.Credit(context.Background(), "alice", decimal.NewFromInt(21), domain.CurrencyUSD,
		PayoutRef(7, decimal.NewFromInt(21), decimal.NewFromInt(1)))
	require.NoError(t, err)
	assert.True(t, entry.BalanceAfter.Equal(decimal.NewFromInt(121)))
	assert.True(t, l.Account("alice").TotalWon.Equal(decimal.NewFromInt(21)))
}

func TestLedger_RoundEntryWriteIsBounded(t *testing.T) {
	l := New(Config{
		StoreTimeout:      time.Minute,
		RoundStoreTimeout: 20 * time.Millisecond,
	}, blockingStore{}, nil)

	start := time.Now()
	_, err := l.Credit(context.Background(), "alice", decimal.NewFromInt(1), domain.CurrencyUSD,
		PayoutRef(3, decimal.NewFromInt(1), decimal.NewFromInt(1)))
	require.ErrorIs(t, err, domain.ErrDependencyUnavailable)
	assert.Less(t, time.Since(start), time.Second)
	assert.True(t, l.Account("alice").Balance(domain.CurrencyUSD).IsZero())
}

func TestLedger_RetriesAreLogged(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	store := newFakeStore()
	store.failures = 1
	l := New(Config{}, store, zap.New(core))

	_, err := l.Deposit(context.Background(), "alice", decimal.NewFromInt(1), domain.CurrencyUSD)
	require.NoError(t, err)

	retries := logs.FilterMessage("retrying ledger write").All()
	require.Len(t, retries, 1)
	assert.Equal(t, int64(1), retries[0].ContextMap()["attempt"])
}

func TestLedger_ConcurrentDebitsNeverOverdraw(t *testing.T) {
	l := newTestLedger(newFakeStore())
	ctx := context.Background()

	var (
		wg        sync.WaitGroup
		succeeded atomic.Int32
		rejected  atomic.Int32
	)
	for i := 0; i < 150; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := l.Debit(ctx, "alice", decimal.NewFromInt(1), domain.CurrencyUSD,
				StakeRef(1, decimal.NewFromInt(1), decimal.NewFromInt(1)))
			if err == nil {
				succeeded.Add(1)
				return
			}
			if errors.Is(err, domain.ErrInsufficientBalance) {
				rejected.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(100), succeeded.Load())
	assert.Equal(t, int32(50), rejected.Load())
	assert.True(t, l.Account("alice").Balance(domain.CurrencyUSD).IsZero())
	assert.True(t, l.Account("alice").TotalStaked.Equal(decimal.NewFromInt(100)))

	entries := l.Entries("alice")
	require.Len(t, entries, 100)
	ids := make(map[string]struct{}, len(entries))
	for _, e := range entries {
		ids[e.ID] = struct{}{}
	}
	assert.Len(t, ids, 100)
}

func TestLedger_ParticipantsAreIndependent(t *testing.T) {
	l := newTestLedger(nil)
	ctx := context.Background()

	var wg sync.WaitGroup
	for _, pid := range []string{"alice", "bob", "carol"} {
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func(pid string) {
				defer wg.Done()
				_, err := l.Deposit(ctx, pid, decimal.RequireFromString("0.5"), domain.CurrencyUSD)
				assert.NoError(t, err)
			}(pid)
		}
	}
	wg.Wait()

	for _, pid := range []string{"alice", "bob", "carol"} {
		assert.True(t, l.Account(pid).Balance(domain.CurrencyUSD).Equal(decimal.NewFromInt(110)), pid)
	}
}

func TestLedger_RecordLossAndWithdraw(t *testing.T) {
	l := newTestLedger(newFakeStore())
	ctx := context.Background()

	require.NoError(t, l.RecordLoss(ctx, "bob", decimal.NewFromInt(30)))
	require.NoError(t, l.RecordLoss(ctx, "bob", decimal.NewFromInt(5)))
	assert.True(t, l.Account("bob").TotalLost.Equal(decimal.NewFromInt(35)))
	assert.True(t, l.Account("bob").Balance(domain.CurrencyUSD).Equal(decimal.NewFromInt(100)))
	require.ErrorIs(t, l.RecordLoss(ctx, "bob", decimal.NewFromInt(-1)), domain.ErrInvalidAmount)

	entry, err := l.Withdraw(ctx, "bob", decimal.RequireFromString("0.0004"), domain.CurrencyBTC)
	require.NoError(t, err)
	assert.Nil(t, entry.RoundSeq)
	assert.Equal(t, domain.EntryWithdrawal, entry.Kind)
	assert.True(t, l.Account("bob").Balance(domain.CurrencyBTC).Equal(decimal.RequireFromString("0.0006")))
}

func TestLedger_Restore(t *testing.T) {
	now := time.Now()
	acc := domain.NewAccount("alice", map[domain.Currency]decimal.Decimal{domain.CurrencyUSD: decimal.NewFromInt(42)}, now)
	entries := []domain.LedgerEntry{
		{ID: "b", ParticipantID: "alice", Kind: domain.EntryPayout, CreatedAt: now.Add(time.Second)},
		{ID: "a", ParticipantID: "alice", Kind: domain.EntryStake, CreatedAt: now},
	}

	l := newTestLedger(nil)
	l.Restore([]domain.Account{acc}, entries)

	assert.True(t, l.Account("alice").Balance(domain.CurrencyUSD).Equal(decimal.NewFromInt(42)))
	got := l.Entries("alice")
	require.Len(t, got, 2)
	assert.Equal(t, "a", got[0].ID)
	assert.Equal(t, "b", got[1].ID)
}
