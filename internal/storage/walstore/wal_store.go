// Package walstore persists rounds, accounts and ledger entries in a write-ahead log.
package walstore

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"github.com/vadiminshakov/gowal"
	"go.uber.org/zap"

	"github.com/vadiminshakov/crashgame/internal/domain"
	"github.com/vadiminshakov/crashgame/pkg/retrier"
)

const (
	DefaultDir          = "./wal/crash"
	DefaultSegmentLimit = 1000
	// The log is the audit trail, segments are never evicted.
	maxSegments         = math.MaxInt32

	roundKeyPrefix    = "round_"
	mutationKeyPrefix = "mutation_"
)

type options struct {
	segmentLimit int
}

// Option configures Open.
type Option func(*options)

// WithSegmentLimit sets the number of records per WAL segment.
func WithSegmentLimit(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.segmentLimit = n
		}
	}
}

// Store is a WAL-backed store with an in-memory index rebuilt on open. The latest
// record for a key wins.
type Store struct {
	wal    *gowal.Wal
	logger *zap.Logger

	mu       sync.RWMutex
	rounds   map[uint64]domain.Round
	accounts map[string]domain.Account
	entries  map[string]domain.LedgerEntry
	lastSeq  uint64
}

// Open initializes the WAL in dir and replays it.
func Open(dir string, logger *zap.Logger, opts ...Option) (*Store, error) {
	if dir == "" {
		dir = DefaultDir
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	o := options{segmentLimit: DefaultSegmentLimit}
	for _, opt := range opts {
		opt(&o)
	}

	wal, err := gowal.NewWAL(gowal.Config{
		Dir:              dir,
		Prefix:           "crash_",
		SegmentThreshold: o.segmentLimit,
		MaxSegments:      maxSegments,
		IsInSyncDiskMode: true,
	})
	if err != nil {
		return nil, errors.Wrap(err, "init crash WAL")
	}

	s := &Store{
		wal:      wal,
		logger:   logger.With(zap.String("component", "walstore")),
		rounds:   make(map[uint64]domain.Round),
		accounts: make(map[string]domain.Account),
		entries:  make(map[string]domain.LedgerEntry),
	}
	s.replay()

	return s, nil
}

func (s *Store) replay() {
	for msg := range s.wal.Iterator() {
		switch {
		case strings.HasPrefix(msg.Key, roundKeyPrefix):
			var r domain.Round
			if err := json.Unmarshal(msg.Value, &r); err != nil {
				s.logger.Error("failed to unmarshal round", zap.Error(err), zap.String("key", msg.Key))
				continue
			}
			s.indexRound(r)
		case strings.HasPrefix(msg.Key, mutationKeyPrefix):
			var m domain.LedgerMutation
			if err := json.Unmarshal(msg.Value, &m); err != nil {
				s.logger.Error("failed to unmarshal ledger mutation", zap.Error(err), zap.String("key", msg.Key))
				continue
			}
			s.indexMutation(m)
		}
	}

	s.logger.Info("WAL replayed",
		zap.Uint64("last_round", s.lastSeq),
		zap.Int("accounts", len(s.accounts)),
		zap.Int("entries", len(s.entries)))
}

// PersistRound writes the round snapshot.
func (s *Store) PersistRound(ctx context.Context, round domain.Round) error {
	if err := s.write(ctx, fmt.Sprintf("%s%d", roundKeyPrefix, round.Seq), round); err != nil {
		return errors.Wrapf(err, "persist round %d", round.Seq)
	}

	s.mu.Lock()
	s.indexRound(round)
	s.mu.Unlock()

	return nil
}

// PersistMutation writes the account and its entry as a single record, so a
// failed write leaves neither behind. Rewriting an entry id replaces the earlier record.
func (s *Store) PersistMutation(ctx context.Context, m domain.LedgerMutation) error {
	pid := m.Account.ParticipantID
	if pid == "" {
		return retrier.Permanent(errors.New("account participant id is required"))
	}

	key := mutationKeyPrefix + pid
	if m.Entry != nil {
		if m.Entry.ID == "" {
			return retrier.Permanent(errors.New("ledger entry id is required"))
		}
		if m.Entry.ParticipantID != pid {
			return retrier.Permanent(errors.Errorf("ledger entry %s belongs to %q, account is %q",
				m.Entry.ID, m.Entry.ParticipantID, pid))
		}
		key += "_" + m.Entry.ID
	}

	if err := s.write(ctx, key, m); err != nil {
		return errors.Wrapf(err, "persist ledger mutation for %s", pid)
	}

	s.mu.Lock()
	s.indexMutation(m)
	s.mu.Unlock()

	return nil
}

// LastRoundSeq returns the highest persisted round sequence, 0 for an empty store.
func (s *Store) LastRoundSeq() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.lastSeq
}

// Round returns the latest snapshot of the round.
func (s *Store) Round(seq uint64) (domain.Round, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.rounds[seq]
	if !ok {
		return domain.Round{}, false
	}
	return r.Clone(), true
}

// History returns up to limit crashed rounds, newest first.
func (s *Store) History(limit int) []domain.Round {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seqs := make([]uint64, 0, len(s.rounds))
	for seq, r := range s.rounds {
		if r.Status == domain.RoundCrashed {
			seqs = append(seqs, seq)
		}
	}
	sort.Slice(seqs, func(i, j int) bool { return seqs[i] > seqs[j] })
	if limit > 0 && len(seqs) > limit {
		seqs = seqs[:limit]
	}

	out := make([]domain.Round, 0, len(seqs))
	for _, seq := range seqs {
		r := s.rounds[seq]
		out = append(out, r.Clone())
	}
	return out
}

// Accounts returns every persisted account.
func (s *Store) Accounts() []domain.Account {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.Account, 0, len(s.accounts))
	for _, a := range s.accounts {
		out = append(out, a.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ParticipantID < out[j].ParticipantID })
	return out
}

// Entries returns every persisted ledger entry, oldest first.
func (s *Store) Entries() []domain.LedgerEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.LedgerEntry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e)
	}
	sortEntries(out)
	return out
}

// EntriesFor returns the participant's ledger entries, oldest first.
func (s *Store) EntriesFor(participantID string) []domain.LedgerEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.LedgerEntry
	for _, e := range s.entries {
		if e.ParticipantID == participantID {
			out = append(out, e)
		}
	}
	sortEntries(out)
	return out
}

// Close closes the underlying WAL.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.wal.Close()
}

func (s *Store) write(ctx context.Context, key string, v any) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	payload, err := json.Marshal(v)
	if err != nil {
		return retrier.Permanent(errors.Wrap(err, "marshal record"))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	nextIndex := s.wal.CurrentIndex() + 1
	return s.wal.Write(nextIndex, key, payload)
}

// indexRound expects mu to be held or the store not yet shared.
func (s *Store) indexRound(r domain.Round) {
	s.rounds[r.Seq] = r.Clone()
	if r.Seq > s.lastSeq {
		s.lastSeq = r.Seq
	}
}

// indexMutation expects mu to be held or the store not yet shared.
func (s *Store) indexMutation(m domain.LedgerMutation) {
	s.accounts[m.Account.ParticipantID] = m.Account.Clone()
	if m.Entry != nil {
		s.entries[m.Entry.ID] = *m.Entry
	}
}

func sortEntries(es []domain.LedgerEntry) {
	sort.Slice(es, func(i, j int) bool {
		if es[i].CreatedAt.Equal(es[j].CreatedAt) {
			return es[i].ID < es[j].ID
		}
		return es[i].CreatedAt.Before(es[j].CreatedAt)
	})
}
