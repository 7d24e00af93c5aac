// Package round drives the crash round lifecycle: pending, running, crashed, repeat.
package round

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/vadiminshakov/crashgame/internal/domain"
	"github.com/vadiminshakov/crashgame/internal/services/fairness"
	"github.com/vadiminshakov/crashgame/pkg/retrier"
)

// Config controls round timing.
type Config struct {
	BetWindow       time.Duration
	TickInterval    time.Duration
	InterRoundDelay time.Duration
	StoreTimeout    time.Duration
	// GrowthRate is the multiplier gained per second of running time.
	GrowthRate decimal.Decimal
	// DiscloseCrashPoint publishes the crash point and seed at round start.
	DiscloseCrashPoint bool
}

// DefaultConfig returns the stock timing: 5s bets, 100ms ticks, +0.05x per second.
func DefaultConfig() Config {
	return Config{
		BetWindow:       5 * time.Second,
		TickInterval:    100 * time.Millisecond,
		InterRoundDelay: 10 * time.Second,
		StoreTimeout:    2 * time.Second,
		GrowthRate:      decimal.RequireFromString("0.05"),
	}
}

// Committer fixes the seed and crash point of a new round.
type Committer interface {
	Commit(roundSeq uint64) (fairness.Commitment, error)
}

// Store persists round snapshots.
type Store interface {
	PersistRound(ctx context.Context, round domain.Round) error
}

// Publisher receives lifecycle events.
type Publisher interface {
	Publish(event domain.Event)
}

// Settler resolves the wagers left pending when a round crashes.
type Settler interface {
	SettleCrashedRound(ctx context.Context, live *Live) error
}

// Scheduler owns the live round. It is the only writer of round status and multiplier.
type Scheduler struct {
	cfg       Config
	committer Committer
	store     Store
	publisher Publisher
	retrier   *retrier.Retrier
	logger    *zap.Logger
	now       func() time.Time

	mu      sync.RWMutex
	current *Live
	lastSeq uint64
}

// NewScheduler creates a scheduler. store and publisher may be nil.
func NewScheduler(cfg Config, committer Committer, store Store, publisher Publisher, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("component", "round"))
	def := DefaultConfig()
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = def.TickInterval
	}
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = def.StoreTimeout
	}
	if !cfg.GrowthRate.IsPositive() {
		cfg.GrowthRate = def.GrowthRate
	}

	return &Scheduler{
		cfg:       cfg,
		committer: committer,
		store:     store,
		publisher: publisher,
		retrier: retrier.New(
			retrier.WithMaxRetries(2),
			retrier.WithOnRetry(func(attempt int, err error) {
				logger.Warn("retrying round write", zap.Int("attempt", attempt), zap.Error(err))
			}),
		),
		logger: logger,
		now:    time.Now,
	}
}

// Recover continues numbering after last, the latest persisted round. A round that
// was interrupted before crashing is closed as crashed without settlement, its
// balance movements are already in the ledger.
func (s *Scheduler) Recover(ctx context.Context, last *domain.Round) {
	if last == nil {
		return
	}

	s.mu.Lock()
	if last.Seq > s.lastSeq {
		s.lastSeq = last.Seq
	}
	s.mu.Unlock()

	if last.Status == domain.RoundCrashed {
		return
	}

	closed := last.Clone()
	closed.Status = domain.RoundCrashed
	closed.CrashedAt = s.now()
	closed.HouseProfit = closed.CalculateHouseProfit()
	s.logger.Warn("closing interrupted round",
		zap.Uint64("round", closed.Seq),
		zap.String("status", string(last.Status)),
		zap.Int("pending_wagers", len(closed.PendingWagers())))

	if err := s.persist(ctx, closed); err != nil {
		s.logger.Error("failed to persist interrupted round", zap.Uint64("round", closed.Seq), zap.Error(err))
	}
}

// Current returns the live round, nil before the first round opened.
func (s *Scheduler) Current() *Live {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.current
}

// State returns the public view of the current round.
func (s *Scheduler) State() (domain.GameState, error) {
	live := s.Current()
	if live == nil {
		return domain.GameState{}, domain.ErrNoActiveRound
	}

	r, t := live.Snapshot()
	state := domain.GameState{
		RoundSeq:   r.Seq,
		Status:     r.Status,
		CommitHash: r.CommitHash,
		CreatedAt:  r.CreatedAt,
		StartedAt:  r.StartedAt,
		CrashedAt:  r.CrashedAt,
		Multiplier: t.Multiplier,
		ElapsedMs:  t.Elapsed.Milliseconds(),
		Wagers:     make([]domain.WagerView, 0, len(r.Wagers)),
	}
	if r.Status == domain.RoundCrashed {
		state.Multiplier = r.FinalMultiplier
	}
	if r.Status == domain.RoundCrashed || s.cfg.DiscloseCrashPoint {
		cp := r.CrashPoint
		state.CrashPoint = &cp
		state.Seed = r.Seed
	}
	for _, w := range r.Wagers {
		state.Wagers = append(state.Wagers, domain.NewWagerView(w))
	}

	return state, nil
}

// Run repeats rounds until ctx is cancelled. Failures inside a round are logged,
// the loop itself never stops on them.
func (s *Scheduler) Run(ctx context.Context, settler Settler) error {
	s.logger.Info("starting round loop",
		zap.Duration("bet_window", s.cfg.BetWindow),
		zap.Duration("tick_interval", s.cfg.TickInterval),
		zap.String("growth_rate", s.cfg.GrowthRate.String()))

	for {
		live, err := s.OpenRound(ctx)
		if err != nil {
			s.logger.Error("failed to open round, retrying", zap.Error(err), zap.Duration("delay", s.cfg.InterRoundDelay))
			if !sleep(ctx, s.cfg.InterRoundDelay) {
				return ctx.Err()
			}
			continue
		}

		_, t := live.Snapshot()
		if !sleep(ctx, t.BetsCloseAt.Sub(s.now())) {
			return ctx.Err()
		}

		s.StartRunning(ctx, live)

		if !s.runTicks(ctx, live) {
			return ctx.Err()
		}

		s.FinishRound(ctx, live, settler)

		if !sleep(ctx, s.cfg.InterRoundDelay) {
			return ctx.Err()
		}
	}
}

func (s *Scheduler) runTicks(ctx context.Context, live *Live) bool {
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return false
		case now := <-ticker.C:
			if s.Tick(live, now) {
				return true
			}
		}
	}
}

// OpenRound commits a new round and makes it current. The sequence number is only
// consumed once the round is persisted.
func (s *Scheduler) OpenRound(ctx context.Context) (*Live, error) {
	s.mu.RLock()
	seq := s.lastSeq + 1
	s.mu.RUnlock()

	c, err := s.committer.Commit(seq)
	if err != nil {
		return nil, errors.Wrapf(err, "commit round %d", seq)
	}

	now := s.now()
	r := domain.NewRound(seq, c.Seed, c.CommitHash, c.CrashPoint, now)

	if err := s.persistOnce(ctx, r.Clone()); err != nil {
		return nil, errors.Wrapf(err, "persist new round %d", seq)
	}

	live := newLive(r, now.Add(s.cfg.BetWindow))

	s.mu.Lock()
	s.current = live
	s.lastSeq = seq
	s.mu.Unlock()

	s.logger.Info("round opened", zap.Uint64("round", seq), zap.String("commit_hash", c.CommitHash))

	ev := domain.RoundStarted{
		RoundSeq:    seq,
		StartTime:   now,
		CommitHash:  c.CommitHash,
		BetsCloseAt: now.Add(s.cfg.BetWindow),
	}
	if s.cfg.DiscloseCrashPoint {
		cp := c.CrashPoint
		ev.CrashPoint = &cp
		ev.Seed = c.Seed
	}
	s.publish(ev)

	return live, nil
}

// StartRunning closes bets and starts the multiplier.
func (s *Scheduler) StartRunning(ctx context.Context, live *Live) {
	now := s.now()

	var snapshot domain.Round
	_ = live.Do(func(r *domain.Round, _ Tick) error {
		r.Status = domain.RoundRunning
		r.StartedAt = now
		live.runningSince = now
		live.multiplier = decimal.NewFromInt(1)
		live.elapsed = 0
		snapshot = r.Clone()
		return nil
	})

	// wagers are final from here on, keep them for recovery
	if err := s.persist(ctx, snapshot); err != nil {
		s.logger.Error("failed to persist running round", zap.Uint64("round", snapshot.Seq), zap.Error(err))
	}

	s.logger.Info("round running", zap.Uint64("round", snapshot.Seq), zap.Int("wagers", len(snapshot.Wagers)))
	s.publish(domain.GameActive{RoundSeq: snapshot.Seq, StartTime: now})
}

// Tick advances the multiplier to now and reports whether the round crashed. Elapsed
// time comes from the wall clock, so a delayed tick catches up instead of drifting.
func (s *Scheduler) Tick(live *Live, now time.Time) bool {
	var (
		crashed bool
		update  *domain.MultiplierUpdated
	)

	_ = live.Do(func(r *domain.Round, _ Tick) error {
		if r.Status != domain.RoundRunning {
			crashed = r.Status == domain.RoundCrashed
			return nil
		}

		elapsed := now.Sub(live.runningSince)
		if elapsed < 0 {
			elapsed = 0
		}
		m := decimal.NewFromInt(1).Add(decimal.NewFromFloat(elapsed.Seconds()).Mul(s.cfg.GrowthRate))
		live.elapsed = elapsed

		if m.GreaterThanOrEqual(r.CrashPoint) {
			r.Status = domain.RoundCrashed
			r.CrashedAt = now
			r.FinalMultiplier = m.Round(2)
			crashed = true
			return nil
		}

		live.multiplier = m.Round(2)
		update = &domain.MultiplierUpdated{
			RoundSeq:   r.Seq,
			Multiplier: live.multiplier,
			ElapsedMs:  elapsed.Milliseconds(),
		}
		return nil
	})

	if update != nil {
		s.publish(*update)
	}
	if crashed {
		s.logger.Info("round crashed", zap.Uint64("round", live.Seq()))
	}

	return crashed
}

// FinishRound settles pending wagers, persists the final round and reveals the seed.
func (s *Scheduler) FinishRound(ctx context.Context, live *Live, settler Settler) {
	if settler != nil {
		if err := settler.SettleCrashedRound(ctx, live); err != nil {
			s.logger.Error("failed to settle crashed round", zap.Uint64("round", live.Seq()), zap.Error(err))
		}
	}

	var snapshot domain.Round
	_ = live.Do(func(r *domain.Round, _ Tick) error {
		r.HouseProfit = r.CalculateHouseProfit()
		snapshot = r.Clone()
		return nil
	})

	if err := s.persist(ctx, snapshot); err != nil {
		s.logger.Error("failed to persist crashed round", zap.Uint64("round", snapshot.Seq), zap.Error(err))
	}

	stats := snapshot.Stats()
	s.logger.Info("round settled",
		zap.Uint64("round", snapshot.Seq),
		zap.String("crash_point", snapshot.CrashPoint.String()),
		zap.String("house_profit", snapshot.HouseProfit.String()),
		zap.Int("wagers", stats.Wagers),
		zap.Int("cashouts", stats.Cashouts))

	s.publish(domain.GameCrashed{
		RoundSeq:        snapshot.Seq,
		CrashPoint:      snapshot.CrashPoint,
		CrashTime:       snapshot.CrashedAt,
		FinalMultiplier: snapshot.FinalMultiplier,
		Seed:            snapshot.Seed,
		CommitHash:      snapshot.CommitHash,
		HouseProfit:     snapshot.HouseProfit,
	})
}

func (s *Scheduler) persistOnce(ctx context.Context, r domain.Round) error {
	if s.store == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.StoreTimeout)
	defer cancel()

	return s.store.PersistRound(ctx, r)
}

func (s *Scheduler) persist(ctx context.Context, r domain.Round) error {
	return s.retrier.Do(ctx, func(ctx context.Context) error {
		return s.persistOnce(ctx, r)
	})
}

func (s *Scheduler) publish(ev domain.Event) {
	if s.publisher != nil {
		s.publisher.Publish(ev)
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}

	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
