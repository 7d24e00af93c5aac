// Package wager accepts stakes and cashouts against the live round.
package wager

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/vadiminshakov/crashgame/internal/domain"
	"github.com/vadiminshakov/crashgame/internal/services/ledger"
	"github.com/vadiminshakov/crashgame/internal/services/rates"
	"github.com/vadiminshakov/crashgame/internal/services/round"
)

// RoundSource exposes the live round.
type RoundSource interface {
	Current() *round.Live
	State() (domain.GameState, error)
}

// Ledger moves participant balances.
type Ledger interface {
	Debit(ctx context.Context, participantID string, amount decimal.Decimal, currency domain.Currency, ref ledger.Ref) (domain.LedgerEntry, error)
	Credit(ctx context.Context, participantID string, amount decimal.Decimal, currency domain.Currency, ref ledger.Ref) (domain.LedgerEntry, error)
	RecordLoss(ctx context.Context, participantID string, normalized decimal.Decimal) error
}

// RateProvider converts between currencies and the normalized unit.
type RateProvider interface {
	Supported(currency domain.Currency) bool
	CurrentRate(ctx context.Context, currency domain.Currency) (decimal.Decimal, error)
}

// Publisher receives bet and cashout events.
type Publisher interface {
	Publish(event domain.Event)
}

// Engine validates and applies wagers. All round mutations run inside the round's
// exclusion domain; balance changes run inside it too, after the round checks pass.
type Engine struct {
	rounds    RoundSource
	ledger    Ledger
	rates     RateProvider
	publisher Publisher
	logger    *zap.Logger
	now       func() time.Time
}

// NewEngine creates a wager engine. publisher may be nil.
func NewEngine(rounds RoundSource, l Ledger, rp RateProvider, publisher Publisher, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Engine{
		rounds:    rounds,
		ledger:    l,
		rates:     rp,
		publisher: publisher,
		logger:    logger.With(zap.String("component", "wager")),
		now:       time.Now,
	}
}

// PlaceWager stakes amount normalized units, paid in currency, on the current round.
func (e *Engine) PlaceWager(ctx context.Context, participantID string, amount decimal.Decimal, currency domain.Currency) (domain.WagerReceipt, error) {
	if participantID == "" {
		return domain.WagerReceipt{}, domain.ErrInvalidParticipant
	}
	if !amount.IsPositive() {
		return domain.WagerReceipt{}, errors.Wrapf(domain.ErrInvalidAmount, "stake %s", amount)
	}
	if !e.rates.Supported(currency) {
		return domain.WagerReceipt{}, errors.Wrapf(domain.ErrUnsupportedCurrency, "currency %q", currency)
	}

	live := e.rounds.Current()
	if live == nil {
		return domain.WagerReceipt{}, domain.ErrNoActiveRound
	}

	// resolved outside the round lock, a slow source must not stall ticks
	rate, err := e.rates.CurrentRate(ctx, currency)
	if err != nil {
		return domain.WagerReceipt{}, errors.Wrap(err, "resolve rate")
	}
	debit := rates.ToCurrency(amount, rate)
	if !debit.IsPositive() {
		return domain.WagerReceipt{}, errors.Wrapf(domain.ErrInvalidAmount, "stake %s is below one %s unit", amount, currency)
	}

	var receipt domain.WagerReceipt
	err = live.Do(func(r *domain.Round, t round.Tick) error {
		now := e.now()
		if r.Status != domain.RoundPending || !now.Before(t.BetsCloseAt) {
			return domain.ErrBettingClosed
		}
		if r.WagerFor(participantID) != nil {
			return domain.ErrWagerExists
		}

		entry, err := e.ledger.Debit(ctx, participantID, debit, currency, ledger.StakeRef(r.Seq, amount, rate))
		if err != nil {
			return errors.Wrap(err, "debit stake")
		}

		w := domain.NewWager(uuid.NewString(), participantID, amount, currency, rate, debit, now)
		if err := r.AddWager(w); err != nil {
			return err
		}

		receipt = domain.WagerReceipt{
			WagerID:       w.ID,
			RoundSeq:      r.Seq,
			ParticipantID: participantID,
			Stake:         amount,
			Currency:      currency,
			Rate:          rate,
			Amount:        debit,
			Balance:       entry.BalanceAfter,
			EntryID:       entry.ID,
			PlacedAt:      now,
		}
		return nil
	})
	if err != nil {
		return domain.WagerReceipt{}, err
	}

	e.logger.Info("wager placed",
		zap.Uint64("round", receipt.RoundSeq),
		zap.String("participant", participantID),
		zap.String("stake", amount.String()),
		zap.String("currency", currency.String()),
		zap.String("amount", debit.String()))

	e.publish(domain.BetPlaced{
		RoundSeq:      receipt.RoundSeq,
		ParticipantID: participantID,
		Amount:        amount,
		Currency:      currency,
		Timestamp:     receipt.PlacedAt,
	})

	return receipt, nil
}

// CashOut settles the participant's pending wager at the latest tick multiplier.
func (e *Engine) CashOut(ctx context.Context, participantID string) (domain.CashoutReceipt, error) {
	if participantID == "" {
		return domain.CashoutReceipt{}, domain.ErrInvalidParticipant
	}

	live := e.rounds.Current()
	if live == nil {
		return domain.CashoutReceipt{}, domain.ErrNoActiveRound
	}

	var receipt domain.CashoutReceipt
	err := live.Do(func(r *domain.Round, t round.Tick) error {
		switch r.Status {
		case domain.RoundCrashed:
			return domain.ErrRoundAlreadyCrashed
		case domain.RoundPending:
			return domain.ErrRoundNotRunning
		}

		w := r.WagerFor(participantID)
		if !w.IsPending() {
			return domain.ErrNoActiveWager
		}

		multiplier := t.CashoutMultiplier(r.CrashPoint)
		payout, payoutAmount := w.PayoutAt(multiplier)
		entry, err := e.ledger.Credit(ctx, participantID, payoutAmount, w.Currency, ledger.PayoutRef(r.Seq, payout, w.Rate))
		if err != nil {
			// the wager stays pending, a later cashout may still succeed
			return errors.Wrap(err, "credit payout")
		}

		now := e.now()
		if err := w.CashOut(multiplier, now); err != nil {
			return err
		}

		receipt = domain.CashoutReceipt{
			WagerID:       w.ID,
			RoundSeq:      r.Seq,
			ParticipantID: participantID,
			Multiplier:    multiplier,
			Payout:        payout,
			PayoutAmount:  payoutAmount,
			Currency:      w.Currency,
			Balance:       entry.BalanceAfter,
			EntryID:       entry.ID,
			CashedOutAt:   now,
		}
		return nil
	})
	if err != nil {
		return domain.CashoutReceipt{}, err
	}

	e.logger.Info("wager cashed out",
		zap.Uint64("round", receipt.RoundSeq),
		zap.String("participant", participantID),
		zap.String("multiplier", receipt.Multiplier.String()),
		zap.String("payout", receipt.Payout.String()))

	e.publish(domain.PlayerCashedOut{
		RoundSeq:      receipt.RoundSeq,
		ParticipantID: participantID,
		Multiplier:    receipt.Multiplier,
		PayoutAmount:  receipt.PayoutAmount,
		Currency:      receipt.Currency,
		Timestamp:     receipt.CashedOutAt,
	})

	return receipt, nil
}

// SettleCrashedRound marks every pending wager lost. Stakes were debited on placement,
// so only the loss totals move.
func (e *Engine) SettleCrashedRound(ctx context.Context, live *round.Live) error {
	type loss struct {
		participantID string
		stake         decimal.Decimal
	}
	var losses []loss

	err := live.Do(func(r *domain.Round, _ round.Tick) error {
		if r.Status != domain.RoundCrashed {
			return errors.Wrapf(domain.ErrRoundNotRunning, "round %d is %s", r.Seq, r.Status)
		}
		for _, w := range r.PendingWagers() {
			if err := w.Lose(r.CrashedAt); err != nil {
				return err
			}
			losses = append(losses, loss{participantID: w.ParticipantID, stake: w.Stake})
		}
		return nil
	})
	if err != nil {
		return err
	}

	var failed int
	for _, l := range losses {
		if err := e.ledger.RecordLoss(ctx, l.participantID, l.stake); err != nil {
			failed++
			e.logger.Error("failed to record loss",
				zap.Uint64("round", live.Seq()), zap.String("participant", l.participantID), zap.Error(err))
		}
	}

	e.logger.Info("round settled", zap.Uint64("round", live.Seq()), zap.Int("lost_wagers", len(losses)))
	if failed > 0 {
		return errors.Errorf("%d of %d losses not recorded", failed, len(losses))
	}

	return nil
}

// State returns the current round view.
func (e *Engine) State() (domain.GameState, error) {
	return e.rounds.State()
}

func (e *Engine) publish(ev domain.Event) {
	if e.publisher != nil {
		e.publisher.Publish(ev)
	}
}
