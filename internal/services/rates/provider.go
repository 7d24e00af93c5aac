// Package rates resolves conversion rates between ledger currencies and the
// normalized unit.
package rates

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/vadiminshakov/crashgame/internal/domain"
	"github.com/vadiminshakov/crashgame/pkg/retrier"
)

const (
	defaultTTL     = 10 * time.Second
	defaultTimeout = 2 * time.Second
	// precision of converted currency amounts
	amountPlaces = 8
)

// Config for CachedProvider.
type Config struct {
	// Currencies accepted for staking, the normalized one included.
	Currencies []domain.Currency
	TTL        time.Duration
	Timeout    time.Duration
	// Fallback rates are served when the source never answered.
	Fallback map[domain.Currency]decimal.Decimal
}

// CachedProvider serves rates from a TTL cache in front of a Source. A failing or
// slow source degrades to the last known rate, then to the configured fallback.
type CachedProvider struct {
	source  Source
	cfg     Config
	retrier *retrier.Retrier
	logger  *zap.Logger
	now     func() time.Time

	mu        sync.RWMutex
	rates     map[domain.Currency]decimal.Decimal
	fetchedAt time.Time

	// held by the single in-flight refresh
	refreshing sync.Mutex
}

// NewCachedProvider creates a provider. It does not fetch until first asked.
func NewCachedProvider(source Source, cfg Config, logger *zap.Logger) *CachedProvider {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("component", "rates"))
	if cfg.TTL <= 0 {
		cfg.TTL = defaultTTL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}

	return &CachedProvider{
		source:  source,
		cfg:     cfg,
		retrier: retrier.New(
			retrier.WithMaxRetries(1),
			retrier.WithInitialInterval(100*time.Millisecond),
			retrier.WithOnRetry(func(attempt int, err error) {
				logger.Warn("retrying rate fetch", zap.Int("attempt", attempt), zap.Error(err))
			}),
		),
		logger: logger,
		now:    time.Now,
		rates:  make(map[domain.Currency]decimal.Decimal),
	}
}

// Supported reports whether c can be staked.
func (p *CachedProvider) Supported(c domain.Currency) bool {
	if c.IsNormalized() {
		return true
	}
	for _, s := range p.cfg.Currencies {
		if s == c {
			return true
		}
	}
	return false
}

// CurrentRate returns how many normalized units one unit of currency is worth.
func (p *CachedProvider) CurrentRate(ctx context.Context, currency domain.Currency) (decimal.Decimal, error) {
	if currency.IsNormalized() {
		return decimal.NewFromInt(1), nil
	}
	if !p.Supported(currency) {
		return decimal.Decimal{}, errors.Wrapf(domain.ErrUnsupportedCurrency, "currency %q", currency)
	}

	if rate, fresh := p.cached(currency); fresh {
		return rate, nil
	}

	// a concurrent caller is already refreshing, do not pile up on the source
	if p.refreshing.TryLock() {
		p.refresh(ctx)
		p.refreshing.Unlock()
	}

	if rate, _ := p.cached(currency); rate.IsPositive() {
		return rate, nil
	}
	if rate, ok := p.cfg.Fallback[currency]; ok && rate.IsPositive() {
		p.logger.Warn("serving fallback rate", zap.String("currency", currency.String()), zap.String("rate", rate.String()))
		return rate, nil
	}

	return decimal.Decimal{}, errors.Wrapf(domain.ErrDependencyUnavailable, "no rate for %s", currency)
}

// Rates returns the last known rate of every supported currency.
func (p *CachedProvider) Rates() map[domain.Currency]decimal.Decimal {
	out := map[domain.Currency]decimal.Decimal{domain.NormalizedCurrency: decimal.NewFromInt(1)}
	for c, rate := range p.cfg.Fallback {
		out[c] = rate
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	for c, rate := range p.rates {
		out[c] = rate
	}
	return out
}

// Run keeps the cache warm until ctx is cancelled.
func (p *CachedProvider) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.cfg.TTL)
	defer ticker.Stop()

	p.refresh(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if p.refreshing.TryLock() {
				p.refresh(ctx)
				p.refreshing.Unlock()
			}
		}
	}
}

func (p *CachedProvider) cached(currency domain.Currency) (decimal.Decimal, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	rate, ok := p.rates[currency]
	if !ok {
		return decimal.Decimal{}, false
	}
	return rate, p.now().Sub(p.fetchedAt) < p.cfg.TTL
}

func (p *CachedProvider) refresh(ctx context.Context) {
	wanted := p.quoted()
	if len(wanted) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	prices, err := retrier.DoWithData(p.retrier, ctx, func(ctx context.Context) (map[domain.Currency]decimal.Decimal, error) {
		return p.source.Prices(ctx, wanted)
	})
	if err != nil {
		p.logger.Warn("rate refresh failed, keeping last known rates", zap.Error(err))
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	for c, rate := range prices {
		if !rate.IsPositive() {
			p.logger.Warn("ignoring non-positive rate", zap.String("currency", c.String()), zap.String("rate", rate.String()))
			continue
		}
		p.rates[c] = rate
	}
	p.fetchedAt = p.now()

	p.logger.Debug("rates refreshed", zap.Int("currencies", len(prices)))
}

func (p *CachedProvider) quoted() []domain.Currency {
	out := make([]domain.Currency, 0, len(p.cfg.Currencies))
	for _, c := range p.cfg.Currencies {
		if !c.IsNormalized() {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// ToCurrency converts a normalized amount into currency units at rate.
func ToCurrency(normalized, rate decimal.Decimal) decimal.Decimal {
	if !rate.IsPositive() {
		return decimal.Zero
	}
	return normalized.DivRound(rate, amountPlaces)
}

// ToNormalized converts a currency amount into normalized units at rate.
func ToNormalized(amount, rate decimal.Decimal) decimal.Decimal {
	return amount.Mul(rate)
}
