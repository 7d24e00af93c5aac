// Command crashd runs provably-fair crash rounds and serves the wager API.
//
// Usage:
//
//	crashd --config config.yaml
//	crashd (uses CLI arguments)
//	crashd setup (interactive wizard, writes config.gen.yaml and starts)
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/vadiminshakov/crashgame/config"
	"github.com/vadiminshakov/crashgame/internal/events"
	"github.com/vadiminshakov/crashgame/internal/services/fairness"
	"github.com/vadiminshakov/crashgame/internal/services/ledger"
	"github.com/vadiminshakov/crashgame/internal/services/rates"
	"github.com/vadiminshakov/crashgame/internal/services/round"
	"github.com/vadiminshakov/crashgame/internal/services/wager"
	"github.com/vadiminshakov/crashgame/internal/setup"
	"github.com/vadiminshakov/crashgame/internal/storage/walstore"
	"github.com/vadiminshakov/crashgame/internal/web"
)

const eventBuffer = 256

func main() {
	cfg, err := loadConfig()
	if err != nil {
		log.Fatal(err)
	}

	logger, err := newLogger(cfg.Debug)
	if err != nil {
		log.Fatal(err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("crashd stopped", zap.Error(err))
	}
	logger.Info("crashd stopped")
}

func loadConfig() (config.Config, error) {
	if len(os.Args) > 1 && os.Args[1] == "setup" {
		path, err := setup.RunTUI()
		if err != nil {
			return config.Config{}, err
		}
		return config.Load(path)
	}
	return config.Get()
}

func newLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func run(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	store, err := walstore.Open(cfg.WALDir, logger)
	if err != nil {
		return errors.Wrap(err, "failed to open store")
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error("failed to close store", zap.Error(err))
		}
	}()

	// stakes and payouts are written under the round lock, keep them inside one tick
	wallets := ledger.New(ledger.Config{
		StartingBalances:  cfg.StartingBalances,
		StoreTimeout:      cfg.StoreTimeout,
		RoundStoreTimeout: cfg.TickInterval / 2,
	}, store, logger)
	wallets.Restore(store.Accounts(), store.Entries())

	provider := rates.NewCachedProvider(rateSource(cfg), rates.Config{
		Currencies: cfg.Currencies,
		TTL:        cfg.RateTTL,
		Timeout:    cfg.RateTimeout,
		Fallback:   cfg.FallbackRates,
	}, logger)

	fair, err := fairness.NewEngine(fairness.Params{
		HouseEdge: cfg.HouseEdge.InexactFloat64(),
		MinCrash:  cfg.MinCrash.InexactFloat64(),
		MaxCrash:  cfg.MaxCrash.InexactFloat64(),
	})
	if err != nil {
		return err
	}

	broadcaster := events.NewBroadcaster(eventBuffer)

	scheduler := round.NewScheduler(round.Config{
		BetWindow:          cfg.BetWindow,
		TickInterval:       cfg.TickInterval,
		InterRoundDelay:    cfg.InterRoundDelay,
		StoreTimeout:       cfg.StoreTimeout,
		GrowthRate:         cfg.GrowthRate,
		DiscloseCrashPoint: cfg.DiscloseCrashPoint,
	}, fair, store, broadcaster, logger)

	if last, ok := store.Round(store.LastRoundSeq()); ok {
		scheduler.Recover(ctx, &last)
	}

	engine := wager.NewEngine(scheduler, wallets, provider, broadcaster, logger)
	server := web.NewServer(cfg.HTTPAddr, web.Deps{
		Wagers:   engine,
		Wallets:  wallets,
		Rounds:   store,
		Verifier: fair,
		Prices:   provider,
		Events:   broadcaster,
	}, logger)

	logger.Info("starting crash rounds",
		zap.String("addr", cfg.HTTPAddr),
		zap.String("rates", cfg.RateSource),
		zap.String("currencies", cfg.CurrencyList()),
		zap.Uint64("last_round", store.LastRoundSeq()))

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return provider.Run(ctx) })
	g.Go(func() error { return scheduler.Run(ctx, engine) })
	g.Go(func() error {
		if len(cfg.TLSDomains) > 0 {
			return server.StartWithAutoTLS(ctx, cfg.TLSDomains, cfg.TLSCacheDir)
		}
		return server.Start(ctx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func rateSource(cfg config.Config) rates.Source {
	switch cfg.RateSource {
	case config.RateSourceBybit:
		return rates.NewBybitSource(nil)
	case config.RateSourceStatic:
		return rates.StaticSource(cfg.FallbackRates)
	default:
		return rates.NewBinanceSource(nil)
	}
}
