// Command crashload drives a running crashd with simulated players. Every player
// keeps an event stream open, bets when a round opens and cashes out at its target.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {
	var (
		baseURL   string
		players   int
		duration  time.Duration
		rampUp    time.Duration
		stake     string
		currency  string
		minTarget string
		maxTarget string
	)

	flag.StringVar(&baseURL, "url", "http://localhost:8000", "crashd base URL")
	flag.IntVar(&players, "players", 100, "number of simulated players")
	flag.DurationVar(&duration, "dur", 60*time.Second, "test duration (0 for until interrupted)")
	flag.DurationVar(&rampUp, "ramp", 0, "spread player starts across this window")
	flag.StringVar(&stake, "stake", "1", "stake per round")
	flag.StringVar(&currency, "currency", "usd", "stake currency")
	flag.StringVar(&minTarget, "min-target", "1.1", "lowest cashout target")
	flag.StringVar(&maxTarget, "max-target", "3", "highest cashout target")
	flag.Parse()

	if players <= 0 {
		log.Fatalf("invalid players: %d", players)
	}
	amount, err := decimal.NewFromString(stake)
	if err != nil {
		log.Fatalf("invalid stake: %v", err)
	}
	lo, err := decimal.NewFromString(minTarget)
	if err != nil {
		log.Fatalf("invalid min target: %v", err)
	}
	hi, err := decimal.NewFromString(maxTarget)
	if err != nil {
		log.Fatalf("invalid max target: %v", err)
	}

	logger, _ := zap.NewProduction()
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, duration)
		defer cancel()
	}

	transport := &http.Transport{
		MaxConnsPerHost:     2*players + 100,
		MaxIdleConns:        2*players + 100,
		MaxIdleConnsPerHost: 2*players + 100,
		DisableCompression:  true,
		DialContext: (&net.Dialer{
			Timeout:   5 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
	}
	client := &http.Client{Transport: transport}

	var interval time.Duration
	if rampUp > 0 {
		interval = rampUp / time.Duration(players)
	}

	logger.Info("starting crash load",
		zap.String("url", baseURL),
		zap.Int("players", players),
		zap.Duration("duration", duration),
		zap.Duration("ramp", rampUp))

	stats := &stats{}
	start := time.Now()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				logger.Info("status", stats.fields(time.Since(start))...)
			}
		}
	})

	for i := 0; i < players; i++ {
		if i > 0 && interval > 0 {
			select {
			case <-gctx.Done():
			case <-time.After(interval):
			}
		}
		if gctx.Err() != nil {
			break
		}

		p := &player{
			id:       fmt.Sprintf("load-%d", i),
			baseURL:  baseURL,
			client:   client,
			stake:    amount,
			currency: currency,
			target:   targetFor(i, players, lo, hi),
			stats:    stats,
		}
		g.Go(func() error {
			p.run(gctx)
			return nil
		})
	}

	_ = g.Wait()
	elapsed := time.Since(start)
	fmt.Println("done:", stats.String(elapsed))
}

// targetFor spreads cashout targets evenly over [lo, hi].
func targetFor(i, n int, lo, hi decimal.Decimal) decimal.Decimal {
	if n <= 1 {
		return lo.Round(2)
	}
	step := hi.Sub(lo).Div(decimal.NewFromInt(int64(n - 1)))
	return lo.Add(step.Mul(decimal.NewFromInt(int64(i)))).Round(2)
}
