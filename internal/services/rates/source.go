package rates

import (
	"context"
	"fmt"

	"github.com/adshao/go-binance/v2"
	"github.com/hirokisan/bybit/v2"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/vadiminshakov/crashgame/internal/domain"
)

// quote asset the normalized unit is priced against on exchanges
const quoteAsset = "USDT"

// Source fetches spot rates (normalized units per one unit of currency).
type Source interface {
	Prices(ctx context.Context, currencies []domain.Currency) (map[domain.Currency]decimal.Decimal, error)
}

// BinanceSource reads public Binance tickers, no credentials needed.
type BinanceSource struct {
	client *binance.Client
}

func NewBinanceSource(client *binance.Client) *BinanceSource {
	if client == nil {
		client = binance.NewClient("", "")
	}
	return &BinanceSource{client: client}
}

func (s *BinanceSource) Prices(ctx context.Context, currencies []domain.Currency) (map[domain.Currency]decimal.Decimal, error) {
	out := make(map[domain.Currency]decimal.Decimal, len(currencies))
	for _, c := range currencies {
		symbol := c.Symbol(quoteAsset)
		prices, err := s.client.NewListPricesService().Symbol(symbol).Do(ctx)
		if err != nil {
			return nil, errors.Wrapf(err, "binance price %s", symbol)
		}
		if len(prices) == 0 {
			return nil, fmt.Errorf("binance API returned empty prices for %s", symbol)
		}
		price, err := decimal.NewFromString(prices[0].Price)
		if err != nil {
			return nil, errors.Wrapf(err, "parse binance price %q", prices[0].Price)
		}
		out[c] = price
	}
	return out, nil
}

// BybitSource reads Bybit V5 spot tickers.
type BybitSource struct {
	client *bybit.Client
}

func NewBybitSource(client *bybit.Client) *BybitSource {
	if client == nil {
		client = bybit.NewClient()
	}
	return &BybitSource{client: client}
}

type bybitResult struct {
	price decimal.Decimal
	err   error
}

func (s *BybitSource) Prices(ctx context.Context, currencies []domain.Currency) (map[domain.Currency]decimal.Decimal, error) {
	out := make(map[domain.Currency]decimal.Decimal, len(currencies))
	for _, c := range currencies {
		// the bybit client takes no context, so the deadline is enforced here
		done := make(chan bybitResult, 1)
		go func(symbol bybit.SymbolV5) {
			price, err := s.lastPrice(symbol)
			done <- bybitResult{price: price, err: err}
		}(bybit.SymbolV5(c.Symbol(quoteAsset)))

		select {
		case <-ctx.Done():
			return nil, errors.Wrapf(ctx.Err(), "bybit price %s", c)
		case res := <-done:
			if res.err != nil {
				return nil, res.err
			}
			out[c] = res.price
		}
	}
	return out, nil
}

func (s *BybitSource) lastPrice(symbol bybit.SymbolV5) (decimal.Decimal, error) {
	result, err := s.client.V5().Market().GetTickers(bybit.V5GetTickersParam{
		Category: "spot",
		Symbol:   &symbol,
	})
	if err != nil {
		return decimal.Decimal{}, errors.Wrapf(err, "bybit price %s", symbol)
	}
	if len(result.Result.Spot.List) == 0 {
		return decimal.Decimal{}, fmt.Errorf("bybit API returned empty prices for %s", symbol)
	}
	return decimal.NewFromString(result.Result.Spot.List[0].LastPrice)
}

// StaticSource always answers with fixed rates. Used offline and in tests.
type StaticSource map[domain.Currency]decimal.Decimal

func (s StaticSource) Prices(_ context.Context, currencies []domain.Currency) (map[domain.Currency]decimal.Decimal, error) {
	out := make(map[domain.Currency]decimal.Decimal, len(currencies))
	for _, c := range currencies {
		rate, ok := s[c]
		if !ok {
			return nil, fmt.Errorf("no static rate for %s", c)
		}
		out[c] = rate
	}
	return out, nil
}
