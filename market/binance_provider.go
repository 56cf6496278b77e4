package market

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	binance "github.com/adshao/go-binance/v2"
	"github.com/rs/zerolog/log"

	"voltrader/currency"
)

const (
	binanceIdentifierPrefix = "cex:binance:"
	wmaWindow               = 10
)

// BinanceProvider derives the volatility ranking and interval metrics from Binance spot klines.
// Identifiers have the form "cex:binance:SYMBOL".
type BinanceProvider struct {
	client        *binance.Client
	symbols       []string
	interval      string
	rankingWindow int // Number of klines used for the ranking volatility
}

// NewBinanceProvider creates a provider over the given symbol universe (public endpoints only)
func NewBinanceProvider(apiKey, secretKey string, symbols []string, interval string) *BinanceProvider {
	if interval == "" {
		interval = "1h"
	}
	return &BinanceProvider{
		client:        binance.NewClient(apiKey, secretKey),
		symbols:       symbols,
		interval:      interval,
		rankingWindow: 24,
	}
}

// BinanceIdentifier builds the composite identifier for a symbol
func BinanceIdentifier(symbol string) string {
	return binanceIdentifierPrefix + strings.ToUpper(symbol)
}

// FetchVolatilityRanked computes volatility over the latest klines of every configured symbol.
// Symbols that fail are skipped; the call fails only when none succeed.
func (p *BinanceProvider) FetchVolatilityRanked(ctx context.Context) ([]VolatilityEntry, error) {
	var entries []VolatilityEntry
	var lastErr error
	for _, symbol := range p.symbols {
		klines, err := p.client.NewKlinesService().
			Symbol(strings.ToUpper(symbol)).
			Interval(p.interval).
			Limit(p.rankingWindow).
			Do(ctx)
		if err != nil {
			lastErr = err
			log.Warn().Str("symbol", symbol).Err(err).Msg("⚠️  Failed to fetch klines for ranking, skipping symbol")
			continue
		}
		samples, err := convertKlines(klines)
		if err != nil || len(samples) == 0 {
			continue
		}
		closes := make([]float64, len(samples))
		for i, s := range samples {
			closes[i] = s.Close
		}
		vol, avg := Volatility(closes)
		entries = append(entries, VolatilityEntry{
			Identifier:    BinanceIdentifier(symbol),
			VolatilityPct: vol,
			AveragePrice:  avg,
		})
	}
	if len(entries) == 0 {
		if lastErr != nil {
			return nil, fmt.Errorf("failed to fetch volatility ranking: %w", lastErr)
		}
		return nil, fmt.Errorf("volatility ranking: %w", ErrNoData)
	}

	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].VolatilityPct > entries[j].VolatilityPct
	})
	return entries, nil
}

// FetchMetrics fetches klines covering the lookback window
func (p *BinanceProvider) FetchMetrics(ctx context.Context, identifier string, lookbackHours int) ([]IntervalSample, error) {
	symbol := currency.Parse(identifier).Address
	start := time.Now().Add(-time.Duration(lookbackHours) * time.Hour)
	klines, err := p.client.NewKlinesService().
		Symbol(symbol).
		Interval(p.interval).
		StartTime(start.UnixMilli()).
		Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch klines for %s: %w", symbol, err)
	}
	return convertKlines(klines)
}

// CurrentPrice fetches the latest ticker price
func (p *BinanceProvider) CurrentPrice(ctx context.Context, identifier string) (float64, error) {
	symbol := currency.Parse(identifier).Address
	prices, err := p.client.NewListPricesService().Symbol(symbol).Do(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to fetch price for %s: %w", symbol, err)
	}
	for _, pr := range prices {
		if pr.Symbol == symbol {
			return strconv.ParseFloat(pr.Price, 64)
		}
	}
	return 0, fmt.Errorf("price for %s: %w", symbol, ErrNoData)
}

// convertKlines maps klines to samples. The estimate is the typical price (H+L+C)/3 and the
// moving average is a linearly weighted average of closes.
func convertKlines(klines []*binance.Kline) ([]IntervalSample, error) {
	samples := make([]IntervalSample, 0, len(klines))
	closes := make([]float64, 0, len(klines))
	for _, k := range klines {
		var vals [5]float64
		for i, raw := range []string{k.Open, k.High, k.Low, k.Close, k.Volume} {
			v, err := strconv.ParseFloat(raw, 64)
			if err != nil {
				return nil, fmt.Errorf("invalid kline value %q: %w", raw, err)
			}
			vals[i] = v
		}
		closes = append(closes, vals[3])
		samples = append(samples, IntervalSample{
			Open:           vals[0],
			High:           vals[1],
			Low:            vals[2],
			Close:          vals[3],
			Volume:         vals[4],
			EstimatedPrice: Float((vals[1] + vals[2] + vals[3]) / 3),
			Start:          time.UnixMilli(k.OpenTime).UTC(),
			End:            time.UnixMilli(k.CloseTime).UTC(),
		})
	}
	for i := range samples {
		samples[i].WeightedMovingAverage = Float(WeightedMovingAverage(closes, i, wmaWindow))
	}
	return samples, nil
}
