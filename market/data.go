package market

import (
	"context"
	"errors"
	"time"
)

// ErrNoData the provider returned no usable data for the request
var ErrNoData = errors.New("no market data")

// IntervalSample one OHLC interval
type IntervalSample struct {
	Open                  float64   `json:"open"`
	High                  float64   `json:"high"`
	Low                   float64   `json:"low"`
	Close                 float64   `json:"close"`
	Volume                float64   `json:"volume"`
	EstimatedPrice        *float64  `json:"estimated_price,omitempty"`         // Provider price estimate (optional)
	WeightedMovingAverage *float64  `json:"weighted_moving_average,omitempty"` // Optional
	Start                 time.Time `json:"start"`
	End                   time.Time `json:"end"`
}

// VolatilityEntry one row of the volatility ranking
type VolatilityEntry struct {
	Identifier    string  `json:"identifier"`
	VolatilityPct float64 `json:"volatility_pct"`
	AveragePrice  float64 `json:"average_price"`
}

// MetricRecord market snapshot for one asset. Empty Samples is a valid state.
type MetricRecord struct {
	Identifier    string           `json:"identifier"`
	VolatilityPct float64          `json:"volatility_pct"`
	AveragePrice  float64          `json:"average_price"`
	Samples       []IntervalSample `json:"samples"`
}

// Latest returns the most recent sample
func (r MetricRecord) Latest() (IntervalSample, bool) {
	if len(r.Samples) == 0 {
		return IntervalSample{}, false
	}
	return r.Samples[len(r.Samples)-1], true
}

// ReferencePrice estimated price of the latest sample, else its close, else the average price
func (r MetricRecord) ReferencePrice() float64 {
	s, ok := r.Latest()
	if !ok {
		return r.AveragePrice
	}
	return s.Reference()
}

// Reference estimated price if present, else close
func (s IntervalSample) Reference() float64 {
	if s.EstimatedPrice != nil {
		return *s.EstimatedPrice
	}
	return s.Close
}

// MovingAverage weighted moving average, else estimated price, else close
func (s IntervalSample) MovingAverage() float64 {
	if s.WeightedMovingAverage != nil {
		return *s.WeightedMovingAverage
	}
	return s.Reference()
}

// Provider market data source
type Provider interface {
	// FetchVolatilityRanked returns assets ordered by descending volatility
	FetchVolatilityRanked(ctx context.Context) ([]VolatilityEntry, error)
	// FetchMetrics returns interval samples ordered by ascending time, possibly empty
	FetchMetrics(ctx context.Context, identifier string, lookbackHours int) ([]IntervalSample, error)
	// CurrentPrice returns the latest price for an asset
	CurrentPrice(ctx context.Context, identifier string) (float64, error)
}

// Float returns a pointer to v
func Float(v float64) *float64 {
	return &v
}
