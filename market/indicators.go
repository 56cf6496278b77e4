package market

import (
	"math"

	"gonum.org/v1/gonum/stat"
)

// Volatility returns 100 × standard deviation / mean of prices, and the mean.
// Fewer than two prices or a non-positive mean yields zero volatility.
func Volatility(prices []float64) (volatilityPct, average float64) {
	if len(prices) == 0 {
		return 0, 0
	}
	if len(prices) == 1 {
		return 0, prices[0]
	}
	mean, std := stat.MeanStdDev(prices, nil)
	if mean <= 0 || math.IsNaN(std) {
		return 0, mean
	}
	return 100 * std / mean, mean
}

// WeightedMovingAverage linearly weighted average of the last window values ending at index end
func WeightedMovingAverage(values []float64, end, window int) float64 {
	start := end - window + 1
	if start < 0 {
		start = 0
	}
	xs := values[start : end+1]
	weights := make([]float64, len(xs))
	for i := range weights {
		weights[i] = float64(i + 1)
	}
	return stat.Mean(xs, weights)
}
