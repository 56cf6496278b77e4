// Package metrics provides Prometheus instrumentation for the decision loop.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// DecisionsTotal counts resolved decisions by source (ai, fallback) and action.
	DecisionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voltrader_decisions_total",
		Help: "Decisions resolved, by source and action",
	}, []string{"source", "action"})

	// ReasoningLatency tracks batched reasoning call duration.
	ReasoningLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "voltrader_reasoning_latency_seconds",
		Help:    "Batched reasoning call latency in seconds",
		Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120},
	})

	// ReasoningFailures counts batches that degraded to the fallback heuristic.
	ReasoningFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voltrader_reasoning_failures_total",
		Help: "Batches resolved entirely by fallback, by reason",
	}, []string{"reason"})

	// MetricFetchFailures counts per-asset metric fetches degraded to no data.
	MetricFetchFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voltrader_metric_fetch_failures_total",
		Help: "Per-asset metric fetches that failed",
	})

	// PositionsOpened counts opened positions by type.
	PositionsOpened = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voltrader_positions_opened_total",
		Help: "Positions opened, by type",
	}, []string{"type"})

	// PositionsClosed counts closed positions by reason.
	PositionsClosed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voltrader_positions_closed_total",
		Help: "Positions closed, by reason",
	}, []string{"reason"})

	// GuardRejections counts opens declined by the capital guard.
	GuardRejections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voltrader_capital_guard_rejections_total",
		Help: "Opens declined by the capital guard",
	})

	// AllocatedCapital tracks capital currently allocated to open positions.
	AllocatedCapital = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "voltrader_allocated_capital",
		Help: "Capital allocated to open positions",
	})

	// RealizedPnL tracks cumulative realized profit and loss.
	RealizedPnL = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "voltrader_realized_pnl",
		Help: "Cumulative realized profit and loss",
	})
)
