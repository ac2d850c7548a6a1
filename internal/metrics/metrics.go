// Package metrics exposes the executor's Prometheus metrics:
//   - exec_orders_total{type,side}       – orders submitted to the broker
//   - exec_ladder_steps_total{outcome}   – ladder steps by outcome (filled|unfilled|submit_failed)
//   - exec_fallbacks_total{reason}       – market-order fallbacks (exhausted|no_quote)
//   - exec_fill_wait_seconds             – time spent waiting on fills
//   - exec_stream_active                 – whether a trade-update stream is held
//   - exec_intents_total{result}         – consumed trade intents by result
//
// All metrics are registered in init and served from the /metrics handler
// mounted by the health server.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	Orders = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "exec_orders_total",
			Help: "Orders submitted to the broker",
		},
		[]string{"type", "side"},
	)

	LadderSteps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "exec_ladder_steps_total",
			Help: "Ladder steps by outcome",
		},
		[]string{"outcome"},
	)

	Fallbacks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "exec_fallbacks_total",
			Help: "Market order fallbacks by reason",
		},
		[]string{"reason"},
	)

	FillWait = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "exec_fill_wait_seconds",
			Help:    "Time spent waiting for order completion",
			Buckets: []float64{0.25, 0.5, 1, 2, 3, 5, 10, 20, 30},
		},
	)

	StreamActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "exec_stream_active",
			Help: "Whether a trade update stream is currently held",
		},
	)

	Intents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "exec_intents_total",
			Help: "Trade intents consumed by result",
		},
		[]string{"result"},
	)
)

func init() {
	prometheus.MustRegister(
		Orders,
		LadderSteps,
		Fallbacks,
		FillWait,
		StreamActive,
		Intents,
	)
}

// Handler returns the Prometheus exposition handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
