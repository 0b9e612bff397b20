// Package metrics exposes prometheus instrumentation for the engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus metrics for the execution and reconciliation engine.
var (
	SignalsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bracketbot_signals_total",
		Help: "Trade intents received, by symbol and direction.",
	}, []string{"symbol", "direction"})

	SignalsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bracketbot_signals_rejected_total",
		Help: "Trade intents rejected before any exchange side-effect.",
	}, []string{"reason"})

	OrdersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bracketbot_orders_total",
		Help: "Orders placed against the exchange, by type and outcome.",
	}, []string{"symbol", "type", "status"})

	ProtectionFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bracketbot_protection_failures_total",
		Help: "Stop or target placements that failed after a live entry.",
	}, []string{"symbol", "leg"})

	LeverageClamps = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bracketbot_leverage_clamps_total",
		Help: "Requested leverage capped at the symbol maximum.",
	}, []string{"symbol"})

	PositionsOpen = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "bracketbot_positions_open",
		Help: "Non-terminal tracked positions.",
	}, []string{"symbol"})

	PositionsClosed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bracketbot_positions_closed_total",
		Help: "Positions reaching a terminal state, by exit reason.",
	}, []string{"symbol", "exit_reason"})

	RealizedPnl = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "bracketbot_realized_pnl_usd",
		Help: "Cumulative realized PnL across closed positions.",
	})

	UnrealizedPnl = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "bracketbot_unrealized_pnl_usd",
		Help: "Exchange-reported unrealized PnL across open positions.",
	})

	ReconcileTicks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bracketbot_reconcile_ticks_total",
		Help: "Completed reconciliation passes.",
	})

	ReconcileTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bracketbot_reconcile_transitions_total",
		Help: "Position transitions driven by reconciliation.",
	}, []string{"transition"})

	ReconcileAnomalies = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bracketbot_reconcile_anomalies_total",
		Help: "Exchange state the engine has no record of (manual review).",
	})

	ExchangeLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "bracketbot_exchange_request_seconds",
		Help:    "Latency of outbound exchange calls.",
		Buckets: prometheus.DefBuckets,
	}, []string{"op"})

	HeartbeatTimestamp = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "bracketbot_heartbeat_timestamp_seconds",
		Help: "Unix time of the last reconciler heartbeat.",
	})

	ErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bracketbot_errors_total",
		Help: "Errors by component.",
	}, []string{"component"})

	BuildInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "bracketbot_build_info",
		Help: "Build metadata (value fixed at 1).",
	}, []string{"version", "commit", "build_time"})
)

// SetBuildInfo records build metadata.
func SetBuildInfo(version, commit, buildTime string) {
	BuildInfo.WithLabelValues(version, commit, buildTime).Set(1)
}
