// Package metrics exposes Prometheus instrumentation for the engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Recorder holds the engine's Prometheus collectors.
type Recorder struct {
	TicksTotal      prometheus.Counter
	TicksSkipped    prometheus.Counter
	Transitions     *prometheus.CounterVec
	OrderAttempts   prometheus.Counter
	OrderFills      prometheus.Counter
	OrderFailures   prometheus.Counter
	RollsTotal      *prometheus.CounterVec
	CircuitOpen     prometheus.Gauge
	FailureCount    prometheus.Gauge
	RealizedPnL     prometheus.Gauge
	UnrealizedPnL   prometheus.Gauge
	MismatchStreak  prometheus.Gauge
	TelemetryDrops  prometheus.Gauge
}

// NewRecorder registers the collectors with reg. Pass a fresh registry in
// tests to avoid duplicate registration.
func NewRecorder(reg prometheus.Registerer) *Recorder {
	factory := promauto.With(reg)
	return &Recorder{
		TicksTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "spreads_ticks_total",
			Help: "Number of tick evaluations started.",
		}),
		TicksSkipped: factory.NewCounter(prometheus.CounterOpts{
			Name: "spreads_ticks_skipped_total",
			Help: "Ticks skipped because a previous tick was still running.",
		}),
		Transitions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "spreads_state_transitions_total",
			Help: "State transitions by target state.",
		}, []string{"to"}),
		OrderAttempts: factory.NewCounter(prometheus.CounterOpts{
			Name: "spreads_order_attempts_total",
			Help: "Ladder attempts submitted to the gateway.",
		}),
		OrderFills: factory.NewCounter(prometheus.CounterOpts{
			Name: "spreads_order_fills_total",
			Help: "Legs filled.",
		}),
		OrderFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "spreads_order_failures_total",
			Help: "Leg placements that exhausted the ladder.",
		}),
		RollsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "spreads_rolls_total",
			Help: "Income leg rolls by direction.",
		}, []string{"direction"}),
		CircuitOpen: factory.NewGauge(prometheus.GaugeOpts{
			Name: "spreads_circuit_open",
			Help: "1 while the trading circuit is open.",
		}),
		FailureCount: factory.NewGauge(prometheus.GaugeOpts{
			Name: "spreads_consecutive_failures",
			Help: "Current consecutive failure count.",
		}),
		RealizedPnL: factory.NewGauge(prometheus.GaugeOpts{
			Name: "spreads_realized_pnl_dollars",
			Help: "Cumulative realized P&L.",
		}),
		UnrealizedPnL: factory.NewGauge(prometheus.GaugeOpts{
			Name: "spreads_unrealized_pnl_dollars",
			Help: "Open campaign unrealized P&L.",
		}),
		MismatchStreak: factory.NewGauge(prometheus.GaugeOpts{
			Name: "spreads_reconcile_mismatch_streak",
			Help: "Consecutive reconciliation mismatches.",
		}),
		TelemetryDrops: factory.NewGauge(prometheus.GaugeOpts{
			Name: "spreads_telemetry_dropped_total",
			Help: "Telemetry events dropped due to a full buffer.",
		}),
	}
}
