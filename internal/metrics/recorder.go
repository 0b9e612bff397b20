package metrics

import (
	"time"

	"github.com/shopspring/decimal"
)

// Recorder provides methods for recording engine metrics.
type Recorder struct{}

// NewRecorder creates a new metrics recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

// RecordSignal records a received trade intent.
func (r *Recorder) RecordSignal(symbol, direction string) {
	SignalsTotal.WithLabelValues(symbol, direction).Inc()
}

// RecordSignalRejected records an intent rejected before execution.
func (r *Recorder) RecordSignalRejected(reason string) {
	SignalsRejected.WithLabelValues(reason).Inc()
}

// RecordOrder records an order placement attempt.
func (r *Recorder) RecordOrder(symbol, orderType, status string) {
	OrdersTotal.WithLabelValues(symbol, orderType, status).Inc()
}

// RecordProtectionFailure records a failed stop or target placement.
func (r *Recorder) RecordProtectionFailure(symbol, leg string) {
	ProtectionFailures.WithLabelValues(symbol, leg).Inc()
}

// RecordLeverageClamp records a capped leverage request.
func (r *Recorder) RecordLeverageClamp(symbol string) {
	LeverageClamps.WithLabelValues(symbol).Inc()
}

// RecordPositionOpened records a position entering the book.
func (r *Recorder) RecordPositionOpened(symbol string) {
	PositionsOpen.WithLabelValues(symbol).Inc()
}

// RecordPositionClosed records a position reaching a terminal state.
func (r *Recorder) RecordPositionClosed(symbol, exitReason string) {
	PositionsOpen.WithLabelValues(symbol).Dec()
	PositionsClosed.WithLabelValues(symbol, exitReason).Inc()
}

// RecordPnl records the aggregate PnL view.
func (r *Recorder) RecordPnl(realized, unrealized decimal.Decimal) {
	RealizedPnl.Set(realized.InexactFloat64())
	UnrealizedPnl.Set(unrealized.InexactFloat64())
}

// RecordReconcileTick records a completed reconciliation pass.
func (r *Recorder) RecordReconcileTick() {
	ReconcileTicks.Inc()
	HeartbeatTimestamp.Set(float64(time.Now().Unix()))
}

// RecordReconcileTransition records a reconciler-driven transition.
func (r *Recorder) RecordReconcileTransition(transition string) {
	ReconcileTransitions.WithLabelValues(transition).Inc()
}

// RecordAnomaly records unexplained exchange state.
func (r *Recorder) RecordAnomaly() {
	ReconcileAnomalies.Inc()
}

// RecordError records an error by component.
func (r *Recorder) RecordError(component string) {
	ErrorsTotal.WithLabelValues(component).Inc()
}

// Timer is a helper for measuring exchange call latency.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Elapsed returns the elapsed duration.
func (t *Timer) Elapsed() time.Duration {
	return time.Since(t.start)
}

// ObserveExchange observes the elapsed time for an exchange operation.
func (t *Timer) ObserveExchange(op string) {
	ExchangeLatency.WithLabelValues(op).Observe(t.Elapsed().Seconds())
}
