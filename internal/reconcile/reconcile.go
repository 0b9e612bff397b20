// Package reconcile periodically realigns tracked positions with the
// exchange's authoritative state. The exchange acts alone when a stop
// or target triggers or a position is liquidated; this loop is how
// those exits reach the local book.
package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/vqtran/bracketbot/internal/alerting"
	"github.com/vqtran/bracketbot/internal/exchange"
	"github.com/vqtran/bracketbot/internal/metrics"
	"github.com/vqtran/bracketbot/internal/persistence"
	"github.com/vqtran/bracketbot/internal/position"
	"github.com/vqtran/bracketbot/internal/types"
)

// Reconciler drives the periodic sync between the local position book
// and the exchange.
type Reconciler struct {
	logger      *slog.Logger
	client      exchange.Client
	repo        persistence.Repository
	alerter     alerting.Alerter
	alertFilter alerting.EventFilter
	recorder    *metrics.Recorder
	interval    time.Duration
	now         func() time.Time

	mu       sync.Mutex
	running  bool
	lastTick time.Time
	done     chan struct{}
	wg       sync.WaitGroup
}

// New creates a reconciler.
func New(
	client exchange.Client,
	repo persistence.Repository,
	alerter alerting.Alerter,
	interval time.Duration,
	logger *slog.Logger,
) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{
		logger:   logger,
		client:   client,
		repo:     repo,
		alerter:  alerter,
		recorder: metrics.NewRecorder(),
		interval: interval,
		now:      time.Now,
		done:     make(chan struct{}),
	}
}

// SetAlertFilter restricts which alert events are delivered.
func (r *Reconciler) SetAlertFilter(f alerting.EventFilter) {
	r.alertFilter = f
}

// Start launches the reconciliation loop.
func (r *Reconciler) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return fmt.Errorf("reconciler already running")
	}
	r.running = true
	r.mu.Unlock()

	r.logger.Info("reconciler started", "interval", r.interval)

	r.wg.Add(1)
	go r.loop(ctx)
	return nil
}

// Stop stops the loop and waits for the in-flight tick to finish.
func (r *Reconciler) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	r.mu.Unlock()

	close(r.done)
	r.wg.Wait()
	r.logger.Info("reconciler stopped")
}

func (r *Reconciler) loop(ctx context.Context) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.done:
			return
		case <-ticker.C:
			if err := r.Tick(ctx); err != nil {
				// Transient upstream failures are tolerated; the
				// next tick retries from scratch.
				r.logger.Warn("reconcile tick failed", "err", err)
				r.recorder.RecordError("reconcile")
			}
		}
	}
}

// LastTick reports when the most recent reconciliation pass started.
// The second return is false before the first pass.
func (r *Reconciler) LastTick() (time.Time, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastTick, !r.lastTick.IsZero()
}

// Tick runs one reconciliation pass. Exported so a pass can be forced
// outside the loop.
func (r *Reconciler) Tick(ctx context.Context) error {
	r.mu.Lock()
	r.lastTick = r.now()
	r.mu.Unlock()

	r.recorder.RecordReconcileTick()

	timer := metrics.NewTimer()
	exchangePositions, err := r.client.GetOpenPositions(ctx)
	timer.ObserveExchange("open_positions")
	if err != nil {
		return fmt.Errorf("get open positions: %w", err)
	}

	active, err := r.repo.GetActivePositions(ctx)
	if err != nil {
		return fmt.Errorf("get active positions: %w", err)
	}

	onExchange := make(map[string]exchange.PositionInfo, len(exchangePositions))
	for _, info := range exchangePositions {
		onExchange[types.DuplicateKey(info.Symbol, info.Direction)] = info
	}

	tracked := make(map[string]bool, len(active))
	for _, p := range active {
		tracked[p.DuplicateKey()] = true

		switch p.State {
		case types.StatePending:
			r.reconcilePending(ctx, p)
		case types.StateOpen:
			if _, ok := onExchange[p.DuplicateKey()]; !ok {
				r.reconcileVanished(ctx, p)
			}
		}
	}

	for key, info := range onExchange {
		if tracked[key] {
			continue
		}
		// An exchange position this process never admitted is never
		// adopted; a human decides what it is.
		r.logger.Error("exchange position with no internal record",
			"symbol", info.Symbol,
			"direction", info.Direction.String(),
			"quantity", info.Quantity,
			"entry", info.EntryPrice,
		)
		r.recorder.RecordAnomaly()
		r.alert(ctx, alerting.EventReconcileAnomaly, "Untracked position on exchange",
			"symbol", info.Symbol,
			"direction", info.Direction.String(),
			"quantity", info.Quantity.String(),
			"entry", info.EntryPrice.String(),
		)
	}

	return nil
}

// reconcilePending advances a PENDING position from its entry order
// status: filled becomes OPEN, dead becomes CANCELLED.
func (r *Reconciler) reconcilePending(ctx context.Context, p *types.TrackedPosition) {
	if p.EntryOrderRef == "" {
		// The record is persisted before the entry order goes out, so a
		// young ref-less row is an execution in flight, not crash
		// debris. Only age past a full interval marks it abandoned.
		if r.now().Sub(p.CreatedAt) < r.interval {
			return
		}
		r.logger.Warn("cancelling stale position with no entry order", "position_id", p.ID)
		r.transition(ctx, p, "pending_to_cancelled", func() error {
			return position.MarkCancelled(p, r.now())
		})
		return
	}

	timer := metrics.NewTimer()
	info, err := r.client.GetOrderStatus(ctx, p.Symbol, p.EntryOrderRef)
	timer.ObserveExchange("order_status")
	if err != nil {
		r.logger.Warn("failed to get entry order status",
			"position_id", p.ID, "order_ref", p.EntryOrderRef, "err", err)
		return
	}

	switch {
	case info.Status == exchange.StatusFilled:
		r.transition(ctx, p, "pending_to_open", func() error {
			return position.MarkOpen(p, info.AvgFillPrice, r.now())
		})
		if p.State == types.StateOpen {
			r.recorder.RecordPositionOpened(p.Symbol)
			r.logger.Info("entry filled, position open",
				"position_id", p.ID, "symbol", p.Symbol, "fill", info.AvgFillPrice)
		}
	case info.Status.IsDead():
		r.transition(ctx, p, "pending_to_cancelled", func() error {
			return position.MarkCancelled(p, r.now())
		})
		r.logger.Info("entry order dead, position cancelled",
			"position_id", p.ID, "symbol", p.Symbol, "status", string(info.Status))
	}
}

// reconcileVanished closes an OPEN position the exchange no longer
// holds, classifying the exit from the protection order fills.
func (r *Reconciler) reconcileVanished(ctx context.Context, p *types.TrackedPosition) {
	reason, exitPrice := r.classifyExit(ctx, p)

	pnl := position.GrossPnl(p.Direction, p.EntryPrice, exitPrice, p.Quantity)
	r.transition(ctx, p, "open_to_closed", func() error {
		return position.MarkClosed(p, exitPrice, pnl, reason, r.now())
	})
	if p.State != types.StateClosed {
		return
	}

	r.cancelLeftoverOrders(ctx, p, reason)

	r.recorder.RecordPositionClosed(p.Symbol, reason.String())
	r.logger.Info("position closed by exchange",
		"position_id", p.ID,
		"symbol", p.Symbol,
		"reason", reason.String(),
		"exit", exitPrice,
		"pnl", pnl,
	)

	event := alerting.EventPositionClosed
	if reason == types.ExitLiquidation {
		event = alerting.EventReconcileAnomaly
	}
	r.alert(ctx, event, fmt.Sprintf("Position closed (%s)", reason),
		"position_id", p.ID,
		"symbol", p.Symbol,
		"direction", p.Direction.String(),
		"exit", exitPrice.String(),
		"pnl", pnl.String(),
	)
}

// classifyExit decides why an OPEN position left the exchange. A filled
// stop means the stop took it out, a filled target means the target
// did; neither filled with the position gone reads as liquidation.
func (r *Reconciler) classifyExit(ctx context.Context, p *types.TrackedPosition) (types.ExitReason, decimal.Decimal) {
	if info, ok := r.orderFilled(ctx, p.Symbol, p.StopOrderRef); ok {
		return types.ExitStopHit, info.AvgFillPrice
	}
	if info, ok := r.orderFilled(ctx, p.Symbol, p.TargetOrderRef); ok {
		return types.ExitTargetHit, info.AvgFillPrice
	}

	// No fill report exists for a liquidation; the mark price is the
	// closest available exit estimate.
	exitPrice := p.StopLossPrice
	timer := metrics.NewTimer()
	mark, err := r.client.GetMarkPrice(ctx, p.Symbol)
	timer.ObserveExchange("mark_price")
	if err == nil {
		exitPrice = mark
	}
	return types.ExitLiquidation, exitPrice
}

func (r *Reconciler) orderFilled(ctx context.Context, symbol, ref string) (exchange.OrderInfo, bool) {
	if ref == "" {
		return exchange.OrderInfo{}, false
	}
	timer := metrics.NewTimer()
	info, err := r.client.GetOrderStatus(ctx, symbol, ref)
	timer.ObserveExchange("order_status")
	if err != nil {
		r.logger.Warn("failed to get order status", "order_ref", ref, "err", err)
		return exchange.OrderInfo{}, false
	}
	return info, info.Status == exchange.StatusFilled
}

// cancelLeftoverOrders cancels the bracket order that did not fire.
func (r *Reconciler) cancelLeftoverOrders(ctx context.Context, p *types.TrackedPosition, reason types.ExitReason) {
	var leftovers []string
	switch reason {
	case types.ExitStopHit:
		leftovers = []string{p.TargetOrderRef}
	case types.ExitTargetHit:
		leftovers = []string{p.StopOrderRef}
	default:
		leftovers = []string{p.StopOrderRef, p.TargetOrderRef}
	}

	for _, ref := range leftovers {
		if ref == "" {
			continue
		}
		if err := r.client.CancelOrder(ctx, p.Symbol, ref); err != nil {
			r.logger.Warn("failed to cancel leftover bracket order",
				"position_id", p.ID, "order_ref", ref, "err", err)
		}
	}
}

// transition applies a state change and persists it; metric and record
// stay consistent with what was actually stored.
func (r *Reconciler) transition(ctx context.Context, p *types.TrackedPosition, name string, apply func() error) {
	if err := apply(); err != nil {
		r.logger.Error("illegal position transition",
			"position_id", p.ID, "transition", name, "err", err)
		return
	}
	if err := r.repo.UpdatePosition(ctx, p); err != nil {
		r.logger.Error("failed to persist position",
			"position_id", p.ID, "transition", name, "err", err)
		r.recorder.RecordError("reconcile_persist")
		return
	}
	r.recorder.RecordReconcileTransition(name)
}

func (r *Reconciler) alert(ctx context.Context, event alerting.AlertEvent, message string, fields ...any) {
	if r.alerter == nil {
		return
	}
	if r.alertFilter != nil && !r.alertFilter(event) {
		return
	}
	if err := r.alerter.Alert(ctx, alerting.EventSeverity(event), message, fields...); err != nil {
		r.logger.Warn("failed to send alert", "event", string(event), "err", err)
	}
}
