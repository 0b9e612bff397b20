// Package engine orchestrates the bracket order sequence: admit a
// trade intent, size it against exchange rules, place entry and
// protection orders, and track the resulting position.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/vqtran/bracketbot/internal/alerting"
	"github.com/vqtran/bracketbot/internal/exchange"
	"github.com/vqtran/bracketbot/internal/metrics"
	"github.com/vqtran/bracketbot/internal/persistence"
	"github.com/vqtran/bracketbot/internal/position"
	"github.com/vqtran/bracketbot/internal/rules"
	"github.com/vqtran/bracketbot/internal/sizing"
	"github.com/vqtran/bracketbot/internal/types"
)

// minNotionalBuffer is added on top of the exchange MIN_NOTIONAL before
// admitting an order, so a marginal fill does not bounce at the venue.
var minNotionalBuffer = decimal.RequireFromString("0.10")

// ProtectionError reports that the entry order is live but one or both
// protection legs could not be placed. The position remains tracked so
// the operator or reconciler can act on it.
type ProtectionError struct {
	Position *types.TrackedPosition
	Legs     []string
	Err      error
}

func (e *ProtectionError) Error() string {
	return fmt.Sprintf("protection order failed (%s) for position %s: %v",
		strings.Join(e.Legs, ","), e.Position.ID, e.Err)
}

func (e *ProtectionError) Unwrap() []error {
	return []error{types.ErrProtectionOrderFailed, e.Err}
}

// Engine executes trade intents as bracket orders against an exchange.
type Engine struct {
	logger      *slog.Logger
	client      exchange.Client
	resolver    *rules.Resolver
	repo        persistence.Repository
	alerter     alerting.Alerter
	alertFilter alerting.EventFilter
	recorder    *metrics.Recorder

	riskMu sync.RWMutex
	risk   types.RiskConfig

	// keyMu serializes admit+create per (symbol, direction) so the
	// duplicate guard is raced only by other processes, never by
	// goroutines of this one.
	keyMu sync.Mutex
	keys  map[string]*sync.Mutex

	now func() time.Time
}

// New creates an engine. The risk config may be swapped later with
// SetRiskConfig; each execution works from a snapshot.
func New(
	client exchange.Client,
	resolver *rules.Resolver,
	repo persistence.Repository,
	risk types.RiskConfig,
	alerter alerting.Alerter,
	logger *slog.Logger,
) *Engine {
	if logger == nil {
		logger = slog.Default()
	}

	return &Engine{
		logger:   logger,
		client:   client,
		resolver: resolver,
		repo:     repo,
		alerter:  alerter,
		recorder: metrics.NewRecorder(),
		risk:     risk,
		keys:     make(map[string]*sync.Mutex),
		now:      time.Now,
	}
}

// SetAlertFilter restricts which alert events are delivered. Metrics
// and logs are unaffected; only outbound alerts are filtered.
func (e *Engine) SetAlertFilter(f alerting.EventFilter) {
	e.alertFilter = f
}

// RiskConfig returns the current risk config snapshot.
func (e *Engine) RiskConfig() types.RiskConfig {
	e.riskMu.RLock()
	defer e.riskMu.RUnlock()
	return e.risk
}

// SetRiskConfig replaces the risk config. In-flight executions keep
// the snapshot they started with.
func (e *Engine) SetRiskConfig(rc types.RiskConfig) {
	e.riskMu.Lock()
	defer e.riskMu.Unlock()
	e.risk = rc
}

func (e *Engine) lockKey(key string) *sync.Mutex {
	e.keyMu.Lock()
	mu, ok := e.keys[key]
	if !ok {
		mu = &sync.Mutex{}
		e.keys[key] = mu
	}
	e.keyMu.Unlock()

	mu.Lock()
	return mu
}

// ExecuteSignal runs the full bracket sequence for one trade intent.
// On success the returned position is PENDING (resting limit entry) or
// OPEN (entry filled immediately).
func (e *Engine) ExecuteSignal(ctx context.Context, intent types.TradeIntent) (*types.TrackedPosition, error) {
	if err := validateIntent(intent); err != nil {
		e.recorder.RecordSignalRejected("invalid_intent")
		return nil, err
	}

	e.recorder.RecordSignal(intent.Symbol, intent.Direction.String())

	if err := e.repo.SaveSignal(ctx, persistence.SignalRecord{
		SourceSignalID:  intent.SourceSignalID,
		Symbol:          intent.Symbol,
		Direction:       intent.Direction,
		EntryPrice:      intent.EntryPrice,
		StopLossPrice:   intent.StopLossPrice,
		TakeProfitPrice: intent.TakeProfitPrice,
		ReceivedAt:      e.now(),
	}); err != nil {
		// Audit failure does not block execution.
		e.logger.Warn("failed to save signal record", "err", err)
		e.recorder.RecordError("signal_audit")
	}

	mu := e.lockKey(types.DuplicateKey(intent.Symbol, intent.Direction))
	defer mu.Unlock()

	// Fail a duplicate before touching the exchange. The unique index
	// behind CreatePositionIfAbsent remains the atomic authority; this
	// read only keeps a doomed intent from mutating leverage or margin
	// settings on the way to rejection.
	exists, err := e.repo.HasActivePosition(ctx, intent.Symbol, intent.Direction)
	if err != nil {
		e.logger.Warn("duplicate precheck failed", "symbol", intent.Symbol, "err", err)
	} else if exists {
		e.recorder.RecordSignalRejected("duplicate")
		return nil, fmt.Errorf("%w: %s %s", types.ErrDuplicatePosition, intent.Symbol, intent.Direction)
	}

	rc := e.RiskConfig()

	symbolRules, err := e.resolver.Resolve(ctx, intent.Symbol)
	if err != nil {
		e.recorder.RecordSignalRejected("rules_unavailable")
		return nil, fmt.Errorf("resolve rules for %s: %w", intent.Symbol, err)
	}

	leverage, clamped := sizing.ClampLeverage(rc.MaxLeverage, symbolRules)
	if clamped {
		e.recorder.RecordLeverageClamp(intent.Symbol)
		e.logger.Warn("leverage clamped to exchange maximum",
			"symbol", intent.Symbol,
			"requested", rc.MaxLeverage,
			"clamped", leverage,
		)
		e.alert(ctx, alerting.EventLeverageClamped, "Leverage clamped to exchange maximum",
			"symbol", intent.Symbol,
			"requested", rc.MaxLeverage,
			"clamped", leverage,
		)
	}

	entryPrice, entryType, err := e.entryPrice(ctx, intent)
	if err != nil {
		e.recorder.RecordSignalRejected("no_entry_price")
		return nil, err
	}

	// The configured USD size is margin; the exchange position is
	// margin times leverage.
	notional := rc.MaxPositionSizeUSD.Mul(decimal.NewFromInt(int64(leverage)))

	quantity, err := sizing.Quantity(notional, entryPrice, symbolRules)
	if err != nil {
		e.recorder.RecordSignalRejected("sizing")
		return nil, fmt.Errorf("size %s: %w", intent.Symbol, err)
	}
	if quantity.Mul(entryPrice).LessThan(symbolRules.MinNotional.Add(minNotionalBuffer)) {
		e.recorder.RecordSignalRejected("below_min_notional")
		return nil, fmt.Errorf("size %s: %w", intent.Symbol, types.ErrBelowMinNotional)
	}

	stop, target, err := e.protectionPrices(intent, entryPrice, rc, symbolRules)
	if err != nil {
		e.recorder.RecordSignalRejected("invalid_protection")
		return nil, err
	}

	if err := e.prepareSymbol(ctx, intent.Symbol, leverage, rc.MarginMode); err != nil {
		e.recorder.RecordSignalRejected("symbol_setup")
		return nil, err
	}

	p := &types.TrackedPosition{
		ID:              uuid.NewString(),
		Symbol:          intent.Symbol,
		Direction:       intent.Direction,
		State:           types.StatePending,
		Quantity:        quantity,
		EntryPrice:      entryPrice,
		StopLossPrice:   stop,
		TakeProfitPrice: target,
		Leverage:        leverage,
		MarginMode:      rc.MarginMode,
		SourceSignalID:  intent.SourceSignalID,
		CreatedAt:       e.now(),
	}

	// Record intent before any order exists so a crash between here
	// and order placement leaves a PENDING row the reconciler cancels.
	if err := e.repo.CreatePositionIfAbsent(ctx, p); err != nil {
		if errors.Is(err, types.ErrDuplicatePosition) {
			e.recorder.RecordSignalRejected("duplicate")
		}
		return nil, err
	}

	if err := e.placeEntry(ctx, p, intent, entryType); err != nil {
		return nil, err
	}

	protErr := e.placeProtection(ctx, p)

	if err := e.repo.UpdatePosition(ctx, p); err != nil {
		e.logger.Error("failed to persist position after order placement",
			"position_id", p.ID, "err", err)
		e.recorder.RecordError("persist")
	}

	if protErr != nil {
		return p, protErr
	}

	if p.State == types.StateOpen {
		e.recorder.RecordPositionOpened(p.Symbol)
		e.alert(ctx, alerting.EventPositionOpened, "Position opened",
			"symbol", p.Symbol,
			"direction", p.Direction.String(),
			"quantity", p.Quantity.String(),
			"entry", p.EntryPrice.String(),
			"stop", p.StopLossPrice.String(),
			"target", p.TakeProfitPrice.String(),
		)
	}

	e.logger.Info("bracket placed",
		"position_id", p.ID,
		"symbol", p.Symbol,
		"direction", p.Direction.String(),
		"state", p.State.String(),
		"quantity", p.Quantity,
		"entry", p.EntryPrice,
		"stop", p.StopLossPrice,
		"target", p.TakeProfitPrice,
		"leverage", p.Leverage,
	)

	return p, nil
}

func validateIntent(intent types.TradeIntent) error {
	if intent.Symbol == "" {
		return fmt.Errorf("%w: symbol is required", types.ErrInvalidIntent)
	}
	if intent.EntryPrice != nil && !intent.EntryPrice.IsPositive() {
		return fmt.Errorf("%w: entry price must be positive", types.ErrInvalidIntent)
	}
	if intent.StopLossPrice != nil && !intent.StopLossPrice.IsPositive() {
		return fmt.Errorf("%w: stop loss price must be positive", types.ErrInvalidIntent)
	}
	if intent.TakeProfitPrice != nil && !intent.TakeProfitPrice.IsPositive() {
		return fmt.Errorf("%w: take profit price must be positive", types.ErrInvalidIntent)
	}
	return nil
}

// entryPrice returns the price used for sizing and the entry order
// type. Market entries are sized off the current mark price.
func (e *Engine) entryPrice(ctx context.Context, intent types.TradeIntent) (decimal.Decimal, exchange.OrderType, error) {
	if intent.EntryPrice != nil {
		return *intent.EntryPrice, exchange.OrderLimit, nil
	}

	timer := metrics.NewTimer()
	mark, err := e.client.GetMarkPrice(ctx, intent.Symbol)
	timer.ObserveExchange("mark_price")
	if err != nil {
		return decimal.Zero, "", fmt.Errorf("mark price for %s: %w", intent.Symbol, err)
	}
	return mark, exchange.OrderMarket, nil
}

// protectionPrices picks the stop and target, preferring explicit
// intent prices over the risk-config percentages, and verifies they
// sit on the protective side of the entry.
func (e *Engine) protectionPrices(
	intent types.TradeIntent,
	entry decimal.Decimal,
	rc types.RiskConfig,
	symbolRules types.SymbolRules,
) (stop, target decimal.Decimal, err error) {
	stop, target = sizing.Protection(entry, intent.Direction, rc, symbolRules)

	if intent.StopLossPrice != nil {
		stop = sizing.RoundToStep(*intent.StopLossPrice, symbolRules.PriceStep)
	}
	if intent.TakeProfitPrice != nil {
		target = sizing.RoundToStep(*intent.TakeProfitPrice, symbolRules.PriceStep)
	}

	if intent.Direction == types.DirectionLong {
		if stop.GreaterThanOrEqual(entry) || target.LessThanOrEqual(entry) {
			return decimal.Zero, decimal.Zero,
				fmt.Errorf("%w: protection prices on wrong side of entry", types.ErrInvalidIntent)
		}
	} else {
		if stop.LessThanOrEqual(entry) || target.GreaterThanOrEqual(entry) {
			return decimal.Zero, decimal.Zero,
				fmt.Errorf("%w: protection prices on wrong side of entry", types.ErrInvalidIntent)
		}
	}

	return stop, target, nil
}

// prepareSymbol applies leverage and margin mode. A margin mode the
// exchange reports as already set is treated as success by the client.
func (e *Engine) prepareSymbol(ctx context.Context, symbol string, leverage int, mode types.MarginMode) error {
	timer := metrics.NewTimer()
	err := e.client.SetLeverage(ctx, symbol, leverage)
	timer.ObserveExchange("set_leverage")
	if err != nil {
		return fmt.Errorf("set leverage on %s: %w", symbol, err)
	}

	timer = metrics.NewTimer()
	err = e.client.SetMarginMode(ctx, symbol, mode)
	timer.ObserveExchange("set_margin_mode")
	if err != nil {
		return fmt.Errorf("set margin mode on %s: %w", symbol, err)
	}

	return nil
}

// placeEntry places the entry order. On failure the position is
// cancelled and persisted before the error is returned.
func (e *Engine) placeEntry(ctx context.Context, p *types.TrackedPosition, intent types.TradeIntent, entryType exchange.OrderType) error {
	req := exchange.OrderRequest{
		Symbol:        p.Symbol,
		Side:          exchange.EntrySide(p.Direction),
		Type:          entryType,
		Quantity:      p.Quantity,
		ClientOrderID: "entry-" + p.ID,
	}
	if entryType == exchange.OrderLimit {
		req.Price = p.EntryPrice
		req.TimeInForce = "GTC"
	}

	timer := metrics.NewTimer()
	res, err := e.client.PlaceOrder(ctx, req)
	timer.ObserveExchange("place_order")

	if err != nil {
		e.recorder.RecordOrder(p.Symbol, string(entryType), "rejected")
		e.alert(ctx, alerting.EventOrderRejected, "Entry order rejected",
			"symbol", p.Symbol,
			"direction", p.Direction.String(),
			"error", err.Error(),
		)

		if cancelErr := position.MarkCancelled(p, e.now()); cancelErr != nil {
			e.logger.Error("failed to cancel position record", "position_id", p.ID, "err", cancelErr)
		}
		if updateErr := e.repo.UpdatePosition(ctx, p); updateErr != nil {
			e.logger.Error("failed to persist cancelled position", "position_id", p.ID, "err", updateErr)
			e.recorder.RecordError("persist")
		}
		return fmt.Errorf("place entry for %s: %w", p.Symbol, err)
	}

	p.EntryOrderRef = res.Ref
	e.recorder.RecordOrder(p.Symbol, string(entryType), string(res.Status))

	if res.Status == exchange.StatusFilled {
		if err := position.MarkOpen(p, res.AvgFillPrice, e.now()); err != nil {
			e.logger.Error("failed to mark position open", "position_id", p.ID, "err", err)
		}
	}

	return nil
}

// placeProtection places the stop and target legs. Each leg fails
// independently; the entry is never rolled back here because a partial
// bracket with a live entry is safer kept and escalated than torn down
// blind.
func (e *Engine) placeProtection(ctx context.Context, p *types.TrackedPosition) error {
	exitSide := exchange.ExitSide(p.Direction)

	var failedLegs []string
	var legErrs []error

	stopReq := exchange.OrderRequest{
		Symbol:        p.Symbol,
		Side:          exitSide,
		Type:          exchange.OrderStopMarket,
		Quantity:      p.Quantity,
		TriggerPrice:  p.StopLossPrice,
		ReduceOnly:    true,
		ClientOrderID: "stop-" + p.ID,
	}
	timer := metrics.NewTimer()
	stopRes, err := e.client.PlaceOrder(ctx, stopReq)
	timer.ObserveExchange("place_order")
	if err != nil {
		e.recorder.RecordOrder(p.Symbol, string(exchange.OrderStopMarket), "rejected")
		e.recorder.RecordProtectionFailure(p.Symbol, "stop")
		failedLegs = append(failedLegs, "stop")
		legErrs = append(legErrs, fmt.Errorf("stop: %w", err))
	} else {
		p.StopOrderRef = stopRes.Ref
		e.recorder.RecordOrder(p.Symbol, string(exchange.OrderStopMarket), string(stopRes.Status))
	}

	targetReq := exchange.OrderRequest{
		Symbol:        p.Symbol,
		Side:          exitSide,
		Type:          exchange.OrderTakeProfit,
		Quantity:      p.Quantity,
		TriggerPrice:  p.TakeProfitPrice,
		ReduceOnly:    true,
		ClientOrderID: "target-" + p.ID,
	}
	timer = metrics.NewTimer()
	targetRes, err := e.client.PlaceOrder(ctx, targetReq)
	timer.ObserveExchange("place_order")
	if err != nil {
		e.recorder.RecordOrder(p.Symbol, string(exchange.OrderTakeProfit), "rejected")
		e.recorder.RecordProtectionFailure(p.Symbol, "target")
		failedLegs = append(failedLegs, "target")
		legErrs = append(legErrs, fmt.Errorf("target: %w", err))
	} else {
		p.TargetOrderRef = targetRes.Ref
		e.recorder.RecordOrder(p.Symbol, string(exchange.OrderTakeProfit), string(targetRes.Status))
	}

	if len(failedLegs) == 0 {
		return nil
	}

	joined := errors.Join(legErrs...)
	e.logger.Error("UNPROTECTED POSITION: protection order placement failed",
		"position_id", p.ID,
		"symbol", p.Symbol,
		"legs", strings.Join(failedLegs, ","),
		"err", joined,
	)
	e.alert(ctx, alerting.EventUnprotectedPosition, "UNPROTECTED POSITION: protection order failed",
		"position_id", p.ID,
		"symbol", p.Symbol,
		"direction", p.Direction.String(),
		"quantity", p.Quantity.String(),
		"failed_legs", strings.Join(failedLegs, ","),
		"error", joined.Error(),
	)

	return &ProtectionError{Position: p, Legs: failedLegs, Err: joined}
}

// ClosePosition cancels the remaining bracket orders and closes an
// OPEN position at market.
func (e *Engine) ClosePosition(ctx context.Context, id string) (*types.TrackedPosition, error) {
	p, err := e.repo.GetPosition(ctx, id)
	if err != nil {
		return nil, err
	}
	if p.State != types.StateOpen {
		return nil, fmt.Errorf("position %s is %s: %w", id, p.State, types.ErrPositionNotOpen)
	}

	mu := e.lockKey(p.DuplicateKey())
	defer mu.Unlock()

	for _, ref := range []string{p.StopOrderRef, p.TargetOrderRef} {
		if ref == "" {
			continue
		}
		if err := e.client.CancelOrder(ctx, p.Symbol, ref); err != nil {
			// The exchange may have already consumed the order.
			e.logger.Warn("failed to cancel bracket order",
				"position_id", p.ID, "order_ref", ref, "err", err)
		}
	}

	timer := metrics.NewTimer()
	res, err := e.client.PlaceOrder(ctx, exchange.OrderRequest{
		Symbol:        p.Symbol,
		Side:          exchange.ExitSide(p.Direction),
		Type:          exchange.OrderMarket,
		Quantity:      p.Quantity,
		ReduceOnly:    true,
		ClientOrderID: "close-" + p.ID,
	})
	timer.ObserveExchange("place_order")
	if err != nil {
		e.recorder.RecordOrder(p.Symbol, string(exchange.OrderMarket), "rejected")
		return nil, fmt.Errorf("place close order for %s: %w", p.Symbol, err)
	}
	e.recorder.RecordOrder(p.Symbol, string(exchange.OrderMarket), string(res.Status))

	realized := position.GrossPnl(p.Direction, p.EntryPrice, res.AvgFillPrice, p.Quantity)
	if err := position.MarkClosed(p, res.AvgFillPrice, realized, types.ExitManual, e.now()); err != nil {
		return nil, err
	}

	if err := e.repo.UpdatePosition(ctx, p); err != nil {
		return nil, fmt.Errorf("persist closed position: %w", err)
	}

	e.recorder.RecordPositionClosed(p.Symbol, types.ExitManual.String())
	e.alert(ctx, alerting.EventPositionClosed, "Position closed",
		"position_id", p.ID,
		"symbol", p.Symbol,
		"exit", res.AvgFillPrice.String(),
		"pnl", realized.String(),
	)

	e.logger.Info("position closed",
		"position_id", p.ID,
		"symbol", p.Symbol,
		"exit_price", res.AvgFillPrice,
		"realized_pnl", realized,
	)

	return p, nil
}

// ListOpenPositions returns tracked positions currently OPEN.
func (e *Engine) ListOpenPositions(ctx context.Context) ([]*types.TrackedPosition, error) {
	active, err := e.repo.GetActivePositions(ctx)
	if err != nil {
		return nil, err
	}

	open := make([]*types.TrackedPosition, 0, len(active))
	for _, p := range active {
		if p.State == types.StateOpen {
			open = append(open, p)
		}
	}
	return open, nil
}

// AggregatePnl sums realized pnl over closed positions and unrealized
// pnl as reported by the exchange.
func (e *Engine) AggregatePnl(ctx context.Context) (types.PnlSummary, error) {
	// Negative limit disables the LIMIT clause.
	closed, err := e.repo.GetClosedPositions(ctx, -1)
	if err != nil {
		return types.PnlSummary{}, err
	}

	var summary types.PnlSummary
	for _, p := range closed {
		if p.RealizedPnl != nil {
			summary.Realized = summary.Realized.Add(*p.RealizedPnl)
		}
	}

	timer := metrics.NewTimer()
	positions, err := e.client.GetOpenPositions(ctx)
	timer.ObserveExchange("open_positions")
	if err != nil {
		return types.PnlSummary{}, fmt.Errorf("get open positions: %w", err)
	}
	for _, info := range positions {
		summary.Unrealized = summary.Unrealized.Add(info.UnrealizedPnl)
	}

	e.recorder.RecordPnl(summary.Realized, summary.Unrealized)
	return summary, nil
}

func (e *Engine) alert(ctx context.Context, event alerting.AlertEvent, message string, fields ...any) {
	if e.alerter == nil {
		return
	}
	if e.alertFilter != nil && !e.alertFilter(event) {
		return
	}
	if err := e.alerter.Alert(ctx, alerting.EventSeverity(event), message, fields...); err != nil {
		e.logger.Warn("failed to send alert", "event", string(event), "err", err)
	}
}
