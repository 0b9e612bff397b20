// Package position owns the lifecycle of a tracked position record.
//
// The state machine performs no I/O and no polling: transitions are
// driven by the orchestrator (explicit caller actions) or by the
// reconciler (observed exchange state). Transitions are monotonic; a
// position never revisits a prior state.
package position

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/vqtran/bracketbot/internal/types"
)

// transitions is the complete set of legal state moves. Anything not
// listed is rejected, which keeps every transition total and testable.
var transitions = map[types.PositionState][]types.PositionState{
	types.StatePending: {types.StateOpen, types.StateCancelled},
	types.StateOpen:    {types.StateClosed},
}

// CanTransition reports whether moving from one state to another is legal.
func CanTransition(from, to types.PositionState) bool {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

func transition(p *types.TrackedPosition, to types.PositionState) error {
	if !CanTransition(p.State, to) {
		return fmt.Errorf("%w: %s -> %s (position %s)",
			types.ErrInvalidTransition, p.State, to, p.ID)
	}
	p.State = to
	return nil
}

// MarkOpen records the entry fill: PENDING -> OPEN.
func MarkOpen(p *types.TrackedPosition, fillPrice decimal.Decimal, at time.Time) error {
	if err := transition(p, types.StateOpen); err != nil {
		return err
	}
	if fillPrice.IsPositive() {
		p.EntryPrice = fillPrice
	}
	p.OpenedAt = &at
	return nil
}

// MarkClosed records a terminal exit: OPEN -> CLOSED. Exit price and
// realized PnL come from the exchange's fill report, never re-derived
// locally, so the record tracks the exchange's own fee and funding
// accounting.
func MarkClosed(p *types.TrackedPosition, exitPrice, realizedPnl decimal.Decimal, reason types.ExitReason, at time.Time) error {
	if err := transition(p, types.StateClosed); err != nil {
		return err
	}
	p.ClosedAt = &at
	p.ExitPrice = &exitPrice
	p.RealizedPnl = &realizedPnl
	p.ExitReason = reason
	return nil
}

// MarkCancelled records an entry that never filled: PENDING -> CANCELLED.
func MarkCancelled(p *types.TrackedPosition, at time.Time) error {
	if err := transition(p, types.StateCancelled); err != nil {
		return err
	}
	p.ClosedAt = &at
	p.ExitReason = types.ExitCancelled
	return nil
}

// GrossPnl computes direction-aware gross profit for a quantity between
// two prices. Used where the exchange reports a fill price but no PnL
// figure of its own.
func GrossPnl(d types.Direction, entry, exit, quantity decimal.Decimal) decimal.Decimal {
	diff := exit.Sub(entry)
	if d == types.DirectionShort {
		diff = diff.Neg()
	}
	return diff.Mul(quantity)
}
