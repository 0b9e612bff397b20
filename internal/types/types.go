// Package types defines shared types used across the execution engine.
package types

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Direction represents the logical direction of a position.
type Direction int

const (
	DirectionLong Direction = iota
	DirectionShort
)

func (d Direction) String() string {
	switch d {
	case DirectionShort:
		return "SHORT"
	default:
		return "LONG"
	}
}

// Opposite returns the opposite direction.
func (d Direction) Opposite() Direction {
	if d == DirectionLong {
		return DirectionShort
	}
	return DirectionLong
}

// ParseDirection parses a direction string.
func ParseDirection(s string) (Direction, bool) {
	switch s {
	case "LONG":
		return DirectionLong, true
	case "SHORT":
		return DirectionShort, true
	default:
		return DirectionLong, false
	}
}

// MarshalJSON encodes the direction as its string form.
func (d Direction) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// UnmarshalJSON accepts "LONG" or "SHORT", case-insensitively.
func (d *Direction) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	v, ok := ParseDirection(strings.ToUpper(s))
	if !ok {
		return fmt.Errorf("invalid direction %q", s)
	}
	*d = v
	return nil
}

// MarginMode represents the margin mode used for a position.
type MarginMode int

const (
	MarginCross MarginMode = iota
	MarginIsolated
)

func (m MarginMode) String() string {
	switch m {
	case MarginIsolated:
		return "ISOLATED"
	default:
		return "CROSS"
	}
}

// Wire returns the exchange wire form of the margin mode.
func (m MarginMode) Wire() string {
	switch m {
	case MarginIsolated:
		return "ISOLATED"
	default:
		return "CROSSED"
	}
}

// ParseMarginMode parses a margin mode string, accepting both the
// canonical and the exchange wire spellings.
func ParseMarginMode(s string) (MarginMode, bool) {
	switch s {
	case "CROSS", "CROSSED":
		return MarginCross, true
	case "ISOLATED":
		return MarginIsolated, true
	default:
		return MarginCross, false
	}
}

// PositionState represents the lifecycle state of a tracked position.
type PositionState int

const (
	StatePending PositionState = iota
	StateOpen
	StateClosed
	StateCancelled
)

func (s PositionState) String() string {
	switch s {
	case StatePending:
		return "PENDING"
	case StateOpen:
		return "OPEN"
	case StateClosed:
		return "CLOSED"
	case StateCancelled:
		return "CANCELLED"
	default:
		return "UNKNOWN"
	}
}

// IsTerminal returns true if no further transitions are possible.
func (s PositionState) IsTerminal() bool {
	return s == StateClosed || s == StateCancelled
}

// ParsePositionState parses a position state string.
func ParsePositionState(s string) (PositionState, bool) {
	switch s {
	case "PENDING":
		return StatePending, true
	case "OPEN":
		return StateOpen, true
	case "CLOSED":
		return StateClosed, true
	case "CANCELLED":
		return StateCancelled, true
	default:
		return StatePending, false
	}
}

// ExitReason records why a position left the book.
type ExitReason int

const (
	ExitNone ExitReason = iota
	ExitManual
	ExitStopHit
	ExitTargetHit
	ExitLiquidation
	ExitCancelled
)

func (r ExitReason) String() string {
	switch r {
	case ExitManual:
		return "MANUAL"
	case ExitStopHit:
		return "STOP_HIT"
	case ExitTargetHit:
		return "TARGET_HIT"
	case ExitLiquidation:
		return "LIQUIDATION"
	case ExitCancelled:
		return "CANCELLED"
	default:
		return "NONE"
	}
}

// ParseExitReason parses an exit reason string.
func ParseExitReason(s string) ExitReason {
	switch s {
	case "MANUAL":
		return ExitManual
	case "STOP_HIT":
		return ExitStopHit
	case "TARGET_HIT":
		return ExitTargetHit
	case "LIQUIDATION":
		return ExitLiquidation
	case "CANCELLED":
		return ExitCancelled
	default:
		return ExitNone
	}
}

// SymbolRules holds per-symbol exchange trading constraints.
// Immutable once fetched; refreshed by the rules resolver on expiry.
type SymbolRules struct {
	Symbol       string
	PriceStep    decimal.Decimal
	QuantityStep decimal.Decimal
	MinNotional  decimal.Decimal
	MaxLeverage  int
}

// RiskConfig is a per-account trading policy. Callers take a value
// snapshot per execution attempt; changes never affect an in-flight
// order sequence.
type RiskConfig struct {
	MaxPositionSizeUSD decimal.Decimal
	MaxLeverage        int
	MarginMode         MarginMode
	StopLossPct        decimal.Decimal // used only when a signal omits a stop
	TakeProfitPct      decimal.Decimal // used only when a signal omits a target
}

// TradeIntent is the structured input to the engine.
// A nil EntryPrice means "enter at market". Nil stop/target prices are
// derived from RiskConfig percentages.
type TradeIntent struct {
	Symbol          string           `json:"symbol"`
	Direction       Direction        `json:"direction"`
	EntryPrice      *decimal.Decimal `json:"entry_price,omitempty"`
	StopLossPrice   *decimal.Decimal `json:"stop_loss_price,omitempty"`
	TakeProfitPrice *decimal.Decimal `json:"take_profit_price,omitempty"`
	SourceSignalID  string           `json:"source_signal_id"`
}

// TrackedPosition is the engine's lifecycle record for one bracket.
// Created when the orchestrator admits a TradeIntent; mutated only via
// the position state machine and the reconciler; never deleted.
type TrackedPosition struct {
	ID        string
	Symbol    string
	Direction Direction
	State     PositionState

	EntryOrderRef  string
	StopOrderRef   string
	TargetOrderRef string

	Quantity        decimal.Decimal
	EntryPrice      decimal.Decimal
	StopLossPrice   decimal.Decimal
	TakeProfitPrice decimal.Decimal
	Leverage        int
	MarginMode      MarginMode

	SourceSignalID string
	CreatedAt      time.Time
	OpenedAt       *time.Time
	ClosedAt       *time.Time
	ExitPrice      *decimal.Decimal
	RealizedPnl    *decimal.Decimal
	ExitReason     ExitReason
}

// Notional returns quantity times entry price.
func (p *TrackedPosition) Notional() decimal.Decimal {
	return p.Quantity.Mul(p.EntryPrice)
}

// DuplicateKey returns the uniqueness key used by the duplicate guard.
func (p *TrackedPosition) DuplicateKey() string {
	return DuplicateKey(p.Symbol, p.Direction)
}

// DuplicateKey builds the (symbol, direction) guard key.
func DuplicateKey(symbol string, direction Direction) string {
	return symbol + "/" + direction.String()
}

// PnlSummary is the aggregate profit and loss view exposed to consumers.
type PnlSummary struct {
	Realized   decimal.Decimal
	Unrealized decimal.Decimal
}
