// Package exchange defines the client contract for the derivatives
// exchange the engine trades against.
package exchange

import (
	"context"

	"github.com/shopspring/decimal"
	"github.com/vqtran/bracketbot/internal/types"
)

// OrderSide is the exchange-level order side.
type OrderSide string

const (
	SideBuy  OrderSide = "BUY"
	SideSell OrderSide = "SELL"
)

// EntrySide maps a position direction to the side of its entry order.
func EntrySide(d types.Direction) OrderSide {
	if d == types.DirectionLong {
		return SideBuy
	}
	return SideSell
}

// ExitSide maps a position direction to the side of its closing orders.
func ExitSide(d types.Direction) OrderSide {
	if d == types.DirectionLong {
		return SideSell
	}
	return SideBuy
}

// OrderType is the exchange order type.
type OrderType string

const (
	OrderMarket     OrderType = "MARKET"
	OrderLimit      OrderType = "LIMIT"
	OrderStopMarket OrderType = "STOP_MARKET"
	OrderTakeProfit OrderType = "TAKE_PROFIT_MARKET"
)

// OrderStatus is the exchange-reported status of an order.
type OrderStatus string

const (
	StatusNew             OrderStatus = "NEW"
	StatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	StatusFilled          OrderStatus = "FILLED"
	StatusCancelled       OrderStatus = "CANCELED"
	StatusExpired         OrderStatus = "EXPIRED"
	StatusRejected        OrderStatus = "REJECTED"
)

// IsFinal returns true if the order can no longer fill.
func (s OrderStatus) IsFinal() bool {
	switch s {
	case StatusFilled, StatusCancelled, StatusExpired, StatusRejected:
		return true
	default:
		return false
	}
}

// IsDead returns true if the order terminated without a full fill.
func (s OrderStatus) IsDead() bool {
	switch s {
	case StatusCancelled, StatusExpired, StatusRejected:
		return true
	default:
		return false
	}
}

// OrderRequest describes one outbound order. Price is used by LIMIT
// orders, TriggerPrice by conditional orders. ReduceOnly orders may only
// decrease an existing position, never reverse it.
type OrderRequest struct {
	Symbol        string
	Side          OrderSide
	Type          OrderType
	Quantity      decimal.Decimal
	Price         decimal.Decimal
	TriggerPrice  decimal.Decimal
	ReduceOnly    bool
	TimeInForce   string
	ClientOrderID string
}

// OrderResult is the exchange's immediate response to an order.
type OrderResult struct {
	Ref            string // opaque exchange order identifier
	ClientOrderID  string
	Status         OrderStatus
	AvgFillPrice   decimal.Decimal
	FilledQuantity decimal.Decimal
}

// OrderInfo is the exchange's view of one resting or historical order.
type OrderInfo struct {
	Ref            string
	Symbol         string
	Side           OrderSide
	Type           OrderType
	Status         OrderStatus
	Quantity       decimal.Decimal
	AvgFillPrice   decimal.Decimal
	FilledQuantity decimal.Decimal
	ReduceOnly     bool
}

// PositionInfo is the exchange's authoritative view of one open position.
type PositionInfo struct {
	Symbol        string
	Direction     types.Direction
	Quantity      decimal.Decimal
	EntryPrice    decimal.Decimal
	MarkPrice     decimal.Decimal
	UnrealizedPnl decimal.Decimal
	Leverage      int
	MarginMode    types.MarginMode
}

// Client is the exchange client consumed by the engine. All numeric
// fields cross the wire as decimal strings; implementations must never
// route them through binary floating point.
type Client interface {
	GetSymbolRules(ctx context.Context, symbol string) (types.SymbolRules, error)
	GetMarkPrice(ctx context.Context, symbol string) (decimal.Decimal, error)

	SetLeverage(ctx context.Context, symbol string, leverage int) error
	SetMarginMode(ctx context.Context, symbol string, mode types.MarginMode) error

	PlaceOrder(ctx context.Context, req OrderRequest) (OrderResult, error)
	GetOrderStatus(ctx context.Context, symbol, ref string) (OrderInfo, error)
	CancelOrder(ctx context.Context, symbol, ref string) error
	CancelAllOrders(ctx context.Context, symbol string) error

	GetOpenPositions(ctx context.Context) ([]PositionInfo, error)
}
