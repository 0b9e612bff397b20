package types

import "errors"

// Sentinel errors for the execution engine.
var (
	// Constraint resolution errors
	ErrUnknownSymbol       = errors.New("unknown symbol")
	ErrUpstreamUnavailable = errors.New("exchange unavailable")

	// Sizing errors
	ErrBelowMinNotional = errors.New("order notional below exchange minimum")
	ErrInvalidQuantity  = errors.New("invalid order quantity")

	// Execution errors
	ErrDuplicatePosition     = errors.New("open or pending position already exists for symbol/direction")
	ErrProtectionOrderFailed = errors.New("entry placed but protection order failed")
	ErrExchangeRejected      = errors.New("order rejected by exchange")

	// Position errors
	ErrPositionNotFound  = errors.New("position not found")
	ErrPositionNotOpen   = errors.New("position is not open")
	ErrInvalidTransition = errors.New("invalid position state transition")

	// Validation errors
	ErrInvalidConfig = errors.New("invalid configuration")
	ErrInvalidIntent = errors.New("invalid trade intent")
)
