// Package sizing converts desired notional position sizes and signal
// prices into exchange-valid quantities and prices. All arithmetic is
// exact decimal; binary floating point never touches a price or size.
package sizing

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/vqtran/bracketbot/internal/types"
)

// StepPrecision returns the number of fractional digits implied by a
// step size, so a step of 0.00000001 yields 8 and a padded "0.00100000"
// yields 3. The decimal String form is exact and trims trailing zeros;
// float string formatting is unreliable for small magnitudes (it flips
// to exponential notation) and must never be used here.
func StepPrecision(step decimal.Decimal) int32 {
	s := step.String()
	if i := strings.IndexByte(s, '.'); i >= 0 {
		return int32(len(s) - i - 1)
	}
	return 0
}

// TruncateToStep rounds v down to the nearest exact multiple of step.
func TruncateToStep(v, step decimal.Decimal) decimal.Decimal {
	if step.IsZero() {
		return v
	}
	return v.Div(step).Floor().Mul(step)
}

// RoundToStep rounds v to the nearest exact multiple of step.
func RoundToStep(v, step decimal.Decimal) decimal.Decimal {
	if step.IsZero() {
		return v
	}
	return v.Div(step).Round(0).Mul(step)
}

// Quantity converts a desired notional (USD) and an entry price into an
// exchange-valid quantity.
//
// The raw quantity notional/entry is truncated, never rounded up, to a
// multiple of the symbol's quantity step: exceeding the requested
// notional would breach the account's risk limits. If the truncated
// quantity's notional falls below the exchange minimum the calculation
// fails rather than silently upsizing.
func Quantity(notionalUSD, entryPrice decimal.Decimal, rules types.SymbolRules) (decimal.Decimal, error) {
	if entryPrice.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero, fmt.Errorf("%w: entry price %s", types.ErrInvalidQuantity, entryPrice)
	}
	if notionalUSD.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero, fmt.Errorf("%w: notional %s", types.ErrInvalidQuantity, notionalUSD)
	}

	raw := notionalUSD.Div(entryPrice)
	qty := TruncateToStep(raw, rules.QuantityStep)

	if qty.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero, fmt.Errorf("%w: quantity truncates to zero at step %s",
			types.ErrBelowMinNotional, rules.QuantityStep)
	}

	notional := qty.Mul(entryPrice)
	if notional.LessThan(rules.MinNotional) {
		return decimal.Zero, fmt.Errorf("%w: notional %s < minimum %s",
			types.ErrBelowMinNotional, notional, rules.MinNotional)
	}

	return qty, nil
}

// ClampLeverage caps the requested leverage at the symbol maximum.
// The second return value reports whether capping occurred so callers
// can surface the actual leverage used; a silent cap would leave the
// audit trail lying about account exposure.
func ClampLeverage(requested int, rules types.SymbolRules) (int, bool) {
	if requested < 1 {
		return 1, true
	}
	if rules.MaxLeverage > 0 && requested > rules.MaxLeverage {
		return rules.MaxLeverage, true
	}
	return requested, false
}

// Protection derives stop-loss and take-profit prices from risk-config
// percentages when a signal omits them, quantized to the price step.
func Protection(entry decimal.Decimal, d types.Direction, rc types.RiskConfig, rules types.SymbolRules) (stop, target decimal.Decimal) {
	one := decimal.NewFromInt(1)
	switch d {
	case types.DirectionShort:
		stop = entry.Mul(one.Add(rc.StopLossPct))
		target = entry.Mul(one.Sub(rc.TakeProfitPct))
	default:
		stop = entry.Mul(one.Sub(rc.StopLossPct))
		target = entry.Mul(one.Add(rc.TakeProfitPct))
	}
	return RoundToStep(stop, rules.PriceStep), RoundToStep(target, rules.PriceStep)
}
