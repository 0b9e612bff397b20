package sizing

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/vqtran/bracketbot/internal/types"
)

func rules(priceStep, qtyStep, minNotional string, maxLev int) types.SymbolRules {
	return types.SymbolRules{
		Symbol:       "BTCUSDT",
		PriceStep:    decimal.RequireFromString(priceStep),
		QuantityStep: decimal.RequireFromString(qtyStep),
		MinNotional:  decimal.RequireFromString(minNotional),
		MaxLeverage:  maxLev,
	}
}

func TestStepPrecision(t *testing.T) {
	tests := []struct {
		step string
		want int32
	}{
		{"0.00000001", 8}, // regression: exponential float formatting broke this
		{"0.001", 3},
		{"0.00100000", 3}, // exchange pads trailing zeros
		{"0.050", 2},
		{"0.25", 2},
		{"0.1", 1},
		{"1", 0},
		{"10", 0},
		{"1.000", 0},
	}

	for _, tt := range tests {
		t.Run(tt.step, func(t *testing.T) {
			got := StepPrecision(decimal.RequireFromString(tt.step))
			if got != tt.want {
				t.Errorf("StepPrecision(%s) = %d, want %d", tt.step, got, tt.want)
			}
		})
	}
}

func TestQuantity(t *testing.T) {
	tests := []struct {
		name     string
		notional string
		entry    string
		rules    types.SymbolRules
		want     string
		wantErr  error
	}{
		{
			name:     "truncates down to quantity step",
			notional: "1000",
			entry:    "42000",
			rules:    rules("0.01", "0.001", "5", 125),
			want:     "0.023", // raw 0.0238095..., never rounded up
		},
		{
			name:     "exact multiple unchanged",
			notional: "1008",
			entry:    "42000",
			rules:    rules("0.01", "0.001", "5", 125),
			want:     "0.024",
		},
		{
			name:     "tiny step size",
			notional: "100",
			entry:    "0.5",
			rules:    rules("0.0001", "0.00000001", "5", 50),
			want:     "200",
		},
		{
			name:     "integer step",
			notional: "57",
			entry:    "0.25",
			rules:    rules("0.0001", "1", "5", 50),
			want:     "228",
		},
		{
			name:     "below minimum notional",
			notional: "4",
			entry:    "42000",
			rules:    rules("0.01", "0.001", "5", 125),
			wantErr:  types.ErrBelowMinNotional,
		},
		{
			name:     "quantity truncates to zero",
			notional: "10",
			entry:    "42000",
			rules:    rules("0.01", "0.001", "5", 125),
			wantErr:  types.ErrBelowMinNotional,
		},
		{
			name:     "zero entry price",
			notional: "1000",
			entry:    "0",
			rules:    rules("0.01", "0.001", "5", 125),
			wantErr:  types.ErrInvalidQuantity,
		},
		{
			name:     "zero notional",
			notional: "0",
			entry:    "42000",
			rules:    rules("0.01", "0.001", "5", 125),
			wantErr:  types.ErrInvalidQuantity,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Quantity(
				decimal.RequireFromString(tt.notional),
				decimal.RequireFromString(tt.entry),
				tt.rules,
			)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("Quantity() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Quantity() unexpected error: %v", err)
			}
			want := decimal.RequireFromString(tt.want)
			if !got.Equal(want) {
				t.Errorf("Quantity() = %s, want %s", got, want)
			}
			// Invariant: result is an exact multiple of the step.
			rem := got.Mod(tt.rules.QuantityStep)
			if !rem.IsZero() {
				t.Errorf("Quantity() = %s is not a multiple of step %s", got, tt.rules.QuantityStep)
			}
		})
	}
}

func TestQuantity_NotionalNeverExceedsRequested(t *testing.T) {
	r := rules("0.01", "0.001", "5", 125)
	notional := decimal.RequireFromString("1000")
	entry := decimal.RequireFromString("42000")

	qty, err := Quantity(notional, entry, r)
	if err != nil {
		t.Fatalf("Quantity() error: %v", err)
	}
	if qty.Mul(entry).GreaterThan(notional) {
		t.Errorf("resulting notional %s exceeds requested %s", qty.Mul(entry), notional)
	}
}

func TestClampLeverage(t *testing.T) {
	r := rules("0.01", "0.001", "5", 20)

	tests := []struct {
		name        string
		requested   int
		want        int
		wantClamped bool
	}{
		{"within limit", 10, 10, false},
		{"at limit", 20, 20, false},
		{"above limit capped", 50, 20, true},
		{"zero raised to one", 0, 1, true},
		{"negative raised to one", -3, 1, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, clamped := ClampLeverage(tt.requested, r)
			if got != tt.want || clamped != tt.wantClamped {
				t.Errorf("ClampLeverage(%d) = (%d, %v), want (%d, %v)",
					tt.requested, got, clamped, tt.want, tt.wantClamped)
			}
		})
	}
}

func TestProtection(t *testing.T) {
	r := rules("0.1", "0.001", "5", 125)
	rc := types.RiskConfig{
		StopLossPct:   decimal.RequireFromString("0.05"),
		TakeProfitPct: decimal.RequireFromString("0.025"),
	}
	entry := decimal.RequireFromString("42000")

	stop, target := Protection(entry, types.DirectionLong, rc, r)
	if !stop.Equal(decimal.RequireFromString("39900")) {
		t.Errorf("long stop = %s, want 39900", stop)
	}
	if !target.Equal(decimal.RequireFromString("43050")) {
		t.Errorf("long target = %s, want 43050", target)
	}

	stop, target = Protection(entry, types.DirectionShort, rc, r)
	if !stop.Equal(decimal.RequireFromString("44100")) {
		t.Errorf("short stop = %s, want 44100", stop)
	}
	if !target.Equal(decimal.RequireFromString("40950")) {
		t.Errorf("short target = %s, want 40950", target)
	}
}

func TestProtection_QuantizedToPriceStep(t *testing.T) {
	r := rules("0.5", "0.001", "5", 125)
	rc := types.RiskConfig{
		StopLossPct:   decimal.RequireFromString("0.013"),
		TakeProfitPct: decimal.RequireFromString("0.017"),
	}
	entry := decimal.RequireFromString("1234.5")

	stop, target := Protection(entry, types.DirectionLong, rc, r)
	for _, p := range []decimal.Decimal{stop, target} {
		if !p.Mod(r.PriceStep).IsZero() {
			t.Errorf("price %s is not a multiple of step %s", p, r.PriceStep)
		}
	}
}
