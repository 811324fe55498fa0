// Package precision implements the fixed-point rounding rules applied to
// every price and quantity leaving the engine. All rounding truncates
// toward the lesser value so realized output is never overstated.
package precision

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// ErrPrecision marks invalid input to a rounding call. It is fatal to the
// single call only; callers abandon the operation and carry on.
var ErrPrecision = errors.New("invalid precision")

// Truncate cuts value to the given number of decimal places, toward zero.
func Truncate(value float64, places int32) (float64, error) {
	if places < 0 {
		return 0, fmt.Errorf("%w: %d decimal places", ErrPrecision, places)
	}
	f, _ := decimal.NewFromFloat(value).Truncate(places).Float64()
	return f, nil
}

// Format renders value truncated to the given number of decimal places as
// the venue expects it on the wire, with trailing zeros preserved.
func Format(value float64, places int32) (string, error) {
	if places < 0 {
		return "", fmt.Errorf("%w: %d decimal places", ErrPrecision, places)
	}
	return decimal.NewFromFloat(value).Truncate(places).StringFixed(places), nil
}

// WeightedAvg combines two fills into a single volume-weighted price.
// It returns 0 when both quantities are zero.
func WeightedAvg(price1, qty1, price2, qty2 float64) float64 {
	total := qty1 + qty2
	if total == 0 {
		return 0
	}
	p1 := decimal.NewFromFloat(price1).Mul(decimal.NewFromFloat(qty1))
	p2 := decimal.NewFromFloat(price2).Mul(decimal.NewFromFloat(qty2))
	f, _ := p1.Add(p2).Div(decimal.NewFromFloat(total)).Float64()
	return f
}
