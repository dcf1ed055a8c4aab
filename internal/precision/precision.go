// Package precision implements the chain-integer arithmetic every other
// component must route equality and ordering decisions through (spec
// §4.A). Floating comparisons on decimal.Decimal produce phantom dust
// that triggers spurious state transitions, so CompareSizes is the only
// sanctioned equality check for order sizes in this module.
package precision

import (
	"errors"
	"math"

	"github.com/shopspring/decimal"
)

// ErrOverflow is returned by ToInt when the scaled value does not fit
// in a signed 64-bit integer.
var ErrOverflow = errors.New("precision: value overflows int64 at this scale")

var (
	minI64 = decimal.NewFromInt(math.MinInt64)
	maxI64 = decimal.NewFromInt(math.MaxInt64)
)

// ToInt converts a decimal asset amount to its chain-integer
// representation at the given precision: round(float * 10^precision).
func ToInt(v decimal.Decimal, precision int) (int64, error) {
	scale := decimal.New(1, int32(precision))
	scaled := v.Mul(scale).Round(0)
	if scaled.LessThan(minI64) || scaled.GreaterThan(maxI64) {
		return 0, ErrOverflow
	}
	return scaled.IntPart(), nil
}

// ToFloat converts a chain-integer amount back to a decimal at the
// given precision.
func ToFloat(i int64, precision int) decimal.Decimal {
	scale := decimal.New(1, int32(precision))
	return decimal.NewFromInt(i).Div(scale)
}

// Ordering is the result of CompareSizes.
type Ordering int

const (
	Less Ordering = iota - 1
	Equal
	Greater
)

// CompareSizes compares a and b after conversion to integer precision.
// Values that overflow int64 at this precision are clamped to the
// nearest bound before comparing (Overflow is a warn-and-skip condition
// per spec §7, never a panic here).
func CompareSizes(a, b decimal.Decimal, precision int) Ordering {
	ai, aErr := ToInt(a, precision)
	if aErr != nil {
		ai = clampInt(a)
	}
	bi, bErr := ToInt(b, precision)
	if bErr != nil {
		bi = clampInt(b)
	}
	switch {
	case ai < bi:
		return Less
	case ai > bi:
		return Greater
	default:
		return Equal
	}
}

func clampInt(v decimal.Decimal) int64 {
	if v.IsNegative() {
		return math.MinInt64
	}
	return math.MaxInt64
}

// OrderKind distinguishes which leg of an order tolerance is computed
// for.
type OrderKind int

const (
	OrderBuy OrderKind = iota
	OrderSell
)

// CalcPriceTolerance returns price * (1/(sizeA*10^precA) + 1/(sizeB*10^precB)),
// falling back to 0.1% of price when an input size is missing (zero).
func CalcPriceTolerance(price, sizeA, sizeB decimal.Decimal, precA, precB int) decimal.Decimal {
	if sizeA.IsZero() || sizeB.IsZero() {
		return price.Mul(decimal.NewFromFloat(0.001))
	}
	scaleA := decimal.New(1, int32(precA))
	scaleB := decimal.New(1, int32(precB))
	termA := decimal.NewFromInt(1).Div(sizeA.Mul(scaleA))
	termB := decimal.NewFromInt(1).Div(sizeB.Mul(scaleB))
	return price.Mul(termA.Add(termB))
}

// ValidateOrderAmounts checks that both integer forms are positive and
// within 64-bit bounds.
func ValidateOrderAmounts(sell, minRecv decimal.Decimal, precSell, precRecv int) bool {
	sellInt, err := ToInt(sell, precSell)
	if err != nil || sellInt <= 0 {
		return false
	}
	recvInt, err := ToInt(minRecv, precRecv)
	if err != nil || recvInt <= 0 {
		return false
	}
	return true
}
