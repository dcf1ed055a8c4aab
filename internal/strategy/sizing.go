package strategy

import (
	"math"

	"github.com/shopspring/decimal"

	"gridmm/internal/core"
	"gridmm/internal/precision"
)

// AllocateByWeights distributes total across n buckets using a
// geometric weight curve (spec §4.F.3): raw[i] = base^(idx*weight),
// idx = (n-1-i) when reverse (Sell side) else i. With weight > 0 the
// idx-0 bucket is the largest, so on both sides the outermost slot
// (lowest-priced Buy, highest-priced Sell) gets the most capital.
// The result is normalized to sum to 1, scaled by total, and quantized
// to the given integer precision with the rounding residue applied to
// the largest bucket so the quantized sum exactly equals total's
// integer form.
func AllocateByWeights(total decimal.Decimal, n int, weight decimal.Decimal, incrFraction decimal.Decimal, reverse bool, prec int) []decimal.Decimal {
	if n <= 0 {
		return nil
	}
	if n == 1 {
		return []decimal.Decimal{total}
	}

	base := 1.0 - incrFractionFloat(incrFraction)
	if base <= 0 {
		base = 0.999999
	}
	w, _ := weight.Float64()

	raw := make([]float64, n)
	sum := 0.0
	for i := 0; i < n; i++ {
		idx := i
		if reverse {
			idx = n - 1 - i
		}
		v := math.Pow(base, float64(idx)*w)
		raw[i] = v
		sum += v
	}

	out := make([]decimal.Decimal, n)
	if sum <= 0 {
		even := total.Div(decimal.NewFromInt(int64(n)))
		for i := range out {
			out[i] = even
		}
		return quantizePreservingSum(out, total, prec)
	}

	for i, v := range raw {
		share := v / sum
		out[i] = total.Mul(decimal.NewFromFloat(share))
	}
	return quantizePreservingSum(out, total, prec)
}

func incrFractionFloat(d decimal.Decimal) float64 {
	f, _ := d.Float64()
	return f
}

// quantizePreservingSum rounds every bucket to the target precision and
// assigns the rounding residue to the largest bucket so the quantized
// integer sum exactly matches total's integer form.
func quantizePreservingSum(buckets []decimal.Decimal, total decimal.Decimal, prec int) []decimal.Decimal {
	totalInt, err := precision.ToInt(total, prec)
	if err != nil {
		totalInt = 0
	}

	ints := make([]int64, len(buckets))
	sum := int64(0)
	largest := 0
	for i, b := range buckets {
		v, err := precision.ToInt(b, prec)
		if err != nil {
			v = 0
		}
		ints[i] = v
		sum += v
		if v > ints[largest] {
			largest = i
		}
	}

	residue := totalInt - sum
	if residue != 0 && len(ints) > 0 {
		ints[largest] += residue
		if ints[largest] < 0 {
			ints[largest] = 0
		}
	}

	out := make([]decimal.Decimal, len(buckets))
	for i, v := range ints {
		out[i] = precision.ToFloat(v, prec)
	}
	return out
}

// SideBudget is the result of the per-side budget computation (spec
// §4.F.3, steps before allocate_by_weights).
type SideBudget struct {
	TargetBudget    decimal.Decimal
	RealityBudget   decimal.Decimal
	Budget          decimal.Decimal
	AvailablePool   decimal.Decimal
	EffectiveBudget decimal.Decimal
}

// ComputeBudget computes the budget figures for one side.
func (e *Engine) ComputeBudget(side core.Side) SideBudget {
	snap := e.acct.Snapshot()

	allocated := e.cfg.BudgetBuy
	reservation := e.cfg.FeeReservationBuy
	if side == core.SideSell {
		allocated = e.cfg.BudgetSell
		reservation = e.cfg.FeeReservationSell
	}

	target := allocated.Add(snap.CacheFunds.Get(side))
	reality := snap.TotalChain.Get(side)
	budget := decimal.Min(target, reality)
	availablePool := snap.Available.Get(side).Add(snap.CacheFunds.Get(side))

	effective := budget
	if e.cfg.FeeAssetSide != nil && *e.cfg.FeeAssetSide == side {
		effective = effective.Sub(reservation)
	}
	if effective.IsNegative() {
		effective = decimal.Zero
	}

	return SideBudget{
		TargetBudget:    target,
		RealityBudget:   reality,
		Budget:          budget,
		AvailablePool:   availablePool,
		EffectiveBudget: effective,
	}
}

// capGrowth implements the growth-capping rule (spec §4.F.3): increases
// are scaled uniformly if their sum exceeds availablePool; shrinkages
// always apply in full.
func capGrowth(current, ideal []decimal.Decimal, availablePool decimal.Decimal, prec int) []decimal.Decimal {
	totalGrowth := decimal.Zero
	for i := range ideal {
		d := ideal[i].Sub(current[i])
		if d.IsPositive() {
			totalGrowth = totalGrowth.Add(d)
		}
	}
	if totalGrowth.IsZero() || totalGrowth.LessThanOrEqual(availablePool) {
		return ideal
	}

	scale := availablePool.Div(totalGrowth)
	out := make([]decimal.Decimal, len(ideal))
	for i := range ideal {
		d := ideal[i].Sub(current[i])
		if d.IsPositive() {
			out[i] = current[i].Add(d.Mul(scale)).Round(int32(prec))
		} else {
			out[i] = ideal[i]
		}
	}
	return out
}
