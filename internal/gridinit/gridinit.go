// Package gridinit builds the initial ladder of slots from a reference
// price, price bounds, increment, and spread configuration (spec
// §4.G). It runs exactly once, at startup, when no persisted ladder
// exists to restore.
package gridinit

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"gridmm/internal/core"
	"gridmm/internal/strategy"
)

// DefaultMinSpreadFactor is this implementation's choice for
// MIN_SPREAD_FACTOR, left undefined by the spec (see DESIGN.md Open
// Questions): the spread floor is never narrower than twice the
// increment.
const DefaultMinSpreadFactor = 2.0

// Config holds everything the initializer needs to build a ladder.
type Config struct {
	ReferencePrice decimal.Decimal

	// MinPriceRaw/MaxPriceRaw are the config-file strings: either a
	// plain decimal or a relative multiplier like "5x".
	MinPriceRaw string
	MaxPriceRaw string

	IncrementPercent    decimal.Decimal
	TargetSpreadPercent decimal.Decimal
	MinSpreadFactor     decimal.Decimal

	WeightBuy  decimal.Decimal
	WeightSell decimal.Decimal

	BudgetBuy  decimal.Decimal
	BudgetSell decimal.Decimal

	PrecBuy  int
	PrecSell int
}

// ParseRelativeBound resolves a config bound that is either a plain
// positive number or a relative multiplier ("5x"): for the max bound
// "5x" means 5×reference; for the min bound it means reference/5.
func ParseRelativeBound(raw string, reference decimal.Decimal, isMax bool) (decimal.Decimal, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return decimal.Zero, fmt.Errorf("gridinit: empty price bound")
	}
	if strings.HasSuffix(strings.ToLower(raw), "x") {
		factorStr := raw[:len(raw)-1]
		factor, err := strconv.ParseFloat(factorStr, 64)
		if err != nil {
			return decimal.Zero, fmt.Errorf("gridinit: invalid relative bound %q: %w", raw, err)
		}
		if factor <= 0 {
			return decimal.Zero, fmt.Errorf("gridinit: relative bound %q must be positive", raw)
		}
		mult := decimal.NewFromFloat(factor)
		if isMax {
			return reference.Mul(mult), nil
		}
		return reference.Div(mult), nil
	}
	v, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("gridinit: invalid price bound %q: %w", raw, err)
	}
	if !v.IsPositive() {
		return decimal.Zero, fmt.Errorf("gridinit: price bound %q must be positive", raw)
	}
	return v, nil
}

// ComputeSlotCount returns ceil(log(max/min) / log(1 + increment/100)).
func ComputeSlotCount(minPrice, maxPrice, incrementPercent decimal.Decimal) (int, error) {
	if !minPrice.IsPositive() || !maxPrice.IsPositive() || maxPrice.LessThanOrEqual(minPrice) {
		return 0, fmt.Errorf("gridinit: max_price must exceed min_price (min=%s max=%s)", minPrice, maxPrice)
	}
	minF, _ := minPrice.Float64()
	maxF, _ := maxPrice.Float64()
	incr, _ := incrementPercent.Float64()
	if incr <= 0 {
		return 0, fmt.Errorf("gridinit: increment_percent must be positive, got %s", incrementPercent)
	}
	n := math.Ceil(math.Log(maxF/minF) / math.Log(1+incr/100))
	if n < 1 {
		n = 1
	}
	return int(n), nil
}

// ComputeGapSlots converts max(min_spread_factor*increment,
// target_spread_percent) into a count of geometric increment steps
// (spec §4.F.1/§4.G), never fewer than one.
func ComputeGapSlots(incrementPercent, targetSpreadPercent, minSpreadFactor decimal.Decimal) int {
	floor := minSpreadFactor.Mul(incrementPercent)
	spread := decimal.Max(floor, targetSpreadPercent)
	if incrementPercent.IsZero() {
		return 1
	}
	gap := spread.Div(incrementPercent)
	gapF, _ := gap.Float64()
	n := int(math.Ceil(gapF))
	if n < 1 {
		n = 1
	}
	return n
}

// BuildLadder emits the geometric ladder of slots: price[i] = min ×
// (1+incr)^i, roles partitioned around the reference price with a
// central gap_slots Spread band, all Virtual, sized per side via
// allocate_by_weights (spec §4.G).
func BuildLadder(cfg Config) ([]*core.Slot, error) {
	minPrice, err := ParseRelativeBound(cfg.MinPriceRaw, cfg.ReferencePrice, false)
	if err != nil {
		return nil, err
	}
	maxPrice, err := ParseRelativeBound(cfg.MaxPriceRaw, cfg.ReferencePrice, true)
	if err != nil {
		return nil, err
	}

	n, err := ComputeSlotCount(minPrice, maxPrice, cfg.IncrementPercent)
	if err != nil {
		return nil, err
	}

	minSpreadFactor := cfg.MinSpreadFactor
	if minSpreadFactor.IsZero() {
		minSpreadFactor = decimal.NewFromFloat(DefaultMinSpreadFactor)
	}
	gapSlots := ComputeGapSlots(cfg.IncrementPercent, cfg.TargetSpreadPercent, minSpreadFactor)

	incrFraction := cfg.IncrementPercent.Div(decimal.NewFromInt(100))
	onePlusIncr := decimal.NewFromInt(1).Add(incrFraction)

	slots := make([]*core.Slot, n)
	boundaryIdx := (n - 1 - gapSlots) / 2
	if boundaryIdx < 0 {
		boundaryIdx = 0
	}

	for i := 0; i < n; i++ {
		price := minPrice.Mul(pow(onePlusIncr, i))
		role := strategy.PartitionRole(i, boundaryIdx, gapSlots)
		slots[i] = &core.Slot{
			SlotID: fmt.Sprintf("%s-%d", role.String(), i),
			Price:  price,
			Role:   role,
			State:  core.StateVirtual,
		}
	}

	if err := sizeLadder(slots, cfg); err != nil {
		return nil, err
	}
	return slots, nil
}

func sizeLadder(slots []*core.Slot, cfg Config) error {
	for _, side := range []core.Side{core.SideBuy, core.SideSell} {
		role := core.RoleBuy
		budget := cfg.BudgetBuy
		weight := cfg.WeightBuy
		prec := cfg.PrecBuy
		reverse := false
		if side == core.SideSell {
			role = core.RoleSell
			budget = cfg.BudgetSell
			weight = cfg.WeightSell
			prec = cfg.PrecSell
			reverse = true
		}

		var sideSlots []*core.Slot
		for _, s := range slots {
			if s.Role == role {
				sideSlots = append(sideSlots, s)
			}
		}
		if len(sideSlots) == 0 {
			continue
		}
		sizes := strategy.AllocateByWeights(budget, len(sideSlots), weight, cfg.IncrementPercent.Div(decimal.NewFromInt(100)), reverse, prec)
		for i, s := range sideSlots {
			s.Size = sizes[i]
		}
	}
	return nil
}

func pow(base decimal.Decimal, exp int) decimal.Decimal {
	result := decimal.NewFromInt(1)
	for i := 0; i < exp; i++ {
		result = result.Mul(base)
	}
	return result
}
