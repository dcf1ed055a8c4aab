package gridinit_test

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gridmm/internal/core"
	"gridmm/internal/gridinit"
)

func TestParseRelativeBoundMultiplier(t *testing.T) {
	ref := decimal.NewFromInt(100)

	max, err := gridinit.ParseRelativeBound("5x", ref, true)
	require.NoError(t, err)
	assert.True(t, max.Equal(decimal.NewFromInt(500)))

	min, err := gridinit.ParseRelativeBound("5x", ref, false)
	require.NoError(t, err)
	assert.True(t, min.Equal(decimal.NewFromInt(20)))
}

func TestParseRelativeBoundPlainNumber(t *testing.T) {
	v, err := gridinit.ParseRelativeBound("42.5", decimal.NewFromInt(100), true)
	require.NoError(t, err)
	assert.True(t, v.Equal(decimal.NewFromFloat(42.5)))
}

func TestParseRelativeBoundRejectsNonPositive(t *testing.T) {
	_, err := gridinit.ParseRelativeBound("-1", decimal.NewFromInt(100), true)
	assert.Error(t, err)
	_, err = gridinit.ParseRelativeBound("0x", decimal.NewFromInt(100), true)
	assert.Error(t, err)
}

func TestComputeSlotCountMatchesGeometricFormula(t *testing.T) {
	n, err := gridinit.ComputeSlotCount(decimal.NewFromInt(50), decimal.NewFromInt(200), decimal.NewFromFloat(1))
	require.NoError(t, err)
	assert.Greater(t, n, 0)
	// log(200/50) / log(1.01) ~= 139.3 -> 140
	assert.Equal(t, 140, n)
}

func TestComputeSlotCountRejectsInvertedBounds(t *testing.T) {
	_, err := gridinit.ComputeSlotCount(decimal.NewFromInt(200), decimal.NewFromInt(50), decimal.NewFromFloat(1))
	assert.Error(t, err)
}

func TestComputeGapSlotsUsesGreaterOfFloorAndTarget(t *testing.T) {
	// floor = 2 * 1% = 2%, target = 5% -> target wins -> ceil(5/1) = 5
	gap := gridinit.ComputeGapSlots(decimal.NewFromFloat(1), decimal.NewFromFloat(5), decimal.NewFromFloat(2))
	assert.Equal(t, 5, gap)

	// floor = 2 * 3% = 6%, target = 1% -> floor wins -> ceil(6/3) = 2
	gap = gridinit.ComputeGapSlots(decimal.NewFromFloat(3), decimal.NewFromFloat(1), decimal.NewFromFloat(2))
	assert.Equal(t, 2, gap)
}

func TestBuildLadderProducesVirtualSlotsWithPartitionedRoles(t *testing.T) {
	cfg := gridinit.Config{
		ReferencePrice:      decimal.NewFromInt(100),
		MinPriceRaw:         "5x",
		MaxPriceRaw:         "5x",
		IncrementPercent:    decimal.NewFromFloat(2),
		TargetSpreadPercent: decimal.NewFromFloat(4),
		WeightBuy:           decimal.NewFromFloat(1),
		WeightSell:          decimal.NewFromFloat(1),
		BudgetBuy:           decimal.NewFromInt(10000),
		BudgetSell:          decimal.NewFromInt(10000),
		PrecBuy:  4,
		PrecSell: 4,
	}

	slots, err := gridinit.BuildLadder(cfg)
	require.NoError(t, err)
	require.NotEmpty(t, slots)

	buyCount, sellCount, spreadCount := 0, 0, 0
	for i, s := range slots {
		assert.Equal(t, core.StateVirtual, s.State)
		assert.Empty(t, s.ChainOrderID)
		if i > 0 {
			assert.True(t, s.Price.GreaterThan(slots[i-1].Price), "prices must be strictly increasing")
		}
		switch s.Role {
		case core.RoleBuy:
			buyCount++
			assert.True(t, s.Size.IsPositive())
		case core.RoleSell:
			sellCount++
			assert.True(t, s.Size.IsPositive())
		case core.RoleSpread:
			spreadCount++
			assert.True(t, s.Size.IsZero())
		}
	}
	assert.Greater(t, buyCount, 0)
	assert.Greater(t, sellCount, 0)
	assert.Greater(t, spreadCount, 0)
}

func TestBuildLadderRejectsInvalidIncrement(t *testing.T) {
	cfg := gridinit.Config{
		ReferencePrice:   decimal.NewFromInt(100),
		MinPriceRaw:      "50",
		MaxPriceRaw:      "200",
		IncrementPercent: decimal.Zero,
		PrecBuy:          4,
		PrecSell:         4,
	}
	_, err := gridinit.BuildLadder(cfg)
	assert.Error(t, err)
}
