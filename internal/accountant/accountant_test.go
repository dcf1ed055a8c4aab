package accountant_test

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gridmm/internal/accountant"
	"gridmm/internal/core"
	"gridmm/internal/gridstore"
)

type spyMetrics struct {
	violations map[string]int
}

func newSpyMetrics() *spyMetrics { return &spyMetrics{violations: map[string]int{}} }

func (s *spyMetrics) IncInvariantViolation(name string) { s.violations[name]++ }
func (s *spyMetrics) ObserveAvailable(core.Side, float64) {}

func buildAccountant(t *testing.T) (*gridstore.Store, *accountant.Accountant, *spyMetrics) {
	t.Helper()
	store := gridstore.New(nil)
	metrics := newSpyMetrics()
	buySide := core.SideBuy
	a := accountant.New(store, accountant.Config{
		PrecisionBuy:  4,
		PrecisionSell: 5,
		FeeAssetSide:  &buySide,
	}, nil, metrics)
	store.SetRecalc(func() { a.RecalculateFunds() })
	return store, a, metrics
}

func TestRecalculateFundsAggregatesBySideAndState(t *testing.T) {
	store, a, metrics := buildAccountant(t)
	a.SetChainFree(decimal.NewFromInt(1000), decimal.NewFromInt(500))

	store.UpdateOrder(&core.Slot{SlotID: "b0", Role: core.RoleBuy, State: core.StateActive, Size: decimal.NewFromInt(100), ChainOrderID: "c1"})
	store.UpdateOrder(&core.Slot{SlotID: "b1", Role: core.RoleBuy, State: core.StateVirtual, Size: decimal.NewFromInt(50)})
	store.UpdateOrder(&core.Slot{SlotID: "s0", Role: core.RoleSell, State: core.StatePartial, Size: decimal.NewFromInt(20), ChainOrderID: "c2"})
	store.UpdateOrder(&core.Slot{SlotID: "spread", Role: core.RoleSpread, State: core.StateVirtual})

	snap := a.Snapshot()
	assert.True(t, snap.CommittedChain.Buy.Equal(decimal.NewFromInt(100)))
	assert.True(t, snap.CommittedChain.Sell.Equal(decimal.NewFromInt(20)))
	assert.True(t, snap.Virtual.Buy.Equal(decimal.NewFromInt(50)))
	assert.True(t, snap.TotalChain.Buy.Equal(decimal.NewFromInt(1100)))
	assert.True(t, snap.TotalChain.Sell.Equal(decimal.NewFromInt(520)))
	assert.Empty(t, metrics.violations, "well-formed state should never trip an invariant")
}

func TestTryDeductInsufficientFunds(t *testing.T) {
	_, a, _ := buildAccountant(t)
	a.SetChainFree(decimal.NewFromInt(10), decimal.Zero)

	err := a.TryDeduct(core.SideBuy, decimal.NewFromInt(100), "test")
	require.Error(t, err)
	var insufficient *accountant.ErrInsufficientFunds
	require.ErrorAs(t, err, &insufficient)
	assert.Equal(t, core.SideBuy, insufficient.Side)

	snap := a.Snapshot()
	assert.True(t, snap.ChainFree.Buy.Equal(decimal.NewFromInt(10)), "failed deduction must not mutate chain_free")
}

func TestTryDeductSucceedsAndAddReleases(t *testing.T) {
	_, a, _ := buildAccountant(t)
	a.SetChainFree(decimal.NewFromInt(100), decimal.Zero)

	require.NoError(t, a.TryDeduct(core.SideBuy, decimal.NewFromInt(40), "lock"))
	assert.True(t, a.Snapshot().ChainFree.Buy.Equal(decimal.NewFromInt(60)))

	a.AddToChainFree(core.SideBuy, decimal.NewFromInt(40))
	assert.True(t, a.Snapshot().ChainFree.Buy.Equal(decimal.NewFromInt(100)), "placing then cancelling round-trips chain_free")
}

func TestUpdateOptimisticFreeBalanceLockAndRelease(t *testing.T) {
	_, a, _ := buildAccountant(t)
	a.SetChainFree(decimal.NewFromInt(1000), decimal.Zero)

	// virtual -> active locks size plus the creation fee (buy side holds the fee asset).
	err := a.UpdateOptimisticFreeBalance(core.SideBuy, core.StateVirtual, core.StateActive, decimal.Zero, decimal.NewFromInt(100), decimal.NewFromInt(5))
	require.NoError(t, err)
	assert.True(t, a.Snapshot().ChainFree.Buy.Equal(decimal.NewFromInt(895)))

	// active -> virtual (cancel) releases the size only, never the fee already spent on-chain.
	err = a.UpdateOptimisticFreeBalance(core.SideBuy, core.StateActive, core.StateVirtual, decimal.NewFromInt(100), decimal.Zero, decimal.Zero)
	require.NoError(t, err)
	assert.True(t, a.Snapshot().ChainFree.Buy.Equal(decimal.NewFromInt(995)))
}

func TestUpdateOptimisticFreeBalanceResize(t *testing.T) {
	_, a, _ := buildAccountant(t)
	a.SetChainFree(decimal.NewFromInt(1000), decimal.Zero)

	require.NoError(t, a.UpdateOptimisticFreeBalance(core.SideBuy, core.StateVirtual, core.StateActive, decimal.Zero, decimal.NewFromInt(100), decimal.Zero))
	assert.True(t, a.Snapshot().ChainFree.Buy.Equal(decimal.NewFromInt(900)))

	// active -> partial with a larger size (e.g. an update bumping size) deducts only the delta.
	require.NoError(t, a.UpdateOptimisticFreeBalance(core.SideBuy, core.StateActive, core.StatePartial, decimal.NewFromInt(100), decimal.NewFromInt(130), decimal.Zero))
	assert.True(t, a.Snapshot().ChainFree.Buy.Equal(decimal.NewFromInt(870)))

	// shrinking releases the delta.
	require.NoError(t, a.UpdateOptimisticFreeBalance(core.SideBuy, core.StatePartial, core.StatePartial, decimal.NewFromInt(130), decimal.NewFromInt(30), decimal.Zero))
	assert.True(t, a.Snapshot().ChainFree.Buy.Equal(decimal.NewFromInt(970)))
}

func TestUpdateOptimisticFreeBalanceRollsBackOnFeeFailure(t *testing.T) {
	_, a, _ := buildAccountant(t)
	a.SetChainFree(decimal.NewFromInt(102), decimal.Zero)

	err := a.UpdateOptimisticFreeBalance(core.SideBuy, core.StateVirtual, core.StateActive, decimal.Zero, decimal.NewFromInt(100), decimal.NewFromInt(5))
	require.Error(t, err)
	assert.True(t, a.Snapshot().ChainFree.Buy.Equal(decimal.NewFromInt(102)), "the size deduction must roll back when the fee leg fails")
}

func TestDeductBtsFeesPrefersCacheFundsThenChainFree(t *testing.T) {
	_, a, _ := buildAccountant(t)
	a.SetChainFree(decimal.NewFromInt(100), decimal.Zero)
	a.SetCacheFunds(core.SideFunds{Buy: decimal.NewFromInt(3)})
	a.AccrueBtsFees(800000, 5) // 8.0 units at precision 5

	require.NoError(t, a.DeductBtsFees())

	snap := a.Snapshot()
	assert.True(t, snap.BtsFeesOwed.IsZero())
	assert.True(t, snap.CacheFunds.Buy.IsZero(), "cache funds exhausted first")
	assert.True(t, snap.ChainFree.Buy.Equal(decimal.NewFromInt(95)), "remaining 5 pulled from chain_free")
}

func TestDeductBtsFeesNoFeeAssetSideIsNoop(t *testing.T) {
	store := gridstore.New(nil)
	a := accountant.New(store, accountant.Config{PrecisionBuy: 4, PrecisionSell: 5}, nil, nil)
	a.SetChainFree(decimal.NewFromInt(10), decimal.Zero)
	require.NoError(t, a.DeductBtsFees())
	assert.True(t, a.Snapshot().ChainFree.Buy.Equal(decimal.NewFromInt(10)))
}

func TestInvariantViolationDetectedWhenGridExceedsChainTotal(t *testing.T) {
	store, a, metrics := buildAccountant(t)
	a.SetChainFree(decimal.NewFromInt(10), decimal.Zero)

	// An Active slot with no ChainOrderID is a corrupted record: it counts
	// toward committed.grid but not committed.chain, so committed.grid can
	// exceed total.chain once chain_free is small.
	store.UpdateOrder(&core.Slot{SlotID: "b0", Role: core.RoleBuy, State: core.StateActive, Size: decimal.NewFromInt(500)})

	violations := a.RecalculateFunds()
	assert.NotEmpty(t, violations)
	assert.NotZero(t, metrics.violations["grid_ceiling"])
}
