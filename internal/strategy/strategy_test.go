package strategy_test

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gridmm/internal/accountant"
	"gridmm/internal/core"
	"gridmm/internal/gridstore"
	"gridmm/internal/strategy"
)

func buildEngine(t *testing.T, cfg strategy.Config) (*gridstore.Store, *accountant.Accountant, *strategy.Engine) {
	t.Helper()
	store := gridstore.New(nil)
	buySide := core.SideBuy
	acct := accountant.New(store, accountant.Config{
		PrecisionBuy:  4,
		PrecisionSell: 4,
		FeeAssetSide:  &buySide,
	}, nil, nil)
	store.SetRecalc(func() { acct.RecalculateFunds() })

	eng := strategy.New(store, acct, nil, cfg)
	return store, acct, eng
}

func baseConfig() strategy.Config {
	cfg := strategy.DefaultConfig()
	cfg.BaseAssetID = "1.3.0"
	cfg.QuoteAssetID = "1.3.121"
	cfg.IncrementFraction = decimal.NewFromFloat(0.01)
	cfg.WeightBuy = decimal.NewFromFloat(1.0)
	cfg.WeightSell = decimal.NewFromFloat(1.0)
	cfg.PrecBuy = 4
	cfg.PrecSell = 4
	cfg.BudgetBuy = decimal.NewFromInt(10000)
	cfg.BudgetSell = decimal.NewFromInt(10000)
	return cfg
}

func TestCrawlBoundaryShiftsPerFullFillAndClamps(t *testing.T) {
	_, _, eng := buildEngine(t, baseConfig())
	eng.SetBoundaryIdx(2)

	eng.CrawlBoundary([]core.FillOutcome{
		{FullFill: true, Role: core.RoleSell},
		{FullFill: true, Role: core.RoleSell},
		{FullFill: false, Role: core.RoleBuy}, // partial fills never move the boundary
	}, 5)
	assert.Equal(t, 4, eng.BoundaryIdx())

	eng.CrawlBoundary([]core.FillOutcome{{FullFill: true, Role: core.RoleSell}, {FullFill: true, Role: core.RoleSell}}, 5)
	assert.Equal(t, 4, eng.BoundaryIdx(), "clamped to ladderLen-1")
}

func TestReassignRolesLeavesOnChainSlotsStable(t *testing.T) {
	store, _, eng := buildEngine(t, baseConfig())

	for i, price := range []int64{10, 20, 30, 40, 50} {
		store.UpdateOrder(&core.Slot{SlotID: slotName(i), Price: decimal.NewFromInt(price), Role: core.RoleBuy, State: core.StateVirtual})
	}
	// slot index 3 (price 40) is live on-chain as a Sell.
	onChain := store.Get(slotName(3))
	onChain.Role = core.RoleSell
	onChain.State = core.StateActive
	onChain.ChainOrderID = "chain-1"
	onChain.Size = decimal.NewFromInt(5)
	store.UpdateOrder(onChain)

	eng.SetBoundaryIdx(0)
	eng.ReassignRoles()

	assert.Equal(t, core.RoleSell, store.Get(slotName(3)).Role, "on-chain slot keeps its role across a reassignment")
	assert.Equal(t, core.RoleBuy, store.Get(slotName(0)).Role)
	assert.Equal(t, core.RoleSpread, store.Get(slotName(1)).Role)
	assert.Equal(t, core.RoleSell, store.Get(slotName(4)).Role)
}

func slotName(i int) string {
	return []string{"s0", "s1", "s2", "s3", "s4"}[i]
}

func TestBuildPlanPlacesVirtualSlotsInWindow(t *testing.T) {
	store, acct, eng := buildEngine(t, baseConfig())
	acct.SetChainFree(decimal.NewFromInt(10000), decimal.NewFromInt(10000))

	for i, price := range []int64{10, 20, 30} {
		store.UpdateOrder(&core.Slot{SlotID: slotName(i), Price: decimal.NewFromInt(price), Role: core.RoleBuy, State: core.StateVirtual})
	}
	eng.SetBoundaryIdx(2)
	eng.ReassignRoles()

	plan := eng.BuildPlan(3)
	require.NotEmpty(t, plan.Actions)
	for _, a := range plan.Actions {
		if a.Side == core.SideBuy {
			assert.Equal(t, core.ActionPlace, a.Type)
			require.NotNil(t, a.Request)
			assert.True(t, a.Request.AmountToSell.IsPositive())
		}
	}
}

func TestProcessFilledOrdersNoRebalanceWithoutFullFillOrDustOnBothSides(t *testing.T) {
	store, acct, eng := buildEngine(t, baseConfig())
	acct.SetChainFree(decimal.NewFromInt(10000), decimal.NewFromInt(10000))
	store.UpdateOrder(&core.Slot{SlotID: "b0", Price: decimal.NewFromInt(10), Role: core.RoleBuy, State: core.StateVirtual})

	plan := eng.ProcessFilledOrders(nil, nil)
	assert.Empty(t, plan.Actions)
}

func TestProcessFilledOrdersCreditsCacheFundsOnFullFill(t *testing.T) {
	store, acct, eng := buildEngine(t, baseConfig())
	acct.SetChainFree(decimal.NewFromInt(10000), decimal.NewFromInt(10000))
	store.UpdateOrder(&core.Slot{SlotID: "b0", Price: decimal.NewFromInt(10), Role: core.RoleBuy, State: core.StateVirtual})

	eng.ProcessFilledOrders([]core.FillOutcome{
		{SlotID: "b0", Role: core.RoleBuy, FullFill: true, ReceivingSide: core.SideSell, NetProceeds: decimal.NewFromInt(100)},
	}, nil)

	assert.True(t, acct.CacheFunds().Sell.Equal(decimal.NewFromInt(100)))
}

func TestCompleteOrderRotationReleasesSizeAndDemotesToVirtual(t *testing.T) {
	store, acct, eng := buildEngine(t, baseConfig())
	// chain_free already reflects the 200 locked away by the active order below.
	acct.SetChainFree(decimal.NewFromInt(800), decimal.NewFromInt(0))

	store.UpdateOrder(&core.Slot{SlotID: "b0", Price: decimal.NewFromInt(10), Role: core.RoleBuy, State: core.StateActive, ChainOrderID: "chain-9", Size: decimal.NewFromInt(200)})

	eng.CompleteOrderRotation("b0", "chain-9")

	slot := store.Get("b0")
	assert.Equal(t, core.StateVirtual, slot.State)
	assert.Empty(t, slot.ChainOrderID)
	assert.True(t, slot.Size.IsZero())

	snap := acct.Snapshot()
	assert.True(t, snap.ChainFree.Buy.Equal(decimal.NewFromInt(1000)), "released size should land back in chain_free")
}

func TestCompleteOrderRotationIgnoresStaleChainID(t *testing.T) {
	store, _, eng := buildEngine(t, baseConfig())
	store.UpdateOrder(&core.Slot{SlotID: "b0", Price: decimal.NewFromInt(10), Role: core.RoleBuy, State: core.StateActive, ChainOrderID: "chain-new", Size: decimal.NewFromInt(50)})

	eng.CompleteOrderRotation("b0", "chain-old")

	slot := store.Get("b0")
	assert.Equal(t, core.StateActive, slot.State, "a slot already reused by a newer order must not be touched")
}

func TestBuildPlanConsolidatesInnermostDustOnMultiPartialFill(t *testing.T) {
	// spec.md S3: three partial Sells left over after a fill cascade
	// (1.30/size 2, 1.20/size 15, 1.10/size 1), all with geometric ideal
	// 10. The outer two are restored to ideal via plain StateUpdate; the
	// one holding the leftover capital (1.20) gets tagged double_order
	// with the excess as merged_dust_size rather than silently capped.
	store, acct, _ := buildEngine(t, baseConfig())
	cfg := baseConfig()
	cfg.WeightSell = decimal.Zero
	cfg.BudgetSell = decimal.NewFromInt(30)
	eng := strategy.New(store, acct, nil, cfg)
	acct.SetChainFree(decimal.NewFromInt(1000), decimal.NewFromInt(17))

	store.UpdateOrder(&core.Slot{SlotID: "b0", Price: decimal.NewFromFloat(1.00), Role: core.RoleBuy, State: core.StateVirtual})
	store.UpdateOrder(&core.Slot{SlotID: "g0", Price: decimal.NewFromFloat(1.05), Role: core.RoleSpread, State: core.StateVirtual})
	store.UpdateOrder(&core.Slot{SlotID: "s0", Price: decimal.NewFromFloat(1.10), Role: core.RoleSell, State: core.StatePartial, ChainOrderID: "c0", Size: decimal.NewFromInt(1)})
	store.UpdateOrder(&core.Slot{SlotID: "s1", Price: decimal.NewFromFloat(1.20), Role: core.RoleSell, State: core.StatePartial, ChainOrderID: "c1", Size: decimal.NewFromInt(15)})
	store.UpdateOrder(&core.Slot{SlotID: "s2", Price: decimal.NewFromFloat(1.30), Role: core.RoleSell, State: core.StatePartial, ChainOrderID: "c2", Size: decimal.NewFromInt(2)})

	eng.SetBoundaryIdx(0)
	plan := eng.BuildPlan(1)

	var sellActions []core.PlanAction
	for _, a := range plan.Actions {
		if a.Side == core.SideSell {
			sellActions = append(sellActions, a)
		}
	}
	require.Len(t, sellActions, 3)

	bySlot := map[string]core.PlanAction{}
	for _, a := range sellActions {
		bySlot[a.SlotID] = a
	}

	outer1, ok := bySlot["s0"]
	require.True(t, ok)
	assert.Equal(t, core.ActionStateUpdate, outer1.Type)
	assert.True(t, outer1.Size.Equal(decimal.NewFromInt(10)), "1.10 restored to ideal")
	assert.False(t, outer1.DoubleOrder)

	outer2, ok := bySlot["s2"]
	require.True(t, ok)
	assert.Equal(t, core.ActionStateUpdate, outer2.Type)
	assert.True(t, outer2.Size.Equal(decimal.NewFromInt(10)), "1.30 restored to ideal")
	assert.False(t, outer2.DoubleOrder)

	merged, ok := bySlot["s1"]
	require.True(t, ok)
	assert.Equal(t, core.ActionStateUpdate, merged.Type)
	assert.True(t, merged.DoubleOrder, "excess of 5 over ideal 10 is within the 1.05x merge threshold")
	assert.True(t, merged.MergedDustSize.Equal(decimal.NewFromInt(5)))
	assert.True(t, merged.Size.Equal(decimal.NewFromInt(15)), "merged slot keeps its real on-chain size")
}

func TestBuildPlanSplitsInnermostDustWhenExcessExceedsMergeThreshold(t *testing.T) {
	// Same shape as the S3 merge case but with a much larger excess
	// (40 over an ideal of 10, well past the 1.05x threshold): the
	// oversized partial is resized down to ideal and the residual lands
	// in a new order at the adjacent spread slot instead of being merged.
	store, acct, _ := buildEngine(t, baseConfig())
	cfg := baseConfig()
	cfg.WeightSell = decimal.Zero
	cfg.BudgetSell = decimal.NewFromInt(30)
	eng := strategy.New(store, acct, nil, cfg)
	acct.SetChainFree(decimal.NewFromInt(1000), decimal.NewFromInt(17))

	store.UpdateOrder(&core.Slot{SlotID: "b0", Price: decimal.NewFromFloat(1.00), Role: core.RoleBuy, State: core.StateVirtual})
	store.UpdateOrder(&core.Slot{SlotID: "g0", Price: decimal.NewFromFloat(1.05), Role: core.RoleSpread, State: core.StateVirtual})
	store.UpdateOrder(&core.Slot{SlotID: "s0", Price: decimal.NewFromFloat(1.10), Role: core.RoleSell, State: core.StatePartial, ChainOrderID: "c0", Size: decimal.NewFromInt(1)})
	store.UpdateOrder(&core.Slot{SlotID: "s1", Price: decimal.NewFromFloat(1.20), Role: core.RoleSell, State: core.StatePartial, ChainOrderID: "c1", Size: decimal.NewFromInt(50)})
	store.UpdateOrder(&core.Slot{SlotID: "s2", Price: decimal.NewFromFloat(1.30), Role: core.RoleSell, State: core.StatePartial, ChainOrderID: "c2", Size: decimal.NewFromInt(2)})

	eng.SetBoundaryIdx(0)
	plan := eng.BuildPlan(1)

	var resize, place *core.PlanAction
	for i := range plan.Actions {
		a := &plan.Actions[i]
		switch {
		case a.Type == core.ActionResize && a.SlotID == "s1":
			resize = a
		case a.Type == core.ActionPlace && a.SlotID == "g0":
			place = a
		}
	}
	require.NotNil(t, resize, "oversized partial resized down to ideal")
	assert.True(t, resize.Size.Equal(decimal.NewFromInt(10)))
	assert.Equal(t, "c1", resize.OldChainOrderID)

	require.NotNil(t, place, "residual capital split into a new order at the adjacent spread slot")
	assert.True(t, place.Size.Equal(decimal.NewFromInt(40)))
	require.NotNil(t, place.Request)
	assert.Equal(t, core.RoleSell, store.Get("g0").Role, "spread slot absorbing the split takes on the side's role")
}

func TestCheckDivergenceFlagsUnmatchedAndDriftedSlots(t *testing.T) {
	store, _, eng := buildEngine(t, baseConfig())
	store.UpdateOrder(&core.Slot{SlotID: "b0", Price: decimal.NewFromInt(10), Role: core.RoleBuy, State: core.StateActive, ChainOrderID: "c1", Size: decimal.NewFromInt(100)})

	eng.NotePersistedLadder([]*core.Slot{
		{SlotID: "b0", Size: decimal.NewFromInt(50)},
	})

	result := eng.CheckDivergence(core.SideBuy)
	assert.True(t, result.NeedsCorrection)

	corrections := eng.BuildSizeCorrections(core.SideBuy)
	require.Len(t, corrections, 1)
	assert.Equal(t, core.ActionResize, corrections[0].Type)
	assert.Equal(t, "b0", corrections[0].SlotID)
}
