package chainsync_test

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gridmm/internal/accountant"
	"gridmm/internal/chainsync"
	"gridmm/internal/core"
	"gridmm/internal/gridstore"
)

const (
	baseAsset  = "1.3.0"
	quoteAsset = "1.3.121"
)

func buildEngine(t *testing.T) (*gridstore.Store, *accountant.Accountant, *chainsync.Engine) {
	t.Helper()
	store := gridstore.New(nil)
	acct := accountant.New(store, accountant.Config{PrecisionBuy: 4, PrecisionSell: 5}, nil, nil)
	store.SetRecalc(func() { acct.RecalculateFunds() })
	eng := chainsync.New(store, acct, chainsync.Config{
		BaseAssetID:  baseAsset,
		QuoteAssetID: quoteAsset,
		PrecSell:     5,
		PrecBuy:      4,
	}, nil)
	return store, acct, eng
}

func TestSyncFromOpenOrdersPass1SizeMismatchDemotesToPartial(t *testing.T) {
	store, acct, eng := buildEngine(t)
	acct.SetChainFree(decimal.NewFromInt(1000), decimal.NewFromInt(1000))

	store.UpdateOrder(&core.Slot{
		SlotID: "sell-0", Role: core.RoleSell, State: core.StateActive,
		Price: decimal.NewFromFloat(10), Size: decimal.NewFromInt(100), ChainOrderID: "chain-1",
	})

	chainOrders := []core.ChainOrder{
		{OrderID: "chain-1", BaseAssetID: baseAsset, QuoteAssetID: quoteAsset, ForSale: 6000000, SellPrice: decimal.NewFromFloat(10)},
	}

	result := eng.SyncFromOpenOrders(nil, chainOrders)
	assert.Len(t, result.Updated, 1)

	slot := store.Get("sell-0")
	require.NotNil(t, slot)
	assert.Equal(t, core.StatePartial, slot.State)
	assert.True(t, slot.Size.Equal(decimal.NewFromInt(60)), "size should be overwritten from chain (60 at precision 5)")
}

func TestSyncFromOpenOrdersPass1ZeroSizeConvertsToSpread(t *testing.T) {
	store, acct, eng := buildEngine(t)
	acct.SetChainFree(decimal.NewFromInt(1000), decimal.NewFromInt(1000))

	store.UpdateOrder(&core.Slot{
		SlotID: "sell-0", Role: core.RoleSell, State: core.StateActive,
		Price: decimal.NewFromFloat(10), Size: decimal.NewFromInt(100), ChainOrderID: "chain-1",
	})

	chainOrders := []core.ChainOrder{
		{OrderID: "chain-1", BaseAssetID: baseAsset, QuoteAssetID: quoteAsset, ForSale: 0, SellPrice: decimal.NewFromFloat(10)},
	}

	result := eng.SyncFromOpenOrders(nil, chainOrders)
	assert.Len(t, result.Filled, 1)

	slot := store.Get("sell-0")
	require.NotNil(t, slot)
	assert.Equal(t, core.StateVirtual, slot.State)
	assert.Equal(t, core.RoleSpread, slot.Role)
	assert.Empty(t, slot.ChainOrderID)
}

func TestSyncFromOpenOrdersPass2MatchesOrphan(t *testing.T) {
	store, acct, eng := buildEngine(t)
	acct.SetChainFree(decimal.NewFromInt(1000), decimal.NewFromInt(1000))

	store.UpdateOrder(&core.Slot{
		SlotID: "buy-0", Role: core.RoleBuy, State: core.StateVirtual,
		Price: decimal.NewFromFloat(9), Size: decimal.NewFromInt(50),
	})

	chainOrders := []core.ChainOrder{
		{OrderID: "orphan-1", BaseAssetID: quoteAsset, QuoteAssetID: baseAsset, ForSale: 500000, SellPrice: decimal.NewFromFloat(9)},
	}

	result := eng.SyncFromOpenOrders(nil, chainOrders)
	assert.Len(t, result.Updated, 1)

	slot := store.Get("buy-0")
	require.NotNil(t, slot)
	assert.Equal(t, "orphan-1", slot.ChainOrderID)
	assert.Equal(t, core.StateActive, slot.State)
}

func TestSyncFromFillHistoryFullFillConvertsToSpread(t *testing.T) {
	store, acct, eng := buildEngine(t)
	acct.SetChainFree(decimal.NewFromInt(1000), decimal.NewFromInt(1000))

	store.UpdateOrder(&core.Slot{
		SlotID: "sell-0", Role: core.RoleSell, State: core.StateActive,
		Price: decimal.NewFromFloat(10), Size: decimal.NewFromInt(100), ChainOrderID: "chain-1",
	})

	fill := core.FillEvent{OrderID: "chain-1", Pays: core.AssetAmount{AssetID: baseAsset, Amount: 10000000}}
	outcome, ok := eng.SyncFromFillHistory(fill)
	require.True(t, ok)
	assert.True(t, outcome.FullFill)

	slot := store.Get("sell-0")
	require.NotNil(t, slot)
	assert.Equal(t, core.StateVirtual, slot.State)
	assert.Equal(t, core.RoleSpread, slot.Role)
}

func TestSyncFromFillHistoryPartialFillDemotes(t *testing.T) {
	store, acct, eng := buildEngine(t)
	acct.SetChainFree(decimal.NewFromInt(1000), decimal.NewFromInt(1000))

	store.UpdateOrder(&core.Slot{
		SlotID: "sell-0", Role: core.RoleSell, State: core.StateActive,
		Price: decimal.NewFromFloat(10), Size: decimal.NewFromInt(100), ChainOrderID: "chain-1",
	})

	fill := core.FillEvent{OrderID: "chain-1", Pays: core.AssetAmount{AssetID: baseAsset, Amount: 3000000}}
	outcome, ok := eng.SyncFromFillHistory(fill)
	require.True(t, ok)
	assert.False(t, outcome.FullFill)
	assert.True(t, outcome.NewSize.Equal(decimal.NewFromInt(70)))

	slot := store.Get("sell-0")
	require.NotNil(t, slot)
	assert.Equal(t, core.StatePartial, slot.State)
	assert.True(t, slot.Size.Equal(decimal.NewFromInt(70)))
}

func TestSyncFromFillHistoryUnknownOrderDropped(t *testing.T) {
	_, _, eng := buildEngine(t)
	_, ok := eng.SyncFromFillHistory(core.FillEvent{OrderID: "missing"})
	assert.False(t, ok)
}

func TestApplyCreateAndCancelOrderAck(t *testing.T) {
	store, acct, eng := buildEngine(t)
	acct.SetChainFree(decimal.NewFromInt(1000), decimal.Zero)

	store.UpdateOrder(&core.Slot{SlotID: "buy-0", Role: core.RoleBuy, State: core.StateVirtual, Size: decimal.NewFromInt(100)})

	eng.ApplyCreateOrderAck(chainsync.CreateOrderAck{SlotID: "buy-0", ChainOrderID: "chain-9", IsPartialPlacement: false})
	slot := store.Get("buy-0")
	require.NotNil(t, slot)
	assert.Equal(t, core.StateActive, slot.State)
	assert.Equal(t, "chain-9", slot.ChainOrderID)

	eng.ApplyCancelOrderAck(chainsync.CancelOrderAck{ChainOrderID: "chain-9"})
	slot = store.Get("buy-0")
	require.NotNil(t, slot)
	assert.Equal(t, core.StateVirtual, slot.State)
	assert.Empty(t, slot.ChainOrderID)
}
