package persistence_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gridmm/internal/core"
	"gridmm/internal/persistence"
)

func openStore(t *testing.T) *persistence.Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "grid.db")
	store, err := persistence.Open(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func sampleSnapshot(botID string) core.PersistedGrid {
	return core.PersistedGrid{
		BotID: botID,
		Slots: []core.PersistedSlot{
			{SlotID: "buy-0", Price: decimal.NewFromInt(10), Role: core.RoleBuy, State: core.StateActive, Size: decimal.NewFromInt(100), ChainOrderID: "chain-1"},
			{SlotID: "spread-0", Price: decimal.NewFromInt(11), Role: core.RoleSpread, State: core.StateVirtual},
			{SlotID: "sell-0", Price: decimal.NewFromInt(12), Role: core.RoleSell, State: core.StateVirtual},
		},
		CacheFunds:  core.SideFunds{Buy: decimal.NewFromFloat(5.5), Sell: decimal.NewFromFloat(2.25)},
		BtsFeesOwed: decimal.NewFromFloat(0.001),
		BoundaryIdx: 0,
	}
}

func TestSaveAndLoadSnapshotRoundTrips(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)

	snap := sampleSnapshot("bot-a")
	require.NoError(t, store.Save(ctx, snap))

	loaded, err := store.Load(ctx, "bot-a")
	require.NoError(t, err)
	require.NotNil(t, loaded)
	require.Len(t, loaded.Slots, 3)
	assert.Equal(t, "buy-0", loaded.Slots[0].SlotID)
	assert.True(t, loaded.Slots[0].Size.Equal(decimal.NewFromInt(100)))
	assert.Equal(t, "chain-1", loaded.Slots[0].ChainOrderID)
	assert.True(t, loaded.CacheFunds.Buy.Equal(decimal.NewFromFloat(5.5)))
	assert.True(t, loaded.BtsFeesOwed.Equal(decimal.NewFromFloat(0.001)))
}

func TestLoadSnapshotMissingBotReturnsNilNoError(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)

	loaded, err := store.Load(ctx, "never-saved")
	require.NoError(t, err)
	assert.Nil(t, loaded)
}

func TestSnapshotsAreIndependentPerBot(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)

	require.NoError(t, store.Save(ctx, sampleSnapshot("bot-a")))
	require.NoError(t, store.Save(ctx, sampleSnapshot("bot-b")))

	a, err := store.Load(ctx, "bot-a")
	require.NoError(t, err)
	b, err := store.Load(ctx, "bot-b")
	require.NoError(t, err)
	assert.Equal(t, "bot-a", a.BotID)
	assert.Equal(t, "bot-b", b.BotID)
}

func TestSaveSnapshotOverwritesPreviousVersion(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)

	snap := sampleSnapshot("bot-a")
	require.NoError(t, store.Save(ctx, snap))

	snap.BoundaryIdx = 7
	snap.Slots[0].Size = decimal.NewFromInt(999)
	require.NoError(t, store.Save(ctx, snap))

	loaded, err := store.Load(ctx, "bot-a")
	require.NoError(t, err)
	assert.Equal(t, 7, loaded.BoundaryIdx)
	assert.True(t, loaded.Slots[0].Size.Equal(decimal.NewFromInt(999)))
}

func TestRetryPendingOnEmptyQueueIsNoop(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)
	assert.NoError(t, store.RetryPending(ctx))
}

func TestSlotConversionRoundTrips(t *testing.T) {
	slot := &core.Slot{
		SlotID: "buy-3", Price: decimal.NewFromInt(42), Role: core.RoleBuy, State: core.StateActive,
		Size: decimal.NewFromInt(17), ChainOrderID: "chain-9", DoubleOrder: true,
		MergedDustSize: decimal.NewFromFloat(0.5), FilledSinceRefill: decimal.NewFromInt(3), PendingRotation: true,
	}
	persisted := persistence.SlotToPersisted(slot)
	back := persistence.SlotFromPersisted(persisted)
	assert.Equal(t, slot.SlotID, back.SlotID)
	assert.True(t, slot.Price.Equal(back.Price))
	assert.Equal(t, slot.Role, back.Role)
	assert.Equal(t, slot.State, back.State)
	assert.True(t, slot.Size.Equal(back.Size))
	assert.Equal(t, slot.ChainOrderID, back.ChainOrderID)
	assert.Equal(t, slot.DoubleOrder, back.DoubleOrder)
	assert.True(t, slot.MergedDustSize.Equal(back.MergedDustSize))
	assert.True(t, slot.FilledSinceRefill.Equal(back.FilledSinceRefill))
	assert.Equal(t, slot.PendingRotation, back.PendingRotation)
}
