// Package feecache caches per-asset market fees and chain operation
// fees queried once at startup (spec §4.B). It is read-only once
// built: the engine never invalidates it while running.
package feecache

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"gridmm/internal/core"
	"gridmm/pkg/retry"
)

// DefaultRotationMultiplier is the headroom multiplier applied to
// calculate_creation_fee_budget for rotations/updates.
const DefaultRotationMultiplier = 2

// FeeRecord is the structured fee breakdown returned by
// NetProceedsFeeAsset for the chain's fee asset.
type FeeRecord struct {
	CreateFee int64
	UpdateFee int64
	NetMaker  int64
}

// Cache holds fee metadata for every asset the engine has looked up,
// plus the chain's native fee-asset schedule.
type Cache struct {
	feeAssetID string
	assets     map[string]core.AssetInfo // keyed by asset_id
	schedule   core.FeeSchedule
}

// Load queries asset info for the given symbols and the chain fee
// schedule once, building an immutable Cache.
func Load(ctx context.Context, gw core.ChainGateway, feeAssetID string, symbols []string) (*Cache, error) {
	c := &Cache{
		feeAssetID: feeAssetID,
		assets:     make(map[string]core.AssetInfo, len(symbols)),
	}
	for _, sym := range symbols {
		var info core.AssetInfo
		err := retry.Do(ctx, retry.DefaultPolicy, isRetryable, func() error {
			var innerErr error
			info, innerErr = gw.GetAssetInfo(ctx, sym)
			return innerErr
		})
		if err != nil {
			return nil, fmt.Errorf("feecache: asset lookup failed for %s: %w", sym, err)
		}
		c.assets[info.AssetID] = info
	}
	var sched core.FeeSchedule
	err := retry.Do(ctx, retry.DefaultPolicy, isRetryable, func() error {
		var innerErr error
		sched, innerErr = gw.GetFeeSchedule(ctx)
		return innerErr
	})
	if err != nil {
		return nil, fmt.Errorf("feecache: fee schedule lookup failed: %w", err)
	}
	c.schedule = sched
	return c, nil
}

// isRetryable treats every error as transient: Load only ever runs
// once at startup against a gateway that has not yet proven reachable,
// so there is no sentinel error kind yet to distinguish "retry" from
// "give up" the way the coordinator's failsafe pipeline does later.
func isRetryable(error) bool {
	return true
}

// AssetInfo returns the cached metadata for an asset id.
func (c *Cache) AssetInfo(assetID string) (core.AssetInfo, bool) {
	info, ok := c.assets[assetID]
	return info, ok
}

// IsFeeAsset reports whether assetID is the chain's native fee asset.
func (c *Cache) IsFeeAsset(assetID string) bool {
	return assetID == c.feeAssetID
}

// Schedule returns the chain-native operation fee schedule.
func (c *Cache) Schedule() core.FeeSchedule {
	return c.schedule
}

// NetProceedsDecimal returns the net amount after market fee for a
// non-fee asset. Use NetProceedsFeeAsset when assetID is the fee asset.
func (c *Cache) NetProceedsDecimal(assetID string, rawAmount decimal.Decimal) (decimal.Decimal, error) {
	if c.IsFeeAsset(assetID) {
		return decimal.Zero, fmt.Errorf("feecache: %s is the fee asset; use NetProceedsFeeAsset", assetID)
	}
	info, ok := c.assets[assetID]
	if !ok {
		return decimal.Zero, fmt.Errorf("feecache: unknown asset %s", assetID)
	}
	factor := decimal.NewFromInt(1).Sub(info.MarketFeePercent.Div(decimal.NewFromInt(100)))
	return rawAmount.Mul(factor), nil
}

// NetProceedsFeeAsset returns the structured fee record for the fee
// asset: a deduction is never applied directly, since fee-asset
// reservations are settled atomically via the accountant instead.
func (c *Cache) NetProceedsFeeAsset() FeeRecord {
	return FeeRecord{
		CreateFee: c.schedule.CreateLimitOrder,
		UpdateFee: c.schedule.UpdateLimitOrder,
		NetMaker:  c.schedule.CreateLimitOrder + c.schedule.UpdateLimitOrder,
	}
}

// PairIncludesFeeAsset reports whether either leg of a pair is the fee
// asset.
func (c *Cache) PairIncludesFeeAsset(baseAssetID, quoteAssetID string) bool {
	return c.IsFeeAsset(baseAssetID) || c.IsFeeAsset(quoteAssetID)
}

// CalculateCreationFeeBudget returns the fee-asset budget to reserve
// for creating targetOrderCount orders, scaled by multiplier (default
// DefaultRotationMultiplier for rotation/update headroom). Returns zero
// when the pair does not include the fee asset.
func (c *Cache) CalculateCreationFeeBudget(baseAssetID, quoteAssetID string, targetOrderCount int, multiplier int) int64 {
	if !c.PairIncludesFeeAsset(baseAssetID, quoteAssetID) {
		return 0
	}
	if multiplier <= 0 {
		multiplier = DefaultRotationMultiplier
	}
	return c.schedule.CreateLimitOrder * int64(targetOrderCount) * int64(multiplier)
}
