package core

import (
	"context"

	"github.com/shopspring/decimal"
)

// ChainGateway is the abstract boundary to the blockchain. Wallet/key
// management and the concrete RPC client are out of scope (spec §1);
// this is the seam a concrete adapter implements.
type ChainGateway interface {
	GetOpenOrders(ctx context.Context, account string) ([]ChainOrder, error)
	GetBalances(ctx context.Context, account string, assetIDs []string) (map[string]AccountTotals, error)
	GetAssetInfo(ctx context.Context, symbol string) (AssetInfo, error)
	GetFeeSchedule(ctx context.Context) (FeeSchedule, error)
	SubscribeFills(ctx context.Context, account string) (<-chan FillEvent, error)

	CreateOrder(ctx context.Context, account, signKey string, req PlaceOrderRequest) (chainOrderID string, err error)
	CancelOrder(ctx context.Context, account, signKey, chainOrderID string) error
	// UpdateOrder returns ok=false when the gateway reports no change
	// was needed (the spec's "null_if_no_change").
	UpdateOrder(ctx context.Context, account, signKey, chainOrderID string, amountToSell, minToReceive decimal.Decimal) (ok bool, err error)
}

// PriceOracleMode selects which derivation path PriceOracle.DerivePrice
// should prefer.
type PriceOracleMode int

const (
	PriceModePool PriceOracleMode = iota
	PriceModeMarket
	PriceModeAuto
)

// PriceOracle derives a reference price for a pair. Fallback cascade is
// pool -> market (best-bid/ask midpoint, else latest) -> weighted
// aggregation of open limit orders (spec §6).
type PriceOracle interface {
	DerivePrice(ctx context.Context, base, quote string, mode PriceOracleMode) (decimal.Decimal, bool, error)
}

// ILogger is the structured-logging interface every engine depends on.
type ILogger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
	Fatal(msg string, fields ...interface{})
	WithField(key string, value interface{}) ILogger
	WithFields(fields map[string]interface{}) ILogger
}

// PersistedSlot is the on-disk shape of one Slot (spec §4.H / §6).
type PersistedSlot struct {
	SlotID            string
	Price             decimal.Decimal
	Role              Role
	State             State
	Size              decimal.Decimal
	ChainOrderID      string
	DoubleOrder       bool
	MergedDustSize    decimal.Decimal
	FilledSinceRefill decimal.Decimal
	PendingRotation   bool
}

// PersistedGrid is the full snapshot a persistence backend must
// atomically write and be able to reload exactly (spec §4.H).
type PersistedGrid struct {
	BotID       string
	Slots       []PersistedSlot
	CacheFunds  SideFunds
	BtsFeesOwed decimal.Decimal
	BoundaryIdx int
}

// PersistenceStore is the contract for component H.
type PersistenceStore interface {
	Save(ctx context.Context, snapshot PersistedGrid) error
	Load(ctx context.Context, botID string) (*PersistedGrid, error)
}
