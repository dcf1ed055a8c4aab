// Package core defines the shared data model for the grid engine: slots,
// the ladder, funds aggregates, and the value types exchanged with a
// ChainGateway/PriceOracle implementation.
package core

import (
	"sync"

	"github.com/shopspring/decimal"
)

// Role identifies what a Slot is currently doing in the ladder.
type Role int

const (
	RoleBuy Role = iota
	RoleSell
	RoleSpread
)

func (r Role) String() string {
	switch r {
	case RoleBuy:
		return "buy"
	case RoleSell:
		return "sell"
	case RoleSpread:
		return "spread"
	default:
		return "unknown"
	}
}

// State is the lifecycle state of a Slot's on-chain presence.
type State int

const (
	// StateVirtual: not on-chain.
	StateVirtual State = iota
	// StateActive: on-chain with the full intended size.
	StateActive
	// StatePartial: on-chain with a reduced remaining size.
	StatePartial
)

func (s State) String() string {
	switch s {
	case StateVirtual:
		return "virtual"
	case StateActive:
		return "active"
	case StatePartial:
		return "partial"
	default:
		return "unknown"
	}
}

// Side is buy or sell, used to index FundsSnapshot and budgets. Spread
// slots never hold funds and are never indexed by Side.
type Side int

const (
	SideBuy Side = iota
	SideSell
)

func (s Side) String() string {
	if s == SideBuy {
		return "buy"
	}
	return "sell"
}

// Opposite returns the other side.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// Slot is a fixed position in the ladder. Price is immutable once the
// ladder is built (invariant 4); everything else may mutate through
// Store.UpdateOrder.
type Slot struct {
	SlotID string
	Price  decimal.Decimal
	Role   Role
	State  State

	// Size is the currently intended/remaining size: base asset for
	// Sell, quote asset for Buy, zero for Spread.
	Size decimal.Decimal

	// ChainOrderID is present iff State is Active or Partial.
	ChainOrderID string

	// Dust-consolidation metadata (optional).
	DoubleOrder       bool
	MergedDustSize    decimal.Decimal
	FilledSinceRefill decimal.Decimal
	PendingRotation   bool

	mu sync.RWMutex
}

// Clone returns a value copy safe to hand to an engine without sharing
// the internal mutex. Engines only ever see copies; the Store owns the
// authoritative records (see DESIGN.md "no cycles" note).
func (s *Slot) Clone() *Slot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cp := *s
	cp.mu = sync.RWMutex{}
	return &cp
}

// IsOnChain reports whether the slot currently owns a chain order.
func (s *Slot) IsOnChain() bool {
	return s.State == StateActive || s.State == StatePartial
}

// Side maps a Slot's role to the funds side it draws from. Spread
// slots have no side; callers must check Role first.
func (s *Slot) Side() Side {
	if s.Role == RoleSell {
		return SideSell
	}
	return SideBuy
}

// SideFunds is one (buy, sell) pair of a FundsSnapshot category.
type SideFunds struct {
	Buy  decimal.Decimal
	Sell decimal.Decimal
}

// Get returns the value for the given side.
func (f SideFunds) Get(s Side) decimal.Decimal {
	if s == SideSell {
		return f.Sell
	}
	return f.Buy
}

// Set returns a copy with the given side replaced.
func (f SideFunds) Set(s Side, v decimal.Decimal) SideFunds {
	if s == SideSell {
		f.Sell = v
	} else {
		f.Buy = v
	}
	return f
}

// FundsSnapshot holds the six fund categories from spec §3, each a
// (buy, sell) pair, plus the scalar fee debt.
type FundsSnapshot struct {
	TotalChain     SideFunds
	TotalGrid      SideFunds
	CommittedChain SideFunds
	CommittedGrid  SideFunds
	Virtual        SideFunds
	CacheFunds     SideFunds
	Available      SideFunds
	ChainFree      SideFunds

	// BtsFeesOwed is the scalar fee debt on the chain's native fee asset.
	BtsFeesOwed decimal.Decimal
}

// Reset zeroes every aggregate. Matches spec 4.D resetFunds. CacheFunds
// is preserved across a grid reload per spec §4.H — callers that want
// that behavior should save/restore CacheFunds around Reset themselves;
// Reset here is the unconditional zeroing primitive.
func (f *FundsSnapshot) Reset() {
	*f = FundsSnapshot{}
}

// ChainOrder is what the gateway reports for a resting order.
type ChainOrder struct {
	OrderID      string
	BaseAssetID  string
	QuoteAssetID string
	ForSale      int64           // integer size, in the asset being sold
	SellPrice    decimal.Decimal // rational base/quote
}

// FillEvent is a streamed fill notification from the gateway.
type FillEvent struct {
	OrderID  string
	Pays     AssetAmount
	Receives AssetAmount
}

// AssetAmount is an integer amount of a named asset.
type AssetAmount struct {
	AssetID string
	Amount  int64
}

// AccountTotals is what the gateway reports for one asset's balance.
type AccountTotals struct {
	Total decimal.Decimal
	Free  decimal.Decimal
}

// AssetInfo is per-asset chain metadata.
type AssetInfo struct {
	Symbol           string
	AssetID          string
	Precision        int
	MarketFeePercent decimal.Decimal
	TakerFeePercent  decimal.Decimal
	HasTakerFee      bool
	MaxMarketFee     decimal.Decimal
}

// FeeSchedule is the chain-native operation fee schedule, in integer
// units of the fee asset.
type FeeSchedule struct {
	CreateLimitOrder int64
	CancelLimitOrder int64
	UpdateLimitOrder int64
}

// PlaceOrderRequest is what the coordinator submits to the gateway.
type PlaceOrderRequest struct {
	AmountToSell   decimal.Decimal
	SellAsset      string
	MinToReceive   decimal.Decimal
	ReceiveAsset   string
	ExpirationUnix int64
}

// PlanActionType enumerates what the strategy engine asks the
// coordinator to do with a slot.
type PlanActionType int

const (
	ActionPlace PlanActionType = iota
	ActionCancel
	ActionRotate
	ActionResize
	ActionStateUpdate
)

func (t PlanActionType) String() string {
	switch t {
	case ActionPlace:
		return "place"
	case ActionCancel:
		return "cancel"
	case ActionRotate:
		return "rotate"
	case ActionResize:
		return "resize"
	case ActionStateUpdate:
		return "state_update"
	default:
		return "unknown"
	}
}

// PlanAction is one instruction produced by the strategy engine for one
// slot. Rotate carries both the cancelled chain id (OldChainOrderID) and
// the new placement request/size.
type PlanAction struct {
	Type            PlanActionType
	SlotID          string
	Side            Side
	Size            decimal.Decimal
	OldChainOrderID string
	Request         *PlaceOrderRequest

	// DoubleOrder/MergedDustSize carry the double-order rule's merge
	// decision through an ActionStateUpdate (spec §4.E "Double-order
	// rule"); zero/false on every ordinary size update.
	DoubleOrder    bool
	MergedDustSize decimal.Decimal
}

// Plan is the full output of one strategy cycle.
type Plan struct {
	Actions []PlanAction
}

// SyncRecord describes one outcome of a reconciliation pass.
type SyncRecord struct {
	SlotID       string
	ChainOrderID string
	Reason       string
}

// SyncResult is the three output sets of sync_from_open_orders.
type SyncResult struct {
	Filled               []SyncRecord
	Updated              []SyncRecord
	NeedsPriceCorrection []SyncRecord
}

// FillOutcome is the result of sync_from_fill_history.
type FillOutcome struct {
	SlotID                 string
	Role                   Role // the filled slot's role before conversion, drives boundary crawl direction
	FullFill               bool
	DelayedRotationTrigger bool
	FilledAmount           decimal.Decimal
	NewSize                decimal.Decimal
	ReceivingSide          Side
	NetProceeds            decimal.Decimal
}
