// Package chainsync reconciles the in-memory ladder against on-chain
// order snapshots and streamed fill events (spec §4.E). It is the only
// component that assigns a Slot a ChainOrderID from chain data;
// strategy.CompleteOrderRotation also clears one after a rotation's
// cancel ack.
package chainsync

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"gridmm/internal/accountant"
	"gridmm/internal/core"
	"gridmm/internal/gridstore"
	"gridmm/internal/precision"
)

// Config carries the asset identity and precision the engine needs to
// parse a core.ChainOrder into (role, size, price).
type Config struct {
	BaseAssetID  string
	QuoteAssetID string
	PrecSell     int // base-asset precision
	PrecBuy      int // quote-asset precision
	FeePrecision int // precision of the chain's native fee asset

	// LockTimeout is how long a per-slot lock is honored without
	// refresh; mirrors gridstore.DefaultLockTimeout unless overridden.
	LockTimeout time.Duration
}

// CreateOrderAck is delivered by the coordinator after a successful
// placement.
type CreateOrderAck struct {
	SlotID             string
	ChainOrderID       string
	IsPartialPlacement bool
	Fee                int64
}

// CancelOrderAck is delivered after a successful cancellation.
type CancelOrderAck struct {
	ChainOrderID string
}

// Engine is the chain sync / reconciliation engine.
type Engine struct {
	store  *gridstore.Store
	acct   *accountant.Accountant
	logger core.ILogger
	cfg    Config

	syncMu sync.Mutex // sync_lock: serializes full reconciliations
}

// New builds a sync Engine. logger may be nil.
func New(store *gridstore.Store, acct *accountant.Accountant, cfg Config, logger core.ILogger) *Engine {
	if cfg.LockTimeout == 0 {
		cfg.LockTimeout = gridstore.DefaultLockTimeout
	}
	return &Engine{store: store, acct: acct, cfg: cfg, logger: logger}
}

func (e *Engine) log() core.ILogger {
	if e.logger == nil {
		return nil
	}
	return e.logger
}

// parsed is one chain order reduced to the fields sync cares about.
type parsed struct {
	orderID string
	role    core.Role
	size    decimal.Decimal
	price   decimal.Decimal
}

func (e *Engine) parse(o core.ChainOrder) (parsed, bool) {
	switch {
	case o.BaseAssetID == e.cfg.BaseAssetID && o.QuoteAssetID == e.cfg.QuoteAssetID:
		return parsed{orderID: o.OrderID, role: core.RoleSell, size: precision.ToFloat(o.ForSale, e.cfg.PrecSell), price: o.SellPrice}, true
	case o.BaseAssetID == e.cfg.QuoteAssetID && o.QuoteAssetID == e.cfg.BaseAssetID:
		return parsed{orderID: o.OrderID, role: core.RoleBuy, size: precision.ToFloat(o.ForSale, e.cfg.PrecBuy), price: o.SellPrice}, true
	default:
		return parsed{}, false
	}
}

func (e *Engine) precisionFor(role core.Role) int {
	if role == core.RoleSell {
		return e.cfg.PrecSell
	}
	return e.cfg.PrecBuy
}

// lockSet acquires locks for every id, starts a background refresher at
// half the lock timeout, and returns an unlock function.
func (e *Engine) lockSet(ids []string) func() {
	e.store.Lock(ids)
	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		t := time.NewTicker(e.cfg.LockTimeout / 2)
		defer t.Stop()
		for {
			select {
			case <-stop:
				return
			case <-t.C:
				e.store.RefreshLocks(ids)
			}
		}
	}()
	return func() {
		close(stop)
		wg.Wait()
		e.store.Unlock(ids)
	}
}

// SyncFromOpenOrders is the snapshot reconciliation pass (spec §4.E,
// sync_from_open_orders). It holds sync_lock for its whole duration.
func (e *Engine) SyncFromOpenOrders(ctx context.Context, chainOrders []core.ChainOrder) core.SyncResult {
	e.syncMu.Lock()
	defer e.syncMu.Unlock()

	slots := e.store.All()
	lockIDs := make([]string, 0, len(slots))
	for _, s := range slots {
		if s.ChainOrderID != "" || s.IsOnChain() {
			lockIDs = append(lockIDs, s.SlotID)
		}
	}
	unlock := e.lockSet(lockIDs)
	defer unlock()

	parsedOrders := make(map[string]parsed, len(chainOrders))
	for _, o := range chainOrders {
		if p, ok := e.parse(o); ok {
			parsedOrders[p.orderID] = p
		}
	}

	var result core.SyncResult
	matched := make(map[string]bool, len(parsedOrders))

	// Pass 1: slots already carrying a chain_order_id.
	for _, slot := range slots {
		if slot.ChainOrderID == "" {
			continue
		}
		p, ok := parsedOrders[slot.ChainOrderID]
		if !ok {
			continue // orphaned on our side; left alone until the next full snapshot shows it gone
		}
		matched[p.orderID] = true

		tol := precision.CalcPriceTolerance(slot.Price, slot.Size, p.size, e.precisionFor(slot.Role), e.precisionFor(slot.Role))
		if slot.Price.Sub(p.price).Abs().GreaterThan(tol) {
			result.NeedsPriceCorrection = append(result.NeedsPriceCorrection, core.SyncRecord{SlotID: slot.SlotID, ChainOrderID: p.orderID, Reason: "price_drift"})
		}

		if precision.CompareSizes(slot.Size, p.size, e.precisionFor(slot.Role)) != precision.Equal {
			if p.size.IsPositive() {
				old := *slot
				slot.Size = p.size
				if slot.State == core.StateActive {
					slot.State = core.StatePartial
				}
				e.applyTransition(old.Side(), old.State, slot.State, old.Size, slot.Size, 0)
				e.store.UpdateOrder(slot)
				result.Updated = append(result.Updated, core.SyncRecord{SlotID: slot.SlotID, ChainOrderID: p.orderID, Reason: "size_mismatch"})
			} else {
				e.convertToSpread(slot, "zero_size_on_chain")
				result.Filled = append(result.Filled, core.SyncRecord{SlotID: slot.SlotID, ChainOrderID: p.orderID, Reason: "filled"})
			}
		}
	}

	// Pass 2: orphan chain orders, matched to a grid slot by role+price+size.
	for _, p := range parsedOrders {
		if matched[p.orderID] {
			continue
		}
		candidate := e.bestOrphanMatch(slots, p)
		if candidate == nil {
			continue
		}
		old := *candidate
		candidate.ChainOrderID = p.orderID
		candidate.Size = p.size
		if candidate.State == core.StateVirtual {
			candidate.State = core.StateActive
		}
		e.applyTransition(old.Side(), old.State, candidate.State, old.Size, candidate.Size, 0)
		e.store.UpdateOrder(candidate)
		result.Updated = append(result.Updated, core.SyncRecord{SlotID: candidate.SlotID, ChainOrderID: p.orderID, Reason: "orphan_matched"})
	}

	return result
}

func (e *Engine) bestOrphanMatch(slots []*core.Slot, p parsed) *core.Slot {
	var best *core.Slot
	bestDelta := decimal.Decimal{}
	for _, slot := range slots {
		if slot.ChainOrderID != "" || slot.Role != p.role || slot.Role == core.RoleSpread {
			continue
		}
		tol := precision.CalcPriceTolerance(slot.Price, slot.Size, p.size, e.precisionFor(p.role), e.precisionFor(p.role))
		delta := slot.Price.Sub(p.price).Abs()
		if delta.GreaterThan(tol) {
			continue
		}
		if precision.CompareSizes(slot.Size, p.size, e.precisionFor(p.role)) != precision.Equal {
			continue
		}
		if best == nil || delta.LessThan(bestDelta) {
			best, bestDelta = slot, delta
		}
	}
	return best
}

// SyncFromFillHistory processes one incremental fill (spec
// sync_from_fill_history). Returns ok=false if the fill's chain order
// id does not map to any owned slot (a ParseError-class condition: the
// fill is dropped, not retried).
func (e *Engine) SyncFromFillHistory(fill core.FillEvent) (core.FillOutcome, bool) {
	slot := e.store.ByChainOrderID(fill.OrderID)
	if slot == nil {
		return core.FillOutcome{}, false
	}

	prec := e.precisionFor(slot.Role)
	filledAmount := precision.ToFloat(fill.Pays.Amount, prec)

	oldSize := slot.Size
	newSize := slot.Size.Sub(filledAmount)
	if newSize.IsNegative() {
		newSize = decimal.Zero
	}

	outcome := core.FillOutcome{SlotID: slot.SlotID, Role: slot.Role, FilledAmount: filledAmount, ReceivingSide: slot.Side().Opposite()}

	old := *slot
	if precision.CompareSizes(newSize, decimal.Zero, prec) == precision.Equal {
		slot.Size = decimal.Zero
		e.applyTransition(old.Side(), old.State, core.StateVirtual, old.Size, decimal.Zero, 0)
		slot.State = core.StateVirtual
		slot.Role = core.RoleSpread
		slot.ChainOrderID = ""
		outcome.FullFill = true
		outcome.NewSize = decimal.Zero
	} else {
		slot.Size = newSize
		if slot.MergedDustSize.IsPositive() {
			slot.FilledSinceRefill = slot.FilledSinceRefill.Add(filledAmount)
			if precision.CompareSizes(slot.FilledSinceRefill, slot.MergedDustSize, prec) != precision.Less {
				outcome.DelayedRotationTrigger = true
				slot.DoubleOrder = false
				slot.MergedDustSize = decimal.Zero
				slot.FilledSinceRefill = decimal.Zero
				if precision.CompareSizes(slot.Size, oldSize, prec) != precision.Less {
					slot.State = core.StateActive
				} else {
					slot.State = core.StatePartial
				}
			} else {
				slot.State = core.StatePartial
			}
		} else {
			slot.State = core.StatePartial
		}
		e.applyTransition(old.Side(), old.State, slot.State, old.Size, slot.Size, 0)
		outcome.NewSize = slot.Size
	}

	e.store.UpdateOrder(slot)
	return outcome, true
}

func (e *Engine) convertToSpread(slot *core.Slot, reason string) {
	old := *slot
	slot.State = core.StateVirtual
	slot.Role = core.RoleSpread
	slot.ChainOrderID = ""
	slot.Size = decimal.Zero
	e.applyTransition(old.Side(), old.State, core.StateVirtual, old.Size, decimal.Zero, 0)
	e.store.UpdateOrder(slot)
}

func (e *Engine) applyTransition(side core.Side, oldState, newState core.State, oldSize, newSize decimal.Decimal, rawFee int64) {
	if e.acct == nil {
		return
	}
	feeAmt := decimal.Zero
	if rawFee != 0 {
		feeAmt = precision.ToFloat(rawFee, e.cfg.FeePrecision)
	}
	if err := e.acct.UpdateOptimisticFreeBalance(side, oldState, newState, oldSize, newSize, feeAmt); err != nil && e.log() != nil {
		e.log().Warn("optimistic balance update rejected", "error", err.Error())
	}
}

// ApplyCreateOrderAck marks a slot Active/Partial and assigns its
// chain_order_id, per the dispatcher's CreateOrderAck route.
func (e *Engine) ApplyCreateOrderAck(ack CreateOrderAck) {
	slot := e.store.Get(ack.SlotID)
	if slot == nil {
		return
	}
	old := *slot
	slot.ChainOrderID = ack.ChainOrderID
	if ack.IsPartialPlacement {
		slot.State = core.StatePartial
	} else {
		slot.State = core.StateActive
	}
	e.applyTransition(old.Side(), old.State, slot.State, old.Size, slot.Size, ack.Fee)
	e.store.UpdateOrder(slot)
}

// ApplyCancelOrderAck transitions the owning slot back to Virtual, per
// the dispatcher's CancelOrderAck route.
func (e *Engine) ApplyCancelOrderAck(ack CancelOrderAck) {
	slot := e.store.ByChainOrderID(ack.ChainOrderID)
	if slot == nil {
		return
	}
	old := *slot
	slot.State = core.StateVirtual
	slot.ChainOrderID = ""
	e.applyTransition(old.Side(), old.State, core.StateVirtual, old.Size, old.Size, 0)
	e.store.UpdateOrder(slot)
}
