package strategy

import (
	"sort"

	"github.com/shopspring/decimal"

	"gridmm/internal/core"
	"gridmm/internal/precision"
)

// dustMergeFactor is the S3 merge-vs-split threshold: an innermost
// partial's excess over ideal is folded into it (double_order) when the
// excess is at most this factor times ideal, else cleaved into a separate
// residual order (spec.md:362, the double-order rule at spec.md:165).
var dustMergeFactor = decimal.NewFromFloat(1.05)

func roleForSide(side core.Side) core.Role {
	if side == core.SideSell {
		return core.RoleSell
	}
	return core.RoleBuy
}

func (e *Engine) sortedSlots() []*core.Slot {
	slots := e.store.All()
	sort.Slice(slots, func(i, j int) bool { return slots[i].Price.LessThan(slots[j].Price) })
	return slots
}

// windowEntry pairs a slot with its ladder index, needed to tell a
// true in-window slot from a stale on-chain surplus (spec §4.F.2/§4.F.4).
type windowEntry struct {
	slot     *core.Slot
	index    int
	inWindow bool
}

func (e *Engine) sideEntries(side core.Side) []windowEntry {
	e.mu.Lock()
	boundary, gap := e.boundaryIdx, e.cfg.GapSlots
	e.mu.Unlock()

	role := roleForSide(side)
	sorted := e.sortedSlots()

	var entries []windowEntry
	for idx, s := range sorted {
		if s.Role != role {
			continue
		}
		entries = append(entries, windowEntry{slot: s, index: idx, inWindow: PartitionRole(idx, boundary, gap) == role})
	}
	return entries
}

// BuildPlan runs one full rebalance cycle for both sides (spec §4.F.4)
// and returns the combined plan. Call ReassignRoles before BuildPlan so
// virtual slots reflect the latest boundary.
func (e *Engine) BuildPlan(fillsThisBatch int) core.Plan {
	var plan core.Plan
	for _, side := range []core.Side{core.SideBuy, core.SideSell} {
		plan.Actions = append(plan.Actions, e.buildSidePlan(side, fillsThisBatch)...)
	}
	return plan
}

func (e *Engine) buildSidePlan(side core.Side, fillsThisBatch int) []core.PlanAction {
	entries := e.sideEntries(side)
	if len(entries) == 0 {
		return nil
	}

	budget := e.ComputeBudget(side)
	prec := e.cfg.PrecBuy
	weight := e.cfg.WeightBuy
	if side == core.SideSell {
		prec = e.cfg.PrecSell
		weight = e.cfg.WeightSell
	}

	window := make([]windowEntry, 0, len(entries))
	for _, en := range entries {
		if en.inWindow {
			window = append(window, en)
		}
	}
	sort.Slice(window, func(i, j int) bool { return window[i].index < window[j].index })

	current := make([]decimal.Decimal, len(window))
	for i, en := range window {
		current[i] = en.slot.Size
	}
	ideal := AllocateByWeights(budget.EffectiveBudget, len(window), weight, e.cfg.IncrementFraction, side == core.SideSell, prec)
	capped := capGrowth(current, ideal, budget.AvailablePool, prec)

	var shortages []int // index into window
	for i, en := range window {
		if !en.slot.IsOnChain() {
			shortages = append(shortages, i)
		}
	}
	sort.Slice(shortages, func(a, b int) bool { return window[shortages[a]].index < window[shortages[b]].index })

	var surplus []*core.Slot
	for _, en := range entries {
		if !en.inWindow && en.slot.IsOnChain() {
			surplus = append(surplus, en.slot)
		}
	}
	if len(shortages) > 0 && len(window) > 0 {
		// crawl candidate: furthest currently-inside-window active slot
		// (lowest ladder index on the Buy side, highest on the Sell side).
		var farthest *core.Slot
		farthestIdx := -1
		for _, en := range window {
			if !en.slot.IsOnChain() {
				continue
			}
			further := en.index > farthestIdx
			if side == core.SideBuy {
				further = farthest == nil || en.index < farthestIdx
			}
			if further {
				farthest, farthestIdx = en.slot, en.index
			}
		}
		if farthest != nil {
			surplus = append(surplus, farthest)
		}
	}
	sort.Slice(surplus, func(a, b int) bool { return surplus[a].Price.GreaterThan(surplus[b].Price) })

	reactionCap := fillsThisBatch
	if reactionCap < 1 {
		reactionCap = 1
	}

	var actions []core.PlanAction
	allocatedTotal := decimal.Zero
	handled := map[string]bool{}

	pairCount := reactionCap
	if len(surplus) < pairCount {
		pairCount = len(surplus)
	}
	if len(shortages) < pairCount {
		pairCount = len(shortages)
	}

	for i := 0; i < pairCount; i++ {
		oldSlot := surplus[i]
		newEntry := window[shortages[i]]
		size := capped[shortages[i]]
		actions = append(actions, core.PlanAction{
			Type: core.ActionRotate, SlotID: newEntry.slot.SlotID, Side: side, Size: size,
			OldChainOrderID: oldSlot.ChainOrderID,
			Request:         e.placeRequest(newEntry.slot, size, side),
		})
		handled[newEntry.slot.SlotID] = true
		allocatedTotal = allocatedTotal.Add(size)
	}

	remainingCap := reactionCap - pairCount
	for i := pairCount; i < len(shortages) && i-pairCount < remainingCap; i++ {
		entry := window[shortages[i]]
		size := capped[shortages[i]]
		actions = append(actions, core.PlanAction{Type: core.ActionPlace, SlotID: entry.slot.SlotID, Side: side, Size: size, Request: e.placeRequest(entry.slot, size, side)})
		handled[entry.slot.SlotID] = true
		allocatedTotal = allocatedTotal.Add(size)
	}

	for i := pairCount; i < len(surplus); i++ {
		actions = append(actions, core.PlanAction{Type: core.ActionCancel, SlotID: surplus[i].SlotID, Side: side, OldChainOrderID: surplus[i].ChainOrderID})
		handled[surplus[i].SlotID] = true
	}

	if dustActions, dustAllocated := e.consolidateDust(side, window, capped, prec, handled); len(dustActions) > 0 {
		actions = append(actions, dustActions...)
		allocatedTotal = allocatedTotal.Add(dustAllocated)
	}

	for i, en := range window {
		if handled[en.slot.SlotID] {
			continue
		}
		if en.slot.IsOnChain() {
			allocatedTotal = allocatedTotal.Add(en.slot.Size)
		}
		if !capped[i].Equal(en.slot.Size) {
			actions = append(actions, core.PlanAction{Type: core.ActionStateUpdate, SlotID: en.slot.SlotID, Side: side, Size: capped[i]})
			if !en.slot.IsOnChain() {
				allocatedTotal = allocatedTotal.Add(capped[i])
			}
		}
	}

	residual := budget.Budget.Sub(allocatedTotal)
	if residual.IsNegative() {
		residual = decimal.Zero
	}
	e.acct.SetCacheFundsSide(side, residual)

	return actions
}

// innermostDust picks the window slot carrying excess capital over its
// geometric ideal: the one "innermost" partial that absorbed residual
// capital from its neighbours in an earlier rebalance (spec.md:399). In
// a window whose available pool is fully allocated, restoring every
// other partial to ideal leaves at most one slot holding the leftover,
// so this is a scan for whichever on-chain Partial exceeds its capped
// ideal by the largest amount, not a fixed ladder position.
func innermostDust(window []windowEntry, capped []decimal.Decimal, prec int, handled map[string]bool) (int, decimal.Decimal) {
	best := -1
	var bestExcess decimal.Decimal
	for i, en := range window {
		if handled[en.slot.SlotID] || en.slot.State != core.StatePartial {
			continue
		}
		ideal := capped[i]
		if ideal.IsZero() || precision.CompareSizes(en.slot.Size, ideal, prec) != precision.Greater {
			continue
		}
		excess := en.slot.Size.Sub(ideal)
		if best == -1 || excess.GreaterThan(bestExcess) {
			best, bestExcess = i, excess
		}
	}
	return best, bestExcess
}

// consolidateDust implements the double-order rule (spec.md:165, S3 at
// spec.md:362): a window's on-chain Partial can end up holding more
// than its geometric ideal because an earlier rebalance already folded
// a neighbour's residual onto it. Capping it back to ideal via a plain
// StateUpdate would silently forget the real on-chain amount, so a
// small excess is instead tagged double_order/merged_dust_size for
// chainsync to unwind as fills land, and a large excess is cleaved into
// a resize-to-ideal plus a new residual order at the adjacent spread
// slot. Returns the actions (possibly none) and the capital they
// account for in the side's allocated-funds total.
func (e *Engine) consolidateDust(side core.Side, window []windowEntry, capped []decimal.Decimal, prec int, handled map[string]bool) ([]core.PlanAction, decimal.Decimal) {
	idx, excess := innermostDust(window, capped, prec, handled)
	if idx < 0 {
		return nil, decimal.Zero
	}
	entry := window[idx]
	ideal := capped[idx]
	originalSize := entry.slot.Size
	handled[entry.slot.SlotID] = true

	if precision.CompareSizes(excess, ideal.Mul(dustMergeFactor), prec) != precision.Greater {
		return []core.PlanAction{{
			Type: core.ActionStateUpdate, SlotID: entry.slot.SlotID, Side: side,
			Size: originalSize, DoubleOrder: true, MergedDustSize: excess,
		}}, originalSize
	}

	entry.slot.Size = ideal
	e.store.UpdateOrder(entry.slot)
	actions := []core.PlanAction{{
		Type: core.ActionResize, SlotID: entry.slot.SlotID, Side: side,
		Size: ideal, OldChainOrderID: entry.slot.ChainOrderID,
	}}

	if spread := e.adjacentSpreadSlot(entry.slot.Price, side); spread != nil {
		spread.Role = roleForSide(side)
		e.store.UpdateOrder(spread)
		handled[spread.SlotID] = true
		actions = append(actions, core.PlanAction{
			Type: core.ActionPlace, SlotID: spread.SlotID, Side: side, Size: excess,
			Request: e.placeRequest(spread, excess, side),
		})
	}
	return actions, originalSize
}

// adjacentSpreadSlot returns the Spread-role slot bordering side's band
// closest to innerPrice, where a double-order split's residual order
// lands (spec.md:362's "adjacent spread price").
func (e *Engine) adjacentSpreadSlot(innerPrice decimal.Decimal, side core.Side) *core.Slot {
	var candidate *core.Slot
	for _, s := range e.sortedSlots() {
		if s.Role != core.RoleSpread {
			continue
		}
		if side == core.SideSell {
			if s.Price.LessThan(innerPrice) && (candidate == nil || s.Price.GreaterThan(candidate.Price)) {
				candidate = s
			}
		} else {
			if s.Price.GreaterThan(innerPrice) && (candidate == nil || s.Price.LessThan(candidate.Price)) {
				candidate = s
			}
		}
	}
	return candidate
}

// placeRequest builds the gateway request for one slot. A Buy slot
// sells quote to receive base; a Sell slot sells base to receive quote.
func (e *Engine) placeRequest(slot *core.Slot, size decimal.Decimal, side core.Side) *core.PlaceOrderRequest {
	if size.IsZero() || !size.IsPositive() {
		return nil
	}
	if side == core.SideBuy {
		return &core.PlaceOrderRequest{
			AmountToSell: size, SellAsset: e.cfg.QuoteAssetID,
			MinToReceive: size.Div(slot.Price), ReceiveAsset: e.cfg.BaseAssetID,
		}
	}
	return &core.PlaceOrderRequest{
		AmountToSell: size, SellAsset: e.cfg.BaseAssetID,
		MinToReceive: size.Mul(slot.Price), ReceiveAsset: e.cfg.QuoteAssetID,
	}
}
