package strategy

import (
	"sort"

	"gridmm/internal/core"
)

// CrawlBoundary applies the +1/-1 shift per fill in the batch (spec
// §4.F.1): a Sell fill pulls the boundary toward the sells (+1), a Buy
// fill pulls it the other way (-1). ladderLen bounds the clamp.
func (e *Engine) CrawlBoundary(fills []core.FillOutcome, ladderLen int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, f := range fills {
		if !f.FullFill {
			continue
		}
		if f.Role == core.RoleSell {
			e.boundaryIdx++
		} else if f.Role == core.RoleBuy {
			e.boundaryIdx--
		}
	}
	if ladderLen > 0 {
		if e.boundaryIdx < 0 {
			e.boundaryIdx = 0
		}
		if e.boundaryIdx > ladderLen-1 {
			e.boundaryIdx = ladderLen - 1
		}
	}
}

// PartitionRole returns the role the partition implies for ladder index
// idx given the current boundary and gap width (spec §4.F.2).
func PartitionRole(idx, boundary, gap int) core.Role {
	switch {
	case idx <= boundary:
		return core.RoleBuy
	case idx <= boundary+gap:
		return core.RoleSpread
	default:
		return core.RoleSell
	}
}

// ReassignRoles partitions the price-sorted ladder around boundary_idx
// (spec §4.F.2). Only slots with no live chain order are reassigned
// freely; a slot that is currently on-chain keeps the Role it was
// placed under until the plan explicitly cancels or rotates it — that
// Role is what the accountant already committed capital against, so
// flipping it out from under an open order would desync the funds
// ledger. Plan construction detects "surplus" on-chain slots by
// comparing their stable Role against what PartitionRole now implies
// for their index.
func (e *Engine) ReassignRoles() {
	slots := e.store.All()
	sort.Slice(slots, func(i, j int) bool { return slots[i].Price.LessThan(slots[j].Price) })

	e.mu.Lock()
	boundary := e.boundaryIdx
	gap := e.cfg.GapSlots
	e.mu.Unlock()

	for idx, slot := range slots {
		if slot.IsOnChain() {
			continue
		}
		want := PartitionRole(idx, boundary, gap)
		if slot.Role != want {
			slot.Role = want
			e.store.UpdateOrder(slot)
		}
	}
}
