package strategy

import (
	"github.com/shopspring/decimal"

	"gridmm/internal/core"
)

// CompleteOrderRotation is complete_order_rotation from spec §4.F.7: the
// dispatcher calls this once a cancel ack comes back for a slot that was
// rotated out. If the slot still references the cancelled chain id (it
// hasn't since been reused by a newer placement), demote it to Virtual
// and release its size back to the optimistic free balance.
func (e *Engine) CompleteOrderRotation(slotID, cancelledChainOrderID string) {
	slot := e.store.Get(slotID)
	if slot == nil || slot.ChainOrderID != cancelledChainOrderID {
		return
	}

	old := *slot
	_ = e.acct.UpdateOptimisticFreeBalance(old.Side(), old.State, core.StateVirtual, old.Size, decimal.Zero, decimal.Zero)

	slot.State = core.StateVirtual
	slot.ChainOrderID = ""
	slot.Size = decimal.Zero
	e.store.UpdateOrder(slot)
}
