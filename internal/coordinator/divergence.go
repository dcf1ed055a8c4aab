package coordinator

import "context"

// runDivergenceCorrections is the coordinator's explicit spec §4.I step
// 6, run after acks from this cycle's dispatch have already been folded
// back into the sync engine. strategy.CheckDivergence/BuildSizeCorrections
// are idempotent: when process_filled_orders already corrected a side
// earlier in this same cycle (it does so whenever a rotation occurred,
// see strategy.ProcessFilledOrders), this pass finds nothing flagged and
// is a no-op. It also catches drift that accumulates across cycles with
// no rotating fill at all, which process_filled_orders never sees.
func (c *Coordinator) runDivergenceCorrections(ctx context.Context) {
	c.correctionsLock.Lock()
	defer c.correctionsLock.Unlock()

	for _, side := range sides {
		result := c.strat.CheckDivergence(side)
		if !result.NeedsCorrection {
			continue
		}
		c.log().Warn("grid divergence detected, correcting", "side", side, "rms_percent", result.RMS.String())
		corrections := c.strat.BuildSizeCorrections(side)
		for _, a := range corrections {
			c.dispatchResize(ctx, a)
		}
	}
}
