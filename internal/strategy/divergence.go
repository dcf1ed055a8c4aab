package strategy

import (
	"math"

	"github.com/shopspring/decimal"

	"gridmm/internal/core"
)

// DivergenceResult reports per-side RMS divergence and whether it
// crossed either correction trigger (spec §4.F.6).
type DivergenceResult struct {
	RMS             decimal.Decimal
	NeedsCorrection bool
}

// CheckDivergence computes the per-side RMS divergence between the
// in-memory ladder and the last-persisted snapshot, matched by slot id.
func (e *Engine) CheckDivergence(side core.Side) DivergenceResult {
	e.mu.Lock()
	persisted := e.persistedSizes
	e.mu.Unlock()

	sumSq := 0.0
	n := 0
	for _, slot := range e.store.ByRole(roleForSide(side)) {
		pers, ok := persisted[slot.SlotID]
		calc, _ := slot.Size.Float64()
		if !ok {
			sumSq += 1.0
			n++
			continue
		}
		eff := pers.size
		if pers.doubleOrder {
			eff = eff.Add(pers.mergedDustSize)
		}
		effF, _ := eff.Float64()
		if effF == 0 {
			n++
			continue
		}
		relErr := (calc - effF) / effF
		sumSq += relErr * relErr
		n++
	}
	if n == 0 {
		return DivergenceResult{}
	}
	rms := decimal.NewFromFloat(math.Sqrt(sumSq/float64(n)) * 100)

	needs := rms.GreaterThan(e.cfg.GridRegenerationPercentage.Mul(decimal.NewFromInt(100))) || rms.GreaterThan(e.cfg.RMSPercentage)
	return DivergenceResult{RMS: rms, NeedsCorrection: needs}
}

// BuildSizeCorrections emits an update-order-only action (price
// unchanged) for every on-chain slot on a flagged side, correcting
// amount_to_sell to the slot's current in-memory size.
func (e *Engine) BuildSizeCorrections(side core.Side) []core.PlanAction {
	var actions []core.PlanAction
	for _, slot := range e.store.ByRole(roleForSide(side)) {
		if !slot.IsOnChain() {
			continue
		}
		actions = append(actions, core.PlanAction{
			Type: core.ActionResize, SlotID: slot.SlotID, Side: side, Size: slot.Size,
			OldChainOrderID: slot.ChainOrderID,
		})
	}
	return actions
}
