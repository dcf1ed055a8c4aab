package strategy

import (
	"github.com/shopspring/decimal"

	"gridmm/internal/core"
)

// ProcessFilledOrders is process_filled_orders from spec §4.F.5: pauses
// fund recalc, settles full fills into cache_funds, decides whether a
// rebalance is warranted, and if so runs the boundary crawl + plan
// construction. excluded slot ids are skipped when checking for dust
// partials (e.g. a slot already mid-rotation this cycle).
func (e *Engine) ProcessFilledOrders(fills []core.FillOutcome, excluded map[string]bool) core.Plan {
	e.store.PauseFundsRecalc()
	defer e.store.ResumeFundsRecalc()

	anyFullFill := false
	fullFillCount := 0
	for _, f := range fills {
		if !f.FullFill {
			continue
		}
		anyFullFill = true
		fullFillCount++
		e.settleFullFill(f)
	}

	if e.hasFeeAsset() {
		fee := e.fees.NetProceedsFeeAsset()
		e.acct.AccrueBtsFees(int64(fullFillCount)*(fee.CreateFee+fee.UpdateFee), e.feePrecision())
	}

	if !e.shouldRebalance(anyFullFill, excluded) {
		return core.Plan{}
	}

	ladderLen := e.store.Len()
	e.CrawlBoundary(fills, ladderLen)
	e.ReassignRoles()
	plan := e.BuildPlan(maxInt(1, len(fills)))

	rotated := false
	rotationsAndUpdates := 0
	for _, a := range plan.Actions {
		if a.Type == core.ActionRotate || a.Type == core.ActionResize {
			rotationsAndUpdates++
		}
		if a.Type == core.ActionRotate {
			rotated = true
		}
	}

	if e.hasFeeAsset() {
		fee := e.fees.NetProceedsFeeAsset()
		e.acct.AccrueBtsFees(int64(rotationsAndUpdates)*fee.UpdateFee, e.feePrecision())
	}

	if rotated {
		for _, side := range []core.Side{core.SideBuy, core.SideSell} {
			if d := e.CheckDivergence(side); d.NeedsCorrection {
				plan.Actions = append(plan.Actions, e.BuildSizeCorrections(side)...)
			}
		}
	}

	return plan
}

func (e *Engine) settleFullFill(f core.FillOutcome) {
	net := f.NetProceeds
	if e.fees != nil {
		assetID := e.assetIDForSide(f.ReceivingSide)
		if converted, err := e.fees.NetProceedsDecimal(assetID, f.FilledAmount); err == nil {
			net = converted
		}
	}
	e.acct.AddCacheFunds(f.ReceivingSide, net)
}

// assetIDForSide returns the asset a filled order's receiving side
// denominates in: the buy side holds quote (bought with it), the sell
// side holds base (sold it for quote).
func (e *Engine) assetIDForSide(side core.Side) string {
	if side == core.SideBuy {
		return e.cfg.QuoteAssetID
	}
	return e.cfg.BaseAssetID
}

func (e *Engine) hasFeeAsset() bool {
	return e.fees != nil && e.cfg.FeeAssetSide != nil
}

func (e *Engine) feePrecision() int {
	if e.cfg.FeeAssetSide != nil && *e.cfg.FeeAssetSide == core.SideSell {
		return e.cfg.PrecSell
	}
	return e.cfg.PrecBuy
}

func (e *Engine) shouldRebalance(anyFullFill bool, excluded map[string]bool) bool {
	if anyFullFill {
		return true
	}
	buyDust := e.hasDustPartial(core.SideBuy, excluded)
	sellDust := e.hasDustPartial(core.SideSell, excluded)
	return buyDust && sellDust
}

func (e *Engine) hasDustPartial(side core.Side, excluded map[string]bool) bool {
	for _, slot := range e.store.ByRole(roleForSide(side)) {
		if slot.State != core.StatePartial || excluded[slot.SlotID] {
			continue
		}
		ideal := e.idealSizeFor(slot)
		if ideal.IsZero() {
			continue
		}
		ratio := slot.Size.Div(ideal)
		if ratio.LessThan(e.cfg.PartialDustThresholdPercentage) {
			return true
		}
	}
	return false
}

// idealSizeFor recomputes a single slot's geometric ideal by re-running
// the side's allocation; used only by the dust check, which tolerates
// this being an approximation of the ideal at last rebalance rather
// than a live recompute of the whole side.
func (e *Engine) idealSizeFor(slot *core.Slot) decimal.Decimal {
	entries := e.sideEntries(slot.Side())
	for _, en := range entries {
		if en.slot.SlotID == slot.SlotID {
			budget := e.ComputeBudget(slot.Side())
			prec := e.cfg.PrecBuy
			weight := e.cfg.WeightBuy
			if slot.Side() == core.SideSell {
				prec = e.cfg.PrecSell
				weight = e.cfg.WeightSell
			}
			var window []windowEntry
			for _, w := range entries {
				if w.inWindow {
					window = append(window, w)
				}
			}
			ideal := AllocateByWeights(budget.EffectiveBudget, len(window), weight, e.cfg.IncrementFraction, slot.Side() == core.SideSell, prec)
			for i, w := range window {
				if w.slot.SlotID == slot.SlotID {
					return ideal[i]
				}
			}
		}
	}
	return decimal.Zero
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
