package coordinator

import (
	"context"
	"sync"

	"github.com/failsafe-go/failsafe-go"
	"github.com/shopspring/decimal"

	"gridmm/internal/chainsync"
	"gridmm/internal/core"
	"gridmm/pkg/apperrors"
)

// dispatchPlan submits a plan's gateway-facing actions to the bounded
// worker pool, rate-limited and wrapped in a circuit-breaker/retry
// pipeline (spec §4.I steps 4-5). ActionStateUpdate never touches the
// gateway and is applied to the store immediately.
func (c *Coordinator) dispatchPlan(ctx context.Context, plan core.Plan) {
	var wg sync.WaitGroup
	for _, action := range plan.Actions {
		action := action
		if action.Type == core.ActionStateUpdate {
			c.applyStateUpdate(action)
			continue
		}

		wg.Add(1)
		submitErr := c.dispatchPool.Submit(func() {
			defer wg.Done()
			c.dispatchOne(ctx, action)
		})
		if submitErr != nil {
			wg.Done()
			c.log().Error("dispatch pool rejected action", "slot_id", action.SlotID, "type", action.Type, "error", submitErr)
		}
	}
	wg.Wait()
}

func (c *Coordinator) applyStateUpdate(a core.PlanAction) {
	slot := c.store.Get(a.SlotID)
	if slot == nil {
		return
	}
	slot.Size = a.Size
	if a.DoubleOrder || a.MergedDustSize.IsPositive() {
		slot.DoubleOrder = true
		slot.MergedDustSize = a.MergedDustSize
	}
	c.store.UpdateOrder(slot)
}

func (c *Coordinator) dispatchOne(ctx context.Context, a core.PlanAction) {
	if err := c.limiter.Wait(ctx); err != nil {
		return
	}

	switch a.Type {
	case core.ActionPlace:
		c.dispatchPlace(ctx, a)
	case core.ActionCancel:
		c.dispatchCancel(ctx, a)
	case core.ActionRotate:
		c.dispatchCancel(ctx, core.PlanAction{SlotID: a.SlotID, OldChainOrderID: a.OldChainOrderID})
		c.dispatchPlace(ctx, a)
	case core.ActionResize:
		c.dispatchResize(ctx, a)
	}
}

func (c *Coordinator) dispatchPlace(ctx context.Context, a core.PlanAction) {
	if a.Request == nil {
		return
	}
	if c.cfg.DryRun {
		c.log().Debug("dry run: skipping create_order", "slot_id", a.SlotID)
		return
	}

	result, err := c.pipeline.GetWithExecution(func(_ failsafe.Execution[any]) (any, error) {
		id, err := c.gw.CreateOrder(ctx, c.cfg.Account, c.cfg.SignKey, *a.Request)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.ErrChainRPC, "coordinator: create_order", err)
		}
		return id, nil
	})
	if err != nil {
		c.log().Error("create_order failed", "slot_id", a.SlotID, "error", err)
		return
	}

	chainOrderID, _ := result.(string)
	c.sync.ApplyCreateOrderAck(chainsync.CreateOrderAck{
		SlotID:       a.SlotID,
		ChainOrderID: chainOrderID,
		Fee:          c.createFeeRaw(),
	})
}

func (c *Coordinator) dispatchCancel(ctx context.Context, a core.PlanAction) {
	if a.OldChainOrderID == "" {
		return
	}
	if c.cfg.DryRun {
		c.log().Debug("dry run: skipping cancel_order", "chain_order_id", a.OldChainOrderID)
		return
	}

	_, err := c.pipeline.GetWithExecution(func(_ failsafe.Execution[any]) (any, error) {
		return nil, c.gw.CancelOrder(ctx, c.cfg.Account, c.cfg.SignKey, a.OldChainOrderID)
	})
	if err != nil {
		// order_not_found during a correction: the order filled between
		// detection and the cancel call. Dropped silently (spec §7).
		c.log().Warn("cancel_order failed, dropping", "chain_order_id", a.OldChainOrderID, "error", err)
		return
	}
	c.sync.ApplyCancelOrderAck(chainsync.CancelOrderAck{ChainOrderID: a.OldChainOrderID})
}

func (c *Coordinator) dispatchResize(ctx context.Context, a core.PlanAction) {
	if a.OldChainOrderID == "" {
		return
	}
	if c.cfg.DryRun {
		c.log().Debug("dry run: skipping update_order", "chain_order_id", a.OldChainOrderID)
		return
	}

	slot := c.store.ByChainOrderID(a.OldChainOrderID)
	minToReceive := decimal.Zero
	if slot != nil && slot.Price.IsPositive() {
		if slot.Role == core.RoleBuy {
			minToReceive = a.Size.Div(slot.Price)
		} else {
			minToReceive = a.Size.Mul(slot.Price)
		}
	}

	_, err := c.pipeline.GetWithExecution(func(_ failsafe.Execution[any]) (any, error) {
		ok, err := c.gw.UpdateOrder(ctx, c.cfg.Account, c.cfg.SignKey, a.OldChainOrderID, a.Size, minToReceive)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.ErrChainRPC, "coordinator: update_order", err)
		}
		return ok, nil
	})
	if err != nil {
		// order_not_found during a correction: drop silently (spec §7).
		c.log().Warn("update_order failed, dropping correction", "chain_order_id", a.OldChainOrderID, "error", err)
	}
	// The in-memory slot already holds the target size (a resize action
	// carries the slot's current store size), so a successful
	// update_order (or a null_if_no_change "ok=false") requires no
	// further local mutation.
}

func (c *Coordinator) createFeeRaw() int64 {
	if c.fees == nil {
		return 0
	}
	return c.fees.Schedule().CreateLimitOrder
}
