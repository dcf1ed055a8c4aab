package coordinator

import (
	"context"
	"time"

	"github.com/dbos-inc/dbos-transact-golang/dbos"

	"gridmm/internal/chainsync"
	"gridmm/internal/core"
)

// DurableCoordinator is a DBOS-backed variant of Coordinator: each
// gateway-facing plan action runs as a durable workflow step, so a
// crash mid-dispatch resumes from the last completed step on restart
// instead of re-issuing (or silently dropping) in-flight chain calls.
// It reuses Coordinator for everything except the dispatch step, which
// is the only part spec §4.I step 4 requires to survive a crash.
type DurableCoordinator struct {
	*Coordinator
	dbosCtx dbos.DBOSContext
}

// NewDurable wraps an existing Coordinator with a DBOS context. Build
// the Coordinator with New as usual; NewDurable only replaces how
// dispatchPlan executes gateway calls.
func NewDurable(dbosCtx dbos.DBOSContext, c *Coordinator) *DurableCoordinator {
	return &DurableCoordinator{Coordinator: c, dbosCtx: dbosCtx}
}

// Launch starts the DBOS runtime; call once before RunDurable.
func (d *DurableCoordinator) Launch() error {
	return d.dbosCtx.Launch()
}

// RunDurable mirrors Coordinator.Run, but routes step 4 through
// dispatchPlanDurable so each gateway call is a durable workflow step.
func (d *DurableCoordinator) RunDurable(ctx context.Context) error {
	fills, err := d.gw.SubscribeFills(ctx, d.cfg.Account)
	if err != nil {
		return err
	}

	ticker := time.NewTicker(d.cfg.ReconcileInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return d.shutdown(context.Background())
		case <-d.stopCh:
			return d.shutdown(context.Background())
		case f, ok := <-fills:
			if !ok {
				fills = nil
				continue
			}
			d.fillsMu.Lock()
			d.fillsBuf = append(d.fillsBuf, f)
			d.fillsMu.Unlock()
		case <-ticker.C:
			if err := d.reconcileOnce(ctx, d.dispatchPlanDurable); err != nil {
				d.log().Error("durable reconcile cycle failed", "error", err)
			}
		}
	}
}

// Shutdown stops the DBOS runtime, waiting up to the configured
// shutdown grace period.
func (d *DurableCoordinator) Shutdown() {
	d.dbosCtx.Shutdown(d.cfg.ShutdownGrace)
}

// dispatchPlanDurable replaces Coordinator.dispatchPlan: every
// gateway-facing action becomes a durable workflow invocation.
// ActionStateUpdate is still applied locally and immediately, as it
// never calls the gateway.
func (d *DurableCoordinator) dispatchPlanDurable(ctx context.Context, plan core.Plan) {
	for _, action := range plan.Actions {
		if action.Type == core.ActionStateUpdate {
			d.applyStateUpdate(action)
			continue
		}
		if _, err := d.dbosCtx.RunWorkflow(d.dbosCtx, d.dispatchActionWorkflow, action); err != nil {
			d.log().Error("failed to start durable dispatch workflow", "slot_id", action.SlotID, "error", err)
		}
	}
}

// dispatchActionWorkflow is the durable workflow for one plan action:
// the gateway call and the resulting local ack are each their own
// step, so a restart after the gateway call succeeded but before the
// ack was folded in resumes at the ack step rather than re-submitting
// the chain call.
func (d *DurableCoordinator) dispatchActionWorkflow(wfCtx dbos.DBOSContext, input any) (any, error) {
	action := input.(core.PlanAction)

	ackRaw, err := wfCtx.RunAsStep(wfCtx, func(stepCtx context.Context) (any, error) {
		return d.dispatchActionStep(stepCtx, action), nil
	})
	if err != nil {
		return nil, err
	}

	ack, _ := ackRaw.(dispatchAck)
	_, err = wfCtx.RunAsStep(wfCtx, func(context.Context) (any, error) {
		d.applyAck(action, ack)
		return nil, nil
	})
	return nil, err
}

// dispatchAck is the durable-step boundary between "gateway call
// happened" and "local state reflects it".
type dispatchAck struct {
	chainOrderID string
	ok           bool
	failed       bool
}

func (d *DurableCoordinator) dispatchActionStep(ctx context.Context, a core.PlanAction) dispatchAck {
	switch a.Type {
	case core.ActionPlace:
		return d.placeStep(ctx, a)
	case core.ActionCancel:
		return d.cancelStep(ctx, a.OldChainOrderID)
	case core.ActionRotate:
		cancelAck := d.cancelStep(ctx, a.OldChainOrderID)
		placeAck := d.placeStep(ctx, a)
		return dispatchAck{chainOrderID: placeAck.chainOrderID, ok: cancelAck.ok && placeAck.ok, failed: cancelAck.failed || placeAck.failed}
	case core.ActionResize:
		return d.resizeStep(ctx, a)
	}
	return dispatchAck{}
}

func (d *DurableCoordinator) placeStep(ctx context.Context, a core.PlanAction) dispatchAck {
	if a.Request == nil || d.cfg.DryRun {
		return dispatchAck{}
	}
	id, err := d.gw.CreateOrder(ctx, d.cfg.Account, d.cfg.SignKey, *a.Request)
	if err != nil {
		d.log().Error("durable create_order failed", "slot_id", a.SlotID, "error", err)
		return dispatchAck{failed: true}
	}
	return dispatchAck{chainOrderID: id, ok: true}
}

func (d *DurableCoordinator) cancelStep(ctx context.Context, chainOrderID string) dispatchAck {
	if chainOrderID == "" || d.cfg.DryRun {
		return dispatchAck{}
	}
	if err := d.gw.CancelOrder(ctx, d.cfg.Account, d.cfg.SignKey, chainOrderID); err != nil {
		d.log().Warn("durable cancel_order failed, dropping", "chain_order_id", chainOrderID, "error", err)
		return dispatchAck{failed: true}
	}
	return dispatchAck{chainOrderID: chainOrderID, ok: true}
}

func (d *DurableCoordinator) resizeStep(ctx context.Context, a core.PlanAction) dispatchAck {
	if a.OldChainOrderID == "" || d.cfg.DryRun {
		return dispatchAck{}
	}
	slot := d.store.ByChainOrderID(a.OldChainOrderID)
	minToReceive := a.Size
	if slot != nil && slot.Price.IsPositive() && slot.Role == core.RoleSell {
		minToReceive = a.Size.Mul(slot.Price)
	} else if slot != nil && slot.Price.IsPositive() {
		minToReceive = a.Size.Div(slot.Price)
	}
	ok, err := d.gw.UpdateOrder(ctx, d.cfg.Account, d.cfg.SignKey, a.OldChainOrderID, a.Size, minToReceive)
	if err != nil {
		d.log().Warn("durable update_order failed, dropping correction", "chain_order_id", a.OldChainOrderID, "error", err)
		return dispatchAck{failed: true}
	}
	return dispatchAck{chainOrderID: a.OldChainOrderID, ok: ok}
}

func (d *DurableCoordinator) applyAck(a core.PlanAction, ack dispatchAck) {
	if ack.failed || !ack.ok {
		return
	}
	switch a.Type {
	case core.ActionPlace, core.ActionRotate:
		d.sync.ApplyCreateOrderAck(chainsync.CreateOrderAck{SlotID: a.SlotID, ChainOrderID: ack.chainOrderID, Fee: d.createFeeRaw()})
		if a.Type == core.ActionRotate {
			d.sync.ApplyCancelOrderAck(chainsync.CancelOrderAck{ChainOrderID: a.OldChainOrderID})
		}
	case core.ActionCancel:
		d.sync.ApplyCancelOrderAck(chainsync.CancelOrderAck{ChainOrderID: ack.chainOrderID})
	case core.ActionResize:
		// the resize carried the slot's current in-memory size.
	}
}
