package coordinator

import (
	"context"

	"gridmm/internal/core"
	"gridmm/internal/persistence"
	"gridmm/pkg/apperrors"
)

// persistSnapshot builds the full grid snapshot and writes it under the
// persistence lock (spec §4.I step 7, §5 ordering guarantee (c)). A
// failed write is recorded by the store as a pending-retry record; the
// next stable cycle's write attempt is what actually retries it.
func (c *Coordinator) persistSnapshot(ctx context.Context) error {
	c.persistenceLock.Lock()
	defer c.persistenceLock.Unlock()

	slots := c.store.All()
	persisted := make([]core.PersistedSlot, 0, len(slots))
	for _, s := range slots {
		persisted = append(persisted, persistence.SlotToPersisted(s))
	}

	snap := core.PersistedGrid{
		BotID:       c.cfg.BotID,
		Slots:       persisted,
		CacheFunds:  c.acct.CacheFunds(),
		BtsFeesOwed: c.acct.BtsFeesOwed(),
		BoundaryIdx: c.strat.BoundaryIdx(),
	}

	if err := c.persist.Save(ctx, snap); err != nil {
		return apperrors.Wrap(apperrors.ErrPersistFailure, "coordinator: persist", err)
	}
	c.strat.NotePersistedLadder(slots)
	c.retryPending(ctx)
	return nil
}

// retryPendingWriter is implemented by *persistence.Store; a stable
// cycle (one whose own Save just succeeded) is the natural point to
// retry anything queued from an earlier failed write.
type retryPendingWriter interface {
	RetryPending(ctx context.Context) error
}

func (c *Coordinator) retryPending(ctx context.Context) {
	rp, ok := c.persist.(retryPendingWriter)
	if !ok {
		return
	}
	if err := rp.RetryPending(ctx); err != nil {
		c.log().Warn("retry of pending snapshot writes failed", "error", err)
	}
}
