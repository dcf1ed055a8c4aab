// Package coordinator drives the event loop described in spec §4.I: it
// owns the single-writer cycle that ingests fills and chain snapshots,
// asks the strategy engine for a plan, dispatches that plan to a
// ChainGateway with bounded concurrency, folds the resulting acks back
// into the sync engine, runs the grid-divergence check, and persists.
package coordinator

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/circuitbreaker"
	"github.com/failsafe-go/failsafe-go/retrypolicy"

	"gridmm/internal/accountant"
	"gridmm/internal/chainsync"
	"gridmm/internal/core"
	"gridmm/internal/feecache"
	"gridmm/internal/gridstore"
	"gridmm/internal/persistence"
	"gridmm/internal/strategy"
	"gridmm/pkg/apperrors"
	"gridmm/pkg/concurrency"
	"gridmm/pkg/telemetry"
)

// Config carries the timing and concurrency knobs from spec §5/§6.
type Config struct {
	BotID  string
	Account string
	SignKey string
	DryRun  bool

	ReconcileInterval    time.Duration
	AccountTotalsTimeout time.Duration // per chain RPC call (ACCOUNT_TOTALS_TIMEOUT_MS)
	SyncDelay            time.Duration // inter-correction pacing sleep (SYNC_DELAY_MS)
	LockTimeout          time.Duration
	ShutdownGrace        time.Duration
	CancelOnExit         bool

	DispatchPoolSize      int
	DispatchRatePerSecond float64
	DispatchRateBurst     int
}

// DefaultConfig fills in the spec's named defaults.
func DefaultConfig() Config {
	return Config{
		ReconcileInterval:    5 * time.Second,
		AccountTotalsTimeout: 10 * time.Second,
		SyncDelay:            500 * time.Millisecond,
		LockTimeout:          30 * time.Second,
		ShutdownGrace:        30 * time.Second,
		CancelOnExit:         true,

		DispatchPoolSize:      10,
		DispatchRatePerSecond: 5,
		DispatchRateBurst:     5,
	}
}

// Coordinator wires the seven components together and runs the
// reconciliation cycle.
type Coordinator struct {
	cfg Config

	store  *gridstore.Store
	acct   *accountant.Accountant
	sync   *chainsync.Engine
	strat  *strategy.Engine
	fees   *feecache.Cache
	gw     core.ChainGateway
	oracle core.PriceOracle
	persist core.PersistenceStore
	logger  core.ILogger
	metrics *telemetry.MetricsHolder

	dispatchPool *concurrency.WorkerPool
	limiter      *rate.Limiter
	pipeline     failsafe.Executor[any]

	// correctionsLock serializes the divergence-correction dispatch
	// (spec §5 ordering guarantee (b)); the "anything flagged?" check
	// happens inside the lock to close the TOCTOU race.
	correctionsLock sync.Mutex
	// persistenceLock serializes grid snapshots (ordering guarantee (c)).
	persistenceLock sync.Mutex

	fillsMu  sync.Mutex
	fillsBuf []core.FillEvent

	stopOnce sync.Once
	stopCh   chan struct{}
}

// Dependencies groups the already-constructed component engines a
// Coordinator is built from; every one of them is a stateless service
// over the shared gridstore.Store (spec §9).
type Dependencies struct {
	Store   *gridstore.Store
	Acct    *accountant.Accountant
	Sync    *chainsync.Engine
	Strat   *strategy.Engine
	Fees    *feecache.Cache
	Gateway core.ChainGateway
	Oracle  core.PriceOracle
	Persist core.PersistenceStore
	Logger  core.ILogger
	Metrics *telemetry.MetricsHolder
}

// New builds a Coordinator. Metrics may be nil, in which case plan-size
// and sync-duration observations are silently dropped.
func New(cfg Config, deps Dependencies) *Coordinator {
	logger := deps.Logger
	if logger != nil {
		logger = logger.WithField("component", "coordinator").WithField("bot_id", cfg.BotID)
	}

	retryPolicy := retrypolicy.NewBuilder[any]().
		HandleIf(func(_ any, err error) bool { return apperrors.Transient(err) }).
		WithBackoff(100*time.Millisecond, 2*time.Second).
		WithMaxRetries(3).
		Build()

	breaker := circuitbreaker.NewBuilder[any]().
		HandleIf(func(_ any, err error) bool { return apperrors.Transient(err) }).
		WithFailureThresholdRatio(5, 10).
		WithDelay(10 * time.Second).
		Build()

	poolSize := cfg.DispatchPoolSize
	if poolSize <= 0 {
		poolSize = 10
	}
	burst := cfg.DispatchRateBurst
	if burst <= 0 {
		burst = 1
	}
	limit := rate.Limit(cfg.DispatchRatePerSecond)
	if cfg.DispatchRatePerSecond <= 0 {
		limit = rate.Inf
	}

	return &Coordinator{
		cfg:          cfg,
		store:        deps.Store,
		acct:         deps.Acct,
		sync:         deps.Sync,
		strat:        deps.Strat,
		fees:         deps.Fees,
		gw:           deps.Gateway,
		oracle:       deps.Oracle,
		persist:      deps.Persist,
		logger:       logger,
		metrics:      deps.Metrics,
		dispatchPool: concurrency.NewWorkerPool(concurrency.PoolConfig{Name: "gateway-dispatch", MaxWorkers: poolSize, MaxCapacity: poolSize * 4}, orNoopLogger(logger)),
		limiter:      rate.NewLimiter(limit, burst),
		pipeline:     failsafe.With[any](retryPolicy, breaker),
		stopCh:       make(chan struct{}),
	}
}

func orNoopLogger(l core.ILogger) core.ILogger {
	if l != nil {
		return l
	}
	return noopLogger{}
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...interface{})                 {}
func (noopLogger) Info(string, ...interface{})                  {}
func (noopLogger) Warn(string, ...interface{})                  {}
func (noopLogger) Error(string, ...interface{})                 {}
func (noopLogger) Fatal(string, ...interface{})                 {}
func (noopLogger) WithField(string, interface{}) core.ILogger   { return noopLogger{} }
func (noopLogger) WithFields(map[string]interface{}) core.ILogger { return noopLogger{} }

func (c *Coordinator) log() core.ILogger {
	return orNoopLogger(c.logger)
}

var sides = []core.Side{core.SideBuy, core.SideSell}

// Restore loads a persisted snapshot (if any) and seeds the store,
// accountant cache funds, and strategy boundary from it. Call once at
// startup before Run; a fresh ladder is built afterwards only if the
// store is still empty.
func (c *Coordinator) Restore(ctx context.Context) error {
	snap, err := c.persist.Load(ctx, c.cfg.BotID)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrPersistFailure, "coordinator: restore", err)
	}
	if snap == nil {
		return nil
	}

	restored := make([]*core.Slot, 0, len(snap.Slots))
	for _, ps := range snap.Slots {
		slot := persistence.SlotFromPersisted(ps)
		c.store.UpdateOrder(slot)
		restored = append(restored, slot)
	}
	c.acct.SetCacheFunds(snap.CacheFunds)
	c.acct.SetBtsFeesOwed(snap.BtsFeesOwed)
	c.strat.SetBoundaryIdx(snap.BoundaryIdx)
	c.strat.NotePersistedLadder(restored)
	c.log().Info("restored persisted grid", "slots", len(restored), "boundary_idx", snap.BoundaryIdx)
	return nil
}

// Run drives the reconciliation cycle on cfg.ReconcileInterval until ctx
// is cancelled or Stop is called. Fill events are drained continuously
// from the gateway's subscription into a pending batch consumed by the
// next cycle (spec §4.I step 1).
func (c *Coordinator) Run(ctx context.Context) error {
	fills, err := c.gw.SubscribeFills(ctx, c.cfg.Account)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrChainRPC, "coordinator: subscribe fills", err)
	}

	ticker := time.NewTicker(c.cfg.ReconcileInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return c.shutdown(context.Background())
		case <-c.stopCh:
			return c.shutdown(context.Background())
		case f, ok := <-fills:
			if !ok {
				fills = nil
				continue
			}
			c.fillsMu.Lock()
			c.fillsBuf = append(c.fillsBuf, f)
			c.fillsMu.Unlock()
		case <-ticker.C:
			if err := c.reconcileOnce(ctx, c.dispatchPlan); err != nil {
				c.log().Error("reconcile cycle failed", "error", err)
			}
		}
	}
}

// Stop requests a clean shutdown (spec §6 exit semantics): the current
// cycle finishes, the grid is persisted, and locks are released.
func (c *Coordinator) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
}

func (c *Coordinator) shutdown(ctx context.Context) error {
	c.log().Info("shutting down, persisting final snapshot")
	if c.cfg.CancelOnExit {
		c.cancelAllOnChain(ctx)
	}
	ctx, cancel := context.WithTimeout(ctx, c.cfg.ShutdownGrace)
	defer cancel()
	if err := c.persistSnapshot(ctx); err != nil {
		c.log().Error("final persist failed", "error", err)
		return err
	}
	c.dispatchPool.Stop()
	return nil
}

func (c *Coordinator) cancelAllOnChain(ctx context.Context) {
	for _, slot := range c.store.All() {
		if !slot.IsOnChain() {
			continue
		}
		if err := c.gw.CancelOrder(ctx, c.cfg.Account, c.cfg.SignKey, slot.ChainOrderID); err != nil {
			c.log().Warn("cancel-on-exit failed", "slot_id", slot.SlotID, "error", err)
			continue
		}
		c.sync.ApplyCancelOrderAck(chainsync.CancelOrderAck{ChainOrderID: slot.ChainOrderID})
	}
}

// reconcileOnce runs the seven-step cycle from spec §4.I. dispatch is a
// seam so the DBOS-backed variant can route step 4 through durable
// workflow steps instead of Coordinator's own worker-pool dispatch.
func (c *Coordinator) reconcileOnce(ctx context.Context, dispatch func(context.Context, core.Plan)) error {
	start := time.Now()

	// Step 1: ingest events; collect fills into a batch.
	c.fillsMu.Lock()
	batch := c.fillsBuf
	c.fillsBuf = nil
	c.fillsMu.Unlock()

	// Step 2: synchronize against the periodic chain snapshot, then
	// merge incremental fills.
	snapCtx, cancel := context.WithTimeout(ctx, c.cfg.AccountTotalsTimeout)
	chainOrders, err := c.gw.GetOpenOrders(snapCtx, c.cfg.Account)
	cancel()
	if err != nil {
		c.log().Warn("snapshot fetch failed, proceeding on incremental fills only", "error", err)
	} else {
		c.sync.SyncFromOpenOrders(ctx, chainOrders)
	}

	var outcomes []core.FillOutcome
	excluded := map[string]bool{}
	for _, f := range batch {
		outcome, ok := c.sync.SyncFromFillHistory(f)
		if !ok {
			continue
		}
		outcomes = append(outcomes, outcome)
		excluded[outcome.SlotID] = true
	}

	// Step 3: build a plan from the batch of fill outcomes.
	plan := c.strat.ProcessFilledOrders(outcomes, excluded)
	c.recordPlanSize(len(plan.Actions))

	// Step 4 + 5: dispatch the plan with bounded concurrency, fold acks
	// back into the sync engine as they arrive.
	dispatch(ctx, plan)

	// Step 6: run the grid-divergence check and apply size corrections
	// if any side is flagged. process_filled_orders already folds this
	// check into the plan when a rotation occurred (see
	// strategy.ProcessFilledOrders); this pass additionally catches
	// drift that accumulates without a rotation-triggering fill, per
	// the spec's literal post-ack-sync step 6.
	c.runDivergenceCorrections(ctx)

	// Step 7: persist.
	if err := c.persistSnapshot(ctx); err != nil {
		c.log().Warn("persist failed, will retry next stable cycle", "error", err)
	}

	c.recordSyncDuration(time.Since(start))
	return nil
}
