// Package accountant recomputes fund aggregates from order state,
// verifies the spec's fund invariants, and provides an atomic
// check-and-deduct primitive for the optimistic free balance (spec
// §4.D).
package accountant

import (
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"gridmm/internal/core"
	"gridmm/internal/feecache"
	"gridmm/internal/gridstore"
	"gridmm/internal/precision"
)

// ErrInsufficientFunds is returned by TryDeduct when chain_free is
// below the requested amount. This is the only accountant failure
// surfaced to callers (spec §4.D); it aborts the in-flight transition.
type ErrInsufficientFunds struct {
	Side   core.Side
	Amount decimal.Decimal
	Free   decimal.Decimal
	Reason string
}

func (e *ErrInsufficientFunds) Error() string {
	return fmt.Sprintf("accountant: insufficient funds on %s: want %s have %s (%s)", e.Side, e.Amount, e.Free, e.Reason)
}

// MetricsSink receives invariant-violation counts and per-side
// available-funds observations.
// Violations are warnings, not fatal (spec §4.D failure semantics);
// the sink lets the coordinator alert on a rising count without the
// accountant itself ever failing a cycle because of one.
type MetricsSink interface {
	IncInvariantViolation(name string)
	ObserveAvailable(side core.Side, v float64)
}

type noopSink struct{}

func (noopSink) IncInvariantViolation(string)          {}
func (noopSink) ObserveAvailable(core.Side, float64) {}

// Config holds the per-side asset precision and chain fee-asset wiring
// the accountant needs to compute tolerances and reservations.
type Config struct {
	PrecisionBuy  int // quote-asset precision (buy side denomination)
	PrecisionSell int // base-asset precision (sell side denomination)

	// FeeAssetSide, if non-nil, names which side holds the chain's
	// native fee asset; BtsFeesOwed is settled from that side only.
	FeeAssetSide *core.Side

	// FeesReservation is the standing reservation subtracted from
	// available on the fee-asset side (spec §4.D step 6).
	FeesReservation decimal.Decimal
}

// Accountant is a stateless service over a Store: it takes an explicit
// reference to the store on construction and is invoked by the
// coordinator/strategy after any state change (spec §9: no manager/engine
// cycles).
type Accountant struct {
	mu     sync.Mutex
	cfg    Config
	funds  core.FundsSnapshot
	store  *gridstore.Store
	fees   *feecache.Cache
	metric MetricsSink
}

// New builds an Accountant wired to store and optionally a fee cache
// (nil is fine if the pair does not include the fee asset). metrics may
// be nil, in which case violations are silently counted nowhere but
// still logged by the caller via RecalculateFunds's returned warnings.
func New(store *gridstore.Store, cfg Config, fees *feecache.Cache, metrics MetricsSink) *Accountant {
	if metrics == nil {
		metrics = noopSink{}
	}
	return &Accountant{cfg: cfg, store: store, fees: fees, metric: metrics}
}

// ResetFunds zeroes the snapshot, per spec §4.D resetFunds.
func (a *Accountant) ResetFunds() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.funds.Reset()
}

// Snapshot returns a copy of the current funds snapshot.
func (a *Accountant) Snapshot() core.FundsSnapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.funds
}

// SetChainFree seeds the authoritative chain_free totals the gateway
// reported; RecalculateFunds reads these rather than trusting a
// gateway-reported grand total directly (spec step 3-4).
func (a *Accountant) SetChainFree(buy, sell decimal.Decimal) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.funds.ChainFree = core.SideFunds{Buy: buy, Sell: sell}
}

// Violation describes one invariant check that failed tolerance.
type Violation struct {
	Name string
	Side core.Side
	Want string
}

// RecalculateFunds is the master recomputation (spec §4.D steps 1-7).
// It is meant to be wired as the gridstore.RecalcFunc callback so it
// runs after every unpaused UpdateOrder, and once on pause/resume exit.
// Returns any invariant violations found (never an error: violations
// are warnings per spec, not fatal).
func (a *Accountant) RecalculateFunds() []Violation {
	a.mu.Lock()
	defer a.mu.Unlock()

	committedGrid := core.SideFunds{}
	committedChain := core.SideFunds{}
	virtual := core.SideFunds{}

	for _, slot := range a.store.All() {
		switch slot.State {
		case core.StateActive, core.StatePartial:
			committedGrid = addSide(committedGrid, slot.Side(), slot.Size)
			if slot.ChainOrderID != "" {
				committedChain = addSide(committedChain, slot.Side(), slot.Size)
			}
		case core.StateVirtual:
			if slot.Role != core.RoleSpread {
				virtual = addSide(virtual, slot.Side(), slot.Size)
			}
		}
	}

	a.funds.CommittedGrid = committedGrid
	a.funds.CommittedChain = committedChain
	a.funds.Virtual = virtual

	totalChain := core.SideFunds{
		Buy:  a.funds.ChainFree.Buy.Add(committedChain.Buy),
		Sell: a.funds.ChainFree.Sell.Add(committedChain.Sell),
	}
	a.funds.TotalChain = totalChain
	a.funds.TotalGrid = core.SideFunds{
		Buy:  committedGrid.Buy.Add(virtual.Buy),
		Sell: committedGrid.Sell.Add(virtual.Sell),
	}

	a.funds.Available = core.SideFunds{
		Buy:  a.availableFor(core.SideBuy),
		Sell: a.availableFor(core.SideSell),
	}

	a.metric.ObserveAvailable(core.SideBuy, toFloat(a.funds.Available.Buy))
	a.metric.ObserveAvailable(core.SideSell, toFloat(a.funds.Available.Sell))

	return a.checkInvariants()
}

func (a *Accountant) availableFor(side core.Side) decimal.Decimal {
	free := a.funds.ChainFree.Get(side)
	v := a.funds.Virtual.Get(side)
	feesOwed := decimal.Zero
	reservation := decimal.Zero
	if a.cfg.FeeAssetSide != nil && *a.cfg.FeeAssetSide == side {
		feesOwed = a.funds.BtsFeesOwed
		reservation = a.cfg.FeesReservation
	}
	avail := free.Sub(v).Sub(feesOwed).Sub(reservation)
	if avail.IsNegative() {
		return decimal.Zero
	}
	return avail
}

func (a *Accountant) checkInvariants() []Violation {
	var violations []Violation
	for _, side := range []core.Side{core.SideBuy, core.SideSell} {
		precSide := a.cfg.PrecisionBuy
		if side == core.SideSell {
			precSide = a.cfg.PrecisionSell
		}
		total := a.funds.TotalChain.Get(side)
		tol := tolerance(total, precSide)

		// Invariant 1: total.chain = chain_free + committed.chain
		want := a.funds.ChainFree.Get(side).Add(a.funds.CommittedChain.Get(side))
		if diffAbs(total, want).GreaterThan(tol) {
			a.metric.IncInvariantViolation("chain_totality")
			violations = append(violations, Violation{Name: "chain_totality", Side: side})
		}

		// Invariant 2: available <= chain_free + tolerance
		if a.funds.Available.Get(side).GreaterThan(a.funds.ChainFree.Get(side).Add(tol)) {
			a.metric.IncInvariantViolation("available_ceiling")
			violations = append(violations, Violation{Name: "available_ceiling", Side: side})
		}

		// Invariant 3: committed.grid <= total.chain + tolerance
		if a.funds.CommittedGrid.Get(side).GreaterThan(total.Add(tol)) {
			a.metric.IncInvariantViolation("grid_ceiling")
			violations = append(violations, Violation{Name: "grid_ceiling", Side: side})
		}
	}
	return violations
}

func tolerance(total decimal.Decimal, prec int) decimal.Decimal {
	abs := decimal.New(2, int32(-prec))
	pct := total.Abs().Mul(decimal.NewFromFloat(0.001))
	if abs.GreaterThan(pct) {
		return abs
	}
	return pct
}

func diffAbs(a, b decimal.Decimal) decimal.Decimal {
	return a.Sub(b).Abs()
}

func addSide(f core.SideFunds, side core.Side, v decimal.Decimal) core.SideFunds {
	return f.Set(side, f.Get(side).Add(v))
}

func toFloat(d decimal.Decimal) float64 {
	f, _ := d.Float64()
	return f
}

// TryDeduct atomically reads chain_free.side and, if >= amount, assigns
// max(0, current-amount); otherwise it fails without mutating state.
// Every state transition that locks capital must route through this
// (spec §5 "eliminates the TOCTOU").
func (a *Accountant) TryDeduct(side core.Side, amount decimal.Decimal, reason string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	cur := a.funds.ChainFree.Get(side)
	if cur.LessThan(amount) {
		return &ErrInsufficientFunds{Side: side, Amount: amount, Free: cur, Reason: reason}
	}
	next := cur.Sub(amount)
	if next.IsNegative() {
		next = decimal.Zero
	}
	a.funds.ChainFree = a.funds.ChainFree.Set(side, next)
	return nil
}

// AddToChainFree releases capital back to chain_free without a
// capacity check (spec: releases are always the non-checking variant).
func (a *Accountant) AddToChainFree(side core.Side, amount decimal.Decimal) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.funds.ChainFree = a.funds.ChainFree.Set(side, a.funds.ChainFree.Get(side).Add(amount))
}

// UpdateOptimisticFreeBalance applies the three-branch transition table
// from spec §4.D on every slot state transition. feeAmount is only
// applied when the new state newly locks capital AND side holds the
// fee asset (per spec: "if Fee asset's side and fee>0, additionally
// try_deduct(fee)").
func (a *Accountant) UpdateOptimisticFreeBalance(side core.Side, oldState, newState core.State, oldSize, newSize decimal.Decimal, feeAmount decimal.Decimal) error {
	oldLocked := oldState == core.StateActive || oldState == core.StatePartial
	newLocked := newState == core.StateActive || newState == core.StatePartial

	switch {
	case !oldLocked && newLocked:
		if err := a.TryDeduct(side, newSize, "state_transition_lock"); err != nil {
			return err
		}
		if feeAmount.IsPositive() && a.cfg.FeeAssetSide != nil && *a.cfg.FeeAssetSide == side {
			if err := a.TryDeduct(side, feeAmount, "creation_fee"); err != nil {
				// Roll back the size deduction: the transition as a whole aborts.
				a.AddToChainFree(side, newSize)
				return err
			}
		}
		return nil

	case oldLocked && !newLocked:
		a.AddToChainFree(side, oldSize)
		return nil

	case oldLocked && newLocked:
		delta := newSize.Sub(oldSize)
		if delta.IsPositive() {
			return a.TryDeduct(side, delta, "size_increase")
		}
		if delta.IsNegative() {
			a.AddToChainFree(side, delta.Neg())
		}
		return nil

	default:
		// virtual -> virtual: no capital movement.
		return nil
	}
}

// DeductBtsFees settles the accumulated BtsFeesOwed scalar, consuming
// from cache_funds first and then atomically from chain_free, on the
// side that holds the fee asset (spec §4.D deductBtsFees).
func (a *Accountant) DeductBtsFees() error {
	a.mu.Lock()
	side := a.cfg.FeeAssetSide
	owed := a.funds.BtsFeesOwed
	a.mu.Unlock()

	if side == nil || owed.IsZero() || owed.IsNegative() {
		return nil
	}

	a.mu.Lock()
	cache := a.funds.CacheFunds.Get(*side)
	fromCache := decimal.Min(cache, owed)
	a.funds.CacheFunds = a.funds.CacheFunds.Set(*side, cache.Sub(fromCache))
	remaining := owed.Sub(fromCache)
	a.mu.Unlock()

	if remaining.IsPositive() {
		if err := a.TryDeduct(*side, remaining, "bts_fees_owed"); err != nil {
			// Restore the cache_funds portion we tentatively earmarked.
			a.mu.Lock()
			a.funds.CacheFunds = a.funds.CacheFunds.Set(*side, a.funds.CacheFunds.Get(*side).Add(fromCache))
			a.mu.Unlock()
			return err
		}
	}

	a.mu.Lock()
	a.funds.BtsFeesOwed = decimal.Zero
	a.mu.Unlock()
	return nil
}

// AccrueBtsFees adds to the fee debt (called by the strategy engine
// after full fills / rotations, per spec §4.F.5). amount is an integer
// count in the fee asset's smallest unit at the given precision.
func (a *Accountant) AccrueBtsFees(amount int64, prec int) {
	if amount == 0 {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.funds.BtsFeesOwed = a.funds.BtsFeesOwed.Add(precision.ToFloat(amount, prec))
}

// CacheFunds returns the current (buy, sell) surplus counters.
func (a *Accountant) CacheFunds() core.SideFunds {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.funds.CacheFunds
}

// SetCacheFunds overwrites the surplus counters, used by persistence on
// load (spec §4.H: load_grid must not clobber cache_funds loaded
// earlier).
func (a *Accountant) SetCacheFunds(v core.SideFunds) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.funds.CacheFunds = v
}

// AddCacheFunds credits surplus to a side (fills/rotations residual).
func (a *Accountant) AddCacheFunds(side core.Side, amount decimal.Decimal) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.funds.CacheFunds = a.funds.CacheFunds.Set(side, a.funds.CacheFunds.Get(side).Add(amount))
}

// SetCacheFundsSide overwrites one side's cache_funds, used by the
// strategy's residual-allocation step (spec §4.F.4 step 7).
func (a *Accountant) SetCacheFundsSide(side core.Side, amount decimal.Decimal) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.funds.CacheFunds = a.funds.CacheFunds.Set(side, amount)
}

// BtsFeesOwed returns the current fee-debt scalar.
func (a *Accountant) BtsFeesOwed() decimal.Decimal {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.funds.BtsFeesOwed
}

// SetBtsFeesOwed overwrites the fee-debt scalar (persistence restore).
func (a *Accountant) SetBtsFeesOwed(v decimal.Decimal) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.funds.BtsFeesOwed = v
}
