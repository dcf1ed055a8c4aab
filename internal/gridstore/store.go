// Package gridstore is the in-memory collection of Slots indexed by
// slot id, state, and role, with per-slot cooperative locks (spec
// §4.C). It is a passive data holder: engines receive copies and
// propose updates through UpdateOrder; the store applies them
// (spec §9 "no cycles" design note).
package gridstore

import (
	"sync"
	"time"

	"gridmm/internal/core"
)

// DefaultLockTimeout is LOCK_TIMEOUT_MS from spec §4.C.
const DefaultLockTimeout = 30 * time.Second

// RecalcFunc is invoked by UpdateOrder after a mutation, unless a batch
// pause is in effect. The Accountant wires itself in here.
type RecalcFunc func()

// Store is the order store.
type Store struct {
	mu sync.RWMutex

	slots   map[string]*core.Slot
	byState map[core.State]map[string]struct{}
	byRole  map[core.Role]map[string]struct{}

	locks   map[string]time.Time
	lockTTL time.Duration

	pauseDepth int
	recalc     RecalcFunc
}

// New builds an empty Store. recalc may be nil until the accountant is
// wired in (tests often construct the store before the accountant).
func New(recalc RecalcFunc) *Store {
	return &Store{
		slots:   make(map[string]*core.Slot),
		byState: map[core.State]map[string]struct{}{core.StateVirtual: {}, core.StateActive: {}, core.StatePartial: {}},
		byRole:  map[core.Role]map[string]struct{}{core.RoleBuy: {}, core.RoleSell: {}, core.RoleSpread: {}},
		locks:   make(map[string]time.Time),
		lockTTL: DefaultLockTimeout,
		recalc:  recalc,
	}
}

// SetRecalc wires (or replaces) the accountant callback.
func (s *Store) SetRecalc(fn RecalcFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recalc = fn
}

// UpdateOrder inserts or overwrites a slot by SlotID, re-indexing by
// state and role, then invokes the recalc callback unless a batch pause
// is active.
func (s *Store) UpdateOrder(slot *core.Slot) {
	s.mu.Lock()
	s.unindexLocked(slot.SlotID)
	cp := slot.Clone()
	s.slots[cp.SlotID] = cp
	s.byState[cp.State][cp.SlotID] = struct{}{}
	s.byRole[cp.Role][cp.SlotID] = struct{}{}
	paused := s.pauseDepth > 0
	recalc := s.recalc
	s.mu.Unlock()

	if !paused && recalc != nil {
		recalc()
	}
}

func (s *Store) unindexLocked(slotID string) {
	if old, ok := s.slots[slotID]; ok {
		delete(s.byState[old.State], slotID)
		delete(s.byRole[old.Role], slotID)
	}
}

// Get returns a copy of the slot, or nil if absent.
func (s *Store) Get(slotID string) *core.Slot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	slot, ok := s.slots[slotID]
	if !ok {
		return nil
	}
	return slot.Clone()
}

// All returns copies of every slot, unordered.
func (s *Store) All() []*core.Slot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*core.Slot, 0, len(s.slots))
	for _, slot := range s.slots {
		out = append(out, slot.Clone())
	}
	return out
}

// ByState returns copies of every slot in the given state.
func (s *Store) ByState(state core.State) []*core.Slot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.byState[state]
	out := make([]*core.Slot, 0, len(ids))
	for id := range ids {
		out = append(out, s.slots[id].Clone())
	}
	return out
}

// ByRole returns copies of every slot with the given role.
func (s *Store) ByRole(role core.Role) []*core.Slot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.byRole[role]
	out := make([]*core.Slot, 0, len(ids))
	for id := range ids {
		out = append(out, s.slots[id].Clone())
	}
	return out
}

// ByChainOrderID finds the (at most one, invariant 5) slot owning a
// chain order id.
func (s *Store) ByChainOrderID(chainOrderID string) *core.Slot {
	if chainOrderID == "" {
		return nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, slot := range s.slots {
		if slot.ChainOrderID == chainOrderID {
			return slot.Clone()
		}
	}
	return nil
}

// Len returns the number of slots in the ladder.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.slots)
}

// PauseFundsRecalc increments the reference-counted pause depth;
// UpdateOrder will not invoke recalc while depth > 0.
func (s *Store) PauseFundsRecalc() {
	s.mu.Lock()
	s.pauseDepth++
	s.mu.Unlock()
}

// ResumeFundsRecalc decrements the pause depth and, if it reaches zero,
// invokes recalc exactly once.
func (s *Store) ResumeFundsRecalc() {
	s.mu.Lock()
	if s.pauseDepth > 0 {
		s.pauseDepth--
	}
	fire := s.pauseDepth == 0
	recalc := s.recalc
	s.mu.Unlock()

	if fire && recalc != nil {
		recalc()
	}
}

// Lock acquires (or refreshes) cooperative locks on the given slot ids.
// Locking is best-effort: callers MUST check IsLocked before mutating a
// slot that may race with another engine (spec §4.C).
func (s *Store) Lock(ids []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	for _, id := range ids {
		s.locks[id] = now
	}
}

// Unlock releases locks on the given slot ids.
func (s *Store) Unlock(ids []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		delete(s.locks, id)
	}
}

// IsLocked reports whether id is currently locked and unexpired.
func (s *Store) IsLocked(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	acquired, ok := s.locks[id]
	if !ok {
		return false
	}
	return time.Since(acquired) < s.lockTTL
}

// RefreshLocks extends the timestamp on every currently-held lock still
// present in ids, used by the background refresh task during a long
// reconciliation (spec §5).
func (s *Store) RefreshLocks(ids []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	for _, id := range ids {
		if _, ok := s.locks[id]; ok {
			s.locks[id] = now
		}
	}
}
