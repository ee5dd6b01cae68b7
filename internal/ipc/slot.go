// Package ipc implements component I, the Shared IPC slot: the one piece of
// state the supervisor and a hedge engine share. It is deliberately not a
// shared mutable dictionary guarded by a generation flag (the pattern the
// reference system uses) — that pattern is replaced here with a
// single-writer/single-reader "latest value" slot: the supervisor calls
// Write after every aggregator refresh, the engine calls Read on every tick.
// There is exactly one Slot per engine; engines never see each other's.
package ipc

import (
	"sync"
	"time"

	"hedged/pkg/model"
)

// Slot holds the most recently published CombinedSnapshot for one engine.
// Write is called only by the supervisor; Read only by the owning engine.
type Slot struct {
	mu       sync.RWMutex
	snapshot model.CombinedSnapshot
	hasValue bool
}

// NewSlot builds an empty slot. The first Read before any Write reports
// hasValue=false — callers that must refuse to start on an empty first
// snapshot check ok themselves.
func NewSlot() *Slot {
	return &Slot{}
}

// Write atomically replaces the slot's snapshot. The previous value is
// discarded — this is latest-value semantics, not a queue.
func (s *Slot) Write(snapshot model.CombinedSnapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshot = snapshot
	s.hasValue = true
}

// Read returns the current snapshot and whether one has ever been written.
func (s *Slot) Read() (model.CombinedSnapshot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshot, s.hasValue
}

// ReadFresh returns the current snapshot, whether one exists, and whether
// it is older than maxAge (default 31 minutes). A stale snapshot is still
// returned — callers degrade gracefully (warn, continue) rather than
// refusing to trade on stale risk data in steady state.
func (s *Slot) ReadFresh(maxAge time.Duration) (snapshot model.CombinedSnapshot, ok bool, stale bool) {
	snapshot, ok = s.Read()
	if !ok {
		return snapshot, false, true
	}
	return snapshot, true, snapshot.IsStale(maxAge)
}
