// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package graph

import (
	"sort"
	"sync"
)

// State is the lifecycle tag of a node entry.
type State int

const (
	// NeedsRebuilding marks an entry whose cached value (if any) may be
	// stale. The last-known value and dependency list are retained so
	// change pruning can verify the entry without recomputing it.
	NeedsRebuilding State = iota

	// Evaluating marks an entry with an in-flight evaluation. At most one
	// evaluation per key is in flight at a time.
	Evaluating

	// Done marks an entry with a committed, current value.
	Done

	// Errored marks an entry whose last evaluation failed.
	Errored
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case NeedsRebuilding:
		return "needs-rebuilding"
	case Evaluating:
		return "evaluating"
	case Done:
		return "done"
	case Errored:
		return "errored"
	default:
		return "unknown"
	}
}

// nodeEntry is the per-key mutable record owned exclusively by the Store.
//
// Invariant: deps reflects exactly the dependencies read during the most
// recent completed evaluation. Deps from interrupted evaluations are never
// committed.
type nodeEntry struct {
	mu sync.Mutex

	key   Key
	state State
	value Value
	err   error

	// deps is the ordered direct dependency list from the last completed
	// evaluation. rdeps is the reverse-dependency set.
	deps  []Key
	rdeps map[Key]struct{}

	// changedAt is the version at which the value last changed;
	// verifiedAt is the version at which it was last confirmed current.
	// verifiedAt >= changedAt for every Done entry.
	changedAt  int64
	verifiedAt int64
}

// Store holds every node entry, its value, its dependency and
// reverse-dependency edges, and its dirty/versioning state.
//
// Description:
//
//	The Store is the only shared mutable structure in the graph engine.
//	All mutation goes through Commit, CommitError, MarkClean and the
//	MarkDirty operations; committing a single entry is atomic and
//	serialized per key, while unrelated entries commit concurrently.
//
// Thread Safety:
//
//	Safe for concurrent use. Committed entries may be read while other
//	entries commit.
type Store struct {
	mu      sync.RWMutex
	entries map[Key]*nodeEntry
	version int64
}

// NewStore creates an empty node store at version zero.
func NewStore() *Store {
	return &Store{entries: make(map[Key]*nodeEntry)}
}

// getOrCreate returns the entry for key, creating it in NeedsRebuilding
// state if absent.
func (s *Store) getOrCreate(key Key) *nodeEntry {
	s.mu.RLock()
	e, ok := s.entries[key]
	s.mu.RUnlock()
	if ok {
		return e
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok = s.entries[key]; ok {
		return e
	}
	e = &nodeEntry{
		key:   key,
		state: NeedsRebuilding,
		rdeps: make(map[Key]struct{}),
	}
	s.entries[key] = e
	return e
}

// lookup returns the entry for key without creating it.
func (s *Store) lookup(key Key) (*nodeEntry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[key]
	return e, ok
}

// NextVersion advances and returns the graph version. The evaluator calls
// this once per build; entries committed during the build are stamped with
// the returned version.
func (s *Store) NextVersion() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.version++
	return s.version
}

// Version returns the current graph version.
func (s *Store) Version() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

// Len returns the number of entries in the store.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Commit atomically transitions the entry to Done, replacing its value and
// dependency edges.
//
// Description:
//
//	If the new value compares equal to the previous one, the previous
//	changedAt stamp is preserved so dependents can be change-pruned; only
//	verifiedAt advances. Reverse-dependency edges of the old and new
//	dependency sets are reconciled.
//
// Outputs:
//
//	bool - true if the committed value differs from the previous value.
func (s *Store) Commit(key Key, value Value, deps []Key, version int64) bool {
	e := s.getOrCreate(key)

	e.mu.Lock()
	oldDeps := e.deps
	changed := true
	if e.value != nil && value != nil && value.Equals(e.value) {
		changed = false
		value = e.value // keep the prior instance; dependents may hold it
	}
	e.value = value
	e.err = nil
	e.deps = append([]Key(nil), deps...)
	e.state = Done
	if changed {
		e.changedAt = version
	}
	e.verifiedAt = version
	e.mu.Unlock()

	s.rewireEdges(key, oldDeps, deps)
	return changed
}

// CommitError records a failed evaluation for key. The entry keeps its
// previous dependency edges so a later invalidation can still reach it.
func (s *Store) CommitError(key Key, err error, version int64) {
	e := s.getOrCreate(key)
	e.mu.Lock()
	e.state = Errored
	e.err = err
	e.value = nil
	e.verifiedAt = version
	e.changedAt = version
	e.mu.Unlock()
}

// MarkClean confirms a NeedsRebuilding entry's cached value as current
// without recomputing it (change pruning). The entry returns to Done with
// its changedAt stamp untouched.
func (s *Store) MarkClean(key Key, version int64) {
	e, ok := s.lookup(key)
	if !ok {
		return
	}
	e.mu.Lock()
	if e.state == NeedsRebuilding && e.value != nil {
		e.state = Done
		e.verifiedAt = version
	}
	e.mu.Unlock()
}

// markEvaluating claims the entry for an in-flight evaluation.
func (s *Store) markEvaluating(key Key) {
	e := s.getOrCreate(key)
	e.mu.Lock()
	if e.state == NeedsRebuilding || e.state == Errored {
		e.state = Evaluating
	}
	e.mu.Unlock()
}

// unmarkEvaluating releases an in-flight claim without committing, leaving
// the entry dirty for the next build.
func (s *Store) unmarkEvaluating(key Key) {
	e, ok := s.lookup(key)
	if !ok {
		return
	}
	e.mu.Lock()
	if e.state == Evaluating {
		e.state = NeedsRebuilding
	}
	e.mu.Unlock()
}

// MarkDirty flips a Done or Errored entry to NeedsRebuilding without
// discarding its last-known value.
//
// Outputs:
//
//	bool - true if the entry existed and was flipped.
func (s *Store) MarkDirty(key Key) bool {
	e, ok := s.lookup(key)
	if !ok {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != Done && e.state != Errored {
		return false
	}
	e.state = NeedsRebuilding
	return true
}

// MarkDirtyTransitive marks the given keys and every entry reachable from
// them via reverse-dependency edges as NeedsRebuilding.
//
// Description:
//
//	Entries with no dependency path back to a changed key are never
//	touched; over-invalidation is a correctness bug here, not merely a
//	performance one.
//
// Outputs:
//
//	[]Key - every key that was flipped, sorted for determinism.
func (s *Store) MarkDirtyTransitive(keys []Key) []Key {
	var dirtied []Key
	seen := make(map[Key]struct{})
	queue := append([]Key(nil), keys...)

	for len(queue) > 0 {
		k := queue[0]
		queue = queue[1:]
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}

		e, ok := s.lookup(k)
		if !ok {
			continue
		}
		if s.MarkDirty(k) {
			dirtied = append(dirtied, k)
		}
		e.mu.Lock()
		for rd := range e.rdeps {
			queue = append(queue, rd)
		}
		e.mu.Unlock()
	}

	sort.Slice(dirtied, func(i, j int) bool {
		if dirtied[i].Func != dirtied[j].Func {
			return dirtied[i].Func < dirtied[j].Func
		}
		return dirtied[i].Arg < dirtied[j].Arg
	})
	return dirtied
}

// StateOf returns the state of key's entry.
func (s *Store) StateOf(key Key) (State, bool) {
	e, ok := s.lookup(key)
	if !ok {
		return NeedsRebuilding, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state, true
}

// ValueOf returns the committed value for key, or ErrNotDone if the entry
// has no completed evaluation, or the entry's own error if it failed.
func (s *Store) ValueOf(key Key) (Value, error) {
	e, ok := s.lookup(key)
	if !ok {
		return nil, ErrNotDone
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	switch e.state {
	case Done:
		return e.value, nil
	case Errored:
		return nil, e.err
	default:
		return nil, ErrNotDone
	}
}

// DepsOf returns the direct dependency list committed by key's most recent
// completed evaluation.
func (s *Store) DepsOf(key Key) []Key {
	e, ok := s.lookup(key)
	if !ok {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Key(nil), e.deps...)
}

// changedAt returns the version at which key's value last changed.
func (s *Store) changedAt(key Key) int64 {
	e, ok := s.lookup(key)
	if !ok {
		return 0
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.changedAt
}

// rewireEdges reconciles reverse-dependency edges after a commit.
func (s *Store) rewireEdges(key Key, oldDeps, newDeps []Key) {
	inNew := make(map[Key]struct{}, len(newDeps))
	for _, d := range newDeps {
		inNew[d] = struct{}{}
	}
	for _, d := range oldDeps {
		if _, ok := inNew[d]; ok {
			continue
		}
		if de, found := s.lookup(d); found {
			de.mu.Lock()
			delete(de.rdeps, key)
			de.mu.Unlock()
		}
	}
	for _, d := range newDeps {
		de := s.getOrCreate(d)
		de.mu.Lock()
		de.rdeps[key] = struct{}{}
		de.mu.Unlock()
	}
}
