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
	"errors"
	"fmt"
	"sync"
	"testing"
)

func TestStore_CommitAndRead(t *testing.T) {
	s := NewStore()
	key := NewKey("test", "a")
	dep := NewKey("test", "d")
	v := s.NextVersion()

	changed := s.Commit(key, StringValue("hello"), []Key{dep}, v)
	if !changed {
		t.Error("first commit should report changed")
	}

	got, err := s.ValueOf(key)
	if err != nil {
		t.Fatalf("ValueOf: %v", err)
	}
	if !StringValue("hello").Equals(got) {
		t.Errorf("value = %v, want hello", got)
	}
	if st, ok := s.StateOf(key); !ok || st != Done {
		t.Errorf("state = %v, want Done", st)
	}
	if deps := s.DepsOf(key); len(deps) != 1 || deps[0] != dep {
		t.Errorf("deps = %v, want [%v]", deps, dep)
	}
}

func TestStore_ValueOfMissing(t *testing.T) {
	s := NewStore()
	if _, err := s.ValueOf(NewKey("test", "nope")); !errors.Is(err, ErrNotDone) {
		t.Errorf("expected ErrNotDone, got %v", err)
	}
}

func TestStore_EqualRecommitKeepsChangeStamp(t *testing.T) {
	s := NewStore()
	key := NewKey("test", "a")

	v1 := s.NextVersion()
	s.Commit(key, StringValue("same"), nil, v1)

	v2 := s.NextVersion()
	changed := s.Commit(key, StringValue("same"), nil, v2)
	if changed {
		t.Error("equal value reported as changed")
	}
	if got := s.changedAt(key); got != v1 {
		t.Errorf("changedAt = %d, want %d (preserved across equal commit)", got, v1)
	}

	v3 := s.NextVersion()
	if !s.Commit(key, StringValue("different"), nil, v3) {
		t.Error("new value not reported as changed")
	}
	if got := s.changedAt(key); got != v3 {
		t.Errorf("changedAt = %d, want %d", got, v3)
	}
}

func TestStore_MarkDirtyKeepsValue(t *testing.T) {
	s := NewStore()
	key := NewKey("test", "a")
	s.Commit(key, StringValue("cached"), nil, s.NextVersion())

	if !s.MarkDirty(key) {
		t.Fatal("MarkDirty returned false for Done entry")
	}
	if st, _ := s.StateOf(key); st != NeedsRebuilding {
		t.Errorf("state = %v, want NeedsRebuilding", st)
	}

	// The last-known value survives for change pruning.
	e, _ := s.lookup(key)
	e.mu.Lock()
	val := e.value
	e.mu.Unlock()
	if !StringValue("cached").Equals(val) {
		t.Errorf("dirty entry lost its value: %v", val)
	}
}

func TestStore_MarkDirtyTransitivePrecision(t *testing.T) {
	s := NewStore()
	v := s.NextVersion()

	// root -> {x, y}; x -> src1; y -> src2
	src1, src2 := NewKey("file", "src1"), NewKey("file", "src2")
	x, y, root := NewKey("test", "x"), NewKey("test", "y"), NewKey("test", "root")
	s.Commit(src1, StringValue("1"), nil, v)
	s.Commit(src2, StringValue("2"), nil, v)
	s.Commit(x, StringValue("x"), []Key{src1}, v)
	s.Commit(y, StringValue("y"), []Key{src2}, v)
	s.Commit(root, StringValue("r"), []Key{x, y}, v)

	dirtied := s.MarkDirtyTransitive([]Key{src1})
	if len(dirtied) != 3 {
		t.Fatalf("dirtied = %v, want exactly src1, x, root", dirtied)
	}
	for _, k := range []Key{src2, y} {
		if st, _ := s.StateOf(k); st != Done {
			t.Errorf("%v dirtied without a path to the change", k)
		}
	}
}

func TestStore_RewireEdgesOnRecommit(t *testing.T) {
	s := NewStore()
	key := NewKey("test", "a")
	oldDep, newDep := NewKey("file", "old"), NewKey("file", "new")

	v := s.NextVersion()
	s.Commit(oldDep, StringValue("o"), nil, v)
	s.Commit(newDep, StringValue("n"), nil, v)
	s.Commit(key, StringValue("v1"), []Key{oldDep}, v)

	v2 := s.NextVersion()
	s.Commit(key, StringValue("v2"), []Key{newDep}, v2)

	// Invalidating the dropped dep must not reach the node anymore.
	if dirtied := s.MarkDirtyTransitive([]Key{oldDep}); len(dirtied) != 1 {
		t.Errorf("stale edge survived recommit: %v", dirtied)
	}
	if dirtied := s.MarkDirtyTransitive([]Key{newDep}); len(dirtied) != 2 {
		t.Errorf("new edge missing: %v", dirtied)
	}
}

func TestStore_ConcurrentCommits(t *testing.T) {
	s := NewStore()
	v := s.NextVersion()

	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			key := NewKey("test", fmt.Sprintf("k%02d", i))
			s.Commit(key, StringValue("v"), []Key{NewKey("file", "shared")}, v)
		}(i)
	}
	wg.Wait()

	if s.Len() != 65 {
		t.Errorf("store has %d entries, want 65 (64 nodes + shared dep)", s.Len())
	}
	if dirtied := s.MarkDirtyTransitive([]Key{NewKey("file", "shared")}); len(dirtied) != 64 {
		t.Errorf("shared dep reaches %d entries, want 64", len(dirtied))
	}
}
