// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package watch

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func collectBatches(t *testing.T, root string, debounce time.Duration) (*Watcher, func() [][]string) {
	t.Helper()
	var mu sync.Mutex
	var batches [][]string
	w, err := New(root, func(paths []string) {
		mu.Lock()
		batches = append(batches, paths)
		mu.Unlock()
	}, Options{Debounce: debounce})
	if err != nil {
		t.Fatalf("new watcher: %v", err)
	}
	t.Cleanup(w.Stop)
	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	return w, func() [][]string {
		mu.Lock()
		defer mu.Unlock()
		out := make([][]string, len(batches))
		copy(out, batches)
		return out
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestWatcherBatchesAndDeduplicates(t *testing.T) {
	root := t.TempDir()
	_, batches := collectBatches(t, root, 100*time.Millisecond)

	target := filepath.Join(root, "a.txt")
	for i := 0; i < 3; i++ {
		if err := os.WriteFile(target, []byte{byte(i)}, 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
		time.Sleep(10 * time.Millisecond)
	}

	waitFor(t, func() bool { return len(batches()) >= 1 })
	got := batches()[0]
	count := 0
	for _, p := range got {
		if p == target {
			count++
		}
	}
	if count != 1 {
		t.Errorf("path appeared %d times in batch %v, want 1", count, got)
	}
}

func TestWatcherPicksUpNewSubdirectory(t *testing.T) {
	root := t.TempDir()
	_, batches := collectBatches(t, root, 100*time.Millisecond)

	sub := filepath.Join(root, "sub")
	if err := os.Mkdir(sub, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	// Give the watcher a moment to pick up the new directory.
	waitFor(t, func() bool { return len(batches()) >= 1 })

	target := filepath.Join(sub, "b.txt")
	if err := os.WriteFile(target, []byte("x"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	waitFor(t, func() bool {
		for _, batch := range batches() {
			for _, p := range batch {
				if p == target {
					return true
				}
			}
		}
		return false
	})
}

func TestWatcherIgnoresPatterns(t *testing.T) {
	root := t.TempDir()
	_, batches := collectBatches(t, root, 100*time.Millisecond)

	if err := os.WriteFile(filepath.Join(root, "junk.swp"), []byte("x"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	kept := filepath.Join(root, "real.txt")
	if err := os.WriteFile(kept, []byte("x"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	waitFor(t, func() bool { return len(batches()) >= 1 })
	for _, batch := range batches() {
		for _, p := range batch {
			if filepath.Ext(p) == ".swp" {
				t.Errorf("ignored pattern delivered: %s", p)
			}
		}
	}
}

func TestWatcherStopIdempotent(t *testing.T) {
	w, err := New(t.TempDir(), func([]string) {}, Options{})
	if err != nil {
		t.Fatalf("new watcher: %v", err)
	}
	w.Stop()
	w.Stop()
}

func TestDedupeReturnsFreshSlice(t *testing.T) {
	in := []string{"a", "b", "a", "c"}
	out := dedupe(in)
	if len(out) != 3 {
		t.Fatalf("got %v, want 3 unique paths", out)
	}
	// A handler may retain the batch; later writes into the original
	// buffer must not show through.
	in[0] = "clobbered"
	if out[0] != "a" {
		t.Fatalf("dedupe result aliases its input: %v", out)
	}
}
