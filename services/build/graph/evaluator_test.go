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
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"testing"
)

// testGraph routes keys of function "test" through a declarative dep table
// so individual tests can describe arbitrary graph shapes.
type testGraph struct {
	mu          sync.Mutex
	invocations map[string]int
	deps        map[string][]string
	vals        map[string]string
	errs        map[string]error
}

func newTestGraph() *testGraph {
	return &testGraph{
		invocations: make(map[string]int),
		deps:        make(map[string][]string),
		vals:        make(map[string]string),
		errs:        make(map[string]error),
	}
}

func (g *testGraph) key(arg string) Key {
	return NewKey("test", arg)
}

func (g *testGraph) calls(arg string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.invocations[arg]
}

func (g *testGraph) Compute(_ context.Context, key Key, env *Environment) (Value, error) {
	g.mu.Lock()
	g.invocations[key.Arg]++
	deps := g.deps[key.Arg]
	base := g.vals[key.Arg]
	failure := g.errs[key.Arg]
	g.mu.Unlock()

	if failure != nil {
		return nil, failure
	}

	parts := []string{base}
	for _, dep := range deps {
		v, err := env.GetValue(NewKey("test", dep))
		if err != nil {
			return nil, err
		}
		if v != nil {
			parts = append(parts, string(v.(StringValue)))
		}
	}
	if env.MissingDeps() {
		return nil, env.Restart()
	}
	return StringValue(strings.Join(parts, "|")), nil
}

func (g *testGraph) evaluator(t *testing.T, store *Store) *Evaluator {
	t.Helper()
	ev, err := NewEvaluator(store, map[string]Function{"test": g}, WithParallelism(4))
	if err != nil {
		t.Fatalf("NewEvaluator: %v", err)
	}
	return ev
}

func TestEvaluate_SimpleChain(t *testing.T) {
	g := newTestGraph()
	g.deps["root"] = []string{"mid"}
	g.deps["mid"] = []string{"leaf"}
	g.vals["leaf"] = "L"
	g.vals["mid"] = "M"
	g.vals["root"] = "R"

	ev := g.evaluator(t, NewStore())
	res, err := ev.Evaluate(context.Background(), []Key{g.key("root")}, false)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if !res.Succeeded() {
		t.Fatalf("unexpected errors: %v", res.Errors)
	}

	got := res.Values[g.key("root")]
	want := StringValue("R|M|L")
	if !want.Equals(got) {
		t.Errorf("root value = %v, want %v", got, want)
	}
	if deps := ev.Store().DepsOf(g.key("root")); len(deps) != 1 || deps[0] != g.key("mid") {
		t.Errorf("root deps = %v, want [mid]", deps)
	}
}

func TestEvaluate_IdempotentReEvaluation(t *testing.T) {
	g := newTestGraph()
	g.deps["root"] = []string{"a", "b"}
	g.vals["a"] = "A"
	g.vals["b"] = "B"
	g.vals["root"] = "R"

	ev := g.evaluator(t, NewStore())
	first, err := ev.Evaluate(context.Background(), []Key{g.key("root")}, false)
	if err != nil {
		t.Fatalf("first Evaluate: %v", err)
	}

	second, err := ev.Evaluate(context.Background(), []Key{g.key("root")}, false)
	if err != nil {
		t.Fatalf("second Evaluate: %v", err)
	}

	if second.Stats.Invocations != 0 {
		t.Errorf("second build invoked %d functions, want 0", second.Stats.Invocations)
	}
	if !first.Values[g.key("root")].Equals(second.Values[g.key("root")]) {
		t.Errorf("re-evaluation changed value: %v vs %v",
			first.Values[g.key("root")], second.Values[g.key("root")])
	}
}

func TestEvaluate_ChangePruning(t *testing.T) {
	g := newTestGraph()
	g.deps["root"] = []string{"mid"}
	g.deps["mid"] = []string{"leaf"}
	g.vals["leaf"] = "L"

	store := NewStore()
	ev := g.evaluator(t, store)
	if _, err := ev.Evaluate(context.Background(), []Key{g.key("root")}, false); err != nil {
		t.Fatalf("seed Evaluate: %v", err)
	}

	// Dirty the whole chain, but leave leaf's content untouched: the leaf
	// recomputes to an equal value, so nothing above it may run.
	dirtied := store.MarkDirtyTransitive([]Key{g.key("leaf")})
	if len(dirtied) != 3 {
		t.Fatalf("dirtied %v, want leaf, mid and root", dirtied)
	}

	res, err := ev.Evaluate(context.Background(), []Key{g.key("root")}, false)
	if err != nil {
		t.Fatalf("rebuild Evaluate: %v", err)
	}
	if res.Stats.Invocations != 1 {
		t.Errorf("rebuild invoked %d functions, want 1 (leaf only)", res.Stats.Invocations)
	}
	if res.Stats.Pruned != 2 {
		t.Errorf("rebuild pruned %d nodes, want 2 (mid and root)", res.Stats.Pruned)
	}
	if g.calls("mid") != 1 || g.calls("root") != 1 {
		t.Errorf("mid/root re-invoked: mid=%d root=%d, want 1/1", g.calls("mid"), g.calls("root"))
	}
}

func TestEvaluate_ChangedLeafRecomputesDependents(t *testing.T) {
	g := newTestGraph()
	g.deps["root"] = []string{"leaf"}
	g.vals["leaf"] = "v1"

	store := NewStore()
	ev := g.evaluator(t, store)
	if _, err := ev.Evaluate(context.Background(), []Key{g.key("root")}, false); err != nil {
		t.Fatalf("seed Evaluate: %v", err)
	}

	g.mu.Lock()
	g.vals["leaf"] = "v2"
	g.mu.Unlock()
	store.MarkDirtyTransitive([]Key{g.key("leaf")})

	res, err := ev.Evaluate(context.Background(), []Key{g.key("root")}, false)
	if err != nil {
		t.Fatalf("rebuild Evaluate: %v", err)
	}
	want := StringValue("|v2")
	if got := res.Values[g.key("root")]; !want.Equals(got) {
		t.Errorf("root value = %v, want %v", got, want)
	}
	if g.calls("root") != 2 {
		t.Errorf("root invoked %d times, want 2", g.calls("root"))
	}
}

func TestEvaluate_MinimalInvalidation(t *testing.T) {
	g := newTestGraph()
	g.deps["root"] = []string{"x", "y"}
	g.deps["x"] = []string{"src1"}
	g.deps["y"] = []string{"src2"}
	g.vals["src1"] = "s1"
	g.vals["src2"] = "s2"

	store := NewStore()
	ev := g.evaluator(t, store)
	if _, err := ev.Evaluate(context.Background(), []Key{g.key("root")}, false); err != nil {
		t.Fatalf("seed Evaluate: %v", err)
	}

	differ := NewDiffer(store, nil)
	dirtied := differ.Invalidate([]Key{g.key("src1")})

	wantDirty := map[Key]bool{g.key("src1"): true, g.key("x"): true, g.key("root"): true}
	if len(dirtied) != len(wantDirty) {
		t.Fatalf("dirtied %v, want exactly src1, x, root", dirtied)
	}
	for _, k := range dirtied {
		if !wantDirty[k] {
			t.Errorf("over-invalidation: %v has no path to src1", k)
		}
	}

	// Siblings with no path to the change stay Done and unexamined.
	if st, _ := store.StateOf(g.key("y")); st != Done {
		t.Errorf("y state = %v, want Done", st)
	}
	if _, err := ev.Evaluate(context.Background(), []Key{g.key("root")}, false); err != nil {
		t.Fatalf("rebuild Evaluate: %v", err)
	}
	if g.calls("y") != 1 || g.calls("src2") != 1 {
		t.Errorf("untouched branch re-invoked: y=%d src2=%d, want 1/1", g.calls("y"), g.calls("src2"))
	}
}

func TestEvaluate_CycleRejected(t *testing.T) {
	g := newTestGraph()
	g.deps["x"] = []string{"y"}
	g.deps["y"] = []string{"x"}

	store := NewStore()
	ev := g.evaluator(t, store)
	res, err := ev.Evaluate(context.Background(), []Key{g.key("x")}, false)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}

	rootErr := res.Errors[g.key("x")]
	if rootErr == nil {
		t.Fatal("expected cycle error for x")
	}
	var cyc *CycleError
	if !errors.As(rootErr, &cyc) {
		t.Fatalf("expected CycleError, got %v", rootErr)
	}
	if len(cyc.Path) < 3 {
		t.Errorf("cycle path too short: %v", cyc.Path)
	}

	for _, arg := range []string{"x", "y"} {
		if st, ok := store.StateOf(g.key(arg)); ok && st == Done {
			t.Errorf("%s left in Done state after cycle", arg)
		}
	}
}

func TestEvaluate_SelfCycleRejected(t *testing.T) {
	g := newTestGraph()
	g.deps["x"] = []string{"x"}

	ev := g.evaluator(t, NewStore())
	res, err := ev.Evaluate(context.Background(), []Key{g.key("x")}, false)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	var cyc *CycleError
	if !errors.As(res.Errors[g.key("x")], &cyc) {
		t.Fatalf("expected CycleError, got %v", res.Errors[g.key("x")])
	}
}

// TestEvaluate_RestartCommitsFinalDepSet verifies that a function whose
// dependency set grows across restarts commits exactly the deps read by its
// final complete run.
func TestEvaluate_RestartCommitsFinalDepSet(t *testing.T) {
	store := NewStore()
	var invocations int

	staged := FuncCompute(func(_ context.Context, key Key, env *Environment) (Value, error) {
		invocations++
		va, err := env.GetValue(NewKey("leaf", "a"))
		if err != nil {
			return nil, err
		}
		if va == nil {
			return nil, env.Restart()
		}
		vb, err := env.GetValue(NewKey("leaf", "b"))
		if err != nil {
			return nil, err
		}
		if vb == nil {
			return nil, env.Restart()
		}
		return StringValue(string(va.(StringValue)) + string(vb.(StringValue))), nil
	})
	leaf := FuncCompute(func(_ context.Context, key Key, _ *Environment) (Value, error) {
		return StringValue(key.Arg), nil
	})

	ev, err := NewEvaluator(store, map[string]Function{"staged": staged, "leaf": leaf})
	if err != nil {
		t.Fatalf("NewEvaluator: %v", err)
	}

	root := NewKey("staged", "s")
	res, err := ev.Evaluate(context.Background(), []Key{root}, false)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if !res.Succeeded() {
		t.Fatalf("unexpected errors: %v", res.Errors)
	}

	wantDeps := []Key{NewKey("leaf", "a"), NewKey("leaf", "b")}
	if got := store.DepsOf(root); !reflect.DeepEqual(got, wantDeps) {
		t.Errorf("committed deps = %v, want %v", got, wantDeps)
	}
	if invocations != 3 {
		t.Errorf("invocations = %d, want 3 (initial + one per restart)", invocations)
	}
	if res.Stats.Restarts != 2 {
		t.Errorf("restarts = %d, want 2", res.Stats.Restarts)
	}
}

func TestEvaluate_KeepGoingCollectsAllErrors(t *testing.T) {
	g := newTestGraph()
	g.errs["bad1"] = fmt.Errorf("bad1 exploded")
	g.errs["bad2"] = fmt.Errorf("bad2 exploded")
	g.vals["good"] = "ok"

	ev := g.evaluator(t, NewStore())
	roots := []Key{g.key("bad1"), g.key("bad2"), g.key("good")}
	res, err := ev.Evaluate(context.Background(), roots, true)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}

	if len(res.Errors) != 2 {
		t.Errorf("collected %d errors, want 2: %v", len(res.Errors), res.Errors)
	}
	if v := res.Values[g.key("good")]; v == nil {
		t.Error("independent subgraph did not complete under keep_going")
	}
}

func TestEvaluate_FailFastStopsNewWork(t *testing.T) {
	g := newTestGraph()
	g.errs["bad"] = fmt.Errorf("boom")
	g.vals["good"] = "ok"

	ev := g.evaluator(t, NewStore())
	res, err := ev.Evaluate(context.Background(), []Key{g.key("bad"), g.key("good")}, false)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if res.Errors[g.key("bad")] == nil {
		t.Fatal("expected error for bad root")
	}
	// The good root either completed (already in flight) or was aborted;
	// it must not be silently dropped.
	if _, hasVal := res.Values[g.key("good")]; !hasVal {
		if res.Errors[g.key("good")] == nil {
			t.Error("good root neither completed nor reported aborted")
		}
	}
}

func TestEvaluate_ErrorPropagatesLazily(t *testing.T) {
	g := newTestGraph()
	g.deps["root"] = []string{"bad"}
	g.errs["bad"] = fmt.Errorf("bad input")

	ev := g.evaluator(t, NewStore())
	res, err := ev.Evaluate(context.Background(), []Key{g.key("root")}, true)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}

	rootErr := res.Errors[g.key("root")]
	var depErr *DependencyError
	if !errors.As(rootErr, &depErr) {
		t.Fatalf("expected DependencyError, got %v", rootErr)
	}
	if depErr.Dep != g.key("bad") {
		t.Errorf("error attributed to %v, want bad", depErr.Dep)
	}
}

func TestEvaluate_ErrorMemoizedUntilInvalidated(t *testing.T) {
	g := newTestGraph()
	g.errs["flaky"] = fmt.Errorf("transient failure")

	store := NewStore()
	ev := g.evaluator(t, store)
	if res, _ := ev.Evaluate(context.Background(), []Key{g.key("flaky")}, true); res.Errors[g.key("flaky")] == nil {
		t.Fatal("expected initial failure")
	}

	// Fix the function but do not invalidate: the cached error is served.
	g.mu.Lock()
	delete(g.errs, "flaky")
	g.mu.Unlock()
	res, _ := ev.Evaluate(context.Background(), []Key{g.key("flaky")}, true)
	if res.Errors[g.key("flaky")] == nil {
		t.Fatal("cached error discarded without invalidation")
	}

	store.MarkDirtyTransitive([]Key{g.key("flaky")})
	res, _ = ev.Evaluate(context.Background(), []Key{g.key("flaky")}, true)
	if res.Errors[g.key("flaky")] != nil {
		t.Fatalf("invalidated node still failing: %v", res.Errors[g.key("flaky")])
	}
}

func TestEvaluate_WideGraphParallel(t *testing.T) {
	g := newTestGraph()
	var leaves []string
	for i := 0; i < 100; i++ {
		leaves = append(leaves, fmt.Sprintf("leaf%03d", i))
		g.vals[leaves[i]] = fmt.Sprintf("v%03d", i)
	}
	g.deps["root"] = leaves

	ev := g.evaluator(t, NewStore())
	res, err := ev.Evaluate(context.Background(), []Key{g.key("root")}, false)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if !res.Succeeded() {
		t.Fatalf("unexpected errors: %v", res.Errors)
	}
	if got := len(ev.Store().DepsOf(g.key("root"))); got != 100 {
		t.Errorf("root committed %d deps, want 100", got)
	}
}
