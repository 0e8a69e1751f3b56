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
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"
)

var (
	tracer = otel.Tracer("cascade.graph")
	meter  = otel.Meter("cascade.graph")
)

// Stats counts what an evaluation actually did. The testable properties of
// the engine (idempotent re-evaluation, change pruning, minimal
// invalidation) are phrased in terms of these counters.
type Stats struct {
	// Invocations is the number of Function.Compute calls, including
	// re-invocations after restart.
	Invocations int

	// Restarts is the number of re-invocations after a missing-dep return.
	Restarts int

	// Pruned is the number of dirty nodes whose cached value was kept
	// because no dependency value changed.
	Pruned int

	// Committed is the number of entries committed this evaluation.
	Committed int
}

// Result is the outcome of one Evaluate call.
type Result struct {
	// BuildID identifies this evaluation in logs and traces.
	BuildID string

	// Values holds the committed value for each root that succeeded.
	Values map[Key]Value

	// Errors holds the failure for each root that did not succeed.
	Errors map[Key]error

	// Stats counts invocations, restarts, prunes and commits.
	Stats Stats

	// Duration is the wall time of the evaluation.
	Duration time.Duration
}

// Succeeded reports whether every requested root produced a value.
func (r *Result) Succeeded() bool {
	return len(r.Errors) == 0
}

// Err returns the first root error, or nil.
func (r *Result) Err() error {
	for _, err := range r.Errors {
		return err
	}
	return nil
}

// EvaluatorOption is a functional option for configuring the Evaluator.
type EvaluatorOption func(*Evaluator)

// WithParallelism bounds the number of node functions running at once.
func WithParallelism(n int) EvaluatorOption {
	return func(e *Evaluator) {
		if n > 0 {
			e.parallelism = n
		}
	}
}

// WithLogger sets the logger. If nil, slog.Default() is used.
func WithLogger(logger *slog.Logger) EvaluatorOption {
	return func(e *Evaluator) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// Evaluator drives parallel, memoizing, restartable computation of
// functions over keys.
//
// Description:
//
//	Evaluate walks the requested roots and, transitively, every
//	dependency their functions declare, running node functions on a
//	bounded pool. A function that cannot proceed returns a restart
//	sentinel after declaring the dependencies it needs; it is re-invoked
//	from scratch once they resolve. Completed nodes commit their value
//	and full dependency set atomically to the Store.
//
// Thread Safety:
//
//	Safe for concurrent use, but builds are serialized: at most one
//	Evaluate mutates the store at a time so no build observes a
//	half-updated graph.
type Evaluator struct {
	store       *Store
	funcs       map[string]Function
	parallelism int
	logger      *slog.Logger

	buildMu sync.Mutex

	metricsOnce sync.Once
	nodeLatency metric.Float64Histogram
	invocations metric.Int64Counter
	pruned      metric.Int64Counter
	activeNodes metric.Int64UpDownCounter
}

// NewEvaluator creates an evaluator over the given store.
//
// Inputs:
//
//	store - The node store. Must not be nil.
//	funcs - Function registry keyed by Key.Func. Resolved once here, not
//	        via runtime dispatch during evaluation.
//	opts - Functional options.
//
// Outputs:
//
//	*Evaluator - The configured evaluator.
//	error - Non-nil if store or funcs is nil.
func NewEvaluator(store *Store, funcs map[string]Function, opts ...EvaluatorOption) (*Evaluator, error) {
	if store == nil || funcs == nil {
		return nil, errors.New("store and function registry must not be nil")
	}
	e := &Evaluator{
		store:       store,
		funcs:       make(map[string]Function, len(funcs)),
		parallelism: runtime.GOMAXPROCS(0),
		logger:      slog.Default(),
	}
	for name, fn := range funcs {
		e.funcs[name] = fn
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Store returns the evaluator's node store.
func (e *Evaluator) Store() *Store {
	return e.store
}

func (e *Evaluator) initMetrics() {
	e.metricsOnce.Do(func() {
		e.nodeLatency, _ = meter.Float64Histogram("graph_node_duration_seconds",
			metric.WithDescription("Time spent computing each graph node"),
			metric.WithUnit("s"),
		)
		e.invocations, _ = meter.Int64Counter("graph_function_invocations_total",
			metric.WithDescription("Number of node function invocations"),
		)
		e.pruned, _ = meter.Int64Counter("graph_nodes_pruned_total",
			metric.WithDescription("Number of dirty nodes verified without recomputation"),
		)
		e.activeNodes, _ = meter.Int64UpDownCounter("graph_active_nodes",
			metric.WithDescription("Number of node functions currently running"),
		)
	})
}

// session is the per-build evaluation state.
type session struct {
	ev        *Evaluator
	ctx       context.Context
	version   int64
	keepGoing bool
	buildID   string
	sem       *semaphore.Weighted

	mu      sync.Mutex
	nodes   map[Key]*evalNode
	aborted bool
	stats   Stats
	wg      sync.WaitGroup
}

// evalNode tracks one key's progress within a session.
type evalNode struct {
	key  Key
	done chan struct{}
	err  error
	val  Value

	// waiting holds the deps this node is currently blocked on; the
	// session's cycle check walks these edges.
	waiting map[Key]struct{}
}

func (n *evalNode) finished() bool {
	select {
	case <-n.done:
		return true
	default:
		return false
	}
}

// Evaluate computes the requested roots and, transitively, everything they
// depend on.
//
// Inputs:
//
//	ctx - Context for cancellation. Must not be nil.
//	roots - Keys to evaluate. Must be non-empty.
//	keepGoing - If false, the first error stops new work from being
//	            issued; in-flight unrelated work is allowed to drain. If
//	            true, independent subgraphs complete and all errors are
//	            collected.
//
// Outputs:
//
//	*Result - Per-root values and errors plus evaluation stats.
//	error - Non-nil only for invalid arguments; per-node failures are
//	        reported in Result.Errors.
func (e *Evaluator) Evaluate(ctx context.Context, roots []Key, keepGoing bool) (*Result, error) {
	if ctx == nil {
		return nil, ErrNilContext
	}
	if len(roots) == 0 {
		return nil, ErrNoRoots
	}

	e.buildMu.Lock()
	defer e.buildMu.Unlock()

	e.initMetrics()

	buildID := uuid.NewString()[:12]
	ctx, span := tracer.Start(ctx, "graph.Evaluate",
		trace.WithAttributes(
			attribute.String("graph.build_id", buildID),
			attribute.Int("graph.roots", len(roots)),
			attribute.Bool("graph.keep_going", keepGoing),
		),
	)
	defer span.End()

	start := time.Now()
	sess := &session{
		ev:        e,
		ctx:       ctx,
		version:   e.store.NextVersion(),
		keepGoing: keepGoing,
		buildID:   buildID,
		sem:       semaphore.NewWeighted(int64(e.parallelism)),
		nodes:     make(map[Key]*evalNode),
	}

	e.logger.Debug("evaluation started",
		slog.String("build_id", buildID),
		slog.Int("roots", len(roots)),
		slog.Int64("version", sess.version),
	)

	rootNodes := make([]*evalNode, len(roots))
	for i, root := range roots {
		rootNodes[i] = sess.request(root)
	}
	sess.wg.Wait()

	result := &Result{
		BuildID:  buildID,
		Values:   make(map[Key]Value),
		Errors:   make(map[Key]error),
		Duration: time.Since(start),
	}
	sess.mu.Lock()
	result.Stats = sess.stats
	sess.mu.Unlock()

	for i, root := range roots {
		n := rootNodes[i]
		if n == nil {
			result.Errors[root] = ErrAborted
			continue
		}
		<-n.done
		if n.err != nil {
			result.Errors[root] = n.err
		} else {
			result.Values[root] = n.val
		}
	}

	if len(result.Errors) > 0 {
		span.SetStatus(codes.Error, result.Err().Error())
		e.logger.Warn("evaluation finished with errors",
			slog.String("build_id", buildID),
			slog.Int("failed_roots", len(result.Errors)),
			slog.Duration("duration", result.Duration),
		)
	} else {
		span.SetStatus(codes.Ok, "")
		e.logger.Info("evaluation finished",
			slog.String("build_id", buildID),
			slog.Int("invocations", result.Stats.Invocations),
			slog.Int("pruned", result.Stats.Pruned),
			slog.Duration("duration", result.Duration),
		)
	}
	return result, nil
}

// request ensures an evaluation goroutine exists for key and returns its
// node. Returns nil if the session has stopped issuing new work.
func (s *session) request(key Key) *evalNode {
	s.mu.Lock()
	defer s.mu.Unlock()

	if n, ok := s.nodes[key]; ok {
		return n
	}
	if s.aborted {
		return nil
	}
	n := &evalNode{
		key:     key,
		done:    make(chan struct{}),
		waiting: make(map[Key]struct{}),
	}
	s.nodes[key] = n
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.run(n)
	}()
	return n
}

// finish records the node's outcome and wakes its waiters.
func (s *session) finish(n *evalNode, val Value, err error) {
	n.val = val
	n.err = err
	close(n.done)
}

// fail records an error outcome and, when keep_going is false, stops the
// session from issuing new work. In-flight nodes drain normally.
func (s *session) fail(n *evalNode, err error) {
	if !s.keepGoing {
		s.mu.Lock()
		s.aborted = true
		s.mu.Unlock()
	}
	s.finish(n, nil, err)
}

// run drives one node to completion: cache hit, change pruning, or full
// (re)computation with restarts.
func (s *session) run(n *evalNode) {
	store := s.ev.store
	entry := store.getOrCreate(n.key)

	entry.mu.Lock()
	state := entry.state
	value := entry.value
	entryErr := entry.err
	prevDeps := append([]Key(nil), entry.deps...)
	verifiedAt := entry.verifiedAt
	entry.mu.Unlock()

	switch state {
	case Done:
		// Not dirty: the cached value is current by construction.
		s.finish(n, value, nil)
		return
	case Errored:
		// Errors are memoized like values until an invalidation reaches
		// the entry.
		s.finish(n, nil, entryErr)
		return
	}

	// Change pruning: a dirty entry with a previous value is verified by
	// evaluating its old deps and comparing version stamps before its own
	// function is considered.
	if value != nil && len(prevDeps) > 0 {
		pruned, err := s.tryPrune(n, value, prevDeps, verifiedAt)
		if err != nil {
			store.CommitError(n.key, err, s.version)
			s.fail(n, err)
			return
		}
		if pruned {
			s.finish(n, value, nil)
			return
		}
	}

	s.compute(n)
}

// tryPrune evaluates the node's previous dependencies and reports whether
// the cached value can be kept without invoking the function.
func (s *session) tryPrune(n *evalNode, value Value, prevDeps []Key, verifiedAt int64) (bool, error) {
	for _, dep := range prevDeps {
		if err := s.await(n, dep); err != nil {
			return false, err
		}
	}
	for _, dep := range prevDeps {
		if s.ev.store.changedAt(dep) > verifiedAt {
			return false, nil
		}
	}
	s.ev.store.MarkClean(n.key, s.version)
	s.mu.Lock()
	s.stats.Pruned++
	s.mu.Unlock()
	if s.ev.pruned != nil {
		s.ev.pruned.Add(s.ctx, 1, metric.WithAttributes(attribute.String("function", n.key.Func)))
	}
	s.ev.logger.Debug("node pruned",
		slog.String("build_id", s.buildID),
		slog.String("key", n.key.String()),
	)
	return true, nil
}

// compute runs the node's function, restarting it as its dependencies
// become available, and commits the outcome.
func (s *session) compute(n *evalNode) {
	store := s.ev.store
	fn, ok := s.ev.funcs[n.key.Func]
	if !ok {
		err := &ComputeError{Key: n.key, Err: ErrNoFunction}
		store.CommitError(n.key, err, s.version)
		s.fail(n, err)
		return
	}

	store.markEvaluating(n.key)

	ctx, span := tracer.Start(s.ctx, "graph.node",
		trace.WithAttributes(
			attribute.String("graph.key", n.key.String()),
			attribute.String("graph.build_id", s.buildID),
		),
	)
	defer span.End()

	for restarts := 0; ; restarts++ {
		s.mu.Lock()
		aborted := s.aborted
		s.mu.Unlock()
		if aborted {
			store.unmarkEvaluating(n.key)
			s.finish(n, nil, ErrAborted)
			return
		}
		if err := s.ctx.Err(); err != nil {
			store.unmarkEvaluating(n.key)
			s.finish(n, nil, err)
			return
		}

		env := newEnvironment(s, n)

		// The semaphore bounds running functions only; a node waiting on
		// dependencies holds no slot.
		if err := s.sem.Acquire(s.ctx, 1); err != nil {
			store.unmarkEvaluating(n.key)
			s.finish(n, nil, err)
			return
		}
		if s.ev.activeNodes != nil {
			s.ev.activeNodes.Add(ctx, 1)
		}
		start := time.Now()
		val, err := fn.Compute(ctx, n.key, env)
		dur := time.Since(start)
		if s.ev.activeNodes != nil {
			s.ev.activeNodes.Add(ctx, -1)
		}
		s.sem.Release(1)

		s.mu.Lock()
		s.stats.Invocations++
		if restarts > 0 {
			s.stats.Restarts++
		}
		s.mu.Unlock()
		if s.ev.invocations != nil {
			s.ev.invocations.Add(ctx, 1, metric.WithAttributes(attribute.String("function", n.key.Func)))
		}
		if s.ev.nodeLatency != nil {
			s.ev.nodeLatency.Record(ctx, dur.Seconds(),
				metric.WithAttributes(attribute.String("function", n.key.Func)))
		}

		switch {
		case errors.Is(err, ErrRestart) || (err == nil && env.MissingDeps()):
			for _, dep := range env.missing {
				if werr := s.await(n, dep); werr != nil {
					span.RecordError(werr)
					span.SetStatus(codes.Error, werr.Error())
					if transient(werr) {
						// Never memoize aborts or cancellation; the entry
						// stays dirty for the next build.
						store.unmarkEvaluating(n.key)
						s.fail(n, werr)
						return
					}
					store.CommitError(n.key, werr, s.version)
					s.fail(n, werr)
					return
				}
			}
			// Re-invoke from scratch; the environment is rebuilt so the
			// committed dep set reflects exactly the final complete run.
			continue

		case err != nil:
			if transient(err) {
				store.unmarkEvaluating(n.key)
				s.finish(n, nil, err)
				return
			}
			if env.depErr == nil || !errors.Is(err, env.depErr) {
				err = &ComputeError{Key: n.key, Err: err}
			}
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			store.CommitError(n.key, err, s.version)
			s.fail(n, err)
			return

		default:
			changed := store.Commit(n.key, val, env.deps, s.version)
			s.mu.Lock()
			s.stats.Committed++
			s.mu.Unlock()
			span.SetAttributes(
				attribute.Bool("graph.value_changed", changed),
				attribute.Int("graph.deps", len(env.deps)),
				attribute.Int("graph.restarts", restarts),
			)
			span.SetStatus(codes.Ok, "")
			s.finish(n, val, nil)
			return
		}
	}
}

// await blocks until dep finishes this session, failing fast if blocking
// would create a cycle.
//
// A dep's failure is returned as-is when the dep itself carries the
// caller's error (lazy propagation wraps it exactly once).
func (s *session) await(n *evalNode, dep Key) error {
	dn := s.request(dep)
	if dn == nil {
		return ErrAborted
	}
	if dn == n {
		return &CycleError{Path: []Key{n.key, n.key}}
	}

	s.mu.Lock()
	if cycle := s.findCycle(dep, n.key, []Key{n.key}); cycle != nil {
		s.mu.Unlock()
		return &CycleError{Path: cycle}
	}
	n.waiting[dep] = struct{}{}
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(n.waiting, dep)
		s.mu.Unlock()
	}()

	select {
	case <-dn.done:
	case <-s.ctx.Done():
		return s.ctx.Err()
	}

	if dn.err != nil {
		var cyc *CycleError
		if errors.As(dn.err, &cyc) {
			return dn.err
		}
		return &DependencyError{Key: n.key, Dep: dep, Err: dn.err}
	}
	return nil
}

// transient reports whether err reflects the build stopping rather than
// the node itself failing. Transient outcomes are never committed.
func transient(err error) bool {
	return errors.Is(err, ErrAborted) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

// findCycle walks current waiting edges from `from` looking for `target`.
// Must be called with s.mu held. Returns the cycle path, ending at target.
func (s *session) findCycle(from, target Key, path []Key) []Key {
	path = append(path, from)
	if from == target {
		return path
	}
	fn, ok := s.nodes[from]
	if !ok {
		return nil
	}
	for next := range fn.waiting {
		if found := s.findCycle(next, target, path); found != nil {
			return found
		}
	}
	return nil
}
