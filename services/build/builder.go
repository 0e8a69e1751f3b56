// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package build assembles the full incremental build pipeline: the node
// store and evaluator, the action graph, filesystem metadata resolution,
// the action cache, and the execution strategy stack. Callers register
// actions and templates, then run builds and feed filesystem changes back
// in between them.
package build

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"path/filepath"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/cascadebuild/cascade/services/build/action"
	"github.com/cascadebuild/cascade/services/build/exec"
	"github.com/cascadebuild/cascade/services/build/fsmeta"
	"github.com/cascadebuild/cascade/services/build/graph"
)

var tracer = otel.Tracer("cascade.build")

// Sentinel errors for builder construction and target resolution.
var (
	// ErrNoRunners is returned when no runner map was supplied.
	ErrNoRunners = errors.New("no runners configured")

	// ErrUnknownTarget is returned when a requested derived artifact has
	// no registered producer.
	ErrUnknownTarget = errors.New("no action produces requested target")
)

// Config holds the builder's filesystem roots and tuning knobs. Zero
// values select defaults.
type Config struct {
	// SourceDir and DerivedDir are the absolute directories backing the
	// source and derived artifact roots.
	SourceDir  string
	DerivedDir string

	// Parallelism bounds concurrently running node functions.
	Parallelism int

	// ExecConcurrency bounds concurrently executing actions; this is
	// admission control over physical work, separate from Parallelism.
	ExecConcurrency int

	// MaxRetries is the per-action retry budget for transient execution
	// failures.
	MaxRetries int

	// CacheSize bounds the in-memory action cache when no external cache
	// is supplied.
	CacheSize int

	// ConfigDigest is opaque configuration material folded into every
	// action fingerprint; changing it invalidates all cached executions.
	ConfigDigest string
}

// BuilderOption is a functional option for configuring Builder.
type BuilderOption func(*Builder)

// WithLogger sets the logger. If nil, slog.Default() is used.
func WithLogger(logger *slog.Logger) BuilderOption {
	return func(b *Builder) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// WithCache substitutes an external action cache (for example the
// badger-backed one) for the default in-memory LRU.
func WithCache(c action.Cache) BuilderOption {
	return func(b *Builder) {
		if c != nil {
			b.cache = c
		}
	}
}

// WithStrategy substitutes the fully assembled execution strategy,
// bypassing the default local+worker stack.
func WithStrategy(s exec.Strategy) BuilderOption {
	return func(b *Builder) {
		if s != nil {
			b.strategy = s
		}
	}
}

// Builder owns one long-lived build session.
//
// Description:
//
//	The node store, action graph, and caches persist across Build calls;
//	that persistence is what makes consecutive builds incremental.
//	ApplyChanges feeds externally observed filesystem changes into the
//	store between builds.
//
// Thread Safety:
//
//	Safe for concurrent use; builds themselves are serialized by the
//	evaluator.
type Builder struct {
	cfg      Config
	logger   *slog.Logger
	resolver *action.PathResolver
	statter  fsmeta.Statter
	graph    *action.Graph
	store    *graph.Store
	differ   *graph.Differ
	cache    action.Cache
	strategy exec.Strategy
	eval     *graph.Evaluator
}

// NewBuilder assembles a build session.
//
// Inputs:
//
//	cfg - Filesystem roots and tuning. SourceDir and DerivedDir are
//	      required.
//	runners - Runner per action mnemonic for the local strategy. Required
//	          unless WithStrategy overrides the stack.
//
// Outputs:
//
//	*Builder - Ready session.
//	error - Non-nil on missing roots or runner map.
func NewBuilder(cfg Config, runners map[string]exec.Runner, opts ...BuilderOption) (*Builder, error) {
	if cfg.SourceDir == "" || cfg.DerivedDir == "" {
		return nil, fmt.Errorf("source and derived directories are required")
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = 4096
	}

	b := &Builder{
		cfg:    cfg,
		logger: slog.Default(),
		resolver: &action.PathResolver{
			SourceDir:  cfg.SourceDir,
			DerivedDir: cfg.DerivedDir,
		},
		graph: action.NewGraph(),
		store: graph.NewStore(),
	}
	for _, opt := range opts {
		opt(b)
	}

	statter, err := fsmeta.NewLocalStatter()
	if err != nil {
		return nil, fmt.Errorf("statter: %w", err)
	}
	b.statter = statter
	b.differ = graph.NewDiffer(b.store, b.logger)

	if b.cache == nil {
		cache, err := action.NewMemoryCache(cfg.CacheSize)
		if err != nil {
			return nil, fmt.Errorf("action cache: %w", err)
		}
		b.cache = cache
	}

	if b.strategy == nil {
		if len(runners) == 0 {
			return nil, ErrNoRunners
		}
		local, err := exec.NewLocalStrategy(runners, statter,
			exec.WithConcurrency(cfg.ExecConcurrency),
			exec.WithLogger(b.logger))
		if err != nil {
			return nil, fmt.Errorf("local strategy: %w", err)
		}
		worker, err := exec.NewWorkerStrategy(local,
			exec.WithMaxRetries(cfg.MaxRetries),
			exec.WithWorkerLogger(b.logger))
		if err != nil {
			return nil, fmt.Errorf("worker strategy: %w", err)
		}
		b.strategy = worker
	}

	funcs := map[string]graph.Function{
		action.FuncFileState: &action.FileStateFunction{
			Resolver: b.resolver,
			Statter:  b.statter,
		},
		action.FuncExec: &action.ExecutionFunction{
			Graph:    b.graph,
			Resolver: b.resolver,
			Statter:  b.statter,
			Cache:    b.cache,
			Strategy: b.strategy,
			Config:   cfg.ConfigDigest,
			ExecCtx:  &exec.Context{},
			Logger:   b.logger,
		},
		action.FuncExpand: &action.TemplateFunction{
			Graph:  b.graph,
			Logger: b.logger,
		},
	}
	b.eval, err = graph.NewEvaluator(b.store, funcs,
		graph.WithParallelism(cfg.Parallelism),
		graph.WithLogger(b.logger))
	if err != nil {
		return nil, fmt.Errorf("evaluator: %w", err)
	}
	return b, nil
}

// Register adds an action to the session's action graph.
func (b *Builder) Register(a *action.Action) error {
	return b.graph.Register(a)
}

// RegisterTemplate adds an action template to the session's action graph.
func (b *Builder) RegisterTemplate(t *action.Template) error {
	return b.graph.RegisterTemplate(t)
}

// Build evaluates the nodes needed to bring the requested artifacts up to
// date.
//
// Inputs:
//
//	targets - Requested artifacts. Derived artifacts resolve to their
//	          producing action or template; source artifacts resolve to
//	          their file-state node.
//	keepGoing - When true, independent subgraphs continue after a
//	            failure and all failures are collected; when false the
//	            first failure stops scheduling new work.
//
// Outputs:
//
//	*graph.Result - Per-root values and errors plus evaluation stats.
//	error - Non-nil only for infrastructure failures, not node failures.
func (b *Builder) Build(ctx context.Context, targets []action.Artifact, keepGoing bool) (*graph.Result, error) {
	roots := make([]graph.Key, 0, len(targets))
	for _, tgt := range targets {
		key, err := b.keyFor(tgt)
		if err != nil {
			return nil, err
		}
		roots = append(roots, key)
	}

	ctx, span := tracer.Start(ctx, "build.run", trace.WithAttributes(
		attribute.Int("build.targets", len(targets)),
		attribute.Bool("build.keep_going", keepGoing),
	))
	defer span.End()

	res, err := b.eval.Evaluate(ctx, roots, keepGoing)
	if err != nil {
		return nil, err
	}

	// A template target first evaluates to its expansion; the sub-actions
	// it stamped out run in a follow-up pass. The pass is incremental, so
	// already-current nodes cost nothing.
	if subRoots := expansionSubRoots(res); len(subRoots) > 0 {
		subRes, err := b.eval.Evaluate(ctx, subRoots, keepGoing)
		if err != nil {
			return nil, err
		}
		mergeResults(res, subRes)
	}

	b.logger.Info("build finished",
		slog.String("build_id", res.BuildID),
		slog.Bool("succeeded", res.Succeeded()),
		slog.Int("invocations", res.Stats.Invocations),
		slog.Int("pruned", res.Stats.Pruned),
		slog.Duration("duration", res.Duration))
	return res, nil
}

// expansionSubRoots collects the execution keys of sub-actions stamped
// out by any expansion roots in the result.
func expansionSubRoots(res *graph.Result) []graph.Key {
	var roots []graph.Key
	for key, val := range res.Values {
		if key.Func != action.FuncExpand {
			continue
		}
		exp, ok := val.(*action.ExpansionValue)
		if !ok {
			continue
		}
		for _, id := range exp.SubActionIDs {
			roots = append(roots, action.ExecKey(id))
		}
	}
	return roots
}

// mergeResults folds a follow-up pass into the primary result.
func mergeResults(dst, src *graph.Result) {
	for k, v := range src.Values {
		dst.Values[k] = v
	}
	for k, err := range src.Errors {
		dst.Errors[k] = err
	}
	dst.Stats.Invocations += src.Stats.Invocations
	dst.Stats.Restarts += src.Stats.Restarts
	dst.Stats.Pruned += src.Stats.Pruned
	dst.Stats.Committed += src.Stats.Committed
	dst.Duration += src.Duration
}

// keyFor resolves an artifact to its root node key.
func (b *Builder) keyFor(tgt action.Artifact) (graph.Key, error) {
	if tgt.IsSource() {
		return action.FileStateKey(tgt), nil
	}
	owner := tgt.Owner
	if owner == "" {
		id, ok := b.graph.OwnerOf(tgt.Path)
		if !ok {
			return graph.Key{}, fmt.Errorf("%w: %s", ErrUnknownTarget, tgt)
		}
		owner = id
	}
	if _, ok := b.graph.Template(owner); ok {
		return action.ExpandKey(owner), nil
	}
	if _, ok := b.graph.Action(owner); !ok {
		return graph.Key{}, fmt.Errorf("%w: %s", ErrUnknownTarget, tgt)
	}
	return action.ExecKey(owner), nil
}

// ApplyChanges marks the file-state nodes of changed source paths dirty,
// along with their transitive dependents.
//
// Inputs:
//
//	paths - Changed paths, absolute or relative to the source root.
//
// Outputs:
//
//	int - Number of nodes flipped to dirty.
func (b *Builder) ApplyChanges(paths []string) int {
	keys := make([]graph.Key, 0, len(paths))
	for _, p := range paths {
		rel := p
		if filepath.IsAbs(p) {
			r, err := filepath.Rel(b.cfg.SourceDir, p)
			if err != nil || strings.HasPrefix(r, "..") {
				b.logger.Debug("change outside source root ignored", slog.String("path", p))
				continue
			}
			rel = r
		}
		slash := filepath.ToSlash(rel)
		keys = append(keys, action.FileStateKey(action.Source(slash)))
		// Adding or removing a file also changes the child set of every
		// enclosing tree node.
		for dir := path.Dir(slash); dir != "." && dir != "/"; dir = path.Dir(dir) {
			keys = append(keys, action.FileStateKey(action.SourceTree(dir)))
		}
	}
	dirtied := b.differ.Invalidate(keys)
	return len(dirtied)
}

// Store exposes the node store for inspection and tests.
func (b *Builder) Store() *graph.Store {
	return b.store
}
