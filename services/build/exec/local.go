// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package exec

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"github.com/cascadebuild/cascade/services/build/fsmeta"
)

var (
	tracer = otel.Tracer("cascade.exec")
	meter  = otel.Meter("cascade.exec")
)

// Runner performs one action kind's actual effect: reading spec.Inputs and
// writing every path in spec.OutputPaths. Language-specific action builders
// supply runners; the engine never looks inside them.
type Runner func(ctx context.Context, spec *Spec) error

// LocalStrategyOption is a functional option for configuring LocalStrategy.
type LocalStrategyOption func(*LocalStrategy)

// WithConcurrency bounds physically concurrent actions.
func WithConcurrency(n int) LocalStrategyOption {
	return func(s *LocalStrategy) {
		if n > 0 {
			s.concurrency = n
		}
	}
}

// WithLogger sets the logger. If nil, slog.Default() is used.
func WithLogger(logger *slog.Logger) LocalStrategyOption {
	return func(s *LocalStrategy) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// LocalStrategy runs actions in-process through mnemonic-keyed runners.
//
// Description:
//
//	The runner registry is resolved once at construction. A semaphore
//	bounds how many actions execute at once, independent of how many
//	graph nodes are in flight. After a runner returns, every declared
//	output is stat'd; a missing output fails the action.
//
// Thread Safety:
//
//	Safe for concurrent use.
type LocalStrategy struct {
	runners     map[string]Runner
	statter     fsmeta.Statter
	concurrency int
	sem         *semaphore.Weighted
	logger      *slog.Logger

	metricsOnce sync.Once
	execLatency metric.Float64Histogram
	execCount   metric.Int64Counter
}

// NewLocalStrategy creates a local strategy.
//
// Inputs:
//
//	runners - Runner per mnemonic. Must not be nil.
//	statter - Used to record output metadata after execution.
//	opts - Functional options.
func NewLocalStrategy(runners map[string]Runner, statter fsmeta.Statter, opts ...LocalStrategyOption) (*LocalStrategy, error) {
	if runners == nil || statter == nil {
		return nil, fmt.Errorf("runners and statter must not be nil")
	}
	s := &LocalStrategy{
		runners:     make(map[string]Runner, len(runners)),
		statter:     statter,
		concurrency: runtime.GOMAXPROCS(0),
		logger:      slog.Default(),
	}
	for m, r := range runners {
		s.runners[m] = r
	}
	for _, opt := range opts {
		opt(s)
	}
	s.sem = semaphore.NewWeighted(int64(s.concurrency))
	return s, nil
}

func (s *LocalStrategy) initMetrics() {
	s.metricsOnce.Do(func() {
		s.execLatency, _ = meter.Float64Histogram("exec_action_duration_seconds",
			metric.WithDescription("Wall time of locally executed actions"),
			metric.WithUnit("s"),
		)
		s.execCount, _ = meter.Int64Counter("exec_actions_total",
			metric.WithDescription("Number of locally executed actions"),
		)
	})
}

// Execute implements Strategy.
func (s *LocalStrategy) Execute(ctx context.Context, spec *Spec, execCtx *Context) (*Result, error) {
	if spec == nil {
		return nil, ErrNilSpec
	}
	s.initMetrics()

	runner, ok := s.runners[spec.Mnemonic]
	if !ok {
		return nil, &ExecError{ActionID: spec.ActionID, Attempts: 1,
			Err: fmt.Errorf("%w: %s", ErrNoRunner, spec.Mnemonic)}
	}

	ctx, span := tracer.Start(ctx, "exec.local",
		trace.WithAttributes(
			attribute.String("exec.action_id", spec.ActionID),
			attribute.String("exec.mnemonic", spec.Mnemonic),
		),
	)
	defer span.End()

	// Admission control over physical execution resources.
	if err := s.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer s.sem.Release(1)

	runSpec := spec
	if execCtx != nil && len(execCtx.EnvOverrides) > 0 {
		runSpec = spec.withEnv(execCtx.EnvOverrides)
	}

	start := time.Now()
	err := runner(ctx, runSpec)
	dur := time.Since(start)

	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	if s.execLatency != nil {
		s.execLatency.Record(ctx, dur.Seconds(),
			metric.WithAttributes(attribute.String("mnemonic", spec.Mnemonic)))
	}
	if s.execCount != nil {
		s.execCount.Add(ctx, 1, metric.WithAttributes(
			attribute.String("mnemonic", spec.Mnemonic),
			attribute.String("outcome", outcome),
		))
	}

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.logger.Error("action failed",
			slog.String("action_id", spec.ActionID),
			slog.String("mnemonic", spec.Mnemonic),
			slog.Duration("duration", dur),
			slog.String("error", err.Error()),
		)
		return nil, &ExecError{ActionID: spec.ActionID, Attempts: 1, Err: err}
	}

	outputMeta := make(map[string]*fsmeta.Metadata, len(spec.OutputPaths))
	for _, out := range spec.OutputPaths {
		md, serr := s.statter.Stat(ctx, out)
		if serr != nil {
			missing := fmt.Errorf("%w: %s: %v", ErrMissingOutput, out, serr)
			span.RecordError(missing)
			span.SetStatus(codes.Error, missing.Error())
			return nil, &ExecError{ActionID: spec.ActionID, Attempts: 1, Err: missing}
		}
		outputMeta[out] = md
	}

	span.SetStatus(codes.Ok, "")
	s.logger.Debug("action executed",
		slog.String("action_id", spec.ActionID),
		slog.String("mnemonic", spec.Mnemonic),
		slog.Duration("duration", dur),
		slog.Int("outputs", len(outputMeta)),
	)
	return &Result{OutputMeta: outputMeta, Attempts: 1}, nil
}

// withEnv returns a shallow copy of spec with overrides applied on Env.
func (spec *Spec) withEnv(overrides map[string]string) *Spec {
	merged := make(map[string]string, len(spec.Env)+len(overrides))
	for k, v := range spec.Env {
		merged[k] = v
	}
	for k, v := range overrides {
		merged[k] = v
	}
	clone := *spec
	clone.Env = merged
	return &clone
}
