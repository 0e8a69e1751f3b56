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
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// DefaultMaxRetries is the default worker retry budget.
const DefaultMaxRetries = 2

// WorkerStrategyOption is a functional option for configuring WorkerStrategy.
type WorkerStrategyOption func(*WorkerStrategy)

// WithMaxRetries sets the retry budget: at most maxRetries re-invocations
// after the first attempt.
func WithMaxRetries(n int) WorkerStrategyOption {
	return func(s *WorkerStrategy) {
		if n >= 0 {
			s.maxRetries = n
		}
	}
}

// WithEnvOverrides applies auxiliary environment overrides to every spec.
func WithEnvOverrides(env map[string]string) WorkerStrategyOption {
	return func(s *WorkerStrategy) {
		s.envOverrides = env
	}
}

// WithRetryBackoff sets the delay between attempts.
func WithRetryBackoff(d time.Duration) WorkerStrategyOption {
	return func(s *WorkerStrategy) {
		if d >= 0 {
			s.backoff = d
		}
	}
}

// WithWorkerLogger sets the logger. If nil, slog.Default() is used.
func WithWorkerLogger(logger *slog.Logger) WorkerStrategyOption {
	return func(s *WorkerStrategy) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WorkerStrategy retries a delegate strategy with a bounded budget,
// modelling a persistent worker pool that re-dispatches failed work.
//
// Description:
//
//	Execute invokes the delegate at most 1+maxRetries times and
//	guarantees no further invocations once the budget is spent; the last
//	failure is surfaced wrapped in ErrRetriesExhausted. Auxiliary
//	environment overrides configured here are merged into the execution
//	context for every attempt.
//
// Thread Safety:
//
//	Safe for concurrent use.
type WorkerStrategy struct {
	delegate     Strategy
	maxRetries   int
	backoff      time.Duration
	envOverrides map[string]string
	logger       *slog.Logger

	metricsOnce sync.Once
	retries     metric.Int64Counter
}

// NewWorkerStrategy creates a worker strategy over delegate.
func NewWorkerStrategy(delegate Strategy, opts ...WorkerStrategyOption) (*WorkerStrategy, error) {
	if delegate == nil {
		return nil, fmt.Errorf("delegate strategy must not be nil")
	}
	s := &WorkerStrategy{
		delegate:   delegate,
		maxRetries: DefaultMaxRetries,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *WorkerStrategy) initMetrics() {
	s.metricsOnce.Do(func() {
		s.retries, _ = meter.Int64Counter("exec_worker_retries_total",
			metric.WithDescription("Number of worker re-invocations after a failed attempt"),
		)
	})
}

// Execute implements Strategy.
func (s *WorkerStrategy) Execute(ctx context.Context, spec *Spec, execCtx *Context) (*Result, error) {
	if spec == nil {
		return nil, ErrNilSpec
	}
	s.initMetrics()

	merged := s.mergeContext(execCtx)

	var lastErr error
	for attempt := 1; attempt <= 1+s.maxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if attempt > 1 {
			if s.retries != nil {
				s.retries.Add(ctx, 1, metric.WithAttributes(attribute.String("mnemonic", spec.Mnemonic)))
			}
			s.logger.Warn("retrying action",
				slog.String("action_id", spec.ActionID),
				slog.Int("attempt", attempt),
				slog.Int("budget", 1+s.maxRetries),
				slog.String("previous_error", lastErr.Error()),
			)
			if s.backoff > 0 {
				select {
				case <-time.After(s.backoff):
				case <-ctx.Done():
					return nil, ctx.Err()
				}
			}
		}

		res, err := s.delegate.Execute(ctx, spec, merged)
		if err == nil {
			res.Attempts = attempt
			return res, nil
		}
		lastErr = err
	}

	return nil, &ExecError{
		ActionID: spec.ActionID,
		Attempts: 1 + s.maxRetries,
		Err:      fmt.Errorf("%w after %d attempts: %v", ErrRetriesExhausted, 1+s.maxRetries, lastErr),
	}
}

// mergeContext folds the strategy's env overrides into the per-build
// execution context.
func (s *WorkerStrategy) mergeContext(execCtx *Context) *Context {
	if len(s.envOverrides) == 0 {
		return execCtx
	}
	merged := &Context{}
	if execCtx != nil {
		merged.BuildID = execCtx.BuildID
		merged.EnvOverrides = make(map[string]string, len(execCtx.EnvOverrides)+len(s.envOverrides))
		for k, v := range execCtx.EnvOverrides {
			merged.EnvOverrides[k] = v
		}
	} else {
		merged.EnvOverrides = make(map[string]string, len(s.envOverrides))
	}
	for k, v := range s.envOverrides {
		merged.EnvOverrides[k] = v
	}
	return merged
}
