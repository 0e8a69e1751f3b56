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

import "context"

// Function computes the value for keys of one function kind.
//
// Description:
//
//	Compute runs inside an Environment that resolves dependency values.
//	If any requested dependency is not yet available, Compute must return
//	ErrRestart (typically via env.Restart()); the evaluator schedules the
//	missing dependencies and re-invokes Compute from scratch once they
//	resolve. Compute must therefore be idempotent and side-effect-free
//	with respect to restart: recomputing from the start must be safe and
//	must not double-apply external effects.
//
// Thread Safety:
//
//	Compute may be called concurrently for different keys. The evaluator
//	never runs two evaluations of the same key at once.
type Function interface {
	Compute(ctx context.Context, key Key, env *Environment) (Value, error)
}

// FuncCompute adapts a plain function to the Function interface for simple
// cases and tests.
type FuncCompute func(ctx context.Context, key Key, env *Environment) (Value, error)

// Compute implements Function.
func (f FuncCompute) Compute(ctx context.Context, key Key, env *Environment) (Value, error) {
	return f(ctx, key, env)
}

// Environment is a node function's window onto the graph.
//
// Description:
//
//	GetValue records the requested dependency and returns its committed
//	value if one is current. Dependencies that are not yet available are
//	accumulated; the function should finish declaring the dependencies it
//	can and then return env.Restart(). Node functions never mutate shared
//	state directly; their only outputs are declared dependencies and the
//	returned value.
//
// Thread Safety:
//
//	An Environment belongs to a single Compute invocation and must not be
//	retained or shared.
type Environment struct {
	sess *session
	node *evalNode

	deps    []Key
	depSet  map[Key]struct{}
	missing []Key
	depErr  error
}

func newEnvironment(sess *session, node *evalNode) *Environment {
	return &Environment{
		sess:   sess,
		node:   node,
		depSet: make(map[Key]struct{}),
	}
}

// GetValue declares a dependency on dep and returns its value.
//
// Outputs:
//
//	Value - the dependency's committed value, or nil if it is not yet
//	        available (the caller should eventually return env.Restart()).
//	error - the dependency's own failure, wrapped in a DependencyError.
//	        Returning it propagates the failure to this node.
func (env *Environment) GetValue(dep Key) (Value, error) {
	env.record(dep)

	// Scheduling the dependency eagerly keeps the worker pool busy while
	// this function finishes declaring the rest of its deps.
	n := env.sess.request(dep)

	e, ok := env.sess.ev.store.lookup(dep)
	if ok {
		e.mu.Lock()
		state, val, err := e.state, e.value, e.err
		e.mu.Unlock()
		switch state {
		case Done:
			return val, nil
		case Errored:
			// Only surfaced when actually requested: lazy propagation.
			if n == nil || n.finished() {
				depErr := &DependencyError{Key: env.node.key, Dep: dep, Err: err}
				env.depErr = depErr
				return nil, depErr
			}
		}
	}

	env.missing = append(env.missing, dep)
	return nil, nil
}

// Restart returns the sentinel the evaluator interprets as "re-invoke this
// function once the missing dependencies resolve".
func (env *Environment) Restart() error {
	return ErrRestart
}

// MissingDeps reports whether any requested dependency was unavailable.
func (env *Environment) MissingDeps() bool {
	return len(env.missing) > 0
}

// record appends dep to the ordered dependency list, deduplicating.
func (env *Environment) record(dep Key) {
	if _, ok := env.depSet[dep]; ok {
		return
	}
	env.depSet[dep] = struct{}{}
	env.deps = append(env.deps, dep)
}
