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
	"strings"
)

// Sentinel errors for graph operations.
var (
	// ErrRestart is returned by a Function whose Environment could not
	// satisfy every requested dependency. The evaluator schedules the
	// missing dependencies and re-invokes the function from scratch once
	// they resolve. Functions must be side-effect-free across restarts.
	ErrRestart = errors.New("computation needs restart for missing deps")

	// ErrNilContext is returned when a nil context is passed.
	ErrNilContext = errors.New("context must not be nil")

	// ErrNoFunction is returned when a key names a function that was
	// never registered with the evaluator.
	ErrNoFunction = errors.New("no function registered for key")

	// ErrNoRoots is returned when Evaluate is called with no roots.
	ErrNoRoots = errors.New("no root keys requested")

	// ErrAborted is returned for nodes that were never started because an
	// earlier error stopped the build (keep_going=false).
	ErrAborted = errors.New("evaluation aborted by earlier error")

	// ErrNotDone is returned when a committed value is requested for a
	// key that has no completed evaluation.
	ErrNotDone = errors.New("node has no committed value")
)

// CycleError reports a dependency cycle discovered during evaluation.
//
// The cycle is fatal to the requesting root but not to unrelated roots.
type CycleError struct {
	// Path is the cycle, starting and ending at the same key.
	Path []Key
}

// Error implements error.
func (e *CycleError) Error() string {
	parts := make([]string, len(e.Path))
	for i, k := range e.Path {
		parts[i] = k.String()
	}
	return fmt.Sprintf("dependency cycle: %s", strings.Join(parts, " -> "))
}

// DependencyError wraps an error observed on a dependency. A dependent is
// only marked errored when it actually requests the failed dependency's
// value, so error propagation stays lazy.
type DependencyError struct {
	Key Key
	Dep Key
	Err error
}

// Error implements error.
func (e *DependencyError) Error() string {
	return fmt.Sprintf("%s: dependency %s failed: %v", e.Key, e.Dep, e.Err)
}

// Unwrap returns the underlying dependency error.
func (e *DependencyError) Unwrap() error {
	return e.Err
}

// ComputeError attributes a function failure to the key that produced it.
type ComputeError struct {
	Key Key
	Err error
}

// Error implements error.
func (e *ComputeError) Error() string {
	return fmt.Sprintf("%s: %v", e.Key, e.Err)
}

// Unwrap returns the underlying error.
func (e *ComputeError) Unwrap() error {
	return e.Err
}
