// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package exec is the pluggable execution-strategy boundary between the
// action graph and whatever actually runs actions (local spawn, sandbox,
// persistent worker pool). The graph engine only ever sees this interface;
// resource accounting over physical execution lives entirely behind it,
// independent of graph-evaluation parallelism.
package exec

import (
	"context"

	"github.com/cascadebuild/cascade/services/build/fsmeta"
)

// ResolvedInput pairs an input path with the metadata the graph resolved
// for it. Strategies must treat inputs as read-only.
type ResolvedInput struct {
	Path string
	Meta *fsmeta.Metadata
}

// Spec is everything a strategy needs to run one action.
//
// Invariant: OutputPaths are exactly the paths the action is permitted to
// write; writing elsewhere is a correctness violation caught by
// execution-layer validation.
type Spec struct {
	// ActionID uniquely identifies the action in the action graph.
	ActionID string

	// Mnemonic is the action kind (selects a runner in LocalStrategy).
	Mnemonic string

	// Owner identifies the registering target, for diagnostics.
	Owner string

	// Args and Env are the action's command material.
	Args []string
	Env  map[string]string

	// Inputs are the resolved input artifacts, in declared order.
	Inputs []ResolvedInput

	// OutputPaths are the absolute paths the action must produce.
	OutputPaths []string
}

// Context carries per-build execution settings.
type Context struct {
	// BuildID identifies the build for logs and traces.
	BuildID string

	// EnvOverrides is applied on top of each spec's Env.
	EnvOverrides map[string]string
}

// Result is a successful execution's recorded output state.
type Result struct {
	// OutputMeta maps each output path to its post-execution metadata.
	OutputMeta map[string]*fsmeta.Metadata

	// Attempts is how many invocations the strategy needed.
	Attempts int
}

// Strategy executes actions.
//
// Description:
//
//	Execute runs the action described by spec and returns metadata for
//	every declared output. Implementations own admission control over
//	physical resources (CPU, memory, I/O) for concurrently running
//	actions. Execute must be safe for concurrent use.
type Strategy interface {
	Execute(ctx context.Context, spec *Spec, execCtx *Context) (*Result, error)
}
