// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package action

import (
	"errors"
	"fmt"
)

// Sentinel errors for action-graph operations.
var (
	// ErrUnknownAction is returned when an ID resolves to no registered
	// action or template.
	ErrUnknownAction = errors.New("unknown action")

	// ErrDuplicateID is returned when an ID is re-registered with a
	// different definition.
	ErrDuplicateID = errors.New("action ID registered with different definition")

	// ErrNotTree is returned when a template names a non-tree artifact.
	ErrNotTree = errors.New("template endpoint must be a tree artifact")
)

// ConflictError reports two actions declaring the same output artifact.
// Fatal to both conflicting actions; both owners are reported.
type ConflictError struct {
	Output Artifact
	First  string // owning action ID already registered
	Second string // action ID attempting to register
}

// Error implements error.
func (e *ConflictError) Error() string {
	return fmt.Sprintf("output %s declared by both %s and %s", e.Output, e.First, e.Second)
}

// PrefixConflictError reports one output path being a directory ancestor
// of another.
type PrefixConflictError struct {
	Prefix      string // the ancestor path
	PrefixOwner string
	Nested      string // the descendant path
	NestedOwner string
}

// Error implements error.
func (e *PrefixConflictError) Error() string {
	return fmt.Sprintf("output out:%s of %s is a path prefix of output out:%s of %s",
		e.Prefix, e.PrefixOwner, e.Nested, e.NestedOwner)
}

// MissingInputError reports an absent mandatory source artifact.
type MissingInputError struct {
	Input    Artifact
	ActionID string
	Owner    string
	Err      error
}

// Error implements error.
func (e *MissingInputError) Error() string {
	return fmt.Sprintf("%s: missing mandatory input %s", e.ActionID, e.Input)
}

// Unwrap returns the underlying error.
func (e *MissingInputError) Unwrap() error {
	return e.Err
}

// ExecutionError reports a strategy-level failure after the retry budget
// is exhausted. Fatal to the action and its transitive dependents, but not
// to independent subgraphs under keep_going.
type ExecutionError struct {
	ActionID string
	Owner    string
	Err      error
}

// Error implements error.
func (e *ExecutionError) Error() string {
	return fmt.Sprintf("action %s (owner %s) failed: %v", e.ActionID, e.Owner, e.Err)
}

// Unwrap returns the underlying error.
func (e *ExecutionError) Unwrap() error {
	return e.Err
}
