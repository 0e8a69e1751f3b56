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
	"errors"
	"fmt"
)

// Sentinel errors for execution strategies.
var (
	// ErrNilSpec is returned when Execute receives a nil spec.
	ErrNilSpec = errors.New("execution spec must not be nil")

	// ErrNoRunner is returned when no runner is registered for a spec's
	// mnemonic.
	ErrNoRunner = errors.New("no runner registered for mnemonic")

	// ErrMissingOutput is returned when an action finished without
	// producing one of its declared outputs.
	ErrMissingOutput = errors.New("action did not produce declared output")

	// ErrRetriesExhausted is returned by WorkerStrategy after the retry
	// budget is spent.
	ErrRetriesExhausted = errors.New("retry budget exhausted")
)

// ExecError attributes a strategy-level failure to an action.
type ExecError struct {
	ActionID string
	Attempts int
	Err      error
}

// Error implements error.
func (e *ExecError) Error() string {
	return fmt.Sprintf("executing %s (attempt %d): %v", e.ActionID, e.Attempts, e.Err)
}

// Unwrap returns the underlying error.
func (e *ExecError) Unwrap() error {
	return e.Err
}
