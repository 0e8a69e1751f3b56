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

import "fmt"

// Key identifies a unit of incremental computation.
//
// Description:
//
//	A Key pairs a function name (which kind of computation) with an opaque
//	argument string (which instance). Keys are immutable value objects:
//	equal keys always denote the same computation, and Keys are used
//	directly as map keys throughout the engine.
//
// Thread Safety:
//
//	Keys are immutable and safe to share across goroutines.
type Key struct {
	// Func names the computation kind. It selects the Function registered
	// with the Evaluator that knows how to produce this key's value.
	Func string

	// Arg is the canonical string form of the computation's argument,
	// for example an artifact path or an action identifier.
	Arg string
}

// NewKey creates a key for the given function name and argument.
func NewKey(fn, arg string) Key {
	return Key{Func: fn, Arg: arg}
}

// String returns the canonical "func(arg)" form used in logs and errors.
func (k Key) String() string {
	return fmt.Sprintf("%s(%s)", k.Func, k.Arg)
}

// IsZero reports whether k is the zero key.
func (k Key) IsZero() bool {
	return k.Func == "" && k.Arg == ""
}

// Value is the immutable result of evaluating a Key.
//
// Description:
//
//	Values must support value-equality so change pruning can detect
//	"recomputed but unchanged" and avoid invalidating dependents.
//	Implementations must treat a Value as frozen once returned from a
//	Function; the engine shares Values across goroutines without copying.
type Value interface {
	// Equals reports whether two values are interchangeable for the
	// purposes of change pruning. Implementations should return false
	// for values of a different concrete type.
	Equals(other Value) bool
}

// StringValue is a trivial Value wrapping a string. Used by tests and by
// computations whose result is naturally textual.
type StringValue string

// Equals implements Value.
func (v StringValue) Equals(other Value) bool {
	o, ok := other.(StringValue)
	return ok && o == v
}
