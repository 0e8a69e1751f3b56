// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package action builds the action graph and its execution layer on top of
// the graph engine: artifacts, actions and templates, output-conflict
// detection, lazy template expansion, and the node functions that resolve
// input metadata, consult the action cache, and delegate to an execution
// strategy.
package action

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"

	"github.com/cascadebuild/cascade/services/build/fsmeta"
)

// Action is one node-shaped unit of work: it consumes input artifacts and
// produces its declared outputs, and nothing else.
//
// Invariant: Outputs are exactly the artifacts the action is permitted to
// write; writing elsewhere is caught by execution-layer validation.
type Action struct {
	// ID uniquely identifies this action in the action graph.
	ID string

	// Mnemonic names the action kind and selects a runner in the local
	// execution strategy.
	Mnemonic string

	// Owner identifies the registering target, for diagnostics only.
	Owner string

	// Inputs are consumed artifacts, in declared order. Absent mandatory
	// inputs fail the action with MissingInputError.
	Inputs []Artifact

	// OptionalInputs may be absent; absent ones are simply skipped, but
	// they still appear as graph dependencies so a later appearance of
	// the file re-triggers the action.
	OptionalInputs []Artifact

	// Outputs are the declared products.
	Outputs []Artifact

	// Args and Env are command material that participates in the
	// fingerprint.
	Args []string
	Env  map[string]string
}

// Fingerprint computes the execution cache key: a content+config hash over
// the action's identity, its resolved input metadata, and the build
// configuration.
//
// Inputs:
//
//	inputMeta - Metadata per input artifact, as resolved through the
//	            graph. Optional inputs that were absent are simply not
//	            present.
//	config - Opaque configuration digest material (strategy settings,
//	         global flags).
//
// Outputs:
//
//	string - Hex SHA-256 fingerprint.
func (a *Action) Fingerprint(inputMeta map[Artifact]*fsmeta.Metadata, config string) string {
	h := sha256.New()
	fmt.Fprintf(h, "id:%s\x00mnemonic:%s\x00config:%s\x00", a.ID, a.Mnemonic, config)

	for _, arg := range a.Args {
		fmt.Fprintf(h, "arg:%s\x00", arg)
	}

	envKeys := make([]string, 0, len(a.Env))
	for k := range a.Env {
		envKeys = append(envKeys, k)
	}
	sort.Strings(envKeys)
	for _, k := range envKeys {
		fmt.Fprintf(h, "env:%s=%s\x00", k, a.Env[k])
	}

	// Inputs in declared order; absent optional inputs hash as absent.
	for _, in := range append(append([]Artifact(nil), a.Inputs...), a.OptionalInputs...) {
		md := inputMeta[in]
		if md == nil {
			fmt.Fprintf(h, "in:%s=<absent>\x00", in)
			continue
		}
		fmt.Fprintf(h, "in:%s=%s\x00", in, md.Digest)
	}

	for _, out := range a.Outputs {
		fmt.Fprintf(h, "out:%s\x00", out)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// equalActions reports whether two definitions under the same ID are
// interchangeable, making re-registration idempotent.
func equalActions(a, b *Action) bool {
	if a.ID != b.ID || a.Mnemonic != b.Mnemonic || a.Owner != b.Owner {
		return false
	}
	if len(a.Inputs) != len(b.Inputs) || len(a.OptionalInputs) != len(b.OptionalInputs) ||
		len(a.Outputs) != len(b.Outputs) || len(a.Args) != len(b.Args) || len(a.Env) != len(b.Env) {
		return false
	}
	for i := range a.Inputs {
		if a.Inputs[i] != b.Inputs[i] {
			return false
		}
	}
	for i := range a.OptionalInputs {
		if a.OptionalInputs[i] != b.OptionalInputs[i] {
			return false
		}
	}
	for i := range a.Outputs {
		if a.Outputs[i] != b.Outputs[i] {
			return false
		}
	}
	for i := range a.Args {
		if a.Args[i] != b.Args[i] {
			return false
		}
	}
	for k, v := range a.Env {
		if b.Env[k] != v {
			return false
		}
	}
	return true
}
