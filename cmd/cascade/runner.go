// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"bytes"
	"context"
	"fmt"
	"os"
	osexec "os/exec"
	"path/filepath"
	"sort"

	"github.com/cascadebuild/cascade/services/build/exec"
)

// commandMnemonic is the mnemonic every workspace-file action carries;
// the command runner handles it.
const commandMnemonic = "Command"

// Placeholders substituted into command vectors before spawning.
//
//	$IN  - first input path
//	$OUT - first output path
//	$INS - expands in place to every input path
const (
	placeholderIn  = "$IN"
	placeholderOut = "$OUT"
	placeholderIns = "$INS"
)

// commandRunner spawns the action's command vector as a subprocess.
//
// Description:
//
//	Output directories are created before spawning. The child inherits
//	the parent environment plus the spec's Env. A non-zero exit wraps
//	the child's stderr into the returned error.
func commandRunner(ctx context.Context, spec *exec.Spec) error {
	if len(spec.Args) == 0 {
		return fmt.Errorf("action %s: empty command", spec.ActionID)
	}

	args := substitute(spec)
	for _, out := range spec.OutputPaths {
		if err := os.MkdirAll(filepath.Dir(out), 0o755); err != nil {
			return fmt.Errorf("action %s: %w", spec.ActionID, err)
		}
	}

	cmd := osexec.CommandContext(ctx, args[0], args[1:]...)
	cmd.Env = os.Environ()
	envKeys := make([]string, 0, len(spec.Env))
	for k := range spec.Env {
		envKeys = append(envKeys, k)
	}
	sort.Strings(envKeys)
	for _, k := range envKeys {
		cmd.Env = append(cmd.Env, k+"="+spec.Env[k])
	}

	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := bytes.TrimSpace(stderr.Bytes())
		if len(msg) > 0 {
			return fmt.Errorf("action %s: %w: %s", spec.ActionID, err, msg)
		}
		return fmt.Errorf("action %s: %w", spec.ActionID, err)
	}
	return nil
}

// substitute expands path placeholders in the command vector.
func substitute(spec *exec.Spec) []string {
	args := make([]string, 0, len(spec.Args))
	for _, arg := range spec.Args {
		switch arg {
		case placeholderIn:
			if len(spec.Inputs) > 0 {
				arg = spec.Inputs[0].Path
			}
			args = append(args, arg)
		case placeholderOut:
			if len(spec.OutputPaths) > 0 {
				arg = spec.OutputPaths[0]
			}
			args = append(args, arg)
		case placeholderIns:
			for _, in := range spec.Inputs {
				args = append(args, in.Path)
			}
		default:
			args = append(args, arg)
		}
	}
	return args
}
