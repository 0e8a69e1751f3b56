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
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cascadebuild/cascade/services/build/fsmeta"
)

func testStatter(t *testing.T) *fsmeta.LocalStatter {
	t.Helper()
	s, err := fsmeta.NewLocalStatter()
	require.NoError(t, err)
	return s
}

// writeRunner writes "content:<env FLAVOR>" to every declared output.
func writeRunner(t *testing.T) Runner {
	t.Helper()
	return func(_ context.Context, spec *Spec) error {
		for _, out := range spec.OutputPaths {
			if err := os.MkdirAll(filepath.Dir(out), 0o755); err != nil {
				return err
			}
			content := "content:" + spec.Env["FLAVOR"]
			if err := os.WriteFile(out, []byte(content), 0o644); err != nil {
				return err
			}
		}
		return nil
	}
}

func TestLocalStrategy_Execute(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "out", "a.txt")

	strat, err := NewLocalStrategy(map[string]Runner{"Write": writeRunner(t)}, testStatter(t))
	require.NoError(t, err)

	res, err := strat.Execute(context.Background(), &Spec{
		ActionID:    "write-a",
		Mnemonic:    "Write",
		OutputPaths: []string{out},
	}, &Context{BuildID: "b1"})
	require.NoError(t, err)

	require.Contains(t, res.OutputMeta, out)
	assert.Equal(t, 1, res.Attempts)
	assert.NotEmpty(t, res.OutputMeta[out].Digest)
}

func TestLocalStrategy_UnknownMnemonic(t *testing.T) {
	strat, err := NewLocalStrategy(map[string]Runner{}, testStatter(t))
	require.NoError(t, err)

	_, err = strat.Execute(context.Background(), &Spec{ActionID: "x", Mnemonic: "Nope"}, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNoRunner)

	var execErr *ExecError
	require.ErrorAs(t, err, &execErr)
	assert.Equal(t, "x", execErr.ActionID)
}

func TestLocalStrategy_MissingDeclaredOutput(t *testing.T) {
	noopRunner := func(context.Context, *Spec) error { return nil }
	strat, err := NewLocalStrategy(map[string]Runner{"Noop": noopRunner}, testStatter(t))
	require.NoError(t, err)

	_, err = strat.Execute(context.Background(), &Spec{
		ActionID:    "noop",
		Mnemonic:    "Noop",
		OutputPaths: []string{filepath.Join(t.TempDir(), "never-written")},
	}, nil)
	assert.ErrorIs(t, err, ErrMissingOutput)
}

func TestLocalStrategy_EnvOverrides(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "flavored.txt")

	strat, err := NewLocalStrategy(map[string]Runner{"Write": writeRunner(t)}, testStatter(t))
	require.NoError(t, err)

	_, err = strat.Execute(context.Background(), &Spec{
		ActionID:    "flavored",
		Mnemonic:    "Write",
		Env:         map[string]string{"FLAVOR": "base"},
		OutputPaths: []string{out},
	}, &Context{EnvOverrides: map[string]string{"FLAVOR": "override"}})
	require.NoError(t, err)

	content, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, "content:override", string(content))
}

// flakyStrategy fails the first failures calls, then succeeds.
type flakyStrategy struct {
	calls    atomic.Int32
	failures int32
}

func (f *flakyStrategy) Execute(_ context.Context, spec *Spec, _ *Context) (*Result, error) {
	n := f.calls.Add(1)
	if n <= f.failures {
		return nil, &ExecError{ActionID: spec.ActionID, Attempts: int(n), Err: fmt.Errorf("flaky failure %d", n)}
	}
	return &Result{OutputMeta: map[string]*fsmeta.Metadata{}}, nil
}

func TestWorkerStrategy_RetriesThenSucceeds(t *testing.T) {
	flaky := &flakyStrategy{failures: 2}
	strat, err := NewWorkerStrategy(flaky, WithMaxRetries(2))
	require.NoError(t, err)

	res, err := strat.Execute(context.Background(), &Spec{ActionID: "flaky"}, nil)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Attempts)
	assert.Equal(t, int32(3), flaky.calls.Load())
}

func TestWorkerStrategy_BudgetIsHard(t *testing.T) {
	flaky := &flakyStrategy{failures: 100}
	strat, err := NewWorkerStrategy(flaky, WithMaxRetries(2))
	require.NoError(t, err)

	_, err = strat.Execute(context.Background(), &Spec{ActionID: "doomed"}, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRetriesExhausted)

	// At most the configured re-invocations: 1 initial + 2 retries.
	assert.Equal(t, int32(3), flaky.calls.Load())
}

func TestWorkerStrategy_ZeroRetries(t *testing.T) {
	flaky := &flakyStrategy{failures: 1}
	strat, err := NewWorkerStrategy(flaky, WithMaxRetries(0))
	require.NoError(t, err)

	_, err = strat.Execute(context.Background(), &Spec{ActionID: "once"}, nil)
	assert.ErrorIs(t, err, ErrRetriesExhausted)
	assert.Equal(t, int32(1), flaky.calls.Load())
}

// envCapturingStrategy records the execution context it was handed.
type envCapturingStrategy struct {
	seen *Context
}

func (e *envCapturingStrategy) Execute(_ context.Context, _ *Spec, execCtx *Context) (*Result, error) {
	e.seen = execCtx
	return &Result{OutputMeta: map[string]*fsmeta.Metadata{}}, nil
}

func TestWorkerStrategy_EnvOverridesMerged(t *testing.T) {
	capture := &envCapturingStrategy{}
	strat, err := NewWorkerStrategy(capture,
		WithEnvOverrides(map[string]string{"WORKER_FLAG": "1"}),
	)
	require.NoError(t, err)

	_, err = strat.Execute(context.Background(), &Spec{ActionID: "a"},
		&Context{BuildID: "b7", EnvOverrides: map[string]string{"BUILD_FLAG": "x"}})
	require.NoError(t, err)

	require.NotNil(t, capture.seen)
	assert.Equal(t, "b7", capture.seen.BuildID)
	assert.Equal(t, "1", capture.seen.EnvOverrides["WORKER_FLAG"])
	assert.Equal(t, "x", capture.seen.EnvOverrides["BUILD_FLAG"])
}
