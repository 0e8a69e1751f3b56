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
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"slices"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/cascadebuild/cascade/services/build/exec"
	"github.com/cascadebuild/cascade/services/build/fsmeta"
	"github.com/cascadebuild/cascade/services/build/graph"
)

var tracer = otel.Tracer("cascade.action")

// Graph function names. Every node key in a build belongs to one of
// these kinds.
const (
	FuncFileState = "file-state"
	FuncExec      = "action-exec"
	FuncExpand    = "template-expand"
)

// FileStateKey returns the node key tracking the filesystem state of a
// source artifact. These are the keys the differ dirties when the
// watcher reports changed paths.
func FileStateKey(a Artifact) graph.Key {
	return graph.NewKey(FuncFileState, a.Root.String()+":"+a.Path)
}

// ExecKey returns the node key for one action's execution.
func ExecKey(actionID string) graph.Key {
	return graph.NewKey(FuncExec, actionID)
}

// ExpandKey returns the node key for one template's expansion.
func ExpandKey(templateID string) graph.Key {
	return graph.NewKey(FuncExpand, templateID)
}

// PathResolver maps artifacts onto absolute filesystem paths.
type PathResolver struct {
	// SourceDir is the absolute directory backing the source root.
	SourceDir string

	// DerivedDir is the absolute directory backing the derived root.
	DerivedDir string
}

// Abs returns the absolute path for an artifact.
func (r *PathResolver) Abs(a Artifact) string {
	if a.Root == SourceRoot {
		return filepath.Join(r.SourceDir, filepath.FromSlash(a.Path))
	}
	return filepath.Join(r.DerivedDir, filepath.FromSlash(a.Path))
}

// FileValue is the committed value of a file-state node.
//
// A missing file is a value, not an error: Meta is nil. Absence flowing
// through the graph as a value means a file that later appears
// invalidates and re-runs exactly the nodes that observed its absence.
type FileValue struct {
	Meta *fsmeta.Metadata
}

// Equals implements graph.Value. Two file values are equal when their
// digests match; change pruning cuts re-evaluation off here after a
// touch that did not alter content.
func (v *FileValue) Equals(other graph.Value) bool {
	o, ok := other.(*FileValue)
	if !ok {
		return false
	}
	if v.Meta == nil || o.Meta == nil {
		return v.Meta == nil && o.Meta == nil
	}
	return v.Meta.Equals(o.Meta)
}

// ExecValue is the committed value of an action-execution node.
type ExecValue struct {
	ActionID    string
	Fingerprint string
	OutputMeta  map[Artifact]*fsmeta.Metadata
	CacheHit    bool
}

// Equals implements graph.Value. Output digests decide equality, so an
// action that re-ran but produced identical outputs does not invalidate
// its dependents.
func (v *ExecValue) Equals(other graph.Value) bool {
	o, ok := other.(*ExecValue)
	if !ok || v.ActionID != o.ActionID || len(v.OutputMeta) != len(o.OutputMeta) {
		return false
	}
	for art, md := range v.OutputMeta {
		omd, ok := o.OutputMeta[art]
		if !ok || !md.Equals(omd) {
			return false
		}
	}
	return true
}

// ExpansionValue is the committed value of a template-expansion node:
// the IDs of the sub-actions the template stamped out, sorted.
type ExpansionValue struct {
	TemplateID   string
	SubActionIDs []string
}

// Equals implements graph.Value.
func (v *ExpansionValue) Equals(other graph.Value) bool {
	o, ok := other.(*ExpansionValue)
	return ok && v.TemplateID == o.TemplateID && slices.Equal(v.SubActionIDs, o.SubActionIDs)
}

// FileStateFunction computes file-state nodes by statting the artifact's
// backing path. It is the only node function that reads the filesystem
// on the input side.
type FileStateFunction struct {
	Resolver *PathResolver
	Statter  fsmeta.Statter
}

// Compute implements graph.Function.
func (f *FileStateFunction) Compute(ctx context.Context, key graph.Key, _ *graph.Environment) (graph.Value, error) {
	a, err := parseFileStateArg(key.Arg)
	if err != nil {
		return nil, err
	}
	md, err := f.Statter.Stat(ctx, f.Resolver.Abs(a))
	if err != nil {
		if errors.Is(err, fsmeta.ErrNotFound) {
			return &FileValue{}, nil
		}
		return nil, err
	}
	return &FileValue{Meta: md}, nil
}

func parseFileStateArg(arg string) (Artifact, error) {
	const srcPrefix = "src:"
	const outPrefix = "out:"
	switch {
	case len(arg) > len(srcPrefix) && arg[:len(srcPrefix)] == srcPrefix:
		return Artifact{Root: SourceRoot, Path: arg[len(srcPrefix):]}, nil
	case len(arg) > len(outPrefix) && arg[:len(outPrefix)] == outPrefix:
		return Artifact{Root: DerivedRoot, Path: arg[len(outPrefix):]}, nil
	}
	return Artifact{}, fmt.Errorf("malformed file-state key %q", arg)
}

// ExecutionFunction computes action-execution nodes.
//
// Description:
//
//	Compute resolves metadata for every declared input through graph
//	dependencies, fingerprints the action, and consults the action cache.
//	On a miss it delegates to the execution strategy and stats the
//	declared outputs. Input resolution restarts freely; the strategy is
//	only invoked once every dependency has resolved, so a given
//	evaluation executes the action at most once, and the fingerprint
//	cache keeps re-evaluations from re-executing unchanged actions.
type ExecutionFunction struct {
	Graph    *Graph
	Resolver *PathResolver
	Statter  fsmeta.Statter
	Cache    Cache
	Strategy exec.Strategy

	// Config is opaque configuration digest material folded into every
	// fingerprint.
	Config string

	// ExecCtx is the per-build execution context handed to the strategy.
	ExecCtx *exec.Context

	Logger *slog.Logger
}

// Compute implements graph.Function.
func (f *ExecutionFunction) Compute(ctx context.Context, key graph.Key, env *graph.Environment) (graph.Value, error) {
	actionID := key.Arg
	a, ok := f.Graph.Action(actionID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAction, actionID)
	}

	inputMeta, err := f.resolveInputs(ctx, a, env)
	if err != nil {
		return nil, err
	}
	if env.MissingDeps() {
		return nil, env.Restart()
	}

	// Mandatory inputs must exist by now; optional ones hash as absent.
	for _, in := range a.Inputs {
		md := inputMeta[in]
		if md == nil {
			return nil, &MissingInputError{Input: in, ActionID: a.ID, Owner: a.Owner, Err: fsmeta.ErrNotFound}
		}
	}

	fp := a.Fingerprint(inputMeta, f.Config)

	if hit, err := f.lookupCache(ctx, a, fp); err != nil {
		return nil, err
	} else if hit != nil {
		return hit, nil
	}

	ctx, span := tracer.Start(ctx, "action.execute", trace.WithAttributes(
		attribute.String("action.id", a.ID),
		attribute.String("action.mnemonic", a.Mnemonic),
	))
	defer span.End()

	res, err := f.Strategy.Execute(ctx, f.spec(a, inputMeta), f.ExecCtx)
	if err != nil {
		return nil, &ExecutionError{ActionID: a.ID, Owner: a.Owner, Err: err}
	}

	outputMeta := make(map[Artifact]*fsmeta.Metadata, len(a.Outputs))
	for _, out := range a.Outputs {
		md, ok := res.OutputMeta[f.Resolver.Abs(out)]
		if !ok {
			return nil, &ExecutionError{ActionID: a.ID, Owner: a.Owner, Err: fmt.Errorf("%w: %s", exec.ErrMissingOutput, out)}
		}
		outputMeta[out] = md
	}

	entry := &CacheEntry{ActionID: a.ID, OutputMeta: make(map[string]*fsmeta.Metadata, len(outputMeta))}
	for art, md := range outputMeta {
		entry.OutputMeta[art.Path] = md
	}
	if err := f.Cache.Put(ctx, fp, entry); err != nil {
		f.Logger.Warn("action cache put failed",
			slog.String("action_id", a.ID),
			slog.String("error", err.Error()))
	}

	f.Logger.Debug("action executed",
		slog.String("action_id", a.ID),
		slog.String("mnemonic", a.Mnemonic),
		slog.Int("attempts", res.Attempts))

	return &ExecValue{ActionID: a.ID, Fingerprint: fp, OutputMeta: outputMeta}, nil
}

// resolveInputs declares a graph dependency for every input and collects
// the metadata of those already available.
func (f *ExecutionFunction) resolveInputs(ctx context.Context, a *Action, env *graph.Environment) (map[Artifact]*fsmeta.Metadata, error) {
	inputMeta := make(map[Artifact]*fsmeta.Metadata)
	for _, in := range append(append([]Artifact(nil), a.Inputs...), a.OptionalInputs...) {
		md, err := f.resolveInput(ctx, in, env)
		if err != nil {
			return nil, err
		}
		if md != nil {
			inputMeta[in] = md
		}
	}
	return inputMeta, nil
}

// resolveInput declares the dependency chain for one input artifact.
//
// Source artifacts depend on their file-state node. Derived artifacts
// depend on the producing action's execution node. Tree artifacts owned
// by a template additionally depend on the expansion node and on every
// sub-action, and their metadata is aggregated from the sub-action
// outputs. A child of a produced tree carries the tree's owner without
// being a declared output itself; once the producing execution has
// resolved, the child is read from inside the produced tree.
func (f *ExecutionFunction) resolveInput(ctx context.Context, in Artifact, env *graph.Environment) (*fsmeta.Metadata, error) {
	if in.IsSource() {
		v, err := env.GetValue(FileStateKey(in))
		if err != nil || v == nil {
			return nil, err
		}
		return v.(*FileValue).Meta, nil
	}

	if tpl, isTemplate := f.Graph.Template(in.Owner); isTemplate {
		if in.Path == tpl.OutputTree.Path {
			return f.resolveTemplateTree(in, env)
		}
		return f.resolveTemplateChild(tpl, in, env)
	}

	v, err := env.GetValue(ExecKey(in.Owner))
	if err != nil || v == nil {
		return nil, err
	}
	ev := v.(*ExecValue)
	if md, ok := ev.OutputMeta[in]; ok {
		return md, nil
	}
	for art, md := range ev.OutputMeta {
		if md.IsDir && strings.HasPrefix(in.Path, art.Path+"/") {
			return f.Statter.Stat(ctx, f.Resolver.Abs(in))
		}
	}
	return nil, fmt.Errorf("action %s does not produce %s", in.Owner, in)
}

// resolveTemplateChild resolves one file of a template-owned tree through
// the sub-action that produces it.
func (f *ExecutionFunction) resolveTemplateChild(tpl *Template, in Artifact, env *graph.Environment) (*fsmeta.Metadata, error) {
	v, err := env.GetValue(ExpandKey(tpl.ID))
	if err != nil || v == nil {
		return nil, err
	}
	for _, subID := range v.(*ExpansionValue).SubActionIDs {
		sub, ok := f.Graph.Action(subID)
		if !ok {
			continue
		}
		for _, out := range sub.Outputs {
			if out.Path != in.Path {
				continue
			}
			sv, err := env.GetValue(ExecKey(subID))
			if err != nil || sv == nil {
				return nil, err
			}
			if md, ok := sv.(*ExecValue).OutputMeta[out]; ok {
				return md, nil
			}
		}
	}
	return nil, fmt.Errorf("template %s does not produce %s", tpl.ID, in)
}

// resolveTemplateTree aggregates a template-owned output tree from its
// sub-action outputs.
func (f *ExecutionFunction) resolveTemplateTree(in Artifact, env *graph.Environment) (*fsmeta.Metadata, error) {
	v, err := env.GetValue(ExpandKey(in.Owner))
	if err != nil || v == nil {
		return nil, err
	}
	exp := v.(*ExpansionValue)

	children := make(map[string]*fsmeta.Metadata)
	for _, subID := range exp.SubActionIDs {
		sv, err := env.GetValue(ExecKey(subID))
		if err != nil {
			return nil, err
		}
		if sv == nil {
			continue
		}
		for art, md := range sv.(*ExecValue).OutputMeta {
			rel, err := filepath.Rel(in.Path, art.Path)
			if err != nil {
				return nil, err
			}
			children[filepath.ToSlash(rel)] = md
		}
	}
	if env.MissingDeps() {
		return nil, nil
	}
	return fsmeta.TreeMetadata(children), nil
}

// lookupCache serves a fingerprint hit, revalidating that the recorded
// outputs still exist on disk with matching digests.
func (f *ExecutionFunction) lookupCache(ctx context.Context, a *Action, fp string) (*ExecValue, error) {
	entry, err := f.Cache.Get(ctx, fp)
	if err != nil {
		f.Logger.Warn("action cache get failed",
			slog.String("action_id", a.ID),
			slog.String("error", err.Error()))
		return nil, nil
	}
	if entry == nil {
		return nil, nil
	}

	outputMeta := make(map[Artifact]*fsmeta.Metadata, len(a.Outputs))
	for _, out := range a.Outputs {
		recorded, ok := entry.OutputMeta[out.Path]
		if !ok {
			return nil, nil
		}
		onDisk, err := f.Statter.Stat(ctx, f.Resolver.Abs(out))
		if err != nil || !recorded.Equals(onDisk) {
			// Stale or clobbered output: fall through to re-execution.
			return nil, nil
		}
		outputMeta[out] = recorded
	}

	f.Logger.Debug("action cache hit", slog.String("action_id", a.ID))
	return &ExecValue{ActionID: a.ID, Fingerprint: fp, OutputMeta: outputMeta, CacheHit: true}, nil
}

// spec translates an action plus resolved metadata into an execution
// spec with absolute paths.
func (f *ExecutionFunction) spec(a *Action, inputMeta map[Artifact]*fsmeta.Metadata) *exec.Spec {
	inputs := make([]exec.ResolvedInput, 0, len(inputMeta))
	for _, in := range append(append([]Artifact(nil), a.Inputs...), a.OptionalInputs...) {
		md := inputMeta[in]
		if md == nil {
			continue
		}
		inputs = append(inputs, exec.ResolvedInput{Path: f.Resolver.Abs(in), Meta: md})
	}
	outputs := make([]string, 0, len(a.Outputs))
	for _, out := range a.Outputs {
		outputs = append(outputs, f.Resolver.Abs(out))
	}
	return &exec.Spec{
		ActionID:    a.ID,
		Mnemonic:    a.Mnemonic,
		Owner:       a.Owner,
		Args:        a.Args,
		Env:         a.Env,
		Inputs:      inputs,
		OutputPaths: outputs,
	}
}

// TemplateFunction computes template-expansion nodes.
//
// Description:
//
//	Compute waits for the input tree to materialize, enumerates its
//	children, stamps out one sub-action per child, and registers each
//	through the action graph's conflict checks. A mapper collision or an
//	output conflict fails expansion here, before any sub-action runs.
//	Registration is idempotent, so restarts re-registering the same
//	sub-actions are harmless.
type TemplateFunction struct {
	Graph  *Graph
	Logger *slog.Logger
}

// Compute implements graph.Function.
func (f *TemplateFunction) Compute(ctx context.Context, key graph.Key, env *graph.Environment) (graph.Value, error) {
	t, ok := f.Graph.Template(key.Arg)
	if !ok {
		return nil, fmt.Errorf("%w: template %s", ErrUnknownAction, key.Arg)
	}

	children, err := f.treeChildren(t, env)
	if err != nil {
		return nil, err
	}
	if env.MissingDeps() {
		return nil, env.Restart()
	}

	subs, err := t.Expand(children)
	if err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(subs))
	for _, sub := range subs {
		if err := f.Graph.Register(sub); err != nil {
			return nil, err
		}
		ids = append(ids, sub.ID)
	}
	slices.Sort(ids)

	f.Logger.Debug("template expanded",
		slog.String("template_id", t.ID),
		slog.Int("sub_actions", len(ids)))

	return &ExpansionValue{TemplateID: t.ID, SubActionIDs: ids}, nil
}

// treeChildren resolves the template's input tree and lists its children.
func (f *TemplateFunction) treeChildren(t *Template, env *graph.Environment) ([]string, error) {
	var md *fsmeta.Metadata
	if t.InputTree.IsSource() {
		v, err := env.GetValue(FileStateKey(t.InputTree))
		if err != nil || v == nil {
			return nil, err
		}
		md = v.(*FileValue).Meta
		if md == nil {
			return nil, &MissingInputError{Input: t.InputTree, ActionID: t.ID, Owner: t.Owner, Err: fsmeta.ErrNotFound}
		}
	} else {
		v, err := env.GetValue(ExecKey(t.InputTree.Owner))
		if err != nil || v == nil {
			return nil, err
		}
		ev := v.(*ExecValue)
		m, ok := ev.OutputMeta[t.InputTree]
		if !ok {
			return nil, fmt.Errorf("action %s does not produce %s", t.InputTree.Owner, t.InputTree)
		}
		md = m
	}

	if !md.IsDir {
		return nil, fmt.Errorf("%w: %s", ErrNotTree, t.InputTree)
	}
	return slices.Clone(md.Children), nil
}
