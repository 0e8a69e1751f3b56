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
	"fmt"
	"sync"
)

// Graph is the per-build action graph: every registered action and
// template, indexed by ID and by declared output.
//
// Description:
//
//	Register applies output-conflict checks incrementally, including for
//	actions synthesized later by template expansion, so conflicts
//	introduced by expansion carry the same diagnostics as statically
//	declared ones. Registration is all-or-nothing: a rejected action
//	leaves no trace in the ownership index.
//
// Thread Safety:
//
//	Safe for concurrent use.
type Graph struct {
	mu        sync.RWMutex
	actions   map[string]*Action
	templates map[string]*Template

	// outputs maps a derived output path to its owning ID; dirs maps
	// every strict ancestor directory of a registered output to one ID
	// owning an output underneath it (for prefix-conflict detection).
	outputs map[string]string
	dirs    map[string]string
}

// NewGraph creates an empty action graph.
func NewGraph() *Graph {
	return &Graph{
		actions:   make(map[string]*Action),
		templates: make(map[string]*Template),
		outputs:   make(map[string]string),
		dirs:      make(map[string]string),
	}
}

// Register adds an action and its declared outputs to the ownership index.
//
// Outputs:
//
//	error - ConflictError when an output is already owned by a different
//	        action; PrefixConflictError when a new output path is a
//	        strict ancestor or descendant of an already-registered
//	        output; ErrDuplicateID when the ID was registered with a
//	        different definition. Re-registering an identical definition
//	        is a no-op, which keeps registration idempotent across
//	        node-function restarts.
func (g *Graph) Register(a *Action) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if existing, ok := g.actions[a.ID]; ok {
		if equalActions(existing, a) {
			return nil
		}
		return fmt.Errorf("action %q: %w", a.ID, ErrDuplicateID)
	}

	paths := make([]string, 0, len(a.Outputs))
	for _, out := range a.Outputs {
		paths = append(paths, out.Path)
	}
	if err := g.checkConflicts(a.ID, a.Outputs); err != nil {
		return err
	}

	g.actions[a.ID] = a
	g.index(a.ID, paths)
	return nil
}

// RegisterTemplate adds a template; its output tree artifact joins the
// ownership index like any other declared output.
func (g *Graph) RegisterTemplate(t *Template) error {
	if !t.InputTree.IsTree || !t.OutputTree.IsTree {
		return ErrNotTree
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if existing, ok := g.templates[t.ID]; ok {
		if existing.equal(t) {
			return nil
		}
		return fmt.Errorf("template %q: %w", t.ID, ErrDuplicateID)
	}

	if err := g.checkConflicts(t.ID, []Artifact{t.OutputTree}); err != nil {
		return err
	}

	g.templates[t.ID] = t
	g.index(t.ID, []string{t.OutputTree.Path})
	return nil
}

// checkConflicts validates every output against the index without
// mutating it. Must be called with g.mu held.
func (g *Graph) checkConflicts(id string, outputs []Artifact) error {
	// Sub-actions synthesized under a template's output tree are exempt
	// from prefix checks against their own template's tree root.
	for _, out := range outputs {
		if ownerID, ok := g.outputs[out.Path]; ok && ownerID != id {
			if g.coversChild(ownerID, out) {
				continue
			}
			return &ConflictError{Output: out, First: ownerID, Second: id}
		}

		for _, anc := range ancestors(out.Path) {
			if ancOwner, ok := g.outputs[anc]; ok && ancOwner != id {
				if g.coversChild(ancOwner, out) {
					continue
				}
				return &PrefixConflictError{
					Prefix:      anc,
					PrefixOwner: ancOwner,
					Nested:      out.Path,
					NestedOwner: id,
				}
			}
		}

		if nestedOwner, ok := g.dirs[out.Path]; ok && nestedOwner != id {
			return &PrefixConflictError{
				Prefix:      out.Path,
				PrefixOwner: id,
				Nested:      "under " + out.Path,
				NestedOwner: nestedOwner,
			}
		}
	}
	return nil
}

// coversChild reports whether ownerID is a template whose output tree
// legitimately contains out (out is owned by one of the template's
// sub-actions).
func (g *Graph) coversChild(ownerID string, out Artifact) bool {
	t, ok := g.templates[ownerID]
	if !ok {
		return false
	}
	return out.Owner != "" && g.isSubActionOf(out.Owner, t.ID)
}

// isSubActionOf reports whether actionID was synthesized by template id.
func (g *Graph) isSubActionOf(actionID, templateID string) bool {
	t, ok := g.templates[templateID]
	if !ok {
		return false
	}
	return t.ownsSubAction(actionID)
}

// index records outputs and their ancestor directories. Must be called
// with g.mu held.
func (g *Graph) index(id string, paths []string) {
	for _, p := range paths {
		g.outputs[p] = id
		for _, anc := range ancestors(p) {
			if _, ok := g.dirs[anc]; !ok {
				g.dirs[anc] = id
			}
		}
	}
}

// Action returns the registered action with the given ID.
func (g *Graph) Action(id string) (*Action, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	a, ok := g.actions[id]
	return a, ok
}

// Template returns the registered template with the given ID.
func (g *Graph) Template(id string) (*Template, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	t, ok := g.templates[id]
	return t, ok
}

// OwnerOf returns the ID owning the given derived output path.
func (g *Graph) OwnerOf(path string) (string, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	id, ok := g.outputs[path]
	return id, ok
}

// Len returns the number of registered actions.
func (g *Graph) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.actions)
}
