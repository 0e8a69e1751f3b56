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
	"maps"
	"slices"
	"strings"
)

// PathMapper rewrites a child path relative to the input tree into a
// child path relative to the output tree.
type PathMapper func(rel string) string

// IdentityMapper maps every tree child to the same relative path.
func IdentityMapper(rel string) string { return rel }

// Template describes a per-file action stamped out over the children of
// a tree artifact. The concrete child set is only known once the input
// tree has been produced, so expansion happens during evaluation rather
// than at registration time.
type Template struct {
	ID         string
	Mnemonic   string
	Owner      string
	InputTree  Artifact
	OutputTree Artifact
	Mapper     PathMapper
	Args       []string
	Env        map[string]string
}

// Expand synthesizes one action per input tree child.
//
// Description:
//
//	All mapped output paths are validated against each other before any
//	action is produced: two children mapping to the same output path is
//	a conflict surfaced here, never at execution time. The returned
//	actions are deterministic for a given child set regardless of input
//	order.
//
// Outputs:
//
//	[]*Action - one per child, sorted by mapped output path.
//	error     - ConflictError when the mapper collides two children.
func (t *Template) Expand(children []string) ([]*Action, error) {
	sorted := slices.Clone(children)
	slices.Sort(sorted)

	seen := make(map[string]string, len(sorted))
	actions := make([]*Action, 0, len(sorted))
	for _, child := range sorted {
		mapped := t.Mapper(child)
		subID := t.SubActionID(child)
		if prev, ok := seen[mapped]; ok {
			return nil, &ConflictError{
				Output: t.OutputTree.Child(mapped, subID),
				First:  t.SubActionID(prev),
				Second: subID,
			}
		}
		seen[mapped] = child

		actions = append(actions, &Action{
			ID:       subID,
			Mnemonic: t.Mnemonic,
			Owner:    t.Owner,
			Inputs:   []Artifact{t.InputTree.Child(child, t.InputTree.Owner)},
			Outputs:  []Artifact{t.OutputTree.Child(mapped, subID)},
			Args:     slices.Clone(t.Args),
			Env:      maps.Clone(t.Env),
		})
	}
	return actions, nil
}

// SubActionID returns the stable ID for the sub-action handling the
// given input tree child. IDs are derived from the template ID so that
// re-expansion after a restart reuses the same identities.
func (t *Template) SubActionID(child string) string {
	return t.ID + "/" + child
}

// ownsSubAction reports whether id names a sub-action synthesized by
// this template.
func (t *Template) ownsSubAction(id string) bool {
	return strings.HasPrefix(id, t.ID+"/")
}

func (t *Template) equal(o *Template) bool {
	return t.ID == o.ID &&
		t.Mnemonic == o.Mnemonic &&
		t.Owner == o.Owner &&
		t.InputTree == o.InputTree &&
		t.OutputTree == o.OutputTree &&
		slices.Equal(t.Args, o.Args) &&
		maps.Equal(t.Env, o.Env)
}

func (t *Template) String() string {
	return fmt.Sprintf("template %s (%s -> %s)", t.ID, t.InputTree.Path, t.OutputTree.Path)
}
