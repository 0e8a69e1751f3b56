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
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func genTemplate(mapper PathMapper) *Template {
	return &Template{
		ID:         "gen",
		Mnemonic:   "GenFile",
		Owner:      "//pkg:gen",
		InputTree:  SourceTree("protos"),
		OutputTree: DerivedTree("gen", "gen"),
		Mapper:     mapper,
		Args:       []string{"--fast"},
	}
}

func TestExpandIdentityMapper(t *testing.T) {
	tpl := genTemplate(IdentityMapper)

	subs, err := tpl.Expand([]string{"c.proto", "a.proto", "b.proto"})
	require.NoError(t, err)
	require.Len(t, subs, 3)

	// Deterministic order regardless of input order.
	assert.Equal(t, "gen/a.proto", subs[0].ID)
	assert.Equal(t, "gen/b.proto", subs[1].ID)
	assert.Equal(t, "gen/c.proto", subs[2].ID)

	for _, sub := range subs {
		require.Len(t, sub.Outputs, 1)
		out := sub.Outputs[0]
		assert.True(t, strings.HasPrefix(out.Path, "gen/"), "output %s outside tree", out.Path)
		assert.Equal(t, sub.ID, out.Owner)
		assert.Equal(t, "GenFile", sub.Mnemonic)
		require.Len(t, sub.Inputs, 1)
		assert.True(t, strings.HasPrefix(sub.Inputs[0].Path, "protos/"))
	}
}

func TestExpandMapperCollision(t *testing.T) {
	// Both children map to the same output path.
	tpl := genTemplate(func(rel string) string { return "same.out" })

	_, err := tpl.Expand([]string{"a.proto", "b.proto"})
	var conflict *ConflictError
	require.True(t, errors.As(err, &conflict), "got %v, want ConflictError", err)
	assert.NotEqual(t, conflict.First, conflict.Second)
	assert.Equal(t, "gen/same.out", conflict.Output.Path)
}

func TestExpandEmptyTree(t *testing.T) {
	tpl := genTemplate(IdentityMapper)
	subs, err := tpl.Expand(nil)
	require.NoError(t, err)
	assert.Empty(t, subs)
}

func TestExpandStableIDs(t *testing.T) {
	tpl := genTemplate(IdentityMapper)
	first, err := tpl.Expand([]string{"a.proto", "b.proto"})
	require.NoError(t, err)
	second, err := tpl.Expand([]string{"b.proto", "a.proto"})
	require.NoError(t, err)

	require.Len(t, second, len(first))
	for i := range first {
		assert.Equal(t, first[i].ID, second[i].ID)
		assert.True(t, equalActions(first[i], second[i]))
	}
}
