// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package fsmeta

import (
	"sort"
	"time"
)

// Metadata describes one artifact's current filesystem state.
//
// For files, Digest is the SHA-256 of the content. For directories,
// Children lists the root-relative paths of every regular file underneath,
// sorted, and Digest is a combined digest over the child paths and their
// content digests, so two trees with identical contents compare equal.
type Metadata struct {
	Digest   string    `json:"digest"`
	Size     int64     `json:"size"`
	MTime    time.Time `json:"mtime"`
	IsDir    bool      `json:"is_dir"`
	Children []string  `json:"children,omitempty"`
}

// TreeMetadata assembles directory metadata from already-resolved child
// metadata, without touching the filesystem. The digest matches what a
// Statter would compute over the same tree contents.
func TreeMetadata(children map[string]*Metadata) *Metadata {
	rels := make([]string, 0, len(children))
	for rel := range children {
		rels = append(rels, rel)
	}
	sort.Strings(rels)

	pairs := make([]childDigest, 0, len(rels))
	var total int64
	var latest time.Time
	for _, rel := range rels {
		md := children[rel]
		pairs = append(pairs, childDigest{path: rel, digest: md.Digest})
		total += md.Size
		if md.MTime.After(latest) {
			latest = md.MTime
		}
	}
	return &Metadata{
		Digest:   combineDigests(pairs),
		Size:     total,
		MTime:    latest,
		IsDir:    true,
		Children: rels,
	}
}

// Equals reports whether two metadata describe interchangeable content.
// Comparison is by digest; mtime and size are carried for diagnostics and
// cache validation only.
func (m *Metadata) Equals(other *Metadata) bool {
	if m == nil || other == nil {
		return m == other
	}
	if m.IsDir != other.IsDir || m.Digest != other.Digest {
		return false
	}
	if len(m.Children) != len(other.Children) {
		return false
	}
	for i, c := range m.Children {
		if other.Children[i] != c {
			return false
		}
	}
	return true
}
