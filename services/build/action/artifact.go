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
	"path"
	"strings"
)

// Root distinguishes where an artifact lives.
type Root int

const (
	// SourceRoot holds checked-in inputs. Source artifacts have no owner.
	SourceRoot Root = iota

	// DerivedRoot holds build outputs. Every derived artifact is owned by
	// exactly one action or template.
	DerivedRoot
)

// String returns the string representation of the root.
func (r Root) String() string {
	if r == SourceRoot {
		return "src"
	}
	return "out"
}

// Artifact identifies a file or directory-shaped build input or output.
//
// Description:
//
//	An artifact's identity (root, path, owner, shape) never changes; the
//	metadata associated with it (digest, mtime, child set) is replaced on
//	each successful execution of its producing action. IsTree marks
//	directory artifacts whose child files are not enumerable until the
//	producing action has run.
//
// Artifacts are immutable value objects and valid map keys.
type Artifact struct {
	// Root is the tree the artifact lives under.
	Root Root

	// Path is the root-relative, slash-separated path.
	Path string

	// Owner is the ID of the producing action or template; empty for
	// source artifacts.
	Owner string

	// IsTree marks directory artifacts.
	IsTree bool
}

// Source creates a source file artifact.
func Source(p string) Artifact {
	return Artifact{Root: SourceRoot, Path: path.Clean(p)}
}

// SourceTree creates a source directory artifact.
func SourceTree(p string) Artifact {
	return Artifact{Root: SourceRoot, Path: path.Clean(p), IsTree: true}
}

// Derived creates a derived file artifact owned by the given action.
func Derived(p, owner string) Artifact {
	return Artifact{Root: DerivedRoot, Path: path.Clean(p), Owner: owner}
}

// DerivedTree creates a derived directory artifact owned by the given
// action or template.
func DerivedTree(p, owner string) Artifact {
	return Artifact{Root: DerivedRoot, Path: path.Clean(p), Owner: owner, IsTree: true}
}

// Child returns the artifact for one file under a tree artifact.
func (a Artifact) Child(rel string, owner string) Artifact {
	return Artifact{
		Root:  a.Root,
		Path:  path.Join(a.Path, rel),
		Owner: owner,
	}
}

// String returns the "root:path" form used in logs and errors.
func (a Artifact) String() string {
	return a.Root.String() + ":" + a.Path
}

// IsSource reports whether the artifact is a checked-in input.
func (a Artifact) IsSource() bool {
	return a.Root == SourceRoot
}

// ancestors returns every strict ancestor directory of p, nearest first.
// "a/b/c" yields "a/b", "a".
func ancestors(p string) []string {
	var out []string
	for {
		i := strings.LastIndexByte(p, '/')
		if i < 0 {
			return out
		}
		p = p[:i]
		out = append(out, p)
	}
}
