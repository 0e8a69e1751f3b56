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
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func newStatter(t *testing.T) *LocalStatter {
	t.Helper()
	s, err := NewLocalStatter()
	if err != nil {
		t.Fatalf("NewLocalStatter: %v", err)
	}
	return s
}

func TestLocalStatter_File(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "a.txt", "hello")

	s := newStatter(t)
	md, err := s.Stat(context.Background(), path)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if md.IsDir {
		t.Error("file reported as directory")
	}
	if md.Size != 5 {
		t.Errorf("size = %d, want 5", md.Size)
	}
	if len(md.Digest) != 64 {
		t.Errorf("digest %q is not a sha256 hex string", md.Digest)
	}

	// Same content, different file: equal metadata.
	other := writeFile(t, dir, "b.txt", "hello")
	md2, err := s.Stat(context.Background(), other)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if !md.Equals(md2) {
		t.Error("identical content compares unequal")
	}
}

func TestLocalStatter_Missing(t *testing.T) {
	s := newStatter(t)
	_, err := s.Stat(context.Background(), filepath.Join(t.TempDir(), "nope"))
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestLocalStatter_DigestCacheRevalidates(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "a.txt", "v1")

	s := newStatter(t)
	md1, err := s.Stat(context.Background(), path)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}

	// Rewrite with new content and a firmly different mtime.
	if err := os.WriteFile(path, []byte("v2!"), 0o644); err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	future := time.Now().Add(2 * time.Second)
	if err := os.Chtimes(path, future, future); err != nil {
		t.Fatalf("chtimes: %v", err)
	}

	md2, err := s.Stat(context.Background(), path)
	if err != nil {
		t.Fatalf("Stat after change: %v", err)
	}
	if md1.Equals(md2) {
		t.Error("cache served stale digest after content change")
	}
}

func TestLocalStatter_Tree(t *testing.T) {
	dir := t.TempDir()
	tree := filepath.Join(dir, "out")
	writeFile(t, tree, "child0", "c0")
	writeFile(t, tree, "child1", "c1")
	writeFile(t, tree, "sub/child2", "c2")

	s := newStatter(t)
	md, err := s.Stat(context.Background(), tree)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if !md.IsDir {
		t.Fatal("directory not reported as tree")
	}
	want := []string{"child0", "child1", "sub/child2"}
	if !reflect.DeepEqual(md.Children, want) {
		t.Errorf("children = %v, want %v", md.Children, want)
	}

	// Tree digest tracks child content.
	writeFile(t, tree, "child1", "c1-changed")
	md2, err := s.Stat(context.Background(), tree)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if md.Digest == md2.Digest {
		t.Error("tree digest unchanged after child edit")
	}
}

func TestSHA256Hasher_SizeCap(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "big.bin", "0123456789")

	h := NewSHA256Hasher(4)
	if _, err := h.HashFile(path); !errors.Is(err, ErrFileTooLarge) {
		t.Errorf("expected ErrFileTooLarge, got %v", err)
	}
}
