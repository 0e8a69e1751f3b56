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
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Statter resolves the current metadata of an artifact path.
//
// This is the narrow filesystem boundary the graph engine consumes; the
// engine never touches the filesystem in any other way.
type Statter interface {
	Stat(ctx context.Context, path string) (*Metadata, error)
}

// DefaultDigestCacheSize bounds the LRU digest cache.
const DefaultDigestCacheSize = 65536

// cachedDigest is an LRU entry validated by size and mtime before reuse.
type cachedDigest struct {
	digest string
	size   int64
	mtime  int64
}

// LocalStatterOption is a functional option for configuring LocalStatter.
type LocalStatterOption func(*LocalStatter)

// WithMaxFileSize caps the size of files the statter will hash.
func WithMaxFileSize(n int64) LocalStatterOption {
	return func(s *LocalStatter) {
		if n > 0 {
			s.hasher = NewSHA256Hasher(n)
		}
	}
}

// WithDigestCacheSize sets the LRU digest cache capacity.
func WithDigestCacheSize(n int) LocalStatterOption {
	return func(s *LocalStatter) {
		if n > 0 {
			s.cacheSize = n
		}
	}
}

// LocalStatter implements Statter against the local filesystem.
//
// Description:
//
//	Files are digested with SHA-256; an mtime+size validated LRU cache
//	skips re-hashing unchanged files across builds. Directories are
//	walked, their regular-file children listed relative to the directory,
//	and the tree digest combines child paths with child digests.
//
// Thread Safety:
//
//	Safe for concurrent use.
type LocalStatter struct {
	hasher    *SHA256Hasher
	cache     *lru.Cache[string, cachedDigest]
	cacheSize int
}

// NewLocalStatter creates a local statter with the given options.
func NewLocalStatter(opts ...LocalStatterOption) (*LocalStatter, error) {
	s := &LocalStatter{
		hasher:    NewSHA256Hasher(0),
		cacheSize: DefaultDigestCacheSize,
	}
	for _, opt := range opts {
		opt(s)
	}
	cache, err := lru.New[string, cachedDigest](s.cacheSize)
	if err != nil {
		return nil, fmt.Errorf("create digest cache: %w", err)
	}
	s.cache = cache
	return s, nil
}

// Stat implements Statter.
func (s *LocalStatter) Stat(ctx context.Context, path string) (*Metadata, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}

	if info.IsDir() {
		return s.statTree(ctx, path)
	}

	digest, err := s.fileDigest(path, info)
	if err != nil {
		return nil, err
	}
	return &Metadata{
		Digest: digest,
		Size:   info.Size(),
		MTime:  info.ModTime(),
	}, nil
}

// fileDigest returns the content digest, reusing the LRU entry when size
// and mtime are unchanged.
func (s *LocalStatter) fileDigest(path string, info os.FileInfo) (string, error) {
	if entry, ok := s.cache.Get(path); ok {
		if entry.size == info.Size() && entry.mtime == info.ModTime().UnixNano() {
			return entry.digest, nil
		}
	}

	digest, err := s.hasher.HashFileAtomic(path, DefaultMaxRetries)
	if err != nil {
		return "", err
	}
	s.cache.Add(path, cachedDigest{
		digest: digest,
		size:   info.Size(),
		mtime:  info.ModTime().UnixNano(),
	})
	return digest, nil
}

// statTree enumerates a directory artifact's children and combines their
// digests.
func (s *LocalStatter) statTree(ctx context.Context, root string) (*Metadata, error) {
	var children []string
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if cerr := ctx.Err(); cerr != nil {
			return cerr
		}
		if d.Type().IsRegular() {
			rel, rerr := filepath.Rel(root, p)
			if rerr != nil {
				return rerr
			}
			children = append(children, filepath.ToSlash(rel))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk %s: %w", root, err)
	}
	sort.Strings(children)

	pairs := make([]childDigest, 0, len(children))
	var total int64
	for _, child := range children {
		abs := filepath.Join(root, child)
		info, err := os.Stat(abs)
		if err != nil {
			return nil, fmt.Errorf("stat %s: %w", abs, err)
		}
		digest, err := s.fileDigest(abs, info)
		if err != nil {
			return nil, err
		}
		pairs = append(pairs, childDigest{path: child, digest: digest})
		total += info.Size()
	}

	rootInfo, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", root, err)
	}
	return &Metadata{
		Digest:   combineDigests(pairs),
		Size:     total,
		MTime:    rootInfo.ModTime(),
		IsDir:    true,
		Children: children,
	}, nil
}
