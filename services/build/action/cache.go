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

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/cascadebuild/cascade/services/build/fsmeta"
)

// CacheEntry is the recorded outcome of a successful action execution,
// keyed by the action fingerprint.
type CacheEntry struct {
	ActionID   string                      `json:"action_id"`
	OutputMeta map[string]*fsmeta.Metadata `json:"output_meta"`
}

// Cache is an action cache keyed by fingerprint. A hit means the action
// already ran with identical inputs, arguments, and environment, so its
// recorded outputs can be served without re-executing.
type Cache interface {
	// Get returns the entry for the fingerprint, or (nil, nil) on miss.
	Get(ctx context.Context, fingerprint string) (*CacheEntry, error)

	// Put records the entry under the fingerprint.
	Put(ctx context.Context, fingerprint string, entry *CacheEntry) error
}

// MemoryCache is a bounded in-process Cache backed by an LRU.
type MemoryCache struct {
	lru *lru.Cache[string, *CacheEntry]
}

// NewMemoryCache creates a MemoryCache holding at most size entries.
func NewMemoryCache(size int) (*MemoryCache, error) {
	c, err := lru.New[string, *CacheEntry](size)
	if err != nil {
		return nil, err
	}
	return &MemoryCache{lru: c}, nil
}

func (m *MemoryCache) Get(_ context.Context, fingerprint string) (*CacheEntry, error) {
	entry, ok := m.lru.Get(fingerprint)
	if !ok {
		return nil, nil
	}
	return entry, nil
}

func (m *MemoryCache) Put(_ context.Context, fingerprint string, entry *CacheEntry) error {
	m.lru.Add(fingerprint, entry)
	return nil
}
