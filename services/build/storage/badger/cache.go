// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package badger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"

	"github.com/cascadebuild/cascade/services/build/action"
)

// cachePrefix namespaces action cache entries within the database.
const cachePrefix = "acache:"

// Cache implements action.Cache on top of an open DB. Entries are
// JSON-encoded and keyed by action fingerprint.
//
// Thread Safety: safe for concurrent use.
type Cache struct {
	db *DB
}

// NewCache creates an action cache over db.
func NewCache(db *DB) *Cache {
	return &Cache{db: db}
}

// Get implements action.Cache. A missing fingerprint is (nil, nil).
func (c *Cache) Get(ctx context.Context, fingerprint string) (*action.CacheEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var entry *action.CacheEntry
	err := c.db.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(cachePrefix + fingerprint))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			var e action.CacheEntry
			if err := json.Unmarshal(val, &e); err != nil {
				return fmt.Errorf("decode cache entry: %w", err)
			}
			entry = &e
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("cache get %s: %w", fingerprint, err)
	}
	return entry, nil
}

// Put implements action.Cache.
func (c *Cache) Put(ctx context.Context, fingerprint string, entry *action.CacheEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode cache entry: %w", err)
	}
	err = c.db.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(cachePrefix+fingerprint), data)
	})
	if err != nil {
		return fmt.Errorf("cache put %s: %w", fingerprint, err)
	}
	return nil
}
