// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package fsmeta resolves artifact metadata (digest, mtime, directory
// listing) from the local filesystem, with an LRU digest cache so repeated
// stats of unchanged files never re-hash content.
package fsmeta

import "errors"

// Sentinel errors for metadata operations.
var (
	// ErrFileTooLarge is returned when a file exceeds the hasher's size cap.
	ErrFileTooLarge = errors.New("file too large to hash")

	// ErrFileUnstable is returned when a file keeps changing during
	// hashing after exhausting all retry attempts.
	ErrFileUnstable = errors.New("file changed during hashing")

	// ErrNotFound is returned when the artifact path does not exist.
	ErrNotFound = errors.New("artifact path not found")
)
