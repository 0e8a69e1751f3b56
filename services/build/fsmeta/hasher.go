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
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
)

// DefaultMaxFileSize caps hashed file size at 100MB.
const DefaultMaxFileSize = 100 * 1024 * 1024

// DefaultMaxRetries is how often an unstable file is re-hashed before
// giving up.
const DefaultMaxRetries = 3

// SHA256Hasher computes content digests with a size cap and TOCTOU
// protection.
//
// Thread Safety: safe for concurrent use.
type SHA256Hasher struct {
	maxFileSize int64
}

// NewSHA256Hasher creates a hasher. maxFileSize of 0 means DefaultMaxFileSize.
func NewSHA256Hasher(maxFileSize int64) *SHA256Hasher {
	if maxFileSize <= 0 {
		maxFileSize = DefaultMaxFileSize
	}
	return &SHA256Hasher{maxFileSize: maxFileSize}
}

// HashFile computes the SHA-256 digest of the file at path.
func (h *SHA256Hasher) HashFile(path string) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", fmt.Errorf("stat %s: %w", path, err)
	}
	if info.Size() > h.maxFileSize {
		return "", fmt.Errorf("%w: %s (%d bytes)", ErrFileTooLarge, path, info.Size())
	}

	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	hash := sha256.New()
	if _, err := io.Copy(hash, f); err != nil {
		return "", fmt.Errorf("read %s: %w", path, err)
	}
	return hex.EncodeToString(hash.Sum(nil)), nil
}

// HashFileAtomic hashes path, retrying when the file's size or mtime moves
// under the hash (the file is being written to).
//
// Outputs:
//
//	string - hex digest.
//	error - ErrFileUnstable after maxRetries changes, or the first I/O error.
func (h *SHA256Hasher) HashFileAtomic(path string, maxRetries int) (string, error) {
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}

	for attempt := 0; attempt < maxRetries; attempt++ {
		before, err := os.Stat(path)
		if err != nil {
			return "", fmt.Errorf("stat %s: %w", path, err)
		}

		digest, err := h.HashFile(path)
		if err != nil {
			return "", err
		}

		after, err := os.Stat(path)
		if err != nil {
			return "", fmt.Errorf("stat %s: %w", path, err)
		}
		if before.Size() == after.Size() && before.ModTime().Equal(after.ModTime()) {
			return digest, nil
		}
	}
	return "", fmt.Errorf("%w: %s", ErrFileUnstable, path)
}

// combineDigests folds an ordered list of (path, digest) pairs into one
// digest, used for directory-shaped artifacts.
func combineDigests(pairs []childDigest) string {
	hash := sha256.New()
	for _, p := range pairs {
		fmt.Fprintf(hash, "%s\x00%s\x00", p.path, p.digest)
	}
	return hex.EncodeToString(hash.Sum(nil))
}

type childDigest struct {
	path   string
	digest string
}
