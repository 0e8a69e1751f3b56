// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package graph

import "log/slog"

// Differ marks nodes dirty in response to externally changed inputs and
// propagates the marking transitively through reverse-dependency edges.
//
// Description:
//
//	Given the keys that directly represent changed inputs (typically
//	file-state keys supplied by a filesystem watcher or an explicit CLI
//	diff), Invalidate flips exactly the entries with a dependency path
//	back to a changed input to NeedsRebuilding. Their last-known values
//	are retained so the next evaluation can change-prune anything whose
//	inputs turn out to be unchanged in content.
//
// Thread Safety:
//
//	Safe for concurrent use, but must not race with an in-flight
//	Evaluate; run invalidation between builds.
type Differ struct {
	store  *Store
	logger *slog.Logger
}

// NewDiffer creates a differ over the given store.
func NewDiffer(store *Store, logger *slog.Logger) *Differ {
	if logger == nil {
		logger = slog.Default()
	}
	return &Differ{store: store, logger: logger}
}

// Invalidate marks the given changed keys and their transitive reverse
// dependencies as NeedsRebuilding.
//
// Inputs:
//
//	changed - Keys whose external inputs changed since the last build.
//	          Keys with no entry in the store are ignored: a change to a
//	          file no build ever read invalidates nothing.
//
// Outputs:
//
//	[]Key - Every key that was actually flipped, sorted.
func (d *Differ) Invalidate(changed []Key) []Key {
	if len(changed) == 0 {
		return nil
	}
	dirtied := d.store.MarkDirtyTransitive(changed)
	d.logger.Debug("invalidation propagated",
		slog.Int("changed", len(changed)),
		slog.Int("dirtied", len(dirtied)),
	)
	return dirtied
}
