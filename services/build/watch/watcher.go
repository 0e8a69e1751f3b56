// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package watch observes the source root for filesystem changes and
// delivers debounced, deduplicated batches of changed paths, ready to be
// fed into the builder's invalidation path.
package watch

import (
	"context"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Handler is called with each debounced batch of changed absolute paths.
type Handler func(paths []string)

// Options configures a Watcher. Zero values select defaults.
type Options struct {
	// Debounce is how long to wait for further changes before flushing a
	// batch. Default: 250ms.
	Debounce time.Duration

	// Ignore lists base-name glob patterns to skip. Default covers
	// common editor and VCS noise.
	Ignore []string

	// BufferSize is the pending-change channel capacity. Default: 1024.
	BufferSize int

	// Logger receives watch errors. Default: slog.Default().
	Logger *slog.Logger
}

func (o *Options) applyDefaults() {
	if o.Debounce <= 0 {
		o.Debounce = 250 * time.Millisecond
	}
	if o.Ignore == nil {
		o.Ignore = []string{".git", ".idea", "*.swp", "*.tmp", "*~"}
	}
	if o.BufferSize <= 0 {
		o.BufferSize = 1024
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Watcher recursively watches a source root.
//
// Description:
//
//	Changes are collected into a batch; when the debounce window passes
//	without further events the batch is deduplicated and handed to the
//	handler. Newly created subdirectories join the watch automatically.
//
// Thread Safety:
//
//	Safe for concurrent use. The handler runs on a single goroutine.
type Watcher struct {
	root     string
	handler  Handler
	opts     Options
	notifier *fsnotify.Watcher
	logger   *slog.Logger

	changes  chan string
	done     chan struct{}
	stopOnce sync.Once
}

// New creates a watcher over root. Call Start to begin delivery.
func New(root string, handler Handler, opts Options) (*Watcher, error) {
	opts.applyDefaults()
	notifier, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		root:     root,
		handler:  handler,
		opts:     opts,
		notifier: notifier,
		logger:   opts.Logger,
		changes:  make(chan string, opts.BufferSize),
		done:     make(chan struct{}),
	}, nil
}

// Start begins watching root and all subdirectories. Delivery stops when
// ctx is canceled or Stop is called.
func (w *Watcher) Start(ctx context.Context) error {
	if err := w.addRecursive(w.root); err != nil {
		return err
	}
	go w.pump(ctx)
	go w.deliver(ctx)
	return nil
}

// Stop shuts the watcher down. Safe to call more than once.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.done)
		if err := w.notifier.Close(); err != nil {
			w.logger.Warn("watcher close failed", slog.String("error", err.Error()))
		}
	})
}

func (w *Watcher) addRecursive(root string) error {
	return filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if w.ignored(p) {
			return filepath.SkipDir
		}
		return w.notifier.Add(p)
	})
}

func (w *Watcher) ignored(p string) bool {
	base := filepath.Base(p)
	for _, pattern := range w.opts.Ignore {
		if base == pattern {
			return true
		}
		if ok, _ := filepath.Match(pattern, base); ok {
			return true
		}
	}
	return false
}

// pump converts raw notify events into pending changes.
func (w *Watcher) pump(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return
		case event, ok := <-w.notifier.Events:
			if !ok {
				return
			}
			if w.ignored(event.Name) {
				continue
			}
			if event.Has(fsnotify.Create) {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					if err := w.addRecursive(event.Name); err != nil {
						w.logger.Warn("watch add failed",
							slog.String("path", event.Name),
							slog.String("error", err.Error()))
					}
				}
			}
			select {
			case w.changes <- event.Name:
			default:
				w.logger.Warn("change buffer full, dropping event",
					slog.String("path", event.Name))
			}
		case err, ok := <-w.notifier.Errors:
			if !ok {
				return
			}
			w.logger.Warn("watch error", slog.String("error", err.Error()))
		}
	}
}

// deliver batches pending changes and flushes them after the debounce
// window closes.
func (w *Watcher) deliver(ctx context.Context) {
	var batch []string
	var timer *time.Timer
	var timerC <-chan time.Time

	flush := func() {
		if len(batch) > 0 {
			w.handler(dedupe(batch))
			batch = batch[:0]
		}
		if timer != nil {
			timer.Stop()
			timer, timerC = nil, nil
		}
	}

	for {
		select {
		case <-ctx.Done():
			flush()
			return
		case <-w.done:
			flush()
			return
		case p := <-w.changes:
			batch = append(batch, p)
			if timer == nil {
				timer = time.NewTimer(w.opts.Debounce)
				timerC = timer.C
			} else {
				timer.Reset(w.opts.Debounce)
			}
		case <-timerC:
			flush()
		}
	}
}

// dedupe copies into a fresh slice so handlers may retain the batch
// while deliver keeps appending into its own buffer.
func dedupe(paths []string) []string {
	seen := make(map[string]struct{}, len(paths))
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	return out
}
