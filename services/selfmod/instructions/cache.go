// Copyright (C) 2026 Joyi AI (oss@joyi.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package instructions

import (
	"log/slog"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// Cache memoizes parsed instruction files and invalidates entries when the
// underlying files change on disk.
//
// # Description
//
// Instruction files are consulted on every guarded write, so the evaluator
// would otherwise re-read and re-parse the same handful of files
// constantly. The cache watches each file's directory with fsnotify and
// drops the cached entry on any write, rename, or removal touching an
// INSTRUCTIONS.md.
//
// The cache degrades gracefully: if the watcher cannot be created the cache
// behaves as a plain map and entries simply never expire until Invalidate
// is called. The evaluator also works with no cache at all.
//
// # Thread Safety
//
// Safe for concurrent use.
type Cache struct {
	mu      sync.Mutex
	entries map[string]File
	watched map[string]bool
	watcher *fsnotify.Watcher
	done    chan struct{}
	logger  *slog.Logger
}

// NewCache creates a cache with an fsnotify watcher. The watcher is
// best-effort; creation failure is logged and the cache still works.
func NewCache(logger *slog.Logger) *Cache {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Cache{
		entries: make(map[string]File),
		watched: make(map[string]bool),
		done:    make(chan struct{}),
		logger:  logger.With("component", "instructions_cache"),
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		c.logger.Warn("instruction cache watcher unavailable", "error", err.Error())
		return c
	}
	c.watcher = w
	go c.run()
	return c
}

// Get returns the cached entry for path, if present.
func (c *Cache) Get(path string) (File, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	f, ok := c.entries[path]
	return f, ok
}

// Put stores an entry and starts watching its directory.
func (c *Cache) Put(path string, f File) {
	c.mu.Lock()
	c.entries[path] = f
	dir := filepath.Dir(path)
	needWatch := c.watcher != nil && !c.watched[dir]
	if needWatch {
		c.watched[dir] = true
	}
	c.mu.Unlock()

	if needWatch {
		if err := c.watcher.Add(dir); err != nil {
			c.logger.Debug("watch failed", "dir", dir, "error", err.Error())
		}
	}
}

// Invalidate drops the cached entry for path.
func (c *Cache) Invalidate(path string) {
	c.mu.Lock()
	delete(c.entries, path)
	c.mu.Unlock()
}

// Close stops the watcher. Safe to call once.
func (c *Cache) Close() error {
	close(c.done)
	if c.watcher != nil {
		return c.watcher.Close()
	}
	return nil
}

func (c *Cache) run() {
	for {
		select {
		case <-c.done:
			return
		case ev, ok := <-c.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(ev.Name) != FileName {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0 {
				c.Invalidate(ev.Name)
			}
		case err, ok := <-c.watcher.Errors:
			if !ok {
				return
			}
			c.logger.Debug("instruction cache watch error", "error", err.Error())
		}
	}
}
