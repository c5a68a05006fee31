// Copyright (C) 2026 Joyi AI (oss@joyi.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package snapshot

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/joyi-ai/stella-selfmod/services/selfmod/pathutil"
	"github.com/joyi-ai/stella-selfmod/services/selfmod/zones"
)

// Options filters which zones and files a snapshot covers. The same filter
// is applied on restore so a scoped snapshot can never touch files outside
// its scope.
type Options struct {
	// Zones restricts capture to the named zones. Empty means all zones.
	Zones []string

	// Kinds restricts capture to zones of the given kinds. Empty means all.
	Kinds []zones.Kind

	// SubsetPaths restricts capture to files at or under the given
	// absolute paths. When set, only zones touched by these paths are
	// walked at all.
	SubsetPaths []string
}

// zoneSelected reports whether the zone passes the Zones/Kinds filters and,
// when SubsetPaths is set, whether any subset path touches the zone.
func (o Options) zoneSelected(z zones.Zone) bool {
	if len(o.Zones) > 0 {
		found := false
		for _, name := range o.Zones {
			if name == z.Name {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if len(o.Kinds) > 0 {
		found := false
		for _, k := range o.Kinds {
			if k == z.Kind {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if len(o.SubsetPaths) > 0 {
		for _, p := range o.SubsetPaths {
			for _, root := range z.Roots {
				if pathutil.Contains(root, p) || pathutil.Contains(p, root) {
					return true
				}
			}
		}
		return false
	}
	return true
}

// pathSelected reports whether an absolute file path passes the
// SubsetPaths filter.
func (o Options) pathSelected(abs string) bool {
	if len(o.SubsetPaths) == 0 {
		return true
	}
	for _, p := range o.SubsetPaths {
		if pathutil.Contains(p, abs) {
			return true
		}
	}
	return false
}

// Matches reports whether a captured record passes the filter. Used to
// scope restore to the snapshot's original coverage.
func (o Options) Matches(zm *zones.Manager, rec FileRecord) bool {
	z := zm.ZoneByName(rec.Zone)
	if z == nil {
		return false
	}
	if len(o.SubsetPaths) > 0 {
		return o.zoneSelectedIgnoringSubset(*z) && o.pathSelected(rec.AbsolutePath)
	}
	return o.zoneSelected(*z)
}

func (o Options) zoneSelectedIgnoringSubset(z zones.Zone) bool {
	trimmed := o
	trimmed.SubsetPaths = nil
	return trimmed.zoneSelected(z)
}

// Directory names never descended into during capture.
var skipDirs = map[string]bool{
	".git":         true,
	".hg":          true,
	".svn":         true,
	"node_modules": true,
	"dist":         true,
	"build":        true,
	"out":          true,
	"coverage":     true,
	"__pycache__":  true,
	".cache":       true,
	".next":        true,
	"target":       true,
	"vendor":       true,
}

// DefaultReadConcurrency bounds concurrent file reads during capture.
const DefaultReadConcurrency = 8

// Engine captures, diffs, and restores snapshots.
//
// # Thread Safety
//
// Safe for concurrent use. Capture is a pure read pass; restore mutates
// the filesystem and relies on the external ChangeSet manager to serialize
// self-modification operations.
type Engine struct {
	concurrency int
	logger      *slog.Logger
}

// NewEngine creates an engine. concurrency <= 0 selects
// DefaultReadConcurrency.
func NewEngine(concurrency int, logger *slog.Logger) *Engine {
	if concurrency <= 0 {
		concurrency = DefaultReadConcurrency
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{concurrency: concurrency, logger: logger.With("component", "snapshot")}
}

// Create captures the current content of every selected zone.
//
// # Description
//
// Walks each selected zone root depth-first, skipping well-known
// build/VCS/cache directories, and reads every regular file. Files are
// hashed with SHA-256 and stored as UTF-8 text or base64 depending on a
// best-effort text heuristic (NUL bytes and UTF-8 replacement rate).
// Unreadable files are skipped, never fatal. Reads run with bounded
// concurrency; there is no shared mutable state across files beyond the
// result map.
func (e *Engine) Create(ctx context.Context, zm *zones.Manager, opts Options) (*Snapshot, error) {
	snap := &Snapshot{
		ID:        uuid.New().String(),
		CreatedAt: time.Now().UTC(),
		Zones:     make(map[string][]string),
		Files:     make(map[string]FileRecord),
	}

	type candidate struct {
		zone zones.Zone
		abs  string
	}
	var candidates []candidate

	for _, z := range zm.Zones() {
		if !opts.zoneSelected(z) {
			continue
		}
		snap.Zones[z.Name] = append([]string(nil), z.Roots...)

		for _, root := range z.Roots {
			err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
				if err != nil {
					// Unreadable directory entry: skip, never fatal.
					if d != nil && d.IsDir() {
						return filepath.SkipDir
					}
					return nil
				}
				if d.IsDir() {
					if path != root && skipDirs[d.Name()] {
						return filepath.SkipDir
					}
					return nil
				}
				if !d.Type().IsRegular() {
					return nil
				}
				if !opts.pathSelected(path) {
					return nil
				}
				candidates = append(candidates, candidate{zone: z, abs: path})
				return nil
			})
			if err != nil {
				return nil, fmt.Errorf("walk zone %s root %s: %w", z.Name, root, err)
			}
		}
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.concurrency)

	for _, cand := range candidates {
		cand := cand
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			rec, ok := e.capture(zm, cand.zone, cand.abs)
			if !ok {
				return nil
			}
			virtual := pathutil.JoinVirtual(cand.zone.VirtualRoot, rec.ZoneRelativePath)
			mu.Lock()
			snap.Files[virtual] = rec
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	return snap, nil
}

// capture reads and encodes one file. Returns ok=false when the file could
// not be read or classified.
func (e *Engine) capture(zm *zones.Manager, z zones.Zone, abs string) (FileRecord, bool) {
	data, err := os.ReadFile(abs)
	if err != nil {
		e.logger.Debug("snapshot skipping unreadable file", "path", abs, "error", err.Error())
		return FileRecord{}, false
	}

	var rel string
	for _, root := range z.Roots {
		if r, ok := pathutil.RelativeWithin(root, abs); ok {
			rel = r
			break
		}
	}

	sum := sha256.Sum256(data)
	rec := FileRecord{
		AbsolutePath:     abs,
		Zone:             z.Name,
		ZoneRelativePath: rel,
		Size:             int64(len(data)),
		Hash:             hex.EncodeToString(sum[:]),
	}
	if projRel, ok := pathutil.RelativeWithin(zm.ProjectRoot(), abs); ok {
		rec.ProjectRelativePath = projRel
	}

	if looksLikeText(data) {
		rec.Encoding = EncodingUTF8
		rec.Content = string(data)
	} else {
		rec.Encoding = EncodingBase64
		rec.Content = base64.StdEncoding.EncodeToString(data)
	}
	return rec, true
}

// looksLikeText is a best-effort heuristic: no NUL bytes and a low rate of
// invalid UTF-8 sequences. It can misclassify unusual binary formats; the
// base64 fallback keeps round-trips lossless either way.
func looksLikeText(data []byte) bool {
	if len(data) == 0 {
		return true
	}
	invalid := 0
	total := 0
	for i := 0; i < len(data); {
		if data[i] == 0x00 {
			return false
		}
		r, size := utf8.DecodeRune(data[i:])
		if r == utf8.RuneError && size == 1 {
			invalid++
		}
		total++
		i += size
	}
	return float64(invalid)/float64(total) < 0.01
}

// Decode returns the raw bytes of a record's content.
func (r FileRecord) Decode() ([]byte, error) {
	switch r.Encoding {
	case EncodingBase64:
		data, err := base64.StdEncoding.DecodeString(r.Content)
		if err != nil {
			return nil, fmt.Errorf("decode %s: %w", r.AbsolutePath, err)
		}
		return data, nil
	default:
		return []byte(r.Content), nil
	}
}

// Diff computes the differences between two snapshots.
//
// # Description
//
// The result covers the set union of virtual paths: present only in after
// is "added", only in before is "deleted", in both with differing hash is
// "modified". Entries are sorted by virtual path for determinism.
func (e *Engine) Diff(before, after *Snapshot) []DiffEntry {
	paths := make(map[string]bool, len(before.Files)+len(after.Files))
	for p := range before.Files {
		paths[p] = true
	}
	for p := range after.Files {
		paths[p] = true
	}

	var entries []DiffEntry
	for p := range paths {
		b, hasBefore := before.Files[p]
		a, hasAfter := after.Files[p]
		switch {
		case hasBefore && hasAfter:
			if b.Hash != a.Hash {
				bc, ac := b, a
				entries = append(entries, DiffEntry{
					VirtualPath: p, Zone: a.Zone, ChangeType: ChangeModified,
					Before: &bc, After: &ac,
				})
			}
		case hasAfter:
			ac := a
			entries = append(entries, DiffEntry{
				VirtualPath: p, Zone: a.Zone, ChangeType: ChangeAdded, After: &ac,
			})
		default:
			bc := b
			entries = append(entries, DiffEntry{
				VirtualPath: p, Zone: b.Zone, ChangeType: ChangeDeleted, Before: &bc,
			})
		}
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].VirtualPath < entries[j].VirtualPath
	})
	return entries
}

// Restore replays the filesystem back to the target snapshot's state.
//
// # Description
//
// Takes a fresh snapshot of the current state under the same options
// filter, diffs it against target, and applies only the diffs whose
// zone/path pass the filter: a file present now but absent from target is
// deleted, everything else is rewritten to target's recorded content.
// Restore is idempotent and never touches files outside the current
// divergence from the target state.
//
// # Outputs
//
//   - *RestoreResult: The diffs actually applied and their count.
//   - error: Non-nil on capture failure or the first failed write.
func (e *Engine) Restore(ctx context.Context, target *Snapshot, zm *zones.Manager, opts Options) (*RestoreResult, error) {
	current, err := e.Create(ctx, zm, opts)
	if err != nil {
		return nil, fmt.Errorf("capture current state: %w", err)
	}

	// Diff with target as "before": an added entry is a file the current
	// state has that the target does not.
	diffs := e.Diff(target, current)

	result := &RestoreResult{}
	for _, d := range diffs {
		rec := d.Before
		if d.ChangeType == ChangeAdded {
			rec = d.After
		}
		if rec == nil || !opts.Matches(zm, *rec) {
			continue
		}

		switch d.ChangeType {
		case ChangeAdded:
			if err := os.Remove(rec.AbsolutePath); err != nil && !os.IsNotExist(err) {
				return result, fmt.Errorf("remove %s: %w", rec.AbsolutePath, err)
			}
		default:
			data, err := rec.Decode()
			if err != nil {
				return result, err
			}
			if err := os.MkdirAll(filepath.Dir(rec.AbsolutePath), 0o750); err != nil {
				return result, fmt.Errorf("create %s: %w", filepath.Dir(rec.AbsolutePath), err)
			}
			if err := os.WriteFile(rec.AbsolutePath, data, 0o640); err != nil {
				return result, fmt.Errorf("restore %s: %w", rec.AbsolutePath, err)
			}
		}
		result.Applied = append(result.Applied, d)
	}
	result.Count = len(result.Applied)

	e.logger.Info("snapshot restored",
		"snapshot_id", target.ID,
		"applied", result.Count)
	return result, nil
}
