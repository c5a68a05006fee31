// Copyright (C) 2026 Joyi AI (oss@joyi.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package instructions evaluates folder-local INSTRUCTIONS.md policy files.
//
// An instruction file sits next to the code it governs. Its YAML front
// matter may name glob patterns that block writes (blockPaths), restrict
// writes to an allowlist (allowPaths), and carry advisory invariants and
// compatibility notes surfaced to merge logic and pack manifests.
//
// Evaluation walks a target path's directory ancestry from the containing
// directory up to the project root, root-first. Rules accumulate across the
// whole chain: a block or an unmet allowlist anywhere blocks the path; a
// nearer file never overrides a farther one.
package instructions

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/joyi-ai/stella-selfmod/services/selfmod/pathutil"
	"github.com/joyi-ai/stella-selfmod/services/selfmod/zones"
)

// FileName is the well-known instruction file name.
const FileName = "INSTRUCTIONS.md"

// Policy is the parsed front matter of one instruction file. A missing or
// malformed front-matter block yields the zero Policy, never an error.
type Policy struct {
	// BlockPaths are glob patterns; a matching target is blocked.
	BlockPaths []string `yaml:"blockPaths"`

	// AllowPaths are glob patterns; when non-empty, targets matching none
	// of them are blocked.
	AllowPaths []string `yaml:"allowPaths"`

	// Invariants are free-text constraints, advisory only.
	Invariants []string `yaml:"invariants"`

	// CompatibilityNotes are free-text notes, advisory only.
	CompatibilityNotes []string `yaml:"compatibilityNotes"`
}

// File is one instruction file discovered during the ancestry walk.
type File struct {
	// Path is the absolute path of the INSTRUCTIONS.md file.
	Path string

	// Dir is the directory containing the file.
	Dir string

	// Policy is the parsed front matter.
	Policy Policy
}

// Evaluation is the outcome for one target path.
type Evaluation struct {
	// Files are the discovered instruction files in root-first order.
	Files []File

	// Blocked is true iff Reasons is non-empty.
	Blocked bool

	// Reasons collects every block match and allowlist violation across
	// the chain.
	Reasons []string

	// Invariants concatenates the invariants of every file in the chain.
	Invariants []string

	// CompatibilityNotes concatenates the notes of every file in the chain.
	CompatibilityNotes []string
}

// Evaluator walks instruction-file ancestry for classified paths.
type Evaluator struct {
	zm     *zones.Manager
	cache  *Cache
	logger *slog.Logger
}

// NewEvaluator creates an evaluator. cache may be nil, in which case every
// call re-reads instruction files from disk.
func NewEvaluator(zm *zones.Manager, cache *Cache, logger *slog.Logger) *Evaluator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Evaluator{
		zm:     zm,
		cache:  cache,
		logger: logger.With("component", "instructions"),
	}
}

// GetInstructionsForPath evaluates the instruction-file chain governing path.
//
// # Description
//
// The target is classified, then every ancestor directory from the target's
// containing directory up to (and including) the project root is checked
// for an INSTRUCTIONS.md. Unreadable or unparsable files are skipped
// silently. Files are evaluated root-first; each file tests the target's
// path relative to the file's own directory (falling back to the
// zone-relative path when the target lies outside that directory).
//
// For targets outside the project root the walk is bounded by the owning
// zone root instead, so instruction files in unrelated parent directories
// are never consulted.
func (e *Evaluator) GetInstructionsForPath(path string) *Evaluation {
	c := e.zm.ClassifyPath(path)

	boundary := e.zm.ProjectRoot()
	if !pathutil.Contains(boundary, c.AbsolutePath) {
		if c.Zone == nil {
			return &Evaluation{}
		}
		for _, root := range c.Zone.Roots {
			if pathutil.Contains(root, c.AbsolutePath) {
				boundary = root
				break
			}
		}
	}

	// Collect leaf-to-root, then reverse.
	var files []File
	dir := filepath.Dir(c.AbsolutePath)
	for {
		if !pathutil.Contains(boundary, dir) {
			break
		}
		if f, ok := e.load(filepath.Join(dir, FileName)); ok {
			files = append(files, f)
		}
		if dir == boundary {
			break
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	for i, j := 0, len(files)-1; i < j; i, j = i+1, j-1 {
		files[i], files[j] = files[j], files[i]
	}

	ev := &Evaluation{Files: files}
	for _, f := range files {
		rel, ok := pathutil.RelativeWithin(f.Dir, c.AbsolutePath)
		if !ok {
			rel = c.ZoneRelativePath
		}

		if matched, pattern := pathutil.MatchAny(f.Policy.BlockPaths, rel); matched {
			ev.Reasons = append(ev.Reasons,
				"Blocked by "+f.Path+": path matches blockPaths pattern "+pattern)
		}
		if len(f.Policy.AllowPaths) > 0 {
			if matched, _ := pathutil.MatchAny(f.Policy.AllowPaths, rel); !matched {
				ev.Reasons = append(ev.Reasons,
					"Blocked by "+f.Path+": path matches no allowPaths pattern")
			}
		}

		ev.Invariants = append(ev.Invariants, f.Policy.Invariants...)
		ev.CompatibilityNotes = append(ev.CompatibilityNotes, f.Policy.CompatibilityNotes...)
	}
	ev.Blocked = len(ev.Reasons) > 0
	return ev
}

// load reads one instruction file, consulting the cache when present.
func (e *Evaluator) load(path string) (File, bool) {
	if e.cache != nil {
		if f, ok := e.cache.Get(path); ok {
			return f, true
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return File{}, false
	}

	f := File{
		Path:   path,
		Dir:    filepath.Dir(path),
		Policy: ParseFrontMatter(data),
	}
	if e.cache != nil {
		e.cache.Put(path, f)
	}
	return f, true
}

// ParseFrontMatter extracts the YAML front-matter block from an instruction
// file body. Malformed or missing front matter yields the zero Policy.
//
// The block is delimited by a "---" line at the top of the file and a
// closing "---" line.
func ParseFrontMatter(data []byte) Policy {
	var p Policy

	text := strings.ReplaceAll(string(data), "\r\n", "\n")
	if !strings.HasPrefix(text, "---\n") {
		return p
	}
	rest := text[len("---\n"):]
	end := strings.Index(rest, "\n---")
	if end < 0 {
		return p
	}

	if err := yaml.Unmarshal([]byte(rest[:end]), &p); err != nil {
		return Policy{}
	}
	return p
}
