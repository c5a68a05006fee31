// Copyright (C) 2026 Joyi AI (oss@joyi.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package snapshot captures, diffs, and restores zone contents.
//
// A snapshot is an immutable, content-addressed capture of a set of files
// at a point in time, keyed by virtual path. Snapshots are the unit of
// rollback for the pack and update pipelines: every mutation is preceded
// by a snapshot sufficient to undo it.
//
// Restore is diff-then-replay rather than blind overwrite: the engine
// takes a fresh snapshot of the current state, diffs it against the
// target, and touches only the files that actually diverged. Restoring
// the same snapshot twice is therefore a no-op the second time.
package snapshot

import (
	"time"
)

// Encoding identifies how file content is stored in a record.
type Encoding string

const (
	// EncodingUTF8 stores content as the literal text.
	EncodingUTF8 Encoding = "utf8"

	// EncodingBase64 stores content base64-encoded (binary files).
	EncodingBase64 Encoding = "base64"
)

// FileRecord is one captured file.
type FileRecord struct {
	// AbsolutePath is where the file was read from.
	AbsolutePath string `json:"absolutePath"`

	// Zone is the owning zone's name.
	Zone string `json:"zone"`

	// ZoneRelativePath is the slash-separated path under the zone root.
	ZoneRelativePath string `json:"zoneRelativePath"`

	// ProjectRelativePath is set when the file lives under the project root.
	ProjectRelativePath string `json:"projectRelativePath,omitempty"`

	// Size is the byte size of the original content.
	Size int64 `json:"size"`

	// Hash is the hex SHA-256 of the original content.
	Hash string `json:"hash"`

	// Encoding says how Content is stored.
	Encoding Encoding `json:"encoding"`

	// Content is the file body, per Encoding.
	Content string `json:"content"`
}

// Snapshot is an immutable capture of a set of files.
type Snapshot struct {
	// ID uniquely identifies the snapshot.
	ID string `json:"id"`

	// CreatedAt is the capture time.
	CreatedAt time.Time `json:"createdAt"`

	// Zones records the zone name to root paths mapping at capture time,
	// for provenance.
	Zones map[string][]string `json:"zones"`

	// Files maps virtual path to the captured record.
	Files map[string]FileRecord `json:"files"`
}

// ChangeType classifies one diff entry.
type ChangeType string

const (
	ChangeAdded    ChangeType = "added"
	ChangeModified ChangeType = "modified"
	ChangeDeleted  ChangeType = "deleted"
)

// DiffEntry is one difference between two snapshots. Diff results are
// computed on demand and never persisted independently.
type DiffEntry struct {
	// VirtualPath addresses the file.
	VirtualPath string `json:"virtualPath"`

	// Zone is the owning zone's name.
	Zone string `json:"zone"`

	// ChangeType says how the file changed from before to after.
	ChangeType ChangeType `json:"changeType"`

	// Before is the record in the before snapshot, when present.
	Before *FileRecord `json:"before,omitempty"`

	// After is the record in the after snapshot, when present.
	After *FileRecord `json:"after,omitempty"`
}

// RestoreResult reports what a restore actually touched.
type RestoreResult struct {
	// Applied lists the diffs that were replayed onto the filesystem.
	Applied []DiffEntry

	// Count is len(Applied).
	Count int
}
