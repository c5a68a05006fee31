// Copyright (C) 2026 Joyi AI (oss@joyi.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package updates applies upstream releases without clobbering local
// modifications.
//
// The pipeline resolves a three-way merge base (the baseline snapshot
// tied to the release's declared base commit, else the current baseline),
// detects true conflicts per file, asks the semantic-merge backend to
// resolve them, and applies the release inside a ChangeSet with a
// pre-computed rollback snapshot. A file conflicts only when the local
// copy diverged from base AND upstream diverged from base AND the two
// disagree; everything else auto-applies, including the case where local
// and upstream independently converged on the same content.
package updates

import (
	"time"

	"github.com/joyi-ai/stella-selfmod/services/selfmod/snapshot"
)

// ReleaseAction says how one release entry is applied.
type ReleaseAction string

const (
	ReleaseUpdate ReleaseAction = "update"
	ReleaseDelete ReleaseAction = "delete"
)

// ReleaseEntry is one file change carried by an upstream release.
type ReleaseEntry struct {
	VirtualPath string            `json:"virtualPath"`
	Zone        string            `json:"zone"`
	Action      ReleaseAction     `json:"action"`
	Encoding    snapshot.Encoding `json:"encoding,omitempty"`
	Content     string            `json:"content,omitempty"`
	Hash        string            `json:"hash,omitempty"`
}

// Release is one upstream release bundle.
type Release struct {
	ID      string `json:"id"`
	Version string `json:"version"`

	// BaseGitHead is the commit the release diff was computed against.
	// Used to pick the three-way merge base from baseline history.
	BaseGitHead string `json:"baseGitHead,omitempty"`

	ChangedPaths []string       `json:"changedPaths"`
	Zones        []string       `json:"zones"`
	Entries      []ReleaseEntry `json:"entries"`
	Notes        string         `json:"notes,omitempty"`
	CreatedAt    time.Time      `json:"createdAt"`
}

// Conflict is one file where local and upstream both diverged from base
// and disagree. Invariants and compatibility notes from the governing
// instruction chain ride along as advisory context for the merge.
type Conflict struct {
	VirtualPath string `json:"virtualPath"`
	Zone        string `json:"zone"`

	BaseHash     string `json:"baseHash,omitempty"`
	LocalHash    string `json:"localHash,omitempty"`
	UpstreamHash string `json:"upstreamHash,omitempty"`

	BaseContent     string `json:"baseContent,omitempty"`
	LocalContent    string `json:"localContent,omitempty"`
	UpstreamContent string `json:"upstreamContent,omitempty"`

	Invariants         []string `json:"invariants,omitempty"`
	CompatibilityNotes []string `json:"compatibilityNotes,omitempty"`
}

// Allowed conflict resolutions.
const (
	ResolutionKeepLocal   = "keep_local"
	ResolutionUseUpstream = "use_upstream"
	ResolutionMerged      = "merged"
)

// Resolution is the semantic merge's decision for one conflicted path.
type Resolution struct {
	Choice        string            `json:"resolution"`
	MergedContent string            `json:"mergedContent,omitempty"`
	Encoding      snapshot.Encoding `json:"encoding,omitempty"`
}

// AppliedRelease is the persisted record of the last applied release.
type AppliedRelease struct {
	ReleaseID string    `json:"releaseId"`
	Version   string    `json:"version"`
	AppliedAt time.Time `json:"appliedAt"`
}

// CheckResult reports whether a newer release is available.
type CheckResult struct {
	Available bool     `json:"available"`
	Release   *Release `json:"release,omitempty"`
	Reason    string   `json:"reason,omitempty"`
}

// ApplyResult is the discriminated outcome of an update apply.
type ApplyResult struct {
	OK        bool       `json:"ok"`
	Reason    string     `json:"reason,omitempty"`
	ReleaseID string     `json:"releaseId,omitempty"`
	Applied   int        `json:"applied,omitempty"`
	Conflicts []Conflict `json:"conflicts,omitempty"`
}

// IsConflict implements the three-way rule over content hashes. Absent
// files hash to the empty string; the rule does not care why two sides
// differ, only that they do.
func IsConflict(base, local, upstream string) bool {
	return local != base && upstream != base && local != upstream
}
