// Copyright (C) 2026 Joyi AI (oss@joyi.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package packs implements the pack pipeline: publishing signed bundles
// of file changes built from completed ChangeSets, installing third-party
// packs with hash and signature verification, uninstalling via the saved
// pre-install snapshot, and the safe-mode bulk disable.
//
// Every mutation is preceded by a snapshot sufficient to undo it; any
// failure during an apply loop restores that snapshot synchronously before
// the call returns. No public operation panics past its entry point;
// everything reports a discriminated ok/reason result.
package packs

import (
	"time"

	"github.com/joyi-ai/stella-selfmod/services/selfmod/snapshot"
	"github.com/joyi-ai/stella-selfmod/services/selfmod/validation"
)

// EntryAction says how one pack entry is applied. An "add" collapses to
// ActionUpdate at apply time.
type EntryAction string

const (
	ActionUpdate EntryAction = "update"
	ActionDelete EntryAction = "delete"
)

// Entry is one file change carried by a bundle. Entries apply strictly in
// manifest order.
type Entry struct {
	VirtualPath string            `json:"virtualPath"`
	Zone        string            `json:"zone"`
	Action      EntryAction       `json:"action"`
	Encoding    snapshot.Encoding `json:"encoding,omitempty"`
	Content     string            `json:"content,omitempty"`
	Hash        string            `json:"hash,omitempty"`
	Size        int64             `json:"size,omitempty"`
}

// Manifest describes a pack version: provenance, integrity, and authorship.
type Manifest struct {
	PackID  string `json:"packId"`
	Name    string `json:"name"`
	Version string `json:"version"`

	AuthorDeviceID     string `json:"authorDeviceId"`
	AuthorPublicKeyPem string `json:"authorPublicKeyPem"`

	SourceChangeSetIDs []string `json:"sourceChangeSetIds"`
	BaselineID         string   `json:"baselineId,omitempty"`
	GitHead            string   `json:"gitHead,omitempty"`

	ChangedPaths       []string `json:"changedPaths"`
	Zones              []string `json:"zones"`
	CompatibilityNotes []string `json:"compatibilityNotes,omitempty"`

	ValidationResults     []validation.Result `json:"validationResults,omitempty"`
	SecurityReviewVerdict string              `json:"securityReviewVerdict,omitempty"`

	ContentHash string    `json:"contentHash,omitempty"`
	Signature   string    `json:"signature,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

// MaxDiffPatchChars truncates the provenance patch carried by a bundle.
const MaxDiffPatchChars = 300000

// Bundle is a distributable pack version: manifest, ordered entries, and
// an optional provenance diff.
type Bundle struct {
	Manifest Manifest `json:"manifest"`
	Entries  []Entry  `json:"entries"`

	// DiffPatch is the source-control diff at publish time, for human
	// review. Truncated past MaxDiffPatchChars.
	DiffPatch string `json:"diffPatch,omitempty"`
}

// Installation status values.
const (
	StatusInstalled        = "installed"
	StatusUninstalled      = "uninstalled"
	StatusDisabledSafeMode = "disabled_safe_mode"
)

// Installation is the per-device record of one installed pack version.
type Installation struct {
	InstallID string `json:"installId"`
	PackID    string `json:"packId"`
	Name      string `json:"name"`
	Version   string `json:"version"`
	Status    string `json:"status"`

	InstalledAt time.Time `json:"installedAt"`
	UpdatedAt   time.Time `json:"updatedAt"`

	// StatusReason is set when safe mode disabled the pack.
	StatusReason string `json:"statusReason,omitempty"`

	BundleHash         string `json:"bundleHash"`
	Signature          string `json:"signature"`
	AuthorPublicKeyPem string `json:"authorPublicKeyPem"`

	ChangedPaths []string `json:"changedPaths"`
	Zones        []string `json:"zones"`

	// SnapshotPath is the saved pre-install snapshot used by uninstall.
	SnapshotPath string `json:"snapshotPath"`
}
