// Copyright (C) 2026 Joyi AI (oss@joyi.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package store implements the durable state store for the
// self-modification subsystem.
//
// Records are JSON files at well-known per-entity paths under the state
// root. There is no file-level locking: the external ChangeSet manager
// serializes self-modification operations, so only one writer is ever in
// flight. Writes go through a temp-file-and-rename so a crash never leaves
// a half-written record behind.
//
// On-disk layout:
//
//	{stateRoot}/changesets/active.json
//	{stateRoot}/changesets/{id}/record.json
//	{stateRoot}/changesets/{id}/baseline.snapshot.json
//	{stateRoot}/baseline/last_known_good.json
//	{stateRoot}/baseline/history.json
//	{stateRoot}/baseline/snapshots/{id}.snapshot.json
//	{stateRoot}/packs/installations.json
//	{stateRoot}/packs/uninstall/{installId}.snapshot.json
//	{stateRoot}/safe-mode/trigger.json
//	{stateRoot}/startup/boot.json
//	{stateRoot}/signing/device-key.json
//	{packsRoot}/bundles/{packId}/{version}.bundle.json
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Store resolves well-known record paths and performs durable JSON I/O.
//
// # Thread Safety
//
// Safe for concurrent reads. Concurrent writes to the same record are the
// caller's responsibility (the ChangeSet manager serializes mutations).
type Store struct {
	stateRoot string
	packsRoot string
}

// New creates a store rooted at stateRoot, with pack bundles cached under
// packsRoot. Neither directory needs to exist yet; EnsureLayout creates
// them.
func New(stateRoot, packsRoot string) (*Store, error) {
	if !filepath.IsAbs(stateRoot) {
		return nil, errors.New("store: stateRoot must be absolute")
	}
	if !filepath.IsAbs(packsRoot) {
		return nil, errors.New("store: packsRoot must be absolute")
	}
	return &Store{stateRoot: filepath.Clean(stateRoot), packsRoot: filepath.Clean(packsRoot)}, nil
}

// StateRoot returns the state root directory.
func (s *Store) StateRoot() string { return s.stateRoot }

// PacksRoot returns the pack bundle root directory.
func (s *Store) PacksRoot() string { return s.packsRoot }

// EnsureLayout creates every directory of the on-disk layout.
func (s *Store) EnsureLayout() error {
	dirs := []string{
		filepath.Join(s.stateRoot, "changesets"),
		filepath.Join(s.stateRoot, "baseline", "snapshots"),
		filepath.Join(s.stateRoot, "packs", "uninstall"),
		filepath.Join(s.stateRoot, "safe-mode"),
		filepath.Join(s.stateRoot, "startup"),
		filepath.Join(s.stateRoot, "updates"),
		filepath.Join(s.stateRoot, "signing"),
		filepath.Join(s.packsRoot, "bundles"),
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0o750); err != nil {
			return fmt.Errorf("create state directory %s: %w", d, err)
		}
	}
	return nil
}

// Record path accessors. These define the on-disk contract; every other
// component addresses state through them.

func (s *Store) ActiveChangeSetPath() string {
	return filepath.Join(s.stateRoot, "changesets", "active.json")
}

func (s *Store) ChangeSetRecordPath(id string) string {
	return filepath.Join(s.stateRoot, "changesets", id, "record.json")
}

func (s *Store) ChangeSetBaselinePath(id string) string {
	return filepath.Join(s.stateRoot, "changesets", id, "baseline.snapshot.json")
}

func (s *Store) LastKnownGoodPath() string {
	return filepath.Join(s.stateRoot, "baseline", "last_known_good.json")
}

func (s *Store) BaselineHistoryPath() string {
	return filepath.Join(s.stateRoot, "baseline", "history.json")
}

func (s *Store) BaselineSnapshotPath(id string) string {
	return filepath.Join(s.stateRoot, "baseline", "snapshots", id+".snapshot.json")
}

func (s *Store) InstallationsPath() string {
	return filepath.Join(s.stateRoot, "packs", "installations.json")
}

func (s *Store) UninstallSnapshotPath(installID string) string {
	return filepath.Join(s.stateRoot, "packs", "uninstall", installID+".snapshot.json")
}

func (s *Store) AppliedReleasePath() string {
	return filepath.Join(s.stateRoot, "updates", "applied_release.json")
}

func (s *Store) SafeModeTriggerPath() string {
	return filepath.Join(s.stateRoot, "safe-mode", "trigger.json")
}

func (s *Store) BootStatusPath() string {
	return filepath.Join(s.stateRoot, "startup", "boot.json")
}

func (s *Store) DeviceKeyPath() string {
	return filepath.Join(s.stateRoot, "signing", "device-key.json")
}

func (s *Store) BundlePath(packID, version string) string {
	return filepath.Join(s.packsRoot, "bundles", packID, version+".bundle.json")
}

func (s *Store) JournalPath() string {
	return filepath.Join(s.stateRoot, "journal")
}

// ReadJSON loads the record at path into v.
//
// # Outputs
//
//   - bool: False when the record does not exist (v is untouched).
//   - error: Non-nil on read or decode failure.
func (s *Store) ReadJSON(path string, v any) (bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("read %s: %w", path, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("decode %s: %w", path, err)
	}
	return true, nil
}

// WriteJSON durably writes v as indented JSON at path, creating parent
// directories as needed. The write is temp-file-and-rename so readers never
// observe a torn record.
func (s *Store) WriteJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", path, err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("create %s: %w", filepath.Dir(path), err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp for %s: %w", path, err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("sync %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close %s: %w", path, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename into %s: %w", path, err)
	}
	return nil
}

// Remove deletes the record at path. Missing records are not an error.
func (s *Store) Remove(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove %s: %w", path, err)
	}
	return nil
}

// BaselineMetadata pairs a persisted baseline snapshot with its
// source-control head. The snapshot itself lives at BaselineSnapshotPath.
type BaselineMetadata struct {
	BaselineID string    `json:"baselineId"`
	GitHead    string    `json:"gitHead,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
}

// MaxBaselineHistory caps the baseline history length.
const MaxBaselineHistory = 50

// LoadLastKnownGood returns the last-known-good baseline, or nil when none
// has been recorded yet.
func (s *Store) LoadLastKnownGood() (*BaselineMetadata, error) {
	var md BaselineMetadata
	ok, err := s.ReadJSON(s.LastKnownGoodPath(), &md)
	if err != nil || !ok {
		return nil, err
	}
	return &md, nil
}

// SaveLastKnownGood records the baseline and appends it to the history,
// pruning entries past MaxBaselineHistory (oldest first). A pruned
// entry's snapshot file is deleted with it so baseline storage stays
// bounded.
func (s *Store) SaveLastKnownGood(md BaselineMetadata) error {
	if err := s.WriteJSON(s.LastKnownGoodPath(), md); err != nil {
		return err
	}

	var history []BaselineMetadata
	if _, err := s.ReadJSON(s.BaselineHistoryPath(), &history); err != nil {
		return err
	}
	history = append(history, md)
	if len(history) > MaxBaselineHistory {
		for _, old := range history[:len(history)-MaxBaselineHistory] {
			if err := s.Remove(s.BaselineSnapshotPath(old.BaselineID)); err != nil {
				return err
			}
		}
		history = history[len(history)-MaxBaselineHistory:]
	}
	return s.WriteJSON(s.BaselineHistoryPath(), history)
}

// LoadBaselineHistory returns the recorded baselines, oldest first.
func (s *Store) LoadBaselineHistory() ([]BaselineMetadata, error) {
	var history []BaselineMetadata
	if _, err := s.ReadJSON(s.BaselineHistoryPath(), &history); err != nil {
		return nil, err
	}
	return history, nil
}

// FindBaselineByGitHead returns the most recent baseline recorded at the
// given git head, or nil.
func (s *Store) FindBaselineByGitHead(head string) (*BaselineMetadata, error) {
	if head == "" {
		return nil, nil
	}
	history, err := s.LoadBaselineHistory()
	if err != nil {
		return nil, err
	}
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].GitHead == head {
			md := history[i]
			return &md, nil
		}
	}
	return nil, nil
}
