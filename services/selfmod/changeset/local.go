// Copyright (C) 2026 Joyi AI (oss@joyi.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package changeset

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/joyi-ai/stella-selfmod/services/selfmod/gitutil"
	"github.com/joyi-ai/stella-selfmod/services/selfmod/snapshot"
	"github.com/joyi-ai/stella-selfmod/services/selfmod/store"
	"github.com/joyi-ai/stella-selfmod/services/selfmod/validation"
	"github.com/joyi-ai/stella-selfmod/services/selfmod/zones"
)

// ActiveRecord is the persisted marker of the one in-flight ChangeSet.
// Its presence is the serialization mechanism: a second start fails while
// it exists.
type ActiveRecord struct {
	ID        string    `json:"id"`
	Scope     string    `json:"scope"`
	AgentType string    `json:"agentType"`
	DeviceID  string    `json:"deviceId"`
	Reason    string    `json:"reason"`
	StartedAt time.Time `json:"startedAt"`
}

// LocalManager is a file-backed Manager for hosts that do not bring their
// own: every ChangeSet gets a platform-zone snapshot at start, validation
// at finish, and a diff-derived changed-file list. Completing a ChangeSet
// promotes the resulting state to the new last-known-good baseline.
type LocalManager struct {
	store  *store.Store
	zones  *zones.Manager
	engine *snapshot.Engine
	runner *validation.Runner
	git    *gitutil.Client
	logger *slog.Logger

	now   func() time.Time
	newID func() string

	defaultSuite func(projectRoot string) []validation.Spec
}

// LocalConfig wires a LocalManager. Git is optional.
type LocalConfig struct {
	Store  *store.Store
	Zones  *zones.Manager
	Engine *snapshot.Engine
	Runner *validation.Runner
	Git    *gitutil.Client
	Logger *slog.Logger
}

// NewLocalManager validates the wiring and returns a ready manager.
func NewLocalManager(cfg LocalConfig) (*LocalManager, error) {
	if cfg.Store == nil || cfg.Zones == nil || cfg.Engine == nil || cfg.Runner == nil {
		return nil, fmt.Errorf("changeset: incomplete local manager config")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &LocalManager{
		store:        cfg.Store,
		zones:        cfg.Zones,
		engine:       cfg.Engine,
		runner:       cfg.Runner,
		git:          cfg.Git,
		logger:       logger.With("component", "changeset"),
		now:          time.Now,
		newID:        func() string { return uuid.NewString() },
		defaultSuite: validation.DefaultSuite,
	}, nil
}

var _ Manager = (*LocalManager)(nil)

func (m *LocalManager) platformOptions() snapshot.Options {
	return snapshot.Options{Kinds: []zones.Kind{zones.KindPlatform}}
}

// EnsureBaseline creates the initial last-known-good baseline when none
// exists yet. An existing baseline whose snapshot file survives is left
// untouched.
func (m *LocalManager) EnsureBaseline(ctx context.Context) error {
	lkg, err := m.store.LoadLastKnownGood()
	if err != nil {
		return fmt.Errorf("load last known good: %w", err)
	}
	if lkg != nil {
		var snap snapshot.Snapshot
		ok, err := m.store.ReadJSON(m.store.BaselineSnapshotPath(lkg.BaselineID), &snap)
		if err != nil {
			return fmt.Errorf("read baseline snapshot: %w", err)
		}
		if ok {
			return nil
		}
		m.logger.Warn("baseline snapshot missing, rebuilding", "baseline_id", lkg.BaselineID)
	}
	_, err = m.promoteBaseline(ctx)
	return err
}

// promoteBaseline snapshots the platform zones and records the result as
// the new last-known-good baseline.
func (m *LocalManager) promoteBaseline(ctx context.Context) (*store.BaselineMetadata, error) {
	snap, err := m.engine.Create(ctx, m.zones, m.platformOptions())
	if err != nil {
		return nil, fmt.Errorf("create baseline snapshot: %w", err)
	}
	md := store.BaselineMetadata{
		BaselineID: "b-" + m.newID(),
		CreatedAt:  m.now(),
	}
	if m.git != nil {
		if head, err := m.git.Head(ctx); err == nil {
			md.GitHead = head
		}
	}
	if err := m.store.WriteJSON(m.store.BaselineSnapshotPath(md.BaselineID), snap); err != nil {
		return nil, fmt.Errorf("persist baseline snapshot: %w", err)
	}
	if err := m.store.SaveLastKnownGood(md); err != nil {
		return nil, fmt.Errorf("save last known good: %w", err)
	}
	m.logger.Info("baseline promoted", "baseline_id", md.BaselineID, "git_head", md.GitHead)
	return &md, nil
}

func (m *LocalManager) StartChangeSet(ctx context.Context, req StartRequest) (StartResult, error) {
	var active ActiveRecord
	exists, err := m.store.ReadJSON(m.store.ActiveChangeSetPath(), &active)
	if err != nil {
		return StartResult{}, fmt.Errorf("read active changeset: %w", err)
	}
	if exists {
		return StartResult{}, fmt.Errorf("changeset %s (%s) is already in flight", active.ID, active.Scope)
	}

	snap, err := m.engine.Create(ctx, m.zones, m.platformOptions())
	if err != nil {
		return StartResult{}, fmt.Errorf("changeset baseline snapshot: %w", err)
	}
	id := "cs-" + m.newID()
	if err := m.store.WriteJSON(m.store.ChangeSetBaselinePath(id), snap); err != nil {
		return StartResult{}, fmt.Errorf("persist changeset baseline: %w", err)
	}
	if err := m.store.WriteJSON(m.store.ActiveChangeSetPath(), ActiveRecord{
		ID:        id,
		Scope:     req.Scope,
		AgentType: req.AgentType,
		DeviceID:  req.DeviceID,
		Reason:    req.Reason,
		StartedAt: m.now(),
	}); err != nil {
		return StartResult{}, fmt.Errorf("persist active changeset: %w", err)
	}
	m.logger.Info("changeset started", "changeset_id", id, "scope", req.Scope)
	return StartResult{ID: id}, nil
}

func (m *LocalManager) FinishChangeSet(ctx context.Context, req FinishRequest) (FinishResult, error) {
	var active ActiveRecord
	exists, err := m.store.ReadJSON(m.store.ActiveChangeSetPath(), &active)
	if err != nil {
		return FinishResult{}, fmt.Errorf("read active changeset: %w", err)
	}
	if !exists {
		return FinishResult{OK: false, Reason: "No ChangeSet is active."}, nil
	}

	specs := req.Validations
	if !req.SkipDefaultValidations {
		specs = append(m.defaultSuite(m.zones.ProjectRoot()), specs...)
	}
	results := append(m.runner.RunValidations(ctx, specs), req.Results...)
	if summary := validation.SummarizeValidationResults(results); !summary.OK {
		// The ChangeSet stays active; the caller decides between a retry
		// and a rollback.
		return FinishResult{OK: false, Reason: fmt.Sprintf(
			"Required validations failed: %v", summary.RequiredFailures)}, nil
	}

	var base snapshot.Snapshot
	ok, err := m.store.ReadJSON(m.store.ChangeSetBaselinePath(active.ID), &base)
	if err != nil {
		return FinishResult{}, fmt.Errorf("read changeset baseline %s: %w", active.ID, err)
	}
	if !ok {
		return FinishResult{}, fmt.Errorf("changeset baseline %s is missing", active.ID)
	}
	current, err := m.engine.Create(ctx, m.zones, m.platformOptions())
	if err != nil {
		return FinishResult{}, fmt.Errorf("post-changeset snapshot: %w", err)
	}

	diffs := m.engine.Diff(&base, current)
	changed := make([]ChangedFile, 0, len(diffs))
	for _, d := range diffs {
		changed = append(changed, ChangedFile{
			VirtualPath: d.VirtualPath,
			Zone:        d.Zone,
			ChangeType:  string(d.ChangeType),
		})
	}

	record := Record{
		ID:           active.ID,
		Status:       StatusCompleted,
		CompletedAt:  m.now(),
		ChangedFiles: changed,
	}
	if err := m.store.WriteJSON(m.store.ChangeSetRecordPath(active.ID), record); err != nil {
		return FinishResult{}, fmt.Errorf("persist changeset record: %w", err)
	}
	if err := m.store.Remove(m.store.ActiveChangeSetPath()); err != nil {
		return FinishResult{}, fmt.Errorf("clear active changeset: %w", err)
	}
	if _, err := m.promoteBaseline(ctx); err != nil {
		return FinishResult{}, err
	}
	m.logger.Info("changeset completed",
		"changeset_id", active.ID, "changed_files", len(changed), "title", req.Title)
	return FinishResult{OK: true, ChangeSet: &record}, nil
}

// AbortChangeSet drops the active marker and the start-time baseline of
// the in-flight ChangeSet. The caller owns restoring the working tree
// first; this only releases the serialization lock.
func (m *LocalManager) AbortChangeSet(ctx context.Context, reason string) error {
	var active ActiveRecord
	exists, err := m.store.ReadJSON(m.store.ActiveChangeSetPath(), &active)
	if err != nil {
		return fmt.Errorf("read active changeset: %w", err)
	}
	if !exists {
		return nil
	}
	if err := m.store.Remove(m.store.ChangeSetBaselinePath(active.ID)); err != nil {
		m.logger.Warn("changeset baseline cleanup failed",
			"changeset_id", active.ID, "error", err.Error())
	}
	if err := m.store.Remove(m.store.ActiveChangeSetPath()); err != nil {
		return fmt.Errorf("clear active changeset: %w", err)
	}
	m.logger.Warn("changeset aborted", "changeset_id", active.ID, "reason", reason)
	return nil
}

func (m *LocalManager) RollbackToLastKnownGood(ctx context.Context, reason string) error {
	lkg, err := m.store.LoadLastKnownGood()
	if err != nil {
		return fmt.Errorf("load last known good: %w", err)
	}
	if lkg == nil {
		return fmt.Errorf("no last-known-good baseline exists")
	}
	var snap snapshot.Snapshot
	ok, err := m.store.ReadJSON(m.store.BaselineSnapshotPath(lkg.BaselineID), &snap)
	if err != nil {
		return fmt.Errorf("read baseline snapshot: %w", err)
	}
	if !ok {
		return fmt.Errorf("baseline snapshot %s is missing", lkg.BaselineID)
	}
	result, err := m.engine.Restore(ctx, &snap, m.zones, m.platformOptions())
	if err != nil {
		return fmt.Errorf("restore baseline: %w", err)
	}
	if err := m.store.Remove(m.store.ActiveChangeSetPath()); err != nil {
		return fmt.Errorf("clear active changeset: %w", err)
	}
	m.logger.Warn("rolled back to last known good",
		"baseline_id", lkg.BaselineID, "restored", result.Count, "reason", reason)
	return nil
}

func (m *LocalManager) LoadChangeSetRecord(ctx context.Context, id string) (*Record, error) {
	var record Record
	ok, err := m.store.ReadJSON(m.store.ChangeSetRecordPath(id), &record)
	if err != nil {
		return nil, fmt.Errorf("read changeset record %s: %w", id, err)
	}
	if !ok {
		return nil, nil
	}
	return &record, nil
}
