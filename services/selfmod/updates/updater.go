// Copyright (C) 2026 Joyi AI (oss@joyi.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package updates

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/joyi-ai/stella-selfmod/services/selfmod/backend"
	"github.com/joyi-ai/stella-selfmod/services/selfmod/changeset"
	"github.com/joyi-ai/stella-selfmod/services/selfmod/instructions"
	"github.com/joyi-ai/stella-selfmod/services/selfmod/pathutil"
	"github.com/joyi-ai/stella-selfmod/services/selfmod/snapshot"
	"github.com/joyi-ai/stella-selfmod/services/selfmod/store"
	"github.com/joyi-ai/stella-selfmod/services/selfmod/zones"
)

var (
	metricsOnce  sync.Once
	applyCounter metric.Int64Counter
)

func initMetrics() {
	metricsOnce.Do(func() {
		meter := otel.Meter("stella.selfmod.updates")
		applyCounter, _ = meter.Int64Counter("selfmod_update_apply_total",
			metric.WithDescription("Upstream update applies by outcome"))
	})
}

// Updater runs the upstream update pipeline for one device.
type Updater struct {
	zones     *zones.Manager
	engine    *snapshot.Engine
	store     *store.Store
	changes   changeset.Manager
	bridge    backend.Bridge
	evaluator *instructions.Evaluator
	journal   *store.EventJournal
	logger    *slog.Logger
	deviceID  string

	now func() time.Time
}

// Config wires an Updater. Evaluator and Journal are optional.
type Config struct {
	Zones     *zones.Manager
	Engine    *snapshot.Engine
	Store     *store.Store
	Changes   changeset.Manager
	Bridge    backend.Bridge
	Evaluator *instructions.Evaluator
	Journal   *store.EventJournal
	DeviceID  string
	Logger    *slog.Logger
}

// NewUpdater validates the wiring and returns a ready updater.
func NewUpdater(cfg Config) (*Updater, error) {
	if cfg.Zones == nil || cfg.Engine == nil || cfg.Store == nil || cfg.Changes == nil {
		return nil, fmt.Errorf("updates: incomplete updater config")
	}
	if cfg.Bridge == nil {
		cfg.Bridge = backend.Nop{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	initMetrics()
	return &Updater{
		zones:     cfg.Zones,
		engine:    cfg.Engine,
		store:     cfg.Store,
		changes:   cfg.Changes,
		bridge:    cfg.Bridge,
		evaluator: cfg.Evaluator,
		journal:   cfg.Journal,
		logger:    logger.With("component", "update_pipeline"),
		deviceID:  cfg.DeviceID,
		now:       time.Now,
	}, nil
}

// CheckForUpdate asks the backend for the latest release and compares it
// to the last applied one. Backend unavailability is a clean "nothing
// available" answer, never an error.
func (u *Updater) CheckForUpdate(ctx context.Context) (CheckResult, error) {
	res := u.bridge.CallAction(ctx, backend.ActionGetLatestRelease, struct {
		DeviceID string `json:"deviceId"`
	}{u.deviceID})
	if res.Unavailable {
		return CheckResult{Reason: "Backend unavailable."}, nil
	}
	var rel Release
	if !res.Decode(&rel) || rel.ID == "" {
		return CheckResult{Reason: "The backend returned no usable release."}, nil
	}

	var applied AppliedRelease
	if _, err := u.store.ReadJSON(u.store.AppliedReleasePath(), &applied); err != nil {
		return CheckResult{}, fmt.Errorf("read applied release: %w", err)
	}
	if applied.ReleaseID == rel.ID {
		return CheckResult{Reason: fmt.Sprintf("Release %s is already applied.", rel.ID)}, nil
	}
	return CheckResult{Available: true, Release: &rel}, nil
}

// ApplyRequest asks for one release to be applied.
type ApplyRequest struct {
	ReleaseID     string `json:"releaseId"`
	UserConfirmed bool   `json:"userConfirmed"`
}

// Apply fetches and applies one upstream release.
//
// # Description
//
// The pipeline aborts before touching any file when: the user did not
// confirm, the release cannot be fetched, any entry resolves outside the
// project root, no three-way merge base can be resolved, or any conflict
// comes back from the semantic merge without a usable resolution.
//
// The apply itself runs inside a ChangeSet with a rollback snapshot
// scoped to the release's declared zones and changed paths; any failure
// mid-apply or at ChangeSet finish restores that snapshot before
// returning.
func (u *Updater) Apply(ctx context.Context, req ApplyRequest) (ApplyResult, error) {
	ctx, span := otel.Tracer("stella.selfmod.updates").Start(ctx, "updates.apply")
	defer span.End()
	span.SetAttributes(attribute.String("release.id", req.ReleaseID))

	fail := func(res ApplyResult) (ApplyResult, error) {
		p := res
		p.OK = false
		u.logger.Warn("update apply rejected", "release_id", req.ReleaseID, "reason", p.Reason)
		if applyCounter != nil {
			applyCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", "failed")))
		}
		return p, nil
	}

	if !req.UserConfirmed {
		return fail(ApplyResult{Reason: "Applying an update requires user confirmation."})
	}

	res := u.bridge.CallAction(ctx, backend.ActionGetReleaseForApply, struct {
		ReleaseID string `json:"releaseId"`
		DeviceID  string `json:"deviceId"`
	}{req.ReleaseID, u.deviceID})
	var rel Release
	if res.Unavailable || !res.Decode(&rel) || rel.ID == "" {
		return fail(ApplyResult{Reason: "Backend unavailable or returned no usable release."})
	}

	// Scope check before anything else: a release may only ever touch the
	// project root.
	for _, entry := range rel.Entries {
		cls, err := u.zones.ResolvePath(entry.VirtualPath)
		if err != nil || !pathutil.Contains(u.zones.ProjectRoot(), cls.AbsolutePath) {
			return fail(ApplyResult{Reason: fmt.Sprintf(
				"Release entry %s resolves outside the project root; update aborted.", entry.VirtualPath)})
		}
	}

	base, reason := u.resolveMergeBase(rel.BaseGitHead)
	if base == nil {
		return fail(ApplyResult{Reason: reason})
	}

	opts := u.snapshotOptionsFor(rel.Zones, rel.ChangedPaths)
	current, err := u.engine.Create(ctx, u.zones, opts)
	if err != nil {
		return ApplyResult{}, fmt.Errorf("pre-apply snapshot: %w", err)
	}

	plan, conflicts, err := u.buildPlan(rel, base, current)
	if err != nil {
		return ApplyResult{}, err
	}

	resolutions := map[string]Resolution{}
	if len(conflicts) > 0 {
		resolutions, reason = u.resolveConflicts(ctx, rel, conflicts)
		if reason != "" {
			return fail(ApplyResult{Reason: reason, Conflicts: conflicts})
		}
	}

	if err := u.changes.EnsureBaseline(ctx); err != nil {
		return ApplyResult{}, fmt.Errorf("ensure baseline: %w", err)
	}
	if _, err := u.changes.StartChangeSet(ctx, changeset.StartRequest{
		Scope:         "upstream_update",
		AgentType:     zones.AgentSelfMod,
		DeviceID:      u.deviceID,
		Reason:        fmt.Sprintf("Apply upstream release %s (%s)", rel.ID, rel.Version),
		UserConfirmed: true,
	}); err != nil {
		return ApplyResult{}, fmt.Errorf("start changeset: %w", err)
	}
	u.journalEvent(ctx, "update_apply_begin", map[string]string{
		"releaseId": rel.ID, "version": rel.Version, "conflicts": fmt.Sprint(len(conflicts)),
	})

	rollback := func(why string) {
		if _, rerr := u.engine.Restore(ctx, current, u.zones, opts); rerr != nil {
			u.logger.Error("update rollback failed", "release_id", rel.ID, "error", rerr)
		}
		if aerr := u.changes.AbortChangeSet(ctx, why); aerr != nil {
			u.logger.Error("changeset abort failed", "release_id", rel.ID, "error", aerr)
		}
		u.journalEvent(ctx, "update_apply_rollback", map[string]string{
			"releaseId": rel.ID, "reason": why,
		})
	}

	applied := 0
	for _, step := range plan {
		if step.skip {
			continue
		}
		if r, ok := resolutions[step.entry.VirtualPath]; ok {
			if r.Choice == ResolutionKeepLocal {
				continue
			}
			if r.Choice == ResolutionMerged {
				if err := u.writeMerged(step.entry, r); err != nil {
					rollback(err.Error())
					return fail(ApplyResult{Reason: fmt.Sprintf(
						"Failed to apply merged content for %s: %v. Rolled back; %d change(s) had been applied.",
						step.entry.VirtualPath, err, applied)})
				}
				applied++
				continue
			}
		}
		if err := u.applyEntry(step.entry); err != nil {
			rollback(err.Error())
			return fail(ApplyResult{Reason: fmt.Sprintf(
				"Failed to apply %s: %v. Rolled back; %d change(s) had been applied.",
				step.entry.VirtualPath, err, applied)})
		}
		applied++
	}

	finish, err := u.changes.FinishChangeSet(ctx, changeset.FinishRequest{
		Title:         fmt.Sprintf("Apply upstream release %s", rel.Version),
		Summary:       fmt.Sprintf("Applied %d change(s) from release %s.", applied, rel.ID),
		UserConfirmed: true,
	})
	if err != nil {
		rollback(err.Error())
		return ApplyResult{}, fmt.Errorf("finish changeset: %w", err)
	}
	if !finish.OK {
		rollback(finish.Reason)
		return fail(ApplyResult{Reason: fmt.Sprintf(
			"Post-update validation failed: %s. The update was rolled back.", finish.Reason)})
	}

	if err := u.store.WriteJSON(u.store.AppliedReleasePath(), AppliedRelease{
		ReleaseID: rel.ID, Version: rel.Version, AppliedAt: u.now(),
	}); err != nil {
		return ApplyResult{}, fmt.Errorf("record applied release: %w", err)
	}

	// Telemetry only.
	u.bridge.CallMutation(ctx, backend.ActionRecordAppliedRelease, struct {
		ReleaseID string `json:"releaseId"`
		Version   string `json:"version"`
		DeviceID  string `json:"deviceId"`
	}{rel.ID, rel.Version, u.deviceID})

	u.journalEvent(ctx, "update_applied", map[string]string{
		"releaseId": rel.ID, "version": rel.Version, "applied": fmt.Sprint(applied),
	})
	if applyCounter != nil {
		applyCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", "ok")))
	}
	u.logger.Info("upstream release applied",
		"release_id", rel.ID, "version", rel.Version,
		"applied", applied, "conflicts", len(conflicts))
	return ApplyResult{OK: true, ReleaseID: rel.ID, Applied: applied, Conflicts: conflicts}, nil
}

// resolveMergeBase loads the snapshot tied to the release's base commit
// from baseline history, falling back to the current baseline. No base
// means no update can be safely applied.
func (u *Updater) resolveMergeBase(baseGitHead string) (*snapshot.Snapshot, string) {
	if baseGitHead != "" {
		md, err := u.store.FindBaselineByGitHead(baseGitHead)
		if err == nil && md != nil {
			if snap := u.loadBaselineSnapshot(md.BaselineID); snap != nil {
				return snap, ""
			}
		}
	}
	lkg, err := u.store.LoadLastKnownGood()
	if err == nil && lkg != nil {
		if snap := u.loadBaselineSnapshot(lkg.BaselineID); snap != nil {
			return snap, ""
		}
	}
	return nil, "No merge base available: neither the release's base commit nor the current baseline has a stored snapshot."
}

func (u *Updater) loadBaselineSnapshot(baselineID string) *snapshot.Snapshot {
	var snap snapshot.Snapshot
	ok, err := u.store.ReadJSON(u.store.BaselineSnapshotPath(baselineID), &snap)
	if err != nil || !ok {
		return nil
	}
	return &snap
}

type planStep struct {
	entry ReleaseEntry
	skip  bool
}

// buildPlan classifies every release entry as skip, auto-apply, or
// conflict using the three-way rule over content hashes.
func (u *Updater) buildPlan(rel Release, base, current *snapshot.Snapshot) ([]planStep, []Conflict, error) {
	plan := make([]planStep, 0, len(rel.Entries))
	var conflicts []Conflict
	for _, entry := range rel.Entries {
		baseHash, baseContent := recordHash(base, entry.VirtualPath)
		localHash, localContent := recordHash(current, entry.VirtualPath)
		upstreamHash, err := entryHash(entry)
		if err != nil {
			return nil, nil, fmt.Errorf("hash release entry %s: %w", entry.VirtualPath, err)
		}

		switch {
		case upstreamHash == baseHash:
			// Upstream did not change this file; whatever the local state
			// is, it stays.
			plan = append(plan, planStep{entry: entry, skip: true})
		case localHash == upstreamHash:
			// Converged independently; nothing to write.
			plan = append(plan, planStep{entry: entry, skip: true})
		case !IsConflict(baseHash, localHash, upstreamHash):
			// Only upstream moved; apply it cleanly.
			plan = append(plan, planStep{entry: entry})
		default:
			c := Conflict{
				VirtualPath:     entry.VirtualPath,
				Zone:            entry.Zone,
				BaseHash:        baseHash,
				LocalHash:       localHash,
				UpstreamHash:    upstreamHash,
				BaseContent:     baseContent,
				LocalContent:    localContent,
				UpstreamContent: entry.Content,
			}
			u.attachAdvisories(&c)
			conflicts = append(conflicts, c)
			plan = append(plan, planStep{entry: entry})
		}
	}
	return plan, conflicts, nil
}

// attachAdvisories adds the governing instruction chain's invariants and
// compatibility notes to a conflict.
func (u *Updater) attachAdvisories(c *Conflict) {
	if u.evaluator == nil {
		return
	}
	cls, err := u.zones.ResolvePath(c.VirtualPath)
	if err != nil {
		return
	}
	eval := u.evaluator.GetInstructionsForPath(cls.AbsolutePath)
	c.Invariants = eval.Invariants
	c.CompatibilityNotes = eval.CompatibilityNotes
}

// resolveConflicts asks the semantic-merge backend for a resolution per
// conflict. A missing or malformed resolution for any conflict aborts the
// whole update; there is no default.
func (u *Updater) resolveConflicts(ctx context.Context, rel Release, conflicts []Conflict) (map[string]Resolution, string) {
	res := u.bridge.CallAction(ctx, backend.ActionAgentInvoke, struct {
		Mode      string     `json:"mode"`
		ReleaseID string     `json:"releaseId"`
		Conflicts []Conflict `json:"conflicts"`
	}{"semantic_merge", rel.ID, conflicts})
	var out struct {
		Resolutions map[string]Resolution `json:"resolutions"`
	}
	if res.Unavailable || !res.Decode(&out) {
		return nil, "Semantic merge unavailable; the update was aborted before touching any file."
	}
	for _, c := range conflicts {
		r, ok := out.Resolutions[c.VirtualPath]
		if !ok {
			return nil, fmt.Sprintf("No resolution returned for conflicted path %s; update aborted.", c.VirtualPath)
		}
		switch r.Choice {
		case ResolutionKeepLocal, ResolutionUseUpstream:
		case ResolutionMerged:
			if r.MergedContent == "" {
				return nil, fmt.Sprintf("Merged resolution for %s carries no content; update aborted.", c.VirtualPath)
			}
		default:
			return nil, fmt.Sprintf("Unknown resolution %q for %s; update aborted.", r.Choice, c.VirtualPath)
		}
	}
	return out.Resolutions, ""
}

func (u *Updater) applyEntry(e ReleaseEntry) error {
	cls, err := u.zones.ResolvePath(e.VirtualPath)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", e.VirtualPath, err)
	}
	if e.Action == ReleaseDelete {
		if err := os.Remove(cls.AbsolutePath); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("delete %s: %w", e.VirtualPath, err)
		}
		return nil
	}
	rec := snapshot.FileRecord{Encoding: e.Encoding, Content: e.Content}
	data, err := rec.Decode()
	if err != nil {
		return fmt.Errorf("decode %s: %w", e.VirtualPath, err)
	}
	return writeFileMkdir(cls.AbsolutePath, data)
}

func (u *Updater) writeMerged(e ReleaseEntry, r Resolution) error {
	cls, err := u.zones.ResolvePath(e.VirtualPath)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", e.VirtualPath, err)
	}
	enc := r.Encoding
	if enc == "" {
		enc = snapshot.EncodingUTF8
	}
	rec := snapshot.FileRecord{Encoding: enc, Content: r.MergedContent}
	data, err := rec.Decode()
	if err != nil {
		return fmt.Errorf("decode merged content for %s: %w", e.VirtualPath, err)
	}
	return writeFileMkdir(cls.AbsolutePath, data)
}

func writeFileMkdir(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func (u *Updater) snapshotOptionsFor(zoneNames, virtualPaths []string) snapshot.Options {
	opts := snapshot.Options{Zones: zoneNames}
	for _, vp := range virtualPaths {
		cls, err := u.zones.ResolvePath(vp)
		if err != nil {
			continue
		}
		opts.SubsetPaths = append(opts.SubsetPaths, cls.AbsolutePath)
	}
	return opts
}

func (u *Updater) journalEvent(ctx context.Context, typ string, detail map[string]string) {
	if u.journal == nil {
		return
	}
	u.journal.Append(ctx, store.Event{At: u.now(), Type: typ, Detail: detail})
}

// recordHash returns the hash and content of a snapshot record, or empty
// strings when the path is absent.
func recordHash(snap *snapshot.Snapshot, virtualPath string) (string, string) {
	rec, ok := snap.Files[virtualPath]
	if !ok {
		return "", ""
	}
	return rec.Hash, rec.Content
}

// entryHash hashes a release entry's decoded content; a delete hashes to
// the empty string, matching an absent file.
func entryHash(e ReleaseEntry) (string, error) {
	if e.Action == ReleaseDelete {
		return "", nil
	}
	rec := snapshot.FileRecord{Encoding: e.Encoding, Content: e.Content}
	data, err := rec.Decode()
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
