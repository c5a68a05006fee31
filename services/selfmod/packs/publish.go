// Copyright (C) 2026 Joyi AI (oss@joyi.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package packs

import (
	"context"
	"fmt"
	"sort"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/mod/semver"

	"github.com/joyi-ai/stella-selfmod/services/selfmod/backend"
	"github.com/joyi-ai/stella-selfmod/services/selfmod/changeset"
	"github.com/joyi-ai/stella-selfmod/services/selfmod/gitutil"
	"github.com/joyi-ai/stella-selfmod/services/selfmod/validation"
)

// PublishRequest describes a pack version to build from completed
// ChangeSets. PackID is optional; a fresh id is minted when empty.
type PublishRequest struct {
	PackID       string   `json:"packId,omitempty"`
	Name         string   `json:"name" validate:"required,min=1,max=120"`
	Version      string   `json:"version" validate:"required"`
	Description  string   `json:"description,omitempty" validate:"max=2000"`
	ChangeSetIDs []string `json:"changeSetIds" validate:"required,min=1,dive,required"`
}

// PublishResult is the discriminated outcome of a publish.
type PublishResult struct {
	OK          bool   `json:"ok"`
	Reason      string `json:"reason,omitempty"`
	PackID      string `json:"packId,omitempty"`
	Version     string `json:"version,omitempty"`
	ContentHash string `json:"contentHash,omitempty"`
}

// securityReviewVerdict is what the backend review returns.
type securityReviewVerdict struct {
	Verdict string   `json:"verdict"`
	Notes   []string `json:"notes,omitempty"`
}

// Publish builds, validates, reviews, signs, and publishes a pack version
// from the named completed ChangeSets.
//
// # Description
//
// The pipeline is fail-closed end to end:
//
//  1. The request must validate and carry a semver version.
//  2. Every referenced ChangeSet must exist and be completed. Changed
//     paths are accumulated chronologically by completion time.
//  3. Current on-disk content is captured for every changed path; paths
//     no longer on disk become delete entries.
//  4. The default validation suite must pass its required checks.
//  5. The backend security review must return "approved". An unreachable
//     backend counts as "needs_changes", never as approval.
//  6. Only then is the bundle hashed, signed, cached locally, and pushed.
//
// Every failure returns {OK: false, Reason}; nothing is partially visible
// to other devices.
func (p *Pipeline) Publish(ctx context.Context, req PublishRequest) (PublishResult, error) {
	ctx, span := otel.Tracer("stella.selfmod.packs").Start(ctx, "packs.publish")
	defer span.End()

	fail := func(reason string) (PublishResult, error) {
		p.logger.Warn("pack publish rejected", "reason", reason)
		countOutcome(ctx, publishCounter, false)
		return PublishResult{OK: false, Reason: reason}, nil
	}

	if err := p.validate.Struct(req); err != nil {
		return fail(fmt.Sprintf("Invalid publish request: %v", err))
	}
	if !semver.IsValid("v" + req.Version) {
		return fail(fmt.Sprintf("Version %q is not a valid semantic version.", req.Version))
	}

	packID := req.PackID
	if packID == "" {
		packID = p.newID()
	}
	span.SetAttributes(attribute.String("pack.id", packID), attribute.String("pack.version", req.Version))

	records, reason := p.loadCompletedChangeSets(ctx, req.ChangeSetIDs)
	if reason != "" {
		return fail(reason)
	}

	changed := accumulateChangedFiles(records)
	if len(changed) == 0 {
		return fail("The referenced ChangeSets contain no file changes.")
	}

	entries, zoneNames, virtualPaths, err := p.buildEntries(ctx, changed)
	if err != nil {
		return PublishResult{}, fmt.Errorf("capture changed files: %w", err)
	}

	notes := p.collectCompatibilityNotes(changed, virtualPaths)

	results := p.runner.RunValidations(ctx, p.defaultSuite(p.zones.ProjectRoot()))
	if summary := validation.SummarizeValidationResults(results); !summary.OK {
		return fail(fmt.Sprintf("Required validations failed: %v", summary.RequiredFailures))
	}

	manifest := Manifest{
		PackID:             packID,
		Name:               req.Name,
		Version:            req.Version,
		AuthorDeviceID:     p.deviceID,
		AuthorPublicKeyPem: p.signer.PublicKeyPem(),
		SourceChangeSetIDs: req.ChangeSetIDs,
		ChangedPaths:       virtualPaths,
		Zones:              zoneNames,
		CompatibilityNotes: notes,
		ValidationResults:  results,
		CreatedAt:          p.now(),
	}
	if lkg, err := p.store.LoadLastKnownGood(); err == nil && lkg != nil {
		manifest.BaselineID = lkg.BaselineID
	}

	bundle := &Bundle{Manifest: manifest, Entries: entries}
	p.attachProvenance(ctx, bundle)

	review := p.bridge.CallAction(ctx, backend.ActionSecurityReviewBundle, struct {
		Manifest Manifest `json:"manifest"`
		Entries  []Entry  `json:"entries"`
	}{manifest, entries})
	verdict := securityReviewVerdict{Verdict: "needs_changes", Notes: []string{"Security review service unavailable."}}
	review.Decode(&verdict)
	bundle.Manifest.SecurityReviewVerdict = verdict.Verdict
	if verdict.Verdict != "approved" {
		return fail(fmt.Sprintf("Security review verdict %q: %v", verdict.Verdict, verdict.Notes))
	}

	hash, err := BundleContentHash(bundle)
	if err != nil {
		return PublishResult{}, fmt.Errorf("hash bundle: %w", err)
	}
	sig, err := p.signer.SignHash(hash)
	if err != nil {
		return PublishResult{}, fmt.Errorf("sign bundle: %w", err)
	}
	bundle.Manifest.ContentHash = hash
	bundle.Manifest.Signature = sig

	if err := p.store.WriteJSON(p.store.BundlePath(packID, req.Version), bundle); err != nil {
		return PublishResult{}, fmt.Errorf("cache bundle: %w", err)
	}

	if res := p.bridge.CallMutation(ctx, backend.ActionPublishVersion, bundle); res.Unavailable {
		return fail("Backend unavailable; the signed bundle is cached locally but was not published.")
	}

	p.journalEvent(ctx, "pack_published", map[string]string{
		"packId": packID, "version": req.Version, "entries": fmt.Sprint(len(entries)),
	})
	countOutcome(ctx, publishCounter, true)
	p.logger.Info("pack published",
		"pack_id", packID, "version", req.Version, "entries", len(entries))
	return PublishResult{OK: true, PackID: packID, Version: req.Version, ContentHash: hash}, nil
}

// loadCompletedChangeSets loads and orders the records by completion
// time. A missing or non-completed record rejects the whole publish.
func (p *Pipeline) loadCompletedChangeSets(ctx context.Context, ids []string) ([]*changeset.Record, string) {
	records := make([]*changeset.Record, 0, len(ids))
	for _, id := range ids {
		rec, err := p.changes.LoadChangeSetRecord(ctx, id)
		if err != nil {
			return nil, fmt.Sprintf("Failed to load ChangeSet %s: %v", id, err)
		}
		if rec == nil {
			return nil, fmt.Sprintf("ChangeSet %s does not exist.", id)
		}
		if rec.Status != changeset.StatusCompleted {
			return nil, fmt.Sprintf("ChangeSet %s is %s, not completed.", id, rec.Status)
		}
		records = append(records, rec)
	}
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].CompletedAt.Before(records[j].CompletedAt)
	})
	return records, ""
}

// accumulateChangedFiles folds the records' changed files chronologically:
// the latest change wins per virtual path.
func accumulateChangedFiles(records []*changeset.Record) map[string]changeset.ChangedFile {
	out := make(map[string]changeset.ChangedFile)
	for _, rec := range records {
		for _, cf := range rec.ChangedFiles {
			out[cf.VirtualPath] = cf
		}
	}
	return out
}

// buildEntries captures current on-disk content for every changed path.
// Paths absent from the capture become delete entries; the pack ships the
// files as they are now, not as any single ChangeSet saw them.
func (p *Pipeline) buildEntries(ctx context.Context, changed map[string]changeset.ChangedFile) ([]Entry, []string, []string, error) {
	virtualPaths := make([]string, 0, len(changed))
	for vp := range changed {
		virtualPaths = append(virtualPaths, vp)
	}
	sort.Strings(virtualPaths)

	opts := p.snapshotOptionsFor(nil, virtualPaths)
	snap, err := p.engine.Create(ctx, p.zones, opts)
	if err != nil {
		return nil, nil, nil, err
	}

	entries := make([]Entry, 0, len(virtualPaths))
	zoneSet := make(map[string]struct{})
	for _, vp := range virtualPaths {
		cf := changed[vp]
		if rec, ok := snap.Files[vp]; ok {
			entries = append(entries, Entry{
				VirtualPath: vp,
				Zone:        rec.Zone,
				Action:      ActionUpdate,
				Encoding:    rec.Encoding,
				Content:     rec.Content,
				Hash:        rec.Hash,
				Size:        rec.Size,
			})
			zoneSet[rec.Zone] = struct{}{}
			continue
		}
		entries = append(entries, Entry{VirtualPath: vp, Zone: cf.Zone, Action: ActionDelete})
		if cf.Zone != "" {
			zoneSet[cf.Zone] = struct{}{}
		}
	}

	zoneNames := make([]string, 0, len(zoneSet))
	for z := range zoneSet {
		zoneNames = append(zoneNames, z)
	}
	sort.Strings(zoneNames)
	return entries, zoneNames, virtualPaths, nil
}

// collectCompatibilityNotes unions the notes recorded on the ChangeSets
// with the notes the instruction chain declares for each path today.
func (p *Pipeline) collectCompatibilityNotes(changed map[string]changeset.ChangedFile, virtualPaths []string) []string {
	var notes []string
	for _, cf := range changed {
		notes = append(notes, cf.CompatibilityNotes...)
	}
	if p.evaluator != nil {
		for _, vp := range virtualPaths {
			cls, err := p.zones.ResolvePath(vp)
			if err != nil {
				continue
			}
			eval := p.evaluator.GetInstructionsForPath(cls.AbsolutePath)
			notes = append(notes, eval.CompatibilityNotes...)
		}
	}
	return dedupeSorted(notes)
}

// attachProvenance records the git head and a truncated diff of the
// project-relative changed paths, when a git client is wired. Failures
// only cost provenance, never the publish.
func (p *Pipeline) attachProvenance(ctx context.Context, bundle *Bundle) {
	if p.git == nil {
		return
	}
	head, err := p.git.Head(ctx)
	if err != nil {
		p.logger.Warn("git head unavailable for provenance", "error", err)
		return
	}
	bundle.Manifest.GitHead = head

	var rels []string
	for _, e := range bundle.Entries {
		cls, err := p.zones.ResolvePath(e.VirtualPath)
		if err != nil || cls.ProjectRelativePath == "" {
			continue
		}
		rels = append(rels, cls.ProjectRelativePath)
	}
	if len(rels) == 0 {
		return
	}
	patch, err := p.git.Diff(ctx, rels)
	if err != nil {
		p.logger.Warn("git diff unavailable for provenance", "error", err)
		return
	}
	if len(patch) > MaxDiffPatchChars {
		patch = patch[:MaxDiffPatchChars]
	}
	bundle.DiffPatch = patch
	if stat, err := gitutil.SummarizeDiff(patch); err == nil {
		p.logger.Info("pack provenance diff",
			"files", stat.FilesChanged, "added", stat.Added, "deleted", stat.Deleted)
	}
}
