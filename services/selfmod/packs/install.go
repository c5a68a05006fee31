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

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/joyi-ai/stella-selfmod/services/selfmod/backend"
	"github.com/joyi-ai/stella-selfmod/services/selfmod/changeset"
	"github.com/joyi-ai/stella-selfmod/services/selfmod/zones"
)

// InstallRequest asks for one pack version to be installed.
type InstallRequest struct {
	PackID  string `json:"packId" validate:"required"`
	Version string `json:"version" validate:"required"`

	// UserConfirmed must be true; installs never run silently.
	UserConfirmed bool `json:"userConfirmed"`
}

// InstallResult is the discriminated outcome of an install.
type InstallResult struct {
	OK        bool   `json:"ok"`
	Reason    string `json:"reason,omitempty"`
	InstallID string `json:"installId,omitempty"`
	Applied   int    `json:"applied,omitempty"`
}

// Install fetches, verifies, and applies one pack version.
//
// # Description
//
// User confirmation is checked before any I/O. The bundle comes from the
// local cache when present, otherwise from the backend (and is cached).
// Its content hash and author signature must verify before the
// filesystem is touched, and every entry must resolve into a zone the
// manifest declares.
//
// The apply runs inside a ChangeSet, preceded by a snapshot scoped to the
// bundle's declared zones and changed paths. Entries apply strictly in
// manifest order; the first failure restores the snapshot before
// returning, and the reason reports how many entries had already been
// applied. A failed ChangeSet finish restores the same snapshot. The
// installation record is written only after the finish succeeds.
func (p *Pipeline) Install(ctx context.Context, req InstallRequest) (InstallResult, error) {
	ctx, span := otel.Tracer("stella.selfmod.packs").Start(ctx, "packs.install")
	defer span.End()
	span.SetAttributes(attribute.String("pack.id", req.PackID), attribute.String("pack.version", req.Version))

	fail := func(reason string) (InstallResult, error) {
		p.logger.Warn("pack install rejected",
			"pack_id", req.PackID, "version", req.Version, "reason", reason)
		countOutcome(ctx, installCounter, false)
		return InstallResult{OK: false, Reason: reason}, nil
	}

	if err := p.validate.Struct(req); err != nil {
		return fail(fmt.Sprintf("Invalid install request: %v", err))
	}
	if !req.UserConfirmed {
		return fail("Pack installation requires user confirmation.")
	}

	bundle, reason, err := p.obtainBundle(ctx, req.PackID, req.Version)
	if err != nil {
		return InstallResult{}, err
	}
	if reason != "" {
		return fail(reason)
	}
	if ok, why := VerifyBundle(bundle); !ok {
		return fail(why)
	}

	// Scope check before anything touches disk: every entry must land in
	// a zone the manifest declares, or the pre-install snapshot could not
	// cover it and a rollback would leave it behind.
	declared := make(map[string]struct{}, len(bundle.Manifest.Zones))
	for _, name := range bundle.Manifest.Zones {
		declared[name] = struct{}{}
	}
	for _, entry := range bundle.Entries {
		cls, err := p.zones.ResolvePath(entry.VirtualPath)
		if err != nil || cls.Zone == nil {
			return fail(fmt.Sprintf(
				"Pack entry %s resolves outside every managed zone; install aborted.", entry.VirtualPath))
		}
		if _, ok := declared[cls.Zone.Name]; !ok {
			return fail(fmt.Sprintf(
				"Pack entry %s lands in zone %q, which the manifest does not declare; install aborted.",
				entry.VirtualPath, cls.Zone.Name))
		}
	}

	if err := p.changes.EnsureBaseline(ctx); err != nil {
		return InstallResult{}, fmt.Errorf("ensure baseline: %w", err)
	}
	start, err := p.changes.StartChangeSet(ctx, changeset.StartRequest{
		Scope:         "pack_install",
		AgentType:     zones.AgentSelfMod,
		DeviceID:      p.deviceID,
		Reason:        fmt.Sprintf("Install pack %s@%s", bundle.Manifest.Name, bundle.Manifest.Version),
		UserConfirmed: true,
	})
	if err != nil {
		return InstallResult{}, fmt.Errorf("start changeset: %w", err)
	}

	installID := p.newID()
	opts := p.snapshotOptionsFor(bundle.Manifest.Zones, bundle.Manifest.ChangedPaths)
	preInstall, err := p.engine.Create(ctx, p.zones, opts)
	if err != nil {
		return InstallResult{}, fmt.Errorf("pre-install snapshot: %w", err)
	}
	// Persisted before the apply so a crash mid-install still leaves the
	// uninstall snapshot on disk.
	if err := p.store.WriteJSON(p.store.UninstallSnapshotPath(installID), preInstall); err != nil {
		return InstallResult{}, fmt.Errorf("save pre-install snapshot: %w", err)
	}
	p.journalEvent(ctx, "pack_install_begin", map[string]string{
		"packId": req.PackID, "version": req.Version, "installId": installID, "changeSetId": start.ID,
	})

	rollback := func(why string) {
		if _, rerr := p.engine.Restore(ctx, preInstall, p.zones, opts); rerr != nil {
			p.logger.Error("pre-install snapshot restore failed",
				"install_id", installID, "error", rerr)
		}
		_ = p.store.Remove(p.store.UninstallSnapshotPath(installID))
		// The files are back; release the ChangeSet so the next
		// operation can start.
		if aerr := p.changes.AbortChangeSet(ctx, why); aerr != nil {
			p.logger.Error("changeset abort failed", "install_id", installID, "error", aerr)
		}
		p.journalEvent(ctx, "pack_install_rollback", map[string]string{
			"installId": installID, "reason": why,
		})
		if rollbackCounter != nil {
			rollbackCounter.Add(ctx, 1)
		}
	}

	applied := 0
	for _, entry := range bundle.Entries {
		if err := p.applyEntry(entry); err != nil {
			rollback(err.Error())
			return fail(fmt.Sprintf(
				"Failed to apply %s: %v. Restored the pre-install snapshot; %d change(s) had already been applied.",
				entry.VirtualPath, err, applied))
		}
		applied++
	}

	finish, err := p.changes.FinishChangeSet(ctx, changeset.FinishRequest{
		Title:                  fmt.Sprintf("Install pack %s@%s", bundle.Manifest.Name, bundle.Manifest.Version),
		Summary:                fmt.Sprintf("Applied %d entr(ies) from pack %s.", applied, bundle.Manifest.PackID),
		SkipDefaultValidations: true,
		Validations:            p.smokeSuite(p.zones.ProjectRoot()),
		UserConfirmed:          true,
	})
	if err != nil {
		rollback(err.Error())
		return InstallResult{}, fmt.Errorf("finish changeset: %w", err)
	}
	if !finish.OK {
		rollback(finish.Reason)
		return fail(fmt.Sprintf("Post-install validation failed: %s. The pre-install snapshot was restored.", finish.Reason))
	}

	record := Installation{
		InstallID:          installID,
		PackID:             bundle.Manifest.PackID,
		Name:               bundle.Manifest.Name,
		Version:            bundle.Manifest.Version,
		Status:             StatusInstalled,
		InstalledAt:        p.now(),
		UpdatedAt:          p.now(),
		BundleHash:         bundle.Manifest.ContentHash,
		Signature:          bundle.Manifest.Signature,
		AuthorPublicKeyPem: bundle.Manifest.AuthorPublicKeyPem,
		ChangedPaths:       bundle.Manifest.ChangedPaths,
		Zones:              bundle.Manifest.Zones,
		SnapshotPath:       p.store.UninstallSnapshotPath(installID),
	}
	if err := p.recordInstallation(record); err != nil {
		return InstallResult{}, fmt.Errorf("record installation: %w", err)
	}

	// Telemetry only; a dropped or unavailable call never fails the install.
	p.bridge.CallMutation(ctx, backend.ActionRecordInstallation, struct {
		PackID    string `json:"packId"`
		Version   string `json:"version"`
		InstallID string `json:"installId"`
		DeviceID  string `json:"deviceId"`
	}{record.PackID, record.Version, record.InstallID, p.deviceID})

	p.journalEvent(ctx, "pack_installed", map[string]string{
		"packId": record.PackID, "version": record.Version, "installId": installID,
	})
	countOutcome(ctx, installCounter, true)
	p.logger.Info("pack installed",
		"pack_id", record.PackID, "version", record.Version,
		"install_id", installID, "applied", applied)
	return InstallResult{OK: true, InstallID: installID, Applied: applied}, nil
}

// obtainBundle returns the bundle from the local cache or the backend,
// caching a fetched bundle for later reinstall/uninstall use. A non-empty
// reason means a clean (non-error) failure.
func (p *Pipeline) obtainBundle(ctx context.Context, packID, version string) (*Bundle, string, error) {
	var bundle Bundle
	cached, err := p.store.ReadJSON(p.store.BundlePath(packID, version), &bundle)
	if err != nil {
		return nil, "", fmt.Errorf("read cached bundle: %w", err)
	}
	if cached {
		return &bundle, "", nil
	}

	res := p.bridge.CallAction(ctx, backend.ActionGetBundleForInstall, struct {
		PackID  string `json:"packId"`
		Version string `json:"version"`
	}{packID, version})
	if res.Unavailable {
		return nil, "Backend unavailable and no local copy of the bundle exists.", nil
	}
	if !res.Decode(&bundle) {
		return nil, fmt.Sprintf("Backend returned no usable bundle for %s@%s.", packID, version), nil
	}
	if err := p.store.WriteJSON(p.store.BundlePath(packID, version), &bundle); err != nil {
		return nil, "", fmt.Errorf("cache fetched bundle: %w", err)
	}
	return &bundle, "", nil
}

// recordInstallation appends the record, pruning any superseded record
// for the same pack id and version.
func (p *Pipeline) recordInstallation(record Installation) error {
	list, err := p.loadInstallations()
	if err != nil {
		return err
	}
	kept := list[:0]
	for _, ins := range list {
		if ins.PackID == record.PackID && ins.Version == record.Version {
			continue
		}
		kept = append(kept, ins)
	}
	kept = append(kept, record)
	return p.saveInstallations(kept)
}
