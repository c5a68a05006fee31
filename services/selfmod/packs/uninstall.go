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
	"github.com/joyi-ai/stella-selfmod/services/selfmod/snapshot"
	"github.com/joyi-ai/stella-selfmod/services/selfmod/zones"
)

// UninstallRequest asks for a pack to be removed. Version pins one
// installation; when empty the most recently updated one is used.
type UninstallRequest struct {
	PackID        string `json:"packId" validate:"required"`
	Version       string `json:"version,omitempty"`
	UserConfirmed bool   `json:"userConfirmed"`
}

// UninstallResult is the discriminated outcome of an uninstall.
type UninstallResult struct {
	OK       bool   `json:"ok"`
	Reason   string `json:"reason,omitempty"`
	Restored int    `json:"restored,omitempty"`
}

// Uninstall restores the pre-install snapshot saved when the pack was
// installed and marks the installation uninstalled.
//
// An already-uninstalled pack is a no-op success. A missing saved
// snapshot is a hard failure: without it there is nothing trustworthy to
// restore to. The current state is snapshotted first so a failed restore
// or finish can put things back exactly as they were.
func (p *Pipeline) Uninstall(ctx context.Context, req UninstallRequest) (UninstallResult, error) {
	ctx, span := otel.Tracer("stella.selfmod.packs").Start(ctx, "packs.uninstall")
	defer span.End()
	span.SetAttributes(attribute.String("pack.id", req.PackID))

	fail := func(reason string) (UninstallResult, error) {
		p.logger.Warn("pack uninstall rejected", "pack_id", req.PackID, "reason", reason)
		return UninstallResult{OK: false, Reason: reason}, nil
	}

	if err := p.validate.Struct(req); err != nil {
		return fail(fmt.Sprintf("Invalid uninstall request: %v", err))
	}
	if !req.UserConfirmed {
		return fail("Pack removal requires user confirmation.")
	}

	list, err := p.loadInstallations()
	if err != nil {
		return UninstallResult{}, fmt.Errorf("load installations: %w", err)
	}
	idx := -1
	for i, ins := range list {
		if ins.PackID != req.PackID {
			continue
		}
		if req.Version != "" && ins.Version != req.Version {
			continue
		}
		if idx < 0 || ins.UpdatedAt.After(list[idx].UpdatedAt) {
			idx = i
		}
	}
	if idx < 0 {
		return fail(fmt.Sprintf("Pack %s is not installed.", req.PackID))
	}
	target := list[idx]
	if target.Status == StatusUninstalled {
		return UninstallResult{OK: true}, nil
	}

	var saved snapshot.Snapshot
	ok, err := p.store.ReadJSON(target.SnapshotPath, &saved)
	if err != nil {
		return UninstallResult{}, fmt.Errorf("read pre-install snapshot: %w", err)
	}
	if !ok {
		return fail(fmt.Sprintf(
			"The pre-install snapshot for %s@%s is missing; cannot uninstall safely.",
			target.PackID, target.Version))
	}

	if err := p.changes.EnsureBaseline(ctx); err != nil {
		return UninstallResult{}, fmt.Errorf("ensure baseline: %w", err)
	}
	if _, err := p.changes.StartChangeSet(ctx, changeset.StartRequest{
		Scope:         "pack_uninstall",
		AgentType:     zones.AgentSelfMod,
		DeviceID:      p.deviceID,
		Reason:        fmt.Sprintf("Uninstall pack %s@%s", target.Name, target.Version),
		UserConfirmed: true,
	}); err != nil {
		return UninstallResult{}, fmt.Errorf("start changeset: %w", err)
	}

	opts := p.snapshotOptionsFor(target.Zones, target.ChangedPaths)
	current, err := p.engine.Create(ctx, p.zones, opts)
	if err != nil {
		return UninstallResult{}, fmt.Errorf("pre-uninstall snapshot: %w", err)
	}
	p.journalEvent(ctx, "pack_uninstall_begin", map[string]string{
		"packId": target.PackID, "version": target.Version, "installId": target.InstallID,
	})

	// revert puts the pack's files back after a failed restore or finish.
	revert := func(why string) {
		if _, rerr := p.engine.Restore(ctx, current, p.zones, opts); rerr != nil {
			p.logger.Error("uninstall revert failed",
				"install_id", target.InstallID, "error", rerr)
		}
		if aerr := p.changes.AbortChangeSet(ctx, why); aerr != nil {
			p.logger.Error("changeset abort failed",
				"install_id", target.InstallID, "error", aerr)
		}
		p.journalEvent(ctx, "pack_uninstall_rollback", map[string]string{
			"installId": target.InstallID, "reason": why,
		})
	}

	result, err := p.engine.Restore(ctx, &saved, p.zones, opts)
	if err != nil {
		revert(err.Error())
		return fail(fmt.Sprintf("Failed to restore the pre-install snapshot: %v. The pack was left in place.", err))
	}

	finish, err := p.changes.FinishChangeSet(ctx, changeset.FinishRequest{
		Title:                  fmt.Sprintf("Uninstall pack %s@%s", target.Name, target.Version),
		Summary:                fmt.Sprintf("Restored %d file(s) from the pre-install snapshot.", result.Count),
		SkipDefaultValidations: true,
		Validations:            p.smokeSuite(p.zones.ProjectRoot()),
		UserConfirmed:          true,
	})
	if err != nil {
		revert(err.Error())
		return UninstallResult{}, fmt.Errorf("finish changeset: %w", err)
	}
	if !finish.OK {
		revert(finish.Reason)
		return fail(fmt.Sprintf("Post-uninstall validation failed: %s. The pack was left in place.", finish.Reason))
	}

	list[idx].Status = StatusUninstalled
	list[idx].StatusReason = ""
	list[idx].UpdatedAt = p.now()
	if err := p.saveInstallations(list); err != nil {
		return UninstallResult{}, fmt.Errorf("save installations: %w", err)
	}

	p.journalEvent(ctx, "pack_uninstalled", map[string]string{
		"packId": target.PackID, "version": target.Version, "installId": target.InstallID,
	})
	p.logger.Info("pack uninstalled",
		"pack_id", target.PackID, "version", target.Version, "restored", result.Count)
	return UninstallResult{OK: true, Restored: result.Count}, nil
}

// DisableAllForSafeMode flips every installed pack to
// disabled_safe_mode. Metadata only: no files are touched, so a broken
// filesystem state cannot get worse. Returns the number of packs flipped.
func (p *Pipeline) DisableAllForSafeMode(ctx context.Context, reason string) (int, error) {
	list, err := p.loadInstallations()
	if err != nil {
		return 0, fmt.Errorf("load installations: %w", err)
	}
	flipped := 0
	for i := range list {
		if list[i].Status != StatusInstalled {
			continue
		}
		list[i].Status = StatusDisabledSafeMode
		list[i].StatusReason = reason
		list[i].UpdatedAt = p.now()
		flipped++
	}
	if flipped == 0 {
		return 0, nil
	}
	if err := p.saveInstallations(list); err != nil {
		return 0, fmt.Errorf("save installations: %w", err)
	}

	p.bridge.CallMutation(ctx, backend.ActionSafeModeDisabled, struct {
		DeviceID string `json:"deviceId"`
		Reason   string `json:"reason"`
		Count    int    `json:"count"`
	}{p.deviceID, reason, flipped})

	p.journalEvent(ctx, "packs_disabled_safe_mode", map[string]string{
		"reason": reason, "count": fmt.Sprint(flipped),
	})
	p.logger.Warn("packs disabled for safe mode", "count", flipped, "reason", reason)
	return flipped, nil
}
