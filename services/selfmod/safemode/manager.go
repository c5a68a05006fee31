// Copyright (C) 2026 Joyi AI (oss@joyi.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package safemode is the boot-health state machine.
//
// Every startup runs a health sweep: did the previous boot end healthy,
// is there a persisted safe-mode trigger, does a smoke check pass now.
// Any failing signal moves the boot to needs_revert and hands control
// back to the caller; automatic rollback is never silent. The caller
// then either performs the revert (roll back to last known good, disable
// all packs, re-check) or explicitly skips it, trusting the user over
// the automated signal.
package safemode

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/joyi-ai/stella-selfmod/services/selfmod/changeset"
	"github.com/joyi-ai/stella-selfmod/services/selfmod/store"
	"github.com/joyi-ai/stella-selfmod/services/selfmod/validation"
)

// Boot status values.
const (
	BootStarting = "starting"
	BootHealthy  = "healthy"
	BootFailed   = "failed"
)

// BootStatus is the persisted record of one boot. One live record at a
// time; each startup overwrites the previous boot's record after reading
// it.
type BootStatus struct {
	BootID        string    `json:"bootId"`
	StartedAt     time.Time `json:"startedAt"`
	Status        string    `json:"status"`
	FailureReason string    `json:"failureReason,omitempty"`

	// SafeModeApplied is true once a revert was attempted for this boot,
	// whether or not the post-revert check passed.
	SafeModeApplied bool `json:"safeModeApplied"`
}

// Trigger is the persisted safe-mode request, cleared on successful
// recovery or explicit skip.
type Trigger struct {
	Reason string `json:"reason"`
}

// StartupResult tells the caller whether this boot needs a revert.
type StartupResult struct {
	BootID      string `json:"bootId"`
	NeedsRevert bool   `json:"needsRevert"`
	Reason      string `json:"reason,omitempty"`
}

// RevertResult is the outcome of PerformRevert.
type RevertResult struct {
	OK     bool   `json:"ok"`
	Reason string `json:"reason,omitempty"`
}

// PackDisabler is the slice of the pack pipeline safe mode needs.
type PackDisabler interface {
	DisableAllForSafeMode(ctx context.Context, reason string) (int, error)
}

var (
	metricsOnce    sync.Once
	triggerCounter metric.Int64Counter
)

func initMetrics() {
	metricsOnce.Do(func() {
		meter := otel.Meter("stella.selfmod.safemode")
		triggerCounter, _ = meter.Int64Counter("selfmod_safe_mode_triggers_total",
			metric.WithDescription("Boots that entered needs_revert, by trigger source"))
	})
}

// Manager owns the boot-health state machine for one device.
type Manager struct {
	store   *store.Store
	changes changeset.Manager
	packs   PackDisabler
	runner  *validation.Runner
	journal *store.EventJournal
	logger  *slog.Logger

	projectRoot string

	now   func() time.Time
	newID func() string

	// smokeSuite is indirect so tests can substitute deterministic
	// commands for the npm-backed default.
	smokeSuite func(projectRoot string) []validation.Spec
}

// Config wires a Manager. Journal is optional.
type Config struct {
	Store       *store.Store
	Changes     changeset.Manager
	Packs       PackDisabler
	Runner      *validation.Runner
	Journal     *store.EventJournal
	ProjectRoot string
	Logger      *slog.Logger
}

// NewManager validates the wiring and returns a ready manager.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Store == nil || cfg.Changes == nil || cfg.Packs == nil || cfg.Runner == nil {
		return nil, fmt.Errorf("safemode: incomplete manager config")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	initMetrics()
	return &Manager{
		store:       cfg.Store,
		changes:     cfg.Changes,
		packs:       cfg.Packs,
		runner:      cfg.Runner,
		journal:     cfg.Journal,
		logger:      logger.With("component", "safe_mode"),
		projectRoot: cfg.ProjectRoot,
		now:         time.Now,
		newID:       func() string { return uuid.NewString() },
		smokeSuite:  validation.SmokeSuite,
	}, nil
}

// RecordTrigger persists a safe-mode request for the next startup to act
// on. Used by crash handlers and watchdogs outside this package.
func (m *Manager) RecordTrigger(reason string) error {
	return m.store.WriteJSON(m.store.SafeModeTriggerPath(), Trigger{Reason: reason})
}

// Startup runs the boot-health sweep.
//
// # Description
//
// Ensures the durable layout and a baseline exist, reads the previous
// boot's status and any persisted trigger, starts a fresh boot record,
// and runs a smoke check. Three independent signals can demand a revert:
// a persisted trigger, a previous boot that did not end healthy, and a
// failing smoke check. Any one of them returns NeedsRevert=true with the
// accumulated reason; the caller decides between PerformRevert and
// SkipRevert. With no signal at all the boot is marked healthy
// immediately.
func (m *Manager) Startup(ctx context.Context) (StartupResult, error) {
	ctx, span := otel.Tracer("stella.selfmod.safemode").Start(ctx, "safemode.startup")
	defer span.End()

	if err := m.store.EnsureLayout(); err != nil {
		return StartupResult{}, fmt.Errorf("ensure state layout: %w", err)
	}
	if err := m.changes.EnsureBaseline(ctx); err != nil {
		return StartupResult{}, fmt.Errorf("ensure baseline: %w", err)
	}

	var lastBoot BootStatus
	hadLastBoot, err := m.store.ReadJSON(m.store.BootStatusPath(), &lastBoot)
	if err != nil {
		return StartupResult{}, fmt.Errorf("read last boot status: %w", err)
	}
	var trigger Trigger
	hadTrigger, err := m.store.ReadJSON(m.store.SafeModeTriggerPath(), &trigger)
	if err != nil {
		return StartupResult{}, fmt.Errorf("read safe-mode trigger: %w", err)
	}

	boot := BootStatus{BootID: m.newID(), StartedAt: m.now(), Status: BootStarting}
	if err := m.store.WriteJSON(m.store.BootStatusPath(), boot); err != nil {
		return StartupResult{}, fmt.Errorf("write boot record: %w", err)
	}
	span.SetAttributes(attribute.String("boot.id", boot.BootID))

	smoke := validation.SummarizeValidationResults(
		m.runner.RunValidations(ctx, m.smokeSuite(m.projectRoot)))

	var reasons []string
	if hadTrigger {
		reasons = append(reasons, fmt.Sprintf("Safe mode was requested: %s", trigger.Reason))
		m.countTrigger(ctx, "persisted_trigger")
	}
	if hadLastBoot && lastBoot.Status != BootHealthy {
		reasons = append(reasons, fmt.Sprintf("The previous boot ended %s.", lastBoot.Status))
		m.countTrigger(ctx, "unhealthy_last_boot")
	}
	if !smoke.OK {
		reasons = append(reasons, fmt.Sprintf("The smoke check failed: %v", smoke.RequiredFailures))
		m.countTrigger(ctx, "smoke_failure")
	}

	if len(reasons) == 0 {
		boot.Status = BootHealthy
		if err := m.store.WriteJSON(m.store.BootStatusPath(), boot); err != nil {
			return StartupResult{}, fmt.Errorf("mark boot healthy: %w", err)
		}
		m.logger.Info("boot healthy", "boot_id", boot.BootID)
		return StartupResult{BootID: boot.BootID}, nil
	}

	reason := strings.Join(reasons, " ")
	// Persist the accumulated reason so a crash before the user decides
	// re-raises safe mode on the next boot.
	if err := m.store.WriteJSON(m.store.SafeModeTriggerPath(), Trigger{Reason: reason}); err != nil {
		return StartupResult{}, fmt.Errorf("persist safe-mode trigger: %w", err)
	}
	m.journalEvent(ctx, "safe_mode_needed", map[string]string{
		"bootId": boot.BootID, "reason": reason,
	})
	m.logger.Warn("boot needs revert", "boot_id", boot.BootID, "reason", reason)
	return StartupResult{BootID: boot.BootID, NeedsRevert: true, Reason: reason}, nil
}

// PerformRevert rolls back to the last known good baseline, disables all
// installed packs, and re-runs the smoke check.
//
// SafeModeApplied is recorded either way: once a revert is attempted,
// this boot ran in safe mode regardless of whether recovery succeeded.
func (m *Manager) PerformRevert(ctx context.Context, reason string) (RevertResult, error) {
	ctx, span := otel.Tracer("stella.selfmod.safemode").Start(ctx, "safemode.revert")
	defer span.End()

	failBoot := func(why string) (RevertResult, error) {
		if err := m.updateBoot(func(b *BootStatus) {
			b.Status = BootFailed
			b.FailureReason = why
			b.SafeModeApplied = true
		}); err != nil {
			return RevertResult{}, err
		}
		m.journalEvent(ctx, "safe_mode_revert_failed", map[string]string{"reason": why})
		m.logger.Error("safe-mode revert failed", "reason", why)
		return RevertResult{OK: false, Reason: why}, nil
	}

	if err := m.changes.RollbackToLastKnownGood(ctx, reason); err != nil {
		return failBoot(fmt.Sprintf("Rollback to last known good failed: %v", err))
	}
	disabled, err := m.packs.DisableAllForSafeMode(ctx, reason)
	if err != nil {
		return failBoot(fmt.Sprintf("Disabling installed packs failed: %v", err))
	}

	smoke := validation.SummarizeValidationResults(
		m.runner.RunValidations(ctx, m.smokeSuite(m.projectRoot)))
	if !smoke.OK {
		return failBoot(fmt.Sprintf("The post-revert smoke check failed: %v", smoke.RequiredFailures))
	}

	if err := m.store.Remove(m.store.SafeModeTriggerPath()); err != nil {
		return RevertResult{}, fmt.Errorf("clear safe-mode trigger: %w", err)
	}
	if err := m.updateBoot(func(b *BootStatus) {
		b.Status = BootHealthy
		b.FailureReason = ""
		b.SafeModeApplied = true
	}); err != nil {
		return RevertResult{}, err
	}

	m.journalEvent(ctx, "safe_mode_recovered", map[string]string{
		"reason": reason, "packsDisabled": fmt.Sprint(disabled),
	})
	m.logger.Info("safe-mode recovery complete", "packs_disabled", disabled)
	return RevertResult{OK: true}, nil
}

// SkipRevert records the user's decision to keep the current state:
// clears the trigger and marks the boot healthy without touching files.
func (m *Manager) SkipRevert(ctx context.Context) error {
	if err := m.store.Remove(m.store.SafeModeTriggerPath()); err != nil {
		return fmt.Errorf("clear safe-mode trigger: %w", err)
	}
	if err := m.updateBoot(func(b *BootStatus) {
		b.Status = BootHealthy
		b.FailureReason = ""
	}); err != nil {
		return err
	}
	m.journalEvent(ctx, "safe_mode_skipped", nil)
	m.logger.Info("safe-mode revert skipped by user")
	return nil
}

func (m *Manager) updateBoot(mutate func(*BootStatus)) error {
	var boot BootStatus
	if _, err := m.store.ReadJSON(m.store.BootStatusPath(), &boot); err != nil {
		return fmt.Errorf("read boot record: %w", err)
	}
	mutate(&boot)
	if err := m.store.WriteJSON(m.store.BootStatusPath(), boot); err != nil {
		return fmt.Errorf("write boot record: %w", err)
	}
	return nil
}

func (m *Manager) countTrigger(ctx context.Context, source string) {
	if triggerCounter == nil {
		return
	}
	triggerCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("source", source)))
}

func (m *Manager) journalEvent(ctx context.Context, typ string, detail map[string]string) {
	if m.journal == nil {
		return
	}
	m.journal.Append(ctx, store.Event{At: m.now(), Type: typ, Detail: detail})
}
