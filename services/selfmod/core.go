// Copyright (C) 2026 Joyi AI (oss@joyi.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package selfmod assembles the self-modification subsystem.
//
// The subsystem lets the application rewrite parts of its own install
// under strict guardrails: every file write is classified into a zone,
// platform-zone writes happen only inside a ChangeSet with a snapshot
// taken first, finished work is validated before it counts, and a
// boot-health state machine reverts to the last known good baseline when
// a change breaks startup.
//
// This package owns only the wiring. The behavior lives in the
// subpackages:
//
//   - zones: zone table, path resolution, write-guard decisions
//   - instructions: INSTRUCTIONS.md policy evaluation with caching
//   - store: durable JSON state records and the event journal
//   - snapshot: content-addressed snapshot, diff, and restore
//   - signing: device keypair, canonical hashing, ed25519 signatures
//   - changeset: ChangeSet lifecycle with baseline promotion
//   - validation: command-based validation suites
//   - backend: HTTP bridge to the Stella backend
//   - packs: pack publish, install, and uninstall pipelines
//   - updates: upstream release apply with three-way conflict handling
//   - safemode: boot-health state machine and safe-mode revert
//
// Build a Core once per process and share it:
//
//	core, err := selfmod.NewCore(selfmod.Config{
//	    ProjectRoot: "/opt/stella/app",
//	    AppDataRoot: "/home/user/.stella",
//	    Logger:      logger.Slog(),
//	})
//	if err != nil { ... }
//	defer core.Close()
package selfmod

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/joyi-ai/stella-selfmod/services/selfmod/backend"
	"github.com/joyi-ai/stella-selfmod/services/selfmod/changeset"
	"github.com/joyi-ai/stella-selfmod/services/selfmod/gitutil"
	"github.com/joyi-ai/stella-selfmod/services/selfmod/instructions"
	"github.com/joyi-ai/stella-selfmod/services/selfmod/packs"
	"github.com/joyi-ai/stella-selfmod/services/selfmod/safemode"
	"github.com/joyi-ai/stella-selfmod/services/selfmod/signing"
	"github.com/joyi-ai/stella-selfmod/services/selfmod/snapshot"
	"github.com/joyi-ai/stella-selfmod/services/selfmod/store"
	"github.com/joyi-ai/stella-selfmod/services/selfmod/updates"
	"github.com/joyi-ai/stella-selfmod/services/selfmod/validation"
	"github.com/joyi-ai/stella-selfmod/services/selfmod/zones"
)

// Config configures a Core.
type Config struct {
	// ProjectRoot is the absolute path of the application source tree
	// (the platform zone). Required.
	ProjectRoot string

	// AppDataRoot is the absolute per-user application data directory.
	// State records, pack bundles, the journal, and user data all live
	// under it. Required.
	AppDataRoot string

	// DeviceID identifies this device to the backend. Empty derives it
	// from the signing key fingerprint.
	DeviceID string

	// BackendURL is the Stella backend root. Empty disables the backend;
	// pipelines then see every remote call as unavailable and fail
	// closed or degrade per their own rules.
	BackendURL string

	// Changes optionally injects an external ChangeSet manager. Nil
	// uses the file-backed local manager.
	Changes changeset.Manager

	// GitTimeout bounds each git invocation. Default 10s.
	GitTimeout time.Duration

	// SnapshotConcurrency bounds parallel file hashing. Zero uses
	// snapshot.DefaultReadConcurrency.
	SnapshotConcurrency int

	// InMemoryJournal keeps the event journal off disk. For tests.
	InMemoryJournal bool

	// Logger for all components. Nil falls back to slog.Default().
	Logger *slog.Logger
}

// Core holds the wired subsystem. Fields are exported so hosts can reach
// any layer directly; constructing them through NewCore keeps the wiring
// consistent.
type Core struct {
	Zones     *zones.Manager
	Store     *store.Store
	Journal   *store.EventJournal
	Engine    *snapshot.Engine
	Signer    *signing.Signer
	Evaluator *instructions.Evaluator
	Runner    *validation.Runner
	Bridge    backend.Bridge
	Git       *gitutil.Client
	Changes   changeset.Manager
	Packs     *packs.Pipeline
	Updates   *updates.Updater
	SafeMode  *safemode.Manager

	DeviceID string

	cache  *instructions.Cache
	logger *slog.Logger
}

// NewCore builds the whole subsystem from one Config.
//
// # Description
//
// Construction is explicit and ordered: store layout first, then the
// signing identity, then the shared services, then the three pipelines.
// Git is best-effort; when the project root is not a git checkout the
// pipelines simply run without provenance. Everything else that fails to
// construct fails NewCore.
func NewCore(cfg Config) (*Core, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	zm, err := zones.NewManager(zones.Config{
		ProjectRoot: cfg.ProjectRoot,
		AppDataRoot: cfg.AppDataRoot,
		Logger:      logger,
	})
	if err != nil {
		return nil, err
	}

	st, err := store.New(
		filepath.Join(cfg.AppDataRoot, "state"),
		filepath.Join(cfg.AppDataRoot, "packs"),
	)
	if err != nil {
		return nil, err
	}
	if err := st.EnsureLayout(); err != nil {
		return nil, err
	}

	journal, err := store.OpenJournal(st.JournalPath(), cfg.InMemoryJournal, logger)
	if err != nil {
		return nil, err
	}

	signer, err := signing.EnsureSigningKeys(st, logger)
	if err != nil {
		journal.Close()
		return nil, err
	}

	deviceID := cfg.DeviceID
	if deviceID == "" {
		deviceID = signer.Fingerprint()
	}

	engine := snapshot.NewEngine(cfg.SnapshotConcurrency, logger)
	runner := validation.NewRunner(logger)
	cache := instructions.NewCache(logger)
	evaluator := instructions.NewEvaluator(zm, cache, logger)

	var bridge backend.Bridge = backend.Nop{}
	if cfg.BackendURL != "" {
		bridge = backend.NewClient(backend.Config{
			BaseURL: cfg.BackendURL,
			Logger:  logger,
		})
	}

	gitTimeout := cfg.GitTimeout
	if gitTimeout <= 0 {
		gitTimeout = 10 * time.Second
	}
	git, err := gitutil.NewClient(cfg.ProjectRoot, gitTimeout)
	if err != nil {
		logger.Warn("git unavailable, provenance disabled", "error", err.Error())
		git = nil
	} else if _, err := git.ResolveGitRoot(context.Background()); err != nil {
		// Not a checkout, or no git binary. Pipelines run without
		// provenance either way.
		logger.Warn("git unavailable, provenance disabled", "error", err.Error())
		git = nil
	}

	changes := cfg.Changes
	if changes == nil {
		changes, err = changeset.NewLocalManager(changeset.LocalConfig{
			Store:  st,
			Zones:  zm,
			Engine: engine,
			Runner: runner,
			Git:    git,
			Logger: logger,
		})
		if err != nil {
			cache.Close()
			journal.Close()
			return nil, err
		}
	}

	pipeline, err := packs.NewPipeline(packs.Config{
		Zones:     zm,
		Engine:    engine,
		Store:     st,
		Signer:    signer,
		Changes:   changes,
		Bridge:    bridge,
		Runner:    runner,
		Git:       git,
		Evaluator: evaluator,
		Journal:   journal,
		DeviceID:  deviceID,
		Logger:    logger,
	})
	if err != nil {
		cache.Close()
		journal.Close()
		return nil, err
	}

	updater, err := updates.NewUpdater(updates.Config{
		Zones:     zm,
		Engine:    engine,
		Store:     st,
		Changes:   changes,
		Bridge:    bridge,
		Evaluator: evaluator,
		Journal:   journal,
		DeviceID:  deviceID,
		Logger:    logger,
	})
	if err != nil {
		cache.Close()
		journal.Close()
		return nil, err
	}

	boot, err := safemode.NewManager(safemode.Config{
		Store:       st,
		Changes:     changes,
		Packs:       pipeline,
		Runner:      runner,
		Journal:     journal,
		ProjectRoot: zm.ProjectRoot(),
		Logger:      logger,
	})
	if err != nil {
		cache.Close()
		journal.Close()
		return nil, err
	}

	return &Core{
		Zones:     zm,
		Store:     st,
		Journal:   journal,
		Engine:    engine,
		Signer:    signer,
		Evaluator: evaluator,
		Runner:    runner,
		Bridge:    bridge,
		Git:       git,
		Changes:   changes,
		Packs:     pipeline,
		Updates:   updater,
		SafeMode:  boot,
		DeviceID:  deviceID,
		cache:     cache,
		logger:    logger,
	}, nil
}

// Close releases the journal and the instruction cache watcher. Call it
// once when the process shuts down.
func (c *Core) Close() error {
	var firstErr error
	if err := c.cache.Close(); err != nil {
		firstErr = fmt.Errorf("close instruction cache: %w", err)
	}
	if err := c.Journal.Close(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("close journal: %w", err)
	}
	return firstErr
}
