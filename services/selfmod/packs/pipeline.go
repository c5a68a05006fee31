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
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/joyi-ai/stella-selfmod/services/selfmod/backend"
	"github.com/joyi-ai/stella-selfmod/services/selfmod/changeset"
	"github.com/joyi-ai/stella-selfmod/services/selfmod/gitutil"
	"github.com/joyi-ai/stella-selfmod/services/selfmod/instructions"
	"github.com/joyi-ai/stella-selfmod/services/selfmod/signing"
	"github.com/joyi-ai/stella-selfmod/services/selfmod/snapshot"
	"github.com/joyi-ai/stella-selfmod/services/selfmod/store"
	"github.com/joyi-ai/stella-selfmod/services/selfmod/validation"
	"github.com/joyi-ai/stella-selfmod/services/selfmod/zones"
)

// Pipeline executes the pack operations against one device's state.
//
// # Thread Safety
//
// The pipeline itself is stateless between calls; serialization of
// concurrent self-modification is the ChangeSet manager's job, and every
// operation here runs inside a ChangeSet (or, for publish, only reads).
type Pipeline struct {
	zones     *zones.Manager
	engine    *snapshot.Engine
	store     *store.Store
	signer    *signing.Signer
	changes   changeset.Manager
	bridge    backend.Bridge
	runner    *validation.Runner
	git       *gitutil.Client
	evaluator *instructions.Evaluator
	journal   *store.EventJournal
	validate  *validator.Validate
	logger    *slog.Logger
	deviceID  string

	now   func() time.Time
	newID func() string

	// Suite factories, indirect so tests can stub out the npm-backed
	// defaults.
	defaultSuite func(projectRoot string) []validation.Spec
	smokeSuite   func(projectRoot string) []validation.Spec
}

// Config wires a Pipeline. Git, Evaluator, and Journal are optional;
// everything else is required.
type Config struct {
	Zones     *zones.Manager
	Engine    *snapshot.Engine
	Store     *store.Store
	Signer    *signing.Signer
	Changes   changeset.Manager
	Bridge    backend.Bridge
	Runner    *validation.Runner
	Git       *gitutil.Client
	Evaluator *instructions.Evaluator
	Journal   *store.EventJournal
	DeviceID  string
	Logger    *slog.Logger
}

// NewPipeline validates the wiring and returns a ready pipeline.
func NewPipeline(cfg Config) (*Pipeline, error) {
	if cfg.Zones == nil || cfg.Engine == nil || cfg.Store == nil ||
		cfg.Signer == nil || cfg.Changes == nil || cfg.Runner == nil {
		return nil, fmt.Errorf("packs: incomplete pipeline config")
	}
	if cfg.Bridge == nil {
		cfg.Bridge = backend.Nop{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	initMetrics()
	return &Pipeline{
		zones:     cfg.Zones,
		engine:    cfg.Engine,
		store:     cfg.Store,
		signer:    cfg.Signer,
		changes:   cfg.Changes,
		bridge:    cfg.Bridge,
		runner:    cfg.Runner,
		git:       cfg.Git,
		evaluator: cfg.Evaluator,
		journal:   cfg.Journal,
		validate:  validator.New(validator.WithRequiredStructEnabled()),
		logger:    logger.With("component", "pack_pipeline"),
		deviceID:  cfg.DeviceID,
		now:       time.Now,
		newID:     func() string { return uuid.NewString() },

		defaultSuite: validation.DefaultSuite,
		smokeSuite:   validation.SmokeSuite,
	}, nil
}

// BundleContentHash computes the canonical content hash of a bundle: the
// manifest with its own hash and signature blanked, plus the ordered
// entries. The provenance DiffPatch is deliberately outside the hash; it
// is truncated review context, not applied content.
func BundleContentHash(b *Bundle) (string, error) {
	m := b.Manifest
	m.ContentHash = ""
	m.Signature = ""
	return signing.HashCanonicalJSON(struct {
		Manifest Manifest `json:"manifest"`
		Entries  []Entry  `json:"entries"`
	}{m, b.Entries})
}

// VerifyBundle checks a bundle's content hash and author signature.
// Returns ok=false with a human-readable reason on any mismatch.
func VerifyBundle(b *Bundle) (bool, string) {
	hash, err := BundleContentHash(b)
	if err != nil {
		return false, fmt.Sprintf("Failed to hash bundle: %v", err)
	}
	if hash != b.Manifest.ContentHash {
		return false, "Bundle content hash mismatch; refusing to install."
	}
	if !signing.VerifySignature(b.Manifest.AuthorPublicKeyPem, hash, b.Manifest.Signature) {
		return false, "Bundle signature verification failed; refusing to install."
	}
	return true, ""
}

func (p *Pipeline) loadInstallations() ([]Installation, error) {
	var list []Installation
	ok, err := p.store.ReadJSON(p.store.InstallationsPath(), &list)
	if err != nil {
		return nil, err
	}
	if !ok {
		return []Installation{}, nil
	}
	return list, nil
}

func (p *Pipeline) saveInstallations(list []Installation) error {
	return p.store.WriteJSON(p.store.InstallationsPath(), list)
}

// Installations returns the per-device installation records, most
// recently updated first.
func (p *Pipeline) Installations() ([]Installation, error) {
	list, err := p.loadInstallations()
	if err != nil {
		return nil, err
	}
	sort.SliceStable(list, func(i, j int) bool {
		return list[i].UpdatedAt.After(list[j].UpdatedAt)
	})
	return list, nil
}

// applyEntry writes or removes one file per the entry's action. An "add"
// is treated as an update; deleting an already-absent file succeeds.
func (p *Pipeline) applyEntry(e Entry) error {
	cls, err := p.zones.ResolvePath(e.VirtualPath)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", e.VirtualPath, err)
	}
	if e.Action == ActionDelete {
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
	if err := os.MkdirAll(filepath.Dir(cls.AbsolutePath), 0o755); err != nil {
		return fmt.Errorf("mkdir for %s: %w", e.VirtualPath, err)
	}
	if err := os.WriteFile(cls.AbsolutePath, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", e.VirtualPath, err)
	}
	return nil
}

// snapshotOptionsFor scopes a snapshot to a bundle's declared coverage:
// its zones plus the absolute paths of its changed files.
func (p *Pipeline) snapshotOptionsFor(zoneNames, virtualPaths []string) snapshot.Options {
	opts := snapshot.Options{Zones: zoneNames}
	for _, vp := range virtualPaths {
		cls, err := p.zones.ResolvePath(vp)
		if err != nil {
			continue
		}
		opts.SubsetPaths = append(opts.SubsetPaths, cls.AbsolutePath)
	}
	return opts
}

func (p *Pipeline) journalEvent(ctx context.Context, typ string, detail map[string]string) {
	if p.journal == nil {
		return
	}
	p.journal.Append(ctx, store.Event{At: p.now(), Type: typ, Detail: detail})
}

func dedupeSorted(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
