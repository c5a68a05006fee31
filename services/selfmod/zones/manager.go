// Copyright (C) 2026 Joyi AI (oss@joyi.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package zones classifies filesystem paths into named zones and enforces
// the write policy for agent-driven self-modification.
//
// A zone is a named, rooted region of the filesystem with an access policy.
// Platform zones hold application code and configuration; user zones hold
// user data. The zone table is built once at startup and never mutated, so
// every method on Manager is a pure function over immutable state and safe
// for concurrent use.
package zones

import (
	"errors"
	"log/slog"
	"path/filepath"
	"sort"

	"github.com/joyi-ai/stella-selfmod/services/selfmod/pathutil"
)

// Kind distinguishes platform zones (application-owned) from user zones.
type Kind string

const (
	// KindPlatform marks zones holding application code and configuration.
	// Writes require the self-modification agent or an explicit,
	// user-confirmed override.
	KindPlatform Kind = "platform"

	// KindUser marks zones holding user data. Writes are generally allowed;
	// only the read-only explore agent is denied.
	KindUser Kind = "user"
)

// Zone is an immutable descriptor for one named region of the filesystem.
type Zone struct {
	// Name uniquely identifies the zone.
	Name string `json:"name"`

	// Kind is the access-policy class of the zone.
	Kind Kind `json:"kind"`

	// VirtualRoot is the leading segment of virtual paths addressing this
	// zone, e.g. "/packs".
	VirtualRoot string `json:"virtualRoot"`

	// Roots are the absolute filesystem roots the zone spans. Most zones
	// have exactly one.
	Roots []string `json:"roots"`
}

// Classification is the derived placement of a path. It is computed on
// demand and never stored.
type Classification struct {
	// AbsolutePath is the resolved absolute path.
	AbsolutePath string

	// Zone is the owning zone, or nil when no zone root contains the path.
	Zone *Zone

	// ZoneRelativePath is the slash-separated path relative to the matched
	// zone root. Empty when Zone is nil.
	ZoneRelativePath string

	// VirtualPath is "{VirtualRoot}/{ZoneRelativePath}". Empty when Zone
	// is nil.
	VirtualPath string

	// ProjectRelativePath is the slash-separated path relative to the
	// project root, when the path lives under it.
	ProjectRelativePath string
}

// GuardContext describes the agent action asking for write access.
type GuardContext struct {
	// AgentType is the acting agent class, e.g. "self_mod" or "explore".
	AgentType string

	// OverrideGuard is set when the caller explicitly requested a guard
	// override. Only honored together with UserConfirmed.
	OverrideGuard bool

	// UserConfirmed is set when the user confirmed the action.
	UserConfirmed bool
}

// GuardDecision is the outcome of a guard check. Denials carry a reason
// string, never an error.
type GuardDecision struct {
	Allowed bool
	Reason  string
}

// AgentSelfMod is the only agent type allowed to write platform zones
// without an override.
const AgentSelfMod = "self_mod"

// AgentExplore is the read-only agent type; it may not write anywhere.
const AgentExplore = "explore"

// ErrPathRequired is returned by ResolvePath for empty input.
var ErrPathRequired = errors.New("Path is required.")

// Manager owns the immutable zone table.
type Manager struct {
	projectRoot string
	zones       []Zone
	logger      *slog.Logger
}

// Config configures the zone table.
type Config struct {
	// ProjectRoot is the absolute path of the application source tree.
	ProjectRoot string

	// AppDataRoot is the absolute path of the per-user application data
	// directory (pack storage, user data).
	AppDataRoot string

	// Logger for diagnostic output. Nil falls back to slog.Default().
	Logger *slog.Logger
}

// NewManager builds the zone table from the project root and the
// application-data root.
//
// # Description
//
// Three zones are defined:
//
//   - "platform" (platform): the project root itself, virtual root "/app".
//   - "packs" (platform): installed pack storage under the app-data root,
//     virtual root "/packs".
//   - "userdata" (user): user-owned files under the app-data root, virtual
//     root "/user".
//
// The table is fixed for the lifetime of the Manager.
//
// # Outputs
//
//   - *Manager: Ready-to-use manager.
//   - error: Non-nil if either root is not an absolute path.
func NewManager(cfg Config) (*Manager, error) {
	if !filepath.IsAbs(cfg.ProjectRoot) {
		return nil, errors.New("zones: ProjectRoot must be absolute")
	}
	if !filepath.IsAbs(cfg.AppDataRoot) {
		return nil, errors.New("zones: AppDataRoot must be absolute")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	zs := []Zone{
		{
			Name:        "platform",
			Kind:        KindPlatform,
			VirtualRoot: "/app",
			Roots:       []string{filepath.Clean(cfg.ProjectRoot)},
		},
		{
			Name:        "packs",
			Kind:        KindPlatform,
			VirtualRoot: "/packs",
			Roots:       []string{filepath.Join(cfg.AppDataRoot, "packs")},
		},
		{
			Name:        "userdata",
			Kind:        KindUser,
			VirtualRoot: "/user",
			Roots:       []string{filepath.Join(cfg.AppDataRoot, "user")},
		},
	}

	return &Manager{
		projectRoot: filepath.Clean(cfg.ProjectRoot),
		zones:       zs,
		logger:      logger.With("component", "zones"),
	}, nil
}

// ProjectRoot returns the absolute project root.
func (m *Manager) ProjectRoot() string {
	return m.projectRoot
}

// Zones returns a copy of the zone table.
func (m *Manager) Zones() []Zone {
	out := make([]Zone, len(m.zones))
	copy(out, m.zones)
	return out
}

// ZoneByName returns the named zone, or nil.
func (m *Manager) ZoneByName(name string) *Zone {
	for i := range m.zones {
		if m.zones[i].Name == name {
			return &m.zones[i]
		}
	}
	return nil
}

// ResolvePath resolves a virtual path (leading "/"), an absolute path, or a
// project-relative path into a classification.
//
// # Description
//
// Virtual inputs whose first segment names a known zone's virtual root are
// mapped into that zone. A leading-slash input whose prefix names no zone
// falls through to ordinary path resolution rather than failing; on Unix
// this treats it as an absolute filesystem path.
//
// # Outputs
//
//   - *Classification: Best-effort classification (Zone may be nil).
//   - error: ErrPathRequired for empty input; nothing else fails.
func (m *Manager) ResolvePath(input string) (*Classification, error) {
	if input == "" {
		return nil, ErrPathRequired
	}

	if root, rel, ok := pathutil.SplitVirtual(filepath.ToSlash(input)); ok {
		for i := range m.zones {
			if m.zones[i].VirtualRoot == root {
				abs := filepath.Join(m.zones[i].Roots[0], filepath.FromSlash(rel))
				return m.ClassifyPath(abs), nil
			}
		}
		// Unknown virtual prefix: fall through to plain resolution.
	}

	return m.ClassifyPath(pathutil.Normalize(m.projectRoot, input)), nil
}

// ClassifyPath classifies an absolute or project-relative path. It always
// succeeds; paths outside every zone yield a classification with Zone nil.
// When multiple zone roots contain the path, the longest matching root wins.
func (m *Manager) ClassifyPath(path string) *Classification {
	abs := pathutil.Normalize(m.projectRoot, path)

	type match struct {
		zone *Zone
		root string
		rel  string
	}
	var matches []match
	for i := range m.zones {
		for _, root := range m.zones[i].Roots {
			if rel, ok := pathutil.RelativeWithin(root, abs); ok {
				matches = append(matches, match{zone: &m.zones[i], root: root, rel: rel})
			}
		}
	}
	sort.SliceStable(matches, func(a, b int) bool {
		return len(matches[a].root) > len(matches[b].root)
	})

	c := &Classification{AbsolutePath: abs}
	if rel, ok := pathutil.RelativeWithin(m.projectRoot, abs); ok {
		c.ProjectRelativePath = rel
	}
	if len(matches) > 0 {
		best := matches[0]
		c.Zone = best.zone
		c.ZoneRelativePath = best.rel
		c.VirtualPath = pathutil.JoinVirtual(best.zone.VirtualRoot, best.rel)
	}
	return c
}

// EnforceGuard decides whether the described agent action may write path.
//
// # Description
//
// Policy, by zone kind:
//
//   - Platform zones: denied unless the agent is the self-modification
//     agent, or the caller overrides the guard with user confirmation.
//   - User zones: denied only for the read-only explore agent.
//   - No matching zone: distrust by default, denied unless the
//     self-modification agent overrides with user confirmation.
//
// Denials are reported as a reason string, never an error.
func (m *Manager) EnforceGuard(path string, gctx GuardContext) GuardDecision {
	c := m.ClassifyPath(path)

	if c.Zone == nil {
		if gctx.AgentType == AgentSelfMod && gctx.OverrideGuard && gctx.UserConfirmed {
			return GuardDecision{Allowed: true}
		}
		return GuardDecision{
			Allowed: false,
			Reason:  "Path is outside all managed zones; writes require a user-confirmed self_mod override.",
		}
	}

	switch c.Zone.Kind {
	case KindPlatform:
		if gctx.AgentType == AgentSelfMod {
			return GuardDecision{Allowed: true}
		}
		if gctx.OverrideGuard && gctx.UserConfirmed {
			return GuardDecision{Allowed: true}
		}
		return GuardDecision{
			Allowed: false,
			Reason:  "Platform zone " + c.Zone.Name + " is writable only by the self_mod agent or a user-confirmed override.",
		}
	case KindUser:
		if gctx.AgentType == AgentExplore {
			return GuardDecision{
				Allowed: false,
				Reason:  "The explore agent is read-only and may not write user zone " + c.Zone.Name + ".",
			}
		}
		return GuardDecision{Allowed: true}
	default:
		return GuardDecision{Allowed: false, Reason: "Unknown zone kind."}
	}
}
