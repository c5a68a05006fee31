// Copyright (C) 2026 Joyi AI (oss@joyi.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package zones

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T) (*Manager, string, string) {
	t.Helper()
	project := t.TempDir()
	appData := t.TempDir()
	m, err := NewManager(Config{ProjectRoot: project, AppDataRoot: appData})
	require.NoError(t, err)
	return m, project, appData
}

func TestNewManagerRejectsRelativeRoots(t *testing.T) {
	_, err := NewManager(Config{ProjectRoot: "relative", AppDataRoot: t.TempDir()})
	assert.Error(t, err)

	_, err = NewManager(Config{ProjectRoot: t.TempDir(), AppDataRoot: "relative"})
	assert.Error(t, err)
}

func TestResolvePathEmpty(t *testing.T) {
	m, _, _ := newTestManager(t)

	_, err := m.ResolvePath("")
	assert.ErrorIs(t, err, ErrPathRequired)
}

func TestResolvePathVirtual(t *testing.T) {
	m, _, appData := newTestManager(t)

	c, err := m.ResolvePath("/packs/acme/theme.json")
	require.NoError(t, err)
	require.NotNil(t, c.Zone)
	assert.Equal(t, "packs", c.Zone.Name)
	assert.Equal(t, "acme/theme.json", c.ZoneRelativePath)
	assert.Equal(t, "/packs/acme/theme.json", c.VirtualPath)
	assert.Equal(t, filepath.Join(appData, "packs", "acme", "theme.json"), c.AbsolutePath)
}

func TestResolvePathUnknownVirtualPrefixFallsThrough(t *testing.T) {
	m, _, _ := newTestManager(t)

	// "/nonsuch" names no zone; the input is treated as an ordinary
	// absolute path and classified best-effort (outside all zones).
	c, err := m.ResolvePath("/nonsuch/file.txt")
	require.NoError(t, err)
	assert.Nil(t, c.Zone)
	assert.Equal(t, filepath.Join(string(filepath.Separator), "nonsuch", "file.txt"), c.AbsolutePath)
}

func TestResolvePathProjectRelative(t *testing.T) {
	m, project, _ := newTestManager(t)

	c, err := m.ResolvePath("src/main.ts")
	require.NoError(t, err)
	require.NotNil(t, c.Zone)
	assert.Equal(t, "platform", c.Zone.Name)
	assert.Equal(t, "src/main.ts", c.ProjectRelativePath)
	assert.Equal(t, filepath.Join(project, "src", "main.ts"), c.AbsolutePath)
	assert.Equal(t, "/app/src/main.ts", c.VirtualPath)
}

func TestClassifyPathOutsideAllZones(t *testing.T) {
	m, _, _ := newTestManager(t)

	c := m.ClassifyPath(filepath.Join(string(filepath.Separator), "tmp", "stray.txt"))
	assert.Nil(t, c.Zone)
	assert.Empty(t, c.VirtualPath)
	assert.Equal(t, filepath.Join(string(filepath.Separator), "tmp", "stray.txt"), c.AbsolutePath)
}

func TestClassifyPathLongestRootWins(t *testing.T) {
	// The packs zone root lives under the app-data root; a dedicated
	// manager with overlapping roots exercises longest-match selection.
	project := t.TempDir()
	appData := t.TempDir()
	m, err := NewManager(Config{ProjectRoot: project, AppDataRoot: appData})
	require.NoError(t, err)

	c := m.ClassifyPath(filepath.Join(appData, "packs", "x.json"))
	require.NotNil(t, c.Zone)
	assert.Equal(t, "packs", c.Zone.Name)

	// Determinism: repeated classification returns the same zone.
	for i := 0; i < 5; i++ {
		again := m.ClassifyPath(filepath.Join(appData, "packs", "x.json"))
		assert.Equal(t, "packs", again.Zone.Name)
	}
}

func TestEnforceGuardPlatform(t *testing.T) {
	m, project, _ := newTestManager(t)
	target := filepath.Join(project, "src", "app.ts")

	tests := []struct {
		name    string
		gctx    GuardContext
		allowed bool
	}{
		{"self_mod allowed", GuardContext{AgentType: AgentSelfMod}, true},
		{"other agent denied", GuardContext{AgentType: "chat"}, false},
		{"override without confirmation denied", GuardContext{AgentType: "chat", OverrideGuard: true}, false},
		{"override with confirmation allowed", GuardContext{AgentType: "chat", OverrideGuard: true, UserConfirmed: true}, true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			d := m.EnforceGuard(target, tc.gctx)
			assert.Equal(t, tc.allowed, d.Allowed)
			if !tc.allowed {
				assert.NotEmpty(t, d.Reason)
			}
		})
	}
}

func TestEnforceGuardUserZone(t *testing.T) {
	m, _, appData := newTestManager(t)
	target := filepath.Join(appData, "user", "notes.md")

	assert.True(t, m.EnforceGuard(target, GuardContext{AgentType: "chat"}).Allowed)
	assert.True(t, m.EnforceGuard(target, GuardContext{AgentType: AgentSelfMod}).Allowed)

	d := m.EnforceGuard(target, GuardContext{AgentType: AgentExplore})
	assert.False(t, d.Allowed)
	assert.NotEmpty(t, d.Reason)
}

func TestEnforceGuardUnmappedPath(t *testing.T) {
	m, _, _ := newTestManager(t)
	target := filepath.Join(string(filepath.Separator), "etc", "hosts")

	assert.False(t, m.EnforceGuard(target, GuardContext{AgentType: AgentSelfMod}).Allowed)
	assert.False(t, m.EnforceGuard(target, GuardContext{AgentType: "chat", OverrideGuard: true, UserConfirmed: true}).Allowed)
	assert.True(t, m.EnforceGuard(target, GuardContext{
		AgentType:     AgentSelfMod,
		OverrideGuard: true,
		UserConfirmed: true,
	}).Allowed)
}
