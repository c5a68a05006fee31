// Copyright (C) 2026 Joyi AI (oss@joyi.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package updates

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/joyi-ai/stella-selfmod/services/selfmod/backend"
	"github.com/joyi-ai/stella-selfmod/services/selfmod/changeset"
	"github.com/joyi-ai/stella-selfmod/services/selfmod/snapshot"
	"github.com/joyi-ai/stella-selfmod/services/selfmod/store"
	"github.com/joyi-ai/stella-selfmod/services/selfmod/zones"
)

type testEnv struct {
	u           *Updater
	zm          *zones.Manager
	st          *store.Store
	cs          *changeset.Fake
	be          *backend.Fake
	engine      *snapshot.Engine
	projectRoot string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	projectRoot := t.TempDir()
	appData := t.TempDir()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	zm, err := zones.NewManager(zones.Config{
		ProjectRoot: projectRoot,
		AppDataRoot: appData,
		Logger:      logger,
	})
	require.NoError(t, err)

	st, err := store.New(filepath.Join(appData, "state"), filepath.Join(appData, "packs"))
	require.NoError(t, err)
	require.NoError(t, st.EnsureLayout())

	cs := changeset.NewFake()
	be := backend.NewFake()
	engine := snapshot.NewEngine(0, logger)
	u, err := NewUpdater(Config{
		Zones:    zm,
		Engine:   engine,
		Store:    st,
		Changes:  cs,
		Bridge:   be,
		DeviceID: "device-1",
		Logger:   logger,
	})
	require.NoError(t, err)

	return &testEnv{u: u, zm: zm, st: st, cs: cs, be: be, engine: engine, projectRoot: projectRoot}
}

func (e *testEnv) writeProjectFile(t *testing.T, rel, content string) {
	t.Helper()
	path := filepath.Join(e.projectRoot, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func (e *testEnv) readProjectFile(t *testing.T, rel string) (string, bool) {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(e.projectRoot, filepath.FromSlash(rel)))
	if os.IsNotExist(err) {
		return "", false
	}
	require.NoError(t, err)
	return string(data), true
}

// saveBaseline snapshots the whole platform zone as baseline id with the
// given git head.
func (e *testEnv) saveBaseline(t *testing.T, id, gitHead string) {
	t.Helper()
	snap, err := e.engine.Create(context.Background(), e.zm, snapshot.Options{Zones: []string{"platform"}})
	require.NoError(t, err)
	require.NoError(t, e.st.WriteJSON(e.st.BaselineSnapshotPath(id), snap))
	require.NoError(t, e.st.SaveLastKnownGood(store.BaselineMetadata{
		BaselineID: id,
		GitHead:    gitHead,
		CreatedAt:  time.Now(),
	}))
}

func textRelease(id, baseHead string, entries []ReleaseEntry) Release {
	paths := make([]string, 0, len(entries))
	for _, en := range entries {
		paths = append(paths, en.VirtualPath)
	}
	return Release{
		ID:           id,
		Version:      "2.0.0",
		BaseGitHead:  baseHead,
		ChangedPaths: paths,
		Zones:        []string{"platform"},
		Entries:      entries,
		CreatedAt:    time.Now(),
	}
}

func upstreamEntry(virtualPath, content string) ReleaseEntry {
	return ReleaseEntry{
		VirtualPath: virtualPath,
		Zone:        "platform",
		Action:      ReleaseUpdate,
		Encoding:    snapshot.EncodingUTF8,
		Content:     content,
	}
}

func TestIsConflictRule(t *testing.T) {
	tests := []struct {
		name                  string
		base, local, upstream string
		want                  bool
	}{
		{"all distinct", "A", "B", "C", true},
		{"converged", "A", "B", "B", false},
		{"only upstream changed", "A", "A", "B", false},
		{"only local changed", "A", "B", "A", false},
		{"nothing changed", "A", "A", "A", false},
		{"base absent, both disagree", "", "B", "C", true},
		{"base absent, both added same", "", "B", "B", false},
		{"local deleted, upstream changed", "A", "", "C", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, IsConflict(tt.base, tt.local, tt.upstream))
		})
	}
}

func TestCheckForUpdate(t *testing.T) {
	env := newTestEnv(t)

	// Unavailable backend is a clean "nothing available".
	res, err := env.u.CheckForUpdate(context.Background())
	require.NoError(t, err)
	require.False(t, res.Available)

	env.be.Script(backend.ActionGetLatestRelease, textRelease("rel-1", "", nil))
	res, err = env.u.CheckForUpdate(context.Background())
	require.NoError(t, err)
	require.True(t, res.Available)
	require.Equal(t, "rel-1", res.Release.ID)

	// Already applied.
	require.NoError(t, env.st.WriteJSON(env.st.AppliedReleasePath(), AppliedRelease{
		ReleaseID: "rel-1", Version: "2.0.0", AppliedAt: time.Now(),
	}))
	res, err = env.u.CheckForUpdate(context.Background())
	require.NoError(t, err)
	require.False(t, res.Available)
	require.Contains(t, res.Reason, "already applied")
}

func TestApplyRequiresConfirmation(t *testing.T) {
	env := newTestEnv(t)
	res, err := env.u.Apply(context.Background(), ApplyRequest{ReleaseID: "rel-1"})
	require.NoError(t, err)
	require.False(t, res.OK)
	require.Contains(t, res.Reason, "confirmation")
	require.Empty(t, env.be.Calls)
}

func TestApplyAbortsOnEntryOutsideProjectRoot(t *testing.T) {
	env := newTestEnv(t)
	rel := textRelease("rel-1", "", []ReleaseEntry{upstreamEntry("/user/notes.txt", "x\n")})
	env.be.Script(backend.ActionGetReleaseForApply, rel)

	res, err := env.u.Apply(context.Background(), ApplyRequest{ReleaseID: "rel-1", UserConfirmed: true})
	require.NoError(t, err)
	require.False(t, res.OK)
	require.Contains(t, res.Reason, "outside the project root")
	require.Empty(t, env.cs.Started)
}

func TestApplyFailsWithoutMergeBase(t *testing.T) {
	env := newTestEnv(t)
	rel := textRelease("rel-1", "no-such-head", []ReleaseEntry{upstreamEntry("/app/f.txt", "x\n")})
	env.be.Script(backend.ActionGetReleaseForApply, rel)

	res, err := env.u.Apply(context.Background(), ApplyRequest{ReleaseID: "rel-1", UserConfirmed: true})
	require.NoError(t, err)
	require.False(t, res.OK)
	require.Contains(t, res.Reason, "No merge base")
}

func TestApplyAutoAppliesNonConflictingChanges(t *testing.T) {
	env := newTestEnv(t)
	env.writeProjectFile(t, "f1.txt", "A\n")
	env.writeProjectFile(t, "f2.txt", "A\n")
	env.writeProjectFile(t, "f3.txt", "A\n")
	env.saveBaseline(t, "b-1", "base-head")

	// Local edits after the baseline.
	env.writeProjectFile(t, "f2.txt", "L\n") // local-only change
	env.writeProjectFile(t, "f3.txt", "B\n") // converges with upstream

	rel := textRelease("rel-1", "base-head", []ReleaseEntry{
		upstreamEntry("/app/f1.txt", "B\n"), // upstream-only change
		upstreamEntry("/app/f2.txt", "A\n"), // upstream unchanged from base
		upstreamEntry("/app/f3.txt", "B\n"), // converged
		upstreamEntry("/app/new.txt", "N\n"),
	})
	env.be.Script(backend.ActionGetReleaseForApply, rel)

	res, err := env.u.Apply(context.Background(), ApplyRequest{ReleaseID: "rel-1", UserConfirmed: true})
	require.NoError(t, err)
	require.True(t, res.OK, res.Reason)
	require.Empty(t, res.Conflicts)
	require.Equal(t, 2, res.Applied) // f1 and new.txt

	for relPath, want := range map[string]string{
		"f1.txt":  "B\n", // upstream won
		"f2.txt":  "L\n", // local edit preserved
		"f3.txt":  "B\n",
		"new.txt": "N\n",
	} {
		content, exists := env.readProjectFile(t, relPath)
		require.True(t, exists, relPath)
		require.Equal(t, want, content, relPath)
	}

	require.Len(t, env.cs.Started, 1)
	require.Equal(t, "upstream_update", env.cs.Started[0].Scope)

	var applied AppliedRelease
	ok, err := env.st.ReadJSON(env.st.AppliedReleasePath(), &applied)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "rel-1", applied.ReleaseID)
	require.Equal(t, 1, env.be.CallsTo(backend.ActionRecordAppliedRelease))
}

func TestApplyHonorsMergeResolutions(t *testing.T) {
	env := newTestEnv(t)
	env.writeProjectFile(t, "c1.txt", "A\n")
	env.writeProjectFile(t, "c2.txt", "A\n")
	env.writeProjectFile(t, "c3.txt", "A\n")
	env.saveBaseline(t, "b-1", "base-head")

	env.writeProjectFile(t, "c1.txt", "B1\n")
	env.writeProjectFile(t, "c2.txt", "B2\n")
	env.writeProjectFile(t, "c3.txt", "B3\n")

	rel := textRelease("rel-1", "base-head", []ReleaseEntry{
		upstreamEntry("/app/c1.txt", "C1\n"),
		upstreamEntry("/app/c2.txt", "C2\n"),
		upstreamEntry("/app/c3.txt", "C3\n"),
	})
	env.be.Script(backend.ActionGetReleaseForApply, rel)
	env.be.Script(backend.ActionAgentInvoke, map[string]any{
		"resolutions": map[string]Resolution{
			"/app/c1.txt": {Choice: ResolutionKeepLocal},
			"/app/c2.txt": {Choice: ResolutionUseUpstream},
			"/app/c3.txt": {Choice: ResolutionMerged, MergedContent: "M3\n"},
		},
	})

	res, err := env.u.Apply(context.Background(), ApplyRequest{ReleaseID: "rel-1", UserConfirmed: true})
	require.NoError(t, err)
	require.True(t, res.OK, res.Reason)
	require.Len(t, res.Conflicts, 3)

	for relPath, want := range map[string]string{
		"c1.txt": "B1\n",
		"c2.txt": "C2\n",
		"c3.txt": "M3\n",
	} {
		content, _ := env.readProjectFile(t, relPath)
		require.Equal(t, want, content, relPath)
	}
}

func TestApplyAbortsWhenSemanticMergeUnavailable(t *testing.T) {
	env := newTestEnv(t)
	env.writeProjectFile(t, "c.txt", "A\n")
	env.saveBaseline(t, "b-1", "base-head")
	env.writeProjectFile(t, "c.txt", "B\n")

	rel := textRelease("rel-1", "base-head", []ReleaseEntry{upstreamEntry("/app/c.txt", "C\n")})
	env.be.Script(backend.ActionGetReleaseForApply, rel)
	// agent.invoke not scripted: unavailable.

	res, err := env.u.Apply(context.Background(), ApplyRequest{ReleaseID: "rel-1", UserConfirmed: true})
	require.NoError(t, err)
	require.False(t, res.OK)
	require.Contains(t, res.Reason, "Semantic merge unavailable")
	require.Len(t, res.Conflicts, 1)
	require.Empty(t, env.cs.Started)

	content, _ := env.readProjectFile(t, "c.txt")
	require.Equal(t, "B\n", content)
}

func TestApplyAbortsOnMissingResolution(t *testing.T) {
	env := newTestEnv(t)
	env.writeProjectFile(t, "c1.txt", "A\n")
	env.writeProjectFile(t, "c2.txt", "A\n")
	env.saveBaseline(t, "b-1", "base-head")
	env.writeProjectFile(t, "c1.txt", "B1\n")
	env.writeProjectFile(t, "c2.txt", "B2\n")

	rel := textRelease("rel-1", "base-head", []ReleaseEntry{
		upstreamEntry("/app/c1.txt", "C1\n"),
		upstreamEntry("/app/c2.txt", "C2\n"),
	})
	env.be.Script(backend.ActionGetReleaseForApply, rel)
	env.be.Script(backend.ActionAgentInvoke, map[string]any{
		"resolutions": map[string]Resolution{
			"/app/c1.txt": {Choice: ResolutionUseUpstream},
		},
	})

	res, err := env.u.Apply(context.Background(), ApplyRequest{ReleaseID: "rel-1", UserConfirmed: true})
	require.NoError(t, err)
	require.False(t, res.OK)
	require.Contains(t, res.Reason, "No resolution")

	// Aborted before touching anything, including the resolved conflict.
	content, _ := env.readProjectFile(t, "c1.txt")
	require.Equal(t, "B1\n", content)
}

func TestApplyEntryFailureRollsBack(t *testing.T) {
	env := newTestEnv(t)
	env.writeProjectFile(t, "a.txt", "A\n")
	// A file where the release expects a directory makes the second
	// entry's write fail mid-apply.
	env.writeProjectFile(t, "blocker", "not a directory\n")
	env.saveBaseline(t, "b-1", "base-head")

	rel := textRelease("rel-1", "base-head", []ReleaseEntry{
		upstreamEntry("/app/a.txt", "A2\n"),
		upstreamEntry("/app/blocker/child.txt", "X\n"),
	})
	env.be.Script(backend.ActionGetReleaseForApply, rel)

	res, err := env.u.Apply(context.Background(), ApplyRequest{ReleaseID: "rel-1", UserConfirmed: true})
	require.NoError(t, err)
	require.False(t, res.OK)
	require.Contains(t, res.Reason, "1 change(s)")

	content, _ := env.readProjectFile(t, "a.txt")
	require.Equal(t, "A\n", content)
	content, _ = env.readProjectFile(t, "blocker")
	require.Equal(t, "not a directory\n", content)
}

func TestApplyFinishFailureRollsBack(t *testing.T) {
	env := newTestEnv(t)
	env.writeProjectFile(t, "a.txt", "A\n")
	env.saveBaseline(t, "b-1", "base-head")
	env.cs.FinishReason = "validation failed"

	rel := textRelease("rel-1", "base-head", []ReleaseEntry{upstreamEntry("/app/a.txt", "A2\n")})
	env.be.Script(backend.ActionGetReleaseForApply, rel)

	res, err := env.u.Apply(context.Background(), ApplyRequest{ReleaseID: "rel-1", UserConfirmed: true})
	require.NoError(t, err)
	require.False(t, res.OK)
	require.Contains(t, res.Reason, "validation failed")

	content, _ := env.readProjectFile(t, "a.txt")
	require.Equal(t, "A\n", content)

	var applied AppliedRelease
	ok, err := env.st.ReadJSON(env.st.AppliedReleasePath(), &applied)
	require.NoError(t, err)
	require.False(t, ok)

	// The ChangeSet was released with the rollback.
	require.Len(t, env.cs.Aborted, 1)
}