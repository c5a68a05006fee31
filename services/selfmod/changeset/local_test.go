// Copyright (C) 2026 Joyi AI (oss@joyi.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package changeset

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/joyi-ai/stella-selfmod/services/selfmod/snapshot"
	"github.com/joyi-ai/stella-selfmod/services/selfmod/store"
	"github.com/joyi-ai/stella-selfmod/services/selfmod/validation"
	"github.com/joyi-ai/stella-selfmod/services/selfmod/zones"
)

type localEnv struct {
	m           *LocalManager
	st          *store.Store
	projectRoot string
}

func newLocalEnv(t *testing.T) *localEnv {
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

	m, err := NewLocalManager(LocalConfig{
		Store:  st,
		Zones:  zm,
		Engine: snapshot.NewEngine(0, logger),
		Runner: validation.NewRunner(logger),
		Logger: logger,
	})
	require.NoError(t, err)
	m.defaultSuite = func(string) []validation.Spec { return nil }
	return &localEnv{m: m, st: st, projectRoot: projectRoot}
}

func (e *localEnv) writeProjectFile(t *testing.T, rel, content string) {
	t.Helper()
	path := filepath.Join(e.projectRoot, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestEnsureBaselineCreatesOnce(t *testing.T) {
	env := newLocalEnv(t)
	ctx := context.Background()

	require.NoError(t, env.m.EnsureBaseline(ctx))
	first, err := env.st.LoadLastKnownGood()
	require.NoError(t, err)
	require.NotNil(t, first)

	require.NoError(t, env.m.EnsureBaseline(ctx))
	second, err := env.st.LoadLastKnownGood()
	require.NoError(t, err)
	require.Equal(t, first.BaselineID, second.BaselineID)
}

func TestStartRejectsSecondChangeSet(t *testing.T) {
	env := newLocalEnv(t)
	ctx := context.Background()

	_, err := env.m.StartChangeSet(ctx, StartRequest{Scope: "edit", AgentType: "self_mod"})
	require.NoError(t, err)

	_, err = env.m.StartChangeSet(ctx, StartRequest{Scope: "edit", AgentType: "self_mod"})
	require.Error(t, err)
	require.Contains(t, err.Error(), "in flight")
}

func TestFinishComputesChangedFilesAndCompletes(t *testing.T) {
	env := newLocalEnv(t)
	ctx := context.Background()
	env.writeProjectFile(t, "keep.txt", "same\n")
	env.writeProjectFile(t, "edit.txt", "before\n")
	env.writeProjectFile(t, "gone.txt", "doomed\n")

	start, err := env.m.StartChangeSet(ctx, StartRequest{Scope: "edit", AgentType: "self_mod"})
	require.NoError(t, err)

	env.writeProjectFile(t, "edit.txt", "after\n")
	env.writeProjectFile(t, "new.txt", "fresh\n")
	require.NoError(t, os.Remove(filepath.Join(env.projectRoot, "gone.txt")))

	res, err := env.m.FinishChangeSet(ctx, FinishRequest{Title: "Edit pass"})
	require.NoError(t, err)
	require.True(t, res.OK, res.Reason)
	require.Equal(t, start.ID, res.ChangeSet.ID)
	require.Equal(t, StatusCompleted, res.ChangeSet.Status)

	byPath := map[string]string{}
	for _, cf := range res.ChangeSet.ChangedFiles {
		byPath[cf.VirtualPath] = cf.ChangeType
	}
	require.Equal(t, map[string]string{
		"/app/edit.txt": "modified",
		"/app/new.txt":  "added",
		"/app/gone.txt": "deleted",
	}, byPath)

	// The record is loadable and the active slot is free again.
	rec, err := env.m.LoadChangeSetRecord(ctx, start.ID)
	require.NoError(t, err)
	require.NotNil(t, rec)
	_, err = env.m.StartChangeSet(ctx, StartRequest{Scope: "edit", AgentType: "self_mod"})
	require.NoError(t, err)
}

func TestFinishWithFailingValidationKeepsChangeSetActive(t *testing.T) {
	env := newLocalEnv(t)
	ctx := context.Background()

	_, err := env.m.StartChangeSet(ctx, StartRequest{Scope: "edit", AgentType: "self_mod"})
	require.NoError(t, err)

	res, err := env.m.FinishChangeSet(ctx, FinishRequest{
		Title:                  "Broken",
		SkipDefaultValidations: true,
		Validations: []validation.Spec{
			{Name: "lint", Command: "exit 1", Cwd: env.projectRoot, Required: true},
		},
	})
	require.NoError(t, err)
	require.False(t, res.OK)
	require.Contains(t, res.Reason, "lint")

	// Still active: a second start is rejected.
	_, err = env.m.StartChangeSet(ctx, StartRequest{Scope: "edit", AgentType: "self_mod"})
	require.Error(t, err)
}

func TestAbortReleasesActiveChangeSet(t *testing.T) {
	env := newLocalEnv(t)
	ctx := context.Background()

	start, err := env.m.StartChangeSet(ctx, StartRequest{Scope: "edit", AgentType: "self_mod"})
	require.NoError(t, err)

	require.NoError(t, env.m.AbortChangeSet(ctx, "apply failed"))

	// The start-time baseline is cleaned up and the slot is free again.
	require.NoFileExists(t, env.st.ChangeSetBaselinePath(start.ID))
	_, err = env.m.StartChangeSet(ctx, StartRequest{Scope: "edit", AgentType: "self_mod"})
	require.NoError(t, err)
}

func TestAbortWithoutActiveChangeSetIsNoOp(t *testing.T) {
	env := newLocalEnv(t)
	require.NoError(t, env.m.AbortChangeSet(context.Background(), "nothing"))
}

func TestFinishWithoutActiveChangeSet(t *testing.T) {
	env := newLocalEnv(t)
	res, err := env.m.FinishChangeSet(context.Background(), FinishRequest{Title: "Nothing"})
	require.NoError(t, err)
	require.False(t, res.OK)
	require.Contains(t, res.Reason, "No ChangeSet")
}

func TestRollbackToLastKnownGood(t *testing.T) {
	env := newLocalEnv(t)
	ctx := context.Background()
	env.writeProjectFile(t, "app.txt", "good\n")
	require.NoError(t, env.m.EnsureBaseline(ctx))

	env.writeProjectFile(t, "app.txt", "broken\n")
	env.writeProjectFile(t, "junk.txt", "junk\n")

	require.NoError(t, env.m.RollbackToLastKnownGood(ctx, "boot failure"))

	data, err := os.ReadFile(filepath.Join(env.projectRoot, "app.txt"))
	require.NoError(t, err)
	require.Equal(t, "good\n", string(data))
	_, err = os.Stat(filepath.Join(env.projectRoot, "junk.txt"))
	require.True(t, os.IsNotExist(err))
}

func TestCompletedChangeSetPromotesNewBaseline(t *testing.T) {
	env := newLocalEnv(t)
	ctx := context.Background()
	env.writeProjectFile(t, "app.txt", "v1\n")
	require.NoError(t, env.m.EnsureBaseline(ctx))
	before, err := env.st.LoadLastKnownGood()
	require.NoError(t, err)

	_, err = env.m.StartChangeSet(ctx, StartRequest{Scope: "edit", AgentType: "self_mod"})
	require.NoError(t, err)
	env.writeProjectFile(t, "app.txt", "v2\n")
	res, err := env.m.FinishChangeSet(ctx, FinishRequest{Title: "Bump"})
	require.NoError(t, err)
	require.True(t, res.OK, res.Reason)

	after, err := env.st.LoadLastKnownGood()
	require.NoError(t, err)
	require.NotEqual(t, before.BaselineID, after.BaselineID)

	// Rolling back now returns to the completed state, not the original.
	env.writeProjectFile(t, "app.txt", "scribble\n")
	require.NoError(t, env.m.RollbackToLastKnownGood(ctx, "test"))
	data, err := os.ReadFile(filepath.Join(env.projectRoot, "app.txt"))
	require.NoError(t, err)
	require.Equal(t, "v2\n", string(data))
}

func TestLoadChangeSetRecordUnknownIsNil(t *testing.T) {
	env := newLocalEnv(t)
	rec, err := env.m.LoadChangeSetRecord(context.Background(), "cs-ghost")
	require.NoError(t, err)
	require.Nil(t, rec)
}
