// Copyright (C) 2026 Joyi AI (oss@joyi.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package safemode

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/joyi-ai/stella-selfmod/services/selfmod/changeset"
	"github.com/joyi-ai/stella-selfmod/services/selfmod/store"
	"github.com/joyi-ai/stella-selfmod/services/selfmod/validation"
)

type fakeDisabler struct {
	reasons []string
	count   int
	err     error
}

func (f *fakeDisabler) DisableAllForSafeMode(ctx context.Context, reason string) (int, error) {
	f.reasons = append(f.reasons, reason)
	return f.count, f.err
}

type testEnv struct {
	m  *Manager
	st *store.Store
	cs *changeset.Fake
	pd *fakeDisabler
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	appData := t.TempDir()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	st, err := store.New(filepath.Join(appData, "state"), filepath.Join(appData, "packs"))
	require.NoError(t, err)

	cs := changeset.NewFake()
	pd := &fakeDisabler{count: 1}
	m, err := NewManager(Config{
		Store:       st,
		Changes:     cs,
		Packs:       pd,
		Runner:      validation.NewRunner(logger),
		ProjectRoot: t.TempDir(),
		Logger:      logger,
	})
	require.NoError(t, err)
	m.smokeSuite = passingSmoke
	return &testEnv{m: m, st: st, cs: cs, pd: pd}
}

func passingSmoke(root string) []validation.Spec {
	return []validation.Spec{{Name: "smoke", Command: "exit 0", Cwd: root, Timeout: 10 * time.Second, Required: true}}
}

func failingSmoke(root string) []validation.Spec {
	return []validation.Spec{{Name: "smoke", Command: "exit 1", Cwd: root, Timeout: 10 * time.Second, Required: true}}
}

func TestStartupCleanBootIsHealthy(t *testing.T) {
	env := newTestEnv(t)

	res, err := env.m.Startup(context.Background())
	require.NoError(t, err)
	require.False(t, res.NeedsRevert)
	require.NotEmpty(t, res.BootID)
	require.Equal(t, 1, env.cs.BaselineEnsured)

	var boot BootStatus
	ok, err := env.st.ReadJSON(env.st.BootStatusPath(), &boot)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, BootHealthy, boot.Status)
	require.False(t, boot.SafeModeApplied)
}

func TestStartupTriggerSources(t *testing.T) {
	t.Run("persisted trigger", func(t *testing.T) {
		env := newTestEnv(t)
		require.NoError(t, env.st.EnsureLayout())
		require.NoError(t, env.m.RecordTrigger("crash loop detected"))

		res, err := env.m.Startup(context.Background())
		require.NoError(t, err)
		require.True(t, res.NeedsRevert)
		require.Contains(t, res.Reason, "crash loop detected")
	})

	t.Run("unhealthy previous boot", func(t *testing.T) {
		env := newTestEnv(t)
		require.NoError(t, env.st.EnsureLayout())
		require.NoError(t, env.st.WriteJSON(env.st.BootStatusPath(), BootStatus{
			BootID: "old", StartedAt: time.Now(), Status: BootFailed,
		}))

		res, err := env.m.Startup(context.Background())
		require.NoError(t, err)
		require.True(t, res.NeedsRevert)
		require.Contains(t, res.Reason, "previous boot")
	})

	t.Run("failing smoke check", func(t *testing.T) {
		env := newTestEnv(t)
		env.m.smokeSuite = failingSmoke

		res, err := env.m.Startup(context.Background())
		require.NoError(t, err)
		require.True(t, res.NeedsRevert)
		require.Contains(t, res.Reason, "smoke check failed")
	})

	t.Run("stale starting boot counts as unhealthy", func(t *testing.T) {
		env := newTestEnv(t)
		require.NoError(t, env.st.EnsureLayout())
		require.NoError(t, env.st.WriteJSON(env.st.BootStatusPath(), BootStatus{
			BootID: "old", StartedAt: time.Now(), Status: BootStarting,
		}))

		res, err := env.m.Startup(context.Background())
		require.NoError(t, err)
		require.True(t, res.NeedsRevert)
	})
}

func TestStartupPersistsTriggerWhenRevertNeeded(t *testing.T) {
	env := newTestEnv(t)
	env.m.smokeSuite = failingSmoke

	res, err := env.m.Startup(context.Background())
	require.NoError(t, err)
	require.True(t, res.NeedsRevert)

	// A crash before the user decides re-raises safe mode next boot.
	var trig Trigger
	ok, err := env.st.ReadJSON(env.st.SafeModeTriggerPath(), &trig)
	require.NoError(t, err)
	require.True(t, ok)
	require.NotEmpty(t, trig.Reason)
}

func TestPerformRevertSuccess(t *testing.T) {
	env := newTestEnv(t)
	env.m.smokeSuite = failingSmoke
	res, err := env.m.Startup(context.Background())
	require.NoError(t, err)
	require.True(t, res.NeedsRevert)

	// The environment is healthy again once the revert lands.
	env.m.smokeSuite = passingSmoke
	rev, err := env.m.PerformRevert(context.Background(), res.Reason)
	require.NoError(t, err)
	require.True(t, rev.OK, rev.Reason)

	require.Equal(t, []string{res.Reason}, env.cs.Rollbacks)
	require.Equal(t, []string{res.Reason}, env.pd.reasons)

	var boot BootStatus
	_, err = env.st.ReadJSON(env.st.BootStatusPath(), &boot)
	require.NoError(t, err)
	require.Equal(t, BootHealthy, boot.Status)
	require.True(t, boot.SafeModeApplied)

	var trig Trigger
	ok, err := env.st.ReadJSON(env.st.SafeModeTriggerPath(), &trig)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestPerformRevertFailureStillMarksSafeModeApplied(t *testing.T) {
	env := newTestEnv(t)
	env.m.smokeSuite = failingSmoke
	res, err := env.m.Startup(context.Background())
	require.NoError(t, err)
	require.True(t, res.NeedsRevert)

	// Smoke keeps failing even after the revert.
	rev, err := env.m.PerformRevert(context.Background(), res.Reason)
	require.NoError(t, err)
	require.False(t, rev.OK)
	require.Contains(t, rev.Reason, "post-revert smoke check")

	var boot BootStatus
	_, err = env.st.ReadJSON(env.st.BootStatusPath(), &boot)
	require.NoError(t, err)
	require.Equal(t, BootFailed, boot.Status)
	require.True(t, boot.SafeModeApplied)
	require.NotEmpty(t, boot.FailureReason)

	// The trigger stays so the next boot re-enters safe mode.
	var trig Trigger
	ok, err := env.st.ReadJSON(env.st.SafeModeTriggerPath(), &trig)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestPerformRevertPackDisableFailure(t *testing.T) {
	env := newTestEnv(t)
	env.m.smokeSuite = failingSmoke
	res, err := env.m.Startup(context.Background())
	require.NoError(t, err)
	require.True(t, res.NeedsRevert)

	env.pd.err = errors.New("installations file corrupt")
	env.m.smokeSuite = passingSmoke
	rev, err := env.m.PerformRevert(context.Background(), res.Reason)
	require.NoError(t, err)
	require.False(t, rev.OK)
	require.Contains(t, rev.Reason, "Disabling installed packs failed")

	var boot BootStatus
	_, err = env.st.ReadJSON(env.st.BootStatusPath(), &boot)
	require.NoError(t, err)
	require.Equal(t, BootFailed, boot.Status)
	require.True(t, boot.SafeModeApplied)
}

func TestSkipRevertClearsTriggerAndMarksHealthy(t *testing.T) {
	env := newTestEnv(t)
	env.m.smokeSuite = failingSmoke
	res, err := env.m.Startup(context.Background())
	require.NoError(t, err)
	require.True(t, res.NeedsRevert)

	require.NoError(t, env.m.SkipRevert(context.Background()))

	var boot BootStatus
	_, err = env.st.ReadJSON(env.st.BootStatusPath(), &boot)
	require.NoError(t, err)
	require.Equal(t, BootHealthy, boot.Status)
	require.False(t, boot.SafeModeApplied)

	var trig Trigger
	ok, err := env.st.ReadJSON(env.st.SafeModeTriggerPath(), &trig)
	require.NoError(t, err)
	require.False(t, ok)

	// The next startup is clean again.
	env.m.smokeSuite = passingSmoke
	res, err = env.m.Startup(context.Background())
	require.NoError(t, err)
	require.False(t, res.NeedsRevert)
}
