// Copyright (C) 2026 Joyi AI (oss@joyi.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(t.TempDir(), t.TempDir())
	require.NoError(t, err)
	require.NoError(t, s.EnsureLayout())
	return s
}

func TestNewRejectsRelativeRoots(t *testing.T) {
	_, err := New("relative", t.TempDir())
	assert.Error(t, err)
	_, err = New(t.TempDir(), "relative")
	assert.Error(t, err)
}

func TestEnsureLayoutCreatesDirectories(t *testing.T) {
	s := newTestStore(t)

	for _, p := range []string{
		filepath.Join(s.StateRoot(), "baseline", "snapshots"),
		filepath.Join(s.StateRoot(), "packs", "uninstall"),
		filepath.Join(s.StateRoot(), "safe-mode"),
		filepath.Join(s.StateRoot(), "startup"),
		filepath.Join(s.StateRoot(), "signing"),
		filepath.Join(s.PacksRoot(), "bundles"),
	} {
		info, err := os.Stat(p)
		require.NoError(t, err, p)
		assert.True(t, info.IsDir())
	}
}

func TestReadJSONMissingRecord(t *testing.T) {
	s := newTestStore(t)

	var v map[string]string
	ok, err := s.ReadJSON(s.BootStatusPath(), &v)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestWriteJSONRoundTrip(t *testing.T) {
	s := newTestStore(t)

	type rec struct {
		Name  string `json:"name"`
		Count int    `json:"count"`
	}
	want := rec{Name: "x", Count: 3}
	require.NoError(t, s.WriteJSON(s.BootStatusPath(), want))

	var got rec
	ok, err := s.ReadJSON(s.BootStatusPath(), &got)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, want, got)
}

func TestWriteJSONCreatesParents(t *testing.T) {
	s := newTestStore(t)
	path := s.BundlePath("acme.theme", "1.2.0")
	require.NoError(t, s.WriteJSON(path, map[string]string{"k": "v"}))

	var v map[string]string
	ok, err := s.ReadJSON(path, &v)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRemoveMissingIsNoop(t *testing.T) {
	s := newTestStore(t)
	assert.NoError(t, s.Remove(s.SafeModeTriggerPath()))
}

func TestBaselineHistoryCapped(t *testing.T) {
	s := newTestStore(t)

	for i := 0; i < MaxBaselineHistory+7; i++ {
		md := BaselineMetadata{
			BaselineID: fmt.Sprintf("b-%03d", i),
			GitHead:    fmt.Sprintf("head-%03d", i),
			CreatedAt:  time.Now().UTC(),
		}
		require.NoError(t, s.SaveLastKnownGood(md))
	}

	history, err := s.LoadBaselineHistory()
	require.NoError(t, err)
	require.Len(t, history, MaxBaselineHistory)
	// Oldest entries were pruned.
	assert.Equal(t, "b-007", history[0].BaselineID)

	lkg, err := s.LoadLastKnownGood()
	require.NoError(t, err)
	require.NotNil(t, lkg)
	assert.Equal(t, fmt.Sprintf("b-%03d", MaxBaselineHistory+6), lkg.BaselineID)
}

func TestBaselineHistoryPruneDeletesSnapshotFiles(t *testing.T) {
	s := newTestStore(t)

	for i := 0; i < MaxBaselineHistory+3; i++ {
		md := BaselineMetadata{
			BaselineID: fmt.Sprintf("b-%03d", i),
			CreatedAt:  time.Now().UTC(),
		}
		require.NoError(t, s.WriteJSON(s.BaselineSnapshotPath(md.BaselineID), map[string]string{"id": md.BaselineID}))
		require.NoError(t, s.SaveLastKnownGood(md))
	}

	// Pruned entries take their snapshot files with them.
	for i := 0; i < 3; i++ {
		assert.NoFileExists(t, s.BaselineSnapshotPath(fmt.Sprintf("b-%03d", i)))
	}
	// Retained entries keep theirs.
	assert.FileExists(t, s.BaselineSnapshotPath("b-003"))
	assert.FileExists(t, s.BaselineSnapshotPath(fmt.Sprintf("b-%03d", MaxBaselineHistory+2)))
}

func TestFindBaselineByGitHead(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.SaveLastKnownGood(BaselineMetadata{BaselineID: "b1", GitHead: "aaa"}))
	require.NoError(t, s.SaveLastKnownGood(BaselineMetadata{BaselineID: "b2", GitHead: "bbb"}))
	require.NoError(t, s.SaveLastKnownGood(BaselineMetadata{BaselineID: "b3", GitHead: "aaa"}))

	md, err := s.FindBaselineByGitHead("aaa")
	require.NoError(t, err)
	require.NotNil(t, md)
	// Most recent entry for the head wins.
	assert.Equal(t, "b3", md.BaselineID)

	md, err = s.FindBaselineByGitHead("zzz")
	require.NoError(t, err)
	assert.Nil(t, md)

	md, err = s.FindBaselineByGitHead("")
	require.NoError(t, err)
	assert.Nil(t, md)
}

func TestJournalAppendAndRecent(t *testing.T) {
	j, err := OpenJournal("", true, nil)
	require.NoError(t, err)
	defer j.Close()

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		j.Append(ctx, Event{Type: fmt.Sprintf("event-%d", i)})
	}

	events, err := j.Recent(ctx, 3)
	require.NoError(t, err)
	require.Len(t, events, 3)
	// Newest first.
	assert.Equal(t, "event-4", events[0].Type)
	assert.Equal(t, "event-2", events[2].Type)

	events, err = j.Recent(ctx, 100)
	require.NoError(t, err)
	assert.Len(t, events, 5)

	events, err = j.Recent(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, events)
}
