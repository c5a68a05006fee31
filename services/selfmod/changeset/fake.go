// Copyright (C) 2026 Joyi AI (oss@joyi.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package changeset

import (
	"context"
	"fmt"
	"sync"
)

// Fake is a recording in-memory Manager for tests.
//
// Behavior knobs let pipeline tests force finish failures and inspect the
// exact sequence of calls.
type Fake struct {
	mu sync.Mutex

	// Records are returned by LoadChangeSetRecord, keyed by id.
	Records map[string]*Record

	// FinishReason, when non-empty, makes FinishChangeSet report a failed
	// (ok=false) result with this reason.
	FinishReason string

	// Started, Finished, Aborted, and Rollbacks record the calls made.
	Started   []StartRequest
	Finished  []FinishRequest
	Aborted   []string
	Rollbacks []string

	// BaselineEnsured counts EnsureBaseline calls.
	BaselineEnsured int

	nextID int
}

// NewFake creates an empty fake.
func NewFake() *Fake {
	return &Fake{Records: make(map[string]*Record)}
}

var _ Manager = (*Fake)(nil)

func (f *Fake) EnsureBaseline(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.BaselineEnsured++
	return nil
}

func (f *Fake) StartChangeSet(ctx context.Context, req StartRequest) (StartResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Started = append(f.Started, req)
	f.nextID++
	return StartResult{ID: fmt.Sprintf("cs-%d", f.nextID)}, nil
}

func (f *Fake) FinishChangeSet(ctx context.Context, req FinishRequest) (FinishResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Finished = append(f.Finished, req)
	if f.FinishReason != "" {
		return FinishResult{OK: false, Reason: f.FinishReason}, nil
	}
	return FinishResult{OK: true}, nil
}

func (f *Fake) AbortChangeSet(ctx context.Context, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Aborted = append(f.Aborted, reason)
	return nil
}

func (f *Fake) RollbackToLastKnownGood(ctx context.Context, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Rollbacks = append(f.Rollbacks, reason)
	return nil
}

func (f *Fake) LoadChangeSetRecord(ctx context.Context, id string) (*Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.Records[id]
	if !ok {
		return nil, nil
	}
	cp := *rec
	return &cp, nil
}
