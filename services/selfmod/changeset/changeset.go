// Copyright (C) 2026 Joyi AI (oss@joyi.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package changeset defines the interface to the external ChangeSet
// manager: the transactional grouping of file edits with its own
// baseline/validation lifecycle.
//
// The self-modification core starts and finishes a ChangeSet around every
// mutation it performs and relies on the manager to serialize
// self-modification operations, but the manager itself lives outside this
// subsystem. This package carries only the consumed contract and a
// recording fake for tests.
package changeset

import (
	"context"
	"time"

	"github.com/joyi-ai/stella-selfmod/services/selfmod/validation"
)

// StatusCompleted marks a finished ChangeSet eligible for pack publishing.
const StatusCompleted = "completed"

// ChangedFile is one file touched by a ChangeSet.
type ChangedFile struct {
	VirtualPath        string   `json:"virtualPath"`
	Zone               string   `json:"zone"`
	ChangeType         string   `json:"changeType"`
	CompatibilityNotes []string `json:"compatibilityNotes,omitempty"`
}

// Record is the persisted state of one ChangeSet.
type Record struct {
	ID           string        `json:"id"`
	Status       string        `json:"status"`
	CompletedAt  time.Time     `json:"completedAt"`
	ChangedFiles []ChangedFile `json:"changedFiles"`
}

// StartRequest scopes a new ChangeSet.
type StartRequest struct {
	Scope          string `json:"scope"`
	AgentType      string `json:"agentType"`
	ConversationID string `json:"conversationId,omitempty"`
	DeviceID       string `json:"deviceId"`
	Reason         string `json:"reason"`
	UserConfirmed  bool   `json:"userConfirmed,omitempty"`
	OverrideGuard  bool   `json:"overrideGuard,omitempty"`
}

// StartResult carries the new ChangeSet's id.
type StartResult struct {
	ID string `json:"id"`
}

// FinishRequest closes the active ChangeSet.
type FinishRequest struct {
	Title                  string              `json:"title"`
	Summary                string              `json:"summary"`
	SkipDefaultValidations bool                `json:"skipDefaultValidations,omitempty"`
	Validations            []validation.Spec   `json:"validations,omitempty"`
	Results                []validation.Result `json:"results,omitempty"`
	UserConfirmed          bool                `json:"userConfirmed,omitempty"`
	OverrideGuard          bool                `json:"overrideGuard,omitempty"`
}

// FinishResult is the discriminated outcome of a finish.
type FinishResult struct {
	OK        bool    `json:"ok"`
	ChangeSet *Record `json:"changeSet,omitempty"`
	Reason    string  `json:"reason,omitempty"`
}

// Manager is the consumed contract of the external ChangeSet manager.
type Manager interface {
	// EnsureBaseline guarantees a last-known-good baseline exists.
	EnsureBaseline(ctx context.Context) error

	// StartChangeSet opens a new transactional unit.
	StartChangeSet(ctx context.Context, req StartRequest) (StartResult, error)

	// FinishChangeSet validates and closes the active unit. A failed
	// finish is reported in the result, not as an error, and leaves the
	// unit active so the caller can choose between retry and abort.
	FinishChangeSet(ctx context.Context, req FinishRequest) (FinishResult, error)

	// AbortChangeSet discards the active unit after the caller has
	// undone its filesystem effects. Aborting with nothing active is a
	// no-op.
	AbortChangeSet(ctx context.Context, reason string) error

	// RollbackToLastKnownGood reverts the working tree to the last
	// known-good baseline.
	RollbackToLastKnownGood(ctx context.Context, reason string) error

	// LoadChangeSetRecord returns the record for id, or nil when unknown.
	LoadChangeSetRecord(ctx context.Context, id string) (*Record, error)
}
