// Copyright (C) 2026 Joyi AI (oss@joyi.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package validation

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunValidationsStatuses(t *testing.T) {
	r := NewRunner(nil)
	dir := t.TempDir()

	specs := []Spec{
		{Name: "pass", Command: "echo ok", Cwd: dir, Required: true},
		{Name: "fail", Command: "exit 3", Cwd: dir, Required: true},
		{Name: "slow", Command: "sleep 5", Cwd: dir, Timeout: 100 * time.Millisecond, Required: false},
	}

	results := r.RunValidations(context.Background(), specs)
	require.Len(t, results, 3)

	assert.Equal(t, StatusPassed, results[0].Status)
	assert.Equal(t, 0, results[0].ExitCode)
	assert.Contains(t, results[0].Output, "ok")

	assert.Equal(t, StatusFailed, results[1].Status)
	assert.Equal(t, 3, results[1].ExitCode)

	assert.Equal(t, StatusTimedOut, results[2].Status)
	assert.Equal(t, -1, results[2].ExitCode)
}

func TestRunValidationsDoesNotShortCircuit(t *testing.T) {
	r := NewRunner(nil)
	dir := t.TempDir()

	results := r.RunValidations(context.Background(), []Spec{
		{Name: "first", Command: "exit 1", Cwd: dir, Required: true},
		{Name: "second", Command: "echo still runs", Cwd: dir},
	})
	require.Len(t, results, 2)
	assert.Equal(t, StatusFailed, results[0].Status)
	assert.Equal(t, StatusPassed, results[1].Status)
}

func TestSummarizeValidationResults(t *testing.T) {
	tests := []struct {
		name     string
		results  []Result
		wantOK   bool
		failures []string
	}{
		{
			name:    "all passed",
			results: []Result{{Name: "a", Status: StatusPassed, Required: true}},
			wantOK:  true,
		},
		{
			name: "optional failure ignored",
			results: []Result{
				{Name: "a", Status: StatusPassed, Required: true},
				{Name: "b", Status: StatusFailed, Required: false},
			},
			wantOK: true,
		},
		{
			name: "required failure",
			results: []Result{
				{Name: "a", Status: StatusFailed, Required: true},
				{Name: "b", Status: StatusTimedOut, Required: true},
			},
			wantOK:   false,
			failures: []string{"a", "b"},
		},
		{name: "empty", wantOK: true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			summary := SummarizeValidationResults(tc.results)
			assert.Equal(t, tc.wantOK, summary.OK)
			assert.Equal(t, tc.failures, summary.RequiredFailures)
		})
	}
}

func TestSuites(t *testing.T) {
	full := DefaultSuite("/project")
	require.Len(t, full, 2)
	assert.Equal(t, "lint", full[0].Name)
	assert.True(t, full[0].Required)

	smoke := SmokeSuite("/project")
	require.Len(t, smoke, 1)
	assert.Equal(t, "smoke", smoke[0].Name)
}
