// Copyright (C) 2026 Joyi AI (oss@joyi.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package validation spawns lint/build/smoke subprocesses with timeouts
// and summarizes their results for the pack, update, and safe-mode
// pipelines.
//
// A timed-out check is reported as a failed result, never as a crash; the
// pipelines decide what a required failure means (publish fails closed,
// safe-mode treats a smoke failure as a revert trigger).
package validation

import (
	"bytes"
	"context"
	"log/slog"
	"os/exec"
	"time"
)

// Status is the outcome of one validation check.
type Status string

const (
	StatusPassed   Status = "passed"
	StatusFailed   Status = "failed"
	StatusTimedOut Status = "timed_out"
)

// Spec describes one validation subprocess.
type Spec struct {
	// Name identifies the check in results and manifests.
	Name string `json:"name"`

	// Command is run through the shell in Cwd.
	Command string `json:"command"`

	// Cwd is the working directory.
	Cwd string `json:"cwd"`

	// Timeout bounds the subprocess; expired processes are killed.
	Timeout time.Duration `json:"timeoutMs"`

	// Required marks checks whose failure fails the whole suite.
	Required bool `json:"required"`
}

// Result is the outcome of one executed Spec.
type Result struct {
	Name     string        `json:"name"`
	Status   Status        `json:"status"`
	ExitCode int           `json:"exitCode"`
	Output   string        `json:"output"`
	Duration time.Duration `json:"durationMs"`
	Required bool          `json:"required"`
}

// Summary aggregates a result set.
type Summary struct {
	// OK is true when no required check failed or timed out.
	OK bool `json:"ok"`

	// RequiredFailures names the required checks that did not pass.
	RequiredFailures []string `json:"requiredFailures"`
}

// MaxOutputBytes truncates captured subprocess output.
const MaxOutputBytes = 64 * 1024

// DefaultTimeout applies when a Spec has none.
const DefaultTimeout = 2 * time.Minute

// Runner executes validation specs sequentially.
type Runner struct {
	logger *slog.Logger
}

// NewRunner creates a runner. logger may be nil.
func NewRunner(logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{logger: logger.With("component", "validation")}
}

// RunValidations executes every spec in order and returns one result per
// spec. Execution never short-circuits; a later check still runs after an
// earlier failure so the caller sees the full picture.
func (r *Runner) RunValidations(ctx context.Context, specs []Spec) []Result {
	results := make([]Result, 0, len(specs))
	for _, spec := range specs {
		results = append(results, r.runOne(ctx, spec))
	}
	return results
}

func (r *Runner) runOne(ctx context.Context, spec Spec) Result {
	timeout := spec.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(cctx, "sh", "-c", spec.Command)
	cmd.Dir = spec.Cwd

	var output bytes.Buffer
	cmd.Stdout = &output
	cmd.Stderr = &output

	start := time.Now()
	err := cmd.Run()
	duration := time.Since(start)

	res := Result{
		Name:     spec.Name,
		Duration: duration,
		Required: spec.Required,
		Output:   truncate(output.String()),
	}

	switch {
	case cctx.Err() == context.DeadlineExceeded:
		res.Status = StatusTimedOut
		res.ExitCode = -1
	case err != nil:
		res.Status = StatusFailed
		if exitErr, ok := err.(*exec.ExitError); ok {
			res.ExitCode = exitErr.ExitCode()
		} else {
			res.ExitCode = -1
		}
	default:
		res.Status = StatusPassed
	}

	r.logger.Info("validation check finished",
		"name", spec.Name,
		"status", string(res.Status),
		"duration_ms", duration.Milliseconds())
	return res
}

// SummarizeValidationResults reduces results to a pass/fail summary.
func SummarizeValidationResults(results []Result) Summary {
	summary := Summary{OK: true}
	for _, res := range results {
		if res.Required && res.Status != StatusPassed {
			summary.OK = false
			summary.RequiredFailures = append(summary.RequiredFailures, res.Name)
		}
	}
	return summary
}

func truncate(s string) string {
	if len(s) > MaxOutputBytes {
		return s[:MaxOutputBytes]
	}
	return s
}

// Suite names the default validation sets consumed by the pipelines.

// DefaultSuite is the full lint+build suite run before publishing a pack.
func DefaultSuite(projectRoot string) []Spec {
	return []Spec{
		{Name: "lint", Command: "npm run --silent lint", Cwd: projectRoot, Timeout: 3 * time.Minute, Required: true},
		{Name: "build", Command: "npm run --silent build", Cwd: projectRoot, Timeout: 10 * time.Minute, Required: true},
	}
}

// SmokeSuite is the fast boot-health suite run at startup and after
// install/revert.
func SmokeSuite(projectRoot string) []Spec {
	return []Spec{
		{Name: "smoke", Command: "npm run --silent smoke", Cwd: projectRoot, Timeout: 90 * time.Second, Required: true},
	}
}
