// Copyright (C) 2026 Joyi AI (oss@joyi.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package gitutil wraps the git command line for the self-modification
// pipelines: provenance diffs for pack manifests, baseline heads, and
// reverse-patch application.
//
// Every operation runs under a fixed timeout and reports timeout as a
// failed result, never a hang.
package gitutil

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/sourcegraph/go-diff/diff"
)

// DefaultTimeout bounds each git invocation.
const DefaultTimeout = 30 * time.Second

// Client executes git commands in one repository.
//
// # Thread Safety
//
// All methods are safe for concurrent use.
type Client struct {
	repoPath string
	timeout  time.Duration
}

// NewClient creates a git client rooted at repoPath.
func NewClient(repoPath string, timeout time.Duration) (*Client, error) {
	if !filepath.IsAbs(repoPath) {
		return nil, fmt.Errorf("gitutil: repoPath must be absolute: %s", repoPath)
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{repoPath: repoPath, timeout: timeout}, nil
}

// run executes a git command and returns raw stdout. Callers that want
// a single token (rev-parse) trim it themselves; diff and porcelain
// output is significant down to leading spaces and trailing newlines.
func (c *Client) run(ctx context.Context, stdin string, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = c.repoPath
	if stdin != "" {
		cmd.Stdin = strings.NewReader(stdin)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return "", fmt.Errorf("git %s: timeout after %v", args[0], c.timeout)
		}
		return "", fmt.Errorf("git %s: %w: %s", args[0], err, stderr.String())
	}
	return stdout.String(), nil
}

// ResolveGitRoot returns the repository's top-level directory, or an error
// when the path is not inside a work tree.
func (c *Client) ResolveGitRoot(ctx context.Context) (string, error) {
	out, err := c.run(ctx, "", "rev-parse", "--show-toplevel")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// Head returns the current HEAD commit hash. Returns an empty string (no
// error) for a repository with no commits yet.
func (c *Client) Head(ctx context.Context) (string, error) {
	out, err := c.run(ctx, "", "rev-parse", "HEAD")
	if err != nil {
		if strings.Contains(err.Error(), "unknown revision") ||
			strings.Contains(err.Error(), "ambiguous argument") {
			return "", nil
		}
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// Diff returns the unified diff of the working tree against HEAD,
// optionally limited to paths (repo-relative).
func (c *Client) Diff(ctx context.Context, paths []string) (string, error) {
	args := []string{"diff", "HEAD", "--"}
	args = append(args, paths...)
	out, err := c.run(ctx, "", args...)
	if err != nil {
		return "", err
	}
	return out, nil
}

// ChangedPaths returns repo-relative paths with uncommitted changes
// (staged, unstaged, or untracked).
func (c *Client) ChangedPaths(ctx context.Context) ([]string, error) {
	out, err := c.run(ctx, "", "status", "--porcelain")
	if err != nil {
		return nil, err
	}
	out = strings.TrimRight(out, "\n")
	if out == "" {
		return nil, nil
	}

	var paths []string
	for _, line := range strings.Split(out, "\n") {
		if len(line) < 4 {
			continue
		}
		p := strings.TrimSpace(line[3:])
		// Renames are reported as "old -> new"; keep the new path.
		if idx := strings.Index(p, " -> "); idx >= 0 {
			p = p[idx+4:]
		}
		paths = append(paths, strings.Trim(p, `"`))
	}
	return paths, nil
}

// ApplyReversePatch applies a unified diff in reverse against the working
// tree, undoing the changes it describes.
func (c *Client) ApplyReversePatch(ctx context.Context, patch string) error {
	if strings.TrimSpace(patch) == "" {
		return nil
	}
	_, err := c.run(ctx, patch, "apply", "--reverse", "--whitespace=nowarn", "-")
	return err
}

// DiffStat summarizes a unified diff for provenance records.
type DiffStat struct {
	// FilesChanged is the number of files the diff touches.
	FilesChanged int `json:"filesChanged"`

	// Added and Deleted count changed lines across all hunks.
	Added   int `json:"added"`
	Deleted int `json:"deleted"`

	// Files lists the new-side file names, "/dev/null" excluded.
	Files []string `json:"files,omitempty"`
}

// SummarizeDiff parses a unified diff and computes its stat. A diff that
// fails to parse yields a zero stat and an error; callers treat the stat
// as advisory.
func SummarizeDiff(patch string) (DiffStat, error) {
	var stat DiffStat
	if strings.TrimSpace(patch) == "" {
		return stat, nil
	}

	fileDiffs, err := diff.ParseMultiFileDiff([]byte(patch))
	if err != nil {
		return DiffStat{}, fmt.Errorf("parse diff: %w", err)
	}

	for _, fd := range fileDiffs {
		stat.FilesChanged++
		name := strings.TrimPrefix(fd.NewName, "b/")
		if name != "/dev/null" && name != "" {
			stat.Files = append(stat.Files, name)
		}
		fdStat := fd.Stat()
		stat.Added += int(fdStat.Added + fdStat.Changed)
		stat.Deleted += int(fdStat.Deleted + fdStat.Changed)
	}
	return stat, nil
}
