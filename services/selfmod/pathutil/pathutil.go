// Copyright (C) 2026 Joyi AI (oss@joyi.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package pathutil provides pure path helpers shared by the self-modification
// subsystem: normalization, relative-path computation, containment checks,
// and instruction-glob compilation.
//
// Everything in this package is side-effect free. Nothing touches the
// filesystem; callers resolve symlinks and existence themselves.
package pathutil

import (
	"path/filepath"
	"strings"
)

// Normalize cleans a path and converts it to an absolute path rooted at base
// when it is relative. The result always uses the platform separator.
//
// # Inputs
//
//   - base: Absolute directory used to anchor relative inputs.
//   - path: Path to normalize. May be absolute or relative.
//
// # Outputs
//
//   - string: Cleaned absolute path.
func Normalize(base, path string) string {
	if path == "" {
		return filepath.Clean(base)
	}
	if filepath.IsAbs(path) {
		return filepath.Clean(path)
	}
	return filepath.Clean(filepath.Join(base, path))
}

// Contains reports whether child is root itself or lives underneath root.
// Both paths must already be absolute and cleaned; no filesystem access is
// performed.
func Contains(root, child string) bool {
	root = filepath.Clean(root)
	child = filepath.Clean(child)
	if root == child {
		return true
	}
	rel, err := filepath.Rel(root, child)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// RelativeWithin computes child's path relative to root, returning ok=false
// when child is not contained in root. The returned path uses forward
// slashes regardless of platform so it can serve as a stable virtual-path
// component.
func RelativeWithin(root, child string) (string, bool) {
	if !Contains(root, child) {
		return "", false
	}
	rel, err := filepath.Rel(filepath.Clean(root), filepath.Clean(child))
	if err != nil {
		return "", false
	}
	if rel == "." {
		return "", true
	}
	return filepath.ToSlash(rel), true
}

// JoinVirtual joins a virtual root (leading slash, forward slashes) with a
// zone-relative path. An empty relative path yields the virtual root itself.
func JoinVirtual(virtualRoot, rel string) string {
	virtualRoot = strings.TrimRight(virtualRoot, "/")
	if virtualRoot == "" {
		virtualRoot = "/"
	}
	if rel == "" {
		return virtualRoot
	}
	return virtualRoot + "/" + strings.TrimLeft(filepath.ToSlash(rel), "/")
}

// SplitVirtual splits a virtual path into its first segment (the virtual
// root, with leading slash) and the remainder. Returns ok=false if the input
// does not start with a slash.
func SplitVirtual(virtual string) (root, rel string, ok bool) {
	if !strings.HasPrefix(virtual, "/") {
		return "", "", false
	}
	trimmed := strings.TrimPrefix(virtual, "/")
	if trimmed == "" {
		return "/", "", true
	}
	idx := strings.Index(trimmed, "/")
	if idx < 0 {
		return "/" + trimmed, "", true
	}
	return "/" + trimmed[:idx], trimmed[idx+1:], true
}
