// Copyright (C) 2026 Joyi AI (oss@joyi.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package pathutil

import (
	"fmt"
	"regexp"
	"strings"
)

// Glob is a compiled instruction-file pattern.
//
// # Description
//
// Patterns follow the instruction-policy dialect:
//
//   - `*`  matches any run of characters excluding `/`
//   - `**` matches any run of characters including `/`
//   - `?`  matches exactly one character excluding `/`
//
// All other characters match literally. Matching is always against
// slash-separated relative paths and is anchored at both ends.
type Glob struct {
	pattern string
	re      *regexp.Regexp
}

// Placeholders substituted before regexp quoting so user-supplied text can
// never be spliced into regexp source.
const (
	phDoubleStar = "\x00"
	phStar       = "\x01"
	phQuestion   = "\x02"
)

var phReplacer = strings.NewReplacer("**", phDoubleStar, "*", phStar, "?", phQuestion)

// CompileGlob compiles a pattern into a matcher.
//
// # Inputs
//
//   - pattern: Pattern in the dialect described on Glob.
//
// # Outputs
//
//   - *Glob: Compiled matcher.
//   - error: Non-nil if the resulting expression fails to compile, which
//     only happens for pathological inputs (e.g. embedded NUL bytes).
func CompileGlob(pattern string) (*Glob, error) {
	quoted := regexp.QuoteMeta(phReplacer.Replace(pattern))
	expr := strings.NewReplacer(
		phDoubleStar, `.*`,
		phStar, `[^/]*`,
		phQuestion, `[^/]`,
	).Replace(quoted)

	re, err := regexp.Compile("^" + expr + "$")
	if err != nil {
		return nil, fmt.Errorf("compile glob %q: %w", pattern, err)
	}
	return &Glob{pattern: pattern, re: re}, nil
}

// Match reports whether the slash-separated relative path matches.
func (g *Glob) Match(relPath string) bool {
	return g.re.MatchString(strings.TrimPrefix(filepathToSlash(relPath), "/"))
}

// Pattern returns the source pattern.
func (g *Glob) Pattern() string {
	return g.pattern
}

// MatchAny reports whether any of the patterns matches relPath. Patterns
// that fail to compile are skipped, mirroring the policy evaluator's
// tolerance for malformed instruction files.
func MatchAny(patterns []string, relPath string) (bool, string) {
	for _, p := range patterns {
		g, err := CompileGlob(p)
		if err != nil {
			continue
		}
		if g.Match(relPath) {
			return true, p
		}
	}
	return false, ""
}

func filepathToSlash(p string) string {
	return strings.ReplaceAll(p, "\\", "/")
}
