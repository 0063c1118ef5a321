// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package capability

import (
	"slices"
	"sort"

	"github.com/gobwas/glob"
	"github.com/samber/oops"
)

// Separator splits a permission into subsystem and action, e.g. "database:read".
const Separator = ':'

// vocabulary is the fixed, closed set of permissions a manifest may request.
var vocabulary = map[string]string{
	"database:read":     "read rows from host-managed tables",
	"database:write":    "insert and update rows in host-managed tables",
	"database:admin":    "alter host-managed schema",
	"filesystem:read":   "read files under the plugin's own directory",
	"filesystem:write":  "write files under the plugin's writable paths",
	"network:outbound":  "open outbound network connections",
	"events:subscribe":  "receive host events",
	"events:emit":       "publish events to the host",
	"settings:read":     "read host settings",
	"settings:write":    "change host settings",
	"projects:read":     "read project metadata",
	"projects:write":    "modify project metadata",
	"users:read":        "read user profiles",
	"users:write":       "modify user accounts",
	"ui:notify":         "show notifications in the dashboard",
	"scheduler:enqueue": "schedule background tasks",
}

// Known reports whether perm is part of the permission vocabulary.
func Known(perm string) bool {
	_, ok := vocabulary[perm]
	return ok
}

// Describe returns the human description of perm, or "" if unknown.
func Describe(perm string) string {
	return vocabulary[perm]
}

// Vocabulary returns every permission in sorted order.
func Vocabulary() []string {
	perms := make([]string, 0, len(vocabulary))
	for p := range vocabulary {
		perms = append(perms, p)
	}
	sort.Strings(perms)
	return perms
}

// Matcher matches permissions against a set of glob patterns.
//
// '*' matches within one segment ("secrets:*" matches "secrets:read"),
// '**' crosses segments.
type Matcher struct {
	patterns []compiledGrant
}

type compiledGrant struct {
	pattern string
	glob    glob.Glob
}

// NewMatcher compiles patterns. An empty or invalid pattern is an error.
func NewMatcher(patterns []string) (*Matcher, error) {
	compiled, err := compile(patterns)
	if err != nil {
		return nil, err
	}
	return &Matcher{patterns: compiled}, nil
}

// Match returns the first pattern matching perm.
func (m *Matcher) Match(perm string) (string, bool) {
	if m == nil {
		return "", false
	}
	for _, p := range m.patterns {
		if p.glob.Match(perm) {
			return p.pattern, true
		}
	}
	return "", false
}

// Patterns returns the source patterns.
func (m *Matcher) Patterns() []string {
	if m == nil {
		return nil
	}
	out := make([]string, len(m.patterns))
	for i, p := range m.patterns {
		out[i] = p.pattern
	}
	return slices.Clip(out)
}

func compile(patterns []string) ([]compiledGrant, error) {
	compiled := make([]compiledGrant, len(patterns))
	for i, pattern := range patterns {
		if pattern == "" {
			return nil, oops.Code("INVALID_PATTERN").With("index", i).Errorf("empty permission pattern")
		}
		g, err := glob.Compile(pattern, Separator)
		if err != nil {
			return nil, oops.Code("INVALID_PATTERN").With("index", i).With("pattern", pattern).Wrap(err)
		}
		compiled[i] = compiledGrant{pattern: pattern, glob: g}
	}
	return compiled, nil
}
