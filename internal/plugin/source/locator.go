// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package source guards access to remote plugin repositories: it parses
// repository locators, enforces the owner allow-list, and talks to the
// hosting service to resolve revisions and fetch content.
package source

import (
	"regexp"
	"strings"

	"github.com/gobwas/glob"
	"github.com/samber/oops"

	"github.com/holomush/plugind/internal/plugin"
)

// DefaultHost is used for locators of the form "owner/repo".
const DefaultHost = "github.com"

var (
	segmentPattern  = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)
	hostPattern     = regexp.MustCompile(`^[a-z0-9]([a-z0-9.-]*[a-z0-9])?(:[0-9]+)?$`)
	revisionPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._/-]*$`)
)

// Locator identifies a repository on a hosting service.
type Locator struct {
	Host  string
	Owner string
	Repo  string
}

// ParseLocator accepts "owner/repo", "host/owner/repo" and
// "https://host/owner/repo[.git]".
func ParseLocator(raw, defaultHost string) (Locator, error) {
	if defaultHost == "" {
		defaultHost = DefaultHost
	}
	s := strings.TrimSpace(raw)
	if rest, ok := strings.CutPrefix(s, "https://"); ok {
		s = rest
	} else if strings.Contains(s, "://") {
		return Locator{}, plugin.RepositoryError(plugin.CodeInvalidLocator, nil, "locator %q must use https", raw)
	}
	s = strings.TrimSuffix(strings.TrimSuffix(s, "/"), ".git")

	parts := strings.Split(s, "/")
	var loc Locator
	switch len(parts) {
	case 2:
		loc = Locator{Host: defaultHost, Owner: parts[0], Repo: parts[1]}
	case 3:
		loc = Locator{Host: strings.ToLower(parts[0]), Owner: parts[1], Repo: parts[2]}
	default:
		return Locator{}, plugin.RepositoryError(plugin.CodeInvalidLocator, nil, "locator %q must be owner/repo or host/owner/repo", raw)
	}

	if !hostPattern.MatchString(loc.Host) {
		return Locator{}, plugin.RepositoryError(plugin.CodeInvalidLocator, nil, "locator %q has invalid host %q", raw, loc.Host)
	}
	for _, seg := range []string{loc.Owner, loc.Repo} {
		if !segmentPattern.MatchString(seg) || strings.Contains(seg, "..") {
			return Locator{}, plugin.RepositoryError(plugin.CodeInvalidLocator, nil, "locator %q has invalid segment %q", raw, seg)
		}
	}
	return loc, nil
}

// String returns the canonical "host/owner/repo" form.
func (l Locator) String() string {
	return l.Host + "/" + l.Owner + "/" + l.Repo
}

// OwnerPath returns "host/owner", the unit the allow-list is keyed on.
func (l Locator) OwnerPath() string {
	return l.Host + "/" + l.Owner
}

// ValidRevision reports whether rev is a syntactically acceptable branch,
// tag or commit reference.
func ValidRevision(rev string) bool {
	return revisionPattern.MatchString(rev) && !strings.Contains(rev, "..")
}

// AllowList holds the trusted repository owners.
//
// Entries are glob patterns over "host/owner" with '/' as the separator; an
// entry without a host applies to the default host. "trusted-org" and
// "github.com/trusted-*" are both valid entries.
type AllowList struct {
	entries []allowEntry
}

type allowEntry struct {
	pattern string
	glob    glob.Glob
}

// NewAllowList compiles the allow-list entries.
func NewAllowList(defaultHost string, entries []string) (*AllowList, error) {
	if defaultHost == "" {
		defaultHost = DefaultHost
	}
	a := &AllowList{entries: make([]allowEntry, 0, len(entries))}
	for _, e := range entries {
		e = strings.TrimSpace(e)
		if e == "" {
			return nil, oops.Code("INVALID_ALLOW_LIST").Errorf("allow-list entry cannot be empty")
		}
		if !strings.Contains(e, "/") {
			e = defaultHost + "/" + e
		}
		g, err := glob.Compile(e, '/')
		if err != nil {
			return nil, oops.Code("INVALID_ALLOW_LIST").With("entry", e).Wrap(err)
		}
		a.entries = append(a.entries, allowEntry{pattern: e, glob: g})
	}
	return a, nil
}

// Allowed reports whether the locator's owner is trusted.
func (a *AllowList) Allowed(loc Locator) bool {
	if a == nil {
		return false
	}
	key := loc.OwnerPath()
	for _, e := range a.entries {
		if e.glob.Match(key) {
			return true
		}
	}
	return false
}

// Entries returns the normalized patterns.
func (a *AllowList) Entries() []string {
	out := make([]string, len(a.entries))
	for i, e := range a.entries {
		out[i] = e.pattern
	}
	return out
}
