// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package source

import (
	"context"
	"errors"

	"github.com/samber/oops"

	"github.com/holomush/plugind/internal/plugin"
	"github.com/holomush/plugind/internal/plugin/manifest"
)

// Resolution is the outcome of a successful guard check.
type Resolution struct {
	Locator  Locator
	Revision string
	Commit   string
	Manifest []byte
}

// Guard admits repositories from trusted owners only.
type Guard struct {
	defaultHost string
	allow       *AllowList
	hosts       map[string]Host
}

// NewGuard creates a guard. hosts maps a hostname to its client.
func NewGuard(defaultHost string, allow *AllowList, hosts map[string]Host) (*Guard, error) {
	if allow == nil {
		return nil, oops.Code("INVALID_GUARD").Errorf("allow-list is required")
	}
	if defaultHost == "" {
		defaultHost = DefaultHost
	}
	return &Guard{defaultHost: defaultHost, allow: allow, hosts: hosts}, nil
}

// Parse parses a locator against the guard's default host.
func (g *Guard) Parse(raw string) (Locator, error) {
	return ParseLocator(raw, g.defaultHost)
}

// Check verifies the owner is allow-listed, the repository is reachable,
// the revision resolves, and the manifest exists at that revision. The
// owner check runs before the host is contacted.
func (g *Guard) Check(ctx context.Context, raw, revision string) (*Resolution, error) {
	loc, err := g.Parse(raw)
	if err != nil {
		return nil, err
	}
	if !g.allow.Allowed(loc) {
		return nil, plugin.RepositoryError(plugin.CodeOwnerNotAllowed, nil,
			"owner %s is not in the allow-list", loc.OwnerPath())
	}
	if !ValidRevision(revision) {
		return nil, plugin.RepositoryError(plugin.CodeRevisionNotFound, nil, "revision %q is not a valid reference", revision)
	}

	host, err := g.Host(loc)
	if err != nil {
		return nil, err
	}

	if err := host.Repository(ctx, loc); err != nil {
		return nil, classify(err, plugin.CodeRepositoryUnreachable, "repository %s", loc)
	}

	commit, err := host.ResolveRevision(ctx, loc, revision)
	if err != nil {
		return nil, classify(err, plugin.CodeRevisionNotFound, "revision %s of %s", revision, loc)
	}

	data, err := host.ReadFile(ctx, loc, commit, manifest.FileName)
	if err != nil {
		return nil, classify(err, plugin.CodeManifestMissing, "%s at %s", manifest.FileName, commit)
	}

	return &Resolution{Locator: loc, Revision: revision, Commit: commit, Manifest: data}, nil
}

// Host returns the client for the locator's host.
func (g *Guard) Host(loc Locator) (Host, error) {
	host, ok := g.hosts[loc.Host]
	if !ok {
		return nil, plugin.RepositoryError(plugin.CodeRepositoryUnreachable, nil, "no client configured for host %s", loc.Host)
	}
	return host, nil
}

// classify maps a host error to a repository error. Context errors pass
// through unchanged so callers can tell cancellation from rejection.
func classify(err error, notFound plugin.Code, format string, args ...any) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if errors.Is(err, ErrNotFound) {
		e := plugin.RepositoryError(notFound, err, format, args...)
		e.Message += " not found"
		return e
	}
	e := plugin.RepositoryError(plugin.CodeRepositoryUnreachable, err, format, args...)
	e.Message += " unreachable: " + err.Error()
	return e
}
