// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package sourcetest provides an in-memory repository host for tests.
package sourcetest

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/holomush/plugind/internal/plugin/source"
)

// Repo is one repository served by Host.
type Repo struct {
	// Revisions maps a branch, tag or SHA to a commit.
	Revisions map[string]string
	// Trees maps a commit to its files (path → content).
	Trees map[string]map[string]string
	// Extra entries appended to the archive, for non-regular files.
	Extra map[string][]source.Entry
}

// Host is a call-counting source.Host backed by maps. It is safe for
// concurrent use.
type Host struct {
	mu    sync.Mutex
	repos map[string]*Repo
	calls map[string]int

	// Err, when set, is returned from every call.
	Err error
	// Block, when set, is waited on (or ctx) before FetchArchive returns.
	Block chan struct{}
}

// NewHost creates an empty host.
func NewHost() *Host {
	return &Host{repos: make(map[string]*Repo), calls: make(map[string]int)}
}

// AddRepo registers a repository with a single revision and tree. It
// returns the commit SHA.
func (h *Host) AddRepo(owner, repo, revision string, files map[string]string) string {
	h.mu.Lock()
	defer h.mu.Unlock()
	key := owner + "/" + repo
	r, ok := h.repos[key]
	if !ok {
		r = &Repo{
			Revisions: make(map[string]string),
			Trees:     make(map[string]map[string]string),
			Extra:     make(map[string][]source.Entry),
		}
		h.repos[key] = r
	}
	commit := fmt.Sprintf("%040x", len(r.Trees)+1)
	r.Revisions[revision] = commit
	r.Revisions[commit] = commit
	r.Trees[commit] = files
	return commit
}

// AddEntry appends a raw archive entry to a commit's tree.
func (h *Host) AddEntry(owner, repo, commit string, e source.Entry) {
	h.mu.Lock()
	defer h.mu.Unlock()
	r := h.repos[owner+"/"+repo]
	r.Extra[commit] = append(r.Extra[commit], e)
}

// Calls returns how many times method was called.
func (h *Host) Calls(method string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.calls[method]
}

// TotalCalls returns the number of calls across all methods.
func (h *Host) TotalCalls() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, c := range h.calls {
		n += c
	}
	return n
}

func (h *Host) enter(method string, loc source.Locator) (*Repo, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls[method]++
	if h.Err != nil {
		return nil, h.Err
	}
	r, ok := h.repos[loc.Owner+"/"+loc.Repo]
	if !ok {
		return nil, fmt.Errorf("%s: %w", loc, source.ErrNotFound)
	}
	return r, nil
}

// Repository implements source.Host.
func (h *Host) Repository(_ context.Context, loc source.Locator) error {
	_, err := h.enter("Repository", loc)
	return err
}

// ResolveRevision implements source.Host.
func (h *Host) ResolveRevision(_ context.Context, loc source.Locator, revision string) (string, error) {
	r, err := h.enter("ResolveRevision", loc)
	if err != nil {
		return "", err
	}
	commit, ok := r.Revisions[revision]
	if !ok {
		return "", fmt.Errorf("revision %s: %w", revision, source.ErrNotFound)
	}
	return commit, nil
}

// ReadFile implements source.Host.
func (h *Host) ReadFile(_ context.Context, loc source.Locator, commit, path string) ([]byte, error) {
	r, err := h.enter("ReadFile", loc)
	if err != nil {
		return nil, err
	}
	content, ok := r.Trees[commit][path]
	if !ok {
		return nil, fmt.Errorf("%s: %w", path, source.ErrNotFound)
	}
	return []byte(content), nil
}

// FetchArchive implements source.Host.
func (h *Host) FetchArchive(ctx context.Context, loc source.Locator, commit string, limits source.ArchiveLimits) (*source.Archive, error) {
	r, err := h.enter("FetchArchive", loc)
	if err != nil {
		return nil, err
	}
	if h.Block != nil {
		select {
		case <-h.Block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	tree, ok := r.Trees[commit]
	if !ok {
		return nil, fmt.Errorf("commit %s: %w", commit, source.ErrNotFound)
	}

	paths := make([]string, 0, len(tree))
	for p := range tree {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	archive := &source.Archive{Commit: commit}
	var read int64
	for _, p := range paths {
		data := []byte(tree[p])
		e := source.Entry{Path: p, Type: source.EntryFile, Mode: 0o644, Size: int64(len(data))}
		if e.Size > limits.MaxFileSize || read+e.Size > limits.MaxTotalSize {
			e.Skipped = true
		} else {
			e.Data = data
			read += e.Size
		}
		archive.Entries = append(archive.Entries, e)
	}
	archive.Entries = append(archive.Entries, r.Extra[commit]...)
	return archive, nil
}

var _ source.Host = (*Host)(nil)
