// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package source

import (
	"context"
	"errors"
	"io/fs"
)

// ErrNotFound is returned by a Host when the repository, revision or file
// does not exist. Any other error is treated as the host being unreachable.
var ErrNotFound = errors.New("not found on host")

// Host is a repository hosting service.
type Host interface {
	// Repository confirms the repository exists and is readable.
	Repository(ctx context.Context, loc Locator) error
	// ResolveRevision resolves a branch, tag or commit to a commit SHA.
	ResolveRevision(ctx context.Context, loc Locator, revision string) (string, error)
	// ReadFile reads a single file at the given commit.
	ReadFile(ctx context.Context, loc Locator, commit, path string) ([]byte, error)
	// FetchArchive lists and reads the repository tree at the given commit.
	FetchArchive(ctx context.Context, loc Locator, commit string, limits ArchiveLimits) (*Archive, error)
}

// EntryType classifies an archive entry.
type EntryType string

// Entry types.
const (
	EntryFile    EntryType = "file"
	EntryDir     EntryType = "dir"
	EntrySymlink EntryType = "symlink"
	EntryOther   EntryType = "other"
)

// ArchiveLimits bound how much content FetchArchive reads into memory.
// Entries over MaxFileSize are listed with their declared size but not read.
type ArchiveLimits struct {
	MaxFileSize  int64
	MaxTotalSize int64
}

// Entry is one path in a fetched repository tree. Path is relative to the
// repository root exactly as recorded in the archive.
type Entry struct {
	Path   string
	Type   EntryType
	Mode   fs.FileMode
	Size   int64
	Data   []byte
	Target string
	// Skipped is set when Data was not read because a limit was exceeded.
	Skipped bool
}

// Archive is the content of a repository at one commit.
type Archive struct {
	Commit  string
	Entries []Entry
}

// Lookup returns the regular file at p.
func (a *Archive) Lookup(p string) (*Entry, bool) {
	for i := range a.Entries {
		if a.Entries[i].Path == p && a.Entries[i].Type == EntryFile {
			return &a.Entries[i], true
		}
	}
	return nil, false
}

// TotalSize sums the declared size of every regular file.
func (a *Archive) TotalSize() int64 {
	var n int64
	for _, e := range a.Entries {
		if e.Type == EntryFile {
			n += e.Size
		}
	}
	return n
}
