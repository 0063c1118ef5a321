// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package security

import (
	"context"
	"fmt"
	"path"
	"path/filepath"
	"slices"
	"strings"

	"github.com/gobwas/glob"
	"github.com/samber/oops"

	"github.com/holomush/plugind/internal/plugin"
	"github.com/holomush/plugind/internal/plugin/manifest"
	"github.com/holomush/plugind/internal/plugin/source"
)

type fileIntegrity struct {
	guard      *source.Guard
	limits     source.ArchiveLimits
	extensions map[string]bool
	bareNames  map[string]bool
	forbidden  []forbiddenPath
}

type forbiddenPath struct {
	pattern string
	glob    glob.Glob
}

func newFileIntegrity(guard *source.Guard, cfg Config) (*fileIntegrity, error) {
	f := &fileIntegrity{
		guard:      guard,
		limits:     source.ArchiveLimits{MaxFileSize: cfg.MaxFileSize, MaxTotalSize: cfg.MaxTotalSize},
		extensions: make(map[string]bool, len(cfg.AllowedExtensions)),
		bareNames:  make(map[string]bool, len(cfg.AllowedBareNames)),
	}
	for _, ext := range cfg.AllowedExtensions {
		f.extensions[strings.ToLower(ext)] = true
	}
	for _, name := range cfg.AllowedBareNames {
		f.bareNames[name] = true
	}
	for _, p := range cfg.ForbiddenPaths {
		g, err := glob.Compile(p, '/')
		if err != nil {
			return nil, oops.Code("INVALID_SECURITY_CONFIG").With("forbidden_path", p).Wrap(err)
		}
		f.forbidden = append(f.forbidden, forbiddenPath{pattern: p, glob: g})
	}
	return f, nil
}

func (f *fileIntegrity) check(ctx context.Context, ic *InstallContext) error {
	if ic.Resolution == nil || ic.Manifest == nil {
		return fmt.Errorf("file stage requires a resolved repository and validated manifest")
	}
	host, err := f.guard.Host(ic.Resolution.Locator)
	if err != nil {
		return err
	}
	archive, err := host.FetchArchive(ctx, ic.Resolution.Locator, ic.Resolution.Commit, f.limits)
	if err != nil {
		if cerr := plugin.ContextError(err, "fetching %s: %v", ic.Resolution.Locator, err); cerr != nil {
			return cerr
		}
		return plugin.RepositoryError(plugin.CodeRepositoryUnreachable, err,
			"fetching content of %s at %s: %v", ic.Resolution.Locator, ic.Resolution.Commit, err)
	}

	if err := f.scan(archive, ic.Manifest); err != nil {
		return err
	}
	ic.Archive = archive
	return nil
}

// scan checks every archive entry, then the totals, the entry point and the
// packaged manifest.
func (f *fileIntegrity) scan(archive *source.Archive, v *manifest.Validated) error {
	for i := range archive.Entries {
		if err := f.checkEntry(&archive.Entries[i]); err != nil {
			return err
		}
	}

	if total := archive.TotalSize(); total > f.limits.MaxTotalSize {
		return reject(plugin.CodeFileTooLarge, "plugin content is %d bytes, the maximum is %d", total, f.limits.MaxTotalSize)
	}

	entry, ok := archive.Lookup(v.Manifest.Entry)
	if !ok {
		return reject(plugin.CodeEntryMissing, "entry point %s is not in the repository", v.Manifest.Entry)
	}
	if len(entry.Data) == 0 {
		return reject(plugin.CodeEntryMissing, "entry point %s is empty", v.Manifest.Entry)
	}

	packaged, ok := archive.Lookup(manifest.FileName)
	if !ok {
		return reject(plugin.CodeManifestMismatch, "%s is missing from the fetched content", manifest.FileName)
	}
	pv, err := manifest.Parse(packaged.Data)
	if err != nil || pv.Hash != v.Hash {
		return reject(plugin.CodeManifestMismatch, "%s in the fetched content differs from the validated manifest", manifest.FileName)
	}
	return nil
}

func (f *fileIntegrity) checkEntry(e *source.Entry) error {
	p := e.Path
	if strings.Contains(p, `\`) || !filepath.IsLocal(p) || path.Clean(p) != p {
		return reject(plugin.CodePathTraversal, "path %q escapes the plugin directory", p)
	}

	for _, fp := range f.forbidden {
		if fp.glob.Match("/" + p) {
			return reject(plugin.CodeForbiddenPath, "path %q matches forbidden pattern %q", p, fp.pattern)
		}
	}

	switch e.Type {
	case source.EntryDir:
		return nil
	case source.EntrySymlink:
		return reject(plugin.CodeForbiddenPath, "path %q is a link to %q; links are not allowed", p, e.Target)
	case source.EntryFile:
	default:
		return reject(plugin.CodeForbiddenPath, "path %q is not a regular file", p)
	}

	if e.Size > f.limits.MaxFileSize {
		return reject(plugin.CodeFileTooLarge, "file %q is %d bytes, the maximum is %d", p, e.Size, f.limits.MaxFileSize)
	}

	base := path.Base(p)
	ext := path.Ext(base)
	if ext == "" || ext == base {
		if !f.bareNames[base] {
			return reject(plugin.CodeDisallowedExtension, "file %q has no allowed extension", p)
		}
		return nil
	}
	if ext = strings.ToLower(ext); !f.extensions[ext] {
		return reject(plugin.CodeDisallowedExtension, "file %q has disallowed extension %s (allowed: %s)", p, ext, f.allowedList())
	}
	return nil
}

func (f *fileIntegrity) allowedList() string {
	exts := make([]string, 0, len(f.extensions))
	for ext := range f.extensions {
		exts = append(exts, ext)
	}
	slices.Sort(exts)
	return strings.Join(exts, " ")
}

func reject(code plugin.Code, format string, args ...any) *plugin.Error {
	return plugin.SecurityError(code, SeverityOf(code), nil, format, args...)
}
