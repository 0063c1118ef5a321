// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package sandbox materializes validated plugin content into an isolated
// install directory and prepares its execution boundary.
//
// Installs are staged under <root>/.staging/<job-id> and moved into
// <root>/<name> with a single rename. Every failure path removes whatever
// was written before returning, so a failed install leaves nothing behind.
package sandbox

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/samber/oops"

	"github.com/holomush/plugind/internal/plugin"
	"github.com/holomush/plugind/internal/plugin/manifest"
	"github.com/holomush/plugind/internal/plugin/source"
)

// StagingDir is the directory under the install root that holds in-flight installs.
const StagingDir = ".staging"

// File modes applied to installed trees.
const (
	modeContent  fs.FileMode = 0o444
	modeDir      fs.FileMode = 0o555
	modeWritable fs.FileMode = 0o755
)

// Config configures the installer.
type Config struct {
	Root          string   `koanf:"root"`
	WritablePaths []string `koanf:"writable_paths"`
	Limits        Limits   `koanf:"limits"`
	// HostComponents maps host-provided component names to their versions.
	// Plugin dependencies are resolved against these before installed plugins.
	HostComponents map[string]string `koanf:"host_components"`
}

// DefaultConfig returns the default installer configuration rooted at root.
func DefaultConfig(root string) Config {
	return Config{
		Root:           root,
		WritablePaths:  []string{"data", "cache"},
		Limits:         DefaultLimits(),
		HostComponents: map[string]string{},
	}
}

// Request is one install.
type Request struct {
	JobID    string
	Manifest *manifest.Validated
	Archive  *source.Archive
}

// Result describes a completed install.
type Result struct {
	Path   string
	Policy *Policy
	Files  int
}

// Installer writes plugins into the install root.
type Installer struct {
	cfg          Config
	lookup       PluginLookup
	provisioners map[plugin.Runtime]Provisioner
}

// NewInstaller creates an installer. lookup resolves dependencies on
// installed plugins and may be nil.
func NewInstaller(cfg Config, lookup PluginLookup, provisioners ...Provisioner) (*Installer, error) {
	if cfg.Root == "" {
		return nil, oops.Code("INVALID_INSTALLER_CONFIG").Errorf("install root is required")
	}
	root, err := filepath.Abs(cfg.Root)
	if err != nil {
		return nil, oops.Code("INVALID_INSTALLER_CONFIG").With("root", cfg.Root).Wrap(err)
	}
	cfg.Root = root
	for _, w := range cfg.WritablePaths {
		if !filepath.IsLocal(w) || strings.ContainsRune(w, filepath.Separator) {
			return nil, oops.Code("INVALID_INSTALLER_CONFIG").With("writable_path", w).Errorf("writable paths must be top-level directory names")
		}
	}
	if err := os.MkdirAll(filepath.Join(root, StagingDir), 0o750); err != nil {
		return nil, oops.Code("INSTALL_ROOT_UNAVAILABLE").With("root", root).Wrap(err)
	}

	i := &Installer{
		cfg:          cfg,
		lookup:       lookup,
		provisioners: make(map[plugin.Runtime]Provisioner, len(provisioners)),
	}
	for _, p := range provisioners {
		i.provisioners[p.Runtime()] = p
	}
	return i, nil
}

// Root returns the absolute install root.
func (i *Installer) Root() string { return i.cfg.Root }

// PathFor returns the final install path of a plugin.
func (i *Installer) PathFor(name string) string {
	return filepath.Join(i.cfg.Root, name)
}

// StagingPath returns the staging directory of a job.
func (i *Installer) StagingPath(jobID string) string {
	return filepath.Join(i.cfg.Root, StagingDir, jobID)
}

// Install stages, provisions and publishes the plugin described by req.
// On error nothing remains at the staging or final path.
func (i *Installer) Install(ctx context.Context, req Request) (res *Result, err error) {
	p := req.Manifest.Plugin()
	staging := i.StagingPath(req.JobID)
	final := i.PathFor(p.Name)
	published := false

	defer func() {
		if err == nil {
			return
		}
		if rbErr := Rollback(staging); rbErr != nil {
			slog.ErrorContext(ctx, "staging rollback failed", "job_id", req.JobID, "path", staging, "error", rbErr)
		}
		if published {
			if rbErr := Rollback(final); rbErr != nil {
				slog.ErrorContext(ctx, "install rollback failed", "job_id", req.JobID, "path", final, "error", rbErr)
			}
		}
	}()

	if err := resolveDependencies(ctx, p.Dependencies, i.cfg.HostComponents, i.lookup); err != nil {
		return nil, err
	}

	prov, ok := i.provisioners[p.Runtime]
	if !ok {
		return nil, plugin.InstallError(plugin.CodeSandboxCreationFailed, nil, "no provisioner for runtime %s", p.Runtime)
	}

	if _, statErr := os.Lstat(final); statErr == nil {
		return nil, plugin.InstallError(plugin.CodeDiskWriteFailed, nil, "install path %s already exists", final)
	}

	if err := Rollback(staging); err != nil {
		return nil, plugin.InstallError(plugin.CodeDiskWriteFailed, err, "clearing staging directory: %v", err)
	}
	files, err := i.writeTree(ctx, staging, req.Archive)
	if err != nil {
		return nil, err
	}

	policy := NewPolicy(p, i.cfg.WritablePaths, i.cfg.Limits)
	for _, w := range policy.WritablePaths {
		if err := os.MkdirAll(filepath.Join(staging, w), modeWritable); err != nil {
			return nil, plugin.InstallError(plugin.CodeDiskWriteFailed, err, "creating writable directory %s: %v", w, err)
		}
	}
	if err := policy.write(staging); err != nil {
		return nil, plugin.InstallError(plugin.CodeSandboxCreationFailed, err, "writing sandbox policy: %v", err)
	}

	if err := prov.Provision(ctx, staging, policy); err != nil {
		if cerr := plugin.ContextError(ctx.Err(), "provisioning %s: %v", p.Name, err); cerr != nil {
			return nil, cerr
		}
		return nil, plugin.InstallError(plugin.CodeSandboxCreationFailed, err, "provisioning %s sandbox: %v", p.Runtime, err)
	}

	if err := applyModes(staging, policy.WritablePaths); err != nil {
		return nil, plugin.InstallError(plugin.CodeSandboxCreationFailed, err, "applying read-only modes: %v", err)
	}

	if cerr := plugin.ContextError(ctx.Err(), "install of %s stopped before publish", p.Name); cerr != nil {
		return nil, cerr
	}
	if err := os.Rename(staging, final); err != nil {
		return nil, plugin.InstallError(plugin.CodeDiskWriteFailed, err, "publishing %s: %v", p.Name, err)
	}
	published = true
	if err := os.Chmod(final, modeDir); err != nil {
		return nil, plugin.InstallError(plugin.CodeDiskWriteFailed, err, "sealing %s: %v", final, err)
	}

	slog.InfoContext(ctx, "plugin installed",
		"job_id", req.JobID,
		"plugin", p.Name,
		"path", final,
		"files", files,
		"network", policy.Network)

	return &Result{Path: final, Policy: policy, Files: files}, nil
}

// writeTree writes every regular file in archive beneath dir.
func (i *Installer) writeTree(ctx context.Context, dir string, archive *source.Archive) (int, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return 0, plugin.InstallError(plugin.CodeDiskWriteFailed, err, "creating staging directory: %v", err)
	}
	root, err := os.OpenRoot(dir)
	if err != nil {
		return 0, plugin.InstallError(plugin.CodeDiskWriteFailed, err, "opening staging directory: %v", err)
	}
	defer func() { _ = root.Close() }()

	files := 0
	for _, e := range archive.Entries {
		if cerr := plugin.ContextError(ctx.Err(), "install stopped while writing files"); cerr != nil {
			return files, cerr
		}
		if e.Type != source.EntryFile {
			continue
		}
		if e.Skipped {
			return files, plugin.InstallError(plugin.CodeDiskWriteFailed, nil, "content of %s was not fetched", e.Path)
		}
		if err := writeFile(root, e); err != nil {
			return files, plugin.InstallError(plugin.CodeDiskWriteFailed, err, "writing %s: %v", e.Path, err)
		}
		files++
	}
	return files, nil
}

// writeFile writes one entry through root, which refuses paths that
// escape the staging directory.
func writeFile(root *os.Root, e source.Entry) error {
	name := filepath.FromSlash(e.Path)
	if d := filepath.Dir(name); d != "." {
		if err := mkdirAll(root, d); err != nil {
			return err
		}
	}
	f, err := root.OpenFile(name, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(e.Data); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

func mkdirAll(root *os.Root, dir string) error {
	parts := strings.Split(dir, string(filepath.Separator))
	for n := 1; n <= len(parts); n++ {
		p := filepath.Join(parts[:n]...)
		if err := root.Mkdir(p, 0o755); err != nil && !errors.Is(err, fs.ErrExist) {
			return err
		}
	}
	return nil
}

// applyModes makes content read-only. The top-level directory itself stays
// writable until it has been renamed into place.
func applyModes(dir string, writable []string) error {
	var dirs []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		top, _, _ := strings.Cut(rel, string(filepath.Separator))
		if slices.Contains(writable, top) {
			if d.IsDir() {
				return os.Chmod(path, modeWritable)
			}
			return nil
		}
		if d.IsDir() {
			dirs = append(dirs, path)
			return nil
		}
		return os.Chmod(path, modeContent)
	})
	if err != nil {
		return err
	}
	// Directories are sealed deepest first, after their contents.
	for _, d := range slices.Backward(dirs) {
		if err := os.Chmod(d, modeDir); err != nil {
			return err
		}
	}
	return nil
}

// Rollback removes a staged or installed tree. Read-only modes are undone
// first so the removal cannot be blocked by them. A missing path is not an
// error.
func Rollback(path string) error {
	if _, err := os.Lstat(path); errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	_ = filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
		if err == nil && d.IsDir() {
			_ = os.Chmod(p, 0o755)
		}
		return nil
	})
	if err := os.RemoveAll(path); err != nil {
		return oops.Code("ROLLBACK_FAILED").With("path", path).Wrap(err)
	}
	return nil
}

// Remove deletes an installed plugin's tree. The path must lie directly
// beneath the install root.
func (i *Installer) Remove(ctx context.Context, p *plugin.Plugin) error {
	path := p.InstallPath
	if path == "" {
		path = i.PathFor(p.Name)
	}
	if filepath.Dir(filepath.Clean(path)) != i.cfg.Root || filepath.Base(path) == StagingDir {
		return oops.Code("REMOVE_OUTSIDE_ROOT").With("plugin", p.Name).With("path", path).Errorf("refusing to remove path outside the install root")
	}
	if err := Rollback(path); err != nil {
		return err
	}
	slog.InfoContext(ctx, "plugin files removed", "plugin", p.Name, "path", path)
	return nil
}

// CleanStaging removes the staging directory of a job.
func (i *Installer) CleanStaging(jobID string) error {
	if jobID == "" || !filepath.IsLocal(jobID) || strings.ContainsRune(jobID, filepath.Separator) {
		return oops.Code("INVALID_JOB_ID").With("job_id", jobID).Errorf("invalid job id")
	}
	return Rollback(i.StagingPath(jobID))
}
