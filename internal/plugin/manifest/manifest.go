// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package manifest parses and statically validates plugin.yaml files.
package manifest

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"path"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/Masterminds/semver/v3"
	"gopkg.in/yaml.v3"

	"github.com/holomush/plugind/internal/plugin"
	"github.com/holomush/plugind/internal/plugin/capability"
)

// FileName is the well-known manifest path at the repository root.
const FileName = "plugin.yaml"

// Manifest represents a plugin.yaml file.
type Manifest struct {
	Name         string            `yaml:"name" json:"name" jsonschema:"minLength=1,maxLength=64"`
	Version      string            `yaml:"version" json:"version"`
	Description  string            `yaml:"description" json:"description"`
	Author       string            `yaml:"author" json:"author"`
	Kind         plugin.Kind       `yaml:"kind" json:"kind" jsonschema:"enum=dashboard,enum=project,enum=system"`
	Runtime      plugin.Runtime    `yaml:"runtime" json:"runtime" jsonschema:"enum=lua,enum=wasm"`
	Entry        string            `yaml:"entry" json:"entry"`
	Permissions  []string          `yaml:"permissions" json:"permissions"`
	Dependencies map[string]string `yaml:"dependencies,omitempty" json:"dependencies,omitempty"`
	UI           []string          `yaml:"ui,omitempty" json:"ui,omitempty"`
}

// Validated is a manifest that passed every static check, with the hash of
// its canonical form.
type Validated struct {
	Manifest *Manifest
	Hash     string
}

const (
	maxNameLength        = 64
	minDescriptionLength = 10
)

// namePattern: lowercase letter first, then lowercase letters, digits or
// hyphens, not ending with a hyphen.
var namePattern = regexp.MustCompile(`^[a-z]([a-z0-9-]*[a-z0-9])?$`)

// entryExtensions maps each runtime to the extension its entry point must use.
var entryExtensions = map[plugin.Runtime]string{
	plugin.RuntimeLua:  ".lua",
	plugin.RuntimeWASM: ".wasm",
}

// ValidName reports whether name satisfies the plugin naming rules.
func ValidName(name string) bool {
	return len(name) <= maxNameLength && namePattern.MatchString(name)
}

// Parse parses and validates manifest bytes. It has no side effects and
// never returns a partial manifest alongside an error.
func Parse(data []byte) (*Validated, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, plugin.ManifestError(plugin.CodeMalformedSyntax, "manifest is empty")
	}

	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, plugin.ManifestError(plugin.CodeMalformedSyntax, "invalid YAML: %v", err)
	}
	if _, ok := doc.(map[string]any); !ok {
		return nil, plugin.ManifestError(plugin.CodeMalformedSyntax, "manifest must be a mapping, got %T", doc)
	}

	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, plugin.ManifestError(plugin.CodeMalformedSyntax, "invalid manifest structure: %v", err)
	}

	if err := m.Validate(); err != nil {
		return nil, err
	}

	if err := ValidateSchema(doc); err != nil {
		return nil, plugin.ManifestError(plugin.CodeMalformedSyntax, "%v", err)
	}

	hash, err := canonicalHash(doc)
	if err != nil {
		return nil, plugin.ManifestError(plugin.CodeMalformedSyntax, "cannot canonicalize manifest: %v", err)
	}

	return &Validated{Manifest: &m, Hash: hash}, nil
}

// Validate checks manifest constraints in declaration order so the first
// missing field is the one reported.
func (m *Manifest) Validate() error {
	required := []struct {
		field string
		value string
	}{
		{"name", m.Name},
		{"version", m.Version},
		{"description", m.Description},
		{"author", m.Author},
		{"kind", string(m.Kind)},
		{"runtime", string(m.Runtime)},
		{"entry", m.Entry},
	}
	for _, r := range required {
		if strings.TrimSpace(r.value) == "" {
			return plugin.ManifestError(plugin.CodeMissingRequiredField, "%s is required", r.field)
		}
	}
	if m.Permissions == nil {
		return plugin.ManifestError(plugin.CodeMissingRequiredField, "permissions is required (use [] for none)")
	}

	if len(m.Name) > maxNameLength {
		return plugin.ManifestError(plugin.CodeInvalidField, "name must be %d characters or less, got %d", maxNameLength, len(m.Name))
	}
	if !namePattern.MatchString(m.Name) {
		return plugin.ManifestError(plugin.CodeInvalidField, "name %q must start with a-z, contain only a-z, 0-9, hyphens, and not end with a hyphen", m.Name)
	}

	if _, err := semver.StrictNewVersion(m.Version); err != nil {
		return plugin.ManifestError(plugin.CodeInvalidVersionFormat, "version %q is not a semantic version: %v", m.Version, err)
	}

	if len(strings.TrimSpace(m.Description)) < minDescriptionLength {
		return plugin.ManifestError(plugin.CodeInvalidField, "description must be at least %d characters", minDescriptionLength)
	}

	if !m.Kind.Valid() {
		return plugin.ManifestError(plugin.CodeInvalidField, "kind must be dashboard, project or system, got %q", m.Kind)
	}
	if !m.Runtime.Valid() {
		return plugin.ManifestError(plugin.CodeInvalidField, "runtime must be lua or wasm, got %q", m.Runtime)
	}

	if err := m.validateEntry(); err != nil {
		return err
	}

	seen := make(map[string]bool, len(m.Permissions))
	for _, perm := range m.Permissions {
		if !capability.Known(perm) {
			return plugin.ManifestError(plugin.CodeInvalidPermission, "permission %q is not in the permission vocabulary", perm)
		}
		if seen[perm] {
			return plugin.ManifestError(plugin.CodeInvalidField, "permission %q is declared twice", perm)
		}
		seen[perm] = true
	}

	for _, point := range m.UI {
		if !m.Kind.SupportsIntegration(point) {
			return plugin.ManifestError(plugin.CodeInvalidField, "ui integration %q is not available to %s plugins", point, m.Kind)
		}
	}

	for dep, constraint := range m.Dependencies {
		if !namePattern.MatchString(dep) {
			return plugin.ManifestError(plugin.CodeInvalidField, "dependency name %q is invalid", dep)
		}
		if dep == m.Name {
			return plugin.ManifestError(plugin.CodeInvalidField, "plugin cannot depend on itself")
		}
		if _, err := semver.NewConstraint(constraint); err != nil {
			return plugin.ManifestError(plugin.CodeInvalidField, "dependency %q has invalid constraint %q: %v", dep, constraint, err)
		}
	}

	return nil
}

func (m *Manifest) validateEntry() error {
	entry := m.Entry
	if strings.Contains(entry, `\`) || !filepath.IsLocal(entry) || path.Clean(entry) != entry {
		return plugin.ManifestError(plugin.CodeInvalidField, "entry %q must be a clean relative path inside the plugin", entry)
	}
	if want := entryExtensions[m.Runtime]; path.Ext(entry) != want {
		return plugin.ManifestError(plugin.CodeInvalidField, "entry %q must have extension %s for runtime %s", entry, want, m.Runtime)
	}
	return nil
}

// Plugin builds the registry row for this manifest. Source, install path
// and timestamps are filled in by the caller.
func (v *Validated) Plugin() *plugin.Plugin {
	m := v.Manifest
	deps := make(map[string]string, len(m.Dependencies))
	for k, c := range m.Dependencies {
		deps[k] = c
	}
	return &plugin.Plugin{
		Name:         m.Name,
		Version:      m.Version,
		Description:  strings.TrimSpace(m.Description),
		Author:       m.Author,
		Kind:         m.Kind,
		Runtime:      m.Runtime,
		Entry:        m.Entry,
		UI:           append([]string{}, m.UI...),
		ManifestHash: v.Hash,
		Status:       plugin.StatusDisabled,
		Permissions:  append([]string{}, m.Permissions...),
		Dependencies: deps,
	}
}

// canonicalHash hashes the canonical JSON form of doc. encoding/json sorts
// map keys, so key order and YAML formatting do not affect the result.
func canonicalHash(doc any) (string, error) {
	canonical, err := json.Marshal(doc)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canonical)
	return "sha256:" + hex.EncodeToString(sum[:]), nil
}
