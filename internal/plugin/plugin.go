// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package plugin defines the installed-plugin model shared by the validation
// pipeline, the installer, the registry and the lifecycle state machine.
package plugin

import (
	"slices"
	"strings"
	"time"
)

// Status is the lifecycle status of an installed plugin.
type Status string

// Plugin statuses. Plugins are installed as StatusDisabled and never auto-enable.
const (
	StatusDisabled     Status = "disabled"
	StatusEnabled      Status = "enabled"
	StatusError        Status = "error"
	StatusUninstalling Status = "uninstalling"
)

// StatusUninstalled is reported once an uninstall has deleted the plugin.
// It is never stored.
const StatusUninstalled Status = "uninstalled"

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusDisabled, StatusEnabled, StatusError, StatusUninstalling:
		return true
	}
	return false
}

// Kind is the UI integration variant a plugin declares.
type Kind string

// Plugin kinds.
const (
	KindDashboard Kind = "dashboard"
	KindProject   Kind = "project"
	KindSystem    Kind = "system"
)

// Runtime identifies how plugin code is executed inside its sandbox.
type Runtime string

// Supported runtimes.
const (
	RuntimeLua  Runtime = "lua"
	RuntimeWASM Runtime = "wasm"
)

// uiIntegrations is the closed set of UI integration points per kind.
var uiIntegrations = map[Kind][]string{
	KindDashboard: {"dashboard.widget", "dashboard.page", "dashboard.menu"},
	KindProject:   {"project.tab", "project.action", "project.sidebar"},
	KindSystem:    {"system.settings", "system.hook", "system.menu"},
}

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	_, ok := uiIntegrations[k]
	return ok
}

// Integrations returns the UI integration points available to k.
func (k Kind) Integrations() []string {
	return slices.Clone(uiIntegrations[k])
}

// SupportsIntegration reports whether the integration point belongs to k.
func (k Kind) SupportsIntegration(point string) bool {
	return slices.Contains(uiIntegrations[k], point)
}

// Valid reports whether r is a supported runtime.
func (r Runtime) Valid() bool {
	return r == RuntimeLua || r == RuntimeWASM
}

// Plugin is one installed extension. Status is only ever changed through the
// lifecycle state machine.
type Plugin struct {
	Name           string
	Version        string
	Description    string
	Author         string
	Kind           Kind
	Runtime        Runtime
	Entry          string
	UI             []string
	SourceLocator  string
	Revision       string
	Commit         string
	ManifestHash   string
	Status         Status
	InstallPath    string
	Permissions    []string
	Dependencies   map[string]string
	LastError      string
	InstalledByJob string
	InstalledAt    time.Time
	UpdatedAt      time.Time
}

// Grants derives the permission grant rows for p, preserving declaration order.
func (p *Plugin) Grants() []Grant {
	grants := make([]Grant, 0, len(p.Permissions))
	for i, perm := range p.Permissions {
		grants = append(grants, Grant{
			PluginName: p.Name,
			Permission: perm,
			Position:   i,
			GrantedAt:  p.InstalledAt,
		})
	}
	return grants
}

// HasNetworkAccess reports whether any granted permission is a network capability.
func (p *Plugin) HasNetworkAccess() bool {
	return HasNetworkPermission(p.Permissions)
}

// HasNetworkPermission reports whether perms contains a network capability.
func HasNetworkPermission(perms []string) bool {
	for _, perm := range perms {
		if strings.HasPrefix(perm, "network:") {
			return true
		}
	}
	return false
}

// Grant is a single (plugin, permission) pair derived from the validated manifest.
type Grant struct {
	PluginName string
	Permission string
	Position   int
	GrantedAt  time.Time
}

// Summary is the read-only projection of a plugin exposed to UI consumers.
type Summary struct {
	Name        string    `json:"name" yaml:"name"`
	Version     string    `json:"version" yaml:"version"`
	Author      string    `json:"author" yaml:"author"`
	Kind        Kind      `json:"kind" yaml:"kind"`
	Status      Status    `json:"status" yaml:"status"`
	Permissions []string  `json:"permissions" yaml:"permissions"`
	InstalledAt time.Time `json:"installed_at" yaml:"installed_at"`
}

// Summarize projects p for read-only consumers.
func (p *Plugin) Summarize() Summary {
	return Summary{
		Name:        p.Name,
		Version:     p.Version,
		Author:      p.Author,
		Kind:        p.Kind,
		Status:      p.Status,
		Permissions: slices.Clone(p.Permissions),
		InstalledAt: p.InstalledAt,
	}
}
