// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package capability holds the permission vocabulary and the runtime
// enforcer that answers "may this enabled plugin do X".
//
// Grants are glob patterns with ':' as the segment separator:
//   - "database:read" matches only itself
//   - "database:*" matches "database:read" and "database:write"
//   - "**" matches everything
//
// The enforcer is a projection of the registry: enabled plugins are published
// to it and disabled or uninstalled ones are removed. It is never consulted
// for lifecycle decisions.
package capability

import (
	"maps"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/samber/oops"
)

type grantTable map[string]*Matcher

// Enforcer checks plugin permissions at runtime. Reads see an immutable
// snapshot and never block; writers copy the table and swap it in.
//
// The zero value is ready to use.
type Enforcer struct {
	table atomic.Pointer[grantTable]
	write sync.Mutex
}

// NewEnforcer returns an empty enforcer.
func NewEnforcer() *Enforcer {
	return &Enforcer{}
}

func (e *Enforcer) snapshot() grantTable {
	if t := e.table.Load(); t != nil {
		return *t
	}
	return nil
}

// update applies fn to a private copy of the table and publishes it.
func (e *Enforcer) update(fn func(grantTable)) {
	e.write.Lock()
	defer e.write.Unlock()

	next := make(grantTable, len(e.snapshot())+1)
	maps.Copy(next, e.snapshot())
	fn(next)
	e.table.Store(&next)
}

// Grant publishes the permissions of an enabled plugin, replacing any it
// held before. When a pattern fails to compile nothing changes.
func (e *Enforcer) Grant(plugin string, permissions []string) error {
	if plugin == "" {
		return oops.Code("INVALID_PLUGIN").Errorf("plugin name cannot be empty")
	}
	m, err := NewMatcher(permissions)
	if err != nil {
		return oops.With("plugin", plugin).Wrap(err)
	}
	e.update(func(t grantTable) { t[plugin] = m })
	return nil
}

// Revoke withdraws every grant of a plugin. Unknown plugins are ignored.
func (e *Enforcer) Revoke(plugin string) {
	e.update(func(t grantTable) { delete(t, plugin) })
}

// Replace swaps the whole table for grants in one step. Plugins whose
// patterns fail to compile are left out and returned by name, sorted.
func (e *Enforcer) Replace(grants map[string][]string) []string {
	next := make(grantTable, len(grants))
	var rejected []string
	for plugin, perms := range grants {
		m, err := NewMatcher(perms)
		if plugin == "" || err != nil {
			rejected = append(rejected, plugin)
			continue
		}
		next[plugin] = m
	}

	e.write.Lock()
	e.table.Store(&next)
	e.write.Unlock()

	slices.Sort(rejected)
	return rejected
}

// Has reports whether the plugin currently has grants published.
func (e *Enforcer) Has(plugin string) bool {
	_, ok := e.snapshot()[plugin]
	return ok
}

// Grants returns the plugin's published patterns, or nil.
func (e *Enforcer) Grants(plugin string) []string {
	return e.snapshot()[plugin].Patterns()
}

// Plugins returns the names of plugins with published grants, sorted.
func (e *Enforcer) Plugins() []string {
	return slices.Sorted(maps.Keys(e.snapshot()))
}

// Check reports whether the plugin holds the permission. Unknown plugins,
// empty permissions and unmatched permissions are denied.
func (e *Enforcer) Check(plugin, permission string) bool {
	if permission == "" {
		return false
	}
	_, ok := e.snapshot()[plugin].Match(permission)
	return ok
}
