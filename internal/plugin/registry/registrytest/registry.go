// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package registrytest provides an in-memory registry for tests.
package registrytest

import (
	"context"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/holomush/plugind/internal/plugin"
	"github.com/holomush/plugind/internal/plugin/registry"
)

// Registry is an in-memory registry.Registry. Set InsertErr, TransitionErr
// or DeleteErr to inject failures.
type Registry struct {
	mu      sync.Mutex
	plugins map[string]*plugin.Plugin
	grants  map[string][]plugin.Grant

	InsertErr     error
	TransitionErr error
	DeleteErr     error

	// Now supplies timestamps; defaults to time.Now.
	Now func() time.Time
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		plugins: make(map[string]*plugin.Plugin),
		grants:  make(map[string][]plugin.Grant),
	}
}

func (r *Registry) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now().UTC()
}

// Put stores p directly, bypassing Insert validation.
func (r *Registry) Put(p *plugin.Plugin) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.plugins[p.Name] = clone(p)
	r.grants[p.Name] = p.Grants()
}

// Insert implements registry.Registry.
func (r *Registry) Insert(_ context.Context, p *plugin.Plugin) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.InsertErr != nil {
		return r.InsertErr
	}
	if _, ok := r.plugins[p.Name]; ok {
		return plugin.ConflictError(plugin.CodeAlreadyInstalled, "plugin %s is already installed", p.Name)
	}
	if p.InstalledAt.IsZero() {
		p.InstalledAt = r.now()
	}
	p.UpdatedAt = p.InstalledAt
	r.plugins[p.Name] = clone(p)
	r.grants[p.Name] = p.Grants()
	return nil
}

// Get implements registry.Registry.
func (r *Registry) Get(_ context.Context, name string) (*plugin.Plugin, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.plugins[name]
	if !ok {
		return nil, plugin.NotFoundError(plugin.CodePluginNotFound, "plugin %s not found", name)
	}
	return clone(p), nil
}

// List implements registry.Registry.
func (r *Registry) List(_ context.Context) ([]*plugin.Plugin, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := slices.Sorted(maps.Keys(r.plugins))
	out := make([]*plugin.Plugin, 0, len(names))
	for _, n := range names {
		out = append(out, clone(r.plugins[n]))
	}
	return out, nil
}

// Grants implements registry.Registry.
func (r *Registry) Grants(_ context.Context, name string) ([]plugin.Grant, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.grants[name]), nil
}

// Transition implements registry.Registry.
func (r *Registry) Transition(_ context.Context, name string, from, to plugin.Status, lastError string) (*plugin.Plugin, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.TransitionErr != nil {
		return nil, r.TransitionErr
	}
	p, ok := r.plugins[name]
	if !ok || p.Status != from {
		return nil, plugin.StateTransitionError(plugin.CodeStaleState, "plugin %s is no longer %s", name, from)
	}
	p.Status = to
	p.LastError = lastError
	p.UpdatedAt = r.now()
	return clone(p), nil
}

// Delete implements registry.Registry.
func (r *Registry) Delete(_ context.Context, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.DeleteErr != nil {
		return r.DeleteErr
	}
	p, ok := r.plugins[name]
	if !ok || p.Status != plugin.StatusUninstalling {
		return plugin.StateTransitionError(plugin.CodeStaleState, "plugin %s is not being uninstalled", name)
	}
	delete(r.plugins, name)
	delete(r.grants, name)
	return nil
}

// Len returns the number of stored plugins.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.plugins)
}

func clone(p *plugin.Plugin) *plugin.Plugin {
	c := *p
	c.Permissions = slices.Clone(p.Permissions)
	c.UI = slices.Clone(p.UI)
	c.Dependencies = maps.Clone(p.Dependencies)
	return &c
}

var _ registry.Registry = (*Registry)(nil)
