// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package sandbox

import (
	"context"
	"errors"
	"sort"

	"github.com/Masterminds/semver/v3"

	"github.com/holomush/plugind/internal/plugin"
)

// PluginLookup finds installed plugins. The registry satisfies it.
type PluginLookup interface {
	Get(ctx context.Context, name string) (*plugin.Plugin, error)
}

// resolveDependencies checks each declared dependency against the host's
// own components first, then installed plugins. Only direct dependencies
// are checked.
func resolveDependencies(ctx context.Context, deps map[string]string, host map[string]string, lookup PluginLookup) error {
	names := make([]string, 0, len(deps))
	for name := range deps {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		constraint, err := semver.NewConstraint(deps[name])
		if err != nil {
			return plugin.InstallError(plugin.CodeDependencyUnresolved, err, "dependency %s has invalid constraint %q", name, deps[name])
		}

		version, err := dependencyVersion(ctx, name, host, lookup)
		if err != nil {
			return err
		}

		v, err := semver.NewVersion(version)
		if err != nil {
			return plugin.InstallError(plugin.CodeDependencyUnresolved, err, "dependency %s has unparseable version %q", name, version)
		}
		if !constraint.Check(v) {
			return plugin.InstallError(plugin.CodeDependencyUnresolved, nil,
				"dependency %s %s does not satisfy %s", name, version, deps[name])
		}
	}
	return nil
}

func dependencyVersion(ctx context.Context, name string, host map[string]string, lookup PluginLookup) (string, error) {
	if v, ok := host[name]; ok {
		return v, nil
	}
	if lookup == nil {
		return "", plugin.InstallError(plugin.CodeDependencyUnresolved, nil, "dependency %s is not available", name)
	}
	p, err := lookup.Get(ctx, name)
	if errors.Is(err, plugin.ErrNotFound) {
		return "", plugin.InstallError(plugin.CodeDependencyUnresolved, nil, "dependency %s is not installed", name)
	}
	if err != nil {
		return "", plugin.InstallError(plugin.CodeDependencyUnresolved, err, "looking up dependency %s: %v", name, err)
	}
	if p.Status == plugin.StatusUninstalling {
		return "", plugin.InstallError(plugin.CodeDependencyUnresolved, nil, "dependency %s is being uninstalled", name)
	}
	return p.Version, nil
}
