// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package lifecycle owns plugin status changes after installation.
//
// Legal moves:
//
//	disabled, error  --enable-->    enabled
//	enabled          --disable-->   disabled
//	any but uninstalling --uninstall--> uninstalling --> (deleted) | error
//
// Every move is a single guarded registry update, so two callers racing on
// the same plugin cannot both win.
package lifecycle

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/holomush/plugind/internal/observability"
	"github.com/holomush/plugind/internal/plugin"
	"github.com/holomush/plugind/internal/plugin/capability"
	"github.com/holomush/plugind/internal/plugin/registry"
	"github.com/holomush/plugind/pkg/errutil"
)

var tracer = otel.Tracer("plugind/lifecycle")

// Action names a lifecycle operation.
type Action string

// Lifecycle actions.
const (
	ActionEnable    Action = "enable"
	ActionDisable   Action = "disable"
	ActionUninstall Action = "uninstall"
)

// ParseAction parses an action name.
func ParseAction(s string) (Action, bool) {
	switch a := Action(s); a {
	case ActionEnable, ActionDisable, ActionUninstall:
		return a, true
	}
	return "", false
}

// FileRemover deletes a plugin's install directory. *sandbox.Installer
// implements it.
type FileRemover interface {
	Remove(ctx context.Context, p *plugin.Plugin) error
}

// Machine applies lifecycle actions against the registry and keeps the
// runtime enforcer in step with it.
type Machine struct {
	reg      registry.Registry
	files    FileRemover
	enforcer *capability.Enforcer
	metrics  *observability.Metrics
}

// NewMachine creates a state machine. metrics may be nil.
func NewMachine(reg registry.Registry, files FileRemover, enforcer *capability.Enforcer, metrics *observability.Metrics) *Machine {
	if enforcer == nil {
		enforcer = capability.NewEnforcer()
	}
	return &Machine{reg: reg, files: files, enforcer: enforcer, metrics: metrics}
}

// Enforcer returns the runtime permission enforcer the machine publishes to.
func (m *Machine) Enforcer() *capability.Enforcer {
	return m.enforcer
}

// Apply dispatches action for name.
func (m *Machine) Apply(ctx context.Context, name string, action Action) (plugin.Status, error) {
	switch action {
	case ActionEnable:
		p, err := m.Enable(ctx, name)
		if err != nil {
			return "", err
		}
		return p.Status, nil
	case ActionDisable:
		p, err := m.Disable(ctx, name)
		if err != nil {
			return "", err
		}
		return p.Status, nil
	case ActionUninstall:
		if err := m.Uninstall(ctx, name); err != nil {
			return "", err
		}
		return plugin.StatusUninstalled, nil
	}
	return "", plugin.StateTransitionError(plugin.CodeInvalidAction, "unknown lifecycle action %q", action)
}

// Enable moves a disabled or failed plugin to enabled and publishes its
// grants.
func (m *Machine) Enable(ctx context.Context, name string) (p *plugin.Plugin, err error) {
	ctx, span := m.start(ctx, ActionEnable, name)
	defer func() { m.finish(ctx, span, ActionEnable, name, err) }()

	cur, err := m.reg.Get(ctx, name)
	if err != nil {
		return nil, err
	}
	switch cur.Status {
	case plugin.StatusEnabled:
		return nil, plugin.StateTransitionError(plugin.CodeAlreadyEnabled, "plugin %s is already enabled", name)
	case plugin.StatusUninstalling:
		return nil, plugin.StateTransitionError(plugin.CodeAlreadyUninstalling, "plugin %s is being uninstalled", name)
	}

	p, err = m.reg.Transition(ctx, name, cur.Status, plugin.StatusEnabled, "")
	if err != nil {
		return nil, err
	}
	if err := m.enforcer.Grant(name, p.Permissions); err != nil {
		// Only reachable if the vocabulary changed after install.
		if _, terr := m.reg.Transition(ctx, name, plugin.StatusEnabled, plugin.StatusError, err.Error()); terr != nil {
			errutil.LogError(slog.Default(), "failed to record enable failure", terr)
		}
		return nil, err
	}
	return p, nil
}

// Disable moves an enabled plugin to disabled and withdraws its grants.
func (m *Machine) Disable(ctx context.Context, name string) (p *plugin.Plugin, err error) {
	ctx, span := m.start(ctx, ActionDisable, name)
	defer func() { m.finish(ctx, span, ActionDisable, name, err) }()

	cur, err := m.reg.Get(ctx, name)
	if err != nil {
		return nil, err
	}
	switch cur.Status {
	case plugin.StatusEnabled:
	case plugin.StatusUninstalling:
		return nil, plugin.StateTransitionError(plugin.CodeAlreadyUninstalling, "plugin %s is being uninstalled", name)
	default:
		return nil, plugin.StateTransitionError(plugin.CodeAlreadyDisabled, "plugin %s is %s, not enabled", name, cur.Status)
	}

	p, err = m.reg.Transition(ctx, name, plugin.StatusEnabled, plugin.StatusDisabled, "")
	if err != nil {
		return nil, err
	}
	m.enforcer.Revoke(name)
	return p, nil
}

// Uninstall moves the plugin to uninstalling, removes its files, then
// deletes its registry row and grants. When file removal fails the plugin
// is left in error with the failure recorded.
func (m *Machine) Uninstall(ctx context.Context, name string) (err error) {
	ctx, span := m.start(ctx, ActionUninstall, name)
	defer func() { m.finish(ctx, span, ActionUninstall, name, err) }()

	cur, err := m.reg.Get(ctx, name)
	if err != nil {
		return err
	}
	if cur.Status == plugin.StatusUninstalling {
		return plugin.StateTransitionError(plugin.CodeAlreadyUninstalling, "plugin %s is already being uninstalled", name)
	}

	p, err := m.reg.Transition(ctx, name, cur.Status, plugin.StatusUninstalling, "")
	if err != nil {
		return err
	}
	m.enforcer.Revoke(name)

	if err := m.files.Remove(ctx, p); err != nil {
		m.markError(ctx, name, "file removal failed: "+err.Error())
		return plugin.InstallError(plugin.CodeDiskWriteFailed, err, "removing files of %s: %v", name, err)
	}
	if err := m.reg.Delete(ctx, name); err != nil {
		m.markError(ctx, name, "registry delete failed: "+err.Error())
		return plugin.InstallError(plugin.CodeRegistryWriteFailed, err, "deleting %s from the registry: %v", name, err)
	}
	return nil
}

func (m *Machine) markError(ctx context.Context, name, reason string) {
	ctx = context.WithoutCancel(ctx)
	if _, err := m.reg.Transition(ctx, name, plugin.StatusUninstalling, plugin.StatusError, reason); err != nil {
		errutil.LogError(slog.Default(), "failed to record uninstall failure", err)
	}
}

// Sync rebuilds the enforcer from the registry: every enabled plugin gets
// its grants and nothing else is registered. It returns the number of
// enabled plugins.
func (m *Machine) Sync(ctx context.Context) (int, error) {
	plugins, err := m.reg.List(ctx)
	if err != nil {
		return 0, err
	}

	grants := make(map[string][]string)
	for _, p := range plugins {
		if p.Status == plugin.StatusEnabled {
			grants[p.Name] = p.Permissions
		}
	}
	rejected := m.enforcer.Replace(grants)
	if len(rejected) > 0 {
		slog.WarnContext(ctx, "skipped plugins with invalid grants", "plugins", rejected)
	}
	n := len(grants) - len(rejected)
	slog.InfoContext(ctx, "capability enforcer synchronized", "enabled", n, "installed", len(plugins))
	return n, nil
}

func (m *Machine) start(ctx context.Context, action Action, name string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "lifecycle."+string(action),
		trace.WithAttributes(attribute.String("plugin.name", name)))
}

func (m *Machine) finish(ctx context.Context, span trace.Span, action Action, name string, err error) {
	defer span.End()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		outcome := string(plugin.CodeOf(err))
		if outcome == "" {
			outcome = "error"
		}
		m.metrics.Transition(string(action), outcome)
		slog.WarnContext(ctx, "lifecycle action refused",
			"action", action,
			"plugin", name,
			"error", err)
		return
	}
	m.metrics.Transition(string(action), "ok")
	slog.InfoContext(ctx, "lifecycle action applied", "action", action, "plugin", name)
}
