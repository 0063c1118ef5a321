// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package main

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/holomush/plugind/internal/admin"
	"github.com/holomush/plugind/internal/config"
	"github.com/holomush/plugind/internal/logging"
	"github.com/holomush/plugind/internal/observability"
	"github.com/holomush/plugind/internal/plugin/capability"
	"github.com/holomush/plugind/internal/plugin/job"
	"github.com/holomush/plugind/internal/plugin/lifecycle"
	"github.com/holomush/plugind/internal/plugin/registry"
	"github.com/holomush/plugind/internal/plugin/sandbox"
	"github.com/holomush/plugind/internal/plugin/security"
	"github.com/holomush/plugind/internal/plugin/source"
	"github.com/holomush/plugind/internal/store"
)

// Backend is the persistent storage plugind runs against.
type Backend struct {
	Registry registry.Registry
	Jobs     job.Store
	Tx       job.Transactor
	// Ready reports whether storage is reachable. May be nil.
	Ready func(ctx context.Context) error
	Close func()
}

// Deps contains injectable dependencies for the plugind commands.
// All fields with nil values will use their default implementations.
type Deps struct {
	// BackendFactory opens storage for cfg.
	// Default: PostgreSQL via store.Open
	BackendFactory func(ctx context.Context, cfg *config.Config) (*Backend, error)

	// HostsFactory returns the repository hosts keyed by hostname.
	// Default: a GitHub API client for the default host
	HostsFactory func(cfg *config.Config) map[string]source.Host
}

func (d *Deps) withDefaults() *Deps {
	out := Deps{}
	if d != nil {
		out = *d
	}
	if out.BackendFactory == nil {
		out.BackendFactory = postgresBackend
	}
	if out.HostsFactory == nil {
		out.HostsFactory = githubHosts
	}
	return &out
}

func postgresBackend(ctx context.Context, cfg *config.Config) (*Backend, error) {
	if err := cfg.RequireDatabase(); err != nil {
		return nil, err
	}
	pool, err := store.Open(ctx, cfg.Database.URL, cfg.Database.Pool)
	if err != nil {
		return nil, err
	}
	return &Backend{
		Registry: registry.NewPostgresRegistry(pool),
		Jobs:     job.NewPostgresStore(pool),
		Tx:       store.NewTransactor(pool),
		Ready:    pool.Ping,
		Close:    pool.Close,
	}, nil
}

func githubHosts(cfg *config.Config) map[string]source.Host {
	gh := cfg.Sources.GitHub
	client := source.NewGitHubClient(gh.APIURL,
		source.WithToken(gh.Token),
		source.WithRetry(gh.MaxRetries, gh.RetryBase))
	host := cfg.Sources.DefaultHost
	if host == "" {
		host = source.DefaultHost
	}
	return map[string]source.Host{host: client}
}

// app is one invocation's wired components.
type app struct {
	cfg          *config.Config
	backend      *Backend
	enforcer     *capability.Enforcer
	installer    *sandbox.Installer
	machine      *lifecycle.Machine
	orchestrator *job.Orchestrator
	service      *admin.Service
}

// loadConfig loads configuration using the command's flags and installs the
// default logger.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(configFile, cmd.Flags())
	if err != nil {
		return nil, err
	}
	logging.SetDefault(cfg.LogOptions("plugind", version))
	return cfg, nil
}

// openApp wires every component. metrics may be nil, in which case the
// collectors are registered with a throwaway registry.
func (d *Deps) openApp(ctx context.Context, cfg *config.Config, metrics *observability.Metrics) (*app, error) {
	if err := cfg.RequireSources(); err != nil {
		return nil, err
	}
	if metrics == nil {
		metrics = observability.NewMetrics(prometheus.NewRegistry())
	}

	allow, err := source.NewAllowList(cfg.Sources.DefaultHost, cfg.Sources.AllowedOwners)
	if err != nil {
		return nil, err
	}
	guard, err := source.NewGuard(cfg.Sources.DefaultHost, allow, d.HostsFactory(cfg))
	if err != nil {
		return nil, err
	}
	pipeline, err := security.NewPipeline(guard, cfg.Security)
	if err != nil {
		return nil, err
	}

	backend, err := d.BackendFactory(ctx, cfg)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, backend: backend, enforcer: capability.NewEnforcer()}

	a.installer, err = sandbox.NewInstaller(cfg.Sandbox, backend.Registry,
		sandbox.NewLuaProvisioner(),
		sandbox.WASMProvisioner{})
	if err != nil {
		a.closeBackend()
		return nil, err
	}
	a.machine = lifecycle.NewMachine(backend.Registry, a.installer, a.enforcer, metrics)
	a.orchestrator, err = job.NewOrchestrator(cfg.Jobs, job.Deps{
		Jobs:      backend.Jobs,
		Registry:  backend.Registry,
		Tx:        backend.Tx,
		Pipeline:  pipeline,
		Installer: a.installer,
		Names:     guard,
		Metrics:   metrics,
	})
	if err != nil {
		a.closeBackend()
		return nil, err
	}
	a.service = admin.NewService(a.orchestrator, a.machine, backend.Registry)
	return a, nil
}

// Close stops the orchestrator, then releases storage.
func (a *app) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.Jobs.ShutdownGrace+10*time.Second)
	defer cancel()
	if err := a.orchestrator.Close(ctx); err != nil {
		slog.Warn("error stopping orchestrator", "error", err)
	}
	a.closeBackend()
}

func (a *app) closeBackend() {
	if a.backend.Close != nil {
		a.backend.Close()
	}
}

// withApp loads configuration, wires the app, runs fn and tears down.
func (d *Deps) withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app) error) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	a, err := d.withDefaults().openApp(ctx, cfg, nil)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}
