// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/samber/oops"
	"github.com/spf13/cobra"

	"github.com/holomush/plugind/internal/config"
	"github.com/holomush/plugind/internal/observability"
	"github.com/holomush/plugind/internal/store"
)

// NewServeCmd creates the serve subcommand.
func NewServeCmd(deps *Deps) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run plugind as a long-lived process",
		Long: `Run plugind in the foreground. On start it resumes pending jobs, marks
jobs interrupted by a previous crash as failed, and restores runtime grants
for enabled plugins. Metrics and health checks are served on --metrics-addr.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, cmd, cfg, deps.withDefaults())
		},
	}

	cmd.Flags().String("metrics-addr", "127.0.0.1:9464", "metrics/health HTTP address (empty = disabled)")
	cmd.Flags().Duration("shutdown-wait", 30*time.Second, "how long running jobs may finish on shutdown")
	cmd.Flags().Bool("auto-migrate", false, "apply pending database migrations on start")

	return cmd
}

var errNotReady = oops.Code("NOT_READY").Errorf("plugind is still starting")

func runServe(ctx context.Context, cmd *cobra.Command, cfg *config.Config, deps *Deps) error {
	slog.InfoContext(ctx, "starting plugind",
		"version", version,
		"plugins_dir", cfg.Sandbox.Root,
		"workers", cfg.Jobs.Workers)

	if cfg.Database.AutoMigrate {
		if err := migrateUp(cfg); err != nil {
			return err
		}
	}

	var ready atomic.Bool
	var obsServer *observability.Server
	var metrics *observability.Metrics
	var a *app
	if cfg.Metrics.Addr != "" {
		obsServer = observability.NewServer(cfg.Metrics.Addr,
			observability.WithCheck("startup", func(context.Context) error {
				if !ready.Load() {
					return errNotReady
				}
				return nil
			}),
			observability.WithCheck("storage", func(ctx context.Context) error {
				return a.ping(ctx)
			}))
		metrics = obsServer.Metrics()
	}

	a, err := deps.openApp(ctx, cfg, metrics)
	if err != nil {
		return err
	}
	defer a.Close()

	granted, err := a.machine.Sync(ctx)
	if err != nil {
		return oops.Code("GRANT_SYNC_FAILED").Wrap(err)
	}
	slog.InfoContext(ctx, "restored runtime grants", "enabled_plugins", granted)

	if err := a.orchestrator.Recover(ctx); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if obsServer != nil {
		obsErrChan, err := obsServer.Start()
		if err != nil {
			return oops.Code("OBSERVABILITY_START_FAILED").With("addr", cfg.Metrics.Addr).Wrap(err)
		}
		go monitorServerErrors(ctx, cancel, obsErrChan, "observability")
		slog.InfoContext(ctx, "observability server started", "addr", obsServer.Addr())
		defer func() {
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			if err := obsServer.Stop(shutdownCtx); err != nil {
				slog.Warn("error stopping observability server", "error", err)
			}
		}()
	}

	ready.Store(true)
	cmd.Println("plugind ready")
	slog.InfoContext(ctx, "plugind ready")

	<-ctx.Done()
	ready.Store(false)
	slog.Info("shutting down", "grace", cfg.Jobs.ShutdownGrace)
	return nil
}

// ping checks that storage answers. In-memory backends have no Ready hook.
func (a *app) ping(ctx context.Context) error {
	if a == nil {
		return errNotReady
	}
	if a.backend.Ready == nil {
		return nil
	}
	return a.backend.Ready(ctx)
}

// monitorServerErrors cancels ctx when the server reports an error. It
// returns when the channel closes or ctx is done.
func monitorServerErrors(ctx context.Context, cancel context.CancelFunc, errCh <-chan error, serverName string) {
	select {
	case err, ok := <-errCh:
		if !ok {
			return
		}
		if err != nil {
			slog.Error("server error, triggering shutdown", "server", serverName, "error", err)
			cancel()
		}
	case <-ctx.Done():
	}
}

func migrateUp(cfg *config.Config) error {
	if err := cfg.RequireDatabase(); err != nil {
		return err
	}
	m, err := store.NewMigrator(cfg.Database.URL)
	if err != nil {
		return err
	}
	defer func() {
		if err := m.Close(); err != nil {
			slog.Warn("error closing migrator", "error", err)
		}
	}()
	if err := m.Up(); err != nil {
		return err
	}
	slog.Info("database migrations applied")
	return nil
}
