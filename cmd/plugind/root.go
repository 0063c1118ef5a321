// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package main

import (
	"github.com/spf13/cobra"

	"github.com/holomush/plugind/internal/plugin/source"
)

// Global flags available to all subcommands.
var configFile string

// NewRootCmd creates the root command for the plugind CLI.
func NewRootCmd() *cobra.Command {
	return newRootCmd(nil)
}

func newRootCmd(deps *Deps) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plugind",
		Short: "plugind - HoloMUSH plugin installer",
		Long: `plugind installs plugins from trusted source repositories, validates
them through the security pipeline, and manages their lifecycle.`,
		SilenceUsage: true,
	}

	flags := cmd.PersistentFlags()
	flags.StringVar(&configFile, "config", "", "config file path (default: XDG_CONFIG_HOME/plugind/config.yaml)")
	flags.String("database-url", "", "PostgreSQL URL (default: $DATABASE_URL)")
	flags.String("log-level", "info", "log level (debug, info, warn, error)")
	flags.String("log-format", "json", "log format (json or text)")
	flags.String("plugins-dir", "", "plugin install root (default: XDG_DATA_HOME/plugind/plugins)")
	flags.StringSlice("allow-owner", nil, "trusted repository owner, as owner or host/owner (repeatable)")
	flags.String("github-api", source.DefaultGitHubAPI, "GitHub API base URL")
	flags.Int("workers", 4, "concurrent installation jobs")
	flags.Duration("job-timeout", 0, "per-job deadline (default 10m)")

	cmd.AddCommand(NewInstallCmd(deps))
	cmd.AddCommand(NewJobCmd(deps))
	cmd.AddCommand(NewLifecycleCmds(deps)...)
	cmd.AddCommand(NewListCmd(deps))
	cmd.AddCommand(NewShowCmd(deps))
	cmd.AddCommand(NewServeCmd(deps))
	cmd.AddCommand(NewMigrateCmd())
	cmd.AddCommand(NewSchemaCmd())

	return cmd
}
