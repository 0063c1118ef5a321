// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/holomush/plugind/internal/admin"
	"github.com/holomush/plugind/internal/plugin"
	"github.com/holomush/plugind/internal/plugin/lifecycle"
)

// NewLifecycleCmds creates the enable, disable and uninstall subcommands.
func NewLifecycleCmds(deps *Deps) []*cobra.Command {
	return []*cobra.Command{
		newLifecycleCmd(deps, lifecycle.ActionEnable, "Enable an installed plugin and activate its grants"),
		newLifecycleCmd(deps, lifecycle.ActionDisable, "Disable a plugin and withdraw its grants"),
		newLifecycleCmd(deps, lifecycle.ActionUninstall, "Remove a plugin's files and registry record"),
	}
}

func newLifecycleCmd(deps *Deps, action lifecycle.Action, short string) *cobra.Command {
	return &cobra.Command{
		Use:   string(action) + " <plugin>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return deps.withApp(cmd, func(ctx context.Context, a *app) error {
				resp, err := a.service.Apply(ctx, admin.ApplyRequest{PluginName: args[0], Action: string(action)})
				if err != nil {
					return err
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", args[0], resp.Status)
				return nil
			})
		},
	}
}

// NewListCmd creates the list subcommand.
func NewListCmd(deps *Deps) *cobra.Command {
	var (
		output string
		status string
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List installed plugins",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := validateFormat(output); err != nil {
				return err
			}
			return deps.withApp(cmd, func(ctx context.Context, a *app) error {
				plugins, err := a.service.List(ctx)
				if err != nil {
					return err
				}
				if status != "" {
					plugins = filterStatus(plugins, plugin.Status(status))
				}
				return writePlugins(cmd.OutOrStdout(), output, plugins)
			})
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", formatTable, "output format (table, json, yaml)")
	cmd.Flags().StringVar(&status, "status", "", "only plugins in this status")
	return cmd
}

func filterStatus(plugins []plugin.Summary, status plugin.Status) []plugin.Summary {
	out := plugins[:0]
	for _, p := range plugins {
		if p.Status == status {
			out = append(out, p)
		}
	}
	return out
}

// NewShowCmd creates the show subcommand.
func NewShowCmd(deps *Deps) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "show <plugin>",
		Short: "Show the full registry record of a plugin",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := validateFormat(output); err != nil {
				return err
			}
			return deps.withApp(cmd, func(ctx context.Context, a *app) error {
				p, err := a.service.Describe(ctx, args[0])
				if err != nil {
					return err
				}
				return writePlugin(cmd.OutOrStdout(), output, p)
			})
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", formatTable, "output format (table, json, yaml)")
	return cmd
}
