// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

// NewJobCmd creates the job subcommand and its children.
func NewJobCmd(deps *Deps) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "job",
		Short: "Inspect and cancel installation jobs",
	}
	cmd.AddCommand(newJobStatusCmd(deps), newJobCancelCmd(deps), newJobListCmd(deps))
	return cmd
}

func newJobStatusCmd(deps *Deps) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "status <job-id>",
		Short: "Show the state of a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := validateFormat(output); err != nil {
				return err
			}
			return deps.withApp(cmd, func(ctx context.Context, a *app) error {
				view, err := a.service.Poll(ctx, args[0])
				if err != nil {
					return err
				}
				return writeJob(cmd.OutOrStdout(), output, view)
			})
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", formatTable, "output format (table, json, yaml)")
	return cmd
}

func newJobCancelCmd(deps *Deps) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <job-id>",
		Short: "Cancel a pending or running job",
		Long: `Cancel a pending or running job. A job running in another plugind
process stops at its next checkpoint; nothing it staged is committed.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return deps.withApp(cmd, func(ctx context.Context, a *app) error {
				if err := a.service.Cancel(ctx, args[0]); err != nil {
					return err
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Job %s cancelled\n", args[0])
				return nil
			})
		},
	}
}

func newJobListCmd(deps *Deps) *cobra.Command {
	var (
		pluginName string
		limit      int
		output     string
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recent jobs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := validateFormat(output); err != nil {
				return err
			}
			return deps.withApp(cmd, func(ctx context.Context, a *app) error {
				views, err := a.service.Jobs(ctx, pluginName, limit)
				if err != nil {
					return err
				}
				return writeJobs(cmd.OutOrStdout(), output, views)
			})
		},
	}
	cmd.Flags().StringVar(&pluginName, "plugin", "", "only jobs for this plugin")
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of jobs")
	cmd.Flags().StringVarP(&output, "output", "o", formatTable, "output format (table, json, yaml)")
	return cmd
}
