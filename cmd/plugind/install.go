// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/holomush/plugind/internal/admin"
	"github.com/holomush/plugind/internal/plugin/job"
)

// installConfig holds flags for the install command.
type installConfig struct {
	revision    string
	name        string
	requestedBy string
	output      string
	poll        time.Duration
}

// NewInstallCmd creates the install subcommand.
func NewInstallCmd(deps *Deps) *cobra.Command {
	cfg := &installConfig{}

	cmd := &cobra.Command{
		Use:   "install <repository>",
		Short: "Install a plugin from a trusted repository",
		Long: `Install a plugin from a source repository. The repository must belong to
an allow-listed owner; it is validated by the security pipeline before
anything is written to the install root. The plugin is installed disabled.

The repository may be given as owner/repo, host/owner/repo or an https URL.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := validateFormat(cfg.output); err != nil {
				return err
			}
			return deps.withApp(cmd, func(ctx context.Context, a *app) error {
				return runInstall(ctx, cmd.OutOrStdout(), a.service, cfg, args[0])
			})
		},
	}

	cmd.Flags().StringVarP(&cfg.revision, "revision", "r", "main", "branch, tag or commit to install")
	cmd.Flags().StringVar(&cfg.name, "name", "", "expected plugin name (default: repository name)")
	cmd.Flags().StringVar(&cfg.requestedBy, "requested-by", os.Getenv("USER"), "operator recorded on the job")
	cmd.Flags().StringVarP(&cfg.output, "output", "o", formatTable, "output format (table, json, yaml)")
	cmd.Flags().DurationVar(&cfg.poll, "poll-interval", 250*time.Millisecond, "progress polling interval")

	return cmd
}

// runInstall submits the job and follows it to completion, printing each
// progress change. Interrupting the command cancels the job.
func runInstall(ctx context.Context, out io.Writer, svc *admin.Service, cfg *installConfig, repo string) error {
	resp, err := svc.Submit(ctx, admin.SubmitRequest{
		RepositoryLocator: repo,
		Revision:          cfg.revision,
		RequestedBy:       cfg.requestedBy,
		PluginName:        cfg.name,
	})
	if err != nil {
		return err
	}
	if cfg.output == formatTable {
		_, _ = fmt.Fprintf(out, "Job %s accepted\n", resp.JobID)
	}

	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	view, err := follow(sigCtx, out, svc, resp.JobID, cfg)
	if err != nil {
		return err
	}

	if cfg.output != formatTable {
		if err := encode(out, cfg.output, view); err != nil {
			return err
		}
	} else if view.Status == job.StatusCompleted {
		_, _ = fmt.Fprintf(out, "Installed %s (disabled); run 'plugind enable %s' to activate it\n", view.PluginName, view.PluginName)
	}
	if view.Error != nil {
		return view.Error.Err()
	}
	return nil
}

// follow polls the job until it finishes. If ctx ends first the job is
// cancelled and followed to its final state.
func follow(ctx context.Context, out io.Writer, svc *admin.Service, id string, cfg *installConfig) (admin.JobView, error) {
	ticker := time.NewTicker(cfg.poll)
	defer ticker.Stop()

	last := -1
	for {
		view, err := svc.Poll(context.WithoutCancel(ctx), id)
		if err != nil {
			return admin.JobView{}, err
		}
		if cfg.output == formatTable && view.Progress != last {
			_, _ = fmt.Fprintf(out, "[%3d%%] %s\n", view.Progress, view.Message)
			last = view.Progress
		}
		if view.Status.Terminal() {
			return view, nil
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			bg := context.WithoutCancel(ctx)
			if err := svc.Cancel(bg, id); err != nil {
				return admin.JobView{}, err
			}
			final, err := svc.Wait(bg, id)
			if err != nil {
				return admin.JobView{}, err
			}
			if cfg.output == formatTable {
				_, _ = fmt.Fprintf(out, "[%3d%%] %s\n", final.Progress, final.Message)
			}
			return final, nil
		}
	}
}
