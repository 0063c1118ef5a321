// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/samber/oops"
	"gopkg.in/yaml.v3"

	"github.com/holomush/plugind/internal/admin"
	"github.com/holomush/plugind/internal/plugin"
)

// Output formats accepted by -o.
const (
	formatTable = "table"
	formatJSON  = "json"
	formatYAML  = "yaml"
)

func validateFormat(f string) error {
	switch f {
	case formatTable, formatJSON, formatYAML:
		return nil
	}
	return oops.Code("INVALID_OUTPUT_FORMAT").With("format", f).Errorf("output format must be table, json or yaml")
}

// encode writes v as JSON or YAML.
func encode(w io.Writer, format string, v any) error {
	switch format {
	case formatJSON:
		data, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			return oops.Code("OUTPUT_FAILED").Wrap(err)
		}
		_, err = fmt.Fprintln(w, string(data))
		return err
	case formatYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return oops.Code("OUTPUT_FAILED").Wrap(err)
		}
		return enc.Close()
	}
	return validateFormat(format)
}

func writePlugins(w io.Writer, format string, plugins []plugin.Summary) error {
	if format != formatTable {
		return encode(w, format, plugins)
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "NAME\tVERSION\tKIND\tSTATUS\tPERMISSIONS\tINSTALLED")
	for _, p := range plugins {
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			p.Name, p.Version, p.Kind, p.Status, dash(strings.Join(p.Permissions, ",")), p.InstalledAt.Format(time.DateTime))
	}
	return tw.Flush()
}

// pluginDetail is the full record shown by "show".
type pluginDetail struct {
	Name           string            `json:"name" yaml:"name"`
	Version        string            `json:"version" yaml:"version"`
	Description    string            `json:"description" yaml:"description"`
	Author         string            `json:"author" yaml:"author"`
	Kind           plugin.Kind       `json:"kind" yaml:"kind"`
	Runtime        plugin.Runtime    `json:"runtime" yaml:"runtime"`
	Entry          string            `json:"entry" yaml:"entry"`
	UI             []string          `json:"ui,omitempty" yaml:"ui,omitempty"`
	Status         plugin.Status     `json:"status" yaml:"status"`
	LastError      string            `json:"last_error,omitempty" yaml:"last_error,omitempty"`
	Permissions    []string          `json:"permissions" yaml:"permissions"`
	Dependencies   map[string]string `json:"dependencies,omitempty" yaml:"dependencies,omitempty"`
	Source         string            `json:"source" yaml:"source"`
	Revision       string            `json:"revision" yaml:"revision"`
	Commit         string            `json:"commit" yaml:"commit"`
	ManifestHash   string            `json:"manifest_hash" yaml:"manifest_hash"`
	InstallPath    string            `json:"install_path" yaml:"install_path"`
	InstalledByJob string            `json:"installed_by_job" yaml:"installed_by_job"`
	InstalledAt    time.Time         `json:"installed_at" yaml:"installed_at"`
	UpdatedAt      time.Time         `json:"updated_at" yaml:"updated_at"`
}

func detailOf(p *plugin.Plugin) pluginDetail {
	return pluginDetail{
		Name:           p.Name,
		Version:        p.Version,
		Description:    p.Description,
		Author:         p.Author,
		Kind:           p.Kind,
		Runtime:        p.Runtime,
		Entry:          p.Entry,
		UI:             p.UI,
		Status:         p.Status,
		LastError:      p.LastError,
		Permissions:    p.Permissions,
		Dependencies:   p.Dependencies,
		Source:         p.SourceLocator,
		Revision:       p.Revision,
		Commit:         p.Commit,
		ManifestHash:   p.ManifestHash,
		InstallPath:    p.InstallPath,
		InstalledByJob: p.InstalledByJob,
		InstalledAt:    p.InstalledAt,
		UpdatedAt:      p.UpdatedAt,
	}
}

func writePlugin(w io.Writer, format string, p *plugin.Plugin) error {
	d := detailOf(p)
	if format != formatTable {
		return encode(w, format, d)
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	rows := [][2]string{
		{"Name", d.Name},
		{"Version", d.Version},
		{"Description", d.Description},
		{"Author", d.Author},
		{"Kind", string(d.Kind)},
		{"Runtime", string(d.Runtime)},
		{"Entry", d.Entry},
		{"Status", string(d.Status)},
		{"Last error", dash(d.LastError)},
		{"Permissions", dash(strings.Join(d.Permissions, ", "))},
		{"Source", d.Source},
		{"Revision", d.Revision + " (" + d.Commit + ")"},
		{"Install path", d.InstallPath},
		{"Installed", d.InstalledAt.Format(time.RFC3339) + " by job " + d.InstalledByJob},
	}
	for _, r := range rows {
		_, _ = fmt.Fprintf(tw, "%s:\t%s\n", r[0], r[1])
	}
	return tw.Flush()
}

func writeJobs(w io.Writer, format string, jobs []admin.JobView) error {
	if format != formatTable {
		return encode(w, format, jobs)
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "JOB\tPLUGIN\tSTATUS\tPROGRESS\tCREATED\tMESSAGE")
	for _, j := range jobs {
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%d%%\t%s\t%s\n",
			j.JobID, j.PluginName, j.Status, j.Progress, j.CreatedAt.Format(time.DateTime), j.Message)
	}
	return tw.Flush()
}

func writeJob(w io.Writer, format string, j admin.JobView) error {
	if format != formatTable {
		return encode(w, format, j)
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(tw, "Job:\t%s\n", j.JobID)
	_, _ = fmt.Fprintf(tw, "Plugin:\t%s\n", j.PluginName)
	_, _ = fmt.Fprintf(tw, "Status:\t%s\n", j.Status)
	_, _ = fmt.Fprintf(tw, "Progress:\t%d%%\n", j.Progress)
	_, _ = fmt.Fprintf(tw, "Message:\t%s\n", dash(j.Message))
	if j.Error != nil {
		_, _ = fmt.Fprintf(tw, "Error:\t%s\n", describeFailure(j))
	}
	_, _ = fmt.Fprintf(tw, "Created:\t%s\n", j.CreatedAt.Format(time.RFC3339))
	if j.CompletedAt != nil {
		_, _ = fmt.Fprintf(tw, "Completed:\t%s (%s)\n", j.CompletedAt.Format(time.RFC3339),
			formatElapsed(j.CompletedAt.Sub(j.CreatedAt)))
	}
	return tw.Flush()
}

// describeFailure renders a job failure as "kind/code (severity): detail".
func describeFailure(j admin.JobView) string {
	f := j.Error
	if f == nil {
		return ""
	}
	s := fmt.Sprintf("%s/%s", f.Kind, f.Code)
	if f.Severity != "" {
		s += " (" + string(f.Severity) + ")"
	}
	if f.Detail != "" {
		s += ": " + f.Detail
	}
	return s
}

// formatElapsed formats a duration for humans.
func formatElapsed(d time.Duration) string {
	switch {
	case d < time.Second:
		return d.Round(time.Millisecond).String()
	case d < time.Minute:
		return d.Round(100 * time.Millisecond).String()
	default:
		return d.Round(time.Second).String()
	}
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
