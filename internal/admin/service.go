// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package admin is the operator-facing surface of plugind: submitting
// installs, polling jobs, applying lifecycle actions and reading the
// installed plugin list. Transports (the CLI today) call it; it owns no
// state of its own.
package admin

import (
	"context"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/holomush/plugind/internal/plugin"
	"github.com/holomush/plugind/internal/plugin/job"
	"github.com/holomush/plugind/internal/plugin/lifecycle"
)

// Jobs runs installation jobs. *job.Orchestrator implements it.
type Jobs interface {
	Submit(ctx context.Context, req job.Request) (*job.Job, error)
	Get(ctx context.Context, id ulid.ULID) (*job.Job, error)
	Wait(ctx context.Context, id ulid.ULID) (*job.Job, error)
	Cancel(ctx context.Context, id ulid.ULID) error
	List(ctx context.Context, name string, limit int) ([]*job.Job, error)
}

// Lifecycle applies lifecycle actions. *lifecycle.Machine implements it.
type Lifecycle interface {
	Apply(ctx context.Context, name string, action lifecycle.Action) (plugin.Status, error)
}

// Plugins reads the registry. registry.Registry implements it.
type Plugins interface {
	Get(ctx context.Context, name string) (*plugin.Plugin, error)
	List(ctx context.Context) ([]*plugin.Plugin, error)
}

// SubmitRequest asks for a plugin to be installed.
type SubmitRequest struct {
	RepositoryLocator string `json:"repository_locator"`
	Revision          string `json:"revision"`
	RequestedBy       string `json:"requested_by"`
	PluginName        string `json:"plugin_name,omitempty"`
}

// SubmitResponse identifies the accepted job.
type SubmitResponse struct {
	JobID string `json:"job_id"`
}

// JobView is the pollable state of a job.
type JobView struct {
	JobID       string       `json:"job_id" yaml:"job_id"`
	PluginName  string       `json:"plugin_name" yaml:"plugin_name"`
	Status      job.Status   `json:"status" yaml:"status"`
	Progress    int          `json:"progress" yaml:"progress"`
	Message     string       `json:"message" yaml:"message"`
	Error       *job.Failure `json:"error,omitempty" yaml:"error,omitempty"`
	CreatedAt   time.Time    `json:"created_at" yaml:"created_at"`
	CompletedAt *time.Time   `json:"completed_at,omitempty" yaml:"completed_at,omitempty"`
}

// ApplyRequest names a lifecycle action.
type ApplyRequest struct {
	PluginName string `json:"plugin_name"`
	Action     string `json:"action"`
}

// ApplyResponse reports the plugin's status after the action.
type ApplyResponse struct {
	Status plugin.Status `json:"status"`
}

// Service implements the admin calls.
type Service struct {
	jobs      Jobs
	lifecycle Lifecycle
	plugins   Plugins
}

// NewService creates an admin service.
func NewService(jobs Jobs, lc Lifecycle, plugins Plugins) *Service {
	return &Service{jobs: jobs, lifecycle: lc, plugins: plugins}
}

// Submit starts an installation job and returns its id without waiting.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (SubmitResponse, error) {
	locator := strings.TrimSpace(req.RepositoryLocator)
	if locator == "" {
		return SubmitResponse{}, plugin.RepositoryError(plugin.CodeInvalidLocator, nil, "repository locator is required")
	}
	revision := strings.TrimSpace(req.Revision)
	if revision == "" {
		revision = "main"
	}
	j, err := s.jobs.Submit(ctx, job.Request{
		Locator:     locator,
		Revision:    revision,
		RequestedBy: req.RequestedBy,
		PluginName:  strings.TrimSpace(req.PluginName),
	})
	if err != nil {
		return SubmitResponse{}, err
	}
	return SubmitResponse{JobID: j.ID.String()}, nil
}

// Poll returns the current state of a job.
func (s *Service) Poll(ctx context.Context, jobID string) (JobView, error) {
	id, err := job.ParseID(jobID)
	if err != nil {
		return JobView{}, err
	}
	j, err := s.jobs.Get(ctx, id)
	if err != nil {
		return JobView{}, err
	}
	return viewOf(j), nil
}

// Wait blocks until the job finishes or ctx is done.
func (s *Service) Wait(ctx context.Context, jobID string) (JobView, error) {
	id, err := job.ParseID(jobID)
	if err != nil {
		return JobView{}, err
	}
	j, err := s.jobs.Wait(ctx, id)
	if err != nil {
		return JobView{}, err
	}
	return viewOf(j), nil
}

// Cancel requests cancellation of a pending or running job.
func (s *Service) Cancel(ctx context.Context, jobID string) error {
	id, err := job.ParseID(jobID)
	if err != nil {
		return err
	}
	return s.jobs.Cancel(ctx, id)
}

// Jobs lists recent jobs, newest first. An empty name lists every plugin.
func (s *Service) Jobs(ctx context.Context, pluginName string, limit int) ([]JobView, error) {
	jobs, err := s.jobs.List(ctx, pluginName, limit)
	if err != nil {
		return nil, err
	}
	views := make([]JobView, len(jobs))
	for i, j := range jobs {
		views[i] = viewOf(j)
	}
	return views, nil
}

// Apply runs a lifecycle action.
func (s *Service) Apply(ctx context.Context, req ApplyRequest) (ApplyResponse, error) {
	action, ok := lifecycle.ParseAction(strings.ToLower(strings.TrimSpace(req.Action)))
	if !ok {
		return ApplyResponse{}, plugin.StateTransitionError(plugin.CodeInvalidAction,
			"unknown action %q; expected enable, disable or uninstall", req.Action)
	}
	status, err := s.lifecycle.Apply(ctx, req.PluginName, action)
	if err != nil {
		return ApplyResponse{}, err
	}
	return ApplyResponse{Status: status}, nil
}

// List returns every installed plugin, sorted by name.
func (s *Service) List(ctx context.Context) ([]plugin.Summary, error) {
	plugins, err := s.plugins.List(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]plugin.Summary, len(plugins))
	for i, p := range plugins {
		out[i] = p.Summarize()
	}
	return out, nil
}

// Get returns one installed plugin.
func (s *Service) Get(ctx context.Context, name string) (plugin.Summary, error) {
	p, err := s.plugins.Get(ctx, name)
	if err != nil {
		return plugin.Summary{}, err
	}
	return p.Summarize(), nil
}

// Describe returns the full registry record of a plugin.
func (s *Service) Describe(ctx context.Context, name string) (*plugin.Plugin, error) {
	return s.plugins.Get(ctx, name)
}

func viewOf(j *job.Job) JobView {
	return JobView{
		JobID:       j.ID.String(),
		PluginName:  j.PluginName,
		Status:      j.Status,
		Progress:    j.Progress,
		Message:     j.Message,
		Error:       j.Error,
		CreatedAt:   j.CreatedAt,
		CompletedAt: j.CompletedAt,
	}
}
