// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package security runs the admission checks a plugin must pass before it
// is installed. Checks are independent stage functions executed in a fixed
// order; the first failure ends the run.
package security

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/holomush/plugind/internal/plugin"
	"github.com/holomush/plugind/internal/plugin/manifest"
	"github.com/holomush/plugind/internal/plugin/source"
)

var tracer = otel.Tracer("plugind/security")

// Stage names, in execution order.
const (
	StageRepository  = "repository"
	StageManifest    = "manifest"
	StagePermissions = "permissions"
	StageFiles       = "files"
)

// InstallContext carries one install attempt through the pipeline. Each
// stage fills in what later stages and the installer need.
type InstallContext struct {
	JobID      string
	PluginName string
	Locator    string
	Revision   string

	Resolution *source.Resolution
	Manifest   *manifest.Validated
	Archive    *source.Archive
	Findings   []Finding
}

// Finding is the result of one stage.
type Finding struct {
	Stage    string
	Passed   bool
	Severity plugin.Severity
	Code     plugin.Code
	Message  string
}

// StageFunc is a single check.
type StageFunc func(ctx context.Context, ic *InstallContext) error

// Stage is a named check.
type Stage struct {
	Name string
	Run  StageFunc
}

// Observer is called after every stage with its finding.
type Observer func(ctx context.Context, f Finding)

// Pipeline is an ordered, short-circuiting list of stages. It keeps no state
// between runs.
type Pipeline struct {
	stages []Stage
}

// NewPipeline builds the standard pipeline: repository, manifest,
// permissions, files.
func NewPipeline(guard *source.Guard, cfg Config) (*Pipeline, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	perms, err := newPermissionScope(cfg)
	if err != nil {
		return nil, err
	}
	files, err := newFileIntegrity(guard, cfg)
	if err != nil {
		return nil, err
	}
	return NewCustomPipeline(
		Stage{Name: StageRepository, Run: repositoryStage(guard)},
		Stage{Name: StageManifest, Run: manifestStage},
		Stage{Name: StagePermissions, Run: perms.check},
		Stage{Name: StageFiles, Run: files.check},
	), nil
}

// NewCustomPipeline builds a pipeline from arbitrary stages.
func NewCustomPipeline(stages ...Stage) *Pipeline {
	return &Pipeline{stages: append([]Stage(nil), stages...)}
}

// Stages returns the stage names in execution order.
func (p *Pipeline) Stages() []string {
	names := make([]string, len(p.stages))
	for i, s := range p.stages {
		names[i] = s.Name
	}
	return names
}

// Run executes the stages in order. The context is checked before each
// stage. A failing stage yields a SecurityError carrying the stage's code;
// cancellation and deadline yield Cancelled and Timeout install errors.
func (p *Pipeline) Run(ctx context.Context, ic *InstallContext, observe Observer) (err error) {
	ctx, span := tracer.Start(ctx, "security.pipeline",
		trace.WithAttributes(
			attribute.String("job.id", ic.JobID),
			attribute.String("plugin.name", ic.PluginName),
		))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	for _, stage := range p.stages {
		if cerr := plugin.ContextError(ctx.Err(), "stopped before %s stage", stage.Name); cerr != nil {
			return cerr
		}

		finding, serr := p.runStage(ctx, stage, ic)
		ic.Findings = append(ic.Findings, finding)
		if observe != nil {
			observe(ctx, finding)
		}
		if serr != nil {
			return serr
		}
	}
	return nil
}

func (p *Pipeline) runStage(ctx context.Context, stage Stage, ic *InstallContext) (Finding, error) {
	ctx, span := tracer.Start(ctx, "security.stage."+stage.Name)
	defer span.End()

	err := stage.Run(ctx, ic)
	if err == nil {
		return Finding{Stage: stage.Name, Passed: true, Message: stage.Name + " checks passed"}, nil
	}

	classified := classify(stage.Name, err)
	span.RecordError(classified)
	span.SetStatus(codes.Error, classified.Error())

	finding := Finding{Stage: stage.Name, Message: classified.Message, Code: classified.Code, Severity: classified.Severity}
	span.SetAttributes(attribute.String("security.code", string(finding.Code)))
	return finding, classified
}

// classify turns a stage error into the pipeline's error contract.
func classify(stage string, err error) *plugin.Error {
	if cerr := plugin.ContextError(err, "%s stage interrupted: %v", stage, err); cerr != nil {
		return cerr
	}
	e, ok := plugin.AsError(err)
	if !ok {
		return plugin.InstallError(plugin.CodeInternal, err, "%s stage failed: %v", stage, err)
	}
	switch e.Kind {
	case plugin.KindSecurityError, plugin.KindInstallError:
		return e
	}
	return plugin.SecurityError(e.Code, SeverityOf(e.Code), e, "%s", e.Message)
}

// severities grades each rejection code. Codes not listed are medium.
var severities = map[plugin.Code]plugin.Severity{
	plugin.CodeOwnerNotAllowed:       plugin.SeverityHigh,
	plugin.CodeInvalidPermission:     plugin.SeverityHigh,
	plugin.CodeNameMismatch:          plugin.SeverityHigh,
	plugin.CodeDeniedPermission:      plugin.SeverityHigh,
	plugin.CodeForbiddenPath:         plugin.SeverityHigh,
	plugin.CodePathTraversal:         plugin.SeverityHigh,
	plugin.CodeManifestMismatch:      plugin.SeverityHigh,
	plugin.CodeRepositoryUnreachable: plugin.SeverityLow,
	plugin.CodeRevisionNotFound:      plugin.SeverityLow,
	plugin.CodeInvalidVersionFormat:  plugin.SeverityLow,
}

// SeverityOf returns the severity assigned to a rejection code.
func SeverityOf(code plugin.Code) plugin.Severity {
	if s, ok := severities[code]; ok {
		return s
	}
	return plugin.SeverityMedium
}

func repositoryStage(guard *source.Guard) StageFunc {
	return func(ctx context.Context, ic *InstallContext) error {
		res, err := guard.Check(ctx, ic.Locator, ic.Revision)
		if err != nil {
			return err
		}
		ic.Resolution = res
		return nil
	}
}

func manifestStage(_ context.Context, ic *InstallContext) error {
	if ic.Resolution == nil {
		return fmt.Errorf("manifest stage requires a resolved repository")
	}
	v, err := manifest.Parse(ic.Resolution.Manifest)
	if err != nil {
		return err
	}
	if ic.PluginName != "" && v.Manifest.Name != ic.PluginName {
		return plugin.ManifestError(plugin.CodeNameMismatch,
			"manifest name %q does not match requested plugin %q", v.Manifest.Name, ic.PluginName)
	}
	ic.Manifest = v
	ic.PluginName = v.Manifest.Name
	return nil
}
