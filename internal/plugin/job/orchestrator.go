// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package job

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/panjf2000/ants/v2"
	"github.com/samber/oops"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/holomush/plugind/internal/logging"
	"github.com/holomush/plugind/internal/observability"
	"github.com/holomush/plugind/internal/plugin"
	"github.com/holomush/plugind/internal/plugin/manifest"
	"github.com/holomush/plugind/internal/plugin/registry"
	"github.com/holomush/plugind/internal/plugin/sandbox"
	"github.com/holomush/plugind/internal/plugin/security"
	"github.com/holomush/plugind/internal/plugin/source"
	"github.com/holomush/plugind/pkg/errutil"
)

var tracer = otel.Tracer("plugind/job")

// Installer materializes validated plugins. *sandbox.Installer implements it.
type Installer interface {
	Install(ctx context.Context, req sandbox.Request) (*sandbox.Result, error)
	Remove(ctx context.Context, p *plugin.Plugin) error
	CleanStaging(jobID string) error
}

// Transactor runs fn in one database transaction. *store.Transactor
// implements it.
type Transactor interface {
	InTransaction(ctx context.Context, fn func(ctx context.Context) error) error
}

// LocatorParser parses repository locators. *source.Guard implements it.
type LocatorParser interface {
	Parse(raw string) (source.Locator, error)
}

// Config configures the orchestrator.
type Config struct {
	Workers    int           `koanf:"workers"`
	JobTimeout time.Duration `koanf:"job_timeout"`
	// ShutdownGrace is how long Close waits for running jobs before
	// cancelling them.
	ShutdownGrace time.Duration `koanf:"shutdown_grace"`
}

// DefaultConfig returns the default orchestrator configuration.
func DefaultConfig() Config {
	return Config{Workers: 4, JobTimeout: 10 * time.Minute, ShutdownGrace: 30 * time.Second}
}

// Request asks for one plugin installation.
type Request struct {
	Locator     string
	Revision    string
	RequestedBy string
	// PluginName overrides the name derived from the repository.
	PluginName string
}

// Deps are the orchestrator's collaborators.
type Deps struct {
	Jobs      Store
	Registry  registry.Registry
	Tx        Transactor
	Pipeline  *security.Pipeline
	Installer Installer
	Names     LocatorParser
	Metrics   *observability.Metrics
}

// run is the in-process state of one accepted job.
type run struct {
	id     ulid.ULID
	name   string
	req    Request
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	queued time.Time
}

// Orchestrator runs installation jobs on a bounded worker pool. Submit
// never waits for a job; callers poll Get or block in Wait.
type Orchestrator struct {
	cfg  Config
	deps Deps
	pool *ants.Pool

	base       context.Context
	cancelBase context.CancelFunc
	closing    atomic.Bool

	mu       sync.Mutex
	active   map[string]*run
	byID     map[ulid.ULID]*run
	backlog  []*run
	draining int // workers that will look at backlog again before exiting
	wg       sync.WaitGroup
}

// NewOrchestrator creates an orchestrator and its worker pool.
func NewOrchestrator(cfg Config, deps Deps) (*Orchestrator, error) {
	if deps.Jobs == nil || deps.Registry == nil || deps.Tx == nil || deps.Pipeline == nil || deps.Installer == nil || deps.Names == nil {
		return nil, oops.Code("INVALID_ORCHESTRATOR_DEPS").Errorf("all orchestrator dependencies except metrics are required")
	}
	defaults := DefaultConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = defaults.Workers
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = defaults.JobTimeout
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = defaults.ShutdownGrace
	}

	// Admission is decided by draining; the pool only ever waits out a
	// worker that has left work but not yet returned to the pool.
	pool, err := ants.NewPool(cfg.Workers,
		ants.WithMaxBlockingTasks(cfg.Workers),
		ants.WithDisablePurge(true),
		ants.WithPanicHandler(func(p any) {
			slog.Error("installation worker panicked", "panic", p)
		}))
	if err != nil {
		return nil, oops.Code("WORKER_POOL_FAILED").With("workers", cfg.Workers).Wrap(err)
	}

	base, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		cfg:        cfg,
		deps:       deps,
		pool:       pool,
		base:       base,
		cancelBase: cancel,
		active:     make(map[string]*run),
		byID:       make(map[ulid.ULID]*run),
	}, nil
}

// Submit validates the request, records a pending job and schedules it.
// It returns ConflictError{JobActive} while another job for the same plugin
// is pending or running and ConflictError{AlreadyInstalled} when the plugin
// is already in the registry.
func (o *Orchestrator) Submit(ctx context.Context, req Request) (*Job, error) {
	if o.closing.Load() {
		return nil, oops.Code("ORCHESTRATOR_CLOSED").Errorf("orchestrator is shutting down")
	}

	name, err := o.targetName(req)
	if err != nil {
		return nil, err
	}
	if _, err := o.deps.Registry.Get(ctx, name); err == nil {
		return nil, plugin.ConflictError(plugin.CodeAlreadyInstalled, "plugin %s is already installed", name)
	} else if !errors.Is(err, plugin.ErrNotFound) {
		return nil, err
	}

	j := &Job{
		ID:            NewID(),
		PluginName:    name,
		SourceLocator: req.Locator,
		Revision:      req.Revision,
		RequestedBy:   req.RequestedBy,
		Message:       "queued",
	}
	r, err := o.reserve(j.ID, name, req)
	if err != nil {
		return nil, err
	}
	if err := o.deps.Jobs.Create(ctx, j); err != nil {
		o.release(r)
		return nil, err
	}

	slog.InfoContext(ctx, "installation job submitted",
		"job_id", j.ID.String(),
		"plugin", name,
		"locator", req.Locator,
		"revision", req.Revision,
		"requested_by", req.RequestedBy)

	o.dispatch(r)
	return j, nil
}

func (o *Orchestrator) targetName(req Request) (string, error) {
	name := req.PluginName
	if name == "" {
		loc, err := o.deps.Names.Parse(req.Locator)
		if err != nil {
			return "", err
		}
		name = strings.ToLower(loc.Repo)
	}
	if !manifest.ValidName(name) {
		return "", plugin.RepositoryError(plugin.CodeInvalidLocator, nil,
			"%q is not a valid plugin name; pass an explicit name", name)
	}
	return name, nil
}

// reserve claims name for a new run.
func (o *Orchestrator) reserve(id ulid.ULID, name string, req Request) (*run, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closing.Load() {
		return nil, oops.Code("ORCHESTRATOR_CLOSED").Errorf("orchestrator is shutting down")
	}
	if existing, ok := o.active[name]; ok {
		return nil, plugin.ConflictError(plugin.CodeJobActive,
			"job %s is already installing %s", existing.id, name)
	}
	ctx, cancel := context.WithCancel(o.base)
	r := &run{id: id, name: name, req: req, ctx: ctx, cancel: cancel, done: make(chan struct{}), queued: time.Now()}
	o.active[name] = r
	o.byID[id] = r
	o.wg.Add(1)
	o.deps.Metrics.JobQueued()
	return r, nil
}

// release forgets a run. It is called exactly once per reserved run.
func (o *Orchestrator) release(r *run) {
	o.mu.Lock()
	delete(o.active, r.name)
	delete(o.byID, r.id)
	o.backlog = slices.DeleteFunc(o.backlog, func(b *run) bool { return b == r })
	o.mu.Unlock()
	r.cancel()
	close(r.done)
	o.wg.Done()
}

// dispatch hands r to a worker, or parks it in the backlog when every
// worker is busy. A worker only exits after seeing an empty backlog under
// o.mu, so a parked run always has a drainer.
func (o *Orchestrator) dispatch(r *run) {
	o.mu.Lock()
	if o.draining >= o.cfg.Workers {
		o.backlog = append(o.backlog, r)
		o.mu.Unlock()
		return
	}
	o.draining++
	o.mu.Unlock()

	if err := o.pool.Submit(func() { o.work(r) }); err != nil {
		o.mu.Lock()
		o.draining--
		o.mu.Unlock()
		o.finishFailed(r, nil, oops.Code("WORKER_POOL_FAILED").Wrap(err))
	}
}

func (o *Orchestrator) work(r *run) {
	for r != nil {
		o.execute(r)
		r = o.next()
	}
}

func (o *Orchestrator) next() *run {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.backlog) == 0 {
		o.draining--
		return nil
	}
	r := o.backlog[0]
	o.backlog = o.backlog[1:]
	return r
}

// execute drives one job through the pipeline, the installer and the
// registry commit.
func (o *Orchestrator) execute(r *run) {
	ctx, cancel := context.WithTimeout(r.ctx, o.cfg.JobTimeout)
	defer cancel()
	ctx, span := tracer.Start(ctx, "job.install",
		trace.WithAttributes(
			attribute.String("job.id", r.id.String()),
			attribute.String("plugin.name", r.name),
		))
	defer span.End()
	ctx = logging.ContextWith(ctx, slog.String("job_id", r.id.String()), slog.String("plugin", r.name))

	// Records are written even after the job's context is done.
	db := context.WithoutCancel(ctx)
	start := time.Now()

	if cerr := plugin.ContextError(ctx.Err(), "job cancelled before it started"); cerr != nil {
		o.finishFailed(r, span, cerr)
		return
	}
	if err := o.deps.Jobs.Start(db, r.id); err != nil {
		o.finishFailed(r, span, err)
		return
	}
	slog.InfoContext(ctx, "installation job started")

	ic := &security.InstallContext{
		JobID:      r.id.String(),
		PluginName: r.name,
		Locator:    r.req.Locator,
		Revision:   r.req.Revision,
	}
	if err := o.deps.Pipeline.Run(ctx, ic, o.observer(db, r)); err != nil {
		o.finishFailed(r, span, err)
		return
	}

	res, err := o.deps.Installer.Install(ctx, sandbox.Request{JobID: r.id.String(), Manifest: ic.Manifest, Archive: ic.Archive})
	if err != nil {
		o.finishFailed(r, span, err)
		return
	}
	o.progress(db, r, ProgressInstalled, "installed to "+res.Path)

	p := ic.Manifest.Plugin()
	p.SourceLocator = ic.Resolution.Locator.String()
	p.Revision = ic.Resolution.Revision
	p.Commit = ic.Resolution.Commit
	p.InstallPath = res.Path
	p.InstalledByJob = r.id.String()

	if err := o.commit(ctx, db, r, p); err != nil {
		if rmErr := o.deps.Installer.Remove(db, p); rmErr != nil {
			errutil.LogError(slog.Default(), "failed to remove plugin after aborted commit", rmErr)
		}
		o.finishFailed(r, span, err)
		return
	}

	o.deps.Metrics.JobFinished(string(StatusCompleted), "", time.Since(start))
	slog.InfoContext(ctx, "installation job completed",
		"version", p.Version,
		"commit", p.Commit,
		"duration", time.Since(start))
	o.release(r)
}

// commit inserts the plugin and completes the job in one transaction so the
// two records cannot disagree.
func (o *Orchestrator) commit(ctx, db context.Context, r *run, p *plugin.Plugin) error {
	if cerr := plugin.ContextError(ctx.Err(), "job stopped before registry commit"); cerr != nil {
		return cerr
	}
	err := o.deps.Tx.InTransaction(db, func(tx context.Context) error {
		if err := o.deps.Registry.Insert(tx, p); err != nil {
			return err
		}
		return o.deps.Jobs.Complete(tx, r.id, "installed "+p.Name+" "+p.Version+" (disabled)")
	})
	if err == nil {
		return nil
	}
	if plugin.IsKind(err, plugin.KindConflictError) {
		return err
	}
	return plugin.InstallError(plugin.CodeRegistryWriteFailed, err, "registry commit failed: %v", err)
}

func (o *Orchestrator) observer(db context.Context, r *run) security.Observer {
	return func(ctx context.Context, f security.Finding) {
		if !f.Passed {
			o.deps.Metrics.StageRejected(f.Stage, string(f.Code), string(f.Severity))
			slog.WarnContext(ctx, "security check rejected plugin",
				"stage", f.Stage,
				"code", f.Code,
				"severity", f.Severity,
				"message", f.Message)
			return
		}
		if pct, ok := checkpoints[f.Stage]; ok {
			o.progress(db, r, pct, f.Message)
		}
	}
}

var checkpoints = map[string]int{
	security.StageRepository:  ProgressRepository,
	security.StageManifest:    ProgressManifest,
	security.StagePermissions: ProgressPermissions,
	security.StageFiles:       ProgressValidated,
}

func (o *Orchestrator) progress(ctx context.Context, r *run, pct int, message string) {
	err := o.deps.Jobs.Progress(ctx, r.id, pct, message)
	switch {
	case err == nil:
	case plugin.CodeOf(err) == plugin.CodeJobFinished:
		// Failed from outside this process, e.g. a cancel issued by another
		// plugind invocation.
		slog.InfoContext(ctx, "job finished elsewhere, stopping")
		r.cancel()
	default:
		errutil.LogErrorContext(ctx, slog.Default(), "failed to record job progress", err)
	}
}

// finishFailed records the failure on the job and releases the run.
func (o *Orchestrator) finishFailed(r *run, span trace.Span, cause error) {
	db := context.WithoutCancel(r.ctx)
	if o.closing.Load() && plugin.CodeOf(cause) == plugin.CodeCancelled {
		cause = plugin.InstallError(plugin.CodeInterrupted, cause, "interrupted by shutdown")
	}
	f := FailureOf(cause)
	message := failureMessage(f)

	if span != nil {
		span.RecordError(cause)
		span.SetStatus(codes.Error, message)
	}
	if err := o.deps.Jobs.Fail(db, r.id, f, message); err != nil {
		errutil.LogError(slog.Default(), "failed to record job failure", err)
	}
	if err := o.deps.Installer.CleanStaging(r.id.String()); err != nil {
		errutil.LogError(slog.Default(), "failed to clean staging directory", err)
	}

	o.deps.Metrics.JobFinished(string(StatusFailed), string(f.Code), time.Since(r.queued))
	slog.Warn("installation job failed",
		"job_id", r.id.String(),
		"plugin", r.name,
		"kind", f.Kind,
		"code", f.Code,
		"severity", f.Severity,
		"detail", f.Detail)
	o.release(r)
}

func failureMessage(f *Failure) string {
	var b strings.Builder
	b.WriteString(string(f.Kind))
	b.WriteString(" error ")
	b.WriteString(string(f.Code))
	if f.Severity != "" {
		b.WriteString(" (" + string(f.Severity) + ")")
	}
	b.WriteString(": ")
	b.WriteString(f.Detail)
	return b.String()
}

// Get returns the persisted job.
func (o *Orchestrator) Get(ctx context.Context, id ulid.ULID) (*Job, error) {
	return o.deps.Jobs.Get(ctx, id)
}

// List returns recent jobs for a plugin, or for every plugin when name is "".
func (o *Orchestrator) List(ctx context.Context, name string, limit int) ([]*Job, error) {
	return o.deps.Jobs.List(ctx, name, limit)
}

// Wait blocks until the job finishes or ctx is done, then returns it.
func (o *Orchestrator) Wait(ctx context.Context, id ulid.ULID) (*Job, error) {
	o.mu.Lock()
	r, ok := o.byID[id]
	o.mu.Unlock()
	if ok {
		select {
		case <-r.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return o.deps.Jobs.Get(ctx, id)
}

// Cancel requests cancellation of a pending or running job. Cancellation is
// cooperative: a running job stops at its next check and rolls back.
func (o *Orchestrator) Cancel(ctx context.Context, id ulid.ULID) error {
	o.mu.Lock()
	r, ok := o.byID[id]
	queued := false
	if i := slices.Index(o.backlog, r); ok && i >= 0 {
		o.backlog = slices.Delete(o.backlog, i, i+1)
		queued = true
	}
	o.mu.Unlock()

	if ok {
		slog.InfoContext(ctx, "cancelling installation job", "job_id", id.String(), "plugin", r.name)
		r.cancel()
		if queued {
			o.finishFailed(r, nil, plugin.InstallError(plugin.CodeCancelled, context.Canceled, "cancelled while queued"))
		}
		return nil
	}

	j, err := o.deps.Jobs.Get(ctx, id)
	if err != nil {
		return err
	}
	if j.Status.Terminal() {
		return plugin.ConflictError(plugin.CodeJobFinished, "job %s is already %s", id, j.Status)
	}
	// Not owned by this process: nothing is executing it.
	return o.deps.Jobs.Fail(ctx, id,
		&Failure{Kind: plugin.KindInstallError, Code: plugin.CodeCancelled, Detail: "cancelled"},
		"install error Cancelled: cancelled")
}

// Recover reconciles jobs left active by a previous process. Pending jobs
// are scheduled again. Running jobs cannot be resumed mid-stage, so they
// fail with Interrupted and their staging directories are removed.
func (o *Orchestrator) Recover(ctx context.Context) error {
	jobs, err := o.deps.Jobs.Active(ctx)
	if err != nil {
		return err
	}

	var resumed, interrupted int
	for _, j := range jobs {
		if j.Status == StatusRunning {
			f := &Failure{Kind: plugin.KindInstallError, Code: plugin.CodeInterrupted, Detail: "process stopped while the job was running"}
			if err := o.deps.Jobs.Fail(ctx, j.ID, f, failureMessage(f)); err != nil {
				errutil.LogError(slog.Default(), "failed to mark interrupted job", err)
				continue
			}
			if err := o.deps.Installer.CleanStaging(j.ID.String()); err != nil {
				errutil.LogError(slog.Default(), "failed to clean staging directory", err)
			}
			interrupted++
			continue
		}

		r, err := o.reserve(j.ID, j.PluginName, Request{
			Locator:     j.SourceLocator,
			Revision:    j.Revision,
			RequestedBy: j.RequestedBy,
			PluginName:  j.PluginName,
		})
		if err != nil {
			return err
		}
		o.dispatch(r)
		resumed++
	}

	slog.InfoContext(ctx, "installation jobs recovered", "resumed", resumed, "interrupted", interrupted)
	return nil
}

// Close stops accepting jobs, waits up to ShutdownGrace (or until ctx is
// done) for running jobs, then cancels the rest and releases the pool.
// Queued jobs stay pending and are resumed by the next Recover.
func (o *Orchestrator) Close(ctx context.Context) error {
	if !o.closing.CompareAndSwap(false, true) {
		return nil
	}

	o.mu.Lock()
	parked := o.backlog
	o.backlog = nil
	o.mu.Unlock()
	for _, r := range parked {
		o.deps.Metrics.JobDeferred()
		o.mu.Lock()
		delete(o.active, r.name)
		delete(o.byID, r.id)
		o.mu.Unlock()
		r.cancel()
		close(r.done)
		o.wg.Done()
	}

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()

	grace := time.NewTimer(o.cfg.ShutdownGrace)
	defer grace.Stop()
	select {
	case <-done:
	case <-grace.C:
		o.cancelBase()
		<-done
	case <-ctx.Done():
		o.cancelBase()
		<-done
	}
	o.cancelBase()

	if err := o.pool.ReleaseTimeout(5 * time.Second); err != nil {
		return oops.Code("WORKER_POOL_RELEASE_FAILED").Wrap(err)
	}
	return nil
}
