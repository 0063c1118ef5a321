// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package job

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"

	"github.com/holomush/plugind/internal/plugin"
	"github.com/holomush/plugind/internal/store"
)

// Store persists jobs. Writes that would modify a finished job fail with
// ConflictError{JobFinished}.
type Store interface {
	// Create inserts a pending job. A pending or running job for the same
	// plugin yields ConflictError{JobActive}.
	Create(ctx context.Context, j *Job) error
	Get(ctx context.Context, id ulid.ULID) (*Job, error)
	// List returns the most recent jobs, newest first. An empty name lists
	// jobs for every plugin.
	List(ctx context.Context, pluginName string, limit int) ([]*Job, error)
	// Active returns every pending or running job, oldest first.
	Active(ctx context.Context) ([]*Job, error)
	Start(ctx context.Context, id ulid.ULID) error
	// Progress raises progress to at least percent. Lower values are ignored.
	Progress(ctx context.Context, id ulid.ULID, percent int, message string) error
	Complete(ctx context.Context, id ulid.ULID, message string) error
	Fail(ctx context.Context, id ulid.ULID, f *Failure, message string) error
}

const jobColumns = `id, plugin_name, source_locator, revision, requested_by, status, progress, message,
	error_kind, error_code, error_severity, error_detail, created_at, started_at, completed_at`

// PostgresStore implements Store on PostgreSQL.
type PostgresStore struct {
	db  store.DB
	now func() time.Time
}

// NewPostgresStore creates a job store backed by db.
func NewPostgresStore(db store.DB) *PostgresStore {
	return &PostgresStore{db: db, now: func() time.Time { return time.Now().UTC() }}
}

// Create implements Store.
func (s *PostgresStore) Create(ctx context.Context, j *Job) error {
	if j.CreatedAt.IsZero() {
		j.CreatedAt = s.now()
	}
	j.Status = StatusPending
	_, err := store.Q(ctx, s.db).Exec(ctx,
		`INSERT INTO installation_jobs (id, plugin_name, source_locator, revision, requested_by, status, progress, message, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		j.ID.String(), j.PluginName, j.SourceLocator, j.Revision, j.RequestedBy,
		string(StatusPending), j.Progress, j.Message, j.CreatedAt)
	if err != nil {
		if _, ok := store.UniqueViolation(err); ok {
			return plugin.ConflictError(plugin.CodeJobActive, "an installation of %s is already in progress", j.PluginName)
		}
		return oops.Code("JOB_CREATE_FAILED").With("job_id", j.ID.String()).With("plugin", j.PluginName).Wrap(err)
	}
	return nil
}

// Get implements Store.
func (s *PostgresStore) Get(ctx context.Context, id ulid.ULID) (*Job, error) {
	row := store.Q(ctx, s.db).QueryRow(ctx, `SELECT `+jobColumns+` FROM installation_jobs WHERE id = $1`, id.String())
	j, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, plugin.NotFoundError(plugin.CodeJobNotFound, "job %s not found", id)
	}
	if err != nil {
		return nil, oops.Code("JOB_QUERY_FAILED").With("job_id", id.String()).Wrap(err)
	}
	return j, nil
}

// List implements Store.
func (s *PostgresStore) List(ctx context.Context, pluginName string, limit int) ([]*Job, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.query(ctx,
		`SELECT `+jobColumns+` FROM installation_jobs
		 WHERE ($1 = '' OR plugin_name = $1)
		 ORDER BY created_at DESC, id DESC LIMIT $2`,
		pluginName, limit)
}

// Active implements Store.
func (s *PostgresStore) Active(ctx context.Context) ([]*Job, error) {
	return s.query(ctx,
		`SELECT `+jobColumns+` FROM installation_jobs
		 WHERE status IN ('pending', 'running') ORDER BY id`)
}

func (s *PostgresStore) query(ctx context.Context, sql string, args ...any) ([]*Job, error) {
	rows, err := store.Q(ctx, s.db).Query(ctx, sql, args...)
	if err != nil {
		return nil, oops.Code("JOB_QUERY_FAILED").Wrap(err)
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, oops.Code("JOB_QUERY_FAILED").With("operation", "scan job row").Wrap(err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, oops.Code("JOB_QUERY_FAILED").With("operation", "iterate jobs").Wrap(err)
	}
	return jobs, nil
}

// Start implements Store.
func (s *PostgresStore) Start(ctx context.Context, id ulid.ULID) error {
	return s.update(ctx, id, "start",
		`UPDATE installation_jobs SET status = 'running', started_at = $2, message = 'running'
		 WHERE id = $1 AND status = 'pending'`,
		id.String(), s.now())
}

// Progress implements Store.
func (s *PostgresStore) Progress(ctx context.Context, id ulid.ULID, percent int, message string) error {
	return s.update(ctx, id, "progress",
		`UPDATE installation_jobs SET progress = GREATEST(progress, $2), message = $3
		 WHERE id = $1 AND status = 'running'`,
		id.String(), percent, message)
}

// Complete implements Store.
func (s *PostgresStore) Complete(ctx context.Context, id ulid.ULID, message string) error {
	return s.update(ctx, id, "complete",
		`UPDATE installation_jobs SET status = 'completed', progress = 100, message = $2, completed_at = $3
		 WHERE id = $1 AND status = 'running'`,
		id.String(), message, s.now())
}

// Fail implements Store.
func (s *PostgresStore) Fail(ctx context.Context, id ulid.ULID, f *Failure, message string) error {
	if f == nil {
		f = &Failure{Kind: plugin.KindInstallError, Code: plugin.CodeInternal, Detail: message}
	}
	return s.update(ctx, id, "fail",
		`UPDATE installation_jobs SET status = 'failed', message = $2,
		 error_kind = $3, error_code = $4, error_severity = $5, error_detail = $6, completed_at = $7
		 WHERE id = $1 AND status IN ('pending', 'running')`,
		id.String(), message, string(f.Kind), string(f.Code), string(f.Severity), f.Detail, s.now())
}

// update runs a guarded status update. When no row matches, the job either
// does not exist or is not in a status the update applies to.
func (s *PostgresStore) update(ctx context.Context, id ulid.ULID, op, sql string, args ...any) error {
	tag, err := store.Q(ctx, s.db).Exec(ctx, sql, args...)
	if err != nil {
		return oops.Code("JOB_UPDATE_FAILED").With("job_id", id.String()).With("operation", op).Wrap(err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	j, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if j.Status.Terminal() {
		return plugin.ConflictError(plugin.CodeJobFinished, "job %s is already %s", id, j.Status)
	}
	return plugin.ConflictError(plugin.CodeStaleState, "job %s is %s, cannot %s", id, j.Status, op)
}

func scanJob(row pgx.Row) (*Job, error) {
	var j Job
	var id, status, kind, code, severity, detail string
	err := row.Scan(&id, &j.PluginName, &j.SourceLocator, &j.Revision, &j.RequestedBy, &status, &j.Progress, &j.Message,
		&kind, &code, &severity, &detail, &j.CreatedAt, &j.StartedAt, &j.CompletedAt)
	if err != nil {
		return nil, err
	}
	if j.ID, err = ulid.Parse(id); err != nil {
		return nil, oops.With("operation", "parse job id").With("job_id", id).Wrap(err)
	}
	j.Status = Status(status)
	if code != "" {
		j.Error = &Failure{Kind: plugin.ErrorKind(kind), Code: plugin.Code(code), Severity: plugin.Severity(severity), Detail: detail}
	}
	return &j, nil
}

var _ Store = (*PostgresStore)(nil)
