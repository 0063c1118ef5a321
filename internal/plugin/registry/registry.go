// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package registry is the durable store of installed plugins and their
// permission grants. It is the single source of truth for plugin status.
package registry

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/samber/oops"

	"github.com/holomush/plugind/internal/plugin"
	"github.com/holomush/plugind/internal/store"
)

// Registry stores installed plugins. Status changes only through Transition,
// which the lifecycle state machine owns.
type Registry interface {
	// Insert creates the plugin row and its grants. A plugin with the same
	// name yields ConflictError{AlreadyInstalled}.
	Insert(ctx context.Context, p *plugin.Plugin) error
	Get(ctx context.Context, name string) (*plugin.Plugin, error)
	List(ctx context.Context) ([]*plugin.Plugin, error)
	Grants(ctx context.Context, name string) ([]plugin.Grant, error)
	// Transition moves name from one status to another only if its current
	// status is from. A lost race yields StateTransitionError{StaleState}.
	Transition(ctx context.Context, name string, from, to plugin.Status, lastError string) (*plugin.Plugin, error)
	// Delete removes a plugin in the uninstalling status with its grants.
	Delete(ctx context.Context, name string) error
}

const pluginColumns = `name, version, description, author, kind, runtime, entry, ui,
	source_locator, revision, commit_sha, manifest_hash, status, install_path,
	permissions, dependencies, last_error, installed_by_job, installed_at, updated_at`

// PostgresRegistry implements Registry on PostgreSQL. Methods join a
// transaction carried by the context.
type PostgresRegistry struct {
	db  store.DB
	now func() time.Time
}

// NewPostgresRegistry creates a registry backed by db.
func NewPostgresRegistry(db store.DB) *PostgresRegistry {
	return &PostgresRegistry{db: db, now: func() time.Time { return time.Now().UTC() }}
}

// Insert implements Registry.
func (r *PostgresRegistry) Insert(ctx context.Context, p *plugin.Plugin) error {
	if p.InstalledAt.IsZero() {
		p.InstalledAt = r.now()
	}
	p.UpdatedAt = p.InstalledAt

	return store.NewTransactor(r.db).InTransaction(ctx, func(ctx context.Context) error {
		q := store.Q(ctx, r.db)
		_, err := q.Exec(ctx, `INSERT INTO plugins (`+pluginColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)`,
			p.Name, p.Version, p.Description, p.Author, string(p.Kind), string(p.Runtime), p.Entry, nonNil(p.UI),
			p.SourceLocator, p.Revision, p.Commit, p.ManifestHash, string(p.Status), p.InstallPath,
			nonNil(p.Permissions), nonNilMap(p.Dependencies), p.LastError, p.InstalledByJob, p.InstalledAt, p.UpdatedAt)
		if err != nil {
			if _, ok := store.UniqueViolation(err); ok {
				return plugin.ConflictError(plugin.CodeAlreadyInstalled, "plugin %s is already installed", p.Name)
			}
			return oops.Code("REGISTRY_INSERT_FAILED").With("plugin", p.Name).Wrap(err)
		}

		if len(p.Permissions) == 0 {
			return nil
		}
		_, err = q.Exec(ctx, `INSERT INTO permission_grants (plugin_name, permission, position, granted_at)
			SELECT $1, perm, ord - 1, $3 FROM unnest($2::text[]) WITH ORDINALITY AS g(perm, ord)`,
			p.Name, p.Permissions, p.InstalledAt)
		if err != nil {
			return oops.Code("REGISTRY_INSERT_FAILED").With("plugin", p.Name).With("operation", "insert grants").Wrap(err)
		}
		return nil
	})
}

// Get implements Registry.
func (r *PostgresRegistry) Get(ctx context.Context, name string) (*plugin.Plugin, error) {
	row := store.Q(ctx, r.db).QueryRow(ctx, `SELECT `+pluginColumns+` FROM plugins WHERE name = $1`, name)
	p, err := scanPlugin(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, plugin.NotFoundError(plugin.CodePluginNotFound, "plugin %s not found", name)
	}
	if err != nil {
		return nil, oops.Code("REGISTRY_QUERY_FAILED").With("plugin", name).Wrap(err)
	}
	return p, nil
}

// List implements Registry. Plugins are ordered by name.
func (r *PostgresRegistry) List(ctx context.Context) ([]*plugin.Plugin, error) {
	rows, err := store.Q(ctx, r.db).Query(ctx, `SELECT `+pluginColumns+` FROM plugins ORDER BY name`)
	if err != nil {
		return nil, oops.Code("REGISTRY_QUERY_FAILED").With("operation", "list plugins").Wrap(err)
	}
	defer rows.Close()

	var plugins []*plugin.Plugin
	for rows.Next() {
		p, err := scanPlugin(rows)
		if err != nil {
			return nil, oops.Code("REGISTRY_QUERY_FAILED").With("operation", "scan plugin row").Wrap(err)
		}
		plugins = append(plugins, p)
	}
	if err := rows.Err(); err != nil {
		return nil, oops.Code("REGISTRY_QUERY_FAILED").With("operation", "iterate plugins").Wrap(err)
	}
	return plugins, nil
}

// Grants implements Registry. Grants are returned in declaration order.
func (r *PostgresRegistry) Grants(ctx context.Context, name string) ([]plugin.Grant, error) {
	rows, err := store.Q(ctx, r.db).Query(ctx,
		`SELECT plugin_name, permission, position, granted_at FROM permission_grants
		 WHERE plugin_name = $1 ORDER BY position`, name)
	if err != nil {
		return nil, oops.Code("REGISTRY_QUERY_FAILED").With("plugin", name).With("operation", "list grants").Wrap(err)
	}
	defer rows.Close()

	var grants []plugin.Grant
	for rows.Next() {
		var g plugin.Grant
		if err := rows.Scan(&g.PluginName, &g.Permission, &g.Position, &g.GrantedAt); err != nil {
			return nil, oops.Code("REGISTRY_QUERY_FAILED").With("plugin", name).Wrap(err)
		}
		grants = append(grants, g)
	}
	if err := rows.Err(); err != nil {
		return nil, oops.Code("REGISTRY_QUERY_FAILED").With("plugin", name).Wrap(err)
	}
	return grants, nil
}

// Transition implements Registry.
func (r *PostgresRegistry) Transition(ctx context.Context, name string, from, to plugin.Status, lastError string) (*plugin.Plugin, error) {
	row := store.Q(ctx, r.db).QueryRow(ctx,
		`UPDATE plugins SET status = $3, last_error = $4, updated_at = $5
		 WHERE name = $1 AND status = $2
		 RETURNING `+pluginColumns,
		name, string(from), string(to), lastError, r.now())
	p, err := scanPlugin(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, plugin.StateTransitionError(plugin.CodeStaleState,
			"plugin %s is no longer %s", name, from)
	}
	if err != nil {
		return nil, oops.Code("REGISTRY_UPDATE_FAILED").With("plugin", name).With("from", from).With("to", to).Wrap(err)
	}
	return p, nil
}

// Delete implements Registry.
func (r *PostgresRegistry) Delete(ctx context.Context, name string) error {
	return store.NewTransactor(r.db).InTransaction(ctx, func(ctx context.Context) error {
		q := store.Q(ctx, r.db)
		if _, err := q.Exec(ctx, `DELETE FROM permission_grants WHERE plugin_name = $1`, name); err != nil {
			return oops.Code("REGISTRY_DELETE_FAILED").With("plugin", name).With("operation", "delete grants").Wrap(err)
		}
		tag, err := q.Exec(ctx, `DELETE FROM plugins WHERE name = $1 AND status = $2`, name, string(plugin.StatusUninstalling))
		if err != nil {
			return oops.Code("REGISTRY_DELETE_FAILED").With("plugin", name).Wrap(err)
		}
		if tag.RowsAffected() == 0 {
			return plugin.StateTransitionError(plugin.CodeStaleState, "plugin %s is not being uninstalled", name)
		}
		return nil
	})
}

func scanPlugin(row pgx.Row) (*plugin.Plugin, error) {
	var p plugin.Plugin
	var kind, runtime, status string
	err := row.Scan(&p.Name, &p.Version, &p.Description, &p.Author, &kind, &runtime, &p.Entry, &p.UI,
		&p.SourceLocator, &p.Revision, &p.Commit, &p.ManifestHash, &status, &p.InstallPath,
		&p.Permissions, &p.Dependencies, &p.LastError, &p.InstalledByJob, &p.InstalledAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	p.Kind = plugin.Kind(kind)
	p.Runtime = plugin.Runtime(runtime)
	p.Status = plugin.Status(status)
	if p.Permissions == nil {
		p.Permissions = []string{}
	}
	if p.Dependencies == nil {
		p.Dependencies = map[string]string{}
	}
	return &p, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func nonNilMap(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}

var _ Registry = (*PostgresRegistry)(nil)
