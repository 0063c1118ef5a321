// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package registry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/holomush/plugind/internal/plugin"
	"github.com/holomush/plugind/pkg/errutil"
)

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestRegistry(t *testing.T) (*PostgresRegistry, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	r := NewPostgresRegistry(mock)
	r.now = func() time.Time { return fixedNow }
	return r, mock
}

func dbViewer() *plugin.Plugin {
	return &plugin.Plugin{
		Name:          "db-viewer",
		Version:       "1.0.0",
		Description:   "Browse database tables",
		Author:        "Trusted Org",
		Kind:          plugin.KindDashboard,
		Runtime:       plugin.RuntimeLua,
		Entry:         "main.lua",
		SourceLocator: "github.com/trusted-org/db-viewer",
		Revision:      "v2.3.0",
		Commit:        "0123456789abcdef0123456789abcdef01234567",
		ManifestHash:  "sha256:abc",
		Status:        plugin.StatusDisabled,
		InstallPath:   "/var/lib/plugind/plugins/db-viewer",
		Permissions:   []string{"database:read"},
	}
}

var columns = []string{
	"name", "version", "description", "author", "kind", "runtime", "entry", "ui",
	"source_locator", "revision", "commit_sha", "manifest_hash", "status", "install_path",
	"permissions", "dependencies", "last_error", "installed_by_job", "installed_at", "updated_at",
}

func pluginRow(status plugin.Status, updated time.Time) *pgxmock.Rows {
	p := dbViewer()
	return pgxmock.NewRows(columns).AddRow(
		p.Name, p.Version, p.Description, p.Author, string(p.Kind), string(p.Runtime), p.Entry, []string{},
		p.SourceLocator, p.Revision, p.Commit, p.ManifestHash, string(status), p.InstallPath,
		p.Permissions, map[string]string{"host": ">= 2.0.0"}, "", "01JOB", fixedNow, updated)
}

// insertArgs are the plugins row arguments Insert binds for p.
func insertArgs(p *plugin.Plugin) []any {
	perms := p.Permissions
	if perms == nil {
		perms = []string{}
	}
	return []any{
		p.Name, p.Version, p.Description, p.Author, string(p.Kind), string(p.Runtime), p.Entry, []string{},
		p.SourceLocator, p.Revision, p.Commit, p.ManifestHash, string(p.Status), p.InstallPath,
		perms, map[string]string{}, "", "", pgxmock.AnyArg(), pgxmock.AnyArg(),
	}
}

func TestInsert(t *testing.T) {
	r, mock := newTestRegistry(t)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO plugins`).
		WithArgs("db-viewer", "1.0.0", "Browse database tables", "Trusted Org", "dashboard", "lua", "main.lua", []string{},
			"github.com/trusted-org/db-viewer", "v2.3.0", "0123456789abcdef0123456789abcdef01234567", "sha256:abc",
			"disabled", "/var/lib/plugind/plugins/db-viewer", []string{"database:read"}, map[string]string{},
			"", "", fixedNow, fixedNow).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(`INSERT INTO permission_grants`).
		WithArgs("db-viewer", []string{"database:read"}, fixedNow).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	p := dbViewer()
	require.NoError(t, r.Insert(context.Background(), p))

	assert.Equal(t, fixedNow, p.InstalledAt)
	assert.Equal(t, fixedNow, p.UpdatedAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInsert_NoPermissionsSkipsGrants(t *testing.T) {
	r, mock := newTestRegistry(t)

	p := dbViewer()
	p.Permissions = nil

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO plugins`).WithArgs(insertArgs(p)...).WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	require.NoError(t, r.Insert(context.Background(), p))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInsert_AlreadyInstalled(t *testing.T) {
	r, mock := newTestRegistry(t)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO plugins`).
		WithArgs(insertArgs(dbViewer())...).
		WillReturnError(&pgconn.PgError{Code: pgerrcode.UniqueViolation, ConstraintName: "plugins_pkey"})
	mock.ExpectRollback()

	err := r.Insert(context.Background(), dbViewer())

	errutil.AssertPluginError(t, err, plugin.KindConflictError, plugin.CodeAlreadyInstalled)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInsert_GrantFailureRollsBack(t *testing.T) {
	r, mock := newTestRegistry(t)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO plugins`).WithArgs(insertArgs(dbViewer())...).WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(`INSERT INTO permission_grants`).
		WithArgs("db-viewer", []string{"database:read"}, pgxmock.AnyArg()).
		WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	err := r.Insert(context.Background(), dbViewer())

	errutil.AssertErrorCode(t, err, "REGISTRY_INSERT_FAILED")
	errutil.AssertErrorContext(t, err, "operation", "insert grants")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGet(t *testing.T) {
	r, mock := newTestRegistry(t)
	mock.ExpectQuery(`SELECT .+ FROM plugins WHERE name = \$1`).
		WithArgs("db-viewer").
		WillReturnRows(pluginRow(plugin.StatusDisabled, fixedNow))

	p, err := r.Get(context.Background(), "db-viewer")

	require.NoError(t, err)
	assert.Equal(t, "db-viewer", p.Name)
	assert.Equal(t, plugin.StatusDisabled, p.Status)
	assert.Equal(t, plugin.KindDashboard, p.Kind)
	assert.Equal(t, []string{"database:read"}, p.Permissions)
	assert.Equal(t, map[string]string{"host": ">= 2.0.0"}, p.Dependencies)
	assert.Equal(t, "01JOB", p.InstalledByJob)
}

func TestGet_NotFound(t *testing.T) {
	r, mock := newTestRegistry(t)
	mock.ExpectQuery(`SELECT .+ FROM plugins`).WithArgs("ghost").WillReturnRows(pgxmock.NewRows(columns))

	_, err := r.Get(context.Background(), "ghost")

	errutil.AssertPluginError(t, err, plugin.KindNotFoundError, plugin.CodePluginNotFound)
	assert.ErrorIs(t, err, plugin.ErrNotFound)
}

func TestGet_QueryError(t *testing.T) {
	r, mock := newTestRegistry(t)
	mock.ExpectQuery(`SELECT .+ FROM plugins`).WithArgs("db-viewer").WillReturnError(errors.New("connection reset"))

	_, err := r.Get(context.Background(), "db-viewer")

	errutil.AssertErrorCode(t, err, "REGISTRY_QUERY_FAILED")
}

func TestList(t *testing.T) {
	r, mock := newTestRegistry(t)
	mock.ExpectQuery(`SELECT .+ FROM plugins ORDER BY name`).WillReturnRows(pluginRow(plugin.StatusEnabled, fixedNow))

	plugins, err := r.List(context.Background())

	require.NoError(t, err)
	require.Len(t, plugins, 1)
	assert.Equal(t, plugin.StatusEnabled, plugins[0].Status)
}

func TestGrants(t *testing.T) {
	r, mock := newTestRegistry(t)
	mock.ExpectQuery(`FROM permission_grants`).WithArgs("db-viewer").WillReturnRows(
		pgxmock.NewRows([]string{"plugin_name", "permission", "position", "granted_at"}).
			AddRow("db-viewer", "database:read", 0, fixedNow).
			AddRow("db-viewer", "ui:notify", 1, fixedNow))

	grants, err := r.Grants(context.Background(), "db-viewer")

	require.NoError(t, err)
	require.Len(t, grants, 2)
	assert.Equal(t, plugin.Grant{PluginName: "db-viewer", Permission: "database:read", Position: 0, GrantedAt: fixedNow}, grants[0])
	assert.Equal(t, "ui:notify", grants[1].Permission)
}

func TestTransition(t *testing.T) {
	r, mock := newTestRegistry(t)
	mock.ExpectQuery(`UPDATE plugins SET status = \$3`).
		WithArgs("db-viewer", "disabled", "enabled", "", fixedNow).
		WillReturnRows(pluginRow(plugin.StatusEnabled, fixedNow))

	p, err := r.Transition(context.Background(), "db-viewer", plugin.StatusDisabled, plugin.StatusEnabled, "")

	require.NoError(t, err)
	assert.Equal(t, plugin.StatusEnabled, p.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTransition_Stale(t *testing.T) {
	r, mock := newTestRegistry(t)
	mock.ExpectQuery(`UPDATE plugins`).
		WithArgs("db-viewer", "disabled", "enabled", "", pgxmock.AnyArg()).
		WillReturnRows(pgxmock.NewRows(columns))

	_, err := r.Transition(context.Background(), "db-viewer", plugin.StatusDisabled, plugin.StatusEnabled, "")

	errutil.AssertPluginError(t, err, plugin.KindStateTransitionError, plugin.CodeStaleState)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDelete(t *testing.T) {
	r, mock := newTestRegistry(t)
	mock.ExpectBegin()
	mock.ExpectExec(`DELETE FROM permission_grants`).WithArgs("db-viewer").WillReturnResult(pgxmock.NewResult("DELETE", 1))
	mock.ExpectExec(`DELETE FROM plugins`).WithArgs("db-viewer", "uninstalling").WillReturnResult(pgxmock.NewResult("DELETE", 1))
	mock.ExpectCommit()

	require.NoError(t, r.Delete(context.Background(), "db-viewer"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDelete_NotUninstalling(t *testing.T) {
	r, mock := newTestRegistry(t)
	mock.ExpectBegin()
	mock.ExpectExec(`DELETE FROM permission_grants`).WithArgs("db-viewer").WillReturnResult(pgxmock.NewResult("DELETE", 1))
	mock.ExpectExec(`DELETE FROM plugins`).WithArgs("db-viewer", "uninstalling").WillReturnResult(pgxmock.NewResult("DELETE", 0))
	mock.ExpectRollback()

	err := r.Delete(context.Background(), "db-viewer")

	errutil.AssertPluginError(t, err, plugin.KindStateTransitionError, plugin.CodeStaleState)
	assert.NoError(t, mock.ExpectationsWereMet())
}
