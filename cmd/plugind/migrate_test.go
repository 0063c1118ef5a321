// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package main

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/holomush/plugind/internal/config"
	"github.com/holomush/plugind/internal/store"
	"github.com/holomush/plugind/pkg/errutil"
)

func TestParseForceVersion(t *testing.T) {
	tests := []struct {
		name        string
		input       string
		wantVersion int
		wantErrCode string
	}{
		{name: "valid integer", input: "3", wantVersion: 3},
		{name: "zero is valid", input: "0", wantVersion: 0},
		{name: "surrounding space is trimmed", input: " 2 ", wantVersion: 2},
		{name: "non-numeric returns error", input: "abc", wantErrCode: "INVALID_VERSION"},
		{name: "float returns error", input: "1.5", wantErrCode: "INVALID_VERSION"},
		{name: "trailing chars return error", input: "3abc", wantErrCode: "INVALID_VERSION"},
		{name: "negative returns error", input: "-1", wantErrCode: "INVALID_VERSION"},
		{name: "empty string returns error", input: "", wantErrCode: "INVALID_VERSION"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseForceVersion(tt.input)
			if tt.wantErrCode != "" {
				errutil.AssertErrorCode(t, err, tt.wantErrCode)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantVersion, got)
		})
	}
}

type mockMigrator struct {
	mock.Mock
}

func (m *mockMigrator) Up() error { return m.Called().Error(0) }
func (m *mockMigrator) Down() error { return m.Called().Error(0) }
func (m *mockMigrator) Steps(n int) error { return m.Called(n).Error(0) }
func (m *mockMigrator) Force(v int) error { return m.Called(v).Error(0) }
func (m *mockMigrator) Close() error { return m.Called().Error(0) }

func (m *mockMigrator) Status() (*store.MigrationStatus, error) {
	args := m.Called()
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*store.MigrationStatus), args.Error(1)
}

const testDatabaseURL = "postgres://plugind@localhost/plugind"

func runMigrate(t *testing.T, m *mockMigrator, args ...string) (string, error) {
	t.Helper()
	t.Setenv("HOME", t.TempDir())
	t.Setenv("XDG_CONFIG_HOME", "")
	t.Setenv(config.EnvDatabaseURL, testDatabaseURL)

	orig := migratorFactory
	migratorFactory = func(url string) (migrator, error) {
		assert.Equal(t, testDatabaseURL, url)
		return m, nil
	}
	t.Cleanup(func() { migratorFactory = orig })
	m.On("Close").Return(nil).Maybe()

	cmd := NewRootCmd()
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs(append([]string{"migrate"}, append(args, "--log-level=error")...))
	err := cmd.Execute()
	return buf.String(), err
}

func TestMigrate_DefaultRunsUp(t *testing.T) {
	m := &mockMigrator{}
	m.On("Up").Return(nil).Once()

	out, err := runMigrate(t, m)

	require.NoError(t, err)
	assert.Contains(t, out, "Migrations completed successfully")
	m.AssertExpectations(t)
	m.AssertCalled(t, "Close")
}

func TestMigrate_UpFailure(t *testing.T) {
	m := &mockMigrator{}
	m.On("Up").Return(errors.New("connection refused"))

	_, err := runMigrate(t, m, "up")

	errutil.AssertErrorCode(t, err, "MIGRATION_FAILED")
}

func TestMigrate_Down(t *testing.T) {
	tests := []struct {
		name   string
		args   []string
		expect func(m *mockMigrator)
	}{
		{"one step by default", []string{"down"}, func(m *mockMigrator) { m.On("Steps", -1).Return(nil).Once() }},
		{"explicit steps", []string{"down", "3"}, func(m *mockMigrator) { m.On("Steps", -3).Return(nil).Once() }},
		{"all", []string{"down", "--all"}, func(m *mockMigrator) { m.On("Down").Return(nil).Once() }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := &mockMigrator{}
			tt.expect(m)

			_, err := runMigrate(t, m, tt.args...)

			require.NoError(t, err)
			m.AssertExpectations(t)
		})
	}
}

func TestMigrate_DownRejectsBadSteps(t *testing.T) {
	m := &mockMigrator{}

	_, err := runMigrate(t, m, "down", "0")

	errutil.AssertErrorCode(t, err, "INVALID_STEPS")
	m.AssertNotCalled(t, "Steps", mock.Anything)
}

func TestMigrate_Force(t *testing.T) {
	m := &mockMigrator{}
	m.On("Force", 1).Return(nil).Once()

	out, err := runMigrate(t, m, "force", "1")

	require.NoError(t, err)
	assert.Contains(t, out, "Forced schema version 1")
	m.AssertExpectations(t)
}

func TestMigrate_Status(t *testing.T) {
	m := &mockMigrator{}
	m.On("Status").Return(&store.MigrationStatus{
		Version: 1, Name: "000001_plugins", Dirty: true,
		Applied: []store.Migration{{Version: 1, Name: "000001_plugins"}},
		Pending: []store.Migration{{Version: 2, Name: "000002_job_events"}},
	}, nil)

	out, err := runMigrate(t, m, "status")

	require.NoError(t, err)
	assert.Contains(t, out, "Current version: 1 (000001_plugins)")
	assert.Contains(t, out, "DIRTY")
	assert.Contains(t, out, "Pending: 1")
	assert.Contains(t, out, "  000002_job_events\n")
}

func TestMigrate_RequiresDatabaseURL(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	t.Setenv("XDG_CONFIG_HOME", "")
	t.Setenv(config.EnvDatabaseURL, "")

	cmd := NewRootCmd()
	cmd.SetOut(new(bytes.Buffer))
	cmd.SetErr(new(bytes.Buffer))
	cmd.SetArgs([]string{"migrate", "status"})

	errutil.AssertErrorCode(t, cmd.Execute(), "CONFIG_INVALID")
}

func TestFormatMigrationStatus_Empty(t *testing.T) {
	out := formatMigrationStatus(&store.MigrationStatus{Pending: []store.Migration{{Version: 1, Name: "000001_initial"}}})

	assert.Contains(t, out, "Current version: none")
	assert.Contains(t, out, "Applied: 0")
	assert.NotContains(t, out, "DIRTY")
}
