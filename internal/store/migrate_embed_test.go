// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package store

import (
	"regexp"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMigrationsFS_EmbeddedFiles(t *testing.T) {
	entries, err := migrationsFS.ReadDir("migrations")
	require.NoError(t, err)

	names := make(map[string]bool, len(entries))
	pattern := regexp.MustCompile(`^\d{6}_\w+\.(up|down)\.sql$`)
	for _, entry := range entries {
		names[entry.Name()] = true
		assert.True(t, pattern.MatchString(entry.Name()), "file %s should match NNNNNN_name.(up|down).sql", entry.Name())
	}

	for name := range names {
		if base, ok := strings.CutSuffix(name, ".up.sql"); ok {
			assert.True(t, names[base+".down.sql"], "%s has no down migration", name)
		}
	}
	assert.True(t, names["000001_initial.up.sql"])
}

func TestInitialMigration_DefinesActiveJobIndex(t *testing.T) {
	data, err := migrationsFS.ReadFile("migrations/000001_initial.up.sql")
	require.NoError(t, err)

	sql := string(data)
	assert.Contains(t, sql, "CREATE UNIQUE INDEX IF NOT EXISTS idx_installation_jobs_active_name")
	assert.Contains(t, sql, "WHERE status IN ('pending', 'running')")
	assert.Contains(t, sql, "ON DELETE CASCADE")
}
