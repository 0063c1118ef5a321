// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package source_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/holomush/plugind/internal/plugin"
	"github.com/holomush/plugind/internal/plugin/source"
)

func TestParseLocator(t *testing.T) {
	tests := []struct {
		raw  string
		want source.Locator
	}{
		{"trusted-org/db-viewer", source.Locator{Host: "github.com", Owner: "trusted-org", Repo: "db-viewer"}},
		{"git.example.com/team/tool", source.Locator{Host: "git.example.com", Owner: "team", Repo: "tool"}},
		{"https://github.com/trusted-org/db-viewer", source.Locator{Host: "github.com", Owner: "trusted-org", Repo: "db-viewer"}},
		{"https://github.com/trusted-org/db-viewer.git", source.Locator{Host: "github.com", Owner: "trusted-org", Repo: "db-viewer"}},
		{"https://GitHub.com/trusted-org/db-viewer/", source.Locator{Host: "github.com", Owner: "trusted-org", Repo: "db-viewer"}},
		{"localhost:8443/o/r", source.Locator{Host: "localhost:8443", Owner: "o", Repo: "r"}},
	}

	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			got, err := source.ParseLocator(tt.raw, "")
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseLocator_Invalid(t *testing.T) {
	for _, raw := range []string{
		"",
		"db-viewer",
		"http://github.com/o/r",
		"ssh://git@github.com/o/r",
		"a/b/c/d",
		"o/..",
		"o/.hidden",
		"bad host/o/r",
		"o/r?x=1",
	} {
		t.Run(raw, func(t *testing.T) {
			_, err := source.ParseLocator(raw, "")
			require.Error(t, err)
			assert.Equal(t, plugin.CodeInvalidLocator, plugin.CodeOf(err))
			assert.True(t, plugin.IsKind(err, plugin.KindRepositoryError))
		})
	}
}

func TestLocator_String(t *testing.T) {
	loc := source.Locator{Host: "github.com", Owner: "trusted-org", Repo: "db-viewer"}
	assert.Equal(t, "github.com/trusted-org/db-viewer", loc.String())
	assert.Equal(t, "github.com/trusted-org", loc.OwnerPath())
}

func TestValidRevision(t *testing.T) {
	for _, rev := range []string{"v2.3.0", "main", "release/1.x", "0123abc"} {
		assert.True(t, source.ValidRevision(rev), rev)
	}
	for _, rev := range []string{"", "-x", "a..b", "/main", "a b"} {
		assert.False(t, source.ValidRevision(rev), rev)
	}
}

func TestAllowList(t *testing.T) {
	allow, err := source.NewAllowList("", []string{"trusted-org", "git.example.com/team-*"})
	require.NoError(t, err)

	tests := []struct {
		loc  string
		want bool
	}{
		{"trusted-org/anything", true},
		{"github.com/trusted-org/x", true},
		{"evil-org/x", false},
		{"trusted-org-fork/x", false},
		{"git.example.com/team-a/x", true},
		{"git.example.com/trusted-org/x", false},
		{"github.com/team-a/x", false},
	}
	for _, tt := range tests {
		t.Run(tt.loc, func(t *testing.T) {
			loc, err := source.ParseLocator(tt.loc, "")
			require.NoError(t, err)
			assert.Equal(t, tt.want, allow.Allowed(loc))
		})
	}

	assert.Equal(t, []string{"github.com/trusted-org", "git.example.com/team-*"}, allow.Entries())
}

func TestAllowList_StarDoesNotCrossSeparator(t *testing.T) {
	allow, err := source.NewAllowList("", []string{"*"})
	require.NoError(t, err)

	assert.True(t, allow.Allowed(source.Locator{Host: "github.com", Owner: "anyone", Repo: "r"}))
	assert.False(t, allow.Allowed(source.Locator{Host: "other.host", Owner: "anyone", Repo: "r"}))
}

func TestAllowList_Invalid(t *testing.T) {
	_, err := source.NewAllowList("", []string{" "})
	require.Error(t, err)

	_, err = source.NewAllowList("", []string{"github.com/[unclosed"})
	require.Error(t, err)
}

func TestAllowList_NilDeniesEverything(t *testing.T) {
	var allow *source.AllowList
	assert.False(t, allow.Allowed(source.Locator{Host: "github.com", Owner: "o", Repo: "r"}))
}
