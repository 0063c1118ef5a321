// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package source_test

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/holomush/plugind/internal/plugin/source"
)

const testSHA = "4b825dc642cb6eb9a060e54bf8d69288fbee4904"

var loc = source.Locator{Host: "github.com", Owner: "trusted-org", Repo: "db-viewer"}

var limits = source.ArchiveLimits{MaxFileSize: 1 << 20, MaxTotalSize: 4 << 20}

type tarEntry struct {
	name     string
	typeflag byte
	body     string
	linkname string
}

func buildTarGz(t *testing.T, entries []tarEntry) []byte {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	for _, e := range entries {
		hdr := &tar.Header{Name: e.name, Typeflag: e.typeflag, Mode: 0o644, Linkname: e.linkname}
		if e.typeflag == tar.TypeReg {
			hdr.Size = int64(len(e.body))
		}
		require.NoError(t, tw.WriteHeader(hdr))
		if e.typeflag == tar.TypeReg {
			_, err := tw.Write([]byte(e.body))
			require.NoError(t, err)
		}
	}
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())
	return buf.Bytes()
}

func fastClient(url string, opts ...source.GitHubOption) *source.GitHubClient {
	opts = append([]source.GitHubOption{source.WithRetry(2, time.Millisecond)}, opts...)
	return source.NewGitHubClient(url, opts...)
}

func TestGitHubClient_Repository(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/repos/trusted-org/db-viewer", r.URL.Path)
		assert.Equal(t, "Bearer s3cret", r.Header.Get("Authorization"))
		_, _ = w.Write([]byte(`{"full_name":"trusted-org/db-viewer"}`))
	}))
	defer srv.Close()

	err := fastClient(srv.URL, source.WithToken("s3cret")).Repository(context.Background(), loc)
	assert.NoError(t, err)
}

func TestGitHubClient_NotFound(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	err := fastClient(srv.URL).Repository(context.Background(), loc)

	assert.ErrorIs(t, err, source.ErrNotFound)
	assert.Equal(t, int32(1), calls.Load(), "4xx is never retried")
}

func TestGitHubClient_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		assert.Equal(t, "application/vnd.github.sha", r.Header.Get("Accept"))
		_, _ = w.Write([]byte(testSHA))
	}))
	defer srv.Close()

	sha, err := fastClient(srv.URL).ResolveRevision(context.Background(), loc, "v2.3.0")

	require.NoError(t, err)
	assert.Equal(t, testSHA, sha)
	assert.Equal(t, int32(3), calls.Load())
}

func TestGitHubClient_GivesUpAfterMaxRetries(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := fastClient(srv.URL).ResolveRevision(context.Background(), loc, "main")

	require.Error(t, err)
	assert.False(t, errors.Is(err, source.ErrNotFound))
	assert.Equal(t, int32(3), calls.Load(), "initial attempt plus two retries")
}

func TestGitHubClient_ForbiddenIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	_, err := fastClient(srv.URL).ResolveRevision(context.Background(), loc, "main")

	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestGitHubClient_ReadFile(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/repos/trusted-org/db-viewer/contents/plugin.yaml", r.URL.Path)
		assert.Equal(t, testSHA, r.URL.Query().Get("ref"))
		assert.Equal(t, "application/vnd.github.raw", r.Header.Get("Accept"))
		_, _ = w.Write([]byte("name: db-viewer\n"))
	}))
	defer srv.Close()

	data, err := fastClient(srv.URL).ReadFile(context.Background(), loc, testSHA, "plugin.yaml")

	require.NoError(t, err)
	assert.Equal(t, "name: db-viewer\n", string(data))
}

func TestGitHubClient_ReadFileTooLarge(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(strings.Repeat("x", (1<<20)+1)))
	}))
	defer srv.Close()

	_, err := fastClient(srv.URL).ReadFile(context.Background(), loc, testSHA, "plugin.yaml")
	assert.Error(t, err)
}

func TestGitHubClient_FetchArchive(t *testing.T) {
	body := buildTarGz(t, []tarEntry{
		{name: "trusted-org-db-viewer-4b825dc/", typeflag: tar.TypeDir},
		{name: "trusted-org-db-viewer-4b825dc/plugin.yaml", typeflag: tar.TypeReg, body: "name: db-viewer\n"},
		{name: "trusted-org-db-viewer-4b825dc/src/", typeflag: tar.TypeDir},
		{name: "trusted-org-db-viewer-4b825dc/src/main.lua", typeflag: tar.TypeReg, body: "return {}\n"},
	})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/repos/trusted-org/db-viewer/tarball/"+testSHA, r.URL.Path)
		_, _ = w.Write(body)
	}))
	defer srv.Close()

	archive, err := fastClient(srv.URL).FetchArchive(context.Background(), loc, testSHA, limits)
	require.NoError(t, err)

	assert.Equal(t, testSHA, archive.Commit)
	main, ok := archive.Lookup("src/main.lua")
	require.True(t, ok)
	assert.Equal(t, "return {}\n", string(main.Data))
	_, ok = archive.Lookup("src")
	assert.False(t, ok, "directories are not files")
}

func TestGitHubClient_ContextCancelled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := fastClient(srv.URL).Repository(ctx, loc)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestReadTarGz_KeepsSuspiciousPathsVerbatim(t *testing.T) {
	body := buildTarGz(t, []tarEntry{
		{name: "wrap/", typeflag: tar.TypeDir},
		{name: "wrap/main.lua", typeflag: tar.TypeReg, body: "x"},
		{name: "wrap/link", typeflag: tar.TypeSymlink, linkname: "/etc/passwd"},
		{name: "../escape.lua", typeflag: tar.TypeReg, body: "y"},
	})

	archive, err := source.ReadTarGz(bytes.NewReader(body), limits)
	require.NoError(t, err)

	paths := map[string]source.EntryType{}
	for _, e := range archive.Entries {
		paths[e.Path] = e.Type
	}
	assert.Equal(t, map[string]source.EntryType{
		"main.lua":      source.EntryFile,
		"link":          source.EntrySymlink,
		"../escape.lua": source.EntryFile,
	}, paths)
}

func TestReadTarGz_LimitsSkipData(t *testing.T) {
	body := buildTarGz(t, []tarEntry{
		{name: "wrap/", typeflag: tar.TypeDir},
		{name: "wrap/big.lua", typeflag: tar.TypeReg, body: strings.Repeat("a", 64)},
		{name: "wrap/small.lua", typeflag: tar.TypeReg, body: "b"},
	})

	archive, err := source.ReadTarGz(bytes.NewReader(body), source.ArchiveLimits{MaxFileSize: 16, MaxTotalSize: 16})
	require.NoError(t, err)

	big, ok := archive.Lookup("big.lua")
	require.True(t, ok)
	assert.True(t, big.Skipped)
	assert.Nil(t, big.Data)
	assert.Equal(t, int64(64), big.Size)

	small, ok := archive.Lookup("small.lua")
	require.True(t, ok)
	assert.Equal(t, "b", string(small.Data))
	assert.Equal(t, int64(65), archive.TotalSize())
}

func TestReadTarGz_NotGzip(t *testing.T) {
	_, err := source.ReadTarGz(strings.NewReader("plain text"), limits)
	assert.Error(t, err)
}
