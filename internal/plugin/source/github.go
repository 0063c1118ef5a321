// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package source

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/samber/oops"
	"github.com/sethvargo/go-retry"
)

// DefaultGitHubAPI is the public GitHub REST endpoint.
const DefaultGitHubAPI = "https://api.github.com"

const (
	maxManifestBytes = 1 << 20
	maxCommitBytes   = 256
)

// GitHubClient implements Host against the GitHub REST API.
type GitHubClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
	backoff    func() retry.Backoff
}

// GitHubOption configures a GitHubClient.
type GitHubOption func(*GitHubClient)

// WithToken authenticates requests with a bearer token.
func WithToken(token string) GitHubOption {
	return func(c *GitHubClient) {
		c.token = token
	}
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) GitHubOption {
	return func(c *GitHubClient) {
		c.httpClient = hc
	}
}

// WithRetry sets the number of retries and the initial backoff for
// transient failures.
func WithRetry(maxRetries uint64, base time.Duration) GitHubOption {
	return func(c *GitHubClient) {
		c.backoff = func() retry.Backoff {
			return retry.WithMaxRetries(maxRetries, retry.NewExponential(base))
		}
	}
}

// NewGitHubClient creates a client for the API at baseURL.
func NewGitHubClient(baseURL string, opts ...GitHubOption) *GitHubClient {
	if baseURL == "" {
		baseURL = DefaultGitHubAPI
	}
	c := &GitHubClient{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{Timeout: 60 * time.Second},
	}
	WithRetry(3, 250*time.Millisecond)(c)
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Repository implements Host.
func (c *GitHubClient) Repository(ctx context.Context, loc Locator) error {
	_, err := c.get(ctx, c.repoPath(loc), "application/vnd.github+json", 0)
	return err
}

// ResolveRevision implements Host.
func (c *GitHubClient) ResolveRevision(ctx context.Context, loc Locator, revision string) (string, error) {
	body, err := c.get(ctx, c.repoPath(loc)+"/commits/"+url.PathEscape(revision), "application/vnd.github.sha", maxCommitBytes)
	if err != nil {
		return "", err
	}
	sha := strings.TrimSpace(string(body))
	if len(sha) < 40 {
		return "", oops.Code("UNEXPECTED_RESPONSE").With("revision", revision).Errorf("unexpected commit response %q", sha)
	}
	return sha, nil
}

// ReadFile implements Host.
func (c *GitHubClient) ReadFile(ctx context.Context, loc Locator, commit, path string) ([]byte, error) {
	p := c.repoPath(loc) + "/contents/" + escapePath(path) + "?ref=" + url.QueryEscape(commit)
	return c.get(ctx, p, "application/vnd.github.raw", maxManifestBytes)
}

// FetchArchive implements Host.
func (c *GitHubClient) FetchArchive(ctx context.Context, loc Locator, commit string, limits ArchiveLimits) (*Archive, error) {
	var archive *Archive
	err := c.do(ctx, c.repoPath(loc)+"/tarball/"+url.PathEscape(commit), "application/vnd.github+json", func(r io.Reader) error {
		a, err := ReadTarGz(r, limits)
		if err != nil {
			return err
		}
		archive = a
		return nil
	})
	if err != nil {
		return nil, err
	}
	archive.Commit = commit
	return archive, nil
}

func (c *GitHubClient) repoPath(loc Locator) string {
	return "/repos/" + url.PathEscape(loc.Owner) + "/" + url.PathEscape(loc.Repo)
}

func escapePath(p string) string {
	parts := strings.Split(p, "/")
	for i, part := range parts {
		parts[i] = url.PathEscape(part)
	}
	return strings.Join(parts, "/")
}

// get reads at most limit bytes of the response body; limit 0 discards it.
func (c *GitHubClient) get(ctx context.Context, path, accept string, limit int64) ([]byte, error) {
	var body []byte
	err := c.do(ctx, path, accept, func(r io.Reader) error {
		if limit == 0 {
			return nil
		}
		data, err := io.ReadAll(io.LimitReader(r, limit+1))
		if err != nil {
			return err
		}
		if int64(len(data)) > limit {
			return oops.Code("RESPONSE_TOO_LARGE").With("path", path).Errorf("response exceeds %d bytes", limit)
		}
		body = data
		return nil
	})
	return body, err
}

// do performs a GET with retry. Transport errors and 5xx responses are
// retried; 404 and 422 map to ErrNotFound; other statuses fail immediately.
func (c *GitHubClient) do(ctx context.Context, path, accept string, read func(io.Reader) error) error {
	return retry.Do(ctx, c.backoff(), func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
		if err != nil {
			return oops.Code("REQUEST_FAILED").With("path", path).Wrap(err)
		}
		req.Header.Set("Accept", accept)
		req.Header.Set("X-GitHub-Api-Version", "2022-11-28")
		if c.token != "" {
			req.Header.Set("Authorization", "Bearer "+c.token)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return retry.RetryableError(oops.Code("REQUEST_FAILED").With("path", path).Wrap(err))
		}
		defer func() { _ = resp.Body.Close() }()

		switch {
		case resp.StatusCode == http.StatusOK:
			return read(resp.Body)
		case resp.StatusCode == http.StatusNotFound, resp.StatusCode == http.StatusUnprocessableEntity:
			return fmt.Errorf("%s: %w", path, ErrNotFound)
		case resp.StatusCode >= 500:
			return retry.RetryableError(oops.Code("HOST_UNAVAILABLE").
				With("path", path).With("status", resp.StatusCode).
				Errorf("host returned %s", resp.Status))
		default:
			return oops.Code("HOST_REJECTED").
				With("path", path).With("status", resp.StatusCode).
				Errorf("host returned %s", resp.Status)
		}
	})
}
