// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package jobtest provides in-memory job collaborators for tests.
package jobtest

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/holomush/plugind/internal/plugin"
	"github.com/holomush/plugind/internal/plugin/job"
)

// Store is an in-memory job.Store with the same guards as the PostgreSQL
// implementation.
type Store struct {
	mu   sync.Mutex
	jobs map[ulid.ULID]*job.Job

	// CreateErr, when set, is returned by Create.
	CreateErr error
	// Updates counts successful status and progress writes per job.
	Updates map[ulid.ULID]int
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{jobs: make(map[ulid.ULID]*job.Job), Updates: make(map[ulid.ULID]int)}
}

// Put stores j directly.
func (s *Store) Put(j *job.Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[j.ID] = clone(j)
}

// Create implements job.Store.
func (s *Store) Create(_ context.Context, j *job.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.CreateErr != nil {
		return s.CreateErr
	}
	for _, other := range s.jobs {
		if other.PluginName == j.PluginName && !other.Status.Terminal() {
			return plugin.ConflictError(plugin.CodeJobActive, "an installation of %s is already in progress", j.PluginName)
		}
	}
	if j.CreatedAt.IsZero() {
		j.CreatedAt = time.Now().UTC()
	}
	j.Status = job.StatusPending
	s.jobs[j.ID] = clone(j)
	return nil
}

// Get implements job.Store.
func (s *Store) Get(_ context.Context, id ulid.ULID) (*job.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, plugin.NotFoundError(plugin.CodeJobNotFound, "job %s not found", id)
	}
	return clone(j), nil
}

// List implements job.Store.
func (s *Store) List(_ context.Context, name string, limit int) ([]*job.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*job.Job
	for _, j := range s.jobs {
		if name == "" || j.PluginName == name {
			out = append(out, clone(j))
		}
	}
	slices.SortFunc(out, func(a, b *job.Job) int { return b.ID.Compare(a.ID) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Active implements job.Store.
func (s *Store) Active(_ context.Context) ([]*job.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*job.Job
	for _, j := range s.jobs {
		if !j.Status.Terminal() {
			out = append(out, clone(j))
		}
	}
	slices.SortFunc(out, func(a, b *job.Job) int { return a.ID.Compare(b.ID) })
	return out, nil
}

// Start implements job.Store.
func (s *Store) Start(_ context.Context, id ulid.ULID) error {
	return s.update(id, "start", []job.Status{job.StatusPending}, func(j *job.Job) {
		now := time.Now().UTC()
		j.Status = job.StatusRunning
		j.StartedAt = &now
		j.Message = "running"
	})
}

// Progress implements job.Store.
func (s *Store) Progress(_ context.Context, id ulid.ULID, percent int, message string) error {
	return s.update(id, "progress", []job.Status{job.StatusRunning}, func(j *job.Job) {
		j.Progress = max(j.Progress, percent)
		j.Message = message
	})
}

// Complete implements job.Store.
func (s *Store) Complete(_ context.Context, id ulid.ULID, message string) error {
	return s.update(id, "complete", []job.Status{job.StatusRunning}, func(j *job.Job) {
		now := time.Now().UTC()
		j.Status = job.StatusCompleted
		j.Progress = job.ProgressCommitted
		j.Message = message
		j.CompletedAt = &now
	})
}

// Fail implements job.Store.
func (s *Store) Fail(_ context.Context, id ulid.ULID, f *job.Failure, message string) error {
	return s.update(id, "fail", []job.Status{job.StatusPending, job.StatusRunning}, func(j *job.Job) {
		now := time.Now().UTC()
		j.Status = job.StatusFailed
		j.Message = message
		j.Error = cmp.Or(f, &job.Failure{Kind: plugin.KindInstallError, Code: plugin.CodeInternal, Detail: message})
		j.CompletedAt = &now
	})
}

func (s *Store) update(id ulid.ULID, op string, from []job.Status, apply func(*job.Job)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return plugin.NotFoundError(plugin.CodeJobNotFound, "job %s not found", id)
	}
	if !slices.Contains(from, j.Status) {
		if j.Status.Terminal() {
			return plugin.ConflictError(plugin.CodeJobFinished, "job %s is already %s", id, j.Status)
		}
		return plugin.ConflictError(plugin.CodeStaleState, "job %s is %s, cannot %s", id, j.Status, op)
	}
	apply(j)
	s.Updates[id]++
	return nil
}

func clone(j *job.Job) *job.Job {
	c := *j
	if j.Error != nil {
		f := *j.Error
		c.Error = &f
	}
	return &c
}

// Transactor runs fn directly. It stands in for store.Transactor where the
// collaborators are in memory.
type Transactor struct{}

// InTransaction implements job.Transactor.
func (Transactor) InTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

var (
	_ job.Store      = (*Store)(nil)
	_ job.Transactor = Transactor{}
)
