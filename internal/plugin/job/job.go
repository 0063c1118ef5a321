// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package job runs plugin installations as persisted, pollable background
// jobs.
//
// A job moves pending -> running -> completed | failed. Progress only moves
// forward and a finished job is never modified again.
package job

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/holomush/plugind/internal/plugin"
)

// Status is the state of an installation job.
type Status string

// Job statuses.
const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Terminal reports whether s is a final status.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Progress checkpoints.
const (
	ProgressRepository  = 10
	ProgressManifest    = 20
	ProgressPermissions = 30
	ProgressValidated   = 50
	ProgressInstalled   = 90
	ProgressCommitted   = 100
)

// Job is one installation attempt.
type Job struct {
	ID            ulid.ULID
	PluginName    string
	SourceLocator string
	Revision      string
	RequestedBy   string
	Status        Status
	Progress      int
	Message       string
	Error         *Failure
	CreatedAt     time.Time
	StartedAt     *time.Time
	CompletedAt   *time.Time
}

// Failure is the classified error recorded on a failed job.
type Failure struct {
	Kind     plugin.ErrorKind `json:"kind" yaml:"kind"`
	Code     plugin.Code      `json:"code" yaml:"code"`
	Severity plugin.Severity  `json:"severity,omitempty" yaml:"severity,omitempty"`
	Detail   string           `json:"detail" yaml:"detail"`
}

// FailureOf classifies err for the job record. Errors that are not domain
// errors are recorded as Internal install errors.
func FailureOf(err error) *Failure {
	if err == nil {
		return nil
	}
	e, ok := plugin.AsError(err)
	if !ok {
		e = plugin.InstallError(plugin.CodeInternal, err, "%v", err)
	}
	return &Failure{Kind: e.Kind, Code: e.Code, Severity: e.Severity, Detail: e.Message}
}

// Err rebuilds the domain error recorded on the job.
func (f *Failure) Err() *plugin.Error {
	if f == nil {
		return nil
	}
	return &plugin.Error{Kind: f.Kind, Code: f.Code, Severity: f.Severity, Message: f.Detail}
}

var (
	entropy     = ulid.Monotonic(rand.Reader, 0)
	entropyLock sync.Mutex
)

// NewID generates a job identifier. IDs sort by creation time.
func NewID() ulid.ULID {
	entropyLock.Lock()
	defer entropyLock.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy)
}

// ParseID parses a job identifier.
func ParseID(s string) (ulid.ULID, error) {
	id, err := ulid.Parse(s)
	if err != nil {
		return ulid.ULID{}, plugin.NotFoundError(plugin.CodeJobNotFound, "invalid job id %q", s)
	}
	return id, nil
}
