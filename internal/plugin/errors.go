// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package plugin

import (
	"context"
	"errors"
	"fmt"
)

// ErrorKind classifies a domain error.
type ErrorKind string

// Error kinds.
const (
	KindManifestError        ErrorKind = "manifest"
	KindRepositoryError      ErrorKind = "repository"
	KindSecurityError        ErrorKind = "security"
	KindInstallError         ErrorKind = "install"
	KindConflictError        ErrorKind = "conflict"
	KindStateTransitionError ErrorKind = "state_transition"
	KindNotFoundError        ErrorKind = "not_found"
)

// Severity grades a security finding.
type Severity string

// Severities.
const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// Code is a machine-readable error code.
type Code string

// Manifest codes.
const (
	CodeMalformedSyntax      Code = "MalformedSyntax"
	CodeMissingRequiredField Code = "MissingRequiredField"
	CodeInvalidVersionFormat Code = "InvalidVersionFormat"
	CodeInvalidPermission    Code = "InvalidPermission"
	CodeInvalidField         Code = "InvalidField"
	CodeNameMismatch         Code = "NameMismatch"
)

// Repository codes.
const (
	CodeInvalidLocator        Code = "InvalidLocator"
	CodeOwnerNotAllowed       Code = "OwnerNotAllowed"
	CodeRepositoryUnreachable Code = "RepositoryUnreachable"
	CodeRevisionNotFound      Code = "RevisionNotFound"
	CodeManifestMissing       Code = "ManifestMissing"
)

// Permission scope and file integrity codes.
const (
	CodeTooManyPermissions  Code = "TooManyPermissions"
	CodeDeniedPermission    Code = "DeniedPermission"
	CodeFileTooLarge        Code = "FileTooLarge"
	CodeDisallowedExtension Code = "DisallowedExtension"
	CodeForbiddenPath       Code = "ForbiddenPath"
	CodePathTraversal       Code = "PathTraversal"
	CodeEntryMissing        Code = "EntryMissing"
	CodeManifestMismatch    Code = "ManifestMismatch"
)

// Install codes.
const (
	CodeDiskWriteFailed       Code = "DiskWriteFailed"
	CodeSandboxCreationFailed Code = "SandboxCreationFailed"
	CodeDependencyUnresolved  Code = "DependencyUnresolved"
	CodeRegistryWriteFailed   Code = "RegistryWriteFailed"
)

// Job control codes.
const (
	CodeTimeout     Code = "Timeout"
	CodeCancelled   Code = "Cancelled"
	CodeInterrupted Code = "Interrupted"
	CodeInternal    Code = "Internal"
)

// Conflict, state transition and lookup codes.
const (
	CodeJobActive           Code = "JobActive"
	CodeAlreadyInstalled    Code = "AlreadyInstalled"
	CodeJobFinished         Code = "JobFinished"
	CodeAlreadyEnabled      Code = "AlreadyEnabled"
	CodeAlreadyDisabled     Code = "AlreadyDisabled"
	CodeAlreadyUninstalling Code = "AlreadyUninstalling"
	CodeInvalidAction       Code = "InvalidAction"
	CodeStaleState          Code = "StaleState"
	CodePluginNotFound      Code = "PluginNotFound"
	CodeJobNotFound         Code = "JobNotFound"
)

// ErrNotFound is the sentinel wrapped by every NotFoundError.
var ErrNotFound = errors.New("not found")

// Error is a classified domain error. Security errors carry the code of the
// check that failed so operators can tell an untrusted repository from a
// forbidden permission.
type Error struct {
	Kind     ErrorKind
	Code     Code
	Severity Severity
	Message  string
	Err      error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Severity != "" {
		return fmt.Sprintf("%s error [%s/%s]: %s", e.Kind, e.Code, e.Severity, e.Message)
	}
	return fmt.Sprintf("%s error [%s]: %s", e.Kind, e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches ErrNotFound for not-found errors so callers can use errors.Is.
func (e *Error) Is(target error) bool {
	return target == ErrNotFound && e.Kind == KindNotFoundError
}

func newError(kind ErrorKind, code Code, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Code: code, Message: fmt.Sprintf(format, args...), Err: err}
}

// ManifestError reports a manifest that failed static validation.
func ManifestError(code Code, format string, args ...any) *Error {
	return newError(KindManifestError, code, nil, format, args...)
}

// RepositoryError reports a rejected or unreachable source repository.
func RepositoryError(code Code, err error, format string, args ...any) *Error {
	return newError(KindRepositoryError, code, err, format, args...)
}

// SecurityError reports a rejection by the security pipeline.
func SecurityError(code Code, severity Severity, err error, format string, args ...any) *Error {
	e := newError(KindSecurityError, code, err, format, args...)
	e.Severity = severity
	return e
}

// InstallError reports a failure to materialize a validated plugin.
func InstallError(code Code, err error, format string, args ...any) *Error {
	return newError(KindInstallError, code, err, format, args...)
}

// ConflictError reports a request that collides with in-flight or existing state.
func ConflictError(code Code, format string, args ...any) *Error {
	return newError(KindConflictError, code, nil, format, args...)
}

// StateTransitionError reports an illegal lifecycle move.
func StateTransitionError(code Code, format string, args ...any) *Error {
	return newError(KindStateTransitionError, code, nil, format, args...)
}

// NotFoundError reports a missing plugin or job.
func NotFoundError(code Code, format string, args ...any) *Error {
	return newError(KindNotFoundError, code, ErrNotFound, format, args...)
}

// ContextError classifies a context error as Timeout or Cancelled. It
// returns nil when err is not caused by the context.
func ContextError(err error, format string, args ...any) *Error {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return InstallError(CodeTimeout, err, format, args...)
	case errors.Is(err, context.Canceled):
		return InstallError(CodeCancelled, err, format, args...)
	}
	return nil
}

// AsError extracts the outermost domain error from err.
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// CodeOf returns the code of the outermost domain error in err, or "".
func CodeOf(err error) Code {
	if e, ok := AsError(err); ok {
		return e.Code
	}
	return ""
}

// IsKind reports whether the outermost domain error in err has the given kind.
func IsKind(err error, kind ErrorKind) bool {
	e, ok := AsError(err)
	return ok && e.Kind == kind
}
