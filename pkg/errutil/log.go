// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package errutil bridges plugind errors to structured logs and tests.
package errutil

import (
	"context"
	"log/slog"

	"github.com/samber/oops"

	"github.com/holomush/plugind/internal/plugin"
)

// Attrs flattens err into log attributes. A domain error anywhere in the
// chain adds kind, error_code and severity; an oops error adds its code and
// context.
func Attrs(err error) []slog.Attr {
	attrs := []slog.Attr{slog.String("error", err.Error())}

	if pe, ok := plugin.AsError(err); ok {
		attrs = append(attrs, slog.String("kind", string(pe.Kind)), slog.String("error_code", string(pe.Code)))
		if pe.Severity != "" {
			attrs = append(attrs, slog.String("severity", string(pe.Severity)))
		}
	}

	if oe, ok := oops.AsOops(err); ok {
		if code := oe.Code(); code != nil && code != "" {
			attrs = append(attrs, slog.Any("code", code))
		}
		if kv := oe.Context(); len(kv) > 0 {
			attrs = append(attrs, slog.Any("context", kv))
		}
	}
	return attrs
}

// LogError logs err at error level with Attrs.
func LogError(logger *slog.Logger, msg string, err error) {
	LogErrorContext(context.Background(), logger, msg, err)
}

// LogErrorContext is LogError with a context, so trace and job attributes
// bound to ctx reach the record.
func LogErrorContext(ctx context.Context, logger *slog.Logger, msg string, err error) {
	logger.LogAttrs(ctx, slog.LevelError, msg, Attrs(err)...)
}
