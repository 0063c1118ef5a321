// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Command plugind installs, validates and manages HoloMUSH plugins.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/holomush/plugind/internal/plugin"
)

// Set by the release build through -ldflags.
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

// Exit statuses. Scripts can tell a refused plugin from a broken run.
const (
	exitOK       = 0
	exitFailure  = 1
	exitRejected = 2 // the plugin failed manifest, source or security checks
	exitState    = 3 // the plugin is missing, busy or in the wrong status
)

func main() {
	cmd := NewRootCmd()
	cmd.Version = fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date)
	os.Exit(exitCode(cmd.ExecuteContext(context.Background())))
}

func exitCode(err error) int {
	if err == nil {
		return exitOK
	}
	perr, ok := plugin.AsError(err)
	if !ok {
		return exitFailure
	}
	switch perr.Kind {
	case plugin.KindManifestError, plugin.KindRepositoryError, plugin.KindSecurityError:
		return exitRejected
	case plugin.KindConflictError, plugin.KindStateTransitionError, plugin.KindNotFoundError:
		return exitState
	default:
		return exitFailure
	}
}
