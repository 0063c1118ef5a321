// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package errutil

import (
	"testing"

	"github.com/samber/oops"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/holomush/plugind/internal/plugin"
)

func requireOops(t *testing.T, err error) oops.OopsError {
	t.Helper()
	require.Error(t, err)
	oe, ok := oops.AsOops(err)
	require.True(t, ok, "want an oops error, got %T: %v", err, err)
	return oe
}

// AssertErrorCode fails the test unless err is an oops error coded code.
func AssertErrorCode(t *testing.T, err error, code string) {
	t.Helper()
	assert.Equal(t, code, requireOops(t, err).Code(), "error: %v", err)
}

// AssertErrorContext fails the test unless err's oops context maps key to value.
func AssertErrorContext(t *testing.T, err error, key string, value any) {
	t.Helper()
	kv := requireOops(t, err).Context()
	if assert.Contains(t, kv, key, "error: %v", err) {
		assert.Equal(t, value, kv[key])
	}
}

// AssertPluginError fails the test unless a domain error of kind and code
// sits somewhere in err's chain, and returns it.
func AssertPluginError(t *testing.T, err error, kind plugin.ErrorKind, code plugin.Code) *plugin.Error {
	t.Helper()
	require.Error(t, err)
	pe, ok := plugin.AsError(err)
	require.True(t, ok, "want a domain error, got %T: %v", err, err)
	assert.Equal(t, kind, pe.Kind, "error: %v", err)
	assert.Equal(t, code, pe.Code, "error: %v", err)
	return pe
}
