// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package sandbox_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/holomush/plugind/internal/plugin"
	"github.com/holomush/plugind/internal/plugin/sandbox"
	"github.com/holomush/plugind/pkg/errutil"
)

var wasmHeader = []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}

func wasmModule(sections ...[]byte) []byte {
	module := append([]byte{}, wasmHeader...)
	for _, s := range sections {
		module = append(module, s...)
	}
	return module
}

func section(id byte, payload ...byte) []byte {
	return append([]byte{id, byte(len(payload))}, payload...)
}

// memorySection defines one memory with no maximum.
func memorySection(minPages byte) []byte {
	return section(0x05, 0x01, 0x00, minPages)
}

var exportMemory = section(0x07, 0x01, 0x06, 'm', 'e', 'm', 'o', 'r', 'y', 0x02, 0x00)

// importMemory imports memory "e"."m" with the given LEB128 minimum.
func importMemory(minPages ...byte) []byte {
	return section(0x02, append([]byte{0x01, 0x01, 'e', 0x01, 'm', 0x02, 0x00}, minPages...)...)
}

func writeEntry(t *testing.T, data []byte, memoryBytes int64) (string, *sandbox.Policy) {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "plugin.wasm"), data, 0o644))
	p := &plugin.Plugin{Name: "db-viewer", Runtime: plugin.RuntimeWASM, Entry: "plugin.wasm"}
	limits := sandbox.DefaultLimits()
	limits.MemoryBytes = memoryBytes
	return dir, sandbox.NewPolicy(p, nil, limits)
}

func TestWASMProvisioner(t *testing.T) {
	const ceiling = 4 * 64 << 10

	tests := []struct {
		name    string
		module  []byte
		errCode string
		memory  string
	}{
		{name: "empty module", module: wasmModule()},
		{name: "memory within ceiling", module: wasmModule(memorySection(4))},
		{name: "exported memory within ceiling", module: wasmModule(memorySection(4), exportMemory)},
		{name: "imported memory within ceiling", module: wasmModule(importMemory(0x02))},
		{name: "internal memory over ceiling", module: wasmModule(memorySection(5)), errCode: "WASM_MEMORY_LIMIT"},
		{name: "exported memory over ceiling", module: wasmModule(memorySection(5), exportMemory), errCode: "WASM_MEMORY_LIMIT", memory: "memory"},
		{name: "imported memory over ceiling", module: wasmModule(importMemory(0xff, 0xff, 0x03)), errCode: "WASM_MEMORY_LIMIT", memory: "e.m"},
		{name: "not wasm", module: []byte("#!/bin/sh\n"), errCode: "WASM_INVALID"},
		{name: "wrong version", module: []byte{0x00, 0x61, 0x73, 0x6d, 0x02, 0x00, 0x00, 0x00}, errCode: "WASM_INVALID"},
		{name: "truncated section", module: wasmModule([]byte{0x05, 0x10, 0x01}), errCode: "WASM_INVALID"},
		{name: "garbage code section", module: wasmModule(section(0x0a, 0xde, 0xad, 0xbe, 0xef)), errCode: "WASM_INVALID"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir, policy := writeEntry(t, tt.module, ceiling)

			err := sandbox.WASMProvisioner{}.Provision(context.Background(), dir, policy)

			if tt.errCode == "" {
				assert.NoError(t, err)
				return
			}
			errutil.AssertErrorCode(t, err, tt.errCode)
			if tt.memory != "" {
				errutil.AssertErrorContext(t, err, "memory", tt.memory)
			}
		})
	}
}

func TestWASMProvisioner_NoCeiling(t *testing.T) {
	dir, policy := writeEntry(t, wasmModule(importMemory(0xff, 0xff, 0x03)), 0)

	assert.NoError(t, sandbox.WASMProvisioner{}.Provision(context.Background(), dir, policy))
}

func TestWASMProvisioner_MissingEntry(t *testing.T) {
	p := &plugin.Plugin{Name: "db-viewer", Runtime: plugin.RuntimeWASM, Entry: "plugin.wasm"}
	err := sandbox.WASMProvisioner{}.Provision(context.Background(), t.TempDir(), sandbox.NewPolicy(p, nil, sandbox.DefaultLimits()))
	errutil.AssertErrorCode(t, err, "ENTRY_READ_FAILED")
}

func TestLuaProvisioner(t *testing.T) {
	write := func(t *testing.T, src string) (string, *sandbox.Policy) {
		t.Helper()
		dir := t.TempDir()
		require.NoError(t, os.WriteFile(filepath.Join(dir, "main.lua"), []byte(src), 0o644))
		p := &plugin.Plugin{Name: "db-viewer", Runtime: plugin.RuntimeLua, Entry: "main.lua"}
		return dir, sandbox.NewPolicy(p, nil, sandbox.DefaultLimits())
	}
	prov := sandbox.NewLuaProvisioner()

	dir, policy := write(t, "return { render = function() return string.rep('x', 3) end }\n")
	assert.NoError(t, prov.Provision(context.Background(), dir, policy))

	dir, policy = write(t, "local s = string.rep('x', 256 * 1024 * 1024)\nreturn { s = s }\n")
	errutil.AssertErrorCode(t, prov.Provision(context.Background(), dir, policy), "LUA_LOAD_WORK")
}

func TestNewPolicy(t *testing.T) {
	p := &plugin.Plugin{
		Name:        "db-viewer",
		Version:     "1.0.0",
		Runtime:     plugin.RuntimeLua,
		Entry:       "main.lua",
		Permissions: []string{"database:read", "network:outbound"},
	}

	policy := sandbox.NewPolicy(p, []string{"data"}, sandbox.DefaultLimits())

	assert.True(t, policy.Network)
	assert.True(t, policy.ReadOnlyRoot)
	assert.Equal(t, "1.0.0", policy.PluginVersion)

	p.Permissions[0] = "mutated"
	assert.Equal(t, "database:read", policy.Permissions[0], "policy must not alias plugin slices")
}
