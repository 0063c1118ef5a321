// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package sandbox

import (
	"context"
	"log/slog"
	"math"
	"os"
	"path/filepath"

	"github.com/samber/oops"
	"github.com/tetratelabs/wazero"

	"github.com/holomush/plugind/internal/plugin"
	pluginlua "github.com/holomush/plugind/internal/plugin/lua"
)

// Provisioner prepares the execution boundary for one runtime. It runs
// against the staged tree before it is moved into place.
type Provisioner interface {
	Runtime() plugin.Runtime
	Provision(ctx context.Context, dir string, policy *Policy) error
}

// LuaProvisioner checks the entry point against the restricted Lua
// environment. The chunk is compiled and inspected, never run.
type LuaProvisioner struct {
	sandbox *pluginlua.Sandbox
}

// NewLuaProvisioner creates a Lua provisioner.
func NewLuaProvisioner() *LuaProvisioner {
	return &LuaProvisioner{sandbox: pluginlua.New()}
}

// Runtime implements Provisioner.
func (p *LuaProvisioner) Runtime() plugin.Runtime { return plugin.RuntimeLua }

// Provision implements Provisioner.
func (p *LuaProvisioner) Provision(ctx context.Context, dir string, policy *Policy) error {
	src, err := os.ReadFile(filepath.Join(dir, filepath.FromSlash(policy.Entry)))
	if err != nil {
		return oops.Code("ENTRY_READ_FAILED").With("entry", policy.Entry).Wrap(err)
	}
	report, err := p.sandbox.Preflight(policy.Entry, string(src))
	if err != nil {
		return err
	}
	slog.DebugContext(ctx, "lua entry point checked", "entry", policy.Entry, "exports", report.Exports)
	return nil
}

const wasmPageSize = 64 << 10

// WASMProvisioner compiles the entry module and checks every memory it
// imports or defines against the policy's memory ceiling.
type WASMProvisioner struct{}

// Runtime implements Provisioner.
func (WASMProvisioner) Runtime() plugin.Runtime { return plugin.RuntimeWASM }

// Provision implements Provisioner.
func (WASMProvisioner) Provision(ctx context.Context, dir string, policy *Policy) error {
	data, err := os.ReadFile(filepath.Join(dir, filepath.FromSlash(policy.Entry)))
	if err != nil {
		return oops.Code("ENTRY_READ_FAILED").With("entry", policy.Entry).Wrap(err)
	}

	rt := wazero.NewRuntimeWithConfig(ctx, wazero.NewRuntimeConfig())
	defer func() { _ = rt.Close(ctx) }()
	compiled, err := rt.CompileModule(ctx, data)
	if err != nil {
		return oops.Code("WASM_INVALID").With("entry", policy.Entry).Wrap(err)
	}
	defer func() { _ = compiled.Close(ctx) }()

	if policy.MemoryBytes <= 0 {
		return nil
	}
	limit := uint32(min(policy.MemoryBytes/wasmPageSize, math.MaxUint16+1))

	for _, mem := range compiled.ImportedMemories() {
		module, name, _ := mem.Import()
		if err := checkMemory(policy, module+"."+name, mem.Min(), limit); err != nil {
			return err
		}
	}
	for name, mem := range compiled.ExportedMemories() {
		if err := checkMemory(policy, name, mem.Min(), limit); err != nil {
			return err
		}
	}

	// Memories that are neither imported nor exported are only visible to
	// the decoder, which enforces the limit itself.
	bounded := wazero.NewRuntimeWithConfig(ctx, wazero.NewRuntimeConfig().WithMemoryLimitPages(limit))
	defer func() { _ = bounded.Close(ctx) }()
	if _, err := bounded.CompileModule(ctx, data); err != nil {
		return oops.Code("WASM_MEMORY_LIMIT").
			With("entry", policy.Entry).
			With("limit_bytes", policy.MemoryBytes).
			Wrap(err)
	}
	return nil
}

func checkMemory(policy *Policy, name string, pages, limit uint32) error {
	if pages <= limit {
		return nil
	}
	return oops.Code("WASM_MEMORY_LIMIT").
		With("entry", policy.Entry).
		With("memory", name).
		With("pages", pages).
		With("limit_bytes", policy.MemoryBytes).
		Errorf("memory %q requests %d initial pages, the ceiling is %d bytes", name, pages, policy.MemoryBytes)
}

var (
	_ Provisioner = (*LuaProvisioner)(nil)
	_ Provisioner = WASMProvisioner{}
)
