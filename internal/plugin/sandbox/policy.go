// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package sandbox

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/samber/oops"

	"github.com/holomush/plugind/internal/plugin"
)

// PolicyFile is written at the root of every installed plugin. The runtime
// boundary reads it to configure the plugin's sandbox.
const PolicyFile = ".sandbox.json"

const policyVersion = 1

// Limits are the resource ceilings enforced by the execution boundary.
type Limits struct {
	MemoryBytes int64         `koanf:"memory_bytes"`
	CPUMillis   int           `koanf:"cpu_millis"`
	ExecTimeout time.Duration `koanf:"exec_timeout"`
}

// DefaultLimits returns the default ceilings.
func DefaultLimits() Limits {
	return Limits{
		MemoryBytes: 64 << 20,
		CPUMillis:   500,
		ExecTimeout: 2 * time.Second,
	}
}

// Policy describes the sandbox of one installed plugin.
type Policy struct {
	Version       int            `json:"version"`
	Plugin        string         `json:"plugin"`
	PluginVersion string         `json:"plugin_version"`
	Runtime       plugin.Runtime `json:"runtime"`
	Entry         string         `json:"entry"`
	ReadOnlyRoot  bool           `json:"read_only_root"`
	WritablePaths []string       `json:"writable_paths"`
	Network       bool           `json:"network"`
	Permissions   []string       `json:"permissions"`
	MemoryBytes   int64          `json:"memory_bytes"`
	CPUMillis     int            `json:"cpu_millis"`
	ExecTimeoutMS int64          `json:"exec_timeout_ms"`
}

// NewPolicy derives the sandbox policy for a plugin. Network access is
// granted only when the plugin holds a network permission.
func NewPolicy(p *plugin.Plugin, writable []string, limits Limits) *Policy {
	return &Policy{
		Version:       policyVersion,
		Plugin:        p.Name,
		PluginVersion: p.Version,
		Runtime:       p.Runtime,
		Entry:         p.Entry,
		ReadOnlyRoot:  true,
		WritablePaths: append([]string{}, writable...),
		Network:       p.HasNetworkAccess(),
		Permissions:   append([]string{}, p.Permissions...),
		MemoryBytes:   limits.MemoryBytes,
		CPUMillis:     limits.CPUMillis,
		ExecTimeoutMS: limits.ExecTimeout.Milliseconds(),
	}
}

// ExecTimeout returns the execution ceiling as a duration.
func (p *Policy) ExecTimeout() time.Duration {
	return time.Duration(p.ExecTimeoutMS) * time.Millisecond
}

func (p *Policy) write(dir string) error {
	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return oops.Code("POLICY_ENCODE_FAILED").With("plugin", p.Plugin).Wrap(err)
	}
	if err := os.WriteFile(filepath.Join(dir, PolicyFile), append(data, '\n'), 0o644); err != nil {
		return oops.Code("POLICY_WRITE_FAILED").With("plugin", p.Plugin).Wrap(err)
	}
	return nil
}

// ReadPolicy loads the policy of an installed plugin.
func ReadPolicy(dir string) (*Policy, error) {
	data, err := os.ReadFile(filepath.Join(dir, PolicyFile))
	if err != nil {
		return nil, oops.Code("POLICY_READ_FAILED").With("dir", dir).Wrap(err)
	}
	var p Policy
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, oops.Code("POLICY_READ_FAILED").With("dir", dir).Wrap(err)
	}
	return &p, nil
}
