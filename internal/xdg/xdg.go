// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package xdg resolves plugind's XDG base directories.
package xdg

import (
	"os"
	"path/filepath"

	"github.com/samber/oops"
)

const appName = "plugind"

// Kind selects an XDG base directory.
type Kind int

// Base directories plugind uses.
const (
	Config Kind = iota
	Data
)

var bases = map[Kind]struct {
	env      string
	fallback []string // relative to $HOME
}{
	Config: {"XDG_CONFIG_HOME", []string{".config"}},
	Data:   {"XDG_DATA_HOME", []string{".local", "share"}},
}

// Dir returns plugind's directory under the base selected by kind. A
// relative XDG_*_HOME value is ignored, per the XDG base directory rules.
func Dir(kind Kind) (string, error) {
	b, ok := bases[kind]
	if !ok {
		return "", oops.Code("XDG_UNKNOWN_KIND").Errorf("unknown base directory kind %d", kind)
	}
	if dir := os.Getenv(b.env); filepath.IsAbs(dir) {
		return filepath.Join(dir, appName), nil
	}
	home := os.Getenv("HOME")
	if home == "" {
		return "", oops.Code("XDG_HOME_UNSET").With("variable", b.env).Errorf("neither %s nor HOME is set", b.env)
	}
	return filepath.Join(home, filepath.Join(b.fallback...), appName), nil
}

// ConfigFile returns the default configuration file path.
func ConfigFile() (string, error) {
	dir, err := Dir(Config)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.yaml"), nil
}

// PluginsDir returns the default root for installed plugins.
func PluginsDir() (string, error) {
	dir, err := Dir(Data)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "plugins"), nil
}
