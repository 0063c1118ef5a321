// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package security

import (
	"strings"

	"github.com/samber/oops"
)

// Config holds the tunable limits of the permission scope and file
// integrity stages.
type Config struct {
	MaxPermissions    int      `koanf:"max_permissions"`
	DeniedPermissions []string `koanf:"denied_permissions"`

	MaxFileSize       int64    `koanf:"max_file_size"`
	MaxTotalSize      int64    `koanf:"max_total_size"`
	AllowedExtensions []string `koanf:"allowed_extensions"`
	// AllowedBareNames lists file names permitted without an extension.
	AllowedBareNames []string `koanf:"allowed_bare_names"`
	// ForbiddenPaths are glob patterns matched against "/" + path.
	ForbiddenPaths []string `koanf:"forbidden_paths"`
}

// DefaultConfig returns the built-in limits.
func DefaultConfig() Config {
	return Config{
		MaxPermissions:    8,
		DeniedPermissions: []string{"database:admin", "secrets:*", "system:*"},
		MaxFileSize:       1 << 20,
		MaxTotalSize:      10 << 20,
		AllowedExtensions: []string{
			".lua", ".wasm", ".yaml", ".yml", ".json", ".md", ".txt",
			".css", ".html", ".svg", ".png",
		},
		AllowedBareNames: []string{"LICENSE", "README", "NOTICE", "AUTHORS", "CHANGELOG"},
		ForbiddenPaths: []string{
			"**/.git", "**/.git/**",
			"**/.env", "**/.env.*",
			"**/*.pem", "**/*.key", "**/id_rsa*",
			"**/node_modules/**",
			"/.sandbox.json",
		},
	}
}

// Validate checks the limits are usable.
func (c Config) Validate() error {
	if c.MaxPermissions < 0 {
		return oops.Code("INVALID_SECURITY_CONFIG").Errorf("max_permissions cannot be negative")
	}
	if c.MaxFileSize <= 0 {
		return oops.Code("INVALID_SECURITY_CONFIG").Errorf("max_file_size must be positive")
	}
	if c.MaxTotalSize < c.MaxFileSize {
		return oops.Code("INVALID_SECURITY_CONFIG").
			With("max_file_size", c.MaxFileSize).
			With("max_total_size", c.MaxTotalSize).
			Errorf("max_total_size must be at least max_file_size")
	}
	for _, ext := range c.AllowedExtensions {
		if !strings.HasPrefix(ext, ".") {
			return oops.Code("INVALID_SECURITY_CONFIG").With("extension", ext).Errorf("allowed extensions must start with a dot")
		}
	}
	return nil
}
