// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package config loads plugind configuration. Sources are applied in order,
// later ones winning: built-in defaults, the YAML config file, environment
// fallbacks for secrets, then command-line flags the user actually set.
package config

import (
	"errors"
	"io/fs"
	"os"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/samber/oops"
	"github.com/spf13/pflag"

	"github.com/holomush/plugind/internal/logging"
	"github.com/holomush/plugind/internal/plugin/job"
	"github.com/holomush/plugind/internal/plugin/sandbox"
	"github.com/holomush/plugind/internal/plugin/security"
	"github.com/holomush/plugind/internal/plugin/source"
	"github.com/holomush/plugind/internal/store"
	"github.com/holomush/plugind/internal/xdg"
)

// Config is the complete plugind configuration.
type Config struct {
	Database Database        `koanf:"database"`
	Log      Log             `koanf:"log"`
	Metrics  Metrics         `koanf:"metrics"`
	Sources  Sources         `koanf:"sources"`
	Security security.Config `koanf:"security"`
	Sandbox  sandbox.Config  `koanf:"sandbox"`
	Jobs     job.Config      `koanf:"jobs"`
}

// Database configures PostgreSQL.
type Database struct {
	URL  string           `koanf:"url"`
	Pool store.PoolConfig `koanf:"pool"`
	// AutoMigrate applies pending migrations when the server starts.
	AutoMigrate bool `koanf:"auto_migrate"`
}

// Log configures logging.
type Log struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// Metrics configures the metrics and health endpoint. An empty Addr
// disables it.
type Metrics struct {
	Addr string `koanf:"addr"`
}

// Sources configures where plugins may be installed from.
type Sources struct {
	DefaultHost   string   `koanf:"default_host"`
	AllowedOwners []string `koanf:"allowed_owners"`
	GitHub        GitHub   `koanf:"github"`
}

// GitHub configures the GitHub API client.
type GitHub struct {
	APIURL     string        `koanf:"api_url"`
	Token      string        `koanf:"token"`
	MaxRetries uint64        `koanf:"max_retries"`
	RetryBase  time.Duration `koanf:"retry_base"`
}

// Environment variables consulted when the corresponding setting is empty.
const (
	EnvDatabaseURL = "DATABASE_URL"
	EnvGitHubToken = "GITHUB_TOKEN"
)

// Default returns the built-in configuration. Paths follow the XDG base
// directory layout.
func Default() (*Config, error) {
	plugins, err := xdg.PluginsDir()
	if err != nil {
		return nil, err
	}
	return &Config{
		Database: Database{Pool: store.PoolConfig{MaxConns: 10, MaxConnLifetime: time.Hour}},
		Log:      Log{Level: "info", Format: "json"},
		Metrics:  Metrics{Addr: "127.0.0.1:9464"},
		Sources: Sources{
			DefaultHost: source.DefaultHost,
			GitHub: GitHub{
				APIURL:     source.DefaultGitHubAPI,
				MaxRetries: 3,
				RetryBase:  500 * time.Millisecond,
			},
		},
		Security: security.DefaultConfig(),
		Sandbox:  sandbox.DefaultConfig(plugins),
		Jobs:     job.DefaultConfig(),
	}, nil
}

// flagKeys maps command-line flags to configuration keys. Flags not listed
// here are not configuration.
var flagKeys = map[string]string{
	"database-url":  "database.url",
	"auto-migrate":  "database.auto_migrate",
	"log-level":     "log.level",
	"log-format":    "log.format",
	"metrics-addr":  "metrics.addr",
	"allow-owner":   "sources.allowed_owners",
	"plugins-dir":   "sandbox.root",
	"workers":       "jobs.workers",
	"job-timeout":   "jobs.job_timeout",
	"github-api":    "sources.github.api_url",
	"shutdown-wait": "jobs.shutdown_grace",
}

// Load builds the configuration. path names the YAML file; when empty the
// XDG default is used if it exists. flags may be nil.
func Load(path string, flags *pflag.FlagSet) (*Config, error) {
	cfg, err := Default()
	if err != nil {
		return nil, err
	}

	k := koanf.New(".")

	explicit := path != ""
	if !explicit {
		if path, err = xdg.ConfigFile(); err != nil {
			return nil, err
		}
	}
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		if explicit || !errors.Is(err, fs.ErrNotExist) {
			return nil, oops.Code("CONFIG_LOAD_FAILED").With("path", path).Wrap(err)
		}
	}

	if flags != nil {
		provider := posflag.ProviderWithFlag(flags, ".", k, func(f *pflag.Flag) (string, any) {
			key, ok := flagKeys[f.Name]
			if !ok || !f.Changed {
				return "", nil
			}
			return key, posflag.FlagVal(flags, f)
		})
		if err := k.Load(provider, nil); err != nil {
			return nil, oops.Code("CONFIG_LOAD_FAILED").With("source", "flags").Wrap(err)
		}
	}

	if err := unmarshal(k, cfg); err != nil {
		return nil, err
	}

	if cfg.Database.URL == "" {
		cfg.Database.URL = os.Getenv(EnvDatabaseURL)
	}
	if cfg.Sources.GitHub.Token == "" {
		cfg.Sources.GitHub.Token = os.Getenv(EnvGitHubToken)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// unmarshal decodes k over the defaults already in cfg. Lists and maps that
// appear in k replace the defaults rather than merging into them.
func unmarshal(k *koanf.Koanf, cfg *Config) error {
	err := k.UnmarshalWithConf("", cfg, koanf.UnmarshalConf{
		Tag: "koanf",
		DecoderConfig: &mapstructure.DecoderConfig{
			DecodeHook: mapstructure.ComposeDecodeHookFunc(
				mapstructure.StringToTimeDurationHookFunc(),
				mapstructure.StringToSliceHookFunc(","),
				mapstructure.TextUnmarshallerHookFunc()),
			Result:           cfg,
			WeaklyTypedInput: true,
			ZeroFields:       true,
			ErrorUnused:      true,
		},
	})
	if err != nil {
		return oops.Code("CONFIG_INVALID").Wrap(err)
	}
	return nil
}

// Validate checks required settings.
func (c *Config) Validate() error {
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		return err
	}
	if c.Log.Format != "json" && c.Log.Format != "text" {
		return oops.Code("CONFIG_INVALID").With("format", c.Log.Format).Errorf("log format must be json or text")
	}
	if c.Sandbox.Root == "" {
		return oops.Code("CONFIG_INVALID").Errorf("sandbox.root is required")
	}
	if c.Jobs.Workers < 0 || c.Jobs.JobTimeout < 0 {
		return oops.Code("CONFIG_INVALID").
			With("workers", c.Jobs.Workers).
			With("job_timeout", c.Jobs.JobTimeout).
			Errorf("jobs settings cannot be negative")
	}
	return c.Security.Validate()
}

// RequireDatabase reports an error when no database URL is configured.
func (c *Config) RequireDatabase() error {
	if c.Database.URL == "" {
		return oops.Code("CONFIG_INVALID").
			Errorf("database.url is required (set it in the config file, pass --database-url or set %s)", EnvDatabaseURL)
	}
	return nil
}

// RequireSources reports an error when no trusted owner is configured.
// Nothing can be installed without one.
func (c *Config) RequireSources() error {
	if len(c.Sources.AllowedOwners) == 0 {
		return oops.Code("CONFIG_INVALID").
			Errorf("sources.allowed_owners must list at least one trusted owner (or pass --allow-owner)")
	}
	return nil
}

// LogOptions returns the logging options for this configuration.
func (c *Config) LogOptions(service, version string) logging.Options {
	level, _ := logging.ParseLevel(c.Log.Level)
	return logging.Options{Service: service, Version: version, Format: c.Log.Format, Level: level}
}
