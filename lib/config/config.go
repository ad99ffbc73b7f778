// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"

	"github.com/bureau-foundation/olmstore/lib/e2ee"
	"github.com/bureau-foundation/olmstore/lib/sessioncodec"
)

// EnvConfig names the environment variable read by [Load].
const EnvConfig = "OLMSTORE_CONFIG"

// Environment represents the deployment environment.
type Environment string

const (
	// Development is for local development machines.
	Development Environment = "development"
	// Staging is for pre-production testing.
	Staging Environment = "staging"
	// Production is for production deployments.
	Production Environment = "production"
)

// Store drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config is the master configuration for olmstore.
type Config struct {
	// Environment identifies the deployment type (development, staging, production).
	Environment Environment `yaml:"environment"`

	// Paths configures directory locations.
	Paths PathsConfig `yaml:"paths"`

	// Store selects and configures the session database.
	Store StoreConfig `yaml:"store"`

	// PickleKey locates the at-rest key for pickled sessions.
	PickleKey PickleKeyConfig `yaml:"pickle_key"`

	// Codec configures how pickles are sealed.
	Codec CodecConfig `yaml:"codec"`

	// Sessions configures persistence and idle expiry.
	Sessions SessionsConfig `yaml:"sessions"`

	// Reaper configures the expiry sweep.
	Reaper ReaperConfig `yaml:"reaper"`

	// Metrics configures the Prometheus endpoint.
	Metrics MetricsConfig `yaml:"metrics"`

	// EnvironmentOverrides contains per-environment overrides.
	// These are applied after the base config is loaded.
	Development *ConfigOverrides `yaml:"development,omitempty"`
	Staging     *ConfigOverrides `yaml:"staging,omitempty"`
	Production  *ConfigOverrides `yaml:"production,omitempty"`
}

// ConfigOverrides contains fields that can be overridden per environment.
type ConfigOverrides struct {
	Paths     *PathsConfig     `yaml:"paths,omitempty"`
	Store     *StoreConfig     `yaml:"store,omitempty"`
	PickleKey *PickleKeyConfig `yaml:"pickle_key,omitempty"`
	Codec     *CodecConfig     `yaml:"codec,omitempty"`
	Sessions  *SessionsConfig  `yaml:"sessions,omitempty"`
	Reaper    *ReaperConfig    `yaml:"reaper,omitempty"`
	Metrics   *MetricsConfig   `yaml:"metrics,omitempty"`
}

// PathsConfig configures directory locations.
type PathsConfig struct {
	// Root is the base directory for olmstore data. Available to the
	// other path fields as ${OLMSTORE_ROOT}.
	Root string `yaml:"root"`
}

// StoreConfig selects the session database.
type StoreConfig struct {
	// Driver is "sqlite" or "postgres".
	// Default: sqlite
	Driver string `yaml:"driver"`

	// Path is the SQLite database file.
	// Default: ${OLMSTORE_ROOT}/sessions.db
	Path string `yaml:"path"`

	// PoolSize is the SQLite connection count. Zero picks a default.
	PoolSize int `yaml:"pool_size"`

	// Synchronous is the SQLite fsync policy: "full" or "normal".
	// Default: normal (development), full (production)
	Synchronous string `yaml:"synchronous"`

	// DSN is the Postgres connection string.
	DSN string `yaml:"dsn"`

	// MaxConns caps the Postgres pool. Zero keeps the driver default.
	MaxConns int32 `yaml:"max_conns"`
}

// PickleKeyConfig locates the pickle key.
type PickleKeyConfig struct {
	// Path is the key file: base64 text, or an age file when
	// AgeIdentityPath is set.
	// Default: ${OLMSTORE_ROOT}/pickle.key
	Path string `yaml:"path"`

	// AgeIdentityPath is the age identity that decrypts Path.
	AgeIdentityPath string `yaml:"age_identity_path"`
}

// CodecConfig configures pickle sealing.
type CodecConfig struct {
	// Compression is "none", "lz4" or "zstd".
	// Default: zstd
	Compression string `yaml:"compression"`
}

// SessionsConfig configures persistence and expiry.
type SessionsConfig struct {
	// Persistence is "manual", "per_mutation" or "periodic". There is
	// no default.
	Persistence string `yaml:"persistence"`

	// FlushInterval is how often periodic persistence flushes dirty
	// sessions. Required when Persistence is "periodic".
	FlushInterval time.Duration `yaml:"flush_interval"`

	// IdleLifetime is how long an unused session survives. Zero means
	// sessions never expire.
	// Default: 720h
	IdleLifetime time.Duration `yaml:"idle_lifetime"`
}

// ReaperConfig configures the expiry sweep.
type ReaperConfig struct {
	// Interval between sweeps. Zero disables the reaper.
	// Default: 10m
	Interval time.Duration `yaml:"interval"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	// Listen is the address for /metrics. Empty disables the endpoint.
	Listen string `yaml:"listen"`
}

// Default returns the default configuration.
// These defaults are used as a base before loading the config file.
// They exist primarily to ensure all fields have sensible zero-values,
// not as a fallback - the config file is required.
func Default() *Config {
	homeDir, _ := os.UserHomeDir()
	defaultRoot := filepath.Join(homeDir, ".local", "state", "olmstore")

	return &Config{
		Environment: Development,
		Paths: PathsConfig{
			Root: defaultRoot,
		},
		Store: StoreConfig{
			Driver:      DriverSQLite,
			Path:        filepath.Join(defaultRoot, "sessions.db"),
			Synchronous: "normal",
		},
		PickleKey: PickleKeyConfig{
			Path: filepath.Join(defaultRoot, "pickle.key"),
		},
		Codec: CodecConfig{
			Compression: "zstd",
		},
		Sessions: SessionsConfig{
			IdleLifetime: 30 * 24 * time.Hour,
		},
		Reaper: ReaperConfig{
			Interval: 10 * time.Minute,
		},
	}
}

// Load loads configuration from the OLMSTORE_CONFIG environment variable.
//
// This is the only way to load configuration without an explicit path.
// There are no fallbacks or defaults - if OLMSTORE_CONFIG is not set, this fails.
func Load() (*Config, error) {
	configPath := os.Getenv(EnvConfig)
	if configPath == "" {
		return nil, fmt.Errorf(EnvConfig + " environment variable not set; " +
			"set it to the path of your olmstore.yaml config file, or use --config flag")
	}

	return LoadFile(configPath)
}

// LoadFile loads configuration from a specific file path.
//
// The config file is the single source of truth. Environment variables do not
// override config values. The only expansion performed is ${HOME} and similar
// path variables for portability.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	if err := cfg.loadFile(path); err != nil {
		return nil, err
	}

	cfg.applyEnvironmentOverrides()
	cfg.expandVariables()

	return cfg, nil
}

// loadFile loads a single configuration file, merging into the current
// config. JSON and JSONC files are accepted: comments and trailing
// commas are stripped and the result decodes as YAML.
func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".json", ".jsonc":
		data = jsonc.ToJSON(data)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}
	return nil
}

// applyEnvironmentOverrides applies the environment-specific overrides.
func (c *Config) applyEnvironmentOverrides() {
	var overrides *ConfigOverrides

	switch c.Environment {
	case Development:
		overrides = c.Development
	case Staging:
		overrides = c.Staging
	case Production:
		overrides = c.Production
		// Production defaults: fsync every commit.
		if overrides == nil {
			overrides = &ConfigOverrides{
				Store: &StoreConfig{
					Synchronous: "full",
				},
			}
		}
	}

	if overrides == nil {
		return
	}

	if overrides.Paths != nil && overrides.Paths.Root != "" {
		c.Paths.Root = overrides.Paths.Root
	}

	if overrides.Store != nil {
		if overrides.Store.Driver != "" {
			c.Store.Driver = overrides.Store.Driver
		}
		if overrides.Store.Path != "" {
			c.Store.Path = overrides.Store.Path
		}
		if overrides.Store.PoolSize != 0 {
			c.Store.PoolSize = overrides.Store.PoolSize
		}
		if overrides.Store.Synchronous != "" {
			c.Store.Synchronous = overrides.Store.Synchronous
		}
		if overrides.Store.DSN != "" {
			c.Store.DSN = overrides.Store.DSN
		}
		if overrides.Store.MaxConns != 0 {
			c.Store.MaxConns = overrides.Store.MaxConns
		}
	}

	if overrides.PickleKey != nil {
		if overrides.PickleKey.Path != "" {
			c.PickleKey.Path = overrides.PickleKey.Path
		}
		if overrides.PickleKey.AgeIdentityPath != "" {
			c.PickleKey.AgeIdentityPath = overrides.PickleKey.AgeIdentityPath
		}
	}

	if overrides.Codec != nil && overrides.Codec.Compression != "" {
		c.Codec.Compression = overrides.Codec.Compression
	}

	if overrides.Sessions != nil {
		if overrides.Sessions.Persistence != "" {
			c.Sessions.Persistence = overrides.Sessions.Persistence
		}
		if overrides.Sessions.FlushInterval != 0 {
			c.Sessions.FlushInterval = overrides.Sessions.FlushInterval
		}
		if overrides.Sessions.IdleLifetime != 0 {
			c.Sessions.IdleLifetime = overrides.Sessions.IdleLifetime
		}
	}

	if overrides.Reaper != nil && overrides.Reaper.Interval != 0 {
		c.Reaper.Interval = overrides.Reaper.Interval
	}

	if overrides.Metrics != nil && overrides.Metrics.Listen != "" {
		c.Metrics.Listen = overrides.Metrics.Listen
	}
}

// expandVariables expands ${VAR} and ${VAR:-default} patterns in paths.
func (c *Config) expandVariables() {
	vars := map[string]string{
		"OLMSTORE_ROOT": c.Paths.Root,
		"HOME":          os.Getenv("HOME"),
	}

	c.Paths.Root = expandVars(c.Paths.Root, vars)
	vars["OLMSTORE_ROOT"] = c.Paths.Root // Update for dependent paths.

	c.Store.Path = expandVars(c.Store.Path, vars)
	c.Store.DSN = expandVars(c.Store.DSN, vars)
	c.PickleKey.Path = expandVars(c.PickleKey.Path, vars)
	c.PickleKey.AgeIdentityPath = expandVars(c.PickleKey.AgeIdentityPath, vars)
}

// expandVars expands ${VAR} and ${VAR:-default} patterns.
var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

func expandVars(s string, vars map[string]string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}

		name := parts[1]
		defaultValue := ""
		if len(parts) >= 3 {
			defaultValue = parts[2]
		}

		// Check provided vars first, then environment.
		if value, ok := vars[name]; ok && value != "" {
			return value
		}
		if value := os.Getenv(name); value != "" {
			return value
		}
		return defaultValue
	})
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	if c.Environment != Development && c.Environment != Staging && c.Environment != Production {
		errs = append(errs, fmt.Errorf("invalid environment: %s", c.Environment))
	}

	switch c.Store.Driver {
	case DriverSQLite:
		if c.Store.Path == "" {
			errs = append(errs, fmt.Errorf("store.path is required for the sqlite driver"))
		}
		if !contains([]string{"full", "normal"}, c.Store.Synchronous) {
			errs = append(errs, fmt.Errorf("invalid store.synchronous: %q (want full or normal)", c.Store.Synchronous))
		}
	case DriverPostgres:
		if c.Store.DSN == "" {
			errs = append(errs, fmt.Errorf("store.dsn is required for the postgres driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("invalid store.driver: %q (want sqlite or postgres)", c.Store.Driver))
	}
	if c.Store.PoolSize < 0 {
		errs = append(errs, fmt.Errorf("store.pool_size must not be negative"))
	}

	if c.PickleKey.Path == "" {
		errs = append(errs, fmt.Errorf("pickle_key.path is required"))
	}

	if _, err := sessioncodec.ParseCompression(c.Codec.Compression); err != nil {
		errs = append(errs, fmt.Errorf("codec.compression: %w", err))
	}

	mode, err := e2ee.ParsePersistMode(c.Sessions.Persistence)
	if err != nil {
		errs = append(errs, fmt.Errorf("sessions.persistence: %w", err))
	}
	if mode == e2ee.PersistPeriodic && c.Sessions.FlushInterval <= 0 {
		errs = append(errs, fmt.Errorf("sessions.flush_interval is required when persistence is periodic"))
	}
	if c.Sessions.IdleLifetime < 0 {
		errs = append(errs, fmt.Errorf("sessions.idle_lifetime must not be negative"))
	}

	if c.Reaper.Interval < 0 {
		errs = append(errs, fmt.Errorf("reaper.interval must not be negative"))
	}

	return errors.Join(errs...)
}

// EnsurePaths creates the directories the configuration points at.
func (c *Config) EnsurePaths() error {
	dirs := []string{c.Paths.Root}
	if c.Store.Driver == DriverSQLite && c.Store.Path != "" {
		dirs = append(dirs, filepath.Dir(c.Store.Path))
	}
	if c.PickleKey.Path != "" {
		dirs = append(dirs, filepath.Dir(c.PickleKey.Path))
	}

	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("creating directory %s: %w", dir, err)
		}
	}
	return nil
}

func contains(slice []string, s string) bool {
	for _, item := range slice {
		if item == s {
			return true
		}
	}
	return false
}
