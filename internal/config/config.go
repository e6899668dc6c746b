// Copyright 2026 The LatZero Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the master configuration for the LatZero server.
type Config struct {
	// Host is the bind address for the TCP listener. Default: localhost.
	Host string `yaml:"host"`

	// Port is the TCP port for the listener. Default: 45227.
	Port int `yaml:"port"`

	// DataDir is the root of the persisted state layout: the durable
	// store file, backups/, memory/, and logs/. Default: ~/.latzero.
	DataDir string `yaml:"data_dir"`

	// LogLevel is the minimum slog level to emit: debug, info, warn, error.
	LogLevel string `yaml:"log_level"`

	// Cluster reserves the flag surface for future multi-node
	// replication, explicitly out of scope for the core. Always false
	// in this build.
	Cluster bool `yaml:"cluster"`

	// TLS reserves the flag surface for future transport encryption.
	// Validate rejects true; the transport serves plain TCP only.
	TLS bool `yaml:"tls"`

	// MemoryMode collapses the durable store to in-memory-only. Useful
	// for tests and ephemeral/throwaway servers.
	MemoryMode bool `yaml:"memory_mode"`

	// MaxInFlight is the in-flight trigger-record table's upper bound
	// before new triggers are rejected with TOO_MANY_REQUESTS.
	// Default: 10000.
	MaxInFlight int `yaml:"max_in_flight"`

	// DefaultTTL is the trigger TTL used when a trigger message omits
	// ttl. Default: 30s.
	DefaultTTL time.Duration `yaml:"default_ttl"`

	// MaxTTL is the ceiling every trigger's TTL is clamped to.
	// Default: 5m.
	MaxTTL time.Duration `yaml:"max_ttl"`

	// SweepInterval is how often the Trigger Router's stragglers sweep
	// runs in addition to each record's own timer. Default: 60s.
	SweepInterval time.Duration `yaml:"sweep_interval"`

	// RehydrationTTL is how long a disconnected application's
	// registration survives in the rehydration cache. Default: 24h.
	RehydrationTTL time.Duration `yaml:"rehydration_ttl"`

	// MemoryIdleMaxAge is how long a non-persistent memory block may sit
	// with zero attachments before the Memory Manager's GC sweep removes
	// it. Default: 30m.
	MemoryIdleMaxAge time.Duration `yaml:"memory_idle_max_age"`

	// MaxBackups bounds Persistence's backup retention; the oldest
	// backup is pruned once this count is exceeded. Default: 8.
	MaxBackups int `yaml:"max_backups"`

	// MaxConnections caps concurrent transport connections. Zero means
	// unbounded.
	MaxConnections int `yaml:"max_connections"`
}

// Default returns a Config with every field set to its documented
// default. Callers build on top of this before applying a config file,
// environment variables, or flags — it exists to guarantee every field
// has a sensible zero value, not as a silent fallback for a missing
// config file (there is no required config file in LatZero; an absent
// --config is normal).
func Default() *Config {
	homeDir, _ := os.UserHomeDir()
	return &Config{
		Host:             "localhost",
		Port:             45227,
		DataDir:          filepath.Join(homeDir, ".latzero"),
		LogLevel:         "info",
		MaxInFlight:      10000,
		DefaultTTL:       30 * time.Second,
		MaxTTL:           5 * time.Minute,
		SweepInterval:    60 * time.Second,
		RehydrationTTL:   24 * time.Hour,
		MemoryIdleMaxAge: 30 * time.Minute,
		MaxBackups:       8,
	}
}

// LoadFile merges the YAML file at path into cfg. Returns an error if
// the file cannot be read (a file that does not exist included) or
// parsed. An absent --config never reaches this layer: the caller
// calls LoadFile only when a path was given.
func (c *Config) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: reading %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("config: parsing %s: %w", path, err)
	}
	return nil
}

// ApplyEnvironment overrides cfg's fields from LATZERO_* environment
// variables. Only variables that are actually set override the
// existing value; an unset variable leaves the config-file or default
// value untouched.
func (c *Config) ApplyEnvironment() error {
	if v := os.Getenv("LATZERO_HOST"); v != "" {
		c.Host = v
	}
	if v := os.Getenv("LATZERO_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config: LATZERO_PORT %q is not an integer: %w", v, err)
		}
		c.Port = port
	}
	if v := os.Getenv("LATZERO_DATA_DIR"); v != "" {
		c.DataDir = v
	}
	if v := os.Getenv("LATZERO_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("LATZERO_ENABLE_TLS"); v != "" {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("config: LATZERO_ENABLE_TLS %q is not a boolean: %w", v, err)
		}
		c.TLS = enabled
	}
	if v := os.Getenv("LATZERO_CLUSTER_MODE"); v != "" {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("config: LATZERO_CLUSTER_MODE %q is not a boolean: %w", v, err)
		}
		c.Cluster = enabled
	}
	return nil
}

// Validate checks cfg for internally-consistent values. Called once at
// startup after all override layers are applied.
func (c *Config) Validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("config: port %d out of range", c.Port)
	}
	if c.DataDir == "" {
		return fmt.Errorf("config: data_dir must not be empty")
	}
	if c.MaxInFlight <= 0 {
		return fmt.Errorf("config: max_in_flight must be positive")
	}
	if c.DefaultTTL <= 0 {
		return fmt.Errorf("config: default_ttl must be positive")
	}
	if c.MaxTTL < c.DefaultTTL {
		return fmt.Errorf("config: max_ttl must be >= default_ttl")
	}
	if c.Cluster {
		return fmt.Errorf("config: cluster mode is reserved for future work and not implemented")
	}
	if c.TLS {
		return fmt.Errorf("config: transport TLS is reserved for future work and not implemented")
	}
	return nil
}

// Layout describes the persisted state directories derived from
// DataDir.
type Layout struct {
	Root       string
	StoreFile  string
	BackupsDir string
	MemoryDir  string
	LogsDir    string
}

// Layout computes the data-directory layout and ensures every directory
// exists, creating them with 0700 permissions if missing.
func (c *Config) Layout() (Layout, error) {
	layout := Layout{
		Root:       c.DataDir,
		StoreFile:  filepath.Join(c.DataDir, "latzero.db"),
		BackupsDir: filepath.Join(c.DataDir, "backups"),
		MemoryDir:  filepath.Join(c.DataDir, "memory"),
		LogsDir:    filepath.Join(c.DataDir, "logs"),
	}
	for _, dir := range []string{layout.Root, layout.BackupsDir, layout.MemoryDir, layout.LogsDir} {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return Layout{}, fmt.Errorf("config: creating %s: %w", dir, err)
		}
	}
	return layout, nil
}
