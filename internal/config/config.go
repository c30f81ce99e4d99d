// Package config provides unified configuration for the sandbox server.
//
// Configuration is loaded with a layered approach:
//  1. Built-in defaults
//  2. YAML config file (discovered or explicitly specified)
//  3. Environment variable overrides (SANDBOX_ prefix)
//  4. Validation
//
// Config is supplied at startup and never mutated at runtime.
package config

import "time"

// Config holds all configuration for the sandbox server.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Sandbox  SandboxConfig  `yaml:"sandbox"`
	Sessions SessionsConfig `yaml:"sessions"`
	History  HistoryConfig  `yaml:"history"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port         int           `yaml:"port"`          // default: 8080
	ReadTimeout  time.Duration `yaml:"read_timeout"`  // default: 30s
	WriteTimeout time.Duration `yaml:"write_timeout"` // default: 10m (covers long executes)
}

// SandboxConfig holds engine container settings.
type SandboxConfig struct {
	Image         string  `yaml:"image"`           // default: python:3.12-slim
	MemoryLimitMB int64   `yaml:"memory_limit_mb"` // default: 512
	CPULimit      float64 `yaml:"cpu_limit"`       // default: 1.0
	PoolSize      int     `yaml:"pool_size"`       // default: 3
	Workdir       string  `yaml:"workdir"`         // default: /workspace
	WorkdirSize   string  `yaml:"workdir_size"`    // default: 256m
	DatasetDir    string  `yaml:"dataset_dir"`     // optional read-only mount at /data
}

// SessionsConfig holds session lifecycle settings.
type SessionsConfig struct {
	MaxSessions        int           `yaml:"max_sessions"`         // default: 16
	DefaultExecTimeout time.Duration `yaml:"default_exec_timeout"` // default: 30s
	MaxExecTimeout     time.Duration `yaml:"max_exec_timeout"`     // default: 5m
	IdleTimeout        time.Duration `yaml:"idle_timeout"`         // default: 30m
	SweepInterval      time.Duration `yaml:"sweep_interval"`       // default: 1m
	// ReapOnTimeout removes a timed-out session's container immediately.
	// When false the dead container is kept until destroy/sweep so partial
	// artifacts stay downloadable.
	ReapOnTimeout bool `yaml:"reap_on_timeout"` // default: true
}

// HistoryConfig holds execution audit store settings.
type HistoryConfig struct {
	Enabled bool   `yaml:"enabled"` // default: true
	Path    string `yaml:"path"`    // default: "data/history.db"
}

// MetricsConfig holds Prometheus metrics endpoint settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"` // default: true
	Path    string `yaml:"path"`    // default: "/metrics"
}

// Defaults returns a Config with all default values filled in.
func Defaults() Config {
	return Config{
		Server: ServerConfig{
			Port:         8080,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 10 * time.Minute,
		},
		Sandbox: SandboxConfig{
			Image:         "python:3.12-slim",
			MemoryLimitMB: 512,
			CPULimit:      1.0,
			PoolSize:      3,
			Workdir:       "/workspace",
			WorkdirSize:   "256m",
		},
		Sessions: SessionsConfig{
			MaxSessions:        16,
			DefaultExecTimeout: 30 * time.Second,
			MaxExecTimeout:     5 * time.Minute,
			IdleTimeout:        30 * time.Minute,
			SweepInterval:      1 * time.Minute,
			ReapOnTimeout:      true,
		},
		History: HistoryConfig{
			Enabled: true,
			Path:    "data/history.db",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
	}
}
