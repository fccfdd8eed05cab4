// Package config loads runtime configuration from an optional YAML file
// with environment variable overrides on top. Environment always wins so
// containerized deployments can tune a baked-in config file.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/docker/go-units"
	"gopkg.in/yaml.v3"

	"github.com/wyf7685/kaiseki/common/environment"
)

// Config is the full runtime configuration.
type Config struct {
	// DatabasePath is the SQLite session registry location.
	DatabasePath string `yaml:"database_path"`
	// StateDir receives per-session checkpoint files.
	StateDir string `yaml:"state_dir"`
	// ArtifactDir receives binary artifacts (figures) produced by
	// executions.
	ArtifactDir string `yaml:"artifact_dir"`
	// DatasetDir is where dataset references are resolved from.
	DatasetDir string `yaml:"dataset_dir"`
	// HTTPAddr is the health/metrics listen address.
	HTTPAddr string `yaml:"http_addr"`

	Sandbox SandboxConfig `yaml:"sandbox"`
	Session SessionConfig `yaml:"session"`
}

// SandboxConfig bounds the per-session execution containers.
type SandboxConfig struct {
	// Image is the sandbox container image.
	Image string `yaml:"image"`
	// Memory is a human-readable ceiling such as "512m" or "1g".
	Memory string `yaml:"memory"`
	// CPUShares is the relative CPU weight.
	CPUShares int64 `yaml:"cpu_shares"`
	// ExecTimeout bounds one execution's wait for output.
	ExecTimeout time.Duration `yaml:"exec_timeout"`
	// PollInterval is how often the output marker is checked for.
	PollInterval time.Duration `yaml:"poll_interval"`
}

// SessionConfig tunes idle-session reclamation.
type SessionConfig struct {
	// IdleTTL is how long an unused session survives before the janitor
	// destroys it.
	IdleTTL time.Duration `yaml:"idle_ttl"`
	// SweepInterval is how often the janitor runs.
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		DatabasePath: "./kaiseki.db",
		StateDir:     "./state",
		ArtifactDir:  "./artifacts",
		DatasetDir:   "./datasets",
		HTTPAddr:     ":8080",
		Sandbox: SandboxConfig{
			Image:        "kaiseki/runner:latest",
			Memory:       "512m",
			CPUShares:    512,
			ExecTimeout:  60 * time.Second,
			PollInterval: 200 * time.Millisecond,
		},
		Session: SessionConfig{
			IdleTTL:       30 * time.Minute,
			SweepInterval: time.Minute,
		},
	}
}

// Load builds the effective configuration: defaults, then the YAML file at
// path (skipped when path is empty or the file does not exist), then
// environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		raw, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
			// Missing file falls through to defaults plus environment.
		case err != nil:
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		default:
			if err := yaml.Unmarshal(raw, cfg); err != nil {
				return nil, fmt.Errorf("config: parse %s: %w", path, err)
			}
		}
	}

	cfg.applyEnvironment()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnvironment() {
	c.DatabasePath = environment.StringOr("KAISEKI_DATABASE_PATH", c.DatabasePath)
	c.StateDir = environment.StringOr("KAISEKI_STATE_DIR", c.StateDir)
	c.ArtifactDir = environment.StringOr("KAISEKI_ARTIFACT_DIR", c.ArtifactDir)
	c.DatasetDir = environment.StringOr("KAISEKI_DATASET_DIR", c.DatasetDir)
	c.HTTPAddr = environment.StringOr("KAISEKI_HTTP_ADDR", c.HTTPAddr)

	c.Sandbox.Image = environment.StringOr("KAISEKI_SANDBOX_IMAGE", c.Sandbox.Image)
	c.Sandbox.Memory = environment.StringOr("KAISEKI_SANDBOX_MEMORY", c.Sandbox.Memory)
	c.Sandbox.CPUShares = int64(environment.IntOr("KAISEKI_SANDBOX_CPU_SHARES", int(c.Sandbox.CPUShares)))
	c.Sandbox.ExecTimeout = environment.DurationOr("KAISEKI_SANDBOX_EXEC_TIMEOUT", c.Sandbox.ExecTimeout)
	c.Sandbox.PollInterval = environment.DurationOr("KAISEKI_SANDBOX_POLL_INTERVAL", c.Sandbox.PollInterval)

	c.Session.IdleTTL = environment.DurationOr("KAISEKI_SESSION_IDLE_TTL", c.Session.IdleTTL)
	c.Session.SweepInterval = environment.DurationOr("KAISEKI_SESSION_SWEEP_INTERVAL", c.Session.SweepInterval)
}

// MemoryBytes parses the sandbox memory ceiling.
func (c *SandboxConfig) MemoryBytes() (int64, error) {
	if c.Memory == "" {
		return 0, nil
	}
	n, err := units.RAMInBytes(c.Memory)
	if err != nil {
		return 0, fmt.Errorf("config: invalid sandbox memory %q: %w", c.Memory, err)
	}
	return n, nil
}

// Validate rejects configurations the runtime cannot start with.
func (c *Config) Validate() error {
	if c.DatabasePath == "" {
		return fmt.Errorf("config: database_path is required")
	}
	if c.StateDir == "" {
		return fmt.Errorf("config: state_dir is required")
	}
	if c.Sandbox.Image == "" {
		return fmt.Errorf("config: sandbox.image is required")
	}
	if _, err := c.Sandbox.MemoryBytes(); err != nil {
		return err
	}
	if c.Sandbox.ExecTimeout <= 0 {
		return fmt.Errorf("config: sandbox.exec_timeout must be positive")
	}
	if c.Session.IdleTTL <= 0 {
		return fmt.Errorf("config: session.idle_ttl must be positive")
	}
	if c.Session.SweepInterval <= 0 {
		return fmt.Errorf("config: session.sweep_interval must be positive")
	}
	return nil
}
