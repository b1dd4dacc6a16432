// Package oconf loads orchard configuration from orchard.yaml with
// environment overrides for deploy-time settings.
package oconf

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the orchestrator's runtime settings.
type Config struct {
	// AgentBin is the coding-assistant CLI binary. Overridden by
	// ORCHARD_AGENT_BIN.
	AgentBin string `yaml:"agent_bin"`

	// DBPath is the sqlite database file. Overridden by ORCHARD_DB.
	DBPath string `yaml:"db_path"`

	// Repo is the source repository sessions are provisioned from.
	Repo string `yaml:"repo"`

	// BaseBranch is the branch project worktrees are created from.
	BaseBranch string `yaml:"base_branch"`

	// TurnTimeout bounds one subprocess turn.
	TurnTimeout time.Duration `yaml:"turn_timeout"`

	// InactivityTimeout is the idle-session watchdog deadline.
	InactivityTimeout time.Duration `yaml:"inactivity_timeout"`

	// OTLPEndpoint enables trace export when set. Overridden by
	// OTEL_EXPORTER_OTLP_ENDPOINT, which the exporter also reads directly.
	OTLPEndpoint string `yaml:"otlp_endpoint"`

	// Verbose relays individual tokens to the process log.
	Verbose bool `yaml:"verbose"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		AgentBin:          "agent",
		DBPath:            "orchard.db",
		BaseBranch:        "main",
		TurnTimeout:       10 * time.Minute,
		InactivityTimeout: 30 * time.Minute,
	}
}

// UnmarshalYAML merges the document onto the existing values, parsing
// durations from strings like "30m" (yaml.v3 has no native time.Duration
// support). Fields absent from the document are left untouched.
func (c *Config) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		AgentBin          *string `yaml:"agent_bin"`
		DBPath            *string `yaml:"db_path"`
		Repo              *string `yaml:"repo"`
		BaseBranch        *string `yaml:"base_branch"`
		TurnTimeout       *string `yaml:"turn_timeout"`
		InactivityTimeout *string `yaml:"inactivity_timeout"`
		OTLPEndpoint      *string `yaml:"otlp_endpoint"`
		Verbose           *bool   `yaml:"verbose"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}

	setString := func(dst *string, src *string) {
		if src != nil {
			*dst = *src
		}
	}
	setString(&c.AgentBin, raw.AgentBin)
	setString(&c.DBPath, raw.DBPath)
	setString(&c.Repo, raw.Repo)
	setString(&c.BaseBranch, raw.BaseBranch)
	setString(&c.OTLPEndpoint, raw.OTLPEndpoint)
	if raw.Verbose != nil {
		c.Verbose = *raw.Verbose
	}

	if raw.TurnTimeout != nil {
		d, err := time.ParseDuration(*raw.TurnTimeout)
		if err != nil {
			return fmt.Errorf("turn_timeout: %w", err)
		}
		c.TurnTimeout = d
	}
	if raw.InactivityTimeout != nil {
		d, err := time.ParseDuration(*raw.InactivityTimeout)
		if err != nil {
			return fmt.Errorf("inactivity_timeout: %w", err)
		}
		c.InactivityTimeout = d
	}
	return nil
}

// Load reads the config file at path, falling back to defaults when the
// file does not exist. Environment overrides are applied last.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
	} else {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	cfg.applyEnv()
	if err := cfg.validate(); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("ORCHARD_AGENT_BIN"); v != "" {
		c.AgentBin = v
	}
	if v := os.Getenv("ORCHARD_DB"); v != "" {
		c.DBPath = v
	}
	if v := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); v != "" {
		c.OTLPEndpoint = v
	}
}

func (c *Config) validate() error {
	if c.AgentBin == "" {
		return fmt.Errorf("agent_bin must not be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("db_path must not be empty")
	}
	if c.TurnTimeout <= 0 {
		return fmt.Errorf("turn_timeout must be positive")
	}
	if c.InactivityTimeout <= 0 {
		return fmt.Errorf("inactivity_timeout must be positive")
	}
	return nil
}
