// Package config loads process configuration for the agentflow supervisor
// and CLI: a YAML file under .agentflow/ with AGENTFLOW_* environment
// overrides, capability presets, and logger construction.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// DefaultPath is where Load looks when no path is given
	DefaultPath = ".agentflow/config.yaml"

	// DefaultDatabasePath is the SQLite database used when none is configured
	DefaultDatabasePath = ".agentflow/agentflow.db"
)

// Duration is a time.Duration that reads and writes as "90s", "2m" in YAML.
type Duration time.Duration

// Std returns the value as a time.Duration
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// UnmarshalYAML implements yaml.Unmarshaler
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(strings.TrimSpace(s))
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Config is the process configuration
type Config struct {
	DatabasePath    string   `yaml:"database"`
	Listen          string   `yaml:"listen"`
	Concurrency     int      `yaml:"concurrency"`
	DefaultTimeout  Duration `yaml:"default_timeout"`
	PerFileEstimate Duration `yaml:"per_file_estimate"`

	// Preset selects the default capability set for new projects and for
	// analyze runs without an explicit capability list.
	Preset Preset `yaml:"preset"`

	Log      LogConfig              `yaml:"log"`
	Sink     SinkConfig             `yaml:"sink"`
	AI       AIConfig               `yaml:"ai"`
	Events   EventRetentionConfig   `yaml:"events"`
	Sessions SessionRetentionConfig `yaml:"sessions"`
}

// LogConfig selects log level and output format
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // text or json
}

// SinkConfig controls retries when recording findings
type SinkConfig struct {
	MaxRetries     int      `yaml:"max_retries"`
	InitialBackoff Duration `yaml:"initial_backoff"`
	MaxBackoff     Duration `yaml:"max_backoff"`
}

// AIConfig configures the optional model client used by capabilities
type AIConfig struct {
	Model             string  `yaml:"model"`
	APIKey            string  `yaml:"-"`
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	MaxConcurrent     int     `yaml:"max_concurrent"`
}

// Enabled reports whether an API key is available
func (c AIConfig) Enabled() bool {
	return c.APIKey != ""
}

// Default returns the built-in configuration
func Default() *Config {
	return &Config{
		DatabasePath:    DefaultDatabasePath,
		Listen:          "127.0.0.1:8420",
		Concurrency:     4,
		DefaultTimeout:  Duration(60 * time.Second),
		PerFileEstimate: Duration(30 * time.Second),
		Preset:          PresetStandard,
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Sink: SinkConfig{
			MaxRetries:     3,
			InitialBackoff: Duration(100 * time.Millisecond),
			MaxBackoff:     Duration(2 * time.Second),
		},
		AI: AIConfig{
			RequestsPerSecond: 2,
			MaxConcurrent:     3,
		},
		Events:   DefaultEventRetentionConfig(),
		Sessions: DefaultSessionRetentionConfig(),
	}
}

// Load reads the configuration file at path over the defaults and applies
// environment overrides. A missing file is not an error. Unknown keys are.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
			// Defaults only
		case err != nil:
			return nil, fmt.Errorf("reading config file: %w", err)
		default:
			dec := yaml.NewDecoder(bytes.NewReader(data))
			dec.KnownFields(true)
			if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
				return nil, fmt.Errorf("parsing config file %s: %w", path, err)
			}
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// applyEnv overrides fields from AGENTFLOW_* environment variables
func (c *Config) applyEnv() error {
	if err := parseEnvString("AGENTFLOW_DB_PATH", &c.DatabasePath); err != nil {
		return err
	}
	if err := parseEnvString("AGENTFLOW_LISTEN", &c.Listen); err != nil {
		return err
	}
	if err := parseEnvInt("AGENTFLOW_CONCURRENCY", &c.Concurrency); err != nil {
		return err
	}
	if err := parseEnvDuration("AGENTFLOW_DEFAULT_TIMEOUT", &c.DefaultTimeout); err != nil {
		return err
	}
	preset := string(c.Preset)
	if err := parseEnvString("AGENTFLOW_PRESET", &preset); err != nil {
		return err
	}
	c.Preset = Preset(preset)
	if err := parseEnvString("AGENTFLOW_LOG_LEVEL", &c.Log.Level); err != nil {
		return err
	}
	if err := parseEnvString("AGENTFLOW_LOG_FORMAT", &c.Log.Format); err != nil {
		return err
	}
	if err := parseEnvInt("AGENTFLOW_SINK_MAX_RETRIES", &c.Sink.MaxRetries); err != nil {
		return err
	}
	if err := parseEnvString("AGENTFLOW_MODEL", &c.AI.Model); err != nil {
		return err
	}
	if err := parseEnvString("ANTHROPIC_API_KEY", &c.AI.APIKey); err != nil {
		return err
	}
	if err := c.Events.applyEnv(); err != nil {
		return err
	}
	return c.Sessions.applyEnv()
}

// Validate checks if the configuration has valid values
func (c *Config) Validate() error {
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database path is required")
	}
	if c.Concurrency < 1 || c.Concurrency > 64 {
		return fmt.Errorf("concurrency must be between 1 and 64 (got %d)", c.Concurrency)
	}
	if c.DefaultTimeout.Std() < time.Second {
		return fmt.Errorf("default_timeout must be at least 1s (got %s)", c.DefaultTimeout.Std())
	}
	if c.PerFileEstimate.Std() < 0 {
		return fmt.Errorf("per_file_estimate cannot be negative (got %s)", c.PerFileEstimate.Std())
	}
	if !c.Preset.IsValid() {
		return fmt.Errorf("unknown preset %q (want quick, standard or thorough)", c.Preset)
	}
	if _, err := parseLevel(c.Log.Level); err != nil {
		return err
	}
	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		return fmt.Errorf("log format must be text or json (got %q)", c.Log.Format)
	}
	if c.Sink.MaxRetries < 0 || c.Sink.MaxRetries > 20 {
		return fmt.Errorf("sink max_retries must be between 0 and 20 (got %d)", c.Sink.MaxRetries)
	}
	if c.Sink.InitialBackoff.Std() <= 0 || c.Sink.MaxBackoff.Std() < c.Sink.InitialBackoff.Std() {
		return fmt.Errorf("sink backoff must satisfy 0 < initial_backoff <= max_backoff")
	}
	if c.AI.RequestsPerSecond < 0 {
		return fmt.Errorf("ai requests_per_second cannot be negative")
	}
	if err := c.Events.Validate(); err != nil {
		return fmt.Errorf("events: %w", err)
	}
	if err := c.Sessions.Validate(); err != nil {
		return fmt.Errorf("sessions: %w", err)
	}
	return nil
}

// StateDir returns the directory holding the database and config files
func (c *Config) StateDir() string {
	return filepath.Dir(c.DatabasePath)
}
