package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// EventRetentionConfig holds configuration for session event retention and cleanup
type EventRetentionConfig struct {
	// RetentionDays is the retention period for info and warning events (in days)
	// Default: 30, Range: 1-365
	RetentionDays int `yaml:"retention_days"`

	// ErrorRetentionDays is the retention period for error events (in days)
	// Must be >= RetentionDays
	// Default: 90, Range: 1-730
	ErrorRetentionDays int `yaml:"error_retention_days"`

	// PerSessionLimit is the maximum number of info events kept per session
	// Set to 0 for unlimited
	// Default: 500, Range: 0 or 50-10000
	PerSessionLimit int `yaml:"per_session_limit"`

	// BatchSize is the number of events to delete per statement
	// Default: 1000, Range: 100-10000
	BatchSize int `yaml:"batch_size"`

	// Enabled controls whether cleanup runs at supervisor startup
	// Default: true
	Enabled bool `yaml:"enabled"`

	// Vacuum controls whether to run VACUUM after cleanup
	// Default: false
	Vacuum bool `yaml:"vacuum"`
}

// DefaultEventRetentionConfig returns the default event retention configuration
func DefaultEventRetentionConfig() EventRetentionConfig {
	return EventRetentionConfig{
		RetentionDays:      30,
		ErrorRetentionDays: 90,
		PerSessionLimit:    500,
		BatchSize:          1000,
		Enabled:            true,
		Vacuum:             false,
	}
}

// Validate checks if the configuration has valid values
func (c EventRetentionConfig) Validate() error {
	if c.RetentionDays < 1 || c.RetentionDays > 365 {
		return fmt.Errorf("retention_days must be between 1 and 365 (got %d)", c.RetentionDays)
	}

	if c.ErrorRetentionDays < 1 || c.ErrorRetentionDays > 730 {
		return fmt.Errorf("error_retention_days must be between 1 and 730 (got %d)", c.ErrorRetentionDays)
	}
	if c.ErrorRetentionDays < c.RetentionDays {
		return fmt.Errorf("error_retention_days (%d) must be >= retention_days (%d)",
			c.ErrorRetentionDays, c.RetentionDays)
	}

	// 0 = unlimited
	if c.PerSessionLimit < 0 {
		return fmt.Errorf("per_session_limit cannot be negative (got %d)", c.PerSessionLimit)
	}
	if c.PerSessionLimit > 0 && c.PerSessionLimit < 50 {
		return fmt.Errorf("per_session_limit must be 0 (unlimited) or >= 50 (got %d)", c.PerSessionLimit)
	}
	if c.PerSessionLimit > 10000 {
		return fmt.Errorf("per_session_limit too large (got %d, max 10000)", c.PerSessionLimit)
	}

	if c.BatchSize < 100 {
		return fmt.Errorf("batch_size must be at least 100 (got %d)", c.BatchSize)
	}
	if c.BatchSize > 10000 {
		return fmt.Errorf("batch_size too large (got %d, max 10000)", c.BatchSize)
	}

	return nil
}

// String returns a human-readable representation of the config
func (c EventRetentionConfig) String() string {
	return fmt.Sprintf(
		"EventRetentionConfig{RetentionDays: %d, ErrorRetentionDays: %d, "+
			"PerSessionLimit: %d, BatchSize: %d, Enabled: %t, Vacuum: %t}",
		c.RetentionDays, c.ErrorRetentionDays, c.PerSessionLimit,
		c.BatchSize, c.Enabled, c.Vacuum,
	)
}

// applyEnv overrides fields from environment variables:
//   - AGENTFLOW_EVENT_RETENTION_DAYS
//   - AGENTFLOW_EVENT_ERROR_RETENTION_DAYS
//   - AGENTFLOW_EVENT_PER_SESSION_LIMIT (0 for unlimited)
//   - AGENTFLOW_EVENT_CLEANUP_BATCH_SIZE
//   - AGENTFLOW_EVENT_CLEANUP_ENABLED
//   - AGENTFLOW_EVENT_CLEANUP_VACUUM
func (c *EventRetentionConfig) applyEnv() error {
	if err := parseEnvInt("AGENTFLOW_EVENT_RETENTION_DAYS", &c.RetentionDays); err != nil {
		return err
	}
	if err := parseEnvInt("AGENTFLOW_EVENT_ERROR_RETENTION_DAYS", &c.ErrorRetentionDays); err != nil {
		return err
	}
	if err := parseEnvInt("AGENTFLOW_EVENT_PER_SESSION_LIMIT", &c.PerSessionLimit); err != nil {
		return err
	}
	if err := parseEnvInt("AGENTFLOW_EVENT_CLEANUP_BATCH_SIZE", &c.BatchSize); err != nil {
		return err
	}
	if err := parseEnvBool("AGENTFLOW_EVENT_CLEANUP_ENABLED", &c.Enabled); err != nil {
		return err
	}
	return parseEnvBool("AGENTFLOW_EVENT_CLEANUP_VACUUM", &c.Vacuum)
}

// parseEnvInt parses an int from an environment variable
func parseEnvInt(key string, dest *int) error {
	value := os.Getenv(key)
	if value == "" {
		return nil // Use default
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fmt.Errorf("invalid value for %s: %w", key, err)
	}
	*dest = parsed
	return nil
}

// parseEnvBool parses a bool from an environment variable
func parseEnvBool(key string, dest *bool) error {
	value := os.Getenv(key)
	if value == "" {
		return nil // Use default
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return fmt.Errorf("invalid value for %s: %w", key, err)
	}
	*dest = parsed
	return nil
}

// parseEnvString parses a string from an environment variable
func parseEnvString(key string, dest *string) error {
	value := os.Getenv(key)
	if value == "" {
		return nil // Use default
	}
	*dest = value
	return nil
}

// parseEnvDuration parses a duration ("90s", "2m") from an environment variable
func parseEnvDuration(key string, dest *Duration) error {
	value := os.Getenv(key)
	if value == "" {
		return nil // Use default
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("invalid value for %s: %w", key, err)
	}
	*dest = Duration(parsed)
	return nil
}
