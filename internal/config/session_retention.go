package config

import (
	"fmt"
	"time"
)

// SessionRetentionConfig holds configuration for pruning old terminal sessions
type SessionRetentionConfig struct {
	// MaxAgeHours is how old a terminal session must be before deletion (in hours)
	// Default: 720, Range: 0-8760 (0-365 days)
	// 0 = disable pruning
	MaxAgeHours int `yaml:"max_age_hours"`

	// Keep is the minimum number of terminal sessions kept per project
	// Default: 10, Range: 0-1000
	Keep int `yaml:"keep"`
}

// DefaultSessionRetentionConfig returns the default session retention configuration
func DefaultSessionRetentionConfig() SessionRetentionConfig {
	return SessionRetentionConfig{
		MaxAgeHours: 720,
		Keep:        10,
	}
}

// Validate checks if the configuration has valid values
func (c SessionRetentionConfig) Validate() error {
	if c.MaxAgeHours < 0 || c.MaxAgeHours > 8760 {
		return fmt.Errorf("max_age_hours must be between 0 and 8760 (got %d)", c.MaxAgeHours)
	}
	if c.Keep < 0 || c.Keep > 1000 {
		return fmt.Errorf("keep must be between 0 and 1000 (got %d)", c.Keep)
	}
	return nil
}

// String returns a human-readable representation of the config
func (c SessionRetentionConfig) String() string {
	return fmt.Sprintf("SessionRetentionConfig{MaxAgeHours: %d, Keep: %d}", c.MaxAgeHours, c.Keep)
}

// MaxAge returns the age threshold as a time.Duration
func (c SessionRetentionConfig) MaxAge() time.Duration {
	return time.Duration(c.MaxAgeHours) * time.Hour
}

// applyEnv overrides fields from environment variables:
//   - AGENTFLOW_SESSION_MAX_AGE_HOURS
//   - AGENTFLOW_SESSION_KEEP
func (c *SessionRetentionConfig) applyEnv() error {
	if err := parseEnvInt("AGENTFLOW_SESSION_MAX_AGE_HOURS", &c.MaxAgeHours); err != nil {
		return err
	}
	return parseEnvInt("AGENTFLOW_SESSION_KEEP", &c.Keep)
}
