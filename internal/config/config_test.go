package config

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/steveyegge/agentflow/internal/types"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	def := Default()
	if cfg.DatabasePath != DefaultDatabasePath {
		t.Errorf("DatabasePath = %q, want %q", cfg.DatabasePath, DefaultDatabasePath)
	}
	if cfg.Concurrency != def.Concurrency {
		t.Errorf("Concurrency = %d, want %d", cfg.Concurrency, def.Concurrency)
	}
	if cfg.DefaultTimeout.Std() != 60*time.Second {
		t.Errorf("DefaultTimeout = %s, want 60s", cfg.DefaultTimeout.Std())
	}
	if cfg.Sink.MaxRetries != 3 || cfg.Sink.InitialBackoff.Std() != 100*time.Millisecond || cfg.Sink.MaxBackoff.Std() != 2*time.Second {
		t.Errorf("Sink = %+v, want 3 retries 100ms..2s", cfg.Sink)
	}
	if cfg.Preset != PresetStandard {
		t.Errorf("Preset = %q, want standard", cfg.Preset)
	}
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	path := writeFile(t, "config.yaml", `
database: /tmp/af/agentflow.db
concurrency: 8
default_timeout: 90s
preset: thorough
log:
  level: debug
  format: json
sink:
  max_retries: 5
  initial_backoff: 50ms
  max_backoff: 1s
events:
  retention_days: 10
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.DatabasePath != "/tmp/af/agentflow.db" {
		t.Errorf("DatabasePath = %q", cfg.DatabasePath)
	}
	if cfg.StateDir() != "/tmp/af" {
		t.Errorf("StateDir = %q, want /tmp/af", cfg.StateDir())
	}
	if cfg.Concurrency != 8 {
		t.Errorf("Concurrency = %d, want 8", cfg.Concurrency)
	}
	if cfg.DefaultTimeout.Std() != 90*time.Second {
		t.Errorf("DefaultTimeout = %s, want 90s", cfg.DefaultTimeout.Std())
	}
	if cfg.Preset != PresetThorough {
		t.Errorf("Preset = %q, want thorough", cfg.Preset)
	}
	if cfg.Log.Level != "debug" || cfg.Log.Format != "json" {
		t.Errorf("Log = %+v", cfg.Log)
	}
	if cfg.Sink.MaxRetries != 5 || cfg.Sink.InitialBackoff.Std() != 50*time.Millisecond {
		t.Errorf("Sink = %+v", cfg.Sink)
	}
	if cfg.Events.RetentionDays != 10 {
		t.Errorf("Events.RetentionDays = %d, want 10", cfg.Events.RetentionDays)
	}
	// Untouched nested fields keep their defaults
	if cfg.Events.ErrorRetentionDays != 90 {
		t.Errorf("Events.ErrorRetentionDays = %d, want 90", cfg.Events.ErrorRetentionDays)
	}
}

func TestLoadEnvOverridesFile(t *testing.T) {
	path := writeFile(t, "config.yaml", "concurrency: 8\n")
	t.Setenv("AGENTFLOW_CONCURRENCY", "2")
	t.Setenv("AGENTFLOW_DB_PATH", "/data/af.db")
	t.Setenv("AGENTFLOW_DEFAULT_TIMEOUT", "5m")
	t.Setenv("AGENTFLOW_PRESET", "quick")
	t.Setenv("ANTHROPIC_API_KEY", "sk-test")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Concurrency != 2 {
		t.Errorf("Concurrency = %d, want 2", cfg.Concurrency)
	}
	if cfg.DatabasePath != "/data/af.db" {
		t.Errorf("DatabasePath = %q", cfg.DatabasePath)
	}
	if cfg.DefaultTimeout.Std() != 5*time.Minute {
		t.Errorf("DefaultTimeout = %s, want 5m", cfg.DefaultTimeout.Std())
	}
	if cfg.Preset != PresetQuick {
		t.Errorf("Preset = %q, want quick", cfg.Preset)
	}
	if !cfg.AI.Enabled() {
		t.Error("AI should be enabled when ANTHROPIC_API_KEY is set")
	}
}

func TestLoadErrors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		env     map[string]string
		wantErr string
	}{
		{name: "unknown key", content: "concurency: 3\n", wantErr: "concurency"},
		{name: "bad duration", content: "default_timeout: soon\n", wantErr: "invalid duration"},
		{name: "sub-second timeout", content: "default_timeout: 500ms\n", wantErr: "default_timeout must be at least 1s"},
		{name: "zero concurrency", content: "concurrency: 0\n", wantErr: "concurrency must be"},
		{name: "unknown preset", content: "preset: exhaustive\n", wantErr: "unknown preset"},
		{name: "bad log level", content: "log:\n  level: loud\n", wantErr: "invalid log level"},
		{name: "bad log format", content: "log:\n  format: xml\n", wantErr: "log format"},
		{name: "inverted backoff", content: "sink:\n  initial_backoff: 5s\n  max_backoff: 1s\n", wantErr: "backoff"},
		{name: "events out of range", content: "events:\n  retention_days: 0\n", wantErr: "events: retention_days"},
		{name: "bad env int", env: map[string]string{"AGENTFLOW_CONCURRENCY": "many"}, wantErr: "AGENTFLOW_CONCURRENCY"},
		{name: "bad env duration", env: map[string]string{"AGENTFLOW_DEFAULT_TIMEOUT": "1 hour"}, wantErr: "AGENTFLOW_DEFAULT_TIMEOUT"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			path := writeFile(t, "config.yaml", tt.content)
			_, err := Load(path)
			if err == nil {
				t.Fatalf("Load succeeded, want error containing %q", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %q, want it to contain %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoadEventRetentionFromEnv(t *testing.T) {
	tests := []struct {
		name    string
		envVars map[string]string
		wantErr bool
		check   func(t *testing.T, cfg EventRetentionConfig)
	}{
		{
			name:    "no environment variables uses defaults",
			envVars: map[string]string{},
			check: func(t *testing.T, cfg EventRetentionConfig) {
				if cfg != DefaultEventRetentionConfig() {
					t.Errorf("cfg = %s, want defaults", cfg)
				}
			},
		},
		{
			name: "valid custom configuration",
			envVars: map[string]string{
				"AGENTFLOW_EVENT_RETENTION_DAYS":       "60",
				"AGENTFLOW_EVENT_ERROR_RETENTION_DAYS": "180",
				"AGENTFLOW_EVENT_PER_SESSION_LIMIT":    "2000",
				"AGENTFLOW_EVENT_CLEANUP_BATCH_SIZE":   "500",
				"AGENTFLOW_EVENT_CLEANUP_ENABLED":      "false",
				"AGENTFLOW_EVENT_CLEANUP_VACUUM":       "true",
			},
			check: func(t *testing.T, cfg EventRetentionConfig) {
				want := EventRetentionConfig{
					RetentionDays:      60,
					ErrorRetentionDays: 180,
					PerSessionLimit:    2000,
					BatchSize:          500,
					Enabled:            false,
					Vacuum:             true,
				}
				if cfg != want {
					t.Errorf("cfg = %s, want %s", cfg, want)
				}
			},
		},
		{
			name:    "unlimited per-session events (zero value)",
			envVars: map[string]string{"AGENTFLOW_EVENT_PER_SESSION_LIMIT": "0"},
			check: func(t *testing.T, cfg EventRetentionConfig) {
				if cfg.PerSessionLimit != 0 {
					t.Errorf("PerSessionLimit = %v, want 0 (unlimited)", cfg.PerSessionLimit)
				}
			},
		},
		{name: "invalid int value", envVars: map[string]string{"AGENTFLOW_EVENT_RETENTION_DAYS": "not-a-number"}, wantErr: true},
		{name: "invalid bool value", envVars: map[string]string{"AGENTFLOW_EVENT_CLEANUP_ENABLED": "maybe"}, wantErr: true},
		{name: "retention days too low", envVars: map[string]string{"AGENTFLOW_EVENT_RETENTION_DAYS": "0"}, wantErr: true},
		{name: "retention days too high", envVars: map[string]string{"AGENTFLOW_EVENT_RETENTION_DAYS": "400"}, wantErr: true},
		{name: "error retention too high", envVars: map[string]string{"AGENTFLOW_EVENT_ERROR_RETENTION_DAYS": "800"}, wantErr: true},
		{
			name: "error retention less than regular retention",
			envVars: map[string]string{
				"AGENTFLOW_EVENT_RETENTION_DAYS":       "60",
				"AGENTFLOW_EVENT_ERROR_RETENTION_DAYS": "30",
			},
			wantErr: true,
		},
		{name: "per-session limit too low (not zero)", envVars: map[string]string{"AGENTFLOW_EVENT_PER_SESSION_LIMIT": "10"}, wantErr: true},
		{name: "per-session limit too high", envVars: map[string]string{"AGENTFLOW_EVENT_PER_SESSION_LIMIT": "20000"}, wantErr: true},
		{name: "batch size too low", envVars: map[string]string{"AGENTFLOW_EVENT_CLEANUP_BATCH_SIZE": "50"}, wantErr: true},
		{name: "batch size too high", envVars: map[string]string{"AGENTFLOW_EVENT_CLEANUP_BATCH_SIZE": "20000"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.envVars {
				t.Setenv(k, v)
			}
			cfg, err := Load("")
			if (err != nil) != tt.wantErr {
				t.Fatalf("Load() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.check != nil && err == nil {
				tt.check(t, cfg.Events)
			}
		})
	}
}

func TestLoadSessionRetentionFromEnv(t *testing.T) {
	tests := []struct {
		name    string
		envVars map[string]string
		want    SessionRetentionConfig
		wantErr bool
	}{
		{name: "defaults", want: DefaultSessionRetentionConfig()},
		{
			name:    "custom",
			envVars: map[string]string{"AGENTFLOW_SESSION_MAX_AGE_HOURS": "48", "AGENTFLOW_SESSION_KEEP": "0"},
			want:    SessionRetentionConfig{MaxAgeHours: 48, Keep: 0},
		},
		{name: "pruning disabled", envVars: map[string]string{"AGENTFLOW_SESSION_MAX_AGE_HOURS": "0"}, want: SessionRetentionConfig{MaxAgeHours: 0, Keep: 10}},
		{name: "negative age", envVars: map[string]string{"AGENTFLOW_SESSION_MAX_AGE_HOURS": "-1"}, wantErr: true},
		{name: "age too high", envVars: map[string]string{"AGENTFLOW_SESSION_MAX_AGE_HOURS": "9000"}, wantErr: true},
		{name: "keep too high", envVars: map[string]string{"AGENTFLOW_SESSION_KEEP": "5000"}, wantErr: true},
		{name: "keep not a number", envVars: map[string]string{"AGENTFLOW_SESSION_KEEP": "ten"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.envVars {
				t.Setenv(k, v)
			}
			cfg, err := Load("")
			if (err != nil) != tt.wantErr {
				t.Fatalf("Load() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err == nil && cfg.Sessions != tt.want {
				t.Errorf("cfg = %s, want %s", cfg.Sessions, tt.want)
			}
		})
	}

	if got := (SessionRetentionConfig{MaxAgeHours: 3}).MaxAge(); got != 3*time.Hour {
		t.Errorf("MaxAge = %s, want 3h", got)
	}
}

func capabilityTypes(specs []types.CapabilitySpec) []types.CapabilityType {
	out := make([]types.CapabilityType, 0, len(specs))
	for _, s := range specs {
		out = append(out, s.Type)
	}
	return out
}

func TestPresetCapabilities(t *testing.T) {
	tests := []struct {
		preset Preset
		want   []types.CapabilityType
	}{
		{PresetQuick, []types.CapabilityType{types.CapabilityDocumenter}},
		{PresetStandard, []types.CapabilityType{types.CapabilityDocumenter, types.CapabilityTester, types.CapabilitySecurity}},
		{PresetThorough, []types.CapabilityType{types.CapabilityDocumenter, types.CapabilityTester, types.CapabilitySecurity, types.CapabilityPerformance}},
	}
	for _, tt := range tests {
		t.Run(string(tt.preset), func(t *testing.T) {
			specs, err := tt.preset.Capabilities()
			if err != nil {
				t.Fatalf("Capabilities: %v", err)
			}
			got := capabilityTypes(specs)
			if len(got) != len(tt.want) {
				t.Fatalf("got %v, want %v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("got %v, want %v", got, tt.want)
				}
			}
		})
	}

	if _, err := Preset("custom").Capabilities(); err == nil {
		t.Error("unknown preset should fail")
	}
}

func TestLoadCapabilities(t *testing.T) {
	t.Run("missing file uses fallback preset", func(t *testing.T) {
		specs, err := LoadCapabilities(filepath.Join(t.TempDir(), "none.yaml"), PresetQuick)
		if err != nil {
			t.Fatalf("LoadCapabilities: %v", err)
		}
		if len(specs) != 1 || specs[0].Type != types.CapabilityDocumenter {
			t.Errorf("specs = %v", capabilityTypes(specs))
		}
	})

	t.Run("file preset", func(t *testing.T) {
		path := writeFile(t, "capabilities.yaml", "preset: thorough\n")
		specs, err := LoadCapabilities(path, PresetQuick)
		if err != nil {
			t.Fatalf("LoadCapabilities: %v", err)
		}
		if len(specs) != 4 {
			t.Errorf("specs = %v, want 4 entries", capabilityTypes(specs))
		}
	})

	t.Run("explicit list wins", func(t *testing.T) {
		path := writeFile(t, "capabilities.yaml", `
preset: thorough
capabilities:
  - type: security
    timeout_seconds: 30
  - type: documenter
    required: false
    options:
      tone: casual
`)
		specs, err := LoadCapabilities(path, PresetQuick)
		if err != nil {
			t.Fatalf("LoadCapabilities: %v", err)
		}
		if len(specs) != 2 {
			t.Fatalf("specs = %v, want 2 entries", capabilityTypes(specs))
		}
		if specs[0].Type != types.CapabilitySecurity || specs[0].TimeoutSeconds != 30 {
			t.Errorf("specs[0] = %+v", specs[0])
		}
		if specs[1].IsRequired() {
			t.Error("documenter should be best-effort")
		}
		if specs[1].Options["tone"] != "casual" {
			t.Errorf("options = %v", specs[1].Options)
		}
	})

	t.Run("entry without type", func(t *testing.T) {
		path := writeFile(t, "capabilities.yaml", "capabilities:\n  - required: true\n")
		if _, err := LoadCapabilities(path, PresetQuick); err == nil {
			t.Error("expected error for entry without type")
		}
	})

	t.Run("unknown key", func(t *testing.T) {
		path := writeFile(t, "capabilities.yaml", "presets: quick\n")
		if _, err := LoadCapabilities(path, PresetQuick); err == nil {
			t.Error("expected error for unknown key")
		}
	})
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewLoggerTo(&buf, "debug", "json")
	if err != nil {
		t.Fatalf("NewLoggerTo: %v", err)
	}
	if logger.GetLevel() != logrus.DebugLevel {
		t.Errorf("level = %s, want debug", logger.GetLevel())
	}
	logger.WithField("session", "s1").Info("hello")
	if !strings.Contains(buf.String(), `"session":"s1"`) {
		t.Errorf("output = %q, want JSON with session field", buf.String())
	}

	buf.Reset()
	logger, err = NewLoggerTo(&buf, "", "text")
	if err != nil {
		t.Fatalf("NewLoggerTo: %v", err)
	}
	if logger.GetLevel() != logrus.InfoLevel {
		t.Errorf("empty level should default to info, got %s", logger.GetLevel())
	}

	if _, err := NewLogger("verbose", "text"); err == nil {
		t.Error("invalid level should fail")
	}
	if _, err := NewLogger("info", "xml"); err == nil {
		t.Error("invalid format should fail")
	}
}
