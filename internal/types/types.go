package types

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// CapabilityType identifies one analysis capability (documentation, tests, ...).
// The set of valid types is owned by the capability registry, not by this package.
type CapabilityType string

// Built-in capability types
const (
	CapabilityDocumenter  CapabilityType = "documenter"
	CapabilityTester      CapabilityType = "tester"
	CapabilitySecurity    CapabilityType = "security"
	CapabilityPerformance CapabilityType = "performance"
)

func (c CapabilityType) String() string {
	return string(c)
}

// Project is an analysis target. The web layer creates it; the core only
// touches the derived status summary (LastSessionID, LastStatus, LastCompletedAt).
type Project struct {
	ID                  string           `json:"id"`
	Name                string           `json:"name"`
	DefaultCapabilities []CapabilitySpec `json:"default_capabilities,omitempty"`
	DefaultModel        string           `json:"default_model,omitempty"`
	DefaultTone         string           `json:"default_tone,omitempty"`
	LastSessionID       string           `json:"last_session_id,omitempty"`
	LastStatus          SessionStatus    `json:"last_status,omitempty"`
	LastCompletedAt     *time.Time       `json:"last_completed_at,omitempty"`
	CreatedAt           time.Time        `json:"created_at"`
	UpdatedAt           time.Time        `json:"updated_at"`
}

// Validate checks if the project has valid field values
func (p *Project) Validate() error {
	if strings.TrimSpace(p.Name) == "" {
		return fmt.Errorf("name is required")
	}
	if len(p.Name) > 200 {
		return fmt.Errorf("name must be 200 characters or less (got %d)", len(p.Name))
	}
	for i, spec := range p.DefaultCapabilities {
		if spec.Type == "" {
			return fmt.Errorf("default capability %d has no type", i)
		}
	}
	return nil
}

// File is one immutable source artifact. Re-uploading a path produces a new
// File with a new content hash; existing rows are never edited.
type File struct {
	ID          string    `json:"id"`
	ProjectID   string    `json:"project_id"`
	Path        string    `json:"path"`
	Content     string    `json:"-"`
	ContentHash string    `json:"content_hash"`
	Size        int64     `json:"size"`
	CreatedAt   time.Time `json:"created_at"`
}

// NewFile builds a File for the given project, computing hash and size.
func NewFile(projectID, path, content string) *File {
	sum := sha256.Sum256([]byte(content))
	return &File{
		ID:          uuid.NewString(),
		ProjectID:   projectID,
		Path:        path,
		Content:     content,
		ContentHash: hex.EncodeToString(sum[:]),
		Size:        int64(len(content)),
		CreatedAt:   time.Now(),
	}
}

// CapabilitySpec is the requested configuration of one capability for a session.
// Options is the loosely-typed blob as received; it is decoded into the
// capability's closed options struct exactly once, at session creation.
type CapabilitySpec struct {
	Type           CapabilityType `json:"type" yaml:"type"`
	Required       *bool          `json:"required,omitempty" yaml:"required,omitempty"`
	TimeoutSeconds int            `json:"timeout_seconds,omitempty" yaml:"timeout_seconds,omitempty"`
	Options        map[string]any `json:"options,omitempty" yaml:"options,omitempty"`
}

// IsRequired reports whether a failure of this capability fails the session.
// Capabilities are required unless explicitly marked best-effort.
func (s CapabilitySpec) IsRequired() bool {
	return s.Required == nil || *s.Required
}

// Timeout returns the per-invocation timeout, or fallback when unset.
func (s CapabilitySpec) Timeout(fallback time.Duration) time.Duration {
	if s.TimeoutSeconds > 0 {
		return time.Duration(s.TimeoutSeconds) * time.Second
	}
	return fallback
}

// Session is one analysis run over a fixed file set and capability configuration.
type Session struct {
	ID             string           `json:"id"`
	ProjectID      string           `json:"project_id"`
	Capabilities   []CapabilitySpec `json:"capabilities"`
	Status         SessionStatus    `json:"status"`
	FilesTotal     int              `json:"files_total"`
	FilesProcessed int              `json:"files_processed"`
	ErrorCount     int              `json:"error_count"`
	Reason         string           `json:"reason,omitempty"`
	CreatedAt      time.Time        `json:"created_at"`
	StartedAt      *time.Time       `json:"started_at,omitempty"`
	CompletedAt    *time.Time       `json:"completed_at,omitempty"`
}

// SessionStatus represents the lifecycle state of a session
type SessionStatus string

const (
	SessionPending   SessionStatus = "pending"
	SessionRunning   SessionStatus = "running"
	SessionCompleted SessionStatus = "completed"
	SessionFailed    SessionStatus = "failed"
)

// IsValid checks if the session status value is valid
func (s SessionStatus) IsValid() bool {
	switch s {
	case SessionPending, SessionRunning, SessionCompleted, SessionFailed:
		return true
	}
	return false
}

// IsTerminal reports whether no further transition is possible.
func (s SessionStatus) IsTerminal() bool {
	return s == SessionCompleted || s == SessionFailed
}

// CanTransitionTo reports whether moving from s to next is a legal edge.
//
//	pending → running | failed
//	running → completed | failed
func (s SessionStatus) CanTransitionTo(next SessionStatus) bool {
	switch s {
	case SessionPending:
		return next == SessionRunning || next == SessionFailed
	case SessionRunning:
		return next == SessionCompleted || next == SessionFailed
	}
	return false
}

// CapabilityRun is the execution record of one capability within one session.
// At most one run exists per (session, capability).
type CapabilityRun struct {
	ID            string         `json:"id"`
	SessionID     string         `json:"session_id"`
	Capability    CapabilityType `json:"capability"`
	Required      bool           `json:"required"`
	Status        RunStatus      `json:"status"`
	FailureKind   FailureKind    `json:"failure_kind,omitempty"`
	Error         string         `json:"error,omitempty"`
	FindingCount  int            `json:"finding_count"`
	FilesAnalyzed int            `json:"files_analyzed"`
	Duration      time.Duration  `json:"duration"`
	StartedAt     *time.Time     `json:"started_at,omitempty"`
	CompletedAt   *time.Time     `json:"completed_at,omitempty"`
}

// RunStatus represents the sub-state of a capability run
type RunStatus string

const (
	RunQueued    RunStatus = "queued"
	RunRunning   RunStatus = "running"
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
	RunSkipped   RunStatus = "skipped"
)

// IsValid checks if the run status value is valid
func (s RunStatus) IsValid() bool {
	switch s {
	case RunQueued, RunRunning, RunSucceeded, RunFailed, RunSkipped:
		return true
	}
	return false
}

// IsTerminal reports whether the run has finished (successfully or not).
func (s RunStatus) IsTerminal() bool {
	return s == RunSucceeded || s == RunFailed || s == RunSkipped
}

// CanTransitionTo reports whether moving from s to next is a legal edge.
// Skipped runs never started, so they never consume a scheduling slot.
//
//	queued  → running | skipped
//	running → succeeded | failed
func (s RunStatus) CanTransitionTo(next RunStatus) bool {
	switch s {
	case RunQueued:
		return next == RunRunning || next == RunSkipped
	case RunRunning:
		return next == RunSucceeded || next == RunFailed
	}
	return false
}

// FailureKind classifies why a capability run failed or was skipped
type FailureKind string

const (
	FailureNone       FailureKind = ""
	FailureTimeout    FailureKind = "timeout"
	FailureCapability FailureKind = "capability_error"
	FailurePanic      FailureKind = "panic"
	FailureSink       FailureKind = "sink"
	FailureCancelled  FailureKind = "cancelled"
	FailureDependency FailureKind = "dependency_failed"
)

// Finding is one immutable unit of output produced by a capability run.
type Finding struct {
	ID         string         `json:"id"`
	SessionID  string         `json:"session_id"`
	RunID      string         `json:"run_id"`
	Capability CapabilityType `json:"capability"`
	FileID     string         `json:"file_id,omitempty"`
	FilePath   string         `json:"file_path,omitempty"`
	Kind       string         `json:"kind"`
	Target     string         `json:"target"`
	Title      string         `json:"title"`
	Severity   Severity       `json:"severity,omitempty"`
	Payload    []byte         `json:"payload,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}

// NaturalKey identifies the logical content of a finding within its
// (session, capability). Re-delivered findings with the same key are duplicates.
// Kind and path are length-prefixed so no choice of separator characters in
// one part can make two different findings collide.
func (f *Finding) NaturalKey() string {
	return fmt.Sprintf("%d:%s%d:%s%s", len(f.Kind), f.Kind, len(f.FilePath), f.FilePath, f.Target)
}

// Validate checks if the finding has valid field values
func (f *Finding) Validate() error {
	if f.Kind == "" {
		return fmt.Errorf("kind is required")
	}
	if f.Target == "" {
		return fmt.Errorf("target is required")
	}
	if !f.Severity.IsValid() {
		return fmt.Errorf("invalid severity: %s", f.Severity)
	}
	return nil
}

// Severity of a finding, where applicable
type Severity string

const (
	SeverityNone     Severity = ""
	SeverityInfo     Severity = "info"
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// IsValid checks if the severity value is valid
func (s Severity) IsValid() bool {
	switch s {
	case SeverityNone, SeverityInfo, SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return true
	}
	return false
}

// Rank orders severities from none (0) to critical (5).
func (s Severity) Rank() int {
	switch s {
	case SeverityInfo:
		return 1
	case SeverityLow:
		return 2
	case SeverityMedium:
		return 3
	case SeverityHigh:
		return 4
	case SeverityCritical:
		return 5
	}
	return 0
}
