// Package events defines the durable session event log: one row per state
// change of a session or one of its capability runs.
package events

import (
	"context"
	"fmt"
	"time"
)

// EventType represents the type of event that occurred during a session.
type EventType string

const (
	// Session lifecycle
	// EventTypeSessionCreated indicates a session was accepted and its runs queued
	EventTypeSessionCreated EventType = "session_created"
	// EventTypeSessionStarted indicates the first capability run started
	EventTypeSessionStarted EventType = "session_started"
	// EventTypeSessionCompleted indicates every run reached a terminal state with no required failure
	EventTypeSessionCompleted EventType = "session_completed"
	// EventTypeSessionFailed indicates a required run failed or the session was aborted
	EventTypeSessionFailed EventType = "session_failed"
	// EventTypeSessionCancelRequested indicates an explicit cancel was received
	EventTypeSessionCancelRequested EventType = "session_cancel_requested"
	// EventTypeSessionInterrupted indicates a session was found active at startup with no supervisor
	EventTypeSessionInterrupted EventType = "session_interrupted"

	// Capability run lifecycle
	// EventTypeRunStarted indicates a capability invocation began
	EventTypeRunStarted EventType = "run_started"
	// EventTypeRunSucceeded indicates a capability returned and its findings were recorded
	EventTypeRunSucceeded EventType = "run_succeeded"
	// EventTypeRunFailed indicates a capability failed, timed out, panicked or could not be recorded
	EventTypeRunFailed EventType = "run_failed"
	// EventTypeRunSkipped indicates a capability never started
	EventTypeRunSkipped EventType = "run_skipped"
)

// IsValid checks if the event type is known
func (t EventType) IsValid() bool {
	switch t {
	case EventTypeSessionCreated, EventTypeSessionStarted, EventTypeSessionCompleted,
		EventTypeSessionFailed, EventTypeSessionCancelRequested, EventTypeSessionInterrupted,
		EventTypeRunStarted, EventTypeRunSucceeded, EventTypeRunFailed, EventTypeRunSkipped:
		return true
	}
	return false
}

// EventSeverity represents the severity level of an event.
type EventSeverity string

const (
	// SeverityInfo indicates informational events
	SeverityInfo EventSeverity = "info"
	// SeverityWarning indicates potentially problematic events
	SeverityWarning EventSeverity = "warning"
	// SeverityError indicates error events
	SeverityError EventSeverity = "error"
)

// SessionEvent is one entry of a session's history.
type SessionEvent struct {
	// ID is the unique identifier for this event
	ID string `json:"id"`
	// Type is the type of event
	Type EventType `json:"type"`
	// Timestamp is when the event occurred
	Timestamp time.Time `json:"timestamp"`
	// SessionID is the session the event belongs to
	SessionID string `json:"session_id"`
	// Capability is set for run events
	Capability string `json:"capability,omitempty"`
	// Severity is the severity level of this event
	Severity EventSeverity `json:"severity"`
	// Message is a human-readable description of the event
	Message string `json:"message"`
	// Data contains structured, type-specific data (must be JSON-serializable)
	Data map[string]interface{} `json:"data,omitempty"`
}

// Validate checks the event before it is stored
func (e *SessionEvent) Validate() error {
	if e.ID == "" {
		return fmt.Errorf("event id is required")
	}
	if e.SessionID == "" {
		return fmt.Errorf("session id is required")
	}
	if !e.Type.IsValid() {
		return fmt.Errorf("invalid event type: %s", e.Type)
	}
	switch e.Severity {
	case SeverityInfo, SeverityWarning, SeverityError:
	default:
		return fmt.Errorf("invalid event severity: %s", e.Severity)
	}
	return nil
}

// RunOutcomeData is the structured payload of run_* events.
type RunOutcomeData struct {
	// Status is the terminal run status
	Status string `json:"status"`
	// FailureKind classifies a failure or skip
	FailureKind string `json:"failure_kind,omitempty"`
	// Error is the human-readable reason
	Error string `json:"error,omitempty"`
	// FindingCount is the number of findings recorded
	FindingCount int `json:"finding_count"`
	// Duration is how long the invocation ran
	Duration time.Duration `json:"duration"`
}

// StatusChangeData is the structured payload of session_* events.
type StatusChangeData struct {
	// From is the previous session status
	From string `json:"from,omitempty"`
	// To is the new session status
	To string `json:"to"`
	// Reason explains failed sessions
	Reason string `json:"reason,omitempty"`
}

// EventStore defines the interface for persisting session events.
type EventStore interface {
	// StoreSessionEvent appends an event
	StoreSessionEvent(ctx context.Context, event *SessionEvent) error

	// GetSessionEvents retrieves events matching the filter, oldest first
	GetSessionEvents(ctx context.Context, filter EventFilter) ([]*SessionEvent, error)
}

// EventFilter defines criteria for filtering events.
type EventFilter struct {
	// SessionID filters events by session ID
	SessionID string
	// Type filters events by event type
	Type EventType
	// Capability filters run events by capability type
	Capability string
	// Limit limits the number of events returned
	Limit int
}

// EventCounts holds event count statistics for monitoring
type EventCounts struct {
	TotalEvents      int            `json:"total_events"`
	EventsBySeverity map[string]int `json:"events_by_severity"`
	EventsByType     map[string]int `json:"events_by_type"`
}
