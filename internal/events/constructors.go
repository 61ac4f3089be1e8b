package events

import (
	"time"

	"github.com/google/uuid"
)

// NewSessionEvent creates a session-level event (no specific data structure).
func NewSessionEvent(eventType EventType, sessionID string, severity EventSeverity, message string, data map[string]interface{}) *SessionEvent {
	if data == nil {
		data = make(map[string]interface{})
	}
	return &SessionEvent{
		ID:        uuid.New().String(),
		Type:      eventType,
		Timestamp: time.Now(),
		SessionID: sessionID,
		Severity:  severity,
		Message:   message,
		Data:      data,
	}
}

// NewStatusChangeEvent creates a session event for a status transition with type-safe data.
func NewStatusChangeEvent(eventType EventType, sessionID string, severity EventSeverity, message string, data StatusChangeData) (*SessionEvent, error) {
	event := NewSessionEvent(eventType, sessionID, severity, message, nil)
	if err := event.SetStatusChangeData(data); err != nil {
		return nil, err
	}
	return event, nil
}

// NewRunEvent creates an event for one capability run with type-safe data.
func NewRunEvent(eventType EventType, sessionID, capability string, severity EventSeverity, message string, data RunOutcomeData) (*SessionEvent, error) {
	event := NewSessionEvent(eventType, sessionID, severity, message, nil)
	event.Capability = capability
	if err := event.SetRunOutcomeData(data); err != nil {
		return nil, err
	}
	return event, nil
}
