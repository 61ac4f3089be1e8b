package sqlite

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/steveyegge/agentflow/internal/events"
)

// StoreSessionEvent stores a new session event in the database
func (s *SQLiteStorage) StoreSessionEvent(ctx context.Context, event *events.SessionEvent) error {
	if err := event.Validate(); err != nil {
		return fmt.Errorf("invalid event: %w", err)
	}

	// Marshal the Data field to JSON
	dataJSON, err := json.Marshal(event.Data)
	if err != nil {
		return fmt.Errorf("failed to marshal event data: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO session_events (
			id, session_id, type, timestamp, capability, severity, message, data
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`,
		event.ID,
		event.SessionID,
		string(event.Type),
		event.Timestamp,
		event.Capability,
		string(event.Severity),
		event.Message,
		string(dataJSON),
	)
	if err != nil {
		return fmt.Errorf("failed to store session event (type=%s, session=%s): %w", event.Type, event.SessionID, err)
	}

	return nil
}

// GetSessionEvents retrieves events matching the given filter, oldest first
func (s *SQLiteStorage) GetSessionEvents(ctx context.Context, filter events.EventFilter) ([]*events.SessionEvent, error) {
	query := `
		SELECT id, session_id, type, timestamp, capability, severity, message, data
		FROM session_events
		WHERE 1=1
	`
	args := []interface{}{}

	// Apply filters
	if filter.SessionID != "" {
		query += " AND session_id = ?"
		args = append(args, filter.SessionID)
	}
	if filter.Type != "" {
		query += " AND type = ?"
		args = append(args, string(filter.Type))
	}
	if filter.Capability != "" {
		query += " AND capability = ?"
		args = append(args, filter.Capability)
	}

	query += " ORDER BY timestamp ASC, rowid ASC"

	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query session events: %w", err)
	}
	defer rows.Close()

	var result []*events.SessionEvent
	for rows.Next() {
		var (
			event    events.SessionEvent
			typ      string
			severity string
			dataJSON string
		)
		if err := rows.Scan(
			&event.ID, &event.SessionID, &typ, &event.Timestamp, &event.Capability,
			&severity, &event.Message, &dataJSON,
		); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		event.Type = events.EventType(typ)
		event.Severity = events.EventSeverity(severity)

		if dataJSON != "" && dataJSON != "null" {
			if err := json.Unmarshal([]byte(dataJSON), &event.Data); err != nil {
				return nil, fmt.Errorf("failed to unmarshal event data: %w", err)
			}
		}
		result = append(result, &event)
	}

	return result, rows.Err()
}
