package sqlite

import (
	"context"
	"fmt"
	"time"

	"github.com/steveyegge/agentflow/internal/events"
)

// CleanupEventsByAge deletes events older than the retention period
// Info and warning events are deleted after retentionDays, error events after errorRetentionDays
// Deletions are batched (batchSize events per statement)
func (s *SQLiteStorage) CleanupEventsByAge(ctx context.Context, retentionDays, errorRetentionDays, batchSize int) (int, error) {
	if retentionDays < 0 || errorRetentionDays < 0 {
		return 0, fmt.Errorf("retention days cannot be negative")
	}
	if batchSize < 1 {
		return 0, fmt.Errorf("batch size must be at least 1")
	}

	totalDeleted := 0

	regularCutoff := time.Now().AddDate(0, 0, -retentionDays)
	deleted, err := s.deleteOldEventsBatch(ctx, regularCutoff, []string{"info", "warning"}, batchSize)
	if err != nil {
		return totalDeleted, fmt.Errorf("failed to delete old regular events: %w", err)
	}
	totalDeleted += deleted

	errorCutoff := time.Now().AddDate(0, 0, -errorRetentionDays)
	deleted, err = s.deleteOldEventsBatch(ctx, errorCutoff, []string{"error"}, batchSize)
	if err != nil {
		return totalDeleted, fmt.Errorf("failed to delete old error events: %w", err)
	}
	totalDeleted += deleted

	return totalDeleted, nil
}

// deleteOldEventsBatch deletes events older than cutoff with specified severities in batches
func (s *SQLiteStorage) deleteOldEventsBatch(ctx context.Context, cutoff time.Time, severities []string, batchSize int) (int, error) {
	totalDeleted := 0

	args := []interface{}{cutoff}
	for _, sev := range severities {
		args = append(args, sev)
	}
	args = append(args, batchSize)

	query := fmt.Sprintf(`
		DELETE FROM session_events
		WHERE id IN (
			SELECT id FROM session_events
			WHERE timestamp < ?
			AND severity IN (%s)
			ORDER BY timestamp ASC
			LIMIT ?
		)
	`, placeholders(len(severities)))

	for {
		// Check context cancellation
		select {
		case <-ctx.Done():
			return totalDeleted, ctx.Err()
		default:
		}

		result, err := s.db.ExecContext(ctx, query, args...)
		if err != nil {
			return totalDeleted, fmt.Errorf("failed to execute delete: %w", err)
		}

		rowsAffected, err := result.RowsAffected()
		if err != nil {
			return totalDeleted, fmt.Errorf("failed to get rows affected: %w", err)
		}

		totalDeleted += int(rowsAffected)

		// If we deleted fewer than batchSize, we're done
		if rowsAffected < int64(batchSize) {
			break
		}
	}

	return totalDeleted, nil
}

// CleanupEventsBySessionLimit enforces per-session event limits
// For each session with more than perSessionLimit events, the oldest info
// events are deleted. Warning and error events are exempt.
func (s *SQLiteStorage) CleanupEventsBySessionLimit(ctx context.Context, perSessionLimit, batchSize int) (int, error) {
	if perSessionLimit < 0 {
		return 0, fmt.Errorf("per-session limit cannot be negative")
	}
	if perSessionLimit == 0 {
		// 0 means unlimited
		return 0, nil
	}
	if batchSize < 1 {
		return 0, fmt.Errorf("batch size must be at least 1")
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, COUNT(*) as event_count
		FROM session_events
		GROUP BY session_id
		HAVING event_count > ?
	`, perSessionLimit)
	if err != nil {
		return 0, fmt.Errorf("failed to query session event counts: %w", err)
	}

	type sessionCount struct {
		sessionID string
		count     int
	}
	var over []sessionCount
	for rows.Next() {
		var sc sessionCount
		if err := rows.Scan(&sc.sessionID, &sc.count); err != nil {
			_ = rows.Close()
			return 0, fmt.Errorf("failed to scan session count: %w", err)
		}
		over = append(over, sc)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return 0, fmt.Errorf("error iterating session counts: %w", err)
	}
	// Release the connection before deleting
	_ = rows.Close()

	totalDeleted := 0
	for _, sc := range over {
		remaining := sc.count - perSessionLimit
		for remaining > 0 {
			select {
			case <-ctx.Done():
				return totalDeleted, ctx.Err()
			default:
			}

			limitThisBatch := batchSize
			if remaining < batchSize {
				limitThisBatch = remaining
			}

			result, err := s.db.ExecContext(ctx, `
				DELETE FROM session_events
				WHERE id IN (
					SELECT id FROM session_events
					WHERE session_id = ?
					AND severity = 'info'
					ORDER BY timestamp ASC
					LIMIT ?
				)
			`, sc.sessionID, limitThisBatch)
			if err != nil {
				return totalDeleted, fmt.Errorf("failed to delete events for session %s: %w", sc.sessionID, err)
			}
			rowsAffected, err := result.RowsAffected()
			if err != nil {
				return totalDeleted, fmt.Errorf("failed to get rows affected: %w", err)
			}

			totalDeleted += int(rowsAffected)
			remaining -= int(rowsAffected)

			// No more info events to delete for this session
			if rowsAffected < int64(limitThisBatch) {
				break
			}
		}
	}

	return totalDeleted, nil
}

// GetEventCounts returns event count statistics for monitoring
func (s *SQLiteStorage) GetEventCounts(ctx context.Context) (*events.EventCounts, error) {
	counts := &events.EventCounts{
		EventsBySeverity: make(map[string]int),
		EventsByType:     make(map[string]int),
	}

	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM session_events").Scan(&counts.TotalEvents)
	if err != nil {
		return nil, fmt.Errorf("failed to get total event count: %w", err)
	}

	if err := s.countEventsBy(ctx, "severity", counts.EventsBySeverity); err != nil {
		return nil, err
	}
	if err := s.countEventsBy(ctx, "type", counts.EventsByType); err != nil {
		return nil, err
	}
	return counts, nil
}

func (s *SQLiteStorage) countEventsBy(ctx context.Context, column string, into map[string]int) error {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT %s, COUNT(*)
		FROM session_events
		GROUP BY %s
	`, column, column))
	if err != nil {
		return fmt.Errorf("failed to query events by %s: %w", column, err)
	}
	defer rows.Close()

	for rows.Next() {
		var key string
		var count int
		if err := rows.Scan(&key, &count); err != nil {
			return fmt.Errorf("failed to scan %s count: %w", column, err)
		}
		into[key] = count
	}
	return rows.Err()
}

// VacuumDatabase runs the VACUUM command to reclaim disk space
func (s *SQLiteStorage) VacuumDatabase(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "VACUUM"); err != nil {
		return fmt.Errorf("failed to vacuum database: %w", err)
	}
	return nil
}
