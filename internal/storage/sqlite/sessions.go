package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/steveyegge/agentflow/internal/types"
)

const sessionColumns = `id, project_id, capabilities, status, files_total, files_processed,
	error_count, reason, created_at, started_at, completed_at`

// CreateSession inserts a pending session together with its queued runs and
// its file set, all in one transaction. The partial unique index on active
// sessions rejects a second non-terminal session for the same project; nothing
// is written in that case, files included.
func (s *SQLiteStorage) CreateSession(ctx context.Context, session *types.Session, runs []*types.CapabilityRun, files []*types.File) error {
	if session.Status == "" {
		session.Status = types.SessionPending
	}
	if session.Status != types.SessionPending {
		return fmt.Errorf("%w: new session must be pending, got %s", types.ErrInvalidTransition, session.Status)
	}
	if len(runs) == 0 {
		return types.ErrNoCapabilities
	}
	if session.ID == "" {
		session.ID = uuid.NewString()
	}
	if session.CreatedAt.IsZero() {
		session.CreatedAt = time.Now()
	}
	session.FilesTotal = len(files)

	caps, err := json.Marshal(session.Capabilities)
	if err != nil {
		return fmt.Errorf("failed to marshal capabilities: %w", err)
	}

	return s.immediate(ctx, func(conn *sql.Conn) error {
		var exists int
		err := conn.QueryRowContext(ctx, `SELECT 1 FROM projects WHERE id = ?`, session.ProjectID).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("project %s: %w", session.ProjectID, types.ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("failed to check project: %w", err)
		}

		_, err = conn.ExecContext(ctx, `
			INSERT INTO sessions (`+sessionColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`,
			session.ID, session.ProjectID, string(caps), string(session.Status),
			session.FilesTotal, session.FilesProcessed, session.ErrorCount, session.Reason,
			session.CreatedAt, nullTime(session.StartedAt), nullTime(session.CompletedAt),
		)
		if err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("project %s: %w", session.ProjectID, types.ErrSessionAlreadyActive)
			}
			return fmt.Errorf("failed to insert session: %w", err)
		}

		for i, run := range runs {
			if run.ID == "" {
				run.ID = uuid.NewString()
			}
			run.SessionID = session.ID
			if run.Status == "" {
				run.Status = types.RunQueued
			}
			if err := insertRun(ctx, conn, run, i); err != nil {
				return err
			}
		}

		return insertFiles(ctx, conn, session.ID, session.ProjectID, files)
	})
}

// GetSession retrieves a session by ID
func (s *SQLiteStorage) GetSession(ctx context.Context, id string) (*types.Session, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)
	session, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("session %s: %w", id, types.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return session, nil
}

// ListSessions returns sessions matching the filter, newest first
func (s *SQLiteStorage) ListSessions(ctx context.Context, filter types.SessionFilter) ([]*types.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE 1=1`
	args := []interface{}{}

	if filter.ProjectID != "" {
		query += " AND project_id = ?"
		args = append(args, filter.ProjectID)
	}
	if filter.Status != "" {
		query += " AND status = ?"
		args = append(args, string(filter.Status))
	}

	query += " ORDER BY created_at DESC"

	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	return s.querySessions(ctx, query, args...)
}

// GetActiveSession returns the non-terminal session of a project
func (s *SQLiteStorage) GetActiveSession(ctx context.Context, projectID string) (*types.Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+sessionColumns+` FROM sessions
		WHERE project_id = ? AND status IN ('pending', 'running')
	`, projectID)
	session, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("active session for project %s: %w", projectID, types.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get active session: %w", err)
	}
	return session, nil
}

// ListActiveSessions returns every non-terminal session, oldest first
func (s *SQLiteStorage) ListActiveSessions(ctx context.Context) ([]*types.Session, error) {
	return s.querySessions(ctx, `
		SELECT `+sessionColumns+` FROM sessions
		WHERE status IN ('pending', 'running')
		ORDER BY created_at ASC
	`)
}

// TransitionSession moves a session from one status to another. The update
// only applies while the stored status still equals from.
func (s *SQLiteStorage) TransitionSession(ctx context.Context, id string, from, to types.SessionStatus, reason string) error {
	if !from.CanTransitionTo(to) {
		return fmt.Errorf("%w: session %s cannot move from %s to %s", types.ErrInvalidTransition, id, from, to)
	}

	now := time.Now()
	query := `UPDATE sessions SET status = ?`
	args := []interface{}{string(to)}
	if reason != "" {
		query += ", reason = ?"
		args = append(args, reason)
	}
	if to == types.SessionRunning {
		query += ", started_at = ?"
		args = append(args, now)
	}
	if to.IsTerminal() {
		query += ", completed_at = ?"
		args = append(args, now)
	}
	query += " WHERE id = ? AND status = ?"
	args = append(args, id, string(from))

	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to transition session: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 1 {
		return nil
	}

	current, err := s.GetSession(ctx, id)
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: session %s is %s, not %s", types.ErrInvalidTransition, id, current.Status, from)
}

// UpdateSessionCounters stores the derived progress counters of a session
func (s *SQLiteStorage) UpdateSessionCounters(ctx context.Context, id string, filesProcessed, errorCount int) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET files_processed = ?, error_count = ? WHERE id = ?
	`, filesProcessed, errorCount, id)
	if err != nil {
		return fmt.Errorf("failed to update session counters: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("session %s: %w", id, types.ErrNotFound)
	}
	return nil
}

// DeleteSession removes a terminal session. Runs, findings, events and the
// file set attachment go with it.
func (s *SQLiteStorage) DeleteSession(ctx context.Context, id string) error {
	return s.immediate(ctx, func(conn *sql.Conn) error {
		var status string
		err := conn.QueryRowContext(ctx, `SELECT status FROM sessions WHERE id = ?`, id).Scan(&status)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("session %s: %w", id, types.ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("failed to get session status: %w", err)
		}
		if !types.SessionStatus(status).IsTerminal() {
			return fmt.Errorf("%w: session %s is %s and cannot be deleted", types.ErrInvalidTransition, id, status)
		}

		if _, err := conn.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id); err != nil {
			return fmt.Errorf("failed to delete session: %w", err)
		}
		return nil
	})
}

func (s *SQLiteStorage) querySessions(ctx context.Context, query string, args ...interface{}) ([]*types.Session, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*types.Session
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		sessions = append(sessions, session)
	}
	return sessions, rows.Err()
}

func scanSession(row scanner) (*types.Session, error) {
	var (
		sess      types.Session
		caps      string
		status    string
		started   sql.NullTime
		completed sql.NullTime
	)
	err := row.Scan(
		&sess.ID, &sess.ProjectID, &caps, &status, &sess.FilesTotal, &sess.FilesProcessed,
		&sess.ErrorCount, &sess.Reason, &sess.CreatedAt, &started, &completed,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(caps), &sess.Capabilities); err != nil {
		return nil, fmt.Errorf("failed to unmarshal capabilities: %w", err)
	}
	sess.Status = types.SessionStatus(status)
	sess.StartedAt = timePtr(started)
	sess.CompletedAt = timePtr(completed)
	return &sess, nil
}
