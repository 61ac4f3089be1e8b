package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/steveyegge/agentflow/internal/types"
)

const runColumns = `id, session_id, capability, required, status, failure_kind, error,
	finding_count, files_analyzed, duration_ms, started_at, completed_at`

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertRun(ctx context.Context, db execer, run *types.CapabilityRun, position int) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO capability_runs (`+runColumns+`, position)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		run.ID, run.SessionID, string(run.Capability), run.Required, string(run.Status),
		string(run.FailureKind), run.Error, run.FindingCount, run.FilesAnalyzed,
		run.Duration.Milliseconds(), nullTime(run.StartedAt), nullTime(run.CompletedAt),
		position,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: capability %s listed twice", types.ErrInvalidConfig, run.Capability)
		}
		return fmt.Errorf("failed to insert run for %s: %w", run.Capability, err)
	}
	return nil
}

// GetRuns returns the runs of a session in declared order
func (s *SQLiteStorage) GetRuns(ctx context.Context, sessionID string) ([]*types.CapabilityRun, error) {
	return queryRuns(ctx, s.db, sessionID)
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func queryRuns(ctx context.Context, db querier, sessionID string) ([]*types.CapabilityRun, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT `+runColumns+` FROM capability_runs
		WHERE session_id = ?
		ORDER BY position
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to get runs: %w", err)
	}
	defer rows.Close()

	var runs []*types.CapabilityRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// UpdateRun writes the new state of a run. The stored status must still be
// from, and from → run.Status must be a legal edge.
func (s *SQLiteStorage) UpdateRun(ctx context.Context, run *types.CapabilityRun, from types.RunStatus) error {
	if !from.CanTransitionTo(run.Status) {
		return fmt.Errorf("%w: run %s cannot move from %s to %s", types.ErrInvalidTransition, run.Capability, from, run.Status)
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE capability_runs
		SET status = ?, failure_kind = ?, error = ?, finding_count = ?, files_analyzed = ?,
		    duration_ms = ?, started_at = ?, completed_at = ?
		WHERE id = ? AND status = ?
	`,
		string(run.Status), string(run.FailureKind), run.Error, run.FindingCount, run.FilesAnalyzed,
		run.Duration.Milliseconds(), nullTime(run.StartedAt), nullTime(run.CompletedAt),
		run.ID, string(from),
	)
	if err != nil {
		return fmt.Errorf("failed to update run: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 1 {
		return nil
	}

	var current string
	err = s.db.QueryRowContext(ctx, `SELECT status FROM capability_runs WHERE id = ?`, run.ID).Scan(&current)
	if err == sql.ErrNoRows {
		return fmt.Errorf("run %s: %w", run.ID, types.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("failed to get run status: %w", err)
	}
	return fmt.Errorf("%w: run %s is %s, not %s", types.ErrInvalidTransition, run.Capability, current, from)
}

func scanRun(row scanner) (*types.CapabilityRun, error) {
	var (
		run        types.CapabilityRun
		capability string
		status     string
		kind       string
		durationMS int64
		started    sql.NullTime
		completed  sql.NullTime
	)
	err := row.Scan(
		&run.ID, &run.SessionID, &capability, &run.Required, &status, &kind, &run.Error,
		&run.FindingCount, &run.FilesAnalyzed, &durationMS, &started, &completed,
	)
	if err != nil {
		return nil, err
	}
	run.Capability = types.CapabilityType(capability)
	run.Status = types.RunStatus(status)
	run.FailureKind = types.FailureKind(kind)
	run.Duration = time.Duration(durationMS) * time.Millisecond
	run.StartedAt = timePtr(started)
	run.CompletedAt = timePtr(completed)
	return &run, nil
}
