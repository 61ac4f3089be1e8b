package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/steveyegge/agentflow/internal/types"
)

// GetSessionState reads a session, its runs and its finding counts inside
// one read transaction so the three parts agree with each other.
func (s *SQLiteStorage) GetSessionState(ctx context.Context, sessionID string) (*types.SessionState, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, sessionID)
	session, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("session %s: %w", sessionID, types.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}

	runs, err := queryRuns(ctx, tx, sessionID)
	if err != nil {
		return nil, err
	}

	rows, err := tx.QueryContext(ctx, `
		SELECT capability, COUNT(*) FROM findings
		WHERE session_id = ?
		GROUP BY capability
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to count findings: %w", err)
	}
	defer rows.Close()

	counts := make(map[types.CapabilityType]int, len(runs))
	for rows.Next() {
		var (
			capability string
			n          int
		)
		if err := rows.Scan(&capability, &n); err != nil {
			return nil, fmt.Errorf("failed to scan finding count: %w", err)
		}
		counts[types.CapabilityType(capability)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return &types.SessionState{
		Session:       session,
		Runs:          runs,
		FindingCounts: counts,
	}, nil
}
