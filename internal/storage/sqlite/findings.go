package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/steveyegge/agentflow/internal/types"
)

const findingColumns = `id, session_id, run_id, capability, file_id, file_path, kind, target,
	title, severity, payload, created_at`

// RecordFinding appends a finding to an active session. It returns false
// without error when a finding with the same natural key was already stored
// for the session and capability.
func (s *SQLiteStorage) RecordFinding(ctx context.Context, f *types.Finding) (bool, error) {
	if err := f.Validate(); err != nil {
		return false, fmt.Errorf("validation failed: %w", err)
	}
	if f.SessionID == "" || f.Capability == "" {
		return false, fmt.Errorf("validation failed: session and capability are required")
	}
	if f.ID == "" {
		f.ID = uuid.NewString()
	}
	if f.CreatedAt.IsZero() {
		f.CreatedAt = time.Now()
	}

	// The upsert guard and the session status check run in one statement so
	// a session turning terminal cannot race a late write.
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO findings (`+findingColumns+`, natural_key)
		SELECT ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?
		WHERE EXISTS (
			SELECT 1 FROM sessions WHERE id = ? AND status IN ('pending', 'running')
		)
		ON CONFLICT(session_id, capability, natural_key) DO NOTHING
	`,
		f.ID, f.SessionID, nullString(f.RunID), string(f.Capability), f.FileID, f.FilePath,
		f.Kind, f.Target, f.Title, string(f.Severity), f.Payload, f.CreatedAt, f.NaturalKey(),
		f.SessionID,
	)
	if err != nil {
		return false, fmt.Errorf("failed to record finding: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 1 {
		return true, nil
	}

	var status string
	err = s.db.QueryRowContext(ctx, `SELECT status FROM sessions WHERE id = ?`, f.SessionID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return false, fmt.Errorf("session %s: %w", f.SessionID, types.ErrNotFound)
	}
	if err != nil {
		return false, fmt.Errorf("failed to get session status: %w", err)
	}
	if types.SessionStatus(status).IsTerminal() {
		return false, fmt.Errorf("session %s is %s: %w", f.SessionID, status, types.ErrSessionTerminal)
	}
	return false, nil
}

// ListFindings returns findings of one session, ordered by capability then insertion
func (s *SQLiteStorage) ListFindings(ctx context.Context, filter types.FindingFilter) ([]*types.Finding, error) {
	if filter.SessionID == "" {
		return nil, fmt.Errorf("session id is required")
	}

	query := `SELECT ` + findingColumns + ` FROM findings WHERE session_id = ?`
	args := []interface{}{filter.SessionID}

	if filter.Capability != "" {
		query += " AND capability = ?"
		args = append(args, string(filter.Capability))
	}
	if filter.Kind != "" {
		query += " AND kind = ?"
		args = append(args, filter.Kind)
	}
	if filter.MinSeverity != types.SeverityNone {
		var allowed []interface{}
		for _, sev := range []types.Severity{
			types.SeverityInfo, types.SeverityLow, types.SeverityMedium,
			types.SeverityHigh, types.SeverityCritical,
		} {
			if sev.Rank() >= filter.MinSeverity.Rank() {
				allowed = append(allowed, string(sev))
			}
		}
		query += " AND severity IN (" + placeholders(len(allowed)) + ")"
		args = append(args, allowed...)
	}

	query += " ORDER BY capability, created_at, rowid"

	if filter.Limit > 0 {
		query += " LIMIT ? OFFSET ?"
		args = append(args, filter.Limit, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list findings: %w", err)
	}
	defer rows.Close()

	var findings []*types.Finding
	for rows.Next() {
		f, err := scanFinding(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan finding: %w", err)
		}
		findings = append(findings, f)
	}
	return findings, rows.Err()
}

func scanFinding(row scanner) (*types.Finding, error) {
	var (
		f          types.Finding
		runID      sql.NullString
		capability string
		severity   string
	)
	err := row.Scan(
		&f.ID, &f.SessionID, &runID, &capability, &f.FileID, &f.FilePath, &f.Kind, &f.Target,
		&f.Title, &severity, &f.Payload, &f.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	f.RunID = runID.String
	f.Capability = types.CapabilityType(capability)
	f.Severity = types.Severity(severity)
	return &f, nil
}
