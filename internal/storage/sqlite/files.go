package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/steveyegge/agentflow/internal/types"
)

// insertFiles stores the immutable file rows of a new session on conn and
// attaches them in submission order. A repeated file ID is an error.
func insertFiles(ctx context.Context, conn *sql.Conn, sessionID, projectID string, files []*types.File) error {
	for i, f := range files {
		if f.ID == "" {
			f.ID = uuid.NewString()
		}
		if f.ProjectID == "" {
			f.ProjectID = projectID
		}
		if f.ProjectID != projectID {
			return fmt.Errorf("%w: file %s belongs to project %s", types.ErrInvalidConfig, f.Path, f.ProjectID)
		}
		if f.CreatedAt.IsZero() {
			f.CreatedAt = time.Now()
		}
		if _, err := conn.ExecContext(ctx, `
			INSERT INTO files (id, project_id, path, content, content_hash, size, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, f.ID, f.ProjectID, f.Path, f.Content, f.ContentHash, f.Size, f.CreatedAt); err != nil {
			return fmt.Errorf("failed to save file %s: %w", f.Path, err)
		}
		if _, err := conn.ExecContext(ctx,
			`INSERT INTO session_files (session_id, file_id, position) VALUES (?, ?, ?)`,
			sessionID, f.ID, i,
		); err != nil {
			return fmt.Errorf("failed to attach file %s: %w", f.Path, err)
		}
	}
	return nil
}

// GetSessionFiles returns the file set a session was created with, in submission order
func (s *SQLiteStorage) GetSessionFiles(ctx context.Context, sessionID string) ([]*types.File, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT f.id, f.project_id, f.path, f.content, f.content_hash, f.size, f.created_at
		FROM session_files sf
		JOIN files f ON f.id = sf.file_id
		WHERE sf.session_id = ?
		ORDER BY sf.position
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to get session files: %w", err)
	}
	defer rows.Close()

	var files []*types.File
	for rows.Next() {
		var f types.File
		if err := rows.Scan(&f.ID, &f.ProjectID, &f.Path, &f.Content, &f.ContentHash, &f.Size, &f.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan file: %w", err)
		}
		files = append(files, &f)
	}
	return files, rows.Err()
}
