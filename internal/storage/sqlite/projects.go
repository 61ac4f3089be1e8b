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

const projectColumns = `id, name, default_capabilities, default_model, default_tone,
	last_session_id, last_status, last_completed_at, created_at, updated_at`

// CreateProject creates a new project
func (s *SQLiteStorage) CreateProject(ctx context.Context, project *types.Project) error {
	if err := project.Validate(); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}
	if project.ID == "" {
		project.ID = uuid.NewString()
	}
	now := time.Now()
	project.CreatedAt = now
	project.UpdatedAt = now

	caps, err := json.Marshal(project.DefaultCapabilities)
	if err != nil {
		return fmt.Errorf("failed to marshal default capabilities: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO projects (`+projectColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		project.ID, project.Name, string(caps), project.DefaultModel, project.DefaultTone,
		project.LastSessionID, string(project.LastStatus), nullTime(project.LastCompletedAt),
		project.CreatedAt, project.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("project %q: %w", project.Name, types.ErrProjectExists)
		}
		return fmt.Errorf("failed to create project: %w", err)
	}
	return nil
}

// GetProject retrieves a project by ID
func (s *SQLiteStorage) GetProject(ctx context.Context, id string) (*types.Project, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+projectColumns+` FROM projects WHERE id = ?`, id)
	project, err := scanProject(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("project %s: %w", id, types.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get project: %w", err)
	}
	return project, nil
}

// FindProjectByName retrieves a project by its unique name
func (s *SQLiteStorage) FindProjectByName(ctx context.Context, name string) (*types.Project, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+projectColumns+` FROM projects WHERE name = ?`, name)
	project, err := scanProject(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("project %q: %w", name, types.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find project: %w", err)
	}
	return project, nil
}

// ListProjects returns all projects ordered by name
func (s *SQLiteStorage) ListProjects(ctx context.Context) ([]*types.Project, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+projectColumns+` FROM projects ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list projects: %w", err)
	}
	defer rows.Close()

	var projects []*types.Project
	for rows.Next() {
		project, err := scanProject(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan project: %w", err)
		}
		projects = append(projects, project)
	}
	return projects, rows.Err()
}

// UpdateProjectSummary records the outcome of the project's latest session
func (s *SQLiteStorage) UpdateProjectSummary(ctx context.Context, projectID, sessionID string, status types.SessionStatus, completedAt *time.Time) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE projects
		SET last_session_id = ?, last_status = ?, last_completed_at = ?, updated_at = ?
		WHERE id = ?
	`, sessionID, string(status), nullTime(completedAt), time.Now(), projectID)
	if err != nil {
		return fmt.Errorf("failed to update project summary: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("project %s: %w", projectID, types.ErrNotFound)
	}
	return nil
}

func scanProject(row scanner) (*types.Project, error) {
	var (
		p             types.Project
		caps          string
		lastStatus    string
		lastCompleted sql.NullTime
	)
	err := row.Scan(
		&p.ID, &p.Name, &caps, &p.DefaultModel, &p.DefaultTone,
		&p.LastSessionID, &lastStatus, &lastCompleted, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(caps), &p.DefaultCapabilities); err != nil {
		return nil, fmt.Errorf("failed to unmarshal default capabilities: %w", err)
	}
	p.LastStatus = types.SessionStatus(lastStatus)
	p.LastCompletedAt = timePtr(lastCompleted)
	return &p, nil
}
