package storage

import (
	"context"
	"time"

	"github.com/steveyegge/agentflow/internal/events"
	"github.com/steveyegge/agentflow/internal/storage/sqlite"
	"github.com/steveyegge/agentflow/internal/types"
)

// Storage defines the interface for session storage backends
type Storage interface {
	// Projects
	CreateProject(ctx context.Context, project *types.Project) error
	GetProject(ctx context.Context, id string) (*types.Project, error)
	FindProjectByName(ctx context.Context, name string) (*types.Project, error)
	ListProjects(ctx context.Context) ([]*types.Project, error)
	UpdateProjectSummary(ctx context.Context, projectID, sessionID string, status types.SessionStatus, completedAt *time.Time) error

	// Files (immutable, stored with the session that submits them)
	GetSessionFiles(ctx context.Context, sessionID string) ([]*types.File, error)

	// Sessions
	CreateSession(ctx context.Context, session *types.Session, runs []*types.CapabilityRun, files []*types.File) error
	GetSession(ctx context.Context, id string) (*types.Session, error)
	ListSessions(ctx context.Context, filter types.SessionFilter) ([]*types.Session, error)
	GetActiveSession(ctx context.Context, projectID string) (*types.Session, error)
	ListActiveSessions(ctx context.Context) ([]*types.Session, error)
	TransitionSession(ctx context.Context, id string, from, to types.SessionStatus, reason string) error
	UpdateSessionCounters(ctx context.Context, id string, filesProcessed, errorCount int) error
	DeleteSession(ctx context.Context, id string) error

	// Capability runs
	GetRuns(ctx context.Context, sessionID string) ([]*types.CapabilityRun, error)
	UpdateRun(ctx context.Context, run *types.CapabilityRun, from types.RunStatus) error

	// Findings (append-only)
	RecordFinding(ctx context.Context, finding *types.Finding) (bool, error)
	ListFindings(ctx context.Context, filter types.FindingFilter) ([]*types.Finding, error)

	// Snapshot reads session, runs and finding counts in one transaction
	GetSessionState(ctx context.Context, sessionID string) (*types.SessionState, error)

	// Session events
	events.EventStore

	// Event retention
	CleanupEventsByAge(ctx context.Context, retentionDays, errorRetentionDays, batchSize int) (int, error)
	CleanupEventsBySessionLimit(ctx context.Context, perSessionLimit, batchSize int) (int, error)
	GetEventCounts(ctx context.Context) (*events.EventCounts, error)
	VacuumDatabase(ctx context.Context) error

	// Lifecycle
	Ping(ctx context.Context) error
	Close() error
}

// Config holds database configuration
type Config struct {
	// Path is the SQLite database file path
	// Default: ".agentflow/agentflow.db"
	// Special value ":memory:" creates an in-memory database (useful for tests)
	Path string
}

// DefaultPath is where the database lives when nothing else is configured
const DefaultPath = ".agentflow/agentflow.db"

// DefaultConfig returns a config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Path: DefaultPath,
	}
}

// NewStorage creates a new SQLite storage backend
func NewStorage(ctx context.Context, cfg *Config) (Storage, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	// Default to standard path if not specified
	if cfg.Path == "" {
		cfg.Path = DefaultPath
	}

	store, err := sqlite.New(ctx, cfg.Path)
	if err != nil {
		return nil, err
	}
	return store, nil
}

var _ Storage = (*sqlite.SQLiteStorage)(nil)
