package session

import (
	"context"
	"time"

	"github.com/steveyegge/agentflow/internal/types"
)

// StateReader is the read side the reporter needs.
type StateReader interface {
	GetSessionState(ctx context.Context, sessionID string) (*types.SessionState, error)
}

// RunProgress is the state of one capability run inside a Snapshot.
type RunProgress struct {
	Capability   types.CapabilityType `json:"capability"`
	Required     bool                 `json:"required"`
	Status       types.RunStatus      `json:"status"`
	FailureKind  types.FailureKind    `json:"failure_kind,omitempty"`
	Error        string               `json:"error,omitempty"`
	FindingCount int                  `json:"finding_count"`
	Duration     time.Duration        `json:"duration"`
}

// Snapshot is a point-in-time progress report of a session.
type Snapshot struct {
	SessionID         string                       `json:"session_id"`
	ProjectID         string                       `json:"project_id"`
	Status            types.SessionStatus          `json:"status"`
	Reason            string                       `json:"reason,omitempty"`
	TotalCapabilities int                          `json:"total_capabilities"`
	Completed         int                          `json:"completed"`
	Failed            int                          `json:"failed"`
	Skipped           int                          `json:"skipped"`
	Running           int                          `json:"running"`
	Queued            int                          `json:"queued"`
	FindingCounts     map[types.CapabilityType]int `json:"finding_counts"`
	TotalFindings     int                          `json:"total_findings"`
	FilesTotal        int                          `json:"files_total"`
	FilesProcessed    int                          `json:"files_processed"`
	ErrorCount        int                          `json:"error_count"`
	Progress          float64                      `json:"progress"`
	Runs              []RunProgress                `json:"runs"`
	CreatedAt         time.Time                    `json:"created_at"`
	StartedAt         *time.Time                   `json:"started_at,omitempty"`
	CompletedAt       *time.Time                   `json:"completed_at,omitempty"`
}

// Remaining is the number of runs not yet terminal.
func (s *Snapshot) Remaining() int {
	return s.TotalCapabilities - s.Completed - s.Failed - s.Skipped
}

// Reporter computes progress snapshots. It only reads; polling it at any
// frequency has no side effects.
type Reporter struct {
	store StateReader
}

// NewReporter creates a reporter over store.
func NewReporter(store StateReader) *Reporter {
	return &Reporter{store: store}
}

// Snapshot reads the current state of a session. Every call reads fresh
// rows in one transaction; nothing is cached between calls.
func (r *Reporter) Snapshot(ctx context.Context, sessionID string) (*Snapshot, error) {
	state, err := r.store.GetSessionState(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return Summarize(state), nil
}

// Summarize builds a Snapshot from a consistent session read.
func Summarize(state *types.SessionState) *Snapshot {
	sess := state.Session
	snap := &Snapshot{
		SessionID:         sess.ID,
		ProjectID:         sess.ProjectID,
		Status:            sess.Status,
		Reason:            sess.Reason,
		TotalCapabilities: len(state.Runs),
		FindingCounts:     make(map[types.CapabilityType]int, len(state.Runs)),
		FilesTotal:        sess.FilesTotal,
		FilesProcessed:    sess.FilesProcessed,
		ErrorCount:        sess.ErrorCount,
		Runs:              make([]RunProgress, 0, len(state.Runs)),
		CreatedAt:         sess.CreatedAt,
		StartedAt:         sess.StartedAt,
		CompletedAt:       sess.CompletedAt,
	}

	for _, run := range state.Runs {
		switch run.Status {
		case types.RunSucceeded:
			snap.Completed++
		case types.RunFailed:
			snap.Failed++
		case types.RunSkipped:
			snap.Skipped++
		case types.RunRunning:
			snap.Running++
		default:
			snap.Queued++
		}
		count := state.FindingCounts[run.Capability]
		snap.FindingCounts[run.Capability] = count
		snap.TotalFindings += count
		snap.Runs = append(snap.Runs, RunProgress{
			Capability:   run.Capability,
			Required:     run.Required,
			Status:       run.Status,
			FailureKind:  run.FailureKind,
			Error:        run.Error,
			FindingCount: count,
			Duration:     run.Duration,
		})
	}

	if snap.TotalCapabilities > 0 {
		done := snap.Completed + snap.Failed + snap.Skipped
		snap.Progress = float64(done) / float64(snap.TotalCapabilities) * 100
	}
	return snap
}
