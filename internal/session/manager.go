package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/steveyegge/agentflow/internal/capability"
	"github.com/steveyegge/agentflow/internal/dispatch"
	"github.com/steveyegge/agentflow/internal/events"
	"github.com/steveyegge/agentflow/internal/storage"
	"github.com/steveyegge/agentflow/internal/types"
)

const (
	// DefaultCapabilityTimeout bounds one capability invocation when neither
	// the session nor the process configuration sets a timeout.
	DefaultCapabilityTimeout = 60 * time.Second

	// DefaultPerFileEstimate is the per-file time used for start estimates.
	DefaultPerFileEstimate = 30 * time.Second

	// ReasonInterrupted marks sessions found active at startup with no supervisor.
	ReasonInterrupted = "interrupted"
)

// ErrShuttingDown is the cancellation cause used by Shutdown.
var ErrShuttingDown = errors.New("supervisor shutting down")

// Config configures a Manager.
type Config struct {
	// DefaultTimeout applies to capabilities whose spec sets no timeout.
	DefaultTimeout time.Duration
	// PerFileEstimate feeds the estimate returned by Start.
	PerFileEstimate time.Duration
	Logger          *logrus.Logger
}

// StartRequest asks for a new session. Files are stored with the session.
type StartRequest struct {
	ProjectID string
	Files     []*types.File
	// Capabilities in declared order. Empty means the project's defaults.
	Capabilities []types.CapabilitySpec
}

// StartResult is returned when a session was accepted.
type StartResult struct {
	Session           *types.Session
	Runs              []*types.CapabilityRun
	Order             []types.CapabilityType
	EstimatedDuration time.Duration
}

// Manager creates sessions and supervises them until they are terminal.
// Each accepted session gets one supervisor goroutine running the dispatcher;
// that goroutine is the only writer of the session's status and runs.
type Manager struct {
	store       storage.Storage
	registry    *capability.Registry
	dispatcher  *dispatch.Dispatcher
	descriptors map[types.CapabilityType]capability.Descriptor
	cfg         Config
	log         *logrus.Entry

	mu     sync.Mutex
	active map[string]*handle
	closed bool
	wg     sync.WaitGroup
}

type handle struct {
	cancel context.CancelCauseFunc
	done   chan struct{}
}

// NewManager creates a session manager.
func NewManager(store storage.Storage, registry *capability.Registry, dispatcher *dispatch.Dispatcher, cfg Config) *Manager {
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = DefaultCapabilityTimeout
	}
	if cfg.PerFileEstimate <= 0 {
		cfg.PerFileEstimate = DefaultPerFileEstimate
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	descriptors := make(map[types.CapabilityType]capability.Descriptor)
	for _, d := range registry.Descriptors() {
		descriptors[d.Type] = d
	}

	return &Manager{
		store:       store,
		registry:    registry,
		dispatcher:  dispatcher,
		descriptors: descriptors,
		cfg:         cfg,
		log:         logger.WithField("component", "session"),
		active:      make(map[string]*handle),
	}
}

// Registry returns the capability registry sessions are resolved against.
func (m *Manager) Registry() *capability.Registry {
	return m.registry
}

// Start validates the requested capabilities, creates the session with its
// queued runs and hands it to a supervisor goroutine. Configuration and
// conflict errors are returned synchronously and leave nothing behind.
func (m *Manager) Start(ctx context.Context, req StartRequest) (*StartResult, error) {
	project, err := m.store.GetProject(ctx, req.ProjectID)
	if err != nil {
		return nil, err
	}

	specs := req.Capabilities
	if len(specs) == 0 {
		specs = project.DefaultCapabilities
	}

	settings, err := m.registry.ResolveSettings(specs, m.cfg.DefaultTimeout)
	if err != nil {
		return nil, err
	}
	plan, err := m.dispatcher.Plan(settings)
	if err != nil {
		return nil, err
	}
	snapshot, err := capability.Snapshot(settings)
	if err != nil {
		return nil, fmt.Errorf("failed to snapshot capability settings: %w", err)
	}

	session := &types.Session{
		ProjectID:    project.ID,
		Capabilities: snapshot,
		Status:       types.SessionPending,
	}
	runs := make([]*types.CapabilityRun, 0, len(settings))
	for _, s := range settings {
		runs = append(runs, &types.CapabilityRun{
			Capability: s.Type,
			Required:   s.Required,
			Status:     types.RunQueued,
		})
	}

	// The handle is registered before the session row exists so a Cancel
	// racing with creation reaches the supervisor instead of the store.
	session.ID = uuid.NewString()
	runCtx, cancel := context.WithCancelCause(context.Background())
	h := &handle{cancel: cancel, done: make(chan struct{})}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		cancel(nil)
		return nil, ErrShuttingDown
	}
	m.active[session.ID] = h
	m.wg.Add(1)
	m.mu.Unlock()

	if err := m.store.CreateSession(ctx, session, runs, req.Files); err != nil {
		m.mu.Lock()
		delete(m.active, session.ID)
		m.mu.Unlock()
		cancel(nil)
		close(h.done)
		m.wg.Done()
		return nil, m.describeConflict(ctx, project.ID, err)
	}

	log := m.log.WithFields(logrus.Fields{"session": session.ID, "project": project.Name})
	m.emit(log, events.NewSessionEvent(events.EventTypeSessionCreated, session.ID, events.SeverityInfo,
		fmt.Sprintf("Session created with %d capabilities over %d files", len(runs), len(req.Files)),
		map[string]interface{}{"order": plan.Order()}))

	go func() {
		defer m.wg.Done()
		defer close(h.done)
		defer cancel(nil)
		m.supervise(runCtx, session, runs, settings, req.Files, log)
	}()

	log.WithFields(logrus.Fields{
		"capabilities": len(runs),
		"files":        len(req.Files),
	}).Info("Session started")

	return &StartResult{
		Session:           session,
		Runs:              runs,
		Order:             plan.Order(),
		EstimatedDuration: time.Duration(len(req.Files)) * m.cfg.PerFileEstimate,
	}, nil
}

// TrialResult is the outcome of a capability invoked outside any session.
type TrialResult struct {
	Outcome  dispatch.Outcome
	Findings []*types.Finding
}

// Trial runs one capability over files without creating a session or
// recording anything. The spec is validated exactly as Start validates it.
func (m *Manager) Trial(ctx context.Context, spec types.CapabilitySpec, files []*types.File) (*TrialResult, error) {
	settings, err := m.registry.ResolveSettings([]types.CapabilitySpec{spec}, m.cfg.DefaultTimeout)
	if err != nil {
		return nil, err
	}
	outcome, out, err := m.dispatcher.Trial(ctx, settings[0], files)
	if err != nil {
		return nil, err
	}
	res := &TrialResult{Outcome: outcome, Findings: []*types.Finding{}}
	if out != nil && outcome.Status == types.RunSucceeded {
		res.Findings = append(res.Findings, out.Findings...)
	}
	return res, nil
}

// describeConflict names the session blocking a project when creation was
// rejected because one is already active.
func (m *Manager) describeConflict(ctx context.Context, projectID string, err error) error {
	if !errors.Is(err, types.ErrSessionAlreadyActive) {
		return err
	}
	active, lookupErr := m.store.GetActiveSession(ctx, projectID)
	if lookupErr != nil {
		return err
	}
	return fmt.Errorf("session %s is %s: %w", active.ID, active.Status, err)
}

// supervise runs the dispatcher for one session and applies the final
// transition. Storage writes use a background context so a cancelled
// session still records its terminal state.
func (m *Manager) supervise(ctx context.Context, session *types.Session, runs []*types.CapabilityRun, settings []capability.Settings, files []*types.File, log *logrus.Entry) {
	defer func() {
		m.mu.Lock()
		delete(m.active, session.ID)
		m.mu.Unlock()
	}()

	obs := &observer{
		m:       m,
		session: session,
		runs:    runs,
		files:   files,
		log:     log,
	}
	runIDs := make(map[types.CapabilityType]string, len(runs))
	for _, run := range runs {
		runIDs[run.Capability] = run.ID
	}

	_, err := m.dispatcher.Dispatch(ctx, dispatch.Request{
		SessionID: session.ID,
		Files:     files,
		Settings:  settings,
		RunIDs:    runIDs,
	}, obs)

	status, reason := Reduce(runs)
	switch {
	case err != nil:
		status, reason = types.SessionFailed, err.Error()
	case ctx.Err() != nil:
		status, reason = types.SessionFailed, "cancelled: "+context.Cause(ctx).Error()
	}
	if status == types.SessionRunning {
		// Dispatch returned with runs left behind; never leave the session active
		status, reason = types.SessionFailed, "dispatch ended with unfinished runs"
	}

	m.finish(session, status, reason, log)
}

// finish moves a session to its terminal status, records the event and the
// project summary.
func (m *Manager) finish(session *types.Session, status types.SessionStatus, reason string, log *logrus.Entry) {
	bg := context.Background()

	if session.Status == types.SessionPending && status == types.SessionCompleted {
		if err := m.transition(bg, session, types.SessionRunning, ""); err != nil {
			log.WithError(err).Error("Failed to mark session running")
		}
	}
	from := session.Status
	if err := m.transition(bg, session, status, reason); err != nil {
		log.WithError(err).Error("Failed to finalize session")
		return
	}

	eventType, severity := events.EventTypeSessionCompleted, events.SeverityInfo
	if status == types.SessionFailed {
		eventType, severity = events.EventTypeSessionFailed, events.SeverityError
	}
	msg := fmt.Sprintf("Session %s", status)
	if reason != "" {
		msg += ": " + reason
	}
	ev, err := events.NewStatusChangeEvent(eventType, session.ID, severity, msg, events.StatusChangeData{
		From:   string(from),
		To:     string(status),
		Reason: reason,
	})
	m.emitErr(log, ev, err)

	if err := m.store.UpdateProjectSummary(bg, session.ProjectID, session.ID, status, session.CompletedAt); err != nil {
		log.WithError(err).Warn("Failed to update project summary")
	}

	entry := log.WithField("status", status)
	if reason != "" {
		entry = entry.WithField("reason", reason)
	}
	entry.Info("Session finished")
}

// transition applies a checked session transition and mirrors it in memory.
func (m *Manager) transition(ctx context.Context, session *types.Session, to types.SessionStatus, reason string) error {
	if err := m.store.TransitionSession(ctx, session.ID, session.Status, to, reason); err != nil {
		return err
	}
	now := time.Now()
	session.Status = to
	if reason != "" {
		session.Reason = reason
	}
	if to == types.SessionRunning {
		session.StartedAt = &now
	}
	if to.IsTerminal() {
		session.CompletedAt = &now
	}
	return nil
}

// Cancel aborts a session. Queued runs are skipped, in-flight runs are told
// to stop, and the session ends failed with reason recorded. Findings already
// recorded are kept. A session found active without a supervisor in this
// process is failed directly.
func (m *Manager) Cancel(ctx context.Context, sessionID, reason string) error {
	if reason == "" {
		reason = "cancelled by user"
	}

	m.mu.Lock()
	h, supervised := m.active[sessionID]
	m.mu.Unlock()

	session, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if session.Status.IsTerminal() {
		return fmt.Errorf("session %s is %s: %w", sessionID, session.Status, types.ErrSessionTerminal)
	}

	log := m.log.WithField("session", sessionID)
	m.emit(log, events.NewSessionEvent(events.EventTypeSessionCancelRequested, sessionID, events.SeverityWarning,
		"Cancel requested: "+reason, map[string]interface{}{"reason": reason}))

	if supervised {
		log.WithField("reason", reason).Info("Cancelling session")
		h.cancel(errors.New(reason))
		return nil
	}

	log.WithField("reason", reason).Warn("Cancelling unsupervised session")
	return m.abandon(ctx, session, "cancelled: "+reason, events.EventTypeSessionFailed)
}

// Wait blocks until the session is terminal or ctx is done and returns the
// stored session.
func (m *Manager) Wait(ctx context.Context, sessionID string) (*types.Session, error) {
	m.mu.Lock()
	h, ok := m.active[sessionID]
	m.mu.Unlock()

	if ok {
		select {
		case <-h.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return m.store.GetSession(ctx, sessionID)
}

// Delete removes a terminal session with its runs, findings and events.
func (m *Manager) Delete(ctx context.Context, sessionID string) error {
	if err := m.store.DeleteSession(ctx, sessionID); err != nil {
		return err
	}
	m.log.WithField("session", sessionID).Info("Session deleted")
	return nil
}

// Prune deletes terminal sessions of a project that finished more than maxAge
// ago, always keeping the keep most recent terminal sessions. A zero maxAge
// disables pruning.
func (m *Manager) Prune(ctx context.Context, projectID string, maxAge time.Duration, keep int) (int, error) {
	if maxAge <= 0 {
		return 0, nil
	}
	sessions, err := m.store.ListSessions(ctx, types.SessionFilter{ProjectID: projectID})
	if err != nil {
		return 0, fmt.Errorf("failed to list sessions: %w", err)
	}

	cutoff := time.Now().Add(-maxAge)
	kept, deleted := 0, 0
	for _, session := range sessions {
		if !session.Status.IsTerminal() {
			continue
		}
		if kept < keep {
			kept++
			continue
		}
		finished := session.CreatedAt
		if session.CompletedAt != nil {
			finished = *session.CompletedAt
		}
		if finished.After(cutoff) {
			continue
		}
		if err := m.store.DeleteSession(ctx, session.ID); err != nil {
			return deleted, fmt.Errorf("failed to delete session %s: %w", session.ID, err)
		}
		deleted++
	}
	if deleted > 0 {
		m.log.WithFields(logrus.Fields{"project": projectID, "deleted": deleted}).Info("Pruned old sessions")
	}
	return deleted, nil
}

// Active returns the IDs of sessions supervised by this manager.
func (m *Manager) Active() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.active))
	for id := range m.active {
		ids = append(ids, id)
	}
	return ids
}

// Shutdown cancels every supervised session and waits for the supervisors
// to record their terminal state. Start fails with ErrShuttingDown afterwards.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	for _, h := range m.active {
		h.cancel(ErrShuttingDown)
	}
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RecoverInterrupted fails every non-terminal session that has no supervisor
// in this process. Call it once at startup while holding the supervisor lock
// so a crash cannot wedge a project's active-session slot.
func (m *Manager) RecoverInterrupted(ctx context.Context) (int, error) {
	sessions, err := m.store.ListActiveSessions(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list active sessions: %w", err)
	}

	recovered := 0
	for _, session := range sessions {
		m.mu.Lock()
		_, supervised := m.active[session.ID]
		m.mu.Unlock()
		if supervised {
			continue
		}
		if err := m.abandon(ctx, session, ReasonInterrupted, events.EventTypeSessionInterrupted); err != nil {
			return recovered, fmt.Errorf("failed to recover session %s: %w", session.ID, err)
		}
		recovered++
	}
	if recovered > 0 {
		m.log.WithField("sessions", recovered).Warn("Recovered interrupted sessions")
	}
	return recovered, nil
}

// abandon terminates a session nobody supervises: queued runs become skipped,
// running runs become failed, and the session becomes failed.
func (m *Manager) abandon(ctx context.Context, session *types.Session, reason string, eventType events.EventType) error {
	runs, err := m.store.GetRuns(ctx, session.ID)
	if err != nil {
		return err
	}
	now := time.Now()
	for _, run := range runs {
		from := run.Status
		switch from {
		case types.RunQueued:
			run.Status = types.RunSkipped
		case types.RunRunning:
			run.Status = types.RunFailed
		default:
			continue
		}
		run.FailureKind = types.FailureCancelled
		run.Error = reason
		run.CompletedAt = &now
		if run.StartedAt != nil {
			run.Duration = now.Sub(*run.StartedAt)
		}
		if err := m.store.UpdateRun(ctx, run, from); err != nil {
			return err
		}
	}

	from := session.Status
	if err := m.transition(ctx, session, types.SessionFailed, reason); err != nil {
		return err
	}
	if err := m.store.UpdateSessionCounters(ctx, session.ID, session.FilesTotal, ErrorCount(runs)); err != nil {
		return err
	}

	log := m.log.WithField("session", session.ID)
	ev, err := events.NewStatusChangeEvent(eventType, session.ID, events.SeverityError,
		"Session failed: "+reason, events.StatusChangeData{From: string(from), To: string(types.SessionFailed), Reason: reason})
	m.emitErr(log, ev, err)

	if err := m.store.UpdateProjectSummary(ctx, session.ProjectID, session.ID, types.SessionFailed, session.CompletedAt); err != nil {
		log.WithError(err).Warn("Failed to update project summary")
	}
	return nil
}

func (m *Manager) emit(log *logrus.Entry, ev *events.SessionEvent) {
	m.emitErr(log, ev, nil)
}

func (m *Manager) emitErr(log *logrus.Entry, ev *events.SessionEvent, err error) {
	if err != nil {
		log.WithError(err).Warn("Failed to build session event")
		return
	}
	if err := m.store.StoreSessionEvent(context.Background(), ev); err != nil {
		log.WithError(err).WithField("event", ev.Type).Warn("Failed to store session event")
	}
}
