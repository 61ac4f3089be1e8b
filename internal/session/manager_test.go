package session

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/steveyegge/agentflow/internal/capability"
	"github.com/steveyegge/agentflow/internal/dispatch"
	"github.com/steveyegge/agentflow/internal/events"
	"github.com/steveyegge/agentflow/internal/sink"
	"github.com/steveyegge/agentflow/internal/storage/sqlite"
	"github.com/steveyegge/agentflow/internal/types"
)

type env struct {
	store    *sqlite.SQLiteStorage
	manager  *Manager
	reporter *Reporter
	project  *types.Project
}

type envOption func(*Config, *dispatch.Config)

func withTimeout(d time.Duration) envOption {
	return func(c *Config, _ *dispatch.Config) { c.DefaultTimeout = d }
}

func withConcurrency(n int) envOption {
	return func(_ *Config, d *dispatch.Config) { d.Concurrency = n }
}

func newEnv(t *testing.T, caps []capability.Capability, opts ...envOption) *env {
	t.Helper()
	ctx := context.Background()

	store, err := sqlite.New(ctx, filepath.Join(t.TempDir(), "session.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	logger, _ := test.NewNullLogger()
	registry, err := capability.NewRegistry(caps...)
	require.NoError(t, err)

	cfg := Config{DefaultTimeout: 5 * time.Second, Logger: logger}
	dcfg := dispatch.Config{Concurrency: 4, Logger: logger}
	for _, opt := range opts {
		opt(&cfg, &dcfg)
	}

	rec := sink.New(store, sink.Config{MaxRetries: 1, InitialBackoff: time.Millisecond, Logger: logger})
	manager := NewManager(store, registry, dispatch.NewDispatcher(registry, rec, dcfg), cfg)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = manager.Shutdown(ctx)
	})

	project := &types.Project{Name: "shop"}
	require.NoError(t, store.CreateProject(ctx, project))

	return &env{
		store:    store,
		manager:  manager,
		reporter: NewReporter(store),
		project:  project,
	}
}

// files returns a fresh upload of the project's two files.
func (e *env) files() []*types.File {
	return []*types.File{
		types.NewFile(e.project.ID, "cart.go", "package shop"),
		types.NewFile(e.project.ID, "README.md", "# shop"),
	}
}

func (e *env) start(t *testing.T, specs ...types.CapabilitySpec) *StartResult {
	t.Helper()
	res, err := e.manager.Start(context.Background(), StartRequest{
		ProjectID:    e.project.ID,
		Files:        e.files(),
		Capabilities: specs,
	})
	require.NoError(t, err)
	return res
}

func (e *env) wait(t *testing.T, sessionID string) *types.Session {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	sess, err := e.manager.Wait(ctx, sessionID)
	require.NoError(t, err)
	return sess
}

func specs(typs ...types.CapabilityType) []types.CapabilitySpec {
	out := make([]types.CapabilitySpec, 0, len(typs))
	for _, typ := range typs {
		out = append(out, types.CapabilitySpec{Type: typ})
	}
	return out
}

func findingsFn(n int) capability.RunFunc {
	return func(ctx context.Context, in capability.Input) (*capability.Output, error) {
		out := &capability.Output{FilesAnalyzed: len(in.Files)}
		for i := 0; i < n; i++ {
			out.Findings = append(out.Findings, &types.Finding{
				Kind:   "note",
				Target: fmt.Sprintf("item-%d", i),
				Title:  "note",
			})
		}
		return out, nil
	}
}

// blockingFn signals started and then waits for its context to end.
func blockingFn(started chan<- struct{}) capability.RunFunc {
	var once sync.Once
	return func(ctx context.Context, in capability.Input) (*capability.Output, error) {
		once.Do(func() { close(started) })
		<-ctx.Done()
		return nil, ctx.Err()
	}
}

func failingFn(msg string) capability.RunFunc {
	return func(ctx context.Context, in capability.Input) (*capability.Output, error) {
		return nil, errors.New(msg)
	}
}

func fn(typ types.CapabilityType, run capability.RunFunc, deps ...types.CapabilityType) capability.Capability {
	return capability.NewFunc(capability.Descriptor{Type: typ, Dependencies: deps}, run)
}

func eventTypes(t *testing.T, e *env, sessionID string) []events.EventType {
	t.Helper()
	evs, err := e.store.GetSessionEvents(context.Background(), events.EventFilter{SessionID: sessionID})
	require.NoError(t, err)
	out := make([]events.EventType, 0, len(evs))
	for _, ev := range evs {
		out = append(out, ev.Type)
	}
	return out
}

func TestSession_DependentChainCompletes(t *testing.T) {
	var sawPrior int
	tester := func(ctx context.Context, in capability.Input) (*capability.Output, error) {
		if doc, ok := in.Prior[types.CapabilityDocumenter]; ok {
			sawPrior = len(doc.Findings)
		}
		return findingsFn(5)(ctx, in)
	}
	e := newEnv(t, []capability.Capability{
		fn(types.CapabilityDocumenter, findingsFn(3)),
		fn(types.CapabilityTester, tester, types.CapabilityDocumenter),
	})

	res := e.start(t, specs(types.CapabilityTester, types.CapabilityDocumenter)...)
	assert.Equal(t, []types.CapabilityType{types.CapabilityDocumenter, types.CapabilityTester}, res.Order)
	assert.Equal(t, 60*time.Second, res.EstimatedDuration)
	assert.Equal(t, types.SessionPending, res.Session.Status)

	sess := e.wait(t, res.Session.ID)
	assert.Equal(t, types.SessionCompleted, sess.Status)
	assert.Empty(t, sess.Reason)
	assert.NotNil(t, sess.StartedAt)
	assert.NotNil(t, sess.CompletedAt)
	assert.Equal(t, 2, sess.FilesTotal)
	assert.Equal(t, 2, sess.FilesProcessed)
	assert.Zero(t, sess.ErrorCount)
	assert.Equal(t, 3, sawPrior)

	snap, err := e.reporter.Snapshot(context.Background(), res.Session.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, snap.TotalCapabilities)
	assert.Equal(t, 2, snap.Completed)
	assert.Zero(t, snap.Failed)
	assert.Zero(t, snap.Skipped)
	assert.Equal(t, 8, snap.TotalFindings)
	assert.Equal(t, 3, snap.FindingCounts[types.CapabilityDocumenter])
	assert.Equal(t, 5, snap.FindingCounts[types.CapabilityTester])
	assert.Equal(t, 100.0, snap.Progress)
	assert.Zero(t, snap.Remaining())

	// Declared order is kept in the snapshot
	require.Len(t, snap.Runs, 2)
	assert.Equal(t, types.CapabilityTester, snap.Runs[0].Capability)

	runs, err := e.store.GetRuns(context.Background(), res.Session.ID)
	require.NoError(t, err)
	for _, run := range runs {
		assert.Equal(t, types.RunSucceeded, run.Status)
		assert.NotNil(t, run.StartedAt)
		assert.NotNil(t, run.CompletedAt)
	}

	findings, err := e.store.ListFindings(context.Background(), types.FindingFilter{SessionID: res.Session.ID, Capability: types.CapabilityTester})
	require.NoError(t, err)
	require.Len(t, findings, 5)
	assert.Equal(t, runs[0].ID, findings[0].RunID)

	evs := eventTypes(t, e, res.Session.ID)
	assert.Equal(t, events.EventTypeSessionCreated, evs[0])
	assert.Contains(t, evs, events.EventTypeSessionStarted)
	assert.Contains(t, evs, events.EventTypeRunSucceeded)
	assert.Equal(t, events.EventTypeSessionCompleted, evs[len(evs)-1])

	project, err := e.store.GetProject(context.Background(), e.project.ID)
	require.NoError(t, err)
	assert.Equal(t, res.Session.ID, project.LastSessionID)
	assert.Equal(t, types.SessionCompleted, project.LastStatus)
	assert.NotNil(t, project.LastCompletedAt)
}

func TestSession_TimeoutFailsOnlyThatCapability(t *testing.T) {
	started := make(chan struct{})
	e := newEnv(t, []capability.Capability{
		fn(types.CapabilityDocumenter, blockingFn(started)),
		fn(types.CapabilitySecurity, findingsFn(2)),
	}, withTimeout(50*time.Millisecond))

	res := e.start(t, specs(types.CapabilityDocumenter, types.CapabilitySecurity)...)
	sess := e.wait(t, res.Session.ID)

	assert.Equal(t, types.SessionFailed, sess.Status)
	assert.Contains(t, sess.Reason, "required capability documenter failed")
	assert.Contains(t, sess.Reason, "timed out")
	assert.Equal(t, 1, sess.ErrorCount)

	snap, err := e.reporter.Snapshot(context.Background(), res.Session.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, snap.Failed)
	assert.Equal(t, 1, snap.Completed)
	assert.Equal(t, 2, snap.FindingCounts[types.CapabilitySecurity])
	assert.Equal(t, types.FailureTimeout, snap.Runs[0].FailureKind)
}

func TestSession_StartRejectsSecondActiveSession(t *testing.T) {
	started := make(chan struct{})
	e := newEnv(t, []capability.Capability{
		fn(types.CapabilityDocumenter, blockingFn(started)),
	})

	first := e.start(t, specs(types.CapabilityDocumenter)...)
	<-started

	_, err := e.manager.Start(context.Background(), StartRequest{
		ProjectID:    e.project.ID,
		Files:        e.files(),
		Capabilities: specs(types.CapabilityDocumenter),
	})
	assert.ErrorIs(t, err, types.ErrSessionAlreadyActive)
	assert.ErrorContains(t, err, first.Session.ID)

	sessions, err := e.store.ListSessions(context.Background(), types.SessionFilter{ProjectID: e.project.ID})
	require.NoError(t, err)
	assert.Len(t, sessions, 1)

	require.NoError(t, e.manager.Cancel(context.Background(), first.Session.ID, ""))
	sess := e.wait(t, first.Session.ID)
	assert.Equal(t, types.SessionFailed, sess.Status)
	assert.Equal(t, "cancelled: cancelled by user", sess.Reason)

	runs, err := e.store.GetRuns(context.Background(), first.Session.ID)
	require.NoError(t, err)
	assert.Equal(t, types.RunFailed, runs[0].Status)
	assert.Equal(t, types.FailureCancelled, runs[0].FailureKind)

	assert.Contains(t, eventTypes(t, e, first.Session.ID), events.EventTypeSessionCancelRequested)

	// The slot is free again
	_, err = e.manager.Start(context.Background(), StartRequest{
		ProjectID:    e.project.ID,
		Capabilities: specs(types.CapabilityDocumenter),
	})
	require.NoError(t, err)
}

func TestSession_CancelKeepsRecordedFindingsAndSkipsQueued(t *testing.T) {
	started := make(chan struct{})
	e := newEnv(t, []capability.Capability{
		fn(types.CapabilityDocumenter, findingsFn(2)),
		fn(types.CapabilitySecurity, blockingFn(started)),
		fn(types.CapabilityPerformance, findingsFn(1)),
	}, withConcurrency(1))

	res := e.start(t, specs(types.CapabilityDocumenter, types.CapabilitySecurity, types.CapabilityPerformance)...)
	<-started
	require.NoError(t, e.manager.Cancel(context.Background(), res.Session.ID, "operator abort"))

	sess := e.wait(t, res.Session.ID)
	assert.Equal(t, types.SessionFailed, sess.Status)
	assert.Equal(t, "cancelled: operator abort", sess.Reason)

	snap, err := e.reporter.Snapshot(context.Background(), res.Session.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, snap.Completed)
	assert.Equal(t, 1, snap.Failed)
	assert.Equal(t, 1, snap.Skipped)
	assert.Equal(t, 2, snap.FindingCounts[types.CapabilityDocumenter])

	perf := snap.Runs[2]
	assert.Equal(t, types.RunSkipped, perf.Status)
	assert.Equal(t, types.FailureCancelled, perf.FailureKind)
	assert.Equal(t, "session cancelled", perf.Error)

	assert.ErrorIs(t, e.manager.Cancel(context.Background(), res.Session.ID, ""), types.ErrSessionTerminal)
}

func TestSession_BestEffortFailureStillCompletes(t *testing.T) {
	e := newEnv(t, []capability.Capability{
		fn(types.CapabilityDocumenter, failingFn("model unavailable")),
		fn(types.CapabilityTester, findingsFn(1), types.CapabilityDocumenter),
		fn(types.CapabilitySecurity, findingsFn(1)),
	})

	optional := false
	res := e.start(t,
		types.CapabilitySpec{Type: types.CapabilityDocumenter, Required: &optional},
		types.CapabilitySpec{Type: types.CapabilityTester, Required: &optional},
		types.CapabilitySpec{Type: types.CapabilitySecurity},
	)
	sess := e.wait(t, res.Session.ID)
	assert.Equal(t, types.SessionCompleted, sess.Status)

	snap, err := e.reporter.Snapshot(context.Background(), res.Session.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, snap.Failed)
	assert.Equal(t, 1, snap.Skipped)
	assert.Equal(t, 1, snap.Completed)
	assert.Equal(t, types.FailureDependency, snap.Runs[1].FailureKind)
}

func TestSession_RequiredFailureSkipsDependents(t *testing.T) {
	e := newEnv(t, []capability.Capability{
		fn(types.CapabilityDocumenter, failingFn("boom")),
		fn(types.CapabilityTester, findingsFn(1), types.CapabilityDocumenter),
	})

	res := e.start(t, specs(types.CapabilityDocumenter, types.CapabilityTester)...)
	sess := e.wait(t, res.Session.ID)
	assert.Equal(t, types.SessionFailed, sess.Status)
	assert.Equal(t, "required capability documenter failed: boom", sess.Reason)

	runs, err := e.store.GetRuns(context.Background(), res.Session.ID)
	require.NoError(t, err)
	assert.Equal(t, types.RunSkipped, runs[1].Status)
	assert.Nil(t, runs[1].StartedAt)
}

func TestSession_ConfigurationErrorsCreateNothing(t *testing.T) {
	e := newEnv(t, []capability.Capability{
		fn("a", findingsFn(0), "b"),
		fn("b", findingsFn(0), "a"),
		fn(types.CapabilitySecurity, findingsFn(0)),
	})
	ctx := context.Background()

	_, err := e.manager.Start(ctx, StartRequest{ProjectID: e.project.ID, Capabilities: specs("nope")})
	assert.ErrorIs(t, err, types.ErrUnknownCapability)

	_, err = e.manager.Start(ctx, StartRequest{ProjectID: e.project.ID, Capabilities: specs("a", "b")})
	assert.ErrorIs(t, err, types.ErrCyclicDependency)

	_, err = e.manager.Start(ctx, StartRequest{ProjectID: e.project.ID})
	assert.ErrorIs(t, err, types.ErrNoCapabilities)

	_, err = e.manager.Start(ctx, StartRequest{ProjectID: "missing", Capabilities: specs(types.CapabilitySecurity)})
	assert.ErrorIs(t, err, types.ErrNotFound)

	_, err = e.manager.Start(ctx, StartRequest{
		ProjectID:    e.project.ID,
		Capabilities: []types.CapabilitySpec{{Type: types.CapabilitySecurity, Options: map[string]any{"bogus": 1}}},
	})
	assert.ErrorIs(t, err, types.ErrInvalidConfig)

	sessions, err := e.store.ListSessions(ctx, types.SessionFilter{ProjectID: e.project.ID})
	require.NoError(t, err)
	assert.Empty(t, sessions)
}

func TestSession_ProjectDefaultsApply(t *testing.T) {
	e := newEnv(t, []capability.Capability{fn(types.CapabilitySecurity, findingsFn(1))})
	ctx := context.Background()

	project := &types.Project{Name: "defaults", DefaultCapabilities: specs(types.CapabilitySecurity)}
	require.NoError(t, e.store.CreateProject(ctx, project))

	res, err := e.manager.Start(ctx, StartRequest{ProjectID: project.ID})
	require.NoError(t, err)
	require.Len(t, res.Session.Capabilities, 1)
	assert.Equal(t, types.CapabilitySecurity, res.Session.Capabilities[0].Type)
	require.NotNil(t, res.Session.Capabilities[0].Required)
	assert.True(t, *res.Session.Capabilities[0].Required)
	assert.Equal(t, 5, res.Session.Capabilities[0].TimeoutSeconds)
	assert.Zero(t, res.EstimatedDuration)

	assert.Equal(t, types.SessionCompleted, e.wait(t, res.Session.ID).Status)
}

func TestSession_Delete(t *testing.T) {
	started := make(chan struct{})
	e := newEnv(t, []capability.Capability{fn(types.CapabilityDocumenter, blockingFn(started))})
	ctx := context.Background()

	res := e.start(t, specs(types.CapabilityDocumenter)...)
	<-started
	assert.ErrorIs(t, e.manager.Delete(ctx, res.Session.ID), types.ErrInvalidTransition)

	require.NoError(t, e.manager.Cancel(ctx, res.Session.ID, ""))
	e.wait(t, res.Session.ID)

	require.NoError(t, e.manager.Delete(ctx, res.Session.ID))
	_, err := e.store.GetSession(ctx, res.Session.ID)
	assert.ErrorIs(t, err, types.ErrNotFound)
	assert.Empty(t, eventTypes(t, e, res.Session.ID))
}

func TestSession_RecoverInterrupted(t *testing.T) {
	e := newEnv(t, []capability.Capability{
		fn(types.CapabilityDocumenter, findingsFn(0)),
		fn(types.CapabilitySecurity, findingsFn(0)),
	})
	ctx := context.Background()

	// A session left behind by a crashed supervisor
	orphan := &types.Session{ProjectID: e.project.ID, Capabilities: specs(types.CapabilityDocumenter, types.CapabilitySecurity)}
	runs := []*types.CapabilityRun{
		{Capability: types.CapabilityDocumenter, Required: true},
		{Capability: types.CapabilitySecurity, Required: true},
	}
	require.NoError(t, e.store.CreateSession(ctx, orphan, runs, nil))
	require.NoError(t, e.store.TransitionSession(ctx, orphan.ID, types.SessionPending, types.SessionRunning, ""))
	now := time.Now()
	runs[0].Status = types.RunRunning
	runs[0].StartedAt = &now
	require.NoError(t, e.store.UpdateRun(ctx, runs[0], types.RunQueued))

	recovered, err := e.manager.RecoverInterrupted(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, recovered)

	sess, err := e.store.GetSession(ctx, orphan.ID)
	require.NoError(t, err)
	assert.Equal(t, types.SessionFailed, sess.Status)
	assert.Equal(t, ReasonInterrupted, sess.Reason)

	stored, err := e.store.GetRuns(ctx, orphan.ID)
	require.NoError(t, err)
	assert.Equal(t, types.RunFailed, stored[0].Status)
	assert.Equal(t, types.RunSkipped, stored[1].Status)
	assert.Contains(t, eventTypes(t, e, orphan.ID), events.EventTypeSessionInterrupted)

	// Nothing left to recover; the project accepts a new session
	recovered, err = e.manager.RecoverInterrupted(ctx)
	require.NoError(t, err)
	assert.Zero(t, recovered)
	res := e.start(t, specs(types.CapabilitySecurity)...)
	assert.Equal(t, types.SessionCompleted, e.wait(t, res.Session.ID).Status)
}

func TestSession_SnapshotUnderConcurrentPolling(t *testing.T) {
	release := make(chan struct{})
	gated := func(n int) capability.RunFunc {
		return func(ctx context.Context, in capability.Input) (*capability.Output, error) {
			select {
			case <-release:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			return findingsFn(n)(ctx, in)
		}
	}
	e := newEnv(t, []capability.Capability{
		fn(types.CapabilityDocumenter, gated(3)),
		fn(types.CapabilityTester, gated(2), types.CapabilityDocumenter),
		fn(types.CapabilitySecurity, gated(4)),
	}, withConcurrency(2))

	res := e.start(t, specs(types.CapabilityDocumenter, types.CapabilityTester, types.CapabilitySecurity)...)

	var wg sync.WaitGroup
	stop := make(chan struct{})
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				snap, err := e.reporter.Snapshot(context.Background(), res.Session.ID)
				if !assert.NoError(t, err) {
					return
				}
				done := snap.Completed + snap.Failed + snap.Skipped
				assert.LessOrEqual(t, done, snap.TotalCapabilities)
				assert.GreaterOrEqual(t, snap.Remaining(), 0)
				assert.LessOrEqual(t, snap.Running, 2)
			}
		}()
	}

	close(release)
	sess := e.wait(t, res.Session.ID)
	close(stop)
	wg.Wait()

	assert.Equal(t, types.SessionCompleted, sess.Status)
	snap, err := e.reporter.Snapshot(context.Background(), res.Session.ID)
	require.NoError(t, err)
	assert.Equal(t, 9, snap.TotalFindings)
}

func TestSession_ShutdownFailsActiveSessions(t *testing.T) {
	started := make(chan struct{})
	e := newEnv(t, []capability.Capability{fn(types.CapabilityDocumenter, blockingFn(started))})

	res := e.start(t, specs(types.CapabilityDocumenter)...)
	<-started
	assert.Len(t, e.manager.Active(), 1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, e.manager.Shutdown(ctx))

	sess, err := e.store.GetSession(context.Background(), res.Session.ID)
	require.NoError(t, err)
	assert.Equal(t, types.SessionFailed, sess.Status)
	assert.Equal(t, "cancelled: "+ErrShuttingDown.Error(), sess.Reason)
	assert.Empty(t, e.manager.Active())

	_, err = e.manager.Start(context.Background(), StartRequest{
		ProjectID:    e.project.ID,
		Capabilities: specs(types.CapabilityDocumenter),
	})
	assert.ErrorIs(t, err, ErrShuttingDown)
	sessions, err := e.store.ListSessions(context.Background(), types.SessionFilter{ProjectID: e.project.ID})
	require.NoError(t, err)
	assert.Len(t, sessions, 1)
}

// cancelOnCreate cancels every session as soon as its row is committed.
type cancelOnCreate struct {
	*sqlite.SQLiteStorage
	manager *Manager
}

func (s *cancelOnCreate) CreateSession(ctx context.Context, session *types.Session, runs []*types.CapabilityRun, files []*types.File) error {
	if err := s.SQLiteStorage.CreateSession(ctx, session, runs, files); err != nil {
		return err
	}
	return s.manager.Cancel(ctx, session.ID, "changed my mind")
}

func TestSession_CancelDuringCreationStopsBeforeAnyRun(t *testing.T) {
	ctx := context.Background()
	store, err := sqlite.New(ctx, filepath.Join(t.TempDir(), "session.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	logger, _ := test.NewNullLogger()

	var calls atomic.Int32
	registry, err := capability.NewRegistry(fn(types.CapabilityDocumenter, func(ctx context.Context, in capability.Input) (*capability.Output, error) {
		calls.Add(1)
		return &capability.Output{}, nil
	}))
	require.NoError(t, err)

	wrapped := &cancelOnCreate{SQLiteStorage: store}
	rec := sink.New(store, sink.Config{MaxRetries: 1, InitialBackoff: time.Millisecond, Logger: logger})
	manager := NewManager(wrapped, registry, dispatch.NewDispatcher(registry, rec, dispatch.Config{Logger: logger}), Config{Logger: logger})
	wrapped.manager = manager

	project := &types.Project{Name: "shop"}
	require.NoError(t, store.CreateProject(ctx, project))

	res, err := manager.Start(ctx, StartRequest{ProjectID: project.ID, Capabilities: specs(types.CapabilityDocumenter)})
	require.NoError(t, err)

	waitCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	sess, err := manager.Wait(waitCtx, res.Session.ID)
	require.NoError(t, err)
	assert.Equal(t, types.SessionFailed, sess.Status)
	assert.Equal(t, "cancelled: changed my mind", sess.Reason)
	assert.Zero(t, calls.Load(), "a cancelled session must not launch capabilities")

	runs, err := store.GetRuns(ctx, res.Session.ID)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, types.RunSkipped, runs[0].Status)
	assert.Equal(t, types.FailureCancelled, runs[0].FailureKind)
}

func TestSession_Prune(t *testing.T) {
	e := newEnv(t, []capability.Capability{fn(types.CapabilitySecurity, findingsFn(1))})
	ctx := context.Background()

	var ids []string
	for i := 0; i < 3; i++ {
		res := e.start(t, specs(types.CapabilitySecurity)...)
		e.wait(t, res.Session.ID)
		ids = append(ids, res.Session.ID)
		time.Sleep(5 * time.Millisecond)
	}

	deleted, err := e.manager.Prune(ctx, e.project.ID, 0, 0)
	require.NoError(t, err)
	assert.Zero(t, deleted, "zero max age disables pruning")

	deleted, err = e.manager.Prune(ctx, e.project.ID, time.Hour, 0)
	require.NoError(t, err)
	assert.Zero(t, deleted, "nothing is old enough")

	deleted, err = e.manager.Prune(ctx, e.project.ID, time.Nanosecond, 1)
	require.NoError(t, err)
	assert.Equal(t, 2, deleted)

	sessions, err := e.store.ListSessions(ctx, types.SessionFilter{ProjectID: e.project.ID})
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, ids[2], sessions[0].ID)
}
