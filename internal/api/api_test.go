package api

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/steveyegge/agentflow/internal/capability"
	"github.com/steveyegge/agentflow/internal/dispatch"
	"github.com/steveyegge/agentflow/internal/session"
	"github.com/steveyegge/agentflow/internal/sink"
	"github.com/steveyegge/agentflow/internal/storage/sqlite"
	"github.com/steveyegge/agentflow/internal/types"
)

type testServer struct {
	*httptest.Server
	api     *Server
	manager *session.Manager
	release chan struct{}
	dbPath  string
}

// gate blocks capabilities until release is closed.
func gate(release <-chan struct{}, findings int) capability.RunFunc {
	return func(ctx context.Context, in capability.Input) (*capability.Output, error) {
		select {
		case <-release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		out := &capability.Output{FilesAnalyzed: len(in.Files)}
		for i := 0; i < findings; i++ {
			sev := types.SeverityLow
			if i == 0 {
				sev = types.SeverityHigh
			}
			out.Findings = append(out.Findings, &types.Finding{
				Kind:     "issue",
				Target:   fmt.Sprintf("t%d", i),
				Title:    "issue",
				Severity: sev,
			})
		}
		return out, nil
	}
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	ctx := context.Background()

	dbPath := filepath.Join(t.TempDir(), "api.db")
	store, err := sqlite.New(ctx, dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	logger, _ := test.NewNullLogger()
	release := make(chan struct{})
	registry, err := capability.NewRegistry(
		capability.NewFunc(capability.Descriptor{Type: types.CapabilityDocumenter, Description: "docs"}, gate(release, 2)),
		capability.NewFunc(capability.Descriptor{Type: types.CapabilityTester, Dependencies: []types.CapabilityType{types.CapabilityDocumenter}}, gate(release, 3)),
	)
	require.NoError(t, err)

	rec := sink.New(store, sink.Config{MaxRetries: 1, InitialBackoff: time.Millisecond, Logger: logger})
	dispatcher := dispatch.NewDispatcher(registry, rec, dispatch.Config{Concurrency: 2, Logger: logger})
	manager := session.NewManager(store, registry, dispatcher, session.Config{DefaultTimeout: 5 * time.Second, Logger: logger})

	api := NewServer(store, manager, logger)
	srv := httptest.NewServer(api.Router())
	t.Cleanup(func() {
		srv.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = manager.Shutdown(ctx)
	})
	return &testServer{Server: srv, api: api, manager: manager, release: release, dbPath: dbPath}
}

// countFiles reads the stored file rows through a separate connection.
func (s *testServer) countFiles(t *testing.T) int {
	t.Helper()
	db, err := sql.Open("sqlite3", s.dbPath+"?_busy_timeout=5000")
	require.NoError(t, err)
	defer db.Close()
	var n int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM files`).Scan(&n))
	return n
}

func (s *testServer) do(t *testing.T, method, path string, body any, out any) int {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, s.URL+path, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	if out != nil && resp.StatusCode != http.StatusNoContent {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func (s *testServer) createProject(t *testing.T, name string) *types.Project {
	t.Helper()
	var p types.Project
	require.Equal(t, http.StatusCreated, s.do(t, http.MethodPost, "/projects", CreateProjectRequest{Name: name}, &p))
	return &p
}

func (s *testServer) waitTerminal(t *testing.T, sessionID string) *session.Snapshot {
	t.Helper()
	var snap session.Snapshot
	require.Eventually(t, func() bool {
		snap = session.Snapshot{}
		s.do(t, http.MethodGet, "/sessions/"+sessionID, nil, &snap)
		return snap.Status.IsTerminal()
	}, 10*time.Second, 10*time.Millisecond)
	return &snap
}

var twoCapabilities = []types.CapabilitySpec{
	{Type: types.CapabilityTester},
	{Type: types.CapabilityDocumenter},
}

func TestHealth(t *testing.T) {
	s := newTestServer(t)

	var resp HealthResponse
	assert.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/health", nil, &resp))
	assert.Equal(t, "healthy", resp.Status)
	assert.Equal(t, "healthy", resp.Services["database"])
	assert.Equal(t, "disabled", resp.Services["ai"])

	s.api.WithAI(healthFunc(func(ctx context.Context) error { return nil }))
	resp = HealthResponse{}
	assert.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/health", nil, &resp))
	assert.Equal(t, "healthy", resp.Status)
	assert.Equal(t, "healthy", resp.Services["ai"])

	// An open circuit degrades health but keeps serving
	s.api.WithAI(healthFunc(func(ctx context.Context) error { return errors.New("circuit open") }))
	resp = HealthResponse{}
	assert.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/health", nil, &resp))
	assert.Equal(t, "degraded", resp.Status)
	assert.Equal(t, "unavailable: circuit open", resp.Services["ai"])
}

type healthFunc func(ctx context.Context) error

func (f healthFunc) HealthCheck(ctx context.Context) error { return f(ctx) }

func TestListCapabilities(t *testing.T) {
	s := newTestServer(t)

	var resp struct {
		Capabilities []capability.Descriptor `json:"capabilities"`
		Total        int                     `json:"total"`
	}
	assert.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/capabilities", nil, &resp))
	assert.Equal(t, 2, resp.Total)
	assert.Equal(t, types.CapabilityDocumenter, resp.Capabilities[0].Type)
	assert.Equal(t, "docs", resp.Capabilities[0].Description)
	assert.Equal(t, []types.CapabilityType{types.CapabilityDocumenter}, resp.Capabilities[1].Dependencies)
}

func TestProjects(t *testing.T) {
	s := newTestServer(t)
	p := s.createProject(t, "shop")
	assert.NotEmpty(t, p.ID)

	var errResp errorResponse
	assert.Equal(t, http.StatusConflict, s.do(t, http.MethodPost, "/projects", CreateProjectRequest{Name: "shop"}, &errResp))
	assert.Contains(t, errResp.Error, "already exists")

	assert.Equal(t, http.StatusBadRequest, s.do(t, http.MethodPost, "/projects", CreateProjectRequest{Name: "  "}, &errResp))
	assert.Equal(t, http.StatusBadRequest, s.do(t, http.MethodPost, "/projects", map[string]string{"nme": "x"}, &errResp))

	var got types.Project
	assert.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/projects/"+p.ID, nil, &got))
	assert.Equal(t, "shop", got.Name)
	assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodGet, "/projects/missing", nil, &errResp))

	var list struct {
		Projects []*types.Project `json:"projects"`
	}
	assert.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/projects", nil, &list))
	assert.Len(t, list.Projects, 1)
}

func TestSessionLifecycle(t *testing.T) {
	s := newTestServer(t)
	p := s.createProject(t, "shop")

	var started StartSessionResponse
	status := s.do(t, http.MethodPost, "/projects/"+p.ID+"/sessions", StartSessionRequest{
		Files: []FileUpload{
			{Path: "main.go", Content: "package main"},
			{Path: "README.md", Content: "# shop"},
		},
		Capabilities: twoCapabilities,
	}, &started)
	require.Equal(t, http.StatusAccepted, status)
	assert.Equal(t, types.SessionPending, started.Status)
	assert.Equal(t, []types.CapabilityType{types.CapabilityDocumenter, types.CapabilityTester}, started.Order)
	assert.Equal(t, 60, started.EstimatedTime)

	assert.Equal(t, 2, s.countFiles(t))

	// A second start while the first is active is a conflict and stores nothing
	var errResp errorResponse
	status = s.do(t, http.MethodPost, "/projects/"+p.ID+"/sessions", StartSessionRequest{
		Files:        []FileUpload{{Path: "extra.go", Content: "package extra"}},
		Capabilities: twoCapabilities,
	}, &errResp)
	assert.Equal(t, http.StatusConflict, status)
	assert.Contains(t, errResp.Error, "active session")
	assert.Contains(t, errResp.Error, started.SessionID)
	assert.Equal(t, 2, s.countFiles(t))

	// Still running: deletion is refused
	assert.Equal(t, http.StatusConflict, s.do(t, http.MethodDelete, "/sessions/"+started.SessionID, nil, &errResp))

	close(s.release)
	snap := s.waitTerminal(t, started.SessionID)
	assert.Equal(t, types.SessionCompleted, snap.Status)
	assert.Equal(t, 2, snap.Completed)
	assert.Equal(t, 5, snap.TotalFindings)
	assert.Equal(t, 2, snap.FilesProcessed)

	var findings struct {
		Findings []*types.Finding `json:"findings"`
	}
	assert.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/sessions/"+started.SessionID+"/findings", nil, &findings))
	assert.Len(t, findings.Findings, 5)

	path := fmt.Sprintf("/sessions/%s/findings?capability=tester&min_severity=high", started.SessionID)
	assert.Equal(t, http.StatusOK, s.do(t, http.MethodGet, path, nil, &findings))
	require.Len(t, findings.Findings, 1)
	assert.Equal(t, types.SeverityHigh, findings.Findings[0].Severity)

	path = fmt.Sprintf("/sessions/%s/findings?limit=2&offset=1", started.SessionID)
	assert.Equal(t, http.StatusOK, s.do(t, http.MethodGet, path, nil, &findings))
	assert.Len(t, findings.Findings, 2)

	assert.Equal(t, http.StatusBadRequest,
		s.do(t, http.MethodGet, "/sessions/"+started.SessionID+"/findings?min_severity=urgent", nil, &errResp))
	assert.Equal(t, http.StatusBadRequest,
		s.do(t, http.MethodGet, "/sessions/"+started.SessionID+"/findings?limit=-1", nil, &errResp))

	var evs struct {
		Events []json.RawMessage `json:"events"`
	}
	assert.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/sessions/"+started.SessionID+"/events", nil, &evs))
	assert.NotEmpty(t, evs.Events)

	var summary types.Project
	assert.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/projects/"+p.ID+"/summary", nil, &summary))
	assert.Equal(t, started.SessionID, summary.LastSessionID)
	assert.Equal(t, types.SessionCompleted, summary.LastStatus)

	var sessions struct {
		Sessions []*types.Session `json:"sessions"`
	}
	assert.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/projects/"+p.ID+"/sessions?status=completed", nil, &sessions))
	assert.Len(t, sessions.Sessions, 1)

	// Cancelling a finished session is a conflict; deleting it cascades
	assert.Equal(t, http.StatusConflict, s.do(t, http.MethodPost, "/sessions/"+started.SessionID+"/cancel", nil, &errResp))
	assert.Equal(t, http.StatusNoContent, s.do(t, http.MethodDelete, "/sessions/"+started.SessionID, nil, nil))
	assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodGet, "/sessions/"+started.SessionID, nil, &errResp))
	assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodGet, "/sessions/"+started.SessionID+"/findings", nil, &errResp))
}

func TestCancelSession(t *testing.T) {
	s := newTestServer(t)
	p := s.createProject(t, "shop")

	var started StartSessionResponse
	require.Equal(t, http.StatusAccepted, s.do(t, http.MethodPost, "/projects/"+p.ID+"/sessions",
		StartSessionRequest{Capabilities: twoCapabilities}, &started))

	require.Eventually(t, func() bool {
		var snap session.Snapshot
		s.do(t, http.MethodGet, "/sessions/"+started.SessionID, nil, &snap)
		return snap.Running == 1
	}, 5*time.Second, 10*time.Millisecond)

	var resp map[string]string
	assert.Equal(t, http.StatusAccepted, s.do(t, http.MethodPost, "/sessions/"+started.SessionID+"/cancel",
		CancelRequest{Reason: "wrong branch"}, &resp))

	snap := s.waitTerminal(t, started.SessionID)
	assert.Equal(t, types.SessionFailed, snap.Status)
	assert.Equal(t, "cancelled: wrong branch", snap.Reason)
	assert.Equal(t, 1, snap.Failed)
	assert.Equal(t, 1, snap.Skipped)
}

func TestStartSessionErrors(t *testing.T) {
	s := newTestServer(t)
	p := s.createProject(t, "shop")

	tests := []struct {
		name   string
		path   string
		body   any
		status int
		msg    string
	}{
		{
			name:   "unknown capability",
			path:   "/projects/" + p.ID + "/sessions",
			body: StartSessionRequest{
				Files:        []FileUpload{{Path: "main.go", Content: "package main"}},
				Capabilities: []types.CapabilitySpec{{Type: "linter"}},
			},
			status: http.StatusUnprocessableEntity,
			msg:    "unknown capability",
		},
		{
			name:   "no capabilities and no defaults",
			path:   "/projects/" + p.ID + "/sessions",
			body:   StartSessionRequest{},
			status: http.StatusUnprocessableEntity,
			msg:    "no capabilities",
		},
		{
			name:   "missing project",
			path:   "/projects/nope/sessions",
			body:   StartSessionRequest{Capabilities: twoCapabilities},
			status: http.StatusNotFound,
		},
		{
			name:   "file without path",
			path:   "/projects/" + p.ID + "/sessions",
			body:   StartSessionRequest{Files: []FileUpload{{Content: "x"}}, Capabilities: twoCapabilities},
			status: http.StatusBadRequest,
			msg:    "no path",
		},
		{
			name: "duplicate file",
			path: "/projects/" + p.ID + "/sessions",
			body: StartSessionRequest{
				Files:        []FileUpload{{Path: "a.go"}, {Path: "a.go"}},
				Capabilities: twoCapabilities,
			},
			status: http.StatusBadRequest,
			msg:    "listed twice",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var errResp errorResponse
			assert.Equal(t, tt.status, s.do(t, http.MethodPost, tt.path, tt.body, &errResp))
			if tt.msg != "" {
				assert.Contains(t, errResp.Error, tt.msg)
			}
		})
	}

	var sessions struct {
		Sessions []*types.Session `json:"sessions"`
	}
	assert.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/projects/"+p.ID+"/sessions", nil, &sessions))
	assert.Empty(t, sessions.Sessions)
	assert.Zero(t, s.countFiles(t))
}

func TestRunCapability(t *testing.T) {
	s := newTestServer(t)
	close(s.release)

	var resp RunCapabilityResponse
	status := s.do(t, http.MethodPost, "/capabilities/tester/run", RunCapabilityRequest{
		Files: []FileUpload{{Path: "main.go", Content: "package main"}},
	}, &resp)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, types.CapabilityTester, resp.Capability)
	assert.Equal(t, types.RunSucceeded, resp.Status)
	assert.Equal(t, 1, resp.FilesAnalyzed)
	require.Len(t, resp.Findings, 3)
	assert.Equal(t, types.CapabilityTester, resp.Findings[0].Capability)
	assert.Equal(t, types.SeverityHigh, resp.Findings[0].Severity)

	// Nothing is persisted
	assert.Zero(t, s.countFiles(t))
	var projects struct {
		Projects []*types.Project `json:"projects"`
	}
	assert.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/projects", nil, &projects))
	assert.Empty(t, projects.Projects)

	var errResp errorResponse
	assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodPost, "/capabilities/linter/run", RunCapabilityRequest{}, &errResp))
	assert.Contains(t, errResp.Error, "unknown capability")

	assert.Equal(t, http.StatusUnprocessableEntity, s.do(t, http.MethodPost, "/capabilities/documenter/run",
		RunCapabilityRequest{Options: map[string]any{"tone": "casual"}}, &errResp))
	assert.Equal(t, http.StatusBadRequest, s.do(t, http.MethodPost, "/capabilities/documenter/run",
		RunCapabilityRequest{Files: []FileUpload{{Content: "x"}}}, &errResp))
	assert.Equal(t, http.StatusBadRequest, s.do(t, http.MethodPost, "/capabilities/documenter/run",
		map[string]string{"filez": "x"}, &errResp))
}

func TestRunCapabilityTimeout(t *testing.T) {
	s := newTestServer(t)

	var resp RunCapabilityResponse
	status := s.do(t, http.MethodPost, "/capabilities/documenter/run", RunCapabilityRequest{TimeoutSeconds: 1}, &resp)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, types.RunFailed, resp.Status)
	assert.Equal(t, types.FailureTimeout, resp.FailureKind)
	assert.Empty(t, resp.Findings)
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusNotFound, statusFor(fmt.Errorf("session x: %w", types.ErrNotFound)))
	assert.Equal(t, http.StatusConflict, statusFor(types.ErrSessionTerminal))
	assert.Equal(t, http.StatusUnprocessableEntity, statusFor(fmt.Errorf("%w among: a, b", types.ErrCyclicDependency)))
	assert.Equal(t, http.StatusServiceUnavailable, statusFor(session.ErrShuttingDown))
	assert.Equal(t, http.StatusInternalServerError, statusFor(fmt.Errorf("disk full")))
}

func TestRecoveryMiddleware(t *testing.T) {
	logger, hook := test.NewNullLogger()
	h := Recovery(logger.WithField("component", "api"))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/x", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "internal server error"))
	require.NotNil(t, hook.LastEntry())
	assert.Equal(t, "panic recovered", hook.LastEntry().Message)
}

func TestRequestID(t *testing.T) {
	var seen string
	h := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = GetRequestID(r)
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Len(t, seen, 8)
	assert.Equal(t, seen, rec.Header().Get("X-Request-ID"))
}
