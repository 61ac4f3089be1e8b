package api

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/steveyegge/agentflow/internal/capability"
	"github.com/steveyegge/agentflow/internal/events"
	"github.com/steveyegge/agentflow/internal/session"
	"github.com/steveyegge/agentflow/internal/types"
)

const (
	defaultFindingLimit = 100
	maxFindingLimit     = 1000
)

// HealthResponse reports whether the supervisor can serve requests
type HealthResponse struct {
	Status         string            `json:"status"`
	Timestamp      time.Time         `json:"timestamp"`
	Services       map[string]string `json:"services"`
	ActiveSessions int               `json:"active_sessions"`
}

// Health handles GET /health
func (s *Server) Health(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:         "healthy",
		Timestamp:      time.Now().UTC(),
		Services:       map[string]string{},
		ActiveSessions: len(s.manager.Active()),
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status := http.StatusOK
	if err := s.store.Ping(ctx); err != nil {
		resp.Services["database"] = "unhealthy: " + err.Error()
		resp.Status = "unhealthy"
		status = http.StatusServiceUnavailable
	} else {
		resp.Services["database"] = "healthy"
	}

	if s.ai == nil {
		resp.Services["ai"] = "disabled"
	} else if err := s.ai.HealthCheck(ctx); err != nil {
		resp.Services["ai"] = "unavailable: " + err.Error()
		if resp.Status == "healthy" {
			resp.Status = "degraded"
		}
	} else {
		resp.Services["ai"] = "healthy"
	}

	writeJSON(w, status, resp)
}

// ListCapabilities handles GET /capabilities
func (s *Server) ListCapabilities(w http.ResponseWriter, r *http.Request) {
	descs := s.manager.Registry().Descriptors()
	if descs == nil {
		descs = []capability.Descriptor{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"capabilities": descs,
		"total":        len(descs),
	})
}

// RunCapabilityRequest is the body of POST /capabilities/{type}/run
type RunCapabilityRequest struct {
	Files          []FileUpload   `json:"files"`
	Options        map[string]any `json:"options,omitempty"`
	TimeoutSeconds int            `json:"timeout_seconds,omitempty"`
}

// RunCapabilityResponse reports a capability invoked outside any session
type RunCapabilityResponse struct {
	Capability    types.CapabilityType `json:"capability"`
	Status        types.RunStatus      `json:"status"`
	FailureKind   types.FailureKind    `json:"failure_kind,omitempty"`
	Error         string               `json:"error,omitempty"`
	Summary       string               `json:"summary,omitempty"`
	FilesAnalyzed int                  `json:"files_analyzed"`
	DurationMs    int64                `json:"duration_ms"`
	Findings      []*types.Finding     `json:"findings"`
}

// RunCapability handles POST /capabilities/{type}/run. The capability runs
// once over the posted files; nothing is stored.
func (s *Server) RunCapability(w http.ResponseWriter, r *http.Request) {
	typ := types.CapabilityType(chi.URLParam(r, "type"))
	if _, err := s.manager.Registry().Resolve(typ); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}

	var req RunCapabilityRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	files, err := uploadedFiles("", req.Files)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	res, err := s.manager.Trial(r.Context(), types.CapabilitySpec{
		Type:           typ,
		TimeoutSeconds: req.TimeoutSeconds,
		Options:        req.Options,
	}, files)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	o := res.Outcome
	writeJSON(w, http.StatusOK, RunCapabilityResponse{
		Capability:    o.Capability,
		Status:        o.Status,
		FailureKind:   o.FailureKind,
		Error:         o.Error,
		Summary:       o.Summary,
		FilesAnalyzed: o.FilesAnalyzed,
		DurationMs:    o.Duration.Milliseconds(),
		Findings:      res.Findings,
	})
}

// CreateProjectRequest is the body of POST /projects
type CreateProjectRequest struct {
	Name                string                 `json:"name"`
	DefaultCapabilities []types.CapabilitySpec `json:"default_capabilities,omitempty"`
	DefaultModel        string                 `json:"default_model,omitempty"`
	DefaultTone         string                 `json:"default_tone,omitempty"`
}

// CreateProject handles POST /projects
func (s *Server) CreateProject(w http.ResponseWriter, r *http.Request) {
	var req CreateProjectRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	project := &types.Project{
		Name:                strings.TrimSpace(req.Name),
		DefaultCapabilities: req.DefaultCapabilities,
		DefaultModel:        req.DefaultModel,
		DefaultTone:         req.DefaultTone,
	}
	if err := project.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.store.CreateProject(r.Context(), project); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, project)
}

// ListProjects handles GET /projects
func (s *Server) ListProjects(w http.ResponseWriter, r *http.Request) {
	projects, err := s.store.ListProjects(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if projects == nil {
		projects = []*types.Project{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"projects": projects})
}

// GetProject handles GET /projects/{id} and GET /projects/{id}/summary
func (s *Server) GetProject(w http.ResponseWriter, r *http.Request) {
	project, err := s.store.GetProject(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, project)
}

// FileUpload is one file of an analysis request
type FileUpload struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

// StartSessionRequest is the body of POST /projects/{id}/sessions
type StartSessionRequest struct {
	Files []FileUpload `json:"files"`
	// Capabilities in declared order; empty uses the project's defaults
	Capabilities []types.CapabilitySpec `json:"capabilities,omitempty"`
}

// StartSessionResponse acknowledges an accepted session
type StartSessionResponse struct {
	SessionID     string                 `json:"session_id"`
	Status        types.SessionStatus    `json:"status"`
	Order         []types.CapabilityType `json:"order"`
	EstimatedTime int                    `json:"estimated_time"` // seconds
	Message       string                 `json:"message"`
}

// uploadedFiles turns an upload into immutable files, rejecting blank and
// repeated paths.
func uploadedFiles(projectID string, uploads []FileUpload) ([]*types.File, error) {
	seen := make(map[string]bool, len(uploads))
	files := make([]*types.File, 0, len(uploads))
	for i, f := range uploads {
		if strings.TrimSpace(f.Path) == "" {
			return nil, fmt.Errorf("file %d has no path", i)
		}
		if seen[f.Path] {
			return nil, fmt.Errorf("file %s listed twice", f.Path)
		}
		seen[f.Path] = true
		files = append(files, types.NewFile(projectID, f.Path, f.Content))
	}
	return files, nil
}

// StartSession handles POST /projects/{id}/sessions
func (s *Server) StartSession(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "id")

	var req StartSessionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	files, err := uploadedFiles(projectID, req.Files)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	res, err := s.manager.Start(r.Context(), session.StartRequest{
		ProjectID:    projectID,
		Files:        files,
		Capabilities: req.Capabilities,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}

	writeJSON(w, http.StatusAccepted, StartSessionResponse{
		SessionID:     res.Session.ID,
		Status:        res.Session.Status,
		Order:         res.Order,
		EstimatedTime: int(res.EstimatedDuration / time.Second),
		Message:       "Analysis started",
	})
}

// ListSessions handles GET /projects/{id}/sessions
func (s *Server) ListSessions(w http.ResponseWriter, r *http.Request) {
	filter := types.SessionFilter{
		ProjectID: chi.URLParam(r, "id"),
		Status:    types.SessionStatus(r.URL.Query().Get("status")),
	}
	if filter.Status != "" && !filter.Status.IsValid() {
		writeError(w, http.StatusBadRequest, "invalid status: "+string(filter.Status))
		return
	}
	limit, err := queryInt(r, "limit", 50)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	filter.Limit = limit

	sessions, err := s.store.ListSessions(r.Context(), filter)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if sessions == nil {
		sessions = []*types.Session{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions})
}

// GetSnapshot handles GET /sessions/{id}
func (s *Server) GetSnapshot(w http.ResponseWriter, r *http.Request) {
	snap, err := s.reporter.Snapshot(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// CancelRequest is the optional body of POST /sessions/{id}/cancel
type CancelRequest struct {
	Reason string `json:"reason"`
}

// CancelSession handles POST /sessions/{id}/cancel
func (s *Server) CancelSession(w http.ResponseWriter, r *http.Request) {
	var req CancelRequest
	if r.ContentLength > 0 {
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
			return
		}
	}
	id := chi.URLParam(r, "id")
	if err := s.manager.Cancel(r.Context(), id, req.Reason); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"session_id": id, "status": "cancelling"})
}

// DeleteSession handles DELETE /sessions/{id}
func (s *Server) DeleteSession(w http.ResponseWriter, r *http.Request) {
	if err := s.manager.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListFindings handles GET /sessions/{id}/findings
func (s *Server) ListFindings(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := types.FindingFilter{
		SessionID:   chi.URLParam(r, "id"),
		Capability:  types.CapabilityType(q.Get("capability")),
		Kind:        q.Get("kind"),
		MinSeverity: types.Severity(q.Get("min_severity")),
	}
	if !filter.MinSeverity.IsValid() {
		writeError(w, http.StatusBadRequest, "invalid min_severity: "+string(filter.MinSeverity))
		return
	}

	limit, err := queryInt(r, "limit", defaultFindingLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if limit > maxFindingLimit {
		limit = maxFindingLimit
	}
	offset, err := queryInt(r, "offset", 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	filter.Limit, filter.Offset = limit, offset

	if _, err := s.store.GetSession(r.Context(), filter.SessionID); err != nil {
		s.fail(w, r, err)
		return
	}
	findings, err := s.store.ListFindings(r.Context(), filter)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if findings == nil {
		findings = []*types.Finding{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"findings": findings,
		"limit":    limit,
		"offset":   offset,
	})
}

// ListEvents handles GET /sessions/{id}/events
func (s *Server) ListEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, err := queryInt(r, "limit", 200)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	filter := events.EventFilter{
		SessionID:  chi.URLParam(r, "id"),
		Type:       events.EventType(q.Get("type")),
		Capability: q.Get("capability"),
		Limit:      limit,
	}

	if _, err := s.store.GetSession(r.Context(), filter.SessionID); err != nil {
		s.fail(w, r, err)
		return
	}
	evs, err := s.store.GetSessionEvents(r.Context(), filter)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if evs == nil {
		evs = []*events.SessionEvent{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": evs})
}

func queryInt(r *http.Request, key string, fallback int) (int, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid %s: %q", key, raw)
	}
	return n, nil
}
