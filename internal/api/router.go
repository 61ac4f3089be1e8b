// Package api is the HTTP polling surface over the session core. Clients
// start sessions, poll snapshots and read findings; nothing is pushed.
package api

import (
	"context"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"

	"github.com/steveyegge/agentflow/internal/session"
	"github.com/steveyegge/agentflow/internal/storage"
)

// HealthChecker is an optional collaborator reported by /health.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Server holds the dependencies of the HTTP handlers.
type Server struct {
	store    storage.Storage
	manager  *session.Manager
	reporter *session.Reporter
	ai       HealthChecker
	log      *logrus.Entry
}

// NewServer creates a server over an open store and a running manager.
func NewServer(store storage.Storage, manager *session.Manager, logger *logrus.Logger) *Server {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Server{
		store:    store,
		manager:  manager,
		reporter: session.NewReporter(store),
		log:      logger.WithField("component", "api"),
	}
}

// WithAI reports the AI client under /health. An unavailable AI client
// degrades health without failing it; documentation falls back to templates.
func (s *Server) WithAI(checker HealthChecker) *Server {
	s.ai = checker
	return s
}

// Router creates the chi router with all routes and middleware.
func (s *Server) Router() *chi.Mux {
	r := chi.NewRouter()

	r.Use(RequestID)
	r.Use(Logger(s.log))
	r.Use(Recovery(s.log))

	r.Get("/health", s.Health)
	r.Get("/capabilities", s.ListCapabilities)
	r.Post("/capabilities/{type}/run", s.RunCapability)

	r.Route("/projects", func(r chi.Router) {
		r.Get("/", s.ListProjects)
		r.Post("/", s.CreateProject)
		r.Get("/{id}", s.GetProject)
		r.Get("/{id}/summary", s.GetProject)
		r.Get("/{id}/sessions", s.ListSessions)
		r.Post("/{id}/sessions", s.StartSession)
	})

	r.Route("/sessions", func(r chi.Router) {
		r.Get("/{id}", s.GetSnapshot)
		r.Delete("/{id}", s.DeleteSession)
		r.Post("/{id}/cancel", s.CancelSession)
		r.Get("/{id}/findings", s.ListFindings)
		r.Get("/{id}/events", s.ListEvents)
	})

	return r
}
