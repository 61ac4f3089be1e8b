package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/steveyegge/agentflow/internal/session"
	"github.com/steveyegge/agentflow/internal/types"
)

// maxBodyBytes bounds request bodies; file uploads dominate.
const maxBodyBytes = 64 << 20

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("empty body")
		}
		return err
	}
	return nil
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, types.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, types.ErrSessionAlreadyActive),
		errors.Is(err, types.ErrInvalidTransition),
		errors.Is(err, types.ErrSessionTerminal),
		errors.Is(err, types.ErrProjectExists):
		return http.StatusConflict
	case errors.Is(err, types.ErrUnknownCapability),
		errors.Is(err, types.ErrCyclicDependency),
		errors.Is(err, types.ErrNoCapabilities),
		errors.Is(err, types.ErrInvalidConfig):
		return http.StatusUnprocessableEntity
	case errors.Is(err, session.ErrShuttingDown):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		s.log.WithError(err).WithField("path", r.URL.Path).Error("request failed")
	}
	writeError(w, status, err.Error())
}
