package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/gentmat/bore-control/pkg/errdefs"
	"github.com/gentmat/bore-control/pkg/log"
)

// errorEnvelope is the wire shape of every error response
type errorEnvelope struct {
	Error     string         `json:"error"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	RequestID string         `json:"requestId,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		if err := json.NewEncoder(w).Encode(v); err != nil {
			log.WithComponent("api").Error().Err(err).Msg("failed to encode response")
		}
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := errdefs.KindOf(err)
	status := errdefs.HTTPStatus(kind)

	env := errorEnvelope{
		Error:     string(kind),
		Message:   err.Error(),
		RequestID: middleware.GetReqID(r.Context()),
		Timestamp: time.Now().UTC(),
	}

	var appErr *errdefs.Error
	if errors.As(err, &appErr) {
		env.Message = appErr.Message
		if !s.production {
			env.Details = appErr.Details
		}
	}

	if status >= http.StatusInternalServerError {
		log.WithComponent("api").Error().
			Err(err).
			Str("request_id", env.RequestID).
			Str("path", r.URL.Path).
			Msg("request failed")
		if s.production {
			env.Message = "internal error"
		}
	}

	writeJSON(w, status, env)
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return errdefs.BadRequest("invalid request body: %v", err)
	}
	return nil
}
