package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/ethpandaops/releasecheck/pkg/engine"
	"github.com/ethpandaops/releasecheck/pkg/store"
	"github.com/go-chi/chi/v5"
)

// maxJSONBody caps request bodies other than screenshot uploads.
const maxJSONBody = 8 << 20

// errorResponse is a standard error payload.
type errorResponse struct {
	Error string `json:"error"`
}

// writeJSON encodes v as JSON and writes it to w.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, "encoding response", http.StatusInternalServerError)
	}
}

// writeError maps store and engine errors to HTTP statuses.
func (s *server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case store.IsValidation(err):
		writeJSON(w, http.StatusBadRequest, errorResponse{err.Error()})
	case errors.Is(err, store.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorResponse{err.Error()})
	case errors.Is(err, store.ErrNotRunning):
		writeJSON(w, http.StatusConflict, errorResponse{err.Error()})
	case errors.Is(err, engine.ErrStorageDisabled):
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{err.Error()})
	default:
		s.log.WithError(err).
			WithField("method", r.Method).
			WithField("path", r.URL.Path).
			Error("Request failed")

		writeJSON(w, http.StatusInternalServerError,
			errorResponse{"internal server error"})
	}
}

// decodeJSON reads a JSON request body into v.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBody)

	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return &store.ValidationError{Msg: fmt.Sprintf("invalid request body: %v", err)}
	}

	return nil
}

// uintParam parses a numeric chi URL parameter.
func uintParam(r *http.Request, name string) (uint, error) {
	raw := chi.URLParam(r, name)

	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil || id == 0 {
		return 0, &store.ValidationError{Msg: fmt.Sprintf("invalid %s %q", name, raw)}
	}

	return uint(id), nil
}

// attemptQuery parses the required ?attempt= claim attempt of a worker call.
func attemptQuery(r *http.Request) (uint, error) {
	raw := r.URL.Query().Get("attempt")

	attempt, err := strconv.ParseUint(raw, 10, 64)
	if err != nil || attempt == 0 {
		return 0, &store.ValidationError{Msg: fmt.Sprintf("invalid attempt %q", raw)}
	}

	return uint(attempt), nil
}

// handleHealth returns server health status.
func (s *server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
