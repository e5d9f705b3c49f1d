package api

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/ethpandaops/releasecheck/pkg/engine"
	"github.com/ethpandaops/releasecheck/pkg/store"
	"github.com/ethpandaops/releasecheck/pkg/types"
)

type completeRequest struct {
	Attempt    uint           `json:"attempt"`
	Status     string         `json:"status"`
	RawPayload map[string]any `json:"raw_payload"`
	Error      string         `json:"error"`
}

// handleClaim hands the oldest queued test run to the calling worker.
// ?types=A,B restricts the claim to the test types the worker can run.
func (s *server) handleClaim(w http.ResponseWriter, r *http.Request) {
	var filter []types.TestType

	if raw := r.URL.Query().Get("types"); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			t, err := types.ParseTestType(part)
			if err != nil {
				s.writeError(w, r, &store.ValidationError{Msg: err.Error()})

				return
			}

			filter = append(filter, t)
		}
	}

	tr, err := s.engine.Store().ClaimNext(r.Context(), filter...)
	if err != nil {
		s.writeError(w, r, err)

		return
	}

	if tr == nil {
		w.WriteHeader(http.StatusNoContent)

		return
	}

	writeJSON(w, http.StatusOK, tr)
}

// handleHeartbeat refreshes a running test run's liveness.
func (s *server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	id, err := uintParam(r, "id")
	if err != nil {
		s.writeError(w, r, err)

		return
	}

	attempt, err := attemptQuery(r)
	if err != nil {
		s.writeError(w, r, err)

		return
	}

	if err := s.engine.Store().Heartbeat(r.Context(), id, attempt); err != nil {
		s.writeError(w, r, err)

		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// handleRecordURLResult stores one URL's findings for a running test run.
func (s *server) handleRecordURLResult(w http.ResponseWriter, r *http.Request) {
	id, err := uintParam(r, "id")
	if err != nil {
		s.writeError(w, r, err)

		return
	}

	var in store.URLResultInput
	if err := decodeJSON(w, r, &in); err != nil {
		s.writeError(w, r, err)

		return
	}

	if in.Attempt == 0 {
		s.writeError(w, r, &store.ValidationError{Msg: "attempt is required"})

		return
	}

	in.TestRunID = id

	res, err := s.engine.Store().RecordURLResult(r.Context(), in)
	if err != nil {
		s.writeError(w, r, err)

		return
	}

	writeJSON(w, http.StatusCreated, res)
}

// handleUploadScreenshot stores the raw request body as a screenshot of
// the url and viewport given in the query string.
func (s *server) handleUploadScreenshot(w http.ResponseWriter, r *http.Request) {
	id, err := uintParam(r, "id")
	if err != nil {
		s.writeError(w, r, err)

		return
	}

	attempt, err := attemptQuery(r)
	if err != nil {
		s.writeError(w, r, err)

		return
	}

	if r.ContentLength > s.maxScreenshotBytes {
		writeJSON(w, http.StatusRequestEntityTooLarge, errorResponse{
			fmt.Sprintf("screenshot exceeds %d bytes", s.maxScreenshotBytes),
		})

		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.maxScreenshotBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, errorResponse{
				fmt.Sprintf("screenshot exceeds %d bytes", s.maxScreenshotBytes),
			})

			return
		}

		s.writeError(w, r, &store.ValidationError{Msg: fmt.Sprintf("reading body: %v", err)})

		return
	}

	if len(body) == 0 {
		s.writeError(w, r, &store.ValidationError{Msg: "screenshot body is empty"})

		return
	}

	q := r.URL.Query()

	set, err := s.engine.SaveScreenshot(r.Context(), engine.ScreenshotUpload{
		TestRunID:   id,
		Attempt:     attempt,
		URL:         q.Get("url"),
		Viewport:    q.Get("viewport"),
		ContentType: r.Header.Get("Content-Type"),
		Body:        bytes.NewReader(body),
		Size:        int64(len(body)),
	})
	if err != nil {
		s.writeError(w, r, err)

		return
	}

	writeJSON(w, http.StatusCreated, set)
}

// handleComplete records a worker's terminal status for a test run.
func (s *server) handleComplete(w http.ResponseWriter, r *http.Request) {
	id, err := uintParam(r, "id")
	if err != nil {
		s.writeError(w, r, err)

		return
	}

	var req completeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)

		return
	}

	if req.Attempt == 0 {
		s.writeError(w, r, &store.ValidationError{Msg: "attempt is required"})

		return
	}

	status, err := types.ParseCompletionStatus(req.Status)
	if err != nil {
		s.writeError(w, r, &store.ValidationError{Msg: err.Error()})

		return
	}

	c, err := s.engine.CompleteTestRun(r.Context(), store.CompleteInput{
		TestRunID:  id,
		Attempt:    req.Attempt,
		Status:     status,
		RawPayload: req.RawPayload,
		Error:      req.Error,
	})
	if err != nil {
		s.writeError(w, r, err)

		return
	}

	writeJSON(w, http.StatusOK, c)
}
