package api

import (
	"net/http"
	"strconv"

	"github.com/ethpandaops/releasecheck/pkg/store"
)

type setIgnoredRequest struct {
	Ignored *bool `json:"ignored"`
}

// handleSetIgnored toggles a finding and returns the recomputed scores.
func (s *server) handleSetIgnored(w http.ResponseWriter, r *http.Request) {
	id, err := uintParam(r, "id")
	if err != nil {
		s.writeError(w, r, err)

		return
	}

	var req setIgnoredRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)

		return
	}

	if req.Ignored == nil {
		s.writeError(w, r, &store.ValidationError{Msg: "ignored is required"})

		return
	}

	res, err := s.engine.SetIgnored(r.Context(), id, *req.Ignored)
	if err != nil {
		s.writeError(w, r, err)

		return
	}

	writeJSON(w, http.StatusOK, res)
}

// handleListIgnoredRules lists a project's ignore rules.
func (s *server) handleListIgnoredRules(w http.ResponseWriter, r *http.Request) {
	projectID, err := uintParam(r, "projectID")
	if err != nil {
		s.writeError(w, r, err)

		return
	}

	rules, err := s.engine.Store().ListIgnoredRules(r.Context(), projectID)
	if err != nil {
		s.writeError(w, r, err)

		return
	}

	writeJSON(w, http.StatusOK, rules)
}

// handleListDictionary lists a project's dictionary entries.
func (s *server) handleListDictionary(w http.ResponseWriter, r *http.Request) {
	projectID, err := uintParam(r, "projectID")
	if err != nil {
		s.writeError(w, r, err)

		return
	}

	entries, err := s.engine.Store().ListDictionaryEntries(r.Context(), projectID)
	if err != nil {
		s.writeError(w, r, err)

		return
	}

	writeJSON(w, http.StatusOK, entries)
}

// handleListScreenshots lists the screenshots of a test run.
func (s *server) handleListScreenshots(w http.ResponseWriter, r *http.Request) {
	id, err := uintParam(r, "id")
	if err != nil {
		s.writeError(w, r, err)

		return
	}

	if _, err := s.engine.Store().GetTestRun(r.Context(), id); err != nil {
		s.writeError(w, r, err)

		return
	}

	sets, err := s.engine.Store().ListTestRunScreenshots(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)

		return
	}

	writeJSON(w, http.StatusOK, sets)
}

// handleGetScreenshot streams a stored screenshot.
func (s *server) handleGetScreenshot(w http.ResponseWriter, r *http.Request) {
	id, err := uintParam(r, "id")
	if err != nil {
		s.writeError(w, r, err)

		return
	}

	set, err := s.engine.Store().GetScreenshotSet(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)

		return
	}

	data, err := s.engine.Screenshot(r.Context(), set)
	if err != nil {
		s.writeError(w, r, err)

		return
	}

	contentType := set.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.Header().Set("Cache-Control", "private, max-age=86400")
	w.WriteHeader(http.StatusOK)

	_, _ = w.Write(data)
}
