package api

import (
	"net/http"

	"github.com/ethpandaops/releasecheck/pkg/store"
	"github.com/ethpandaops/releasecheck/pkg/types"
	"github.com/go-chi/chi/v5"
)

type createReleaseRunRequest struct {
	ProjectID     uint     `json:"project_id"`
	Name          string   `json:"name"`
	URLs          []string `json:"urls"`
	SelectedTests []string `json:"selected_tests"`
	Scope         string   `json:"scope"`
}

type createStandaloneRunRequest struct {
	ProjectID uint     `json:"project_id"`
	Type      string   `json:"type"`
	URLs      []string `json:"urls"`
	Scope     string   `json:"scope"`
}

type rerunRequest struct {
	TestType string `json:"test_type"`
}

type manualStatusRequest struct {
	StatusLabel string `json:"status_label"`
}

// handleCreateReleaseRun creates a release run with one queued test run
// per selected type.
func (s *server) handleCreateReleaseRun(w http.ResponseWriter, r *http.Request) {
	var req createReleaseRunRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)

		return
	}

	selected := make([]types.TestType, 0, len(req.SelectedTests))

	for _, raw := range req.SelectedTests {
		t, err := types.ParseTestType(raw)
		if err != nil {
			s.writeError(w, r, &store.ValidationError{Msg: err.Error()})

			return
		}

		selected = append(selected, t)
	}

	scope, err := types.ParseScope(req.Scope)
	if err != nil {
		s.writeError(w, r, &store.ValidationError{Msg: err.Error()})

		return
	}

	view, err := s.engine.CreateReleaseRun(r.Context(), store.CreateReleaseRunInput{
		ProjectID:     req.ProjectID,
		Name:          req.Name,
		URLs:          req.URLs,
		SelectedTests: selected,
		Scope:         scope,
	})
	if err != nil {
		s.writeError(w, r, err)

		return
	}

	writeJSON(w, http.StatusCreated, view)
}

// handleGetReleaseRun returns a release run with readiness. view=summary
// leaves out result items.
func (s *server) handleGetReleaseRun(w http.ResponseWriter, r *http.Request) {
	id, err := uintParam(r, "id")
	if err != nil {
		s.writeError(w, r, err)

		return
	}

	withResults := r.URL.Query().Get("view") != "summary"

	view, err := s.engine.GetReleaseRun(r.Context(), id, withResults)
	if err != nil {
		s.writeError(w, r, err)

		return
	}

	writeJSON(w, http.StatusOK, view)
}

// handleListReleaseRuns lists a project's release runs, newest first.
func (s *server) handleListReleaseRuns(w http.ResponseWriter, r *http.Request) {
	projectID, err := uintParam(r, "projectID")
	if err != nil {
		s.writeError(w, r, err)

		return
	}

	views, err := s.engine.ListReleaseRuns(r.Context(), projectID)
	if err != nil {
		s.writeError(w, r, err)

		return
	}

	writeJSON(w, http.StatusOK, views)
}

// handleRerun replaces the test run of one type with a fresh queued run.
func (s *server) handleRerun(w http.ResponseWriter, r *http.Request) {
	id, err := uintParam(r, "id")
	if err != nil {
		s.writeError(w, r, err)

		return
	}

	var req rerunRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)

		return
	}

	testType, err := types.ParseTestType(req.TestType)
	if err != nil {
		s.writeError(w, r, &store.ValidationError{Msg: err.Error()})

		return
	}

	tr, err := s.engine.Store().RerunTestType(r.Context(), id, testType)
	if err != nil {
		s.writeError(w, r, err)

		return
	}

	writeJSON(w, http.StatusCreated, tr)
}

// handleRerunAll replaces every test run of a release run.
func (s *server) handleRerunAll(w http.ResponseWriter, r *http.Request) {
	id, err := uintParam(r, "id")
	if err != nil {
		s.writeError(w, r, err)

		return
	}

	runs, err := s.engine.Store().RerunAll(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)

		return
	}

	writeJSON(w, http.StatusCreated, runs)
}

// handleCancel fails every unfinished test run of a release run.
func (s *server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id, err := uintParam(r, "id")
	if err != nil {
		s.writeError(w, r, err)

		return
	}

	cancelled, err := s.engine.CancelReleaseRun(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)

		return
	}

	writeJSON(w, http.StatusOK, map[string]int64{"cancelled": cancelled})
}

// handleSetManualStatus records a reviewer label for a manual test type.
func (s *server) handleSetManualStatus(w http.ResponseWriter, r *http.Request) {
	id, err := uintParam(r, "id")
	if err != nil {
		s.writeError(w, r, err)

		return
	}

	testType, err := types.ParseTestType(chi.URLParam(r, "testType"))
	if err != nil {
		s.writeError(w, r, &store.ValidationError{Msg: err.Error()})

		return
	}

	var req manualStatusRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)

		return
	}

	label, err := types.ParseManualLabel(req.StatusLabel)
	if err != nil {
		s.writeError(w, r, &store.ValidationError{Msg: err.Error()})

		return
	}

	status, err := s.engine.Store().SetManualStatus(r.Context(), id, testType, label)
	if err != nil {
		s.writeError(w, r, err)

		return
	}

	writeJSON(w, http.StatusOK, status)
}

// handleCreateStandaloneRun queues a site audit outside of any release run.
func (s *server) handleCreateStandaloneRun(w http.ResponseWriter, r *http.Request) {
	var req createStandaloneRunRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)

		return
	}

	testType := types.TestTypeSiteAudit

	if req.Type != "" {
		t, err := types.ParseTestType(req.Type)
		if err != nil {
			s.writeError(w, r, &store.ValidationError{Msg: err.Error()})

			return
		}

		testType = t
	}

	scope, err := types.ParseScope(req.Scope)
	if err != nil {
		s.writeError(w, r, &store.ValidationError{Msg: err.Error()})

		return
	}

	tr, err := s.engine.Store().CreateStandaloneRun(r.Context(), store.StandaloneRunInput{
		ProjectID: req.ProjectID,
		Type:      testType,
		URLs:      req.URLs,
		Scope:     scope,
	})
	if err != nil {
		s.writeError(w, r, err)

		return
	}

	writeJSON(w, http.StatusCreated, tr)
}

// handleGetTestRun returns a test run with its results.
func (s *server) handleGetTestRun(w http.ResponseWriter, r *http.Request) {
	id, err := uintParam(r, "id")
	if err != nil {
		s.writeError(w, r, err)

		return
	}

	tr, err := s.engine.Store().GetTestRun(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)

		return
	}

	writeJSON(w, http.StatusOK, tr)
}
