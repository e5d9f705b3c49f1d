package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethpandaops/releasecheck/pkg/config"
	"github.com/ethpandaops/releasecheck/pkg/engine"
	"github.com/ethpandaops/releasecheck/pkg/storage"
	"github.com/ethpandaops/releasecheck/pkg/store"
	"github.com/ethpandaops/releasecheck/pkg/types"
)

type testAPI struct {
	t       *testing.T
	handler http.Handler
	store   store.Store
}

func setupTestServer(t *testing.T, withBlobs bool, mutate func(cfg *config.APIConfig)) *testAPI {
	t.Helper()

	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	st := store.NewStore(log, &config.APIDatabaseConfig{
		Driver: "sqlite",
		SQLite: config.SQLiteDatabaseConfig{Path: ":memory:"},
	})
	require.NoError(t, st.Start(context.Background()))
	t.Cleanup(func() { _ = st.Stop() })

	eng := engine.New(log, st, nil, nil, 80)

	if withBlobs {
		blobs, err := storage.NewLocalStore(log, &config.LocalStorageConfig{
			Enabled: true,
			Root:    t.TempDir(),
		})
		require.NoError(t, err)

		eng.UseBlobStore(blobs)
	}

	cfg := &config.APIConfig{Server: config.APIServerConfig{Listen: ":0"}}
	if mutate != nil {
		mutate(cfg)
	}

	srv := newServer(log, cfg, eng, 64)
	t.Cleanup(func() { close(srv.done) })

	return &testAPI{t: t, handler: srv.buildRouter(), store: st}
}

func (a *testAPI) do(method, path string, body any) *httptest.ResponseRecorder {
	a.t.Helper()

	var reader *bytes.Reader

	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(b))
	default:
		data, err := json.Marshal(b)
		require.NoError(a.t, err)

		reader = bytes.NewReader(data)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")

	rec := httptest.NewRecorder()
	a.handler.ServeHTTP(rec, req)

	return rec
}

func itoa(id uint) string {
	return strconv.FormatUint(uint64(id), 10)
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()

	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())

	return v
}

type releaseRunBody struct {
	ID        uint   `json:"id"`
	Status    string `json:"status"`
	Readiness struct {
		Score  *int    `json:"score"`
		Status *string `json:"status"`
	} `json:"readiness"`
	TestRuns []struct {
		ID         uint   `json:"id"`
		Type       string `json:"type"`
		Status     string `json:"status"`
		Score      *int   `json:"score"`
		URLResults []struct {
			ID    uint `json:"id"`
			Items []struct {
				ID uint `json:"id"`
			} `json:"items"`
		} `json:"url_results"`
	} `json:"test_runs"`
}

func (a *testAPI) createRelease(tests ...string) releaseRunBody {
	a.t.Helper()

	rec := a.do(http.MethodPost, "/api/v1/release-runs", map[string]any{
		"project_id":     1,
		"urls":           []string{"https://example.com/"},
		"selected_tests": tests,
	})
	require.Equal(a.t, http.StatusCreated, rec.Code, rec.Body.String())

	return decode[releaseRunBody](a.t, rec)
}

func TestHandleHealth(t *testing.T) {
	api := setupTestServer(t, false, nil)

	rec := api.do(http.MethodGet, "/api/v1/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
	assert.NotEmpty(t, rec.Header().Get("Content-Type"))
}

func TestServerStartStop(t *testing.T) {
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	st := store.NewStore(log, &config.APIDatabaseConfig{
		Driver: "sqlite",
		SQLite: config.SQLiteDatabaseConfig{Path: ":memory:"},
	})
	require.NoError(t, st.Start(context.Background()))
	t.Cleanup(func() { _ = st.Stop() })

	srv := NewServer(log, &config.APIConfig{
		Server: config.APIServerConfig{Listen: "127.0.0.1:0"},
	}, engine.New(log, st, nil, nil, 80), 64)

	require.NoError(t, srv.Start(context.Background()))
	require.NoError(t, srv.Stop())
	require.NoError(t, srv.Stop())
}

func TestCreateReleaseRun(t *testing.T) {
	api := setupTestServer(t, false, nil)

	body := api.createRelease("page_preflight", "PERFORMANCE")
	assert.Equal(t, "PENDING", body.Status)
	assert.Len(t, body.TestRuns, 2)
	assert.Nil(t, body.Readiness.Status)

	tests := []struct {
		name string
		body any
	}{
		{name: "malformed json", body: "{"},
		{name: "unknown test type", body: map[string]any{
			"project_id": 1, "urls": []string{"https://example.com"}, "selected_tests": []string{"LIGHTHOUSE"},
		}},
		{name: "unknown scope", body: map[string]any{
			"project_id": 1, "urls": []string{"https://example.com"},
			"selected_tests": []string{"SPELLING"}, "scope": "EVERYTHING",
		}},
		{name: "no urls", body: map[string]any{
			"project_id": 1, "selected_tests": []string{"SPELLING"},
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := api.do(http.MethodPost, "/api/v1/release-runs", tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
			assert.NotEmpty(t, decode[errorResponse](t, rec).Error)
		})
	}
}

func TestGetReleaseRunNotFound(t *testing.T) {
	api := setupTestServer(t, false, nil)

	rec := api.do(http.MethodGet, "/api/v1/release-runs/404", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = api.do(http.MethodGet, "/api/v1/release-runs/abc", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestWorkerFlow(t *testing.T) {
	api := setupTestServer(t, false, nil)
	created := api.createRelease("PAGE_PREFLIGHT")

	rec := api.do(http.MethodPost, "/api/v1/worker/claim?types=page_preflight", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	claimed := decode[store.TestRunDetail](t, rec)
	assert.Equal(t, types.RunStatusRunning, claimed.Status)
	require.NotNil(t, claimed.Config)

	assert.Equal(t, uint(1), claimed.Attempt)

	base := "/api/v1/worker/test-runs/" + itoa(claimed.ID)
	heartbeat := base + "/heartbeat?attempt=" + itoa(claimed.Attempt)

	rec = api.do(http.MethodPost, heartbeat, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = api.do(http.MethodPost, base+"/heartbeat", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = api.do(http.MethodPost, base+"/heartbeat?attempt=7", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = api.do(http.MethodPost, base+"/url-results", map[string]any{
		"attempt": claimed.Attempt,
		"url":     "https://example.com/",
		"items": []map[string]any{
			{"provider": "preflight", "code": "h1-missing", "status": "FAIL", "severity": "HIGH"},
			{"provider": "preflight", "code": "title", "status": "PASS"},
		},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = api.do(http.MethodPost, base+"/url-results", map[string]any{
		"attempt": claimed.Attempt,
		"url":     "https://example.com/",
		"items":   []map[string]any{{"provider": "preflight", "code": "x", "status": "FAIL"}},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = api.do(http.MethodPost, base+"/url-results", map[string]any{
		"url":   "https://example.com/",
		"items": []map[string]any{},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = api.do(http.MethodPost, base+"/complete", map[string]any{"status": "success"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = api.do(http.MethodPost, base+"/complete", map[string]any{
		"attempt": claimed.Attempt,
		"status":  "success",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	completion := decode[store.Completion](t, rec)
	assert.True(t, completion.Applied)
	assert.True(t, completion.ReleaseTerminal)

	rec = api.do(http.MethodPost, heartbeat, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = api.do(http.MethodPost, "/api/v1/worker/claim", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = api.do(http.MethodGet, "/api/v1/release-runs/"+itoa(created.ID), nil)
	require.Equal(t, http.StatusOK, rec.Code)

	got := decode[releaseRunBody](t, rec)
	assert.Equal(t, "READY", got.Status)
	require.NotNil(t, got.Readiness.Score)
	assert.Equal(t, 90, *got.Readiness.Score)
	require.NotNil(t, got.Readiness.Status)
	assert.Equal(t, "PASS", *got.Readiness.Status)
	require.Len(t, got.TestRuns[0].URLResults, 1)
	assert.Len(t, got.TestRuns[0].URLResults[0].Items, 2)

	rec = api.do(http.MethodGet, "/api/v1/release-runs/"+itoa(created.ID)+"?view=summary", nil)
	summary := decode[releaseRunBody](t, rec)
	require.Len(t, summary.TestRuns[0].URLResults, 1)
	assert.Empty(t, summary.TestRuns[0].URLResults[0].Items)

	rec = api.do(http.MethodGet, "/api/v1/projects/1/release-runs", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]releaseRunBody](t, rec), 1)
}

func TestWorkerLosesClaimAfterRerunAll(t *testing.T) {
	api := setupTestServer(t, false, nil)
	created := api.createRelease("PERFORMANCE")

	rec := api.do(http.MethodPost, "/api/v1/worker/claim", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	stale := decode[store.TestRunDetail](t, rec)

	rec = api.do(http.MethodPost, "/api/v1/release-runs/"+itoa(created.ID)+"/rerun-all", nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = api.do(http.MethodPost, "/api/v1/worker/claim", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	fresh := decode[store.TestRunDetail](t, rec)
	require.Equal(t, stale.ID, fresh.ID)

	base := "/api/v1/worker/test-runs/" + itoa(stale.ID)

	rec = api.do(http.MethodPost, base+"/heartbeat?attempt="+itoa(stale.Attempt), nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = api.do(http.MethodPost, base+"/url-results", map[string]any{
		"attempt": stale.Attempt,
		"url":     "https://example.com/",
		"items":   []map[string]any{{"provider": "lighthouse", "code": "lcp", "status": "FAIL", "severity": "BLOCKER"}},
	})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = api.do(http.MethodPost, base+"/complete", map[string]any{
		"attempt": stale.Attempt,
		"status":  "SUCCESS",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, decode[store.Completion](t, rec).Applied)

	rec = api.do(http.MethodPost, base+"/heartbeat?attempt="+itoa(fresh.Attempt), nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestClaimRejectsUnknownType(t *testing.T) {
	api := setupTestServer(t, false, nil)

	rec := api.do(http.MethodPost, "/api/v1/worker/claim?types=LIGHTHOUSE", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCompleteValidation(t *testing.T) {
	api := setupTestServer(t, false, nil)
	created := api.createRelease("SPELLING")

	path := "/api/v1/worker/test-runs/" + itoa(created.TestRuns[0].ID) + "/complete"

	rec := api.do(http.MethodPost, path, map[string]any{"attempt": 1, "status": "RUNNING"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = api.do(http.MethodPost, "/api/v1/worker/test-runs/999/complete",
		map[string]any{"attempt": 1, "status": "FAILED"})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	// Completing a queued run is a benign no-op.
	rec = api.do(http.MethodPost, path, map[string]any{"attempt": 1, "status": "FAILED"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, decode[store.Completion](t, rec).Applied)
}

func TestSetIgnored(t *testing.T) {
	api := setupTestServer(t, false, nil)
	api.createRelease("PAGE_PREFLIGHT")

	tr, err := api.store.ClaimNext(context.Background())
	require.NoError(t, err)

	res, err := api.store.RecordURLResult(context.Background(), store.URLResultInput{
		TestRunID: tr.ID,
		Attempt:   tr.Attempt,
		URL:       "https://example.com/",
		Items: []store.ResultItemInput{{
			Provider: "preflight", Code: "alt-text", Status: types.ItemStatusFail, Severity: types.SeverityCritical,
		}},
	})
	require.NoError(t, err)

	path := "/api/v1/result-items/" + itoa(res.Items[0].ID) + "/ignored"

	rec := api.do(http.MethodPut, path, map[string]any{"ignored": true})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	out := decode[store.IgnoreResult](t, rec)
	assert.True(t, out.ResultItem.Ignored)
	require.NotNil(t, out.URLResultScore)
	assert.Equal(t, 100, *out.URLResultScore)

	rec = api.do(http.MethodPut, path, map[string]any{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = api.do(http.MethodPut, "/api/v1/result-items/999/ignored", map[string]any{"ignored": false})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = api.do(http.MethodGet, "/api/v1/projects/1/ignored-rules", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]store.IgnoredRule](t, rec), 1)

	rec = api.do(http.MethodGet, "/api/v1/projects/1/dictionary", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestReleaseRunActions(t *testing.T) {
	api := setupTestServer(t, false, nil)
	created := api.createRelease("SCREENSHOTS", "PERFORMANCE")
	base := "/api/v1/release-runs/" + itoa(created.ID)

	rec := api.do(http.MethodPut, base+"/manual-status/screenshots", map[string]any{"status_label": "pass"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = api.do(http.MethodPut, base+"/manual-status/PERFORMANCE", map[string]any{"status_label": "PASS"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = api.do(http.MethodPut, base+"/manual-status/SCREENSHOTS", map[string]any{"status_label": "MAYBE"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = api.do(http.MethodPost, base+"/rerun", map[string]any{"test_type": "PERFORMANCE"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = api.do(http.MethodPost, base+"/rerun", map[string]any{"test_type": "SPELLING"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = api.do(http.MethodPost, base+"/rerun-all", nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Len(t, decode[[]store.TestRun](t, rec), 2)

	rec = api.do(http.MethodPost, base+"/cancel", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"cancelled":2}`, rec.Body.String())

	rec = api.do(http.MethodGet, base, nil)
	got := decode[releaseRunBody](t, rec)
	assert.Equal(t, "FAIL", got.Status)
	require.NotNil(t, got.Readiness.Status)
	assert.Equal(t, "INCOMPLETE", *got.Readiness.Status)
}

func TestStandaloneRun(t *testing.T) {
	api := setupTestServer(t, false, nil)

	rec := api.do(http.MethodPost, "/api/v1/test-runs", map[string]any{
		"project_id": 3,
		"urls":       []string{"https://example.com/"},
		"scope":      "sitemap",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	tr := decode[store.TestRunDetail](t, rec)
	assert.Equal(t, types.TestTypeSiteAudit, tr.Type)
	assert.Nil(t, tr.ReleaseRunID)

	rec = api.do(http.MethodGet, "/api/v1/test-runs/"+itoa(tr.ID), nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = api.do(http.MethodPost, "/api/v1/test-runs", map[string]any{
		"project_id": 3,
		"type":       "SPELLING",
		"urls":       []string{"https://example.com/"},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestScreenshots(t *testing.T) {
	api := setupTestServer(t, true, nil)
	api.createRelease("SCREENSHOTS")

	tr, err := api.store.ClaimNext(context.Background())
	require.NoError(t, err)

	upload := func(body string, contentType string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost,
			"/api/v1/worker/test-runs/"+itoa(tr.ID)+"/screenshots?attempt="+itoa(tr.Attempt)+"&url=https://example.com/&viewport=1280x800",
			strings.NewReader(body))
		req.Header.Set("Content-Type", contentType)

		rec := httptest.NewRecorder()
		api.handler.ServeHTTP(rec, req)

		return rec
	}

	rec := upload("png-bytes", "image/png")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	set := decode[store.ScreenshotSet](t, rec)
	assert.Equal(t, "1280x800", set.Viewport)

	rec = upload(strings.Repeat("x", 65), "image/png")
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)

	rec = upload("<html>", "text/html")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = upload("", "image/png")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = api.do(http.MethodGet, "/api/v1/test-runs/"+itoa(tr.ID)+"/screenshots", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]store.ScreenshotSet](t, rec), 1)

	rec = api.do(http.MethodGet, "/api/v1/screenshots/"+itoa(set.ID), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image/png", rec.Header().Get("Content-Type"))
	assert.Equal(t, "png-bytes", rec.Body.String())

	rec = api.do(http.MethodGet, "/api/v1/screenshots/999", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestScreenshotsWithoutStorage(t *testing.T) {
	api := setupTestServer(t, false, nil)
	api.createRelease("SCREENSHOTS")

	tr, err := api.store.ClaimNext(context.Background())
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost,
		"/api/v1/worker/test-runs/"+itoa(tr.ID)+"/screenshots?attempt="+itoa(tr.Attempt)+"&url=https://example.com/",
		strings.NewReader("png"))
	req.Header.Set("Content-Type", "image/png")

	rec := httptest.NewRecorder()
	api.handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestRateLimit(t *testing.T) {
	api := setupTestServer(t, false, func(cfg *config.APIConfig) {
		cfg.Server.RateLimit = config.RateLimitConfig{
			Enabled: true,
			Public:  config.RateLimitTier{RequestsPerMinute: 1},
			Worker:  config.RateLimitTier{RequestsPerMinute: 100},
		}
	})

	rec := api.do(http.MethodGet, "/api/v1/projects/1/release-runs", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = api.do(http.MethodGet, "/api/v1/projects/1/release-runs", nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)

	// Worker endpoints have their own budget.
	rec = api.do(http.MethodPost, "/api/v1/worker/claim", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	// Health is never limited.
	rec = api.do(http.MethodGet, "/api/v1/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestExtractIP(t *testing.T) {
	tests := []struct {
		name   string
		xff    string
		remote string
		want   string
	}{
		{name: "remote addr", remote: "10.0.0.1:5555", want: "10.0.0.1"},
		{name: "forwarded chain", xff: "203.0.113.9, 10.0.0.1", remote: "10.0.0.1:5555", want: "203.0.113.9"},
		{name: "single forwarded", xff: "203.0.113.7", remote: "10.0.0.1:5555", want: "203.0.113.7"},
		{name: "unparseable remote", remote: "pipe", want: "pipe"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remote

			if tt.xff != "" {
				req.Header.Set("X-Forwarded-For", tt.xff)
			}

			assert.Equal(t, tt.want, extractIP(req))
		})
	}
}
