package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ethpandaops/releasecheck/pkg/config"
	"github.com/ethpandaops/releasecheck/pkg/store"
	"github.com/ethpandaops/releasecheck/pkg/types"
	"github.com/sirupsen/logrus"
)

// maxErrorBody caps how much of a failed provider response ends up in the
// test run error.
const maxErrorBody = 512

// ProviderRequest is the body posted to a check provider.
type ProviderRequest struct {
	TestRunID uint           `json:"test_run_id"`
	ProjectID uint           `json:"project_id"`
	TestType  types.TestType `json:"test_type"`
	Scope     types.Scope    `json:"scope"`
	URLs      []string       `json:"urls"`
}

// ProviderResponse is the normalized answer of a check provider.
type ProviderResponse struct {
	Status      string                 `json:"status"`
	Error       string                 `json:"error,omitempty"`
	RawPayload  map[string]any         `json:"raw_payload,omitempty"`
	URLResults  []store.URLResultInput `json:"url_results"`
	Screenshots []ProviderScreenshot   `json:"screenshots,omitempty"`
}

// ProviderScreenshot is an inline screenshot. Data is base64 in JSON.
type ProviderScreenshot struct {
	URL         string `json:"url"`
	Viewport    string `json:"viewport"`
	ContentType string `json:"content_type"`
	Data        []byte `json:"data"`
}

// providerRunner delegates a test type to an external HTTP provider.
type providerRunner struct {
	log      logrus.FieldLogger
	testType types.TestType
	endpoint string
	timeout  time.Duration
	client   *http.Client
}

// Ensure interface compliance.
var _ Runner = (*providerRunner)(nil)

// NewProviderRunner creates a runner that posts each claimed test run to
// the configured provider endpoint and records its normalized response.
func NewProviderRunner(
	log logrus.FieldLogger, cfg *config.ProviderConfig, client *http.Client,
) (Runner, error) {
	testType, err := types.ParseTestType(cfg.TestType)
	if err != nil {
		return nil, err
	}

	if client == nil {
		client = http.DefaultClient
	}

	return &providerRunner{
		log: log.WithFields(logrus.Fields{
			"component": "provider",
			"test_type": testType,
		}),
		testType: testType,
		endpoint: cfg.Endpoint,
		timeout:  cfg.TimeoutDuration(),
		client:   client,
	}, nil
}

// Type returns the test type this provider handles.
func (p *providerRunner) Type() types.TestType {
	return p.testType
}

// Run calls the provider and records everything it returned.
func (p *providerRunner) Run(
	ctx context.Context, tr *store.TestRunDetail, rec Recorder,
) (Outcome, error) {
	resp, err := p.call(ctx, tr)
	if err != nil {
		return Outcome{}, err
	}

	status := types.RunStatusSuccess

	if resp.Status != "" {
		status, err = types.ParseCompletionStatus(resp.Status)
		if err != nil {
			return Outcome{}, fmt.Errorf("provider response: %w", err)
		}
	}

	for _, res := range resp.URLResults {
		if _, err := rec.RecordURLResult(ctx, res); err != nil {
			return Outcome{}, fmt.Errorf("recording result for %s: %w", res.URL, err)
		}
	}

	for _, shot := range resp.Screenshots {
		if _, err := rec.RecordScreenshot(ctx, Screenshot{
			URL:         shot.URL,
			Viewport:    shot.Viewport,
			ContentType: shot.ContentType,
			Body:        bytes.NewReader(shot.Data),
			Size:        int64(len(shot.Data)),
		}); err != nil {
			return Outcome{}, fmt.Errorf("recording screenshot for %s: %w", shot.URL, err)
		}
	}

	p.log.WithFields(logrus.Fields{
		"test_run_id": tr.ID,
		"url_results": len(resp.URLResults),
		"screenshots": len(resp.Screenshots),
		"status":      status,
	}).Debug("Provider finished")

	return Outcome{
		Status:     status,
		RawPayload: resp.RawPayload,
		Error:      resp.Error,
	}, nil
}

func (p *providerRunner) call(
	ctx context.Context, tr *store.TestRunDetail,
) (*ProviderResponse, error) {
	req := ProviderRequest{
		TestRunID: tr.ID,
		ProjectID: tr.ProjectID,
		TestType:  tr.Type,
	}

	if tr.Config != nil {
		req.Scope = tr.Config.Scope
		req.URLs = tr.Config.URLs
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encoding provider request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint,
		bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("calling provider: %w", err)
	}

	defer func() { _ = httpResp.Body.Close() }()

	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(httpResp.Body, maxErrorBody))

		return nil, fmt.Errorf("provider returned %d: %s",
			httpResp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	var out ProviderResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decoding provider response: %w", err)
	}

	return &out, nil
}
