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

	"github.com/agentoven/agentoven/playground/internal/dispatcher"
	"github.com/agentoven/agentoven/playground/pkg/models"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"golang.org/x/time/rate"
)

// HTTPExecutor posts the run payload to the workload's test endpoint.
type HTTPExecutor struct {
	client  *http.Client
	limiter *rate.Limiter
}

// ExecutorOption configures an HTTPExecutor.
type ExecutorOption func(*HTTPExecutor)

// WithRateLimit caps calls to the workload at rps per second with the given
// burst. rps <= 0 leaves calls unthrottled.
func WithRateLimit(rps float64, burst int) ExecutorOption {
	return func(e *HTTPExecutor) {
		if rps <= 0 {
			e.limiter = nil
			return
		}
		if burst < 1 {
			burst = 1
		}
		e.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

// NewHTTPExecutor creates an executor with the given per-request timeout.
func NewHTTPExecutor(timeout time.Duration, opts ...ExecutorOption) *HTTPExecutor {
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	e := &HTTPExecutor{client: &http.Client{Timeout: timeout}}
	for _, o := range opts {
		o(e)
	}
	return e
}

type testResponse struct {
	Output  string            `json:"output"`
	Data    string            `json:"data"`
	Usage   models.TokenUsage `json:"usage"`
	TraceID string            `json:"trace_id"`
}

// Execute sends req to {base}/test.
func (e *HTTPExecutor) Execute(ctx context.Context, req dispatcher.RunRequest) (*models.TestResult, error) {
	if req.Context.BaseURL == "" {
		return nil, fmt.Errorf("no routing for variant %s", req.VariantID)
	}
	url := strings.TrimRight(req.Context.BaseURL, "/") + "/test"

	// Waiting for a token counts against the run, so cancel unblocks it.
	if e.limiter != nil {
		if err := e.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limit: %w", err)
		}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(req.Payload))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	for k, v := range req.Context.Headers {
		httpReq.Header.Set(k, v)
	}
	if req.Context.Token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+req.Context.Token)
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(httpReq.Header))

	start := time.Now()
	resp, err := e.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var tr testResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	out := tr.Output
	if out == "" {
		out = tr.Data
	}
	return &models.TestResult{
		Output:    out,
		LatencyMs: time.Since(start).Milliseconds(),
		Usage:     tr.Usage,
		TraceID:   tr.TraceID,
	}, nil
}
