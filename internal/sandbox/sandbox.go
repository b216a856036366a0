// Package sandbox submits commands to an external runner over HTTP. The
// runtime never executes sandbox commands locally; the runner endpoint is the
// only execution surface and results are persisted under the run directory.
package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/haasonsaas/amon/internal/errs"
)

// Request is one sandbox execution.
type Request struct {
	Command string            `json:"command"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
	// Files is the input pack: project-relative path to content.
	Files map[string]string `json:"files,omitempty"`
	// TimeoutS caps the runner-side execution, not the HTTP call.
	TimeoutS int `json:"timeout_s,omitempty"`
}

// Result is the runner's response, persisted verbatim as
// .amon/runs/<run_id>/sandbox/result.json.
type Result struct {
	ExitCode int    `json:"exit_code"`
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	// Outputs is the output pack: project-relative path to content the
	// caller should unpack into the run's write roots.
	Outputs    map[string]string `json:"outputs,omitempty"`
	DurationMs int64             `json:"duration_ms"`
}

// Client talks to one runner endpoint.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the underlying HTTP client. Tests use this with
// httptest servers.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

// WithAPIKey overrides the key read from SANDBOX_RUNNER_API_KEY.
func WithAPIKey(key string) Option {
	return func(c *Client) { c.apiKey = key }
}

// NewClient creates a runner client. The bearer key defaults to
// SANDBOX_RUNNER_API_KEY and is checked at call time so the daemon can start
// without one.
func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  strings.TrimSpace(os.Getenv("SANDBOX_RUNNER_API_KEY")),
		http:    &http.Client{Timeout: 5 * time.Minute},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Exec submits the request and waits for the runner's reply. A non-zero exit
// code is not a Go error; callers inspect the Result.
func (c *Client) Exec(ctx context.Context, req Request) (*Result, error) {
	if c.baseURL == "" {
		return nil, errs.New(errs.KindConfigInvalid, "sandbox runner url is not configured")
	}
	if c.apiKey == "" {
		return nil, errs.New(errs.KindModelAuthFailed, "SANDBOX_RUNNER_API_KEY is not set")
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, errs.Wrap(errs.KindProtocol, err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/exec", bytes.NewReader(body))
	if err != nil {
		return nil, errs.Wrap(errs.KindIO, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, errs.Wrap(errs.KindCancelled, ctx.Err())
		}
		return nil, errs.Wrap(errs.KindIO, err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, errs.Wrap(errs.KindIO, err)
	}
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, errs.New(errs.KindModelAuthFailed, "sandbox runner rejected credentials (%d)", resp.StatusCode)
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, errs.New(errs.KindModelRateLimit, "sandbox runner throttled the request")
	case resp.StatusCode >= 400:
		return nil, errs.New(errs.KindIO, "sandbox runner returned %d: %s", resp.StatusCode, truncate(payload, 200))
	}

	var result Result
	if err := json.Unmarshal(payload, &result); err != nil {
		return nil, errs.Wrap(errs.KindProtocol, err)
	}
	return &result, nil
}

func truncate(b []byte, n int) string {
	s := strings.TrimSpace(string(b))
	if len(s) > n {
		return s[:n] + "..."
	}
	return s
}

// WriteResult persists the result under the run directory.
func WriteResult(runDir string, result *Result) error {
	data, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return errs.Wrap(errs.KindProtocol, err)
	}
	dir := fmt.Sprintf("%s/sandbox", runDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errs.Wrap(errs.KindIO, err)
	}
	if err := os.WriteFile(dir+"/result.json", data, 0o644); err != nil {
		return errs.Wrap(errs.KindIO, err)
	}
	return nil
}
