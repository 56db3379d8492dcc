package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// ScriptRequest asks the script host to run one attempt of a step.
type ScriptRequest struct {
	ExecutionID string `json:"execution_id"`
	StepID      string `json:"step_id"`
	ThingID     string `json:"thing_id"`
	ProfileID   string `json:"profile_id"`
	Arguments   string `json:"arguments,omitempty"`
	Attempt     int    `json:"attempt"`
}

type ScriptResult struct {
	RunID    string `json:"run_id"`
	ExitCode int    `json:"exit_code"`
	Output   string `json:"output"`
}

// ScriptRunner executes scripts on behalf of steps. A nil error with a zero
// exit code is a successful attempt.
type ScriptRunner interface {
	Run(ctx context.Context, req ScriptRequest) (ScriptResult, error)
}

type RunnerFunc func(ctx context.Context, req ScriptRequest) (ScriptResult, error)

func (f RunnerFunc) Run(ctx context.Context, req ScriptRequest) (ScriptResult, error) {
	return f(ctx, req)
}

// HTTPRunner calls the script host at POST <base>/v1/runs and waits for the
// run to finish.
type HTTPRunner struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

func NewHTTPRunner(baseURL, apiKey string, timeout time.Duration) *HTTPRunner {
	if timeout <= 0 {
		timeout = 30 * time.Minute
	}
	return &HTTPRunner{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client:  &http.Client{Timeout: timeout},
	}
}

func (r *HTTPRunner) Run(ctx context.Context, in ScriptRequest) (ScriptResult, error) {
	if r.baseURL == "" {
		return ScriptResult{}, fmt.Errorf("script host url is not configured")
	}
	if !strings.HasPrefix(strings.ToLower(r.baseURL), "http") {
		return ScriptResult{}, fmt.Errorf("script host url must be http or https")
	}
	raw, err := json.Marshal(in)
	if err != nil {
		return ScriptResult{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+"/v1/runs", bytes.NewReader(raw))
	if err != nil {
		return ScriptResult{}, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if r.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+r.apiKey)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return ScriptResult{}, err
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode >= 400 {
		return ScriptResult{Output: string(b)}, fmt.Errorf("script host status %d", resp.StatusCode)
	}
	var out ScriptResult
	if err := json.Unmarshal(b, &out); err != nil {
		return ScriptResult{Output: string(b)}, fmt.Errorf("decode script host response: %w", err)
	}
	return out, nil
}
