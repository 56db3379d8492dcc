package httpserver

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ronappleton/runbook-engine/internal/config"
	"github.com/ronappleton/runbook-engine/internal/engine"
	"github.com/ronappleton/runbook-engine/internal/executor"
	"github.com/ronappleton/runbook-engine/internal/healing"
	"github.com/ronappleton/runbook-engine/internal/metrics"
	"github.com/ronappleton/runbook-engine/internal/runbook"
	"github.com/ronappleton/runbook-engine/internal/store"
	"github.com/ronappleton/runbook-engine/internal/trigger"
)

const restartJSON = `{
  "id": "restart",
  "name": "Restart service",
  "is_enabled": true,
  "steps": [
    {"id": "stop", "name": "Stop", "thing_id": "svc", "profile_id": "stop"},
    {"id": "start", "name": "Start", "thing_id": "svc", "profile_id": "start", "depends_on": ["stop"]}
  ]
}`

type harness struct {
	t   *testing.T
	srv *httptest.Server
	svc *engine.Service
}

func newHarness(t *testing.T, mutate func(*config.Config)) *harness {
	t.Helper()
	cfg := config.Default()
	if mutate != nil {
		mutate(&cfg)
	}
	reg := prometheus.NewRegistry()
	runner := executor.RunnerFunc(func(context.Context, executor.ScriptRequest) (executor.ScriptResult, error) {
		return executor.ScriptResult{RunID: "run"}, nil
	})
	svc, err := engine.New(cfg, zap.NewNop(), metrics.New(reg), store.NewMemoryStore(), runner)
	require.NoError(t, err)
	require.NoError(t, svc.Start(context.Background()))

	server := NewServer(cfg, zap.NewNop(), svc, reg)
	ts := httptest.NewServer(server.Handler())
	t.Cleanup(func() {
		close(server.stopping)
		ts.Close()
		_ = svc.Stop(context.Background())
	})
	return &harness{t: t, srv: ts, svc: svc}
}

func (h *harness) do(method, path, body string, headers ...string) (*http.Response, []byte) {
	h.t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, h.srv.URL+path, rd)
	require.NoError(h.t, err)
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(h.t, err)
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	require.NoError(h.t, err)
	return resp, b
}

func (h *harness) createRunbook(doc string) runbook.Runbook {
	h.t.Helper()
	resp, body := h.do(http.MethodPost, "/v1/runbooks", doc)
	require.Equal(h.t, http.StatusCreated, resp.StatusCode, string(body))
	var rb runbook.Runbook
	require.NoError(h.t, json.Unmarshal(body, &rb))
	return rb
}

func TestHealthAndMetrics(t *testing.T) {
	h := newHarness(t, nil)
	resp, body := h.do(http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"status":"ok"}`, string(body))

	h.createRunbook(restartJSON)
	h.do(http.MethodPost, "/v1/runbooks/restart/executions", "")
	resp, body = h.do(http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "runbook_engine_executions_started_total 1")
}

func TestRunbookCRUD(t *testing.T) {
	h := newHarness(t, nil)
	rb := h.createRunbook(restartJSON)
	assert.Equal(t, 1, rb.Version)

	resp, _ := h.do(http.MethodPost, "/v1/runbooks", restartJSON)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, body := h.do(http.MethodPut, "/v1/runbooks/restart", strings.Replace(restartJSON, "Restart service", "Restart API", 1))
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

	resp, body = h.do(http.MethodGet, "/v1/runbooks/restart/versions", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var versions struct{ Items []runbook.Runbook }
	require.NoError(t, json.Unmarshal(body, &versions))
	assert.Len(t, versions.Items, 2)

	resp, body = h.do(http.MethodGet, "/v1/runbooks/restart/versions/1", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var first runbook.Runbook
	require.NoError(t, json.Unmarshal(body, &first))
	assert.Equal(t, "Restart service", first.Name)

	resp, _ = h.do(http.MethodDelete, "/v1/runbooks/restart", "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp, _ = h.do(http.MethodGet, "/v1/runbooks/restart", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCreateRunbookValidation(t *testing.T) {
	h := newHarness(t, nil)
	cyclic := `{"name":"loop","steps":[
		{"id":"a","name":"A","thing_id":"x","profile_id":"y","depends_on":["b"]},
		{"id":"b","name":"B","thing_id":"x","profile_id":"y","depends_on":["a"]}]}`
	resp, body := h.do(http.MethodPost, "/v1/runbooks", cyclic)
	require.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	var eb errorBody
	require.NoError(t, json.Unmarshal(body, &eb))
	assert.Contains(t, eb.Problems, "step dependencies contain a cycle")

	resp, _ = h.do(http.MethodPost, "/v1/runbooks", `{"name":"x","steps":[{"id":"a","bogus":1}]}`)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)

	resp, _ = h.do(http.MethodPost, "/v1/runbooks", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestValidateEndpoint(t *testing.T) {
	h := newHarness(t, nil)
	resp, body := h.do(http.MethodPost, "/v1/runbooks/validate", restartJSON)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var out validateResponse
	require.NoError(t, json.Unmarshal(body, &out))
	assert.True(t, out.Valid)
	assert.Equal(t, []string{"stop", "start"}, out.Order)

	resp, body = h.do(http.MethodPost, "/v1/runbooks/validate", `{"steps":[]}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	out = validateResponse{}
	require.NoError(t, json.Unmarshal(body, &out))
	assert.False(t, out.Valid)
	assert.Len(t, out.Problems, 2)
}

func TestTemplates(t *testing.T) {
	h := newHarness(t, nil)
	resp, body := h.do(http.MethodGet, "/v1/runbooks/templates", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var out struct{ Items []runbook.Runbook }
	require.NoError(t, json.Unmarshal(body, &out))
	assert.Len(t, out.Items, len(runbook.BuiltinTemplates))
}

func TestManualTriggerAndExecutionActions(t *testing.T) {
	h := newHarness(t, nil)
	h.createRunbook(restartJSON)

	resp, body := h.do(http.MethodPost, "/v1/runbooks/restart/executions", `{"actor":"ops"}`)
	require.Equal(t, http.StatusAccepted, resp.StatusCode, string(body))
	var exec runbook.Execution
	require.NoError(t, json.Unmarshal(body, &exec))
	assert.Equal(t, "manual by ops", exec.TriggerInfo)

	require.Eventually(t, func() bool {
		resp, body := h.do(http.MethodGet, "/v1/executions/"+exec.ID, "")
		if resp.StatusCode != http.StatusOK {
			return false
		}
		var cur runbook.Execution
		return json.Unmarshal(body, &cur) == nil && cur.Status == runbook.ExecutionSucceeded
	}, 3*time.Second, 20*time.Millisecond)

	resp, _ = h.do(http.MethodPost, "/v1/executions/"+exec.ID+"/cancel", "")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	resp, _ = h.do(http.MethodPost, "/v1/executions/"+exec.ID+"/pause", "")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	resp, _ = h.do(http.MethodPost, "/v1/executions/missing/cancel", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, body = h.do(http.MethodGet, "/v1/executions?runbook_id=restart&status=succeeded", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var list struct{ Items []runbook.Execution }
	require.NoError(t, json.Unmarshal(body, &list))
	assert.Len(t, list.Items, 1)

	resp, _ = h.do(http.MethodPost, "/v1/runbooks/missing/executions", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHealingFlowOverHTTP(t *testing.T) {
	h := newHarness(t, nil)
	h.createRunbook(restartJSON)

	resp, body := h.do(http.MethodPost, "/v1/healing/rules", `{
		"name": "restart on critical",
		"trigger_condition": "severity >= critical",
		"runbook_id": "restart",
		"requires_approval": true
	}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	var rule healing.Rule
	require.NoError(t, json.Unmarshal(body, &rule))
	assert.Equal(t, 3, rule.MaxExecutionsPerHour)

	resp, _ = h.do(http.MethodPost, "/v1/healing/rules", `{"name":"x","trigger_condition":"severity >= error","runbook_id":"nope"}`)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)

	resp, body = h.do(http.MethodPost, "/v1/alerts/fired", `{"alert":{"id":"al-1","severity":"critical"},"rule":{"name":"cpu","metric_name":"cpu"}}`)
	require.Equal(t, http.StatusAccepted, resp.StatusCode, string(body))

	var pending []healing.Execution
	require.Eventually(t, func() bool {
		resp, body := h.do(http.MethodGet, "/v1/healing/executions?status=awaiting_approval", "")
		var out struct{ Items []healing.Execution }
		if resp.StatusCode != http.StatusOK || json.Unmarshal(body, &out) != nil {
			return false
		}
		pending = out.Items
		return len(pending) == 1
	}, 3*time.Second, 20*time.Millisecond)

	resp, body = h.do(http.MethodPost, "/v1/healing/executions/"+pending[0].ID+"/approve", "")
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	resp, _ = h.do(http.MethodPost, "/v1/healing/executions/"+pending[0].ID+"/approve", "")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	require.Eventually(t, func() bool {
		resp, body := h.do(http.MethodGet, "/v1/healing/executions/"+pending[0].ID, "")
		var he healing.Execution
		return resp.StatusCode == http.StatusOK && json.Unmarshal(body, &he) == nil && he.Status == healing.StatusSucceeded
	}, 3*time.Second, 20*time.Millisecond)

	resp, _ = h.do(http.MethodPost, "/v1/healing/rules/"+rule.ID+"/trigger", "")
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode, "cooldown applies to manual triggers")

	resp, _ = h.do(http.MethodDelete, "/v1/healing/rules/"+rule.ID, "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp, _ = h.do(http.MethodGet, "/v1/healing/rules/"+rule.ID, "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAlertRequiresID(t *testing.T) {
	h := newHarness(t, nil)
	resp, _ := h.do(http.MethodPost, "/v1/alerts/fired", `{"alert":{"severity":"error"}}`)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	resp, _ = h.do(http.MethodPost, "/v1/alerts/resolved", `not json`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHealingDisabledAnswers503(t *testing.T) {
	h := newHarness(t, func(c *config.Config) { c.SelfHealing.Enabled = false })
	resp, _ := h.do(http.MethodGet, "/v1/healing/rules", "")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	resp, _ = h.do(http.MethodPost, "/v1/alerts/fired", `{"alert":{"id":"a"}}`)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestWebhookRoute(t *testing.T) {
	h := newHarness(t, nil)
	doc := strings.Replace(restartJSON, `"is_enabled": true,`, `"is_enabled": true,
  "trigger": {"kind": "webhook", "webhook": {"secret": "s3cret"}},`, 1)
	h.createRunbook(doc)

	payload := `{"deploy":"v2"}`
	resp, body := h.do(http.MethodPost, "/v1/webhooks/restart", payload,
		trigger.DefaultSignatureHeader, "sha256="+trigger.Sign("s3cret", []byte(payload)))
	require.Equal(t, http.StatusAccepted, resp.StatusCode, string(body))
	var exec runbook.Execution
	require.NoError(t, json.Unmarshal(body, &exec))
	assert.Equal(t, payload, exec.TriggerInfo)

	resp, _ = h.do(http.MethodPost, "/v1/webhooks/restart", payload, trigger.DefaultSignatureHeader, "sha256=00")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestEventStream(t *testing.T) {
	h := newHarness(t, nil)
	h.createRunbook(restartJSON)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.srv.URL+"/v1/events/stream?topic=runbook.execution.status_changed", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	h.do(http.MethodPost, "/v1/runbooks/restart/executions", "")

	reader := bufio.NewReader(resp.Body)
	var event []byte
	for {
		line, err := reader.ReadBytes('\n')
		require.NoError(t, err)
		if bytes.HasPrefix(line, []byte("event: ")) {
			event = bytes.TrimSpace(bytes.TrimPrefix(line, []byte("event: ")))
			break
		}
	}
	assert.Equal(t, "runbook.execution.status_changed", string(event))
}
