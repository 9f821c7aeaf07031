package api

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

	"github.com/nidhogg/nuka-conductor/internal/agent"
	"github.com/nidhogg/nuka-conductor/internal/bus"
	"github.com/nidhogg/nuka-conductor/internal/decompose"
	"github.com/nidhogg/nuka-conductor/internal/metrics"
	"github.com/nidhogg/nuka-conductor/internal/models"
	"github.com/nidhogg/nuka-conductor/internal/orchestrator"
	"github.com/nidhogg/nuka-conductor/internal/synthesis"
	"go.uber.org/zap"
)

type fixedDecomposer struct{ caps []models.Capability }

func (d fixedDecomposer) Decompose(_ context.Context, goal string, _ decompose.Constraints) (*models.Structure, error) {
	return &models.Structure{
		Goal:  goal,
		Tasks: []models.Task{models.NewTask("summarize", "summarize", goal, nil, d.caps, models.PriorityNormal, time.Now())},
	}, nil
}

func summarizer(id string) agent.Agent {
	return agent.NewFunc(id, "Summarizer", func(ctx context.Context, t models.Task, sc *agent.SessionContext) *models.Result {
		return models.Succeeded(map[string]any{"summary": "done"}, 0.9)
	}, "summarize")
}

// newTestHandler creates a Handler wired with in-process deps only.
func newTestHandler(t *testing.T, caps []models.Capability, opts Options) (*Handler, http.Handler) {
	t.Helper()
	logger := zap.NewNop()

	reg := agent.NewRegistry(logger)
	if err := reg.Register(summarizer("sum-1")); err != nil {
		t.Fatalf("register: %v", err)
	}
	orch := orchestrator.New(reg, fixedDecomposer{caps: caps}, synthesis.New(nil, 0, logger), orchestrator.DefaultOptions(), logger)
	m := metrics.NewCollector("test", logger)
	orch.SetMetrics(m)
	b := bus.NewLocalBus(reg, 8, logger)
	orch.SetBus(b)

	h := NewHandler(orch, b, m, opts, logger)
	return h, h.Router()
}

func postJSON(t *testing.T, ts *httptest.Server, path string, body interface{}) *http.Response {
	t.Helper()
	b, _ := json.Marshal(body)
	resp, err := http.Post(ts.URL+path, "application/json", bytes.NewReader(b))
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	return resp
}

func putJSON(t *testing.T, ts *httptest.Server, path string, body interface{}) *http.Response {
	t.Helper()
	b, _ := json.Marshal(body)
	req, _ := http.NewRequest(http.MethodPut, ts.URL+path, bytes.NewReader(b))
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("PUT %s: %v", path, err)
	}
	return resp
}

func getJSON(t *testing.T, ts *httptest.Server, path string) *http.Response {
	t.Helper()
	resp, err := http.Get(ts.URL + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	return resp
}

func decodeJSON(t *testing.T, resp *http.Response, v interface{}) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func deleteReq(t *testing.T, ts *httptest.Server, path string) *http.Response {
	t.Helper()
	req, _ := http.NewRequest("DELETE", ts.URL+path, nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("DELETE %s: %v", path, err)
	}
	return resp
}

// --- Tests ---

func TestHealthCheck(t *testing.T) {
	_, router := newTestHandler(t, []models.Capability{"summarize"}, Options{})
	ts := httptest.NewServer(router)
	defer ts.Close()

	resp := getJSON(t, ts, "/api/health")
	if resp.StatusCode != 200 {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var body map[string]any
	decodeJSON(t, resp, &body)
	if body["status"] != "ok" {
		t.Errorf("expected status ok, got %v", body["status"])
	}
	if body["agents"] != float64(1) {
		t.Errorf("expected 1 agent, got %v", body["agents"])
	}
}

func TestAgentStatusLifecycle(t *testing.T) {
	_, router := newTestHandler(t, []models.Capability{"summarize"}, Options{})
	ts := httptest.NewServer(router)
	defer ts.Close()

	var agents []agent.Info
	decodeJSON(t, getJSON(t, ts, "/api/agents"), &agents)
	if len(agents) != 1 || agents[0].ID != "sum-1" {
		t.Fatalf("unexpected agents: %+v", agents)
	}

	resp := putJSON(t, ts, "/api/agents/sum-1/status", map[string]string{"status": "offline"})
	if resp.StatusCode != 200 {
		t.Fatalf("set status: expected 200, got %d", resp.StatusCode)
	}
	var info agent.Info
	decodeJSON(t, resp, &info)
	if info.Status != models.AgentOffline {
		t.Errorf("expected offline, got %s", info.Status)
	}

	resp = putJSON(t, ts, "/api/agents/sum-1/status", map[string]string{"status": "sleeping"})
	if resp.StatusCode != 400 {
		t.Errorf("invalid status: expected 400, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = putJSON(t, ts, "/api/agents/ghost/status", map[string]string{"status": "idle"})
	if resp.StatusCode != 404 {
		t.Errorf("unknown agent: expected 404, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = deleteReq(t, ts, "/api/agents/sum-1")
	if resp.StatusCode != 200 {
		t.Fatalf("deregister: expected 200, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = getJSON(t, ts, "/api/agents/sum-1")
	if resp.StatusCode != 404 {
		t.Errorf("expected 404 after deregister, got %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestSubmit(t *testing.T) {
	_, router := newTestHandler(t, []models.Capability{"summarize"}, Options{})
	ts := httptest.NewServer(router)
	defer ts.Close()

	resp := postJSON(t, ts, "/api/submit", map[string]any{"goal": "Summarize the meeting"})
	if resp.StatusCode != 200 {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var res synthesis.FinalResult
	decodeJSON(t, resp, &res)
	if res.Summary != "[summarize] done" {
		t.Errorf("unexpected summary %q", res.Summary)
	}
	if res.Partial {
		t.Error("expected a complete result")
	}
	if res.Output["summarize"]["summary"] != "done" {
		t.Errorf("unexpected output %+v", res.Output)
	}
}

func TestSubmitNoCapableAgent(t *testing.T) {
	_, router := newTestHandler(t, []models.Capability{"translate"}, Options{})
	ts := httptest.NewServer(router)
	defer ts.Close()

	resp := postJSON(t, ts, "/api/submit", map[string]any{"goal": "Translate this"})
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", resp.StatusCode)
	}
	var body errorResponse
	decodeJSON(t, resp, &body)
	if body.Kind != "no_capable_agent" {
		t.Errorf("expected kind no_capable_agent, got %q", body.Kind)
	}
	if body.Capability != "translate" {
		t.Errorf("expected capability translate, got %q", body.Capability)
	}
	if body.Task != "summarize" {
		t.Errorf("expected task summarize, got %q", body.Task)
	}
	if body.State != "failed" {
		t.Errorf("expected state failed, got %q", body.State)
	}
}

func TestSubmitStructure(t *testing.T) {
	_, router := newTestHandler(t, nil, Options{})
	ts := httptest.NewServer(router)
	defer ts.Close()

	structure := map[string]any{
		"goal": "two steps",
		"tasks": []map[string]any{
			{"id": "a", "type": "summarize", "requires": []string{"summarize"}},
			{"id": "b", "type": "summarize", "requires": []string{"summarize"}},
		},
		"dependencies": map[string][]string{"b": {"a"}},
	}
	resp := postJSON(t, ts, "/api/submit", map[string]any{"structure": structure})
	if resp.StatusCode != 200 {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("expected 200, got %d: %s", resp.StatusCode, body)
	}
	var res synthesis.FinalResult
	decodeJSON(t, resp, &res)
	if len(res.Results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(res.Results))
	}
	if res.Results[0].TaskID != "a" || res.Results[1].TaskID != "b" {
		t.Errorf("unexpected order: %s, %s", res.Results[0].TaskID, res.Results[1].TaskID)
	}

	structure["dependencies"] = map[string][]string{"a": {"b"}, "b": {"a"}}
	resp = postJSON(t, ts, "/api/submit", map[string]any{"structure": structure})
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("cycle: expected 422, got %d", resp.StatusCode)
	}
	var body errorResponse
	decodeJSON(t, resp, &body)
	if body.Kind != "cyclic_dependency" {
		t.Errorf("expected kind cyclic_dependency, got %q", body.Kind)
	}
}

func TestSubmitBadRequest(t *testing.T) {
	_, router := newTestHandler(t, nil, Options{})
	ts := httptest.NewServer(router)
	defer ts.Close()

	cases := []map[string]any{
		{},
		{"goal": "x", "policy": map[string]any{"timeout": "soon"}},
		{"goal": "x", "policy": map[string]any{"max_concurrency": -1}},
	}
	for _, c := range cases {
		resp := postJSON(t, ts, "/api/submit", c)
		if resp.StatusCode != 400 {
			t.Errorf("%v: expected 400, got %d", c, resp.StatusCode)
		}
		resp.Body.Close()
	}
}

func TestMergePolicy(t *testing.T) {
	def := orchestrator.DefaultOptions().Policy
	be := true
	p, err := mergePolicy(def, &policyRequest{BestEffort: &be, Timeout: "2s"})
	if err != nil {
		t.Fatalf("merge: %v", err)
	}
	if !p.BestEffort || p.Timeout != 2*time.Second {
		t.Errorf("overrides not applied: %+v", p)
	}
	if p.Failover != def.Failover || p.MaxFailover != def.MaxFailover {
		t.Errorf("defaults lost: %+v", p)
	}
}

func TestSubmitStream(t *testing.T) {
	_, router := newTestHandler(t, []models.Capability{"summarize"}, Options{})
	ts := httptest.NewServer(router)
	defer ts.Close()

	resp := postJSON(t, ts, "/api/submit/stream", map[string]any{"goal": "Summarize"})
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("expected event stream, got %q", ct)
	}
	if resp.Header.Get("X-Session-ID") == "" {
		t.Error("expected a session id header")
	}

	var kinds []string
	var done orchestrator.Event
	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		line := sc.Text()
		if strings.HasPrefix(line, "event: ") {
			kinds = append(kinds, strings.TrimPrefix(line, "event: "))
		}
		if strings.HasPrefix(line, "data: ") && len(kinds) > 0 && kinds[len(kinds)-1] == "done" {
			if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &done); err != nil {
				t.Fatalf("decode done event: %v", err)
			}
		}
	}
	if len(kinds) == 0 || kinds[0] != "session" {
		t.Fatalf("expected session event first, got %v", kinds)
	}
	if kinds[len(kinds)-1] != "done" {
		t.Fatalf("expected done event last, got %v", kinds)
	}
	if done.Result == nil || done.Result.Summary != "[summarize] done" {
		t.Errorf("unexpected done event %+v", done)
	}
}

func TestSendMessage(t *testing.T) {
	_, router := newTestHandler(t, nil, Options{})
	ts := httptest.NewServer(router)
	defer ts.Close()

	resp := postJSON(t, ts, "/api/agents/sum-1/messages", map[string]string{"body": "use bullet points"})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp.StatusCode)
	}
	var body map[string]any
	decodeJSON(t, resp, &body)
	if body["delivered"] != true {
		t.Errorf("expected delivery, got %v", body)
	}

	resp = postJSON(t, ts, "/api/agents/ghost/messages", map[string]string{"body": "hello?"})
	decodeJSON(t, resp, &body)
	if body["delivered"] != false {
		t.Errorf("expected drop for unknown agent, got %v", body)
	}
}

func TestSessionsEndpoints(t *testing.T) {
	_, router := newTestHandler(t, nil, Options{})
	ts := httptest.NewServer(router)
	defer ts.Close()

	var sessions []orchestrator.SessionInfo
	decodeJSON(t, getJSON(t, ts, "/api/sessions"), &sessions)
	if len(sessions) != 0 {
		t.Errorf("expected no sessions, got %d", len(sessions))
	}

	resp := getJSON(t, ts, "/api/sessions/nope")
	if resp.StatusCode != 404 {
		t.Errorf("expected 404, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = deleteReq(t, ts, "/api/sessions/nope")
	if resp.StatusCode != 404 {
		t.Errorf("abort unknown: expected 404, got %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestRateLimit(t *testing.T) {
	_, router := newTestHandler(t, []models.Capability{"summarize"}, Options{RPS: 0.001, Burst: 1})
	ts := httptest.NewServer(router)
	defer ts.Close()

	resp := postJSON(t, ts, "/api/submit", map[string]any{"goal": "first"})
	if resp.StatusCode != 200 {
		t.Fatalf("first: expected 200, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = postJSON(t, ts, "/api/submit", map[string]any{"goal": "second"})
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("second: expected 429, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	// Diagnostics are not limited.
	resp = getJSON(t, ts, "/api/health")
	if resp.StatusCode != 200 {
		t.Errorf("health: expected 200, got %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestMetricsEndpoint(t *testing.T) {
	_, router := newTestHandler(t, []models.Capability{"summarize"}, Options{})
	ts := httptest.NewServer(router)
	defer ts.Close()

	postJSON(t, ts, "/api/submit", map[string]any{"goal": "count me"}).Body.Close()

	// The request counter is bumped after the response is written.
	want := []string{`test_sessions_total{state="completed"} 1`, `test_http_requests_total{method="POST",path="/api/submit",status="200"} 1`}
	var body string
	deadline := time.Now().Add(2 * time.Second)
	for {
		resp := getJSON(t, ts, "/metrics")
		b, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		body = string(b)
		if containsAll(body, want) || time.Now().After(deadline) {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	for _, w := range want {
		if !strings.Contains(body, w) {
			t.Errorf("metrics output missing %q", w)
		}
	}
}

func containsAll(s string, subs []string) bool {
	for _, sub := range subs {
		if !strings.Contains(s, sub) {
			return false
		}
	}
	return true
}
