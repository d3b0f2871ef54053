package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"teamrouter/internal/api/handlers"
	"teamrouter/internal/router"
)

func newTestServer(t *testing.T) (*httptest.Server, *router.Router) {
	t.Helper()
	cfg := router.DefaultConfig()
	cfg.JitterRatio = 0
	core, err := router.New(router.Options{Workspace: t.TempDir(), Config: cfg})
	if err != nil {
		t.Fatalf("router: %v", err)
	}
	handler := NewRouter(Options{
		Server:       handlers.NewServer(core, nil),
		RateLimitRPS: 10000,
	})
	ts := httptest.NewServer(handler)
	t.Cleanup(ts.Close)
	return ts, core
}

func postJSON(t *testing.T, url string, payload any) (int, map[string]any) {
	t.Helper()
	body, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("post %s: %v", url, err)
	}
	defer resp.Body.Close()
	var decoded map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return resp.StatusCode, decoded
}

func getJSON(t *testing.T, url string) (int, map[string]any) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("get %s: %v", url, err)
	}
	defer resp.Body.Close()
	var decoded map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return resp.StatusCode, decoded
}

func TestHealth(t *testing.T) {
	ts, _ := newTestServer(t)
	status, body := getJSON(t, ts.URL+"/health")
	if status != http.StatusOK || body["status"] != "ok" {
		t.Fatalf("health: %d %v", status, body)
	}
}

func TestUnknownRoute(t *testing.T) {
	ts, _ := newTestServer(t)
	status, body := getJSON(t, ts.URL+"/nope")
	if status != http.StatusNotFound || body["error"] != "not found" {
		t.Fatalf("got %d %v", status, body)
	}
	status, body = postJSON(t, ts.URL+"/status", map[string]any{})
	if status != http.StatusNotFound || body["error"] != "not found" {
		t.Fatalf("method mismatch: %d %v", status, body)
	}
}

func TestMessagesValidation(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, err := http.Post(ts.URL+"/messages", "application/json", bytes.NewReader(nil))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	var body map[string]any
	json.NewDecoder(resp.Body).Decode(&body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest || body["error"] != "message body required" {
		t.Fatalf("empty body: %d %v", resp.StatusCode, body)
	}

	resp, err = http.Post(ts.URL+"/messages", "application/json", bytes.NewReader([]byte("{broken")))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	body = nil
	json.NewDecoder(resp.Body).Decode(&body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest || body["error"] != "invalid json" {
		t.Fatalf("broken json: %d %v", resp.StatusCode, body)
	}

	status, body := postJSON(t, ts.URL+"/messages", map[string]any{
		"agent_instance": "lead-1",
		"from":           "lead-1",
		"to":             []string{"coder-1"},
		"type":           "shout",
	})
	if status != http.StatusBadRequest || body["error"] != "type invalid: shout" {
		t.Fatalf("bad type: %d %v", status, body)
	}
}

func TestInboxQueryValidation(t *testing.T) {
	ts, _ := newTestServer(t)
	status, body := getJSON(t, ts.URL+"/inbox")
	if status != http.StatusBadRequest || body["error"] != "agent required" {
		t.Fatalf("missing agent: %d %v", status, body)
	}
	status, body = getJSON(t, ts.URL+"/inbox?agent=coder-1&limit=abc")
	if status != http.StatusBadRequest || body["error"] != "limit must be int" {
		t.Fatalf("bad limit: %d %v", status, body)
	}
	status, body = getJSON(t, ts.URL+"/inbox?agent=coder-1")
	if status != http.StatusOK {
		t.Fatalf("empty inbox: %d %v", status, body)
	}
	if msgs := body["messages"].([]any); len(msgs) != 0 {
		t.Fatalf("messages: %v", msgs)
	}
}

func TestPresenceEndpoints(t *testing.T) {
	ts, _ := newTestServer(t)

	status, body := postJSON(t, ts.URL+"/presence/register", map[string]any{
		"agent": "coder-1",
		"meta":  map[string]any{"role": "coder"},
	})
	if status != http.StatusOK || body["status"] != "online" || body["agent"] != "coder-1" {
		t.Fatalf("register: %d %v", status, body)
	}

	status, body = postJSON(t, ts.URL+"/presence/heartbeat", map[string]any{"agent": "coder-1"})
	if status != http.StatusOK || body["status"] != "online" {
		t.Fatalf("heartbeat: %d %v", status, body)
	}

	status, body = postJSON(t, ts.URL+"/presence/register", map[string]any{})
	if status != http.StatusBadRequest || body["error"] != "agent required" {
		t.Fatalf("empty register: %d %v", status, body)
	}

	status, body = getJSON(t, ts.URL+"/presence?agent=ghost-1")
	if status != http.StatusOK || body["status"] != "unknown" {
		t.Fatalf("unknown agent: %d %v", status, body)
	}

	status, body = getJSON(t, ts.URL+"/presence")
	if status != http.StatusOK {
		t.Fatalf("presence list: %d %v", status, body)
	}
	agents := body["agents"].(map[string]any)
	if _, ok := agents["coder-1"]; !ok {
		t.Fatalf("agents: %v", agents)
	}
}

// End-to-end flow over HTTP: register, assign, pop, accept, report done,
// then inspect status and trace.
func TestSmokeScenario(t *testing.T) {
	ts, _ := newTestServer(t)

	postJSON(t, ts.URL+"/presence/register", map[string]any{
		"agent": "coder-1",
		"meta":  map[string]any{"role": "coder"},
	})

	status, sent := postJSON(t, ts.URL+"/messages", map[string]any{
		"agent_instance": "lead-1",
		"from":           "lead-1",
		"to":             []string{"coder"},
		"type":           "ask",
		"action":         "assign",
		"task_id":        "T1",
		"owner":          "coder",
		"deadline":       9000000000000,
		"body":           `{"task_type":"feature","files":["main.go"],"success_criteria":["tests pass"]}`,
	})
	if status != http.StatusOK || sent["status"] != "delivered" {
		t.Fatalf("send: %d %v", status, sent)
	}
	id := sent["id"].(string)
	acks := sent["acks"].([]any)
	if len(acks) != 1 || acks[0].(map[string]any)["agent"] != "coder-1" {
		t.Fatalf("role resolution: %v", acks)
	}

	status, inbox := getJSON(t, ts.URL+"/inbox?agent=coder-1&limit=5")
	if status != http.StatusOK {
		t.Fatalf("inbox: %d %v", status, inbox)
	}
	messages := inbox["messages"].([]any)
	if len(messages) != 1 || messages[0].(map[string]any)["id"] != id {
		t.Fatalf("inbox messages: %v", messages)
	}

	status, ackResult := postJSON(t, ts.URL+"/acks", map[string]any{
		"ack_stage": "accepted",
		"corr":      id,
		"agent":     "coder-1",
	})
	if status != http.StatusOK || ackResult["ack"] != "accepted" {
		t.Fatalf("ack: %d %v", status, ackResult)
	}

	status, done := postJSON(t, ts.URL+"/messages", map[string]any{
		"agent_instance": "coder-1",
		"from":           "coder-1",
		"to":             []string{"lead-1"},
		"type":           "done",
		"corr":           id,
		"task_id":        "T1",
	})
	if status != http.StatusOK {
		t.Fatalf("done: %d %v", status, done)
	}

	status, routerStatus := getJSON(t, ts.URL+"/status?tasks=1&filter_task=T1")
	if status != http.StatusOK {
		t.Fatalf("status: %d %v", status, routerStatus)
	}
	tasks := routerStatus["tasks"].(map[string]any)
	task := tasks["T1"].(map[string]any)
	if task["status"] != "done" {
		t.Fatalf("task: %v", task)
	}

	status, trace := getJSON(t, ts.URL+"/trace?task=T1")
	if status != http.StatusOK {
		t.Fatalf("trace: %d %v", status, trace)
	}
	if msgs := trace["messages"].([]any); len(msgs) != 2 {
		t.Fatalf("trace messages: %v", msgs)
	}

	status, body := getJSON(t, ts.URL+"/trace?task=T1&id="+id)
	if status != http.StatusBadRequest || body["error"] != "trace supports either task_id or message_id" {
		t.Fatalf("trace conflict: %d %v", status, body)
	}
}
