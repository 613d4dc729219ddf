package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/farlabs/agentmesh/internal/registry"
	"github.com/farlabs/agentmesh/internal/workflow"
)

func newTestHandler(t *testing.T) (*registry.Registry, *workflow.Engine, http.Handler) {
	t.Helper()
	logger := zap.NewNop()
	reg := registry.New(logger)
	engine := workflow.New(
		func(context.Context, string, json.RawMessage, map[string]string) error { return nil },
		nil, nil, time.Second, logger,
	)
	h := NewHandler(reg, engine, 0, logger)
	return reg, engine, h.Router()
}

func getJSON(t *testing.T, ts *httptest.Server, path string, v interface{}) *http.Response {
	t.Helper()
	resp, err := http.Get(ts.URL + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	defer resp.Body.Close()
	if v != nil {
		if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
			t.Fatalf("decode %s: %v", path, err)
		}
	}
	return resp
}

func TestHealth(t *testing.T) {
	reg, _, router := newTestHandler(t)
	ts := httptest.NewServer(router)
	defer ts.Close()

	reg.RegisterOnline(registry.AgentInfo{AgentID: "llm"}, "@llm:example.org")

	var body map[string]any
	resp := getJSON(t, ts, "/api/health", &body)
	if resp.StatusCode != 200 {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if body["status"] != "ok" {
		t.Errorf("status = %v", body["status"])
	}
	if body["agents_online"].(float64) != 1 {
		t.Errorf("agents_online = %v", body["agents_online"])
	}
}

func TestListAgentsIncludesLiveness(t *testing.T) {
	reg, _, router := newTestHandler(t)
	ts := httptest.NewServer(router)
	defer ts.Close()

	reg.RegisterOnline(registry.AgentInfo{AgentID: "llm", Capabilities: []string{"chat"}}, "@llm:example.org")
	reg.RegisterOnline(registry.AgentInfo{AgentID: "search"}, "@search:example.org")
	reg.RegisterOffline("search")

	var agents []agentView
	getJSON(t, ts, "/api/agents", &agents)
	if len(agents) != 2 {
		t.Fatalf("agents = %d", len(agents))
	}
	byID := map[string]agentView{}
	for _, a := range agents {
		byID[a.AgentID] = a
	}
	if !byID["llm"].Online || byID["search"].Online {
		t.Errorf("liveness wrong: %+v", byID)
	}
}

func TestGetWorkflow(t *testing.T) {
	_, engine, router := newTestHandler(t)
	ts := httptest.NewServer(router)
	defer ts.Close()

	input, _ := json.Marshal("hello")
	id, err := engine.CreateChain(context.Background(), []string{"llm"}, input, "@alice:example.org", "!room:x")
	if err != nil {
		t.Fatal(err)
	}

	var wf workflow.Workflow
	resp := getJSON(t, ts, "/api/workflows/"+id, &wf)
	if resp.StatusCode != 200 {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if wf.ID != id || len(wf.Steps) != 1 {
		t.Errorf("workflow = %+v", wf)
	}

	resp = getJSON(t, ts, "/api/workflows/nope", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("missing workflow status = %d", resp.StatusCode)
	}
}
