package workflow

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/farlabs/agentmesh/internal/protocol"
)

// fakeMesh simulates the routed-envelope path: routed steps are answered
// (or dropped) per agent, feeding replies back through Engine.Resolve the
// way the orchestrator's workflow_step_response handler does.
type fakeMesh struct {
	mu     sync.Mutex
	engine *Engine
	// respond maps agent id to a reply function; a nil entry drops the step.
	respond map[string]func(input json.RawMessage) any
	routed  []string
}

func (f *fakeMesh) route(_ context.Context, agentID string, input json.RawMessage, msgCtx map[string]string) error {
	f.mu.Lock()
	f.routed = append(f.routed, agentID)
	fn, ok := f.respond[agentID]
	f.mu.Unlock()

	if !ok {
		return fmt.Errorf("agent %s is not online", agentID)
	}
	if fn == nil {
		return nil // routed fine, but the reply never comes
	}

	go func() {
		content, _ := json.Marshal(fn(input))
		reply := &protocol.AgentMessage{
			ID:        "reply",
			Sender:    agentID,
			Target:    "orchestrator",
			Type:      protocol.ResponseType(protocol.TypeWorkflowStep),
			Content:   content,
			Context:   map[string]string{protocol.CtxReplyTo: msgCtx[protocol.CtxRequestID]},
			Timestamp: time.Now(),
		}
		f.engine.Resolve(reply)
	}()
	return nil
}

type notification struct {
	room, text string
}

func newTestEngine(t *testing.T, stepTimeout time.Duration, respond map[string]func(json.RawMessage) any) (*Engine, *fakeMesh, chan notification) {
	t.Helper()
	mesh := &fakeMesh{respond: respond}
	notes := make(chan notification, 4)
	engine := New(mesh.route, func(room, text string) {
		notes <- notification{room, text}
	}, nil, stepTimeout, zap.NewNop())
	mesh.engine = engine
	return engine, mesh, notes
}

func waitTerminal(t *testing.T, e *Engine, id string) *Workflow {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		if wf, ok := e.Get(id); ok {
			if wf.Status == StatusCompleted || wf.Status == StatusFailed {
				return wf
			}
		}
		select {
		case <-deadline:
			t.Fatal("workflow never reached a terminal status")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestChainSuccessThreadsOutputs(t *testing.T) {
	respond := map[string]func(json.RawMessage) any{
		"search": func(in json.RawMessage) any { return "results for " + rawString(in) },
		"llm":    func(in json.RawMessage) any { return "summary of " + rawString(in) },
	}
	engine, _, notes := newTestEngine(t, time.Second, respond)

	seed, _ := json.Marshal("find tutorials")
	id, err := engine.CreateChain(context.Background(), []string{"search", "llm"}, seed, "@human:example.org", "!room:x")
	if err != nil {
		t.Fatalf("CreateChain: %v", err)
	}

	wf := waitTerminal(t, engine, id)
	if wf.Status != StatusCompleted {
		t.Fatalf("status = %s, want completed", wf.Status)
	}

	// Step 1's input must equal step 0's output byte-for-byte.
	if !bytes.Equal(wf.Steps[1].Input, wf.Steps[0].Output) {
		t.Errorf("step 1 input %s != step 0 output %s", wf.Steps[1].Input, wf.Steps[0].Output)
	}
	if rawString(wf.Steps[1].Output) != "summary of results for find tutorials" {
		t.Errorf("final output = %s", wf.Steps[1].Output)
	}

	n := <-notes
	if n.room != "!room:x" {
		t.Errorf("notification sent to %q", n.room)
	}
	select {
	case extra := <-notes:
		t.Errorf("more than one terminal notification: %+v", extra)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestChainStepTimeoutFailsWorkflow(t *testing.T) {
	respond := map[string]func(json.RawMessage) any{
		"a": func(in json.RawMessage) any { return "a-out" },
		"b": func(in json.RawMessage) any { return "b-out" },
		"c": nil, // routed but never replies
		"d": func(in json.RawMessage) any { return "d-out" },
	}
	engine, _, notes := newTestEngine(t, 100*time.Millisecond, respond)

	seed, _ := json.Marshal("go")
	id, _ := engine.CreateChain(context.Background(), []string{"a", "b", "c", "d"}, seed, "req", "!room:x")

	wf := waitTerminal(t, engine, id)
	if wf.Status != StatusFailed {
		t.Fatalf("status = %s, want failed", wf.Status)
	}
	wantSteps := []Status{StatusCompleted, StatusCompleted, StatusFailed, StatusPending}
	for i, want := range wantSteps {
		if wf.Steps[i].Status != want {
			t.Errorf("step %d status = %s, want %s", i, wf.Steps[i].Status, want)
		}
	}
	if wf.Steps[2].Error == "" {
		t.Error("failed step has no error description")
	}
	<-notes
}

func TestChainRoutingFailureFailsWorkflow(t *testing.T) {
	engine, mesh, notes := newTestEngine(t, time.Second, map[string]func(json.RawMessage) any{})

	seed, _ := json.Marshal("go")
	id, _ := engine.CreateChain(context.Background(), []string{"offline-agent"}, seed, "req", "!room:x")

	wf := waitTerminal(t, engine, id)
	if wf.Status != StatusFailed {
		t.Fatalf("status = %s, want failed", wf.Status)
	}
	if len(mesh.routed) != 1 {
		t.Errorf("routed %d times, want 1", len(mesh.routed))
	}
	<-notes
}

func TestConcurrentWorkflowsAreIndependent(t *testing.T) {
	respond := map[string]func(json.RawMessage) any{
		"ok":   func(in json.RawMessage) any { return "done" },
		"dead": nil,
	}
	engine, _, notes := newTestEngine(t, 100*time.Millisecond, respond)

	seed, _ := json.Marshal("x")
	good, _ := engine.CreateChain(context.Background(), []string{"ok"}, seed, "req", "!room:x")
	bad, _ := engine.CreateChain(context.Background(), []string{"dead"}, seed, "req", "!room:x")

	if waitTerminal(t, engine, good).Status != StatusCompleted {
		t.Error("healthy workflow affected by unrelated failure")
	}
	if waitTerminal(t, engine, bad).Status != StatusFailed {
		t.Error("dead workflow did not fail")
	}
	<-notes
	<-notes
}

func TestFailedReplyFailsStep(t *testing.T) {
	respond := map[string]func(json.RawMessage) any{
		"a": func(in json.RawMessage) any { return "a-out" },
		"b": func(in json.RawMessage) any {
			return map[string]string{"status": "failed", "error": "model unreachable"}
		},
		"c": func(in json.RawMessage) any { return "c-out" },
	}
	engine, _, notes := newTestEngine(t, time.Second, respond)

	seed, _ := json.Marshal("go")
	id, _ := engine.CreateChain(context.Background(), []string{"a", "b", "c"}, seed, "req", "!room:x")

	wf := waitTerminal(t, engine, id)
	if wf.Status != StatusFailed {
		t.Fatalf("status = %s, want failed", wf.Status)
	}
	if wf.Steps[1].Status != StatusFailed {
		t.Errorf("step 1 status = %s, want failed", wf.Steps[1].Status)
	}
	if wf.Steps[1].Output != nil {
		t.Errorf("failed step kept output %s", wf.Steps[1].Output)
	}
	if wf.Steps[2].Status != StatusPending {
		t.Errorf("step 2 status = %s, want pending", wf.Steps[2].Status)
	}

	n := <-notes
	if !bytes.Contains([]byte(n.text), []byte("model unreachable")) {
		t.Errorf("notification %q does not carry the agent's error", n.text)
	}
}

func TestSnapshotsAreDetachedFromExecution(t *testing.T) {
	respond := map[string]func(json.RawMessage) any{
		"a": func(in json.RawMessage) any { return "a-out" },
		"b": func(in json.RawMessage) any { return "b-out" },
		"c": func(in json.RawMessage) any { return "c-out" },
		"d": func(in json.RawMessage) any { return "d-out" },
		"e": func(in json.RawMessage) any { return "e-out" },
	}
	engine, _, notes := newTestEngine(t, time.Second, respond)

	seed, _ := json.Marshal("go")
	id, _ := engine.CreateChain(context.Background(), []string{"a", "b", "c", "d", "e"}, seed, "req", "!room:x")

	// Hammer the read paths while the chain advances; under the race
	// detector this fails if Get or List ever hands out live state.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, err := json.Marshal(engine.List()); err != nil {
				t.Errorf("marshal List: %v", err)
				return
			}
			if wf, ok := engine.Get(id); ok {
				if _, err := json.Marshal(wf); err != nil {
					t.Errorf("marshal Get: %v", err)
					return
				}
				if wf.Status == StatusCompleted || wf.Status == StatusFailed {
					return
				}
			}
		}
	}()
	waitTerminal(t, engine, id)
	<-done
	<-notes

	// Mutating a snapshot must not leak back into the engine.
	wf, _ := engine.Get(id)
	wf.Status = StatusRunning
	wf.Steps[0].Output = json.RawMessage(`"clobbered"`)
	wf.Context["k"] = "v"

	fresh, _ := engine.Get(id)
	if fresh.Status != StatusCompleted {
		t.Errorf("snapshot write changed engine status to %s", fresh.Status)
	}
	if rawString(fresh.Steps[0].Output) != "a-out" {
		t.Errorf("snapshot write changed step output to %s", fresh.Steps[0].Output)
	}
	if _, ok := fresh.Context["k"]; ok {
		t.Error("snapshot write changed engine context")
	}
}

func TestResolveIgnoresUncorrelatedReplies(t *testing.T) {
	engine, _, _ := newTestEngine(t, time.Second, nil)

	msg := &protocol.AgentMessage{
		Type:    protocol.ResponseType(protocol.TypeUserRequest),
		Context: map[string]string{protocol.CtxReplyTo: "nobody-waiting"},
	}
	if engine.Resolve(msg) {
		t.Error("Resolve claimed a reply nobody was waiting for")
	}
	if engine.Resolve(&protocol.AgentMessage{Type: protocol.TypeUserRequest, Context: map[string]string{}}) {
		t.Error("Resolve accepted a non-response type")
	}
}

func TestParseChain(t *testing.T) {
	agents, err := ParseChain("search -> llm->summarizer")
	if err != nil {
		t.Fatalf("ParseChain: %v", err)
	}
	want := []string{"search", "llm", "summarizer"}
	for i, a := range want {
		if agents[i] != a {
			t.Errorf("agents[%d] = %q, want %q", i, agents[i], a)
		}
	}

	for _, bad := range []string{"just-one-agent", "a->->b", "->a"} {
		if _, err := ParseChain(bad); err == nil {
			t.Errorf("ParseChain(%q) accepted", bad)
		}
	}
}

func rawString(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}
