package protocol

import (
	"encoding/json"
	"reflect"
	"testing"
	"time"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	msg, err := NewMessage("llm", "orchestrator", ResponseType(TypeUserRequest),
		map[string]string{"text": "42"},
		map[string]string{CtxReplyTo: "req-1"})
	if err != nil {
		t.Fatalf("NewMessage: %v", err)
	}
	msg.ReplyTo = "orig-id"
	// JSON carries RFC3339; truncate so the round trip compares equal.
	msg.Timestamp = msg.Timestamp.Truncate(time.Second)

	text, err := Encode("orchestrator", msg)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	env, ok := Decode(text)
	if !ok {
		t.Fatalf("Decode rejected encoded envelope %q", text)
	}
	if env.Target != "orchestrator" {
		t.Errorf("target = %q, want %q", env.Target, "orchestrator")
	}
	got := env.Message
	if got.ID != msg.ID || got.Sender != msg.Sender || got.Target != msg.Target ||
		got.Type != msg.Type || got.ReplyTo != msg.ReplyTo {
		t.Errorf("decoded = %+v, want %+v", got, msg)
	}
	if !got.Timestamp.Equal(msg.Timestamp) {
		t.Errorf("timestamp = %v, want %v", got.Timestamp, msg.Timestamp)
	}
	if !reflect.DeepEqual(got.Context, msg.Context) {
		t.Errorf("context = %v, want %v", got.Context, msg.Context)
	}
	var payload map[string]string
	if err := json.Unmarshal(got.Content, &payload); err != nil {
		t.Fatalf("unmarshal content: %v", err)
	}
	if payload["text"] != "42" {
		t.Errorf("content = %v", payload)
	}
}

func TestDecodeBroadcast(t *testing.T) {
	msg, _ := NewMessage("a", TargetAll, TypeAgentOnline, map[string]string{"agent_id": "a"}, nil)
	text, _ := Encode(Broadcast, msg)

	env, ok := Decode(text)
	if !ok {
		t.Fatal("broadcast envelope rejected")
	}
	if env.Target != Broadcast {
		t.Errorf("target = %q, want %q", env.Target, Broadcast)
	}
	if env.Message.Target != TargetAll {
		t.Errorf("message target = %q, want %q", env.Message.Target, TargetAll)
	}
}

func TestDecodeRejectsPlainText(t *testing.T) {
	cases := []string{
		"",
		"hello there",
		"@llm what is quantum computing?",
		"@llm: not json at all",
		`@llm: {"id": "x"`,                       // truncated JSON
		`@llm: {"id": "x", "sender": "y"}`,       // missing required fields
		`@: {"id":"x"}`,                          // empty target
		"@two words: {}",                         // target contains whitespace
		"email me at user@example.com: thanks",   // colon but not an envelope
		`{"id":"x","sender":"y","target":"z"}`,   // bare JSON, no @ prefix
	}
	for _, c := range cases {
		if env, ok := Decode(c); ok {
			t.Errorf("Decode(%q) accepted as envelope: %+v", c, env)
		}
	}
}

func TestAccepts(t *testing.T) {
	if !Accepts("llm", "llm") {
		t.Error("directed envelope to self rejected")
	}
	if !Accepts(Broadcast, "llm") {
		t.Error("broadcast rejected")
	}
	if Accepts("other", "llm") {
		t.Error("envelope for another agent accepted")
	}
}

func TestResponseTypeHelpers(t *testing.T) {
	r := ResponseType(TypeWorkflowStep)
	if r != "workflow_step_response" {
		t.Errorf("ResponseType = %q", r)
	}
	if !IsResponse(r) {
		t.Error("IsResponse(workflow_step_response) = false")
	}
	if IsResponse(TypeWorkflowStep) {
		t.Error("IsResponse(workflow_step) = true")
	}
	if BaseType(r) != TypeWorkflowStep {
		t.Errorf("BaseType = %q", BaseType(r))
	}
	if !Known(r) || !Known(TypeAgentOnline) {
		t.Error("Known rejected declared types")
	}
	if Known("made_up_type") {
		t.Error("Known accepted undeclared type")
	}
}
