package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Wire format: "@<target>: <json>" where <json> is a serialized
// AgentMessage. The broadcast keyword on the wire is "room"; inside the
// message the broadcast target is "*". Any text that does not match this
// shape is ordinary chat, never an error.
const (
	// Broadcast is the wire-level routing keyword understood by every
	// participant in the coordination room.
	Broadcast = "room"
	// TargetAll is the target field value carried inside a broadcast message.
	TargetAll = "*"
)

// AgentMessage is the structured envelope exchanged between agents.
// Content is kept as raw JSON so payloads pass through workflow steps
// byte-for-byte.
type AgentMessage struct {
	ID        string            `json:"id"`
	Sender    string            `json:"sender"`
	Target    string            `json:"target"`
	Type      MessageType       `json:"message_type"`
	Content   json.RawMessage   `json:"content"`
	Context   map[string]string `json:"context"`
	Timestamp time.Time         `json:"timestamp"`
	ReplyTo   string            `json:"reply_to,omitempty"`
}

// NewMessage builds an envelope ready for transmission. Content is
// marshalled once here; a marshal failure is a programming error on the
// caller's side and is returned as such.
func NewMessage(sender, target string, msgType MessageType, content any, msgCtx map[string]string) (*AgentMessage, error) {
	raw, err := json.Marshal(content)
	if err != nil {
		return nil, fmt.Errorf("marshal %s content: %w", msgType, err)
	}
	if msgCtx == nil {
		msgCtx = map[string]string{}
	}
	return &AgentMessage{
		ID:        uuid.New().String(),
		Sender:    sender,
		Target:    target,
		Type:      msgType,
		Content:   raw,
		Context:   msgCtx,
		Timestamp: time.Now().UTC(),
	}, nil
}

// Envelope pairs a decoded message with the routing target extracted from
// the wire text. Target is an agent id or the Broadcast keyword.
type Envelope struct {
	Target  string
	Message *AgentMessage
}

// Encode renders the transport text body for a directed or broadcast
// envelope.
func Encode(target string, msg *AgentMessage) (string, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return "", fmt.Errorf("encode envelope %s: %w", msg.ID, err)
	}
	return "@" + target + ": " + string(data), nil
}

// Decode classifies text as an envelope or plain chat. It is total and
// side-effect free: malformed near-matches ("@x: not json", truncated
// payloads, missing fields) return (nil, false) so the shared channel
// degrades gracefully for human chat.
func Decode(text string) (*Envelope, bool) {
	if !strings.HasPrefix(text, "@") {
		return nil, false
	}
	sep := strings.Index(text, ": ")
	if sep <= 1 {
		return nil, false
	}
	target := text[1:sep]
	if strings.ContainsAny(target, " \t\n") {
		return nil, false
	}
	payload := text[sep+2:]

	var msg AgentMessage
	if err := json.Unmarshal([]byte(payload), &msg); err != nil {
		return nil, false
	}
	if msg.ID == "" || msg.Sender == "" || msg.Target == "" || msg.Type == "" || msg.Timestamp.IsZero() {
		return nil, false
	}
	if msg.Context == nil {
		msg.Context = map[string]string{}
	}
	return &Envelope{Target: target, Message: &msg}, true
}

// Accepts reports whether an envelope addressed to wire target t should be
// handled by the agent identified by self. Anything else is silently
// ignored by that recipient.
func Accepts(t, self string) bool {
	return t == self || t == Broadcast
}
