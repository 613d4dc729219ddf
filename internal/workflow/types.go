package workflow

import (
	"encoding/json"
	"time"
)

// Status tracks workflow and step execution state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Step is one stage of a chain workflow. Input and Output are raw JSON so
// the previous step's output threads into the next step's input
// byte-for-byte.
type Step struct {
	AgentID string          `json:"agent_id"`
	Action  string          `json:"action"`
	Input   json.RawMessage `json:"input_data,omitempty"`
	Output  json.RawMessage `json:"output,omitempty"`
	Status  Status          `json:"status"`
	Error   string          `json:"error,omitempty"`
}

// Workflow is an ordered chain of single-agent invocations. Mutated in
// place by the execution loop and retained in memory for the life of the
// process; finished workflows are never garbage collected.
type Workflow struct {
	ID          string            `json:"id"`
	Name        string            `json:"name"`
	Steps       []*Step           `json:"steps"`
	Requester   string            `json:"requester"`
	Room        string            `json:"room_id"`
	CreatedAt   time.Time         `json:"created_at"`
	Status      Status            `json:"status"`
	CurrentStep int               `json:"current_step"`
	Context     map[string]string `json:"context"`
}
