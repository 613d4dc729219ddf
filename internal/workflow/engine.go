// Package workflow executes chain workflows: linearly ordered sequences
// of single-agent invocations where each step's output feeds the next
// step's input. Step advancement is reply-correlated: the loop blocks
// until the executing agent's response envelope arrives or the per-step
// timeout fires.
package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/farlabs/agentmesh/internal/protocol"
)

// DefaultStepTimeout bounds how long a step waits for its correlated
// reply before the workflow fails.
const DefaultStepTimeout = 60 * time.Second

// Router sends a workflow_step envelope to an agent. request id travels in
// the envelope context so the executing agent can correlate its reply.
type Router func(ctx context.Context, agentID string, input json.RawMessage, msgCtx map[string]string) error

// Notifier posts the single terminal status message to the originating
// room.
type Notifier func(room, text string)

// Store is the optional durability hook. The engine works entirely
// in-memory; when a store is configured, workflows are persisted on
// creation and on terminal transition.
type Store interface {
	Save(ctx context.Context, wf *Workflow) error
}

// Engine owns every workflow created by this process. Each workflow runs
// on its own goroutine; the engine's shared state is the workflow table
// and the reply correlation table, both mutex-protected.
type Engine struct {
	route       Router
	notify      Notifier
	store       Store
	stepTimeout time.Duration

	mu        sync.Mutex
	workflows map[string]*Workflow
	pending   map[string]chan *protocol.AgentMessage

	completed int64
	logger    *zap.Logger
}

// New creates an engine. store may be nil.
func New(route Router, notify Notifier, store Store, stepTimeout time.Duration, logger *zap.Logger) *Engine {
	if stepTimeout <= 0 {
		stepTimeout = DefaultStepTimeout
	}
	return &Engine{
		route:       route,
		notify:      notify,
		store:       store,
		stepTimeout: stepTimeout,
		workflows:   make(map[string]*Workflow),
		pending:     make(map[string]chan *protocol.AgentMessage),
		logger:      logger,
	}
}

// CreateChain builds a workflow with one step per agent, only step 0's
// input populated, and starts execution on its own goroutine. The caller
// gets the id immediately; the final status arrives as a chat message to
// room, not as a return value.
func (e *Engine) CreateChain(ctx context.Context, agents []string, input json.RawMessage, requester, room string) (string, error) {
	if len(agents) == 0 {
		return "", fmt.Errorf("chain needs at least one agent")
	}

	id := uuid.New().String()[:8]
	steps := make([]*Step, len(agents))
	for i, agentID := range agents {
		steps[i] = &Step{AgentID: agentID, Action: "process", Status: StatusPending}
	}
	steps[0].Input = input

	wf := &Workflow{
		ID:        id,
		Name:      "chain_" + id,
		Steps:     steps,
		Requester: requester,
		Room:      room,
		CreatedAt: time.Now().UTC(),
		Status:    StatusPending,
		Context:   map[string]string{},
	}

	e.mu.Lock()
	e.workflows[id] = wf
	e.mu.Unlock()

	e.persist(ctx, wf)
	go e.run(context.WithoutCancel(ctx), wf)

	e.logger.Info("chain workflow created",
		zap.String("workflow", id),
		zap.Int("steps", len(agents)),
		zap.String("requester", requester))
	return id, nil
}

// run executes the steps strictly in sequence. On failure the loop stops,
// leaving later steps pending. Exactly one terminal notification is sent.
func (e *Engine) run(ctx context.Context, wf *Workflow) {
	e.setStatus(wf, StatusRunning)

	var prevOutput json.RawMessage
	failed := false
	for i, step := range wf.Steps {
		e.mu.Lock()
		wf.CurrentStep = i
		step.Status = StatusRunning
		if i > 0 {
			step.Input = prevOutput
		}
		input := step.Input
		e.mu.Unlock()

		output, err := e.executeStep(ctx, wf, step, input)
		if err != nil {
			e.mu.Lock()
			step.Status = StatusFailed
			step.Error = err.Error()
			e.mu.Unlock()
			e.logger.Warn("workflow step failed",
				zap.String("workflow", wf.ID),
				zap.Int("step", i),
				zap.String("agent", step.AgentID),
				zap.Error(err))
			failed = true
			break
		}

		e.mu.Lock()
		step.Output = output
		step.Status = StatusCompleted
		e.mu.Unlock()
		prevOutput = output
	}

	if failed {
		e.setStatus(wf, StatusFailed)
	} else {
		e.setStatus(wf, StatusCompleted)
		e.mu.Lock()
		e.completed++
		e.mu.Unlock()
	}
	e.persist(ctx, wf)

	if e.notify != nil {
		e.notify(wf.Room, e.terminalReport(wf))
	}
}

// executeStep routes the input to the step's agent and blocks until the
// correlated reply arrives or the step timeout fires.
func (e *Engine) executeStep(ctx context.Context, wf *Workflow, step *Step, input json.RawMessage) (json.RawMessage, error) {
	requestID := uuid.New().String()
	ch := make(chan *protocol.AgentMessage, 1)

	e.mu.Lock()
	e.pending[requestID] = ch
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.pending, requestID)
		e.mu.Unlock()
	}()

	msgCtx := map[string]string{
		protocol.CtxRequestID: requestID,
		protocol.CtxRequester: wf.Requester,
		protocol.CtxRoomID:    wf.Room,
		"workflow_id":         wf.ID,
	}
	if err := e.route(ctx, step.AgentID, input, msgCtx); err != nil {
		return nil, fmt.Errorf("route to %s: %w", step.AgentID, err)
	}

	select {
	case reply := <-ch:
		if errText, failed := replyFailure(reply.Content); failed {
			return nil, fmt.Errorf("%s reported failure: %s", step.AgentID, errText)
		}
		return reply.Content, nil
	case <-time.After(e.stepTimeout):
		return nil, fmt.Errorf("no response from %s within %s", step.AgentID, e.stepTimeout)
	case <-ctx.Done():
		return nil, fmt.Errorf("workflow interrupted: %w", ctx.Err())
	}
}

// Resolve completes a pending step with a reply envelope. The message
// must carry a *_response type and context.reply_to naming the step's
// request id. Returns false when no step is waiting on that id, which is
// normal for replies belonging to the ask path rather than a workflow.
func (e *Engine) Resolve(msg *protocol.AgentMessage) bool {
	if !protocol.IsResponse(msg.Type) {
		return false
	}
	requestID := msg.Context[protocol.CtxReplyTo]
	if requestID == "" {
		return false
	}

	e.mu.Lock()
	ch, ok := e.pending[requestID]
	if ok {
		delete(e.pending, requestID)
	}
	e.mu.Unlock()

	if !ok {
		return false
	}
	ch <- msg
	return true
}

// Get returns a snapshot of the workflow for id. The copy is detached
// from the execution loop: callers may read and serialize it freely while
// the run goroutine keeps mutating the live workflow under the mutex.
func (e *Engine) Get(id string) (*Workflow, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	wf, ok := e.workflows[id]
	if !ok {
		return nil, false
	}
	return snapshotLocked(wf), true
}

// List returns snapshots of every workflow this process has created.
func (e *Engine) List() []*Workflow {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*Workflow, 0, len(e.workflows))
	for _, wf := range e.workflows {
		out = append(out, snapshotLocked(wf))
	}
	return out
}

// snapshotLocked deep-copies a workflow. Caller holds e.mu. Input and
// Output payloads are shared byte slices, which is safe because the loop
// replaces them wholesale and never writes into them.
func snapshotLocked(wf *Workflow) *Workflow {
	cp := *wf
	cp.Steps = make([]*Step, len(wf.Steps))
	for i, s := range wf.Steps {
		sc := *s
		cp.Steps[i] = &sc
	}
	if wf.Context != nil {
		cp.Context = make(map[string]string, len(wf.Context))
		for k, v := range wf.Context {
			cp.Context[k] = v
		}
	}
	return &cp
}

// ActiveCount returns how many workflows are pending or running.
func (e *Engine) ActiveCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, wf := range e.workflows {
		if wf.Status == StatusPending || wf.Status == StatusRunning {
			n++
		}
	}
	return n
}

// CompletedCount returns how many workflows finished successfully.
func (e *Engine) CompletedCount() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.completed
}

func (e *Engine) setStatus(wf *Workflow, s Status) {
	e.mu.Lock()
	wf.Status = s
	e.mu.Unlock()
}

func (e *Engine) persist(ctx context.Context, wf *Workflow) {
	if e.store == nil {
		return
	}
	if err := e.store.Save(ctx, wf); err != nil {
		e.logger.Warn("workflow persist failed",
			zap.String("workflow", wf.ID), zap.Error(err))
	}
}

// terminalReport renders the single end-of-workflow room notification.
func (e *Engine) terminalReport(wf *Workflow) string {
	e.mu.Lock()
	defer e.mu.Unlock()

	if wf.Status == StatusCompleted {
		last := wf.Steps[len(wf.Steps)-1]
		return fmt.Sprintf("Workflow %s completed (%d steps). Final output: %s",
			wf.ID, len(wf.Steps), digest(last.Output))
	}

	step := wf.Steps[wf.CurrentStep]
	return fmt.Sprintf("Workflow %s failed at step %d (%s): %s",
		wf.ID, wf.CurrentStep+1, step.AgentID, step.Error)
}

// replyFailure reports whether a reply payload carries a failed status.
// Agents answer workflow steps with {"status": ..., "output"/"error": ...};
// a failed status means the step produced no usable output and must not be
// threaded into the next step. Payloads without a status field pass through.
func replyFailure(content json.RawMessage) (string, bool) {
	var body struct {
		Status string `json:"status"`
		Error  string `json:"error"`
	}
	if err := json.Unmarshal(content, &body); err != nil || Status(body.Status) != StatusFailed {
		return "", false
	}
	if body.Error == "" {
		body.Error = "no error description"
	}
	return body.Error, true
}

// digest renders a payload for humans: plain strings are unquoted, other
// JSON is shown as-is, and long payloads are truncated.
func digest(raw json.RawMessage) string {
	const maxLen = 500
	if len(raw) == 0 {
		return "(empty)"
	}
	var s string
	text := string(raw)
	if err := json.Unmarshal(raw, &s); err == nil {
		text = s
	}
	if len(text) > maxLen {
		return text[:maxLen] + "..."
	}
	return text
}
