// Package orchestrator implements the coordination agent: it keeps the
// presence registry, routes user requests to capable agents, and drives
// chain workflows through the reply-correlated engine.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/farlabs/agentmesh/internal/agent"
	"github.com/farlabs/agentmesh/internal/protocol"
	"github.com/farlabs/agentmesh/internal/registry"
	"github.com/farlabs/agentmesh/internal/workflow"
)

// Capabilities advertised in presence announcements.
var Capabilities = []string{
	"orchestration",
	"routing",
	"workflow_management",
	"agent_discovery",
}

// pendingRequest tracks one in-flight ask so the eventual reply can be
// relayed to the room that asked.
type pendingRequest struct {
	AgentID   string
	Requester string
	Room      string
	SentAt    time.Time
}

// Orchestrator is the coordination agent.
type Orchestrator struct {
	rt       *agent.Runtime
	registry *registry.Registry
	engine   *workflow.Engine
	logger   *zap.Logger

	liveness time.Duration
	startAt  time.Time

	mu      sync.Mutex
	pending map[string]*pendingRequest
	routed  int64

	commands *commandSet
}

// Options tunes the orchestrator.
type Options struct {
	// LivenessTimeout overrides the registry liveness window.
	LivenessTimeout time.Duration
	// StepTimeout bounds each workflow step's wait for its reply.
	StepTimeout time.Duration
	// Store persists workflows when non-nil.
	Store workflow.Store
}

// New builds the orchestrator and registers its handlers on the runtime.
func New(rt *agent.Runtime, opts Options, logger *zap.Logger) *Orchestrator {
	o := &Orchestrator{
		rt:       rt,
		registry: registry.New(logger),
		logger:   logger,
		liveness: opts.LivenessTimeout,
		pending:  make(map[string]*pendingRequest),
	}
	if o.liveness <= 0 {
		o.liveness = registry.DefaultLivenessTimeout
	}

	o.engine = workflow.New(o.routeStep, o.notifyRoom, opts.Store, opts.StepTimeout, logger)
	o.commands = newCommandSet(o)

	rt.RegisterHandler(protocol.TypeAgentOnline, o.handleAgentOnline)
	rt.RegisterHandler(protocol.TypeAgentOffline, o.handleAgentOffline)
	rt.RegisterHandler(protocol.TypeCapabilityQuery, o.handleCapabilityQuery)
	rt.RegisterHandler(protocol.TypeRouteRequest, o.handleRouteRequest)
	rt.RegisterHandler(protocol.ResponseType(protocol.TypeDiscoverAgents), o.handleDiscoverResponse)
	rt.RegisterHandler(protocol.ResponseType(protocol.TypeUserRequest), o.handleRequestResponse)
	rt.RegisterHandler(protocol.ResponseType(protocol.TypeWorkflowStep), o.handleStepResponse)
	rt.SetUserHandler(o.handleUserMessage)

	return o
}

// Registry exposes the presence table for the observability API.
func (o *Orchestrator) Registry() *registry.Registry { return o.registry }

// Engine exposes the workflow engine for the observability API.
func (o *Orchestrator) Engine() *workflow.Engine { return o.engine }

// Start brings the runtime online and broadcasts discovery so agents that
// joined before this orchestrator re-announce themselves.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.startAt = time.Now()
	if err := o.rt.Start(ctx); err != nil {
		return err
	}
	if err := o.rt.Broadcast(ctx, protocol.TypeDiscoverAgents, map[string]string{"requested_by": o.rt.ID()}, nil); err != nil {
		o.logger.Warn("discovery broadcast failed", zap.Error(err))
	}
	return nil
}

// Stop announces offline and disconnects.
func (o *Orchestrator) Stop(ctx context.Context) {
	o.rt.Stop(ctx)
}

// Presence handlers.

func (o *Orchestrator) handleAgentOnline(_ context.Context, msg *protocol.AgentMessage, _ string) {
	o.registerAnnouncement(msg)
}

func (o *Orchestrator) handleDiscoverResponse(_ context.Context, msg *protocol.AgentMessage, _ string) {
	o.registerAnnouncement(msg)
}

func (o *Orchestrator) registerAnnouncement(msg *protocol.AgentMessage) {
	var info registry.AgentInfo
	if err := json.Unmarshal(msg.Content, &info); err != nil || info.AgentID == "" {
		o.logger.Warn("malformed presence announcement",
			zap.String("from", msg.Sender), zap.Error(err))
		return
	}
	o.registry.RegisterOnline(info, msg.Sender)
}

func (o *Orchestrator) handleAgentOffline(_ context.Context, msg *protocol.AgentMessage, _ string) {
	var payload struct {
		AgentID string `json:"agent_id"`
	}
	if err := json.Unmarshal(msg.Content, &payload); err != nil || payload.AgentID == "" {
		// Fall back to the envelope sender's short id.
		payload.AgentID = msg.Sender
	}
	o.registry.RegisterOffline(payload.AgentID)
}

// handleCapabilityQuery answers with the capability map the registry has
// accumulated.
func (o *Orchestrator) handleCapabilityQuery(ctx context.Context, msg *protocol.AgentMessage, room string) {
	capMap := make(map[string][]string)
	for _, a := range o.registry.Snapshot() {
		for _, c := range a.Capabilities {
			capMap[c] = append(capMap[c], a.AgentID)
		}
	}
	if err := o.rt.ReplyTo(ctx, msg, capMap, room); err != nil {
		o.logger.Warn("capability reply failed", zap.Error(err))
	}
}

// handleRouteRequest forwards content to an online agent advertising the
// requested capability, so agents can reach each other without knowing ids.
func (o *Orchestrator) handleRouteRequest(ctx context.Context, msg *protocol.AgentMessage, room string) {
	var payload struct {
		Capability string          `json:"capability"`
		Content    json.RawMessage `json:"content"`
	}
	if err := json.Unmarshal(msg.Content, &payload); err != nil || payload.Capability == "" {
		o.replyError(ctx, msg, "route_request needs a capability field", room)
		return
	}

	target := ""
	for _, id := range o.registry.FindByCapability(payload.Capability) {
		if o.registry.IsOnline(id, o.liveness) {
			target = id
			break
		}
	}
	if target == "" {
		o.replyError(ctx, msg, fmt.Sprintf("no online agent with capability %q", payload.Capability), room)
		return
	}

	requestID, err := o.route(ctx, target, protocol.TypeUserRequest, payload.Content, msg.Sender, room)
	if err != nil {
		o.replyError(ctx, msg, "routing failed: "+err.Error(), room)
		return
	}
	if err := o.rt.ReplyTo(ctx, msg, map[string]string{
		"routed_to":  target,
		"request_id": requestID,
	}, room); err != nil {
		o.logger.Warn("route acknowledgement failed", zap.Error(err))
	}
}

// Reply relays.

// handleRequestResponse matches an ask reply to its pending request and
// relays the outcome to the room that asked.
func (o *Orchestrator) handleRequestResponse(ctx context.Context, msg *protocol.AgentMessage, room string) {
	requestID := msg.Context[protocol.CtxReplyTo]

	o.mu.Lock()
	req, ok := o.pending[requestID]
	if ok {
		delete(o.pending, requestID)
	}
	o.mu.Unlock()
	if !ok {
		o.logger.Debug("unmatched request response",
			zap.String("request", requestID), zap.String("from", msg.Sender))
		return
	}

	var payload struct {
		Status   string `json:"status"`
		Response string `json:"response"`
		Error    string `json:"error"`
	}
	json.Unmarshal(msg.Content, &payload)

	text := fmt.Sprintf("%s answered %s's request.", msg.Sender, req.Requester)
	if payload.Status == "failed" {
		text = fmt.Sprintf("%s could not serve %s's request: %s", msg.Sender, req.Requester, payload.Error)
	}
	o.notifyRoom(req.Room, text)
}

// handleStepResponse feeds workflow replies to the engine's correlation
// table. Uncorrelated replies are normal after a step timed out.
func (o *Orchestrator) handleStepResponse(_ context.Context, msg *protocol.AgentMessage, _ string) {
	if !o.engine.Resolve(msg) {
		o.logger.Debug("uncorrelated workflow reply",
			zap.String("from", msg.Sender),
			zap.String("reply_to", msg.Context[protocol.CtxReplyTo]))
	}
}

// Routing.

// route sends a typed envelope with a fresh request id and records the
// pending entry for reply relay.
func (o *Orchestrator) route(ctx context.Context, target string, msgType protocol.MessageType, content any, requester, room string) (string, error) {
	msg, err := o.rt.SendToAgent(ctx, target, msgType, content, map[string]string{
		protocol.CtxRequester: requester,
		protocol.CtxRoomID:    room,
	})
	if err != nil {
		return "", err
	}
	// The message id doubles as the request id; replies correlate on it.
	requestID := msg.ID

	o.mu.Lock()
	o.pending[requestID] = &pendingRequest{
		AgentID:   target,
		Requester: requester,
		Room:      room,
		SentAt:    time.Now(),
	}
	o.routed++
	o.mu.Unlock()
	return requestID, nil
}

// routeStep is the engine's Router: it sends workflow_step envelopes with
// the engine-chosen request id in context.
func (o *Orchestrator) routeStep(ctx context.Context, agentID string, input json.RawMessage, msgCtx map[string]string) error {
	if !o.registry.IsOnline(agentID, o.liveness) {
		return fmt.Errorf("agent %s is not online", agentID)
	}
	msg, err := protocol.NewMessage(o.rt.ID(), agentID, protocol.TypeWorkflowStep, input, msgCtx)
	if err != nil {
		return err
	}
	// Step input must pass through byte-for-byte, so replace the
	// re-marshalled content with the original raw payload.
	msg.Content = input
	body, err := protocol.Encode(agentID, msg)
	if err != nil {
		return err
	}
	if err := o.rt.SendText(ctx, o.rt.Room(), body); err != nil {
		return err
	}

	o.mu.Lock()
	o.routed++
	o.mu.Unlock()
	return nil
}

func (o *Orchestrator) notifyRoom(room, text string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := o.rt.SendText(ctx, room, text); err != nil {
		o.logger.Warn("room notification failed",
			zap.String("room", room), zap.Error(err))
	}
}

func (o *Orchestrator) replyError(ctx context.Context, msg *protocol.AgentMessage, text, room string) {
	if err := o.rt.ReplyTo(ctx, msg, map[string]string{"error": text}, room); err != nil {
		o.logger.Warn("error reply failed", zap.Error(err))
	}
}

// pendingCount reports in-flight asks, for status output.
func (o *Orchestrator) pendingCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.pending)
}

func (o *Orchestrator) routedCount() int64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.routed
}
