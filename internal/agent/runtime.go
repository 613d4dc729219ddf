// Package agent implements the shared runtime every participant embeds:
// connect, join the coordination room, announce presence, and route inbound
// traffic through the dispatcher. Concrete agents layer their own handlers
// and user-message behavior on top.
package agent

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/farlabs/agentmesh/internal/dispatch"
	"github.com/farlabs/agentmesh/internal/protocol"
	"github.com/farlabs/agentmesh/internal/registry"
	"github.com/farlabs/agentmesh/internal/transport"
)

// Config identifies one agent in the mesh.
type Config struct {
	ID               string
	DisplayName      string
	Capabilities     []string
	CoordinationRoom string
}

// Runtime owns the transport session and the dispatch loop for one agent.
type Runtime struct {
	cfg    Config
	tr     transport.Transport
	disp   *dispatch.Dispatcher
	logger *zap.Logger

	mu        sync.Mutex
	started   bool
	startedAt time.Time
}

// New wires a runtime around the given transport. Handlers may be
// registered any time before or after Start.
func New(cfg Config, tr transport.Transport, logger *zap.Logger) *Runtime {
	r := &Runtime{
		cfg:    cfg,
		tr:     tr,
		disp:   dispatch.New(cfg.ID, tr.UserID(), logger),
		logger: logger,
	}
	r.disp.SetReplier(func(ctx context.Context, original *protocol.AgentMessage, content any, room string) {
		if err := r.ReplyTo(ctx, original, content, room); err != nil {
			logger.Warn("acknowledgement failed", zap.Error(err))
		}
	})
	r.disp.Register(protocol.TypeHealthCheck, r.handleHealthCheck)
	r.disp.Register(protocol.TypeDiscoverAgents, r.handleDiscoverAgents)
	return r
}

// RegisterHandler binds a handler for an envelope type. Last writer wins,
// so concrete agents may override the built-ins.
func (r *Runtime) RegisterHandler(t protocol.MessageType, h dispatch.Handler) {
	r.disp.Register(t, h)
}

// SetUserHandler binds the plain-chat path.
func (r *Runtime) SetUserHandler(h dispatch.UserHandler) {
	r.disp.SetUserHandler(h)
}

// ID returns the short agent id.
func (r *Runtime) ID() string { return r.cfg.ID }

// Room returns the coordination room id.
func (r *Runtime) Room() string { return r.cfg.CoordinationRoom }

// Info describes this agent as it announces itself.
func (r *Runtime) Info() registry.AgentInfo {
	return registry.AgentInfo{
		AgentID:      r.cfg.ID,
		DisplayName:  r.cfg.DisplayName,
		Capabilities: r.cfg.Capabilities,
		Status:       registry.StatusOnline,
	}
}

// Start connects the transport, joins the coordination room, wires inbound
// events into the dispatcher, and broadcasts the online announcement.
func (r *Runtime) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return fmt.Errorf("runtime %s already started", r.cfg.ID)
	}
	r.started = true
	r.startedAt = time.Now()
	r.mu.Unlock()

	if err := r.tr.Connect(ctx); err != nil {
		return fmt.Errorf("connect transport: %w", err)
	}
	if err := r.tr.JoinRoom(ctx, r.cfg.CoordinationRoom); err != nil {
		return fmt.Errorf("join coordination room: %w", err)
	}

	// Each inbound event gets its own goroutine so a slow handler (an LLM
	// call, a workflow step) never blocks the sync loop.
	r.tr.OnEvent(func(ev transport.Event) {
		go r.disp.Dispatch(ctx, ev)
	})

	if err := r.Broadcast(ctx, protocol.TypeAgentOnline, r.Info(), nil); err != nil {
		return fmt.Errorf("announce online: %w", err)
	}

	r.logger.Info("agent started",
		zap.String("agent", r.cfg.ID),
		zap.String("room", r.cfg.CoordinationRoom),
		zap.Strings("capabilities", r.cfg.Capabilities))
	return nil
}

// Stop broadcasts the offline announcement and closes the transport. The
// announcement is best-effort: peers detect a silent death via liveness
// timeout anyway.
func (r *Runtime) Stop(ctx context.Context) {
	if err := r.Broadcast(ctx, protocol.TypeAgentOffline, map[string]string{"agent_id": r.cfg.ID}, nil); err != nil {
		r.logger.Warn("offline announcement failed", zap.Error(err))
	}
	r.tr.Close()
	r.logger.Info("agent stopped", zap.String("agent", r.cfg.ID))
}

// SendToAgent sends a typed envelope to one agent in the coordination room
// and returns the sent message so callers can track its id.
func (r *Runtime) SendToAgent(ctx context.Context, target string, msgType protocol.MessageType, content any, msgCtx map[string]string) (*protocol.AgentMessage, error) {
	msg, err := protocol.NewMessage(r.cfg.ID, target, msgType, content, msgCtx)
	if err != nil {
		return nil, err
	}
	if err := r.send(ctx, target, msg, r.cfg.CoordinationRoom); err != nil {
		return nil, err
	}
	return msg, nil
}

// Broadcast sends a typed envelope to every agent in the coordination room.
func (r *Runtime) Broadcast(ctx context.Context, msgType protocol.MessageType, content any, msgCtx map[string]string) error {
	msg, err := protocol.NewMessage(r.cfg.ID, protocol.TargetAll, msgType, content, msgCtx)
	if err != nil {
		return err
	}
	return r.send(ctx, protocol.Broadcast, msg, r.cfg.CoordinationRoom)
}

// ReplyTo answers an envelope. The reply type is the paired *_response of
// the original type, reply_to points at the original message, and the
// correlation key in context is the original's request_id when one was
// carried, falling back to the original message id.
func (r *Runtime) ReplyTo(ctx context.Context, original *protocol.AgentMessage, content any, room string) error {
	correlation := original.Context[protocol.CtxRequestID]
	if correlation == "" {
		correlation = original.ID
	}
	msgCtx := map[string]string{protocol.CtxReplyTo: correlation}
	if wf, ok := original.Context["workflow_id"]; ok {
		msgCtx["workflow_id"] = wf
	}

	msg, err := protocol.NewMessage(r.cfg.ID, original.Sender, protocol.ResponseType(original.Type), content, msgCtx)
	if err != nil {
		return err
	}
	msg.ReplyTo = original.ID
	if room == "" {
		room = r.cfg.CoordinationRoom
	}
	return r.send(ctx, original.Sender, msg, room)
}

// SendText posts plain chat text, bypassing the envelope format.
func (r *Runtime) SendText(ctx context.Context, room, body string) error {
	if room == "" {
		room = r.cfg.CoordinationRoom
	}
	return r.tr.SendText(ctx, room, body)
}

func (r *Runtime) send(ctx context.Context, wireTarget string, msg *protocol.AgentMessage, room string) error {
	body, err := protocol.Encode(wireTarget, msg)
	if err != nil {
		return err
	}
	if err := r.tr.SendText(ctx, room, body); err != nil {
		return fmt.Errorf("send %s to %s: %w", msg.Type, wireTarget, err)
	}
	r.logger.Debug("envelope sent",
		zap.String("type", string(msg.Type)),
		zap.String("target", wireTarget),
		zap.String("id", msg.ID))
	return nil
}

// handleHealthCheck answers liveness probes with status and uptime.
func (r *Runtime) handleHealthCheck(ctx context.Context, msg *protocol.AgentMessage, room string) {
	r.mu.Lock()
	uptime := time.Since(r.startedAt)
	r.mu.Unlock()

	if err := r.ReplyTo(ctx, msg, map[string]string{
		"agent_id": r.cfg.ID,
		"status":   "ok",
		"uptime":   uptime.Round(time.Second).String(),
	}, room); err != nil {
		r.logger.Warn("health check reply failed", zap.Error(err))
	}
}

// handleDiscoverAgents re-announces this agent so late joiners can rebuild
// their registries without waiting for the next organic presence broadcast.
func (r *Runtime) handleDiscoverAgents(ctx context.Context, msg *protocol.AgentMessage, room string) {
	if err := r.ReplyTo(ctx, msg, r.Info(), room); err != nil {
		r.logger.Warn("discovery reply failed", zap.Error(err))
	}
}
