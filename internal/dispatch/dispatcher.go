// Package dispatch routes inbound chat events to typed envelope handlers
// or the plain user-message path. The receive loop is shared
// infrastructure for all future messages, so nothing dispatched through
// here is allowed to kill it.
package dispatch

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/farlabs/agentmesh/internal/protocol"
	"github.com/farlabs/agentmesh/internal/transport"
)

// Handler processes a decoded envelope addressed to this agent.
type Handler func(ctx context.Context, msg *protocol.AgentMessage, room string)

// UserHandler processes ordinary human chat, body unmodified.
type UserHandler func(ctx context.Context, ev transport.Event)

// Replier sends an envelope reply back to the sender of the original
// message. The runtime supplies this so the dispatcher can acknowledge
// unknown message types without owning transport state.
type Replier func(ctx context.Context, original *protocol.AgentMessage, content any, room string)

// Dispatcher classifies and routes one inbound event at a time.
// selfAgent is the short agent id envelopes are addressed to; selfUser is
// the transport identity whose own messages are dropped.
type Dispatcher struct {
	selfAgent   string
	selfUser    string
	mu          sync.RWMutex
	handlers    map[protocol.MessageType]Handler
	userHandler UserHandler
	reply       Replier
	logger      *zap.Logger
}

// New creates a dispatcher for the given agent and transport identities.
func New(selfAgent, selfUser string, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		selfAgent: selfAgent,
		selfUser:  selfUser,
		handlers:  make(map[protocol.MessageType]Handler),
		logger:    logger,
	}
}

// Register stores the handler for a message type. Exactly one handler per
// type; re-registering replaces the previous one (last writer wins).
func (d *Dispatcher) Register(msgType protocol.MessageType, h Handler) {
	d.mu.Lock()
	d.handlers[msgType] = h
	d.mu.Unlock()
	d.logger.Debug("handler registered", zap.String("type", string(msgType)))
}

// SetUserHandler sets the plain-text path owned by the concrete agent.
func (d *Dispatcher) SetUserHandler(h UserHandler) {
	d.mu.Lock()
	d.userHandler = h
	d.mu.Unlock()
}

// SetReplier wires the unknown-type acknowledgement path.
func (d *Dispatcher) SetReplier(r Replier) {
	d.mu.Lock()
	d.reply = r
	d.mu.Unlock()
}

// Dispatch routes one inbound event. Self-messages are dropped, envelopes
// for other recipients are silently ignored, unknown envelope types are
// acknowledged with an error payload, and everything else goes to the
// user-message handler. Handler panics are recovered here: a single
// malformed or failing message must never terminate the receive loop.
func (d *Dispatcher) Dispatch(ctx context.Context, ev transport.Event) {
	if ev.Sender == d.selfUser {
		return
	}

	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("handler panic recovered",
				zap.String("room", ev.Room),
				zap.String("sender", ev.Sender),
				zap.Any("panic", r))
		}
	}()

	env, ok := protocol.Decode(ev.Body)
	if !ok {
		d.mu.RLock()
		user := d.userHandler
		d.mu.RUnlock()
		if user != nil {
			user(ctx, ev)
		}
		return
	}

	if !protocol.Accepts(env.Target, d.selfAgent) {
		return
	}
	msg := env.Message

	d.mu.RLock()
	h, found := d.handlers[msg.Type]
	reply := d.reply
	d.mu.RUnlock()

	if !found {
		d.logger.Warn("unknown message type",
			zap.String("type", string(msg.Type)),
			zap.String("from", msg.Sender),
			zap.String("id", msg.ID))
		if reply != nil {
			reply(ctx, msg, map[string]string{
				"error": fmt.Sprintf("Unknown message type: %s", msg.Type),
			}, ev.Room)
		}
		return
	}

	d.logger.Debug("dispatching envelope",
		zap.String("type", string(msg.Type)),
		zap.String("from", msg.Sender),
		zap.String("id", msg.ID))
	h(ctx, msg, ev.Room)
}
