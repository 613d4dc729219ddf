// Package llmagent implements the text-generation agent. It answers room
// mentions and the !llm prefix, serves user_request and workflow_step
// envelopes from the orchestrator, and keeps bounded per-room conversation
// context for prompts.
package llmagent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/farlabs/agentmesh/internal/agent"
	"github.com/farlabs/agentmesh/internal/knowledge"
	"github.com/farlabs/agentmesh/internal/protocol"
	"github.com/farlabs/agentmesh/internal/provider"
	"github.com/farlabs/agentmesh/internal/transport"
)

// Capabilities advertised in presence announcements.
var Capabilities = []string{
	"text_generation",
	"summarization",
	"question_answering",
	"conversation",
	"knowledge_search",
}

const apology = "Sorry, I couldn't reach the language model. Please try again in a moment."

// Agent wires an LLM provider into the mesh runtime.
type Agent struct {
	rt      *agent.Runtime
	llm     provider.Provider
	history History
	kb      *knowledge.Base
	logger  *zap.Logger
}

// New builds the agent and registers its handlers on the runtime. kb may
// be nil when no vector backend is configured; the kb commands then report
// unavailability instead of failing.
func New(rt *agent.Runtime, llm provider.Provider, history History, kb *knowledge.Base, logger *zap.Logger) *Agent {
	a := &Agent{rt: rt, llm: llm, history: history, kb: kb, logger: logger}
	rt.RegisterHandler(protocol.TypeUserRequest, a.handleUserRequest)
	rt.RegisterHandler(protocol.TypeWorkflowStep, a.handleWorkflowStep)
	rt.SetUserHandler(a.handleUserMessage)
	return a
}

// Start brings the runtime online and probes the provider. An unreachable
// model server is logged, not fatal: the agent still joins and apologizes
// per request until the server comes back.
func (a *Agent) Start(ctx context.Context) error {
	if err := a.rt.Start(ctx); err != nil {
		return err
	}
	if models, err := a.llm.Models(ctx); err != nil {
		a.logger.Warn("model server unreachable at startup", zap.Error(err))
	} else {
		a.logger.Info("model server ready", zap.Strings("models", models))
	}
	return nil
}

// Stop announces offline and disconnects.
func (a *Agent) Stop(ctx context.Context) {
	a.rt.Stop(ctx)
}

// extractCommand pulls the command text out of a room message addressed to
// this agent: "!llm <cmd>", "@llm <cmd>" or "llm: <cmd>". Returns false
// for messages meant for someone else.
func extractCommand(body, agentID string) (string, bool) {
	body = strings.TrimSpace(body)
	for _, prefix := range []string{"!" + agentID, "@" + agentID, agentID + ":"} {
		if strings.HasPrefix(body, prefix) {
			return strings.TrimSpace(body[len(prefix):]), true
		}
	}
	return "", false
}

func (a *Agent) handleUserMessage(ctx context.Context, ev transport.Event) {
	command, ok := extractCommand(ev.Body, a.rt.ID())
	if !ok {
		return
	}
	if command == "" || strings.EqualFold(command, "help") {
		a.sendText(ctx, ev.Room, helpText(a.rt.ID()))
		return
	}

	switch {
	case strings.HasPrefix(command, "kb add "):
		a.handleKBAdd(ctx, ev.Room, strings.TrimSpace(command[len("kb add "):]))
	case strings.HasPrefix(command, "kb search "):
		a.handleKBSearch(ctx, ev.Room, strings.TrimSpace(command[len("kb search "):]))
	case strings.EqualFold(command, "models"):
		a.handleModels(ctx, ev.Room)
	default:
		a.handleGenerate(ctx, ev.Room, ev.Sender, command)
	}
}

func (a *Agent) handleGenerate(ctx context.Context, room, sender, prompt string) {
	if err := a.history.Append(ctx, room, provider.Message{Role: "user", Content: prompt}); err != nil {
		a.logger.Warn("history append failed", zap.Error(err))
	}

	messages, err := a.history.Recent(ctx, room)
	if err != nil {
		a.logger.Warn("history load failed", zap.Error(err))
		messages = []provider.Message{{Role: "user", Content: prompt}}
	}

	resp, err := a.llm.Chat(ctx, &provider.ChatRequest{Messages: messages})
	if err != nil {
		a.logger.Warn("generation failed",
			zap.String("room", room),
			zap.String("sender", sender),
			zap.Error(err))
		a.sendText(ctx, room, apology)
		return
	}

	if err := a.history.Append(ctx, room, provider.Message{Role: "assistant", Content: resp.Content}); err != nil {
		a.logger.Warn("history append failed", zap.Error(err))
	}
	a.sendText(ctx, room, resp.Content)
}

func (a *Agent) handleKBAdd(ctx context.Context, room, text string) {
	if a.kb == nil {
		a.sendText(ctx, room, "Knowledge base is not configured on this agent.")
		return
	}
	if text == "" {
		a.sendText(ctx, room, "Usage: kb add <text>")
		return
	}
	if err := a.kb.Add(ctx, a.rt.ID(), text, nil); err != nil {
		a.logger.Warn("kb add failed", zap.Error(err))
		a.sendText(ctx, room, "Failed to index that, sorry.")
		return
	}
	a.sendText(ctx, room, "Indexed.")
}

func (a *Agent) handleKBSearch(ctx context.Context, room, query string) {
	if a.kb == nil {
		a.sendText(ctx, room, "Knowledge base is not configured on this agent.")
		return
	}
	if query == "" {
		a.sendText(ctx, room, "Usage: kb search <query>")
		return
	}
	results, err := a.kb.Search(ctx, a.rt.ID(), query, 5)
	if err != nil {
		a.logger.Warn("kb search failed", zap.Error(err))
		a.sendText(ctx, room, "Search failed, sorry.")
		return
	}
	if len(results) == 0 {
		a.sendText(ctx, room, "No matches.")
		return
	}
	a.sendText(ctx, room, knowledge.FormatContext(results))
}

func (a *Agent) handleModels(ctx context.Context, room string) {
	models, err := a.llm.Models(ctx)
	if err != nil || len(models) == 0 {
		a.sendText(ctx, room, "No models available right now.")
		return
	}
	a.sendText(ctx, room, "Available models: "+strings.Join(models, ", "))
}

// handleUserRequest serves a routed request from the orchestrator: generate,
// post the answer to the room, and reply to the requester with the result so
// pending-request tracking resolves.
func (a *Agent) handleUserRequest(ctx context.Context, msg *protocol.AgentMessage, room string) {
	prompt := contentPrompt(msg.Content)

	resp, err := a.llm.Chat(ctx, &provider.ChatRequest{
		Messages: []provider.Message{{Role: "user", Content: prompt}},
	})
	if err != nil {
		a.replyTo(ctx, msg, map[string]string{"status": "failed", "error": "failed to generate response"}, room)
		a.sendText(ctx, room, apology)
		return
	}

	a.sendText(ctx, room, resp.Content)
	a.replyTo(ctx, msg, map[string]string{"status": "completed", "response": resp.Content}, room)
}

// handleWorkflowStep serves one chain step: the envelope content is the
// step input, the reply content becomes the step output fed to the next
// agent in the chain.
func (a *Agent) handleWorkflowStep(ctx context.Context, msg *protocol.AgentMessage, room string) {
	prompt := contentPrompt(msg.Content)

	resp, err := a.llm.Chat(ctx, &provider.ChatRequest{
		Messages: []provider.Message{{Role: "user", Content: prompt}},
	})
	if err != nil {
		a.replyTo(ctx, msg, map[string]string{"status": "failed", "error": "failed to generate response"}, room)
		return
	}
	a.replyTo(ctx, msg, map[string]string{"status": "completed", "output": resp.Content}, room)
}

// contentPrompt renders envelope content as prompt text: bare JSON strings
// are unquoted, structured payloads pass through as their JSON text.
func contentPrompt(content json.RawMessage) string {
	var s string
	if err := json.Unmarshal(content, &s); err == nil {
		return s
	}
	return string(content)
}

func (a *Agent) sendText(ctx context.Context, room, body string) {
	if err := a.rt.SendText(ctx, room, body); err != nil {
		a.logger.Warn("send failed", zap.String("room", room), zap.Error(err))
	}
}

func (a *Agent) replyTo(ctx context.Context, original *protocol.AgentMessage, content any, room string) {
	if err := a.rt.ReplyTo(ctx, original, content, room); err != nil {
		a.logger.Warn("reply failed", zap.String("to", original.Sender), zap.Error(err))
	}
}

func helpText(agentID string) string {
	return fmt.Sprintf(`Commands for %s:
  !%s <prompt>          generate a reply
  !%s models            list available models
  !%s kb add <text>     index a fact into the knowledge base
  !%s kb search <query> search indexed facts`,
		agentID, agentID, agentID, agentID, agentID)
}
