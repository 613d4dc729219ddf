// Package provider wraps the local inference server behind a small chat
// interface. Collaborator failures surface as ErrNoResponse so handlers
// can apologize to the user instead of leaking transport errors.
package provider

import (
	"context"
	"errors"
)

// ErrNoResponse is returned for any provider failure: unreachable server,
// non-200 status, or an empty completion.
var ErrNoResponse = errors.New("no response from model")

// Message is one chat turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatRequest asks for a completion of the given conversation.
type ChatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Temperature float64   `json:"temperature,omitempty"`
}

// ChatResponse is the generated completion.
type ChatResponse struct {
	Model   string `json:"model"`
	Content string `json:"content"`
}

// Provider is a text-completion service.
type Provider interface {
	Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error)
	// Models lists the model names the server can serve; doubles as the
	// health probe.
	Models(ctx context.Context) ([]string, error)
}
