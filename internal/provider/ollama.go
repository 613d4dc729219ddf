package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

// OllamaConfig holds the inference server settings.
type OllamaConfig struct {
	Endpoint    string
	Model       string
	MaxTokens   int
	Temperature float64
	Timeout     time.Duration
}

// Ollama implements Provider against an Ollama server's /api/chat and
// /api/tags endpoints.
type Ollama struct {
	cfg    OllamaConfig
	client *http.Client
	logger *zap.Logger
}

// NewOllama creates the client. Endpoint defaults to the conventional
// local port; the generation timeout defaults to two minutes since local
// models can be slow.
func NewOllama(cfg OllamaConfig, logger *zap.Logger) *Ollama {
	if cfg.Endpoint == "" {
		cfg.Endpoint = "http://127.0.0.1:11434"
	}
	cfg.Endpoint = strings.TrimRight(cfg.Endpoint, "/")
	if cfg.Timeout <= 0 {
		cfg.Timeout = 120 * time.Second
	}
	return &Ollama{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		logger: logger,
	}
}

type ollamaChatRequest struct {
	Model    string         `json:"model"`
	Messages []Message      `json:"messages"`
	Stream   bool           `json:"stream"`
	Options  map[string]any `json:"options,omitempty"`
}

type ollamaChatResponse struct {
	Model   string  `json:"model"`
	Message Message `json:"message"`
	Done    bool    `json:"done"`
}

// Chat sends a non-streaming chat completion request.
func (o *Ollama) Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	model := req.Model
	if model == "" {
		model = o.cfg.Model
	}
	options := map[string]any{}
	if t := firstNonZero(req.Temperature, o.cfg.Temperature); t > 0 {
		options["temperature"] = t
	}
	if n := firstNonZeroInt(req.MaxTokens, o.cfg.MaxTokens); n > 0 {
		options["num_predict"] = n
	}

	body, err := json.Marshal(ollamaChatRequest{
		Model:    model,
		Messages: req.Messages,
		Stream:   false,
		Options:  options,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal chat request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		o.cfg.Endpoint+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create chat request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := o.client.Do(httpReq)
	if err != nil {
		o.logger.Warn("ollama unreachable", zap.Error(err))
		return nil, ErrNoResponse
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		o.logger.Warn("ollama error response",
			zap.Int("status", resp.StatusCode),
			zap.ByteString("body", respBody))
		return nil, ErrNoResponse
	}

	var chat ollamaChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chat); err != nil {
		o.logger.Warn("ollama response undecodable", zap.Error(err))
		return nil, ErrNoResponse
	}
	if chat.Message.Content == "" {
		return nil, ErrNoResponse
	}
	return &ChatResponse{Model: chat.Model, Content: chat.Message.Content}, nil
}

type ollamaTagsResponse struct {
	Models []struct {
		Name string `json:"name"`
	} `json:"models"`
}

// Models lists the locally available models via /api/tags.
func (o *Ollama) Models(ctx context.Context) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, o.cfg.Endpoint+"/api/tags", nil)
	if err != nil {
		return nil, fmt.Errorf("create tags request: %w", err)
	}
	resp, err := o.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("list models: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("list models: status %d", resp.StatusCode)
	}
	var tags ollamaTagsResponse
	if err := json.NewDecoder(resp.Body).Decode(&tags); err != nil {
		return nil, fmt.Errorf("decode model list: %w", err)
	}
	names := make([]string, len(tags.Models))
	for i, m := range tags.Models {
		names[i] = m.Name
	}
	return names, nil
}

func firstNonZero(a, b float64) float64 {
	if a != 0 {
		return a
	}
	return b
}

func firstNonZeroInt(a, b int) int {
	if a != 0 {
		return a
	}
	return b
}
