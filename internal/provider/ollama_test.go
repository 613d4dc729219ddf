package provider

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.uber.org/zap"
)

func TestOllamaChat(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			t.Errorf("path = %s", r.URL.Path)
		}
		var req ollamaChatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if req.Stream {
			t.Error("stream requested")
		}
		if req.Model != "llama3.2:latest" {
			t.Errorf("model = %s", req.Model)
		}
		json.NewEncoder(w).Encode(ollamaChatResponse{
			Model:   req.Model,
			Message: Message{Role: "assistant", Content: "hello back"},
			Done:    true,
		})
	}))
	defer srv.Close()

	o := NewOllama(OllamaConfig{Endpoint: srv.URL, Model: "llama3.2:latest"}, zap.NewNop())
	resp, err := o.Chat(context.Background(), &ChatRequest{
		Messages: []Message{{Role: "user", Content: "hello"}},
	})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if resp.Content != "hello back" {
		t.Errorf("content = %q", resp.Content)
	}
}

func TestOllamaChatFailuresReturnErrNoResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not found", http.StatusNotFound)
	}))
	defer srv.Close()

	o := NewOllama(OllamaConfig{Endpoint: srv.URL}, zap.NewNop())
	if _, err := o.Chat(context.Background(), &ChatRequest{}); !errors.Is(err, ErrNoResponse) {
		t.Errorf("non-200 gave %v, want ErrNoResponse", err)
	}

	// Unreachable server.
	dead := NewOllama(OllamaConfig{Endpoint: "http://127.0.0.1:1"}, zap.NewNop())
	if _, err := dead.Chat(context.Background(), &ChatRequest{}); !errors.Is(err, ErrNoResponse) {
		t.Errorf("unreachable gave %v, want ErrNoResponse", err)
	}
}

func TestOllamaModels(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/tags" {
			t.Errorf("path = %s", r.URL.Path)
		}
		w.Write([]byte(`{"models":[{"name":"llama3.2:latest"},{"name":"mistral:latest"}]}`))
	}))
	defer srv.Close()

	o := NewOllama(OllamaConfig{Endpoint: srv.URL}, zap.NewNop())
	models, err := o.Models(context.Background())
	if err != nil {
		t.Fatalf("Models: %v", err)
	}
	if len(models) != 2 || models[0] != "llama3.2:latest" {
		t.Errorf("models = %v", models)
	}
}
