// Package api exposes a read-only HTTP surface over the orchestrator's
// registry and workflow engine. It observes state; it never routes
// messages or mutates workflows.
package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/farlabs/agentmesh/internal/registry"
	"github.com/farlabs/agentmesh/internal/workflow"
)

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	registry *registry.Registry
	engine   *workflow.Engine
	liveness time.Duration
	logger   *zap.Logger
}

// NewHandler creates the API handler. liveness tunes the online/offline
// judgement in agent listings.
func NewHandler(reg *registry.Registry, engine *workflow.Engine, liveness time.Duration, logger *zap.Logger) *Handler {
	if liveness <= 0 {
		liveness = registry.DefaultLivenessTimeout
	}
	return &Handler{registry: reg, engine: engine, liveness: liveness, logger: logger}
}

// Router builds the chi router with all routes.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
	}))

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.healthCheck)
		r.Get("/agents", h.listAgents)
		r.Get("/workflows", h.listWorkflows)
		r.Get("/workflows/{id}", h.getWorkflow)
	})

	return r
}

func (h *Handler) healthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":           "ok",
		"agents_online":    h.registry.OnlineCount(h.liveness),
		"active_workflows": h.engine.ActiveCount(),
	})
}

// agentView is one registry entry plus the computed liveness judgement.
type agentView struct {
	registry.RegisteredAgent
	Online bool `json:"online"`
}

func (h *Handler) listAgents(w http.ResponseWriter, r *http.Request) {
	snapshot := h.registry.Snapshot()
	out := make([]agentView, 0, len(snapshot))
	for _, a := range snapshot {
		out = append(out, agentView{
			RegisteredAgent: a,
			Online:          h.registry.IsOnline(a.AgentID, h.liveness),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) listWorkflows(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.engine.List())
}

func (h *Handler) getWorkflow(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	wf, ok := h.engine.Get(id)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "workflow not found"})
		return
	}
	writeJSON(w, http.StatusOK, wf)
}

// Serve starts the API server on addr. The caller shuts it down through
// the returned http.Server.
func (h *Handler) Serve(addr string) *http.Server {
	srv := &http.Server{Addr: addr, Handler: h.Router()}
	go func() {
		h.logger.Info("API listening", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			h.logger.Error("API server failed", zap.Error(err))
		}
	}()
	return srv
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
