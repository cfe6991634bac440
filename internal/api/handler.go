// Package api provides HTTP handlers for the agentstream API.
package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/ashureev/agentstream/internal/store"
	"github.com/ashureev/agentstream/internal/tool"
	"github.com/go-chi/chi/v5"
)

// AgentInfo describes the configured agent loop.
type AgentInfo interface {
	Catalog() []tool.Spec
	MaxIterations() int
}

// SessionCounter reports live WebSocket sessions.
type SessionCounter interface {
	Count() int
}

// Options carries values reported by the config endpoint.
type Options struct {
	Provider  string
	ModelID   string
	ThreadTTL time.Duration
}

// Handler serves the REST side of the service.
type Handler struct {
	threads  store.ThreadRepository
	agent    AgentInfo
	sessions SessionCounter
	opts     Options
}

// NewHandler creates a new Handler. threads may be nil when thread memory is disabled.
func NewHandler(threads store.ThreadRepository, agent AgentInfo, sessions SessionCounter, opts Options) *Handler {
	return &Handler{
		threads:  threads,
		agent:    agent,
		sessions: sessions,
		opts:     opts,
	}
}

// RegisterRoutes mounts the health and /api routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/health", h.Health)
	r.Route("/api", func(r chi.Router) {
		r.Get("/config", h.Config)
		r.Get("/threads", h.ListThreads)
		r.Get("/threads/{threadID}", h.GetThread)
		r.Delete("/threads/{threadID}", h.DeleteThread)
	})
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}
