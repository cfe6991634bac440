package api

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/ashureev/agentstream/internal/domain"
	"github.com/ashureev/agentstream/internal/identity"
	"github.com/ashureev/agentstream/internal/tool"
	"github.com/go-chi/chi/v5"
)

const (
	defaultThreadListLimit = 20
	maxThreadListLimit     = 100
)

type configResponse struct {
	Provider         string      `json:"provider"`
	ModelID          string      `json:"modelId"`
	MaxIterations    int         `json:"maxIterations"`
	MemoryEnabled    bool        `json:"memoryEnabled"`
	ThreadTTLSeconds int64       `json:"threadTtlSeconds,omitempty"`
	Tools            []tool.Spec `json:"tools"`
}

// Config returns the tool catalog and model settings clients need.
func (h *Handler) Config(w http.ResponseWriter, _ *http.Request) {
	resp := configResponse{
		Provider:      h.opts.Provider,
		ModelID:       h.opts.ModelID,
		MemoryEnabled: h.threads != nil,
		Tools:         []tool.Spec{},
	}
	if h.agent != nil {
		resp.MaxIterations = h.agent.MaxIterations()
		resp.Tools = h.agent.Catalog()
	}
	if h.threads != nil {
		resp.ThreadTTLSeconds = int64(h.opts.ThreadTTL.Seconds())
	}
	JSON(w, http.StatusOK, resp)
}

type threadSummary struct {
	ThreadID  string    `json:"threadId"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

type threadDetail struct {
	threadSummary
	Turns            int              `json:"turns"`
	ExpiresInSeconds int64            `json:"expiresInSeconds,omitempty"`
	Messages         []domain.Message `json:"messages"`
}

// ListThreads returns the caller's most recent threads.
func (h *Handler) ListThreads(w http.ResponseWriter, r *http.Request) {
	if !h.memoryEnabled(w) {
		return
	}
	userID := identity.UserIDFromContext(r.Context())

	limit := defaultThreadListLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			Error(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxThreadListLimit)
	}

	threads, err := h.threads.ListThreads(r.Context(), userID, limit)
	if err != nil {
		slog.Error("Failed to list threads", "error", err, "user_id", userID)
		Error(w, http.StatusInternalServerError, "failed to list threads")
		return
	}

	out := make([]threadSummary, 0, len(threads))
	for _, t := range threads {
		out = append(out, threadSummary{ThreadID: t.ThreadID, CreatedAt: t.CreatedAt, UpdatedAt: t.UpdatedAt})
	}
	JSON(w, http.StatusOK, map[string]any{"threads": out})
}

// GetThread returns the stored messages of one of the caller's threads.
func (h *Handler) GetThread(w http.ResponseWriter, r *http.Request) {
	if !h.memoryEnabled(w) {
		return
	}
	userID := identity.UserIDFromContext(r.Context())
	threadID := chi.URLParam(r, "threadID")

	thread, err := h.threads.GetThread(r.Context(), threadID)
	if err != nil {
		slog.Error("Failed to load thread", "error", err, "thread_id", threadID)
		Error(w, http.StatusInternalServerError, "failed to load thread")
		return
	}
	// Another user's thread is reported as missing.
	if thread == nil || thread.UserID != userID {
		Error(w, http.StatusNotFound, "thread not found")
		return
	}

	resp := threadDetail{
		threadSummary: threadSummary{ThreadID: thread.ThreadID, CreatedAt: thread.CreatedAt, UpdatedAt: thread.UpdatedAt},
		Turns:         thread.Turns(),
		Messages:      thread.Messages,
	}
	if h.opts.ThreadTTL > 0 {
		resp.ExpiresInSeconds = int64(thread.ExpiresIn(h.opts.ThreadTTL).Seconds())
	}
	JSON(w, http.StatusOK, resp)
}

// DeleteThread removes one of the caller's threads.
func (h *Handler) DeleteThread(w http.ResponseWriter, r *http.Request) {
	if !h.memoryEnabled(w) {
		return
	}
	userID := identity.UserIDFromContext(r.Context())
	threadID := chi.URLParam(r, "threadID")

	deleted, err := h.threads.DeleteThread(r.Context(), threadID, userID)
	if err != nil {
		slog.Error("Failed to delete thread", "error", err, "thread_id", threadID)
		Error(w, http.StatusInternalServerError, "failed to delete thread")
		return
	}
	if !deleted {
		Error(w, http.StatusNotFound, "thread not found")
		return
	}
	slog.Info("Thread deleted", "thread_id", threadID, "user_id", userID)
	JSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (h *Handler) memoryEnabled(w http.ResponseWriter) bool {
	if h.threads == nil {
		Error(w, http.StatusNotFound, "thread memory is disabled")
		return false
	}
	return true
}
