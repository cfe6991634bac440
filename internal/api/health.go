package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"
)

const healthTimeout = 2 * time.Second

type healthResponse struct {
	Status   string `json:"status"`
	Memory   string `json:"memory"`
	Sessions int    `json:"sessions"`
}

// Health reports service health, including database reachability when thread memory is on.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "ok", Memory: "disabled"}
	if h.sessions != nil {
		resp.Sessions = h.sessions.Count()
	}

	if h.threads != nil {
		ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
		defer cancel()
		if err := h.threads.Ping(ctx); err != nil {
			slog.Error("Health check database ping failed", "error", err)
			resp.Status = "degraded"
			resp.Memory = "unreachable"
			JSON(w, http.StatusServiceUnavailable, resp)
			return
		}
		resp.Memory = "ok"
	}

	JSON(w, http.StatusOK, resp)
}
