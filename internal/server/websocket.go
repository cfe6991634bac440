// Package server exposes the agent loop over WebSocket connections.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/ashureev/agentstream/internal/agent"
	"github.com/ashureev/agentstream/internal/channel"
	"github.com/ashureev/agentstream/internal/identity"
	"github.com/ashureev/agentstream/internal/metrics"
	"github.com/ashureev/agentstream/internal/protocol"
	"github.com/coder/websocket"
	"github.com/google/uuid"
)

// readLimit bounds one inbound frame; it leaves room for a maximal chat
// message plus system prompt in multi-byte UTF-8.
const readLimit = 256 << 10

// Options configures the WebSocket handler.
type Options struct {
	AllowedOrigins []string
	IsDev          bool
	WriteTimeout   time.Duration
	RateLimiter    *RateLimiter
}

// WebSocketHandler upgrades connections and runs one session per connection.
type WebSocketHandler struct {
	loop    *agent.Loop
	sm      *agent.SessionManager
	opts    Options
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewWebSocketHandler creates a new WebSocket handler.
func NewWebSocketHandler(loop *agent.Loop, sm *agent.SessionManager, opts Options, logger *slog.Logger) *WebSocketHandler {
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = channel.DefaultWriteTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &WebSocketHandler{loop: loop, sm: sm, opts: opts, logger: logger}
}

// SetMetrics sets the metrics sink.
func (h *WebSocketHandler) SetMetrics(m *metrics.Metrics) {
	h.metrics = m
}

// ServeHTTP implements http.Handler for WebSocket upgrade.
func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	if userID == "" {
		http.Error(w, "unauthenticated", http.StatusUnauthorized)
		return
	}
	connID := uuid.NewString()
	log := h.logger.With("connection_id", connID, "user_id", userID)
	log.Info("WebSocket connection request", "ip", identity.IPFromRequest(r))

	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		log.Error("Failed to accept WebSocket", "error", err)
		return
	}
	ws.SetReadLimit(readLimit)

	ch := channel.NewWebSocket(ws, h.opts.WriteTimeout, log)
	defer func() {
		if closeErr := ch.Close("session ended"); closeErr != nil {
			log.Debug("Failed to close websocket", "error", closeErr)
		}
	}()

	sess := agent.NewSession(connID, userID)
	h.sm.Register(sess, ch)
	defer h.sm.Unregister(sess)
	h.metrics.SessionOpened()
	defer h.metrics.SessionClosed()

	ctx, cancel := context.WithCancel(r.Context())
	var turns sync.WaitGroup
	// Disconnect cancels the running turn; the handler returns once it has unwound.
	defer func() {
		cancel()
		turns.Wait()
		h.loop.EndSession(sess)
	}()

	h.readLoop(ctx, ch, sess, &turns, log)
	log.Info("WebSocket session ended", "turns", sess.Turns())
}

func (h *WebSocketHandler) checkOrigin(r *http.Request) bool {
	if h.opts.IsDev {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" || slices.Contains(h.opts.AllowedOrigins, "*") || slices.Contains(h.opts.AllowedOrigins, origin) {
		return true
	}
	h.logger.Warn("WebSocket origin rejected", "origin", origin, "allowed", h.opts.AllowedOrigins)
	return false
}

func (h *WebSocketHandler) readLoop(ctx context.Context, ch *channel.WebSocket, sess *agent.Session, turns *sync.WaitGroup, log *slog.Logger) {
	for {
		data, err := ch.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 || ctx.Err() != nil {
				log.Debug("WebSocket closed by client")
			} else {
				log.Warn("WebSocket read error", "error", err)
			}
			return
		}

		in, err := protocol.Decode(data)
		if err != nil {
			log.Debug("Rejected inbound frame", "error", err)
			h.sendError(ctx, ch, err.Error(), log)
			continue
		}

		switch msg := in.(type) {
		case protocol.PingRequest:
			if err := ch.Send(ctx, protocol.PongEvent{Timestamp: time.Now().UTC()}); err != nil {
				log.Debug("Failed to send pong", "error", err)
			}
		case protocol.ChatRequest:
			h.startTurn(ctx, ch, sess, msg, turns, log)
		}
	}
}

// startTurn runs a chat in the background so the read loop keeps serving pings
// and can reject overlapping chats.
func (h *WebSocketHandler) startTurn(ctx context.Context, ch channel.Channel, sess *agent.Session, req protocol.ChatRequest, turns *sync.WaitGroup, log *slog.Logger) {
	// Only this goroutine starts turns, so an idle session stays idle until Start below.
	if sess.Busy() {
		h.rejectBusy(ctx, ch, log)
		return
	}
	if !h.opts.RateLimiter.Allow(sess.UserID) {
		h.metrics.RateLimited()
		log.Warn("Chat rate limited")
		h.sendError(ctx, ch, "rate limit exceeded, slow down", log)
		return
	}

	done, err := h.loop.Start(ctx, sess, ch, req)
	if errors.Is(err, agent.ErrBusy) {
		h.rejectBusy(ctx, ch, log)
		return
	}
	if err != nil {
		log.Error("Failed to start turn", "error", err)
		h.sendError(ctx, ch, "failed to start turn", log)
		return
	}

	turns.Add(1)
	go func() {
		defer turns.Done()
		<-done
	}()
}

func (h *WebSocketHandler) rejectBusy(ctx context.Context, ch channel.Channel, log *slog.Logger) {
	h.metrics.BusyRejected()
	log.Info("Chat rejected, turn in progress")
	h.sendError(ctx, ch, agent.ErrBusy.Error(), log)
}

func (h *WebSocketHandler) sendError(ctx context.Context, ch channel.Channel, msg string, log *slog.Logger) {
	if err := ch.Send(ctx, protocol.ErrorEvent{Error: msg, Timestamp: time.Now().UTC()}); err != nil {
		log.Debug("Failed to send error event", "error", err)
	}
}
