// Package channel provides the session-scoped connection used to push events to clients.
package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/ashureev/agentstream/internal/protocol"
)

// ErrGone is returned by Send once the peer has disconnected.
var ErrGone = errors.New("connection gone")

// DefaultWriteTimeout bounds a single frame write.
const DefaultWriteTimeout = 10 * time.Second

// Channel delivers events to one connected client.
type Channel interface {
	// Send writes one event. It returns ErrGone when the peer is no longer reachable.
	Send(ctx context.Context, ev protocol.Event) error
	// Close ends the connection with a normal closure.
	Close(reason string) error
}

// Finisher is a Channel that can run a hook and send an event with no other
// send landing in between.
type Finisher interface {
	SendAfter(ctx context.Context, fn func(), ev protocol.Event) error
}

// SendFinal runs fn and then sends ev. On a Finisher, fn runs while sends are
// held, so anything fn lets start can only send after ev.
func SendFinal(ctx context.Context, ch Channel, fn func(), ev protocol.Event) error {
	if f, ok := ch.(Finisher); ok {
		return f.SendAfter(ctx, fn, ev)
	}
	fn()
	return ch.Send(ctx, ev)
}

// WebSocket is a Channel over a coder/websocket connection. Sends are
// serialized so frames from the read loop and the turn never interleave.
type WebSocket struct {
	conn         *websocket.Conn
	writeTimeout time.Duration
	logger       *slog.Logger

	mu   sync.Mutex
	gone bool
}

var (
	_ Channel  = (*WebSocket)(nil)
	_ Finisher = (*WebSocket)(nil)
)

// NewWebSocket wraps an accepted connection.
func NewWebSocket(conn *websocket.Conn, writeTimeout time.Duration, logger *slog.Logger) *WebSocket {
	if writeTimeout <= 0 {
		writeTimeout = DefaultWriteTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &WebSocket{conn: conn, writeTimeout: writeTimeout, logger: logger}
}

// Send implements Channel.
func (c *WebSocket) Send(ctx context.Context, ev protocol.Event) error {
	return c.SendAfter(ctx, nil, ev)
}

// SendAfter implements Finisher. fn runs even when the peer is gone.
func (c *WebSocket) SendAfter(ctx context.Context, fn func(), ev protocol.Event) error {
	data, encErr := json.Marshal(ev)

	c.mu.Lock()
	defer c.mu.Unlock()

	if fn != nil {
		fn()
	}
	if encErr != nil {
		return fmt.Errorf("encode %s event: %w", ev.Type(), encErr)
	}
	if c.gone {
		return ErrGone
	}

	// Writes are not tied to the turn context so the final error or
	// completion frame still goes out after the turn was cancelled.
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.writeTimeout)
	defer cancel()

	if err := c.conn.Write(writeCtx, websocket.MessageText, data); err != nil {
		c.gone = true
		c.logger.Debug("WebSocket write error", "error", err, "event", ev.Type())
		return fmt.Errorf("%w: %v", ErrGone, err)
	}
	return nil
}

// Read blocks for the next client frame.
func (c *WebSocket) Read(ctx context.Context) ([]byte, error) {
	_, data, err := c.conn.Read(ctx)
	if err != nil {
		c.markGone()
		return nil, err
	}
	return data, nil
}

// Close implements Channel.
func (c *WebSocket) Close(reason string) error {
	c.markGone()
	return c.conn.Close(websocket.StatusNormalClosure, reason)
}

func (c *WebSocket) markGone() {
	c.mu.Lock()
	c.gone = true
	c.mu.Unlock()
}
