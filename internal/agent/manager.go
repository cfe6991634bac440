package agent

import (
	"log/slog"
	"sync"

	"github.com/ashureev/agentstream/internal/channel"
)

type liveSession struct {
	session *Session
	ch      channel.Channel
}

// SessionManager tracks the live sessions of every user.
type SessionManager struct {
	mu     sync.RWMutex
	active map[string]map[string]liveSession
}

// NewSessionManager creates a new session manager.
func NewSessionManager() *SessionManager {
	return &SessionManager{
		active: make(map[string]map[string]liveSession),
	}
}

// Register adds a session and its channel.
func (m *SessionManager) Register(sess *Session, ch channel.Channel) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.active[sess.UserID]; !exists {
		m.active[sess.UserID] = make(map[string]liveSession)
	}
	m.active[sess.UserID][sess.ConnectionID] = liveSession{session: sess, ch: ch}
	slog.Info("Agent session registered", "user_id", sess.UserID, "connection_id", sess.ConnectionID)
}

// Unregister removes a session. A stale session with the same ids is left alone.
func (m *SessionManager) Unregister(sess *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if sessions, ok := m.active[sess.UserID]; ok {
		if current, exists := sessions[sess.ConnectionID]; exists && current.session == sess {
			delete(sessions, sess.ConnectionID)
			if len(sessions) == 0 {
				delete(m.active, sess.UserID)
			}
			slog.Info("Agent session unregistered", "user_id", sess.UserID, "connection_id", sess.ConnectionID)
		}
	}
}

// Count returns the number of live sessions.
func (m *SessionManager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, sessions := range m.active {
		n += len(sessions)
	}
	return n
}

// CloseAll closes every live connection, used on shutdown.
func (m *SessionManager) CloseAll(reason string) {
	m.mu.Lock()
	all := m.active
	m.active = make(map[string]map[string]liveSession)
	m.mu.Unlock()

	for userID, sessions := range all {
		for cid, live := range sessions {
			_ = live.ch.Close(reason)
			slog.Debug("Agent session closed on shutdown", "user_id", userID, "connection_id", cid)
		}
	}
}
