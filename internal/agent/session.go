package agent

import (
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/ashureev/agentstream/internal/domain"
)

// ErrBusy is returned when a chat arrives while the session is running a turn.
var ErrBusy = errors.New("a turn is already in progress")

// Session is the per-connection conversation state. It is created when the
// connection opens and discarded when it closes.
type Session struct {
	ConnectionID string
	UserID       string
	CreatedAt    time.Time

	mu       sync.Mutex
	history  []domain.Message
	threadID string
	busy     bool
	turnSeq  uint64
	turns    int
}

// NewSession creates an idle session with empty history.
func NewSession(connectionID, userID string) *Session {
	return &Session{
		ConnectionID: connectionID,
		UserID:       userID,
		CreatedAt:    time.Now(),
	}
}

// TryBegin reserves the session for one turn. The returned release function
// is idempotent and only clears the reservation it created.
func (s *Session) TryBegin() (release func(), ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.busy {
		return nil, false
	}
	s.busy = true
	s.turnSeq++
	s.turns++
	seq := s.turnSeq

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.busy && s.turnSeq == seq {
			s.busy = false
		}
	}, true
}

// Busy reports whether a turn is running.
func (s *Session) Busy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.busy
}

// Turns returns how many turns were started on this session.
func (s *Session) Turns() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.turns
}

// History returns a copy of the conversation history.
func (s *Session) History() []domain.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.history)
}

// Append adds messages to the history.
func (s *Session) Append(msgs ...domain.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append(s.history, msgs...)
}

// AppendUserText adds a user message, merging into a trailing user message left by an aborted turn.
func (s *Session) AppendUserText(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = domain.AppendUserText(s.history, text)
}

// ThreadID returns the bound thread id, or empty when the session is not persisted.
func (s *Session) ThreadID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.threadID
}

// BindThread attaches the session to a stored thread. Stored messages replace
// the history, which must still be empty. Binding the same id again is a no-op.
func (s *Session) BindThread(threadID string, stored []domain.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.threadID == threadID {
		return nil
	}
	if s.threadID != "" {
		return fmt.Errorf("session is already bound to thread %s", s.threadID)
	}
	if len(stored) > 0 && len(s.history) > 0 {
		return fmt.Errorf("cannot resume thread %s into a conversation that already started", threadID)
	}

	s.threadID = threadID
	if len(stored) > 0 {
		s.history = slices.Clone(stored)
	}
	return nil
}

// Snapshot returns the session as a thread for persistence.
func (s *Session) Snapshot() *domain.Thread {
	s.mu.Lock()
	defer s.mu.Unlock()
	return &domain.Thread{
		ThreadID: s.threadID,
		UserID:   s.UserID,
		Messages: slices.Clone(s.history),
	}
}
