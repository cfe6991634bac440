package domain

import (
	"time"
)

// Thread stores a conversation history that outlives a single connection.
type Thread struct {
	ThreadID  string
	UserID    string
	Messages  []Message
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Turns returns the number of user turns recorded in the thread.
func (t *Thread) Turns() int {
	n := 0
	for _, m := range t.Messages {
		if m.Role == RoleUser {
			n++
		}
	}
	return n
}

// ExpiresIn returns the time until the thread becomes eligible for cleanup.
// Returns 0 if it already is.
func (t *Thread) ExpiresIn(ttl time.Duration) time.Duration {
	remaining := time.Until(t.UpdatedAt.Add(ttl))
	if remaining < 0 {
		return 0
	}
	return remaining
}
