// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/ashureev/agentstream/internal/domain"
)

// ErrThreadOwnership is returned when a thread id is already used by another user.
var ErrThreadOwnership = errors.New("thread belongs to another user")

// ThreadRepository persists conversation threads.
type ThreadRepository interface {
	// GetThread retrieves a thread by id. It returns nil, nil when the thread does not exist.
	GetThread(ctx context.Context, threadID string) (*domain.Thread, error)

	// SaveThread creates or replaces the messages of a thread owned by thread.UserID.
	SaveThread(ctx context.Context, thread *domain.Thread) error

	// ListThreads returns the most recently updated threads of a user, without messages.
	ListThreads(ctx context.Context, userID string, limit int) ([]*domain.Thread, error)

	// DeleteThread removes a thread owned by userID and reports whether it existed.
	DeleteThread(ctx context.Context, threadID, userID string) (bool, error)

	// CleanupExpiredThreads removes threads not updated within ttl.
	CleanupExpiredThreads(ctx context.Context, ttl time.Duration) (int64, error)

	// Ping verifies database connectivity and returns an error if the database is unreachable.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
