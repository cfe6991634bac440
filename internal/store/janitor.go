package store

import (
	"context"
	"log/slog"
	"time"
)

// DefaultJanitorInterval is how often expired threads are swept.
const DefaultJanitorInterval = 5 * time.Minute

// CleanupCallback is called after a sweep that removed threads.
type CleanupCallback func(deleted int64)

// StartJanitor runs a background goroutine that periodically deletes threads
// idle for longer than ttl. It stops when ctx is cancelled.
func StartJanitor(ctx context.Context, repo ThreadRepository, ttl, interval time.Duration, onCleanup CleanupCallback) {
	if interval <= 0 {
		interval = DefaultJanitorInterval
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		slog.Info("Thread janitor started", "interval", interval, "ttl", ttl)

		for {
			select {
			case <-ticker.C:
				sweepExpiredThreads(ctx, repo, ttl, onCleanup)
			case <-ctx.Done():
				slog.Info("Thread janitor shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}

func sweepExpiredThreads(ctx context.Context, repo ThreadRepository, ttl time.Duration, onCleanup CleanupCallback) {
	deleted, err := repo.CleanupExpiredThreads(ctx, ttl)
	if err != nil {
		if ctx.Err() != nil {
			slog.Debug("Thread janitor: context canceled during cleanup", "error", err)
			return
		}
		slog.Error("Thread janitor failed to cleanup expired threads", "error", err)
		return
	}
	if deleted == 0 {
		return
	}

	slog.Info("Thread janitor cleaned up expired threads", "count", deleted)
	if onCleanup != nil {
		onCleanup(deleted)
	}
}
