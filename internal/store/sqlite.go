package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/ashureev/agentstream/internal/domain"
)

// SQLiteStore implements ThreadRepository using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// Open database with WAL mode for better concurrency.
	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS threads (
		thread_id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		messages_json TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_threads_user ON threads(user_id, updated_at);
	CREATE INDEX IF NOT EXISTS idx_threads_updated ON threads(updated_at);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// GetThread retrieves a thread by id.
func (s *SQLiteStore) GetThread(ctx context.Context, threadID string) (*domain.Thread, error) {
	query := `
		SELECT thread_id, user_id, messages_json, created_at, updated_at
		FROM threads WHERE thread_id = ?`

	var (
		thread               domain.Thread
		messagesJSON         string
		createdAt, updatedAt int64
	)
	err := s.db.QueryRowContext(ctx, query, threadID).Scan(
		&thread.ThreadID, &thread.UserID, &messagesJSON, &createdAt, &updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan thread row: %w", err)
	}

	if err := json.Unmarshal([]byte(messagesJSON), &thread.Messages); err != nil {
		return nil, fmt.Errorf("decode thread %s messages: %w", threadID, err)
	}
	thread.CreatedAt = time.Unix(createdAt, 0)
	thread.UpdatedAt = time.Unix(updatedAt, 0)

	return &thread, nil
}

// SaveThread creates or replaces a thread's messages.
func (s *SQLiteStore) SaveThread(ctx context.Context, thread *domain.Thread) error {
	messagesJSON, err := json.Marshal(thread.Messages)
	if err != nil {
		return fmt.Errorf("encode thread messages: %w", err)
	}

	now := time.Now()
	createdAt := thread.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}

	query := `
	INSERT INTO threads (thread_id, user_id, messages_json, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(thread_id) DO UPDATE SET
		messages_json = excluded.messages_json,
		updated_at = excluded.updated_at
	WHERE threads.user_id = excluded.user_id`

	return withRetry(ctx, "save thread", func() error {
		result, err := s.db.ExecContext(ctx, query,
			thread.ThreadID, thread.UserID, string(messagesJSON),
			createdAt.Unix(), now.Unix(),
		)
		if err != nil {
			return fmt.Errorf("upsert thread: %w", err)
		}
		rows, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("get rows affected: %w", err)
		}
		if rows == 0 {
			return ErrThreadOwnership
		}
		return nil
	})
}

// ListThreads returns a user's threads ordered by most recent update.
func (s *SQLiteStore) ListThreads(ctx context.Context, userID string, limit int) ([]*domain.Thread, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `
		SELECT thread_id, user_id, created_at, updated_at
		FROM threads WHERE user_id = ?
		ORDER BY updated_at DESC, thread_id LIMIT ?`

	rows, err := s.db.QueryContext(ctx, query, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("query threads: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close thread rows", "error", closeErr)
		}
	}()

	var threads []*domain.Thread
	for rows.Next() {
		var (
			thread               domain.Thread
			createdAt, updatedAt int64
		)
		if err := rows.Scan(&thread.ThreadID, &thread.UserID, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan thread row: %w", err)
		}
		thread.CreatedAt = time.Unix(createdAt, 0)
		thread.UpdatedAt = time.Unix(updatedAt, 0)
		threads = append(threads, &thread)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate threads: %w", err)
	}
	return threads, nil
}

// DeleteThread removes a thread owned by userID.
func (s *SQLiteStore) DeleteThread(ctx context.Context, threadID, userID string) (bool, error) {
	var deleted bool
	err := withRetry(ctx, "delete thread", func() error {
		result, err := s.db.ExecContext(ctx,
			`DELETE FROM threads WHERE thread_id = ? AND user_id = ?`, threadID, userID)
		if err != nil {
			return fmt.Errorf("delete thread: %w", err)
		}
		rows, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("get rows affected: %w", err)
		}
		deleted = rows > 0
		return nil
	})
	return deleted, err
}

// CleanupExpiredThreads removes threads older than TTL.
func (s *SQLiteStore) CleanupExpiredThreads(ctx context.Context, ttl time.Duration) (int64, error) {
	threshold := time.Now().Add(-ttl).Unix()
	var deleted int64
	err := withRetry(ctx, "cleanup threads", func() error {
		result, err := s.db.ExecContext(ctx, `DELETE FROM threads WHERE updated_at < ?`, threshold)
		if err != nil {
			return fmt.Errorf("cleanup expired threads: %w", err)
		}
		deleted, err = result.RowsAffected()
		return err
	})
	return deleted, err
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}
