package agent

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestConversationLoggerWritesPerSessionNDJSON(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	logger, err := NewConversationLogger(ConversationLogConfig{
		Enabled:   true,
		Dir:       dir,
		QueueSize: 16,
	}, slog.Default())
	if err != nil {
		t.Fatalf("NewConversationLogger failed: %v", err)
	}
	defer func() { _ = logger.Close() }()

	event := ConversationLogEvent{
		UserID:     "user-1",
		SessionID:  "conn-1",
		Channel:    "websocket",
		Direction:  "inbound",
		EventType:  "user_message",
		ContentRaw: "what is 2+2?",
	}
	logger.Log(event)

	path := filepath.Join(dir, "user-1", "conn-1.ndjson")
	line := waitForLogLine(t, path)
	var got ConversationLogEvent
	if err := json.Unmarshal([]byte(line), &got); err != nil {
		t.Fatalf("failed to unmarshal log line: %v", err)
	}
	if got.ContentRaw != "what is 2+2?" {
		t.Fatalf("unexpected ContentRaw: %q", got.ContentRaw)
	}
	if got.Content == "" {
		t.Fatal("expected cleaned content to be populated")
	}
	if got.Timestamp.IsZero() {
		t.Fatal("expected timestamp to be set")
	}
}

func TestConversationLoggerSanitizesPathSegments(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	logger, err := NewConversationLogger(ConversationLogConfig{Enabled: true, Dir: dir}, nil)
	if err != nil {
		t.Fatalf("NewConversationLogger failed: %v", err)
	}

	logger.Log(ConversationLogEvent{UserID: "../../etc", SessionID: "a/b", ContentRaw: "x"})
	if err := logger.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	if _, err := os.Stat(filepath.Join(dir, "_.._etc", "a_b.ndjson")); err != nil {
		t.Fatalf("expected sanitized log path: %v", err)
	}
	// Logging after close is a no-op.
	logger.Log(ConversationLogEvent{UserID: "u", SessionID: "s"})
}

func TestConversationLoggerReleasesEndedSessions(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	cl, err := NewConversationLogger(ConversationLogConfig{Enabled: true, Dir: dir}, nil)
	if err != nil {
		t.Fatalf("NewConversationLogger failed: %v", err)
	}
	defer func() { _ = cl.Close() }()
	logger := cl.(*ndjsonConversationLogger)
	if got := cap(logger.queue); got != defaultConversationQueueSize {
		t.Fatalf("queue size = %d, want default %d", got, defaultConversationQueueSize)
	}

	const sessions = 200
	for i := range sessions {
		sid := fmt.Sprintf("conn-%d", i)
		logger.Log(ConversationLogEvent{UserID: "user-1", SessionID: sid, ContentRaw: "hello"})
		logger.EndSession("user-1", sid)
	}

	lastPath := filepath.Join(dir, "user-1", fmt.Sprintf("conn-%d.ndjson", sessions-1))
	drained := func() bool {
		_, err := os.Stat(lastPath)
		return err == nil && logger.openSessionFiles() == 0
	}
	deadline := time.Now().Add(2 * time.Second)
	for !drained() {
		if time.Now().After(deadline) {
			t.Fatalf("%d session files still open after their sessions ended", logger.openSessionFiles())
		}
		time.Sleep(10 * time.Millisecond)
	}

	// A late event for an ended session reopens the file in append mode.
	logger.Log(ConversationLogEvent{UserID: "user-1", SessionID: "conn-0", ContentRaw: "late"})
	if err := cl.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, "user-1", "conn-0.ndjson"))
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if lines := strings.Split(strings.TrimSpace(string(data)), "\n"); len(lines) != 2 {
		t.Fatalf("expected 2 lines in conn-0 log, got %d", len(lines))
	}
	// Ending a session after Close is a no-op.
	logger.EndSession("user-1", "conn-1")
}

func TestDisabledConversationLoggerIsNoop(t *testing.T) {
	t.Parallel()

	logger, err := NewConversationLogger(ConversationLogConfig{}, nil)
	if err != nil {
		t.Fatalf("NewConversationLogger failed: %v", err)
	}
	if _, ok := logger.(noopConversationLogger); !ok {
		t.Fatalf("expected noop logger, got %T", logger)
	}
}

func TestCleanForReadabilityStripsANSI(t *testing.T) {
	t.Parallel()

	raw := "\x1b[31merror\x1b[0m plain"
	clean := cleanForReadability(raw)
	if strings.Contains(clean, "\x1b[31m") {
		t.Fatalf("expected ANSI sequence to be stripped: %q", clean)
	}
	if !strings.Contains(clean, "error plain") {
		t.Fatalf("expected readable text to remain: %q", clean)
	}
}

func waitForLogLine(t *testing.T, path string) string {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		data, err := os.ReadFile(path)
		if err == nil && len(data) > 0 {
			lines := strings.Split(strings.TrimSpace(string(data)), "\n")
			if len(lines) > 0 {
				return lines[len(lines)-1]
			}
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for log file %s", path)
	return ""
}
