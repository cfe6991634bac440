package agent

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"
)

const defaultConversationQueueSize = 1024

// ConversationLogConfig configures NDJSON conversation transcripts.
type ConversationLogConfig struct {
	Enabled bool
	// Dir receives one <user>/<session>.ndjson file per connection.
	Dir string
	// GlobalFile, when set, additionally receives every event.
	GlobalFile string
	QueueSize  int
}

// ConversationLogEvent is one transcript line.
type ConversationLogEvent struct {
	Timestamp  time.Time      `json:"ts"`
	UserID     string         `json:"user_id"`
	SessionID  string         `json:"session_id"`
	ThreadID   string         `json:"thread_id,omitempty"`
	Channel    string         `json:"channel"`
	Direction  string         `json:"direction"`
	EventType  string         `json:"event_type"`
	Content    string         `json:"content"`
	ContentRaw string         `json:"content_raw"`
	Meta       map[string]any `json:"meta,omitempty"`
}

// ConversationLogger records conversation events off the hot path.
type ConversationLogger interface {
	Log(event ConversationLogEvent)
	// EndSession releases the per-session file once the connection is gone.
	// Events logged for the session before the call are still written.
	EndSession(userID, sessionID string)
	Close() error
}

type noopConversationLogger struct{}

func (noopConversationLogger) Log(ConversationLogEvent)  {}
func (noopConversationLogger) EndSession(string, string) {}
func (noopConversationLogger) Close() error              { return nil }

// NewConversationLogger returns an asynchronous NDJSON logger, or a no-op logger when disabled.
func NewConversationLogger(cfg ConversationLogConfig, logger *slog.Logger) (ConversationLogger, error) {
	if !cfg.Enabled {
		return noopConversationLogger{}, nil
	}
	if cfg.Dir == "" {
		return nil, fmt.Errorf("conversation log dir is required")
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create conversation log dir: %w", err)
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultConversationQueueSize
	}
	if logger == nil {
		logger = slog.Default()
	}

	l := &ndjsonConversationLogger{
		cfg:    cfg,
		logger: logger,
		queue:  make(chan logItem, cfg.QueueSize),
		files:  make(map[string]*os.File),
		done:   make(chan struct{}),
	}
	if cfg.GlobalFile != "" {
		f, err := openAppend(cfg.GlobalFile)
		if err != nil {
			return nil, fmt.Errorf("open global conversation log: %w", err)
		}
		l.global = f
	}
	go l.run()
	return l, nil
}

// logItem is either an event to write or a request to close a session file.
type logItem struct {
	event      ConversationLogEvent
	endSession bool
}

type ndjsonConversationLogger struct {
	cfg    ConversationLogConfig
	logger *slog.Logger
	queue  chan logItem
	done   chan struct{}

	mu     sync.RWMutex
	closed bool

	// Written only by run; filesMu lets other goroutines count open handles.
	filesMu sync.Mutex
	files   map[string]*os.File
	global  *os.File
}

// Log enqueues an event; it never blocks. Events are dropped when the queue is full.
func (l *ndjsonConversationLogger) Log(event ConversationLogEvent) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if event.Content == "" {
		event.Content = cleanForReadability(event.ContentRaw)
	}

	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return
	}
	select {
	case l.queue <- logItem{event: event}:
	default:
		l.logger.Warn("Conversation log queue full, dropping event",
			"user_id", event.UserID, "session_id", event.SessionID, "event_type", event.EventType)
	}
}

// EndSession queues the close behind any pending events of the session. Unlike
// Log it waits for queue space, since a dropped request would leak the file.
func (l *ndjsonConversationLogger) EndSession(userID, sessionID string) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return
	}
	l.queue <- logItem{
		event:      ConversationLogEvent{UserID: userID, SessionID: sessionID},
		endSession: true,
	}
}

// Close flushes queued events and closes all files.
func (l *ndjsonConversationLogger) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	close(l.queue)
	l.mu.Unlock()

	<-l.done
	return nil
}

func (l *ndjsonConversationLogger) run() {
	defer close(l.done)
	defer l.closeFiles()

	for item := range l.queue {
		event := item.event
		if item.endSession {
			l.closeSession(event.UserID, event.SessionID)
			continue
		}

		line, err := json.Marshal(event)
		if err != nil {
			l.logger.Warn("Failed to encode conversation event", "error", err)
			continue
		}
		line = append(line, '\n')

		f, err := l.sessionFile(event.UserID, event.SessionID)
		if err != nil {
			l.logger.Warn("Failed to open conversation log", "error", err, "user_id", event.UserID)
		} else if _, err := f.Write(line); err != nil {
			l.logger.Warn("Failed to write conversation log", "error", err, "user_id", event.UserID)
		}
		if l.global != nil {
			if _, err := l.global.Write(line); err != nil {
				l.logger.Warn("Failed to write global conversation log", "error", err)
			}
		}
	}
}

func (l *ndjsonConversationLogger) sessionPath(userID, sessionID string) string {
	return filepath.Join(l.cfg.Dir, safePathSegment(userID), safePathSegment(sessionID)+".ndjson")
}

func (l *ndjsonConversationLogger) sessionFile(userID, sessionID string) (*os.File, error) {
	path := l.sessionPath(userID, sessionID)
	if f, ok := l.files[path]; ok {
		return f, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	f, err := openAppend(path)
	if err != nil {
		return nil, err
	}
	l.filesMu.Lock()
	l.files[path] = f
	l.filesMu.Unlock()
	return f, nil
}

func (l *ndjsonConversationLogger) closeSession(userID, sessionID string) {
	path := l.sessionPath(userID, sessionID)
	f, ok := l.files[path]
	if !ok {
		return
	}
	l.filesMu.Lock()
	delete(l.files, path)
	l.filesMu.Unlock()
	if err := f.Close(); err != nil {
		l.logger.Debug("Failed to close conversation log", "path", path, "error", err)
	}
}

func (l *ndjsonConversationLogger) openSessionFiles() int {
	l.filesMu.Lock()
	defer l.filesMu.Unlock()
	return len(l.files)
}

func (l *ndjsonConversationLogger) closeFiles() {
	l.filesMu.Lock()
	defer l.filesMu.Unlock()
	for path, f := range l.files {
		if err := f.Close(); err != nil {
			l.logger.Debug("Failed to close conversation log", "path", path, "error", err)
		}
		delete(l.files, path)
	}
	if l.global != nil {
		_ = l.global.Close()
	}
}

func openAppend(path string) (*os.File, error) {
	return os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
}

var unsafePathChars = regexp.MustCompile(`[^A-Za-z0-9._-]`)

func safePathSegment(s string) string {
	s = unsafePathChars.ReplaceAllString(s, "_")
	s = strings.Trim(s, ".")
	if s == "" {
		return "unknown"
	}
	return s
}

var (
	ansiCSI = regexp.MustCompile(`\x1b\[[0-9;?]*[ -/]*[@-~]`)
	ansiOSC = regexp.MustCompile(`\x1b\][^\x07\x1b]*(?:\x07|\x1b\\)`)
)

// cleanForReadability strips terminal escape sequences and control characters.
func cleanForReadability(raw string) string {
	s := ansiOSC.ReplaceAllString(raw, "")
	s = ansiCSI.ReplaceAllString(s, "")
	s = strings.ReplaceAll(s, "\r\n", "\n")
	return strings.Map(func(r rune) rune {
		if r == '\n' || r == '\t' {
			return r
		}
		if r < 0x20 || r == 0x7f {
			return -1
		}
		return r
	}, s)
}
