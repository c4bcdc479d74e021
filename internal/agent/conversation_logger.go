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
	"unicode"
)

// ConversationLogConfig controls the per-user chat transcript.
type ConversationLogConfig struct {
	Enabled   bool
	Dir       string
	QueueSize int
}

// ConversationLogEvent is one transcript line.
type ConversationLogEvent struct {
	Timestamp  string         `json:"ts"`
	UserID     string         `json:"user_id"`
	SessionID  string         `json:"session_id"`
	Channel    string         `json:"channel"`
	Direction  string         `json:"direction"`
	EventType  string         `json:"event_type"`
	MessageID  string         `json:"message_id,omitempty"`
	Content    string         `json:"content"`
	ContentRaw string         `json:"content_raw,omitempty"`
	Meta       map[string]any `json:"meta,omitempty"`
}

// ConversationLogger records chat traffic. Log never blocks the caller.
type ConversationLogger interface {
	Log(event ConversationLogEvent)
	Close() error
}

type noopConversationLogger struct{}

func (noopConversationLogger) Log(ConversationLogEvent) {}
func (noopConversationLogger) Close() error             { return nil }

// fileConversationLogger appends NDJSON to <dir>/<user>/<session>.ndjson
// from a single background writer.
type fileConversationLogger struct {
	dir    string
	logger *slog.Logger

	mu     sync.RWMutex
	closed bool
	events chan ConversationLogEvent
	done   chan struct{}
}

// NewConversationLogger returns a file-backed logger, or a no-op logger when
// cfg.Enabled is false.
func NewConversationLogger(cfg ConversationLogConfig, logger *slog.Logger) (ConversationLogger, error) {
	if !cfg.Enabled {
		return noopConversationLogger{}, nil
	}
	if cfg.Dir == "" {
		return nil, fmt.Errorf("conversation log dir is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(cfg.Dir, 0o700); err != nil {
		return nil, fmt.Errorf("create conversation log dir: %w", err)
	}
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = 256
	}

	l := &fileConversationLogger{
		dir:    cfg.Dir,
		logger: logger,
		events: make(chan ConversationLogEvent, queueSize),
		done:   make(chan struct{}),
	}
	go l.run()
	return l, nil
}

func (l *fileConversationLogger) Log(event ConversationLogEvent) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return
	}
	if event.Content == "" && event.ContentRaw != "" {
		event.Content = cleanForReadability(event.ContentRaw)
	}
	select {
	case l.events <- event:
	default:
		l.logger.Warn("conversation log queue full, dropping event", "event_type", event.EventType)
	}
}

func (l *fileConversationLogger) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	close(l.events)
	l.mu.Unlock()
	<-l.done
	return nil
}

func (l *fileConversationLogger) run() {
	defer close(l.done)
	files := make(map[string]*os.File)
	defer func() {
		for path, f := range files {
			if err := f.Close(); err != nil {
				l.logger.Warn("failed to close conversation log", "path", path, "error", err)
			}
		}
	}()

	for event := range l.events {
		path := filepath.Join(l.dir, safePathSegment(event.UserID), safePathSegment(event.SessionID)+".ndjson")
		f, ok := files[path]
		if !ok {
			var err error
			f, err = openAppend(path)
			if err != nil {
				l.logger.Warn("failed to open conversation log", "path", path, "error", err)
				continue
			}
			files[path] = f
		}
		line, err := json.Marshal(event)
		if err != nil {
			l.logger.Warn("failed to encode conversation event", "error", err)
			continue
		}
		if _, err := f.Write(append(line, '\n')); err != nil {
			l.logger.Warn("failed to write conversation log", "path", path, "error", err)
		}
	}
}

func openAppend(path string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, err
	}
	return os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
}

var (
	ansiPattern   = regexp.MustCompile(`\x1b\[[0-9;?]*[ -/]*[@-~]|\x1b\][^\x07]*\x07`)
	unsafePattern = regexp.MustCompile(`[^A-Za-z0-9._-]`)
)

func safePathSegment(s string) string {
	s = unsafePattern.ReplaceAllString(s, "_")
	if s == "" || s == "." || s == ".." {
		return "unknown"
	}
	return s
}

// cleanForReadability strips terminal escapes and stray control characters.
func cleanForReadability(raw string) string {
	s := ansiPattern.ReplaceAllString(raw, "")
	s = strings.Map(func(r rune) rune {
		if r == '\n' || r == '\t' || !unicode.IsControl(r) {
			return r
		}
		return -1
	}, s)
	return strings.TrimSpace(s)
}
