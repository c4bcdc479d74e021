package agent

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ashureev/agentgov/internal/api"
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
		SessionID:  "sess-1",
		Channel:    channelHTTP,
		Direction:  "outbound",
		EventType:  "chat_user_message",
		ContentRaw: "\x1b[1mdeploy\x1b[0m the agent",
	}
	logger.Log(event)

	path := filepath.Join(dir, "user-1", "sess-1.ndjson")
	lines := waitForLogLines(t, path, 1)
	var got ConversationLogEvent
	if err := json.Unmarshal([]byte(lines[0]), &got); err != nil {
		t.Fatalf("failed to unmarshal log line: %v", err)
	}
	if got.ContentRaw != event.ContentRaw {
		t.Fatalf("unexpected ContentRaw: %q", got.ContentRaw)
	}
	if got.Content != "deploy the agent" {
		t.Fatalf("expected cleaned content, got %q", got.Content)
	}
}

func TestConversationLoggerDisabledIsNoop(t *testing.T) {
	t.Parallel()

	logger, err := NewConversationLogger(ConversationLogConfig{}, nil)
	if err != nil {
		t.Fatalf("NewConversationLogger failed: %v", err)
	}
	logger.Log(ConversationLogEvent{UserID: "u"})
	if err := logger.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
}

func TestConversationLoggerSanitizesPaths(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	logger, err := NewConversationLogger(ConversationLogConfig{Enabled: true, Dir: dir}, nil)
	if err != nil {
		t.Fatalf("NewConversationLogger failed: %v", err)
	}
	logger.Log(ConversationLogEvent{UserID: "../escape", SessionID: "a/b", ContentRaw: "x"})
	if err := logger.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	logger.Log(ConversationLogEvent{UserID: "late"})

	if _, err := os.Stat(filepath.Join(dir, ".._escape", "a_b.ndjson")); err != nil {
		t.Fatalf("expected sanitized log path: %v", err)
	}
}

func TestChatSessionWritesTranscript(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	transcript, err := NewConversationLogger(ConversationLogConfig{Enabled: true, Dir: dir, QueueSize: 8}, nil)
	if err != nil {
		t.Fatalf("NewConversationLogger failed: %v", err)
	}
	defer func() { _ = transcript.Close() }()

	f := newChatFixture(t, true)
	chat, err := NewChatSession(Config{
		API:        f.api,
		Session:    f.gate,
		Repo:       f.repo,
		Notifier:   f.notes,
		Transcript: transcript,
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatalf("NewChatSession failed: %v", err)
	}
	f.api.send = func(context.Context, string) (*api.ChatResponse, error) {
		return &api.ChatResponse{Response: "done", Model: "m1"}, nil
	}
	if err := chat.SendMessage(context.Background(), "status?"); err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}

	path := filepath.Join(dir, "admin", chat.transcriptID+".ndjson")
	lines := waitForLogLines(t, path, 2)

	var out, in ConversationLogEvent
	if err := json.Unmarshal([]byte(lines[0]), &out); err != nil {
		t.Fatalf("bad line: %v", err)
	}
	if err := json.Unmarshal([]byte(lines[1]), &in); err != nil {
		t.Fatalf("bad line: %v", err)
	}
	if out.Direction != "outbound" || out.Content != "status?" {
		t.Fatalf("unexpected outbound event: %+v", out)
	}
	if in.Direction != "inbound" || in.EventType != "chat_assistant_message" || in.Content != "done" {
		t.Fatalf("unexpected inbound event: %+v", in)
	}
	if in.Meta["model"] != "m1" {
		t.Fatalf("expected model metadata, got %v", in.Meta)
	}
}

func TestCleanForReadabilityStripsANSI(t *testing.T) {
	t.Parallel()

	raw := "\x1b[31merror\x1b[0m plain\x07"
	clean := cleanForReadability(raw)
	if strings.Contains(clean, "\x1b[31m") {
		t.Fatalf("expected ANSI sequence to be stripped: %q", clean)
	}
	if clean != "error plain" {
		t.Fatalf("expected readable text to remain: %q", clean)
	}
}

func waitForLogLines(t *testing.T, path string, n int) []string {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		data, err := os.ReadFile(path)
		if err == nil && len(data) > 0 {
			lines := strings.Split(strings.TrimSpace(string(data)), "\n")
			if len(lines) >= n {
				return lines
			}
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d lines in %s", n, path)
	return nil
}
