// Package agent implements the chat session with the governing agents: the
// ordered message log, buffered and streaming sends, and history loading.
package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/ashureev/agentgov/internal/api"
	"github.com/ashureev/agentgov/internal/domain"
	"github.com/ashureev/agentgov/internal/store"
	"github.com/ashureev/agentgov/internal/stream"
)

var (
	// ErrNotAuthenticated is returned when a send is attempted without an
	// authenticated session. Nothing is appended to the log.
	ErrNotAuthenticated = errors.New("agent: not authenticated")
	// ErrEmptyMessage is returned for blank input.
	ErrEmptyMessage = errors.New("agent: empty message")
	// ErrSessionEnded is returned when the session ended while a send was in
	// flight. The late reply is discarded.
	ErrSessionEnded = errors.New("agent: session ended during send")
)

const (
	channelHTTP   = "chat_http"
	channelStream = "chat_stream"
)

// ChatAPI is the subset of the backend a chat session uses.
type ChatAPI interface {
	SendChat(ctx context.Context, message string) (*api.ChatResponse, error)
	OpenChatStream(ctx context.Context, message string) (io.ReadCloser, error)
	History(ctx context.Context, limit int) ([]api.HistoryMessage, error)
}

// SessionGate is the read-only view of the session a chat session needs.
type SessionGate interface {
	Snapshot() domain.Session
	Liveness() context.Context
}

// Config holds configuration for creating a ChatSession.
type Config struct {
	API     ChatAPI
	Session SessionGate
	// Repo holds the durable chat log. Required.
	Repo         store.Repository
	Notifier     Notifier
	Transcript   ConversationLogger
	HistoryLimit int
	Registerer   prometheus.Registerer
	Logger       *slog.Logger
	// NewID and Now default to uuid.NewString and time.Now.
	NewID func() string
	Now   func() time.Time
}

// ChatSession owns the ordered message log. A requester message is always
// followed by exactly one responder or system message, except when the
// session ends mid-send, in which case the requester message is marked as
// failed instead.
type ChatSession struct {
	api          ChatAPI
	session      SessionGate
	repo         store.Repository
	notifier     Notifier
	transcript   ConversationLogger
	historyLimit int
	messagesSent *prometheus.CounterVec
	logger       *slog.Logger
	newID        func() string
	now          func() time.Time
	transcriptID string

	mu         sync.Mutex
	messages   []domain.Message
	inFlight   int
	streaming  string
	isStreamed bool
	statusText string
}

// NewChatSession creates an empty chat session.
func NewChatSession(cfg Config) (*ChatSession, error) {
	if cfg.API == nil || cfg.Session == nil || cfg.Repo == nil {
		return nil, fmt.Errorf("agent: API, Session and Repo are required")
	}
	c := &ChatSession{
		api:          cfg.API,
		session:      cfg.Session,
		repo:         cfg.Repo,
		notifier:     cfg.Notifier,
		transcript:   cfg.Transcript,
		historyLimit: cfg.HistoryLimit,
		logger:       cfg.Logger,
		newID:        cfg.NewID,
		now:          cfg.Now,
		messagesSent: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentgov_chat_messages_total",
				Help: "Total number of chat messages appended to the log",
			},
			[]string{"role", "status"},
		),
	}
	if c.notifier == nil {
		c.notifier = LogNotifier{Logger: cfg.Logger}
	}
	if c.transcript == nil {
		c.transcript = noopConversationLogger{}
	}
	if c.historyLimit <= 0 {
		c.historyLimit = 50
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	if c.newID == nil {
		c.newID = uuid.NewString
	}
	if c.now == nil {
		c.now = time.Now
	}
	c.transcriptID = c.newID()
	if cfg.Registerer != nil {
		cfg.Registerer.MustRegister(c.messagesSent)
	}
	return c, nil
}

// MessagesCounter exposes the appended-messages counter.
func (c *ChatSession) MessagesCounter() *prometheus.CounterVec {
	return c.messagesSent
}

// Load rehydrates the durable message log.
func (c *ChatSession) Load(ctx context.Context) error {
	rec, err := store.LoadChat(ctx, c.repo)
	if err != nil {
		return fmt.Errorf("load chat log: %w", err)
	}
	c.mu.Lock()
	c.messages = rec.Messages
	c.mu.Unlock()
	return nil
}

// Messages returns a copy of the log.
func (c *ChatSession) Messages() []domain.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]domain.Message, len(c.messages))
	copy(out, c.messages)
	return out
}

// Loading reports whether a send is in flight.
func (c *ChatSession) Loading() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inFlight > 0
}

// Streaming returns the accumulated text of the in-flight stream and
// whether a stream is active.
func (c *ChatSession) Streaming() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.streaming, c.isStreamed
}

// StatusText returns the last status note of the in-flight stream.
func (c *ChatSession) StatusText() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.statusText
}

// Clear empties the log.
func (c *ChatSession) Clear(ctx context.Context) {
	c.mu.Lock()
	c.messages = nil
	c.mu.Unlock()
	c.persist(ctx)
}

// SendMessage performs one buffered round trip. On failure a system message
// describing the cause is appended and the error is returned.
func (c *ChatSession) SendMessage(ctx context.Context, content string) error {
	ctx, live, done, requester, err := c.begin(ctx, content, false)
	if err != nil {
		return err
	}
	defer done()

	resp, err := c.api.SendChat(ctx, content)
	if live.Err() != nil {
		return c.abandon(requester.ID)
	}
	if err != nil {
		c.logger.Warn("chat send failed", "error", err)
		c.fail(ctx, channelHTTP, "Failed to send message: "+describe(err))
		return fmt.Errorf("send chat: %w", err)
	}

	meta := resp.Metadata()
	c.succeed(ctx, channelHTTP, resp.Text(), meta)
	return nil
}

// SendStreamingMessage streams the reply, passing each text delta to
// onChunk. On Done one responder message with the full text is appended.
func (c *ChatSession) SendStreamingMessage(ctx context.Context, content string, onChunk func(string)) error {
	ctx, live, done, requester, err := c.begin(ctx, content, true)
	if err != nil {
		return err
	}
	defer done()

	body, err := c.api.OpenChatStream(ctx, content)
	if live.Err() != nil {
		if body != nil {
			_ = body.Close()
		}
		return c.abandon(requester.ID)
	}
	if err != nil {
		c.logger.Warn("chat stream failed to open", "error", err)
		c.fail(ctx, channelStream, "Failed to send message: "+describe(err))
		return fmt.Errorf("open chat stream: %w", err)
	}
	defer body.Close()

	var text strings.Builder
	chunks := 0
	for ev := range stream.Decode(ctx, stream.NewReaderSource(body), c.logger) {
		if live.Err() != nil {
			break
		}
		switch ev := ev.(type) {
		case stream.ContentDelta:
			text.WriteString(ev.Text)
			chunks++
			c.mu.Lock()
			c.streaming = text.String()
			c.mu.Unlock()
			if onChunk != nil {
				onChunk(ev.Text)
			}
		case stream.Status:
			c.mu.Lock()
			c.statusText = ev.Text
			c.mu.Unlock()
		case stream.Complete:
			c.logger.Debug("stream metadata received", "task_created", ev.Metadata.TaskCreated)
		case stream.Done:
			c.logger.Debug("stream finished", "chunks", chunks)
			c.succeed(ctx, channelStream, text.String(), ev.Metadata)
			return nil
		case stream.Error:
			c.logger.Warn("chat stream failed", "error", ev, "transport", ev.Transport, "chunks", chunks)
			c.fail(ctx, channelStream, "Error: "+ev.Message)
			return fmt.Errorf("chat stream: %w", ev)
		}
	}

	if live.Err() != nil {
		return c.abandon(requester.ID)
	}
	c.fail(ctx, channelStream, "Request cancelled")
	return fmt.Errorf("chat stream: %w", context.Cause(ctx))
}

// LoadHistory replaces the log with the server's history. Failure is logged
// and otherwise ignored. An empty history or an in-flight send leaves the
// local log untouched.
func (c *ChatSession) LoadHistory(ctx context.Context) {
	if !c.session.Snapshot().Authenticated() {
		return
	}
	entries, err := c.api.History(ctx, c.historyLimit)
	if err != nil {
		c.logger.Warn("failed to load chat history", "error", err)
		return
	}
	if len(entries) == 0 {
		return
	}
	msgs := make([]domain.Message, 0, len(entries))
	for _, e := range entries {
		m := e.Message()
		if m.ID == "" {
			m.ID = c.newID()
		}
		if m.Metadata != nil && m.Metadata.IsZero() {
			m.Metadata = nil
		}
		msgs = append(msgs, m)
	}

	c.mu.Lock()
	if c.inFlight > 0 {
		c.mu.Unlock()
		c.logger.Debug("skipping history while a send is in flight")
		return
	}
	c.messages = msgs
	c.mu.Unlock()
	c.persist(ctx)
	c.logger.Info("chat history loaded", "messages", len(msgs))
}

// begin gates a send on the session, binds ctx to session liveness and
// appends the requester message.
func (c *ChatSession) begin(ctx context.Context, content string, streamed bool) (context.Context, context.Context, func(), domain.Message, error) {
	if strings.TrimSpace(content) == "" {
		return nil, nil, nil, domain.Message{}, ErrEmptyMessage
	}
	snap := c.session.Snapshot()
	if !snap.Authenticated() {
		return nil, nil, nil, domain.Message{}, ErrNotAuthenticated
	}
	live := c.session.Liveness()
	if live.Err() != nil {
		return nil, nil, nil, domain.Message{}, ErrNotAuthenticated
	}

	ctx, cancel := context.WithCancelCause(ctx)
	stop := context.AfterFunc(live, func() { cancel(ErrSessionEnded) })

	requester := domain.Message{
		ID:        c.newID(),
		Role:      domain.RoleRequester,
		Content:   content,
		CreatedAt: c.now(),
		Status:    domain.StatusSent,
	}
	c.mu.Lock()
	c.messages = append(c.messages, requester)
	c.inFlight++
	if streamed {
		c.streaming, c.isStreamed, c.statusText = "", true, ""
	}
	c.mu.Unlock()
	c.record(requester)
	c.persist(ctx)

	channel := channelHTTP
	if streamed {
		channel = channelStream
	}
	c.transcript.Log(ConversationLogEvent{
		Timestamp:  requester.CreatedAt.UTC().Format(time.RFC3339Nano),
		UserID:     snap.User.Username,
		SessionID:  c.transcriptID,
		Channel:    channel,
		Direction:  "outbound",
		EventType:  "chat_user_message",
		MessageID:  requester.ID,
		ContentRaw: content,
	})

	done := func() {
		stop()
		cancel(nil)
		c.mu.Lock()
		c.inFlight--
		if streamed {
			c.streaming, c.isStreamed, c.statusText = "", false, ""
		}
		c.mu.Unlock()
	}
	return ctx, live, done, requester, nil
}

func (c *ChatSession) succeed(ctx context.Context, channel, content string, meta domain.MessageMetadata) {
	msg := domain.Message{
		ID:        c.newID(),
		Role:      domain.RoleResponder,
		Content:   content,
		CreatedAt: c.now(),
		Status:    domain.StatusSent,
	}
	if !meta.IsZero() {
		m := meta
		msg.Metadata = &m
	}
	c.appendFollowUp(ctx, channel, msg)

	if meta.TaskCreated {
		c.notifier.Notify(taskCreatedNotification(meta.TaskID))
	}
}

func (c *ChatSession) fail(ctx context.Context, channel, cause string) {
	c.appendFollowUp(ctx, channel, domain.Message{
		ID:        c.newID(),
		Role:      domain.RoleSystem,
		Content:   cause,
		CreatedAt: c.now(),
		Status:    domain.StatusError,
	})
}

func (c *ChatSession) appendFollowUp(ctx context.Context, channel string, msg domain.Message) {
	c.mu.Lock()
	c.messages = append(c.messages, msg)
	c.streaming, c.statusText = "", ""
	c.mu.Unlock()
	c.record(msg)
	c.persist(ctx)

	eventType := "chat_assistant_message"
	if msg.Role == domain.RoleSystem {
		eventType = "chat_error"
	}
	username := ""
	if u := c.session.Snapshot().User; u != nil {
		username = u.Username
	}
	var meta map[string]any
	if msg.Metadata != nil {
		meta = map[string]any{"agent_used": msg.Metadata.AgentUsed, "model": msg.Metadata.Model, "task_id": msg.Metadata.TaskID}
	}
	c.transcript.Log(ConversationLogEvent{
		Timestamp:  msg.CreatedAt.UTC().Format(time.RFC3339Nano),
		UserID:     username,
		SessionID:  c.transcriptID,
		Channel:    channel,
		Direction:  "inbound",
		EventType:  eventType,
		MessageID:  msg.ID,
		ContentRaw: msg.Content,
		Meta:       meta,
	})
}

// abandon marks the requester message failed after the session ended. No
// follow-up message is appended to a log whose session has changed.
func (c *ChatSession) abandon(requesterID string) error {
	c.mu.Lock()
	for i := len(c.messages) - 1; i >= 0; i-- {
		if c.messages[i].ID == requesterID {
			c.messages[i].Status = domain.StatusError
			break
		}
	}
	c.mu.Unlock()
	c.logger.Info("discarding reply, session ended during send")
	c.persist(context.Background())
	return ErrSessionEnded
}

func (c *ChatSession) record(msg domain.Message) {
	c.messagesSent.WithLabelValues(string(msg.Role), string(msg.Status)).Inc()
}

func (c *ChatSession) persist(ctx context.Context) {
	c.mu.Lock()
	msgs := make([]domain.Message, len(c.messages))
	copy(msgs, c.messages)
	c.mu.Unlock()

	// The log is saved even when ctx was cancelled by the session ending.
	if err := store.SaveChat(context.WithoutCancel(ctx), c.repo, store.ChatRecord{Messages: msgs}); err != nil {
		c.logger.Error("failed to persist chat log", "error", err)
	}
}

func describe(err error) string {
	if detail := api.DetailOf(err); detail != "" {
		return detail
	}
	var apiErr *api.Error
	if errors.As(err, &apiErr) {
		return fmt.Sprintf("server returned %d", apiErr.StatusCode)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "request timed out"
	}
	return err.Error()
}
