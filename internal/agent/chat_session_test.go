package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"testing/iotest"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashureev/agentgov/internal/api"
	"github.com/ashureev/agentgov/internal/domain"
	"github.com/ashureev/agentgov/internal/store"
)

const helloStream = "data:{\"type\":\"content\",\"content\":\"Hel\"}\n" +
	"data:{\"type\":\"content\",\"content\":\"lo\"}\n" +
	"data:{\"type\":\"complete\",\"metadata\":{\"task_created\":true,\"task_id\":\"T1\"}}\n" +
	"data:{\"type\":\"done\"}\n"

type fakeChatAPI struct {
	send        func(ctx context.Context, message string) (*api.ChatResponse, error)
	open        func(ctx context.Context, message string) (io.ReadCloser, error)
	history     func(ctx context.Context, limit int) ([]api.HistoryMessage, error)
	historyHits atomic.Int32
}

func (f *fakeChatAPI) SendChat(ctx context.Context, message string) (*api.ChatResponse, error) {
	return f.send(ctx, message)
}

func (f *fakeChatAPI) OpenChatStream(ctx context.Context, message string) (io.ReadCloser, error) {
	return f.open(ctx, message)
}

func (f *fakeChatAPI) History(ctx context.Context, limit int) ([]api.HistoryMessage, error) {
	f.historyHits.Add(1)
	return f.history(ctx, limit)
}

type fakeGate struct {
	mu     sync.Mutex
	authed bool
	live   context.Context
	end    context.CancelFunc
}

func newFakeGate(authed bool) *fakeGate {
	live, end := context.WithCancel(context.Background())
	return &fakeGate{authed: authed, live: live, end: end}
}

func (g *fakeGate) Snapshot() domain.Session {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.authed {
		return domain.Session{Phase: domain.PhaseUnauthenticated, IsInitialized: true}
	}
	return domain.Session{
		Phase:         domain.PhaseAuthenticated,
		IsInitialized: true,
		User:          &domain.UserIdentity{ID: "1", Username: "admin", IsAuthenticated: true},
	}
}

func (g *fakeGate) Liveness() context.Context {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.live
}

func (g *fakeGate) logout() {
	g.mu.Lock()
	g.authed = false
	g.mu.Unlock()
	g.end()
}

type recorder struct {
	mu    sync.Mutex
	notes []Notification
}

func (r *recorder) Notify(n Notification) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notes = append(r.notes, n)
}

func (r *recorder) all() []Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Notification(nil), r.notes...)
}

type chatFixture struct {
	api      *fakeChatAPI
	gate     *fakeGate
	repo     *store.MemoryStore
	notes    *recorder
	chat     *ChatSession
	sequence atomic.Int32
}

func newChatFixture(t *testing.T, authed bool) *chatFixture {
	t.Helper()
	f := &chatFixture{
		api:   &fakeChatAPI{},
		gate:  newFakeGate(authed),
		repo:  store.NewMemory(),
		notes: &recorder{},
	}
	chat, err := NewChatSession(Config{
		API:          f.api,
		Session:      f.gate,
		Repo:         f.repo,
		Notifier:     f.notes,
		HistoryLimit: 20,
		Logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
		NewID:        func() string { return fmt.Sprintf("m%d", f.sequence.Add(1)) },
		Now:          func() time.Time { return time.Unix(1700000000, 0).UTC() },
	})
	require.NoError(t, err)
	f.chat = chat
	return f
}

func bodyOf(s string) io.ReadCloser {
	return io.NopCloser(iotest.OneByteReader(strings.NewReader(s)))
}

func TestStreamingHelloScenario(t *testing.T) {
	f := newChatFixture(t, true)
	f.api.open = func(_ context.Context, message string) (io.ReadCloser, error) {
		assert.Equal(t, "hi", message)
		return bodyOf(helloStream), nil
	}

	var chunks []string
	err := f.chat.SendStreamingMessage(context.Background(), "hi", func(s string) { chunks = append(chunks, s) })
	require.NoError(t, err)

	msgs := f.chat.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, domain.RoleRequester, msgs[0].Role)
	assert.Equal(t, domain.StatusSent, msgs[0].Status)
	assert.Equal(t, domain.RoleResponder, msgs[1].Role)
	assert.Equal(t, "Hello", msgs[1].Content)
	assert.Equal(t, strings.Join(chunks, ""), msgs[1].Content)
	require.NotNil(t, msgs[1].Metadata)
	assert.True(t, msgs[1].Metadata.TaskCreated)
	assert.Equal(t, "T1", msgs[1].Metadata.TaskID)

	notes := f.notes.all()
	require.Len(t, notes, 1)
	assert.Equal(t, "T1", notes[0].TaskID)
	assert.Contains(t, notes[0].Message, "T1")

	assert.False(t, f.chat.Loading())
	text, active := f.chat.Streaming()
	assert.Empty(t, text)
	assert.False(t, active)

	rec, err := store.LoadChat(context.Background(), f.repo)
	require.NoError(t, err)
	assert.Equal(t, msgs, rec.Messages)
}

func TestStreamingErrorAppendsSystemMessage(t *testing.T) {
	f := newChatFixture(t, true)
	f.api.open = func(context.Context, string) (io.ReadCloser, error) {
		return bodyOf("data: {\"type\":\"content\",\"content\":\"par\"}\ndata: {\"type\":\"error\",\"message\":\"agent crashed\"}\n"), nil
	}

	err := f.chat.SendStreamingMessage(context.Background(), "hi", nil)
	require.Error(t, err)

	msgs := f.chat.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, domain.RoleSystem, msgs[1].Role)
	assert.Equal(t, domain.StatusError, msgs[1].Status)
	assert.Contains(t, msgs[1].Content, "agent crashed")
	assert.False(t, f.chat.Loading())
	assert.Empty(t, f.notes.all())
}

func TestStreamingOpenFailure(t *testing.T) {
	f := newChatFixture(t, true)
	f.api.open = func(context.Context, string) (io.ReadCloser, error) {
		return nil, &api.Error{StatusCode: http.StatusInternalServerError, Detail: "agent pool exhausted"}
	}

	require.Error(t, f.chat.SendStreamingMessage(context.Background(), "hi", nil))
	msgs := f.chat.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "Failed to send message: agent pool exhausted", msgs[1].Content)
}

func TestBufferedSend(t *testing.T) {
	f := newChatFixture(t, true)
	f.api.send = func(context.Context, string) (*api.ChatResponse, error) {
		return &api.ChatResponse{Response: "pong", AgentID: "a1", TaskCreated: true, TaskID: "T7"}, nil
	}

	require.NoError(t, f.chat.SendMessage(context.Background(), "ping"))
	msgs := f.chat.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "pong", msgs[1].Content)
	assert.Equal(t, &domain.MessageMetadata{AgentUsed: "a1", TaskCreated: true, TaskID: "T7"}, msgs[1].Metadata)
	require.Len(t, f.notes.all(), 1)

	counter := f.chat.MessagesCounter()
	assert.Equal(t, float64(1), testutil.ToFloat64(counter.WithLabelValues("user", "sent")))
	assert.Equal(t, float64(1), testutil.ToFloat64(counter.WithLabelValues("assistant", "sent")))
}

func TestBufferedSendFailure(t *testing.T) {
	f := newChatFixture(t, true)
	f.api.send = func(context.Context, string) (*api.ChatResponse, error) {
		return nil, errors.New("dial tcp: connection refused")
	}

	err := f.chat.SendMessage(context.Background(), "ping")
	require.Error(t, err)

	msgs := f.chat.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, domain.RoleRequester, msgs[0].Role)
	assert.Equal(t, domain.RoleSystem, msgs[1].Role)
	assert.Equal(t, domain.StatusError, msgs[1].Status)
	assert.Contains(t, msgs[1].Content, "connection refused")
	assert.False(t, f.chat.Loading())
}

func TestSendRequiresAuthentication(t *testing.T) {
	f := newChatFixture(t, false)

	assert.ErrorIs(t, f.chat.SendMessage(context.Background(), "hi"), ErrNotAuthenticated)
	assert.ErrorIs(t, f.chat.SendStreamingMessage(context.Background(), "hi", nil), ErrNotAuthenticated)
	assert.Empty(t, f.chat.Messages())
}

func TestSendRejectsBlankInput(t *testing.T) {
	f := newChatFixture(t, true)
	assert.ErrorIs(t, f.chat.SendMessage(context.Background(), "   "), ErrEmptyMessage)
	assert.Empty(t, f.chat.Messages())
}

func TestLogoutMidStreamDiscardsLateEvents(t *testing.T) {
	f := newChatFixture(t, true)
	pr, pw := io.Pipe()
	f.api.open = func(ctx context.Context, _ string) (io.ReadCloser, error) {
		go func() {
			<-ctx.Done()
			_ = pw.CloseWithError(ctx.Err())
		}()
		return pr, nil
	}

	firstChunk := make(chan struct{})
	result := make(chan error, 1)
	go func() {
		result <- f.chat.SendStreamingMessage(context.Background(), "hi", func(string) {
			select {
			case <-firstChunk:
			default:
				close(firstChunk)
			}
		})
	}()

	_, err := io.WriteString(pw, "data: {\"type\":\"content\",\"content\":\"partial\"}\n")
	require.NoError(t, err)
	<-firstChunk

	text, active := f.chat.Streaming()
	assert.Equal(t, "partial", text)
	assert.True(t, active)

	f.gate.logout()

	select {
	case err := <-result:
		assert.ErrorIs(t, err, ErrSessionEnded)
	case <-time.After(2 * time.Second):
		t.Fatal("stream did not stop after logout")
	}

	msgs := f.chat.Messages()
	require.Len(t, msgs, 1, "no follow-up is applied after the session ended")
	assert.Equal(t, domain.StatusError, msgs[0].Status)
	assert.False(t, f.chat.Loading())
}

func TestLoadHistory(t *testing.T) {
	f := newChatFixture(t, true)
	f.api.history = func(_ context.Context, limit int) ([]api.HistoryMessage, error) {
		assert.Equal(t, 20, limit)
		return []api.HistoryMessage{
			{ID: "h1", Role: "user", Content: "old question"},
			{ID: "h2", Role: "assistant", Content: "old answer", Metadata: &domain.MessageMetadata{}},
		}, nil
	}

	f.chat.LoadHistory(context.Background())
	msgs := f.chat.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "old answer", msgs[1].Content)
	assert.Nil(t, msgs[1].Metadata)
}

func TestLoadHistoryFailureIsSwallowed(t *testing.T) {
	f := newChatFixture(t, true)
	f.api.send = func(context.Context, string) (*api.ChatResponse, error) {
		return &api.ChatResponse{Content: "kept"}, nil
	}
	require.NoError(t, f.chat.SendMessage(context.Background(), "hi"))

	f.api.history = func(context.Context, int) ([]api.HistoryMessage, error) {
		return nil, errors.New("boom")
	}
	f.chat.LoadHistory(context.Background())
	assert.Len(t, f.chat.Messages(), 2)
}

func TestLoadHistorySkippedWhenUnauthenticated(t *testing.T) {
	f := newChatFixture(t, false)
	f.chat.LoadHistory(context.Background())
	assert.Zero(t, f.api.historyHits.Load())
}

func TestLoadAndClear(t *testing.T) {
	f := newChatFixture(t, true)
	ctx := context.Background()
	saved := []domain.Message{{ID: "x", Role: domain.RoleRequester, Content: "persisted", Status: domain.StatusSent}}
	require.NoError(t, store.SaveChat(ctx, f.repo, store.ChatRecord{Messages: saved}))

	require.NoError(t, f.chat.Load(ctx))
	assert.Equal(t, saved, f.chat.Messages())

	f.chat.Clear(ctx)
	assert.Empty(t, f.chat.Messages())
	rec, err := store.LoadChat(ctx, f.repo)
	require.NoError(t, err)
	assert.Empty(t, rec.Messages)
}
