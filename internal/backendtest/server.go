// Package backendtest runs an in-process fake of the agent governance
// backend for tests: the auth and chat endpoints, the health probe and the
// realtime socket.
package backendtest

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/ashureev/agentgov/internal/api"
)

// VerifyMode selects how the verify endpoint answers.
type VerifyMode int

// Verify modes.
const (
	VerifyValid VerifyMode = iota
	VerifyInvalid
	VerifyUnauthorized
	VerifyUnreachable
)

// Version is reported by the health endpoint.
const Version = "0.9.0-test"

type account struct {
	user     api.User
	password string
}

// Server is a fake backend. Create one with New and Close it when done.
type Server struct {
	srv *httptest.Server

	mu          sync.Mutex
	accounts    map[string]*account
	tokens      map[string]string
	verifyMode  VerifyMode
	verifyDelay time.Duration
	streamLines []string
	lineDelay   time.Duration
	reply       api.ChatResponse
	history     []api.HistoryMessage
	healthGate  chan struct{}
	release     func()
	sockets     map[*websocket.Conn]struct{}
	requestIDs  []string
	messages    []api.ChatRequest

	logins      atomic.Int32
	verifies    atomic.Int32
	healthCalls atomic.Int32
	dials       atomic.Int32
}

// New starts a fake backend with a single "admin" account.
func New() *Server {
	s := &Server{
		accounts: map[string]*account{},
		tokens:   map[string]string{},
		sockets:  map[*websocket.Conn]struct{}{},
		reply:    api.ChatResponse{Response: "ok", AgentUsed: "router", Model: "test-model"},
	}
	s.AddUser("1", "admin", "secret", true)

	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.Recoverer)
	r.Use(s.recordRequestID)

	r.Get("/health", s.handleHealth)
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/auth/login", s.handleLogin)
		r.Post("/auth/verify", s.handleVerify)
		r.Group(func(r chi.Router) {
			r.Use(s.requireToken)
			r.Post("/auth/change-password", s.handleChangePassword)
			r.Post("/chat/send", s.handleChat)
			r.Get("/chat/history", s.handleHistory)
		})
	})
	r.Get("/ws", s.handleSocket)

	s.srv = httptest.NewServer(r)
	return s
}

// URL is the backend base URL.
func (s *Server) URL() string { return s.srv.URL }

// WebSocketURL is the realtime endpoint.
func (s *Server) WebSocketURL() string {
	return "ws" + strings.TrimPrefix(s.srv.URL, "http") + "/ws"
}

// Close drops every socket and stops the server.
func (s *Server) Close() {
	s.mu.Lock()
	for c := range s.sockets {
		_ = c.CloseNow()
	}
	release := s.release
	s.mu.Unlock()
	if release != nil {
		release()
	}
	s.srv.Close()
}

// AddUser registers an account.
func (s *Server) AddUser(id, username, password string, admin bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accounts[username] = &account{
		user:     api.User{ID: api.FlexID(id), Username: username, IsAdmin: admin},
		password: password,
	}
}

// IssueToken mints a token the backend accepts for username.
func (s *Server) IssueToken(username string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.issueLocked(username)
}

// RevokeTokens forgets every issued token.
func (s *Server) RevokeTokens() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens = map[string]string{}
}

// SetVerifyMode changes the verify endpoint's answer.
func (s *Server) SetVerifyMode(mode VerifyMode) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.verifyMode = mode
}

// SetVerifyDelay delays every verify response.
func (s *Server) SetVerifyDelay(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.verifyDelay = d
}

// SetStream sets the raw lines written for streaming chat requests, each
// followed by a newline and a flush, with delay between them.
func (s *Server) SetStream(delay time.Duration, lines ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.streamLines = lines
	s.lineDelay = delay
}

// SetReply sets the buffered chat reply.
func (s *Server) SetReply(reply api.ChatResponse) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reply = reply
}

// SetHistory sets the history returned to every user.
func (s *Server) SetHistory(msgs ...api.HistoryMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = msgs
}

// BlockHealth makes health probes wait until the returned release is called.
func (s *Server) BlockHealth() (release func()) {
	gate := make(chan struct{})
	var once sync.Once
	release = func() {
		once.Do(func() {
			s.mu.Lock()
			if s.healthGate == gate {
				s.healthGate = nil
				s.release = nil
			}
			s.mu.Unlock()
			close(gate)
		})
	}
	s.mu.Lock()
	s.healthGate = gate
	s.release = release
	s.mu.Unlock()
	return release
}

// Push sends a frame to every open socket.
func (s *Server) Push(ctx context.Context, frame any) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	s.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(s.sockets))
	for c := range s.sockets {
		conns = append(conns, c)
	}
	s.mu.Unlock()
	for _, c := range conns {
		if err := c.Write(ctx, websocket.MessageText, data); err != nil {
			return fmt.Errorf("backendtest: push: %w", err)
		}
	}
	return nil
}

// PushSessionInvalid tells every socket the session is no longer valid.
func (s *Server) PushSessionInvalid(ctx context.Context) error {
	return s.Push(ctx, map[string]string{"type": "session_invalid"})
}

// DropSockets closes every socket without a close handshake.
func (s *Server) DropSockets() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.sockets {
		_ = c.CloseNow()
	}
}

// OpenSockets reports the number of live sockets.
func (s *Server) OpenSockets() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sockets)
}

// Logins, Verifies, HealthCalls and Dials count requests served.
func (s *Server) Logins() int      { return int(s.logins.Load()) }
func (s *Server) Verifies() int    { return int(s.verifies.Load()) }
func (s *Server) HealthCalls() int { return int(s.healthCalls.Load()) }
func (s *Server) Dials() int       { return int(s.dials.Load()) }

// RequestIDs returns the X-Request-ID headers clients sent.
func (s *Server) RequestIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.requestIDs...)
}

// Messages returns the chat requests received.
func (s *Server) Messages() []api.ChatRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]api.ChatRequest(nil), s.messages...)
}

func (s *Server) issueLocked(username string) string {
	acct := s.accounts[username]
	claims := map[string]any{
		"sub":      username,
		"username": username,
		"exp":      time.Now().Add(time.Hour).Unix(),
		"jti":      uuid.NewString(),
	}
	if acct != nil {
		claims["user_id"] = string(acct.user.ID)
		claims["is_admin"] = acct.user.IsAdmin
	}
	token := mintToken(claims)
	s.tokens[token] = username
	return token
}

// mintToken builds an unsigned three-segment token carrying claims.
func mintToken(claims map[string]any) string {
	enc := base64.RawURLEncoding
	header, _ := json.Marshal(map[string]string{"alg": "none", "typ": "JWT"})
	payload, _ := json.Marshal(claims)
	return enc.EncodeToString(header) + "." + enc.EncodeToString(payload) + "." + enc.EncodeToString([]byte("test"))
}

func (s *Server) userForToken(token string) (api.User, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	username, ok := s.tokens[token]
	if !ok {
		return api.User{}, false
	}
	acct, ok := s.accounts[username]
	if !ok {
		return api.User{}, false
	}
	return acct.user, true
}

type ctxKey struct{}

func (s *Server) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok {
			writeDetail(w, http.StatusUnauthorized, "Not authenticated")
			return
		}
		user, ok := s.userForToken(token)
		if !ok {
			writeDetail(w, http.StatusUnauthorized, "Could not validate credentials")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, user)))
	})
}

func (s *Server) recordRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if id := r.Header.Get("X-Request-ID"); id != "" {
			s.mu.Lock()
			s.requestIDs = append(s.requestIDs, id)
			s.mu.Unlock()
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.healthCalls.Add(1)
	s.mu.Lock()
	gate := s.healthGate
	s.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-r.Context().Done():
			return
		}
	}
	writeJSON(w, http.StatusOK, api.HealthResponse{Status: "ok", Version: Version})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	s.logins.Add(1)
	var req api.LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeDetail(w, http.StatusUnprocessableEntity, "Invalid request body")
		return
	}
	s.mu.Lock()
	acct, ok := s.accounts[req.Username]
	if !ok || acct.password != req.Password {
		s.mu.Unlock()
		writeDetail(w, http.StatusUnauthorized, "Invalid credentials")
		return
	}
	token := s.issueLocked(req.Username)
	user := acct.user
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, api.LoginResponse{AccessToken: token, TokenType: "bearer", User: user})
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	s.verifies.Add(1)
	s.mu.Lock()
	mode, delay := s.verifyMode, s.verifyDelay
	s.mu.Unlock()
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-r.Context().Done():
			return
		}
	}

	switch mode {
	case VerifyUnreachable:
		writeDetail(w, http.StatusServiceUnavailable, "auth service unavailable")
		return
	case VerifyUnauthorized:
		writeDetail(w, http.StatusUnauthorized, "Token expired")
		return
	case VerifyInvalid:
		writeJSON(w, http.StatusOK, api.VerifyResponse{Valid: false})
		return
	}

	user, ok := s.userForToken(r.URL.Query().Get("token"))
	if !ok {
		writeJSON(w, http.StatusOK, api.VerifyResponse{Valid: false})
		return
	}
	writeJSON(w, http.StatusOK, api.VerifyResponse{Valid: true, User: &user})
}

func (s *Server) handleChangePassword(w http.ResponseWriter, r *http.Request) {
	user := r.Context().Value(ctxKey{}).(api.User)
	var req api.ChangePasswordRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeDetail(w, http.StatusUnprocessableEntity, "Invalid request body")
		return
	}
	if len(req.NewPassword) < 8 {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{"detail": []map[string]any{{
			"loc":  []string{"body", "new_password"},
			"msg":  "String should have at least 8 characters",
			"type": "string_too_short",
		}}})
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	acct := s.accounts[user.Username]
	if acct == nil || acct.password != req.OldPassword {
		writeDetail(w, http.StatusBadRequest, "Incorrect password")
		return
	}
	acct.password = req.NewPassword
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req api.ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeDetail(w, http.StatusUnprocessableEntity, "Invalid request body")
		return
	}
	s.mu.Lock()
	s.messages = append(s.messages, req)
	reply := s.reply
	lines := append([]string(nil), s.streamLines...)
	delay := s.lineDelay
	s.mu.Unlock()

	if !req.Stream {
		writeJSON(w, http.StatusOK, reply)
		return
	}

	flusher, _ := w.(http.Flusher)
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	for i, line := range lines {
		if i > 0 && delay > 0 {
			select {
			case <-time.After(delay):
			case <-r.Context().Done():
				return
			}
		}
		if _, err := fmt.Fprintf(w, "%s\n", line); err != nil {
			return
		}
		if flusher != nil {
			flusher.Flush()
		}
	}
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || limit <= 0 {
		limit = 50
	}
	s.mu.Lock()
	msgs := append([]api.HistoryMessage(nil), s.history...)
	s.mu.Unlock()
	if len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	writeJSON(w, http.StatusOK, api.HistoryResponse{Messages: msgs})
}

func (s *Server) handleSocket(w http.ResponseWriter, r *http.Request) {
	s.dials.Add(1)
	if _, ok := s.userForToken(r.URL.Query().Get("token")); !ok {
		writeDetail(w, http.StatusUnauthorized, "Could not validate credentials")
		return
	}
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	s.mu.Lock()
	s.sockets[conn] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.sockets, conn)
		s.mu.Unlock()
		_ = conn.CloseNow()
	}()

	ctx := conn.CloseRead(context.Background())
	<-ctx.Done()
}

func writeDetail(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
