// Package identity owns the authenticated session: login, logout, the
// one-time initialization check, and the process-wide logout broadcast.
package identity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/ashureev/agentgov/internal/api"
	"github.com/ashureev/agentgov/internal/domain"
	"github.com/ashureev/agentgov/internal/store"
)

// Verification outcomes.
var (
	ErrCredentials       = errors.New("identity: credentials rejected")
	ErrVerifyUnreachable = errors.New("identity: verification unreachable")
	ErrTokenInvalid      = errors.New("identity: token invalid")
)

// Transition reasons.
const (
	ReasonVerify         = "verify"
	ReasonLogin          = "login"
	ReasonLogout         = "logout"
	ReasonSessionInvalid = "session_invalid"
)

const (
	genericLoginError    = "Login failed"
	genericPasswordError = "Failed to change password"
)

// TokenStore keeps the durable bearer token.
type TokenStore interface {
	Token(ctx context.Context) (string, error)
	SetToken(ctx context.Context, token string) error
	ClearToken(ctx context.Context) error
}

// AuthAPI is the subset of the backend the session depends on.
type AuthAPI interface {
	Login(ctx context.Context, username, password string) (*api.LoginResponse, error)
	Verify(ctx context.Context, token string) (*api.VerifyResponse, error)
	ChangePassword(ctx context.Context, oldPassword, newPassword string) error
}

// Transition is emitted after every committed change of phase, user or
// initialization, and after every logout.
type Transition struct {
	From    domain.Phase
	To      domain.Phase
	Session domain.Session
	Reason  string
}

// Config holds the collaborators of a SessionStore.
type Config struct {
	Tokens TokenStore
	// Repo holds the durable auth record. Required.
	Repo store.Repository
	API  AuthAPI
	// Broadcast, when set, is subscribed so that a published
	// SignalSessionInvalid ends the session.
	Broadcast SessionBroadcast
	Logger    *slog.Logger
	// Now is used for token expiry checks. Defaults to time.Now.
	Now func() time.Time
}

// SessionStore is the single owner of authentication state. Other components
// read snapshots and subscribe to transitions; they never mutate it.
type SessionStore struct {
	tokens TokenStore
	repo   store.Repository
	api    AuthAPI
	logger *slog.Logger
	now    func() time.Time

	mu         sync.Mutex
	state      domain.Session
	initCh     chan struct{}
	liveCtx    context.Context
	liveCancel context.CancelFunc
	subs       []subscriber[Transition]
	nextSubID  int
	pending    []Transition
	delivering bool

	// epoch advances on every login, logout and invalidation. Guarded by mu.
	epoch uint64
	// writeMu orders durable writes together with the commit they belong to.
	writeMu sync.Mutex

	checks      singleflight.Group
	unsubscribe func()
}

// NewSessionStore creates a store in the Unknown phase.
func NewSessionStore(cfg Config) (*SessionStore, error) {
	if cfg.Tokens == nil || cfg.Repo == nil || cfg.API == nil {
		return nil, fmt.Errorf("identity: Tokens, Repo and API are required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	s := &SessionStore{
		tokens: cfg.Tokens,
		repo:   cfg.Repo,
		api:    cfg.API,
		logger: logger,
		now:    now,
		state:  domain.Session{Phase: domain.PhaseUnknown},
		initCh: make(chan struct{}),
	}
	if cfg.Broadcast != nil {
		s.unsubscribe = cfg.Broadcast.Subscribe(func(sig Signal) {
			if sig == SignalSessionInvalid {
				s.Invalidate(context.Background())
			}
		})
	}
	return s, nil
}

// Close detaches the store from the broadcast and ends liveness.
func (s *SessionStore) Close() {
	if s.unsubscribe != nil {
		s.unsubscribe()
	}
	s.mu.Lock()
	if s.liveCancel != nil {
		s.liveCancel()
		s.liveCancel = nil
		s.liveCtx = nil
	}
	s.mu.Unlock()
}

// Load rehydrates the durable token and user. It does not initialize the
// session; call CheckAuth afterwards.
func (s *SessionStore) Load(ctx context.Context) error {
	token, err := s.tokens.Token(ctx)
	if err != nil {
		return fmt.Errorf("load token: %w", err)
	}
	rec, err := store.LoadAuth(ctx, s.repo)
	if err != nil {
		s.logger.Warn("discarding unreadable auth record", "error", err)
		rec = store.AuthRecord{}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.IsInitialized {
		return nil
	}
	s.state.Token = token
	if rec.User.Trusted() {
		s.state.User = rec.User.Clone()
	}
	return nil
}

// Snapshot returns a copy of the current session.
func (s *SessionStore) Snapshot() domain.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneSession(s.state)
}

// Token returns the in-memory bearer token.
func (s *SessionStore) Token() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Token
}

// LastError returns the display string of the last failed operation.
func (s *SessionStore) LastError() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.LastError
}

// Initialized is closed once the first verification attempt completes.
func (s *SessionStore) Initialized() <-chan struct{} {
	return s.initCh
}

// Liveness returns a context that is cancelled when the current
// authenticated session ends. Outside an authenticated session the returned
// context is already cancelled.
func (s *SessionStore) Liveness() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.liveCtx == nil {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		return ctx
	}
	return s.liveCtx
}

// Subscribe registers fn for transitions and returns a function that removes
// it. Transitions are delivered after the state is committed, in commit
// order, never concurrently with each other.
func (s *SessionStore) Subscribe(fn func(Transition)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextSubID++
	id := s.nextSubID
	s.subs = append(s.subs, subscriber[Transition]{id: id, fn: fn})
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.subs = removeSubscriber(s.subs, id)
	}
}

// Login exchanges credentials for a session. It reports success; failure
// detail is available from LastError. A rejected login leaves the durable
// token and user untouched.
func (s *SessionStore) Login(ctx context.Context, username, password string) bool {
	s.update("", func(st *domain.Session) {
		st.IsLoading = true
		st.LastError = ""
	})

	resp, err := s.api.Login(ctx, username, password)
	if err != nil {
		if api.IsUnauthorized(err) {
			err = fmt.Errorf("%w: %w", ErrCredentials, err)
		}
		s.logger.Warn("login failed", "username", username, "error", err)
		msg := api.DetailOf(err)
		if msg == "" {
			msg = genericLoginError
		}
		s.transact(ReasonLogin, nil, nil, func(st *domain.Session) {
			st.Token = ""
			st.User = nil
			st.Phase = domain.PhaseUnauthenticated
			st.IsInitialized = true
			st.IsLoading = false
			st.LastError = msg
		})
		return false
	}

	user := resp.User.Identity()
	s.transact(ReasonLogin, nil, func() {
		if err := s.tokens.SetToken(ctx, resp.AccessToken); err != nil {
			s.logger.Error("failed to persist token", "error", err)
		}
		s.saveUser(ctx, user)
	}, func(st *domain.Session) {
		st.Token = resp.AccessToken
		st.User = user
		st.Phase = domain.PhaseAuthenticated
		st.IsInitialized = true
		st.IsLoading = false
		st.LastError = ""
	})
	s.logger.Info("session authenticated", "user", user.Username, "reason", ReasonLogin)
	return true
}

// Logout ends the session. It always emits a transition.
func (s *SessionStore) Logout(ctx context.Context) {
	s.transact(ReasonLogout, nil, func() { s.clearDurable(ctx) }, func(st *domain.Session) {
		st.Token = ""
		st.User = nil
		st.Phase = domain.PhaseUnauthenticated
		st.IsInitialized = true
		st.IsLoading = false
		st.LastError = ""
	})
	s.logger.Info("session ended", "reason", ReasonLogout)
}

// Invalidate ends the session after the backend rejected it. It is a no-op
// when no session is held.
func (s *SessionStore) Invalidate(ctx context.Context) {
	snap := s.Snapshot()
	if snap.Phase == domain.PhaseUnauthenticated && snap.User == nil && snap.Token == "" {
		return
	}
	s.transact(ReasonSessionInvalid, nil, func() { s.clearDurable(ctx) }, func(st *domain.Session) {
		st.Token = ""
		st.User = nil
		st.Phase = domain.PhaseUnauthenticated
		st.IsInitialized = true
		st.IsLoading = false
	})
	s.logger.Warn("session ended", "reason", ReasonSessionInvalid)
}

// CheckAuth verifies the durable token and settles the session. Concurrent
// calls share one verification. It reports whether the session ends up
// authenticated.
func (s *SessionStore) CheckAuth(ctx context.Context) bool {
	v, _, _ := s.checks.Do("check", func() (any, error) {
		return s.checkAuth(ctx), nil
	})
	return v.(bool)
}

// checkAuth settles the session from the durable token. Its result is
// dropped if a login, logout or invalidation commits while it runs.
func (s *SessionStore) checkAuth(ctx context.Context) bool {
	epoch := s.currentEpoch()
	token, err := s.tokens.Token(ctx)
	if err != nil {
		s.logger.Error("failed to read token", "error", err)
	}
	// Durable writes outlive a verify that ran out of time.
	storeCtx := context.WithoutCancel(ctx)
	if token == "" {
		if !s.transact(ReasonVerify, &epoch, func() { s.saveUser(storeCtx, nil) }, settled(nil, "")) {
			return s.superseded()
		}
		return false
	}

	snap := s.Snapshot()
	trusted := snap.User.Trusted()
	if !s.transact(ReasonVerify, &epoch, nil, func(st *domain.Session) {
		st.Token = token
		if !st.IsInitialized {
			st.Phase = domain.PhaseVerifying
		}
		st.IsLoading = !trusted
	}) {
		return s.superseded()
	}

	user, err := s.verify(ctx, token)
	switch {
	case err == nil:
		if !s.transact(ReasonVerify, &epoch, func() { s.saveUser(storeCtx, user) }, settled(user, token)) {
			return s.superseded()
		}
		s.logger.Info("session authenticated", "user", user.Username, "reason", ReasonVerify)
		return true

	case errors.Is(err, ErrTokenInvalid):
		s.logger.Warn("token rejected", "error", err)
		if !s.transact(ReasonVerify, &epoch, func() { s.clearDurable(storeCtx) }, settled(nil, "")) {
			return s.superseded()
		}
		return false
	}

	s.logger.Warn("verification unreachable, decoding token locally", "error", err)
	claims, decodeErr := DecodeClaims(token, s.now())
	switch {
	case decodeErr == nil:
		if !s.transact(ReasonVerify, &epoch, nil, settled(claims, token)) {
			return s.superseded()
		}
		s.logger.Info("session authenticated optimistically", "user", claims.Username)
		return true
	case trusted:
		if !s.transact(ReasonVerify, &epoch, nil, settled(snap.User, token)) {
			return s.superseded()
		}
		s.logger.Info("keeping trusted session", "user", snap.User.Username)
		return true
	}

	s.logger.Warn("token unusable, clearing", "error", decodeErr)
	clearToken := func() {
		if clearErr := s.tokens.ClearToken(storeCtx); clearErr != nil {
			s.logger.Error("failed to clear token", "error", clearErr)
		}
	}
	if !s.transact(ReasonVerify, &epoch, clearToken, settled(nil, "")) {
		return s.superseded()
	}
	return false
}

func (s *SessionStore) currentEpoch() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.epoch
}

// superseded reports the state left by the commit that overtook a check.
func (s *SessionStore) superseded() bool {
	s.logger.Debug("discarding verification result, session changed meanwhile")
	return s.Snapshot().Authenticated()
}

// verify classifies the backend's answer for token. It returns the server
// identity, or an error wrapping ErrTokenInvalid or ErrVerifyUnreachable.
func (s *SessionStore) verify(ctx context.Context, token string) (*domain.UserIdentity, error) {
	resp, err := s.api.Verify(ctx, token)
	if err != nil {
		if api.IsUnauthorized(err) {
			return nil, fmt.Errorf("%w: %w", ErrTokenInvalid, err)
		}
		return nil, fmt.Errorf("%w: %w", ErrVerifyUnreachable, err)
	}
	if !resp.Valid {
		return nil, ErrTokenInvalid
	}
	if resp.User != nil {
		return resp.User.Identity(), nil
	}
	if user := s.Snapshot().User; user.Trusted() {
		return user, nil
	}
	if claims, err := DecodeClaims(token, s.now()); err == nil {
		return claims, nil
	}
	return nil, fmt.Errorf("%w: verify response carried no user", ErrTokenInvalid)
}

// ChangePassword changes the user's password. It never alters the session
// identity; failure detail is available from LastError.
func (s *SessionStore) ChangePassword(ctx context.Context, oldPassword, newPassword string) bool {
	s.update("", func(st *domain.Session) {
		st.IsLoading = true
		st.LastError = ""
	})
	err := s.api.ChangePassword(ctx, oldPassword, newPassword)
	msg := ""
	if err != nil {
		s.logger.Warn("password change failed", "error", err)
		msg = api.DetailOf(err)
		if msg == "" {
			msg = genericPasswordError
		}
	}
	s.update("", func(st *domain.Session) {
		st.IsLoading = false
		st.LastError = msg
	})
	return err == nil
}

// settled completes a verification into Authenticated (user != nil) or
// Unauthenticated.
func settled(user *domain.UserIdentity, token string) func(*domain.Session) {
	return func(st *domain.Session) {
		st.Token = token
		st.User = user
		st.IsInitialized = true
		st.IsLoading = false
		if user != nil {
			st.Phase = domain.PhaseAuthenticated
		} else {
			st.Phase = domain.PhaseUnauthenticated
		}
	}
}

// transact runs persist and commits fn as one step with respect to other
// transactions. With expect == nil it starts a new session epoch; otherwise
// it is dropped, and reports false, when the epoch moved past *expect.
// Transitions are delivered after the step completes.
func (s *SessionStore) transact(reason string, expect *uint64, persist func(), fn func(*domain.Session)) bool {
	s.writeMu.Lock()
	s.mu.Lock()
	if expect != nil && *expect != s.epoch {
		s.mu.Unlock()
		s.writeMu.Unlock()
		return false
	}
	if expect == nil {
		s.epoch++
	}
	s.mu.Unlock()

	if persist != nil {
		persist()
	}
	s.apply(reason, fn)
	s.writeMu.Unlock()
	s.deliver()
	return true
}

func (s *SessionStore) clearDurable(ctx context.Context) {
	if err := s.tokens.ClearToken(ctx); err != nil {
		s.logger.Error("failed to clear token", "error", err)
	}
	s.saveUser(ctx, nil)
}

func (s *SessionStore) saveUser(ctx context.Context, user *domain.UserIdentity) {
	if err := store.SaveAuth(ctx, s.repo, store.AuthRecord{User: user}); err != nil {
		s.logger.Error("failed to persist auth record", "error", err)
	}
}

// update applies fn under the lock, queues a transition when the session
// changed in a way consumers act on, then delivers queued transitions.
// An empty reason marks a flag-only update that never emits.
func (s *SessionStore) update(reason string, fn func(*domain.Session)) {
	s.apply(reason, fn)
	s.deliver()
}

// apply commits fn and queues the resulting transition without delivering it.
func (s *SessionStore) apply(reason string, fn func(*domain.Session)) {
	s.mu.Lock()
	prev := s.state
	fn(&s.state)
	next := s.state

	if next.IsInitialized && !prev.IsInitialized {
		close(s.initCh)
	}
	s.syncLiveness(prev, next)

	changed := prev.Phase != next.Phase ||
		prev.IsInitialized != next.IsInitialized ||
		!sameUser(prev.User, next.User)
	if reason != "" && (changed || reason == ReasonLogout) {
		s.pending = append(s.pending, Transition{
			From:    prev.Phase,
			To:      next.Phase,
			Session: cloneSession(next),
			Reason:  reason,
		})
	}
	s.mu.Unlock()
}

// deliver drains queued transitions. A transition queued by a subscriber
// while delivery is in progress is delivered by the same drain loop.
func (s *SessionStore) deliver() {
	s.mu.Lock()
	if s.delivering {
		s.mu.Unlock()
		return
	}
	s.delivering = true
	for len(s.pending) > 0 {
		t := s.pending[0]
		s.pending = s.pending[1:]
		subs := make([]subscriber[Transition], len(s.subs))
		copy(subs, s.subs)
		s.mu.Unlock()

		s.logger.Debug("session transition", "from", t.From.String(), "to", t.To.String(), "reason", t.Reason)
		for _, sub := range subs {
			sub.fn(t)
		}

		s.mu.Lock()
	}
	s.delivering = false
	s.mu.Unlock()
}

// syncLiveness keeps liveCtx alive exactly while the session is
// authenticated as the same user. Caller holds mu.
func (s *SessionStore) syncLiveness(prev, next domain.Session) {
	live := next.Authenticated()
	if s.liveCancel != nil && (!live || !sameUsername(prev.User, next.User)) {
		s.liveCancel()
		s.liveCtx, s.liveCancel = nil, nil
	}
	if live && s.liveCancel == nil {
		s.liveCtx, s.liveCancel = context.WithCancel(context.Background())
	}
}

func cloneSession(st domain.Session) domain.Session {
	st.User = st.User.Clone()
	return st
}

func sameUser(a, b *domain.UserIdentity) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func sameUsername(a, b *domain.UserIdentity) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Username == b.Username
}
