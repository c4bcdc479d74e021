// Package realtime keeps one persistent backend connection open exactly
// while the session is authenticated.
//
// The [Manager] is driven by session transitions: an authenticated
// transition connects, an unauthenticated one disconnects intentionally.
// Unexpected drops are retried with capped exponential backoff for as long
// as the session stays authenticated.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ashureev/agentgov/internal/domain"
	"github.com/ashureev/agentgov/internal/identity"
)

// Frame types with special handling.
const (
	FrameSessionInvalid    = "session_invalid"
	frameSessionInvalidAlt = "session.invalid"
	framePing              = "ping"
)

// Frame is one JSON message received on the connection.
type Frame struct {
	Type string
	Raw  json.RawMessage
}

// SessionSource is the read-only view of the session the manager needs.
type SessionSource interface {
	Snapshot() domain.Session
	Subscribe(func(identity.Transition)) (unsubscribe func())
}

// Config holds configuration for creating a Manager.
type Config struct {
	Dialer  Dialer
	Session SessionSource
	// Broadcast receives SignalSessionInvalid when the server says the
	// session is no longer valid. If nil, the manager disconnects itself.
	Broadcast      identity.SessionBroadcast
	ConnectTimeout time.Duration
	Backoff        Backoff
	// OnMessage receives every frame other than ping and session_invalid.
	OnMessage func(Frame)
	// Registerer receives the connection metrics. May be nil.
	Registerer prometheus.Registerer
	Logger     *slog.Logger
}

// Manager owns the lifecycle of the single realtime connection.
type Manager struct {
	dialer         Dialer
	session        SessionSource
	broadcast      identity.SessionBroadcast
	connectTimeout time.Duration
	backoff        Backoff
	onMessage      func(Frame)
	metrics        *Metrics
	logger         *slog.Logger

	mu          sync.Mutex
	state       domain.ConnectionState
	gen         uint64
	// token is the credential of the current or pending connection.
	token       string
	conn        Conn
	cancelDial  context.CancelFunc
	timer       *time.Timer
	attempt     int
	closed      bool
	unsubscribe func()
	wg          sync.WaitGroup
}

// NewManager creates an idle manager.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Dialer == nil || cfg.Session == nil {
		return nil, fmt.Errorf("realtime: Dialer and Session are required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	backoff := cfg.Backoff
	if backoff.Base <= 0 {
		backoff.Base = time.Second
	}
	if backoff.Max < backoff.Base {
		backoff.Max = 30 * backoff.Base
	}
	connectTimeout := cfg.ConnectTimeout
	if connectTimeout <= 0 {
		connectTimeout = 5 * time.Second
	}
	return &Manager{
		dialer:         cfg.Dialer,
		session:        cfg.Session,
		broadcast:      cfg.Broadcast,
		connectTimeout: connectTimeout,
		backoff:        backoff,
		onMessage:      cfg.OnMessage,
		metrics:        NewMetrics(cfg.Registerer),
		logger:         logger,
		state:          domain.ConnIdle,
	}, nil
}

// Metrics exposes the manager's counters.
func (m *Manager) Metrics() *Metrics {
	return m.metrics
}

// State returns the current connection state.
func (m *Manager) State() domain.ConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Start subscribes the manager to session transitions and connects if the
// session is already authenticated.
func (m *Manager) Start() {
	m.mu.Lock()
	if m.unsubscribe != nil || m.closed {
		m.mu.Unlock()
		return
	}
	m.unsubscribe = m.session.Subscribe(m.HandleTransition)
	m.mu.Unlock()
	m.Connect()
}

// HandleTransition connects on an authenticated session and disconnects
// intentionally once the session is settled as unauthenticated.
func (m *Manager) HandleTransition(t identity.Transition) {
	switch {
	case t.Session.Authenticated():
		m.Connect()
	case t.Session.IsInitialized && t.To == domain.PhaseUnauthenticated:
		m.Disconnect(true)
	}
}

// Connect opens the connection in the background. It is a no-op unless the
// session is initialized and authenticated, and while a connection for the
// current token is already open or being opened. A connection opened with
// another token is closed intentionally and replaced.
func (m *Manager) Connect() {
	snap := m.session.Snapshot()
	if !snap.IsInitialized {
		m.logger.Debug("realtime connect ignored, session not initialized")
		return
	}
	if !snap.Authenticated() {
		m.logger.Debug("realtime connect ignored, session not authenticated")
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	if m.state == domain.ConnConnecting || m.state == domain.ConnOpen {
		if m.token == snap.Token {
			return
		}
		m.logger.Info("realtime credentials changed, reconnecting", "user", snap.User.Username)
		m.disconnectLocked(true, nil)
	}
	m.stopTimerLocked()
	m.gen++
	gen := m.gen
	m.token = snap.Token
	ctx, cancel := context.WithCancel(context.Background())
	m.cancelDial = cancel
	m.setStateLocked(domain.ConnConnecting)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer cancel()
		m.run(ctx, gen, snap.Token)
	}()
}

// Disconnect closes the connection. An intentional disconnect clears any
// reconnect schedule and stays closed until the next Connect; a transient
// one schedules a reconnect with backoff.
func (m *Manager) Disconnect(intentional bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.disconnectLocked(intentional, nil)
}

// Close tears the manager down and waits for its goroutines.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.unsubscribe != nil {
		m.unsubscribe()
		m.unsubscribe = nil
	}
	if !m.closed {
		m.closed = true
		m.gen++
		m.stopTimerLocked()
		m.teardownLocked(true)
	}
	m.mu.Unlock()
	m.wg.Wait()
}

func (m *Manager) run(ctx context.Context, gen uint64, token string) {
	dialCtx, cancel := context.WithTimeout(ctx, m.connectTimeout)
	conn, err := m.dialer.Dial(dialCtx, token)
	cancel()

	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		if conn != nil {
			_ = conn.Close(false)
		}
		return
	}
	if err != nil {
		m.logger.Warn("realtime dial failed", "attempt", m.attempt, "error", err)
		m.disconnectLocked(false, err)
		m.mu.Unlock()
		return
	}
	m.conn = conn
	m.attempt = 0
	m.setStateLocked(domain.ConnOpen)
	m.mu.Unlock()

	m.readLoop(conn, gen)
}

func (m *Manager) readLoop(conn Conn, gen uint64) {
	for {
		data, err := conn.Read(context.Background())
		if err != nil {
			m.mu.Lock()
			if gen == m.gen {
				m.logger.Warn("realtime connection dropped", "error", err)
				m.disconnectLocked(false, err)
			}
			m.mu.Unlock()
			return
		}
		if !m.handleFrame(data, gen) {
			return
		}
	}
}

// handleFrame dispatches one frame. It reports false once the connection
// this loop serves has been replaced or closed.
func (m *Manager) handleFrame(data []byte, gen uint64) bool {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		m.logger.Warn("ignoring malformed realtime frame", "error", err)
		return true
	}

	switch head.Type {
	case framePing:
	case FrameSessionInvalid, frameSessionInvalidAlt:
		m.logger.Warn("server reported session invalid")
		if m.broadcast != nil {
			m.broadcast.Publish(identity.SignalSessionInvalid)
		} else {
			m.Disconnect(true)
		}
	default:
		if m.onMessage != nil {
			m.onMessage(Frame{Type: head.Type, Raw: json.RawMessage(data)})
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	return gen == m.gen
}

// disconnectLocked ends the current generation. Caller holds mu.
func (m *Manager) disconnectLocked(intentional bool, cause error) {
	if m.closed {
		return
	}
	m.gen++
	m.stopTimerLocked()
	m.metrics.recordDisconnect(intentional)

	if intentional {
		m.teardownLocked(true)
		m.attempt = 0
		m.setStateLocked(domain.ConnClosedIntentional)
		m.logger.Info("realtime disconnected", "intentional", true)
		return
	}

	m.teardownLocked(false)
	m.setStateLocked(domain.ConnClosedTransient)

	if !m.session.Snapshot().Authenticated() {
		m.logger.Info("realtime closed, session not authenticated", "error", cause)
		return
	}
	delay := m.backoff.Delay(m.attempt)
	m.attempt++
	gen := m.gen
	m.logger.Info("realtime reconnect scheduled", "attempt", m.attempt, "delay", delay, "error", cause)
	m.timer = time.AfterFunc(delay, func() { m.reconnect(gen) })
}

func (m *Manager) reconnect(gen uint64) {
	m.mu.Lock()
	stale := m.closed || gen != m.gen || m.state != domain.ConnClosedTransient
	m.mu.Unlock()
	if stale {
		return
	}
	m.metrics.ReconnectAttempts.Inc()
	m.Connect()
}

// teardownLocked cancels a pending dial and closes the live connection.
// Caller holds mu.
func (m *Manager) teardownLocked(intentional bool) {
	if m.cancelDial != nil {
		m.cancelDial()
		m.cancelDial = nil
	}
	conn := m.conn
	m.conn = nil
	if conn == nil {
		return
	}
	if !intentional {
		_ = conn.Close(false)
		return
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		if err := conn.Close(true); err != nil && !errors.Is(err, context.Canceled) {
			m.logger.Debug("realtime close", "error", err)
		}
	}()
}

func (m *Manager) stopTimerLocked() {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

func (m *Manager) setStateLocked(state domain.ConnectionState) {
	if m.state == state {
		return
	}
	m.logger.Debug("realtime state", "from", m.state.String(), "to", state.String())
	m.state = state
	m.metrics.recordState(state)
}
