// Package app constructs the client's services once and runs the explicit
// bootstrap sequence: load durable state, start realtime, then verify.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ashureev/agentgov/internal/agent"
	"github.com/ashureev/agentgov/internal/api"
	"github.com/ashureev/agentgov/internal/config"
	"github.com/ashureev/agentgov/internal/identity"
	"github.com/ashureev/agentgov/internal/middleware"
	"github.com/ashureev/agentgov/internal/monitor"
	"github.com/ashureev/agentgov/internal/realtime"
	"github.com/ashureev/agentgov/internal/store"
)

// Options override collaborators that are otherwise built from the config.
type Options struct {
	// Repo replaces the SQLite repository at cfg.DBPath.
	Repo store.Repository
	// Notifier receives task notifications. Defaults to logging them.
	Notifier agent.Notifier
	// OnFrame receives realtime frames.
	OnFrame func(realtime.Frame)
	// OnHealth is called when backend health flips.
	OnHealth func(monitor.Status)
}

// App holds every long-lived service of the client.
type App struct {
	Config    *config.Config
	Repo      store.Repository
	Broadcast *identity.Broadcast
	API       *api.Client
	Session   *identity.SessionStore
	Realtime  *realtime.Manager
	Chat      *agent.ChatSession
	Health    *monitor.HealthMonitor
	Registry  *prometheus.Registry

	logger     *slog.Logger
	transcript agent.ConversationLogger
}

// New builds the services without performing any I/O beyond opening the
// durable store.
func New(cfg *config.Config, logger *slog.Logger, opts Options) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}

	repo := opts.Repo
	if repo == nil {
		sqlite, err := store.NewSQLite(cfg.DBPath)
		if err != nil {
			return nil, fmt.Errorf("open state store: %w", err)
		}
		repo = sqlite
	}

	a := &App{
		Config:    cfg,
		Repo:      repo,
		Broadcast: identity.NewBroadcast(logger),
		Registry:  prometheus.NewRegistry(),
		logger:    logger,
	}
	// The session store is built after the client, so the transport reads
	// the token through the App.
	transport := middleware.Chain(http.DefaultTransport,
		middleware.RequestID(),
		middleware.BearerAuth(func(context.Context) string {
			if a.Session == nil {
				return ""
			}
			return a.Session.Token()
		}, api.PathLogin, api.PathVerify, api.PathHealth),
		middleware.DetectUnauthorized(func() {
			a.Broadcast.Publish(identity.SignalSessionInvalid)
		}, logger, api.PathLogin, api.PathVerify, api.PathChangePassword),
	)

	client, err := api.NewClient(api.ClientConfig{
		BaseURL:        cfg.APIURL,
		HTTPClient:     &http.Client{Transport: transport},
		RequestTimeout: cfg.RequestTimeout,
		Logger:         logger,
	})
	if err != nil {
		_ = repo.Close()
		return nil, err
	}
	a.API = client

	a.Session, err = identity.NewSessionStore(identity.Config{
		Tokens:    store.NewTokens(repo),
		Repo:      repo,
		API:       client,
		Broadcast: a.Broadcast,
		Logger:    logger.With("component", "session"),
	})
	if err != nil {
		_ = repo.Close()
		return nil, err
	}

	a.Realtime, err = realtime.NewManager(realtime.Config{
		Dialer:         &realtime.WebSocketDialer{URL: cfg.WebSocketURL()},
		Session:        a.Session,
		Broadcast:      a.Broadcast,
		ConnectTimeout: cfg.ConnectTimeout,
		Backoff:        realtime.Backoff{Base: cfg.Reconnect.BaseDelay, Max: cfg.Reconnect.MaxDelay},
		OnMessage:      opts.OnFrame,
		Registerer:     a.Registry,
		Logger:         logger.With("component", "realtime"),
	})
	if err != nil {
		a.Session.Close()
		_ = repo.Close()
		return nil, err
	}

	a.transcript, err = agent.NewConversationLogger(agent.ConversationLogConfig{
		Enabled:   cfg.ConversationLog.Enabled,
		Dir:       cfg.ConversationLog.Dir,
		QueueSize: cfg.ConversationLog.QueueSize,
	}, logger)
	if err != nil {
		a.Session.Close()
		_ = repo.Close()
		return nil, fmt.Errorf("init conversation log: %w", err)
	}

	a.Chat, err = agent.NewChatSession(agent.Config{
		API:          client,
		Session:      a.Session,
		Repo:         repo,
		Notifier:     opts.Notifier,
		Transcript:   a.transcript,
		HistoryLimit: cfg.HistoryLimit,
		Registerer:   a.Registry,
		Logger:       logger.With("component", "chat"),
	})
	if err != nil {
		_ = a.Close()
		return nil, err
	}

	a.Health, err = monitor.NewHealthMonitor(monitor.Config{
		Checker:  client,
		Timeout:  cfg.ConnectTimeout,
		Interval: cfg.HealthInterval,
		OnChange: opts.OnHealth,
		Logger:   logger.With("component", "health"),
	})
	if err != nil {
		_ = a.Close()
		return nil, err
	}
	return a, nil
}

// Start rehydrates durable state, starts the realtime manager and then
// verifies the session, bounded by the connect timeout. It reports whether
// the session ended up authenticated.
func (a *App) Start(ctx context.Context) (bool, error) {
	if err := a.Session.Load(ctx); err != nil {
		return false, fmt.Errorf("load session: %w", err)
	}
	if err := a.Chat.Load(ctx); err != nil {
		a.logger.Warn("discarding unreadable chat log", "error", err)
	}
	a.Realtime.Start()

	checkCtx, cancel := context.WithTimeout(ctx, a.Config.ConnectTimeout)
	defer cancel()
	ok := a.Session.CheckAuth(checkCtx)
	a.logger.Info("session initialized", "authenticated", ok)
	return ok, nil
}

// Close stops every service and closes the durable store.
func (a *App) Close() error {
	if a.Realtime != nil {
		a.Realtime.Close()
	}
	if a.Session != nil {
		a.Session.Close()
	}
	var errs []error
	if a.transcript != nil {
		errs = append(errs, a.transcript.Close())
	}
	errs = append(errs, a.Repo.Close())
	return errors.Join(errs...)
}
