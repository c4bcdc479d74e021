// Package monitor polls backend liveness without overlapping requests.
package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/ashureev/agentgov/internal/api"
)

// HealthChecker probes the backend.
type HealthChecker interface {
	Health(ctx context.Context) (*api.HealthResponse, error)
}

// Status is the result of one probe.
type Status struct {
	Healthy   bool
	Version   string
	CheckedAt time.Time
	Err       error
}

// Config holds configuration for creating a HealthMonitor.
type Config struct {
	Checker HealthChecker
	// Timeout bounds each probe.
	Timeout  time.Duration
	Interval time.Duration
	// OnChange is called when health flips. May be nil.
	OnChange func(Status)
	Logger   *slog.Logger
}

// HealthMonitor runs probes. Overlapping Check calls share a single probe.
type HealthMonitor struct {
	checker  HealthChecker
	timeout  time.Duration
	interval time.Duration
	onChange func(Status)
	logger   *slog.Logger
	group    singleflight.Group

	mu      sync.Mutex
	last    Status
	checked bool
}

// NewHealthMonitor creates a monitor.
func NewHealthMonitor(cfg Config) (*HealthMonitor, error) {
	if cfg.Checker == nil {
		return nil, fmt.Errorf("monitor: Checker is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &HealthMonitor{
		checker:  cfg.Checker,
		timeout:  cfg.Timeout,
		interval: cfg.Interval,
		onChange: cfg.OnChange,
		logger:   cfg.Logger,
	}, nil
}

// Last returns the most recent status and whether any probe has completed.
func (m *HealthMonitor) Last() (Status, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last, m.checked
}

// Check probes the backend, or joins the probe already in flight.
func (m *HealthMonitor) Check(ctx context.Context) Status {
	v, _, _ := m.group.Do("health", func() (any, error) {
		return m.probe(ctx), nil
	})
	return v.(Status)
}

// Run probes immediately and then every interval until ctx is done.
func (m *HealthMonitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.Check(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Check(ctx)
		}
	}
}

func (m *HealthMonitor) probe(ctx context.Context) Status {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	resp, err := m.checker.Health(ctx)
	status := Status{CheckedAt: time.Now(), Err: err, Healthy: err == nil}
	if resp != nil {
		status.Version = resp.Version
	}

	m.mu.Lock()
	flipped := !m.checked || m.last.Healthy != status.Healthy
	m.last, m.checked = status, true
	m.mu.Unlock()

	if flipped {
		if status.Healthy {
			m.logger.Info("backend healthy", "version", status.Version)
		} else {
			m.logger.Warn("backend unreachable", "error", err)
		}
		if m.onChange != nil {
			m.onChange(status)
		}
	}
	return status
}
