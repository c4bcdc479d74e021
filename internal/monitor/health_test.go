package monitor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/ashureev/agentgov/internal/api"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type blockingChecker struct {
	calls   atomic.Int32
	release chan struct{}
	err     error
}

func (c *blockingChecker) Health(ctx context.Context) (*api.HealthResponse, error) {
	c.calls.Add(1)
	if c.release != nil {
		select {
		case <-c.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if c.err != nil {
		return nil, c.err
	}
	return &api.HealthResponse{Version: "1.4.0"}, nil
}

func newMonitor(t *testing.T, checker HealthChecker, onChange func(Status)) *HealthMonitor {
	t.Helper()
	m, err := NewHealthMonitor(Config{
		Checker:  checker,
		Timeout:  time.Second,
		Interval: 10 * time.Millisecond,
		OnChange: onChange,
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	require.NoError(t, err)
	return m
}

func TestOverlappingChecksShareOneCall(t *testing.T) {
	checker := &blockingChecker{release: make(chan struct{})}
	m := newMonitor(t, checker, nil)

	var wg sync.WaitGroup
	results := make(chan Status, 8)
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- m.Check(context.Background())
		}()
	}
	require.Eventually(t, func() bool { return checker.calls.Load() == 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(checker.release)
	wg.Wait()
	close(results)

	assert.Equal(t, int32(1), checker.calls.Load())
	for s := range results {
		assert.True(t, s.Healthy)
		assert.Equal(t, "1.4.0", s.Version)
	}
}

func TestCheckTimesOut(t *testing.T) {
	checker := &blockingChecker{release: make(chan struct{})}
	defer close(checker.release)
	m, err := NewHealthMonitor(Config{Checker: checker, Timeout: 20 * time.Millisecond,
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})
	require.NoError(t, err)

	s := m.Check(context.Background())
	assert.False(t, s.Healthy)
	assert.ErrorIs(t, s.Err, context.DeadlineExceeded)
}

func TestOnChangeFiresOnFlip(t *testing.T) {
	checker := &blockingChecker{}
	var changes []bool
	m := newMonitor(t, checker, func(s Status) { changes = append(changes, s.Healthy) })

	m.Check(context.Background())
	m.Check(context.Background())
	checker.err = errors.New("down")
	m.Check(context.Background())

	assert.Equal(t, []bool{true, false}, changes)
	last, ok := m.Last()
	assert.True(t, ok)
	assert.False(t, last.Healthy)
}

func TestRunStopsWithContext(t *testing.T) {
	checker := &blockingChecker{}
	m := newMonitor(t, checker, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return checker.calls.Load() >= 3 }, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return")
	}
}
