package identity

import (
	"log/slog"
	"sync"
)

// Signal is a cross-component session event.
type Signal int

const (
	// SignalSessionInvalid forces the session to end, wherever it was detected.
	SignalSessionInvalid Signal = iota + 1
)

func (s Signal) String() string {
	switch s {
	case SignalSessionInvalid:
		return "session_invalid"
	default:
		return "unknown"
	}
}

// SessionBroadcast is the process-wide logout channel. Any collaborator may
// publish; the session store subscribes.
type SessionBroadcast interface {
	Publish(Signal)
	Subscribe(func(Signal)) (unsubscribe func())
}

type subscriber[T any] struct {
	id int
	fn func(T)
}

// Broadcast is an in-process SessionBroadcast. Handlers run synchronously on
// the publishing goroutine, in subscription order.
type Broadcast struct {
	mu     sync.Mutex
	subs   []subscriber[Signal]
	nextID int
	logger *slog.Logger
}

// NewBroadcast creates an empty broadcast. If logger is nil, slog.Default() is used.
func NewBroadcast(logger *slog.Logger) *Broadcast {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcast{logger: logger}
}

// Publish delivers sig to every current subscriber.
func (b *Broadcast) Publish(sig Signal) {
	b.mu.Lock()
	subs := make([]subscriber[Signal], len(b.subs))
	copy(subs, b.subs)
	b.mu.Unlock()

	b.logger.Info("session broadcast", "signal", sig.String(), "subscribers", len(subs))
	for _, s := range subs {
		s.fn(sig)
	}
}

// Subscribe registers fn and returns a function that removes it.
func (b *Broadcast) Subscribe(fn func(Signal)) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	b.subs = append(b.subs, subscriber[Signal]{id: id, fn: fn})
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.subs = removeSubscriber(b.subs, id)
	}
}

func removeSubscriber[T any](subs []subscriber[T], id int) []subscriber[T] {
	for i, s := range subs {
		if s.id == id {
			return append(subs[:i:i], subs[i+1:]...)
		}
	}
	return subs
}
