package gpuq

import (
	"context"
	"sync"
	"time"

	"github.com/xraph/darkroom"
)

// Memory is an in-process channel for tests and single-node development.
// Messages are buffered and consumed via Receive. Dedupe keys are held
// for a fixed window, matching the suppression behavior of the Redis
// backend.
type Memory struct {
	mu      sync.Mutex
	seen    map[string]time.Time
	window  time.Duration
	msgs    chan *Message
	done    chan struct{}
	sending sync.WaitGroup
	closed  bool
}

// MemoryOption configures a Memory channel.
type MemoryOption func(*Memory)

// WithBuffer sets the message buffer size.
func WithBuffer(n int) MemoryOption {
	return func(m *Memory) {
		if n > 0 {
			m.msgs = make(chan *Message, n)
		}
	}
}

// WithDedupeWindow sets how long a dedupe key suppresses repeat sends.
func WithDedupeWindow(d time.Duration) MemoryOption {
	return func(m *Memory) { m.window = d }
}

// NewMemory returns a new in-process channel.
func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{
		seen:   make(map[string]time.Time),
		window: 5 * time.Minute,
		msgs:   make(chan *Message, 256),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Send publishes one message, suppressing repeats with the same dedupe
// key inside the window.
func (m *Memory) Send(ctx context.Context, msg *Message, dedupeKey string) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return darkroom.ErrChannelClosed
	}
	if dedupeKey != "" {
		now := time.Now()
		if at, ok := m.seen[dedupeKey]; ok && now.Sub(at) < m.window {
			m.mu.Unlock()
			return nil
		}
		m.seen[dedupeKey] = now
	}
	// Registered under the lock so Close observes every in-flight send.
	m.sending.Add(1)
	m.mu.Unlock()
	defer m.sending.Done()

	cp := *msg
	select {
	case m.msgs <- &cp:
		return nil
	case <-m.done:
		return darkroom.ErrChannelClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Receive returns the consumer side of the channel.
func (m *Memory) Receive() <-chan *Message {
	return m.msgs
}

// Close stops the channel. Senders blocked on a full buffer are woken
// with ErrChannelClosed; the consumer side is closed only after the
// last in-flight Send returns, and pending messages remain readable.
func (m *Memory) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	close(m.done)
	m.mu.Unlock()

	m.sending.Wait()
	close(m.msgs)
}
