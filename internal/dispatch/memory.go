package dispatch

import (
	"context"
	"errors"
	"sync"
)

// ErrQueueFull is returned when the in-process queue is at capacity.
var ErrQueueFull = errors.New("dispatch queue is full")

// DefaultMaxAttempts bounds redelivery of transiently failing work.
const DefaultMaxAttempts = 5

// Memory is an in-process queue. It backs single-node deployments and tests.
type Memory struct {
	mu       sync.Mutex
	queue    []*Envelope
	capacity int
	signal   chan struct{}

	// MaxAttempts bounds deliveries per envelope.
	MaxAttempts int
}

// NewMemory creates an in-process queue; capacity <= 0 means unbounded.
func NewMemory(capacity int) *Memory {
	return &Memory{
		capacity:    capacity,
		signal:      make(chan struct{}, 1),
		MaxAttempts: DefaultMaxAttempts,
	}
}

// Enqueue appends e to the queue.
func (m *Memory) Enqueue(ctx context.Context, e *Envelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := e.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	if m.capacity > 0 && len(m.queue) >= m.capacity {
		m.mu.Unlock()
		return ErrQueueFull
	}
	m.queue = append(m.queue, e)
	m.mu.Unlock()

	select {
	case m.signal <- struct{}{}:
	default:
	}
	return nil
}

// Len returns the number of queued envelopes.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue)
}

// Drain removes and returns every queued envelope.
func (m *Memory) Drain() []*Envelope {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.queue
	m.queue = nil
	return out
}

func (m *Memory) pop() *Envelope {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.queue) == 0 {
		return nil
	}
	e := m.queue[0]
	m.queue = m.queue[1:]
	return e
}

// Consume hands queued envelopes to h until ctx is done. Transient handler
// errors put the envelope back at the tail of the queue until MaxAttempts
// deliveries have been made.
func (m *Memory) Consume(ctx context.Context, h Handler) error {
	for {
		for e := m.pop(); e != nil; e = m.pop() {
			err := h.Handle(ctx, e)
			e.Attempt++
			if err != nil && !IsPermanent(err) && ctx.Err() == nil && e.Attempt < m.MaxAttempts {
				m.mu.Lock()
				m.queue = append(m.queue, e)
				m.mu.Unlock()
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-m.signal:
		}
	}
}
