package queue

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrFull is returned by Publish when the buffer stayed full for the whole
// publish wait.
var ErrFull = errors.New("queue full")

// Memory is an in-process queue for embedded single-process deployments and
// tests. Items do not survive a restart.
type Memory struct {
	items       chan WorkItem
	pollTimeout time.Duration
	publishWait time.Duration

	mu       sync.Mutex
	inFlight map[string]WorkItem
	// released items go ahead of the buffer; there are never more of them
	// than items in flight.
	released []WorkItem
	closed   bool
}

// NewMemory creates a memory queue holding up to size pending items.
// Publish waits at most pollTimeout for room.
func NewMemory(size int, pollTimeout time.Duration) *Memory {
	if size <= 0 {
		size = 1024
	}
	if pollTimeout <= 0 {
		pollTimeout = time.Second
	}
	return &Memory{
		items:       make(chan WorkItem, size),
		pollTimeout: pollTimeout,
		publishWait: pollTimeout,
		inFlight:    make(map[string]WorkItem),
	}
}

// Ephemeral marks the queue as losing its items on restart.
func (m *Memory) Ephemeral() {}

func (m *Memory) Publish(ctx context.Context, item WorkItem) error {
	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return ErrClosed
	}

	select {
	case m.items <- item:
		return nil
	default:
	}

	timer := time.NewTimer(m.publishWait)
	defer timer.Stop()

	select {
	case m.items <- item:
		return nil
	case <-timer.C:
		return ErrFull
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Memory) Receive(ctx context.Context) (*Delivery, error) {
	if d := m.takeReleased(); d != nil {
		return d, nil
	}

	timer := time.NewTimer(m.pollTimeout)
	defer timer.Stop()

	select {
	case item := <-m.items:
		return m.lease(item), nil
	case <-timer.C:
		return m.takeReleased(), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (m *Memory) takeReleased() *Delivery {
	m.mu.Lock()
	if len(m.released) == 0 {
		m.mu.Unlock()
		return nil
	}
	item := m.released[0]
	m.released = m.released[1:]
	m.mu.Unlock()
	return m.lease(item)
}

func (m *Memory) lease(item WorkItem) *Delivery {
	receipt := uuid.NewString()
	m.mu.Lock()
	m.inFlight[receipt] = item
	m.mu.Unlock()
	return &Delivery{Item: item, Receipt: receipt}
}

func (m *Memory) Ack(_ context.Context, d *Delivery) error {
	m.mu.Lock()
	delete(m.inFlight, d.Receipt)
	m.mu.Unlock()
	return nil
}

// Requeue publishes the next envelope and acks d. On ErrFull d stays in
// flight and the caller decides what to do with it.
func (m *Memory) Requeue(ctx context.Context, d *Delivery) (WorkItem, error) {
	next := d.Item.Next()
	if err := m.Publish(ctx, next); err != nil {
		return WorkItem{}, err
	}
	return next, m.Ack(ctx, d)
}

// Release hands d back for the next Receive. It never waits for buffer room.
func (m *Memory) Release(_ context.Context, d *Delivery) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.inFlight[d.Receipt]; !ok {
		return nil
	}
	delete(m.inFlight, d.Receipt)
	m.released = append(m.released, d.Item)
	return nil
}

// Len returns the number of items waiting to be received.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items) + len(m.released)
}

// InFlight returns the number of received items not yet acked.
func (m *Memory) InFlight() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.inFlight)
}

// Close stops accepting new items.
func (m *Memory) Close() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
}
