// Package memory provides an in-memory implementation of queue.Manager. It
// is suitable for single-node deployments and tests; state does not survive
// the process.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/relaykit/relay-server-go/queue"
)

const (
	defaultCapacity  = 256
	defaultRetention = 5 * time.Minute
)

// Manager implements queue.Manager with one independently locked queue per
// destination. The manager-level lock guards only the destination map, never
// queue contents, so a slow destination cannot stall enqueues for another.
type Manager struct {
	mu     sync.RWMutex
	queues map[string]*destQueue

	capacity  int
	retention time.Duration
}

type destQueue struct {
	mu        sync.Mutex
	capacity  int
	retention time.Duration
	items     []*queue.Envelope
	lastSeq   map[string]uint64    // source -> last accepted sequence
	seen      map[string]time.Time // message ID -> accepted at
	notify    chan struct{}
	closed    bool
}

// Option configures the Manager.
type Option func(*Manager)

// WithDefaultCapacity sets the capacity used when Bind is called with a
// non-positive capacity.
func WithDefaultCapacity(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.capacity = n
		}
	}
}

// WithDedupRetention sets how long accepted message IDs are remembered for
// idempotent retry detection.
func WithDedupRetention(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.retention = d
		}
	}
}

// New creates an in-memory queue manager.
func New(opts ...Option) *Manager {
	m := &Manager{
		queues:    make(map[string]*destQueue),
		capacity:  defaultCapacity,
		retention: defaultRetention,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) Bind(ctx context.Context, destinationID string, capacity int) error {
	if capacity <= 0 {
		capacity = m.capacity
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.queues[destinationID]; ok {
		return nil
	}
	m.queues[destinationID] = &destQueue{
		capacity:  capacity,
		retention: m.retention,
		lastSeq:   make(map[string]uint64),
		seen:      make(map[string]time.Time),
		notify:    make(chan struct{}, 1),
	}
	return nil
}

func (m *Manager) Release(ctx context.Context, destinationID string) error {
	m.mu.Lock()
	q, ok := m.queues[destinationID]
	if ok {
		delete(m.queues, destinationID)
	}
	m.mu.Unlock()
	if !ok {
		return nil
	}

	q.mu.Lock()
	q.closed = true
	q.items = nil
	close(q.notify)
	q.mu.Unlock()
	return nil
}

func (m *Manager) Enqueue(ctx context.Context, env *queue.Envelope) (queue.Disposition, error) {
	if ctx.Err() != nil {
		return 0, ctx.Err()
	}
	q := m.lookup(env.Destination)
	if q == nil {
		return 0, queue.ErrDestinationUnknown
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return 0, queue.ErrDestinationUnknown
	}

	now := time.Now()
	q.pruneSeenLocked(now)

	// Admission order matters: a retried, already-accepted ID must succeed
	// even when the queue has since filled up or the pair sequence moved on.
	if _, dup := q.seen[env.ID]; dup {
		return queue.DispositionDuplicate, nil
	}
	if want := q.lastSeq[env.Source] + 1; env.Seq != want {
		return 0, queue.ErrOutOfOrder
	}
	if len(q.items) >= q.capacity {
		return 0, queue.ErrQueueFull
	}

	q.items = append(q.items, env)
	q.lastSeq[env.Source] = env.Seq
	q.seen[env.ID] = now

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return queue.DispositionAccepted, nil
}

func (m *Manager) Peek(ctx context.Context, destinationID string) (*queue.Envelope, error) {
	q := m.lookup(destinationID)
	if q == nil {
		return nil, queue.ErrDestinationUnknown
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil, queue.ErrDestinationUnknown
	}
	if len(q.items) == 0 {
		return nil, queue.ErrEmpty
	}
	return q.items[0], nil
}

func (m *Manager) DequeueNext(ctx context.Context, destinationID string) (*queue.Envelope, error) {
	q := m.lookup(destinationID)
	if q == nil {
		return nil, queue.ErrDestinationUnknown
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil, queue.ErrDestinationUnknown
	}
	if len(q.items) == 0 {
		return nil, queue.ErrEmpty
	}
	env := q.items[0]
	q.items = q.items[1:]
	return env, nil
}

func (m *Manager) PeekDepth(ctx context.Context, destinationID string) (int, error) {
	q := m.lookup(destinationID)
	if q == nil {
		return 0, queue.ErrDestinationUnknown
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return 0, queue.ErrDestinationUnknown
	}
	return len(q.items), nil
}

func (m *Manager) Wait(ctx context.Context, destinationID string) error {
	q := m.lookup(destinationID)
	if q == nil {
		return queue.ErrDestinationUnknown
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return queue.ErrDestinationUnknown
	}
	if len(q.items) > 0 {
		q.mu.Unlock()
		return nil
	}
	q.mu.Unlock()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case _, ok := <-q.notify:
		if !ok {
			return queue.ErrDestinationUnknown
		}
		return nil
	}
}

func (m *Manager) lookup(destinationID string) *destQueue {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.queues[destinationID]
}

// pruneSeenLocked drops dedup entries older than the retention window.
// Called with q.mu held.
func (q *destQueue) pruneSeenLocked(now time.Time) {
	for id, at := range q.seen {
		if now.Sub(at) > q.retention {
			delete(q.seen, id)
		}
	}
}

var _ queue.Manager = (*Manager)(nil)
