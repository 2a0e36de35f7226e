package relay

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/relaykit/relay-server-go/queue"
	"github.com/relaykit/relay-server-go/sessions"
)

// RouteError reports why a route call was rejected. Unwrap exposes the
// underlying reason (queue.ErrDestinationUnknown, queue.ErrQueueFull,
// queue.ErrOutOfOrder, or ErrSourceClosed) for errors.Is dispatch.
type RouteError struct {
	Source      string
	Destination string
	Err         error
}

func (e *RouteError) Error() string {
	return fmt.Sprintf("route %s -> %s: %v", e.Source, e.Destination, e.Err)
}

func (e *RouteError) Unwrap() error { return e.Err }

// RouteOption configures a single route call.
type RouteOption func(*routeConfig)

type routeConfig struct {
	messageID string
}

// WithMessageID supplies a caller-chosen message identifier so that a
// retried send is deduplicated instead of delivered twice. When absent the
// router assigns a fresh identifier.
func WithMessageID(id string) RouteOption {
	return func(c *routeConfig) { c.messageID = id }
}

// Router is the sole entry point into the core for sending. It validates
// the source session, assigns the next sequence number for the
// (source, destination) pair, and hands the envelope to the queue manager.
type Router struct {
	log      *slog.Logger
	registry *sessions.Registry
	queues   queue.Manager

	mu    sync.Mutex // guards the pairs map, never held across enqueue
	pairs map[pairKey]*pairState
}

type pairKey struct {
	source      string
	destination string
}

// pairState serializes sequence assignment for one pair. Holding its lock
// across the enqueue keeps the assigned sequence and the queue's admission
// decision consistent without stalling unrelated pairs.
type pairState struct {
	mu   sync.Mutex
	last uint64
}

func newRouter(registry *sessions.Registry, queues queue.Manager, log *slog.Logger) *Router {
	return &Router{
		log:      log,
		registry: registry,
		queues:   queues,
		pairs:    make(map[pairKey]*pairState),
	}
}

// Route validates the source, resolves the destination (or broadcast
// snapshot), and enqueues. It returns the message identifier for caller
// correlation. A duplicate identifier within the retention window returns
// the original identifier without creating a new queue entry.
func (r *Router) Route(ctx context.Context, sourceID, destinationID string, payload []byte, opts ...RouteOption) (string, error) {
	var cfg routeConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	src, err := r.registry.Lookup(sourceID)
	if err != nil {
		return "", &RouteError{Source: sourceID, Destination: destinationID, Err: ErrSourceClosed}
	}
	if src.State().Terminal() {
		return "", &RouteError{Source: sourceID, Destination: destinationID, Err: ErrSourceClosed}
	}
	src.Touch()

	msgID := cfg.messageID
	if msgID == "" {
		msgID = uuid.NewString()
	}

	if destinationID == queue.BroadcastDestination {
		// Fan out one copy per session active right now; later registrants
		// do not retroactively receive the broadcast. Per-destination
		// rejections (e.g. one full queue) do not fail the others.
		for _, dst := range r.registry.ListActive() {
			if err := r.deliver(ctx, sourceID, dst, msgID, payload); err != nil {
				r.log.WarnContext(ctx, "broadcast.deliver.skip",
					slog.String("source", sourceID),
					slog.String("destination", dst),
					slog.String("err", err.Error()),
				)
			}
		}
		return msgID, nil
	}

	if err := r.deliver(ctx, sourceID, destinationID, msgID, payload); err != nil {
		return "", &RouteError{Source: sourceID, Destination: destinationID, Err: err}
	}
	return msgID, nil
}

func (r *Router) deliver(ctx context.Context, sourceID, destinationID, msgID string, payload []byte) error {
	ps := r.pair(sourceID, destinationID)
	ps.mu.Lock()
	defer ps.mu.Unlock()

	env := &queue.Envelope{
		ID:          msgID,
		Source:      sourceID,
		Destination: destinationID,
		Seq:         ps.last + 1,
		Payload:     payload,
		EnqueuedAt:  time.Now().UTC(),
	}
	disp, err := r.queues.Enqueue(ctx, env)
	if err != nil {
		return err
	}
	if disp == queue.DispositionAccepted {
		ps.last = env.Seq
		r.registry.Touch(destinationID)
	}
	return nil
}

func (r *Router) pair(sourceID, destinationID string) *pairState {
	key := pairKey{source: sourceID, destination: destinationID}
	r.mu.Lock()
	defer r.mu.Unlock()
	ps, ok := r.pairs[key]
	if !ok {
		ps = &pairState{}
		r.pairs[key] = ps
	}
	return ps
}

// forget drops sequence state for every pair touching the session. A later
// session reusing the identifier starts its pairs from sequence one, which
// is the explicit session-reset path for sequence recovery.
func (r *Router) forget(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for key := range r.pairs {
		if key.source == sessionID || key.destination == sessionID {
			delete(r.pairs, key)
		}
	}
}
