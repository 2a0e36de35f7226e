package relay

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/relaykit/relay-server-go/queue"
	"github.com/relaykit/relay-server-go/sessions"
)

// Engine composes the registry, queue manager, router, and multiplexer
// into one service object with the operations the transport layer needs.
type Engine struct {
	log         *slog.Logger
	cfg         Config
	registry    *sessions.Registry
	queues      queue.Manager
	router      *Router
	mux         *Multiplexer
	notifier    Notifier
	capacityFor func(meta sessions.Metadata) int
}

// New builds an Engine over the given queue manager. Zero Config fields
// take defaults; collaborators (logger, validator, notifier, capacity
// resolver) are supplied through options.
func New(queues queue.Manager, cfg Config, opts ...Option) *Engine {
	cfg.applyDefaults()

	ec := engineConfig{
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(&ec)
	}

	var regOpts []sessions.RegistryOption
	if ec.validator != nil {
		regOpts = append(regOpts, sessions.WithValidator(ec.validator))
	}
	registry := sessions.NewRegistry(regOpts...)

	e := &Engine{
		log:         ec.logger,
		cfg:         cfg,
		registry:    registry,
		queues:      queues,
		router:      newRouter(registry, queues, ec.logger),
		mux:         newMultiplexer(registry, queues, cfg.HeartbeatInterval, ec.logger),
		notifier:    ec.notifier,
		capacityFor: ec.capacityFor,
	}

	// Removal is the single teardown funnel: whatever path removes the
	// session, its stream stops, its queue is dropped, and its sequence
	// state is forgotten.
	registry.OnRemove(func(sessionID string) {
		e.mux.release(sessionID)
		if err := e.queues.Release(context.Background(), sessionID); err != nil {
			e.log.Warn("engine.release.queue",
				slog.String("session_id", sessionID),
				slog.String("err", err.Error()),
			)
		}
		e.router.forget(sessionID)
	})

	return e
}

// Registry exposes the session registry for read-side collaborators (the
// HTTP status endpoints).
func (e *Engine) Registry() *sessions.Registry { return e.registry }

// Run drives lifecycle supervision until ctx is canceled: sessions idle
// past IdleTimeout are force-closed even with a healthy stream, and
// degraded sessions past ReconnectDeadline are closed and their queues
// dropped.
func (e *Engine) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			e.sweep(ctx)
		}
	}
}

func (e *Engine) sweep(ctx context.Context) {
	now := time.Now()
	for _, id := range e.registry.ListActive() {
		sess, err := e.registry.Lookup(id)
		if err != nil {
			continue
		}

		if now.Sub(sess.LastActivity()) >= e.cfg.IdleTimeout {
			e.log.InfoContext(ctx, "engine.sweep.idle_close",
				slog.String("session_id", id),
				slog.Time("last_activity", sess.LastActivity()),
			)
			e.CloseSession(ctx, id)
			continue
		}

		if sess.State() == sessions.StateDegraded {
			if detached := sess.DetachedAt(); !detached.IsZero() && now.Sub(detached) >= e.cfg.ReconnectDeadline {
				e.log.InfoContext(ctx, "engine.sweep.reconnect_expired",
					slog.String("session_id", id),
					slog.Time("detached_at", detached),
				)
				e.CloseSession(ctx, id)
			}
		}
	}
}

// Register creates a session, binds its queue, and reports the new session
// identifier. Queue capacity comes from the capacity resolver when one is
// configured and yields a positive value, otherwise Config.QueueCapacity.
func (e *Engine) Register(ctx context.Context, meta sessions.Metadata) (string, error) {
	id, err := e.registry.Register(ctx, meta)
	if err != nil {
		return "", err
	}

	capacity := e.cfg.QueueCapacity
	if e.capacityFor != nil {
		if c := e.capacityFor(meta); c > 0 {
			capacity = c
		}
	}

	if err := e.queues.Bind(ctx, id, capacity); err != nil {
		e.registry.Remove(id)
		return "", err
	}

	e.log.InfoContext(ctx, "engine.session.registered",
		slog.String("session_id", id),
		slog.String("name", meta.Name),
		slog.Int("queue_capacity", capacity),
	)

	if e.notifier != nil {
		e.notifier.SessionConnected(ctx, id, meta)
	}
	return id, nil
}

// Route sends a payload from source to destination (or to every registered
// session when destination is queue.BroadcastDestination) and returns the
// message identifier.
func (e *Engine) Route(ctx context.Context, sourceID, destinationID string, payload []byte, opts ...RouteOption) (string, error) {
	return e.router.Route(ctx, sourceID, destinationID, payload, opts...)
}

// ServeStream attaches the writer as the session's outbound stream and
// blocks until the stream ends: the caller's ctx is canceled (transport
// gone), the session is closed, or a newer stream displaces this one.
func (e *Engine) ServeStream(ctx context.Context, sessionID string, w StreamWriter) error {
	done, detach, err := e.mux.Attach(ctx, sessionID, w)
	if err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		detach()
		return ctx.Err()
	case <-done:
		// Ensure teardown bookkeeping runs even when the drain loop exited
		// on its own; detach on a displaced link is a no-op.
		detach()
		return nil
	}
}

// CloseSession terminally closes the session: stream stopped, queue and
// undelivered messages dropped, identifier unregistered. Closing an
// unknown session is a no-op so teardown races resolve quietly.
func (e *Engine) CloseSession(ctx context.Context, sessionID string) {
	sess, err := e.registry.Lookup(sessionID)
	if err != nil {
		return
	}
	if terr := sess.TransitionTo(sessions.StateClosed); terr != nil && !errors.Is(terr, sessions.ErrInvalidTransition) {
		e.log.Warn("engine.close.transition",
			slog.String("session_id", sessionID),
			slog.String("err", terr.Error()),
		)
	}
	e.registry.Remove(sessionID)

	e.log.InfoContext(ctx, "engine.session.closed",
		slog.String("session_id", sessionID),
	)
	if e.notifier != nil {
		e.notifier.SessionDisconnected(ctx, sessionID)
	}
}

// SessionStatus is a point-in-time view of one session.
type SessionStatus struct {
	ID           string         `json:"id"`
	Name         string         `json:"name"`
	State        sessions.State `json:"state"`
	Attached     bool           `json:"attached"`
	QueueDepth   int            `json:"queue_depth"`
	LastActivity time.Time      `json:"last_activity"`
	CreatedAt    time.Time      `json:"created_at"`
	Capabilities string         `json:"capabilities,omitempty"`
}

// Status reports the session's state, stream attachment, and queue depth.
func (e *Engine) Status(ctx context.Context, sessionID string) (SessionStatus, error) {
	sess, err := e.registry.Lookup(sessionID)
	if err != nil {
		return SessionStatus{}, err
	}

	depth, err := e.queues.PeekDepth(ctx, sessionID)
	if err != nil && !errors.Is(err, queue.ErrDestinationUnknown) {
		return SessionStatus{}, err
	}

	snap := sess.Status()
	return SessionStatus{
		ID:           snap.SessionID,
		Name:         snap.Name,
		State:        snap.State,
		Attached:     e.mux.attached(sessionID),
		QueueDepth:   depth,
		LastActivity: snap.LastActivity,
		CreatedAt:    snap.CreatedAt,
		Capabilities: sess.Meta().Capabilities,
	}, nil
}

// StatusAll reports every registered session. Sessions that disappear
// between the listing and the individual lookups are skipped.
func (e *Engine) StatusAll(ctx context.Context) ([]SessionStatus, error) {
	ids := e.registry.ListActive()
	out := make([]SessionStatus, 0, len(ids))
	for _, id := range ids {
		st, err := e.Status(ctx, id)
		if err != nil {
			if errors.Is(err, sessions.ErrSessionNotFound) {
				continue
			}
			return nil, err
		}
		out = append(out, st)
	}
	return out, nil
}
