package relay

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/relaykit/relay-server-go/queue"
	"github.com/relaykit/relay-server-go/sessions"
)

// StreamWriter is the transport half of an attached outbound stream. The
// multiplexer serializes calls on a single writer.
type StreamWriter interface {
	// WriteEnvelope delivers one message frame. It must not return nil
	// until the frame is flushed to the transport.
	WriteEnvelope(ctx context.Context, env *queue.Envelope) error
	// WriteHeartbeat emits a keep-alive frame carrying no message.
	WriteHeartbeat(ctx context.Context) error
	// Close releases the transport. A call racing an in-flight write
	// must make that write return promptly; transport writes are not
	// cancelable through ctx alone.
	Close() error
}

// Multiplexer owns one drain loop per attached session. Each loop moves
// envelopes from the session's queue onto its StreamWriter in order, and
// removes an envelope from the queue only after the write has completed.
// Stopping a loop therefore never drops a queued message: anything not yet
// fully written stays queued for the next attachment.
type Multiplexer struct {
	log       *slog.Logger
	registry  *sessions.Registry
	queues    queue.Manager
	heartbeat time.Duration

	mu          sync.Mutex
	links       map[string]*link
	attachLocks map[string]*sync.Mutex
}

// link is one attachment: a writer plus the drain goroutine feeding it.
type link struct {
	sessionID string
	writer    StreamWriter
	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
}

func newMultiplexer(registry *sessions.Registry, queues queue.Manager, heartbeat time.Duration, log *slog.Logger) *Multiplexer {
	return &Multiplexer{
		log:         log,
		registry:    registry,
		queues:      queues,
		heartbeat:   heartbeat,
		links:       make(map[string]*link),
		attachLocks: make(map[string]*sync.Mutex),
	}
}

// attachLock returns the session's attach/detach serialization lock,
// creating it on first use. Holding it across displace-wait-install keeps
// at most one drain loop alive per session even when attaches race.
func (m *Multiplexer) attachLock(sessionID string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	al := m.attachLocks[sessionID]
	if al == nil {
		al = &sync.Mutex{}
		m.attachLocks[sessionID] = al
	}
	return al
}

// Attach binds a writer to the session's queue and starts draining. It
// returns a channel closed when the drain loop exits and a detach func the
// caller runs when its transport goes away. At most one stream per session:
// a second Attach displaces the first, waiting for the old loop to finish
// its in-flight write before the new loop starts.
func (m *Multiplexer) Attach(ctx context.Context, sessionID string, w StreamWriter) (<-chan struct{}, func(), error) {
	sess, err := m.registry.Lookup(sessionID)
	if err != nil {
		return nil, nil, err
	}

	// Serialize with other attaches and detaches for this session: the
	// displaced loop must be fully stopped before its successor installs,
	// or two loops would pop from one queue.
	al := m.attachLock(sessionID)
	al.Lock()
	defer al.Unlock()

	switch sess.State() {
	case sessions.StateConnecting:
		if err := sess.TransitionTo(sessions.StateActive); err != nil {
			return nil, nil, err
		}
	case sessions.StateDegraded:
		if err := sess.TransitionTo(sessions.StateReconnecting); err != nil {
			return nil, nil, err
		}
		if err := sess.TransitionTo(sessions.StateActive); err != nil {
			return nil, nil, err
		}
	case sessions.StateActive:
		// Replacement attach; the session stays active throughout.
	default:
		return nil, nil, sessions.ErrSessionNotFound
	}

	m.mu.Lock()
	old := m.links[sessionID]
	delete(m.links, sessionID)
	m.mu.Unlock()

	if old != nil {
		old.cancel()
		// Close is what unblocks a write stuck in the transport; cancel
		// alone does not interrupt it.
		_ = old.writer.Close()
		<-old.done
	}

	// The loop's lifetime is owned by cancel, not the attach request
	// context: the HTTP request context belongs to the caller's select.
	loopCtx, cancel := context.WithCancel(context.Background())
	l := &link{
		sessionID: sessionID,
		writer:    w,
		ctx:       loopCtx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}

	m.mu.Lock()
	m.links[sessionID] = l
	m.mu.Unlock()

	go m.drain(l)

	detach := func() { m.detachLink(l, true) }
	return l.done, detach, nil
}

// Detach stops the session's current stream, if any, marking the session
// degraded. Queued messages are retained for a future reattachment.
func (m *Multiplexer) Detach(sessionID string) {
	m.mu.Lock()
	l := m.links[sessionID]
	m.mu.Unlock()
	if l != nil {
		m.detachLink(l, true)
	}
}

// release tears down the session's stream without a state transition; the
// caller is closing the session and owns the terminal transition. It never
// waits for the drain loop: a client stalled mid-write must not block
// teardown, and the sweep goroutine behind it, for other sessions. The
// loop exits on its own once cancel and Close land; the queue is being
// dropped, so nothing is lost by not waiting.
func (m *Multiplexer) release(sessionID string) {
	m.mu.Lock()
	l := m.links[sessionID]
	delete(m.links, sessionID)
	delete(m.attachLocks, sessionID)
	m.mu.Unlock()
	if l != nil {
		l.cancel()
		_ = l.writer.Close()
	}
}

// detachLink stops one specific link. Removing the link from the map under
// the lock decides which caller performs the degraded transition when a
// detach races a replacement attach or a self-detach from the drain loop.
// The attach lock keeps a reattach from installing a new loop while this
// one is still settling its in-flight write.
func (m *Multiplexer) detachLink(l *link, degrade bool) {
	al := m.attachLock(l.sessionID)
	al.Lock()
	defer al.Unlock()

	m.mu.Lock()
	current := m.links[l.sessionID] == l
	if current {
		delete(m.links, l.sessionID)
	}
	m.mu.Unlock()

	l.cancel()
	_ = l.writer.Close()
	if !current {
		// A replacement attach or the session release owns this link's
		// settling.
		return
	}
	<-l.done

	if !degrade {
		return
	}
	sess, err := m.registry.Lookup(l.sessionID)
	if err != nil {
		return
	}
	if err := sess.TransitionTo(sessions.StateDegraded); err != nil && !errors.Is(err, sessions.ErrInvalidTransition) {
		m.log.Warn("mux.detach.transition",
			slog.String("session_id", l.sessionID),
			slog.String("err", err.Error()),
		)
	}
}

// drain is the per-link pump: peek, write, pop, repeat; wait with a
// heartbeat deadline when the queue is empty.
func (m *Multiplexer) drain(l *link) {
	defer close(l.done)

	for {
		env, err := m.queues.Peek(l.ctx, l.sessionID)
		switch {
		case err == nil:
			if werr := l.writer.WriteEnvelope(l.ctx, env); werr != nil {
				if l.ctx.Err() == nil {
					m.log.Warn("mux.drain.write_failed",
						slog.String("session_id", l.sessionID),
						slog.String("message_id", env.ID),
						slog.String("err", werr.Error()),
					)
					go m.detachLink(l, true)
				}
				return
			}
			// The write flushed; commit the pop even if a detach lands
			// right now, so a successor stream never repeats this message.
			if _, perr := m.queues.DequeueNext(context.WithoutCancel(l.ctx), l.sessionID); perr != nil {
				if !errors.Is(perr, queue.ErrDestinationUnknown) && l.ctx.Err() == nil {
					m.log.Error("mux.drain.pop_failed",
						slog.String("session_id", l.sessionID),
						slog.String("err", perr.Error()),
					)
				}
				return
			}

		case errors.Is(err, queue.ErrEmpty):
			if stop := m.idleWait(l); stop {
				return
			}

		case errors.Is(err, queue.ErrDestinationUnknown):
			// The queue was released out from under us; the session is
			// being torn down elsewhere.
			go m.detachLink(l, false)
			return

		default:
			if l.ctx.Err() == nil {
				m.log.Error("mux.drain.peek_failed",
					slog.String("session_id", l.sessionID),
					slog.String("err", err.Error()),
				)
				go m.detachLink(l, true)
			}
			return
		}
	}
}

// idleWait blocks until the queue has work or the heartbeat interval
// elapses, emitting a keep-alive frame on the latter. It reports whether
// the drain loop should exit.
func (m *Multiplexer) idleWait(l *link) bool {
	waitCtx, cancel := context.WithTimeout(l.ctx, m.heartbeat)
	err := m.queues.Wait(waitCtx, l.sessionID)
	cancel()

	switch {
	case err == nil:
		return false
	case errors.Is(err, context.DeadlineExceeded) && l.ctx.Err() == nil:
		if herr := l.writer.WriteHeartbeat(l.ctx); herr != nil {
			if l.ctx.Err() == nil {
				go m.detachLink(l, true)
			}
			return true
		}
		return false
	case errors.Is(err, queue.ErrDestinationUnknown):
		go m.detachLink(l, false)
		return true
	default:
		return true
	}
}

// attached reports whether the session currently has a live stream.
func (m *Multiplexer) attached(sessionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.links[sessionID]
	return ok
}
