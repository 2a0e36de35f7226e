package relay

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/relaykit/relay-server-go/queue"
	"github.com/relaykit/relay-server-go/queue/memory"
	"github.com/relaykit/relay-server-go/sessions"
)

func newTestEngine(t *testing.T, cfg Config, opts ...Option) *Engine {
	t.Helper()
	opts = append([]Option{WithLogger(discardLogger())}, opts...)
	return New(memory.New(), cfg, opts...)
}

func waitUntil(t *testing.T, desc string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", desc)
}

type recordingNotifier struct {
	mu           sync.Mutex
	connected    []string
	disconnected []string
}

func (n *recordingNotifier) SessionConnected(_ context.Context, sessionID string, _ sessions.Metadata) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.connected = append(n.connected, sessionID)
}

func (n *recordingNotifier) SessionDisconnected(_ context.Context, sessionID string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.disconnected = append(n.disconnected, sessionID)
}

func TestEngineRegisterRouteStream(t *testing.T) {
	e := newTestEngine(t, Config{HeartbeatInterval: time.Minute})
	ctx := context.Background()

	alice, err := e.Register(ctx, sessions.Metadata{Name: "alice"})
	if err != nil {
		t.Fatalf("register alice: %v", err)
	}
	bob, err := e.Register(ctx, sessions.Metadata{Name: "bob"})
	if err != nil {
		t.Fatalf("register bob: %v", err)
	}

	msgID, err := e.Route(ctx, alice, bob, []byte(`{"greeting":"hi"}`))
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	if msgID == "" {
		t.Fatal("route returned empty message id")
	}

	w := newCaptureStream()
	streamCtx, cancel := context.WithCancel(ctx)
	errCh := make(chan error, 1)
	go func() { errCh <- e.ServeStream(streamCtx, bob, w) }()

	env := w.next(t)
	if env.ID != msgID || env.Source != alice || env.Seq != 1 {
		t.Fatalf("envelope = %+v, want id %s from %s seq 1", env, msgID, alice)
	}

	cancel()
	if err := <-errCh; !errors.Is(err, context.Canceled) {
		t.Fatalf("ServeStream err = %v, want context.Canceled", err)
	}
}

func TestEngineRegisterRejectsInvalidMetadata(t *testing.T) {
	e := newTestEngine(t, Config{})
	_, err := e.Register(context.Background(), sessions.Metadata{Name: "   "})
	var rerr *sessions.RegistrationError
	if !errors.As(err, &rerr) {
		t.Fatalf("err = %v, want *RegistrationError", err)
	}
}

func TestEngineCapacityResolver(t *testing.T) {
	e := newTestEngine(t, Config{QueueCapacity: 64}, WithCapacityResolver(func(meta sessions.Metadata) int {
		if meta.Name == "small" {
			return 1
		}
		return 0
	}))
	ctx := context.Background()

	alice, err := e.Register(ctx, sessions.Metadata{Name: "alice"})
	if err != nil {
		t.Fatalf("register alice: %v", err)
	}
	small, err := e.Register(ctx, sessions.Metadata{Name: "small"})
	if err != nil {
		t.Fatalf("register small: %v", err)
	}

	if _, err := e.Route(ctx, alice, small, []byte(`{}`)); err != nil {
		t.Fatalf("first route: %v", err)
	}
	if _, err := e.Route(ctx, alice, small, []byte(`{}`)); err == nil {
		t.Fatal("second route to capacity-1 queue succeeded, want queue full")
	}
}

func TestEngineCloseSessionDropsEverything(t *testing.T) {
	e := newTestEngine(t, Config{})
	ctx := context.Background()
	notifier := &recordingNotifier{}
	e.notifier = notifier

	alice, err := e.Register(ctx, sessions.Metadata{Name: "alice"})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	bob, err := e.Register(ctx, sessions.Metadata{Name: "bob"})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := e.Route(ctx, alice, bob, []byte(`{}`)); err != nil {
		t.Fatalf("route: %v", err)
	}

	e.CloseSession(ctx, bob)

	if _, err := e.Status(ctx, bob); !errors.Is(err, sessions.ErrSessionNotFound) {
		t.Fatalf("status after close: err = %v, want ErrSessionNotFound", err)
	}
	if _, err := e.Route(ctx, alice, bob, []byte(`{}`)); err == nil {
		t.Fatal("route to closed session succeeded")
	}
	if _, err := e.Route(ctx, bob, alice, []byte(`{}`)); !errors.Is(err, ErrSourceClosed) {
		t.Fatalf("route from closed session: err = %v, want ErrSourceClosed", err)
	}

	notifier.mu.Lock()
	defer notifier.mu.Unlock()
	if len(notifier.disconnected) != 1 || notifier.disconnected[0] != bob {
		t.Fatalf("disconnected notifications = %v, want [%s]", notifier.disconnected, bob)
	}

	// Closing again is a quiet no-op.
	e.CloseSession(ctx, bob)
}

// stalledStream parks every envelope write until block is closed, ignoring
// both cancellation and Close, like a transport write backed up behind a
// client that stopped reading.
type stalledStream struct {
	writing chan struct{}
	block   chan struct{}
	once    sync.Once
}

func newStalledStream() *stalledStream {
	return &stalledStream{
		writing: make(chan struct{}),
		block:   make(chan struct{}),
	}
}

func (s *stalledStream) WriteEnvelope(context.Context, *queue.Envelope) error {
	s.once.Do(func() { close(s.writing) })
	<-s.block
	return errors.New("stream stalled")
}

func (s *stalledStream) WriteHeartbeat(context.Context) error { return nil }

func (s *stalledStream) Close() error { return nil }

func TestEngineCloseSessionNotBlockedByStalledWrite(t *testing.T) {
	e := newTestEngine(t, Config{HeartbeatInterval: time.Minute})
	ctx := context.Background()

	alice, err := e.Register(ctx, sessions.Metadata{Name: "alice"})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	bob, err := e.Register(ctx, sessions.Metadata{Name: "bob"})
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	s := newStalledStream()
	t.Cleanup(func() { close(s.block) })

	streamCtx, cancelStream := context.WithCancel(ctx)
	defer cancelStream()
	go func() { _ = e.ServeStream(streamCtx, bob, s) }()

	if _, err := e.Route(ctx, alice, bob, []byte(`{}`)); err != nil {
		t.Fatalf("route: %v", err)
	}
	select {
	case <-s.writing:
	case <-time.After(2 * time.Second):
		t.Fatal("drain loop never reached the stream write")
	}

	// The drain loop is parked inside the transport write; closing the
	// session must still complete so the sweeper behind it keeps serving
	// other sessions.
	closed := make(chan struct{})
	go func() {
		e.CloseSession(ctx, bob)
		close(closed)
	}()
	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("CloseSession blocked behind a stalled stream write")
	}

	if _, err := e.Status(ctx, bob); !errors.Is(err, sessions.ErrSessionNotFound) {
		t.Fatalf("status after close: err = %v, want ErrSessionNotFound", err)
	}
}

func TestEngineIdleTimeoutClosesHealthySession(t *testing.T) {
	e := newTestEngine(t, Config{
		HeartbeatInterval: 5 * time.Millisecond,
		IdleTimeout:       40 * time.Millisecond,
		SweepInterval:     5 * time.Millisecond,
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go e.Run(ctx)

	bob, err := e.Register(ctx, sessions.Metadata{Name: "bob"})
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	// An attached stream receiving heartbeats is healthy but not active
	// traffic; the idle timer still fires.
	w := newCaptureStream()
	errCh := make(chan error, 1)
	go func() { errCh <- e.ServeStream(ctx, bob, w) }()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			t.Fatalf("ServeStream err = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("idle session was not closed")
	}
	if _, err := e.Status(ctx, bob); !errors.Is(err, sessions.ErrSessionNotFound) {
		t.Fatalf("status = %v, want ErrSessionNotFound", err)
	}
}

func TestEngineReconnectDeadlineClosesDegraded(t *testing.T) {
	e := newTestEngine(t, Config{
		HeartbeatInterval: time.Minute,
		ReconnectDeadline: 30 * time.Millisecond,
		IdleTimeout:       time.Hour,
		SweepInterval:     5 * time.Millisecond,
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go e.Run(ctx)

	bob, err := e.Register(ctx, sessions.Metadata{Name: "bob"})
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	w := newCaptureStream()
	streamCtx, streamCancel := context.WithCancel(ctx)
	errCh := make(chan error, 1)
	go func() { errCh <- e.ServeStream(streamCtx, bob, w) }()

	waitUntil(t, "stream attached", func() bool {
		st, err := e.Status(ctx, bob)
		return err == nil && st.Attached
	})

	// Drop the transport and never reconnect.
	streamCancel()
	<-errCh

	waitUntil(t, "session closed after reconnect deadline", func() bool {
		_, err := e.Status(ctx, bob)
		return errors.Is(err, sessions.ErrSessionNotFound)
	})
}

func TestEngineStatus(t *testing.T) {
	e := newTestEngine(t, Config{HeartbeatInterval: time.Minute})
	ctx := context.Background()

	alice, err := e.Register(ctx, sessions.Metadata{Name: "alice", Capabilities: "send,receive"})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	bob, err := e.Register(ctx, sessions.Metadata{Name: "bob"})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := e.Route(ctx, alice, bob, []byte(`{}`)); err != nil {
		t.Fatalf("route: %v", err)
	}

	st, err := e.Status(ctx, bob)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if st.ID != bob || st.Name != "bob" || st.State != sessions.StateConnecting {
		t.Fatalf("status = %+v", st)
	}
	if st.Attached {
		t.Fatal("attached = true for streamless session")
	}
	if st.QueueDepth != 1 {
		t.Fatalf("queue depth = %d, want 1", st.QueueDepth)
	}

	all, err := e.StatusAll(ctx)
	if err != nil {
		t.Fatalf("status all: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("len(all) = %d, want 2", len(all))
	}
}
