package relay

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/relaykit/relay-server-go/queue"
	"github.com/relaykit/relay-server-go/queue/memory"
	"github.com/relaykit/relay-server-go/sessions"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestRouter(t *testing.T) (*Router, *sessions.Registry, queue.Manager) {
	t.Helper()
	reg := sessions.NewRegistry()
	mgr := memory.New()
	return newRouter(reg, mgr, discardLogger()), reg, mgr
}

func registerBound(t *testing.T, reg *sessions.Registry, mgr queue.Manager, name string, capacity int) string {
	t.Helper()
	id, err := reg.Register(context.Background(), sessions.Metadata{Name: name})
	if err != nil {
		t.Fatalf("register %s: %v", name, err)
	}
	if err := mgr.Bind(context.Background(), id, capacity); err != nil {
		t.Fatalf("bind %s: %v", name, err)
	}
	return id
}

func TestRouteAssignsSequencePerPair(t *testing.T) {
	router, reg, mgr := newTestRouter(t)
	ctx := context.Background()

	alice := registerBound(t, reg, mgr, "alice", 16)
	bob := registerBound(t, reg, mgr, "bob", 16)
	carol := registerBound(t, reg, mgr, "carol", 16)

	for i := 0; i < 3; i++ {
		if _, err := router.Route(ctx, alice, bob, []byte(`{"n":1}`)); err != nil {
			t.Fatalf("route alice->bob #%d: %v", i, err)
		}
	}
	// A different pair starts its own sequence at one.
	if _, err := router.Route(ctx, carol, bob, []byte(`{"n":2}`)); err != nil {
		t.Fatalf("route carol->bob: %v", err)
	}

	var seqs []uint64
	for {
		env, err := mgr.DequeueNext(ctx, bob)
		if errors.Is(err, queue.ErrEmpty) {
			break
		}
		if err != nil {
			t.Fatalf("dequeue: %v", err)
		}
		seqs = append(seqs, env.Seq)
	}
	want := []uint64{1, 2, 3, 1}
	if len(seqs) != len(want) {
		t.Fatalf("got %d envelopes, want %d", len(seqs), len(want))
	}
	for i := range want {
		if seqs[i] != want[i] {
			t.Fatalf("seqs = %v, want %v", seqs, want)
		}
	}
}

func TestRouteUnknownSourceReportsClosed(t *testing.T) {
	router, reg, mgr := newTestRouter(t)
	bob := registerBound(t, reg, mgr, "bob", 16)

	_, err := router.Route(context.Background(), "no-such-session", bob, []byte(`{}`))
	if !errors.Is(err, ErrSourceClosed) {
		t.Fatalf("err = %v, want ErrSourceClosed", err)
	}

	var rerr *RouteError
	if !errors.As(err, &rerr) {
		t.Fatalf("err = %T, want *RouteError", err)
	}
	if rerr.Source != "no-such-session" || rerr.Destination != bob {
		t.Fatalf("RouteError fields = %q -> %q", rerr.Source, rerr.Destination)
	}
}

func TestRouteQueueFullSurfaced(t *testing.T) {
	router, reg, mgr := newTestRouter(t)
	ctx := context.Background()

	alice := registerBound(t, reg, mgr, "alice", 16)
	bob := registerBound(t, reg, mgr, "bob", 2)

	for i := 0; i < 2; i++ {
		if _, err := router.Route(ctx, alice, bob, []byte(`{}`)); err != nil {
			t.Fatalf("route #%d: %v", i, err)
		}
	}
	if _, err := router.Route(ctx, alice, bob, []byte(`{}`)); !errors.Is(err, queue.ErrQueueFull) {
		t.Fatalf("third route: err = %v, want ErrQueueFull", err)
	}

	// The rejected message must not burn a sequence number: draining one
	// slot admits the retry in order.
	if _, err := mgr.DequeueNext(ctx, bob); err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if _, err := router.Route(ctx, alice, bob, []byte(`{}`)); err != nil {
		t.Fatalf("retry after drain: %v", err)
	}
}

func TestRouteDuplicateMessageID(t *testing.T) {
	router, reg, mgr := newTestRouter(t)
	ctx := context.Background()

	alice := registerBound(t, reg, mgr, "alice", 16)
	bob := registerBound(t, reg, mgr, "bob", 16)

	id1, err := router.Route(ctx, alice, bob, []byte(`{}`), WithMessageID("msg-1"))
	if err != nil {
		t.Fatalf("first route: %v", err)
	}
	id2, err := router.Route(ctx, alice, bob, []byte(`{}`), WithMessageID("msg-1"))
	if err != nil {
		t.Fatalf("retried route: %v", err)
	}
	if id1 != "msg-1" || id2 != "msg-1" {
		t.Fatalf("ids = %q, %q, want both msg-1", id1, id2)
	}

	depth, err := mgr.PeekDepth(ctx, bob)
	if err != nil {
		t.Fatalf("depth: %v", err)
	}
	if depth != 1 {
		t.Fatalf("depth = %d, want 1 (retry deduplicated)", depth)
	}
}

func TestRouteBroadcastSnapshot(t *testing.T) {
	router, reg, mgr := newTestRouter(t)
	ctx := context.Background()

	alice := registerBound(t, reg, mgr, "alice", 16)
	bob := registerBound(t, reg, mgr, "bob", 16)
	carol := registerBound(t, reg, mgr, "carol", 16)

	msgID, err := router.Route(ctx, alice, queue.BroadcastDestination, []byte(`{"hello":true}`))
	if err != nil {
		t.Fatalf("broadcast: %v", err)
	}

	// A session registered after the fan-out receives nothing.
	dave := registerBound(t, reg, mgr, "dave", 16)

	for _, dst := range []string{alice, bob, carol} {
		env, err := mgr.DequeueNext(ctx, dst)
		if err != nil {
			t.Fatalf("dequeue %s: %v", dst, err)
		}
		if env.ID != msgID {
			t.Fatalf("envelope id for %s = %q, want %q", dst, env.ID, msgID)
		}
		if env.Source != alice {
			t.Fatalf("envelope source for %s = %q, want %q", dst, env.Source, alice)
		}
	}

	if depth, _ := mgr.PeekDepth(ctx, dave); depth != 0 {
		t.Fatalf("late registrant depth = %d, want 0", depth)
	}
}

func TestRouteBroadcastBestEffort(t *testing.T) {
	router, reg, mgr := newTestRouter(t)
	ctx := context.Background()

	alice := registerBound(t, reg, mgr, "alice", 16)
	bob := registerBound(t, reg, mgr, "bob", 1)
	carol := registerBound(t, reg, mgr, "carol", 16)

	// Fill bob's single slot so the broadcast copy to bob is rejected.
	if _, err := router.Route(ctx, alice, bob, []byte(`{}`)); err != nil {
		t.Fatalf("fill bob: %v", err)
	}

	if _, err := router.Route(ctx, alice, queue.BroadcastDestination, []byte(`{}`)); err != nil {
		t.Fatalf("broadcast with one full destination: %v", err)
	}

	if depth, _ := mgr.PeekDepth(ctx, carol); depth != 1 {
		t.Fatalf("carol depth = %d, want 1", depth)
	}
}

func TestRouteForgetResetsSequence(t *testing.T) {
	router, reg, mgr := newTestRouter(t)
	ctx := context.Background()

	alice := registerBound(t, reg, mgr, "alice", 16)
	bob := registerBound(t, reg, mgr, "bob", 16)

	if _, err := router.Route(ctx, alice, bob, []byte(`{}`)); err != nil {
		t.Fatalf("route: %v", err)
	}

	// Simulate bob's teardown and re-registration under a fresh queue.
	router.forget(bob)
	if err := mgr.Release(ctx, bob); err != nil {
		t.Fatalf("release: %v", err)
	}
	if err := mgr.Bind(ctx, bob, 16); err != nil {
		t.Fatalf("rebind: %v", err)
	}

	if _, err := router.Route(ctx, alice, bob, []byte(`{}`)); err != nil {
		t.Fatalf("route after reset: %v", err)
	}
	env, err := mgr.DequeueNext(ctx, bob)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if env.Seq != 1 {
		t.Fatalf("seq after reset = %d, want 1", env.Seq)
	}
}
