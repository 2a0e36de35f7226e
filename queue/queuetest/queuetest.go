// Package queuetest provides a conformance suite for queue.Manager
// implementations. Both the memory and redis managers run this suite so the
// admission semantics stay aligned.
package queuetest

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/relaykit/relay-server-go/queue"
)

// ManagerFactory creates a fresh manager for a test. Implementations must
// isolate state between calls (e.g. distinct key prefixes for shared
// backends).
type ManagerFactory func(t *testing.T) queue.Manager

// RunManagerTests runs the complete queue manager test suite against the
// provided factory.
func RunManagerTests(t *testing.T, factory ManagerFactory) {
	t.Run("EnqueueDequeuePreservesOrder", func(t *testing.T) { testOrdering(t, factory) })
	t.Run("EnqueuePastCapacityReturnsQueueFull", func(t *testing.T) { testCapacity(t, factory) })
	t.Run("EnqueueOutOfOrderRejected", func(t *testing.T) { testOutOfOrder(t, factory) })
	t.Run("DuplicateMessageIDIsIdempotent", func(t *testing.T) { testDuplicate(t, factory) })
	t.Run("UnknownDestinationRejected", func(t *testing.T) { testUnknownDestination(t, factory) })
	t.Run("ReleaseIsIdempotent", func(t *testing.T) { testReleaseIdempotent(t, factory) })
	t.Run("PeekDoesNotConsume", func(t *testing.T) { testPeek(t, factory) })
	t.Run("WaitWakesOnEnqueue", func(t *testing.T) { testWaitWakeup(t, factory) })
	t.Run("WaitReturnsImmediatelyWhenNonEmpty", func(t *testing.T) { testWaitNonEmpty(t, factory) })
	t.Run("IndependentSequencesPerSource", func(t *testing.T) { testPerSourceSequences(t, factory) })
}

func envelope(source, dest string, seq uint64) *queue.Envelope {
	return &queue.Envelope{
		ID:          fmt.Sprintf("%s-%s-%d", source, dest, seq),
		Source:      source,
		Destination: dest,
		Seq:         seq,
		Payload:     []byte(`{"n":` + fmt.Sprint(seq) + `}`),
		EnqueuedAt:  time.Now().UTC(),
	}
}

func mustBind(t *testing.T, m queue.Manager, dest string, capacity int) {
	t.Helper()
	if err := m.Bind(context.Background(), dest, capacity); err != nil {
		t.Fatalf("Bind(%q): %v", dest, err)
	}
}

func mustAccept(t *testing.T, m queue.Manager, env *queue.Envelope) {
	t.Helper()
	disp, err := m.Enqueue(context.Background(), env)
	if err != nil {
		t.Fatalf("Enqueue(%s seq=%d): %v", env.ID, env.Seq, err)
	}
	if disp != queue.DispositionAccepted {
		t.Fatalf("Enqueue(%s): disposition = %v, want accepted", env.ID, disp)
	}
}

func testOrdering(t *testing.T, factory ManagerFactory) {
	m := factory(t)
	ctx := context.Background()
	mustBind(t, m, "b", 16)

	for seq := uint64(1); seq <= 5; seq++ {
		mustAccept(t, m, envelope("a", "b", seq))
	}

	for seq := uint64(1); seq <= 5; seq++ {
		env, err := m.DequeueNext(ctx, "b")
		if err != nil {
			t.Fatalf("DequeueNext: %v", err)
		}
		if env.Seq != seq {
			t.Fatalf("dequeue order broken: got seq %d, want %d", env.Seq, seq)
		}
	}
	if _, err := m.DequeueNext(ctx, "b"); !errors.Is(err, queue.ErrEmpty) {
		t.Fatalf("DequeueNext on drained queue: err = %v, want ErrEmpty", err)
	}
}

func testCapacity(t *testing.T, factory ManagerFactory) {
	m := factory(t)
	ctx := context.Background()
	mustBind(t, m, "c", 2)

	mustAccept(t, m, envelope("a", "c", 1))
	mustAccept(t, m, envelope("a", "c", 2))

	_, err := m.Enqueue(ctx, envelope("a", "c", 3))
	if !errors.Is(err, queue.ErrQueueFull) {
		t.Fatalf("third enqueue: err = %v, want ErrQueueFull", err)
	}

	// Existing entries must be untouched by the rejection.
	depth, err := m.PeekDepth(ctx, "c")
	if err != nil {
		t.Fatalf("PeekDepth: %v", err)
	}
	if depth != 2 {
		t.Fatalf("depth after rejection = %d, want 2", depth)
	}
	env, err := m.DequeueNext(ctx, "c")
	if err != nil || env.Seq != 1 {
		t.Fatalf("head after rejection: env=%+v err=%v, want seq 1", env, err)
	}

	// The freed slot admits the retried sequence.
	mustAccept(t, m, envelope("a", "c", 3))
}

func testOutOfOrder(t *testing.T, factory ManagerFactory) {
	m := factory(t)
	ctx := context.Background()
	mustBind(t, m, "b", 16)

	mustAccept(t, m, envelope("a", "b", 1))

	if _, err := m.Enqueue(ctx, envelope("a", "b", 3)); !errors.Is(err, queue.ErrOutOfOrder) {
		t.Fatalf("gap enqueue: err = %v, want ErrOutOfOrder", err)
	}
	replay := envelope("a", "b", 1)
	replay.ID = "fresh-id-for-replayed-seq"
	if _, err := m.Enqueue(ctx, replay); !errors.Is(err, queue.ErrOutOfOrder) {
		t.Fatalf("replayed seq with fresh ID: err = %v, want ErrOutOfOrder", err)
	}

	// The rejections must not advance the pair sequence.
	mustAccept(t, m, envelope("a", "b", 2))
}

func testDuplicate(t *testing.T, factory ManagerFactory) {
	m := factory(t)
	ctx := context.Background()
	mustBind(t, m, "b", 16)

	env := envelope("a", "b", 1)
	mustAccept(t, m, env)

	retry := *env
	disp, err := m.Enqueue(ctx, &retry)
	if err != nil {
		t.Fatalf("duplicate enqueue: %v", err)
	}
	if disp != queue.DispositionDuplicate {
		t.Fatalf("duplicate enqueue: disposition = %v, want duplicate", disp)
	}

	depth, err := m.PeekDepth(ctx, "b")
	if err != nil {
		t.Fatalf("PeekDepth: %v", err)
	}
	if depth != 1 {
		t.Fatalf("duplicate created a queue entry: depth = %d, want 1", depth)
	}
}

func testUnknownDestination(t *testing.T, factory ManagerFactory) {
	m := factory(t)
	ctx := context.Background()

	if _, err := m.Enqueue(ctx, envelope("a", "nowhere", 1)); !errors.Is(err, queue.ErrDestinationUnknown) {
		t.Fatalf("Enqueue: err = %v, want ErrDestinationUnknown", err)
	}
	if _, err := m.Peek(ctx, "nowhere"); !errors.Is(err, queue.ErrDestinationUnknown) {
		t.Fatalf("Peek: err = %v, want ErrDestinationUnknown", err)
	}
	if _, err := m.DequeueNext(ctx, "nowhere"); !errors.Is(err, queue.ErrDestinationUnknown) {
		t.Fatalf("DequeueNext: err = %v, want ErrDestinationUnknown", err)
	}
	if _, err := m.PeekDepth(ctx, "nowhere"); !errors.Is(err, queue.ErrDestinationUnknown) {
		t.Fatalf("PeekDepth: err = %v, want ErrDestinationUnknown", err)
	}
	if err := m.Wait(ctx, "nowhere"); !errors.Is(err, queue.ErrDestinationUnknown) {
		t.Fatalf("Wait: err = %v, want ErrDestinationUnknown", err)
	}
}

func testReleaseIdempotent(t *testing.T, factory ManagerFactory) {
	m := factory(t)
	ctx := context.Background()
	mustBind(t, m, "b", 16)
	mustAccept(t, m, envelope("a", "b", 1))

	if err := m.Release(ctx, "b"); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if err := m.Release(ctx, "b"); err != nil {
		t.Fatalf("second Release: %v", err)
	}
	if _, err := m.Peek(ctx, "b"); !errors.Is(err, queue.ErrDestinationUnknown) {
		t.Fatalf("Peek after release: err = %v, want ErrDestinationUnknown", err)
	}
}

func testPeek(t *testing.T, factory ManagerFactory) {
	m := factory(t)
	ctx := context.Background()
	mustBind(t, m, "b", 16)
	mustAccept(t, m, envelope("a", "b", 1))

	for i := 0; i < 3; i++ {
		env, err := m.Peek(ctx, "b")
		if err != nil {
			t.Fatalf("Peek: %v", err)
		}
		if env.Seq != 1 {
			t.Fatalf("Peek returned seq %d, want 1", env.Seq)
		}
	}
	depth, err := m.PeekDepth(ctx, "b")
	if err != nil || depth != 1 {
		t.Fatalf("depth after peeks = %d (err %v), want 1", depth, err)
	}
}

func testWaitWakeup(t *testing.T, factory ManagerFactory) {
	m := factory(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	mustBind(t, m, "b", 16)

	waitErr := make(chan error, 1)
	go func() { waitErr <- m.Wait(ctx, "b") }()

	// Give the waiter time to block before waking it.
	time.Sleep(50 * time.Millisecond)
	mustAccept(t, m, envelope("a", "b", 1))

	select {
	case err := <-waitErr:
		if err != nil {
			t.Fatalf("Wait: %v", err)
		}
	case <-ctx.Done():
		t.Fatal("Wait did not wake after enqueue")
	}
}

func testWaitNonEmpty(t *testing.T, factory ManagerFactory) {
	m := factory(t)
	mustBind(t, m, "b", 16)
	mustAccept(t, m, envelope("a", "b", 1))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := m.Wait(ctx, "b"); err != nil {
		t.Fatalf("Wait on non-empty queue: %v", err)
	}
}

func testPerSourceSequences(t *testing.T, factory ManagerFactory) {
	m := factory(t)
	mustBind(t, m, "dst", 16)

	// Two sources interleave; each pair's sequence advances independently.
	mustAccept(t, m, envelope("a", "dst", 1))
	mustAccept(t, m, envelope("b", "dst", 1))
	mustAccept(t, m, envelope("a", "dst", 2))
	mustAccept(t, m, envelope("b", "dst", 2))

	var got []string
	for {
		env, err := m.DequeueNext(context.Background(), "dst")
		if errors.Is(err, queue.ErrEmpty) {
			break
		}
		if err != nil {
			t.Fatalf("DequeueNext: %v", err)
		}
		got = append(got, fmt.Sprintf("%s/%d", env.Source, env.Seq))
	}
	want := []string{"a/1", "b/1", "a/2", "b/2"}
	if len(got) != len(want) {
		t.Fatalf("drained %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("drain order %v, want %v", got, want)
		}
	}
}
