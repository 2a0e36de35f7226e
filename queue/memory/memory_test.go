package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/relaykit/relay-server-go/queue"
	"github.com/relaykit/relay-server-go/queue/queuetest"
)

func TestManagerConformance(t *testing.T) {
	queuetest.RunManagerTests(t, func(t *testing.T) queue.Manager {
		return New()
	})
}

func TestDedupRetentionExpires(t *testing.T) {
	m := New(WithDedupRetention(20 * time.Millisecond))
	ctx := context.Background()
	if err := m.Bind(ctx, "b", 4); err != nil {
		t.Fatalf("Bind: %v", err)
	}

	env := &queue.Envelope{ID: "m1", Source: "a", Destination: "b", Seq: 1, EnqueuedAt: time.Now()}
	if _, err := m.Enqueue(ctx, env); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	time.Sleep(50 * time.Millisecond)

	// The dedup window has passed; the same ID is now judged on sequence
	// alone and rejected as a replay rather than absorbed as a duplicate.
	retry := *env
	if _, err := m.Enqueue(ctx, &retry); !errors.Is(err, queue.ErrOutOfOrder) {
		t.Fatalf("stale retry: err = %v, want ErrOutOfOrder", err)
	}
}

func TestReleaseWakesWaiters(t *testing.T) {
	m := New()
	ctx := context.Background()
	if err := m.Bind(ctx, "b", 4); err != nil {
		t.Fatalf("Bind: %v", err)
	}

	waitErr := make(chan error, 1)
	go func() { waitErr <- m.Wait(ctx, "b") }()
	time.Sleep(50 * time.Millisecond)

	if err := m.Release(ctx, "b"); err != nil {
		t.Fatalf("Release: %v", err)
	}

	select {
	case err := <-waitErr:
		if !errors.Is(err, queue.ErrDestinationUnknown) {
			t.Fatalf("Wait after release: err = %v, want ErrDestinationUnknown", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Wait did not return after Release")
	}
}

func TestConcurrentEnqueueDistinctDestinations(t *testing.T) {
	m := New()
	ctx := context.Background()

	const sessions = 8
	const perSession = 50
	for i := 0; i < sessions; i++ {
		if err := m.Bind(ctx, dest(i), perSession); err != nil {
			t.Fatalf("Bind: %v", err)
		}
	}

	var wg sync.WaitGroup
	for i := 0; i < sessions; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for seq := uint64(1); seq <= perSession; seq++ {
				env := &queue.Envelope{
					ID:          fmt.Sprintf("%s/%d", dest(i), seq),
					Source:      "src",
					Destination: dest(i),
					Seq:         seq,
					EnqueuedAt:  time.Now(),
				}
				if _, err := m.Enqueue(ctx, env); err != nil {
					t.Errorf("Enqueue %s seq %d: %v", dest(i), seq, err)
					return
				}
			}
		}(i)
	}
	wg.Wait()

	for i := 0; i < sessions; i++ {
		depth, err := m.PeekDepth(ctx, dest(i))
		if err != nil {
			t.Fatalf("PeekDepth: %v", err)
		}
		if depth != perSession {
			t.Fatalf("depth for %s = %d, want %d", dest(i), depth, perSession)
		}
	}
}

func dest(i int) string { return "sess-" + string(rune('a'+i)) }
