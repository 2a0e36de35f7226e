package sessions

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestRegisterAssignsUniqueIDs(t *testing.T) {
	r := NewRegistry()
	ctx := context.Background()

	seen := make(map[string]bool)
	for i := 0; i < 10; i++ {
		id, err := r.Register(ctx, Metadata{Name: "client"})
		if err != nil {
			t.Fatalf("Register: %v", err)
		}
		if seen[id] {
			t.Fatalf("duplicate session id %q", id)
		}
		seen[id] = true
	}
	if r.Len() != 10 {
		t.Fatalf("Len = %d, want 10", r.Len())
	}
}

func TestRegisterStartsConnecting(t *testing.T) {
	r := NewRegistry()
	id, err := r.Register(context.Background(), Metadata{Name: "editor", Capabilities: "code review"})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	sess, err := r.Lookup(id)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if sess.State() != StateConnecting {
		t.Fatalf("state = %s, want %s", sess.State(), StateConnecting)
	}
	if sess.Meta().Name != "editor" {
		t.Fatalf("meta name = %q, want %q", sess.Meta().Name, "editor")
	}
	if sess.CreatedAt().IsZero() {
		t.Fatal("created-at not set")
	}
}

func TestRegisterRejectsInvalidMetadata(t *testing.T) {
	r := NewRegistry()
	_, err := r.Register(context.Background(), Metadata{Name: "   "})
	var regErr *RegistrationError
	if !errors.As(err, &regErr) {
		t.Fatalf("err = %v, want *RegistrationError", err)
	}
	if r.Len() != 0 {
		t.Fatalf("rejected registration created a session")
	}
}

func TestCustomValidator(t *testing.T) {
	r := NewRegistry(WithValidator(func(meta Metadata) error {
		if meta.Capabilities == "" {
			return errors.New("capabilities required")
		}
		return nil
	}))

	if _, err := r.Register(context.Background(), Metadata{Name: "x"}); err == nil {
		t.Fatal("expected validation error")
	}
	if _, err := r.Register(context.Background(), Metadata{Name: "x", Capabilities: "y"}); err != nil {
		t.Fatalf("Register: %v", err)
	}
}

func TestLookupUnknown(t *testing.T) {
	r := NewRegistry()
	if _, err := r.Lookup("missing"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("err = %v, want ErrSessionNotFound", err)
	}
}

func TestRemoveIsIdempotentAndRunsHooksOnce(t *testing.T) {
	r := NewRegistry()
	id, err := r.Register(context.Background(), Metadata{Name: "c"})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	var calls int
	r.OnRemove(func(sessionID string) {
		if sessionID != id {
			t.Errorf("hook got %q, want %q", sessionID, id)
		}
		calls++
	})

	r.Remove(id)
	r.Remove(id)

	if calls != 1 {
		t.Fatalf("hook ran %d times, want 1", calls)
	}
	if _, err := r.Lookup(id); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("Lookup after remove: err = %v, want ErrSessionNotFound", err)
	}
}

func TestListActiveSnapshots(t *testing.T) {
	r := NewRegistry()
	ctx := context.Background()
	a, _ := r.Register(ctx, Metadata{Name: "a"})
	b, _ := r.Register(ctx, Metadata{Name: "b"})

	ids := r.ListActive()
	if len(ids) != 2 {
		t.Fatalf("ListActive = %v, want two ids", ids)
	}

	r.Remove(a)
	ids = r.ListActive()
	if len(ids) != 1 || ids[0] != b {
		t.Fatalf("ListActive after remove = %v, want [%s]", ids, b)
	}
}

func TestTouchAdvancesLastActivity(t *testing.T) {
	r := NewRegistry()
	id, _ := r.Register(context.Background(), Metadata{Name: "c"})
	sess, _ := r.Lookup(id)

	before := sess.LastActivity()
	time.Sleep(5 * time.Millisecond)
	r.Touch(id)
	if !sess.LastActivity().After(before) {
		t.Fatal("Touch did not advance last-activity")
	}

	// Touching an unknown id must not panic.
	r.Touch("missing")
}
