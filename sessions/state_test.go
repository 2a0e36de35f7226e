package sessions

import (
	"context"
	"errors"
	"testing"
)

func newSession(t *testing.T) *Session {
	t.Helper()
	r := NewRegistry()
	id, err := r.Register(context.Background(), Metadata{Name: "c"})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	sess, err := r.Lookup(id)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	return sess
}

func TestLifecycleHappyPath(t *testing.T) {
	sess := newSession(t)

	steps := []State{StateActive, StateDegraded, StateReconnecting, StateActive, StateClosed}
	for _, to := range steps {
		if err := sess.TransitionTo(to); err != nil {
			t.Fatalf("transition to %s: %v", to, err)
		}
		if sess.State() != to {
			t.Fatalf("state = %s, want %s", sess.State(), to)
		}
	}
}

func TestIllegalTransitionsRejected(t *testing.T) {
	cases := []struct {
		name string
		path []State
		to   State
	}{
		{"connecting to degraded", nil, StateDegraded},
		{"connecting to reconnecting", nil, StateReconnecting},
		{"active to reconnecting", []State{StateActive}, StateReconnecting},
		{"active to connecting", []State{StateActive}, StateConnecting},
		{"degraded to active without reconnecting", []State{StateActive, StateDegraded}, StateActive},
		{"closed is terminal", []State{StateClosed}, StateActive},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			sess := newSession(t)
			for _, s := range tc.path {
				if err := sess.TransitionTo(s); err != nil {
					t.Fatalf("setup transition to %s: %v", s, err)
				}
			}
			if err := sess.TransitionTo(tc.to); !errors.Is(err, ErrInvalidTransition) {
				t.Fatalf("transition to %s: err = %v, want ErrInvalidTransition", tc.to, err)
			}
		})
	}
}

func TestClosedReachableFromEveryState(t *testing.T) {
	paths := map[string][]State{
		"connecting":   nil,
		"active":       {StateActive},
		"degraded":     {StateActive, StateDegraded},
		"reconnecting": {StateActive, StateDegraded, StateReconnecting},
	}
	for name, path := range paths {
		t.Run(name, func(t *testing.T) {
			sess := newSession(t)
			for _, s := range path {
				if err := sess.TransitionTo(s); err != nil {
					t.Fatalf("setup: %v", err)
				}
			}
			if err := sess.TransitionTo(StateClosed); err != nil {
				t.Fatalf("close from %s: %v", name, err)
			}
			if !sess.State().Terminal() {
				t.Fatal("closed state not terminal")
			}
		})
	}
}

func TestDegradedStampsDetachedAt(t *testing.T) {
	sess := newSession(t)
	if err := sess.TransitionTo(StateActive); err != nil {
		t.Fatal(err)
	}
	if !sess.DetachedAt().IsZero() {
		t.Fatal("detached-at set while active")
	}

	if err := sess.TransitionTo(StateDegraded); err != nil {
		t.Fatal(err)
	}
	if sess.DetachedAt().IsZero() {
		t.Fatal("detached-at not stamped on degrade")
	}

	if err := sess.TransitionTo(StateReconnecting); err != nil {
		t.Fatal(err)
	}
	if err := sess.TransitionTo(StateActive); err != nil {
		t.Fatal(err)
	}
	if !sess.DetachedAt().IsZero() {
		t.Fatal("detached-at not cleared on reattach")
	}
}
