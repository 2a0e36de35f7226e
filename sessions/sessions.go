package sessions

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"
)

var (
	// ErrSessionNotFound indicates the session does not exist (never
	// registered, or already torn down).
	ErrSessionNotFound = errors.New("session not found")

	// ErrInvalidTransition indicates a lifecycle transition not permitted
	// by the state machine.
	ErrInvalidTransition = errors.New("invalid lifecycle transition")
)

// State is the connection lifecycle state of a session.
type State string

const (
	// StateConnecting: registered, awaiting the first stream attach.
	StateConnecting State = "connecting"
	// StateActive: a stream is attached and draining normally.
	StateActive State = "active"
	// StateDegraded: no live stream; the queue is retained and a reconnect
	// deadline is running.
	StateDegraded State = "degraded"
	// StateReconnecting: a replacement stream has arrived for a degraded
	// session and delivery is about to resume.
	StateReconnecting State = "reconnecting"
	// StateClosed: terminal. All resources for the session are released.
	StateClosed State = "closed"
)

// validTransitions is the closed transition table. Closed is reachable from
// every non-terminal state (explicit close, deadline expiry, idle timeout).
var validTransitions = map[State][]State{
	StateConnecting:   {StateActive, StateClosed},
	StateActive:       {StateDegraded, StateClosed},
	StateDegraded:     {StateReconnecting, StateClosed},
	StateReconnecting: {StateActive, StateDegraded, StateClosed},
	StateClosed:       {},
}

func (s State) canTransitionTo(to State) bool {
	for _, allowed := range validTransitions[s] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Terminal reports whether the state permits no further transitions.
func (s State) Terminal() bool { return s == StateClosed }

// Metadata is the client-declared identity blob supplied at registration.
// The relay does not interpret Extra beyond storing it.
type Metadata struct {
	Name         string          `json:"name"`
	Capabilities string          `json:"capabilities,omitempty"`
	Extra        json.RawMessage `json:"metadata,omitempty"`
}

// RegistrationError reports invalid registration metadata. It is surfaced to
// the caller and never retried by the core.
type RegistrationError struct {
	Reason string
}

func (e *RegistrationError) Error() string {
	return fmt.Sprintf("registration rejected: %s", e.Reason)
}

// Session is a live, concurrency-safe handle owned by the Registry. Other
// components hold it by reference and interact only through its methods.
type Session struct {
	id        string
	createdAt time.Time

	mu           sync.Mutex
	meta         Metadata
	state        State
	lastActivity time.Time
	detachedAt   time.Time
}

// ID returns the server-assigned session identifier.
func (s *Session) ID() string { return s.id }

// CreatedAt returns the registration time.
func (s *Session) CreatedAt() time.Time { return s.createdAt }

// Meta returns the client-declared metadata.
func (s *Session) Meta() Metadata {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.meta
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// LastActivity returns the time of the most recent routed traffic touching
// this session, either as source or as delivery destination.
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// DetachedAt returns when the session last entered the degraded state. Zero
// while a stream is attached.
func (s *Session) DetachedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.detachedAt
}

// Touch updates the last-activity timestamp used for idle accounting.
func (s *Session) Touch() {
	s.mu.Lock()
	s.lastActivity = time.Now().UTC()
	s.mu.Unlock()
}

// TransitionTo moves the session through the lifecycle state machine,
// rejecting transitions the table does not permit. Entering degraded stamps
// the reconnect-deadline clock; leaving it clears the stamp.
func (s *Session) TransitionTo(to State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.state.canTransitionTo(to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s.state, to)
	}
	s.state = to
	switch to {
	case StateDegraded:
		s.detachedAt = time.Now().UTC()
	case StateActive:
		s.detachedAt = time.Time{}
	}
	return nil
}

// Status is a point-in-time snapshot for observability collaborators.
type Status struct {
	SessionID    string    `json:"session_id"`
	Name         string    `json:"name,omitempty"`
	State        State     `json:"state"`
	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"last_activity"`
}

// Status returns a consistent snapshot of the session.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Status{
		SessionID:    s.id,
		Name:         s.meta.Name,
		State:        s.state,
		CreatedAt:    s.createdAt,
		LastActivity: s.lastActivity,
	}
}
