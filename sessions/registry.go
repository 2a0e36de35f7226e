package sessions

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MetadataValidator judges registration metadata. Returning an error rejects
// the registration; the error text becomes the RegistrationError reason.
type MetadataValidator func(meta Metadata) error

// DefaultValidator requires a non-empty client name.
func DefaultValidator(meta Metadata) error {
	if strings.TrimSpace(meta.Name) == "" {
		return &RegistrationError{Reason: "client name must not be empty"}
	}
	return nil
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithValidator replaces the default registration metadata validator.
func WithValidator(v MetadataValidator) RegistryOption {
	return func(r *Registry) {
		if v != nil {
			r.validator = v
		}
	}
}

// Registry tracks connected client identities. It is the single source of
// truth for session existence; removal here is what signals the rest of the
// core to release a session's resources.
type Registry struct {
	validator MetadataValidator

	mu       sync.RWMutex
	sessions map[string]*Session

	hooksMu     sync.Mutex
	removeHooks []func(sessionID string)
}

// NewRegistry creates an empty registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		validator: DefaultValidator,
		sessions:  make(map[string]*Session),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register validates the metadata, allocates a fresh session identifier, and
// creates the session in the connecting state.
func (r *Registry) Register(ctx context.Context, meta Metadata) (string, error) {
	if err := r.validator(meta); err != nil {
		if _, ok := err.(*RegistrationError); ok {
			return "", err
		}
		return "", &RegistrationError{Reason: err.Error()}
	}

	now := time.Now().UTC()
	sess := &Session{
		id:           uuid.NewString(),
		createdAt:    now,
		meta:         meta,
		state:        StateConnecting,
		lastActivity: now,
	}

	r.mu.Lock()
	r.sessions[sess.id] = sess
	r.mu.Unlock()
	return sess.id, nil
}

// Lookup returns the live session handle, or ErrSessionNotFound.
func (r *Registry) Lookup(sessionID string) (*Session, error) {
	r.mu.RLock()
	sess, ok := r.sessions[sessionID]
	r.mu.RUnlock()
	if !ok {
		return nil, ErrSessionNotFound
	}
	return sess, nil
}

// ListActive returns the identifiers of all registered sessions. It is the
// broadcast resolution snapshot: a registered session is addressable in any
// non-terminal state, since its queue exists until teardown.
func (r *Registry) ListActive() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	return ids
}

// Touch updates the session's last-activity timestamp. Touching an unknown
// session is a no-op.
func (r *Registry) Touch(sessionID string) {
	r.mu.RLock()
	sess, ok := r.sessions[sessionID]
	r.mu.RUnlock()
	if ok {
		sess.Touch()
	}
}

// Remove deletes the session and runs the removal hooks that release
// associated resources. Removing an already-removed identifier is a no-op,
// not an error.
func (r *Registry) Remove(sessionID string) {
	r.mu.Lock()
	_, ok := r.sessions[sessionID]
	if ok {
		delete(r.sessions, sessionID)
	}
	r.mu.Unlock()
	if !ok {
		return
	}

	r.hooksMu.Lock()
	hooks := make([]func(string), len(r.removeHooks))
	copy(hooks, r.removeHooks)
	r.hooksMu.Unlock()
	for _, hook := range hooks {
		hook(sessionID)
	}
}

// OnRemove registers a hook invoked exactly once when a session is removed.
// Hooks run synchronously in registration order.
func (r *Registry) OnRemove(hook func(sessionID string)) {
	if hook == nil {
		return
	}
	r.hooksMu.Lock()
	r.removeHooks = append(r.removeHooks, hook)
	r.hooksMu.Unlock()
}

// Len reports the number of registered sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
