// Package queue defines the per-destination message queue contract used by
// the relay core. A Manager owns one bounded, strictly FIFO queue per
// registered session and enforces three admission rules on enqueue:
// per-(source, destination) sequence continuity, message-id idempotence
// within a retention window, and capacity-based backpressure.
//
// Implementations
//
//	memory : in-process reference implementation
//	redis  : Redis-backed implementation with the same admission semantics
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// BroadcastDestination is the well-known destination marker that fans an
// envelope out to every session active at enqueue time. It is never a valid
// session identifier.
const BroadcastDestination = "*"

var (
	// ErrDestinationUnknown indicates no queue is bound for the destination.
	// A missing queue is authoritative evidence that the session is gone.
	ErrDestinationUnknown = errors.New("destination unknown")

	// ErrQueueFull is the backpressure signal: the destination queue is at
	// capacity and the sender is expected to retry with backoff. Nothing
	// already queued is dropped or reordered.
	ErrQueueFull = errors.New("destination queue full")

	// ErrOutOfOrder indicates the envelope's sequence number is not exactly
	// one greater than the last accepted sequence for its
	// (source, destination) pair.
	ErrOutOfOrder = errors.New("envelope out of order")

	// ErrEmpty is returned by Peek and DequeueNext when the queue holds no
	// undelivered envelopes.
	ErrEmpty = errors.New("queue empty")
)

// Envelope is the unit routed by the core. The payload is opaque; only the
// addressing and ordering fields are interpreted.
type Envelope struct {
	// ID uniquely identifies the message and is the idempotence key for
	// sender retries.
	ID string `json:"id"`
	// Source is the session that sent the message.
	Source string `json:"source"`
	// Destination is the session the message is queued for. Broadcast
	// fan-out happens before enqueue, so a queued envelope always names a
	// concrete session here.
	Destination string `json:"destination"`
	// Seq is strictly increasing per (Source, Destination) pair and defines
	// delivery order.
	Seq uint64 `json:"seq"`
	// Payload is the opaque message body.
	Payload json.RawMessage `json:"payload,omitempty"`
	// EnqueuedAt records when the envelope was accepted.
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// Disposition reports how an accepted enqueue was handled.
type Disposition int

const (
	// DispositionAccepted means the envelope was appended to the queue.
	DispositionAccepted Disposition = iota
	// DispositionDuplicate means the envelope's ID was already accepted for
	// this destination within the retention window. The call is a
	// successful no-op so that sender retries are safe.
	DispositionDuplicate
)

func (d Disposition) String() string {
	switch d {
	case DispositionAccepted:
		return "accepted"
	case DispositionDuplicate:
		return "duplicate"
	default:
		return "unknown"
	}
}

// Manager owns the per-destination queues. All methods are safe for
// concurrent use and operations on distinct destinations never contend on a
// shared lock.
type Manager interface {
	// Bind creates the queue for a session. Capacity is fixed for the
	// queue's lifetime; a non-positive capacity selects the manager's
	// default. Binding an already-bound destination is a no-op.
	Bind(ctx context.Context, destinationID string, capacity int) error

	// Release destroys the queue and its buffered envelopes, waking any
	// blocked Wait callers. Releasing an unbound destination is a no-op.
	Release(ctx context.Context, destinationID string) error

	// Enqueue appends the envelope to its destination queue. A nil error
	// with DispositionDuplicate means the message ID was already accepted;
	// callers must treat it as success. Rejections are ErrDestinationUnknown,
	// ErrQueueFull, or ErrOutOfOrder.
	Enqueue(ctx context.Context, env *Envelope) (Disposition, error)

	// Peek returns the oldest undelivered envelope without removing it, or
	// ErrEmpty.
	Peek(ctx context.Context, destinationID string) (*Envelope, error)

	// DequeueNext removes and returns the oldest undelivered envelope, or
	// ErrEmpty. It never blocks.
	DequeueNext(ctx context.Context, destinationID string) (*Envelope, error)

	// PeekDepth reports the number of undelivered envelopes.
	PeekDepth(ctx context.Context, destinationID string) (int, error)

	// Wait blocks until the queue may hold an envelope or ctx ends. A nil
	// return is a hint, not a guarantee; callers re-check with Peek.
	Wait(ctx context.Context, destinationID string) error
}
