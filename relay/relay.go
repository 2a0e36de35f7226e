// Package relay implements the session and message-routing engine: the
// Router accepts inbound messages and resolves destinations, the queue
// manager buffers them per destination with backpressure, and the
// Multiplexer drains each session's queue onto its live outbound stream.
// The Engine composes these with the session registry and runs the periodic
// lifecycle supervision (idle timeout, reconnect deadline) on a scheduler
// independent of message traffic.
package relay

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/relaykit/relay-server-go/sessions"
)

var (
	// ErrSourceClosed indicates the sending session is closed or gone. A
	// registry miss is authoritative evidence of teardown, so routing from
	// an unknown source reports the same condition.
	ErrSourceClosed = errors.New("source session closed")
)

// Config is the tuning surface consumed by the core. It is supplied by an
// external configuration collaborator; zero values select conservative
// defaults.
type Config struct {
	// QueueCapacity is the default per-session queue capacity. Capacity is
	// fixed per queue at bind time.
	QueueCapacity int
	// HeartbeatInterval paces keep-alive frames on idle attached streams.
	HeartbeatInterval time.Duration
	// ReconnectDeadline bounds how long a degraded session retains its
	// queue while waiting for a replacement stream.
	ReconnectDeadline time.Duration
	// IdleTimeout force-closes sessions with no routed traffic, regardless
	// of stream health.
	IdleTimeout time.Duration
	// SweepInterval paces the lifecycle supervision scan.
	SweepInterval time.Duration
}

// applyDefaults populates zero values with conservative defaults.
func (c *Config) applyDefaults() {
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = 256
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 15 * time.Second
	}
	if c.ReconnectDeadline <= 0 {
		c.ReconnectDeadline = 30 * time.Second
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 5 * time.Minute
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = time.Second
	}
}

// Notifier observes session lifecycle edges. Implementations must not
// block; the engine calls them inline on the registration and teardown
// paths.
type Notifier interface {
	SessionConnected(ctx context.Context, sessionID string, meta sessions.Metadata)
	SessionDisconnected(ctx context.Context, sessionID string)
}

// Option configures the Engine.
type Option func(*engineConfig)

type engineConfig struct {
	logger      *slog.Logger
	validator   sessions.MetadataValidator
	notifier    Notifier
	capacityFor func(meta sessions.Metadata) int
}

// WithLogger sets the slog logger used by the engine.
func WithLogger(l *slog.Logger) Option {
	return func(c *engineConfig) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithValidator replaces the default registration metadata validator.
func WithValidator(v sessions.MetadataValidator) Option {
	return func(c *engineConfig) { c.validator = v }
}

// WithNotifier registers a lifecycle notifier (e.g. webhook dispatch).
func WithNotifier(n Notifier) Option {
	return func(c *engineConfig) { c.notifier = n }
}

// WithCapacityResolver lets a directory collaborator override the queue
// capacity per client at registration time. A non-positive return falls
// back to Config.QueueCapacity.
func WithCapacityResolver(fn func(meta sessions.Metadata) int) Option {
	return func(c *engineConfig) { c.capacityFor = fn }
}
