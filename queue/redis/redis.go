// Package redis provides a Redis-backed implementation of queue.Manager.
// Queues are Redis lists, per-pair sequence state lives in a hash, and
// dedup entries are standalone keys with a PX expiry so the retention
// window is enforced by Redis itself. Admission checks run inside a Lua
// script so concurrent senders observe a consistent queue.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/redis/go-redis/v9"

	"github.com/relaykit/relay-server-go/queue"
)

const (
	defaultKeyPrefix    = "relay:queue:"
	defaultCapacity     = 256
	defaultRetention    = 5 * time.Minute
	defaultPollInterval = 250 * time.Millisecond
)

// Config contains configuration options for the Redis queue manager.
type Config struct {
	// Client is the Redis client to use. If nil, a client is created for
	// Addr and pinged during New.
	Client redis.UniversalClient

	// Addr like "localhost:6379". Used only when Client is nil.
	// ENV: RELAY_REDIS_ADDR
	Addr string `env:"RELAY_REDIS_ADDR,default=localhost:6379"`

	// KeyPrefix is prepended to all keys. ENV: RELAY_REDIS_KEY_PREFIX
	KeyPrefix string `env:"RELAY_REDIS_KEY_PREFIX,default=relay:queue:"`

	// DefaultCapacity applies when Bind is called with a non-positive
	// capacity. ENV: RELAY_QUEUE_CAPACITY
	DefaultCapacity int `env:"RELAY_QUEUE_CAPACITY,default=256"`

	// DedupRetention bounds how long accepted message IDs are remembered.
	// ENV: RELAY_DEDUP_RETENTION
	DedupRetention time.Duration `env:"RELAY_DEDUP_RETENTION,default=5m"`

	// PollInterval paces Wait's readiness checks.
	PollInterval time.Duration
}

// Manager implements queue.Manager on Redis.
type Manager struct {
	client       redis.UniversalClient
	keyPrefix    string
	capacity     int
	retention    time.Duration
	pollInterval time.Duration
}

// enqueueScript performs the full admission check and append atomically.
//
//	KEYS[1] meta hash for the destination (existence == bound)
//	KEYS[2] list holding serialized envelopes
//	KEYS[3] hash of source -> last accepted sequence
//	KEYS[4] dedup key for this message ID
//	ARGV[1] source session ID
//	ARGV[2] sequence number
//	ARGV[3] serialized envelope
//	ARGV[4] dedup retention in milliseconds
var enqueueScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return 'unknown'
end
if redis.call('EXISTS', KEYS[4]) == 1 then
  return 'duplicate'
end
local last = tonumber(redis.call('HGET', KEYS[3], ARGV[1]) or '0')
if tonumber(ARGV[2]) ~= last + 1 then
  return 'order'
end
local cap = tonumber(redis.call('HGET', KEYS[1], 'capacity'))
if redis.call('LLEN', KEYS[2]) >= cap then
  return 'full'
end
redis.call('RPUSH', KEYS[2], ARGV[3])
redis.call('HSET', KEYS[3], ARGV[1], ARGV[2])
redis.call('SET', KEYS[4], '1', 'PX', tonumber(ARGV[4]))
return 'accepted'
`)

// New creates a Redis-backed queue manager. When cfg.Client is nil a client
// is created for cfg.Addr and pinged so misconfiguration fails fast.
func New(cfg Config) (*Manager, error) {
	client := cfg.Client
	if client == nil {
		addr := cfg.Addr
		if addr == "" {
			addr = "localhost:6379"
		}
		cl := redis.NewClient(&redis.Options{Addr: addr})
		if err := cl.Ping(context.Background()).Err(); err != nil {
			return nil, fmt.Errorf("redis ping: %w", err)
		}
		client = cl
	}

	m := &Manager{
		client:       client,
		keyPrefix:    cfg.KeyPrefix,
		capacity:     cfg.DefaultCapacity,
		retention:    cfg.DedupRetention,
		pollInterval: cfg.PollInterval,
	}
	if m.keyPrefix == "" {
		m.keyPrefix = defaultKeyPrefix
	}
	if m.capacity <= 0 {
		m.capacity = defaultCapacity
	}
	if m.retention <= 0 {
		m.retention = defaultRetention
	}
	if m.pollInterval <= 0 {
		m.pollInterval = defaultPollInterval
	}
	return m, nil
}

// NewFromEnv builds a Manager using envdecode to populate Config.
func NewFromEnv() (*Manager, error) {
	var cfg Config
	// Defaults are provided via struct tags.
	_ = envdecode.Decode(&cfg)
	return New(cfg)
}

// Close closes the Redis client.
func (m *Manager) Close() error { return m.client.Close() }

func (m *Manager) metaKey(dest string) string  { return m.keyPrefix + "meta:" + dest }
func (m *Manager) listKey(dest string) string  { return m.keyPrefix + "q:" + dest }
func (m *Manager) seqKey(dest string) string   { return m.keyPrefix + "seq:" + dest }
func (m *Manager) dedupKey(dest, id string) string {
	return m.keyPrefix + "dedup:" + dest + ":" + id
}

func (m *Manager) Bind(ctx context.Context, destinationID string, capacity int) error {
	if capacity <= 0 {
		capacity = m.capacity
	}
	// HSETNX keeps the first bind's capacity fixed across redundant binds.
	if err := m.client.HSetNX(ctx, m.metaKey(destinationID), "capacity", capacity).Err(); err != nil {
		return fmt.Errorf("bind %s: %w", destinationID, err)
	}
	return nil
}

func (m *Manager) Release(ctx context.Context, destinationID string) error {
	// Dedup keys carry their own TTL and are left to expire.
	if err := m.client.Del(ctx,
		m.metaKey(destinationID),
		m.listKey(destinationID),
		m.seqKey(destinationID),
	).Err(); err != nil {
		return fmt.Errorf("release %s: %w", destinationID, err)
	}
	return nil
}

func (m *Manager) Enqueue(ctx context.Context, env *queue.Envelope) (queue.Disposition, error) {
	data, err := json.Marshal(env)
	if err != nil {
		return 0, fmt.Errorf("marshal envelope: %w", err)
	}

	keys := []string{
		m.metaKey(env.Destination),
		m.listKey(env.Destination),
		m.seqKey(env.Destination),
		m.dedupKey(env.Destination, env.ID),
	}
	res, err := enqueueScript.Run(ctx, m.client, keys,
		env.Source, env.Seq, data, m.retention.Milliseconds(),
	).Text()
	if err != nil {
		return 0, fmt.Errorf("enqueue script: %w", err)
	}

	switch res {
	case "accepted":
		return queue.DispositionAccepted, nil
	case "duplicate":
		return queue.DispositionDuplicate, nil
	case "unknown":
		return 0, queue.ErrDestinationUnknown
	case "order":
		return 0, queue.ErrOutOfOrder
	case "full":
		return 0, queue.ErrQueueFull
	default:
		return 0, fmt.Errorf("enqueue script: unexpected result %q", res)
	}
}

func (m *Manager) Peek(ctx context.Context, destinationID string) (*queue.Envelope, error) {
	data, err := m.client.LIndex(ctx, m.listKey(destinationID), 0).Result()
	if err == redis.Nil {
		return nil, m.emptyOrUnknown(ctx, destinationID)
	}
	if err != nil {
		return nil, fmt.Errorf("peek %s: %w", destinationID, err)
	}
	return decodeEnvelope(data)
}

func (m *Manager) DequeueNext(ctx context.Context, destinationID string) (*queue.Envelope, error) {
	data, err := m.client.LPop(ctx, m.listKey(destinationID)).Result()
	if err == redis.Nil {
		return nil, m.emptyOrUnknown(ctx, destinationID)
	}
	if err != nil {
		return nil, fmt.Errorf("dequeue %s: %w", destinationID, err)
	}
	return decodeEnvelope(data)
}

func (m *Manager) PeekDepth(ctx context.Context, destinationID string) (int, error) {
	pipe := m.client.Pipeline()
	exists := pipe.Exists(ctx, m.metaKey(destinationID))
	llen := pipe.LLen(ctx, m.listKey(destinationID))
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("depth %s: %w", destinationID, err)
	}
	if exists.Val() == 0 {
		return 0, queue.ErrDestinationUnknown
	}
	return int(llen.Val()), nil
}

func (m *Manager) Wait(ctx context.Context, destinationID string) error {
	// Readiness is polled rather than pushed; the interval bounds wake-up
	// latency for drains hosted on other processes.
	ticker := time.NewTicker(m.pollInterval)
	defer ticker.Stop()
	for {
		depth, err := m.PeekDepth(ctx, destinationID)
		if err != nil {
			return err
		}
		if depth > 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// emptyOrUnknown distinguishes an empty queue from an unbound destination
// after a nil list read.
func (m *Manager) emptyOrUnknown(ctx context.Context, destinationID string) error {
	n, err := m.client.Exists(ctx, m.metaKey(destinationID)).Result()
	if err != nil {
		return fmt.Errorf("meta check %s: %w", destinationID, err)
	}
	if n == 0 {
		return queue.ErrDestinationUnknown
	}
	return queue.ErrEmpty
}

func decodeEnvelope(data string) (*queue.Envelope, error) {
	var env queue.Envelope
	if err := json.Unmarshal([]byte(data), &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	return &env, nil
}

var _ queue.Manager = (*Manager)(nil)
