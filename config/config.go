// Package config carries the process configuration for the relay server:
// environment-derived settings plus the optional hot-reloaded directory
// file describing known clients and lifecycle callbacks.
package config

import (
	"fmt"
	"time"

	"github.com/joeshaw/envdecode"
)

// Queue backend selectors accepted by Config.QueueBackend.
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
)

// Config is the environment-derived server configuration. Defaults are
// provided via struct tags.
type Config struct {
	// Addr is the listen address for the HTTP server.
	Addr string `env:"RELAY_ADDR,default=localhost:8123"`
	// BasePath is the mount path for the relay endpoint.
	BasePath string `env:"RELAY_BASE_PATH,default=/relay"`
	// QueueBackend selects the queue manager: "memory" or "redis".
	QueueBackend string `env:"RELAY_QUEUE_BACKEND,default=memory"`
	// QueueCapacity is the default per-session queue capacity.
	QueueCapacity int `env:"RELAY_QUEUE_CAPACITY,default=256"`

	HeartbeatInterval time.Duration `env:"RELAY_HEARTBEAT_INTERVAL,default=15s"`
	ReconnectDeadline time.Duration `env:"RELAY_RECONNECT_DEADLINE,default=30s"`
	IdleTimeout       time.Duration `env:"RELAY_IDLE_TIMEOUT,default=5m"`
	DedupRetention    time.Duration `env:"RELAY_DEDUP_RETENTION,default=5m"`
	SweepInterval     time.Duration `env:"RELAY_SWEEP_INTERVAL,default=1s"`

	// DirectoryFile optionally points at a JSONC file describing known
	// clients and lifecycle callbacks. Empty disables the directory.
	DirectoryFile string `env:"RELAY_DIRECTORY_FILE"`
}

// FromEnv builds a Config from the process environment.
func FromEnv() (Config, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to decode environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects settings the server cannot start with.
func (c Config) Validate() error {
	switch c.QueueBackend {
	case BackendMemory, BackendRedis:
	default:
		return fmt.Errorf("unknown queue backend %q (want %q or %q)", c.QueueBackend, BackendMemory, BackendRedis)
	}
	if c.QueueCapacity <= 0 {
		return fmt.Errorf("queue capacity must be positive, got %d", c.QueueCapacity)
	}
	return nil
}
