// Command relayd runs the relay server: an HTTP endpoint where clients
// register sessions, send messages to each other, and consume their queue
// over a streaming response.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/relaykit/relay-server-go/config"
	"github.com/relaykit/relay-server-go/hooks"
	"github.com/relaykit/relay-server-go/queue"
	"github.com/relaykit/relay-server-go/queue/memory"
	qredis "github.com/relaykit/relay-server-go/queue/redis"
	"github.com/relaykit/relay-server-go/relay"
	"github.com/relaykit/relay-server-go/sessions"
	"github.com/relaykit/relay-server-go/streaminghttp"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.FromEnv()
	if err != nil {
		return err
	}

	// Flags override the environment for the common knobs.
	addr := flag.String("addr", cfg.Addr, "listen address")
	basePath := flag.String("base-path", cfg.BasePath, "relay endpoint mount path")
	backend := flag.String("queue-backend", cfg.QueueBackend, "queue backend (memory or redis)")
	directoryFile := flag.String("directory-file", cfg.DirectoryFile, "optional JSONC client directory file")
	flag.Parse()
	cfg.Addr = *addr
	cfg.BasePath = *basePath
	cfg.QueueBackend = *backend
	cfg.DirectoryFile = *directoryFile
	if err := cfg.Validate(); err != nil {
		return err
	}

	log := slog.New(slog.NewTextHandler(os.Stderr, nil))
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var queues queue.Manager
	switch cfg.QueueBackend {
	case config.BackendRedis:
		// Shares RELAY_QUEUE_CAPACITY and RELAY_DEDUP_RETENTION with the
		// main config, plus RELAY_REDIS_ADDR and RELAY_REDIS_KEY_PREFIX.
		mgr, err := qredis.NewFromEnv()
		if err != nil {
			return fmt.Errorf("failed to connect redis queue backend: %w", err)
		}
		defer mgr.Close()
		queues = mgr
	default:
		queues = memory.New(
			memory.WithDefaultCapacity(cfg.QueueCapacity),
			memory.WithDedupRetention(cfg.DedupRetention),
		)
	}

	engOpts := []relay.Option{relay.WithLogger(log)}

	if cfg.DirectoryFile != "" {
		watcher, err := config.NewWatcher(cfg.DirectoryFile, log)
		if err != nil {
			return err
		}
		go func() {
			if err := watcher.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Error("directory.watch.fail", slog.String("err", err.Error()))
			}
		}()

		engOpts = append(engOpts,
			relay.WithCapacityResolver(func(meta sessions.Metadata) int {
				return watcher.CapacityFor(meta.Name)
			}),
			relay.WithNotifier(hooks.NewWebhookNotifier(directoryURLs{watcher}, hooks.WithLogger(log))),
		)
	}

	eng := relay.New(queues, relay.Config{
		QueueCapacity:     cfg.QueueCapacity,
		HeartbeatInterval: cfg.HeartbeatInterval,
		ReconnectDeadline: cfg.ReconnectDeadline,
		IdleTimeout:       cfg.IdleTimeout,
		SweepInterval:     cfg.SweepInterval,
	}, engOpts...)

	h, err := streaminghttp.New(ctx, cfg.BasePath, eng, streaminghttp.WithLogger(log))
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:    cfg.Addr,
		Handler: h,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("relayd.listen",
			slog.String("addr", cfg.Addr),
			slog.String("base_path", cfg.BasePath),
			slog.String("queue_backend", cfg.QueueBackend),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("relayd.shutdown")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shut down cleanly: %w", err)
	}
	return nil
}

// directoryURLs adapts the hot-reloaded directory to the webhook notifier,
// so callback URL edits apply to the next lifecycle event.
type directoryURLs struct {
	watcher *config.Watcher
}

func (d directoryURLs) CallbackURLs(event string) []string {
	dir := d.watcher.Current()
	if dir == nil {
		return nil
	}
	switch event {
	case hooks.EventConnect:
		return dir.Callbacks.Connect
	case hooks.EventDisconnect:
		return dir.Callbacks.Disconnect
	}
	return nil
}
