// Package hooks delivers session lifecycle webhooks. The relay engine
// reports connect and disconnect edges; this package fans them out to the
// configured callback URLs with bounded retries, off the request path.
package hooks

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/relaykit/relay-server-go/sessions"
)

// Event names carried in the webhook body.
const (
	EventConnect    = "connect"
	EventDisconnect = "disconnect"
)

const (
	maxAttempts    = 3
	attemptTimeout = 5 * time.Second
)

// backoffs between attempts; attempt n sleeps backoffs[n-1] first.
var backoffs = [maxAttempts - 1]time.Duration{1 * time.Second, 2 * time.Second}

// URLProvider resolves the current callback URL lists per event. Hot
// reloaded configuration implements this so URL changes apply to the next
// event without re-wiring the notifier.
type URLProvider interface {
	CallbackURLs(event string) []string
}

// StaticURLs is a fixed URLProvider.
type StaticURLs struct {
	Connect    []string
	Disconnect []string
}

func (s StaticURLs) CallbackURLs(event string) []string {
	switch event {
	case EventConnect:
		return s.Connect
	case EventDisconnect:
		return s.Disconnect
	}
	return nil
}

// payload is the webhook request body.
type payload struct {
	Event     string          `json:"event"`
	SessionID string          `json:"session_id"`
	Name      string          `json:"name,omitempty"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// Option configures a WebhookNotifier.
type Option func(*WebhookNotifier)

// WithLogger sets the slog logger used by the notifier.
func WithLogger(l *slog.Logger) Option {
	return func(n *WebhookNotifier) {
		if l != nil {
			n.log = l
		}
	}
}

// WithHTTPClient replaces the HTTP client used for deliveries. The
// per-attempt timeout is applied via request context regardless of the
// client's own timeout.
func WithHTTPClient(c *http.Client) Option {
	return func(n *WebhookNotifier) {
		if c != nil {
			n.client = c
		}
	}
}

// WebhookNotifier implements the engine's lifecycle notifier over HTTP
// callbacks. Deliveries run asynchronously so the registration and
// teardown paths never wait on a slow callback endpoint.
type WebhookNotifier struct {
	log    *slog.Logger
	urls   URLProvider
	client *http.Client
	sleep  func(time.Duration)

	wg sync.WaitGroup
}

// NewWebhookNotifier builds a notifier over the given URL provider.
func NewWebhookNotifier(urls URLProvider, opts ...Option) *WebhookNotifier {
	n := &WebhookNotifier{
		log:    slog.Default(),
		urls:   urls,
		client: &http.Client{},
		sleep:  time.Sleep,
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

func (n *WebhookNotifier) SessionConnected(ctx context.Context, sessionID string, meta sessions.Metadata) {
	n.fire(EventConnect, payload{
		Event:     EventConnect,
		SessionID: sessionID,
		Name:      meta.Name,
		Metadata:  meta.Extra,
		Timestamp: time.Now().UTC(),
	})
}

func (n *WebhookNotifier) SessionDisconnected(ctx context.Context, sessionID string) {
	n.fire(EventDisconnect, payload{
		Event:     EventDisconnect,
		SessionID: sessionID,
		Timestamp: time.Now().UTC(),
	})
}

// Wait blocks until all in-flight deliveries finish. Intended for
// shutdown and tests.
func (n *WebhookNotifier) Wait() {
	n.wg.Wait()
}

// fire snapshots the URL list for the event and spawns one delivery
// goroutine per URL.
func (n *WebhookNotifier) fire(event string, p payload) {
	urls := n.urls.CallbackURLs(event)
	if len(urls) == 0 {
		return
	}
	body, err := json.Marshal(p)
	if err != nil {
		n.log.Error("webhook.encode.fail",
			slog.String("event", event),
			slog.String("err", err.Error()),
		)
		return
	}
	for _, url := range urls {
		n.wg.Add(1)
		go func(url string) {
			defer n.wg.Done()
			n.deliver(url, event, body)
		}(url)
	}
}

// deliver posts the payload with up to three attempts. Errors are logged,
// never surfaced: lifecycle webhooks are advisory.
func (n *WebhookNotifier) deliver(url, event string, body []byte) {
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			n.sleep(backoffs[attempt-2])
		}
		lastErr = n.post(url, body)
		if lastErr == nil {
			n.log.Debug("webhook.deliver.ok",
				slog.String("event", event),
				slog.String("url", url),
				slog.Int("attempt", attempt),
			)
			return
		}
		n.log.Warn("webhook.deliver.retry",
			slog.String("event", event),
			slog.String("url", url),
			slog.Int("attempt", attempt),
			slog.String("err", lastErr.Error()),
		)
	}
	n.log.Error("webhook.deliver.fail",
		slog.String("event", event),
		slog.String("url", url),
		slog.String("err", lastErr.Error()),
	)
}

func (n *WebhookNotifier) post(url string, body []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), attemptTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook endpoint returned %s", resp.Status)
	}
	return nil
}
