package streaminghttp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/elnormous/contenttype"
	"github.com/google/uuid"

	"github.com/relaykit/relay-server-go/internal/logctx"
	"github.com/relaykit/relay-server-go/queue"
	"github.com/relaykit/relay-server-go/relay"
	"github.com/relaykit/relay-server-go/sessions"
)

var _ http.Handler = (*Handler)(nil)

var (
	jsonMediaType         = contenttype.NewMediaType("application/json")
	eventStreamMediaType  = contenttype.NewMediaType("text/event-stream")
	eventStreamMediaTypes = []contenttype.MediaType{eventStreamMediaType}
)

const (
	// Canonical header names; Go matches headers case-insensitively.
	sessionIDHeader  = "Relay-Session-Id"
	retryAfterHeader = "Retry-After"
)

// writeJSONError emits a minimal JSON body for transport-level rejections.
// Shape: {"error":{"code":<httpStatus>,"message":"<reason>"}}
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"error": map[string]any{"code": status, "message": msg}})
}

// Authorizer gates a request before it reaches the engine. A non-nil error
// rejects the request with 401; the handler never parses credentials
// itself.
type Authorizer func(ctx context.Context, r *http.Request) error

// Option configures the Handler.
type Option func(*newConfig)

type newConfig struct {
	logger    *slog.Logger
	authorize Authorizer
}

// WithLogger sets the slog logger used by the handler.
func WithLogger(l *slog.Logger) Option {
	return func(c *newConfig) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithAuthorizer installs a request gate invoked before any engine call.
func WithAuthorizer(a Authorizer) Option {
	return func(c *newConfig) { c.authorize = a }
}

// Handler is the HTTP transport over a relay.Engine.
type Handler struct {
	mux       *http.ServeMux
	log       *slog.Logger
	eng       *relay.Engine
	authorize Authorizer
	basePath  string
}

// registerRequest is the body of a registration POST.
type registerRequest struct {
	Name         string          `json:"name"`
	Capabilities string          `json:"capabilities,omitempty"`
	Metadata     json.RawMessage `json:"metadata,omitempty"`
}

// sendRequest is the body of a send POST.
type sendRequest struct {
	To      string          `json:"to"`
	Payload json.RawMessage `json:"payload"`
	ID      string          `json:"id,omitempty"`
}

// New constructs a Handler serving the relay at basePath and starts the
// engine's lifecycle supervision under ctx. The engine stops when ctx is
// canceled.
func New(ctx context.Context, basePath string, eng *relay.Engine, opts ...Option) (*Handler, error) {
	if eng == nil {
		return nil, fmt.Errorf("engine is required")
	}
	basePath = strings.TrimRight(basePath, "/")
	if basePath == "" {
		basePath = "/"
	}
	if !strings.HasPrefix(basePath, "/") {
		return nil, fmt.Errorf("base path %q must be absolute", basePath)
	}

	cfg := &newConfig{logger: slog.Default()}
	for _, opt := range opts {
		opt(cfg)
	}

	h := &Handler{
		log:       slog.New(logctx.Handler{Handler: cfg.logger.Handler()}),
		eng:       eng,
		authorize: cfg.authorize,
		basePath:  basePath,
	}

	go func() {
		if err := eng.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			h.log.Error("engine.run.fail", slog.String("err", err.Error()))
		}
	}()

	root, sub := basePath, basePath
	if root == "/" {
		// "/{$}" keeps the root pattern from swallowing the subpaths.
		root, sub = "/{$}", ""
	}
	mux := http.NewServeMux()
	mux.HandleFunc(fmt.Sprintf("POST %s", root), h.handlePost)
	mux.HandleFunc(fmt.Sprintf("GET %s", root), h.handleGetStream)
	mux.HandleFunc(fmt.Sprintf("DELETE %s", root), h.handleDelete)
	mux.HandleFunc(fmt.Sprintf("GET %s/sessions", sub), h.handleListSessions)
	mux.HandleFunc(fmt.Sprintf("GET %s/sessions/{id}", sub), h.handleGetSession)
	h.mux = mux
	return h, nil
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r.WithContext(logctx.WithRequestData(r.Context(), &logctx.RequestData{
		RequestID:  uuid.NewString(),
		Method:     r.Method,
		UserAgent:  r.UserAgent(),
		RemoteAddr: r.RemoteAddr,
		Path:       r.URL.Path,
	})))
}

// checkAuthorization runs the configured gate, writing the rejection
// itself. It reports whether the request may proceed.
func (h *Handler) checkAuthorization(ctx context.Context, r *http.Request, w http.ResponseWriter) bool {
	if h.authorize == nil {
		return true
	}
	if err := h.authorize(ctx, r); err != nil {
		h.log.InfoContext(ctx, "auth.reject", slog.String("err", err.Error()))
		writeJSONError(w, http.StatusUnauthorized, "unauthorized")
		return false
	}
	return true
}

// handlePost serves registration (no session header) and message send
// (session header present) on the same endpoint.
func (h *Handler) handlePost(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()

	ctype, err := contenttype.GetMediaType(r)
	if err != nil || !ctype.Matches(jsonMediaType) {
		writeJSONError(w, http.StatusUnsupportedMediaType, "content-type must be application/json")
		h.log.WarnContext(ctx, "content_type.unsupported")
		return
	}

	if !h.checkAuthorization(ctx, r, w) {
		return
	}

	if sessID := r.Header.Get(sessionIDHeader); sessID != "" {
		h.handleSend(ctx, w, r, sessID, start)
		return
	}

	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
		h.log.WarnContext(ctx, "json.decode.fail", slog.String("err", err.Error()))
		return
	}

	id, err := h.eng.Register(ctx, sessions.Metadata{
		Name:         req.Name,
		Capabilities: req.Capabilities,
		Extra:        req.Metadata,
	})
	if err != nil {
		var rerr *sessions.RegistrationError
		if errors.As(err, &rerr) {
			writeJSONError(w, http.StatusUnprocessableEntity, rerr.Reason)
			h.log.InfoContext(ctx, "session.register.reject", slog.String("reason", rerr.Reason))
			return
		}
		writeJSONError(w, http.StatusInternalServerError, "failed to register session")
		h.log.ErrorContext(ctx, "session.register.fail", slog.String("err", err.Error()))
		return
	}

	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: id, Name: req.Name})

	w.Header().Set(sessionIDHeader, id)
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(http.StatusCreated)
	if err := json.NewEncoder(w).Encode(map[string]string{"session_id": id}); err != nil {
		h.log.ErrorContext(ctx, "session.register.write.fail", slog.String("err", err.Error()))
		return
	}
	h.log.InfoContext(ctx, "session.register.ok", slog.Duration("dur", time.Since(start)))
}

func (h *Handler) handleSend(ctx context.Context, w http.ResponseWriter, r *http.Request, sessID string, start time.Time) {
	if _, err := h.eng.Status(ctx, sessID); err != nil {
		if errors.Is(err, sessions.ErrSessionNotFound) {
			writeJSONError(w, http.StatusNotFound, "session not found")
			h.log.InfoContext(ctx, "session.lookup.miss")
			return
		}
		writeJSONError(w, http.StatusInternalServerError, "failed to load session")
		h.log.ErrorContext(ctx, "session.lookup.fail", slog.String("err", err.Error()))
		return
	}

	var req sendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
		h.log.WarnContext(ctx, "json.decode.fail", slog.String("err", err.Error()))
		return
	}
	if req.To == "" {
		writeJSONError(w, http.StatusUnprocessableEntity, "to is required")
		h.log.InfoContext(ctx, "send.validate.fail", slog.String("reason", "missing to"))
		return
	}
	if len(req.Payload) == 0 {
		writeJSONError(w, http.StatusUnprocessableEntity, "payload is required")
		h.log.InfoContext(ctx, "send.validate.fail", slog.String("reason", "missing payload"))
		return
	}

	ctx = logctx.WithRouteData(ctx, &logctx.RouteData{
		Source:      sessID,
		Destination: req.To,
		MessageID:   req.ID,
	})

	var opts []relay.RouteOption
	if req.ID != "" {
		opts = append(opts, relay.WithMessageID(req.ID))
	}
	msgID, err := h.eng.Route(ctx, sessID, req.To, req.Payload, opts...)
	if err != nil {
		switch {
		case errors.Is(err, relay.ErrSourceClosed):
			writeJSONError(w, http.StatusGone, "source session closed")
			h.log.InfoContext(ctx, "send.source_closed")
		case errors.Is(err, queue.ErrDestinationUnknown):
			writeJSONError(w, http.StatusNotFound, "destination not found")
			h.log.InfoContext(ctx, "send.destination.miss")
		case errors.Is(err, queue.ErrQueueFull):
			w.Header().Set(retryAfterHeader, "1")
			writeJSONError(w, http.StatusTooManyRequests, "destination queue full")
			h.log.InfoContext(ctx, "send.queue_full")
		case errors.Is(err, queue.ErrOutOfOrder):
			writeJSONError(w, http.StatusConflict, "message out of order")
			h.log.WarnContext(ctx, "send.out_of_order")
		default:
			writeJSONError(w, http.StatusInternalServerError, "failed to route message")
			h.log.ErrorContext(ctx, "send.route.fail", slog.String("err", err.Error()))
		}
		return
	}

	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(http.StatusAccepted)
	if err := json.NewEncoder(w).Encode(map[string]string{"message_id": msgID}); err != nil {
		h.log.ErrorContext(ctx, "send.write.fail", slog.String("err", err.Error()))
		return
	}
	h.log.InfoContext(ctx, "send.ok",
		slog.String("message_id", msgID),
		slog.Duration("dur", time.Since(start)),
	)
}

// handleGetStream attaches the caller's outbound stream. The response stays
// open until the client disconnects, the session closes, or a newer stream
// replaces this one.
func (h *Handler) handleGetStream(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()

	if _, _, err := contenttype.GetAcceptableMediaType(r, eventStreamMediaTypes); err != nil {
		w.WriteHeader(http.StatusUnsupportedMediaType)
		h.log.WarnContext(ctx, "http.get.unsupported_media_type")
		return
	}

	f, ok := w.(http.Flusher)
	if !ok {
		w.WriteHeader(http.StatusInternalServerError)
		h.log.ErrorContext(ctx, "sse.flusher.missing")
		return
	}

	if !h.checkAuthorization(ctx, r, w) {
		return
	}

	sessID := r.Header.Get(sessionIDHeader)
	if sessID == "" {
		writeJSONError(w, http.StatusBadRequest, "missing Relay-Session-Id header")
		h.log.WarnContext(ctx, "session.id.missing")
		return
	}

	st, err := h.eng.Status(ctx, sessID)
	if err != nil {
		if errors.Is(err, sessions.ErrSessionNotFound) {
			writeJSONError(w, http.StatusNotFound, "session not found")
			h.log.InfoContext(ctx, "session.lookup.miss")
			return
		}
		writeJSONError(w, http.StatusInternalServerError, "failed to load session")
		h.log.ErrorContext(ctx, "session.lookup.fail", slog.String("err", err.Error()))
		return
	}

	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{
		SessionID: st.ID,
		Name:      st.Name,
		State:     st.State,
	})

	w.Header().Set("Content-Type", eventStreamMediaType.String())
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	wf := &lockedWriteFlusher{Writer: w, Flusher: f, ctx: ctx}
	wf.Flush()

	h.log.InfoContext(ctx, "sse.stream.start")

	sw := &sseWriter{wf: wf, rc: http.NewResponseController(w)}
	if err := h.eng.ServeStream(ctx, sessID, sw); err != nil {
		switch {
		case errors.Is(err, context.Canceled):
			h.log.InfoContext(ctx, "sse.stream.client_gone")
		case errors.Is(err, sessions.ErrSessionNotFound):
			h.log.InfoContext(ctx, "sse.stream.session_gone")
		default:
			h.log.ErrorContext(ctx, "sse.stream.fail", slog.String("err", err.Error()))
		}
		return
	}

	h.log.InfoContext(ctx, "sse.stream.end", slog.Duration("dur", time.Since(start)))
}

// handleDelete terminally closes the caller's session.
func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()

	if !h.checkAuthorization(ctx, r, w) {
		return
	}

	sessID := r.Header.Get(sessionIDHeader)
	if sessID == "" {
		writeJSONError(w, http.StatusBadRequest, "missing Relay-Session-Id header")
		h.log.WarnContext(ctx, "session.id.missing")
		return
	}

	st, err := h.eng.Status(ctx, sessID)
	if err != nil {
		if errors.Is(err, sessions.ErrSessionNotFound) {
			writeJSONError(w, http.StatusNotFound, "session not found")
			h.log.InfoContext(ctx, "session.delete.miss")
			return
		}
		writeJSONError(w, http.StatusInternalServerError, "failed to load session")
		h.log.ErrorContext(ctx, "session.lookup.fail", slog.String("err", err.Error()))
		return
	}

	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{
		SessionID: st.ID,
		Name:      st.Name,
		State:     st.State,
	})

	h.eng.CloseSession(ctx, sessID)

	w.WriteHeader(http.StatusNoContent)
	h.log.InfoContext(ctx, "session.delete.ok", slog.Duration("dur", time.Since(start)))
}

// handleListSessions serves the session directory.
func (h *Handler) handleListSessions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if !h.checkAuthorization(ctx, r, w) {
		return
	}

	all, err := h.eng.StatusAll(ctx)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "failed to list sessions")
		h.log.ErrorContext(ctx, "sessions.list.fail", slog.String("err", err.Error()))
		return
	}

	w.Header().Set("Content-Type", jsonMediaType.String())
	if err := json.NewEncoder(w).Encode(map[string]any{
		"sessions": all,
		"count":    len(all),
	}); err != nil {
		h.log.ErrorContext(ctx, "sessions.list.write.fail", slog.String("err", err.Error()))
	}
}

// handleGetSession serves a single session's status.
func (h *Handler) handleGetSession(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if !h.checkAuthorization(ctx, r, w) {
		return
	}

	st, err := h.eng.Status(ctx, r.PathValue("id"))
	if err != nil {
		if errors.Is(err, sessions.ErrSessionNotFound) {
			writeJSONError(w, http.StatusNotFound, "session not found")
			return
		}
		writeJSONError(w, http.StatusInternalServerError, "failed to load session")
		h.log.ErrorContext(ctx, "session.status.fail", slog.String("err", err.Error()))
		return
	}

	w.Header().Set("Content-Type", jsonMediaType.String())
	if err := json.NewEncoder(w).Encode(st); err != nil {
		h.log.ErrorContext(ctx, "session.status.write.fail", slog.String("err", err.Error()))
	}
}

// lockedWriteFlusher wraps an io.Writer + http.Flusher with a mutex and an
// optional context. It serializes concurrent writes/flushes and avoids
// writing after ctx is canceled.
type lockedWriteFlusher struct {
	io.Writer
	http.Flusher
	mu  sync.Mutex
	ctx context.Context
}

func (l *lockedWriteFlusher) Write(p []byte) (int, error) {
	if l.ctx != nil && l.ctx.Err() != nil {
		return 0, l.ctx.Err()
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	// Re-check after acquiring the lock to minimize races with cancellation
	if l.ctx != nil && l.ctx.Err() != nil {
		return 0, l.ctx.Err()
	}
	return l.Writer.Write(p)
}

func (l *lockedWriteFlusher) Flush() {
	if l.ctx != nil && l.ctx.Err() != nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ctx != nil && l.ctx.Err() != nil {
		return
	}
	l.Flusher.Flush()
}

// sseWriter adapts a lockedWriteFlusher to the engine's stream interface.
// The SSE id field carries the envelope identifier so clients can detect
// and discard transport-level repeats.
type sseWriter struct {
	wf *lockedWriteFlusher
	rc *http.ResponseController
}

func (s *sseWriter) WriteEnvelope(ctx context.Context, env *queue.Envelope) error {
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to encode envelope: %w", err)
	}
	if _, err := fmt.Fprintf(s.wf, "event: message\nid: %s\ndata: ", env.ID); err != nil {
		return fmt.Errorf("failed to write SSE frame header: %w", err)
	}
	if _, err := s.wf.Write(body); err != nil {
		return fmt.Errorf("failed to write SSE payload: %w", err)
	}
	if _, err := s.wf.Write([]byte("\n\n")); err != nil {
		return fmt.Errorf("failed to write SSE frame terminator: %w", err)
	}
	s.wf.Flush()
	return nil
}

func (s *sseWriter) WriteHeartbeat(ctx context.Context) error {
	if _, err := s.wf.Write([]byte(": keep-alive\n\n")); err != nil {
		return fmt.Errorf("failed to write SSE heartbeat: %w", err)
	}
	s.wf.Flush()
	return nil
}

// Close forces a write stalled on the client connection to return by
// expiring the response write deadline. It deliberately skips the flusher
// mutex: a stuck write is holding it.
func (s *sseWriter) Close() error {
	return s.rc.SetWriteDeadline(time.Now())
}
