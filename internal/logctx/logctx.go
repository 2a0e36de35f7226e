package logctx

import (
	"context"
	"log/slog"

	"github.com/relaykit/relay-server-go/sessions"
)

// Handler decorates records with request, session, and route attribute
// groups carried on the context, so call sites log once and every line
// downstream of the middleware carries the correlation fields.
type Handler struct {
	slog.Handler
}

func (h Handler) Handle(ctx context.Context, r slog.Record) error {
	if rd, ok := ctx.Value(requestDataKey{}).(*RequestData); ok {
		r.AddAttrs(slog.Group("req",
			slog.String("id", rd.RequestID),
			slog.String("method", rd.Method),
			slog.String("user_agent", rd.UserAgent),
			slog.String("remote_addr", rd.RemoteAddr),
			slog.String("path", rd.Path),
		))
	}

	if sd, ok := ctx.Value(sessionDataKey{}).(*SessionData); ok {
		r.AddAttrs(slog.Group("sess",
			slog.String("id", sd.SessionID),
			slog.String("name", sd.Name),
			slog.String("state", string(sd.State)),
		))
	}

	if md, ok := ctx.Value(routeDataKey{}).(*RouteData); ok {
		r.AddAttrs(slog.Group("route",
			slog.String("source", md.Source),
			slog.String("destination", md.Destination),
			slog.String("message_id", md.MessageID),
		))
	}

	return h.Handler.Handle(ctx, r)
}

type requestDataKey struct{}

type RequestData struct {
	RequestID  string
	Method     string
	UserAgent  string
	RemoteAddr string
	Path       string
}

func WithRequestData(ctx context.Context, data *RequestData) context.Context {
	return context.WithValue(ctx, requestDataKey{}, data)
}

type sessionDataKey struct{}

type SessionData struct {
	SessionID string
	Name      string
	State     sessions.State
}

func WithSessionData(ctx context.Context, data *SessionData) context.Context {
	return context.WithValue(ctx, sessionDataKey{}, data)
}

type routeDataKey struct{}

type RouteData struct {
	Source      string
	Destination string
	MessageID   string
}

func WithRouteData(ctx context.Context, data *RouteData) context.Context {
	return context.WithValue(ctx, routeDataKey{}, data)
}
