// Package streaminghttp exposes the relay engine over HTTP. It mounts as a
// standard net/http handler: clients register and send messages with POST
// requests and consume their queue over a long-lived streaming response
// (Server-Sent Events style).
//
// Endpoints (relative to the configured base path):
//
//	POST   {path}                register (no session header) or send
//	GET    {path}                attach the session's outbound stream (SSE)
//	DELETE {path}                close the session
//	GET    {path}/sessions       directory of registered sessions
//	GET    {path}/sessions/{id}  single session status
//
// The sending and receiving session is identified by the Relay-Session-Id
// request header. Delivery per (source, destination) pair is strictly
// ordered; a reconnecting client resumes from the first undelivered
// message with no repeats, keyed by the SSE id field.
//
// # Error Handling
//
// Transport-level rejections map to HTTP status codes with a minimal JSON
// error body: unknown sessions are 404, a full destination queue is 429
// with Retry-After, a sequence regression is 409, and sending from a
// closed session is 410.
//
// Authorization is a collaborator concern: supply WithAuthorizer to gate
// requests before they reach the engine. The handler itself parses no
// credentials.
//
// Example (mount in net/http):
//
//	h, err := streaminghttp.New(ctx, "/relay", eng)
//	if err != nil { ... }
//	http.ListenAndServe(":8123", h)
package streaminghttp
