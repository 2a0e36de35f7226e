// Package sessions defines the session abstraction shared by the relay core
// and its transports. A session represents a registered, addressable client
// endpoint whose lifetime is independent of any single network connection:
// streams come and go, the session and its queued messages persist until
// teardown.
//
// Layers & Roles
//
//	Registry  -> single source of truth for "does this session exist"
//	Session   -> concurrency-safe handle carrying lifecycle state and
//	             activity timestamps
//	State     -> closed enumeration driving the connection lifecycle
//	             state machine; illegal transitions are errors
//
// The Registry is constructed once and passed explicitly to the router and
// multiplexer — there is no ambient global set of connected clients. All
// other components treat a missing session as authoritative evidence of
// teardown.
package sessions
