// ABOUTME: Package documentation for the gateway package.
// ABOUTME: Describes the HTTP surface and component wiring.

// Package gateway assembles the HTTP server over the session registry,
// the agent dialer, and the usage store.
//
// Each chat request maps to exactly one agent turn: the handler resolves
// the session, takes its turn lock, runs the turn, records cost and
// token usage, and releases the lock. Sessions are never shared between
// concurrent turns; concurrent requests against the same session queue
// behind its lock, and requests against distinct sessions proceed in
// parallel.
package gateway
