// ABOUTME: Error taxonomy for session resolution and lifecycle failures.
// ABOUTME: Callers discriminate with errors.Is; every error names the id.

package session

import "errors"

// ErrInvalidID indicates a caller-supplied session id is not a valid UUID.
var ErrInvalidID = errors.New("invalid session id")

// ErrNotFound indicates a well-formed session id that does not exist.
// Only surfaced when the registry is configured to reject unknown ids.
var ErrNotFound = errors.New("session not found")

// ErrExpired indicates the session exceeded the idle timeout. Detecting
// this removes the record, so the caller must start a new session.
var ErrExpired = errors.New("session expired")

// ErrShutdown indicates the registry has been shut down.
var ErrShutdown = errors.New("session registry is shut down")

// ErrSessionLimit indicates the configured maximum session count is reached.
var ErrSessionLimit = errors.New("session limit reached")
