// Package session manages concurrent, stateful conversation sessions over
// dedicated upstream agent connections.
//
// # Overview
//
// A session is one continuous dialogue identified by a UUID, spanning many
// request/response turns. The Registry owns every session: it issues
// identifiers, resolves them to records, serializes turns per session,
// expires idle sessions, and tears everything down at shutdown.
//
// # Two-Tier Locking
//
// The registry mutex guards structural mutation of the id-to-record map
// (insert, remove) and is held only briefly. Each Record carries its own
// turn lock, held for the full duration of one agent turn:
//
//	rec, err := registry.ResolveOrCreate(ctx, id)
//	release, err := registry.BeginTurn(ctx, rec)
//	defer release()
//	result, err := rec.Connection().RunTurn(ctx, req)
//	registry.RecordTurnOutcome(rec, result.CostUSD, err == nil)
//
// Turns on the same session serialize; turns on different sessions run in
// parallel. Waiting for a turn lock is cancellable through the context,
// and release is safe on every exit path.
//
// # Expiry
//
// Expiry is judged purely on the last-access timestamp, refreshed at
// resolution. A background sweeper removes idle sessions every
// SweepInterval; resolution performs the same check inline. The two
// removal paths may race: exactly one wins, the other observes the key
// already gone. The idle timeout (default 30 minutes) is far larger than
// any plausible turn, and the sweeper additionally skips records whose
// turn lock is held.
//
// Every removal path (sweep, explicit release, shutdown) honors the turn
// lock: a record may leave the map while a turn is executing, but its
// connection is closed only once that turn ends.
//
// # Bookkeeping
//
// Turn count and running cost are updated only after a successful turn,
// only by the turn-lock holder. A failed turn leaves both untouched and
// the session usable for a retry.
package session
