// ABOUTME: Registry owning all conversation sessions and their lifecycle.
// ABOUTME: Handles resolution, per-session turn locking, expiry, shutdown.

package session

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/parleyhq/parley-gateway/internal/agent"
)

// Defaults for the expiry policy. The idle timeout is deliberately much
// larger than any plausible single turn, so a long-running turn cannot
// be swept mid-flight (expiry is judged on last access, which is touched
// at resolution, not at turn start or end).
const (
	DefaultIdleTimeout   = 30 * time.Minute
	DefaultSweepInterval = 5 * time.Minute
)

// Options configures a Registry.
type Options struct {
	// IdleTimeout is how long a session may go unused before it is
	// eligible for expiry. Zero means DefaultIdleTimeout.
	IdleTimeout time.Duration

	// SweepInterval is the cadence of the background expiry sweep.
	// Zero means DefaultSweepInterval.
	SweepInterval time.Duration

	// MaxSessions caps concurrently live sessions. Zero means unlimited.
	MaxSessions int

	// CreateMissing selects the unknown-id policy: when true, resolving a
	// well-formed id that does not exist creates a session under that id;
	// when false it fails with ErrNotFound.
	CreateMissing bool

	Logger *slog.Logger
}

// Registry owns the mapping from session id to Record. Structural
// mutations (insert, remove) happen under the registry mutex, which is
// held only for the structural decision, never across a dial or a turn.
type Registry struct {
	dialer        agent.Dialer
	idleTimeout   time.Duration
	sweepInterval time.Duration
	maxSessions   int
	createMissing bool
	logger        *slog.Logger

	mu       sync.Mutex
	sessions map[string]*Record
	closed   bool

	done chan struct{}
	wg   sync.WaitGroup
}

// New creates a Registry and starts its background expiry sweeper.
// Callers own the lifecycle: construct once at process start, pass by
// reference to handlers, and Shutdown at process stop.
func New(dialer agent.Dialer, opts Options) *Registry {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = DefaultIdleTimeout
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = DefaultSweepInterval
	}

	reg := &Registry{
		dialer:        dialer,
		idleTimeout:   opts.IdleTimeout,
		sweepInterval: opts.SweepInterval,
		maxSessions:   opts.MaxSessions,
		createMissing: opts.CreateMissing,
		logger:        logger.With("component", "session-registry"),
		sessions:      make(map[string]*Record),
		done:          make(chan struct{}),
	}

	reg.wg.Add(1)
	go reg.sweepLoop()

	return reg
}

// ResolveOrCreate resolves a session id to its record, creating a new
// session where the configured policy allows it.
//
//   - id == "": a fresh id is allocated and a new session created.
//   - malformed id: fails with ErrInvalidID; nothing is created.
//   - unknown id: creates under that exact id when CreateMissing is set,
//     otherwise fails with ErrNotFound.
//   - known but idle past the timeout: the record is removed, its
//     connection released, and resolution fails with ErrExpired. The id
//     is never silently reincarnated.
//   - known and fresh: the last-access timestamp is refreshed and the
//     existing record returned.
func (reg *Registry) ResolveOrCreate(ctx context.Context, id string) (*Record, error) {
	if id != "" {
		if _, err := uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("%w: %q", ErrInvalidID, id)
		}
	}

	now := time.Now()

	reg.mu.Lock()
	if reg.closed {
		reg.mu.Unlock()
		return nil, ErrShutdown
	}

	if id == "" {
		// uuid draws from a global random source, so concurrent
		// allocations cannot collide.
		id = uuid.New().String()
	} else if rec, ok := reg.sessions[id]; ok {
		if rec.idleSince(now) > reg.idleTimeout {
			delete(reg.sessions, id)
			reg.mu.Unlock()
			reg.closeRecord(rec, "expired on resolution")
			return nil, fmt.Errorf("%w: %s", ErrExpired, id)
		}
		rec.touch(now)
		reg.mu.Unlock()
		reg.logger.Debug("session resolved", "session_id", id)
		return rec, nil
	} else if !reg.createMissing {
		reg.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	if reg.maxSessions > 0 && len(reg.sessions) >= reg.maxSessions {
		reg.mu.Unlock()
		return nil, fmt.Errorf("%w: %d sessions active", ErrSessionLimit, reg.maxSessions)
	}
	reg.mu.Unlock()

	// Dial outside the registry lock; connecting is expensive.
	conn, err := reg.dialer.Dial(ctx)
	if err != nil {
		return nil, fmt.Errorf("connecting to agent: %w", err)
	}

	rec := newRecord(id, conn, time.Now())

	reg.mu.Lock()
	if reg.closed {
		reg.mu.Unlock()
		_ = conn.Close()
		return nil, ErrShutdown
	}
	if existing, ok := reg.sessions[id]; ok {
		// Lost a create race on a caller-supplied id; the winner's record
		// is the session, our spare connection is discarded.
		existing.touch(time.Now())
		reg.mu.Unlock()
		_ = conn.Close()
		return existing, nil
	}
	if reg.maxSessions > 0 && len(reg.sessions) >= reg.maxSessions {
		reg.mu.Unlock()
		_ = conn.Close()
		return nil, fmt.Errorf("%w: %d sessions active", ErrSessionLimit, reg.maxSessions)
	}
	reg.sessions[id] = rec
	active := len(reg.sessions)
	reg.mu.Unlock()

	reg.logger.Info("session created", "session_id", id, "active_sessions", active)
	return rec, nil
}

// BeginTurn acquires the record's turn lock. The wait is cancellable: if
// ctx ends first, no lock is held and an error is returned. On success
// the caller runs exactly one turn and must call release on every exit
// path; release is safe to call more than once.
func (reg *Registry) BeginTurn(ctx context.Context, rec *Record) (release func(), err error) {
	if err := rec.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("waiting for turn on session %s: %w", rec.id, err)
	}
	var once sync.Once
	return func() {
		once.Do(func() { rec.sem.Release(1) })
	}, nil
}

// RecordTurnOutcome applies one turn's bookkeeping. A successful turn
// increments the turn counter and adds its cost; a failed turn changes
// nothing, leaving the session usable for another attempt. Must be called
// while still holding the turn lock from BeginTurn.
func (reg *Registry) RecordTurnOutcome(rec *Record, costUSD float64, success bool) error {
	if costUSD < 0 {
		return fmt.Errorf("negative turn cost %.6f for session %s", costUSD, rec.id)
	}
	if !success {
		return nil
	}
	rec.recordOutcome(costUSD)
	return nil
}

// List returns a point-in-time snapshot of all sessions, most recently
// used first. Individual records are not turn-locked, so a session
// mid-turn may report slightly stale figures.
func (reg *Registry) List() []Summary {
	now := time.Now()

	reg.mu.Lock()
	out := make([]Summary, 0, len(reg.sessions))
	for _, rec := range reg.sessions {
		turns, cost, last := rec.stats()
		out = append(out, Summary{
			ID:             rec.id,
			TurnCount:      turns,
			RunningCostUSD: cost,
			LastAccessed:   last,
			Expired:        now.Sub(last) > reg.idleTimeout,
		})
	}
	reg.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].LastAccessed.After(out[j].LastAccessed)
	})
	return out
}

// Release removes a session and closes its connection. Unknown ids are a
// no-op, so racing an expiry sweep is harmless. If a turn is executing,
// the record leaves the map immediately but the connection is closed only
// once the turn's lock frees; a connection is never torn down mid-turn.
func (reg *Registry) Release(id string) {
	reg.mu.Lock()
	rec, ok := reg.sessions[id]
	if ok {
		delete(reg.sessions, id)
	}
	reg.mu.Unlock()

	if !ok {
		return
	}

	if rec.sem.TryAcquire(1) {
		rec.sem.Release(1)
		reg.closeRecord(rec, "released")
		return
	}

	go func() {
		// The record is out of the map, so no new turn can begin; the
		// acquire returns as soon as the in-flight turn ends.
		_ = rec.sem.Acquire(context.Background(), 1)
		rec.sem.Release(1)
		reg.closeRecord(rec, "released")
	}()
}

// Shutdown stops the expiry sweeper, waits for in-flight turns (bounded
// by ctx), closes every connection, and clears the mapping. Idempotent;
// resolutions after Shutdown fail with ErrShutdown.
func (reg *Registry) Shutdown(ctx context.Context) error {
	reg.mu.Lock()
	if reg.closed {
		reg.mu.Unlock()
		return nil
	}
	reg.closed = true
	records := make([]*Record, 0, len(reg.sessions))
	for _, rec := range reg.sessions {
		records = append(records, rec)
	}
	reg.sessions = make(map[string]*Record)
	close(reg.done)
	reg.mu.Unlock()

	// The sweeper is joined before connections are torn down, so no
	// sweep ever runs against a half-destroyed registry.
	reg.wg.Wait()

	var errs []error
	for _, rec := range records {
		if err := rec.sem.Acquire(ctx, 1); err == nil {
			rec.sem.Release(1)
		}
		if err := rec.conn.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing session %s: %w", rec.id, err))
		}
	}

	reg.logger.Info("session registry shut down", "sessions_closed", len(records))
	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}
	return nil
}

// sweepLoop periodically removes expired sessions until Shutdown.
func (reg *Registry) sweepLoop() {
	defer reg.wg.Done()

	ticker := time.NewTicker(reg.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if n := reg.sweep(time.Now()); n > 0 {
				reg.logger.Info("swept expired sessions", "count", n)
			}
		case <-reg.done:
			return
		}
	}
}

// sweep removes sessions idle past the timeout. Removal races with
// resolution-side expiry: whichever runs second finds the key already
// gone and treats that as a no-op. Records whose turn lock is currently
// held are skipped as an extra margin on top of the timeout policy.
func (reg *Registry) sweep(now time.Time) int {
	var expired []*Record

	reg.mu.Lock()
	for id, rec := range reg.sessions {
		if rec.idleSince(now) <= reg.idleTimeout {
			continue
		}
		if !rec.sem.TryAcquire(1) {
			continue
		}
		delete(reg.sessions, id)
		rec.sem.Release(1)
		expired = append(expired, rec)
	}
	reg.mu.Unlock()

	for _, rec := range expired {
		reg.closeRecord(rec, "idle timeout")
	}
	return len(expired)
}

// closeRecord releases a record's connection after it has left the map.
func (reg *Registry) closeRecord(rec *Record, reason string) {
	if err := rec.conn.Close(); err != nil {
		reg.logger.Warn("error closing session connection",
			"session_id", rec.id,
			"reason", reason,
			"error", err,
		)
		return
	}
	reg.logger.Debug("session connection closed", "session_id", rec.id, "reason", reason)
}
