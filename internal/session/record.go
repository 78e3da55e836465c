// ABOUTME: Per-session state: identity, bookkeeping, and the turn lock.
// ABOUTME: Each record owns a dedicated connection to the upstream agent.

package session

import (
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/parleyhq/parley-gateway/internal/agent"
)

// Record is the state tracked for one conversation session.
//
// Two locks with distinct jobs: the turn semaphore serializes agent turns
// (held for the whole turn, acquired with a context so waiters can give
// up), and mu guards field access so snapshots never see torn values.
type Record struct {
	id   string
	conn agent.Connection

	// turn lock: at most one agent turn runs against this record
	sem *semaphore.Weighted

	mu             sync.Mutex
	lastAccessed   time.Time
	turnCount      int
	runningCostUSD float64
}

func newRecord(id string, conn agent.Connection, now time.Time) *Record {
	return &Record{
		id:           id,
		conn:         conn,
		sem:          semaphore.NewWeighted(1),
		lastAccessed: now,
	}
}

// ID returns the session identifier.
func (r *Record) ID() string { return r.id }

// Connection returns the dedicated agent connection for this session.
func (r *Record) Connection() agent.Connection { return r.conn }

// touch refreshes the last-access timestamp.
func (r *Record) touch(now time.Time) {
	r.mu.Lock()
	r.lastAccessed = now
	r.mu.Unlock()
}

// idleSince returns how long the session has gone unused.
func (r *Record) idleSince(now time.Time) time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return now.Sub(r.lastAccessed)
}

// stats returns a consistent snapshot of the bookkeeping fields.
func (r *Record) stats() (turns int, costUSD float64, lastAccessed time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.turnCount, r.runningCostUSD, r.lastAccessed
}

// Stats returns the session's turn count and accumulated cost.
func (r *Record) Stats() (turns int, costUSD float64) {
	t, c, _ := r.stats()
	return t, c
}

// recordOutcome applies a completed turn's bookkeeping. Caller must hold
// the turn lock.
func (r *Record) recordOutcome(costUSD float64) {
	r.mu.Lock()
	r.turnCount++
	r.runningCostUSD += costUSD
	r.mu.Unlock()
}

// Summary is a point-in-time view of one session for listings. A session
// mid-turn may report slightly stale turn and cost figures.
type Summary struct {
	ID             string    `json:"session_id"`
	TurnCount      int       `json:"turn_count"`
	RunningCostUSD float64   `json:"running_cost_usd"`
	LastAccessed   time.Time `json:"last_accessed"`
	Expired        bool      `json:"expired"`
}
