// ABOUTME: Tests for the session registry core: resolution, locking, expiry.
// ABOUTME: Uses an instrumented fake agent connection to assert concurrency.

package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parleyhq/parley-gateway/internal/agent"
)

// fakeDialer produces instrumented fake connections. Counters are shared
// across all dialed connections so tests can observe overlap both within
// one session and across sessions.
type fakeDialer struct {
	dialErr   error
	turnErr   error
	turnCost  float64
	turnDelay time.Duration

	// when set, RunTurn signals started and then blocks until gate closes
	started chan struct{}
	gate    chan struct{}

	dials       atomic.Int32
	inFlight    atomic.Int32
	maxInFlight atomic.Int32
	closes      atomic.Int32
}

func (d *fakeDialer) Dial(ctx context.Context) (agent.Connection, error) {
	if d.dialErr != nil {
		return nil, d.dialErr
	}
	d.dials.Add(1)
	return &fakeConn{dialer: d}, nil
}

type fakeConn struct {
	dialer *fakeDialer
	closed atomic.Bool
}

func (c *fakeConn) RunTurn(ctx context.Context, req agent.TurnRequest) (*agent.TurnResult, error) {
	d := c.dialer

	cur := d.inFlight.Add(1)
	defer d.inFlight.Add(-1)
	for {
		max := d.maxInFlight.Load()
		if cur <= max || d.maxInFlight.CompareAndSwap(max, cur) {
			break
		}
	}

	if d.started != nil {
		d.started <- struct{}{}
	}
	if d.gate != nil {
		select {
		case <-d.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if d.turnDelay > 0 {
		time.Sleep(d.turnDelay)
	}
	if d.turnErr != nil {
		return nil, d.turnErr
	}
	return &agent.TurnResult{
		Text:    "ok: " + req.Prompt,
		CostUSD: d.turnCost,
		Usage:   agent.Usage{InputTokens: 10, OutputTokens: 20},
	}, nil
}

func (c *fakeConn) Close() error {
	if !c.closed.Swap(true) {
		c.dialer.closes.Add(1)
	}
	return nil
}

func newTestRegistry(t *testing.T, dialer *fakeDialer, opts Options) *Registry {
	t.Helper()
	reg := New(dialer, opts)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = reg.Shutdown(ctx)
	})
	return reg
}

// runOneTurn drives a full turn against a session the way the gateway does.
func runOneTurn(ctx context.Context, reg *Registry, rec *Record, prompt string) error {
	release, err := reg.BeginTurn(ctx, rec)
	if err != nil {
		return err
	}
	defer release()

	result, err := rec.Connection().RunTurn(ctx, agent.TurnRequest{Prompt: prompt})
	if err != nil {
		return errors.Join(err, reg.RecordTurnOutcome(rec, 0, false))
	}
	return reg.RecordTurnOutcome(rec, result.CostUSD, true)
}

func TestResolveOrCreate_AllocatesFreshID(t *testing.T) {
	dialer := &fakeDialer{}
	reg := newTestRegistry(t, dialer, Options{})

	rec, err := reg.ResolveOrCreate(context.Background(), "")
	require.NoError(t, err)
	assert.NotEmpty(t, rec.ID())
	assert.NotNil(t, rec.Connection())
	assert.Equal(t, int32(1), dialer.dials.Load())

	// Resolving the issued id returns the same record without redialing.
	again, err := reg.ResolveOrCreate(context.Background(), rec.ID())
	require.NoError(t, err)
	assert.Same(t, rec, again)
	assert.Equal(t, int32(1), dialer.dials.Load())
}

func TestResolveOrCreate_InvalidID(t *testing.T) {
	reg := newTestRegistry(t, &fakeDialer{}, Options{})

	_, err := reg.ResolveOrCreate(context.Background(), "not-a-uuid")
	require.ErrorIs(t, err, ErrInvalidID)
	assert.Contains(t, err.Error(), "not-a-uuid")
	assert.Empty(t, reg.List(), "malformed id must not create a record")
}

func TestResolveOrCreate_UnknownID_RejectPolicy(t *testing.T) {
	reg := newTestRegistry(t, &fakeDialer{}, Options{CreateMissing: false})

	id := "7f2c9c5e-93a1-4a6e-8b3f-0d8f3a1c2b4d"
	_, err := reg.ResolveOrCreate(context.Background(), id)
	require.ErrorIs(t, err, ErrNotFound)
	assert.Contains(t, err.Error(), id)
}

func TestResolveOrCreate_UnknownID_CreatePolicy(t *testing.T) {
	dialer := &fakeDialer{}
	reg := newTestRegistry(t, dialer, Options{CreateMissing: true})

	id := "7f2c9c5e-93a1-4a6e-8b3f-0d8f3a1c2b4d"
	rec, err := reg.ResolveOrCreate(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, id, rec.ID())
	assert.Equal(t, int32(1), dialer.dials.Load())
}

func TestResolveOrCreate_DialFailure(t *testing.T) {
	dialer := &fakeDialer{dialErr: errors.New("upstream unreachable")}
	reg := newTestRegistry(t, dialer, Options{})

	_, err := reg.ResolveOrCreate(context.Background(), "")
	require.Error(t, err)
	assert.Empty(t, reg.List(), "failed dial must not leave a record behind")
}

func TestExpiry_BoundaryBehavior(t *testing.T) {
	dialer := &fakeDialer{}
	reg := newTestRegistry(t, dialer, Options{IdleTimeout: 100 * time.Millisecond, SweepInterval: time.Hour})

	rec, err := reg.ResolveOrCreate(context.Background(), "")
	require.NoError(t, err)
	id := rec.ID()

	// Before the timeout: resolution succeeds and refreshes last access,
	// so total wall time past the original access does not matter.
	time.Sleep(60 * time.Millisecond)
	_, err = reg.ResolveOrCreate(context.Background(), id)
	require.NoError(t, err)

	time.Sleep(60 * time.Millisecond)
	_, err = reg.ResolveOrCreate(context.Background(), id)
	require.NoError(t, err, "refreshed session must survive past the original deadline")

	// Past the timeout: resolution fails with Expired and removes the record.
	time.Sleep(120 * time.Millisecond)
	_, err = reg.ResolveOrCreate(context.Background(), id)
	require.ErrorIs(t, err, ErrExpired)
	assert.Contains(t, err.Error(), id)
	assert.Equal(t, int32(1), dialer.closes.Load(), "expired connection must be released")
}

func TestExpiry_NoResurrection(t *testing.T) {
	reg := newTestRegistry(t, &fakeDialer{}, Options{IdleTimeout: 50 * time.Millisecond, SweepInterval: time.Hour})

	rec, err := reg.ResolveOrCreate(context.Background(), "")
	require.NoError(t, err)
	id := rec.ID()

	time.Sleep(80 * time.Millisecond)
	_, err = reg.ResolveOrCreate(context.Background(), id)
	require.ErrorIs(t, err, ErrExpired)

	// The literal id is now just an unknown id; under the reject policy it
	// is NotFound, never a silent continuation of the old conversation.
	_, err = reg.ResolveOrCreate(context.Background(), id)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestExpiry_NoResurrection_CreatePolicy(t *testing.T) {
	dialer := &fakeDialer{}
	reg := newTestRegistry(t, dialer, Options{
		IdleTimeout:   50 * time.Millisecond,
		SweepInterval: time.Hour,
		CreateMissing: true,
	})

	rec, err := reg.ResolveOrCreate(context.Background(), "")
	require.NoError(t, err)
	id := rec.ID()
	require.NoError(t, runOneTurn(context.Background(), reg, rec, "hello"))

	time.Sleep(80 * time.Millisecond)
	_, err = reg.ResolveOrCreate(context.Background(), id)
	require.ErrorIs(t, err, ErrExpired)

	// Auto-create policy: same literal id resolves to a brand new session
	// with fresh state and a fresh connection.
	fresh, err := reg.ResolveOrCreate(context.Background(), id)
	require.NoError(t, err)
	turns, cost, _ := fresh.stats()
	assert.Zero(t, turns)
	assert.Zero(t, cost)
	assert.Equal(t, int32(2), dialer.dials.Load())
}

func TestTurn_MutualExclusionPerSession(t *testing.T) {
	const workers = 8
	dialer := &fakeDialer{turnDelay: 5 * time.Millisecond, turnCost: 0.001}
	reg := newTestRegistry(t, dialer, Options{})

	rec, err := reg.ResolveOrCreate(context.Background(), "")
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			assert.NoError(t, runOneTurn(context.Background(), reg, rec, fmt.Sprintf("turn %d", n)))
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), dialer.maxInFlight.Load(), "two turns on one session must never overlap")

	turns, cost, _ := rec.stats()
	assert.Equal(t, workers, turns)
	assert.InDelta(t, workers*0.001, cost, 1e-9)
}

func TestTurn_DistinctSessionsRunConcurrently(t *testing.T) {
	const sessions = 4
	dialer := &fakeDialer{
		started: make(chan struct{}, sessions),
		gate:    make(chan struct{}),
	}
	reg := newTestRegistry(t, dialer, Options{})

	var wg sync.WaitGroup
	for i := 0; i < sessions; i++ {
		rec, err := reg.ResolveOrCreate(context.Background(), "")
		require.NoError(t, err)
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, runOneTurn(context.Background(), reg, rec, "hello"))
		}()
	}

	// All turns must be able to enter RunTurn before any completes.
	for i := 0; i < sessions; i++ {
		select {
		case <-dialer.started:
		case <-time.After(5 * time.Second):
			t.Fatal("turns on distinct sessions did not overlap")
		}
	}
	close(dialer.gate)
	wg.Wait()

	assert.Equal(t, int32(sessions), dialer.maxInFlight.Load())
}

func TestRecordTurnOutcome_Bookkeeping(t *testing.T) {
	dialer := &fakeDialer{}
	reg := newTestRegistry(t, dialer, Options{})

	rec, err := reg.ResolveOrCreate(context.Background(), "")
	require.NoError(t, err)

	release, err := reg.BeginTurn(context.Background(), rec)
	require.NoError(t, err)

	require.NoError(t, reg.RecordTurnOutcome(rec, 0.002, true))
	turns, cost, _ := rec.stats()
	assert.Equal(t, 1, turns)
	assert.InDelta(t, 0.002, cost, 1e-9)

	// A failed turn changes nothing.
	require.NoError(t, reg.RecordTurnOutcome(rec, 0.5, false))
	turns, cost, _ = rec.stats()
	assert.Equal(t, 1, turns)
	assert.InDelta(t, 0.002, cost, 1e-9)

	// Negative cost is rejected outright.
	err = reg.RecordTurnOutcome(rec, -0.01, true)
	require.Error(t, err)
	turns, cost, _ = rec.stats()
	assert.Equal(t, 1, turns)
	assert.InDelta(t, 0.002, cost, 1e-9)

	release()
}

func TestBeginTurn_WaitIsCancellable(t *testing.T) {
	reg := newTestRegistry(t, &fakeDialer{}, Options{})

	rec, err := reg.ResolveOrCreate(context.Background(), "")
	require.NoError(t, err)

	release, err := reg.BeginTurn(context.Background(), rec)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = reg.BeginTurn(ctx, rec)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	// The abandoned wait left no lock held: after the holder releases,
	// the next acquisition succeeds immediately.
	release()
	release() // double release is safe

	release2, err := reg.BeginTurn(context.Background(), rec)
	require.NoError(t, err)
	release2()
}

func TestConcurrentCreation_UniqueIDs(t *testing.T) {
	const n = 1000
	reg := newTestRegistry(t, &fakeDialer{}, Options{})

	ids := make(chan string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rec, err := reg.ResolveOrCreate(context.Background(), "")
			if assert.NoError(t, err) {
				ids <- rec.ID()
			}
		}()
	}
	wg.Wait()
	close(ids)

	seen := make(map[string]struct{}, n)
	for id := range ids {
		seen[id] = struct{}{}
	}
	assert.Len(t, seen, n, "concurrent creations must yield distinct ids")
	assert.Len(t, reg.List(), n)
}

func TestSessionLimit(t *testing.T) {
	reg := newTestRegistry(t, &fakeDialer{}, Options{MaxSessions: 2})

	_, err := reg.ResolveOrCreate(context.Background(), "")
	require.NoError(t, err)
	_, err = reg.ResolveOrCreate(context.Background(), "")
	require.NoError(t, err)

	_, err = reg.ResolveOrCreate(context.Background(), "")
	require.ErrorIs(t, err, ErrSessionLimit)
	assert.Len(t, reg.List(), 2, "failed creation must not mutate state")
}

func TestRelease(t *testing.T) {
	dialer := &fakeDialer{}
	reg := newTestRegistry(t, dialer, Options{})

	rec, err := reg.ResolveOrCreate(context.Background(), "")
	require.NoError(t, err)

	reg.Release(rec.ID())
	assert.Empty(t, reg.List())
	assert.Equal(t, int32(1), dialer.closes.Load())

	// Unknown and repeated releases are no-ops.
	reg.Release(rec.ID())
	reg.Release("099aa45e-2f5c-4a0f-9a3c-111111111111")
	assert.Equal(t, int32(1), dialer.closes.Load())
}

func TestRelease_WaitsForInFlightTurn(t *testing.T) {
	dialer := &fakeDialer{
		started: make(chan struct{}, 1),
		gate:    make(chan struct{}),
	}
	reg := newTestRegistry(t, dialer, Options{})

	rec, err := reg.ResolveOrCreate(context.Background(), "")
	require.NoError(t, err)

	turnDone := make(chan error, 1)
	go func() {
		turnDone <- runOneTurn(context.Background(), reg, rec, "slow")
	}()
	<-dialer.started

	// Releasing mid-turn removes the session but must not close the
	// connection out from under the executing turn.
	reg.Release(rec.ID())
	assert.Empty(t, reg.List())
	assert.Zero(t, dialer.closes.Load(), "connection closed while a turn was executing")

	close(dialer.gate)
	require.NoError(t, <-turnDone)

	assert.Eventually(t, func() bool {
		return dialer.closes.Load() == 1
	}, time.Second, 10*time.Millisecond, "connection should close once the turn finishes")
}

func TestSweep_RemovesIdleSessions(t *testing.T) {
	dialer := &fakeDialer{}
	reg := newTestRegistry(t, dialer, Options{IdleTimeout: time.Minute, SweepInterval: time.Hour})

	stale, err := reg.ResolveOrCreate(context.Background(), "")
	require.NoError(t, err)
	fresh, err := reg.ResolveOrCreate(context.Background(), "")
	require.NoError(t, err)

	stale.touch(time.Now().Add(-2 * time.Minute))

	assert.Equal(t, 1, reg.sweep(time.Now()))
	assert.Equal(t, int32(1), dialer.closes.Load())

	remaining := reg.List()
	require.Len(t, remaining, 1)
	assert.Equal(t, fresh.ID(), remaining[0].ID)

	// A second sweep finds nothing; removal happened exactly once.
	assert.Zero(t, reg.sweep(time.Now()))
}

func TestSweep_SkipsSessionsMidTurn(t *testing.T) {
	dialer := &fakeDialer{}
	reg := newTestRegistry(t, dialer, Options{IdleTimeout: time.Minute, SweepInterval: time.Hour})

	rec, err := reg.ResolveOrCreate(context.Background(), "")
	require.NoError(t, err)
	rec.touch(time.Now().Add(-2 * time.Minute))

	release, err := reg.BeginTurn(context.Background(), rec)
	require.NoError(t, err)

	assert.Zero(t, reg.sweep(time.Now()), "a session mid-turn must not be swept")
	assert.Len(t, reg.List(), 1)

	release()
	assert.Equal(t, 1, reg.sweep(time.Now()))
}

func TestSweeper_RunsInBackground(t *testing.T) {
	dialer := &fakeDialer{}
	reg := newTestRegistry(t, dialer, Options{IdleTimeout: 30 * time.Millisecond, SweepInterval: 20 * time.Millisecond})

	_, err := reg.ResolveOrCreate(context.Background(), "")
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		return len(reg.List()) == 0 && dialer.closes.Load() == 1
	}, 2*time.Second, 10*time.Millisecond, "background sweeper should expire the idle session")
}

func TestList_Snapshot(t *testing.T) {
	reg := newTestRegistry(t, &fakeDialer{turnCost: 0.004}, Options{IdleTimeout: time.Hour})

	first, err := reg.ResolveOrCreate(context.Background(), "")
	require.NoError(t, err)
	require.NoError(t, runOneTurn(context.Background(), reg, first, "hello"))

	second, err := reg.ResolveOrCreate(context.Background(), "")
	require.NoError(t, err)

	summaries := reg.List()
	require.Len(t, summaries, 2)

	// Most recently used first.
	assert.Equal(t, second.ID(), summaries[0].ID)
	assert.Equal(t, first.ID(), summaries[1].ID)

	assert.Equal(t, 1, summaries[1].TurnCount)
	assert.InDelta(t, 0.004, summaries[1].RunningCostUSD, 1e-9)
	assert.False(t, summaries[0].Expired)
	assert.False(t, summaries[0].LastAccessed.IsZero())
}

func TestShutdown(t *testing.T) {
	dialer := &fakeDialer{}
	reg := New(dialer, Options{})

	for i := 0; i < 3; i++ {
		_, err := reg.ResolveOrCreate(context.Background(), "")
		require.NoError(t, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, reg.Shutdown(ctx))
	assert.Equal(t, int32(3), dialer.closes.Load())

	// Idempotent, and resolutions after shutdown fail cleanly.
	require.NoError(t, reg.Shutdown(ctx))
	_, err := reg.ResolveOrCreate(context.Background(), "")
	require.ErrorIs(t, err, ErrShutdown)
}

func TestShutdown_WaitsForInFlightTurn(t *testing.T) {
	dialer := &fakeDialer{
		started: make(chan struct{}, 1),
		gate:    make(chan struct{}),
	}
	reg := New(dialer, Options{})

	rec, err := reg.ResolveOrCreate(context.Background(), "")
	require.NoError(t, err)

	var turnErr error
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		turnErr = runOneTurn(context.Background(), reg, rec, "slow")
	}()
	<-dialer.started

	done := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		done <- reg.Shutdown(ctx)
	}()

	// Shutdown must not complete while the turn holds the lock.
	select {
	case <-done:
		t.Fatal("shutdown completed while a turn was in flight")
	case <-time.After(50 * time.Millisecond):
	}

	close(dialer.gate)
	wg.Wait()
	require.NoError(t, turnErr)
	require.NoError(t, <-done)
	assert.Equal(t, int32(1), dialer.closes.Load())
}
