package coordinator

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/Iron-Ham/testlock/internal/errors"
	"github.com/Iron-Ham/testlock/internal/lock"
	"github.com/Iron-Ham/testlock/internal/logging"
	"github.com/Iron-Ham/testlock/internal/process"
)

// testClock is a manually advanced clock.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixture struct {
	c       *Coordinator
	checker *process.StaticChecker
	clock   *testClock
	logs    *bytes.Buffer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return newFixtureAt(t, filepath.Join(t.TempDir(), "state"), nil)
}

// newFixtureAt builds a coordinator. A nil clock uses wall time, which the
// wait-loop tests need.
func newFixtureAt(t *testing.T, stateRoot string, clock *testClock) *fixture {
	t.Helper()

	f := &fixture{
		checker: process.NewStaticChecker(process.Alive),
		clock:   clock,
		logs:    &bytes.Buffer{},
	}
	opts := Options{
		Scope:     "repo",
		StateRoot: stateRoot,
		Checker:   f.checker,
		Logger:    logging.NewWriterLogger(&syncWriter{buf: f.logs}, logging.LevelDebug),
	}
	if clock != nil {
		opts.Now = clock.Now
	}
	f.c = New(opts)
	return f
}

// syncWriter serializes writes from concurrent waiters into one buffer.
type syncWriter struct {
	mu  sync.Mutex
	buf *bytes.Buffer
}

func (w *syncWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.Write(p)
}

func holder(pid int, sig string) lock.Holder {
	return lock.Holder{PID: pid, CommandSignature: sig}
}

func TestAcquire_Uncontended(t *testing.T) {
	f := newFixture(t)

	res, err := f.c.Acquire(context.Background(), AcquireOptions{Holder: holder(100, "go test ./...")})
	require.NoError(t, err)
	assert.Equal(t, 100, res.Record.HolderPID)
	assert.Equal(t, int64(0), res.Ticket, "uncontended acquire must not queue")

	st, err := f.c.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateLocked, st.Lock)
	require.NotNil(t, st.Holder)
	assert.Equal(t, "go test ./...", st.Holder.Command)
}

func TestAcquire_ContentionWithoutWait(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.c.Acquire(ctx, AcquireOptions{Holder: holder(100, "npm test")})
	require.NoError(t, err)

	_, err = f.c.Acquire(ctx, AcquireOptions{Holder: holder(200, "pytest")})
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrLocked)
	assert.Equal(t, errors.ExitContention, errors.ExitCode(err))

	var lockErr *errors.LockError
	require.ErrorAs(t, err, &lockErr)
	assert.Equal(t, 100, lockErr.HolderPID)
	assert.Equal(t, "npm test", lockErr.CommandSignature)

	tickets, err := f.c.Tickets(ctx)
	require.NoError(t, err)
	assert.Empty(t, tickets, "a non-waiting acquire must not leave a ticket behind")
}

func TestAcquire_ConcurrentMutualExclusion(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	const acquirers = 16
	var mu sync.Mutex
	var winners []int

	var g errgroup.Group
	for i := 0; i < acquirers; i++ {
		pid := 1000 + i
		g.Go(func() error {
			_, err := f.c.Acquire(ctx, AcquireOptions{Holder: holder(pid, "race")})
			if errors.Is(err, errors.ErrLocked) {
				return nil
			}
			if err != nil {
				return err
			}
			mu.Lock()
			winners = append(winners, pid)
			mu.Unlock()
			return nil
		})
	}
	require.NoError(t, g.Wait())
	assert.Len(t, winners, 1)
}

func TestAcquire_NonWaitingDoesNotJumpQueue(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.c.Acquire(ctx, AcquireOptions{Holder: holder(100, "a")})
	require.NoError(t, err)
	_, err = f.c.queue.Join(ctx, 200, "b")
	require.NoError(t, err)
	_, err = f.c.Release(ctx, 100, false)
	require.NoError(t, err)

	_, err = f.c.Acquire(ctx, AcquireOptions{Holder: holder(300, "c")})
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrLocked)

	var lockErr *errors.LockError
	require.ErrorAs(t, err, &lockErr)
	assert.Equal(t, 1, lockErr.Waiters)
}

func TestPoll_FIFO(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.c.Acquire(ctx, AcquireOptions{Holder: holder(100, "holder")})
	require.NoError(t, err)

	first, err := f.c.queue.Join(ctx, 11, "first")
	require.NoError(t, err)
	second, err := f.c.queue.Join(ctx, 12, "second")
	require.NoError(t, err)
	require.Greater(t, second, first)

	res, err := f.c.Poll(ctx, first, holder(11, "first"))
	require.NoError(t, err)
	assert.False(t, res.Acquired, "lock is still held")

	_, err = f.c.Release(ctx, 100, false)
	require.NoError(t, err)

	res, err = f.c.Poll(ctx, second, holder(12, "second"))
	require.NoError(t, err)
	assert.False(t, res.Acquired, "second must not race ahead of first")
	assert.Equal(t, 1, res.Ahead)

	res, err = f.c.Poll(ctx, first, holder(11, "first"))
	require.NoError(t, err)
	require.True(t, res.Acquired)
	exists, err := f.c.queue.Exists(ctx, first)
	require.NoError(t, err)
	assert.False(t, exists, "acquiring consumes the ticket")

	_, err = f.c.Release(ctx, 11, false)
	require.NoError(t, err)

	res, err = f.c.Poll(ctx, second, holder(12, "second"))
	require.NoError(t, err)
	assert.True(t, res.Acquired)
}

func TestPoll_DeadWaiterAheadDoesNotBlock(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.checker.Set(11, process.Dead)

	dead, err := f.c.queue.Join(ctx, 11, "crashed")
	require.NoError(t, err)
	live, err := f.c.queue.Join(ctx, 12, "live")
	require.NoError(t, err)

	res, err := f.c.Poll(ctx, live, holder(12, "live"))
	require.NoError(t, err)
	assert.True(t, res.Acquired)

	exists, err := f.c.queue.Exists(ctx, dead)
	require.NoError(t, err)
	assert.True(t, exists, "poll skips dead tickets without deleting them")
}

func TestPoll_UnknownWaiterAheadStillBlocks(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.checker.Set(11, process.Unknown)

	_, err := f.c.queue.Join(ctx, 11, "maybe")
	require.NoError(t, err)
	mine, err := f.c.queue.Join(ctx, 12, "mine")
	require.NoError(t, err)

	res, err := f.c.Poll(ctx, mine, holder(12, "mine"))
	require.NoError(t, err)
	assert.False(t, res.Acquired)
	assert.Equal(t, 1, res.Ahead)
}

func TestPoll_CanceledTicket(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	ticket, err := f.c.queue.Join(ctx, 11, "w")
	require.NoError(t, err)
	n, err := f.c.Cancel(ctx, ticket)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = f.c.Poll(ctx, ticket, holder(11, "w"))
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrTicketCanceled)
	assert.Equal(t, errors.ExitCanceled, errors.ExitCode(err))
	assert.Contains(t, err.Error(), "queue")
	assert.Contains(t, err.Error(), "ticket=")

	st, err := f.c.Status(ctx)
	require.NoError(t, err)
	assert.Zero(t, st.QueueWaiters)
}

func TestCancel_Idempotent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	ticket, err := f.c.queue.Join(ctx, 11, "w")
	require.NoError(t, err)

	n, err := f.c.Cancel(ctx, ticket)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = f.c.Cancel(ctx, ticket)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	n, err = f.c.Cancel(ctx, 424242)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestAcquire_WaitAcquiresAfterRelease(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.c.Acquire(ctx, AcquireOptions{Holder: holder(100, "holder")})
	require.NoError(t, err)

	queued := make(chan int64, 1)
	done := make(chan *AcquireResult, 1)
	errc := make(chan error, 1)
	go func() {
		res, err := f.c.Acquire(ctx, AcquireOptions{
			Holder:       holder(200, "waiter"),
			Wait:         true,
			PollInterval: 5 * time.Millisecond,
			OnQueued:     func(n int64) { queued <- n },
		})
		if err != nil {
			errc <- err
			return
		}
		done <- res
	}()

	ticket := <-queued
	st, err := f.c.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, st.QueueWaiters)

	_, err = f.c.Release(ctx, 100, false)
	require.NoError(t, err)

	select {
	case res := <-done:
		assert.Equal(t, ticket, res.Ticket)
		assert.Equal(t, 200, res.Record.HolderPID)
	case err := <-errc:
		t.Fatalf("waiter failed: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("waiter never acquired the lock")
	}

	st, err = f.c.Status(ctx)
	require.NoError(t, err)
	assert.Zero(t, st.QueueWaiters)
	assert.Equal(t, "waiter", st.Holder.Command)
}

func TestAcquire_WaitCanceledByOperator(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.c.Acquire(ctx, AcquireOptions{Holder: holder(100, "holder")})
	require.NoError(t, err)

	queued := make(chan int64, 1)
	errc := make(chan error, 1)
	go func() {
		_, err := f.c.Acquire(ctx, AcquireOptions{
			Holder:       holder(200, "waiter"),
			Wait:         true,
			PollInterval: 5 * time.Millisecond,
			OnQueued:     func(n int64) { queued <- n },
		})
		errc <- err
	}()

	ticket := <-queued
	n, err := f.c.Cancel(ctx, ticket)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	select {
	case err := <-errc:
		require.Error(t, err)
		assert.ErrorIs(t, err, errors.ErrTicketCanceled)
		var queueErr *errors.QueueError
		require.ErrorAs(t, err, &queueErr)
		assert.Equal(t, ticket, queueErr.Ticket)
	case <-time.After(5 * time.Second):
		t.Fatal("canceled waiter never exited")
	}

	st, err := f.c.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, 100, st.Holder.PID, "cancellation must not disturb the holder")
}

func TestAcquire_WaitTimeoutCancelsTicket(t *testing.T) {
	f := newFixture(t)

	_, err := f.c.Acquire(context.Background(), AcquireOptions{Holder: holder(100, "holder")})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()

	_, err = f.c.Acquire(ctx, AcquireOptions{
		Holder:       holder(200, "waiter"),
		Wait:         true,
		PollInterval: 10 * time.Millisecond,
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrTimeout)
	assert.Equal(t, errors.ExitTimeout, errors.ExitCode(err))

	tickets, err := f.c.Tickets(context.Background())
	require.NoError(t, err)
	assert.Empty(t, tickets, "a timed-out waiter removes its own ticket")
}

func TestAcquire_WaitersAcquireInJoinOrder(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.c.Acquire(ctx, AcquireOptions{Holder: holder(100, "holder")})
	require.NoError(t, err)

	var mu sync.Mutex
	var order []int

	g, gctx := errgroup.WithContext(ctx)
	pids := []int{201, 202, 203, 204}
	for _, pid := range pids {
		queued := make(chan struct{})
		g.Go(func() error {
			_, err := f.c.Acquire(gctx, AcquireOptions{
				Holder:       holder(pid, "waiter"),
				Wait:         true,
				PollInterval: 2 * time.Millisecond,
				OnQueued:     func(int64) { close(queued) },
			})
			if err != nil {
				return err
			}
			mu.Lock()
			order = append(order, pid)
			mu.Unlock()
			_, err = f.c.Release(gctx, pid, false)
			return err
		})
		// Join strictly one after another so ticket order is known.
		<-queued
	}

	_, err = f.c.Release(ctx, 100, false)
	require.NoError(t, err)
	require.NoError(t, g.Wait())

	assert.Equal(t, pids, order)
}

func TestRelease_Ownership(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.c.Acquire(ctx, AcquireOptions{Holder: holder(100, "a")})
	require.NoError(t, err)

	_, err = f.c.Release(ctx, 999, false)
	assert.ErrorIs(t, err, errors.ErrNotHolder)
	assert.Equal(t, errors.ExitOwnership, errors.ExitCode(err))

	rec, err := f.c.Release(ctx, 999, true)
	require.NoError(t, err)
	assert.Equal(t, 100, rec.HolderPID)
	assert.Contains(t, f.logs.String(), "lock force-released")

	rec, err = f.c.Release(ctx, 999, true)
	require.NoError(t, err, "force release on an unlocked root is a no-op")
	assert.Nil(t, rec)
}

func TestHeartbeat(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	ok, err := f.c.Heartbeat(ctx, "npm test")
	require.NoError(t, err)
	assert.False(t, ok, "no holder")

	_, err = f.c.Acquire(ctx, AcquireOptions{Holder: holder(100, "npm test")})
	require.NoError(t, err)

	ok, err = f.c.Heartbeat(ctx, "other")
	require.NoError(t, err)
	assert.False(t, ok, "signature mismatch")

	ok, err = f.c.Heartbeat(ctx, "npm test")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestScopesAreIndependent(t *testing.T) {
	ctx := context.Background()
	base := t.TempDir()
	repo := newFixtureAt(t, filepath.Join(base, "repo"), nil)
	machine := newFixtureAt(t, filepath.Join(base, "machine"), nil)

	_, err := repo.c.Acquire(ctx, AcquireOptions{Holder: holder(100, "repo job")})
	require.NoError(t, err)
	_, err = machine.c.Acquire(ctx, AcquireOptions{Holder: holder(200, "machine job")})
	require.NoError(t, err, "a lock in one state root must not block another")
}

func TestStatus_OmitsZeroWaitersAndCountsSurvivors(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	st, err := f.c.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateUnlocked, st.Lock)
	assert.Nil(t, st.Holder)
	assert.Zero(t, st.QueueWaiters)

	f.checker.Set(12, process.Dead)
	_, err = f.c.queue.Join(ctx, 11, "a")
	require.NoError(t, err)
	_, err = f.c.queue.Join(ctx, 12, "b")
	require.NoError(t, err)

	st, err = f.c.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, st.QueueWaiters, "dead waiters are not counted")
}

func TestAcquire_ReclaimsDeadHolder(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.checker.Set(100, process.Dead)

	_, err := f.c.Acquire(ctx, AcquireOptions{Holder: holder(100, "crashed")})
	require.NoError(t, err)

	res, err := f.c.Acquire(ctx, AcquireOptions{Holder: holder(200, "next")})
	require.NoError(t, err)
	assert.Equal(t, 200, res.Record.HolderPID)
	assert.True(t, strings.Contains(f.logs.String(), ReasonDeadPID))
}
