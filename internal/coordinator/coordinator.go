// Package coordinator composes the lock record, the ticket queue and the
// liveness checker into the operations testlock exposes: acquire (with the
// wait loop), poll, release, heartbeat, cancel, clean-stale and status.
//
// A Coordinator holds no state of its own beyond configuration. Every
// decision is re-derived from the state root on each call, since any number
// of unrelated processes mutate it concurrently.
package coordinator

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Iron-Ham/testlock/internal/errors"
	"github.com/Iron-Ham/testlock/internal/lock"
	"github.com/Iron-Ham/testlock/internal/logging"
	"github.com/Iron-Ham/testlock/internal/process"
	"github.com/Iron-Ham/testlock/internal/queue"
)

const (
	// DefaultPollInterval is the wait loop's sleep between polls.
	DefaultPollInterval = time.Second
	// DefaultStaleAfter is how long a holder may go without a sign of life
	// before its lock is reclaimed.
	DefaultStaleAfter = 300 * time.Second

	// probeConcurrency bounds parallel liveness probes over queued tickets.
	probeConcurrency = 8
	// cleanupTimeout bounds ticket cleanup after the caller's context ended.
	cleanupTimeout = 2 * time.Second
)

// Options configures a Coordinator. StateRoot is required.
type Options struct {
	Scope     string
	StateRoot string
	// Checker probes pid liveness. Defaults to process.New(process.DefaultTimeout).
	Checker process.Checker
	// Logger receives lock events. Defaults to logging.NopLogger().
	Logger *logging.Logger
	// Now is the clock used to stamp records and judge staleness.
	Now func() time.Time
	// StaleAfter is the threshold used by the opportunistic reclaim that runs
	// on every acquire attempt and poll.
	StaleAfter time.Duration
}

// Coordinator runs lock operations against one state root.
type Coordinator struct {
	scope      string
	stateRoot  string
	locks      *lock.Store
	queue      *queue.Store
	checker    process.Checker
	logger     *logging.Logger
	now        func() time.Time
	staleAfter time.Duration
}

// New creates a Coordinator.
func New(opts Options) *Coordinator {
	if opts.Checker == nil {
		opts.Checker = process.New(process.DefaultTimeout)
	}
	if opts.Logger == nil {
		opts.Logger = logging.NopLogger()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = DefaultStaleAfter
	}

	return &Coordinator{
		scope:      opts.Scope,
		stateRoot:  opts.StateRoot,
		locks:      lock.New(opts.StateRoot, lock.WithClock(opts.Now)),
		queue:      queue.New(opts.StateRoot, queue.WithClock(opts.Now)),
		checker:    opts.Checker,
		logger:     opts.Logger.WithScope(opts.Scope, opts.StateRoot),
		now:        opts.Now,
		staleAfter: opts.StaleAfter,
	}
}

// StateRoot returns the state root this Coordinator operates on.
func (c *Coordinator) StateRoot() string {
	return c.stateRoot
}

// AcquireOptions controls Acquire.
type AcquireOptions struct {
	// Holder is recorded in the lock record on success.
	Holder lock.Holder
	// Wait joins the queue and polls instead of failing on contention.
	Wait bool
	// WaiterPID is recorded on the ticket while waiting. Defaults to Holder.PID.
	WaiterPID int
	// PollInterval is the sleep between polls. Defaults to DefaultPollInterval.
	PollInterval time.Duration
	// OnQueued, if set, is called once with the ticket number after joining.
	OnQueued func(ticket int64)
}

// AcquireResult describes a successful acquisition.
type AcquireResult struct {
	Record *lock.Record
	// Ticket is the queue ticket that was consumed, or 0 if the lock was
	// taken without queueing.
	Ticket int64
	// Polls counts wait-loop iterations.
	Polls int
}

// Acquire makes the caller the lock holder.
//
// Without Wait, it fails with a contention error (ErrLocked) when the lock is
// held or when surviving waiters are queued; a non-waiting caller never jumps
// the queue. With Wait, it joins the queue and polls until it becomes holder,
// its ticket is canceled, or ctx ends. When ctx ends the caller's ticket is
// canceled before returning; a deadline maps to a timeout error.
func (c *Coordinator) Acquire(ctx context.Context, opts AcquireOptions) (*AcquireResult, error) {
	rec, err := c.acquireNow(ctx, opts.Holder)
	if err == nil {
		c.logger.WithPID(rec.HolderPID).Info("lock acquired",
			"command", rec.CommandSignature,
			"holder_id", rec.HolderID,
		)
		return &AcquireResult{Record: rec}, nil
	}
	if !opts.Wait || !errors.Is(err, errors.ErrLocked) {
		return nil, err
	}

	waiterPID := opts.WaiterPID
	if waiterPID == 0 {
		waiterPID = opts.Holder.PID
	}
	interval := opts.PollInterval
	if interval <= 0 {
		interval = DefaultPollInterval
	}

	ticket, err := c.queue.Join(ctx, waiterPID, opts.Holder.CommandSignature)
	if err != nil {
		return nil, err
	}
	log := c.logger.WithTicket(ticket).WithPID(waiterPID)
	log.Info("queued", "command", opts.Holder.CommandSignature)
	if opts.OnQueued != nil {
		opts.OnQueued(ticket)
	}

	started := c.now()
	polls := 0
	for {
		polls++
		res, err := c.Poll(ctx, ticket, opts.Holder)
		if err != nil {
			if ctx.Err() != nil {
				return nil, c.abandon(ctx, ticket, started, log)
			}
			if errors.Is(err, errors.ErrTicketCanceled) {
				log.Info("waiter canceled")
			}
			return nil, err
		}
		if res.Acquired {
			log.Info("lock acquired",
				"command", res.Record.CommandSignature,
				"holder_id", res.Record.HolderID,
				"polls", polls,
				"waited_ms", c.now().Sub(started).Milliseconds(),
			)
			return &AcquireResult{Record: res.Record, Ticket: ticket, Polls: polls}, nil
		}
		log.Debug("waiting", "ahead", res.Ahead)

		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, c.abandon(ctx, ticket, started, log)
		case <-timer.C:
		}
	}
}

// acquireNow is a single non-waiting attempt.
func (c *Coordinator) acquireNow(ctx context.Context, h lock.Holder) (*lock.Record, error) {
	if _, err := c.reclaimHolder(ctx, c.staleAfter); err != nil {
		return nil, err
	}

	tickets, err := c.queue.Tickets(ctx)
	if err != nil {
		return nil, err
	}
	if waiters := c.surviving(ctx, tickets); len(waiters) > 0 {
		lockErr := errors.NewLockError("waiters are queued", errors.ErrLocked).
			WithWaiters(len(waiters)).
			WithStateRoot(c.stateRoot)
		if rec, err := c.locks.Read(ctx); err == nil {
			lockErr = lockErr.WithHolder(rec.HolderPID, rec.CommandSignature)
		}
		return nil, lockErr
	}

	rec, ok, err := c.locks.TryAcquire(ctx, h)
	if err != nil {
		return nil, err
	}
	if !ok {
		lockErr := errors.NewLockError("lock is held", errors.ErrLocked).WithStateRoot(c.stateRoot)
		if rec != nil {
			lockErr = lockErr.WithHolder(rec.HolderPID, rec.CommandSignature)
		}
		return nil, lockErr
	}
	return rec, nil
}

// abandon cancels the caller's ticket after ctx ended and returns the error
// to report.
func (c *Coordinator) abandon(ctx context.Context, ticket int64, started time.Time, log *logging.Logger) error {
	cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()

	if _, err := c.queue.Cancel(cleanupCtx, ticket); err != nil {
		log.Warn("failed to cancel ticket after wait ended", "error", err.Error())
	}

	waited := c.now().Sub(started)
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		log.Info("wait timed out", "waited_ms", waited.Milliseconds())
		return errors.NewTimeoutError(fmt.Sprintf("waiting for lock with ticket %d", ticket), waited.Round(time.Millisecond)).
			WithCause(ctx.Err())
	}
	log.Info("wait interrupted", "waited_ms", waited.Milliseconds())
	return errors.NewQueueError("wait interrupted", errors.Join(errors.ErrCanceled, ctx.Err())).
		WithTicket(ticket).
		WithStateRoot(c.stateRoot)
}

// PollResult is the outcome of one poll.
type PollResult struct {
	Acquired bool
	// Record is the new lock record when Acquired, otherwise the current
	// holder's record if one could be read.
	Record *lock.Record
	// Ahead counts surviving tickets numbered below the caller's.
	Ahead int
}

// Poll makes one attempt for a queued waiter.
//
// It fails with ErrTicketCanceled when ticket is no longer queued. Otherwise
// it reclaims a stale holder, waits behind any surviving lower ticket, and
// tries to take the lock. Taking the lock consumes the ticket; if the ticket
// was canceled in that instant, the lock is given back and the cancellation
// is reported.
func (c *Coordinator) Poll(ctx context.Context, ticket int64, h lock.Holder) (*PollResult, error) {
	exists, err := c.queue.Exists(ctx, ticket)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, c.canceledError(ticket)
	}

	if _, err := c.reclaimHolder(ctx, c.staleAfter); err != nil {
		return nil, err
	}

	ahead, err := c.queue.Ahead(ctx, ticket)
	if err != nil {
		return nil, err
	}
	if waiters := c.surviving(ctx, ahead); len(waiters) > 0 {
		return &PollResult{Ahead: len(waiters)}, nil
	}

	rec, ok, err := c.locks.TryAcquire(ctx, h)
	if err != nil {
		return nil, err
	}
	if !ok {
		return &PollResult{Record: rec}, nil
	}

	retired, err := c.queue.Retire(ctx, ticket)
	if err != nil || !retired {
		if _, relErr := c.locks.Reclaim(context.WithoutCancel(ctx), rec.HolderID); relErr != nil {
			c.logger.WithTicket(ticket).Error("failed to give back lock", "error", relErr.Error())
		}
		if err != nil {
			return nil, err
		}
		return nil, c.canceledError(ticket)
	}
	return &PollResult{Acquired: true, Record: rec}, nil
}

func (c *Coordinator) canceledError(ticket int64) error {
	return errors.NewQueueError("waiter removed from queue", errors.ErrTicketCanceled).
		WithTicket(ticket).
		WithStateRoot(c.stateRoot)
}

// Release gives up the lock on behalf of pid. With force, it removes any
// holder's lock and is a no-op on an unlocked root. It returns the removed
// record, or nil if nothing was removed.
func (c *Coordinator) Release(ctx context.Context, pid int, force bool) (*lock.Record, error) {
	rec, err := c.locks.Release(ctx, pid, force)
	if err != nil {
		return nil, err
	}

	log := c.logger.WithPID(pid)
	switch {
	case rec == nil:
		log.Debug("force release on unlocked root")
	case force && rec.HolderPID != pid:
		log.Warn("lock force-released",
			"holder_pid", rec.HolderPID,
			"command", rec.CommandSignature,
		)
	default:
		log.Info("lock released",
			"command", rec.CommandSignature,
			"held_ms", c.now().Sub(rec.AcquiredAt).Milliseconds(),
		)
	}
	return rec, nil
}

// Heartbeat refreshes the holder whose command signature matches. It returns
// false, without error, when no such holder exists.
func (c *Coordinator) Heartbeat(ctx context.Context, signature string) (bool, error) {
	rec, ok, err := c.locks.Heartbeat(ctx, signature)
	if err != nil {
		return false, err
	}
	if ok {
		c.logger.WithPID(rec.HolderPID).Debug("heartbeat", "command", signature)
	}
	return ok, nil
}

// Cancel removes ticket from the queue. It returns 1 if the ticket was
// queued and 0 otherwise.
func (c *Coordinator) Cancel(ctx context.Context, ticket int64) (int, error) {
	n, err := c.queue.Cancel(ctx, ticket)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		c.logger.WithTicket(ticket).Info("ticket canceled")
	}
	return n, nil
}

// Tickets returns the queued tickets in order, including dead ones.
func (c *Coordinator) Tickets(ctx context.Context) ([]queue.Ticket, error) {
	return c.queue.Tickets(ctx)
}

// surviving filters tickets down to those whose waiter is not known dead,
// probing pids concurrently. Order is preserved.
func (c *Coordinator) surviving(ctx context.Context, tickets []queue.Ticket) []queue.Ticket {
	if len(tickets) == 0 {
		return nil
	}

	states := make([]process.State, len(tickets))
	var g errgroup.Group
	g.SetLimit(probeConcurrency)
	for i, t := range tickets {
		g.Go(func() error {
			states[i] = c.checker.Check(ctx, t.PID)
			return nil
		})
	}
	_ = g.Wait()

	alive := make([]queue.Ticket, 0, len(tickets))
	for i, t := range tickets {
		if states[i] != process.Dead {
			alive = append(alive, t)
		}
	}
	return alive
}
