// Package queue keeps the FIFO of waiters for one state root.
//
// Each waiter is one ticket file named by its number. Joining claims the next
// number through the Allocator; leaving the queue (becoming holder, being
// canceled, or being purged as dead) renames the ticket to a tombstone. No
// other file is ever mutated, so every queue operation is a single atomic
// filesystem call.
package queue

import (
	"cmp"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"time"

	"github.com/Iron-Ham/testlock/internal/errors"
)

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the time source used to stamp tickets.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// Store manages the tickets under one state root.
type Store struct {
	dir      string
	alloc    *Allocator
	hostname string
	now      func() time.Time
}

// New creates a Store for stateRoot. The queue directory is created lazily.
func New(stateRoot string, opts ...Option) *Store {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	dir := filepath.Join(stateRoot, DirName)
	s := &Store{
		dir:      dir,
		alloc:    NewAllocator(dir),
		hostname: hostname,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Dir returns the queue directory.
func (s *Store) Dir() string {
	return s.dir
}

// Join enqueues a waiter and returns its ticket number. It never waits for
// the lock.
func (s *Store) Join(ctx context.Context, pid int, signature string) (int64, error) {
	rec := &Ticket{
		PID:              pid,
		CommandSignature: signature,
		Hostname:         s.hostname,
		EnqueuedAt:       s.now().UTC(),
	}
	return s.alloc.Next(ctx, rec)
}

// Cancel removes ticket n from the queue. It returns 1 if the ticket was
// removed and 0 if it was already gone; neither case is an error.
func (s *Store) Cancel(ctx context.Context, n int64) (int, error) {
	retired, err := s.Retire(ctx, n)
	if err != nil {
		return 0, err
	}
	if retired {
		return 1, nil
	}
	return 0, nil
}

// Retire turns ticket n into a tombstone. It returns false if the ticket did
// not exist, which includes every non-positive n. Only one of any number of
// concurrent callers sees true.
func (s *Store) Retire(ctx context.Context, n int64) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if n <= 0 {
		return false, nil
	}

	err := os.Rename(filepath.Join(s.dir, ticketName(n)), filepath.Join(s.dir, retiredName(n)))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to retire ticket %d: %w", n, err)
	}
	return true, nil
}

// Exists reports whether ticket n is still queued.
func (s *Store) Exists(ctx context.Context, n int64) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	_, err := os.Stat(filepath.Join(s.dir, ticketName(n)))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, fmt.Errorf("failed to stat ticket %d: %w", n, err)
}

// Get reads ticket n.
func (s *Store) Get(ctx context.Context, n int64) (*Ticket, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	t, err := s.read(n)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.NewNotFoundError("ticket", strconv.FormatInt(n, 10)).WithCause(errors.ErrTicketNotFound)
		}
		return nil, err
	}
	return t, nil
}

// Tickets returns the live tickets in ascending order.
//
// A ticket that disappears between listing and reading is skipped. A ticket
// that cannot be parsed is reported with only its number set; its zero pid
// marks it dead to liveness checks, so it never blocks the queue.
func (s *Store) Tickets(ctx context.Context) ([]Ticket, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entries, err := scan(s.dir)
	if err != nil {
		return nil, err
	}

	tickets := make([]Ticket, 0, len(entries))
	for _, e := range entries {
		if e.retired {
			continue
		}
		t, err := s.read(e.number)
		switch {
		case err == nil:
			tickets = append(tickets, *t)
		case os.IsNotExist(err):
		case errors.Is(err, errTicketCorrupted):
			tickets = append(tickets, Ticket{Number: e.number})
		default:
			return nil, err
		}
	}

	slices.SortFunc(tickets, func(a, b Ticket) int {
		return cmp.Compare(a.Number, b.Number)
	})
	return tickets, nil
}

// Ahead returns the live tickets numbered below n, in ascending order.
func (s *Store) Ahead(ctx context.Context, n int64) ([]Ticket, error) {
	tickets, err := s.Tickets(ctx)
	if err != nil {
		return nil, err
	}
	i, _ := slices.BinarySearchFunc(tickets, n, func(t Ticket, target int64) int {
		return cmp.Compare(t.Number, target)
	})
	return tickets[:i], nil
}

var errTicketCorrupted = errors.New("ticket record corrupted")

func (s *Store) read(n int64) (*Ticket, error) {
	data, err := os.ReadFile(filepath.Join(s.dir, ticketName(n)))
	if err != nil {
		return nil, err
	}
	var t Ticket
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("ticket %d: %w: %v", n, errTicketCorrupted, err)
	}
	t.Number = n
	return &t, nil
}
