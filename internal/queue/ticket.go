package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/Iron-Ham/testlock/internal/errors"
	"github.com/Iron-Ham/testlock/internal/fsutil"
)

// DirName is the queue directory's name inside a state root.
const DirName = "queue"

const (
	ticketExt  = ".ticket"
	retiredExt = ".retired"
	// Fixed width keeps lexical and numeric order identical in listings.
	ticketDigits = 12

	allocInitialBackoff = time.Millisecond
	allocMaxBackoff     = 50 * time.Millisecond
	allocMaxAttempts    = 1000
)

// Ticket is the persisted record of one waiter.
type Ticket struct {
	Number           int64     `json:"ticket"`
	PID              int       `json:"pid"`
	CommandSignature string    `json:"command_signature"`
	Hostname         string    `json:"hostname"`
	EnqueuedAt       time.Time `json:"enqueued_at"`
}

func ticketName(n int64) string {
	return fmt.Sprintf("%0*d%s", ticketDigits, n, ticketExt)
}

func retiredName(n int64) string {
	return fmt.Sprintf("%0*d%s", ticketDigits, n, retiredExt)
}

// parseName extracts the ticket number from a queue directory entry.
func parseName(name string) (n int64, retired bool, ok bool) {
	var base string
	switch {
	case strings.HasSuffix(name, ticketExt):
		base = strings.TrimSuffix(name, ticketExt)
	case strings.HasSuffix(name, retiredExt):
		base = strings.TrimSuffix(name, retiredExt)
		retired = true
	default:
		return 0, false, false
	}
	n, err := strconv.ParseInt(base, 10, 64)
	if err != nil || n <= 0 {
		return 0, false, false
	}
	return n, retired, true
}

// entry is one parsed queue directory entry.
type entry struct {
	number  int64
	retired bool
}

// scan lists parsed entries in dir. A missing directory is an empty queue.
func scan(dir string) ([]entry, error) {
	dirEntries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read queue directory: %w", err)
	}

	entries := make([]entry, 0, len(dirEntries))
	for _, de := range dirEntries {
		if de.IsDir() || fsutil.IsTemp(de.Name()) {
			continue
		}
		n, retired, ok := parseName(de.Name())
		if !ok {
			continue
		}
		entries = append(entries, entry{number: n, retired: retired})
	}
	return entries, nil
}

// Allocator hands out strictly increasing ticket numbers for one queue
// directory.
//
// The high-water mark is the largest number present as either a live ticket
// or a tombstone. A new ticket is claimed by exclusively creating the next
// number's file; losing that race means rescanning and trying again.
// Tombstones below a freshly claimed number are compacted away, which never
// removes the high-water mark.
type Allocator struct {
	dir string
}

// NewAllocator creates an Allocator for a queue directory.
func NewAllocator(dir string) *Allocator {
	return &Allocator{dir: dir}
}

// Next claims the next ticket number and publishes rec under it. rec.Number
// is overwritten with the claimed number, which is also returned.
func (a *Allocator) Next(ctx context.Context, rec *Ticket) (int64, error) {
	if err := os.MkdirAll(a.dir, 0755); err != nil {
		return 0, fmt.Errorf("failed to create queue directory: %w", err)
	}

	backoff := allocInitialBackoff
	for attempt := 0; attempt < allocMaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return 0, errors.NewQueueError("ticket allocation interrupted", errors.Join(errors.ErrTicketAllocation, err))
		}

		var n int64
		var claimed bool
		err := fsutil.WithGuard(ctx, a.dir, func() error {
			var err error
			n, claimed, err = a.tryClaim(rec)
			if err == nil && claimed {
				a.compact(n)
			}
			return err
		})
		if err != nil {
			if ctx.Err() != nil {
				return 0, errors.NewQueueError("ticket allocation interrupted", errors.Join(errors.ErrTicketAllocation, ctx.Err()))
			}
			return 0, err
		}
		if claimed {
			return n, nil
		}

		// Lost the number to a concurrent retire; back off and rescan.
		sleep := backoff/2 + rand.N(backoff/2+1)
		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
		case <-timer.C:
		}
		if backoff < allocMaxBackoff {
			backoff = min(backoff*2, allocMaxBackoff)
		}
	}

	return 0, errors.NewQueueError(fmt.Sprintf("no ticket claimed after %d attempts", allocMaxAttempts), errors.ErrTicketAllocation)
}

// tryClaim makes one attempt at the number after the current high-water mark.
func (a *Allocator) tryClaim(rec *Ticket) (int64, bool, error) {
	entries, err := scan(a.dir)
	if err != nil {
		return 0, false, err
	}
	var high int64
	for _, e := range entries {
		high = max(high, e.number)
	}

	n := high + 1
	rec.Number = n
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return 0, false, fmt.Errorf("failed to marshal ticket: %w", err)
	}

	path := filepath.Join(a.dir, ticketName(n))
	if err := fsutil.CreateExclusive(path, data, 0644); err != nil {
		if errors.Is(err, fsutil.ErrExists) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("failed to create ticket %d: %w", n, err)
	}

	// A directory scan racing a retire can miss the renamed entry. If the
	// number turns out to be taken by a tombstone, give it back.
	if _, err := os.Lstat(filepath.Join(a.dir, retiredName(n))); err == nil {
		_ = os.Remove(path)
		return 0, false, nil
	}
	return n, true, nil
}

// compact removes tombstones numbered below n. Failures are ignored; a
// leftover tombstone only costs a directory entry.
func (a *Allocator) compact(n int64) {
	entries, err := scan(a.dir)
	if err != nil {
		return
	}
	for _, e := range entries {
		if e.retired && e.number < n {
			_ = os.Remove(filepath.Join(a.dir, retiredName(e.number)))
		}
	}
}
