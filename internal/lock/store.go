// Package lock manages the single lock record of a state root.
//
// The record's existence is the lock. It is published with an exclusive
// create so concurrent acquirers never both win, and every read-verify-mutate
// sequence (release, heartbeat, reclaim) runs under the state root's guard so
// a record is never removed or rewritten on the strength of a stale read.
package lock

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/Iron-Ham/testlock/internal/errors"
	"github.com/Iron-Ham/testlock/internal/fsutil"
)

// RecordFileName is the lock record's name inside a state root.
const RecordFileName = "lock.json"

// Record is the persisted lock record.
type Record struct {
	HolderPID int `json:"holder_pid"`
	// HolderID identifies one acquisition, surviving pid reuse.
	HolderID         string    `json:"holder_id"`
	CommandSignature string    `json:"command_signature"`
	Hostname         string    `json:"hostname"`
	AcquiredAt       time.Time `json:"acquired_at"`
	LastHeartbeatAt  time.Time `json:"last_heartbeat_at"`
}

// HasHeartbeat reports whether the holder has refreshed the record at least
// once since acquiring it.
func (r *Record) HasHeartbeat() bool {
	return r.LastHeartbeatAt.After(r.AcquiredAt)
}

// LastSeen is the most recent sign of life from the holder.
func (r *Record) LastSeen() time.Time {
	if r.HasHeartbeat() {
		return r.LastHeartbeatAt
	}
	return r.AcquiredAt
}

// Holder describes a would-be lock holder.
type Holder struct {
	PID              int
	CommandSignature string
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the time source used to stamp records.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// Store reads and mutates the lock record under one state root.
type Store struct {
	stateRoot string
	path      string
	hostname  string
	now       func() time.Time
}

// New creates a Store for stateRoot. The directory is created lazily.
func New(stateRoot string, opts ...Option) *Store {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	s := &Store{
		stateRoot: stateRoot,
		path:      filepath.Join(stateRoot, RecordFileName),
		hostname:  hostname,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Path returns the lock record path.
func (s *Store) Path() string {
	return s.path
}

// TryAcquire publishes a new record for h if the state root is unlocked.
//
// On success it returns the new record and true. When the lock is already
// held it returns the current record (nil if it vanished in the meantime) and
// false. It never blocks.
func (s *Store) TryAcquire(ctx context.Context, h Holder) (*Record, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	if err := os.MkdirAll(s.stateRoot, 0755); err != nil {
		return nil, false, fmt.Errorf("failed to create state root: %w", err)
	}

	now := s.now().UTC()
	rec := &Record{
		HolderPID:        h.PID,
		HolderID:         uuid.NewString(),
		CommandSignature: h.CommandSignature,
		Hostname:         s.hostname,
		AcquiredAt:       now,
		LastHeartbeatAt:  now,
	}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return nil, false, fmt.Errorf("failed to marshal lock record: %w", err)
	}

	err = fsutil.CreateExclusive(s.path, data, 0644)
	if err == nil {
		return rec, true, nil
	}
	if !errors.Is(err, fsutil.ErrExists) {
		return nil, false, fmt.Errorf("failed to create lock record: %w", err)
	}

	current, readErr := s.Read(ctx)
	if readErr != nil {
		if errors.Is(readErr, errors.ErrNotLocked) {
			return nil, false, nil
		}
		return nil, false, readErr
	}
	return current, false, nil
}

// Read returns the current record. It returns an error wrapping ErrNotLocked
// when the state root is unlocked and ErrLockCorrupted when the record cannot
// be parsed.
func (s *Store) Read(ctx context.Context) (*Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.NewNotFoundError("lock record", s.stateRoot).WithCause(errors.ErrNotLocked)
		}
		return nil, fmt.Errorf("failed to read lock record: %w", err)
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, errors.NewLockError(fmt.Sprintf("cannot parse %s: %v", RecordFileName, err), errors.ErrLockCorrupted).
			WithStateRoot(s.stateRoot).
			WithSeverity(errors.SeverityError)
	}
	return &rec, nil
}

// Release removes the record if pid holds it, or unconditionally when force
// is set. It returns the removed record.
//
// Without force, releasing a lock held by someone else fails with
// ErrNotHolder and releasing an unlocked root fails with ErrNotLocked. With
// force, an unlocked root is a no-op and a corrupted record is removed.
func (s *Store) Release(ctx context.Context, pid int, force bool) (*Record, error) {
	var released *Record
	err := s.withGuard(ctx, func() error {
		rec, err := s.Read(ctx)
		switch {
		case errors.Is(err, errors.ErrNotLocked):
			if force {
				return nil
			}
			return errors.NewLockError("release refused", errors.ErrNotLocked).WithStateRoot(s.stateRoot)
		case errors.Is(err, errors.ErrLockCorrupted):
			if !force {
				return err
			}
			return s.remove()
		case err != nil:
			return err
		}

		if !force && rec.HolderPID != pid {
			return errors.NewLockError(fmt.Sprintf("release refused for pid %d", pid), errors.ErrNotHolder).
				WithHolder(rec.HolderPID, rec.CommandSignature).
				WithStateRoot(s.stateRoot)
		}
		if err := s.remove(); err != nil {
			return err
		}
		released = rec
		return nil
	})
	return released, err
}

// Heartbeat refreshes last_heartbeat_at if the current holder's command
// signature matches. It returns the refreshed record and true, or false when
// there is no matching holder.
func (s *Store) Heartbeat(ctx context.Context, signature string) (*Record, bool, error) {
	var refreshed *Record
	err := s.withGuard(ctx, func() error {
		rec, err := s.Read(ctx)
		if errors.Is(err, errors.ErrNotLocked) {
			return nil
		}
		if err != nil {
			return err
		}
		if rec.CommandSignature != signature {
			return nil
		}

		now := s.now().UTC()
		if !now.After(rec.AcquiredAt) {
			now = rec.AcquiredAt.Add(time.Nanosecond)
		}
		rec.LastHeartbeatAt = now

		data, err := json.MarshalIndent(rec, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal lock record: %w", err)
		}
		if err := fsutil.WriteFileAtomic(s.path, data, 0644); err != nil {
			return fmt.Errorf("failed to rewrite lock record: %w", err)
		}
		refreshed = rec
		return nil
	})
	return refreshed, refreshed != nil, err
}

// Reclaim removes the record only if it still belongs to the acquisition
// identified by holderID. It returns true if a record was removed.
func (s *Store) Reclaim(ctx context.Context, holderID string) (bool, error) {
	var removed bool
	err := s.withGuard(ctx, func() error {
		rec, err := s.Read(ctx)
		if errors.Is(err, errors.ErrNotLocked) {
			return nil
		}
		if err != nil {
			return err
		}
		if rec.HolderID != holderID {
			return nil
		}
		if err := s.remove(); err != nil {
			return err
		}
		removed = true
		return nil
	})
	return removed, err
}

// ReclaimIf removes the current record when stale reports true for it. The
// check and the removal happen under the guard, so the record judged is the
// record removed. It returns the judged record (nil when unlocked) and
// whether it was removed.
func (s *Store) ReclaimIf(ctx context.Context, stale func(*Record) bool) (*Record, bool, error) {
	var judged *Record
	var removed bool
	err := s.withGuard(ctx, func() error {
		rec, err := s.Read(ctx)
		if errors.Is(err, errors.ErrNotLocked) {
			return nil
		}
		if err != nil {
			return err
		}
		judged = rec
		if !stale(rec) {
			return nil
		}
		if err := s.remove(); err != nil {
			return err
		}
		removed = true
		return nil
	})
	return judged, removed, err
}

// ReclaimCorrupted removes the record if it still cannot be parsed.
// Records are only ever written whole, so an unparseable one was damaged
// outside testlock and will never become valid.
func (s *Store) ReclaimCorrupted(ctx context.Context) (bool, error) {
	var removed bool
	err := s.withGuard(ctx, func() error {
		_, err := s.Read(ctx)
		if !errors.Is(err, errors.ErrLockCorrupted) {
			return nil
		}
		if err := s.remove(); err != nil {
			return err
		}
		removed = true
		return nil
	})
	return removed, err
}

func (s *Store) remove() error {
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove lock record: %w", err)
	}
	return nil
}

func (s *Store) withGuard(ctx context.Context, fn func() error) error {
	if err := os.MkdirAll(s.stateRoot, 0755); err != nil {
		return fmt.Errorf("failed to create state root: %w", err)
	}
	return fsutil.WithGuard(ctx, s.stateRoot, fn)
}
