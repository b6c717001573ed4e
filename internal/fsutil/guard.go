package fsutil

import (
	"context"
	"path/filepath"
	"time"
)

// GuardFileName is the flock target inside a state root.
const GuardFileName = ".guard"

const (
	guardInitialBackoff = 2 * time.Millisecond
	guardMaxBackoff     = 25 * time.Millisecond
)

// Guard provides short cross-process critical sections over one directory.
// It is advisory: only code that takes the guard is serialized. The kernel
// drops the guard when its holder exits, so a crashed process never wedges it.
//
// A Guard is not safe for concurrent use; create one per critical section.
type Guard struct {
	path  string
	state guardState
}

// NewGuard creates a Guard for the given directory. The guard file is created
// inside dir on first use.
func NewGuard(dir string) *Guard {
	return &Guard{path: filepath.Join(dir, GuardFileName)}
}

// Lock acquires the guard, retrying with backoff until ctx is done.
func (g *Guard) Lock(ctx context.Context) error {
	backoff := guardInitialBackoff
	for {
		ok, err := g.TryLock()
		if err != nil {
			return err
		}
		if ok {
			return nil
		}

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		if backoff < guardMaxBackoff {
			backoff *= 2
		}
	}
}

// TryLock attempts to acquire the guard without blocking.
// Returns true if the guard was acquired, false if another process holds it.
func (g *Guard) TryLock() (bool, error) {
	return g.state.tryLock(g.path)
}

// Unlock releases the guard. Unlock without Lock is a no-op.
func (g *Guard) Unlock() error {
	return g.state.unlock(g.path)
}

// WithGuard runs fn while holding the guard for dir.
func WithGuard(ctx context.Context, dir string, fn func() error) error {
	g := NewGuard(dir)
	if err := g.Lock(ctx); err != nil {
		return err
	}
	defer g.Unlock()
	return fn()
}
