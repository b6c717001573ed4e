package coordinator

import (
	"context"
	"time"

	"github.com/Iron-Ham/testlock/internal/errors"
)

// Lock states reported by Status.
const (
	StateLocked   = "locked"
	StateUnlocked = "unlocked"
)

// Status is a point-in-time view of a state root.
type Status struct {
	Scope     string        `json:"scope" yaml:"scope"`
	StateRoot string        `json:"state_root" yaml:"state_root"`
	Lock      string        `json:"lock" yaml:"lock"`
	Holder    *HolderStatus `json:"holder,omitempty" yaml:"holder,omitempty"`
	// QueueWaiters counts surviving tickets; zero is omitted from every format.
	QueueWaiters int `json:"queue_waiters,omitempty" yaml:"queue_waiters,omitempty"`
	// Corrupted is set when a lock record exists but cannot be parsed.
	Corrupted bool `json:"corrupted,omitempty" yaml:"corrupted,omitempty"`
}

// HolderStatus describes the current holder.
type HolderStatus struct {
	PID             int       `json:"pid" yaml:"pid"`
	Command         string    `json:"command" yaml:"command"`
	Hostname        string    `json:"hostname,omitempty" yaml:"hostname,omitempty"`
	AcquiredAt      time.Time `json:"acquired_at" yaml:"acquired_at"`
	LastHeartbeatAt time.Time `json:"last_heartbeat_at" yaml:"last_heartbeat_at"`
}

// Status reads the lock and queue. It never mutates the state root.
func (c *Coordinator) Status(ctx context.Context) (*Status, error) {
	st := &Status{
		Scope:     c.scope,
		StateRoot: c.stateRoot,
		Lock:      StateUnlocked,
	}

	rec, err := c.locks.Read(ctx)
	switch {
	case err == nil:
		st.Lock = StateLocked
		st.Holder = &HolderStatus{
			PID:             rec.HolderPID,
			Command:         rec.CommandSignature,
			Hostname:        rec.Hostname,
			AcquiredAt:      rec.AcquiredAt,
			LastHeartbeatAt: rec.LastHeartbeatAt,
		}
	case errors.Is(err, errors.ErrLockCorrupted):
		st.Lock = StateLocked
		st.Corrupted = true
	case errors.Is(err, errors.ErrNotLocked):
	default:
		return nil, err
	}

	tickets, err := c.queue.Tickets(ctx)
	if err != nil {
		return nil, err
	}
	st.QueueWaiters = len(c.surviving(ctx, tickets))
	return st, nil
}
