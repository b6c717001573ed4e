package coordinator

import (
	"context"
	"time"

	"github.com/Iron-Ham/testlock/internal/errors"
	"github.com/Iron-Ham/testlock/internal/lock"
	"github.com/Iron-Ham/testlock/internal/process"
)

// Reasons reported by CleanStale.
const (
	ReasonUnlocked         = "unlocked"
	ReasonLockLive         = "lock-live"
	ReasonDeadPID          = "dead-pid"
	ReasonHeartbeatExpired = "heartbeat-expired"
	ReasonCorruptRecord    = "corrupt-record"
)

// StaleReport is the outcome of a clean-stale pass.
type StaleReport struct {
	Reclaimed bool   `json:"reclaimed" yaml:"reclaimed"`
	Reason    string `json:"reason" yaml:"reason"`
	// Holder is the record that was judged, if the root was locked.
	Holder        *lock.Record `json:"holder,omitempty" yaml:"holder,omitempty"`
	PurgedTickets []int64      `json:"purged_tickets,omitempty" yaml:"purged_tickets,omitempty"`
}

// Judge decides whether rec is stale at now.
//
// A holder that has heartbeated within staleAfter is live no matter what the
// liveness probe says. Otherwise a dead pid is stale immediately, and any
// holder silent for longer than staleAfter is stale. An Unknown probe result
// never reclaims on its own.
func Judge(rec *lock.Record, now time.Time, staleAfter time.Duration, pid process.State) (bool, string) {
	silent := now.Sub(rec.LastSeen())
	if rec.HasHeartbeat() && silent <= staleAfter {
		return false, ReasonLockLive
	}
	if pid == process.Dead {
		return true, ReasonDeadPID
	}
	if silent > staleAfter {
		return true, ReasonHeartbeatExpired
	}
	return false, ReasonLockLive
}

// CleanStale reclaims the lock if its holder is stale and retires queued
// tickets whose waiter is dead. Tickets whose liveness is Unknown are kept.
func (c *Coordinator) CleanStale(ctx context.Context, staleAfter time.Duration) (*StaleReport, error) {
	if staleAfter <= 0 {
		return nil, errors.NewValidationError("stale threshold must be positive").
			WithField("stale_seconds").
			WithValue(staleAfter.Seconds())
	}

	report, err := c.reclaimHolder(ctx, staleAfter)
	if err != nil {
		return nil, err
	}

	tickets, err := c.queue.Tickets(ctx)
	if err != nil {
		return nil, err
	}
	alive := c.surviving(ctx, tickets)
	live := make(map[int64]bool, len(alive))
	for _, t := range alive {
		live[t.Number] = true
	}
	for _, t := range tickets {
		if live[t.Number] {
			continue
		}
		retired, err := c.queue.Retire(ctx, t.Number)
		if err != nil {
			return nil, err
		}
		if retired {
			report.PurgedTickets = append(report.PurgedTickets, t.Number)
			c.logger.WithTicket(t.Number).Info("dead waiter purged", "waiter_pid", t.PID)
		}
	}

	return report, nil
}

// reclaimHolder judges and, if stale, removes the current lock record. The
// judgement runs under the state root's guard against the record it removes.
func (c *Coordinator) reclaimHolder(ctx context.Context, staleAfter time.Duration) (*StaleReport, error) {
	report := &StaleReport{Reason: ReasonUnlocked}

	rec, removed, err := c.locks.ReclaimIf(ctx, func(rec *lock.Record) bool {
		now := c.now()
		state := process.Unknown
		if !rec.HasHeartbeat() || now.Sub(rec.LastSeen()) > staleAfter {
			state = c.checker.Check(ctx, rec.HolderPID)
		}
		reclaim, reason := Judge(rec, now, staleAfter, state)
		report.Reason = reason
		return reclaim
	})
	if errors.Is(err, errors.ErrLockCorrupted) {
		return c.reclaimCorrupted(ctx)
	}
	if err != nil {
		return nil, err
	}

	report.Holder = rec
	report.Reclaimed = removed
	if removed {
		c.logger.WithPID(rec.HolderPID).Info("lock reclaimed",
			"reason", report.Reason,
			"command", rec.CommandSignature,
			"holder_id", rec.HolderID,
			"last_seen", rec.LastSeen().Format(time.RFC3339),
		)
	}
	return report, nil
}

func (c *Coordinator) reclaimCorrupted(ctx context.Context) (*StaleReport, error) {
	removed, err := c.locks.ReclaimCorrupted(ctx)
	if err != nil {
		return nil, err
	}
	if removed {
		c.logger.Warn("lock reclaimed", "reason", ReasonCorruptRecord)
		return &StaleReport{Reclaimed: true, Reason: ReasonCorruptRecord}, nil
	}
	// Someone else replaced or removed the record meanwhile.
	return &StaleReport{Reason: ReasonLockLive}, nil
}
