package cmd

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

func newReleaseCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "release",
		Short: "Give up the lock",
		Long: `Give up the lock held by the caller's pid.

Releasing a lock held by someone else fails with exit status 3 and leaves the
lock untouched. --force removes the lock whoever holds it and succeeds even
when nothing is locked.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv(cmd, true)
			if err != nil {
				return err
			}
			defer e.Close()

			rec, err := e.coord.Release(cmd.Context(), e.holderPID(), force)
			if err != nil {
				return err
			}

			released := 0
			if rec != nil {
				released = 1
			}
			fmt.Fprintf(cmd.OutOrStdout(), "released=%d\n", released)
			return nil
		},
	}

	cmd.Flags().BoolVarP(&force, "force", "f", false, "Remove the lock even if another process holds it")

	return cmd
}

func newHeartbeatCmd() *cobra.Command {
	var commandSig string

	cmd := &cobra.Command{
		Use:   "heartbeat",
		Short: "Refresh the holder's liveness",
		Long: `Record a heartbeat on the lock if it is held under the given command
signature. A holder that heartbeats within the stale threshold is never
reclaimed. Does nothing, successfully, when no such holder exists.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv(cmd, true)
			if err != nil {
				return err
			}
			defer e.Close()

			ok, err := e.coord.Heartbeat(cmd.Context(), commandSig)
			if err != nil {
				return err
			}

			beat := 0
			if ok {
				beat = 1
			}
			fmt.Fprintf(cmd.OutOrStdout(), "heartbeat=%d\n", beat)
			return nil
		},
	}

	cmd.Flags().StringVar(&commandSig, "command-sig", defaultSignature, "Command signature the lock was acquired with")

	return cmd
}

func newCancelCmd() *cobra.Command {
	var ticket int64

	cmd := &cobra.Command{
		Use:   "cancel",
		Short: "Remove a queued ticket",
		Long: `Remove a ticket from the queue. The waiter holding it stops waiting and
exits with status 4. Canceling a ticket that is not queued reports zero
cancellations and succeeds.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv(cmd, true)
			if err != nil {
				return err
			}
			defer e.Close()

			n, err := e.coord.Cancel(cmd.Context(), ticket)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "canceled=%d\n", n)
			return nil
		},
	}

	cmd.Flags().Int64Var(&ticket, "ticket", 0, "Ticket number to cancel")
	_ = cmd.MarkFlagRequired("ticket")

	return cmd
}

func newCleanStaleCmd() *cobra.Command {
	var staleSec int

	cmd := &cobra.Command{
		Use:   "clean-stale",
		Short: "Reclaim a dead or silent holder's lock",
		Long: `Reclaim the lock if its holder's pid is dead or it has not heartbeated
within the stale threshold, and retire queue tickets whose waiter is dead.

A holder with a fresh heartbeat is never reclaimed.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv(cmd, true)
			if err != nil {
				return err
			}
			defer e.Close()

			staleAfter := e.cfg.Lock.StaleAfter()
			if cmd.Flags().Changed("stale-sec") {
				staleAfter = secondsToDuration(staleSec)
			}

			report, err := e.coord.CleanStale(cmd.Context(), staleAfter)
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "reclaimed=%t reason=%s\n", report.Reclaimed, report.Reason)
			if len(report.PurgedTickets) > 0 {
				fmt.Fprintf(cmd.OutOrStdout(), "purged_tickets=%s\n", joinTickets(report.PurgedTickets))
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&staleSec, "stale-sec", 0, "Seconds without a heartbeat before a holder is stale (default from lock.stale_seconds)")

	return cmd
}

func secondsToDuration(seconds int) time.Duration {
	return time.Duration(seconds) * time.Second
}

func joinTickets(tickets []int64) string {
	parts := make([]string, len(tickets))
	for i, t := range tickets {
		parts[i] = strconv.FormatInt(t, 10)
	}
	return strings.Join(parts, ",")
}
