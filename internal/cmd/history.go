package cmd

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/Iron-Ham/testlock/internal/errors"
	"github.com/Iron-Ham/testlock/internal/logging"
)

type historyOptions struct {
	tail   int
	level  string
	since  time.Duration
	ticket int64
	pid    int
	grep   string
	format string
}

func newHistoryCmd() *cobra.Command {
	opts := &historyOptions{}

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show lock events from the state root's log",
		Long: `Show lock events (acquired, queued, released, reclaimed, canceled) recorded
in the state root's event log by every process that used it.

Examples:
  # Last 50 events
  testlock history

  # Every reclamation in the last day, as CSV
  testlock history -n 0 --since 24h --grep reclaimed --format csv

  # What happened to ticket 42
  testlock history --ticket 42`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHistory(cmd, opts)
		},
	}

	cmd.Flags().IntVarP(&opts.tail, "tail", "n", 50, "Number of events to show (0 for all)")
	cmd.Flags().StringVar(&opts.level, "level", "", "Filter by minimum level (debug/info/warn/error)")
	cmd.Flags().DurationVar(&opts.since, "since", 0, "Show events since duration ago (e.g., 1h, 30m)")
	cmd.Flags().Int64Var(&opts.ticket, "ticket", 0, "Show events for this queue ticket")
	cmd.Flags().IntVar(&opts.pid, "by-pid", 0, "Show events recorded for this pid")
	cmd.Flags().StringVar(&opts.grep, "grep", "", "Show events whose message contains this text")
	cmd.Flags().StringVar(&opts.format, "format", logging.FormatText, "Output format: text, json, or csv")

	return cmd
}

func runHistory(cmd *cobra.Command, opts *historyOptions) error {
	if opts.level != "" && !logging.IsValidLevel(opts.level) {
		return errors.NewValidationError("unknown log level").
			WithField("level").
			WithValue(opts.level)
	}

	e, err := openEnv(cmd, false)
	if err != nil {
		return err
	}
	defer e.Close()

	entries, err := logging.ReadHistory(e.res.StateRoot)
	if err != nil {
		return err
	}

	filter := logging.Filter{
		Level:           opts.level,
		Ticket:          opts.ticket,
		PID:             opts.pid,
		MessageContains: opts.grep,
	}
	if opts.since > 0 {
		filter.Since = time.Now().Add(-opts.since)
	}
	entries = logging.FilterHistory(entries, filter)

	if opts.tail > 0 && len(entries) > opts.tail {
		entries = entries[len(entries)-opts.tail:]
	}

	if err := logging.WriteHistory(cmd.OutOrStdout(), entries, opts.format); err != nil {
		return errors.NewValidationError("cannot render history").
			WithField("format").
			WithValue(opts.format).
			WithCause(err)
	}
	return nil
}
