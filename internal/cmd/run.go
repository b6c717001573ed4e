package cmd

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/Iron-Ham/testlock/internal/coordinator"
	"github.com/Iron-Ham/testlock/internal/errors"
	"github.com/Iron-Ham/testlock/internal/lock"
	"github.com/Iron-Ham/testlock/internal/logging"
)

const (
	// releaseTimeout bounds the release after the child exits or the run is
	// interrupted.
	releaseTimeout = 5 * time.Second
	// childWaitDelay is how long an interrupted child may take to exit
	// before it is killed.
	childWaitDelay = 10 * time.Second
)

type runOptions struct {
	commandSig string
	pollSec    float64
	timeout    time.Duration
	heartbeat  time.Duration
}

func newRunCmd() *cobra.Command {
	opts := &runOptions{}

	cmd := &cobra.Command{
		Use:   "run [flags] -- command [args...]",
		Short: "Run a command while holding the lock",
		Long: `Wait for the lock, run the command while heartbeating, then release.

testlock exits with the command's exit status. The lock is released even when
the command fails or testlock is interrupted.

Examples:
  testlock run -- go test ./...
  testlock run --scope machine --timeout 15m -- npm test`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLocked(cmd, args, opts)
		},
	}

	cmd.Flags().StringVar(&opts.commandSig, "command-sig", "", "Label for the holder (default: the command line)")
	cmd.Flags().Float64Var(&opts.pollSec, "poll", 0, "Seconds between polls while waiting (default from lock.poll_interval)")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", 0, "Give up waiting for the lock after this long (0 waits forever)")
	cmd.Flags().DurationVar(&opts.heartbeat, "heartbeat", 0, "Interval between heartbeats while the command runs (default: a third of the stale threshold)")

	return cmd
}

func runLocked(cmd *cobra.Command, args []string, opts *runOptions) error {
	e, err := openEnv(cmd, true)
	if err != nil {
		return err
	}
	defer e.Close()

	signature := opts.commandSig
	if signature == "" {
		signature = strings.Join(args, " ")
	}
	pid := os.Getpid()
	if e.cfg.PID > 0 {
		pid = e.cfg.PID
	}

	// The signal context spans both waiting and running so an interrupt
	// during the command still releases the lock.
	sigCtx, stop := waitContext(cmd.Context(), 0)
	defer stop()

	waitCtx, cancelWait := sigCtx, context.CancelFunc(func() {})
	if opts.timeout > 0 {
		waitCtx, cancelWait = context.WithTimeout(sigCtx, opts.timeout)
	}
	_, err = e.coord.Acquire(waitCtx, coordinator.AcquireOptions{
		Holder:       lock.Holder{PID: pid, CommandSignature: signature},
		Wait:         true,
		PollInterval: pollInterval(opts.pollSec, e.cfg.Lock.PollInterval),
		OnQueued: func(ticket int64) {
			fmt.Fprintf(cmd.ErrOrStderr(), "queued ticket=%d state_root=%s\n", ticket, e.res.StateRoot)
		},
	})
	cancelWait()
	if err != nil {
		return err
	}

	defer func() {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(sigCtx), releaseTimeout)
		defer cancel()
		if _, err := e.coord.Release(ctx, pid, false); err != nil {
			// The lock may have been reclaimed or force-released meanwhile.
			e.logger.WithPID(pid).Warn("release after run failed", "error", err.Error())
		}
	}()

	interval := opts.heartbeat
	if interval <= 0 {
		interval = e.cfg.Lock.StaleAfter() / 3
	}
	stopBeating := startHeartbeat(sigCtx, e.coord, signature, interval, e.logger)
	defer stopBeating()

	return runChild(sigCtx, cmd, args)
}

// startHeartbeat refreshes the lock every interval until the returned
// function is called.
func startHeartbeat(ctx context.Context, coord *coordinator.Coordinator, signature string, interval time.Duration, logger *logging.Logger) func() {
	ctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				ok, err := coord.Heartbeat(ctx, signature)
				if err != nil {
					logger.Warn("heartbeat failed", "error", err.Error())
				} else if !ok {
					logger.Warn("heartbeat found no matching holder", "command", signature)
				}
			}
		}
	}()
	return func() {
		cancel()
		wg.Wait()
	}
}

// runChild runs the command with inherited stdio. An interrupt is passed on
// to the child, which is killed if it does not exit within childWaitDelay.
func runChild(ctx context.Context, cmd *cobra.Command, args []string) error {
	child := exec.CommandContext(ctx, args[0], args[1:]...)
	child.Stdin = cmd.InOrStdin()
	child.Stdout = cmd.OutOrStdout()
	child.Stderr = cmd.ErrOrStderr()
	child.Cancel = func() error {
		return child.Process.Signal(os.Interrupt)
	}
	child.WaitDelay = childWaitDelay

	err := child.Run()
	if err == nil {
		return nil
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		code := exitErr.ExitCode()
		if code < 0 {
			// Killed by a signal.
			code = errors.ExitFailure
		}
		return errors.NewExitError(strings.Join(args, " "), code)
	}
	return errors.Wrapf(err, "failed to run %s", args[0])
}
