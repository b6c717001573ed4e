package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/Iron-Ham/testlock/internal/config"
	"github.com/Iron-Ham/testlock/internal/coordinator"
	"github.com/Iron-Ham/testlock/internal/logging"
	"github.com/Iron-Ham/testlock/internal/process"
	"github.com/Iron-Ham/testlock/internal/scope"
)

// env is everything a lock command needs, resolved from configuration.
type env struct {
	cfg    *config.Config
	res    *scope.Resolution
	coord  *coordinator.Coordinator
	logger *logging.Logger
}

// openEnv loads configuration, resolves the state root and builds a
// coordinator. Configuration and scope errors are returned before any state
// is touched. When withLog is false no log file is opened, which keeps
// read-only commands from creating anything under the state root.
func openEnv(cmd *cobra.Command, withLog bool) (*env, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	res, err := scope.Resolve(scope.Options{
		Scope:       cfg.Scope,
		StateRoot:   cfg.StateRoot,
		MachineRoot: cfg.MachineRoot,
		WorkDir:     cfg.RepoDir,
	})
	if err != nil {
		return nil, err
	}

	logger := logging.NopLogger()
	if withLog && cfg.Logging.Enabled {
		l, err := logging.NewLogger(res.StateRoot, cfg.Logging.Level, logging.RotationConfig{
			MaxSizeMB:  cfg.Logging.MaxSizeMB,
			MaxBackups: cfg.Logging.MaxBackups,
			Compress:   cfg.Logging.Compress,
		})
		if err != nil {
			// The event log is advisory; locking still works without it.
			fmt.Fprintf(cmd.ErrOrStderr(), "warning: event log disabled: %v\n", err)
		} else {
			logger = l
		}
	}

	coord := coordinator.New(coordinator.Options{
		Scope:      res.Scope,
		StateRoot:  res.StateRoot,
		Checker:    process.New(cfg.Lock.LivenessTimeout),
		Logger:     logger,
		StaleAfter: cfg.Lock.StaleAfter(),
	})

	return &env{cfg: cfg, res: res, coord: coord, logger: logger}, nil
}

// Close releases the log file.
func (e *env) Close() {
	_ = e.logger.Close()
}

// holderPID is the pid recorded on a lock record: the configured pid, or the
// process that invoked testlock, which outlives this short-lived command.
func (e *env) holderPID() int {
	if e.cfg.PID > 0 {
		return e.cfg.PID
	}
	return os.Getppid()
}

// waiterPID is the pid recorded on a queue ticket: the configured pid, or
// this process, so a killed waiter's ticket is recognizably dead.
func (e *env) waiterPID() int {
	if e.cfg.PID > 0 {
		return e.cfg.PID
	}
	return os.Getpid()
}
