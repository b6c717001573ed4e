package cmd

import (
	"fmt"
	"io"

	"github.com/Iron-Ham/testlock/internal/errors"
)

// ReportError writes err to w the way the testlock binary shows failures.
// A child's exit status from `run` prints nothing; the child already wrote
// to its own stderr.
func ReportError(w io.Writer, err error) {
	if err == nil {
		return
	}
	var exitErr *errors.ExitError
	if errors.As(err, &exitErr) {
		return
	}

	if errors.IsUserFacing(err) {
		fmt.Fprintf(w, "testlock: %v\n", err)
	} else {
		fmt.Fprintf(w, "testlock: unexpected error: %v\n", err)
	}
	if hint := errorHint(err); hint != "" {
		fmt.Fprintf(w, "hint: %s\n", hint)
	}
}

func errorHint(err error) string {
	switch {
	case errors.IsRetryable(err) && errors.Is(err, errors.ErrLocked):
		return "rerun with --wait to queue behind the holder"
	case errors.IsRetryable(err):
		return "retry later, or check the holder with 'testlock status'"
	case errors.Is(err, errors.ErrLockCorrupted):
		return "run 'testlock clean-stale' to reclaim the damaged lock record"
	case errors.GetSeverity(err) == errors.SeverityCritical:
		return "check the effective settings with 'testlock config show'"
	}
	return ""
}
