// Command testlock serializes test runs across unrelated processes through a
// lock and FIFO queue kept on the filesystem.
package main

import (
	"os"

	"github.com/Iron-Ham/testlock/internal/cmd"
	"github.com/Iron-Ham/testlock/internal/errors"
)

func main() {
	if err := cmd.Execute(); err != nil {
		cmd.ReportError(os.Stderr, err)
		os.Exit(errors.ExitCode(err))
	}
}
