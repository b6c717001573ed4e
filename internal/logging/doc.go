// Package logging provides the structured event log for testlock.
//
// Every testlock invocation is a short-lived process, so the log is the only
// place where the history of a state root survives: who acquired, who waited
// with which ticket, who was reclaimed and why. Entries are JSON lines written
// through log/slog into {state root}/testlock.log.
//
// # Basic Usage
//
//	logger, err := logging.NewLogger(stateRoot, "INFO", logging.DefaultRotationConfig())
//	if err != nil {
//	    return err
//	}
//	defer logger.Close()
//
//	logger.WithScope("repo", stateRoot).WithTicket(7).Info("queued", "command", "go test ./...")
//
// Output:
//
//	{"time":"...","level":"INFO","msg":"queued","scope":"repo","state_root":"...","ticket":7,"command":"go test ./..."}
//
// # Shared Files
//
// Many processes append to one file. [RotatingWriter] checks the file's real
// size before each write and rotates under the state root's guard, so two
// processes never rotate at once. Rotated files are named testlock.log.1,
// testlock.log.2, and so on, with .1 the newest; with compression enabled they
// become testlock.log.1.gz and so on.
//
// # Reading History
//
// [ReadHistory], [FilterHistory] and [WriteHistory] back the history command:
//
//	entries, err := logging.ReadHistory(stateRoot)
//	entries = logging.FilterHistory(entries, logging.Filter{Level: "INFO", Ticket: 7})
//	err = logging.WriteHistory(os.Stdout, entries, logging.FormatText)
//
// # Testing
//
// Use [NopLogger] to discard output, or [NewWriterLogger] with a buffer to
// assert on entries.
package logging
