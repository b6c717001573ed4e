//go:build !unix

package process

import "os"

// probe has no signal-0 equivalent here. FindProcess opens a handle on
// Windows and fails for pids that do not exist.
func probe(pid int) State {
	p, err := os.FindProcess(pid)
	if err != nil {
		return Dead
	}
	_ = p.Release()
	return Unknown
}
