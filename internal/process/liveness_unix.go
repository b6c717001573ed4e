//go:build unix

package process

import (
	"errors"

	"golang.org/x/sys/unix"
)

func probe(pid int) State {
	err := unix.Kill(pid, 0)
	switch {
	case err == nil:
		return Alive
	case errors.Is(err, unix.EPERM):
		// Exists but owned by another user.
		return Alive
	case errors.Is(err, unix.ESRCH):
		return Dead
	default:
		return Unknown
	}
}
