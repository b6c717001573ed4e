//go:build unix

package fsutil

import (
	"errors"
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// guardState holds the open, flocked guard file.
type guardState struct {
	file *os.File
}

func (s *guardState) tryLock(path string) (bool, error) {
	if s.file != nil {
		return true, nil
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return false, fmt.Errorf("open guard file: %w", err)
	}

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		_ = f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) || errors.Is(err, unix.EAGAIN) {
			return false, nil
		}
		return false, fmt.Errorf("flock: %w", err)
	}

	s.file = f
	return true, nil
}

func (s *guardState) unlock(string) error {
	if s.file == nil {
		return nil
	}

	if err := unix.Flock(int(s.file.Fd()), unix.LOCK_UN); err != nil {
		_ = s.file.Close()
		s.file = nil
		return fmt.Errorf("funlock: %w", err)
	}

	err := s.file.Close()
	s.file = nil
	return err
}
