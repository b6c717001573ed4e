//go:build !unix

package fsutil

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
)

// guardState falls back to an O_EXCL marker file where flock(2) is missing.
// Unlike flock, a marker left by a crashed process must be removed by hand.
type guardState struct {
	held bool
}

func (s *guardState) tryLock(path string) (bool, error) {
	if s.held {
		return true, nil
	}
	f, err := os.OpenFile(path+".held", os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			return false, nil
		}
		return false, fmt.Errorf("create guard marker: %w", err)
	}
	_ = f.Close()
	s.held = true
	return true, nil
}

func (s *guardState) unlock(path string) error {
	if !s.held {
		return nil
	}
	s.held = false
	if err := os.Remove(path + ".held"); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}
