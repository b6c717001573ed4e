// Package fsutil holds the filesystem primitives every correctness decision in
// testlock is built on: atomic replace, exclusive create, and a short-lived
// advisory guard for read-verify-mutate sequences.
package fsutil

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// TempPrefix marks scratch files created next to their final destination.
// Directory scans skip entries with this prefix.
const TempPrefix = ".tmp-"

// ErrExists is returned by CreateExclusive when the destination already exists.
var ErrExists = fs.ErrExist

// WriteFileAtomic writes data to a file atomically by writing to a temporary
// file first, then renaming. The target file is never in a partially-written
// state, and an existing target is replaced in one step.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	tmpPath, err := writeTemp(path, data, perm)
	if err != nil {
		return err
	}

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	return nil
}

// CreateExclusive publishes data at path only if nothing exists there yet.
//
// The content is fully written to a temp file and then hard-linked into place.
// link(2) fails with EEXIST when the destination exists, so exactly one of any
// number of concurrent callers succeeds and readers never observe a partially
// written record. Returns ErrExists when the destination is taken.
func CreateExclusive(path string, data []byte, perm os.FileMode) error {
	tmpPath, err := writeTemp(path, data, perm)
	if err != nil {
		return err
	}
	defer os.Remove(tmpPath)

	if err := os.Link(tmpPath, path); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return ErrExists
		}
		return fmt.Errorf("failed to link %s: %w", filepath.Base(path), err)
	}
	return nil
}

// IsTemp reports whether a directory entry name is a scratch file.
func IsTemp(name string) bool {
	return strings.HasPrefix(name, TempPrefix)
}

// writeTemp writes data to a synced temp file in the destination's directory
// and returns its path. The caller owns removal.
func writeTemp(path string, data []byte, perm os.FileMode) (string, error) {
	dir := filepath.Dir(path)

	// Create temp file in same directory so rename and link stay on one filesystem
	tmpFile, err := os.CreateTemp(dir, TempPrefix+"*")
	if err != nil {
		return "", fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()

	success := false
	defer func() {
		if !success {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmpFile.Write(data); err != nil {
		tmpFile.Close()
		return "", fmt.Errorf("failed to write temp file: %w", err)
	}

	if err := tmpFile.Sync(); err != nil {
		tmpFile.Close()
		return "", fmt.Errorf("failed to sync temp file: %w", err)
	}

	if err := tmpFile.Close(); err != nil {
		return "", fmt.Errorf("failed to close temp file: %w", err)
	}

	if err := os.Chmod(tmpPath, perm); err != nil {
		return "", fmt.Errorf("failed to set permissions: %w", err)
	}

	success = true
	return tmpPath, nil
}
