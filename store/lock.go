// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// fileLock is an advisory, exclusive flock held on a dedicated lock
// file. Readers never take it — committed objects are immutable, so
// there is nothing for a reader to race with; only writers (commit,
// staging allocation, source-blob placement) serialize on it.
type fileLock struct {
	file *os.File
}

// acquireLock opens (creating if needed) the lock file at path and
// blocks until an exclusive flock is held.
func acquireLock(path string) (*fileLock, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening lock file %s: %w", path, err)
	}
	if err := unix.Flock(int(file.Fd()), unix.LOCK_EX); err != nil {
		file.Close()
		return nil, fmt.Errorf("locking %s: %w", path, err)
	}
	return &fileLock{file: file}, nil
}

// release drops the flock and closes the underlying file descriptor.
func (l *fileLock) release() error {
	if err := unix.Flock(int(l.file.Fd()), unix.LOCK_UN); err != nil {
		l.file.Close()
		return fmt.Errorf("unlocking %s: %w", l.file.Name(), err)
	}
	return l.file.Close()
}
