// Package flock provides an exclusive, advisory lock over a database
// directory so that two processes never open the same Strata database
// concurrently: Strata does not support cross-process concurrent
// writers to one database directory.
package flock

import (
	"os"

	"strata/pkg/errs"
)

// ErrLocked is returned by Acquire when another process already holds
// the lock.
var ErrLocked = errs.New(errs.ConstraintViolation, "database directory is locked by another process")

// Lock holds an open file descriptor used purely to carry an OS-level
// advisory lock; it has no content of its own.
type Lock struct {
	f *os.File
}

// Acquire opens (creating if absent) the lock file at path and takes an
// exclusive, non-blocking lock on it. Callers must call Release when
// done, typically on database Close.
func Acquire(path string) (*Lock, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, errs.Wrap(errs.Io, "open lock file", err)
	}
	if err := lockFile(f); err != nil {
		f.Close()
		if err == ErrLocked {
			return nil, err
		}
		return nil, errs.Wrap(errs.Io, "acquire lock", err)
	}
	return &Lock{f: f}, nil
}

// Release unlocks and closes the underlying file descriptor.
func (l *Lock) Release() error {
	if err := unlockFile(l.f); err != nil {
		l.f.Close()
		return errs.Wrap(errs.Io, "release lock", err)
	}
	return l.f.Close()
}
