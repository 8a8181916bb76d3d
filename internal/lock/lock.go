//go:build linux

// Package lock provides a per-device advisory file lock so the scheduler
// and a manually invoked updater CLI never drive the same MCU update at
// once, mirroring pitop.common.lock.PTLock.
package lock

import (
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

const defaultLockDir = "/tmp/pt-device-locks"

// Locker holds an advisory, flock(2)-based lock named after a single
// device. Unlike a mutex, the lock is visible to and honored by any other
// process on the system that also uses this package against the same
// name — in particular, a scheduler process and a manually run updater
// CLI racing to touch the same MCU.
type Locker struct {
	name string
	path string
	fd   int
}

// New returns a Locker for the named device. It does not acquire
// anything yet.
func New(name string) *Locker {
	return NewInDir(defaultLockDir, name)
}

// NewInDir is like New but places the lock file under dir instead of the
// default location; it exists so tests can run without touching /tmp.
func NewInDir(dir, name string) *Locker {
	return &Locker{name: name, path: filepath.Join(dir, name+".lock"), fd: -1}
}

// IsLocked reports whether another holder currently has this device
// locked, without blocking and without taking the lock itself.
func (l *Locker) IsLocked() (bool, error) {
	fd, err := l.open()
	if err != nil {
		return false, err
	}
	defer unix.Close(fd)

	err = unix.Flock(fd, unix.LOCK_EX|unix.LOCK_NB)
	if err != nil {
		if err == unix.EWOULDBLOCK {
			return true, nil
		}
		return false, fmt.Errorf("lock: probing %s: %w", l.path, err)
	}
	// We got it — release immediately, since IsLocked is just a probe.
	return false, unix.Flock(fd, unix.LOCK_UN)
}

// Acquire blocks until the lock is held by this Locker. Release must be
// called to give it back up.
func (l *Locker) Acquire() error {
	fd, err := l.open()
	if err != nil {
		return err
	}
	if err := unix.Flock(fd, unix.LOCK_EX); err != nil {
		unix.Close(fd)
		return fmt.Errorf("lock: acquiring %s: %w", l.path, err)
	}
	l.fd = fd
	return nil
}

// Release gives up the lock. It is safe to call on a Locker that never
// successfully Acquired.
func (l *Locker) Release() error {
	if l.fd < 0 {
		return nil
	}
	err := unix.Flock(l.fd, unix.LOCK_UN)
	closeErr := unix.Close(l.fd)
	l.fd = -1
	if err != nil {
		return fmt.Errorf("lock: releasing %s: %w", l.path, err)
	}
	return closeErr
}

func (l *Locker) open() (int, error) {
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return -1, fmt.Errorf("lock: creating lock directory: %w", err)
	}
	fd, err := unix.Open(l.path, unix.O_CREAT|unix.O_RDWR, 0o644)
	if err != nil {
		return -1, fmt.Errorf("lock: opening %s: %w", l.path, err)
	}
	return fd, nil
}
