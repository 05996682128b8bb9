package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

const (
	lockFilePermissions = 0o600
	lockDirPermissions  = 0o700
)

// errAlreadyWatched is returned when another emctl process is watching the
// same local directory.
var errAlreadyWatched = errors.New("directory is already being watched")

// acquireWatchLock writes the current PID to path under an exclusive flock.
// The returned release func removes the file and drops the lock. A held lock
// yields errAlreadyWatched naming the holder's PID when it can be read.
func acquireWatchLock(path string) (release func(), err error) {
	if path == "" {
		return nil, errors.New("watch lock path is empty: cannot determine data directory")
	}

	if err := os.MkdirAll(filepath.Dir(path), lockDirPermissions); err != nil {
		return nil, fmt.Errorf("creating watch lock directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, lockFilePermissions)
	if err != nil {
		return nil, fmt.Errorf("opening watch lock: %w", err)
	}

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		f.Close()

		if pid, readErr := readLockPID(path); readErr == nil {
			return nil, fmt.Errorf("%w by PID %d (lock %s)", errAlreadyWatched, pid, path)
		}

		return nil, fmt.Errorf("%w (lock %s)", errAlreadyWatched, path)
	}

	if err := f.Truncate(0); err != nil {
		f.Close()
		return nil, fmt.Errorf("truncating watch lock: %w", err)
	}

	if _, err := fmt.Fprintf(f, "%d\n", os.Getpid()); err != nil {
		f.Close()
		return nil, fmt.Errorf("writing watch lock: %w", err)
	}

	return func() {
		os.Remove(path)
		f.Close()
	}, nil
}

// readLockPID reads the PID recorded in a lock file.
func readLockPID(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("reading watch lock: %w", err)
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("invalid PID in %s: %w", path, err)
	}

	return pid, nil
}
