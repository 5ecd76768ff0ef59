//go:build unix

package daemon

import (
	"errors"
	"fmt"
	"os"
	"syscall"
)

const maxLockAttempts = 5

// acquire takes an exclusive flock. The kernel drops it when the holder
// exits, so a stale lock file from a crashed daemon is simply re-locked.
// A lock won on a file that was unlinked or replaced after we opened it is
// dropped and the open retried.
func acquire(path string) (*os.File, error) {
	for attempt := 0; attempt < maxLockAttempts; attempt++ {
		f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
		if err != nil {
			return nil, fmt.Errorf("open lock file: %w", err)
		}
		if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
			_ = f.Close()
			if errors.Is(err, syscall.EWOULDBLOCK) {
				return nil, alreadyRunning(path)
			}
			return nil, fmt.Errorf("lock %s: %w", path, err)
		}
		if isCurrentLockFile(f, path) {
			return f, nil
		}
		_ = syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
		_ = f.Close()
	}
	return nil, fmt.Errorf("lock %s: file kept changing while locking", path)
}

// isCurrentLockFile reports whether f is still the file linked at path.
func isCurrentLockFile(f *os.File, path string) bool {
	held, err := f.Stat()
	if err != nil {
		return false
	}
	linked, err := os.Stat(path)
	if err != nil {
		return false
	}
	return os.SameFile(held, linked)
}

func release(f *os.File, path string) {
	// remove while still locked so a waiting daemon never locks an unlinked file
	_ = os.Remove(path)
	_ = syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
	_ = f.Close()
}

// processExists checks if a process with the given PID exists
func processExists(pid int) bool {
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// Signal 0 doesn't send anything but checks if process exists
	err = process.Signal(syscall.Signal(0))
	return err == nil || errors.Is(err, syscall.EPERM)
}
