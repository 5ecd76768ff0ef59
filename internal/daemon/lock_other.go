//go:build !unix

package daemon

import (
	"errors"
	"fmt"
	"os"
)

// acquire creates the lock file exclusively. An existing file whose PID is
// no longer alive is removed and the create retried once.
func acquire(path string) (*os.File, error) {
	for attempt := 0; attempt < 2; attempt++ {
		f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o600)
		if err == nil {
			return f, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("create lock file: %w", err)
		}
		if _, alive := HolderPID(path); alive {
			return nil, alreadyRunning(path)
		}
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("remove stale lock: %w", err)
		}
	}
	return nil, alreadyRunning(path)
}

func release(f *os.File, path string) {
	_ = f.Close()
	_ = os.Remove(path)
}

func processExists(pid int) bool {
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	_ = p.Release()
	return true
}
