package daemon

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	hohoerrors "hoho/internal/errors"
)

// Lock is the single-instance lock of one workspace daemon. The holder's PID
// is written inside the lock file.
type Lock struct {
	path string
	file *os.File
}

// AcquireLock takes the daemon lock at path. When another live daemon holds
// it the error has code DAEMON_RUNNING; a lock left behind by a dead process
// is reclaimed.
func AcquireLock(path string) (*Lock, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create lock directory: %w", err)
	}
	f, err := acquire(path)
	if err != nil {
		return nil, err
	}

	if err := f.Truncate(0); err != nil {
		release(f, path)
		return nil, fmt.Errorf("truncate lock file: %w", err)
	}
	if _, err := f.WriteAt([]byte(strconv.Itoa(os.Getpid())+"\n"), 0); err != nil {
		release(f, path)
		return nil, fmt.Errorf("write lock file: %w", err)
	}
	_ = f.Sync()
	return &Lock{path: path, file: f}, nil
}

// Path returns the lock file path.
func (l *Lock) Path() string {
	return l.path
}

// Release drops the lock and removes the lock file.
func (l *Lock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	release(l.file, l.path)
	l.file = nil
	return nil
}

// HolderPID reports the PID recorded in the lock file at path and whether
// that process is still alive.
func HolderPID(path string) (int, bool) {
	pid, err := readPID(path)
	if err != nil || pid <= 0 {
		return 0, false
	}
	return pid, processExists(pid)
}

func readPID(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

func alreadyRunning(path string) error {
	pid, _ := readPID(path)
	return hohoerrors.New(hohoerrors.DaemonRunning,
		fmt.Sprintf("daemon is already running (PID: %d)", pid), nil).
		WithDetails(map[string]any{"pid": pid, "lock": path})
}
