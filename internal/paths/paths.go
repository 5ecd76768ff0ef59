// Package paths resolves the on-disk locations hoho uses: the per-user home,
// the per-workspace data directory and the per-workspace daemon directory.
package paths

import (
	"encoding/binary"
	"encoding/hex"
	"os"
	"path/filepath"
	"strings"

	"github.com/minio/highwayhash"
)

const (
	// HomeEnvVar overrides the per-user hoho home directory.
	HomeEnvVar = "HOHO_HOME"
	// DefaultHome is the home directory name under the user's home.
	DefaultHome = ".hoho"
	// WorkspaceDirName is the data directory inside a workspace root.
	WorkspaceDirName = ".hoho"

	storeFileName   = "mappings.bin"
	journalFileName = "journal.db"
	socketFileName  = "daemon.sock"
	lockFileName    = "daemon.lock"
	logFileName     = "daemon.log"
)

// hashKey is a fixed 32-byte HighwayHash key; the hash only needs to be stable.
var hashKey = []byte("hoho-workspace-endpoint-key-0001")

// GetHohoHome returns $HOHO_HOME or ~/.hoho.
func GetHohoHome() (string, error) {
	if env := os.Getenv(HomeEnvVar); env != "" {
		return env, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, DefaultHome), nil
}

// ComputeWorkspaceHash returns 16 hex chars identifying an absolute workspace root.
func ComputeWorkspaceHash(root string) string {
	abs, err := filepath.Abs(root)
	if err == nil {
		root = abs
	}
	sum := highwayhash.Sum64([]byte(filepath.Clean(root)), hashKey)
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], sum)
	return hex.EncodeToString(b[:])
}

// GetWorkspaceDataDir returns <root>/.hoho.
func GetWorkspaceDataDir(root string) string {
	return filepath.Join(root, WorkspaceDirName)
}

// EnsureWorkspaceDataDir creates <root>/.hoho if needed.
func EnsureWorkspaceDataDir(root string) (string, error) {
	dir := GetWorkspaceDataDir(root)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", err
	}
	return dir, nil
}

// GetStorePath returns the default mapping store file for a workspace.
func GetStorePath(root string) string {
	return filepath.Join(GetWorkspaceDataDir(root), storeFileName)
}

// ResolveStorePath returns the configured store path made absolute against
// root, or the default store path when configured is empty.
func ResolveStorePath(root, configured string) string {
	switch {
	case configured == "":
		return GetStorePath(root)
	case filepath.IsAbs(configured):
		return configured
	}
	return filepath.Join(root, configured)
}

// GetJournalPath returns the default rename journal database for a workspace.
func GetJournalPath(root string) string {
	return filepath.Join(GetWorkspaceDataDir(root), journalFileName)
}

// GetDaemonDir returns ~/.hoho/daemon/<workspace-hash>.
func GetDaemonDir(root string) (string, error) {
	home, err := GetHohoHome()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, "daemon", ComputeWorkspaceHash(root)), nil
}

// EnsureDaemonDir creates the daemon directory for a workspace with 0700 permissions.
func EnsureDaemonDir(root string) (string, error) {
	dir, err := GetDaemonDir(root)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return "", err
	}
	return dir, nil
}

// GetDaemonSocketPath returns the unix socket the workspace daemon listens on.
func GetDaemonSocketPath(root string) (string, error) {
	return daemonFile(root, socketFileName)
}

// GetDaemonLockPath returns the lock file guarding the workspace daemon.
func GetDaemonLockPath(root string) (string, error) {
	return daemonFile(root, lockFileName)
}

// GetDaemonLogPath returns the workspace daemon's log file.
func GetDaemonLogPath(root string) (string, error) {
	return daemonFile(root, logFileName)
}

func daemonFile(root, name string) (string, error) {
	dir, err := GetDaemonDir(root)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, name), nil
}

// CanonicalizePath converts an absolute path to a workspace-relative slash path,
// resolving symlinks where the path exists.
func CanonicalizePath(absolutePath string, root string) (string, error) {
	resolved, err := filepath.EvalSymlinks(absolutePath)
	if err != nil {
		if !os.IsNotExist(err) {
			return "", err
		}
		resolved = absolutePath
	}
	rootResolved, err := filepath.EvalSymlinks(root)
	if err != nil {
		if !os.IsNotExist(err) {
			return "", err
		}
		rootResolved = root
	}
	rel, err := filepath.Rel(rootResolved, resolved)
	if err != nil {
		return "", err
	}
	return filepath.ToSlash(rel), nil
}

// IsWithinWorkspace reports whether path lies inside root.
func IsWithinWorkspace(path string, root string) bool {
	canonical, err := CanonicalizePath(path, root)
	if err != nil {
		return false
	}
	return canonical != ".." && !strings.HasPrefix(canonical, "../")
}
