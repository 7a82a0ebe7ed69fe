// Package lockfile serializes production writes: at most one pipeline run
// may promote changes into a given target tree at a time. The lock is a
// file holding pid and acquisition time; locks from dead or long-gone
// processes are broken automatically.
package lockfile

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// ErrLocked is returned when another live process holds the lock.
var ErrLocked = errors.New("target tree is locked by another process")

// DefaultStaleAge is how old a lock from a live process may be before it
// is considered abandoned anyway.
const DefaultStaleAge = time.Hour

// Lock is a file-based write lock.
type Lock struct {
	path     string
	staleAge time.Duration
	file     *os.File
	pid      int
	held     bool
}

// New creates a lock at path with the default stale age.
func New(path string) *Lock {
	return &Lock{path: path, staleAge: DefaultStaleAge}
}

// ForTarget returns the lock guarding writes to the given target tree.
func ForTarget(targetDir string) *Lock {
	return New(filepath.Join(targetDir, ".patchward", "write.lock"))
}

// SetStaleAge overrides the stale age. Must be called before TryAcquire.
func (l *Lock) SetStaleAge(age time.Duration) {
	l.staleAge = age
}

// TryAcquire attempts to take the lock without blocking. A stale lock is
// removed and acquisition retried once.
func (l *Lock) TryAcquire() error {
	if err := os.MkdirAll(filepath.Dir(l.path), 0755); err != nil {
		return fmt.Errorf("failed to create lock directory: %w", err)
	}

	err := l.create()
	if err == nil {
		return nil
	}
	if !os.IsExist(err) {
		return fmt.Errorf("failed to create lockfile: %w", err)
	}

	stale, reason := l.checkStale()
	if !stale {
		return fmt.Errorf("%w: %s", ErrLocked, reason)
	}

	if removeErr := os.Remove(l.path); removeErr != nil && !os.IsNotExist(removeErr) {
		return fmt.Errorf("failed to remove stale lockfile (%s): %w", reason, removeErr)
	}
	if err := l.create(); err != nil {
		return fmt.Errorf("failed to recreate lockfile after breaking stale one: %w", err)
	}
	return nil
}

// create exclusively creates the lockfile and writes pid plus timestamp.
func (l *Lock) create() error {
	file, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0644)
	if err != nil {
		return err
	}

	l.file = file
	l.pid = os.Getpid()
	l.held = true

	content := fmt.Sprintf("%d\n%s\n", l.pid, time.Now().Format(time.RFC3339))
	if _, err := l.file.WriteString(content); err != nil {
		l.Release()
		return fmt.Errorf("failed to write lockfile: %w", err)
	}
	if err := l.file.Sync(); err != nil {
		l.Release()
		return fmt.Errorf("failed to sync lockfile: %w", err)
	}
	return nil
}

// checkStale decides whether the existing lockfile can be broken, and if
// not, why the lock is considered live.
func (l *Lock) checkStale() (bool, string) {
	data, err := os.ReadFile(l.path)
	if err != nil {
		return true, "cannot read lockfile"
	}

	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	pid, err := strconv.Atoi(strings.TrimSpace(lines[0]))
	if err != nil {
		return true, "invalid pid in lockfile"
	}

	running, reason := isProcessRunning(pid)
	if !running {
		return true, reason
	}

	if len(lines) >= 2 {
		if acquired, err := time.Parse(time.RFC3339, strings.TrimSpace(lines[1])); err == nil {
			if time.Since(acquired) > l.staleAge {
				return true, fmt.Sprintf("lock held longer than %s", l.staleAge)
			}
		}
	}

	return false, fmt.Sprintf("held by running process %d", pid)
}

// Release drops the lock. Safe to call when the lock is not held.
func (l *Lock) Release() error {
	if !l.held {
		return nil
	}

	var err error
	if l.file != nil {
		err = l.file.Close()
		l.file = nil
	}

	if removeErr := os.Remove(l.path); removeErr != nil && !os.IsNotExist(removeErr) {
		if err != nil {
			err = fmt.Errorf("%v; failed to remove lockfile: %w", err, removeErr)
		} else {
			err = fmt.Errorf("failed to remove lockfile: %w", removeErr)
		}
	}

	l.held = false
	return err
}

// Held reports whether this process currently holds the lock.
func (l *Lock) Held() bool {
	return l.held
}

// Path returns the lockfile path.
func (l *Lock) Path() string {
	return l.path
}
