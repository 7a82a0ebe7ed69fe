//go:build !windows

package lockfile

import (
	"errors"
	"os"
	"strings"
	"syscall"
)

// isProcessRunning checks if a process with the given PID is running (Unix).
func isProcessRunning(pid int) (bool, string) {
	process, err := os.FindProcess(pid)
	if err != nil {
		return false, "process not found"
	}

	// Signal 0 probes for existence without delivering anything.
	err = process.Signal(syscall.Signal(0))
	if err != nil {
		if errors.Is(err, os.ErrProcessDone) {
			return false, "process has finished"
		}
		// Permission error means the process exists under another user.
		if strings.Contains(err.Error(), "operation not permitted") {
			return true, ""
		}
		return false, "cannot signal process"
	}

	return true, ""
}
