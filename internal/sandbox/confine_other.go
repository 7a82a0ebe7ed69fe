//go:build !linux

package sandbox

import (
	"github.com/codefionn/patchward/internal/logger"
)

// Confine is a no-op outside Linux; the workspace still isolates writes by
// construction, it just cannot be kernel-enforced.
func (w *Workspace) Confine(extraRW ...string) error {
	logger.Debug("sandbox: landlock confinement not available on this platform")
	return nil
}

// ConfinementSupported reports whether this build can confine the process.
func ConfinementSupported() bool {
	return false
}
