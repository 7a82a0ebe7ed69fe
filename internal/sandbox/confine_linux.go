//go:build linux

package sandbox

import (
	"fmt"
	"os"
	"path/filepath"

	landlock "github.com/landlock-lsm/go-landlock/landlock"

	"github.com/codefionn/patchward/internal/logger"
)

// Confine applies Landlock restrictions to the current process: read-write
// access to the workspace and the given state directories, read-only access
// to the toolchain paths needed to run validators. Irreversible for the
// lifetime of the process; the CLI runs one pipeline run per process.
func (w *Workspace) Confine(extraRW ...string) error {
	rules := []landlock.Rule{
		landlock.RWDirs(w.Dir),
	}
	for _, dir := range extraRW {
		if dir == "" {
			continue
		}
		if abs, err := filepath.Abs(dir); err == nil {
			if _, err := os.Stat(abs); err == nil {
				rules = append(rules, landlock.RWDirs(abs))
			}
		}
	}

	roDirs := []string{
		"/usr",
		"/bin",
		"/lib",
		"/lib64",
		"/etc",
		"/sbin",
		"/run/current-system/sw", // NixOS
		"/nix/store",
	}
	if home, err := os.UserHomeDir(); err == nil {
		roDirs = append(roDirs, home)
	}
	for _, dir := range roDirs {
		if _, err := os.Stat(dir); err == nil {
			rules = append(rules, landlock.RODirs(dir))
		}
	}

	rwDirs := []string{os.TempDir(), "/tmp", "/var/tmp"}
	for _, dir := range rwDirs {
		if abs, err := filepath.Abs(dir); err == nil {
			if _, err := os.Stat(abs); err == nil {
				rules = append(rules, landlock.RWDirs(abs))
			}
		}
	}

	// Landlock rejects directory access rights on regular files.
	devFiles := []string{"/dev/null", "/dev/zero", "/dev/random", "/dev/urandom"}
	for _, f := range devFiles {
		if _, err := os.Stat(f); err == nil {
			rules = append(rules, landlock.RWFiles(f))
		}
	}

	// BestEffort degrades on pre-5.13 kernels instead of failing hard.
	if err := landlock.V6.BestEffort().RestrictPaths(rules...); err != nil {
		return fmt.Errorf("landlock restriction failed: %w", err)
	}

	logger.Debug("sandbox: landlock confinement active for %s", w.Dir)
	return nil
}

// ConfinementSupported reports whether this build can confine the process.
func ConfinementSupported() bool {
	return true
}
