package guardrail

import (
	"fmt"
	"path/filepath"
	"strings"
)

// PathBoundary decides whether a task's target path is even eligible for a
// pipeline run: inside the allow list (when one is set) and outside the
// block list. The orchestrator consults it before creating a sandbox.
type PathBoundary struct {
	// Allow lists directory prefixes a task may target. Empty means any
	// path not blocked is allowed.
	Allow []string
	// Block lists directory prefixes that always reject a task.
	Block []string
}

// Name implements Check.
func (b *PathBoundary) Name() string {
	return "path-boundary"
}

// Run implements Check; root here is the task's target path relative to
// the tree, not a directory to scan.
func (b *PathBoundary) Run(root string) Result {
	return b.Evaluate(root)
}

// Evaluate reports whether relPath is inside the boundary.
func (b *PathBoundary) Evaluate(relPath string) Result {
	p := strings.Trim(filepath.ToSlash(relPath), "/")

	for _, blocked := range b.Block {
		if underPrefix(p, blocked) {
			return Result{OK: false, Details: fmt.Sprintf("path %q is inside blocked area %q", relPath, blocked)}
		}
	}

	if len(b.Allow) == 0 {
		return Result{OK: true}
	}
	for _, allowed := range b.Allow {
		if underPrefix(p, allowed) {
			return Result{OK: true}
		}
	}
	return Result{OK: false, Details: fmt.Sprintf("path %q is outside every allowed area", relPath)}
}

func underPrefix(p, prefix string) bool {
	prefix = strings.Trim(filepath.ToSlash(prefix), "/")
	if prefix == "" {
		return false
	}
	return p == prefix || strings.HasPrefix(p, prefix+"/")
}
