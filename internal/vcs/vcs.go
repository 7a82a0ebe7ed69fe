// Package vcs provides a version control system abstraction layer.
// The pipeline uses it to seed disposable sandboxes from the target tree
// and to carry reviewed changes back as patches.
package vcs

import (
	"context"
)

// VCS represents a version control system.
type VCS interface {
	// RepositoryRoot returns the root directory of the VCS repository
	// containing the given directory. Returns an error if not in a repository.
	RepositoryRoot(ctx context.Context, dir string) (string, error)

	// Clone creates a working copy of the repository at src in dst.
	// dst must not exist.
	Clone(ctx context.Context, src, dst string) error

	// Diff returns the unified diff of uncommitted changes in dir,
	// untracked files included.
	Diff(ctx context.Context, dir string) (string, error)

	// ChangedPaths returns the repo-relative paths with uncommitted
	// changes in dir, untracked files included.
	ChangedPaths(ctx context.Context, dir string) ([]string, error)

	// Apply applies a unified diff to the working tree at dir.
	Apply(ctx context.Context, dir, patch string) error

	// IsIgnored checks if a file/directory path is ignored by the VCS.
	// The path should be absolute. Returns false if not in a repository.
	IsIgnored(ctx context.Context, absPath string) (bool, error)
}
