package vcs

import (
	"context"
)

// MockVCS is a mock implementation of the VCS interface for testing.
type MockVCS struct {
	RepositoryRootFunc func(ctx context.Context, dir string) (string, error)
	CloneFunc          func(ctx context.Context, src, dst string) error
	DiffFunc           func(ctx context.Context, dir string) (string, error)
	ChangedPathsFunc   func(ctx context.Context, dir string) ([]string, error)
	ApplyFunc          func(ctx context.Context, dir, patch string) error
	IsIgnoredFunc      func(ctx context.Context, absPath string) (bool, error)
}

// RepositoryRoot calls the mock RepositoryRootFunc if set, otherwise returns dir.
func (m *MockVCS) RepositoryRoot(ctx context.Context, dir string) (string, error) {
	if m.RepositoryRootFunc != nil {
		return m.RepositoryRootFunc(ctx, dir)
	}
	return dir, nil
}

// Clone calls the mock CloneFunc if set, otherwise does nothing.
func (m *MockVCS) Clone(ctx context.Context, src, dst string) error {
	if m.CloneFunc != nil {
		return m.CloneFunc(ctx, src, dst)
	}
	return nil
}

// Diff calls the mock DiffFunc if set, otherwise returns an empty diff.
func (m *MockVCS) Diff(ctx context.Context, dir string) (string, error) {
	if m.DiffFunc != nil {
		return m.DiffFunc(ctx, dir)
	}
	return "", nil
}

// ChangedPaths calls the mock ChangedPathsFunc if set, otherwise returns nil.
func (m *MockVCS) ChangedPaths(ctx context.Context, dir string) ([]string, error) {
	if m.ChangedPathsFunc != nil {
		return m.ChangedPathsFunc(ctx, dir)
	}
	return nil, nil
}

// Apply calls the mock ApplyFunc if set, otherwise does nothing.
func (m *MockVCS) Apply(ctx context.Context, dir, patch string) error {
	if m.ApplyFunc != nil {
		return m.ApplyFunc(ctx, dir, patch)
	}
	return nil
}

// IsIgnored calls the mock IsIgnoredFunc if set, otherwise returns false.
func (m *MockVCS) IsIgnored(ctx context.Context, absPath string) (bool, error) {
	if m.IsIgnoredFunc != nil {
		return m.IsIgnoredFunc(ctx, absPath)
	}
	return false, nil
}
