package vcs

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/sourcegraph/go-diff/diff"
)

// Git implements the VCS interface for Git repositories.
type Git struct {
	workingDir string
	// repoRootOnce ensures we only look up the repo root once
	repoRootOnce sync.Once
	repoRoot     string
	repoRootErr  error

	// ignoreCache caches git ignore results
	ignoreCache map[string]bool
	ignoreMutex sync.RWMutex
}

// NewGit creates a new Git VCS instance for the given working directory.
// The working directory should be within a Git repository.
func NewGit(workingDir string) *Git {
	return &Git{
		workingDir:  workingDir,
		ignoreCache: make(map[string]bool),
	}
}

// getRepoRoot returns the cached repository root, looking it up if necessary.
func (g *Git) getRepoRoot(ctx context.Context) (string, error) {
	g.repoRootOnce.Do(func() {
		g.repoRoot, g.repoRootErr = g.RepositoryRoot(ctx, g.workingDir)
	})
	return g.repoRoot, g.repoRootErr
}

// RepositoryRoot returns the root directory of the Git repository
// containing the given directory.
func (g *Git) RepositoryRoot(ctx context.Context, dir string) (string, error) {
	if dir == "" {
		dir = g.workingDir
	}

	cmd := exec.CommandContext(ctx, "git", "-C", dir, "rev-parse", "--show-toplevel")
	output, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("not in a git repository: %w", err)
	}
	return strings.TrimSpace(string(output)), nil
}

// Clone creates a local working copy of src at dst. Local object sharing is
// disabled so the sandbox can be deleted without touching the original.
func (g *Git) Clone(ctx context.Context, src, dst string) error {
	cmd := exec.CommandContext(ctx, "git", "clone", "--quiet", "--no-hardlinks", src, dst)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("failed to clone %s: %s", src, strings.TrimSpace(string(output)))
	}
	return nil
}

// Diff returns the unified diff of all uncommitted changes in dir. Untracked
// files are registered with intent-to-add first so they appear in the diff;
// this mutates the index of dir, which is acceptable for disposable
// sandboxes only.
func (g *Git) Diff(ctx context.Context, dir string) (string, error) {
	add := exec.CommandContext(ctx, "git", "-C", dir, "add", "--all", "--intent-to-add")
	if output, err := add.CombinedOutput(); err != nil {
		return "", fmt.Errorf("failed to register untracked files: %s", strings.TrimSpace(string(output)))
	}

	cmd := exec.CommandContext(ctx, "git", "-C", dir, "diff", "--no-color")
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("git diff failed: %s", strings.TrimSpace(stderr.String()))
	}
	return stdout.String(), nil
}

// ChangedPaths returns the repo-relative paths with uncommitted changes in
// dir. The parsed diff is the authoritative source: after intent-to-add
// registration every modified or new file appears in it, including binary
// entries, which parse to a header-only file diff. git status supplements
// only what the diff cannot carry: rename endpoints and paths that stayed
// untracked.
func (g *Git) ChangedPaths(ctx context.Context, dir string) ([]string, error) {
	raw, err := g.Diff(ctx, dir)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool)
	var paths []string
	add := func(p string) {
		if p != "" && p != "/dev/null" && !seen[p] {
			seen[p] = true
			paths = append(paths, p)
		}
	}

	if raw != "" {
		fileDiffs, err := diff.ParseMultiFileDiff([]byte(raw))
		if err != nil {
			return nil, fmt.Errorf("failed to parse diff: %w", err)
		}
		for _, fd := range fileDiffs {
			add(stripDiffPrefix(fd.NewName))
			add(stripDiffPrefix(fd.OrigName))
		}
	}

	status := exec.CommandContext(ctx, "git", "-C", dir, "status", "--porcelain")
	output, err := status.Output()
	if err != nil {
		return nil, fmt.Errorf("git status failed: %w", err)
	}
	for _, line := range strings.Split(string(output), "\n") {
		if len(line) < 4 {
			continue
		}
		// Format: XY <path> or XY <old> -> <new> for renames.
		code, entry := line[:2], line[3:]
		if idx := strings.Index(entry, " -> "); idx >= 0 {
			add(unquotePath(entry[:idx]))
			add(unquotePath(entry[idx+4:]))
			continue
		}
		if strings.Contains(code, "?") {
			add(unquotePath(entry))
		}
	}

	return paths, nil
}

// Apply applies a unified diff to the working tree at dir.
func (g *Git) Apply(ctx context.Context, dir, patch string) error {
	if strings.TrimSpace(patch) == "" {
		return nil
	}
	cmd := exec.CommandContext(ctx, "git", "-C", dir, "apply", "--whitespace=nowarn", "-")
	cmd.Stdin = strings.NewReader(patch)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("failed to apply patch: %s", strings.TrimSpace(string(output)))
	}
	return nil
}

// IsIgnored checks if a file/directory path is ignored by Git.
// The path should be absolute. Returns false if not in a repository.
func (g *Git) IsIgnored(ctx context.Context, absPath string) (bool, error) {
	repoRoot, err := g.getRepoRoot(ctx)
	if err != nil {
		return false, nil // Not in a repo, so not ignored
	}

	relPath, err := filepath.Rel(repoRoot, absPath)
	if err != nil || strings.HasPrefix(relPath, "..") {
		return false, nil // Path outside repo, not ignored
	}

	g.ignoreMutex.RLock()
	ignored, ok := g.ignoreCache[relPath]
	g.ignoreMutex.RUnlock()
	if ok {
		return ignored, nil
	}

	cmd := exec.CommandContext(ctx, "git", "-C", repoRoot, "check-ignore", "--quiet", "--", relPath)
	err = cmd.Run()
	ignored = err == nil

	g.ignoreMutex.Lock()
	g.ignoreCache[relPath] = ignored
	g.ignoreMutex.Unlock()

	return ignored, nil
}

// stripDiffPrefix removes the conventional a/ or b/ prefix from a diff
// header file name.
func stripDiffPrefix(name string) string {
	if strings.HasPrefix(name, "a/") || strings.HasPrefix(name, "b/") {
		return name[2:]
	}
	return name
}

// unquotePath handles git's C-style quoting of paths with special
// characters in porcelain output.
func unquotePath(p string) string {
	p = strings.TrimSpace(p)
	if len(p) >= 2 && p[0] == '"' && p[len(p)-1] == '"' {
		if unquoted, err := strconv.Unquote(p); err == nil {
			return unquoted
		}
	}
	return p
}
