// Package sandbox manages disposable workspaces: each pipeline run clones
// the target tree into a throwaway directory, mutates the clone, and either
// promotes the resulting diff back or discards the whole directory. On
// Linux the sandboxed process can additionally be confined with Landlock.
package sandbox

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/codefionn/patchward/internal/logger"
	"github.com/codefionn/patchward/internal/vcs"
)

const workspacePrefix = "ws-"

// Workspace is one disposable working copy of the target tree.
type Workspace struct {
	ID        string
	Dir       string
	TargetDir string

	vcs         vcs.VCS
	linkDirs    []string
	excludeDirs []string
}

// Options controls workspace creation.
type Options struct {
	// Parent is the directory workspaces are created under. Defaults to
	// a patchward subdirectory of the system temp dir.
	Parent string
	// LinkDirs are directories symlinked into the workspace instead of
	// copied (dependency caches like node_modules).
	LinkDirs []string
	// ExcludeDirs are directories never carried into the workspace.
	ExcludeDirs []string
}

// DefaultParent returns the default workspace parent directory.
func DefaultParent() string {
	return filepath.Join(os.TempDir(), "patchward-sandboxes")
}

// Setup creates a workspace seeded from targetDir: a VCS clone plus any
// untracked, unignored files, with LinkDirs symlinked in.
func Setup(ctx context.Context, targetDir string, v vcs.VCS, opts Options) (*Workspace, error) {
	parent := opts.Parent
	if parent == "" {
		parent = DefaultParent()
	}
	if err := os.MkdirAll(parent, 0755); err != nil {
		return nil, fmt.Errorf("failed to create sandbox parent: %w", err)
	}

	id := workspacePrefix + uuid.NewString()
	dir := filepath.Join(parent, id)

	ws := &Workspace{
		ID:          id,
		Dir:         dir,
		TargetDir:   targetDir,
		vcs:         v,
		linkDirs:    opts.LinkDirs,
		excludeDirs: opts.ExcludeDirs,
	}

	if err := v.Clone(ctx, targetDir, dir); err != nil {
		return nil, fmt.Errorf("failed to seed workspace: %w", err)
	}

	if err := ws.copyUntracked(ctx); err != nil {
		ws.Cleanup()
		return nil, err
	}
	if err := ws.linkCaches(); err != nil {
		ws.Cleanup()
		return nil, err
	}

	logger.Info("sandbox: workspace %s created from %s", id, targetDir)
	return ws, nil
}

// copyUntracked carries untracked, unignored files from the target tree
// into the workspace. A clone only contains committed state; the pipeline
// must see the tree as it currently is.
func (w *Workspace) copyUntracked(ctx context.Context) error {
	return filepath.WalkDir(w.TargetDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil // unreadable entries are skipped, not fatal
		}
		rel, relErr := filepath.Rel(w.TargetDir, path)
		if relErr != nil || rel == "." {
			return nil
		}

		base := d.Name()
		if d.IsDir() {
			if base == ".git" || w.excluded(rel) {
				return filepath.SkipDir
			}
			return nil
		}
		if d.Type()&fs.ModeSymlink != 0 {
			return nil
		}

		dst := filepath.Join(w.Dir, rel)
		if _, statErr := os.Lstat(dst); statErr == nil {
			return nil // already present from the clone
		}

		if ignored, _ := w.vcs.IsIgnored(ctx, path); ignored {
			return nil
		}

		if mkErr := os.MkdirAll(filepath.Dir(dst), 0755); mkErr != nil {
			return fmt.Errorf("failed to create workspace directory for %s: %w", rel, mkErr)
		}
		if copyErr := copyFile(path, dst); copyErr != nil {
			return fmt.Errorf("failed to copy untracked file %s: %w", rel, copyErr)
		}
		return nil
	})
}

func (w *Workspace) excluded(rel string) bool {
	rel = filepath.ToSlash(rel)
	for _, ex := range w.excludeDirs {
		ex = strings.Trim(filepath.ToSlash(ex), "/")
		if rel == ex || strings.HasPrefix(rel, ex+"/") {
			return true
		}
	}
	return false
}

// linkCaches symlinks configured cache directories from the target tree so
// the sandbox can build without re-downloading dependencies.
func (w *Workspace) linkCaches() error {
	for _, dir := range w.linkDirs {
		src := filepath.Join(w.TargetDir, dir)
		if _, err := os.Stat(src); err != nil {
			continue
		}
		dst := filepath.Join(w.Dir, dir)
		if _, err := os.Lstat(dst); err == nil {
			if rmErr := os.RemoveAll(dst); rmErr != nil {
				return fmt.Errorf("failed to replace %s with link: %w", dir, rmErr)
			}
		}
		if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
			return err
		}
		if err := os.Symlink(src, dst); err != nil {
			return fmt.Errorf("failed to link cache dir %s: %w", dir, err)
		}
		logger.Debug("sandbox: linked cache dir %s", dir)
	}
	return nil
}

// Diff returns the unified diff of the workspace against its seed state.
func (w *Workspace) Diff(ctx context.Context) (string, error) {
	return w.vcs.Diff(ctx, w.Dir)
}

// ChangedPaths returns the workspace-relative paths modified since seeding.
func (w *Workspace) ChangedPaths(ctx context.Context) ([]string, error) {
	return w.vcs.ChangedPaths(ctx, w.Dir)
}

// ApplyToMain promotes the workspace's changes into the target tree as a
// patch. When the patch does not apply cleanly, changed files are copied
// over individually as a fallback; the returned warning is non-empty in
// that case.
func (w *Workspace) ApplyToMain(ctx context.Context) (changed []string, warning string, err error) {
	patch, err := w.Diff(ctx)
	if err != nil {
		return nil, "", fmt.Errorf("failed to compute workspace diff: %w", err)
	}
	changed, err = w.ChangedPaths(ctx)
	if err != nil {
		return nil, "", err
	}
	if len(changed) == 0 {
		return nil, "", nil
	}

	if applyErr := w.vcs.Apply(ctx, w.TargetDir, patch); applyErr != nil {
		logger.Warn("sandbox: patch did not apply cleanly, falling back to file copy: %v", applyErr)
		if copyErr := w.copyChangedFiles(changed); copyErr != nil {
			return nil, "", fmt.Errorf("patch failed (%v) and file copy failed: %w", applyErr, copyErr)
		}
		warning = fmt.Sprintf("patch did not apply cleanly (%v); changed files copied whole", applyErr)
	}

	logger.Info("sandbox: promoted %d changed paths from %s", len(changed), w.ID)
	return changed, warning, nil
}

// copyChangedFiles is the promotion fallback: whole-file copies of every
// changed path. Deletions in the workspace become deletions in the target.
func (w *Workspace) copyChangedFiles(paths []string) error {
	for _, rel := range paths {
		src := filepath.Join(w.Dir, filepath.FromSlash(rel))
		dst := filepath.Join(w.TargetDir, filepath.FromSlash(rel))

		info, err := os.Lstat(src)
		if err != nil {
			if os.IsNotExist(err) {
				if rmErr := os.Remove(dst); rmErr != nil && !os.IsNotExist(rmErr) {
					return fmt.Errorf("failed to delete %s: %w", rel, rmErr)
				}
				continue
			}
			return err
		}
		if info.IsDir() {
			continue
		}
		if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
			return err
		}
		if err := copyFile(src, dst); err != nil {
			return fmt.Errorf("failed to copy %s: %w", rel, err)
		}
	}
	return nil
}

// Cleanup removes the workspace directory. It retries with permission
// fixes, never panics, and is safe to call more than once.
func (w *Workspace) Cleanup() {
	if w.Dir == "" {
		return
	}

	// SQLite side files must go before the directory sweep so a locked
	// WAL never wedges removal halfway.
	for _, suffix := range []string{"-wal", "-shm", "-journal"} {
		os.Remove(filepath.Join(w.Dir, ".patchward", "ledger.db"+suffix))
	}

	for attempt := 0; attempt < 3; attempt++ {
		err := os.RemoveAll(w.Dir)
		if err == nil {
			logger.Debug("sandbox: workspace %s removed", w.ID)
			return
		}
		logger.Warn("sandbox: cleanup attempt %d for %s failed: %v", attempt+1, w.ID, err)
		makeWritable(w.Dir)
		time.Sleep(time.Duration(attempt+1) * 50 * time.Millisecond)
	}
	logger.Error("sandbox: giving up on removing workspace %s", w.ID)
}

// makeWritable chmods everything under dir so read-only files (git object
// store) cannot block removal.
func makeWritable(dir string) {
	filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			os.Chmod(path, 0755)
		} else {
			os.Chmod(path, 0644)
		}
		return nil
	})
}

// CollectStale removes abandoned workspaces under parent older than age.
// Returns the number removed.
func CollectStale(parent string, age time.Duration) int {
	entries, err := os.ReadDir(parent)
	if err != nil {
		return 0
	}

	removed := 0
	cutoff := time.Now().Add(-age)
	for _, entry := range entries {
		if !entry.IsDir() || !strings.HasPrefix(entry.Name(), workspacePrefix) {
			continue
		}
		info, err := entry.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		stale := &Workspace{ID: entry.Name(), Dir: filepath.Join(parent, entry.Name())}
		stale.Cleanup()
		if _, err := os.Stat(stale.Dir); os.IsNotExist(err) {
			removed++
		}
	}
	if removed > 0 {
		logger.Info("sandbox: collected %d stale workspaces", removed)
	}
	return removed
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return err
	}

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
