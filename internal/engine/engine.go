// Package engine applies a validated patch plan to a working tree under the
// write-scope policy: path containment, per-entry operation checks, budget
// limits, backups and an append-only manifest record per invocation.
//
// The engine never rolls back: operations already applied when a later one
// fails stay applied. Rollback is the orchestrator's job via sandbox
// discard.
package engine

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/cespare/xxhash/v2"

	"github.com/codefionn/patchward/internal/logger"
	"github.com/codefionn/patchward/internal/manifest"
	"github.com/codefionn/patchward/internal/plan"
	"github.com/codefionn/patchward/internal/scope"
)

// Sentinel errors for the policy taxonomy; wrapped errors carry detail.
var (
	ErrScopeViolation      = errors.New("scope violation")
	ErrOperationNotAllowed = errors.New("operation not allowed")
	ErrBudgetExceeded      = errors.New("budget exceeded")
	ErrNoMatch             = errors.New("no matches")
)

// Change is one operation's outcome inside a WriteResult.
type Change struct {
	Op     string `json:"op"`
	Path   string `json:"path"`
	Status string `json:"status"` // "ok", "planned", "error"
}

// WriteResult reports what an Apply call did. OK is true iff Errors is
// empty.
type WriteResult struct {
	OK           bool     `json:"ok"`
	PlanID       string   `json:"plan_id"`
	Changes      []Change `json:"changes"`
	Errors       []string `json:"errors,omitempty"`
	Backups      []string `json:"backups,omitempty"`
	FilesTouched int      `json:"files_touched"`
	LinesChanged int      `json:"lines_changed"`
}

// Engine applies patch plans against a single root directory.
type Engine struct {
	root       string
	backupRoot string
	manifest   *manifest.Writer
}

// New creates a write engine rooted at root. Backups land under
// backupRoot/<planID>/; manifest may be nil to skip manifest records
// (tests only, production callers always pass one).
func New(root, backupRoot string, mw *manifest.Writer) *Engine {
	return &Engine{root: root, backupRoot: backupRoot, manifest: mw}
}

// Root returns the directory the engine mutates.
func (e *Engine) Root() string {
	return e.root
}

// budget tracks the running totals of one Apply call.
type budget struct {
	policy *scope.GlobalPolicy
	files  map[string]bool
	lines  int
}

// admit charges an operation against the budgets, returning an error on the
// first breach.
func (b *budget) admit(paths []string, lineDelta int, postSize int64) error {
	newFiles := 0
	for _, p := range paths {
		if !b.files[p] {
			newFiles++
		}
	}
	if b.policy.MaxFilesPerChange > 0 && len(b.files)+newFiles > b.policy.MaxFilesPerChange {
		return fmt.Errorf("%w: touched files would exceed max_files_per_change=%d", ErrBudgetExceeded, b.policy.MaxFilesPerChange)
	}
	if b.policy.MaxLinesPerChange > 0 && b.lines+lineDelta > b.policy.MaxLinesPerChange {
		return fmt.Errorf("%w: changed lines would exceed max_lines_per_change=%d", ErrBudgetExceeded, b.policy.MaxLinesPerChange)
	}
	if b.policy.MaxFileBytes > 0 && postSize > b.policy.MaxFileBytes {
		return fmt.Errorf("%w: file size %d would exceed max_file_bytes=%d", ErrBudgetExceeded, postSize, b.policy.MaxFileBytes)
	}
	for _, p := range paths {
		b.files[p] = true
	}
	b.lines += lineDelta
	return nil
}

// Apply runs the plan's operations in order. Per-operation policy errors
// are accumulated and processing continues; the first budget breach aborts
// all remaining operations. With dryRun, validation and budget accounting
// run but the filesystem is never touched.
func (e *Engine) Apply(p *plan.Plan, pol *scope.Policy, dryRun bool) *WriteResult {
	result := &WriteResult{PlanID: p.ID}
	b := &budget{policy: &pol.Global, files: make(map[string]bool)}

	for i, op := range p.Operations {
		change, backup, err := e.applyOp(&op, pol, b, dryRun)
		if backup != "" {
			result.Backups = append(result.Backups, backup)
		}
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("operation %d (%s %s): %v", i, op.Op, op.Path, err))
			result.Changes = append(result.Changes, Change{Op: op.Op, Path: op.Path, Status: "error"})
			if errors.Is(err, ErrBudgetExceeded) {
				logger.Warn("engine: plan %s aborted at operation %d: %v", p.ID, i, err)
				break
			}
			continue
		}
		result.Changes = append(result.Changes, *change)
	}

	result.OK = len(result.Errors) == 0
	result.FilesTouched = len(b.files)
	result.LinesChanged = b.lines

	e.writeManifest(p, result, dryRun)
	return result
}

func (e *Engine) writeManifest(p *plan.Plan, result *WriteResult, dryRun bool) {
	if e.manifest == nil {
		return
	}
	rec := &manifest.Record{
		PlanID:      p.ID,
		Description: p.Description,
		DryRun:      dryRun,
		Errors:      result.Errors,
		Backups:     result.Backups,
	}
	for _, c := range result.Changes {
		rec.Changes = append(rec.Changes, manifest.Change{Op: c.Op, Path: c.Path, Status: c.Status})
	}
	if err := e.manifest.Append(rec); err != nil {
		logger.Error("engine: failed to append manifest record for plan %s: %v", p.ID, err)
	}
}

// applyOp validates and executes one operation. The returned backup path is
// set when a pre-mutation copy was taken even if the mutation then failed.
func (e *Engine) applyOp(op *plan.Operation, pol *scope.Policy, b *budget, dryRun bool) (*Change, string, error) {
	rel, err := normalizePath(op.Path)
	if err != nil {
		return nil, "", err
	}
	if err := e.checkScope(rel, op.Op, pol); err != nil {
		return nil, "", err
	}

	var relTo string
	if op.Op == plan.OpRename || op.Op == plan.OpMove {
		relTo, err = normalizePath(op.To)
		if err != nil {
			return nil, "", fmt.Errorf("destination: %w", err)
		}
		if err := e.checkScope(relTo, op.Op, pol); err != nil {
			return nil, "", fmt.Errorf("destination: %w", err)
		}
	}

	abs := filepath.Join(e.root, filepath.FromSlash(rel))

	switch op.Op {
	case plan.OpMkdir:
		if err := b.admit([]string{rel}, 0, 0); err != nil {
			return nil, "", err
		}
		if dryRun {
			return &Change{Op: op.Op, Path: rel, Status: "planned"}, "", nil
		}
		if err := os.MkdirAll(abs, 0755); err != nil {
			return nil, "", fmt.Errorf("mkdir failed: %w", err)
		}
		return &Change{Op: op.Op, Path: rel, Status: "ok"}, "", nil

	case plan.OpCreate:
		if _, statErr := os.Lstat(abs); statErr == nil {
			return nil, "", fmt.Errorf("create target already exists: %s", rel)
		}
		if err := b.admit([]string{rel}, countLines(op.Content), int64(len(op.Content))); err != nil {
			return nil, "", err
		}
		if dryRun {
			return &Change{Op: op.Op, Path: rel, Status: "planned"}, "", nil
		}
		if err := os.MkdirAll(filepath.Dir(abs), 0755); err != nil {
			return nil, "", fmt.Errorf("failed to create parent directory: %w", err)
		}
		if err := os.WriteFile(abs, []byte(op.Content), 0644); err != nil {
			return nil, "", fmt.Errorf("create failed: %w", err)
		}
		return &Change{Op: op.Op, Path: rel, Status: "ok"}, "", nil

	case plan.OpModify:
		return e.applyModify(op, rel, abs, pol, b, dryRun)

	case plan.OpDelete:
		info, statErr := os.Lstat(abs)
		if statErr != nil {
			return nil, "", fmt.Errorf("delete target missing: %s", rel)
		}
		if err := b.admit([]string{rel}, fileLines(abs, info.Size()), 0); err != nil {
			return nil, "", err
		}
		if dryRun {
			return &Change{Op: op.Op, Path: rel, Status: "planned"}, "", nil
		}
		backup, err := e.backup(rel, abs, pol)
		if err != nil {
			return nil, "", err
		}
		if err := os.Remove(abs); err != nil {
			return nil, backup, fmt.Errorf("delete failed: %w", err)
		}
		return &Change{Op: op.Op, Path: rel, Status: "ok"}, backup, nil

	case plan.OpRename, plan.OpMove:
		absTo := filepath.Join(e.root, filepath.FromSlash(relTo))
		if _, statErr := os.Lstat(abs); statErr != nil {
			return nil, "", fmt.Errorf("%s source missing: %s", op.Op, rel)
		}
		if _, statErr := os.Lstat(absTo); statErr == nil {
			return nil, "", fmt.Errorf("%s destination already exists: %s", op.Op, relTo)
		}
		if err := b.admit([]string{rel, relTo}, 0, 0); err != nil {
			return nil, "", err
		}
		if dryRun {
			return &Change{Op: op.Op, Path: rel, Status: "planned"}, "", nil
		}
		backup, err := e.backup(rel, abs, pol)
		if err != nil {
			return nil, "", err
		}
		if err := os.MkdirAll(filepath.Dir(absTo), 0755); err != nil {
			return nil, backup, fmt.Errorf("failed to create destination directory: %w", err)
		}
		if err := os.Rename(abs, absTo); err != nil {
			return nil, backup, fmt.Errorf("%s failed: %w", op.Op, err)
		}
		return &Change{Op: op.Op, Path: rel, Status: "ok"}, backup, nil

	default:
		// Unreachable after plan validation.
		return nil, "", fmt.Errorf("unknown op %q", op.Op)
	}
}

func (e *Engine) applyModify(op *plan.Operation, rel, abs string, pol *scope.Policy, b *budget, dryRun bool) (*Change, string, error) {
	if dryRun {
		// Steps 1-4 only: budgets are charged from cheap estimates and
		// match-based mutations are not evaluated against file content.
		postSize := int64(len(op.Content))
		if op.Mode == plan.ModeAppend || op.Mode == plan.ModePrepend {
			if info, err := os.Lstat(abs); err == nil {
				postSize += info.Size()
			}
		}
		if matchBased(op.Mode) {
			postSize = 0 // unknown without reading; bytes check deferred to the real run
		}
		if err := b.admit([]string{rel}, countLines(op.Content), postSize); err != nil {
			return nil, "", err
		}
		return &Change{Op: op.Op, Path: rel, Status: "planned"}, "", nil
	}

	existing, err := os.ReadFile(abs)
	if err != nil {
		return nil, "", fmt.Errorf("modify target unreadable: %w", err)
	}

	updated, replacements, err := rewrite(string(existing), op)
	if err != nil {
		return nil, "", err
	}

	lineDelta := countLines(op.Content)
	if matchBased(op.Mode) {
		lineDelta = replacements * maxInt(1, countLines(op.Content))
	}
	if err := b.admit([]string{rel}, lineDelta, int64(len(updated))); err != nil {
		return nil, "", err
	}

	backup, err := e.backupContent(rel, existing, pol)
	if err != nil {
		return nil, "", err
	}

	if err := os.WriteFile(abs, []byte(updated), 0644); err != nil {
		return nil, backup, fmt.Errorf("modify failed: %w", err)
	}
	return &Change{Op: op.Op, Path: rel, Status: "ok"}, backup, nil
}

// rewrite computes the post-mutation content for a modify operation. A
// match-based mode with zero occurrences is an error, not a no-op.
func rewrite(existing string, op *plan.Operation) (string, int, error) {
	switch op.Mode {
	case plan.ModeOverwrite:
		return op.Content, 0, nil
	case plan.ModeAppend:
		return existing + op.Content, 0, nil
	case plan.ModePrepend:
		return op.Content + existing, 0, nil
	case plan.ModeReplace:
		return substitute(existing, op, func(m string) string { return op.Content })
	case plan.ModeInsertBefore:
		return substitute(existing, op, func(m string) string { return op.Content + m })
	case plan.ModeInsertAfter:
		return substitute(existing, op, func(m string) string { return m + op.Content })
	default:
		return "", 0, fmt.Errorf("unknown modify mode %q", op.Mode)
	}
}

// substitute applies repl to each occurrence of op.Match, globally or up to
// op.Count occurrences.
func substitute(existing string, op *plan.Operation, repl func(match string) string) (string, int, error) {
	limit := op.Count
	if limit <= 0 {
		limit = -1
	}

	if op.Regex {
		re, err := regexp.Compile(op.Match)
		if err != nil {
			return "", 0, fmt.Errorf("invalid match regex: %w", err)
		}
		locs := re.FindAllStringIndex(existing, limit)
		if len(locs) == 0 {
			return "", 0, fmt.Errorf("%w for pattern %q", ErrNoMatch, op.Match)
		}
		var sb strings.Builder
		last := 0
		for _, loc := range locs {
			sb.WriteString(existing[last:loc[0]])
			sb.WriteString(repl(existing[loc[0]:loc[1]]))
			last = loc[1]
		}
		sb.WriteString(existing[last:])
		return sb.String(), len(locs), nil
	}

	total := strings.Count(existing, op.Match)
	if op.Match == "" || total == 0 {
		return "", 0, fmt.Errorf("%w for %q", ErrNoMatch, op.Match)
	}
	n := total
	if limit > 0 && limit < n {
		n = limit
	}
	replaced := strings.Replace(existing, op.Match, repl(op.Match), n)
	return replaced, n, nil
}

// checkScope runs steps 2-3 of the per-operation algorithm: forbidden
// paths first, then scope coverage, entry operations, and the global
// operation-class switches.
func (e *Engine) checkScope(rel, opName string, pol *scope.Policy) error {
	if pol.IsForbidden(rel) {
		return fmt.Errorf("%w: path %q is forbidden by policy", ErrScopeViolation, rel)
	}

	entry := pol.EntryFor(rel)
	if entry == nil {
		return fmt.Errorf("%w: path %q is not covered by any write scope", ErrScopeViolation, rel)
	}
	if !entry.Allows(opName) {
		return fmt.Errorf("%w: scope %q does not permit %q", ErrOperationNotAllowed, entry.ID, opName)
	}

	switch opName {
	case plan.OpCreate, plan.OpMkdir:
		if !pol.Global.AllowCreate {
			return fmt.Errorf("%w: policy disables create operations", ErrOperationNotAllowed)
		}
	case plan.OpDelete, plan.OpRename, plan.OpMove:
		if !pol.Global.AllowDelete {
			return fmt.Errorf("%w: policy disables delete/move operations", ErrOperationNotAllowed)
		}
	}
	return nil
}

// backup copies the pre-mutation file into the per-plan backup directory
// when the policy requires it.
func (e *Engine) backup(rel, abs string, pol *scope.Policy) (string, error) {
	if !pol.Global.RequireBackup {
		return "", nil
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return "", fmt.Errorf("failed to read file for backup: %w", err)
	}
	return e.writeBackup(rel, data)
}

// backupContent mirrors backup for callers that already hold the
// pre-mutation bytes.
func (e *Engine) backupContent(rel string, data []byte, pol *scope.Policy) (string, error) {
	if !pol.Global.RequireBackup {
		return "", nil
	}
	return e.writeBackup(rel, data)
}

func (e *Engine) writeBackup(rel string, data []byte) (string, error) {
	if e.backupRoot == "" {
		return "", nil
	}
	name := fmt.Sprintf("%016x-%s", xxhash.Sum64(data), filepath.Base(rel))
	dst := filepath.Join(e.backupRoot, name)
	if err := os.MkdirAll(e.backupRoot, 0755); err != nil {
		return "", fmt.Errorf("failed to create backup directory: %w", err)
	}
	if err := os.WriteFile(dst, data, 0644); err != nil {
		return "", fmt.Errorf("failed to write backup: %w", err)
	}
	return dst, nil
}

var driveLetter = regexp.MustCompile(`^[A-Za-z]:`)

// normalizePath slash-normalizes a plan path and rejects traversal and
// absolute or drive-qualified paths.
func normalizePath(p string) (string, error) {
	p = strings.TrimSpace(strings.ReplaceAll(p, "\\", "/"))
	if p == "" {
		return "", fmt.Errorf("%w: empty path", ErrScopeViolation)
	}
	if strings.HasPrefix(p, "/") || driveLetter.MatchString(p) {
		return "", fmt.Errorf("%w: absolute path %q", ErrScopeViolation, p)
	}
	cleaned := filepath.ToSlash(filepath.Clean(p))
	if cleaned == ".." || strings.HasPrefix(cleaned, "../") || strings.Contains(cleaned, "/../") {
		return "", fmt.Errorf("%w: path traversal in %q", ErrScopeViolation, p)
	}
	return strings.TrimPrefix(cleaned, "./"), nil
}

func countLines(s string) int {
	if s == "" {
		return 0
	}
	n := strings.Count(s, "\n")
	if !strings.HasSuffix(s, "\n") {
		n++
	}
	return n
}

// fileLines counts lines in a file, bounded by a cheap size check so
// deleting a huge binary does not read it all for accounting.
func fileLines(abs string, size int64) int {
	const maxAccountingRead = 4 << 20
	if size > maxAccountingRead {
		return int(size / 64) // rough estimate for accounting only
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return 0
	}
	return countLines(string(data))
}

func matchBased(mode string) bool {
	return mode == plan.ModeReplace || mode == plan.ModeInsertBefore || mode == plan.ModeInsertAfter
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
