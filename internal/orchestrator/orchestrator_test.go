package orchestrator

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codefionn/patchward/internal/action"
	"github.com/codefionn/patchward/internal/config"
	"github.com/codefionn/patchward/internal/gate"
	"github.com/codefionn/patchward/internal/guardrail"
	"github.com/codefionn/patchward/internal/ledger"
	"github.com/codefionn/patchward/internal/manifest"
	"github.com/codefionn/patchward/internal/plan"
	"github.com/codefionn/patchward/internal/scope"
	"github.com/codefionn/patchward/internal/vcs"
)

const testPolicyJSON = `{
	"policy": {
		"forbid_paths": ["secrets/**"],
		"allow_create": true,
		"allow_delete": true,
		"max_files_per_change": 10,
		"max_lines_per_change": 500,
		"max_file_bytes": 1048576,
		"require_backup": false
	},
	"scopes": [
		{"id": "docs", "paths": ["docs/**"], "operations": ["create", "modify", "delete", "rename", "move", "mkdir"]},
		{"id": "source", "paths": ["src/**"], "operations": ["create", "modify"]}
	]
}`

type fixture struct {
	orch   *Orchestrator
	store  *ledger.Store
	target string
	parent string
	policy *scope.Policy
}

// copyTree stands in for git clone in the mock VCS.
func copyTree(src, dst string) error {
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, _ := filepath.Rel(src, path)
		if rel == "." {
			return os.MkdirAll(dst, 0755)
		}
		target := filepath.Join(dst, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0755)
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		return os.WriteFile(target, data, 0644)
	})
}

func newFixture(t *testing.T, mock *vcs.MockVCS, sandboxOnly bool, boundary *guardrail.PathBoundary, checks *guardrail.Registry) *fixture {
	t.Helper()

	target := t.TempDir()
	parent := t.TempDir()
	stateDir := t.TempDir()

	store, err := ledger.Open(filepath.Join(stateDir, "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	mw, err := manifest.NewWriter(filepath.Join(stateDir, "manifest.jsonl"))
	require.NoError(t, err)

	cfg := &config.Config{
		TargetDir:        target,
		BackupDir:        filepath.Join(stateDir, "backups"),
		SandboxParent:    parent,
		StaleSandboxSecs: 3600,
		SandboxOnly:      sandboxOnly,
	}

	if mock.CloneFunc == nil {
		mock.CloneFunc = func(ctx context.Context, src, dst string) error {
			return copyTree(src, dst)
		}
	}

	pol, err := scope.Parse([]byte(testPolicyJSON))
	require.NoError(t, err)

	g := gate.New(store, sandboxOnly)
	return &fixture{
		orch:   New(cfg, store, g, mock, boundary, checks, mw),
		store:  store,
		target: target,
		parent: parent,
		policy: pol,
	}
}

func testPlan(t *testing.T) *plan.Plan {
	t.Helper()
	p := &plan.Plan{
		Version:     1,
		ID:          "plan-orch",
		Description: "add a doc note",
		Operations: []plan.Operation{
			{Op: plan.OpCreate, Path: "docs/note.md", Content: "hello\n"},
		},
	}
	require.NoError(t, p.Validate())
	return p
}

func TestDryRunSucceedsWithoutGate(t *testing.T) {
	f := newFixture(t, &vcs.MockVCS{}, true, nil, nil)

	report := f.orch.Run(context.Background(), &Task{
		Plan: testPlan(t), Policy: f.policy, Source: "test", DryRun: true,
	})

	assert.Equal(t, StateSuccess, report.State)
	assert.Nil(t, report.Gate)
	assert.NotEmpty(t, report.RunID)
	require.NotNil(t, report.Write)
	assert.True(t, report.Write.OK)
	// Nothing was created in the target.
	_, err := os.Stat(filepath.Join(f.target, "docs", "note.md"))
	assert.True(t, os.IsNotExist(err))
}

func TestBoundaryRejectionFailsBeforeSandbox(t *testing.T) {
	cloned := false
	mock := &vcs.MockVCS{
		CloneFunc: func(ctx context.Context, src, dst string) error {
			cloned = true
			return copyTree(src, dst)
		},
	}
	boundary := &guardrail.PathBoundary{Block: []string{"docs"}}
	f := newFixture(t, mock, true, boundary, nil)

	report := f.orch.Run(context.Background(), &Task{
		Plan: testPlan(t), Policy: f.policy, Source: "test",
	})

	assert.Equal(t, StateFailed, report.State)
	assert.Contains(t, report.Message, "boundary")
	assert.False(t, cloned, "sandbox must not be created after boundary rejection")
}

func TestEngineFailureDiscardsSandbox(t *testing.T) {
	f := newFixture(t, &vcs.MockVCS{}, true, nil, nil)

	// secrets/** is forbidden by the policy.
	p := &plan.Plan{
		Version: 1,
		ID:      "plan-bad",
		Operations: []plan.Operation{
			{Op: plan.OpCreate, Path: "secrets/key.txt", Content: "x"},
		},
	}
	require.NoError(t, p.Validate())

	report := f.orch.Run(context.Background(), &Task{Plan: p, Policy: f.policy, Source: "test"})

	assert.Equal(t, StateFailed, report.State)
	assert.True(t, report.RollbackPerformed)
	// The workspace was cleaned up.
	entries, err := os.ReadDir(f.parent)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestValidationFailureRollsBack(t *testing.T) {
	checks := guardrail.NewRegistry()
	checks.Register(&failingCheck{})
	mock := &vcs.MockVCS{}
	f := newFixture(t, mock, true, nil, checks)

	report := f.orch.Run(context.Background(), &Task{
		Plan: testPlan(t), Policy: f.policy, Source: "test",
	})

	assert.Equal(t, StateFailed, report.State)
	assert.True(t, report.RollbackPerformed)
	assert.Contains(t, report.Message, "validation failed")
	_, err := os.Stat(filepath.Join(f.target, "docs", "note.md"))
	assert.True(t, os.IsNotExist(err), "failed validation must not reach the target")
}

type failingCheck struct{}

func (f *failingCheck) Name() string { return "always-fail" }
func (f *failingCheck) Run(root string) guardrail.Result {
	return guardrail.Result{OK: false, Details: "synthetic failure"}
}

// sourcePlan touches application source, which the gate never promotes
// without a human grant.
func sourcePlan(t *testing.T) *plan.Plan {
	t.Helper()
	p := &plan.Plan{
		Version:     1,
		ID:          "plan-src",
		Description: "add a helper",
		Operations: []plan.Operation{
			{Op: plan.OpCreate, Path: "src/util.go", Content: "package util\n"},
		},
	}
	require.NoError(t, p.Validate())
	return p
}

func TestGateBlocksPromotion(t *testing.T) {
	mock := &vcs.MockVCS{
		ChangedPathsFunc: func(ctx context.Context, dir string) ([]string, error) {
			return []string{"src/util.go"}, nil
		},
	}
	f := newFixture(t, mock, true, nil, nil)

	report := f.orch.Run(context.Background(), &Task{
		Plan: sourcePlan(t), Policy: f.policy, Source: "test",
	})

	assert.Equal(t, StateBlocked, report.State)
	assert.True(t, report.RollbackPerformed)
	require.NotNil(t, report.Gate)
	assert.False(t, report.Gate.Allowed)
	assert.NotZero(t, report.Gate.PermissionID)
	assert.Contains(t, report.Message, "permission=")

	// A blocked outcome is on the ledger.
	out, err := f.store.GetOutcome(report.Gate.DecisionID)
	require.NoError(t, err)
	assert.Equal(t, action.OutcomeBlocked, out.Result)
	assert.Equal(t, report.RunID, out.RunID)

	// The change never reached the target.
	_, statErr := os.Stat(filepath.Join(f.target, "src", "util.go"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestGrantedPromotionReachesTarget(t *testing.T) {
	var appliedTo string
	mock := &vcs.MockVCS{
		ChangedPathsFunc: func(ctx context.Context, dir string) ([]string, error) {
			return []string{"src/util.go"}, nil
		},
		ApplyFunc: func(ctx context.Context, dir, patch string) error {
			appliedTo = dir
			return os.WriteFile(filepath.Join(dir, "note-from-patch.md"), []byte("promoted\n"), 0644)
		},
	}
	f := newFixture(t, mock, false, nil, nil)

	// Pre-grant the promotion permission for this plan, as a reviewer would.
	p := sourcePlan(t)
	permID, err := f.store.CreatePermission("patch.promote:"+p.ID, p.Description)
	require.NoError(t, err)
	require.NoError(t, f.store.SetPermissionStatus(permID, action.PermissionGranted))

	report := f.orch.Run(context.Background(), &Task{
		Plan: p, Policy: f.policy, Source: "test",
	})

	assert.Equal(t, StateSuccess, report.State)
	assert.False(t, report.RollbackPerformed)
	require.NotNil(t, report.Gate)
	assert.True(t, report.Gate.Allowed)
	assert.Equal(t, f.target, appliedTo)

	out, err := f.store.GetOutcome(report.Gate.DecisionID)
	require.NoError(t, err)
	assert.Equal(t, action.OutcomeSuccess, out.Result)

	// Workspace cleaned up on the success path too.
	entries, err := os.ReadDir(f.parent)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestDocScopedPromotionNeedsNoApproval(t *testing.T) {
	var applied bool
	mock := &vcs.MockVCS{
		ChangedPathsFunc: func(ctx context.Context, dir string) ([]string, error) {
			return []string{"docs/note.md"}, nil
		},
		ApplyFunc: func(ctx context.Context, dir, patch string) error {
			applied = true
			return nil
		},
	}
	f := newFixture(t, mock, true, nil, nil)

	// Documentation-only changes promote without a queued permission, even
	// in sandbox-only mode.
	report := f.orch.Run(context.Background(), &Task{
		Plan: testPlan(t), Policy: f.policy, Source: "test",
	})

	assert.Equal(t, StateSuccess, report.State)
	require.NotNil(t, report.Gate)
	assert.True(t, report.Gate.Allowed)
	assert.False(t, report.Gate.RequiresHuman)
	assert.Zero(t, report.Gate.PermissionID)
	assert.True(t, applied)

	out, err := f.store.GetOutcome(report.Gate.DecisionID)
	require.NoError(t, err)
	assert.Equal(t, action.OutcomeSuccess, out.Result)
}

func TestNoChangesShortCircuitsGate(t *testing.T) {
	// Plan applies but the diff is empty (mkdir only and the mock reports
	// no changed paths): nothing to gate or promote.
	mock := &vcs.MockVCS{}
	f := newFixture(t, mock, true, nil, nil)

	p := &plan.Plan{
		Version: 1,
		ID:      "plan-mkdir",
		Operations: []plan.Operation{
			{Op: plan.OpMkdir, Path: "docs/new"},
		},
	}
	require.NoError(t, p.Validate())

	report := f.orch.Run(context.Background(), &Task{Plan: p, Policy: f.policy, Source: "test"})

	assert.Equal(t, StateSuccess, report.State)
	assert.Nil(t, report.Gate)
	assert.Contains(t, report.Message, "nothing to promote")
}
