package gate

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codefionn/patchward/internal/action"
	"github.com/codefionn/patchward/internal/ledger"
)

func newTestGate(t *testing.T, sandboxOnly bool) (*Gate, *ledger.Store) {
	t.Helper()
	store, err := ledger.Open(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return New(store, sandboxOnly), store
}

func TestObserveAlwaysAllowed(t *testing.T) {
	g, store := newTestGate(t, true)

	res := g.Check(&action.Request{
		Kind:      action.KindObserve,
		Operation: "index.scan",
		Command:   "scan repository",
		Scope:     []string{"app/Service.x"},
	}, "test")

	assert.True(t, res.Allowed)
	assert.False(t, res.RequiresHuman)
	assert.Equal(t, action.DecisionObserve, res.Decision)
	assert.NotZero(t, res.IntentID)
	assert.NotZero(t, res.DecisionID)

	// Exactly one intent and one decision were written.
	d, err := store.GetDecision(res.DecisionID)
	require.NoError(t, err)
	assert.Equal(t, res.IntentID, d.IntentID)
}

func TestSandboxWriteScopeReview(t *testing.T) {
	g, _ := newTestGate(t, true)

	// Agent-internal scope: no review needed.
	res := g.Check(&action.Request{
		Kind:      action.KindWriteSandbox,
		Operation: "patch.apply:brain",
		Command:   "update memory",
		Scope:     []string{"brain/state.json"},
	}, "test")
	assert.True(t, res.Allowed)
	assert.False(t, res.RequiresHuman)

	// Docs scope: no review needed.
	res = g.Check(&action.Request{
		Kind:      action.KindWriteSandbox,
		Operation: "patch.apply:docs",
		Command:   "update docs",
		Scope:     []string{"docs/note.md"},
	}, "test")
	assert.True(t, res.Allowed)

	// Application source: review needed, permission queued.
	res = g.Check(&action.Request{
		Kind:      action.KindWriteSandbox,
		Operation: "patch.apply:app",
		Command:   "edit service",
		Scope:     []string{"app/Service.x"},
	}, "test")
	assert.False(t, res.Allowed)
	assert.True(t, res.RequiresHuman)
	assert.NotZero(t, res.PermissionID)
}

func TestWriteProdRequiresHuman(t *testing.T) {
	g, _ := newTestGate(t, false)

	req := &action.Request{
		Kind:      action.KindWriteProd,
		Operation: "patch.promote",
		Command:   "apply to main",
		Scope:     []string{"app/Service.x"},
	}

	res := g.Check(req, "test")
	require.False(t, res.Allowed)
	require.True(t, res.RequiresHuman)
	require.NotZero(t, res.PermissionID)
	assert.Equal(t, action.DecisionDefer, res.Decision)
	assert.Equal(t, action.RiskHigh, res.RiskLevel)

	// A repeat request reuses the pending permission instead of queueing
	// another.
	res2 := g.Check(req, "test")
	assert.Equal(t, res.PermissionID, res2.PermissionID)

	// Granting out-of-band makes an equivalent request pass.
	require.NoError(t, g.Grant(res.PermissionID))
	res3 := g.Check(req, "test")
	assert.True(t, res3.Allowed)
	assert.Equal(t, action.DecisionProposeFix, res3.Decision)
}

func TestWriteProdSandboxOnlyIgnoresGrant(t *testing.T) {
	g, store := newTestGate(t, true)

	req := &action.Request{
		Kind:      action.KindWriteProd,
		Operation: "patch.promote",
		Command:   "apply to main",
		Scope:     []string{"src/main.go"},
	}

	res := g.Check(req, "test")
	require.False(t, res.Allowed)
	require.NotZero(t, res.PermissionID)

	require.NoError(t, store.SetPermissionStatus(res.PermissionID, action.PermissionGranted))

	// Sandbox-only mode still refuses automatic production writes.
	res2 := g.Check(req, "test")
	assert.False(t, res2.Allowed)
	assert.True(t, res2.RequiresHuman)
}

func TestWriteProdInternalScopeSkipsApproval(t *testing.T) {
	g, store := newTestGate(t, true)

	req := &action.Request{
		Kind:      action.KindWriteProd,
		Operation: "patch.promote:brain",
		Command:   "update agent state",
		Scope:     []string{"brain/state.json"},
	}

	// Writes confined to the agent's own state pass without a grant, even
	// in sandbox-only mode.
	res := g.Check(req, "test")
	assert.True(t, res.Allowed)
	assert.False(t, res.RequiresHuman)
	assert.Equal(t, action.DecisionProposeFix, res.Decision)
	assert.Zero(t, res.PermissionID)

	// A denial on the operation key still wins over the scope carve-out.
	permID, err := store.CreatePermission(req.Operation, req.Command)
	require.NoError(t, err)
	require.NoError(t, store.SetPermissionStatus(permID, action.PermissionDenied))

	res2 := g.Check(req, "test")
	assert.False(t, res2.Allowed)
	assert.Equal(t, action.DecisionBlock, res2.Decision)
}

func TestDeniedPermissionBlocks(t *testing.T) {
	g, _ := newTestGate(t, false)

	req := &action.Request{
		Kind:      action.KindWriteProd,
		Operation: "patch.promote",
		Command:   "apply to main",
		Scope:     []string{"api/routes.x"},
	}

	res := g.Check(req, "test")
	require.NotZero(t, res.PermissionID)
	require.NoError(t, g.Deny(res.PermissionID))

	res2 := g.Check(req, "test")
	assert.False(t, res2.Allowed)
	assert.Equal(t, action.DecisionBlock, res2.Decision)
}

func TestReviewPredicate(t *testing.T) {
	g, _ := newTestGate(t, true)

	review := []string{
		"app/Service.x",
		"api/routes.py",
		"src/main.go",
		"/api/v1/users",
		"https://example.com/admin",
	}
	for _, entry := range review {
		needs, _ := g.needsHumanReview([]string{entry})
		assert.True(t, needs, "expected review for %q", entry)
	}

	noReview := []string{
		"brain/memory.json",
		".agent/config.json",
		"docs/guide.md",
		"README.md",
		"notes.txt",
	}
	for _, entry := range noReview {
		needs, trigger := g.needsHumanReview([]string{entry})
		assert.False(t, needs, "unexpected review for %q (%s)", entry, trigger)
	}
}
