package guardrail

import (
	"testing"
)

type stubCheck struct {
	name   string
	result Result
	ran    *int
}

func (s *stubCheck) Name() string { return s.name }
func (s *stubCheck) Run(root string) Result {
	if s.ran != nil {
		*s.ran++
	}
	return s.result
}

func TestRegistryRegisterAndGet(t *testing.T) {
	r := NewRegistry()
	r.Register(&stubCheck{name: "b", result: Result{OK: true}})
	r.Register(&stubCheck{name: "a", result: Result{OK: true}})

	if _, ok := r.Get("a"); !ok {
		t.Error("check a not found")
	}
	if _, ok := r.Get("missing"); ok {
		t.Error("missing check found")
	}

	names := r.Names()
	if len(names) != 2 || names[0] != "a" || names[1] != "b" {
		t.Errorf("Names = %v", names)
	}
}

func TestRunAllStopsAtFirstFailure(t *testing.T) {
	var aRan, cRan int
	r := NewRegistry()
	r.Register(&stubCheck{name: "a", result: Result{OK: true}, ran: &aRan})
	r.Register(&stubCheck{name: "b", result: Result{OK: false, Details: "broken"}})
	r.Register(&stubCheck{name: "c", result: Result{OK: true}, ran: &cRan})

	res := r.RunAll("/tree")
	if res.OK {
		t.Fatal("expected failure")
	}
	if aRan != 1 {
		t.Error("earlier check should have run")
	}
	if cRan != 0 {
		t.Error("later check should not run after a failure")
	}
}

func TestRunAllEmptyRegistry(t *testing.T) {
	if res := NewRegistry().RunAll("/tree"); !res.OK {
		t.Errorf("empty registry should pass: %+v", res)
	}
}

func TestPathBoundaryBlockList(t *testing.T) {
	b := &PathBoundary{Block: []string{"secrets", ".git"}}

	if res := b.Evaluate("secrets/key.txt"); res.OK {
		t.Error("blocked path accepted")
	}
	if res := b.Evaluate("secretsandmore/file.txt"); !res.OK {
		t.Error("prefix matching crossed a segment boundary")
	}
	if res := b.Evaluate("docs/note.md"); !res.OK {
		t.Error("unblocked path rejected")
	}
}

func TestPathBoundaryAllowList(t *testing.T) {
	b := &PathBoundary{Allow: []string{"docs", "src"}}

	if res := b.Evaluate("docs/note.md"); !res.OK {
		t.Error("allowed path rejected")
	}
	if res := b.Evaluate("vendor/lib.go"); res.OK {
		t.Error("path outside allow list accepted")
	}
}

func TestPathBoundaryBlockWinsOverAllow(t *testing.T) {
	b := &PathBoundary{Allow: []string{"docs"}, Block: []string{"docs/internal"}}

	if res := b.Evaluate("docs/internal/plan.md"); res.OK {
		t.Error("blocked subpath of an allowed area accepted")
	}
	if res := b.Evaluate("docs/public.md"); !res.OK {
		t.Error("allowed path rejected")
	}
}
