package manifest

import (
	"os"
	"path/filepath"
	"testing"
)

func TestAppendAndReadAll(t *testing.T) {
	path := filepath.Join(t.TempDir(), "manifest.jsonl")
	w, err := NewWriter(path)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}

	rec1 := &Record{
		PlanID:      "plan-1",
		Description: "first",
		Changes:     []Change{{Op: "create", Path: "docs/a.md", Status: "ok"}},
	}
	rec2 := &Record{
		PlanID:  "plan-2",
		Changes: []Change{{Op: "modify", Path: "docs/a.md", Status: "error"}},
		Errors:  []string{"no matches for \"TODO\""},
	}

	if err := w.Append(rec1); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := w.Append(rec2); err != nil {
		t.Fatalf("Append: %v", err)
	}

	records, err := ReadAll(path)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("len(records) = %d", len(records))
	}
	if records[0].PlanID != "plan-1" || records[1].PlanID != "plan-2" {
		t.Errorf("unexpected order: %q, %q", records[0].PlanID, records[1].PlanID)
	}
	if records[0].TS == 0 {
		t.Error("Append should stamp TS")
	}
	if len(records[1].Errors) != 1 {
		t.Errorf("errors not round-tripped: %v", records[1].Errors)
	}
}

func TestReadAllSkipsCorruptLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "manifest.jsonl")
	content := `{"ts":1,"plan_id":"good","changes":[]}` + "\n" +
		`{not json` + "\n" +
		`{"ts":2,"plan_id":"also-good","changes":[]}` + "\n"
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	records, err := ReadAll(path)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("len(records) = %d, want corrupt line skipped", len(records))
	}
}

func TestReadAllMissingFile(t *testing.T) {
	records, err := ReadAll(filepath.Join(t.TempDir(), "nope.jsonl"))
	if err != nil {
		t.Fatalf("ReadAll on missing file: %v", err)
	}
	if records != nil {
		t.Errorf("expected nil records, got %v", records)
	}
}
