package scope

import (
	"testing"
)

const testPolicy = `{
  "policy": {
    "forbid_paths": [".git/**", "secrets/**", "*.pem"],
    "allow_create": true,
    "allow_delete": false,
    "max_files_per_change": 5,
    "max_lines_per_change": 200,
    "max_file_bytes": 65536,
    "require_backup": true
  },
  "scopes": [
    {"id": "docs", "paths": ["docs/**", "README.md"], "operations": ["create", "modify", "mkdir"]},
    {"id": "config", "paths": ["brain/**"], "operations": ["create", "modify", "delete"]}
  ]
}`

func mustParse(t *testing.T) *Policy {
	t.Helper()
	p, err := Parse([]byte(testPolicy))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	return p
}

func TestForbidPaths(t *testing.T) {
	p := mustParse(t)

	forbidden := []string{".git/config", "secrets/api.key", "tls/server.pem", "server.pem"}
	for _, path := range forbidden {
		if !p.IsForbidden(path) {
			t.Errorf("expected %q to be forbidden", path)
		}
	}

	allowed := []string{"docs/note.md", "brain/state.json", "pemfile.txt"}
	for _, path := range allowed {
		if p.IsForbidden(path) {
			t.Errorf("expected %q not to be forbidden", path)
		}
	}
}

func TestEntryFor(t *testing.T) {
	p := mustParse(t)

	if e := p.EntryFor("docs/guide/intro.md"); e == nil || e.ID != "docs" {
		t.Errorf("docs/guide/intro.md should resolve to docs scope, got %v", e)
	}
	if e := p.EntryFor("README.md"); e == nil || e.ID != "docs" {
		t.Errorf("README.md should resolve to docs scope, got %v", e)
	}
	if e := p.EntryFor("brain/memory/state.json"); e == nil || e.ID != "config" {
		t.Errorf("brain path should resolve to config scope, got %v", e)
	}
	if e := p.EntryFor("src/main.go"); e != nil {
		t.Errorf("uncovered path should resolve to nil, got %v", e)
	}
}

func TestEntryAllows(t *testing.T) {
	p := mustParse(t)

	docs := p.EntryFor("docs/a.md")
	if !docs.Allows("create") || !docs.Allows("modify") {
		t.Error("docs scope should allow create and modify")
	}
	if docs.Allows("delete") {
		t.Error("docs scope should not allow delete")
	}
}

func TestPatternSegments(t *testing.T) {
	p, err := Parse([]byte(`{
		"policy": {"forbid_paths": []},
		"scopes": [{"id": "s", "paths": ["src/*.go"], "operations": ["modify"]}]
	}`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	if p.EntryFor("src/main.go") == nil {
		t.Error("src/main.go should match src/*.go")
	}
	if p.EntryFor("src/sub/deep.go") != nil {
		t.Error("src/sub/deep.go should not match src/*.go (single segment)")
	}
}

func TestParseRejectsBadEntries(t *testing.T) {
	if _, err := Parse([]byte(`{"policy": {}, "scopes": [{"id": "", "paths": ["a"], "operations": []}]}`)); err == nil {
		t.Error("expected error for entry without id")
	}
	if _, err := Parse([]byte(`{"policy": {}, "scopes": [{"id": "x", "paths": [], "operations": []}]}`)); err == nil {
		t.Error("expected error for entry without patterns")
	}
}
