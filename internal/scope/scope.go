// Package scope loads and evaluates the declarative write-scope policy: a
// global policy block (forbidden paths, operation switches, budgets) plus a
// list of scope entries mapping path patterns to allowed operations.
//
// Patterns use gitignore-flavoured globs: `**` spans directories, `*` and
// `?` stay within one path segment. Patterns are compiled to regexps once
// at load time; a policy is immutable for the duration of a pipeline run.
package scope

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"strings"
)

// Entry maps a set of path patterns to the operations permitted on them.
type Entry struct {
	ID         string   `json:"id"`
	Patterns   []string `json:"paths"`
	Operations []string `json:"operations"`

	compiled []*regexp.Regexp
}

// GlobalPolicy is the policy block applying to every write, regardless of
// which entry covers the path.
type GlobalPolicy struct {
	ForbidPaths       []string `json:"forbid_paths"`
	AllowCreate       bool     `json:"allow_create"`
	AllowDelete       bool     `json:"allow_delete"`
	MaxFilesPerChange int      `json:"max_files_per_change"`
	MaxLinesPerChange int      `json:"max_lines_per_change"`
	MaxFileBytes      int64    `json:"max_file_bytes"`
	RequireBackup     bool     `json:"require_backup"`

	forbidCompiled []*regexp.Regexp
}

// Policy is a fully loaded write-scope policy.
type Policy struct {
	Global GlobalPolicy `json:"policy"`
	Scopes []*Entry     `json:"scopes"`
}

// Parse decodes and compiles a policy from raw JSON.
func Parse(data []byte) (*Policy, error) {
	var p Policy
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("invalid scope policy: %w", err)
	}
	if err := p.compile(); err != nil {
		return nil, err
	}
	return &p, nil
}

// Load reads and compiles a policy file.
func Load(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scope policy: %w", err)
	}
	return Parse(data)
}

func (p *Policy) compile() error {
	for _, pattern := range p.Global.ForbidPaths {
		re, err := compilePattern(pattern)
		if err != nil {
			return fmt.Errorf("forbid pattern %q: %w", pattern, err)
		}
		p.Global.forbidCompiled = append(p.Global.forbidCompiled, re)
	}
	for _, entry := range p.Scopes {
		if entry.ID == "" {
			return fmt.Errorf("scope entry without id")
		}
		if len(entry.Patterns) == 0 {
			return fmt.Errorf("scope entry %q has no path patterns", entry.ID)
		}
		for _, pattern := range entry.Patterns {
			re, err := compilePattern(pattern)
			if err != nil {
				return fmt.Errorf("scope %q pattern %q: %w", entry.ID, pattern, err)
			}
			entry.compiled = append(entry.compiled, re)
		}
	}
	return nil
}

// compilePattern converts a glob pattern to an anchored regexp. The
// translation mirrors gitignore semantics: `**` crosses path separators,
// `*` and `?` do not, and a pattern without a leading slash may match at
// any depth.
func compilePattern(pattern string) (*regexp.Regexp, error) {
	pattern = strings.TrimSuffix(strings.TrimSpace(pattern), "/")
	if pattern == "" {
		return nil, fmt.Errorf("empty pattern")
	}

	quoted := regexp.QuoteMeta(pattern)
	quoted = strings.ReplaceAll(quoted, `/\*\*`, `(/.*)?`)
	quoted = strings.ReplaceAll(quoted, `\*\*`, `.*`)
	quoted = strings.ReplaceAll(quoted, `\*`, `[^/]*`)
	quoted = strings.ReplaceAll(quoted, `\?`, `[^/]`)

	if strings.HasPrefix(quoted, "/") {
		quoted = "^" + strings.TrimPrefix(quoted, "/")
	} else {
		quoted = `(^|/)` + quoted
	}
	quoted = quoted + `($|/)`

	return regexp.Compile(quoted)
}

// IsForbidden reports whether the path matches any forbid pattern. Paths
// are slash-separated and relative to the target root.
func (p *Policy) IsForbidden(relPath string) bool {
	relPath = normalize(relPath)
	for _, re := range p.Global.forbidCompiled {
		if re.MatchString(relPath) {
			return true
		}
	}
	return false
}

// EntryFor returns the first scope entry covering the path, or nil.
func (p *Policy) EntryFor(relPath string) *Entry {
	relPath = normalize(relPath)
	for _, entry := range p.Scopes {
		for _, re := range entry.compiled {
			if re.MatchString(relPath) {
				return entry
			}
		}
	}
	return nil
}

// Allows reports whether the entry permits the operation. An empty
// operation list permits nothing.
func (e *Entry) Allows(op string) bool {
	for _, allowed := range e.Operations {
		if allowed == op {
			return true
		}
	}
	return false
}

func normalize(p string) string {
	p = strings.ReplaceAll(p, "\\", "/")
	return strings.TrimPrefix(p, "./")
}
