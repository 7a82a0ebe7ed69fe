// Package plan defines the patch-plan schema and its structural validator.
// A plan is produced by an external proposal generator and must validate
// completely before it reaches the write engine; partial or ambiguous plans
// are rejected as a whole.
package plan

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// Operation names.
const (
	OpCreate = "create"
	OpModify = "modify"
	OpDelete = "delete"
	OpRename = "rename"
	OpMove   = "move"
	OpMkdir  = "mkdir"
)

// Modify modes.
const (
	ModeOverwrite    = "overwrite"
	ModeAppend       = "append"
	ModePrepend      = "prepend"
	ModeReplace      = "replace"
	ModeInsertBefore = "insert_before"
	ModeInsertAfter  = "insert_after"
)

// Operation is a single declarative file mutation.
type Operation struct {
	Op      string `json:"op"`
	Path    string `json:"path"`
	Mode    string `json:"mode,omitempty"`
	Content string `json:"content,omitempty"`
	Match   string `json:"match,omitempty"`
	Regex   bool   `json:"regex,omitempty"`
	Count   int    `json:"count,omitempty"`
	To      string `json:"to,omitempty"`
}

// Plan is a structured, declarative description of file mutations.
type Plan struct {
	Version     int                    `json:"version"`
	ID          string                 `json:"id"`
	Description string                 `json:"description,omitempty"`
	CreatedAt   int64                  `json:"created_at,omitempty"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
	Operations  []Operation            `json:"operations"`
}

// Error describes why a plan failed structural validation.
type Error struct {
	Reason string
	OpIdx  int // -1 for plan-level errors
}

func (e *Error) Error() string {
	if e.OpIdx < 0 {
		return fmt.Sprintf("invalid patch plan: %s", e.Reason)
	}
	return fmt.Sprintf("invalid patch plan: operation %d: %s", e.OpIdx, e.Reason)
}

func planErr(format string, args ...interface{}) error {
	return &Error{Reason: fmt.Sprintf(format, args...), OpIdx: -1}
}

func opErr(idx int, format string, args ...interface{}) error {
	return &Error{Reason: fmt.Sprintf(format, args...), OpIdx: idx}
}

var validOps = map[string]bool{
	OpCreate: true, OpModify: true, OpDelete: true,
	OpRename: true, OpMove: true, OpMkdir: true,
}

var validModes = map[string]bool{
	ModeOverwrite: true, ModeAppend: true, ModePrepend: true,
	ModeReplace: true, ModeInsertBefore: true, ModeInsertAfter: true,
}

var matchModes = map[string]bool{
	ModeReplace: true, ModeInsertBefore: true, ModeInsertAfter: true,
}

// Parse decodes and validates a plan from raw JSON.
func Parse(data []byte) (*Plan, error) {
	var p Plan
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, planErr("not valid JSON: %v", err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	if p.ID == "" {
		p.ID = p.deriveID()
	}
	return &p, nil
}

// ParseFile reads and validates a plan file.
func ParseFile(path string) (*Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read plan file: %w", err)
	}
	return Parse(data)
}

// Validate checks the structural rules. It does not touch the filesystem;
// scope and policy checks belong to the write engine.
func (p *Plan) Validate() error {
	if p.Version <= 0 {
		return planErr("version must be a positive integer, got %d", p.Version)
	}
	if len(p.Operations) == 0 {
		return planErr("operations must not be empty")
	}

	for i, op := range p.Operations {
		if op.Op == "" {
			return opErr(i, "missing op")
		}
		if !validOps[op.Op] {
			return opErr(i, "unknown op %q", op.Op)
		}
		if strings.TrimSpace(op.Path) == "" {
			return opErr(i, "missing path")
		}
		switch op.Op {
		case OpModify:
			if op.Mode == "" {
				return opErr(i, "modify requires mode")
			}
			if !validModes[op.Mode] {
				return opErr(i, "unknown modify mode %q", op.Mode)
			}
			if matchModes[op.Mode] && op.Match == "" {
				return opErr(i, "mode %q requires match", op.Mode)
			}
		case OpRename, OpMove:
			if strings.TrimSpace(op.To) == "" {
				return opErr(i, "%s requires to", op.Op)
			}
		}
		if op.Count < 0 {
			return opErr(i, "count must not be negative")
		}
	}
	return nil
}

// deriveID computes a stable id from the plan's canonical operations. Used
// when the generator omitted one.
func (p *Plan) deriveID() string {
	h := xxhash.New()
	keys := make([]string, 0, len(p.Operations))
	for _, op := range p.Operations {
		keys = append(keys, fmt.Sprintf("%s|%s|%s|%s|%s", op.Op, op.Path, op.Mode, op.Match, op.To))
	}
	sort.Strings(keys)
	for _, k := range keys {
		_, _ = h.WriteString(k)
		_, _ = h.WriteString("\n")
	}
	return fmt.Sprintf("plan-%x", h.Sum64())
}

// TouchedPaths returns every path the plan targets, destinations included.
func (p *Plan) TouchedPaths() []string {
	seen := make(map[string]bool)
	var paths []string
	add := func(path string) {
		if path != "" && !seen[path] {
			seen[path] = true
			paths = append(paths, path)
		}
	}
	for _, op := range p.Operations {
		add(op.Path)
		add(op.To)
	}
	return paths
}
