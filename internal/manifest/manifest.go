// Package manifest maintains the append-only change manifest: one
// line-delimited JSON record per write-engine invocation, independent of
// the ledger's intent/decision/outcome chain.
package manifest

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Change is one applied (or attempted) operation inside a record.
type Change struct {
	Op     string `json:"op"`
	Path   string `json:"path"`
	Status string `json:"status"` // "ok", "skipped", "error", "planned"
}

// Record is the durable account of what one write attempt did.
type Record struct {
	TS          int64    `json:"ts"`
	PlanID      string   `json:"plan_id"`
	Description string   `json:"description,omitempty"`
	DryRun      bool     `json:"dry_run,omitempty"`
	Changes     []Change `json:"changes"`
	Errors      []string `json:"errors,omitempty"`
	Backups     []string `json:"backups,omitempty"`
}

// Writer appends records to a JSONL manifest file.
type Writer struct {
	mu   sync.Mutex
	path string
}

// NewWriter creates a manifest writer for path, creating parent
// directories as needed.
func NewWriter(path string) (*Writer, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create manifest directory: %w", err)
	}
	return &Writer{path: path}, nil
}

// Path returns the manifest file path.
func (w *Writer) Path() string {
	return w.path
}

// Append writes one record as a single JSON line. The file is opened in
// append mode per call so concurrent agent processes interleave whole
// lines rather than corrupting each other.
func (w *Writer) Append(rec *Record) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if rec.TS == 0 {
		rec.TS = time.Now().Unix()
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode manifest record: %w", err)
	}

	f, err := os.OpenFile(w.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open manifest: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to append manifest record: %w", err)
	}
	return nil
}

// ReadAll loads every record from the manifest. Corrupt lines are skipped
// so one bad write never hides the rest of the history.
func ReadAll(path string) ([]*Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var records []*Record
	start := 0
	for i := 0; i <= len(data); i++ {
		if i == len(data) || data[i] == '\n' {
			line := data[start:i]
			start = i + 1
			if len(line) == 0 {
				continue
			}
			var rec Record
			if err := json.Unmarshal(line, &rec); err != nil {
				continue
			}
			records = append(records, &rec)
		}
	}
	return records, nil
}
