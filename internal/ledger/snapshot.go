package ledger

import "time"

// SnapshotVersion is the current context-snapshot schema version.
const SnapshotVersion = 1

// SnapshotV1 is the versioned context snapshot stored with each intent.
// Downstream consumers can rely on these fields instead of probing untyped
// JSON blobs.
type SnapshotV1 struct {
	Version    int               `json:"version"`
	Kind       string            `json:"kind"`
	Operation  string            `json:"operation"`
	Command    string            `json:"command,omitempty"`
	Scope      []string          `json:"scope,omitempty"`
	Reason     string            `json:"reason,omitempty"`
	Confidence float64           `json:"confidence"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	CapturedAt time.Time         `json:"captured_at"`
}

// NewSnapshot builds a SnapshotV1 with the current timestamp.
func NewSnapshot(kind, operation, command string, scope []string, reason string, confidence float64, metadata map[string]string) *SnapshotV1 {
	return &SnapshotV1{
		Version:    SnapshotVersion,
		Kind:       kind,
		Operation:  operation,
		Command:    command,
		Scope:      scope,
		Reason:     reason,
		Confidence: confidence,
		Metadata:   metadata,
		CapturedAt: time.Now().UTC(),
	}
}
