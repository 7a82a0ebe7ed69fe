// Package ledger persists the audit trail of the mutation pipeline: intents,
// decisions, outcomes, human-approval permissions and decision traces. The
// intent -> decision -> outcome chain is append-only; rows are inserted and
// read, never updated (permissions are the one exception, their status moves
// through the approval lifecycle).
package ledger

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/codefionn/patchward/internal/action"
)

// Store is a sqlite-backed decision ledger. The real store is shared across
// concurrent agent runs; sandbox runs operate on a private copy (see
// CopyTo) so they never contend for the production database.
type Store struct {
	db   *sql.DB
	path string
}

// Intent records why an action is being considered.
type Intent struct {
	ID         int64
	Timestamp  time.Time
	Intent     string // action kind wire name
	Confidence float64
	Reason     string
	Scope      []string
	Snapshot   *SnapshotV1
	Source     string
}

// Decision records the gate's verdict for an intent.
type Decision struct {
	ID            int64
	IntentID      int64
	Decision      action.Decision
	RiskLevel     action.RiskLevel
	RequiresHuman bool
	Justification string
	CreatedAt     time.Time
}

// Outcome records what actually happened after execution.
type Outcome struct {
	ID         int64
	DecisionID int64
	Result     action.OutcomeResult
	Notes      string
	BackupPath string
	Timestamp  time.Time
	RunID      string
	ScenarioID string
	GoalID     string
}

// Permission is a human-approval record keyed by (operation, command).
type Permission struct {
	ID        int64
	Operation string
	Command   string
	Timestamp time.Time
	Status    action.PermissionStatus
}

// Trace carries cross-cutting metadata for failure-taxonomy analysis.
type Trace struct {
	ID           int64
	DecisionID   int64
	RunID        string
	ScenarioID   string
	FailureClass string
	CreatedAt    time.Time
}

// Open opens (creating if necessary) the ledger at path. Writers tolerate
// lock contention with a bounded busy-timeout rather than blocking forever.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create ledger directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger: %w", err)
	}

	for _, pragma := range []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA journal_mode = WAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to configure ledger (%s): %w", pragma, err)
		}
	}

	s := &Store{db: db, path: path}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize ledger schema: %w", err)
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS intents (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		timestamp DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		intent TEXT NOT NULL,
		confidence REAL NOT NULL DEFAULT 0.0,
		reason TEXT,
		scope TEXT,
		context_snapshot TEXT,
		source TEXT
	);

	CREATE TABLE IF NOT EXISTS decisions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		intent_id INTEGER NOT NULL,
		decision TEXT NOT NULL,
		risk_level TEXT NOT NULL DEFAULT 'low',
		requires_human BOOLEAN NOT NULL DEFAULT FALSE,
		justification TEXT,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		FOREIGN KEY (intent_id) REFERENCES intents(id)
	);

	CREATE TABLE IF NOT EXISTS outcomes (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		decision_id INTEGER NOT NULL,
		result TEXT NOT NULL,
		notes TEXT,
		backup_path TEXT,
		timestamp DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		run_id TEXT,
		scenario_id TEXT,
		goal_id TEXT,
		FOREIGN KEY (decision_id) REFERENCES decisions(id)
	);

	CREATE TABLE IF NOT EXISTS agent_permissions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		operation TEXT NOT NULL,
		command TEXT NOT NULL,
		timestamp DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		status TEXT NOT NULL DEFAULT 'PENDING'
	);

	CREATE TABLE IF NOT EXISTS decision_traces (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		decision_id INTEGER NOT NULL,
		run_id TEXT,
		scenario_id TEXT,
		failure_class TEXT,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		FOREIGN KEY (decision_id) REFERENCES decisions(id)
	);

	CREATE INDEX IF NOT EXISTS idx_decisions_intent ON decisions(intent_id);
	CREATE INDEX IF NOT EXISTS idx_outcomes_decision ON outcomes(decision_id);
	CREATE INDEX IF NOT EXISTS idx_permissions_op ON agent_permissions(operation, command);
	CREATE INDEX IF NOT EXISTS idx_traces_decision ON decision_traces(decision_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// InsertIntent appends an intent row and returns its id.
func (s *Store) InsertIntent(in *Intent) (int64, error) {
	scopeJSON, err := json.Marshal(in.Scope)
	if err != nil {
		return 0, fmt.Errorf("failed to encode scope: %w", err)
	}

	var snapshotJSON []byte
	if in.Snapshot != nil {
		snapshotJSON, err = json.Marshal(in.Snapshot)
		if err != nil {
			return 0, fmt.Errorf("failed to encode context snapshot: %w", err)
		}
	}

	ts := in.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	res, err := s.db.Exec(`
		INSERT INTO intents (timestamp, intent, confidence, reason, scope, context_snapshot, source)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, ts, in.Intent, in.Confidence, in.Reason, string(scopeJSON), string(snapshotJSON), in.Source)
	if err != nil {
		return 0, fmt.Errorf("failed to insert intent: %w", err)
	}
	return res.LastInsertId()
}

// InsertDecision appends a decision row for an intent and returns its id.
func (s *Store) InsertDecision(d *Decision) (int64, error) {
	res, err := s.db.Exec(`
		INSERT INTO decisions (intent_id, decision, risk_level, requires_human, justification)
		VALUES (?, ?, ?, ?, ?)
	`, d.IntentID, string(d.Decision), string(d.RiskLevel), d.RequiresHuman, d.Justification)
	if err != nil {
		return 0, fmt.Errorf("failed to insert decision: %w", err)
	}
	return res.LastInsertId()
}

// RecordOutcome appends the outcome for a decision. The call is idempotent:
// a decision gets at most one outcome, and repeated calls for the same
// decision return the existing outcome id without writing.
func (s *Store) RecordOutcome(o *Outcome) (int64, error) {
	var existing int64
	err := s.db.QueryRow(`SELECT id FROM outcomes WHERE decision_id = ?`, o.DecisionID).Scan(&existing)
	if err == nil {
		return existing, nil
	}
	if err != sql.ErrNoRows {
		return 0, fmt.Errorf("failed to check existing outcome: %w", err)
	}

	res, err := s.db.Exec(`
		INSERT INTO outcomes (decision_id, result, notes, backup_path, run_id, scenario_id, goal_id)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, o.DecisionID, string(o.Result), o.Notes, o.BackupPath, o.RunID, o.ScenarioID, o.GoalID)
	if err != nil {
		return 0, fmt.Errorf("failed to insert outcome: %w", err)
	}
	return res.LastInsertId()
}

// InsertTrace appends a decision trace row.
func (s *Store) InsertTrace(t *Trace) (int64, error) {
	res, err := s.db.Exec(`
		INSERT INTO decision_traces (decision_id, run_id, scenario_id, failure_class)
		VALUES (?, ?, ?, ?)
	`, t.DecisionID, t.RunID, t.ScenarioID, t.FailureClass)
	if err != nil {
		return 0, fmt.Errorf("failed to insert trace: %w", err)
	}
	return res.LastInsertId()
}

// CreatePermission inserts a PENDING permission record for the operation
// key and returns its id.
func (s *Store) CreatePermission(operation, command string) (int64, error) {
	res, err := s.db.Exec(`
		INSERT INTO agent_permissions (operation, command, status)
		VALUES (?, ?, ?)
	`, operation, command, string(action.PermissionPending))
	if err != nil {
		return 0, fmt.Errorf("failed to insert permission: %w", err)
	}
	return res.LastInsertId()
}

// FindPermission returns the most recent permission record for the
// operation key, or nil if none exists.
func (s *Store) FindPermission(operation, command string) (*Permission, error) {
	row := s.db.QueryRow(`
		SELECT id, operation, command, timestamp, status
		FROM agent_permissions
		WHERE operation = ? AND command = ?
		ORDER BY id DESC LIMIT 1
	`, operation, command)

	p := &Permission{}
	var status string
	err := row.Scan(&p.ID, &p.Operation, &p.Command, &p.Timestamp, &status)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query permission: %w", err)
	}
	p.Status = action.PermissionStatus(strings.ToUpper(status))
	return p, nil
}

// SetPermissionStatus moves a permission record through the approval
// lifecycle.
func (s *Store) SetPermissionStatus(id int64, status action.PermissionStatus) error {
	res, err := s.db.Exec(`UPDATE agent_permissions SET status = ? WHERE id = ?`, string(status), id)
	if err != nil {
		return fmt.Errorf("failed to update permission %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return fmt.Errorf("permission %d not found", id)
	}
	return nil
}

// ListPendingPermissions returns every permission still awaiting a human.
func (s *Store) ListPendingPermissions() ([]*Permission, error) {
	rows, err := s.db.Query(`
		SELECT id, operation, command, timestamp, status
		FROM agent_permissions
		WHERE status = ?
		ORDER BY id
	`, string(action.PermissionPending))
	if err != nil {
		return nil, fmt.Errorf("failed to list pending permissions: %w", err)
	}
	defer rows.Close()

	var pending []*Permission
	for rows.Next() {
		p := &Permission{}
		var status string
		if err := rows.Scan(&p.ID, &p.Operation, &p.Command, &p.Timestamp, &status); err != nil {
			return nil, err
		}
		p.Status = action.PermissionStatus(strings.ToUpper(status))
		pending = append(pending, p)
	}
	return pending, rows.Err()
}

// GetDecision loads a decision row by id.
func (s *Store) GetDecision(id int64) (*Decision, error) {
	d := &Decision{}
	var decision, risk string
	err := s.db.QueryRow(`
		SELECT id, intent_id, decision, risk_level, requires_human, justification, created_at
		FROM decisions WHERE id = ?
	`, id).Scan(&d.ID, &d.IntentID, &decision, &risk, &d.RequiresHuman, &d.Justification, &d.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to load decision %d: %w", id, err)
	}
	d.Decision = action.Decision(decision)
	d.RiskLevel = action.RiskLevel(risk)
	return d, nil
}

// GetIntent loads an intent row by id.
func (s *Store) GetIntent(id int64) (*Intent, error) {
	in := &Intent{}
	var scopeJSON, snapshotJSON sql.NullString
	err := s.db.QueryRow(`
		SELECT id, timestamp, intent, confidence, reason, scope, context_snapshot, source
		FROM intents WHERE id = ?
	`, id).Scan(&in.ID, &in.Timestamp, &in.Intent, &in.Confidence, &in.Reason, &scopeJSON, &snapshotJSON, &in.Source)
	if err != nil {
		return nil, fmt.Errorf("failed to load intent %d: %w", id, err)
	}
	if scopeJSON.Valid && scopeJSON.String != "" {
		if err := json.Unmarshal([]byte(scopeJSON.String), &in.Scope); err != nil {
			return nil, fmt.Errorf("corrupt scope for intent %d: %w", id, err)
		}
	}
	if snapshotJSON.Valid && snapshotJSON.String != "" {
		var snap SnapshotV1
		if err := json.Unmarshal([]byte(snapshotJSON.String), &snap); err != nil {
			return nil, fmt.Errorf("corrupt context snapshot for intent %d: %w", id, err)
		}
		in.Snapshot = &snap
	}
	return in, nil
}

// GetOutcome loads the outcome for a decision, or nil if none recorded yet.
func (s *Store) GetOutcome(decisionID int64) (*Outcome, error) {
	o := &Outcome{}
	var result string
	err := s.db.QueryRow(`
		SELECT id, decision_id, result, notes, backup_path, timestamp, run_id, scenario_id, goal_id
		FROM outcomes WHERE decision_id = ?
	`, decisionID).Scan(&o.ID, &o.DecisionID, &result, &o.Notes, &o.BackupPath, &o.Timestamp, &o.RunID, &o.ScenarioID, &o.GoalID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load outcome for decision %d: %w", decisionID, err)
	}
	o.Result = action.OutcomeResult(result)
	return o, nil
}

// PruneOlderThan deletes audit rows older than the retention window,
// keeping referential integrity (outcomes and traces first, then decisions,
// then intents). Pending permissions are never pruned.
func (s *Store) PruneOlderThan(age time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-age)
	var total int64

	for _, stmt := range []string{
		`DELETE FROM decision_traces WHERE created_at < ?`,
		`DELETE FROM outcomes WHERE timestamp < ?`,
		`DELETE FROM decisions WHERE created_at < ? AND id NOT IN (SELECT decision_id FROM outcomes) AND id NOT IN (SELECT decision_id FROM decision_traces)`,
		`DELETE FROM intents WHERE timestamp < ? AND id NOT IN (SELECT intent_id FROM decisions)`,
		`DELETE FROM agent_permissions WHERE timestamp < ? AND status != 'PENDING'`,
	} {
		res, err := s.db.Exec(stmt, cutoff)
		if err != nil {
			return total, fmt.Errorf("failed to prune ledger: %w", err)
		}
		if n, err := res.RowsAffected(); err == nil {
			total += n
		}
	}
	return total, nil
}

// CopyTo writes a point-in-time copy of the ledger database to dst. Used to
// seed a sandbox's private ledger so trial runs never lock the real store.
func (s *Store) CopyTo(dst string) error {
	// Flush the WAL into the main database file before copying.
	if _, err := s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		return fmt.Errorf("failed to checkpoint ledger: %w", err)
	}

	data, err := os.ReadFile(s.path)
	if err != nil {
		return fmt.Errorf("failed to read ledger file: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return fmt.Errorf("failed to create ledger copy directory: %w", err)
	}
	if err := os.WriteFile(dst, data, 0644); err != nil {
		return fmt.Errorf("failed to write ledger copy: %w", err)
	}
	return nil
}
