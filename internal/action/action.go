// Package action defines the value types shared by the gate, write engine
// and orchestrator: action requests, gate verdicts and the enumerations
// stored in the decision ledger.
package action

import (
	"fmt"
	"strings"
)

// Kind classifies an action request by blast radius, smallest first.
type Kind int

const (
	// KindObserve reads state without side effects.
	KindObserve Kind = iota
	// KindProbe performs reversible exploratory calls.
	KindProbe
	// KindPropose emits a proposed change without applying it.
	KindPropose
	// KindWriteSandbox mutates files inside a disposable workspace.
	KindWriteSandbox
	// KindWriteProd mutates the real working tree.
	KindWriteProd
)

// String returns the stable wire name of the kind.
func (k Kind) String() string {
	switch k {
	case KindObserve:
		return "observe"
	case KindProbe:
		return "probe"
	case KindPropose:
		return "propose"
	case KindWriteSandbox:
		return "write_sandbox"
	case KindWriteProd:
		return "write_prod"
	default:
		return "unknown"
	}
}

// ParseKind parses a wire name back into a Kind.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "observe":
		return KindObserve, nil
	case "probe":
		return KindProbe, nil
	case "propose":
		return KindPropose, nil
	case "write_sandbox":
		return KindWriteSandbox, nil
	case "write_prod":
		return KindWriteProd, nil
	default:
		return KindObserve, fmt.Errorf("unknown action kind: %q", s)
	}
}

// AtLeast reports whether the kind's blast radius is at least other's.
func (k Kind) AtLeast(other Kind) bool {
	return k >= other
}

// Request describes an intended side-effecting operation submitted to the
// authority gate. Requests are treated as immutable once constructed.
type Request struct {
	Kind       Kind
	Operation  string // stable key, e.g. "patch.apply:docs"
	Command    string // human-readable description
	Scope      []string
	Reason     string
	Confidence float64 // 0..1
	Metadata   map[string]string
}

// Decision is the gate's verdict category for an intent.
type Decision string

const (
	DecisionObserve    Decision = "observe"
	DecisionProposeFix Decision = "propose_fix"
	DecisionBlock      Decision = "block"
	DecisionDefer      Decision = "defer"
)

// RiskLevel grades the blast radius of a gated action.
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// RiskFor maps a request kind to its baseline risk level.
func RiskFor(k Kind) RiskLevel {
	switch {
	case k >= KindWriteProd:
		return RiskHigh
	case k >= KindPropose:
		return RiskMedium
	default:
		return RiskLow
	}
}

// OutcomeResult records what actually happened after a gated action ran.
type OutcomeResult string

const (
	OutcomeSuccess             OutcomeResult = "success"
	OutcomeSuccessWithOverride OutcomeResult = "success_with_override"
	OutcomeFail                OutcomeResult = "fail"
	OutcomeBlocked             OutcomeResult = "blocked"
	OutcomeFalsePositive       OutcomeResult = "false_positive"
	OutcomeSkipped             OutcomeResult = "skipped"
)

// PermissionStatus is the lifecycle state of a human-approval record.
type PermissionStatus string

const (
	PermissionPending PermissionStatus = "PENDING"
	PermissionGranted PermissionStatus = "GRANTED"
	PermissionDenied  PermissionStatus = "DENIED"
)

// GateResult is produced exactly once per gated request. The ledger ids are
// back-references for auditability; a zero id means the corresponding row
// could not be written.
type GateResult struct {
	Allowed       bool      `json:"allowed"`
	RequiresHuman bool      `json:"requires_human"`
	Message       string    `json:"message"`
	PermissionID  int64     `json:"permission_id,omitempty"`
	IntentID      int64     `json:"intent_id,omitempty"`
	DecisionID    int64     `json:"decision_id,omitempty"`
	Decision      Decision  `json:"decision"`
	RiskLevel     RiskLevel `json:"risk_level"`
	Justification []string  `json:"justification,omitempty"`
}
