// Package gate implements the authority gate: it classifies an action
// request, records the intent and decision in the ledger, consults prior
// human-approval permissions, and returns an allow/block/requires-human
// verdict. The gate never records outcomes; that is the caller's job after
// the gated action completes.
package gate

import (
	"fmt"

	"github.com/codefionn/patchward/internal/action"
	"github.com/codefionn/patchward/internal/ledger"
	"github.com/codefionn/patchward/internal/logger"
)

// Gate evaluates action requests against the ledger and the approval queue.
type Gate struct {
	store *ledger.Store
	// sandboxOnly refuses automatic production writes even with a prior
	// grant; the default execution mode.
	sandboxOnly bool
	reviewRules []reviewRule
}

// New constructs a gate over the given ledger store.
func New(store *ledger.Store, sandboxOnly bool) *Gate {
	return &Gate{
		store:       store,
		sandboxOnly: sandboxOnly,
		reviewRules: defaultReviewRules(),
	}
}

// Check gates a request. Every call writes exactly one intent and one
// decision row and at most one permission row. Ledger failures are logged
// and the gate fails safe: the caller always receives a result, but one
// with allowed=false when the audit trail could not be written.
func (g *Gate) Check(req *action.Request, source string) *action.GateResult {
	verdict := g.decide(req)

	intentID, err := g.store.InsertIntent(&ledger.Intent{
		Intent:     req.Kind.String(),
		Confidence: req.Confidence,
		Reason:     req.Reason,
		Scope:      req.Scope,
		Snapshot:   ledger.NewSnapshot(req.Kind.String(), req.Operation, req.Command, req.Scope, req.Reason, req.Confidence, req.Metadata),
		Source:     source,
	})
	if err != nil {
		logger.Error("gate: failed to record intent for %s: %v", req.Operation, err)
		return &action.GateResult{
			Allowed:       false,
			RequiresHuman: true,
			Message:       "ledger unavailable; refusing action without audit trail",
			Decision:      action.DecisionDefer,
			RiskLevel:     action.RiskFor(req.Kind),
			Justification: []string{fmt.Sprintf("intent write failed: %v", err)},
		}
	}
	verdict.IntentID = intentID

	decisionID, err := g.store.InsertDecision(&ledger.Decision{
		IntentID:      intentID,
		Decision:      verdict.Decision,
		RiskLevel:     verdict.RiskLevel,
		RequiresHuman: verdict.RequiresHuman,
		Justification: joinJustification(verdict.Justification),
	})
	if err != nil {
		// The intent row exists; still fail safe rather than act unaudited.
		logger.Error("gate: failed to record decision for intent %d: %v", intentID, err)
		verdict.Allowed = false
		verdict.Message = "ledger unavailable; refusing action without audit trail"
		return verdict
	}
	verdict.DecisionID = decisionID

	if verdict.RequiresHuman && verdict.Allowed {
		// A prior grant satisfied the review requirement; nothing to queue.
		return verdict
	}

	if verdict.RequiresHuman {
		g.queuePermission(req, verdict)
	}

	return verdict
}

// decide derives the verdict from the request alone; ledger ids are filled
// in by Check.
func (g *Gate) decide(req *action.Request) *action.GateResult {
	risk := action.RiskFor(req.Kind)

	switch {
	case req.Kind <= action.KindProbe:
		return &action.GateResult{
			Allowed:       true,
			Decision:      action.DecisionObserve,
			RiskLevel:     risk,
			Message:       "read-only action allowed",
			Justification: []string{"kind " + req.Kind.String() + " has no side effects on the target"},
		}

	case req.Kind <= action.KindWriteSandbox:
		needsReview, trigger := g.needsHumanReview(req.Scope)
		if !needsReview {
			return &action.GateResult{
				Allowed:       true,
				Decision:      action.DecisionObserve,
				RiskLevel:     risk,
				Message:       "sandbox-contained action allowed",
				Justification: []string{"scope limited to non-review paths"},
			}
		}
		if granted := g.priorGrant(req); granted {
			return &action.GateResult{
				Allowed:       true,
				RequiresHuman: true,
				Decision:      action.DecisionObserve,
				RiskLevel:     risk,
				Message:       "allowed by prior human grant",
				Justification: []string{"scope triggered review: " + trigger, "existing GRANTED permission covers operation key"},
			}
		}
		return &action.GateResult{
			Allowed:       false,
			RequiresHuman: true,
			Decision:      action.DecisionObserve,
			RiskLevel:     risk,
			Message:       "human review required before this action",
			Justification: []string{"scope triggered review: " + trigger},
		}

	default: // KindWriteProd
		if denied := g.priorDenial(req); denied {
			return &action.GateResult{
				Allowed:       false,
				Decision:      action.DecisionBlock,
				RiskLevel:     risk,
				Message:       "production write blocked: permission previously denied",
				Justification: []string{"existing DENIED permission for operation key"},
			}
		}
		if needsReview, _ := g.needsHumanReview(req.Scope); !needsReview {
			return &action.GateResult{
				Allowed:       true,
				Decision:      action.DecisionProposeFix,
				RiskLevel:     risk,
				Message:       "production write allowed: scope confined to agent-internal paths",
				Justification: []string{"no scope entry triggered the human-review predicate"},
			}
		}
		if !g.sandboxOnly && g.priorGrant(req) {
			return &action.GateResult{
				Allowed:       true,
				Decision:      action.DecisionProposeFix,
				RiskLevel:     risk,
				Message:       "production write allowed by prior human grant",
				Justification: []string{"execution mode permits production writes", "existing GRANTED permission covers operation key"},
			}
		}
		just := []string{"production writes outside agent-internal scope require a human"}
		if g.sandboxOnly {
			just = append(just, "process is in sandbox-only execution mode")
		}
		return &action.GateResult{
			Allowed:       false,
			RequiresHuman: true,
			Decision:      action.DecisionDefer,
			RiskLevel:     risk,
			Message:       "production write deferred pending human approval",
			Justification: just,
		}
	}
}

// priorGrant reports whether a GRANTED permission covers the operation key.
func (g *Gate) priorGrant(req *action.Request) bool {
	p, err := g.store.FindPermission(req.Operation, req.Command)
	if err != nil {
		logger.Warn("gate: permission lookup failed for %s: %v", req.Operation, err)
		return false
	}
	return p != nil && p.Status == action.PermissionGranted
}

func (g *Gate) priorDenial(req *action.Request) bool {
	p, err := g.store.FindPermission(req.Operation, req.Command)
	if err != nil {
		return false
	}
	return p != nil && p.Status == action.PermissionDenied
}

// queuePermission attaches a pending permission to the verdict, creating
// the record if the operation key has none yet.
func (g *Gate) queuePermission(req *action.Request, verdict *action.GateResult) {
	existing, err := g.store.FindPermission(req.Operation, req.Command)
	if err != nil {
		logger.Error("gate: failed to look up permission for %s: %v", req.Operation, err)
		return
	}
	if existing != nil && existing.Status == action.PermissionPending {
		verdict.PermissionID = existing.ID
		return
	}

	id, err := g.store.CreatePermission(req.Operation, req.Command)
	if err != nil {
		logger.Error("gate: failed to queue permission for %s: %v", req.Operation, err)
		return
	}
	verdict.PermissionID = id
	logger.Info("gate: queued permission %d for %s (%s)", id, req.Operation, req.Command)
}

// Grant marks a pending permission GRANTED. Exposed for the out-of-band
// approval flow (CLI or review tooling).
func (g *Gate) Grant(permissionID int64) error {
	return g.store.SetPermissionStatus(permissionID, action.PermissionGranted)
}

// Deny marks a pending permission DENIED.
func (g *Gate) Deny(permissionID int64) error {
	return g.store.SetPermissionStatus(permissionID, action.PermissionDenied)
}

// PendingPermissions lists permissions still awaiting a human.
func (g *Gate) PendingPermissions() ([]*ledger.Permission, error) {
	return g.store.ListPendingPermissions()
}

func joinJustification(parts []string) string {
	out := ""
	for i, p := range parts {
		if i > 0 {
			out += "; "
		}
		out += p
	}
	return out
}
