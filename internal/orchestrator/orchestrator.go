// Package orchestrator composes the pipeline: boundary check, sandbox
// setup, write-engine execution, validation, authority gate, and promotion
// to the real tree. It is the only place budgets, validation, gating and
// rollback meet; every other component is a narrow-contract service.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/codefionn/patchward/internal/action"
	"github.com/codefionn/patchward/internal/config"
	"github.com/codefionn/patchward/internal/engine"
	"github.com/codefionn/patchward/internal/gate"
	"github.com/codefionn/patchward/internal/guardrail"
	"github.com/codefionn/patchward/internal/ledger"
	"github.com/codefionn/patchward/internal/lockfile"
	"github.com/codefionn/patchward/internal/logger"
	"github.com/codefionn/patchward/internal/manifest"
	"github.com/codefionn/patchward/internal/plan"
	"github.com/codefionn/patchward/internal/sandbox"
	"github.com/codefionn/patchward/internal/scope"
	"github.com/codefionn/patchward/internal/vcs"
)

// State is a run's lifecycle state. BLOCKED is terminal and not an error:
// a human may grant the pending permission and re-run.
type State string

const (
	StatePending State = "PENDING"
	StateSuccess State = "SUCCESS"
	StateFailed  State = "FAILED"
	StateBlocked State = "BLOCKED"
)

// Task is one unit of work for the pipeline.
type Task struct {
	Plan   *plan.Plan
	Policy *scope.Policy
	// Source labels who asked for this run in the ledger.
	Source string
	// Reason and Confidence feed the gated request's intent row.
	Reason     string
	Confidence float64
	// DryRun previews the plan inside the sandbox without gating or
	// promoting anything.
	DryRun bool
}

// RunReport is the terminal account of one pipeline run.
type RunReport struct {
	RunID             string                `json:"run_id"`
	State             State                 `json:"state"`
	Message           string                `json:"message"`
	RollbackPerformed bool                  `json:"rollback_performed"`
	Gate              *action.GateResult    `json:"gate,omitempty"`
	ChangedPaths      []string              `json:"changed_paths,omitempty"`
	Write             *engine.WriteResult   `json:"write,omitempty"`
	PromotionWarning  string                `json:"promotion_warning,omitempty"`
}

// Orchestrator runs tasks through the gated mutation pipeline. Construct it
// explicitly and pass it where needed; there is no global instance.
type Orchestrator struct {
	cfg      *config.Config
	store    *ledger.Store
	gate     *gate.Gate
	vcs      vcs.VCS
	boundary *guardrail.PathBoundary
	checks   *guardrail.Registry
	manifest *manifest.Writer
}

// New wires an orchestrator. boundary and checks may be nil, in which case
// every path is in bounds and validation always passes.
func New(cfg *config.Config, store *ledger.Store, g *gate.Gate, v vcs.VCS, boundary *guardrail.PathBoundary, checks *guardrail.Registry, mw *manifest.Writer) *Orchestrator {
	return &Orchestrator{
		cfg:      cfg,
		store:    store,
		gate:     g,
		vcs:      v,
		boundary: boundary,
		checks:   checks,
		manifest: mw,
	}
}

// Run executes one task to a terminal state. The sandbox is cleaned up on
// every exit path.
func (o *Orchestrator) Run(ctx context.Context, task *Task) *RunReport {
	report := &RunReport{
		RunID: uuid.NewString(),
		State: StatePending,
	}
	logger.Info("orchestrator: run %s starting for plan %s", report.RunID, task.Plan.ID)

	// Orphans from killed runs are someone's leftover disk usage;
	// collect them before creating our own workspace.
	sandbox.CollectStale(o.sandboxParent(), o.cfg.StaleSandboxAge())

	if msg, ok := o.inBounds(task.Plan); !ok {
		return o.finish(report, StateFailed, msg)
	}

	ws, err := sandbox.Setup(ctx, o.cfg.TargetDir, o.vcs, sandbox.Options{
		Parent:      o.sandboxParent(),
		LinkDirs:    o.cfg.LinkDirs,
		ExcludeDirs: o.cfg.ExcludeDirs,
	})
	if err != nil {
		return o.finish(report, StateFailed, fmt.Sprintf("sandbox setup failed: %v", err))
	}
	defer ws.Cleanup()

	// The sandbox works against a private ledger copy so trial runs never
	// contend with the shared store.
	if err := o.store.CopyTo(filepath.Join(ws.Dir, ".patchward", "ledger.db")); err != nil {
		logger.Warn("orchestrator: could not seed sandbox ledger copy: %v", err)
	}

	if o.cfg.ConfineSandbox {
		// Bound the process to the workspace, the target tree and the
		// pipeline's own state directories for the rest of the run.
		err := ws.Confine(
			o.cfg.TargetDir,
			o.cfg.BackupDir,
			filepath.Dir(o.cfg.LedgerPath),
			filepath.Dir(o.cfg.ManifestPath),
			o.sandboxParent(),
		)
		if err != nil {
			report.RollbackPerformed = true
			return o.finish(report, StateFailed, fmt.Sprintf("sandbox confinement failed: %v", err))
		}
	}

	eng := engine.New(ws.Dir, filepath.Join(o.cfg.BackupDir, task.Plan.ID), o.manifest)
	report.Write = eng.Apply(task.Plan, task.Policy, task.DryRun)
	if !report.Write.OK {
		report.RollbackPerformed = !task.DryRun
		return o.finish(report, StateFailed, fmt.Sprintf("plan application failed with %d errors; sandbox discarded", len(report.Write.Errors)))
	}

	if task.DryRun {
		return o.finish(report, StateSuccess, "dry run: plan validated against sandbox, nothing promoted")
	}

	if o.checks != nil {
		if res := o.checks.RunAll(ws.Dir); !res.OK {
			report.RollbackPerformed = true
			return o.finish(report, StateFailed, fmt.Sprintf("validation failed: %s; sandbox discarded", res.Details))
		}
	}

	changed, err := ws.ChangedPaths(ctx)
	if err != nil {
		report.RollbackPerformed = true
		return o.finish(report, StateFailed, fmt.Sprintf("could not determine changed paths: %v", err))
	}
	report.ChangedPaths = changed
	if len(changed) == 0 {
		return o.finish(report, StateSuccess, "plan produced no changes; nothing to promote")
	}

	report.Gate = o.gate.Check(&action.Request{
		Kind:       action.KindWriteProd,
		Operation:  "patch.promote:" + task.Plan.ID,
		Command:    promoteCommand(task.Plan),
		Scope:      changed,
		Reason:     task.Reason,
		Confidence: task.Confidence,
	}, task.Source)

	if !report.Gate.Allowed {
		report.RollbackPerformed = true
		o.recordOutcome(report, action.OutcomeBlocked, report.Gate.Message)
		msg := fmt.Sprintf("%s (intent=%d decision=%d", report.Gate.Message, report.Gate.IntentID, report.Gate.DecisionID)
		if report.Gate.PermissionID != 0 {
			msg += fmt.Sprintf(" permission=%d", report.Gate.PermissionID)
		}
		msg += ")"
		return o.finish(report, StateBlocked, msg)
	}

	// One production apply in flight at a time per target tree.
	lock := lockfile.ForTarget(o.cfg.TargetDir)
	if err := lock.TryAcquire(); err != nil {
		report.RollbackPerformed = true
		o.recordOutcome(report, action.OutcomeFail, err.Error())
		if errors.Is(err, lockfile.ErrLocked) {
			return o.finish(report, StateFailed, fmt.Sprintf("another run is applying to this target: %v", err))
		}
		return o.finish(report, StateFailed, fmt.Sprintf("could not lock target tree: %v", err))
	}
	defer lock.Release()

	promoted, warning, err := ws.ApplyToMain(ctx)
	if err != nil {
		report.RollbackPerformed = true
		o.recordOutcome(report, action.OutcomeFail, err.Error())
		return o.finish(report, StateFailed, fmt.Sprintf("promotion failed: %v; sandbox discarded, target untouched", err))
	}
	report.ChangedPaths = promoted
	report.PromotionWarning = warning

	result := action.OutcomeSuccess
	notes := fmt.Sprintf("promoted %d paths", len(promoted))
	if warning != "" {
		result = action.OutcomeSuccessWithOverride
		notes += "; " + warning
	}
	o.recordOutcome(report, result, notes)

	msg := fmt.Sprintf("applied plan %s to target (%d paths)", task.Plan.ID, len(promoted))
	if warning != "" {
		msg += "; needs manual review: " + warning
	}
	return o.finish(report, StateSuccess, msg)
}

func (o *Orchestrator) sandboxParent() string {
	if o.cfg.SandboxParent != "" {
		return o.cfg.SandboxParent
	}
	return sandbox.DefaultParent()
}

// inBounds runs the boundary guardrail over every path the plan touches.
func (o *Orchestrator) inBounds(p *plan.Plan) (string, bool) {
	if o.boundary == nil {
		return "", true
	}
	for _, path := range p.TouchedPaths() {
		if res := o.boundary.Evaluate(path); !res.OK {
			return fmt.Sprintf("boundary check rejected plan: %s", res.Details), false
		}
	}
	return "", true
}

// recordOutcome writes the run's outcome and trace rows. Ledger failures
// are logged, never propagated; an unreachable audit store must not change
// the run's terminal state.
func (o *Orchestrator) recordOutcome(report *RunReport, result action.OutcomeResult, notes string) {
	if report.Gate == nil || report.Gate.DecisionID == 0 {
		return
	}

	if _, err := o.store.RecordOutcome(&ledger.Outcome{
		DecisionID: report.Gate.DecisionID,
		Result:     result,
		Notes:      notes,
		RunID:      report.RunID,
	}); err != nil {
		logger.Error("orchestrator: failed to record outcome for decision %d: %v", report.Gate.DecisionID, err)
	}

	failureClass := ""
	switch result {
	case action.OutcomeFail:
		failureClass = "apply-failure"
	case action.OutcomeBlocked:
		failureClass = "gate-blocked"
	}
	if failureClass != "" {
		if _, err := o.store.InsertTrace(&ledger.Trace{
			DecisionID:   report.Gate.DecisionID,
			RunID:        report.RunID,
			FailureClass: failureClass,
		}); err != nil {
			logger.Error("orchestrator: failed to record trace for decision %d: %v", report.Gate.DecisionID, err)
		}
	}
}

func (o *Orchestrator) finish(report *RunReport, state State, message string) *RunReport {
	report.State = state
	report.Message = message
	switch state {
	case StateFailed:
		logger.Error("orchestrator: run %s FAILED: %s", report.RunID, message)
	case StateBlocked:
		logger.Warn("orchestrator: run %s BLOCKED: %s", report.RunID, message)
	default:
		logger.Info("orchestrator: run %s %s: %s", report.RunID, state, message)
	}
	return report
}

func promoteCommand(p *plan.Plan) string {
	if p.Description != "" {
		return p.Description
	}
	return "apply plan " + p.ID
}
