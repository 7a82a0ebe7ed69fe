// patchward applies structured patch plans to a working tree through the
// gated mutation pipeline: policy checks, budget limits, a disposable
// sandbox trial, and human-approval gating before anything reaches the
// real tree.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/codefionn/patchward/internal/config"
	"github.com/codefionn/patchward/internal/gate"
	"github.com/codefionn/patchward/internal/guardrail"
	"github.com/codefionn/patchward/internal/ledger"
	"github.com/codefionn/patchward/internal/logger"
	"github.com/codefionn/patchward/internal/manifest"
	"github.com/codefionn/patchward/internal/orchestrator"
	"github.com/codefionn/patchward/internal/plan"
	"github.com/codefionn/patchward/internal/sandbox"
	"github.com/codefionn/patchward/internal/scope"
	"github.com/codefionn/patchward/internal/vcs"
)

var (
	planPath       = flag.String("plan", "", "Path to the patch plan file (JSON)")
	policyPath     = flag.String("policy", "", "Path to the write-scope policy file (JSON)")
	targetDir      = flag.String("target", "", "Target tree to operate on (defaults to the configured target)")
	configPath     = flag.String("config", "", "Path to the config file (defaults to the per-user config)")
	dryRun         = flag.Bool("dry-run", false, "Validate and preview the plan in a sandbox without promoting anything")
	source         = flag.String("source", "cli", "Source label recorded with the intent")
	reason         = flag.String("reason", "", "Free-text reason recorded with the intent")
	followManifest = flag.Bool("follow-manifest", false, "Tail the change manifest and print records as they are appended")
	listPending    = flag.Bool("list-pending", false, "List permissions awaiting human approval")
	grantID        = flag.Int64("grant", 0, "Grant the pending permission with this id")
	denyID         = flag.Int64("deny", 0, "Deny the pending permission with this id")
	pruneDays      = flag.Int("prune-ledger-days", 0, "Delete audit rows older than this many days and exit")
)

// exit codes: 1 for a failed run, 2 for a gate-blocked run.
const (
	exitFailed  = 1
	exitBlocked = 2
)

func main() {
	flag.Parse()

	code, err := run()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		if code == 0 {
			code = exitFailed
		}
	}
	os.Exit(code)
}

func run() (int, error) {
	cfgPath := *configPath
	if cfgPath == "" {
		cfgPath = config.GetConfigPath()
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return exitFailed, fmt.Errorf("failed to load config: %w", err)
	}
	if *targetDir != "" {
		cfg.TargetDir = *targetDir
	}

	if err := logger.Init(logger.ParseLevel(cfg.LogLevel), cfg.LogPath); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: logging disabled: %v\n", err)
	}
	defer logger.Global().Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *followManifest {
		return followManifestLoop(ctx, cfg)
	}

	store, err := ledger.Open(cfg.LedgerPath)
	if err != nil {
		return exitFailed, fmt.Errorf("failed to open ledger: %w", err)
	}
	defer store.Close()

	g := gate.New(store, cfg.SandboxOnly)

	switch {
	case *listPending:
		return listPendingPermissions(g)
	case *grantID != 0:
		if err := g.Grant(*grantID); err != nil {
			return exitFailed, fmt.Errorf("failed to grant permission %d: %w", *grantID, err)
		}
		fmt.Printf("permission %d granted\n", *grantID)
		return 0, nil
	case *denyID != 0:
		if err := g.Deny(*denyID); err != nil {
			return exitFailed, fmt.Errorf("failed to deny permission %d: %w", *denyID, err)
		}
		fmt.Printf("permission %d denied\n", *denyID)
		return 0, nil
	case *pruneDays > 0:
		n, err := store.PruneOlderThan(time.Duration(*pruneDays) * 24 * time.Hour)
		if err != nil {
			return exitFailed, fmt.Errorf("ledger pruning failed: %w", err)
		}
		fmt.Printf("pruned %d ledger rows older than %d days\n", n, *pruneDays)
		return 0, nil
	}

	if *planPath == "" {
		flag.Usage()
		return exitFailed, errors.New("--plan is required")
	}
	if *policyPath == "" {
		return exitFailed, errors.New("--policy is required")
	}

	p, err := plan.ParseFile(*planPath)
	if err != nil {
		return exitFailed, err
	}
	pol, err := scope.Load(*policyPath)
	if err != nil {
		return exitFailed, err
	}

	mw, err := manifest.NewWriter(cfg.ManifestPath)
	if err != nil {
		return exitFailed, fmt.Errorf("failed to open manifest: %w", err)
	}

	if cfg.ConfineSandbox && !sandbox.ConfinementSupported() {
		logger.Warn("sandbox confinement requested but unsupported on this platform; continuing without it")
	}

	orch := orchestrator.New(cfg, store, g, vcs.NewGit(cfg.TargetDir), nil, guardrail.NewRegistry(), mw)
	report := orch.Run(ctx, &orchestrator.Task{
		Plan:       p,
		Policy:     pol,
		Source:     *source,
		Reason:     *reason,
		Confidence: 1.0,
		DryRun:     *dryRun,
	})

	printReport(report, p)

	switch report.State {
	case orchestrator.StateBlocked:
		return exitBlocked, nil
	case orchestrator.StateFailed:
		return exitFailed, nil
	default:
		return 0, nil
	}
}

// cliResult is the JSON surface printed for automation.
type cliResult struct {
	OK               bool              `json:"ok"`
	State            string            `json:"state"`
	Message          string            `json:"message"`
	PlanID           string            `json:"plan_id"`
	RunID            string            `json:"run_id"`
	Changes          []engineChange    `json:"changes"`
	Errors           []string          `json:"errors,omitempty"`
	Backups          []string          `json:"backups,omitempty"`
	ChangedPaths     []string          `json:"changed_paths,omitempty"`
	PendingApproval  *pendingApproval  `json:"pending_approval,omitempty"`
	PromotionWarning string            `json:"promotion_warning,omitempty"`
}

type engineChange struct {
	Op     string `json:"op"`
	Path   string `json:"path"`
	Status string `json:"status"`
}

type pendingApproval struct {
	PermissionID int64 `json:"permission_id"`
	IntentID     int64 `json:"intent_id"`
	DecisionID   int64 `json:"decision_id"`
}

func printReport(report *orchestrator.RunReport, p *plan.Plan) {
	result := cliResult{
		OK:               report.State == orchestrator.StateSuccess,
		State:            string(report.State),
		Message:          report.Message,
		PlanID:           p.ID,
		RunID:            report.RunID,
		ChangedPaths:     report.ChangedPaths,
		PromotionWarning: report.PromotionWarning,
	}
	if report.Write != nil {
		for _, c := range report.Write.Changes {
			result.Changes = append(result.Changes, engineChange{Op: c.Op, Path: c.Path, Status: c.Status})
		}
		result.Errors = report.Write.Errors
		result.Backups = report.Write.Backups
	}
	if report.State == orchestrator.StateBlocked && report.Gate != nil {
		result.PendingApproval = &pendingApproval{
			PermissionID: report.Gate.PermissionID,
			IntentID:     report.Gate.IntentID,
			DecisionID:   report.Gate.DecisionID,
		}
	}

	out, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		fmt.Printf("{\"ok\":false,\"message\":%q}\n", err.Error())
		return
	}
	fmt.Println(string(out))
}

func listPendingPermissions(g *gate.Gate) (int, error) {
	pending, err := g.PendingPermissions()
	if err != nil {
		return exitFailed, fmt.Errorf("failed to list pending permissions: %w", err)
	}
	if len(pending) == 0 {
		fmt.Println("no pending permissions")
		return 0, nil
	}
	for _, p := range pending {
		fmt.Printf("%d\t%s\t%s\t%s\n", p.ID, p.Timestamp.Format("2006-01-02 15:04:05"), p.Operation, p.Command)
	}
	return 0, nil
}

func followManifestLoop(ctx context.Context, cfg *config.Config) (int, error) {
	follower, err := manifest.NewFollower(cfg.ManifestPath)
	if err != nil {
		return exitFailed, err
	}
	defer follower.Close()

	fmt.Fprintf(os.Stderr, "following %s (ctrl-c to stop)\n", cfg.ManifestPath)
	err = follower.Follow(ctx, func(rec *manifest.Record) {
		line, marshalErr := json.Marshal(rec)
		if marshalErr != nil {
			return
		}
		fmt.Println(string(line))
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		return exitFailed, err
	}
	return 0, nil
}
