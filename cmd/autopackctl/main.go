// Command autopackctl is the minimal operator CLI named in spec.md §6:
// submit a plan, query a run's state, submit an approval decision, abort
// a run, and inspect a phase's error history and decision audit trail.
//
// The HTTP/API layer spec.md places out of scope as an external
// collaborator concern, so autopackctl does not speak to autopackd over
// any network protocol of its own: it opens the same Postgres store,
// Redis-backed Approval Broker, and Temporal client autopackd wires in
// its composition root and drives them directly, exactly as a second
// short-lived process sharing the same backing services would.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	temporalclient "go.temporal.io/sdk/client"

	"github.com/autopack-run/autopack/approval"
	"github.com/autopack-run/autopack/config"
	"github.com/autopack-run/autopack/ids"
	"github.com/autopack-run/autopack/plan"
	"github.com/autopack-run/autopack/run"
	"github.com/autopack-run/autopack/store"
	"github.com/autopack-run/autopack/telemetry"
)

func telemetryNoop() telemetry.Bundle { return telemetry.Noop() }

// Exit codes per spec.md §6, verbatim.
const (
	exitSuccess          = 0
	exitUsageError       = 1
	exitPlanValidation   = 2
	exitRunAborted       = 3
	exitRunFailed        = 4
	exitInfrastructure   = 5
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 0 {
		usage()
		return exitUsageError
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(os.Getenv("AUTOPACK_CONFIG_FILE"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		return exitInfrastructure
	}

	switch args[0] {
	case "submit":
		return cmdSubmit(ctx, cfg, args[1:])
	case "status":
		return cmdStatus(ctx, cfg, args[1:])
	case "approve":
		return cmdDecide(ctx, cfg, args[1:], plan.DecisionApprove)
	case "reject":
		return cmdDecide(ctx, cfg, args[1:], plan.DecisionReject)
	case "abort":
		return cmdAbort(ctx, cfg, args[1:])
	case "audit":
		return cmdAudit(ctx, cfg, args[1:])
	case "-h", "--help", "help":
		usage()
		return exitSuccess
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", args[0])
		usage()
		return exitUsageError
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: autopackctl <command> [arguments]

commands:
  submit <plan.json>            submit a plan, print the assigned run-id
  status <run-id>                print a run's current state
  approve <request-id> [reason]  resolve a pending approval request with "approve"
  reject <request-id> [reason]   resolve a pending approval request with "reject"
  abort <run-id>                  abort a run in flight
  audit <run-id> <phase-id>       print a phase's error history and decision trail`)
}

// openStore connects to Postgres without running migrations; autopackctl
// is never responsible for schema setup, only autopackd is (cmd/autopackd's
// Options.SkipMigrate is left false there; here it must be true, since two
// processes racing goose.Up on startup would run concurrent DDL).
func openStore(ctx context.Context, cfg config.Config) (*store.Postgres, error) {
	return store.Open(ctx, store.Options{
		DSN:          cfg.Postgres.DSN,
		MaxOpenConns: cfg.Postgres.MaxOpenConns,
		MaxIdleConns: cfg.Postgres.MaxIdleConns,
		SkipMigrate:  true,
	})
}

func openOrchestrator(ctx context.Context, cfg config.Config) (*run.Orchestrator, *store.Postgres, temporalclient.Client, error) {
	pg, err := openStore(ctx, cfg)
	if err != nil {
		return nil, nil, nil, err
	}
	tc, err := run.NewClient(temporalclient.Options{
		HostPort:  cfg.Temporal.HostPort,
		Namespace: cfg.Temporal.Namespace,
	})
	if err != nil {
		pg.Close()
		return nil, nil, nil, err
	}
	runner := &run.TemporalPhaseRunner{Client: tc, TaskQueue: cfg.Run.TaskQueue}
	return run.New(pg, runner, cfg, telemetryNoop()), pg, tc, nil
}

// planFile is the on-disk shape a plan submission decodes from: the
// client-supplied metadata plus a flat phase list (dependencies named by
// id), deliberately decoupled from plan.Run/plan.Phase's in-memory shape
// so operators never need to supply fields the orchestrator itself owns
// (State, timestamps, CreatedAt/UpdatedAt, DecisionTrail).
type planFile struct {
	Name        string            `json:"name"`
	Description string            `json:"description"`
	Labels      map[string]string `json:"labels"`
	Phases      []phaseFile       `json:"phases"`
}

type phaseFile struct {
	ID                 string   `json:"id"`
	Goal               string   `json:"goal"`
	Deliverables       []string `json:"deliverables"`
	AcceptanceCriteria []string `json:"acceptance_criteria"`
	ScopePaths         []string `json:"scope_paths"`
	ProtectedPaths     []string `json:"protected_paths"`
	Complexity         string   `json:"complexity"`
	Dependencies       []string `json:"dependencies"`
}

func cmdSubmit(ctx context.Context, cfg config.Config, args []string) int {
	fs := flag.NewFlagSet("submit", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	if err := fs.Parse(args); err != nil || fs.NArg() != 1 {
		usage()
		return exitUsageError
	}

	data, err := os.ReadFile(fs.Arg(0))
	if err != nil {
		fmt.Fprintf(os.Stderr, "read plan file: %v\n", err)
		return exitUsageError
	}
	var pf planFile
	if err := json.Unmarshal(data, &pf); err != nil {
		fmt.Fprintf(os.Stderr, "parse plan file: %v\n", err)
		return exitPlanValidation
	}
	if len(pf.Phases) == 0 {
		fmt.Fprintln(os.Stderr, "plan must declare at least one phase")
		return exitPlanValidation
	}
	for _, ph := range pf.Phases {
		if ph.ID == "" || ph.Goal == "" {
			fmt.Fprintln(os.Stderr, "every phase requires an id and a goal")
			return exitPlanValidation
		}
	}

	r := &plan.Run{
		ID:        ids.NewRunID(),
		State:     plan.RunQueued,
		Plan:      plan.PlanMetadata{Name: pf.Name, Description: pf.Description, Labels: pf.Labels},
		Providers: map[string]plan.ProviderStatus{},
	}
	for _, ph := range pf.Phases {
		r.Phases = append(r.Phases, &plan.Phase{
			ID:                 ph.ID,
			Run:                r.ID,
			Goal:               ph.Goal,
			Deliverables:       ph.Deliverables,
			AcceptanceCriteria: ph.AcceptanceCriteria,
			ScopePaths:         ph.ScopePaths,
			ProtectedPaths:     ph.ProtectedPaths,
			Complexity:         plan.Complexity(ph.Complexity),
			Dependencies:       ph.Dependencies,
			State:              plan.PhaseQueued,
		})
	}

	orch, pg, tc, err := openOrchestrator(ctx, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "connect: %v\n", err)
		return exitInfrastructure
	}
	defer pg.Close()
	defer tc.Close()

	submitted, err := orch.Submit(ctx, r)
	if err != nil {
		fmt.Fprintf(os.Stderr, "submit: %v\n", err)
		return exitInfrastructure
	}

	fmt.Println(submitted.ID)
	return exitForRunState(submitted.State)
}

func cmdStatus(ctx context.Context, cfg config.Config, args []string) int {
	if len(args) != 1 {
		usage()
		return exitUsageError
	}
	pg, err := openStore(ctx, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "connect: %v\n", err)
		return exitInfrastructure
	}
	defer pg.Close()

	r, err := pg.Load(ctx, args[0])
	if err != nil {
		fmt.Fprintf(os.Stderr, "load run: %v\n", err)
		return exitInfrastructure
	}

	fmt.Printf("run %s: state=%s phases=%d tokens_consumed=%d wallclock_consumed=%s\n",
		r.ID, r.State, len(r.Phases), r.Counters.TokensConsumed, r.Counters.WallclockConsumed)
	for _, ph := range r.Phases {
		fmt.Printf("  phase %s: state=%s attempt=%d escalation=%d\n",
			ph.ID, ph.State, ph.RetryAttempt, ph.EscalationLevel)
	}
	return exitForRunState(r.State)
}

func cmdDecide(ctx context.Context, cfg config.Config, args []string, decision plan.ApprovalDecision) int {
	fs := flag.NewFlagSet("decide", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	if err := fs.Parse(args); err != nil || fs.NArg() < 1 {
		usage()
		return exitUsageError
	}
	requestID := fs.Arg(0)
	reason := "operator decision"
	if fs.NArg() > 1 {
		reason = fs.Arg(1)
	}

	rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password})
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		fmt.Fprintf(os.Stderr, "connect to redis: %v\n", err)
		return exitInfrastructure
	}
	broker := approval.New(rdb, cfg.Approval, telemetryNoop())

	resolved, err := broker.Respond(ctx, requestID, decision, "operator", reason)
	if err != nil {
		fmt.Fprintf(os.Stderr, "resolve approval: %v\n", err)
		return exitInfrastructure
	}
	fmt.Printf("request %s resolved: status=%s\n", resolved.RequestID, resolved.Status)
	return exitSuccess
}

func cmdAbort(ctx context.Context, cfg config.Config, args []string) int {
	if len(args) != 1 {
		usage()
		return exitUsageError
	}
	orch, pg, tc, err := openOrchestrator(ctx, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "connect: %v\n", err)
		return exitInfrastructure
	}
	defer pg.Close()
	defer tc.Close()

	if err := orch.Abort(ctx, args[0]); err != nil {
		fmt.Fprintf(os.Stderr, "abort: %v\n", err)
		return exitInfrastructure
	}
	fmt.Printf("run %s aborted\n", args[0])
	return exitRunAborted
}

func cmdAudit(ctx context.Context, cfg config.Config, args []string) int {
	if len(args) != 2 {
		usage()
		return exitUsageError
	}
	pg, err := openStore(ctx, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "connect: %v\n", err)
		return exitInfrastructure
	}
	defer pg.Close()

	r, err := pg.Load(ctx, args[0])
	if err != nil {
		fmt.Fprintf(os.Stderr, "load run: %v\n", err)
		return exitInfrastructure
	}

	var target *plan.Phase
	for _, ph := range r.Phases {
		if ph.ID == args[1] {
			target = ph
			break
		}
	}
	if target == nil {
		fmt.Fprintf(os.Stderr, "phase %s not found in run %s\n", args[1], args[0])
		return exitUsageError
	}

	fmt.Printf("phase %s error history:\n", target.ID)
	for _, rec := range target.ErrorHistory {
		fmt.Printf("  %s category=%s message=%q\n",
			rec.Timestamp.Format("2006-01-02T15:04:05Z07:00"), rec.Category, rec.Message)
	}
	fmt.Printf("phase %s decision trail:\n", target.ID)
	for _, ev := range target.DecisionTrail {
		fmt.Printf("  %s kind=%s detail=%q reference=%s\n",
			ev.Timestamp.Format("2006-01-02T15:04:05Z07:00"), ev.Kind, ev.Detail, ev.Reference)
	}
	return exitSuccess
}

func exitForRunState(s plan.RunState) int {
	switch s {
	case plan.RunAborted:
		return exitRunAborted
	case plan.RunFailed:
		return exitRunFailed
	default:
		return exitSuccess
	}
}
