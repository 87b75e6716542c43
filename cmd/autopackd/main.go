// Command autopackd is the composition root and worker process for
// Autopack: it wires every collaborator named in spec.md §6 (Postgres
// store, Redis-backed Approval Broker, Mongo-backed Learning Store, one
// LLM provider adapter, the Workspace Gateway, Patch Engine, Test Runner,
// and Doctor) into a phase.Activities, registers it against a Temporal
// worker alongside phase.PhaseWorkflow, and runs a lightweight polling
// loop that advances any run left in a non-terminal state — so a crashed
// or restarted autopackd picks up where it left off rather than requiring
// an external resubmission.
//
// Configuration is environment-variable driven (config.Load), matching
// the teacher's registry daemon: no flags, no config server, everything
// resolved once at startup and logged with log.Printf/log.Fatal, since
// this file is a bootstrap/composition root and not itself a component
// that should route through the telemetry package.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/redis/go-redis/v9"
	temporalclient "go.temporal.io/sdk/client"
	temporalworker "go.temporal.io/sdk/worker"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	mongooptions "go.mongodb.org/mongo-driver/v2/mongo/options"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/autopack-run/autopack/agent"
	"github.com/autopack-run/autopack/agent/anthropic"
	"github.com/autopack-run/autopack/agent/bedrock"
	"github.com/autopack-run/autopack/agent/openai"
	"github.com/autopack-run/autopack/agent/ratelimit"
	"github.com/autopack-run/autopack/approval"
	"github.com/autopack-run/autopack/config"
	"github.com/autopack-run/autopack/doctor"
	"github.com/autopack-run/autopack/learning"
	"github.com/autopack-run/autopack/patch"
	"github.com/autopack-run/autopack/phase"
	"github.com/autopack-run/autopack/run"
	"github.com/autopack-run/autopack/store"
	"github.com/autopack-run/autopack/telemetry"
	"github.com/autopack-run/autopack/testrun"
	remoteharness "github.com/autopack-run/autopack/testrun/remote"
	"github.com/autopack-run/autopack/workspace"
)

func main() {
	if err := runMain(); err != nil {
		log.Fatal(err)
	}
}

func runMain() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(os.Getenv("AUTOPACK_CONFIG_FILE"))
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	tb := telemetryBundle()

	pg, err := store.Open(ctx, store.Options{
		DSN:          cfg.Postgres.DSN,
		MaxOpenConns: cfg.Postgres.MaxOpenConns,
		MaxIdleConns: cfg.Postgres.MaxIdleConns,
	})
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer pg.Close()

	rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password})
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("connect to redis: %w", err)
	}
	broker := approval.New(rdb, cfg.Approval, tb)

	learningStore, err := newLearningStore(ctx, cfg.Mongo)
	if err != nil {
		return fmt.Errorf("open learning store: %w", err)
	}

	builder, auditor, doctorAgent, replanAgent, err := newLLMClients(ctx, cfg.LLM)
	if err != nil {
		return fmt.Errorf("build llm clients: %w", err)
	}
	lim := ratelimit.New(cfg.LLM.InitialTPM, cfg.LLM.MaxTPM)
	builder = &ratelimit.Builder{Next: builder, Limiter: lim}
	auditor = &ratelimit.Auditor{Next: auditor, Limiter: lim}
	doctorAgent = &ratelimit.DoctorAgent{Next: doctorAgent, Limiter: lim}
	replanAgent = &ratelimit.ReplanAgent{Next: replanAgent, Limiter: lim}

	ws := workspace.New(workspace.Options{Root: cfg.Workspace.Root, Telemetry: tb})
	patchEngine := patch.New(patch.Options{Gateway: ws, Governance: cfg.Governance, Telemetry: tb})
	harness, err := newTestHarness(cfg.TestRun, cfg.Workspace.Root)
	if err != nil {
		return fmt.Errorf("build test harness: %w", err)
	}
	testRunner := testrun.NewRunner(harness, pg, tb)
	doc := doctor.New(doctorAgent, cfg.Doctor)

	temporalClient, err := run.NewClient(temporalclient.Options{
		HostPort:  cfg.Temporal.HostPort,
		Namespace: cfg.Temporal.Namespace,
	})
	if err != nil {
		return fmt.Errorf("dial temporal: %w", err)
	}
	defer temporalClient.Close()

	phaseRunner := &run.TemporalPhaseRunner{Client: temporalClient, TaskQueue: cfg.Run.TaskQueue}
	orchestrator := run.New(pg, phaseRunner, cfg, tb)

	activities := &phase.Activities{
		Learning:    learningStore,
		Builder:     builder,
		Auditor:     auditor,
		Doctor:      doc,
		ReplanAgent: replanAgent,
		PatchEngine: patchEngine,
		Workspace:   ws,
		TestRunner:  testRunner,
		Approval:    broker,
		PhaseState:  pg,
		Config:      cfg,
	}

	worker, err := run.NewWorker(run.WorkerOptions{
		Client:     temporalClient,
		TaskQueue:  cfg.Run.TaskQueue,
		Activities: activities,
	})
	if err != nil {
		return fmt.Errorf("build worker: %w", err)
	}

	go sweepApprovals(ctx, broker, cfg.Approval.SweepInterval, tb)
	go pollActiveRuns(ctx, pg, orchestrator, tb)

	go func() {
		<-ctx.Done()
		worker.Stop()
	}()

	log.Printf("autopackd started (task_queue=%s)", cfg.Run.TaskQueue)
	if err := worker.Run(temporalworker.InterruptCh()); err != nil {
		return fmt.Errorf("worker stopped: %w", err)
	}
	return nil
}

func telemetryBundle() telemetry.Bundle {
	if os.Getenv("AUTOPACK_DISABLE_TELEMETRY") == "1" {
		return telemetry.Noop()
	}
	return telemetry.Bundle{
		Logger:  telemetry.NewClueLogger(),
		Metrics: telemetry.NewClueMetrics(),
		Tracer:  telemetry.NewClueTracer(),
	}
}

// newLearningStore connects to Mongo when configured; an unset Mongo URI
// falls back to an in-process MemoryStore so a single-node evaluation
// deployment doesn't require standing up Mongo (spec.md names no hard
// dependency on a specific store, only the learning.Store contract).
func newLearningStore(ctx context.Context, cfg config.Mongo) (learning.Store, error) {
	if cfg.URI == "" {
		return learning.NewMemoryStore(), nil
	}
	client, err := mongodriver.Connect(mongooptions.Client().ApplyURI(cfg.URI))
	if err != nil {
		return nil, fmt.Errorf("connect to mongo: %w", err)
	}
	return learning.NewMongoStore(ctx, learning.MongoOptions{Client: client, Database: cfg.Database})
}

// newTestHarness dials an out-of-process remote harness when cfg.RemoteAddr
// is set, otherwise runs go test in-process against root.
func newTestHarness(cfg config.TestRun, root string) (testrun.Harness, error) {
	if cfg.RemoteAddr == "" {
		return &testrun.GoTestHarness{Dir: root}, nil
	}
	conn, err := grpc.NewClient(cfg.RemoteAddr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("dial remote test harness: %w", err)
	}
	return remoteharness.NewHarness(conn), nil
}

// newLLMClients builds the four agent collaborator interfaces from a
// single provider client, matching spec.md §6's framing that Builder,
// Auditor, Doctor, and Re-plan are the same underlying LLM used for
// different prompts.
func newLLMClients(ctx context.Context, cfg config.LLM) (agent.Builder, agent.Auditor, agent.DoctorAgent, agent.ReplanAgent, error) {
	switch cfg.Provider {
	case "", "anthropic":
		c, err := anthropic.NewFromAPIKey(cfg.APIKey, anthropic.Options{
			CheapModel:  cfg.CheapModel,
			MidModel:    cfg.MidModel,
			StrongModel: cfg.StrongModel,
		})
		if err != nil {
			return nil, nil, nil, nil, err
		}
		return c, c, c, c, nil
	case "openai":
		c, err := openai.NewFromAPIKey(cfg.APIKey, openai.Options{
			CheapModel:  cfg.CheapModel,
			MidModel:    cfg.MidModel,
			StrongModel: cfg.StrongModel,
		})
		if err != nil {
			return nil, nil, nil, nil, err
		}
		return c, c, c, c, nil
	case "bedrock":
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
		if err != nil {
			return nil, nil, nil, nil, fmt.Errorf("load aws config: %w", err)
		}
		runtime := bedrockruntime.NewFromConfig(awsCfg)
		c, err := bedrock.New(runtime, bedrock.Options{
			CheapModel:  cfg.CheapModel,
			MidModel:    cfg.MidModel,
			StrongModel: cfg.StrongModel,
		})
		if err != nil {
			return nil, nil, nil, nil, err
		}
		return c, c, c, c, nil
	default:
		return nil, nil, nil, nil, fmt.Errorf("unknown llm provider %q", cfg.Provider)
	}
}

// sweepApprovals runs SweepExpired at cfg.SweepInterval until ctx is
// canceled, resolving any pending approval whose timeout_at has passed
// even if no Request caller is still blocked waiting on it (a phase
// workflow that crashed mid-wait, for instance).
func sweepApprovals(ctx context.Context, b *approval.Broker, interval time.Duration, tb telemetry.Bundle) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := b.SweepExpired(ctx); err != nil {
				tb.Logger.Error(ctx, "sweep expired approvals failed", "error", err)
			} else if n > 0 {
				tb.Logger.Info(ctx, "swept expired approvals", "count", n)
			}
		}
	}
}

// pollActiveRuns periodically re-advances any run left in state "running"
// or "queued" (e.g. after a prior autopackd crashed mid-dispatch), so
// progress resumes without an operator having to resubmit. Runs paused by
// a budget check (spec §4.11) are deliberately excluded: those require an
// operator decision, not automatic retry.
func pollActiveRuns(ctx context.Context, st *store.Postgres, o *run.Orchestrator, tb telemetry.Bundle) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ids, err := st.ListActiveRunIDs(ctx)
			if err != nil {
				tb.Logger.Error(ctx, "list active runs failed", "error", err)
				continue
			}
			for _, id := range ids {
				if _, err := o.Advance(ctx, id); err != nil && !errors.Is(err, run.ErrBudgetExhausted) {
					tb.Logger.Warn(ctx, "resume advance failed", "run_id", id, "error", err)
				}
			}
		}
	}
}
