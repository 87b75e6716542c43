package run

import (
	"fmt"

	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/client"
	temporalotel "go.temporal.io/sdk/contrib/opentelemetry"
	"go.temporal.io/sdk/worker"
	"go.temporal.io/sdk/workflow"

	"github.com/autopack-run/autopack/phase"
)

// WorkerOptions configures the Temporal worker process that executes
// phase.PhaseWorkflow and its activities. Grounded on the teacher's
// engine.Options (runtime/agent/engine/temporal/engine.go): OTEL tracing and
// metrics are wired automatically unless explicitly disabled, since every
// other external call in this module is already OTEL-instrumented via the
// telemetry package and a silent worker would be the outlier.
type WorkerOptions struct {
	Client         client.Client
	TaskQueue      string
	Activities     *phase.Activities
	DisableTracing bool
	WorkerOptions  worker.Options
}

// NewWorker constructs a Temporal worker registered for phase.PhaseWorkflow
// and every Activities method, with OTEL interceptors applied the same way
// the teacher's temporal engine adapter applies them to its own workers.
func NewWorker(opts WorkerOptions) (worker.Worker, error) {
	if opts.Client == nil {
		return nil, fmt.Errorf("run: worker requires a Temporal client")
	}
	if opts.TaskQueue == "" {
		return nil, fmt.Errorf("run: worker requires a task queue")
	}
	if opts.Activities == nil {
		return nil, fmt.Errorf("run: worker requires Activities")
	}

	workerOpts := opts.WorkerOptions
	if !opts.DisableTracing {
		if interceptor, err := temporalotel.NewTracingInterceptor(temporalotel.TracerOptions{}); err == nil {
			workerOpts.Interceptors = append(workerOpts.Interceptors, interceptor)
		}
	}

	w := worker.New(opts.Client, opts.TaskQueue, workerOpts)
	w.RegisterWorkflowWithOptions(phase.PhaseWorkflow, workerWorkflowOptions())
	registerActivities(w, opts.Activities)
	return w, nil
}

func workerWorkflowOptions() workflow.RegisterOptions {
	return workflow.RegisterOptions{Name: phase.WorkflowName}
}

func registerActivities(w worker.Worker, a *phase.Activities) {
	w.RegisterActivityWithOptions(a.LoadContext, activityOptions(phase.ActivityLoadContext))
	w.RegisterActivityWithOptions(a.Build, activityOptions(phase.ActivityBuild))
	w.RegisterActivityWithOptions(a.ApplyPatch, activityOptions(phase.ActivityApplyPatch))
	w.RegisterActivityWithOptions(a.Audit, activityOptions(phase.ActivityAudit))
	w.RegisterActivityWithOptions(a.RunTests, activityOptions(phase.ActivityRunTests))
	w.RegisterActivityWithOptions(a.Finalize, activityOptions(phase.ActivityFinalize))
	w.RegisterActivityWithOptions(a.Diagnose, activityOptions(phase.ActivityDiagnose))
	w.RegisterActivityWithOptions(a.Replan, activityOptions(phase.ActivityReplan))
	w.RegisterActivityWithOptions(a.RequestApproval, activityOptions(phase.ActivityRequestApproval))
	w.RegisterActivityWithOptions(a.Rollback, activityOptions(phase.ActivityRollback))
}

func activityOptions(name string) activity.RegisterOptions {
	return activity.RegisterOptions{Name: name}
}

// NewClient constructs a Temporal client with OTEL tracing and metrics
// interceptors wired, matching the teacher's applyClientInstrumentation
// (runtime/agent/engine/temporal/engine.go). Callers (cmd/autopackd) pass
// the rest of client.Options (HostPort, Namespace) as opts.
func NewClient(opts client.Options) (client.Client, error) {
	if opts.Interceptors == nil {
		if interceptor, err := temporalotel.NewTracingInterceptor(temporalotel.TracerOptions{}); err == nil {
			opts.Interceptors = append(opts.Interceptors, interceptor)
		}
	}
	if opts.MetricsHandler == nil {
		opts.MetricsHandler = temporalotel.NewMetricsHandler(temporalotel.MetricsHandlerOptions{})
	}
	return client.Dial(opts)
}
