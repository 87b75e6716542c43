package run

import (
	"context"
	"fmt"

	"go.temporal.io/sdk/client"

	"github.com/autopack-run/autopack/phase"
)

// PhaseRunner dispatches one phase attempt-loop to completion. A run-id and
// phase-id identify the call for cancellation; ExecutePhase blocks until the
// phase workflow reaches a terminal state (spec §4.10's terminal states:
// COMPLETE, FAILED, or a Doctor skip-phase BLOCKED) or ctx is canceled.
//
// This mirrors the teacher's AgentClient.Run/Start split (client.go) reduced
// to the one call shape the Run Orchestrator actually needs: it always waits
// for the result, and cancellation is a separate explicit call rather than a
// returned handle, since no caller of this package ever needs to stream
// events mid-phase.
type PhaseRunner interface {
	ExecutePhase(ctx context.Context, in phase.WorkflowInput) (phase.WorkflowResult, error)
	Cancel(ctx context.Context, runID, phaseID string) error
}

// TemporalPhaseRunner dispatches phase.PhaseWorkflow executions through a
// real Temporal client, grounded on the teacher's
// runtime/agent/runtime/client.go startRun/handle.Wait pattern.
type TemporalPhaseRunner struct {
	Client    client.Client
	TaskQueue string
}

// ExecutePhase starts phase.PhaseWorkflow with a workflow id derived from
// the phase's run and phase ids (so a duplicate dispatch of an in-flight
// phase reuses the same Temporal execution rather than racing it), and
// blocks for the result.
func (r *TemporalPhaseRunner) ExecutePhase(ctx context.Context, in phase.WorkflowInput) (phase.WorkflowResult, error) {
	opts := client.StartWorkflowOptions{
		ID:        workflowID(in.Phase.Run, in.Phase.ID),
		TaskQueue: r.TaskQueue,
	}
	run, err := r.Client.ExecuteWorkflow(ctx, opts, phase.WorkflowName, in)
	if err != nil {
		return phase.WorkflowResult{}, fmt.Errorf("run: start phase workflow: %w", err)
	}
	var result phase.WorkflowResult
	if err := run.Get(ctx, &result); err != nil {
		return phase.WorkflowResult{}, fmt.Errorf("run: await phase workflow: %w", err)
	}
	return result, nil
}

// Cancel requests best-effort cancellation of an in-flight phase workflow
// (spec §5: "Run-level cancellation ... cancels any in-flight external call
// (best-effort)"). Temporal delivers the cancellation to the workflow's
// context, which aborts the current activity and returns a canceled error
// from ExecutePhase.
func (r *TemporalPhaseRunner) Cancel(ctx context.Context, runID, phaseID string) error {
	return r.Client.CancelWorkflow(ctx, workflowID(runID, phaseID), "")
}

func workflowID(runID, phaseID string) string {
	return "autopack-phase-" + runID + "-" + phaseID
}
