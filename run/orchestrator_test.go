package run

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/autopack-run/autopack/config"
	"github.com/autopack-run/autopack/finalizer"
	"github.com/autopack-run/autopack/phase"
	"github.com/autopack-run/autopack/plan"
	"github.com/autopack-run/autopack/telemetry"
)

func telemetryBundle() telemetry.Bundle { return telemetry.Noop() }

type scriptedRunner struct {
	results map[string]phase.WorkflowResult
	errs    map[string]error
	calls   []string
}

func (s *scriptedRunner) ExecutePhase(_ context.Context, in phase.WorkflowInput) (phase.WorkflowResult, error) {
	s.calls = append(s.calls, in.Phase.ID)
	if err, ok := s.errs[in.Phase.ID]; ok {
		return phase.WorkflowResult{}, err
	}
	return s.results[in.Phase.ID], nil
}

func (s *scriptedRunner) Cancel(context.Context, string, string) error { return nil }

func completePhase(ph *plan.Phase) phase.WorkflowResult {
	cp := *ph
	cp.State = plan.PhaseComplete
	return phase.WorkflowResult{Phase: &cp, Outcome: finalizer.OutcomeComplete, TokensConsumed: 100}
}

func TestAdvanceRunsPhasesInDependencyOrderToCompletion(t *testing.T) {
	a := &plan.Phase{ID: "a", Run: "run1"}
	b := &plan.Phase{ID: "b", Run: "run1", Dependencies: []string{"a"}}

	runner := &scriptedRunner{results: map[string]phase.WorkflowResult{
		"a": completePhase(a),
		"b": completePhase(b),
	}}
	store := NewMemoryStore()
	o := New(store, runner, config.Default(), telemetryBundle())

	r := &plan.Run{ID: "run1", Phases: []*plan.Phase{a, b}}
	require.NoError(t, store.Upsert(context.Background(), r))

	out, err := o.Advance(context.Background(), "run1")
	require.NoError(t, err)
	require.Equal(t, plan.RunComplete, out.State)
	require.Equal(t, []string{"a", "b"}, runner.calls)
	require.Equal(t, int64(200), out.Counters.TokensConsumed)
}

func TestAdvanceStopsAndMarksRunFailedOnPhaseFailure(t *testing.T) {
	a := &plan.Phase{ID: "a", Run: "run1"}
	b := &plan.Phase{ID: "b", Run: "run1", Dependencies: []string{"a"}}

	failed := *a
	failed.State = plan.PhaseFailed
	runner := &scriptedRunner{results: map[string]phase.WorkflowResult{
		"a": {Phase: &failed, Outcome: finalizer.OutcomeFailed},
	}}
	store := NewMemoryStore()
	o := New(store, runner, config.Default(), telemetryBundle())

	r := &plan.Run{ID: "run1", Phases: []*plan.Phase{a, b}}
	require.NoError(t, store.Upsert(context.Background(), r))

	out, err := o.Advance(context.Background(), "run1")
	require.NoError(t, err)
	require.Equal(t, plan.RunFailed, out.State)
	require.Equal(t, "a", out.FailedPhaseID)
	require.Equal(t, []string{"a"}, runner.calls)
}

func TestAdvancePausesRunWhenTokenBudgetExceeded(t *testing.T) {
	a := &plan.Phase{ID: "a", Run: "run1"}
	b := &plan.Phase{ID: "b", Run: "run1", Dependencies: []string{"a"}}

	overBudget := completePhase(a)
	overBudget.TokensConsumed = 1_000

	runner := &scriptedRunner{results: map[string]phase.WorkflowResult{"a": overBudget}}
	store := NewMemoryStore()
	o := New(store, runner, config.Default(), telemetryBundle())

	r := &plan.Run{ID: "run1", Phases: []*plan.Phase{a, b}}
	r.Counters.TokenBudget = 500
	require.NoError(t, store.Upsert(context.Background(), r))

	out, err := o.Advance(context.Background(), "run1")
	require.NoError(t, err)
	require.Equal(t, plan.RunPaused, out.State)
	require.Equal(t, []string{"a"}, runner.calls)
}

func TestAbortCancelsRunningPhaseAndMarksAborted(t *testing.T) {
	a := &plan.Phase{ID: "a", Run: "run1", State: plan.PhaseRunning}
	runner := &scriptedRunner{}
	store := NewMemoryStore()
	o := New(store, runner, config.Default(), telemetryBundle())

	r := &plan.Run{ID: "run1", State: plan.RunRunning, Phases: []*plan.Phase{a}}
	require.NoError(t, store.Upsert(context.Background(), r))

	require.NoError(t, o.Abort(context.Background(), "run1"))

	out, err := store.Load(context.Background(), "run1")
	require.NoError(t, err)
	require.Equal(t, plan.RunAborted, out.State)
}
