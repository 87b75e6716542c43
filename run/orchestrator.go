// Package run implements the Run Orchestrator (C11): it walks a plan's
// phase DAG in dependency order, dispatches each phase to the Phase
// Orchestrator (C10), persists run/phase state after every step, and
// enforces the cross-phase budgets spec.md §4.11 names.
package run

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/autopack-run/autopack/config"
	"github.com/autopack-run/autopack/finalizer"
	"github.com/autopack-run/autopack/phase"
	"github.com/autopack-run/autopack/plan"
	"github.com/autopack-run/autopack/replan"
	"github.com/autopack-run/autopack/telemetry"
)

// ErrBudgetExhausted names the hard-budget condition. Advance does not
// return it: a run that exceeds a hard budget comes back in state RunPaused
// with a nil error.
var ErrBudgetExhausted = errors.New("run: budget exhausted")

// Orchestrator drives one or more runs to completion, serializing phase
// dispatch within each run (spec §5: "A single run is internally serial
// across its phases") while letting independent runs proceed concurrently.
type Orchestrator struct {
	Store     Store
	Runner    PhaseRunner
	Config    config.Config
	Telemetry telemetry.Bundle

	// advancing deduplicates concurrent Advance calls for the same run id,
	// so two callers racing to progress the same run (e.g. a resumed
	// approval callback firing alongside a periodic sweep) only ever run
	// one dispatch loop for it at a time, in-process. Cross-process
	// exclusivity is Store.TryAdvisoryLock's job.
	advancing singleflight.Group
}

// New constructs an Orchestrator. Telemetry defaults to a noop bundle if
// unset.
func New(store Store, runner PhaseRunner, cfg config.Config, tb telemetry.Bundle) *Orchestrator {
	if tb.Logger == nil {
		tb = telemetry.Noop()
	}
	return &Orchestrator{Store: store, Runner: runner, Config: cfg, Telemetry: tb}
}

// Submit registers a new run in state "queued" and immediately advances it.
func (o *Orchestrator) Submit(ctx context.Context, r *plan.Run) (*plan.Run, error) {
	r.State = plan.RunQueued
	now := time.Now()
	r.CreatedAt, r.UpdatedAt = now, now
	if r.Counters.TokenBudget == 0 {
		r.Counters.TokenBudget = o.Config.Run.TokenBudget
	}
	if r.Counters.WallclockBudget == 0 {
		r.Counters.WallclockBudget = o.Config.Run.WallclockBudget
	}
	if err := o.Store.Upsert(ctx, r); err != nil {
		return nil, fmt.Errorf("run: submit: %w", err)
	}
	return o.Advance(ctx, r.ID)
}

// Advance walks runID's phase DAG forward as far as dependencies, budgets,
// and phase outcomes allow, persisting state after every transition. It
// returns the run's state at the point it stopped: RunComplete, RunFailed,
// RunPaused (budget exceeded, resume later), RunAborted, or RunRunning
// (some phase still waits on an approval or on a dependency that did not
// complete).
func (o *Orchestrator) Advance(ctx context.Context, runID string) (*plan.Run, error) {
	v, err, _ := o.advancing.Do(runID, func() (any, error) {
		return o.advance(ctx, runID)
	})
	if err != nil {
		return nil, err
	}
	return v.(*plan.Run), nil
}

func (o *Orchestrator) advance(ctx context.Context, runID string) (*plan.Run, error) {
	locked, err := o.Store.TryAdvisoryLock(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("run: acquire lock: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("run: %s is already being advanced by another process", runID)
	}
	defer o.Store.Release(ctx, runID)

	r, err := o.Store.Load(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("run: load: %w", err)
	}
	if r.State == plan.RunComplete || r.State == plan.RunFailed || r.State == plan.RunAborted {
		return r, nil
	}

	order, err := topoOrder(r.Phases)
	if err != nil {
		r.State = plan.RunFailed
		r.FailureReason = err.Error()
		_ = o.Store.Upsert(ctx, r)
		return r, nil
	}
	byID := make(map[string]*plan.Phase, len(r.Phases))
	for _, ph := range r.Phases {
		byID[ph.ID] = ph
	}

	r.State = plan.RunRunning
	for _, ph := range order {
		if ph.State == plan.PhaseComplete {
			continue
		}
		if !depsComplete(ph, byID) {
			continue
		}
		if ph.State == plan.PhaseAwaitingApproval {
			continue
		}

		ph.State = plan.PhaseRunning
		ph.CaptureOriginalIntent()
		if err := o.Store.Upsert(ctx, r); err != nil {
			return nil, fmt.Errorf("run: persist phase start: %w", err)
		}

		in := phase.WorkflowInput{
			Phase:  ph,
			Config: o.Config,
			RunCounters: r.Counters,
			ReplanBudget: replan.Budget{RunReplans: r.Counters.Replans},
		}
		result, err := o.Runner.ExecutePhase(ctx, in)
		if err != nil {
			r.State = plan.RunFailed
			r.FailedPhaseID = ph.ID
			r.FailureReason = err.Error()
			_ = o.Store.Upsert(ctx, r)
			return r, nil
		}

		mergeCounters(&r.Counters, result)
		*ph = *result.Phase
		byID[ph.ID] = ph
		if result.DisabledProvider != "" {
			if r.Providers == nil {
				r.Providers = make(map[string]plan.ProviderStatus)
			}
			r.Providers[result.DisabledProvider] = plan.ProviderDisabled
		}

		if ph.State != plan.PhaseComplete {
			r.State = plan.RunFailed
			r.FailedPhaseID = ph.ID
			r.FailureReason = string(ph.State)
			if result.Outcome != finalizer.OutcomeComplete {
				r.FailureReason = fmt.Sprintf("%s: %s", ph.State, result.Outcome)
			}
			_ = o.Store.Upsert(ctx, r)
			return r, nil
		}

		if exceeded, reason := budgetExceeded(r.Counters); exceeded {
			r.State = plan.RunPaused
			r.FailureReason = reason
			_ = o.Store.Upsert(ctx, r)
			return r, nil
		}
		if err := o.Store.Upsert(ctx, r); err != nil {
			return nil, fmt.Errorf("run: persist phase completion: %w", err)
		}
	}

	if allComplete(order) {
		r.State = plan.RunComplete
	} else {
		// Some phase is still queued behind an unresolved approval or a
		// dependency that never completed; leave the run running so a
		// later Advance (triggered by approval resolution) picks it up.
		r.State = plan.RunRunning
	}
	if err := o.Store.Upsert(ctx, r); err != nil {
		return nil, fmt.Errorf("run: persist final state: %w", err)
	}
	return r, nil
}

func mergeCounters(c *plan.RunCounters, result phase.WorkflowResult) {
	c.TokensConsumed += result.TokensConsumed
	c.DoctorInvocations += result.DoctorInvocations
	c.StrongDoctorCalls += result.StrongDoctorCalls
	c.Replans += result.Replans
}

func budgetExceeded(c plan.RunCounters) (bool, string) {
	if c.TokenBudget > 0 && c.TokensConsumed > c.TokenBudget {
		return true, "run token budget exceeded"
	}
	if c.WallclockBudget > 0 && c.WallclockConsumed > c.WallclockBudget {
		return true, "run wallclock budget exceeded"
	}
	return false, ""
}

func allComplete(phases []*plan.Phase) bool {
	for _, ph := range phases {
		if ph.State != plan.PhaseComplete {
			return false
		}
	}
	return true
}

// Abort asks the Runner to cancel runID's running or awaiting-approval
// phase workflow (best-effort: a cancel error is logged, not returned),
// appends an approval-resolved entry with reason enclosing-phase-terminated
// to that phase's decision trail, marks the phase failed and the run
// aborted. The cancel and the decision-trail entry run concurrently since
// neither depends on the other's result. Abort does not roll back the
// cancelled attempt's save point, and it does not cancel pending
// ApprovalRequests in the Approval Broker.
func (o *Orchestrator) Abort(ctx context.Context, runID string) error {
	r, err := o.Store.Load(ctx, runID)
	if err != nil {
		return fmt.Errorf("run: load: %w", err)
	}
	if r.State == plan.RunComplete || r.State == plan.RunFailed || r.State == plan.RunAborted {
		return nil
	}

	var runningPhase *plan.Phase
	for _, ph := range r.Phases {
		if ph.State == plan.PhaseRunning || ph.State == plan.PhaseAwaitingApproval {
			runningPhase = ph
			break
		}
	}

	if runningPhase != nil {
		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			return o.Runner.Cancel(gctx, runID, runningPhase.ID)
		})
		g.Go(func() error {
			runningPhase.DecisionTrail = append(runningPhase.DecisionTrail, plan.AuditEvent{
				Kind:   plan.AuditApprovalResolved,
				Detail: "enclosing-phase-terminated",
			})
			return nil
		})
		if err := g.Wait(); err != nil {
			o.Telemetry.Logger.Warn(ctx, "run abort: cancel phase workflow failed", "run", runID, "phase", runningPhase.ID, "err", err)
		}
		runningPhase.State = plan.PhaseFailed
	}

	r.State = plan.RunAborted
	return o.Store.Upsert(ctx, r)
}
