// Package phase implements the Phase Orchestrator (C10) as a Temporal
// workflow: the per-phase retry/escalation state machine that composes
// the Builder/Auditor/Doctor/Re-plan external collaborators with the
// Patch Engine (C2), Governance Decider (C4), Test Runner (C3), and Phase
// Finalizer (C9). Grounded on the teacher's
// runtime/agent/engine/temporal.Engine pattern — workflow registration,
// one activity per suspension point, OTEL-instrumented worker — but
// retargeted from planner-turn semantics to phase-attempt semantics: a
// single long-running workflow per phase rather than a generic
// engine.WorkflowDefinition/ActivityDefinition abstraction pluggable
// across backends, since this module targets Temporal only (see
// DESIGN.md for why the teacher's multi-backend engine.Engine interface
// was not carried over).
package phase

import (
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	"github.com/autopack-run/autopack/agent"
	"github.com/autopack-run/autopack/config"
	"github.com/autopack-run/autopack/doctor"
	"github.com/autopack-run/autopack/finalizer"
	"github.com/autopack-run/autopack/governance"
	"github.com/autopack-run/autopack/patch"
	"github.com/autopack-run/autopack/plan"
	"github.com/autopack-run/autopack/replan"
)

// WorkflowName is the name under which PhaseWorkflow is registered with
// the Temporal worker.
const WorkflowName = "autopack.PhaseWorkflow"

// WorkflowInput carries everything the workflow needs on entry: the
// phase's durable state plus the run-scoped configuration and a
// best-effort snapshot of the run's cross-phase counters. The Run
// Orchestrator takes this snapshot when it starts the phase workflow;
// mid-flight changes from sibling phases are reconciled when it merges
// the returned WorkflowResult back into plan.Run.Counters (spec §4.11).
type WorkflowInput struct {
	Phase  *plan.Phase
	Config config.Config

	RunCounters  plan.RunCounters
	ReplanBudget replan.Budget
}

// WorkflowResult is returned to the Run Orchestrator on workflow
// completion: the final phase state plus the counter deltas the Run
// Orchestrator must fold into plan.Run.Counters (spec §4.11: "Run-level
// counters are updated after every external-agent invocation").
type WorkflowResult struct {
	Phase   *plan.Phase
	Outcome finalizer.Outcome

	TokensConsumed    int64
	DoctorInvocations int
	StrongDoctorCalls int
	Replans           int

	// DisabledProvider is set when a Doctor rollback_provider action fired;
	// the Run Orchestrator flips plan.Run.Providers[DisabledProvider] to
	// ProviderDisabled.
	DisabledProvider string
}

var codeToCategory = map[plan.Code]plan.FailureCategory{
	plan.PatchParseError:        plan.FailurePatchFormat,
	plan.ApplyConflict:          plan.FailureApplyConflict,
	plan.ProtectedPathViolation: plan.FailureProtectedPath,
	plan.ScopeViolation:         plan.FailureScopeViolation,
	plan.SymbolDeletion:         plan.FailureSymbolDeletion,
	plan.StructuralDrift:        plan.FailureStructuralDrift,
	plan.NewTestFailure:         plan.FailureNewTestFailures,
	plan.CollectionError:        plan.FailureCollectionError,
	plan.DeliverableMissing:     plan.FailureDeliverablesValidation,
	plan.GovernanceDenied:       plan.FailureGovernanceDenied,
}

func categoryFor(code plan.Code) plan.FailureCategory {
	if c, ok := codeToCategory[code]; ok {
		return c
	}
	return plan.FailureUnknown
}

func finalizerReasonCategory(reason finalizer.BlockReason) plan.FailureCategory {
	switch reason {
	case finalizer.ReasonMissingDeliverables:
		return plan.FailureDeliverablesValidation
	case finalizer.ReasonCollectionError:
		return plan.FailureCollectionError
	case finalizer.ReasonNewTestFailures:
		return plan.FailureNewTestFailures
	case finalizer.ReasonUnresolvedGovernance:
		return plan.FailureGovernanceDenied
	default:
		return plan.FailureUnknown
	}
}

// selectTier implements spec §4.10 step 2: tiers generally progress
// cheap -> mid -> strong -> strongest as escalation_level climbs, modulated
// by the phase's declared complexity (a high-complexity phase starts
// higher in the ladder).
func selectTier(complexity plan.Complexity, escalationLevel int) agent.ModelTier {
	base := 0
	switch complexity {
	case plan.ComplexityMedium:
		base = 1
	case plan.ComplexityHigh:
		base = 2
	}
	ladder := []agent.ModelTier{agent.TierCheap, agent.TierMid, agent.TierStrong, agent.TierStrongest}
	idx := base + escalationLevel
	if idx >= len(ladder) {
		idx = len(ladder) - 1
	}
	return ladder[idx]
}

// shouldEscalate reports whether the phase has exhausted its current
// tier's attempt budget and the next attempt should move up the ladder
// (spec §4.10: "increment escalation_level if the prior attempt was at or
// above its current tier's attempt budget, default 2 attempts per tier").
func shouldEscalate(retryAttempt int, cfg config.Retry) bool {
	perTier := cfg.AttemptsPerTier
	if perTier <= 0 {
		perTier = 2
	}
	return retryAttempt > 0 && retryAttempt%perTier == 0
}

func defaultActivityOptions() workflow.ActivityOptions {
	return workflow.ActivityOptions{
		StartToCloseTimeout: 2 * time.Minute,
		RetryPolicy: &temporal.RetryPolicy{
			InitialInterval:    time.Second,
			BackoffCoefficient: 2.0,
			MaximumInterval:    time.Minute,
			MaximumAttempts:    5,
		},
	}
}

// attemptState is the mutable bookkeeping PhaseWorkflow threads through
// its per-attempt loop; kept separate from WorkflowResult so the result
// only ever accumulates values the Run Orchestrator actually needs.
type attemptState struct {
	counters     plan.RunCounters
	replanBudget replan.Budget
	phaseReplans int
	doctorHint   string
}

// PhaseWorkflow is the Phase Orchestrator's per-attempt loop (spec
// §4.10). It runs deterministically: every side effect (Builder/Auditor/
// Doctor/Re-plan calls, patch application, test execution, approval
// waits, rollbacks) is delegated to an Activities method via
// workflow.ExecuteActivity, and the loop itself only branches on their
// results plus pure helpers (selectTier, governance.Decide, doctor.
// Eligible, replan.Detect/Validate).
func PhaseWorkflow(ctx workflow.Context, in WorkflowInput) (WorkflowResult, error) {
	ph := in.Phase
	ph.CaptureOriginalIntent()
	cfg := in.Config

	ctx = workflow.WithActivityOptions(ctx, defaultActivityOptions())
	longCtx := workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: time.Duration(cfg.Approval.TimeoutSeconds+60) * time.Second,
		HeartbeatTimeout:    30 * time.Second,
	})

	result := WorkflowResult{Phase: ph}
	st := &attemptState{counters: in.RunCounters, replanBudget: in.ReplanBudget}

	for {
		var lc LoadContextOutput
		if err := workflow.ExecuteActivity(ctx, ActivityLoadContext, LoadContextInput{Phase: ph}).Get(ctx, &lc); err != nil {
			return result, err
		}

		tier := selectTier(ph.Complexity, ph.EscalationLevel)

		var build BuildOutput
		buildIn := BuildInput{
			Phase:        ph,
			Tier:         tier,
			DoctorHint:   st.doctorHint,
			LearnedRules: lc.Rules,
			Hints:        lc.Hints,
			Context:      lc.Context,
		}
		if err := workflow.ExecuteActivity(ctx, ActivityBuild, buildIn).Get(ctx, &build); err != nil {
			return result, err
		}
		st.doctorHint = ""
		st.counters.TokensConsumed += int64(build.Usage.TotalTokens)
		result.TokensConsumed += int64(build.Usage.TotalTokens)

		outcome, category, rawMessage, savePointID, err := runAttempt(ctx, longCtx, ph, build.Patch, cfg, &result, st)
		if err != nil {
			return result, err
		}
		if outcome == finalizer.OutcomeComplete {
			ph.State = plan.PhaseComplete
			result.Outcome = outcome
			return result, nil
		}

		ph.RetryAttempt++
		now := workflow.Now(ctx)
		ph.ErrorHistory = append(ph.ErrorHistory, plan.ErrorRecord{
			Category:   category,
			Message:    replan.Normalize(rawMessage),
			RawMessage: rawMessage,
			Timestamp:  now,
		})

		handled, err := consultReplan(ctx, ph, cfg, st, &result)
		if err != nil {
			return result, err
		}
		if handled {
			continue
		}

		terminal, hint, err := consultDoctor(ctx, ph, cfg, st, &result)
		if err != nil {
			return result, err
		}
		st.doctorHint = hint
		if terminal != "" {
			ph.State = terminal
			result.Outcome = finalizer.OutcomeFailed
			return result, nil
		}

		if st.doctorHint == "" {
			if shouldEscalate(ph.RetryAttempt, cfg.Retry) {
				ph.EscalationLevel++
			}
			if savePointID != "" {
				_ = workflow.ExecuteActivity(ctx, ActivityRollback, RollbackInput{SavePointID: savePointID}).Get(ctx, nil)
				ph.DecisionTrail = append(ph.DecisionTrail, plan.AuditEvent{Kind: plan.AuditRollback, Reference: savePointID})
			}
		}

		if ph.RetryAttempt >= cfg.Retry.MaxAttemptsPerPhase {
			ph.State = plan.PhaseFailed
			result.Outcome = finalizer.OutcomeFailed
			return result, nil
		}
	}
}

// runAttempt performs steps 5-8 of spec §4.10's per-attempt procedure:
// apply the patch, route governance-relevant outcomes, audit, test, and
// finalize. It returns the finalizer outcome (OutcomeComplete ends the
// phase) plus, on a non-complete outcome, the failure category and raw
// message to append to error_history.
func runAttempt(ctx, longCtx workflow.Context, ph *plan.Phase, p patch.Patch, cfg config.Config, result *WorkflowResult, st *attemptState) (finalizer.Outcome, plan.FailureCategory, string, string, error) {
	var apply ApplyPatchOutput
	applyIn := ApplyPatchInput{Phase: ph, Patch: p, Attempt: ph.RetryAttempt}
	if err := workflow.ExecuteActivity(ctx, ActivityApplyPatch, applyIn).Get(ctx, &apply); err != nil {
		return finalizer.OutcomeFailed, plan.FailureInfrastructure, err.Error(), "", err
	}

	if apply.Failure != nil {
		code := apply.Failure.Code
		if code == plan.ProtectedPathViolation || code == plan.ScopeViolation {
			decision := governance.Decide(nil, governance.Input{
				Phase:                  ph,
				ProtectedPathViolation: code == plan.ProtectedPathViolation,
				ScopeViolation:         code == plan.ScopeViolation,
			}, cfg.Governance)
			recordGovernanceDecision(ph, decision)
			if decision.Verdict == governance.VerdictRequireApproval {
				approved, err := awaitApproval(longCtx, ph, decision, apply.Failure.Path)
				if err != nil {
					return finalizer.OutcomeFailed, plan.FailureInfrastructure, err.Error(), "", err
				}
				if approved {
					return finalizer.OutcomeBlocked, plan.FailureScopeViolation, "scope exception granted, attempt must be rebuilt", "", nil
				}
			}
			return finalizer.OutcomeBlocked, plan.FailureGovernanceDenied, apply.Failure.Message, "", nil
		}
		return finalizer.OutcomeBlocked, categoryFor(code), apply.Failure.Message, "", nil
	}

	report := apply.Report
	if len(report.Flags) > 0 || report.NetDeletedLines() > 0 {
		decision := governance.Decide(nil, governance.Input{
			Phase:           ph,
			NetDeletedLines: report.NetDeletedLines(),
			Flags:           report.Flags,
		}, cfg.Governance)
		recordGovernanceDecision(ph, decision)
		switch decision.Verdict {
		case governance.VerdictDeny:
			_ = workflow.ExecuteActivity(ctx, ActivityRollback, RollbackInput{SavePointID: report.SavePointID}).Get(ctx, nil)
			return finalizer.OutcomeBlocked, plan.FailureGovernanceDenied, string(decision.Reason), "", nil
		case governance.VerdictRequireApproval:
			approved, err := awaitApproval(longCtx, ph, decision, "")
			if err != nil {
				return finalizer.OutcomeFailed, plan.FailureInfrastructure, err.Error(), "", err
			}
			if !approved {
				_ = workflow.ExecuteActivity(ctx, ActivityRollback, RollbackInput{SavePointID: report.SavePointID}).Get(ctx, nil)
				return finalizer.OutcomeBlocked, plan.FailureGovernanceDenied, string(decision.Reason), "", nil
			}
		}
	}

	var audit AuditOutput
	if err := workflow.ExecuteActivity(ctx, ActivityAudit, AuditInput{Phase: ph, Report: report}).Get(ctx, &audit); err != nil {
		return finalizer.OutcomeFailed, plan.FailureInfrastructure, err.Error(), "", err
	}
	result.TokensConsumed += int64(audit.Usage.TotalTokens)
	st.counters.TokensConsumed += int64(audit.Usage.TotalTokens)

	var tests RunTestsOutput
	if err := workflow.ExecuteActivity(ctx, ActivityRunTests, RunTestsInput{Phase: ph}).Get(ctx, &tests); err != nil {
		return finalizer.OutcomeFailed, plan.FailureInfrastructure, err.Error(), "", err
	}

	var fin FinalizeOutput
	finIn := FinalizeInput{
		Phase:  ph,
		Report: report,
		Delta:  tests.Delta,
		Quality: finalizer.QualityFlags{
			RequiresApproval: audit.RequiresApproval,
			ApprovalResolved: true,
		},
	}
	if err := workflow.ExecuteActivity(ctx, ActivityFinalize, finIn).Get(ctx, &fin); err != nil {
		return finalizer.OutcomeFailed, plan.FailureInfrastructure, err.Error(), "", err
	}
	if fin.Result.Outcome == finalizer.OutcomeComplete {
		return finalizer.OutcomeComplete, "", "", "", nil
	}
	return fin.Result.Outcome, finalizerReasonCategory(fin.Result.Reason), string(fin.Result.Reason), report.SavePointID, nil
}

func recordGovernanceDecision(ph *plan.Phase, d governance.Decision) {
	ph.DecisionTrail = append(ph.DecisionTrail, plan.AuditEvent{
		Kind:   plan.AuditGovernanceDecision,
		Detail: string(d.Verdict) + ":" + string(d.Reason),
	})
}

// awaitApproval requests human approval for a governance decision and
// waits, via a long-timeout activity backed by approval.Broker.Request's
// own blocking semantics, for its resolution. A single activity call is
// a valid realization of spec §4.5's "suspend the attempt until
// resolved": Broker.Request already blocks on a Redis subscription
// internally, so the activity's duration IS the suspension, with no
// separate workflow-level signal channel required.
func awaitApproval(ctx workflow.Context, ph *plan.Phase, d governance.Decision, path string) (bool, error) {
	ph.DecisionTrail = append(ph.DecisionTrail, plan.AuditEvent{Kind: plan.AuditApprovalRequested, Detail: string(d.Reason)})
	ph.State = plan.PhaseAwaitingApproval
	var out RequestApprovalOutput
	in := RequestApprovalInput{
		Phase:  ph,
		Kind:   d.Severity,
		Detail: d.Detail,
		Path:   path,
	}
	err := workflow.ExecuteActivity(ctx, ActivityRequestApproval, in).Get(ctx, &out)
	ph.State = plan.PhaseRunning
	if err != nil {
		return false, err
	}
	ph.DecisionTrail = append(ph.DecisionTrail, plan.AuditEvent{
		Kind:      plan.AuditApprovalResolved,
		Reference: out.Request.RequestID,
		Detail:    string(out.Request.Status),
	})
	return out.Request.Status == plan.ApprovalApproved, nil
}

// consultReplan implements the re-plan half of spec §4.10's retry
// decision: if C8 triggers and the revision is accepted, retry_attempt
// resets (as does escalation_level when cfg.Replan.ResetsEscalationLevel
// is set) and the loop continues with the revised phase.
func consultReplan(ctx workflow.Context, ph *plan.Phase, cfg config.Config, st *attemptState, result *WorkflowResult) (bool, error) {
	trigger, _ := replan.Detect(ph, cfg.Replan)
	if !trigger || !st.replanBudget.Allowed(cfg.Replan) || st.phaseReplans >= cfg.Replan.MaxReplansPerPhase {
		return false, nil
	}

	var out ReplanOutput
	in := ReplanInput{Phase: ph, OriginalIntent: ph.OriginalIntent, ErrorHistory: ph.ErrorHistory}
	if err := workflow.ExecuteActivity(ctx, ActivityReplan, in).Get(ctx, &out); err != nil {
		return false, err
	}
	result.Replans++
	st.replanBudget.RunReplans++
	st.phaseReplans++

	if out.Result.Refused || out.Result.Revised == nil {
		ph.DecisionTrail = append(ph.DecisionTrail, plan.AuditEvent{Kind: plan.AuditReplanRejected, Detail: out.Result.Reason})
		return false, nil
	}

	ok, reason := replan.Validate(replan.RevisionInput{
		OriginalIntent:       ph.OriginalIntent,
		OriginalDeliverables: ph.Deliverables,
		OriginalScopePaths:   ph.ScopePaths,
		Proposed:             out.Result.Revised,
	}, cfg.Replan)
	if !ok {
		ph.DecisionTrail = append(ph.DecisionTrail, plan.AuditEvent{Kind: plan.AuditReplanRejected, Detail: string(reason)})
		return false, nil
	}

	ph.Goal = out.Result.Revised.Goal
	ph.Deliverables = out.Result.Revised.Deliverables
	ph.AcceptanceCriteria = out.Result.Revised.AcceptanceCriteria
	ph.ScopePaths = out.Result.Revised.ScopePaths
	ph.RetryAttempt = 0
	if cfg.Replan.ResetsEscalationLevel {
		ph.EscalationLevel = 0
	}
	ph.DecisionTrail = append(ph.DecisionTrail, plan.AuditEvent{Kind: plan.AuditReplanAccepted, Detail: out.Result.Revised.Rationale})
	return true, nil
}

// consultDoctor implements the Doctor half of spec §4.10's retry decision
// (spec §4.7's eligibility rules gate the call). Returns a non-empty
// terminal phase state when Doctor issues skip_phase or fatal_error.
func consultDoctor(ctx workflow.Context, ph *plan.Phase, cfg config.Config, st *attemptState, result *WorkflowResult) (plan.PhaseState, string, error) {
	last := ph.ErrorHistory[len(ph.ErrorHistory)-1]
	run := &plan.Run{Counters: st.counters}
	elig, reason := doctor.Eligible(doctor.EligibilityInput{
		Phase:               ph,
		Run:                 run,
		Category:            last.Category,
		MaxAttemptsPerPhase: cfg.Retry.MaxAttemptsPerPhase,
	}, cfg.Doctor)
	if !elig {
		ph.DecisionTrail = append(ph.DecisionTrail, plan.AuditEvent{Kind: plan.AuditDoctorInvoked, Detail: "skipped:" + string(reason)})
		return "", "", nil
	}

	var out DiagnoseOutput
	in := DiagnoseInput{Phase: ph, Category: last.Category, ErrorHistory: ph.ErrorHistory, RunCounters: st.counters}
	if err := workflow.ExecuteActivity(ctx, ActivityDiagnose, in).Get(ctx, &out); err != nil {
		return "", "", err
	}
	st.counters.DoctorInvocations++
	result.DoctorInvocations++
	if out.Response.Tier == agent.TierStrong || out.Response.Tier == agent.TierStrongest {
		st.counters.StrongDoctorCalls++
		result.StrongDoctorCalls++
	}
	ph.DecisionTrail = append(ph.DecisionTrail, plan.AuditEvent{
		Kind:   plan.AuditDoctorInvoked,
		Detail: string(out.Response.Action.Kind) + ":" + out.Response.Action.Reason,
	})

	switch out.Response.Action.Kind {
	case agent.ActionRetryWithFix:
		return "", out.Response.Action.Hint, nil
	case agent.ActionSkipPhase:
		return plan.PhaseBlocked, "", nil
	case agent.ActionFatalError:
		return plan.PhaseFailed, "", nil
	case agent.ActionRollbackProvider:
		result.DisabledProvider = out.Response.Action.ProviderID
		return "", "", nil
	default:
		return "", "", nil
	}
}
