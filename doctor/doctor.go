// Package doctor implements the Doctor (C7): the Phase Orchestrator's
// last-resort escalation path on repeated attempt failure. Eligible gates
// whether Doctor may run; Diagnose invokes a wrapped agent.DoctorAgent,
// labelling the result with a cheap or strong model tier per spec.md §4.7,
// and reports back one of a fixed five-action vocabulary.
//
// Grounded on governance's stateless Decide(ctx, Input, cfg) shape for the
// eligibility gate (same "all context arrives as arguments" contract, no
// engine-held state) and on agents/runtime/policy's wrapping of an external
// call behind a narrow interface for Diagnose.
package doctor

import (
	"context"
	"errors"
	"strings"

	"github.com/autopack-run/autopack/agent"
	"github.com/autopack-run/autopack/config"
	"github.com/autopack-run/autopack/plan"
)

// Ineligibility is the reason Eligible returned false, recorded in the
// phase's audit trail by the caller rather than by this package (Doctor
// holds no state of its own).
type Ineligibility string

const (
	IneligibleTactical        Ineligibility = "tactical-category-excluded"
	IneligibleTooFewAttempts  Ineligibility = "insufficient-same-category-attempts"
	IneligiblePhaseBudget     Ineligibility = "phase-doctor-budget-exhausted"
	IneligibleRunBudget       Ineligibility = "run-doctor-budget-exhausted"
	IneligibleHealthNearLimit Ineligibility = "run-health-budget-near-limit"
)

// EligibilityInput groups everything Eligible needs to evaluate spec
// §4.7 step 1's three-part rule plus step 5's tactical exclusion.
// Constructed by the Phase Orchestrator from the phase and run it already
// holds.
type EligibilityInput struct {
	Phase *plan.Phase
	Run   *plan.Run

	// Category is the failure category of the attempt that just failed.
	Category plan.FailureCategory

	// MaxAttemptsPerPhase is the phase's retry ceiling (config.Retry), used
	// only by the tactical exclusion rule.
	MaxAttemptsPerPhase int
}

// Eligible reports whether Doctor may be invoked for in, and if not, why.
func Eligible(in EligibilityInput, cfg config.Doctor) (bool, Ineligibility) {
	if plan.TacticalCategories[in.Category] && in.Phase.RetryAttempt < in.MaxAttemptsPerPhase {
		return false, IneligibleTactical
	}
	if in.Category != plan.FailureInfrastructure && sameCategoryStreak(in.Phase, in.Category) < cfg.MinAttemptsBeforeDoctor {
		return false, IneligibleTooFewAttempts
	}
	if countDoctorInvocations(in.Phase) >= cfg.MaxPerPhase {
		return false, IneligiblePhaseBudget
	}
	if in.Run.Counters.DoctorInvocations >= cfg.MaxPerRun {
		return false, IneligibleRunBudget
	}
	if in.Run.Counters.HealthRatio() >= cfg.NearLimitRatio {
		return false, IneligibleHealthNearLimit
	}
	return true, ""
}

func sameCategoryStreak(ph *plan.Phase, category plan.FailureCategory) int {
	streak := 0
	for i := len(ph.ErrorHistory) - 1; i >= 0; i-- {
		if ph.ErrorHistory[i].Category != category {
			break
		}
		streak++
	}
	return streak
}

// countDoctorInvocations counts only genuine Doctor calls. The Phase
// Orchestrator also records an AuditDoctorInvoked event (Detail prefixed
// "skipped:") when Eligible returns false, so the phase's audit trail
// retains a record of why Doctor was not consulted; those are bookkeeping,
// not usage, and must not count against cfg.MaxPerPhase.
func countDoctorInvocations(ph *plan.Phase) int {
	n := 0
	for _, ev := range ph.DecisionTrail {
		if ev.Kind == plan.AuditDoctorInvoked && !strings.HasPrefix(ev.Detail, "skipped:") {
			n++
		}
	}
	return n
}

// Doctor wraps an agent.DoctorAgent (spec §6 contract) the way
// agents/runtime/policy wraps its downstream calls: holding only
// configuration, never request-scoped state.
type Doctor struct {
	agent agent.DoctorAgent
	cfg   config.Doctor
}

// New builds a Doctor around the given DoctorAgent collaborator.
func New(a agent.DoctorAgent, cfg config.Doctor) *Doctor {
	return &Doctor{agent: a, cfg: cfg}
}

// DiagnoseInput groups the evidence and budget state Diagnose needs to both
// pick a model tier and assemble the EvidenceBundle.
type DiagnoseInput struct {
	Phase    *plan.Phase
	Run      *plan.Run
	Category plan.FailureCategory
	Evidence agent.EvidenceBundle
	// CheapConfidence, if >0, is the confidence a prior cheap-model call
	// already returned this attempt, used for the confidence-escalation
	// rule. Zero means no cheap call has been made yet.
	CheapConfidence float64
}

// Diagnose chooses a model tier per spec §4.7 step 3 and invokes the
// wrapped agent. A strong tier is downgraded to cheap, without an error, if
// the run has exhausted its strong-Doctor budget. When a cheap-tier response
// comes back under cfg.ConfidenceThreshold and strong budget remains, the
// agent is called a second time and that response is returned labelled
// TierStrong. The chosen tier is only recorded on the response:
// agent.DoctorAgent takes no tier argument, so the model a provider adapter
// uses is the adapter's own choice.
func (d *Doctor) Diagnose(ctx context.Context, in DiagnoseInput) (agent.DoctorResponse, error) {
	tier := d.selectTier(in)
	if tier == agent.TierStrong && in.Run.Counters.StrongDoctorCalls >= d.cfg.StrongMaxPerRun {
		tier = agent.TierCheap
	}

	evidence := in.Evidence
	resp, err := d.agent.Diagnose(ctx, evidence)
	if err != nil {
		return agent.DoctorResponse{}, err
	}
	resp.Tier = tier

	if tier == agent.TierCheap && resp.Confidence < d.cfg.ConfidenceThreshold && in.Run.Counters.StrongDoctorCalls < d.cfg.StrongMaxPerRun {
		strongResp, err := d.agent.Diagnose(ctx, evidence)
		if err != nil {
			return resp, nil // cheap result still stands; escalation failure is not fatal
		}
		strongResp.Tier = agent.TierStrong
		return strongResp, nil
	}
	return resp, nil
}

// selectTier implements spec §4.7 step 3's escalation conditions: high-risk
// failure category, builder-attempt-count ceiling, or low cheap-model
// confidence from a prior call this attempt.
func (d *Doctor) selectTier(in DiagnoseInput) agent.ModelTier {
	if plan.HighRiskCategories[in.Category] {
		return agent.TierStrong
	}
	if in.Evidence.BuilderAttempts >= d.cfg.MaxBuilderAttemptsBeforeComplex {
		return agent.TierStrong
	}
	if in.CheapConfidence > 0 && in.CheapConfidence < d.cfg.ConfidenceThreshold {
		return agent.TierStrong
	}
	return agent.TierCheap
}

// Validate checks that a DoctorResponse declares exactly one recognized
// action (spec §4.7 step 4), rejecting malformed collaborator output before
// the orchestrator acts on it.
func Validate(resp agent.DoctorResponse) error {
	switch resp.Action.Kind {
	case agent.ActionRetryWithFix:
		if resp.Action.Hint == "" {
			return errors.New("doctor: retry_with_fix requires a non-empty hint")
		}
	case agent.ActionReplan:
	case agent.ActionSkipPhase:
		if resp.Action.Reason == "" {
			return errors.New("doctor: skip_phase requires a non-empty reason")
		}
	case agent.ActionFatalError:
		if resp.Action.Reason == "" {
			return errors.New("doctor: fatal_error requires a non-empty reason")
		}
	case agent.ActionRollbackProvider:
		if resp.Action.ProviderID == "" {
			return errors.New("doctor: rollback_provider requires a non-empty provider id")
		}
	default:
		return errors.New("doctor: unrecognized action kind " + string(resp.Action.Kind))
	}
	if resp.Confidence < 0 || resp.Confidence > 1 {
		return errors.New("doctor: confidence must be in [0,1]")
	}
	return nil
}
