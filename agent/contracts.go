// Package agent defines the narrow interfaces the core uses to treat the
// Builder, Auditor, Doctor, and Re-plan LLM collaborators as external,
// replaceable components (spec.md §6). Only these contracts are visible to
// the orchestrator packages; provider wiring (Anthropic/OpenAI/Bedrock)
// lives in agent/anthropic, agent/openai, agent/bedrock and is never
// imported outside cmd/autopackd's composition root.
package agent

import (
	"context"
	"errors"

	"github.com/autopack-run/autopack/patch"
	"github.com/autopack-run/autopack/plan"
)

// ErrRateLimited is returned (optionally wrapped) by a Builder, Auditor,
// DoctorAgent or ReplanAgent implementation when the underlying provider
// signals a rate limit (HTTP 429 or equivalent). agent/ratelimit treats it
// as a backoff signal.
var ErrRateLimited = errors.New("agent: provider rate limited the request")

// ModelTier selects a model family for a collaborator invocation. The
// Phase Orchestrator and Doctor each maintain their own
// (complexity/escalation) -> ModelTier map; this package only names the
// resulting tier.
type ModelTier string

const (
	TierCheap     ModelTier = "cheap"
	TierMid       ModelTier = "mid"
	TierStrong    ModelTier = "strong"
	TierStrongest ModelTier = "strongest"
)

// TokenUsage mirrors the token accounting every collaborator call reports,
// fed into plan.RunCounters.TokensConsumed.
type TokenUsage struct {
	InputTokens  int
	OutputTokens int
	TotalTokens  int
}

// BuildRequest carries everything the Builder needs for one attempt (spec
// §4.10 step 3).
type BuildRequest struct {
	Goal               string
	AcceptanceCriteria []string
	ScopePaths         []string
	// Context maps path -> file content, already reduced to the per-attempt
	// token budget by the Phase Orchestrator (spec §4.10's context budget).
	Context      map[string]string
	LearnedRules []plan.LearnedRule
	Hints        []plan.RunHint
	DoctorHint   string // non-empty when the prior Doctor action was retry_with_fix
	Tier         ModelTier
}

// BuildResult is the Builder's response: a patch plus call metadata.
type BuildResult struct {
	Patch   patch.Patch
	ModelID string
	Usage   TokenUsage
}

// Builder produces code patches from a goal and scope (spec §6).
type Builder interface {
	Build(ctx context.Context, req BuildRequest) (BuildResult, error)
}

// QualityReport is the Auditor's structured risk/issue assessment, fed
// opaquely into the Governance Decider and Phase Finalizer (spec §4.10
// step 6).
type QualityReport struct {
	Issues  []QualityIssue
	ModelID string
	Usage   TokenUsage
}

// QualityIssue is one finding in a QualityReport.
type QualityIssue struct {
	Severity string
	Path     string
	Detail   string
}

// Auditor validates an applied patch and returns a risk assessment.
type Auditor interface {
	Audit(ctx context.Context, report *patch.ApplyReport, ph *plan.Phase) (QualityReport, error)
}

// EvidenceBundle is what the Phase Orchestrator assembles for a Doctor
// invocation (spec §4.7 step 2).
type EvidenceBundle struct {
	ErrorHistory     []plan.ErrorRecord
	LearnedRules     []plan.LearnedRule
	Hints            []plan.RunHint
	LastPatchSummary string
	LastTestDelta    *plan.DeltaReport
	BuilderAttempts  int
}

// DoctorActionKind is the fixed vocabulary a DoctorResponse must declare
// exactly one of (spec §4.7 step 4).
type DoctorActionKind string

const (
	ActionRetryWithFix     DoctorActionKind = "retry_with_fix"
	ActionReplan           DoctorActionKind = "replan"
	ActionSkipPhase        DoctorActionKind = "skip_phase"
	ActionFatalError       DoctorActionKind = "fatal_error"
	ActionRollbackProvider DoctorActionKind = "rollback_provider"
)

// DoctorAction is a tagged-variant response: exactly one of its payload
// fields is meaningful, selected by Kind.
type DoctorAction struct {
	Kind DoctorActionKind

	Hint       string // retry_with_fix
	Reason     string // skip_phase, fatal_error
	ProviderID string // rollback_provider
}

// DoctorResponse is the Doctor's diagnosis (spec §6: "diagnose(evidence) ->
// DoctorResponse ... carries confidence in [0,1]").
type DoctorResponse struct {
	Action     DoctorAction
	Confidence float64
	ModelID    string
	Tier       ModelTier
	Usage      TokenUsage
}

// DoctorAgent diagnoses a failing phase and proposes a remediation action.
type DoctorAgent interface {
	Diagnose(ctx context.Context, evidence EvidenceBundle) (DoctorResponse, error)
}

// RevisedPhase is the Re-plan agent's proposed revision (spec §4.8).
type RevisedPhase struct {
	Goal               string
	Deliverables       []string
	AcceptanceCriteria []string
	ScopePaths         []string
	Rationale          string
}

// ReplanResult is the Re-plan agent's response: either a revision or a
// refusal, never both (spec §6: "revise(...) -> RevisedPhase | Refuse").
type ReplanResult struct {
	Revised *RevisedPhase
	Refused bool
	Reason  string
}

// ReplanAgent proposes a goal-anchored revision of a phase whose approach
// has repeatedly failed.
type ReplanAgent interface {
	Revise(ctx context.Context, ph *plan.Phase, originalIntent string, errorHistory []plan.ErrorRecord) (ReplanResult, error)
}
