// Package governance implements the Governance Decider (C4): a pure,
// stateless decision function over a prospective patch summary plus phase
// context. Grounded on the teacher's agents/runtime/policy package, whose
// Engine.Decide(ctx, Input) (Decision, error) shape is retargeted here
// from tool-allowlisting to patch governance — same contract: all context
// arrives as arguments, no engine-held state, rules evaluated in a fixed
// priority order.
package governance

import (
	"context"
	"strconv"

	"github.com/autopack-run/autopack/config"
	"github.com/autopack-run/autopack/patch"
	"github.com/autopack-run/autopack/plan"
)

// Verdict is the decider's output vocabulary (spec §4.4).
type Verdict string

const (
	VerdictAllow           Verdict = "allow"
	VerdictRequireApproval Verdict = "require-approval"
	VerdictDeny            Verdict = "deny"
)

// Reason enumerates the named reasons a require-approval or deny decision
// carries, matching the categories spec §4.4 and §4.5 name.
type Reason string

const (
	ReasonProtectedPath   Reason = "protected-path-violation"
	ReasonScopeException  Reason = "scope-exception"
	ReasonLargeDeletion   Reason = "large-deletion"
	ReasonHardDeletion    Reason = "hard-deletion-limit"
	ReasonStructuralDrift Reason = "structural-drift"
	ReasonSymbolDeletion  Reason = "symbol-deletion"
)

// Input groups everything the decider needs to evaluate one prospective
// patch application. Constructed by the Phase Orchestrator from the Patch
// Engine's classification/flag pass before any write commits.
type Input struct {
	Phase *plan.Phase

	// ProtectedPathViolation is true if any target path is protected and no
	// matching exception-token is currently granted for it.
	ProtectedPathViolation bool
	// ScopeViolation is true if any target path falls outside the phase's
	// scope_paths.
	ScopeViolation bool

	NetDeletedLines int
	Flags           []patch.Flag
}

// Decision is the decider's output: a Verdict plus the reason and severity
// (spec §4.4) recorded in the phase's audit trail.
type Decision struct {
	Verdict  Verdict
	Reason   Reason
	Severity plan.ApprovalKind
	Detail   string
}

// Decide evaluates the rules in spec §4.4's stated priority order — first
// match wins. The decider holds no state; cfg carries every threshold.
func Decide(_ context.Context, in Input, cfg config.Governance) Decision {
	if in.ProtectedPathViolation {
		return Decision{Verdict: VerdictDeny, Reason: ReasonProtectedPath}
	}
	if in.ScopeViolation {
		return Decision{Verdict: VerdictRequireApproval, Reason: ReasonScopeException, Severity: plan.ApprovalGovernanceException}
	}
	if in.NetDeletedLines > cfg.DeletionDenyThresholdLines {
		return Decision{Verdict: VerdictDeny, Reason: ReasonHardDeletion, Detail: lineCountDetail(in.NetDeletedLines)}
	}
	if in.NetDeletedLines >= cfg.DeletionApprovalThresholdLines {
		return Decision{Verdict: VerdictRequireApproval, Reason: ReasonLargeDeletion, Severity: plan.ApprovalDeletionThreshold, Detail: lineCountDetail(in.NetDeletedLines)}
	}
	if hasFlag(in.Flags, patch.FlagStructuralDrift) {
		return Decision{Verdict: VerdictRequireApproval, Reason: ReasonStructuralDrift, Severity: plan.ApprovalRiskyPatch}
	}
	if hasFlag(in.Flags, patch.FlagSymbolDeletion) {
		return Decision{Verdict: VerdictRequireApproval, Reason: ReasonSymbolDeletion, Severity: plan.ApprovalRiskyPatch}
	}
	return Decision{Verdict: VerdictAllow}
}

func hasFlag(flags []patch.Flag, kind patch.FlagKind) bool {
	for _, f := range flags {
		if f.Kind == kind {
			return true
		}
	}
	return false
}

func lineCountDetail(n int) string {
	return "net deletion " + strconv.Itoa(n) + " lines"
}
