// Package finalizer implements the Phase Finalizer (C9): the authoritative
// completion gate a Phase Orchestrator attempt passes through after patch
// application, audit, and test delta classification (spec.md §4.9). Like
// governance.Decide and doctor.Eligible, Finalize is a pure function over
// its Input — no state, first-failing-check-wins ordering.
package finalizer

import (
	"github.com/autopack-run/autopack/patch"
	"github.com/autopack-run/autopack/plan"
)

// Outcome is the finalizer's three-way verdict (spec §4.9).
type Outcome string

const (
	OutcomeComplete Outcome = "COMPLETE"
	OutcomeBlocked  Outcome = "BLOCKED"
	OutcomeFailed   Outcome = "FAILED"
)

// BlockReason enumerates the named reasons a BLOCKED verdict carries.
type BlockReason string

const (
	ReasonMissingDeliverables  BlockReason = "missing-deliverables"
	ReasonCollectionError      BlockReason = "collection-error"
	ReasonNewTestFailures      BlockReason = "new-test-failures"
	ReasonUnresolvedGovernance BlockReason = "unresolved-governance"
)

// Existence checks whether a deliverable path is present in the workspace,
// narrowed from *workspace.Gateway so Finalize stays a pure function
// testable without a real working tree.
type Existence interface {
	Exists(path string) bool
}

// Input groups spec §4.9's four inputs: the ApplyReport, the DeltaReport,
// a governance-flags summary, and the phase specification.
type Input struct {
	Phase   *plan.Phase
	Report  *patch.ApplyReport
	Delta   *plan.DeltaReport
	Quality QualityFlags
	FS      Existence
}

// QualityFlags is the "simple struct summarizing risk flags from C4" spec
// §4.9 names as the finalizer's third input: whether the Governance
// Decider required approval for this attempt, and whether that approval
// has since resolved. An attempt that is still pending approval should
// never reach Finalize (the Phase Orchestrator suspends it at the
// governance step per spec §4.10 step 5); this flag exists as the
// finalizer's own defense-in-depth check, not the primary gate.
type QualityFlags struct {
	RequiresApproval bool
	ApprovalResolved bool
}

// Result is Finalize's verdict plus the detail spec §4.9 requires for a
// non-COMPLETE outcome.
type Result struct {
	Outcome Outcome
	Reason  BlockReason
	Paths   []string // missing deliverables or offending test/package ids
}

// Finalize evaluates spec §4.9's decision procedure in its stated order:
// deliverable existence, collection errors, new test failures, unresolved
// governance, else COMPLETE.
func Finalize(in Input) Result {
	if missing := missingDeliverables(in.Phase.Deliverables, in.FS); len(missing) > 0 {
		return Result{Outcome: OutcomeBlocked, Reason: ReasonMissingDeliverables, Paths: missing}
	}
	if ids := withOutcome(in.Delta, plan.OutcomeCollectionError); len(ids) > 0 {
		return Result{Outcome: OutcomeBlocked, Reason: ReasonCollectionError, Paths: ids}
	}
	if ids := withOutcome(in.Delta, plan.OutcomeNewFail); len(ids) > 0 {
		return Result{Outcome: OutcomeBlocked, Reason: ReasonNewTestFailures, Paths: ids}
	}
	if in.Quality.RequiresApproval && !in.Quality.ApprovalResolved {
		return Result{Outcome: OutcomeBlocked, Reason: ReasonUnresolvedGovernance}
	}
	return Result{Outcome: OutcomeComplete}
}

func missingDeliverables(deliverables []string, fs Existence) []string {
	var missing []string
	for _, path := range deliverables {
		if !fs.Exists(path) {
			missing = append(missing, path)
		}
	}
	return missing
}

func withOutcome(delta *plan.DeltaReport, outcome plan.DeltaOutcome) []string {
	if delta == nil {
		return nil
	}
	var ids []string
	for id, o := range delta.Outcomes {
		if o == outcome {
			ids = append(ids, id)
		}
	}
	return ids
}
