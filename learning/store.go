// Package learning implements the Learning Store (C6): retrieval of
// durable learned rules and run-scoped hints at phase start, and exposure
// of a promotion candidate list. The store is side-effect-free with
// respect to execution — it only supplies text appended to Builder/Auditor
// context (spec.md §4.6).
package learning

import (
	"context"
	"strings"

	"github.com/autopack-run/autopack/plan"
)

// Store is the Learning Store's contract. Two independent record kinds
// share it: durable LearnedRules (matched by scope against a phase's
// ScopePaths or failure categories) and ephemeral RunHints (matched by
// run-id and phase-id, including the wildcard phase-id "").
type Store interface {
	// RulesForPhase returns every learned rule whose scope matches any of
	// ph.ScopePaths or any category present in ph.ErrorHistory.
	RulesForPhase(ctx context.Context, ph *plan.Phase) ([]plan.LearnedRule, error)

	// HintsForPhase returns every run hint recorded for ph.Run scoped to
	// ph.ID, plus every wildcard-scope ("") hint recorded for ph.Run.
	HintsForPhase(ctx context.Context, ph *plan.Phase) ([]plan.RunHint, error)

	// RecordHint persists a run hint, incrementing its occurrence count if
	// an identical (run-id, phase-id, body) hint was already recorded.
	RecordHint(ctx context.Context, hint plan.RunHint) error

	// PromotionCandidates returns every run hint for runID that has been
	// recorded, unchanged, across at least minOccurrences attempts — spec
	// §4.6's promotion-eligibility list. Promotion itself is not automatic:
	// callers decide whether to turn a candidate into a LearnedRule.
	PromotionCandidates(ctx context.Context, runID string, minOccurrences int) ([]PromotionCandidate, error)

	// DiscardRun drops every run hint scoped to runID, called when the run
	// terminates (spec §3: "RunHints are run-scoped").
	DiscardRun(ctx context.Context, runID string) error

	// SaveRule persists rule as a durable, cross-run learned rule. Called
	// by the external process that applies a promotion candidate (spec
	// §4.6: "exposed as a candidate list that an external process ...
	// may apply").
	SaveRule(ctx context.Context, rule plan.LearnedRule) error
}

// PromotionCandidate pairs a run hint with the occurrence count that makes
// it eligible for promotion.
type PromotionCandidate struct {
	Hint            plan.RunHint
	OccurrenceCount int
}

// matchesScope reports whether a LearnedRule.Scope (a path prefix or a
// category tag) applies to ph. Path matching follows the same
// prefix-or-prefix+"/" convention workspace.Gateway uses for scope_paths,
// rather than a glob library not carried by any example in the corpus.
func matchesScope(scope string, ph *plan.Phase) bool {
	for _, sp := range ph.ScopePaths {
		if matchesPathPrefix(scope, sp) || matchesPathPrefix(sp, scope) {
			return true
		}
	}
	for _, rec := range ph.ErrorHistory {
		if string(rec.Category) == scope {
			return true
		}
	}
	return false
}

func matchesPathPrefix(prefix, path string) bool {
	return path == prefix || strings.HasPrefix(path, prefix+"/")
}
