// Package replan implements the Re-plan Trigger (C8): pattern-detection of
// an "approach flaw" across consecutive failures (spec.md §4.8), plus
// validation of a proposed revision against its phase's original_intent
// goal anchor. Detect is a pure function in the governance.Decide mold; the
// goal-anchored acceptance check is likewise pure, leaving the external
// ReplanAgent call itself (agent.ReplanAgent) to the Phase Orchestrator.
package replan

import (
	"regexp"
	"strings"

	"github.com/pmezard/go-difflib/difflib"

	"github.com/autopack-run/autopack/agent"
	"github.com/autopack-run/autopack/config"
	"github.com/autopack-run/autopack/plan"
)

// TriggerReason names why a re-plan was triggered, recorded in the phase's
// audit trail by the caller.
type TriggerReason string

const (
	TriggerApproachFlaw TriggerReason = "approach-flaw-detected"
	TriggerFatalType    TriggerReason = "fatal-error-type"
	TriggerDoctor       TriggerReason = "doctor-requested"
)

// Detect evaluates spec §4.8's pattern-detection path over a phase's
// error_history, which must already include the just-appended failure.
// It returns (true, reason) the moment either condition fires: a
// configured fatal_error_type on first occurrence, or the last
// cfg.MinConsecutive entries sharing category and normalized-message
// similarity at or above cfg.SimilarityThreshold.
func Detect(ph *plan.Phase, cfg config.Replan) (bool, TriggerReason) {
	if n := len(ph.ErrorHistory); n > 0 {
		last := ph.ErrorHistory[n-1]
		for _, t := range cfg.FatalErrorTypes {
			if string(last.Category) == t {
				return true, TriggerFatalType
			}
		}
	}
	if approachFlaw(ph.ErrorHistory, cfg) {
		return true, TriggerApproachFlaw
	}
	return false, ""
}

func approachFlaw(history []plan.ErrorRecord, cfg config.Replan) bool {
	k := cfg.MinConsecutive
	if k <= 0 {
		k = 2
	}
	if len(history) < k {
		return false
	}
	window := history[len(history)-k:]
	category := window[0].Category
	for i := 1; i < len(window); i++ {
		if window[i].Category != category {
			return false
		}
	}
	for i := 1; i < len(window); i++ {
		if Similarity(window[0].Message, window[i].Message) < cfg.SimilarityThreshold {
			return false
		}
	}
	return true
}

var (
	absolutePathPattern = regexp.MustCompile(`(?:/[\w.\-]+){2,}`)
	lineNumberPattern   = regexp.MustCompile(`\bline\s+\d+\b|:\d+:\d+|:\d+\b`)
	timestampPattern    = regexp.MustCompile(`\d{4}-\d{2}-\d{2}[T ]\d{2}:\d{2}:\d{2}(?:\.\d+)?(?:Z|[+-]\d{2}:?\d{2})?`)
	pidPattern          = regexp.MustCompile(`\bpid[\s=:]+\d+\b`)
)

// Normalize applies spec §4.8's normalization rules — strip absolute
// paths, line numbers, timestamps, and process IDs, then lowercase — ahead
// of similarity comparison. Built on stdlib regexp rather than an
// ecosystem template/sanitizer library: no example in the corpus carries
// one, and the rule set is a small fixed list of literal substitutions, not
// a general-purpose redaction concern.
func Normalize(msg string) string {
	msg = absolutePathPattern.ReplaceAllString(msg, "[PATH]")
	msg = timestampPattern.ReplaceAllString(msg, "[T]")
	msg = lineNumberPattern.ReplaceAllString(msg, "[N]")
	msg = pidPattern.ReplaceAllString(msg, "pid [N]")
	return strings.ToLower(msg)
}

// Similarity returns a character-level similarity ratio in [0,1] between
// two normalized messages, via go-difflib's SequenceMatcher — the same
// Ratcliff/Obershelp longest-matching-block algorithm Python's difflib
// uses, already present in the module graph (pulled in by testify) and the
// closest ecosystem match to spec §4.8's "longest-common-subsequence-based
// ratio" wording without requiring embeddings.
func Similarity(a, b string) float64 {
	a, b = Normalize(a), Normalize(b)
	matcher := difflib.NewMatcher(splitChars(a), splitChars(b))
	return matcher.Ratio()
}

func splitChars(s string) []string {
	runes := []rune(s)
	out := make([]string, len(runes))
	for i, r := range runes {
		out[i] = string(r)
	}
	return out
}

// RevisionInput groups what Validate needs to accept or reject a proposed
// revision (spec §4.8's hard constraints).
type RevisionInput struct {
	OriginalIntent       string
	OriginalDeliverables []string
	OriginalScopePaths   []string
	Proposed             *agent.RevisedPhase
}

// RejectReason names why Validate rejected a proposed revision.
type RejectReason string

const (
	RejectScopeNarrowed      RejectReason = "scope-narrowed"
	RejectDeliverableDropped RejectReason = "deliverable-dropped"
	RejectAcceptanceDropped  RejectReason = "acceptance-criteria-dropped"
	RejectIntentDrift        RejectReason = "goal-anchor-similarity-too-low"
)

// Validate accepts or rejects a proposed revision: scope paths and
// deliverables must not narrow, acceptance criteria must not be empty, and
// the revised Goal must reach cfg.SimilarityThreshold against
// original_intent for the post-revision check (spec §4.8: "A
// post-revision check compares the proposed description against
// original_intent"). That check reuses the same configured
// similarity_threshold the pattern-detection path uses, rather than
// introducing a second tunable the spec does not name.
func Validate(in RevisionInput, cfg config.Replan) (bool, RejectReason) {
	p := in.Proposed
	if !supersetOf(in.OriginalScopePaths, p.ScopePaths) {
		return false, RejectScopeNarrowed
	}
	if !supersetOf(in.OriginalDeliverables, p.Deliverables) {
		return false, RejectDeliverableDropped
	}
	if len(p.AcceptanceCriteria) == 0 {
		return false, RejectAcceptanceDropped
	}
	if Similarity(in.OriginalIntent, p.Goal) < cfg.SimilarityThreshold {
		return false, RejectIntentDrift
	}
	return true, ""
}

// supersetOf reports whether every element of required is present in
// proposed — the revised phase's deliverables set must not drop anything
// from the original (spec §4.8: "must not narrow scope, drop deliverables
// ... deliverables set inclusion").
func supersetOf(required, proposed []string) bool {
	set := make(map[string]bool, len(proposed))
	for _, d := range proposed {
		set[d] = true
	}
	for _, d := range required {
		if !set[d] {
			return false
		}
	}
	return true
}

// Budget tracks the per-phase/per-run replan counters spec §4.8 caps
// (max_replans_per_phase default 1, max_replans_per_run default 5).
type Budget struct {
	PhaseReplans int
	RunReplans   int
}

// Allowed reports whether another re-plan may be accepted under cfg's
// budgets.
func (b Budget) Allowed(cfg config.Replan) bool {
	return b.PhaseReplans < cfg.MaxReplansPerPhase && b.RunReplans < cfg.MaxReplansPerRun
}
