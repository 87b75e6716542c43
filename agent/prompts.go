package agent

import (
	"fmt"
	"sort"
	"strings"

	"github.com/autopack-run/autopack/patch"
	"github.com/autopack-run/autopack/plan"
)

// The RenderXPrompt functions build the user-turn text for each
// collaborator role from its typed request, shared across every provider
// adapter (anthropic/openai/bedrock) so prompt construction is written
// once rather than duplicated per provider package.

// RenderBuildPrompt renders a BuildRequest into the Builder's user prompt.
func RenderBuildPrompt(req BuildRequest) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Goal: %s\n", req.Goal)
	fmt.Fprintf(&b, "Acceptance criteria:\n")
	for _, c := range req.AcceptanceCriteria {
		fmt.Fprintf(&b, "- %s\n", c)
	}
	fmt.Fprintf(&b, "Scope paths: %s\n", strings.Join(req.ScopePaths, ", "))
	if req.DoctorHint != "" {
		fmt.Fprintf(&b, "Doctor hint from a prior failed attempt: %s\n", req.DoctorHint)
	}
	if len(req.LearnedRules) > 0 {
		fmt.Fprintf(&b, "Learned rules:\n")
		for _, r := range req.LearnedRules {
			fmt.Fprintf(&b, "- [%s] %s\n", r.Scope, r.Body)
		}
	}
	if len(req.Hints) > 0 {
		fmt.Fprintf(&b, "Run hints:\n")
		for _, h := range req.Hints {
			fmt.Fprintf(&b, "- %s\n", h.Body)
		}
	}
	if len(req.Context) > 0 {
		paths := make([]string, 0, len(req.Context))
		for p := range req.Context {
			paths = append(paths, p)
		}
		sort.Strings(paths)
		fmt.Fprintf(&b, "Context files:\n")
		for _, p := range paths {
			fmt.Fprintf(&b, "--- %s ---\n%s\n", p, req.Context[p])
		}
	}
	return b.String()
}

// RenderAuditPrompt renders an ApplyReport/Phase pair into the Auditor's
// user prompt.
func RenderAuditPrompt(report *patch.ApplyReport, ph *plan.Phase) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Phase goal: %s\n", ph.Goal)
	fmt.Fprintf(&b, "Created: %s\n", strings.Join(report.Created, ", "))
	fmt.Fprintf(&b, "Modified: %s\n", strings.Join(report.Modified, ", "))
	fmt.Fprintf(&b, "Deleted: %s\n", strings.Join(report.Deleted, ", "))
	fmt.Fprintf(&b, "Net lines: +%d -%d\n", report.LinesAdded, report.LinesDeleted)
	if len(report.Flags) > 0 {
		fmt.Fprintf(&b, "Patch Engine flags:\n")
		for _, f := range report.Flags {
			fmt.Fprintf(&b, "- %s: %s\n", f.Kind, f.Detail)
		}
	}
	return b.String()
}

// RenderDoctorPrompt renders an EvidenceBundle into the Doctor's user
// prompt.
func RenderDoctorPrompt(evidence EvidenceBundle) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Builder attempts so far: %d\n", evidence.BuilderAttempts)
	fmt.Fprintf(&b, "Error history (most recent last):\n")
	for _, e := range evidence.ErrorHistory {
		fmt.Fprintf(&b, "- [%s] %s\n", e.Category, e.Message)
	}
	if len(evidence.LearnedRules) > 0 {
		fmt.Fprintf(&b, "Learned rules:\n")
		for _, r := range evidence.LearnedRules {
			fmt.Fprintf(&b, "- [%s] %s\n", r.Scope, r.Body)
		}
	}
	if len(evidence.Hints) > 0 {
		fmt.Fprintf(&b, "Run hints:\n")
		for _, h := range evidence.Hints {
			fmt.Fprintf(&b, "- %s\n", h.Body)
		}
	}
	if evidence.LastPatchSummary != "" {
		fmt.Fprintf(&b, "Last patch summary: %s\n", evidence.LastPatchSummary)
	}
	if evidence.LastTestDelta != nil {
		fmt.Fprintf(&b, "Last test delta outcomes: %d recorded\n", len(evidence.LastTestDelta.Outcomes))
	}
	return b.String()
}

// RenderReplanPrompt renders a phase's re-plan context into the Re-plan
// agent's user prompt.
func RenderReplanPrompt(ph *plan.Phase, originalIntent string, errorHistory []plan.ErrorRecord) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Original intent (non-negotiable goal anchor): %s\n", originalIntent)
	fmt.Fprintf(&b, "Current goal: %s\n", ph.Goal)
	fmt.Fprintf(&b, "Current deliverables: %s\n", strings.Join(ph.Deliverables, ", "))
	fmt.Fprintf(&b, "Current acceptance criteria: %s\n", strings.Join(ph.AcceptanceCriteria, ", "))
	fmt.Fprintf(&b, "Current scope paths: %s\n", strings.Join(ph.ScopePaths, ", "))
	fmt.Fprintf(&b, "Recent failures:\n")
	for _, e := range errorHistory {
		fmt.Fprintf(&b, "- [%s] %s\n", e.Category, e.Message)
	}
	return b.String()
}
