package phase

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/autopack-run/autopack/agent"
	"github.com/autopack-run/autopack/approval"
	"github.com/autopack-run/autopack/config"
	"github.com/autopack-run/autopack/doctor"
	"github.com/autopack-run/autopack/finalizer"
	"github.com/autopack-run/autopack/ids"
	"github.com/autopack-run/autopack/learning"
	"github.com/autopack-run/autopack/patch"
	"github.com/autopack-run/autopack/plan"
	"github.com/autopack-run/autopack/testrun"
	"github.com/autopack-run/autopack/workspace"
)

// Activity names, registered against the Temporal worker alongside
// Activities' methods. Named as constants (rather than relying on
// reflection-derived function names) so PhaseWorkflow's
// workflow.ExecuteActivity calls and the worker's RegisterActivityWithOptions
// calls can never drift apart silently.
const (
	ActivityLoadContext     = "autopack.LoadContext"
	ActivityBuild            = "autopack.Build"
	ActivityApplyPatch       = "autopack.ApplyPatch"
	ActivityAudit            = "autopack.Audit"
	ActivityRunTests         = "autopack.RunTests"
	ActivityFinalize         = "autopack.Finalize"
	ActivityDiagnose         = "autopack.Diagnose"
	ActivityReplan           = "autopack.Replan"
	ActivityRequestApproval  = "autopack.RequestApproval"
	ActivityRollback         = "autopack.Rollback"
)

// PhaseStateStore lets RequestApproval persist the phase's "awaiting
// approval" state (spec.md §6's externally-queryable state enum) for the
// duration of the suspension, independent of the Run Orchestrator's own
// Upsert, which only runs before a phase is dispatched and after its
// workflow returns — neither of which covers the window a phase spends
// blocked inside this one activity call.
type PhaseStateStore interface {
	UpdatePhaseState(ctx context.Context, runID, phaseID string, state plan.PhaseState) error
}

// Activities groups every I/O-bound collaborator the Phase Orchestrator
// calls out to, one method per suspension point named in spec.md §4.10.
// A single instance is constructed in cmd/autopackd's composition root and
// its methods registered with the Temporal worker, mirroring the teacher's
// pattern of a single activities struct wrapping the concrete clients a
// workflow needs.
type Activities struct {
	Learning    learning.Store
	Builder     agent.Builder
	Auditor     agent.Auditor
	Doctor      *doctor.Doctor
	ReplanAgent agent.ReplanAgent
	PatchEngine *patch.Engine
	Workspace   *workspace.Gateway
	TestRunner  *testrun.Runner
	Approval    *approval.Broker
	PhaseState  PhaseStateStore
	Config      config.Config
}

// LoadContextInput/Output implement spec §4.10 step 1: learned rules,
// run hints, and a token-budgeted slice of scope-path file contents.
type LoadContextInput struct {
	Phase *plan.Phase
}

type LoadContextOutput struct {
	Rules   []plan.LearnedRule
	Hints   []plan.RunHint
	Context map[string]string
}

// LoadContext assembles the Builder's input context. Priority order
// follows spec §4.10's context-budget rule: deliverables first, then the
// remaining scope_paths ordered by size (smallest first, so more distinct
// files fit before the budget is exhausted) when the full set would not
// fit within TokenBudgetPerAttempt. Token count is approximated as
// bytes/4, the same rough estimator providers publish for English source
// text; an exact tokenizer is not worth the dependency for a soft budget.
func (a *Activities) LoadContext(ctx context.Context, in LoadContextInput) (LoadContextOutput, error) {
	ph := in.Phase
	rules, err := a.Learning.RulesForPhase(ctx, ph)
	if err != nil {
		return LoadContextOutput{}, err
	}
	hints, err := a.Learning.HintsForPhase(ctx, ph)
	if err != nil {
		return LoadContextOutput{}, err
	}

	budget := a.Config.Context.TokenBudgetPerAttempt
	files := make(map[string]string)
	spent := 0

	ordered := make([]string, 0, len(ph.Deliverables)+len(ph.ScopePaths))
	ordered = append(ordered, ph.Deliverables...)
	rest := make([]string, 0, len(ph.ScopePaths))
	for _, p := range ph.ScopePaths {
		if !contains(ph.Deliverables, p) {
			rest = append(rest, p)
		}
	}
	size := make(map[string]int, len(rest))
	for _, p := range rest {
		if data, err := a.Workspace.Read(p); err == nil {
			size[p] = len(data)
		}
	}
	sort.SliceStable(rest, func(i, j int) bool { return size[rest[i]] < size[rest[j]] })
	ordered = append(ordered, rest...)

	for _, path := range ordered {
		if !a.Workspace.Exists(path) {
			continue
		}
		data, err := a.Workspace.Read(path)
		if err != nil {
			continue
		}
		cost := len(data) / 4
		if budget > 0 && spent+cost > budget {
			continue
		}
		files[path] = string(data)
		spent += cost
	}

	return LoadContextOutput{Rules: rules, Hints: hints, Context: files}, nil
}

func contains(ss []string, s string) bool {
	for _, v := range ss {
		if v == s {
			return true
		}
	}
	return false
}

// BuildInput/Output wrap agent.Builder's contract (spec §4.10 step 3).
type BuildInput struct {
	Phase        *plan.Phase
	Tier         agent.ModelTier
	DoctorHint   string
	LearnedRules []plan.LearnedRule
	Hints        []plan.RunHint
	Context      map[string]string
}

type BuildOutput struct {
	Patch   patch.Patch
	ModelID string
	Usage   agent.TokenUsage
}

// Build invokes the Builder collaborator.
func (a *Activities) Build(ctx context.Context, in BuildInput) (BuildOutput, error) {
	ph := in.Phase
	res, err := a.Builder.Build(ctx, agent.BuildRequest{
		Goal:               ph.Goal,
		AcceptanceCriteria: ph.AcceptanceCriteria,
		ScopePaths:         ph.ScopePaths,
		Context:            in.Context,
		LearnedRules:       in.LearnedRules,
		Hints:              in.Hints,
		DoctorHint:         in.DoctorHint,
		Tier:               in.Tier,
	})
	if err != nil {
		return BuildOutput{}, plan.Wrap(plan.AgentProviderError, "builder invocation failed", err)
	}
	return BuildOutput{Patch: res.Patch, ModelID: res.ModelID, Usage: res.Usage}, nil
}

// ApplyPatchInput/Output wrap patch.Engine.Apply (spec §4.10 step 4: "pass
// the patch through the Patch Engine"). Failure is populated, rather than
// the method returning a Go error, whenever Apply reports a KindPatch or
// KindGovernance *plan.Error (spec.md §7: these are recovered locally by
// the Phase Orchestrator's own retry logic, not Temporal's RetryPolicy).
// A true Go error here means something lower-level went wrong
// (KindInfrastructure, e.g. the workspace gateway's git plumbing), which
// Temporal should retry with backoff.
type ApplyPatchInput struct {
	Phase   *plan.Phase
	Patch   patch.Patch
	Attempt int
}

type ApplyPatchOutput struct {
	Report  *patch.ApplyReport
	Failure *plan.Error
}

func (a *Activities) ApplyPatch(ctx context.Context, in ApplyPatchInput) (ApplyPatchOutput, error) {
	report, err := a.PatchEngine.Apply(ctx, in.Phase, in.Patch, in.Attempt)
	if err != nil {
		var pe *plan.Error
		if errors.As(err, &pe) && pe.Code.Kind() != plan.KindInfrastructure {
			return ApplyPatchOutput{Failure: pe}, nil
		}
		return ApplyPatchOutput{}, err
	}
	return ApplyPatchOutput{Report: report}, nil
}

// AuditInput/Output wrap agent.Auditor (spec §4.10 step 6). RequiresApproval
// is set whenever the Auditor raised at least one "critical" issue,
// matching the Governance Decider's own "ambiguous decision" escalation
// path (spec §4.4 names Auditor-raised critical findings as one of the
// require-approval triggers alongside structural drift and deletions).
type AuditInput struct {
	Phase  *plan.Phase
	Report *patch.ApplyReport
}

type AuditOutput struct {
	Report           agent.QualityReport
	Usage            agent.TokenUsage
	RequiresApproval bool
}

func (a *Activities) Audit(ctx context.Context, in AuditInput) (AuditOutput, error) {
	qr, err := a.Auditor.Audit(ctx, in.Report, in.Phase)
	if err != nil {
		return AuditOutput{}, plan.Wrap(plan.AgentProviderError, "auditor invocation failed", err)
	}
	requiresApproval := false
	for _, issue := range qr.Issues {
		if issue.Severity == "critical" {
			requiresApproval = true
			break
		}
	}
	return AuditOutput{Report: qr, Usage: qr.Usage, RequiresApproval: requiresApproval}, nil
}

// RunTestsInput/Output wrap testrun.Runner.RunAttempt (spec §4.10 step 7,
// spec §4.3).
type RunTestsInput struct {
	Phase *plan.Phase
}

type RunTestsOutput struct {
	Delta *plan.DeltaReport
}

func (a *Activities) RunTests(ctx context.Context, in RunTestsInput) (RunTestsOutput, error) {
	delta, err := a.TestRunner.RunAttempt(ctx, in.Phase.Run, testrun.Selection{})
	if err != nil {
		return RunTestsOutput{}, plan.Wrap(plan.WorkspaceIOError, "test run failed", err)
	}
	return RunTestsOutput{Delta: delta}, nil
}

// FinalizeInput/Output wrap finalizer.Finalize (spec §4.10 step 8, spec
// §4.9). Finalize itself is a pure function; this activity only exists to
// give it a narrowed finalizer.Existence view of the real workspace, which
// is I/O (filesystem stat calls).
type FinalizeInput struct {
	Phase   *plan.Phase
	Report  *patch.ApplyReport
	Delta   *plan.DeltaReport
	Quality finalizer.QualityFlags
}

type FinalizeOutput struct {
	Result finalizer.Result
}

func (a *Activities) Finalize(ctx context.Context, in FinalizeInput) (FinalizeOutput, error) {
	res := finalizer.Finalize(finalizer.Input{
		Phase:   in.Phase,
		Report:  in.Report,
		Delta:   in.Delta,
		Quality: in.Quality,
		FS:      a.Workspace,
	})
	return FinalizeOutput{Result: res}, nil
}

// DiagnoseInput/Output wrap doctor.Doctor.Diagnose (spec §4.7, §4.10 retry
// decision).
type DiagnoseInput struct {
	Phase        *plan.Phase
	Category     plan.FailureCategory
	ErrorHistory []plan.ErrorRecord
	RunCounters  plan.RunCounters
}

type DiagnoseOutput struct {
	Response agent.DoctorResponse
}

func (a *Activities) Diagnose(ctx context.Context, in DiagnoseInput) (DiagnoseOutput, error) {
	evidence := agent.EvidenceBundle{
		ErrorHistory:    in.ErrorHistory,
		BuilderAttempts: in.Phase.RetryAttempt,
	}
	resp, err := a.Doctor.Diagnose(ctx, doctor.DiagnoseInput{
		Phase:    in.Phase,
		Run:      &plan.Run{Counters: in.RunCounters},
		Category: in.Category,
		Evidence: evidence,
	})
	if err != nil {
		return DiagnoseOutput{}, plan.Wrap(plan.AgentProviderError, "doctor invocation failed", err)
	}
	if err := doctor.Validate(resp); err != nil {
		return DiagnoseOutput{}, plan.Wrap(plan.AgentProviderError, "doctor returned malformed response", err)
	}
	return DiagnoseOutput{Response: resp}, nil
}

// ReplanInput/Output wrap agent.ReplanAgent.Revise (spec §4.8).
type ReplanInput struct {
	Phase          *plan.Phase
	OriginalIntent string
	ErrorHistory   []plan.ErrorRecord
}

type ReplanOutput struct {
	Result agent.ReplanResult
}

func (a *Activities) Replan(ctx context.Context, in ReplanInput) (ReplanOutput, error) {
	res, err := a.ReplanAgent.Revise(ctx, in.Phase, in.OriginalIntent, in.ErrorHistory)
	if err != nil {
		return ReplanOutput{}, plan.Wrap(plan.AgentProviderError, "re-plan invocation failed", err)
	}
	return ReplanOutput{Result: res}, nil
}

// RequestApprovalInput/Output wrap approval.Broker.Request (spec §4.5).
// Broker.Request already blocks internally on its Redis subscription
// until the request resolves or times out, so this one activity call is
// the entire suspension point; see awaitApproval in workflow.go.
type RequestApprovalInput struct {
	Phase  *plan.Phase
	Kind   plan.ApprovalKind
	Detail string
	Path   string
}

type RequestApprovalOutput struct {
	Request *plan.ApprovalRequest
}

func (a *Activities) RequestApproval(ctx context.Context, in RequestApprovalInput) (RequestApprovalOutput, error) {
	if a.PhaseState != nil {
		_ = a.PhaseState.UpdatePhaseState(ctx, in.Phase.Run, in.Phase.ID, plan.PhaseAwaitingApproval)
	}
	req := &plan.ApprovalRequest{
		RequestID:        ids.NewApprovalRequestID(),
		RunID:            in.Phase.Run,
		PhaseID:          in.Phase.ID,
		Kind:             in.Kind,
		Summary:          in.Detail,
		Evidence:         map[string]any{"path": in.Path},
		TimeoutAt:        time.Now().Add(time.Duration(a.Config.Approval.TimeoutSeconds) * time.Second),
		DefaultOnTimeout: defaultOnTimeoutDecision(a.Config.Approval.DefaultOnTimeout),
		Status:           plan.ApprovalPending,
	}
	resolved, err := a.Approval.Request(ctx, req)
	if a.PhaseState != nil {
		_ = a.PhaseState.UpdatePhaseState(ctx, in.Phase.Run, in.Phase.ID, plan.PhaseRunning)
	}
	if err != nil {
		return RequestApprovalOutput{}, plan.Wrap(plan.ApprovalTimeout, "approval request failed", err)
	}
	return RequestApprovalOutput{Request: resolved}, nil
}

func defaultOnTimeoutDecision(s string) plan.ApprovalDecision {
	if s == string(plan.DecisionApprove) {
		return plan.DecisionApprove
	}
	return plan.DecisionReject
}

// RollbackInput wraps workspace.Gateway.RollbackTo (spec §4.10's "rollback
// via C1").
type RollbackInput struct {
	SavePointID string
}

func (a *Activities) Rollback(ctx context.Context, in RollbackInput) error {
	if in.SavePointID == "" {
		return nil
	}
	sp := &plan.SavePoint{ID: in.SavePointID}
	if err := a.Workspace.RollbackTo(ctx, sp); err != nil {
		return plan.Wrap(plan.WorkspaceIOError, "rollback failed", err)
	}
	return nil
}
