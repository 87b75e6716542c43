package phase

import (
	"testing"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"go.temporal.io/sdk/testsuite"

	"github.com/autopack-run/autopack/agent"
	"github.com/autopack-run/autopack/config"
	"github.com/autopack-run/autopack/finalizer"
	"github.com/autopack-run/autopack/patch"
	"github.com/autopack-run/autopack/plan"
)

// No Temporal workflow tests exist anywhere in the corpus to ground a test
// style on, so this package follows the ecosystem-standard harness for
// the dependency it already wires: testsuite.WorkflowTestSuite mocking
// each named activity, the same testify require assertions the rest of
// the module uses.

func TestSelectTier(t *testing.T) {
	require.Equal(t, agent.TierCheap, selectTier(plan.ComplexityLow, 0))
	require.Equal(t, agent.TierMid, selectTier(plan.ComplexityLow, 1))
	require.Equal(t, agent.TierMid, selectTier(plan.ComplexityMedium, 0))
	require.Equal(t, agent.TierStrongest, selectTier(plan.ComplexityHigh, 5))
}

func TestShouldEscalate(t *testing.T) {
	cfg := config.Retry{AttemptsPerTier: 2}
	require.False(t, shouldEscalate(0, cfg))
	require.False(t, shouldEscalate(1, cfg))
	require.True(t, shouldEscalate(2, cfg))
	require.True(t, shouldEscalate(4, cfg))
}

func TestCategoryFor(t *testing.T) {
	require.Equal(t, plan.FailurePatchFormat, categoryFor(plan.PatchParseError))
	require.Equal(t, plan.FailureUnknown, categoryFor(plan.AgentTimeout))
}

type PhaseWorkflowSuite struct {
	suite.Suite
	testsuite.WorkflowTestSuite
	env *testsuite.TestWorkflowEnvironment
}

func (s *PhaseWorkflowSuite) SetupTest() {
	s.env = s.NewTestWorkflowEnvironment()
}

func (s *PhaseWorkflowSuite) AfterTest(_, _ string) {
	s.env.AssertExpectations(s.T())
}

func testPhase() *plan.Phase {
	return &plan.Phase{
		ID:                 "phase_1",
		Run:                "run_1",
		Goal:               "add a validator",
		Deliverables:       []string{"validator.go"},
		AcceptanceCriteria: []string{"validator.go compiles"},
		ScopePaths:         []string{"validator.go"},
		Complexity:         plan.ComplexityLow,
	}
}

func (s *PhaseWorkflowSuite) TestCompletesOnFirstAttempt() {
	s.env.OnActivity(ActivityLoadContext, mock.Anything, mock.Anything).
		Return(LoadContextOutput{}, nil)
	s.env.OnActivity(ActivityBuild, mock.Anything, mock.Anything).
		Return(BuildOutput{Patch: patch.Patch{UnifiedDiff: &patch.UnifiedDiff{Text: "--- a\n+++ b\n"}}}, nil)
	s.env.OnActivity(ActivityApplyPatch, mock.Anything, mock.Anything).
		Return(ApplyPatchOutput{Report: &patch.ApplyReport{SavePointID: "sp_1"}}, nil)
	s.env.OnActivity(ActivityAudit, mock.Anything, mock.Anything).
		Return(AuditOutput{}, nil)
	s.env.OnActivity(ActivityRunTests, mock.Anything, mock.Anything).
		Return(RunTestsOutput{Delta: &plan.DeltaReport{}}, nil)
	s.env.OnActivity(ActivityFinalize, mock.Anything, mock.Anything).
		Return(FinalizeOutput{Result: finalizer.Result{Outcome: finalizer.OutcomeComplete}}, nil)

	in := WorkflowInput{Phase: testPhase(), Config: config.Default()}
	s.env.ExecuteWorkflow(PhaseWorkflow, in)

	s.True(s.env.IsWorkflowCompleted())
	s.NoError(s.env.GetWorkflowError())

	var result WorkflowResult
	s.Require().NoError(s.env.GetWorkflowResult(&result))
	s.Equal(finalizer.OutcomeComplete, result.Outcome)
	s.Equal(plan.PhaseComplete, result.Phase.State)
}

func (s *PhaseWorkflowSuite) TestBlockedAttemptRollsBackAndRetriesUntilComplete() {
	s.env.OnActivity(ActivityLoadContext, mock.Anything, mock.Anything).
		Return(LoadContextOutput{}, nil)
	s.env.OnActivity(ActivityBuild, mock.Anything, mock.Anything).
		Return(BuildOutput{Patch: patch.Patch{UnifiedDiff: &patch.UnifiedDiff{Text: "--- a\n+++ b\n"}}}, nil)
	s.env.OnActivity(ActivityApplyPatch, mock.Anything, mock.Anything).
		Return(ApplyPatchOutput{Report: &patch.ApplyReport{SavePointID: "sp_1"}}, nil).Once()
	s.env.OnActivity(ActivityApplyPatch, mock.Anything, mock.Anything).
		Return(ApplyPatchOutput{Report: &patch.ApplyReport{SavePointID: "sp_2"}}, nil).Once()
	s.env.OnActivity(ActivityAudit, mock.Anything, mock.Anything).
		Return(AuditOutput{}, nil)
	s.env.OnActivity(ActivityRunTests, mock.Anything, mock.Anything).
		Return(RunTestsOutput{Delta: &plan.DeltaReport{}}, nil)
	s.env.OnActivity(ActivityFinalize, mock.Anything, mock.Anything).
		Return(FinalizeOutput{Result: finalizer.Result{Outcome: finalizer.OutcomeBlocked, Reason: finalizer.ReasonNewTestFailures}}, nil).Once()
	s.env.OnActivity(ActivityFinalize, mock.Anything, mock.Anything).
		Return(FinalizeOutput{Result: finalizer.Result{Outcome: finalizer.OutcomeComplete}}, nil).Once()
	s.env.OnActivity(ActivityRollback, mock.Anything, mock.Anything).
		Return(nil)

	in := WorkflowInput{Phase: testPhase(), Config: config.Default()}
	s.env.ExecuteWorkflow(PhaseWorkflow, in)

	s.True(s.env.IsWorkflowCompleted())
	s.NoError(s.env.GetWorkflowError())

	var result WorkflowResult
	s.Require().NoError(s.env.GetWorkflowResult(&result))
	s.Equal(finalizer.OutcomeComplete, result.Outcome)
	s.Equal(1, result.Phase.RetryAttempt)
	require.Len(s.T(), result.Phase.ErrorHistory, 1)
	require.Equal(s.T(), plan.FailureNewTestFailures, result.Phase.ErrorHistory[0].Category)
}

func TestPhaseWorkflowSuite(t *testing.T) {
	suite.Run(t, new(PhaseWorkflowSuite))
}
