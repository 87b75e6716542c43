package bedrock

import (
	"context"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/stretchr/testify/require"

	"github.com/autopack-run/autopack/agent"
	"github.com/autopack-run/autopack/patch"
	"github.com/autopack-run/autopack/plan"
)

type stubRuntimeClient struct {
	lastInput *bedrockruntime.ConverseInput
	resp      *bedrockruntime.ConverseOutput
	err       error
}

func (s *stubRuntimeClient) Converse(_ context.Context, params *bedrockruntime.ConverseInput, _ ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error) {
	s.lastInput = params
	return s.resp, s.err
}

func textOutput(text string) *bedrockruntime.ConverseOutput {
	in, out, total := int32(10), int32(5), int32(15)
	return &bedrockruntime.ConverseOutput{
		Output: &brtypes.ConverseOutputMemberMessage{
			Value: brtypes.Message{
				Role:    brtypes.ConversationRoleAssistant,
				Content: []brtypes.ContentBlock{&brtypes.ContentBlockMemberText{Value: text}},
			},
		},
		Usage: &brtypes.TokenUsage{InputTokens: &in, OutputTokens: &out, TotalTokens: &total},
	}
}

func TestNewRequiresRuntimeClient(t *testing.T) {
	_, err := New(nil, Options{CheapModel: "nova-micro"})
	require.Error(t, err)
}

func TestNewRequiresAtLeastOneModel(t *testing.T) {
	_, err := New(&stubRuntimeClient{}, Options{})
	require.Error(t, err)
}

func TestBuildDecodesUnifiedDiffResponse(t *testing.T) {
	stub := &stubRuntimeClient{resp: textOutput(`{"patch_kind":"unified_diff","unified_diff":"--- a\n+++ b\n"}`)}
	cl, err := New(stub, Options{CheapModel: "nova-micro"})
	require.NoError(t, err)

	res, err := cl.Build(context.Background(), agent.BuildRequest{Goal: "add a test", Tier: agent.TierCheap})
	require.NoError(t, err)
	require.NotNil(t, res.Patch.UnifiedDiff)
	require.Equal(t, "--- a\n+++ b\n", res.Patch.UnifiedDiff.Text)
	require.Equal(t, "nova-micro", res.ModelID)
	require.Equal(t, 15, res.Usage.TotalTokens)
}

func TestBuildRejectsMalformedResponse(t *testing.T) {
	stub := &stubRuntimeClient{resp: textOutput(`{"patch_kind":"bogus"}`)}
	cl, err := New(stub, Options{CheapModel: "nova-micro"})
	require.NoError(t, err)

	_, err = cl.Build(context.Background(), agent.BuildRequest{Goal: "add a test"})
	require.Error(t, err)
}

func TestAuditDecodesIssues(t *testing.T) {
	stub := &stubRuntimeClient{resp: textOutput(`{"issues":[{"severity":"warning","path":"a.go","detail":"missing doc comment"}]}`)}
	cl, err := New(stub, Options{CheapModel: "nova-micro"})
	require.NoError(t, err)

	qr, err := cl.Audit(context.Background(), &patch.ApplyReport{}, &plan.Phase{Goal: "x"})
	require.NoError(t, err)
	require.Len(t, qr.Issues, 1)
	require.Equal(t, "warning", qr.Issues[0].Severity)
}

func TestDiagnoseDecodesRetryWithFix(t *testing.T) {
	stub := &stubRuntimeClient{resp: textOutput(`{"action":{"kind":"retry_with_fix","hint":"use context.Context"},"confidence":0.8}`)}
	cl, err := New(stub, Options{CheapModel: "nova-micro", StrongModel: "nova-pro"})
	require.NoError(t, err)

	resp, err := cl.Diagnose(context.Background(), agent.EvidenceBundle{})
	require.NoError(t, err)
	require.Equal(t, agent.ActionRetryWithFix, resp.Action.Kind)
	require.Equal(t, "use context.Context", resp.Action.Hint)
	require.Equal(t, 0.8, resp.Confidence)
	require.Equal(t, "nova-micro", resp.ModelID)
}

func TestDiagnoseEscalatesModelOnLongErrorHistory(t *testing.T) {
	stub := &stubRuntimeClient{resp: textOutput(`{"action":{"kind":"replan"},"confidence":0.6}`)}
	cl, err := New(stub, Options{CheapModel: "nova-micro", StrongModel: "nova-pro"})
	require.NoError(t, err)

	evidence := agent.EvidenceBundle{ErrorHistory: []plan.ErrorRecord{{}, {}, {}}}
	resp, err := cl.Diagnose(context.Background(), evidence)
	require.NoError(t, err)
	require.Equal(t, "nova-pro", resp.ModelID)
}

func TestReviseDecodesRefusal(t *testing.T) {
	stub := &stubRuntimeClient{resp: textOutput(`{"refused":true,"reason":"would narrow scope"}`)}
	cl, err := New(stub, Options{StrongModel: "nova-pro"})
	require.NoError(t, err)

	res, err := cl.Revise(context.Background(), &plan.Phase{}, "original goal", nil)
	require.NoError(t, err)
	require.True(t, res.Refused)
	require.Equal(t, "would narrow scope", res.Reason)
}

func TestReviseDecodesAcceptedRevision(t *testing.T) {
	stub := &stubRuntimeClient{resp: textOutput(`{"refused":false,"revised":{"goal":"g","deliverables":["a.go"],"acceptance_criteria":["c"],"scope_paths":["src"],"rationale":"r"}}`)}
	cl, err := New(stub, Options{StrongModel: "nova-pro"})
	require.NoError(t, err)

	res, err := cl.Revise(context.Background(), &plan.Phase{}, "original goal", nil)
	require.NoError(t, err)
	require.False(t, res.Refused)
	require.Equal(t, "g", res.Revised.Goal)
}
