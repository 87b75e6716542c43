package anthropic

import (
	"context"
	"testing"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/stretchr/testify/require"

	"github.com/autopack-run/autopack/agent"
	"github.com/autopack-run/autopack/patch"
	"github.com/autopack-run/autopack/plan"
)

type stubMessagesClient struct {
	lastParams sdk.MessageNewParams
	resp       *sdk.Message
	err        error
}

func (s *stubMessagesClient) New(_ context.Context, body sdk.MessageNewParams, _ ...option.RequestOption) (*sdk.Message, error) {
	s.lastParams = body
	return s.resp, s.err
}

func textMessage(text string) *sdk.Message {
	return &sdk.Message{
		Content: []sdk.ContentBlockUnion{{Type: "text", Text: text}},
		Usage:   sdk.Usage{InputTokens: 10, OutputTokens: 5},
	}
}

func TestNewRequiresAtLeastOneModel(t *testing.T) {
	_, err := New(&stubMessagesClient{}, Options{})
	require.Error(t, err)
}

func TestBuildDecodesUnifiedDiffResponse(t *testing.T) {
	stub := &stubMessagesClient{resp: textMessage(`{"patch_kind":"unified_diff","unified_diff":"--- a\n+++ b\n"}`)}
	cl, err := New(stub, Options{CheapModel: "claude-haiku"})
	require.NoError(t, err)

	res, err := cl.Build(context.Background(), agent.BuildRequest{Goal: "add a test", Tier: agent.TierCheap})
	require.NoError(t, err)
	require.NotNil(t, res.Patch.UnifiedDiff)
	require.Equal(t, "--- a\n+++ b\n", res.Patch.UnifiedDiff.Text)
	require.Equal(t, "claude-haiku", res.ModelID)
	require.Equal(t, 15, res.Usage.TotalTokens)
}

func TestBuildRejectsMalformedResponse(t *testing.T) {
	stub := &stubMessagesClient{resp: textMessage(`{"patch_kind":"bogus"}`)}
	cl, err := New(stub, Options{CheapModel: "claude-haiku"})
	require.NoError(t, err)

	_, err = cl.Build(context.Background(), agent.BuildRequest{Goal: "add a test"})
	require.Error(t, err)
}

func TestAuditDecodesIssues(t *testing.T) {
	stub := &stubMessagesClient{resp: textMessage(`{"issues":[{"severity":"warning","path":"a.go","detail":"missing doc comment"}]}`)}
	cl, err := New(stub, Options{CheapModel: "claude-haiku"})
	require.NoError(t, err)

	qr, err := cl.Audit(context.Background(), &patch.ApplyReport{}, &plan.Phase{Goal: "x"})
	require.NoError(t, err)
	require.Len(t, qr.Issues, 1)
	require.Equal(t, "warning", qr.Issues[0].Severity)
}

func TestDiagnoseDecodesRetryWithFix(t *testing.T) {
	stub := &stubMessagesClient{resp: textMessage(`{"action":{"kind":"retry_with_fix","hint":"use context.Context"},"confidence":0.8}`)}
	cl, err := New(stub, Options{CheapModel: "claude-haiku", StrongModel: "claude-opus"})
	require.NoError(t, err)

	resp, err := cl.Diagnose(context.Background(), agent.EvidenceBundle{})
	require.NoError(t, err)
	require.Equal(t, agent.ActionRetryWithFix, resp.Action.Kind)
	require.Equal(t, "use context.Context", resp.Action.Hint)
	require.Equal(t, 0.8, resp.Confidence)
	require.Equal(t, "claude-haiku", resp.ModelID)
}

func TestDiagnoseEscalatesModelOnLongErrorHistory(t *testing.T) {
	stub := &stubMessagesClient{resp: textMessage(`{"action":{"kind":"replan"},"confidence":0.6}`)}
	cl, err := New(stub, Options{CheapModel: "claude-haiku", StrongModel: "claude-opus"})
	require.NoError(t, err)

	evidence := agent.EvidenceBundle{ErrorHistory: []plan.ErrorRecord{{}, {}, {}}}
	resp, err := cl.Diagnose(context.Background(), evidence)
	require.NoError(t, err)
	require.Equal(t, "claude-opus", resp.ModelID)
}

func TestReviseDecodesRefusal(t *testing.T) {
	stub := &stubMessagesClient{resp: textMessage(`{"refused":true,"reason":"would narrow scope"}`)}
	cl, err := New(stub, Options{StrongModel: "claude-opus"})
	require.NoError(t, err)

	res, err := cl.Revise(context.Background(), &plan.Phase{}, "original goal", nil)
	require.NoError(t, err)
	require.True(t, res.Refused)
	require.Equal(t, "would narrow scope", res.Reason)
}

func TestReviseDecodesAcceptedRevision(t *testing.T) {
	stub := &stubMessagesClient{resp: textMessage(`{"refused":false,"revised":{"goal":"g","deliverables":["a.go"],"acceptance_criteria":["c"],"scope_paths":["src"],"rationale":"r"}}`)}
	cl, err := New(stub, Options{StrongModel: "claude-opus"})
	require.NoError(t, err)

	res, err := cl.Revise(context.Background(), &plan.Phase{}, "original goal", nil)
	require.NoError(t, err)
	require.False(t, res.Refused)
	require.Equal(t, "g", res.Revised.Goal)
}
