// Package bedrock implements the Builder/Auditor/DoctorAgent/ReplanAgent
// contracts on top of the AWS Bedrock Converse API, grounded on
// features/model/bedrock's Client: the same RuntimeClient interface
// narrowing *bedrockruntime.Client down to Converse, the same
// system/conversational message split, and the same translateResponse
// text-block extraction. Unlike the teacher this package never enables
// tool use or streaming and never rehydrates a ledger — the four
// collaborator roles exchange one request/response pair of plain text
// carrying a single JSON object, so prepareRequest collapses to building
// one user message plus a system block.
package bedrock

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	smithy "github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"

	"github.com/autopack-run/autopack/agent"
	"github.com/autopack-run/autopack/patch"
	"github.com/autopack-run/autopack/plan"
)

// RuntimeClient mirrors the subset of the AWS Bedrock runtime client this
// adapter uses, satisfied by *bedrockruntime.Client or a test double.
type RuntimeClient interface {
	Converse(ctx context.Context, params *bedrockruntime.ConverseInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error)
}

// Options configures the model identifiers used per tier.
type Options struct {
	CheapModel  string
	MidModel    string
	StrongModel string
	MaxTokens   int
	Temperature float32
}

// Client implements agent.Builder, agent.Auditor, agent.DoctorAgent, and
// agent.ReplanAgent against AWS Bedrock Converse.
type Client struct {
	runtime RuntimeClient
	opts    Options
}

// New builds a Client from a Bedrock runtime client and options.
func New(runtime RuntimeClient, opts Options) (*Client, error) {
	if runtime == nil {
		return nil, errors.New("bedrock runtime client is required")
	}
	if opts.CheapModel == "" && opts.MidModel == "" && opts.StrongModel == "" {
		return nil, errors.New("at least one model identifier is required")
	}
	return &Client{runtime: runtime, opts: opts}, nil
}

func (c *Client) modelFor(tier agent.ModelTier) string {
	switch tier {
	case agent.TierStrong, agent.TierStrongest:
		if c.opts.StrongModel != "" {
			return c.opts.StrongModel
		}
	case agent.TierMid:
		if c.opts.MidModel != "" {
			return c.opts.MidModel
		}
	}
	if c.opts.CheapModel != "" {
		return c.opts.CheapModel
	}
	if c.opts.MidModel != "" {
		return c.opts.MidModel
	}
	return c.opts.StrongModel
}

// complete issues a single-turn Converse request and returns the
// concatenated text content plus token usage, the minimal slice of
// features/model/bedrock's translateResponse this package needs (no tool
// calls, no streaming).
func (c *Client) complete(ctx context.Context, tier agent.ModelTier, system, user string) (string, agent.TokenUsage, error) {
	modelID := c.modelFor(tier)
	input := &bedrockruntime.ConverseInput{
		ModelId: &modelID,
		Messages: []brtypes.Message{
			{
				Role:    brtypes.ConversationRoleUser,
				Content: []brtypes.ContentBlock{&brtypes.ContentBlockMemberText{Value: user}},
			},
		},
		System: []brtypes.SystemContentBlock{&brtypes.SystemContentBlockMemberText{Value: system}},
	}
	if c.opts.MaxTokens > 0 || c.opts.Temperature > 0 {
		cfg := &brtypes.InferenceConfiguration{}
		if c.opts.MaxTokens > 0 {
			mt := int32(c.opts.MaxTokens)
			cfg.MaxTokens = &mt
		}
		if c.opts.Temperature > 0 {
			t := c.opts.Temperature
			cfg.Temperature = &t
		}
		input.InferenceConfig = cfg
	}
	output, err := c.runtime.Converse(ctx, input)
	if err != nil {
		if isRateLimited(err) {
			return "", agent.TokenUsage{}, fmt.Errorf("%w: %w", agent.ErrRateLimited, err)
		}
		return "", agent.TokenUsage{}, fmt.Errorf("bedrock converse: %w", err)
	}
	return translateResponse(output)
}

// isRateLimited reports whether err represents a provider rate limiting
// condition: either Bedrock's own ThrottlingException code or a raw HTTP
// 429 response.
func isRateLimited(err error) bool {
	if err == nil {
		return false
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "ThrottlingException", "TooManyRequestsException":
			return true
		}
	}
	var respErr *smithyhttp.ResponseError
	if errors.As(err, &respErr) && respErr.HTTPStatusCode() == 429 {
		return true
	}
	return false
}

func translateResponse(output *bedrockruntime.ConverseOutput) (string, agent.TokenUsage, error) {
	if output == nil {
		return "", agent.TokenUsage{}, errors.New("bedrock: response is nil")
	}
	var text string
	if msg, ok := output.Output.(*brtypes.ConverseOutputMemberMessage); ok {
		for _, block := range msg.Value.Content {
			if tb, ok := block.(*brtypes.ContentBlockMemberText); ok {
				text += tb.Value
			}
		}
	}
	var usage agent.TokenUsage
	if u := output.Usage; u != nil {
		usage = agent.TokenUsage{
			InputTokens:  int(ptrValue(u.InputTokens)),
			OutputTokens: int(ptrValue(u.OutputTokens)),
			TotalTokens:  int(ptrValue(u.TotalTokens)),
		}
	}
	return text, usage, nil
}

func ptrValue(p *int32) int32 {
	if p == nil {
		return 0
	}
	return *p
}

const buildSystemPrompt = `You are the Builder. Respond with a single JSON object matching the required patch schema: {"patch_kind": "unified_diff"|"structured_edits", "unified_diff": "...", "structured_edits": [...]}. No prose, no markdown fences.`

// Build implements agent.Builder.
func (c *Client) Build(ctx context.Context, req agent.BuildRequest) (agent.BuildResult, error) {
	text, usage, err := c.complete(ctx, req.Tier, buildSystemPrompt, agent.RenderBuildPrompt(req))
	if err != nil {
		return agent.BuildResult{}, err
	}
	p, err := agent.DecodeBuildResponse([]byte(text))
	if err != nil {
		return agent.BuildResult{}, err
	}
	return agent.BuildResult{Patch: p, ModelID: c.modelFor(req.Tier), Usage: usage}, nil
}

const auditSystemPrompt = `You are the Auditor. Respond with a single JSON object matching the required quality schema: {"issues": [{"severity": "...", "path": "...", "detail": "..."}]}. No prose, no markdown fences.`

// Audit implements agent.Auditor.
func (c *Client) Audit(ctx context.Context, report *patch.ApplyReport, ph *plan.Phase) (agent.QualityReport, error) {
	text, usage, err := c.complete(ctx, agent.TierCheap, auditSystemPrompt, agent.RenderAuditPrompt(report, ph))
	if err != nil {
		return agent.QualityReport{}, err
	}
	qr, err := agent.DecodeAuditResponse([]byte(text))
	if err != nil {
		return agent.QualityReport{}, err
	}
	qr.ModelID = c.modelFor(agent.TierCheap)
	qr.Usage = usage
	return qr, nil
}

const doctorSystemPrompt = `You are the Doctor. Respond with a single JSON object matching the required diagnosis schema: {"action": {"kind": "retry_with_fix"|"replan"|"skip_phase"|"fatal_error"|"rollback_provider", "hint": "...", "reason": "...", "provider_id": "..."}, "confidence": 0.0}. No prose, no markdown fences.`

// Diagnose implements agent.DoctorAgent.
func (c *Client) Diagnose(ctx context.Context, evidence agent.EvidenceBundle) (agent.DoctorResponse, error) {
	tier := agent.TierCheap
	if len(evidence.ErrorHistory) > 2 {
		tier = agent.TierStrong
	}
	text, usage, err := c.complete(ctx, tier, doctorSystemPrompt, agent.RenderDoctorPrompt(evidence))
	if err != nil {
		return agent.DoctorResponse{}, err
	}
	resp, err := agent.DecodeDoctorResponse([]byte(text))
	if err != nil {
		return agent.DoctorResponse{}, err
	}
	resp.ModelID = c.modelFor(tier)
	resp.Usage = usage
	return resp, nil
}

const replanSystemPrompt = `You are the Re-plan agent. Respond with a single JSON object matching the required revision schema: {"refused": false, "reason": "...", "revised": {"goal": "...", "deliverables": [...], "acceptance_criteria": [...], "scope_paths": [...], "rationale": "..."}}. The goal field must preserve the non-negotiable original intent given below; you may change how the goal is achieved but never narrow its scope. No prose, no markdown fences.`

// Revise implements agent.ReplanAgent.
func (c *Client) Revise(ctx context.Context, ph *plan.Phase, originalIntent string, errorHistory []plan.ErrorRecord) (agent.ReplanResult, error) {
	text, _, err := c.complete(ctx, agent.TierStrong, replanSystemPrompt, agent.RenderReplanPrompt(ph, originalIntent, errorHistory))
	if err != nil {
		return agent.ReplanResult{}, err
	}
	return agent.DecodeReplanResponse([]byte(text))
}

var (
	_ agent.Builder     = (*Client)(nil)
	_ agent.Auditor     = (*Client)(nil)
	_ agent.DoctorAgent = (*Client)(nil)
	_ agent.ReplanAgent = (*Client)(nil)
)
