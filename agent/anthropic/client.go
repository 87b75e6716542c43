// Package anthropic implements the Builder/Auditor/DoctorAgent/ReplanAgent
// contracts (agent package) on top of Anthropic's Claude Messages API,
// grounded on features/model/anthropic's Client: the same narrowed
// MessagesClient interface (so a mock can stand in for *sdk.MessageService
// in tests), the same New/NewFromAPIKey constructor pair, and the same
// ModelClass-to-model-ID resolution for cheap/strong tier selection. Where
// the teacher translates a generic model.Request into Anthropic params and
// a generic model.Response back, this package instead asks for a single
// JSON object matching one of agent's wire schemas and decodes that
// directly — the four collaborator roles here have no need for the
// teacher's tool-calling/streaming machinery.
package anthropic

import (
	"context"
	"errors"
	"fmt"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/autopack-run/autopack/agent"
	"github.com/autopack-run/autopack/patch"
	"github.com/autopack-run/autopack/plan"
)

// MessagesClient captures the subset of the Anthropic SDK client this
// adapter uses, satisfied by *sdk.MessageService or a test double.
type MessagesClient interface {
	New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
}

// Options configures the model identifiers and generation defaults used
// when a request does not name a tier explicitly.
type Options struct {
	CheapModel  string
	MidModel    string
	StrongModel string
	MaxTokens   int
	Temperature float64
}

// Client implements agent.Builder, agent.Auditor, agent.DoctorAgent, and
// agent.ReplanAgent against Anthropic Claude.
type Client struct {
	msg  MessagesClient
	opts Options
}

// New builds a Client from an Anthropic Messages client and options.
func New(msg MessagesClient, opts Options) (*Client, error) {
	if msg == nil {
		return nil, errors.New("anthropic client is required")
	}
	if opts.CheapModel == "" && opts.MidModel == "" && opts.StrongModel == "" {
		return nil, errors.New("at least one model identifier is required")
	}
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = 4096
	}
	return &Client{msg: msg, opts: opts}, nil
}

// NewFromAPIKey constructs a Client using the Anthropic SDK's default HTTP
// client, authenticated with apiKey, which must be non-empty.
func NewFromAPIKey(apiKey string, opts Options) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("api key is required")
	}
	ac := sdk.NewClient(option.WithAPIKey(apiKey))
	return New(&ac.Messages, opts)
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

// complete issues a single-turn completion and returns the concatenated
// text content plus token usage, the minimal slice of features/model's
// translateResponse this package needs (no tool calls, no streaming).
func (c *Client) complete(ctx context.Context, tier agent.ModelTier, system, user string) (string, agent.TokenUsage, error) {
	params := sdk.MessageNewParams{
		Model:     sdk.Model(c.modelFor(tier)),
		MaxTokens: int64(c.opts.MaxTokens),
		System:    []sdk.TextBlockParam{{Text: system}},
		Messages: []sdk.MessageParam{
			sdk.NewUserMessage(sdk.NewTextBlock(user)),
		},
	}
	if c.opts.Temperature > 0 {
		params.Temperature = sdk.Float(c.opts.Temperature)
	}
	msg, err := c.msg.New(ctx, params)
	if err != nil {
		return "", agent.TokenUsage{}, fmt.Errorf("anthropic messages.new: %w", err)
	}
	var text string
	for _, block := range msg.Content {
		if block.Type == "text" && block.Text != "" {
			text += block.Text
		}
	}
	usage := agent.TokenUsage{
		InputTokens:  int(msg.Usage.InputTokens),
		OutputTokens: int(msg.Usage.OutputTokens),
		TotalTokens:  int(msg.Usage.InputTokens + msg.Usage.OutputTokens),
	}
	return text, usage, nil
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

// Diagnose implements agent.DoctorAgent. The caller (doctor.Doctor)
// decides re-invocation on low confidence and labels the response's tier;
// since the agent.EvidenceBundle itself carries no tier field, this adapter
// picks its own model: TierStrong when the evidence bundle's error history
// holds more than two records and TierCheap otherwise.
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
