// Package openai implements the Builder/Auditor/DoctorAgent/ReplanAgent
// contracts on top of the OpenAI Chat Completions API via
// github.com/openai/openai-go, the official SDK pinned in go.mod. The
// package shape — a narrowed client interface so a test stub can replace
// the real SDK, paired New/NewFromAPIKey constructors, one shared
// single-turn completion call translated into the agent package's typed
// results — mirrors features/model/openai's Client, adapted from that
// teacher file's sashabaranov/go-openai call shape to openai-go's
// Chat.Completions.New/ChatCompletionNewParams API.
package openai

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/autopack-run/autopack/agent"
	"github.com/autopack-run/autopack/patch"
	"github.com/autopack-run/autopack/plan"
)

// ChatClient captures the subset of the openai-go client this adapter
// uses, satisfied by the real SDK's Chat.Completions service or a test
// double.
type ChatClient interface {
	New(ctx context.Context, body openai.ChatCompletionNewParams, opts ...option.RequestOption) (*openai.ChatCompletion, error)
}

// Options configures the model identifiers used per tier.
type Options struct {
	CheapModel  string
	MidModel    string
	StrongModel string
	Temperature float64
}

// Client implements agent.Builder, agent.Auditor, agent.DoctorAgent, and
// agent.ReplanAgent against OpenAI Chat Completions.
type Client struct {
	chat ChatClient
	opts Options
}

// New builds a Client from a Chat Completions client and options.
func New(chat ChatClient, opts Options) (*Client, error) {
	if chat == nil {
		return nil, errors.New("openai client is required")
	}
	if strings.TrimSpace(opts.CheapModel) == "" && strings.TrimSpace(opts.MidModel) == "" && strings.TrimSpace(opts.StrongModel) == "" {
		return nil, errors.New("at least one model identifier is required")
	}
	return &Client{chat: chat, opts: opts}, nil
}

// NewFromAPIKey constructs a Client using the openai-go SDK's default HTTP
// client, authenticated with apiKey, which must be non-empty.
func NewFromAPIKey(apiKey string, opts Options) (*Client, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, errors.New("api key is required")
	}
	cl := openai.NewClient(option.WithAPIKey(apiKey))
	return New(&cl.Chat.Completions, opts)
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

func (c *Client) complete(ctx context.Context, tier agent.ModelTier, system, user string) (string, agent.TokenUsage, error) {
	params := openai.ChatCompletionNewParams{
		Model: openai.ChatModel(c.modelFor(tier)),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(system),
			openai.UserMessage(user),
		},
	}
	if c.opts.Temperature > 0 {
		params.Temperature = openai.Float(c.opts.Temperature)
	}
	resp, err := c.chat.New(ctx, params)
	if err != nil {
		return "", agent.TokenUsage{}, fmt.Errorf("openai chat completions: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", agent.TokenUsage{}, errors.New("openai: empty completion")
	}
	usage := agent.TokenUsage{
		InputTokens:  int(resp.Usage.PromptTokens),
		OutputTokens: int(resp.Usage.CompletionTokens),
		TotalTokens:  int(resp.Usage.TotalTokens),
	}
	return resp.Choices[0].Message.Content, usage, nil
}

// Build implements agent.Builder.
func (c *Client) Build(ctx context.Context, req agent.BuildRequest) (agent.BuildResult, error) {
	text, usage, err := c.complete(ctx, req.Tier,
		`Respond with a single JSON object matching the patch schema: {"patch_kind": "unified_diff"|"structured_edits", "unified_diff": "...", "structured_edits": [...]}. No prose.`,
		agent.RenderBuildPrompt(req))
	if err != nil {
		return agent.BuildResult{}, err
	}
	p, err := agent.DecodeBuildResponse([]byte(text))
	if err != nil {
		return agent.BuildResult{}, err
	}
	return agent.BuildResult{Patch: p, ModelID: c.modelFor(req.Tier), Usage: usage}, nil
}

// Audit implements agent.Auditor.
func (c *Client) Audit(ctx context.Context, report *patch.ApplyReport, ph *plan.Phase) (agent.QualityReport, error) {
	text, usage, err := c.complete(ctx, agent.TierCheap,
		`Respond with a single JSON object matching the quality schema: {"issues": [{"severity": "...", "path": "...", "detail": "..."}]}. No prose.`,
		agent.RenderAuditPrompt(report, ph))
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

// Diagnose implements agent.DoctorAgent.
func (c *Client) Diagnose(ctx context.Context, evidence agent.EvidenceBundle) (agent.DoctorResponse, error) {
	tier := agent.TierCheap
	if len(evidence.ErrorHistory) > 2 {
		tier = agent.TierStrong
	}
	text, usage, err := c.complete(ctx, tier,
		`Respond with a single JSON object matching the diagnosis schema: {"action": {"kind": "retry_with_fix"|"replan"|"skip_phase"|"fatal_error"|"rollback_provider", "hint": "...", "reason": "...", "provider_id": "..."}, "confidence": 0.0}. No prose.`,
		agent.RenderDoctorPrompt(evidence))
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

// Revise implements agent.ReplanAgent.
func (c *Client) Revise(ctx context.Context, ph *plan.Phase, originalIntent string, errorHistory []plan.ErrorRecord) (agent.ReplanResult, error) {
	text, _, err := c.complete(ctx, agent.TierStrong,
		`Respond with a single JSON object matching the revision schema: {"refused": false, "reason": "...", "revised": {"goal": "...", "deliverables": [...], "acceptance_criteria": [...], "scope_paths": [...], "rationale": "..."}}. The goal must preserve the non-negotiable original intent. No prose.`,
		agent.RenderReplanPrompt(ph, originalIntent, errorHistory))
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
