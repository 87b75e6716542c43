// Package ratelimit applies an AIMD-style adaptive token bucket in front of
// an agent.Builder, agent.Auditor, agent.DoctorAgent or agent.ReplanAgent,
// grounded on features/model/middleware's AdaptiveRateLimiter: it estimates
// the token cost of each request, blocks the caller until capacity is
// available, and backs off its effective tokens-per-minute budget whenever
// a call reports agent.ErrRateLimited. Unlike the teacher's cluster-aware
// variant (which coordinates budget across processes with a Pulse
// replicated map), this limiter is process-local: cmd/autopackd runs one
// daemon per LLM credential, so there is no cluster to coordinate with.
package ratelimit

import (
	"context"
	"sync"

	"golang.org/x/time/rate"

	"github.com/autopack-run/autopack/agent"
	"github.com/autopack-run/autopack/patch"
	"github.com/autopack-run/autopack/plan"
)

// Limiter enforces an adaptive tokens-per-minute budget shared by every
// collaborator wrapped with it.
type Limiter struct {
	mu sync.Mutex

	limiter *rate.Limiter

	currentTPM float64
	minTPM     float64
	maxTPM     float64

	recoveryRate float64
}

// New constructs a Limiter with an initial tokens-per-minute budget and an
// upper bound. When maxTPM is zero or below initialTPM, it is clamped to
// initialTPM.
func New(initialTPM, maxTPM float64) *Limiter {
	if initialTPM <= 0 {
		initialTPM = 60000
	}
	if maxTPM <= 0 || maxTPM < initialTPM {
		maxTPM = initialTPM
	}
	minTPM := initialTPM * 0.1
	if minTPM < 1 {
		minTPM = 1
	}
	recoveryRate := initialTPM * 0.05
	if recoveryRate < 1 {
		recoveryRate = 1
	}
	return &Limiter{
		limiter:      rate.NewLimiter(rate.Limit(initialTPM/60.0), int(initialTPM)),
		currentTPM:   initialTPM,
		minTPM:       minTPM,
		maxTPM:       maxTPM,
		recoveryRate: recoveryRate,
	}
}

func (l *Limiter) wait(ctx context.Context, tokens int) error {
	return l.limiter.WaitN(ctx, tokens)
}

func (l *Limiter) observe(err error) {
	if err == nil {
		l.probe()
		return
	}
	if ratelimited(err) {
		l.backoff()
	}
}

func ratelimited(err error) bool {
	for err != nil {
		if err == agent.ErrRateLimited {
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

func (l *Limiter) backoff() {
	l.mu.Lock()
	defer l.mu.Unlock()
	newTPM := l.currentTPM * 0.5
	if newTPM < l.minTPM {
		newTPM = l.minTPM
	}
	l.currentTPM = newTPM
	l.limiter.SetLimit(rate.Limit(newTPM / 60.0))
	l.limiter.SetBurst(int(newTPM))
}

func (l *Limiter) probe() {
	l.mu.Lock()
	defer l.mu.Unlock()
	newTPM := l.currentTPM + l.recoveryRate
	if newTPM > l.maxTPM {
		newTPM = l.maxTPM
	}
	l.currentTPM = newTPM
	l.limiter.SetLimit(rate.Limit(newTPM / 60.0))
	l.limiter.SetBurst(int(newTPM))
}

// estimateTokens is a cheap heuristic: roughly 1 token per 3 characters of
// input plus a fixed buffer for system prompt and provider framing.
func estimateTokens(charCount int) int {
	if charCount <= 0 {
		return 500
	}
	tokens := charCount / 3
	if tokens < 1 {
		tokens = 1
	}
	return tokens + 500
}

// Builder wraps an agent.Builder with the shared limiter.
type Builder struct {
	Next    agent.Builder
	Limiter *Limiter
}

func (b *Builder) Build(ctx context.Context, req agent.BuildRequest) (agent.BuildResult, error) {
	chars := len(req.Goal)
	for _, c := range req.Context {
		chars += len(c)
	}
	if err := b.Limiter.wait(ctx, estimateTokens(chars)); err != nil {
		return agent.BuildResult{}, err
	}
	res, err := b.Next.Build(ctx, req)
	b.Limiter.observe(err)
	return res, err
}

// Auditor wraps an agent.Auditor with the shared limiter.
type Auditor struct {
	Next    agent.Auditor
	Limiter *Limiter
}

func (a *Auditor) Audit(ctx context.Context, report *patch.ApplyReport, ph *plan.Phase) (agent.QualityReport, error) {
	chars := len(ph.Goal)
	if report != nil {
		for _, p := range report.Modified {
			chars += len(p)
		}
	}
	if err := a.Limiter.wait(ctx, estimateTokens(chars)); err != nil {
		return agent.QualityReport{}, err
	}
	res, err := a.Next.Audit(ctx, report, ph)
	a.Limiter.observe(err)
	return res, err
}

// DoctorAgent wraps an agent.DoctorAgent with the shared limiter.
type DoctorAgent struct {
	Next    agent.DoctorAgent
	Limiter *Limiter
}

func (d *DoctorAgent) Diagnose(ctx context.Context, evidence agent.EvidenceBundle) (agent.DoctorResponse, error) {
	chars := len(evidence.LastPatchSummary)
	for _, rec := range evidence.ErrorHistory {
		chars += len(rec.Message)
	}
	if err := d.Limiter.wait(ctx, estimateTokens(chars)); err != nil {
		return agent.DoctorResponse{}, err
	}
	res, err := d.Next.Diagnose(ctx, evidence)
	d.Limiter.observe(err)
	return res, err
}

// ReplanAgent wraps an agent.ReplanAgent with the shared limiter.
type ReplanAgent struct {
	Next    agent.ReplanAgent
	Limiter *Limiter
}

func (r *ReplanAgent) Revise(ctx context.Context, ph *plan.Phase, originalIntent string, errorHistory []plan.ErrorRecord) (agent.ReplanResult, error) {
	chars := len(ph.Goal) + len(originalIntent)
	for _, rec := range errorHistory {
		chars += len(rec.Message)
	}
	if err := r.Limiter.wait(ctx, estimateTokens(chars)); err != nil {
		return agent.ReplanResult{}, err
	}
	res, err := r.Next.Revise(ctx, ph, originalIntent, errorHistory)
	r.Limiter.observe(err)
	return res, err
}
