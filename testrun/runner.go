package testrun

import (
	"context"

	"github.com/autopack-run/autopack/plan"
	"github.com/autopack-run/autopack/telemetry"
)

// Runner ties a Harness to a BaselineStore, implementing the capture /
// per-attempt-run / classify contract spec §4.3 describes.
type Runner struct {
	Harness   Harness
	Baselines BaselineStore
	Telemetry telemetry.Bundle
}

// NewRunner constructs a Runner. A nil telemetry.Bundle falls back to a
// no-op bundle.
func NewRunner(h Harness, b BaselineStore, tb telemetry.Bundle) *Runner {
	if tb.Logger == nil {
		tb = telemetry.Noop()
	}
	return &Runner{Harness: h, Baselines: b, Telemetry: tb}
}

// CaptureBaseline runs the full suite once and persists the result as the
// run's T0 baseline (spec §4.3: "at the start of a run, run the full test
// suite once"). A collection error at T0 does not block the run; it is
// annotated on the baseline instead.
func (r *Runner) CaptureBaseline(ctx context.Context, runID string) (*plan.BaselineReport, error) {
	out, err := r.Harness.Run(ctx, Selection{})
	if err != nil {
		return nil, err
	}
	b := plan.NewBaselineReport(runID)
	for _, res := range out.Results {
		switch res.Status {
		case StatusFail:
			b.Fail[res.ID] = true
		default:
			b.Pass[res.ID] = true
		}
	}
	for _, ce := range out.CollectionErrors {
		b.CollectionError[ce.Package] = true
	}
	if err := r.Baselines.Put(ctx, b); err != nil {
		return nil, err
	}
	r.Telemetry.Metrics.IncCounter("testrun.baseline.captured", 1)
	return b, nil
}

// RunAttempt runs sel (the full suite by default), classifies every
// observed result against the run's current baseline, performs a single
// confirming re-run for tests that would otherwise be new-fail candidates
// (spec §4.3's flaky detection). It does not change the baseline;
// PromoteBaseline does that.
func (r *Runner) RunAttempt(ctx context.Context, runID string, sel Selection) (*plan.DeltaReport, error) {
	baseline, err := r.Baselines.Get(ctx, runID)
	if err != nil {
		return nil, err
	}

	out, err := r.Harness.Run(ctx, sel)
	if err != nil {
		return nil, err
	}

	delta := &plan.DeltaReport{Outcomes: map[string]plan.DeltaOutcome{}}

	var newFailCandidates []string
	for _, res := range out.Results {
		switch res.Status {
		case StatusFail:
			if baseline.Fail[res.ID] {
				delta.Outcomes[res.ID] = plan.OutcomeUnchangedFail
			} else {
				newFailCandidates = append(newFailCandidates, res.ID)
			}
		default:
			if baseline.Fail[res.ID] {
				delta.Outcomes[res.ID] = plan.OutcomeFixed
			} else {
				delta.Outcomes[res.ID] = plan.OutcomeUnchangedPass
			}
		}
	}
	for _, ce := range out.CollectionErrors {
		if baseline.CollectionError[ce.Package] {
			continue // pre-existing collection error from T0 does not block.
		}
		delta.Outcomes[ce.Package] = plan.OutcomeCollectionError
	}

	if len(newFailCandidates) > 0 {
		if err := r.confirmFlaky(ctx, newFailCandidates, delta); err != nil {
			return nil, err
		}
	}

	r.Telemetry.Metrics.IncCounter("testrun.attempt.classified", 1)
	return delta, nil
}

// confirmFlaky re-runs each new-fail candidate once. A candidate that
// passes on the confirming run is reclassified flaky instead of new-fail,
// per spec §4.3: "alternates pass/fail across a second immediate re-run...
// marked flaky and excluded from the new-fail set for gating purposes, but
// recorded."
func (r *Runner) confirmFlaky(ctx context.Context, candidates []string, delta *plan.DeltaReport) error {
	confirm, err := r.Harness.Run(ctx, Selection{Tests: candidates})
	if err != nil {
		return err
	}
	passedOnConfirm := map[string]bool{}
	for _, res := range confirm.Results {
		if res.Status == StatusPass {
			passedOnConfirm[res.ID] = true
		}
	}
	for _, id := range candidates {
		if passedOnConfirm[id] {
			delta.Outcomes[id] = plan.OutcomeFlaky
		} else {
			delta.Outcomes[id] = plan.OutcomeNewFail
		}
	}
	return nil
}

// PromoteBaseline applies every DeltaReport-classified `fixed` test to the
// run's baseline watermark and persists it. Neither the Phase Finalizer
// nor the phase workflow calls it, so a COMPLETE finalization does not by
// itself move the watermark.
func (r *Runner) PromoteBaseline(ctx context.Context, runID string, delta *plan.DeltaReport) error {
	baseline, err := r.Baselines.Get(ctx, runID)
	if err != nil {
		return err
	}
	fixed := delta.Fixed()
	if len(fixed) == 0 {
		return nil
	}
	for _, id := range fixed {
		baseline.PromoteFixed(id)
	}
	return r.Baselines.Put(ctx, baseline)
}
