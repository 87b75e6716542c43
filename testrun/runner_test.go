package testrun

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/autopack-run/autopack/plan"
	"github.com/autopack-run/autopack/telemetry"
)

// scriptedHarness returns a fixed RawOutput on each successive call to Run,
// cycling through outputs in order, for simulating flaky tests and
// multi-stage attempt flows without a real test binary.
type scriptedHarness struct {
	outputs []RawOutput
	calls   int
}

func (h *scriptedHarness) Run(_ context.Context, _ Selection) (RawOutput, error) {
	out := h.outputs[h.calls]
	if h.calls < len(h.outputs)-1 {
		h.calls++
	}
	return out, nil
}

func TestCaptureBaseline(t *testing.T) {
	h := &scriptedHarness{outputs: []RawOutput{{
		Results: []TestResult{
			{ID: "pkg.TestA", Status: StatusPass},
			{ID: "pkg.TestB", Status: StatusFail},
		},
		CollectionErrors: []CollectionError{{Package: "pkg/broken"}},
	}}}
	store := NewMemoryBaselineStore()
	r := NewRunner(h, store, telemetry.Noop())

	b, err := r.CaptureBaseline(context.Background(), "run-1")
	require.NoError(t, err)
	require.True(t, b.Pass["pkg.TestA"])
	require.True(t, b.Fail["pkg.TestB"])
	require.True(t, b.CollectionError["pkg/broken"])
}

func TestRunAttemptClassifiesAgainstBaseline(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryBaselineStore()
	require.NoError(t, store.Put(ctx, &plan.BaselineReport{
		RunID:           "run-1",
		Pass:            map[string]bool{"pkg.TestA": true},
		Fail:            map[string]bool{"pkg.TestB": true},
		CollectionError: map[string]bool{},
	}))

	h := &scriptedHarness{outputs: []RawOutput{{
		Results: []TestResult{
			{ID: "pkg.TestA", Status: StatusPass},   // unchanged-pass
			{ID: "pkg.TestB", Status: StatusPass},   // fixed
			{ID: "pkg.TestC", Status: StatusFail},   // confirmed new-fail (fails again below)
			{ID: "pkg.TestD", Status: StatusFail},   // flaky (passes on confirm below)
		},
	}, {
		Results: []TestResult{
			{ID: "pkg.TestC", Status: StatusFail},
			{ID: "pkg.TestD", Status: StatusPass},
		},
	}}}
	r := NewRunner(h, store, telemetry.Noop())

	delta, err := r.RunAttempt(ctx, "run-1", Selection{})
	require.NoError(t, err)
	require.Equal(t, plan.OutcomeUnchangedPass, delta.Outcomes["pkg.TestA"])
	require.Equal(t, plan.OutcomeFixed, delta.Outcomes["pkg.TestB"])
	require.Equal(t, plan.OutcomeNewFail, delta.Outcomes["pkg.TestC"])
	require.Equal(t, plan.OutcomeFlaky, delta.Outcomes["pkg.TestD"])

	require.ElementsMatch(t, []string{"pkg.TestC"}, delta.NewTests())
	require.ElementsMatch(t, []string{"pkg.TestB"}, delta.Fixed())
}

func TestRunAttemptSkipsPreexistingCollectionError(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryBaselineStore()
	require.NoError(t, store.Put(ctx, &plan.BaselineReport{
		RunID:           "run-1",
		Pass:            map[string]bool{},
		Fail:            map[string]bool{},
		CollectionError: map[string]bool{"pkg/broken": true},
	}))

	h := &scriptedHarness{outputs: []RawOutput{{
		CollectionErrors: []CollectionError{{Package: "pkg/broken"}},
	}}}
	r := NewRunner(h, store, telemetry.Noop())

	delta, err := r.RunAttempt(ctx, "run-1", Selection{})
	require.NoError(t, err)
	require.Empty(t, delta.NewCollectionErrors())
}

func TestPromoteBaselineMovesFixedToPass(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryBaselineStore()
	require.NoError(t, store.Put(ctx, &plan.BaselineReport{
		RunID: "run-1",
		Pass:  map[string]bool{},
		Fail:  map[string]bool{"pkg.TestB": true},
	}))
	r := NewRunner(&scriptedHarness{outputs: []RawOutput{{}}}, store, telemetry.Noop())

	delta := &plan.DeltaReport{Outcomes: map[string]plan.DeltaOutcome{"pkg.TestB": plan.OutcomeFixed}}
	require.NoError(t, r.PromoteBaseline(ctx, "run-1", delta))

	b, err := store.Get(ctx, "run-1")
	require.NoError(t, err)
	require.True(t, b.Pass["pkg.TestB"])
	require.False(t, b.Fail["pkg.TestB"])
}
