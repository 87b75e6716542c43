package approval

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/autopack-run/autopack/config"
	"github.com/autopack-run/autopack/plan"
	"github.com/autopack-run/autopack/telemetry"
)

func newTestBroker(t *testing.T) (*Broker, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	cfg := config.Approval{TimeoutSeconds: 60, DefaultOnTimeout: "reject"}
	return New(rdb, cfg, telemetry.Noop()), mr
}

func testRequest() *plan.ApprovalRequest {
	return &plan.ApprovalRequest{
		RunID:    "run_1",
		PhaseID:  "phase_1",
		Kind:     plan.ApprovalRiskyPatch,
		Summary:  "deletes a public function",
		Evidence: map[string]any{"path": "src/foo.go"},
	}
}

func TestRespondResolvesPendingRequest(t *testing.T) {
	b, _ := newTestBroker(t)
	req := testRequest()
	req.RequestID = "appr_1"
	ctx := context.Background()

	require.NoError(t, b.store(ctx, req))
	require.NoError(t, b.rdb.ZAdd(ctx, pendingZSetKey(), redis.Z{Score: 1, Member: req.RequestID}).Err())

	resolved, err := b.Respond(ctx, req.RequestID, plan.DecisionApprove, "alice", "looks fine")
	require.NoError(t, err)
	require.Equal(t, plan.ApprovalApproved, resolved.Status)
	require.Equal(t, "alice", resolved.DecidedBy)
	require.NotNil(t, resolved.ExceptionToken)
	require.Equal(t, "src/foo.go", resolved.ExceptionToken.Path)

	members, err := b.rdb.ZRange(ctx, pendingZSetKey(), 0, -1).Result()
	require.NoError(t, err)
	require.Empty(t, members)
}

func TestRespondIsIdempotent(t *testing.T) {
	b, _ := newTestBroker(t)
	req := testRequest()
	req.RequestID = "appr_2"
	ctx := context.Background()
	require.NoError(t, b.store(ctx, req))

	_, err := b.Respond(ctx, req.RequestID, plan.DecisionApprove, "alice", "first")
	require.NoError(t, err)

	_, err = b.Respond(ctx, req.RequestID, plan.DecisionReject, "bob", "late")
	require.ErrorIs(t, err, plan.ErrAlreadyResolved)

	resolved, err := b.load(ctx, req.RequestID)
	require.NoError(t, err)
	require.Equal(t, plan.ApprovalApproved, resolved.Status, "first resolution wins")
}

func TestCancelMarksErroredAndIsIdempotentWithRespond(t *testing.T) {
	b, _ := newTestBroker(t)
	req := testRequest()
	req.RequestID = "appr_3"
	ctx := context.Background()
	require.NoError(t, b.store(ctx, req))

	require.NoError(t, b.Cancel(ctx, req.RequestID, "enclosing-phase-terminated"))

	resolved, err := b.load(ctx, req.RequestID)
	require.NoError(t, err)
	require.Equal(t, plan.ApprovalErrored, resolved.Status)

	require.NoError(t, b.Cancel(ctx, req.RequestID, "enclosing-phase-terminated"))
}

func TestSweepExpiredResolvesPastDeadline(t *testing.T) {
	b, _ := newTestBroker(t)
	ctx := context.Background()

	req := testRequest()
	req.RequestID = "appr_4"
	req.DefaultOnTimeout = plan.DecisionReject
	req.TimeoutAt = time.Now().Add(-time.Minute)
	require.NoError(t, b.store(ctx, req))
	require.NoError(t, b.rdb.ZAdd(ctx, pendingZSetKey(), redis.Z{
		Score: float64(req.TimeoutAt.Unix()), Member: req.RequestID,
	}).Err())

	future := testRequest()
	future.RequestID = "appr_5"
	future.TimeoutAt = time.Now().Add(time.Hour)
	require.NoError(t, b.store(ctx, future))
	require.NoError(t, b.rdb.ZAdd(ctx, pendingZSetKey(), redis.Z{
		Score: float64(future.TimeoutAt.Unix()), Member: future.RequestID,
	}).Err())

	n, err := b.SweepExpired(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	resolved, err := b.load(ctx, req.RequestID)
	require.NoError(t, err)
	require.Equal(t, plan.ApprovalTimedOut, resolved.Status)
	require.Equal(t, "timeout", resolved.Reason)
	require.Nil(t, resolved.ExceptionToken, "timed-out requests never carry an exception token")

	stillPending, err := b.load(ctx, future.RequestID)
	require.NoError(t, err)
	require.Equal(t, plan.ApprovalPending, stillPending.Status)
}

func TestRequestResolvesOnResponseBeforeTimeout(t *testing.T) {
	b, _ := newTestBroker(t)
	ctx := context.Background()
	req := testRequest()

	done := make(chan *plan.ApprovalRequest, 1)
	errc := make(chan error, 1)
	go func() {
		resolved, err := b.Request(ctx, req)
		done <- resolved
		errc <- err
	}()

	// Request mutates req.RequestID in place before it subscribes and blocks.
	require.Eventually(t, func() bool {
		return req.RequestID != ""
	}, time.Second, 5*time.Millisecond)

	_, err := b.Respond(ctx, req.RequestID, plan.DecisionApprove, "carol", "approved")
	require.NoError(t, err)

	select {
	case resolved := <-done:
		require.NoError(t, <-errc)
		require.Equal(t, plan.ApprovalApproved, resolved.Status)
	case <-time.After(2 * time.Second):
		t.Fatal("Request did not return after Respond")
	}
}

func TestDefaultDecisionParsing(t *testing.T) {
	require.Equal(t, plan.DecisionApprove, defaultDecision("approve"))
	require.Equal(t, plan.DecisionReject, defaultDecision("reject"))
	require.Equal(t, plan.DecisionReject, defaultDecision(""))
}
