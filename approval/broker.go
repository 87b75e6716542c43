// Package approval implements the Approval Broker (C5): durable,
// idempotent human-approval requests with a timeout sweeper, backed by
// Redis. Grounded on the teacher's registry/result_stream.go
// ResultStreamManager: a mapping persisted in Redis for cross-node lookup,
// a TTL-bounded wait, and cleanup on resolution. Since goa-ai's Pulse
// stream layer (the DSL/runtime half of that file) is out of scope here
// (see DESIGN.md's dropped-dependency notes), the wait/notify/TTL
// primitives are implemented directly against go-redis — the same
// library, used at the command level instead of through Pulse's stream
// abstraction.
package approval

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/autopack-run/autopack/config"
	"github.com/autopack-run/autopack/ids"
	"github.com/autopack-run/autopack/plan"
	"github.com/autopack-run/autopack/telemetry"
)

// Broker is the Approval Broker. One Broker instance may be shared by any
// number of orchestrator nodes; pending-request state lives in Redis, not
// in process memory, so waiters on different nodes observe the same
// resolution (spec §4.5's ordering guarantee).
type Broker struct {
	rdb       *redis.Client
	cfg       config.Approval
	telemetry telemetry.Bundle
}

// New constructs a Broker.
func New(rdb *redis.Client, cfg config.Approval, tb telemetry.Bundle) *Broker {
	if tb.Logger == nil {
		tb = telemetry.Noop()
	}
	return &Broker{rdb: rdb, cfg: cfg, telemetry: tb}
}

// Request persists req as a pending approval, subscribes for its
// resolution, and blocks until a response arrives, the enclosing context
// is canceled, or timeout_at elapses — at which point it resolves the
// request itself with the configured default, exactly as the background
// sweeper would (so a single-node deployment without a running sweeper
// still honors the timeout contract).
func (b *Broker) Request(ctx context.Context, req *plan.ApprovalRequest) (*plan.ApprovalRequest, error) {
	if req.RequestID == "" {
		req.RequestID = ids.NewApprovalRequestID()
	}
	now := time.Now()
	req.Status = plan.ApprovalPending
	req.CreatedAt = now
	if req.TimeoutAt.IsZero() {
		req.TimeoutAt = now.Add(time.Duration(b.cfg.TimeoutSeconds) * time.Second)
	}
	if req.DefaultOnTimeout == "" {
		req.DefaultOnTimeout = defaultDecision(b.cfg.DefaultOnTimeout)
	}

	if err := b.store(ctx, req); err != nil {
		return nil, err
	}
	if err := b.rdb.ZAdd(ctx, pendingZSetKey(), redis.Z{
		Score: float64(req.TimeoutAt.Unix()), Member: req.RequestID,
	}).Err(); err != nil {
		return nil, plan.Wrap(plan.PersistenceError, "indexing pending approval failed", err)
	}

	sub := b.rdb.Subscribe(ctx, channelKey(req.RequestID))
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		return nil, plan.Wrap(plan.PersistenceError, "subscribing to approval resolution channel failed", err)
	}

	b.telemetry.Logger.Info(ctx, "approval requested", "request_id", req.RequestID, "kind", string(req.Kind))
	b.telemetry.Metrics.IncCounter("approval.requested", 1)

	select {
	case <-sub.Channel():
		return b.load(ctx, req.RequestID)
	case <-ctx.Done():
		return b.load(ctx, req.RequestID)
	case <-time.After(time.Until(req.TimeoutAt)):
		resolved, err := b.resolve(ctx, req.RequestID, plan.ApprovalTimedOut, req.DefaultOnTimeout, "system", "timeout")
		if err == plan.ErrAlreadyResolved {
			return b.load(ctx, req.RequestID)
		}
		return resolved, err
	}
}

// Respond resolves a pending request with a human decision. Idempotent:
// the first call to resolve a given request-id wins; later calls return
// plan.ErrAlreadyResolved (spec §4.5).
func (b *Broker) Respond(ctx context.Context, requestID string, decision plan.ApprovalDecision, decidedBy, reason string) (*plan.ApprovalRequest, error) {
	status := plan.ApprovalRejected
	if decision == plan.DecisionApprove {
		status = plan.ApprovalApproved
	}
	return b.resolve(ctx, requestID, status, decision, decidedBy, reason)
}

// Cancel marks a pending request errored, used when the enclosing phase
// terminates while the request is still outstanding (spec §4.5).
func (b *Broker) Cancel(ctx context.Context, requestID, reason string) error {
	_, err := b.resolve(ctx, requestID, plan.ApprovalErrored, plan.DecisionReject, "system", reason)
	if err == plan.ErrAlreadyResolved {
		return nil
	}
	return err
}

// SweepExpired resolves every pending request whose timeout_at has
// passed, applying each request's own default_on_timeout. Intended to be
// called at bounded cadence (config.Approval.SweepInterval) by a
// long-running goroutine; exposed as a single pass here so callers
// control their own scheduling and shutdown.
func (b *Broker) SweepExpired(ctx context.Context) (int, error) {
	now := float64(time.Now().Unix())
	expired, err := b.rdb.ZRangeByScore(ctx, pendingZSetKey(), &redis.ZRangeBy{Min: "-inf", Max: fmt.Sprintf("%f", now)}).Result()
	if err != nil {
		return 0, plan.Wrap(plan.PersistenceError, "scanning expired approvals failed", err)
	}
	resolved := 0
	for _, id := range expired {
		req, err := b.load(ctx, id)
		if err != nil {
			continue
		}
		if _, err := b.resolve(ctx, id, plan.ApprovalTimedOut, req.DefaultOnTimeout, "system", "timeout"); err == nil {
			resolved++
		}
	}
	return resolved, nil
}

// resolve atomically claims resolution of requestID (first caller wins),
// mutates and persists the request, removes it from the pending index,
// and publishes the resolution so any blocked Request callers wake.
func (b *Broker) resolve(ctx context.Context, requestID string, status plan.ApprovalStatus, decision plan.ApprovalDecision, decidedBy, reason string) (*plan.ApprovalRequest, error) {
	claimed, err := b.rdb.SetNX(ctx, claimKey(requestID), "1", 24*time.Hour).Result()
	if err != nil {
		return nil, plan.Wrap(plan.PersistenceError, "claiming approval resolution failed", err)
	}
	if !claimed {
		return nil, plan.ErrAlreadyResolved
	}

	req, err := b.load(ctx, requestID)
	if err != nil {
		return nil, err
	}
	req.Status = status
	req.DecidedAt = time.Now()
	req.DecidedBy = decidedBy
	req.Reason = reason
	if status == plan.ApprovalApproved {
		if path, ok := req.Evidence["path"].(string); ok && path != "" {
			req.ExceptionToken = &plan.ExceptionToken{Path: path, RequestID: req.RequestID, IssuedAt: req.DecidedAt}
		}
	}

	if err := b.store(ctx, req); err != nil {
		return nil, err
	}
	if err := b.rdb.ZRem(ctx, pendingZSetKey(), requestID).Err(); err != nil {
		b.telemetry.Logger.Error(ctx, "removing resolved approval from pending index failed", "request_id", requestID, "error", err)
	}
	if err := b.rdb.Publish(ctx, channelKey(requestID), string(status)).Err(); err != nil {
		b.telemetry.Logger.Error(ctx, "publishing approval resolution failed", "request_id", requestID, "error", err)
	}

	b.telemetry.Metrics.IncCounter("approval.resolved", 1)
	return req, nil
}

func (b *Broker) store(ctx context.Context, req *plan.ApprovalRequest) error {
	data, err := json.Marshal(req)
	if err != nil {
		return plan.Wrap(plan.PersistenceError, "encoding approval request failed", err)
	}
	if err := b.rdb.Set(ctx, requestKey(req.RequestID), data, 0).Err(); err != nil {
		return plan.Wrap(plan.PersistenceError, "persisting approval request failed", err)
	}
	return nil
}

func (b *Broker) load(ctx context.Context, requestID string) (*plan.ApprovalRequest, error) {
	data, err := b.rdb.Get(ctx, requestKey(requestID)).Bytes()
	if err == redis.Nil {
		return nil, plan.ErrNotFound
	}
	if err != nil {
		return nil, plan.Wrap(plan.PersistenceError, "loading approval request failed", err)
	}
	var req plan.ApprovalRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, plan.Wrap(plan.PersistenceError, "decoding approval request failed", err)
	}
	return &req, nil
}

func defaultDecision(s string) plan.ApprovalDecision {
	if s == string(plan.DecisionApprove) {
		return plan.DecisionApprove
	}
	return plan.DecisionReject
}
