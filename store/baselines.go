package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/autopack-run/autopack/plan"
	"github.com/autopack-run/autopack/testrun"
)

var _ testrun.BaselineStore = (*Postgres)(nil)

// Get returns the persisted baseline for runID, or plan.ErrNotFound if none
// has been captured yet, matching testrun.MemoryBaselineStore's sentinel so
// callers (testrun.Runner) don't branch on which BaselineStore implementation
// they were given.
func (p *Postgres) Get(ctx context.Context, runID string) (*plan.BaselineReport, error) {
	var pass, fail, collErr []byte
	b := &plan.BaselineReport{RunID: runID}

	err := p.db.QueryRowxContext(ctx, `
		SELECT pass, fail, collection_error, discovery_hash, captured_at
		FROM baselines WHERE run_id = $1
	`, runID).Scan(&pass, &fail, &collErr, &b.DiscoveryHash, &b.CapturedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, plan.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: load baseline: %w", mapError(err))
	}

	if err := json.Unmarshal(pass, &b.Pass); err != nil {
		return nil, fmt.Errorf("store: unmarshal baseline pass set: %w", err)
	}
	if err := json.Unmarshal(fail, &b.Fail); err != nil {
		return nil, fmt.Errorf("store: unmarshal baseline fail set: %w", err)
	}
	if err := json.Unmarshal(collErr, &b.CollectionError); err != nil {
		return nil, fmt.Errorf("store: unmarshal baseline collection-error set: %w", err)
	}
	return b, nil
}

// Put persists b, replacing any prior baseline for b.RunID (spec §4.3:
// baselines are recomputed at well-defined points during a run, not
// appended).
func (p *Postgres) Put(ctx context.Context, b *plan.BaselineReport) error {
	pass, err := json.Marshal(b.Pass)
	if err != nil {
		return fmt.Errorf("store: marshal baseline pass set: %w", err)
	}
	fail, err := json.Marshal(b.Fail)
	if err != nil {
		return fmt.Errorf("store: marshal baseline fail set: %w", err)
	}
	collErr, err := json.Marshal(b.CollectionError)
	if err != nil {
		return fmt.Errorf("store: marshal baseline collection-error set: %w", err)
	}

	_, err = p.db.ExecContext(ctx, `
		INSERT INTO baselines (run_id, pass, fail, collection_error, discovery_hash, captured_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (run_id) DO UPDATE SET
			pass = EXCLUDED.pass,
			fail = EXCLUDED.fail,
			collection_error = EXCLUDED.collection_error,
			discovery_hash = EXCLUDED.discovery_hash,
			captured_at = EXCLUDED.captured_at
	`, b.RunID, pass, fail, collErr, b.DiscoveryHash, b.CapturedAt)
	if err != nil {
		return fmt.Errorf("store: upsert baseline: %w", mapError(err))
	}
	return nil
}
