package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/autopack-run/autopack/plan"
	"github.com/autopack-run/autopack/run"
)

var _ run.Store = (*Postgres)(nil)

// Upsert persists r's full state: the run row, and every phase row,
// replacing any prior record for r.ID. Phases are deleted and re-inserted
// wholesale inside one transaction rather than diffed column by column,
// matching the teacher's RunStore.Upsert shape (runtime/agent/runtime/
// run_store_status.go: "a single Upsert call both creates and updates a run
// record") applied to a parent/child pair instead of a single row.
func (p *Postgres) Upsert(ctx context.Context, r *plan.Run) error {
	planLabels, err := json.Marshal(r.Plan.Labels)
	if err != nil {
		return fmt.Errorf("store: marshal plan labels: %w", err)
	}
	providers, err := json.Marshal(r.Providers)
	if err != nil {
		return fmt.Errorf("store: marshal providers: %w", err)
	}
	counters, err := json.Marshal(r.Counters)
	if err != nil {
		return fmt.Errorf("store: marshal counters: %w", err)
	}

	tx, err := p.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO runs (id, state, plan_name, plan_description, plan_labels, providers,
			counters, failed_phase_id, failure_reason, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO UPDATE SET
			state = EXCLUDED.state,
			plan_name = EXCLUDED.plan_name,
			plan_description = EXCLUDED.plan_description,
			plan_labels = EXCLUDED.plan_labels,
			providers = EXCLUDED.providers,
			counters = EXCLUDED.counters,
			failed_phase_id = EXCLUDED.failed_phase_id,
			failure_reason = EXCLUDED.failure_reason,
			updated_at = EXCLUDED.updated_at
	`, r.ID, r.State, r.Plan.Name, r.Plan.Description, planLabels, providers,
		counters, r.FailedPhaseID, r.FailureReason, r.CreatedAt, r.UpdatedAt)
	if err != nil {
		return fmt.Errorf("store: upsert run: %w", mapError(err))
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM phases WHERE run_id = $1`, r.ID); err != nil {
		return fmt.Errorf("store: clear phases: %w", mapError(err))
	}

	for _, ph := range r.Phases {
		if err := insertPhase(ctx, tx, r.ID, ph); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit: %w", err)
	}
	return nil
}

func insertPhase(ctx context.Context, tx execer, runID string, ph *plan.Phase) error {
	deliverables, err := json.Marshal(ph.Deliverables)
	if err != nil {
		return fmt.Errorf("store: marshal deliverables: %w", err)
	}
	acceptance, err := json.Marshal(ph.AcceptanceCriteria)
	if err != nil {
		return fmt.Errorf("store: marshal acceptance criteria: %w", err)
	}
	scopePaths, err := json.Marshal(ph.ScopePaths)
	if err != nil {
		return fmt.Errorf("store: marshal scope paths: %w", err)
	}
	protectedPaths, err := json.Marshal(ph.ProtectedPaths)
	if err != nil {
		return fmt.Errorf("store: marshal protected paths: %w", err)
	}
	dependencies, err := json.Marshal(ph.Dependencies)
	if err != nil {
		return fmt.Errorf("store: marshal dependencies: %w", err)
	}
	errorHistory, err := json.Marshal(ph.ErrorHistory)
	if err != nil {
		return fmt.Errorf("store: marshal error history: %w", err)
	}
	learningHints, err := json.Marshal(ph.LearningHints)
	if err != nil {
		return fmt.Errorf("store: marshal learning hints: %w", err)
	}
	decisionTrail, err := json.Marshal(ph.DecisionTrail)
	if err != nil {
		return fmt.Errorf("store: marshal decision trail: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO phases (id, run_id, goal, original_intent, deliverables, acceptance_criteria,
			scope_paths, protected_paths, complexity, dependencies, state, retry_attempt,
			escalation_level, error_history, learning_hints, decision_trail, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
	`, ph.ID, runID, ph.Goal, ph.OriginalIntent, deliverables, acceptance, scopePaths,
		protectedPaths, ph.Complexity, dependencies, ph.State, ph.RetryAttempt, ph.EscalationLevel,
		errorHistory, learningHints, decisionTrail, ph.CreatedAt, ph.UpdatedAt)
	if err != nil {
		return fmt.Errorf("store: insert phase %s: %w", ph.ID, mapError(err))
	}
	return nil
}

// Load returns the persisted run for id, or run.ErrNotFound if none exists.
func (p *Postgres) Load(ctx context.Context, id string) (*plan.Run, error) {
	var row runRow
	err := p.db.QueryRowxContext(ctx, `
		SELECT id, state, plan_name, plan_description, plan_labels, providers, counters,
			failed_phase_id, failure_reason, created_at, updated_at
		FROM runs WHERE id = $1
	`, id).Scan(&row.ID, &row.State, &row.PlanName, &row.PlanDescription, &row.PlanLabels,
		&row.Providers, &row.Counters, &row.FailedPhaseID, &row.FailureReason,
		&row.CreatedAt, &row.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, run.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: load run: %w", mapError(err))
	}

	r, err := row.toRun()
	if err != nil {
		return nil, err
	}

	r.Phases, err = p.loadPhases(ctx, id)
	if err != nil {
		return nil, err
	}
	return r, nil
}

func (p *Postgres) loadPhases(ctx context.Context, runID string) ([]*plan.Phase, error) {
	rows, err := p.db.QueryxContext(ctx, `
		SELECT id, goal, original_intent, deliverables, acceptance_criteria, scope_paths,
			protected_paths, complexity, dependencies, state, retry_attempt, escalation_level,
			error_history, learning_hints, decision_trail, created_at, updated_at
		FROM phases WHERE run_id = $1 ORDER BY id
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("store: load phases: %w", mapError(err))
	}
	defer rows.Close()

	var out []*plan.Phase
	for rows.Next() {
		var row phaseRow
		if err := rows.Scan(&row.ID, &row.Goal, &row.OriginalIntent, &row.Deliverables,
			&row.AcceptanceCriteria, &row.ScopePaths, &row.ProtectedPaths, &row.Complexity,
			&row.Dependencies, &row.State, &row.RetryAttempt, &row.EscalationLevel,
			&row.ErrorHistory, &row.LearningHints, &row.DecisionTrail, &row.CreatedAt,
			&row.UpdatedAt); err != nil {
			return nil, fmt.Errorf("store: scan phase: %w", err)
		}
		ph, err := row.toPhase(runID)
		if err != nil {
			return nil, err
		}
		out = append(out, ph)
	}
	return out, rows.Err()
}

// ListActiveRunIDs returns every run id currently in state "queued" or
// "running", used by cmd/autopackd's resume-on-restart poll (not part of
// run.Store: the Run Orchestrator itself never needs to enumerate runs,
// only load one at a time by id).
func (p *Postgres) ListActiveRunIDs(ctx context.Context) ([]string, error) {
	rows, err := p.db.QueryxContext(ctx, `
		SELECT id FROM runs WHERE state IN ($1, $2)
	`, string(plan.RunQueued), string(plan.RunRunning))
	if err != nil {
		return nil, fmt.Errorf("store: list active runs: %w", mapError(err))
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("store: scan active run id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// UpdatePhaseState persists a single phase's state column in isolation,
// independent of Upsert's full run/phase rewrite. Used by
// phase.Activities.RequestApproval to make "awaiting-approval" (spec.md
// §6's externally-queryable phase state enum) observable for the
// duration of an approval wait, a window Upsert itself never runs during.
func (p *Postgres) UpdatePhaseState(ctx context.Context, runID, phaseID string, state plan.PhaseState) error {
	_, err := p.db.ExecContext(ctx, `
		UPDATE phases SET state = $1, updated_at = now() WHERE id = $2 AND run_id = $3
	`, string(state), phaseID, runID)
	if err != nil {
		return fmt.Errorf("store: update phase state: %w", mapError(err))
	}
	return nil
}

// execer is the subset of *sqlx.Tx behavior insertPhase needs, narrowed so
// it can be unit tested against a plain *sql.Tx wrapped by sqlx as well.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

type runRow struct {
	ID              string
	State           string
	PlanName        string
	PlanDescription string
	PlanLabels      []byte
	Providers       []byte
	Counters        []byte
	FailedPhaseID   string
	FailureReason   string
	CreatedAt       sql.NullTime
	UpdatedAt       sql.NullTime
}

func (row runRow) toRun() (*plan.Run, error) {
	r := &plan.Run{
		ID:            row.ID,
		State:         plan.RunState(row.State),
		FailedPhaseID: row.FailedPhaseID,
		FailureReason: row.FailureReason,
		Plan:          plan.PlanMetadata{Name: row.PlanName, Description: row.PlanDescription},
		CreatedAt:     row.CreatedAt.Time,
		UpdatedAt:     row.UpdatedAt.Time,
	}
	if err := json.Unmarshal(row.PlanLabels, &r.Plan.Labels); err != nil {
		return nil, fmt.Errorf("store: unmarshal plan labels: %w", err)
	}
	if err := json.Unmarshal(row.Providers, &r.Providers); err != nil {
		return nil, fmt.Errorf("store: unmarshal providers: %w", err)
	}
	if err := json.Unmarshal(row.Counters, &r.Counters); err != nil {
		return nil, fmt.Errorf("store: unmarshal counters: %w", err)
	}
	return r, nil
}

type phaseRow struct {
	ID                 string
	Goal               string
	OriginalIntent     string
	Deliverables       []byte
	AcceptanceCriteria []byte
	ScopePaths         []byte
	ProtectedPaths     []byte
	Complexity         string
	Dependencies       []byte
	State              string
	RetryAttempt       int
	EscalationLevel    int
	ErrorHistory       []byte
	LearningHints      []byte
	DecisionTrail      []byte
	CreatedAt          sql.NullTime
	UpdatedAt          sql.NullTime
}

func (row phaseRow) toPhase(runID string) (*plan.Phase, error) {
	ph := &plan.Phase{
		ID:              row.ID,
		Run:             runID,
		Goal:            row.Goal,
		OriginalIntent:  row.OriginalIntent,
		Complexity:      plan.Complexity(row.Complexity),
		State:           plan.PhaseState(row.State),
		RetryAttempt:    row.RetryAttempt,
		EscalationLevel: row.EscalationLevel,
		CreatedAt:       row.CreatedAt.Time,
		UpdatedAt:       row.UpdatedAt.Time,
	}
	if err := json.Unmarshal(row.Deliverables, &ph.Deliverables); err != nil {
		return nil, fmt.Errorf("store: unmarshal phase %s: %w", row.ID, err)
	}
	if err := json.Unmarshal(row.AcceptanceCriteria, &ph.AcceptanceCriteria); err != nil {
		return nil, fmt.Errorf("store: unmarshal phase %s: %w", row.ID, err)
	}
	if err := json.Unmarshal(row.ScopePaths, &ph.ScopePaths); err != nil {
		return nil, fmt.Errorf("store: unmarshal phase %s: %w", row.ID, err)
	}
	if err := json.Unmarshal(row.ProtectedPaths, &ph.ProtectedPaths); err != nil {
		return nil, fmt.Errorf("store: unmarshal phase %s: %w", row.ID, err)
	}
	if err := json.Unmarshal(row.Dependencies, &ph.Dependencies); err != nil {
		return nil, fmt.Errorf("store: unmarshal phase %s: %w", row.ID, err)
	}
	if err := json.Unmarshal(row.LearningHints, &ph.LearningHints); err != nil {
		return nil, fmt.Errorf("store: unmarshal phase %s: %w", row.ID, err)
	}
	if err := json.Unmarshal(row.ErrorHistory, &ph.ErrorHistory); err != nil {
		return nil, fmt.Errorf("store: unmarshal error history: %w", err)
	}
	if err := json.Unmarshal(row.DecisionTrail, &ph.DecisionTrail); err != nil {
		return nil, fmt.Errorf("store: unmarshal decision trail: %w", err)
	}
	return ph, nil
}
