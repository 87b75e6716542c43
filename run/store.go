package run

import (
	"context"
	"errors"
	"sync"

	"github.com/autopack-run/autopack/plan"
)

// ErrNotFound is returned by Store.Load when no run exists for the given id.
var ErrNotFound = errors.New("run: not found")

// Store is the Run Orchestrator's persistence contract (spec §4.11: "persists
// run/phase state"). A single Upsert call both creates and updates a run, since
// the orchestrator only ever holds the full in-memory *plan.Run for the
// duration of a dispatch step — there is no partial-row update path, matching
// the teacher's RunStore.Upsert shape in runtime/agent/runtime/run_store_status.go.
type Store interface {
	// Upsert persists r's current state, replacing any prior record for r.ID.
	Upsert(ctx context.Context, r *plan.Run) error

	// Load returns the persisted run for id, or ErrNotFound if none exists.
	Load(ctx context.Context, id string) (*plan.Run, error)

	// TryAdvisoryLock attempts to acquire cross-process exclusivity for id
	// (spec §5: "Postgres advisory lock keyed by run-id"). Returns false,
	// without blocking, if another process already holds the lock. Release
	// must be called exactly once for every successful acquisition.
	TryAdvisoryLock(ctx context.Context, id string) (bool, error)

	// Release gives up a lock acquired by TryAdvisoryLock.
	Release(ctx context.Context, id string) error
}

// MemoryStore is an in-process Store backed by a map, used by tests and by
// single-process deployments that do not need cross-process exclusivity. A
// real pgx-backed Store lives in the store package; MemoryStore's advisory
// lock is a plain in-memory mutex set, sufficient when only one orchestrator
// process exists.
type MemoryStore struct {
	mu    sync.Mutex
	runs  map[string]*plan.Run
	locks map[string]bool
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		runs:  make(map[string]*plan.Run),
		locks: make(map[string]bool),
	}
}

func (s *MemoryStore) Upsert(_ context.Context, r *plan.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *r
	s.runs[r.ID] = &cp
	return nil
}

func (s *MemoryStore) Load(_ context.Context, id string) (*plan.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *r
	return &cp, nil
}

// UpdatePhaseState mutates the matching phase's state in place, mirroring
// store.Postgres.UpdatePhaseState's single-column write for tests and
// single-process deployments.
func (s *MemoryStore) UpdatePhaseState(_ context.Context, runID, phaseID string, state plan.PhaseState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[runID]
	if !ok {
		return ErrNotFound
	}
	for _, ph := range r.Phases {
		if ph.ID == phaseID {
			ph.State = state
		}
	}
	return nil
}

func (s *MemoryStore) TryAdvisoryLock(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.locks[id] {
		return false, nil
	}
	s.locks[id] = true
	return true, nil
}

func (s *MemoryStore) Release(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.locks, id)
	return nil
}
