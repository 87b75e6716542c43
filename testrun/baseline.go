package testrun

import (
	"context"
	"sync"

	"github.com/autopack-run/autopack/plan"
)

// MemoryBaselineStore is an in-memory BaselineStore, grounded on the
// teacher's registry/store/memory mutex-guarded-map pattern. Suitable for
// single-node operation and tests; a relational-backed implementation
// lives in store/ for multi-node durability (spec §3's "BaselineReports
// live until recomputed").
type MemoryBaselineStore struct {
	mu   sync.Mutex
	data map[string]*plan.BaselineReport
}

// NewMemoryBaselineStore constructs an empty store.
func NewMemoryBaselineStore() *MemoryBaselineStore {
	return &MemoryBaselineStore{data: map[string]*plan.BaselineReport{}}
}

func (s *MemoryBaselineStore) Get(_ context.Context, runID string) (*plan.BaselineReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.data[runID]
	if !ok {
		return nil, plan.ErrNotFound
	}
	cp := *b
	return &cp, nil
}

func (s *MemoryBaselineStore) Put(_ context.Context, b *plan.BaselineReport) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *b
	s.data[b.RunID] = &cp
	return nil
}
