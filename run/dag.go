package run

import (
	"fmt"

	"github.com/autopack-run/autopack/plan"
)

// topoOrder returns phases ordered so that every phase appears after all of
// its Dependencies (spec §4.11: "a phase enters running only when all
// dependencies are complete"). Ties among independents preserve input order,
// so a plan with no dependencies at all runs in submission order. Returns an
// error if the dependency graph contains a cycle or names an unknown phase.
func topoOrder(phases []*plan.Phase) ([]*plan.Phase, error) {
	byID := make(map[string]*plan.Phase, len(phases))
	for _, ph := range phases {
		byID[ph.ID] = ph
	}
	for _, ph := range phases {
		for _, dep := range ph.Dependencies {
			if _, ok := byID[dep]; !ok {
				return nil, fmt.Errorf("run: phase %q depends on unknown phase %q", ph.ID, dep)
			}
		}
	}

	const (
		unvisited = 0
		visiting  = 1
		visited   = 2
	)
	mark := make(map[string]int, len(phases))
	order := make([]*plan.Phase, 0, len(phases))

	var visit func(ph *plan.Phase) error
	visit = func(ph *plan.Phase) error {
		switch mark[ph.ID] {
		case visited:
			return nil
		case visiting:
			return fmt.Errorf("run: dependency cycle involving phase %q", ph.ID)
		}
		mark[ph.ID] = visiting
		for _, dep := range ph.Dependencies {
			if err := visit(byID[dep]); err != nil {
				return err
			}
		}
		mark[ph.ID] = visited
		order = append(order, ph)
		return nil
	}

	for _, ph := range phases {
		if err := visit(ph); err != nil {
			return nil, err
		}
	}
	return order, nil
}

// depsComplete reports whether every one of ph's dependencies has reached
// PhaseComplete in run.
func depsComplete(ph *plan.Phase, byID map[string]*plan.Phase) bool {
	for _, dep := range ph.Dependencies {
		d, ok := byID[dep]
		if !ok || d.State != plan.PhaseComplete {
			return false
		}
	}
	return true
}
