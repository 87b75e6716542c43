// Package testrun implements the Test Runner & Baseline Store (C3): it
// drives a pluggable test harness, captures the run-start baseline (T0),
// and classifies every subsequent run's results against it into a
// DeltaReport (spec §4.3).
package testrun

import (
	"context"

	"github.com/autopack-run/autopack/plan"
)

// Selection scopes which tests a Harness runs. The zero value means "run
// the full suite", the configurable default spec §4.3 names.
type Selection struct {
	Packages []string // e.g. "./..." equivalents; empty means everything
	Tests    []string // specific test ids to re-run; used for flaky confirmation
}

// Full reports whether the selection covers the entire suite.
func (s Selection) Full() bool { return len(s.Packages) == 0 && len(s.Tests) == 0 }

// ResultStatus is one test's pass/fail/skip outcome in a RawOutput.
type ResultStatus string

const (
	StatusPass ResultStatus = "pass"
	StatusFail ResultStatus = "fail"
	StatusSkip ResultStatus = "skip"
)

// TestResult is one test's outcome from a single harness run.
type TestResult struct {
	ID      string // stable identifier, e.g. "pkg/path.TestName"
	Package string
	Status  ResultStatus
	Output  string
}

// CollectionError is a package that failed to build/collect, independent
// of any individual test outcome (spec §4.3, §4.9).
type CollectionError struct {
	Package string
	Output  string
}

// RawOutput is what a Harness returns: every test result it observed plus
// any collection errors, from one invocation of the suite (or a subset).
type RawOutput struct {
	Results          []TestResult
	CollectionErrors []CollectionError
}

// Harness is the §6 "Test harness" contract: run(selection) -> raw_output.
// Implementations may shell out to a local test runner (GoTestHarness) or
// delegate to an out-of-process runner (testrun/remote).
type Harness interface {
	Run(ctx context.Context, sel Selection) (RawOutput, error)
}

// BaselineStore persists one BaselineReport per run and mutates its
// watermark as phases fix pre-existing failures (spec §4.3's
// "recomputation of T0").
type BaselineStore interface {
	Get(ctx context.Context, runID string) (*plan.BaselineReport, error)
	Put(ctx context.Context, b *plan.BaselineReport) error
}
