// Package types holds the result and run records shared between the runner,
// the writers and the reporting layers.
package types

import (
	"fmt"
	"time"

	"github.com/eshch/pysys/outcome"
)

// ResultKey identifies one test execution: the same test id appears once per
// cycle.
type ResultKey struct {
	ID    string
	Cycle int
}

func (k ResultKey) String() string {
	return fmt.Sprintf("%s (cycle %d)", k.ID, k.Cycle+1)
}

// TestResult is the immutable record of one test execution. It is created
// once by the worker that ran the test and never mutated afterwards; writers
// receive a shared pointer and must treat it as read-only.
type TestResult struct {
	ID        string
	Title     string
	Cycle     int
	Mode      string
	Outcome   outcome.Outcome
	Reason    string
	Signals   []outcome.Signal // full diagnostic trail, arrival order
	Start     time.Time
	Duration  time.Duration
	OutputDir string
	Host      string
}

// Key returns the (id, cycle) key for this result.
func (r *TestResult) Key() ResultKey {
	return ResultKey{ID: r.ID, Cycle: r.Cycle}
}

// RunInfo describes one orchestration run. Writers receive it at setup time,
// before any test has executed.
type RunInfo struct {
	RunID   string
	Tests   int // total scheduled executions across all cycles
	Cycles  int
	Workers int
	Start   time.Time
	Host    string
	OutDir  string
}
