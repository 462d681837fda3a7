package runner

import (
	"time"

	"github.com/eshch/pysys/harness"
	"github.com/eshch/pysys/outcome"
	"github.com/eshch/pysys/perf"
	"github.com/eshch/pysys/types"
	"github.com/eshch/pysys/writer"
)

// TestUnit is one scheduled execution of a test. Units arrive from discovery
// with Cycle zero; the scheduler stamps the cycle when it builds the
// backlog. A unit is immutable once scheduled and owned by the worker
// executing it.
type TestUnit struct {
	ID    string
	Title string
	Mode  string

	// Cycle is the zero-based cycle index this execution belongs to.
	Cycle int

	// SkipReason marks the unit skipped at scheduling time: it is still
	// dispatched and reported, but no phase runs.
	SkipReason string

	// Make builds a fresh test case instance for one execution.
	Make func() harness.TestCase
}

// RunContext configures one run: the backlog, the pool shape and the
// defaults every test starts from. Immutable once the run begins.
type RunContext struct {
	// Units in discovery order. The scheduler expands them across cycles.
	Units []TestUnit

	// Cycles is how many times the backlog runs; values below 1 mean once.
	Cycles int

	// Workers sizes the pool; 0 resolves to the available parallelism.
	Workers int

	// OutputDir is the run's output root; each test gets a subdirectory.
	OutputDir string

	// Pipeline receives lifecycle events and results. Required.
	Pipeline *writer.Pipeline

	// Precedence resolves outcome signals; nil selects the default order.
	Precedence outcome.Precedence

	// IgnoreExitStatus stops non-zero exit statuses of supervised processes
	// from failing tests by default.
	IgnoreExitStatus bool

	// AbortOnError makes failed waits and process starts abort the phase by
	// default instead of recording and continuing.
	AbortOnError bool

	// Timeouts are the default deadlines tests inherit.
	Timeouts harness.Timeouts

	// Perf receives performance results; nil disables reporting.
	Perf *perf.Reporter

	// Purge removes the whole output directory of tests that passed.
	Purge bool
}

// RunResult is what one run produced: a result per dispatched execution,
// keyed by (id, cycle). Executions never dispatched because of an interrupt
// are absent and counted by NotRun.
type RunResult struct {
	RunID     string
	Results   map[types.ResultKey]*types.TestResult
	Scheduled int
	Start     time.Time
	Duration  time.Duration
}

// Counts tallies the results by final outcome class.
func (r *RunResult) Counts() (passed, failed, inconclusive int) {
	for _, res := range r.Results {
		switch {
		case res.Outcome == outcome.Passed:
			passed++
		case res.Outcome.IsFailure():
			failed++
		default:
			inconclusive++
		}
	}
	return passed, failed, inconclusive
}

// HasFailures reports whether any dispatched execution failed.
func (r *RunResult) HasFailures() bool {
	for _, res := range r.Results {
		if res.Outcome.IsFailure() {
			return true
		}
	}
	return false
}

// NotRun is how many scheduled executions were never dispatched.
func (r *RunResult) NotRun() int {
	return r.Scheduled - len(r.Results)
}
