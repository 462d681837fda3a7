// Package harness provides the execution context a test case receives: the
// capability to start and supervise processes, wait on conditions, raise
// outcome signals and register cleanup, all scoped to the test's private
// output directory.
package harness

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/log"

	"github.com/eshch/pysys/outcome"
	"github.com/eshch/pysys/perf"
	"github.com/eshch/pysys/process"
)

// TestCase is the entry point a test unit exposes. The runner drives the
// phases in order; Cleanup is always invoked, whatever the earlier phases
// did.
type TestCase interface {
	Setup(t *T) error
	Execute(t *T) error
	Validate(t *T) error
	Cleanup(t *T)
}

// Base provides no-op phases so a case only has to implement the ones it
// needs.
type Base struct{}

func (Base) Setup(*T) error    { return nil }
func (Base) Execute(*T) error  { return nil }
func (Base) Validate(*T) error { return nil }
func (Base) Cleanup(*T)        {}

// AbortError terminates the running phase early. The outcome it carries has
// already been recorded by the time the error is returned; the runner does
// not add another signal for it.
type AbortError struct {
	Outcome outcome.Outcome
	Reason  string
}

func (e *AbortError) Error() string {
	return fmt.Sprintf("%s: %s", e.Outcome, e.Reason)
}

// Timeouts are the default deadlines applied when a call passes zero. Zero
// fields fall back to the package defaults of the process and wait layers.
type Timeouts struct {
	Process time.Duration // foreground process wait
	Pattern time.Duration // signal wait in a file
	File    time.Duration // file creation wait
	Socket  time.Duration // socket wait
}

// Config assembles a test context. The runner fills this in from the run
// context and the test unit.
type Config struct {
	ID        string
	Title     string
	Cycle     int
	Mode      string
	OutputDir string
	Log       log.Logger

	// Ctx bounds the whole execution; the runner cancels it when the run is
	// interrupted. Nil means context.Background.
	Ctx context.Context

	// Precedence used to resolve this test's signals; nil selects the
	// default order.
	Precedence outcome.Precedence

	// IgnoreExitStatus is the default for processes that do not specify
	// their own: a non-zero exit status is recorded but raises no signal.
	IgnoreExitStatus bool

	// AbortOnError makes failed waits and process starts abort the phase
	// instead of recording a signal and continuing.
	AbortOnError bool

	Timeouts Timeouts

	// Perf receives performance results; nil disables reporting.
	Perf *perf.Reporter
}

// T is the execution context handed to every phase of a test case. It is
// owned by the single worker running the test; the methods that record
// outcomes are nevertheless safe to call from goroutines the test spawns.
type T struct {
	cfg Config
	rec *outcome.Recorder

	// Log is tagged with the test id (and cycle when cycling) and routed to
	// the test's run.log.
	Log log.Logger

	mu       sync.Mutex
	procs    []*process.Process
	monitors []*process.Monitor
	cleanups []func()
	names    process.Names
}

// New builds the context for one test execution.
func New(cfg Config) *T {
	return &T{
		cfg: cfg,
		rec: outcome.NewRecorder(cfg.Precedence),
		Log: cfg.Log,
	}
}

// ID returns the test's identity.
func (t *T) ID() string { return t.cfg.ID }

// Cycle returns the zero-based cycle index this execution belongs to.
func (t *T) Cycle() int { return t.cfg.Cycle }

// Mode returns the mode tag the test was scheduled with.
func (t *T) Mode() string { return t.cfg.Mode }

// OutputDir returns the test's private output directory. Everything the test
// writes belongs under it.
func (t *T) OutputDir() string { return t.cfg.OutputDir }

// Context returns the context bounding this execution. Phases that block
// should pass it to the harness calls they make.
func (t *T) Context() context.Context {
	if t.cfg.Ctx == nil {
		return context.Background()
	}
	return t.cfg.Ctx
}

// AddOutcome raises an outcome signal.
func (t *T) AddOutcome(o outcome.Outcome, reason string) {
	t.rec.AddSignal(outcome.Signal{Outcome: o, Reason: reason, Site: outcome.Callsite(1), Time: time.Now()})
}

// OverrideOutcome discards the signals raised so far and replaces them.
func (t *T) OverrideOutcome(o outcome.Outcome, reason string) {
	t.rec.Override(o, reason)
}

// Outcome resolves the signals raised so far.
func (t *T) Outcome() outcome.Outcome { return t.rec.Final() }

// OutcomeReason returns the reason retained for the current outcome.
func (t *T) OutcomeReason() string { return t.rec.Reason() }

// Signals returns the full diagnostic trail.
func (t *T) Signals() []outcome.Signal { return t.rec.Signals() }

// Abort records o and returns an AbortError ending the phase.
func (t *T) Abort(o outcome.Outcome, reason string) error {
	t.rec.AddSignal(outcome.Signal{Outcome: o, Reason: reason, Site: outcome.Callsite(1), Time: time.Now()})
	return &AbortError{Outcome: o, Reason: reason}
}

// Skip marks the test skipped and ends the phase.
func (t *T) Skip(reason string) error {
	t.rec.AddSignal(outcome.Signal{Outcome: outcome.Skipped, Reason: reason, Site: outcome.Callsite(1), Time: time.Now()})
	return &AbortError{Outcome: outcome.Skipped, Reason: reason}
}

// AddCleanup registers fn to run during cleanup. Functions run in reverse
// registration order, before the test's processes are stopped.
func (t *T) AddCleanup(fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cleanups = append(t.cleanups, fn)
}

// RunCleanup runs registered cleanup functions in reverse order, stops every
// monitor and then stops every process still tracked. Faults are logged and
// swallowed so one failing step cannot leave later ones unexecuted. The
// runner calls this exactly once, after the case's own Cleanup phase.
func (t *T) RunCleanup() {
	t.mu.Lock()
	cleanups := t.cleanups
	monitors := t.monitors
	procs := t.procs
	t.cleanups, t.monitors, t.procs = nil, nil, nil
	t.mu.Unlock()

	for i := len(cleanups) - 1; i >= 0; i-- {
		func() {
			defer func() {
				if r := recover(); r != nil {
					t.Log.Warn("Cleanup function panicked", "panic", r)
				}
			}()
			cleanups[i]()
		}()
	}
	for _, m := range monitors {
		m.Stop()
	}
	for _, p := range procs {
		if p.Running() {
			t.Log.Debug("Stopping process left running by test", "process", p.Name())
		}
		if err := p.Stop(); err != nil {
			t.Log.Warn("Failed to stop process during cleanup", "process", p.Name(), "err", err)
		}
	}
}

// Processes returns the processes the test has started, tracked for
// teardown.
func (t *T) Processes() []*process.Process {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*process.Process, len(t.procs))
	copy(out, t.procs)
	return out
}

// PerfReporter returns the run's performance reporter, or nil when
// performance reporting is disabled.
func (t *T) PerfReporter() *perf.Reporter { return t.cfg.Perf }

// ReportPerformance records a numeric performance result against resultKey.
// Key validation failures block the test, matching the contract that a
// malformed result is an authoring error rather than a measurement.
func (t *T) ReportPerformance(value float64, resultKey, unit string, biggerIsBetter bool) error {
	if t.cfg.Perf == nil {
		t.Log.Debug("Performance reporting disabled, dropping result", "result_key", resultKey)
		return nil
	}
	if err := t.cfg.Perf.Report(t.cfg.ID, value, resultKey, unit, biggerIsBetter); err != nil {
		t.AddOutcome(outcome.Blocked, err.Error())
		return err
	}
	return nil
}
