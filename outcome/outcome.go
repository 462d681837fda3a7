// Package outcome defines the categorical verdicts a test can report and the
// precedence rules that reduce the signals raised during a test's lifetime to
// one final verdict.
package outcome

import (
	"fmt"
	"path/filepath"
	"runtime"
	"sync"
	"time"
)

// Outcome is the categorical verdict of one test execution.
// The declaration order matches DefaultPrecedence, strongest first.
type Outcome int

const (
	Skipped Outcome = iota
	Blocked
	DumpedCore
	TimedOut
	Failed
	NotVerified
	Inspect
	Passed
)

// String returns the display form used in logs, summaries and result files.
func (o Outcome) String() string {
	switch o {
	case Skipped:
		return "SKIPPED"
	case Blocked:
		return "BLOCKED"
	case DumpedCore:
		return "DUMPED CORE"
	case TimedOut:
		return "TIMED OUT"
	case Failed:
		return "FAILED"
	case NotVerified:
		return "NOT VERIFIED"
	case Inspect:
		return "REQUIRES INSPECTION"
	case Passed:
		return "PASSED"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", int(o))
	}
}

// IsFailure reports whether the outcome counts as a failure for exit-code and
// summary purposes. NotVerified and Inspect are inconclusive, not failures.
func (o Outcome) IsFailure() bool {
	switch o {
	case Blocked, DumpedCore, TimedOut, Failed:
		return true
	}
	return false
}

// Precedence is a total order over outcomes, strongest first. When a test has
// raised several signals, the outcome ranked earliest in the active precedence
// wins regardless of the order the signals arrived in.
type Precedence []Outcome

// DefaultPrecedence is the order used unless a run configures its own:
// SKIPPED > BLOCKED > DUMPED CORE > TIMED OUT > FAILED > NOT VERIFIED >
// REQUIRES INSPECTION > PASSED.
var DefaultPrecedence = Precedence{
	Skipped,
	Blocked,
	DumpedCore,
	TimedOut,
	Failed,
	NotVerified,
	Inspect,
	Passed,
}

// Rank returns the position of o in the precedence, lower meaning stronger.
// Outcomes absent from the precedence rank below every listed one.
func (p Precedence) Rank(o Outcome) int {
	for i, v := range p {
		if v == o {
			return i
		}
	}
	return len(p)
}

// Signal is one raised (outcome, reason) pair, recorded before resolution.
type Signal struct {
	Outcome Outcome
	Reason  string
	Site    string // file:line of the raising call, best effort
	Time    time.Time
}

// Resolve reduces a sequence of signals to a final outcome and reason.
// The strongest outcome under p wins; among signals sharing the strongest
// outcome the reason of the chronologically first one is retained. An empty
// sequence resolves to NotVerified: a test that asserted nothing proved
// nothing.
func Resolve(signals []Signal, p Precedence) (Outcome, string) {
	if len(p) == 0 {
		p = DefaultPrecedence
	}
	if len(signals) == 0 {
		return NotVerified, ""
	}
	best := signals[0]
	bestRank := p.Rank(best.Outcome)
	for _, sig := range signals[1:] {
		if r := p.Rank(sig.Outcome); r < bestRank {
			best = sig
			bestRank = r
		}
	}
	return best.Outcome, best.Reason
}

// Recorder accumulates the signals one test raises. It is safe for use from
// the goroutines a test spawns; the final reduction is order-independent.
type Recorder struct {
	mu         sync.Mutex
	precedence Precedence
	signals    []Signal
}

// NewRecorder returns a Recorder resolving with p, or DefaultPrecedence when
// p is nil.
func NewRecorder(p Precedence) *Recorder {
	if len(p) == 0 {
		p = DefaultPrecedence
	}
	return &Recorder{precedence: p}
}

// Add records a signal, capturing the caller's location.
func (r *Recorder) Add(o Outcome, reason string) {
	r.AddSignal(Signal{Outcome: o, Reason: reason, Site: Callsite(2), Time: time.Now()})
}

// AddSignal records a fully populated signal. The zero Site and Time are
// filled in.
func (r *Recorder) AddSignal(sig Signal) {
	if sig.Time.IsZero() {
		sig.Time = time.Now()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.signals = append(r.signals, sig)
}

// Override discards every signal recorded so far and records sig in their
// place, for callers that have decided the earlier signals no longer apply.
func (r *Recorder) Override(o Outcome, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.signals = append(r.signals[:0], Signal{Outcome: o, Reason: reason, Site: Callsite(1), Time: time.Now()})
}

// Final resolves the recorded signals to the winning outcome.
func (r *Recorder) Final() Outcome {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, _ := Resolve(r.signals, r.precedence)
	return o
}

// Reason returns the reason retained for the winning outcome.
func (r *Recorder) Reason() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, reason := Resolve(r.signals, r.precedence)
	return reason
}

// Signals returns a copy of every recorded signal, in arrival order. The full
// trail is preserved for diagnostics even though only one reason is reported.
func (r *Recorder) Signals() []Signal {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Signal, len(r.signals))
	copy(out, r.signals)
	return out
}

// Count returns the number of recorded signals.
func (r *Recorder) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.signals)
}

// Callsite returns the file:line of the caller skip frames up the stack, for
// attaching to signals raised through wrapper layers.
func Callsite(skip int) string {
	_, file, line, ok := runtime.Caller(skip + 1)
	if !ok {
		return ""
	}
	return fmt.Sprintf("%s:%d", filepath.Base(file), line)
}
