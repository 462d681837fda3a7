// Package writer fans test results out to the observers registered for a
// run: record writers that persist results, summary writers that render the
// final report and progress writers that describe the run while it is still
// going.
package writer

import (
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/log"

	"github.com/eshch/pysys/types"
)

// Role classifies a writer registration and decides when it is active.
type Role string

const (
	// RoleRecord writers persist results; active only when recording was
	// requested for the run.
	RoleRecord Role = "record"

	// RoleSummary writers render the run's final report; always active, with
	// a default console summary registered when none is configured.
	RoleSummary Role = "summary"

	// RoleProgress writers describe the run in flight; active only when
	// progress reporting was requested.
	RoleProgress Role = "progress"
)

// Writer is the lifecycle every registered observer implements. Calls arrive
// from whichever worker completed a test, serialized by the pipeline; a
// writer must not assume consecutive calls share a goroutine.
type Writer interface {
	Setup(info types.RunInfo) error
	Result(result *types.TestResult) error
	Cleanup() error
}

// Summarizer is implemented by writers that want the full result set once
// the run is over, before Cleanup.
type Summarizer interface {
	Summarize(results []types.TestResult) error
}

// StartListener is implemented by writers that track in-flight tests.
type StartListener interface {
	Started(key types.ResultKey)
}

// CycleListener is implemented by writers that need a strict cycle boundary.
// Registering one makes the scheduler serialize cycles so that the listener
// observes a fully quiesced cycle.
type CycleListener interface {
	CycleComplete(cycle int) error
}

// Options control which roles activate and how the default summary renders.
type Options struct {
	Record   bool // activate record writers
	Progress bool // activate progress writers
}

type registered struct {
	w    Writer
	role Role
	name string
}

// Pipeline delivers run lifecycle events to the active writers. Fan-out for
// one event runs under the pipeline mutex, so writers see events one at a
// time; a fault in one writer is logged and never stops delivery to the
// others or the run itself.
type Pipeline struct {
	logger log.Logger
	opts   Options

	mu      sync.Mutex
	writers []registered
}

// NewPipeline builds an empty pipeline.
func NewPipeline(logger log.Logger, opts Options) *Pipeline {
	return &Pipeline{logger: logger, opts: opts}
}

// Register adds w under role. Registrations for roles the run did not
// activate are dropped.
func (p *Pipeline) Register(w Writer, role Role) {
	if (role == RoleRecord && !p.opts.Record) || (role == RoleProgress && !p.opts.Progress) {
		p.logger.Debug("Writer not activated for this run", "writer", fmt.Sprintf("%T", w), "role", role)
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.writers = append(p.writers, registered{w: w, role: role, name: fmt.Sprintf("%T", w)})
}

// HasSummary reports whether a summary writer is registered, so the caller
// can fall back to the default console summary.
func (p *Pipeline) HasSummary() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, r := range p.writers {
		if r.role == RoleSummary {
			return true
		}
	}
	return false
}

// HasProgress reports whether a progress writer made it past activation, so
// the caller can fall back to the default console progress writer.
func (p *Pipeline) HasProgress() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, r := range p.writers {
		if r.role == RoleProgress {
			return true
		}
	}
	return false
}

// HasCycleListeners reports whether any registered writer needs strict cycle
// serialization.
func (p *Pipeline) HasCycleListeners() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, r := range p.writers {
		if _, ok := r.w.(CycleListener); ok {
			return true
		}
	}
	return false
}

// RunStart notifies every writer that the run is beginning.
func (p *Pipeline) RunStart(info types.RunInfo) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, r := range p.writers {
		p.deliver(r, "setup", func() error { return r.w.Setup(info) })
	}
}

// TestStarted notifies start listeners that a unit was dispatched.
func (p *Pipeline) TestStarted(key types.ResultKey) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, r := range p.writers {
		if l, ok := r.w.(StartListener); ok {
			p.deliver(r, "started", func() error { l.Started(key); return nil })
		}
	}
}

// TestComplete delivers one finished result to every writer. Results arrive
// in completion order.
func (p *Pipeline) TestComplete(result *types.TestResult) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, r := range p.writers {
		p.deliver(r, "result", func() error { return r.w.Result(result) })
	}
}

// CycleComplete notifies cycle listeners that every unit of cycle has
// finished.
func (p *Pipeline) CycleComplete(cycle int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, r := range p.writers {
		if l, ok := r.w.(CycleListener); ok {
			p.deliver(r, "cycle", func() error { return l.CycleComplete(cycle) })
		}
	}
}

// RunComplete hands the full result set to summarizing writers and then runs
// every writer's Cleanup.
func (p *Pipeline) RunComplete(results []types.TestResult) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, r := range p.writers {
		if s, ok := r.w.(Summarizer); ok {
			p.deliver(r, "summarize", func() error { return s.Summarize(results) })
		}
	}
	for _, r := range p.writers {
		p.deliver(r, "cleanup", func() error { return r.w.Cleanup() })
	}
}

// deliver invokes one writer callback, converting panics and errors into log
// lines. The writer stays registered; an observer must never take the run
// down.
func (p *Pipeline) deliver(r registered, event string, fn func() error) {
	defer func() {
		if rec := recover(); rec != nil {
			p.logger.Error("Writer panicked", "writer", r.name, "event", event, "panic", rec)
		}
	}()
	if err := fn(); err != nil {
		p.logger.Error("Writer failed", "writer", r.name, "event", event, "err", err)
	}
}
