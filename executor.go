package pysys

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/log"

	"github.com/eshch/pysys/perf"
	"github.com/eshch/pysys/project"
	"github.com/eshch/pysys/runner"
	"github.com/eshch/pysys/writer"
)

// TestExecutor is responsible for running the selected tests.
type TestExecutor interface {
	RunTests(ctx context.Context) (*runner.RunResult, error)
	Interrupt()
	Dispatching() bool
}

// DefaultTestExecutor implements the TestExecutor interface. Every RunTests
// call builds a fresh writer pipeline, performance reporter and runner so
// interval re-runs start clean.
type DefaultTestExecutor struct {
	logger log.Logger
	cfg    *Config
	proj   *project.Project
	units  []runner.TestUnit

	mu      sync.Mutex
	current *runner.Runner
}

// NewDefaultTestExecutor creates a new DefaultTestExecutor. Writer
// declarations are validated here so a project typo surfaces before any
// test runs.
func NewDefaultTestExecutor(logger log.Logger, cfg *Config, proj *project.Project, units []runner.TestUnit) (*DefaultTestExecutor, error) {
	if _, err := proj.BuildWriters(logger, cfg.OutputDir, cfg.Color); err != nil {
		return nil, err
	}
	return &DefaultTestExecutor{
		logger: logger,
		cfg:    cfg,
		proj:   proj,
		units:  units,
	}, nil
}

// RunTests runs the whole backlog once and returns the results.
func (e *DefaultTestExecutor) RunTests(ctx context.Context) (*runner.RunResult, error) {
	e.logger.Info("Running all tests...")

	pipe := writer.NewPipeline(e.logger, writer.Options{
		Record:   e.cfg.Record,
		Progress: e.cfg.Progress,
	})
	built, err := e.proj.BuildWriters(e.logger, e.cfg.OutputDir, e.cfg.Color)
	if err != nil {
		return nil, err
	}
	for _, bw := range built {
		pipe.Register(bw.Writer, bw.Role)
	}
	if !pipe.HasSummary() {
		pipe.Register(writer.NewConsoleSummary(e.logger, nil, e.cfg.Color), writer.RoleSummary)
	}
	if e.cfg.Progress && !pipe.HasProgress() {
		pipe.Register(writer.NewConsoleProgress(e.logger, 0), writer.RoleProgress)
	}

	start := time.Now()
	perfRep := perf.New(e.logger, e.proj.PerfSummaryPattern, e.perfBaseDir(), e.cfg.OutputDir, start)

	r, err := runner.NewRunner(e.logger, runner.RunContext{
		Units:     e.units,
		Cycles:    e.cfg.Cycles,
		Workers:   e.cfg.Threads,
		OutputDir: e.cfg.OutputDir,
		Pipeline:  pipe,
		Timeouts:  e.proj.Timeouts,
		Perf:      perfRep,
		Purge:     e.cfg.Purge,
	})
	if err != nil {
		return nil, err
	}

	e.setCurrent(r)
	defer e.setCurrent(nil)

	res, err := r.Run(ctx)
	if cerr := perfRep.Close(); cerr != nil {
		e.logger.Warn("Closing performance summary failed", "err", cerr)
	}
	if err != nil {
		e.logger.Error("Error running tests", "error", err)
		return nil, err
	}
	e.logger.Info("Test run completed", "run_id", res.RunID, "duration", res.Duration)
	return res, nil
}

// Interrupt stops the in-flight run dispatching further tests. A no-op when
// no run is in flight.
func (e *DefaultTestExecutor) Interrupt() {
	if r := e.currentRunner(); r != nil {
		r.Interrupt()
	}
}

// Dispatching reports whether an in-flight run still has backlog to hand
// out, so an interrupt prompt can be skipped when the answer is moot.
func (e *DefaultTestExecutor) Dispatching() bool {
	r := e.currentRunner()
	return r != nil && r.Dispatching()
}

func (e *DefaultTestExecutor) setCurrent(r *runner.Runner) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.current = r
}

func (e *DefaultTestExecutor) currentRunner() *runner.Runner {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.current
}

// perfBaseDir anchors relative performance summary patterns: next to the
// project file when one was loaded, in the first test root otherwise.
func (e *DefaultTestExecutor) perfBaseDir() string {
	if e.proj.Path != "" {
		return filepath.Dir(e.proj.Path)
	}
	return e.cfg.TestDirs[0]
}
