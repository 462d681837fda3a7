// Package runner schedules test units across a bounded worker pool, drives
// each unit through its phases and publishes results to the writer pipeline
// as they complete.
package runner

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/eshch/pysys/metrics"
	"github.com/eshch/pysys/types"
)

// Runner executes one RunContext at a time.
type Runner struct {
	cfg    RunContext
	logger log.Logger
	tracer trace.Tracer
	host   string

	scheduled   int64
	dispatched  atomic.Int64
	interrupted atomic.Bool
}

// NewRunner validates cfg and builds a runner for it.
func NewRunner(logger log.Logger, cfg RunContext) (*Runner, error) {
	if cfg.Pipeline == nil {
		return nil, fmt.Errorf("runner requires a writer pipeline")
	}
	if len(cfg.Units) == 0 {
		return nil, fmt.Errorf("no tests to run")
	}
	if cfg.Workers < 0 {
		return nil, fmt.Errorf("worker count must not be negative, got %d", cfg.Workers)
	}
	if cfg.Cycles < 1 {
		cfg.Cycles = 1
	}
	seen := make(map[string]struct{}, len(cfg.Units))
	for _, u := range cfg.Units {
		if u.ID == "" {
			return nil, fmt.Errorf("test unit with empty id")
		}
		if _, dup := seen[u.ID]; dup {
			return nil, fmt.Errorf("duplicate test id %q", u.ID)
		}
		seen[u.ID] = struct{}{}
		if u.Make == nil && u.SkipReason == "" {
			return nil, fmt.Errorf("test %s has no case factory", u.ID)
		}
	}
	hostname, _ := os.Hostname()
	return &Runner{
		cfg:       cfg,
		logger:    logger,
		tracer:    otel.Tracer("test runner"),
		host:      hostname,
		scheduled: int64(len(cfg.Units) * cfg.Cycles),
	}, nil
}

// Interrupt stops the runner dispatching further units. In-flight units
// finish their phases and cleanup; their results are still reported.
func (r *Runner) Interrupt() {
	r.interrupted.Store(true)
}

// Dispatching reports whether undispatched backlog remains, so an interrupt
// prompt can be suppressed once the answer would change nothing.
func (r *Runner) Dispatching() bool {
	return !r.interrupted.Load() && r.dispatched.Load() < r.scheduled
}

// Run executes the whole backlog and returns a result per dispatched
// execution. Cycles interleave freely unless a cycle listener is registered,
// in which case each cycle fully drains before the next begins.
func (r *Runner) Run(ctx context.Context) (*RunResult, error) {
	start := time.Now()
	runID := uuid.New().String()
	workers := r.cfg.Workers
	if workers == 0 {
		workers = runtime.NumCPU()
	}
	r.dispatched.Store(0)

	backlog := r.backlog()
	info := types.RunInfo{
		RunID:   runID,
		Tests:   len(backlog),
		Cycles:  r.cfg.Cycles,
		Workers: workers,
		Start:   start,
		Host:    r.host,
		OutDir:  r.cfg.OutputDir,
	}

	ctx, span := r.tracer.Start(ctx, fmt.Sprintf("run %s", runID))
	defer span.End()

	// Writers may open files under the output root during setup.
	if err := os.MkdirAll(r.cfg.OutputDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}

	r.logger.Info("Starting test run",
		"run_id", runID, "tests", len(r.cfg.Units), "cycles", r.cfg.Cycles, "workers", workers)
	r.cfg.Pipeline.RunStart(info)

	res := &RunResult{
		RunID:     runID,
		Results:   make(map[types.ResultKey]*types.TestResult, len(backlog)),
		Scheduled: len(backlog),
		Start:     start,
	}
	var completionOrder []types.TestResult

	if r.cfg.Pipeline.HasCycleListeners() {
		perCycle := len(r.cfg.Units)
		for c := 0; c < r.cfg.Cycles; c++ {
			if r.stopRequested(ctx) {
				break
			}
			r.runPool(ctx, workers, backlog[c*perCycle:(c+1)*perCycle], info, res, &completionOrder)
			if r.stopRequested(ctx) {
				// The cycle did not fully run; listeners must not be told it
				// completed.
				break
			}
			r.cfg.Pipeline.CycleComplete(c)
		}
	} else {
		r.runPool(ctx, workers, backlog, info, res, &completionOrder)
	}

	res.Duration = time.Since(start)
	passed, failed, _ := res.Counts()
	if res.NotRun() > 0 {
		r.logger.Warn("Run stopped before dispatching every test", "not_run", res.NotRun())
	}
	r.cfg.Pipeline.RunComplete(completionOrder)
	r.logger.Info("Test run complete",
		"run_id", runID, "duration", res.Duration, "passed", passed, "failed", failed, "not_run", res.NotRun())
	return res, nil
}

// backlog expands the configured units across cycles, ordered by cycle then
// discovery order.
func (r *Runner) backlog() []TestUnit {
	backlog := make([]TestUnit, 0, len(r.cfg.Units)*r.cfg.Cycles)
	for c := 0; c < r.cfg.Cycles; c++ {
		for _, u := range r.cfg.Units {
			u.Cycle = c
			backlog = append(backlog, u)
		}
	}
	return backlog
}

func (r *Runner) stopRequested(ctx context.Context) bool {
	return r.interrupted.Load() || ctx.Err() != nil
}

// runPool drives units through a bounded worker pool, collecting results in
// completion order and fanning each one out to the pipeline as it arrives.
func (r *Runner) runPool(ctx context.Context, workers int, units []TestUnit, info types.RunInfo, res *RunResult, order *[]types.TestResult) {
	bufferSize := min(workers*2, 100)
	workChan := make(chan TestUnit, bufferSize)
	resultChan := make(chan *types.TestResult, bufferSize)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go r.worker(ctx, i, &wg, workChan, resultChan)
	}

	go func() {
		defer close(workChan)
		for _, unit := range units {
			if r.stopRequested(ctx) {
				r.logger.Debug("Stop requested, no further tests will be dispatched")
				return
			}
			select {
			case workChan <- unit:
				r.dispatched.Add(1)
			case <-ctx.Done():
				return
			}
		}
	}()

	go func() {
		wg.Wait()
		close(resultChan)
	}()

	for result := range resultChan {
		res.Results[result.Key()] = result
		*order = append(*order, *result)
		metrics.RecordOutcome(info.RunID, result.ID, result.Outcome)
		r.cfg.Pipeline.TestComplete(result)
		r.logger.Info("Test complete",
			"test", result.ID, "cycle", result.Cycle+1, "outcome", result.Outcome, "duration", result.Duration)
	}
}

func (r *Runner) worker(ctx context.Context, id int, wg *sync.WaitGroup, workChan <-chan TestUnit, resultChan chan<- *types.TestResult) {
	defer wg.Done()
	r.logger.Debug("Worker starting", "worker", id)
	defer r.logger.Debug("Worker exiting", "worker", id)

	for unit := range workChan {
		r.cfg.Pipeline.TestStarted(types.ResultKey{ID: unit.ID, Cycle: unit.Cycle})
		resultChan <- r.execute(ctx, unit)
	}
}
