package runner

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime/debug"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/log"

	"github.com/eshch/pysys/harness"
	"github.com/eshch/pysys/logging"
	"github.com/eshch/pysys/outcome"
	"github.com/eshch/pysys/types"
)

const (
	purgeRetries  = 3
	purgeInterval = 100 * time.Millisecond
)

// execute runs one unit through its phases and produces its result. By the
// time the result is returned every process the test started has been torn
// down and its run.log closed.
func (r *Runner) execute(ctx context.Context, unit TestUnit) *types.TestResult {
	ctx, span := r.tracer.Start(ctx, fmt.Sprintf("test %s", unit.ID))
	defer span.End()

	outDir := r.unitOutputDir(unit)
	testStart := time.Now()
	result := &types.TestResult{
		ID:        unit.ID,
		Title:     unit.Title,
		Cycle:     unit.Cycle,
		Mode:      unit.Mode,
		Start:     testStart,
		OutputDir: outDir,
		Host:      r.host,
	}

	if err := recreateDir(outDir); err != nil {
		result.Outcome = outcome.Blocked
		result.Reason = fmt.Sprintf("could not prepare output directory: %v", err)
		result.Duration = time.Since(testStart)
		return result
	}
	runLog, err := logging.OpenRunLog(outDir)
	if err != nil {
		result.Outcome = outcome.Blocked
		result.Reason = fmt.Sprintf("could not open run log: %v", err)
		result.Duration = time.Since(testStart)
		return result
	}
	runLog.Banner(unit.ID, unit.Title, unit.Cycle+1, r.cfg.Cycles)

	h := harness.New(harness.Config{
		ID:               unit.ID,
		Title:            unit.Title,
		Cycle:            unit.Cycle,
		Mode:             unit.Mode,
		OutputDir:        outDir,
		Log:              runLog.Logger(),
		Ctx:              ctx,
		Precedence:       r.cfg.Precedence,
		IgnoreExitStatus: r.cfg.IgnoreExitStatus,
		AbortOnError:     r.cfg.AbortOnError,
		Timeouts:         r.cfg.Timeouts,
		Perf:             r.cfg.Perf,
	})

	if unit.SkipReason != "" {
		h.AddOutcome(outcome.Skipped, unit.SkipReason)
		runLog.Logger().Info("Test skipped", "reason", unit.SkipReason)
	} else {
		r.runPhases(h, unit)
	}
	h.RunCleanup()

	final := h.Outcome()
	reason := h.OutcomeReason()
	duration := time.Since(testStart)
	runLog.Final(duration, final.String(), reason)
	if err := runLog.Close(); err != nil {
		r.logger.Warn("Failed to close run log", "test", unit.ID, "err", err)
	}

	purgeZeroLength(r.logger, outDir)
	if r.cfg.Purge && final == outcome.Passed {
		if err := os.RemoveAll(outDir); err != nil {
			r.logger.Warn("Failed to purge output of passed test", "test", unit.ID, "err", err)
		}
	}

	result.Outcome = final
	result.Reason = reason
	result.Signals = h.Signals()
	result.Duration = duration
	return result
}

// runPhases drives setup, execute and validate in order, stopping at the
// first phase that errors or panics. Cleanup always runs.
func (r *Runner) runPhases(h *harness.T, unit TestUnit) {
	tc := unit.Make()
	phases := []struct {
		name string
		fn   func(*harness.T) error
	}{
		{"setup", tc.Setup},
		{"execute", tc.Execute},
		{"validate", tc.Validate},
	}
	completed := true
	for _, phase := range phases {
		if !r.runPhase(h, phase.name, phase.fn) {
			completed = false
			break
		}
	}
	if completed && detectCore(h.OutputDir()) {
		h.Log.Info("core detected in output subdirectory")
		h.AddOutcome(outcome.DumpedCore, "core detected in output subdirectory")
	}
	func() {
		defer func() {
			if rec := recover(); rec != nil {
				h.Log.Warn("Cleanup phase panicked", "panic", rec)
			}
		}()
		tc.Cleanup(h)
	}()
}

// runPhase runs one phase and reports whether the next should run. A panic
// or an error no recorded signal explains becomes a BLOCKED signal; an
// error whose signal was raised during the phase just ends the sequence.
func (r *Runner) runPhase(h *harness.T, name string, fn func(*harness.T) error) (cont bool) {
	before := len(h.Signals())
	defer func() {
		if rec := recover(); rec != nil {
			h.Log.Error("Phase panicked", "phase", name, "panic", rec, "stack", string(debug.Stack()))
			h.AddOutcome(outcome.Blocked, fmt.Sprintf("%s phase panicked: %v", name, rec))
			cont = false
		}
	}()

	err := fn(h)
	if err == nil {
		return true
	}
	var abort *harness.AbortError
	if errors.As(err, &abort) {
		h.Log.Debug("Phase aborted", "phase", name, "outcome", abort.Outcome)
		return false
	}
	if len(h.Signals()) == before {
		h.AddOutcome(outcome.Blocked, fmt.Sprintf("%s phase failed: %v", name, err))
	}
	return false
}

// unitOutputDir is where one execution writes: <outdir>/<id>, with a cycle
// subdirectory when the run cycles.
func (r *Runner) unitOutputDir(unit TestUnit) string {
	dir := filepath.Join(r.cfg.OutputDir, unit.ID)
	if r.cfg.Cycles > 1 {
		dir = filepath.Join(dir, fmt.Sprintf("cycle%d", unit.Cycle+1))
	}
	return dir
}

func recreateDir(dir string) error {
	if err := os.RemoveAll(dir); err != nil {
		return err
	}
	return os.MkdirAll(dir, 0o755)
}

// detectCore reports whether the test's output directory contains a core
// file dumped by one of its processes.
func detectCore(dir string) bool {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return false
	}
	for _, e := range entries {
		if e.Type().IsRegular() && strings.HasPrefix(e.Name(), "core") {
			return true
		}
	}
	return false
}

// purgeZeroLength removes zero-length files the test left behind. Handles
// released during process teardown may close slowly, so removal retries
// briefly before giving up.
func purgeZeroLength(logger log.Logger, dir string) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		fi, err := e.Info()
		if err != nil || fi.Size() != 0 {
			continue
		}
		path := filepath.Join(dir, e.Name())
		for attempt := 1; ; attempt++ {
			if err := os.Remove(path); err == nil {
				break
			}
			if attempt == purgeRetries {
				logger.Debug("Could not purge zero-length file", "file", path)
				break
			}
			time.Sleep(purgeInterval)
		}
	}
}
