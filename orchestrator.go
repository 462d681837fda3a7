// Package pysys orchestrates runs of system tests: it discovers descriptors,
// loads the project configuration, schedules the selected tests across a
// worker pool and reports their outcomes.
package pysys

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"

	"github.com/ethereum-optimism/optimism/op-service/cliapp"

	"github.com/eshch/pysys/descriptor"
	"github.com/eshch/pysys/exitcodes"
	"github.com/eshch/pysys/project"
	"github.com/eshch/pysys/runner"
	"github.com/eshch/pysys/service"
)

// Orchestrator implements the cliapp.Lifecycle interface.
var _ cliapp.Lifecycle = &Orchestrator{}

// Orchestrator runs the selected tests once or at a configured interval.
type Orchestrator struct {
	config    *Config
	version   string
	executor  TestExecutor
	scheduler TestScheduler
	reporter  MetricsReporter
	svc       *service.Service
	result    *runner.RunResult

	running atomic.Bool
	done    chan struct{}
	wg      sync.WaitGroup
	sigs    chan os.Signal

	// promptIn feeds the keyboard-interrupt prompt; os.Stdin outside tests.
	promptIn   io.Reader
	promptOnce sync.Once
	promptCh   chan string

	shutdownCallback func(error) // Callback to signal application shutdown
}

func New(ctx context.Context, config *Config, version string, shutdownCallback func(error)) (*Orchestrator, error) {
	if config == nil {
		return nil, errors.New("config is required")
	}

	config.Log.Debug("Creating orchestrator with config",
		"testDirs", config.TestDirs,
		"outputDir", config.OutputDir,
		"cycles", config.Cycles,
		"threads", config.Threads,
		"mode", config.Mode,
		"runOnce", config.RunOnce)

	proj, err := project.Load(config.Log, config.ProjectFile, version)
	if err != nil {
		return nil, fmt.Errorf("failed to load project: %w", err)
	}

	descriptors, err := descriptor.Discover(config.Log, config.TestDirs)
	if err != nil {
		return nil, fmt.Errorf("failed to discover tests: %w", err)
	}
	selected, err := descriptor.Select(descriptors, descriptor.Filter{
		IDs:    config.TestIDs,
		Groups: config.Groups,
	})
	if err != nil {
		return nil, err
	}
	units := descriptor.Units(selected, config.Mode)
	if len(units) == 0 {
		return nil, errors.New("no tests to run")
	}

	executor, err := NewDefaultTestExecutor(config.Log, config, proj, units)
	if err != nil {
		return nil, fmt.Errorf("failed to create test executor: %w", err)
	}
	config.Log.Info("Tests discovered", "found", len(descriptors), "selected", len(units))

	o := &Orchestrator{
		config:           config,
		version:          version,
		executor:         executor,
		scheduler:        NewDefaultTestScheduler(config.RunInterval, config.RunOnce, config.Log),
		reporter:         NewDefaultMetricsReporter(),
		svc:              service.New(config.Log),
		done:             make(chan struct{}),
		promptIn:         os.Stdin,
		shutdownCallback: shutdownCallback,
	}
	o.scheduler.RegisterCallback(o.runTests)
	return o, nil
}

// Start runs the tests, periodically when an interval is configured.
// Start implements the cliapp.Lifecycle interface.
func (o *Orchestrator) Start(ctx context.Context) error {
	// Panics anywhere in the run machinery are runtime errors, not test
	// failures.
	defer func() {
		if r := recover(); r != nil {
			o.config.Log.Error("Runtime error occurred", "error", r)
			os.Exit(exitcodes.RuntimeErr)
		}
	}()

	o.done = make(chan struct{})
	o.running.Store(true)

	if o.config.RunOnce {
		o.config.Log.Info("Starting pysys in run-once mode")
	} else {
		o.config.Log.Info("Starting pysys in continuous mode", "interval", o.config.RunInterval)
	}
	o.startServers(ctx)
	o.watchSignals()

	if err := o.scheduler.Start(ctx); err != nil {
		o.config.Log.Error("Runtime error running tests", "error", err)
		return NewRuntimeError(err)
	}

	if o.config.RunOnce {
		o.config.Log.Info("Tests completed, exiting (run-once mode)")
		if o.result != nil && (o.result.HasFailures() || o.result.NotRun() > 0) {
			return NewTestFailureError(failureSummary(o.result))
		}
		// All tests passed; ask the application to shut down cleanly.
		go func() {
			o.shutdownCallback(nil)
		}()
		return nil
	}

	o.config.Log.Debug("pysys started successfully")
	return nil
}

// runTests runs the whole backlog once and records the results.
func (o *Orchestrator) runTests(ctx context.Context) error {
	result, err := o.executor.RunTests(ctx)
	if err != nil {
		return err
	}
	o.result = result
	o.reporter.ReportResults(result)
	return nil
}

// startServers brings up the healthz endpoint in continuous mode and the
// metrics endpoint when enabled. A one-shot CLI run binds no ports unless
// metrics are explicitly switched on.
func (o *Orchestrator) startServers(ctx context.Context) {
	healthzAddr := ""
	if !o.config.RunOnce {
		healthzAddr = net.JoinHostPort(service.HealthzHost, service.HealthzPort)
	}
	metricsAddr := ""
	if o.config.Metrics.Enabled {
		metricsAddr = net.JoinHostPort(o.config.Metrics.ListenAddr, strconv.Itoa(o.config.Metrics.ListenPort))
	}
	if o.svc != nil && (healthzAddr != "" || metricsAddr != "") {
		o.svc.Start(ctx, healthzAddr, metricsAddr)
	}
}

// watchSignals handles SIGINT and SIGTERM for the lifetime of the service.
func (o *Orchestrator) watchSignals() {
	o.sigs = make(chan os.Signal, 2)
	signal.Notify(o.sigs, os.Interrupt, syscall.SIGTERM)

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer signal.Stop(o.sigs)
		for {
			select {
			case sig := <-o.sigs:
				if o.handleSignal(sig) {
					return
				}
			case <-o.done:
				return
			}
		}
	}()
}

// handleSignal decides what one interrupt means. It returns true when the
// watcher is finished: every path except "yes, keep going" stops the run.
func (o *Orchestrator) handleSignal(sig os.Signal) bool {
	if !o.executor.Dispatching() {
		// Nothing left that an interrupt could save; stop and shut down.
		o.config.Log.Info("Interrupt received, shutting down", "signal", sig.String())
		o.executor.Interrupt()
		o.initiateShutdown()
		return true
	}

	if sig != syscall.SIGTERM && o.config.Prompt && o.config.Interactive {
		if o.promptContinue() {
			return false
		}
		o.initiateShutdown()
		return true
	}

	if sig == os.Interrupt {
		fmt.Println("Keyboard interrupt detected, exiting ... ")
	}
	o.executor.Interrupt()
	o.initiateShutdown()
	return true
}

// promptContinue asks whether the run should keep going and blocks for the
// answer. Unrecognized input asks again; EOF and a second interrupt abort.
func (o *Orchestrator) promptContinue() bool {
	lines := o.promptLines()
	for {
		fmt.Println()
		fmt.Print("Keyboard interrupt detected, continue running tests? [yes|no] ... ")
		select {
		case line, ok := <-lines:
			if !ok {
				fmt.Println()
				o.executor.Interrupt()
				return false
			}
			switch strings.TrimSpace(line) {
			case "y", "yes":
				return true
			case "n", "no":
				o.executor.Interrupt()
				return false
			}
		case <-o.sigs:
			fmt.Println()
			o.executor.Interrupt()
			return false
		case <-o.done:
			return false
		}
	}
}

// promptLines starts the stdin reader on first use. The reader goroutine
// lives until stdin closes; prompts after the first reuse it.
func (o *Orchestrator) promptLines() <-chan string {
	o.promptOnce.Do(func() {
		ch := make(chan string)
		go func() {
			defer close(ch)
			sc := bufio.NewScanner(o.promptIn)
			for sc.Scan() {
				ch <- sc.Text()
			}
		}()
		o.promptCh = ch
	})
	return o.promptCh
}

// initiateShutdown asks the application to exit. In run-once mode the run is
// already in flight and Start's return value decides the exit code, so there
// is nothing to do.
func (o *Orchestrator) initiateShutdown() {
	if o.config.RunOnce {
		return
	}
	go func() {
		o.shutdownCallback(nil)
	}()
}

// Stop stops the pysys service.
// Stop implements the cliapp.Lifecycle interface.
func (o *Orchestrator) Stop(ctx context.Context) error {
	o.config.Log.Info("Stopping pysys")

	if !o.running.Load() {
		o.config.Log.Debug("Service already stopped, nothing to do")
		return nil
	}

	// Update running state first to prevent new test runs
	o.running.Store(false)

	o.executor.Interrupt()
	if err := o.scheduler.Stop(); err != nil {
		o.config.Log.Error("Error stopping scheduler", "error", err)
	}
	close(o.done)
	if o.svc != nil {
		o.svc.Shutdown()
	}

	o.config.Log.Info("pysys stopped successfully")
	return nil
}

// Stopped returns true if the pysys service is stopped.
// Stopped implements the cliapp.Lifecycle interface.
func (o *Orchestrator) Stopped() bool {
	return !o.running.Load()
}

// WaitForShutdown blocks until all goroutines have terminated or ctx
// expires. Useful in tests to ensure complete cleanup before moving on.
func (o *Orchestrator) WaitForShutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		o.config.Log.Warn("Timed out waiting for goroutines to terminate", "error", ctx.Err())
		return ctx.Err()
	}
	return o.scheduler.WaitForShutdown(ctx)
}

// failureSummary is the one-line verdict attached to the failure exit.
func failureSummary(res *runner.RunResult) string {
	passed, failed, inconclusive := res.Counts()
	msg := fmt.Sprintf("%d passed, %d failed, %d inconclusive of %d executions",
		passed, failed, inconclusive, res.Scheduled)
	if n := res.NotRun(); n > 0 {
		msg = fmt.Sprintf("%s (%d never dispatched)", msg, n)
	}
	return msg
}
