package harness

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/eshch/pysys/outcome"
	"github.com/eshch/pysys/process"
)

// ProcSpec describes a process a test wants started. Paths are resolved
// against the test's output directory unless absolute.
type ProcSpec struct {
	Command string
	Args    []string

	// Env replaces the child's environment when non-nil.
	Env []string

	// Dir is the working directory, defaulting to the output directory.
	Dir string

	// DisplayName labels the process in logs and reasons. Defaults to the
	// command's base name; repeats get a numeric suffix (cmd, cmd2, cmd3).
	DisplayName string

	// Stdout and Stderr name the capture files. When both are empty a pair
	// is allocated from the display name.
	Stdout string
	Stderr string

	// Stdin keeps the child's stdin open for writes from the test.
	Stdin bool

	// Background returns as soon as the process is running. Foreground
	// starts wait for exit and apply the exit-status checks.
	Background bool

	// Timeout bounds a foreground wait. Zero applies the run default.
	Timeout time.Duration

	// ExpectedExitStatus is the status a foreground process must exit with
	// when exit statuses are checked.
	ExpectedExitStatus int

	// IgnoreExitStatus and AbortOnError override the run defaults when
	// non-nil.
	IgnoreExitStatus *bool
	AbortOnError     *bool
}

// StartProcess starts a process owned by the test. The process is tracked
// and stopped during cleanup if the test leaves it running.
//
// A start failure raises BLOCKED. For foreground processes a timeout raises
// TIMED OUT, a core dump raises DUMPED CORE and an unexpected exit status
// raises FAILED unless exit statuses are ignored. The returned error is an
// AbortError when the failure aborted the phase.
func (t *T) StartProcess(ctx context.Context, spec ProcSpec) (*process.Process, error) {
	name := spec.DisplayName
	if name == "" {
		name = filepath.Base(spec.Command)
	}
	name = t.names.Allocate(name)

	stdout, stderr := spec.Stdout, spec.Stderr
	if stdout == "" && stderr == "" {
		stdout, stderr = t.AllocateUniqueStdOutErr(name)
	}
	dir := t.cfg.OutputDir
	if spec.Dir != "" {
		dir = t.resolve(spec.Dir)
	}

	p, err := process.Start(t.Log, process.Spec{
		Command:     spec.Command,
		Args:        spec.Args,
		Env:         spec.Env,
		Dir:         dir,
		Stdout:      t.resolve(stdout),
		Stderr:      t.resolve(stderr),
		Stdin:       spec.Stdin,
		DisplayName: name,
	})
	if err != nil {
		return nil, t.raise(outcome.Blocked, err.Error(), spec.AbortOnError, err)
	}

	t.mu.Lock()
	t.procs = append(t.procs, p)
	t.mu.Unlock()

	if spec.Background {
		return p, nil
	}

	timeout := spec.Timeout
	if timeout == 0 {
		timeout = t.cfg.Timeouts.Process
	}
	status, err := p.Wait(ctx, timeout)
	if err != nil {
		var te *process.TimeoutError
		if errors.As(err, &te) {
			return p, t.raise(outcome.TimedOut, te.Error(), spec.AbortOnError, err)
		}
		// Context cancellation: no verdict, the run is being interrupted.
		return p, err
	}
	if p.DumpedCore() {
		return p, t.raise(outcome.DumpedCore, fmt.Sprintf("%s dumped core", name), spec.AbortOnError, nil)
	}
	ignore := t.cfg.IgnoreExitStatus
	if spec.IgnoreExitStatus != nil {
		ignore = *spec.IgnoreExitStatus
	}
	if !ignore && status != spec.ExpectedExitStatus {
		reason := fmt.Sprintf("%s returned non-zero exit code %d", name, status)
		if spec.ExpectedExitStatus != 0 {
			reason = fmt.Sprintf("%s returned exit code %d (expected %d)", name, status, spec.ExpectedExitStatus)
		}
		return p, t.raise(outcome.Failed, reason, spec.AbortOnError, nil)
	}
	return p, nil
}

// WaitProcess waits for a background process to exit. A timeout raises
// TIMED OUT; without abort-on-error the wait returns the timeout error and
// the test continues.
func (t *T) WaitProcess(ctx context.Context, p *process.Process, timeout time.Duration) (int, error) {
	if timeout == 0 {
		timeout = t.cfg.Timeouts.Process
	}
	status, err := p.Wait(ctx, timeout)
	if err != nil {
		var te *process.TimeoutError
		if errors.As(err, &te) {
			return status, t.raise(outcome.TimedOut, te.Error(), nil, err)
		}
		return status, err
	}
	return status, nil
}

// StopProcess stops p, raising BLOCKED if the stop fails.
func (t *T) StopProcess(p *process.Process) error {
	if err := p.Stop(); err != nil {
		return t.raise(outcome.Blocked, fmt.Sprintf("unable to stop process %s: %v", p.Name(), err), nil, err)
	}
	return nil
}

// SignalProcess delivers sig to p, raising BLOCKED if delivery fails.
func (t *T) SignalProcess(p *process.Process, sig syscall.Signal) error {
	if err := p.Signal(sig); err != nil {
		return t.raise(outcome.Blocked, fmt.Sprintf("unable to signal process %s: %v", p.Name(), err), nil, err)
	}
	return nil
}

// StartMonitor samples p's resource usage into file until the process exits
// or cleanup runs. The interval defaults to the monitor package default when
// zero.
func (t *T) StartMonitor(p *process.Process, interval time.Duration, file string) (*process.Monitor, error) {
	m, err := process.StartMonitor(t.Log, p, interval, t.resolve(file))
	if err != nil {
		return nil, t.raise(outcome.Blocked, fmt.Sprintf("unable to start monitor for %s: %v", p.Name(), err), nil, err)
	}
	t.mu.Lock()
	t.monitors = append(t.monitors, m)
	t.mu.Unlock()
	return m, nil
}

// AllocateUniqueStdOutErr returns a stdout/stderr capture-file pair derived
// from key that is not yet taken in the output directory: key.out/key.err,
// then key.2.out/key.2.err and so on.
func (t *T) AllocateUniqueStdOutErr(key string) (string, string) {
	name := key
	for i := 2; ; i++ {
		if _, err := os.Stat(t.resolve(name + ".out")); os.IsNotExist(err) {
			break
		}
		name = key + "." + strconv.Itoa(i)
	}
	return name + ".out", name + ".err"
}

// resolve maps a test-relative path into the output directory. Empty stays
// empty and absolute paths pass through.
func (t *T) resolve(path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(t.cfg.OutputDir, path)
}

// raise records an outcome signal and decides whether it aborts the phase.
// The cause, when non-nil, is returned for non-aborting raises so callers
// can still branch on the concrete error type.
func (t *T) raise(o outcome.Outcome, reason string, abort *bool, cause error) error {
	t.rec.AddSignal(outcome.Signal{Outcome: o, Reason: reason, Site: outcome.Callsite(2), Time: time.Now()})
	doAbort := t.cfg.AbortOnError
	if abort != nil {
		doAbort = *abort
	}
	if doAbort {
		return &AbortError{Outcome: o, Reason: reason}
	}
	if cause != nil {
		return cause
	}
	return errors.New(reason)
}
