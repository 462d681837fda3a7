// Package process supervises the child processes a test launches: it starts
// them with their streams captured to files, waits on them with deadlines,
// terminates them reliably and releases every resource exactly once no matter
// how the process ends.
package process

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/log"
)

const (
	// DefaultWaitTimeout bounds a foreground wait when the caller gives none.
	DefaultWaitTimeout = 600 * time.Second

	// stopGracePeriod is how long Stop waits after the termination signal
	// before force-killing.
	stopGracePeriod = 30 * time.Second
)

// State is the lifecycle state of a supervised process.
type State int32

const (
	Starting State = iota
	Running
	Exited   // process ended on its own
	TimedOut // killed because a wait deadline passed
	Killed   // stopped by the supervisor
)

func (s State) String() string {
	switch s {
	case Starting:
		return "starting"
	case Running:
		return "running"
	case Exited:
		return "exited"
	case TimedOut:
		return "timed out"
	case Killed:
		return "killed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Terminal reports whether no further state transitions can occur.
func (s State) Terminal() bool { return s == Exited || s == TimedOut || s == Killed }

// Spec describes one process to launch. Dir must already be resolved by the
// caller; the supervisor never consults the current working directory.
type Spec struct {
	Command string
	Args    []string
	Env     []string // nil inherits the parent environment
	Dir     string
	Stdout  string // file path; empty discards the stream
	Stderr  string // file path; empty discards the stream
	Stdin   bool   // open a pipe for Write

	// DisplayName is used in log lines and outcome reasons. Defaults to the
	// command's base name.
	DisplayName string
}

// StartError reports that a process could not be launched at all: missing
// binary, permission denied, unusable working directory.
type StartError struct {
	Command string
	Err     error
}

func (e *StartError) Error() string {
	return fmt.Sprintf("could not start process %s: %v", e.Command, e.Err)
}

func (e *StartError) Unwrap() error { return e.Err }

// TimeoutError reports that a wait on a process passed its deadline; the
// process has been force-killed by the time the error is returned.
type TimeoutError struct {
	Name    string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("process %s timed out after %d secs", e.Name, int(e.Timeout.Seconds()))
}

// ErrNotRunning is returned by Write once the process has ended.
var ErrNotRunning = errors.New("process is not running")

// Process is one supervised child process. It is exclusively owned by the
// test that started it; the supervisor does not share handles across tests.
type Process struct {
	spec   Spec
	name   string
	logger log.Logger

	cmd    *exec.Cmd
	stdin  *stdinPipe
	stdout *os.File
	stderr *os.File

	started time.Time

	mu         sync.Mutex
	state      State
	exitStatus int
	dumpedCore bool

	waitDone  chan struct{}
	closeOnce sync.Once
}

type stdinPipe struct {
	io.WriteCloser
	once sync.Once
}

func (s *stdinPipe) close() {
	s.once.Do(func() { _ = s.WriteCloser.Close() })
}

// Start launches the process described by spec. On success the process is in
// the Running state with a reaper goroutine collecting its exit; the caller
// must eventually Wait or Stop it.
func Start(logger log.Logger, spec Spec) (*Process, error) {
	name := spec.DisplayName
	if name == "" {
		name = filepath.Base(spec.Command)
	}
	p := &Process{
		spec:     spec,
		name:     name,
		logger:   logger.New("process", name),
		state:    Starting,
		waitDone: make(chan struct{}),
	}

	cmd := exec.Command(spec.Command, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.Env = spec.Env

	var err error
	if spec.Stdout != "" {
		if p.stdout, err = os.Create(spec.Stdout); err != nil {
			return nil, fmt.Errorf("create stdout file for %s: %w", name, err)
		}
		cmd.Stdout = p.stdout
	}
	if spec.Stderr != "" {
		if p.stderr, err = os.Create(spec.Stderr); err != nil {
			p.closeStreams()
			return nil, fmt.Errorf("create stderr file for %s: %w", name, err)
		}
		cmd.Stderr = p.stderr
	}
	if spec.Stdin {
		pipe, err := cmd.StdinPipe()
		if err != nil {
			p.closeStreams()
			return nil, fmt.Errorf("open stdin pipe for %s: %w", name, err)
		}
		p.stdin = &stdinPipe{WriteCloser: pipe}
	}

	p.cmd = cmd
	p.started = time.Now()
	if err := cmd.Start(); err != nil {
		p.closeStreams()
		return nil, &StartError{Command: spec.Command, Err: err}
	}
	p.mu.Lock()
	p.state = Running
	p.mu.Unlock()
	p.logger.Debug("Started process", "pid", cmd.Process.Pid, "command", spec.Command, "dir", spec.Dir)

	go p.reap()
	return p, nil
}

// reap collects the exit status and releases the streams. Runs once per
// process; closes waitDone when the process is fully accounted for.
func (p *Process) reap() {
	err := p.cmd.Wait()
	status := 0
	core := false
	if err != nil {
		var ee *exec.ExitError
		if errors.As(err, &ee) {
			status = ee.ExitCode()
			if ws, ok := ee.Sys().(syscall.WaitStatus); ok {
				core = ws.CoreDump()
			}
		} else {
			status = -1
		}
	}

	p.mu.Lock()
	p.exitStatus = status
	p.dumpedCore = core
	if !p.state.Terminal() {
		p.state = Exited
	}
	state := p.state
	p.mu.Unlock()

	p.closeStreams()
	p.logger.Debug("Process ended", "pid", p.cmd.Process.Pid, "state", state, "exit_status", status)
	close(p.waitDone)
}

// closeStreams releases the stdin pipe and the stdout/stderr files. Close
// errors are swallowed so that tearing down one process can never abort the
// teardown of another; exactly one close happens per handle.
func (p *Process) closeStreams() {
	p.closeOnce.Do(func() {
		if p.stdin != nil {
			p.stdin.close()
		}
		if p.stdout != nil {
			_ = p.stdout.Close()
		}
		if p.stderr != nil {
			_ = p.stderr.Close()
		}
	})
}

// Write sends data to the process's stdin, optionally closing the pipe
// afterwards so the child sees EOF.
func (p *Process) Write(data []byte, closeAfter bool) error {
	p.mu.Lock()
	running := p.state == Running
	p.mu.Unlock()
	if !running {
		return fmt.Errorf("write to %s: %w", p.name, ErrNotRunning)
	}
	if p.stdin == nil {
		return fmt.Errorf("write to %s: stdin was not piped", p.name)
	}
	if _, err := p.stdin.Write(data); err != nil {
		return fmt.Errorf("write to %s: %w", p.name, err)
	}
	if closeAfter {
		p.stdin.close()
	}
	return nil
}

// Wait blocks until the process exits, the timeout passes or ctx is
// canceled. On timeout the process is force-killed and a TimeoutError
// returned; on cancellation the process is left running for the owner's
// cleanup to stop. A zero timeout selects DefaultWaitTimeout.
func (p *Process) Wait(ctx context.Context, timeout time.Duration) (int, error) {
	if timeout <= 0 {
		timeout = DefaultWaitTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-p.waitDone:
		return p.ExitStatus(), nil
	case <-ctx.Done():
		return 0, ctx.Err()
	case <-timer.C:
	}

	p.mu.Lock()
	if !p.state.Terminal() {
		p.state = TimedOut
	}
	p.mu.Unlock()
	p.logger.Warn("Process wait timed out, killing", "timeout", timeout)
	_ = p.cmd.Process.Kill()
	<-p.waitDone
	return p.ExitStatus(), &TimeoutError{Name: p.name, Timeout: timeout}
}

// Stop terminates the process: termination signal, bounded grace period,
// then kill. It is idempotent; once the process is in a terminal state
// further calls return nil immediately. Stream handles are released exactly
// once regardless of how termination goes.
func (p *Process) Stop() error {
	p.mu.Lock()
	if p.state.Terminal() {
		p.mu.Unlock()
		return nil
	}
	p.state = Killed
	p.mu.Unlock()

	if err := p.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		// Signal delivery failing usually means the process is already
		// gone; the reaper will settle it.
		p.logger.Debug("Termination signal failed", "err", err)
	}
	select {
	case <-p.waitDone:
		return nil
	case <-time.After(stopGracePeriod):
	}

	p.logger.Warn("Process did not stop within grace period, killing")
	if err := p.cmd.Process.Kill(); err != nil {
		p.closeStreams()
		return fmt.Errorf("kill %s: %w", p.name, err)
	}
	<-p.waitDone
	return nil
}

// Signal delivers sig to the process.
func (p *Process) Signal(sig syscall.Signal) error {
	p.mu.Lock()
	running := p.state == Running
	p.mu.Unlock()
	if !running {
		return fmt.Errorf("signal %s: %w", p.name, ErrNotRunning)
	}
	return p.cmd.Process.Signal(sig)
}

// Running reports whether the process is still alive.
func (p *Process) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state == Running
}

// State returns the current lifecycle state.
func (p *Process) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// ExitStatus returns the exit status; meaningful once the process ended.
func (p *Process) ExitStatus() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitStatus
}

// DumpedCore reports whether the process terminated with a core dump.
func (p *Process) DumpedCore() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dumpedCore
}

// Pid returns the operating-system process id.
func (p *Process) Pid() int { return p.cmd.Process.Pid }

// Name returns the display name the process was registered under.
func (p *Process) Name() string { return p.name }

func (p *Process) String() string { return p.name }

// Started returns when the process was launched.
func (p *Process) Started() time.Time { return p.started }
