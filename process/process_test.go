package process

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() log.Logger {
	return log.NewLogger(log.DiscardHandler())
}

func TestStartForegroundCapturesOutput(t *testing.T) {
	dir := t.TempDir()
	stdout := filepath.Join(dir, "echo.out")

	p, err := Start(testLogger(), Spec{
		Command: "/bin/sh",
		Args:    []string{"-c", "echo hello world"},
		Dir:     dir,
		Stdout:  stdout,
	})
	require.NoError(t, err)

	status, err := p.Wait(context.Background(), 10*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 0, status)
	assert.Equal(t, Exited, p.State())
	assert.False(t, p.Running())

	content, err := os.ReadFile(stdout)
	require.NoError(t, err)
	assert.Equal(t, "hello world\n", string(content))
}

func TestStartMissingBinary(t *testing.T) {
	_, err := Start(testLogger(), Spec{
		Command: "/no/such/binary",
		Dir:     t.TempDir(),
	})
	var se *StartError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "/no/such/binary", se.Command)
	assert.Contains(t, se.Error(), "could not start process")
}

func TestNonZeroExitStatus(t *testing.T) {
	p, err := Start(testLogger(), Spec{
		Command: "/bin/sh",
		Args:    []string{"-c", "exit 3"},
		Dir:     t.TempDir(),
	})
	require.NoError(t, err)

	status, err := p.Wait(context.Background(), 10*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 3, status)
	assert.Equal(t, 3, p.ExitStatus())
}

func TestWaitTimeoutKillsProcess(t *testing.T) {
	dir := t.TempDir()
	p, err := Start(testLogger(), Spec{
		Command: "/bin/sleep",
		Args:    []string{"30"},
		Dir:     dir,
	})
	require.NoError(t, err)

	start := time.Now()
	_, err = p.Wait(context.Background(), 300*time.Millisecond)
	elapsed := time.Since(start)

	var te *TimeoutError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, TimedOut, p.State())
	assert.False(t, p.Running())
	assert.Less(t, elapsed, 5*time.Second)
}

func TestStopIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	stdout := filepath.Join(dir, "sleep.out")
	p, err := Start(testLogger(), Spec{
		Command: "/bin/sleep",
		Args:    []string{"30"},
		Dir:     dir,
		Stdout:  stdout,
	})
	require.NoError(t, err)
	require.True(t, p.Running())

	require.NoError(t, p.Stop())
	assert.Equal(t, Killed, p.State())
	assert.False(t, p.Running())

	// Second and third stops are no-ops.
	require.NoError(t, p.Stop())
	require.NoError(t, p.Stop())
	assert.Equal(t, Killed, p.State())

	// Streams were released; the capture file is intact and readable.
	_, err = os.ReadFile(stdout)
	require.NoError(t, err)
}

func TestWriteToStdin(t *testing.T) {
	dir := t.TempDir()
	stdout := filepath.Join(dir, "cat.out")
	p, err := Start(testLogger(), Spec{
		Command: "/bin/cat",
		Dir:     dir,
		Stdout:  stdout,
		Stdin:   true,
	})
	require.NoError(t, err)

	require.NoError(t, p.Write([]byte("fed through stdin\n"), true))
	status, err := p.Wait(context.Background(), 10*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 0, status)

	content, err := os.ReadFile(stdout)
	require.NoError(t, err)
	assert.Equal(t, "fed through stdin\n", string(content))

	err = p.Write([]byte("too late"), false)
	require.ErrorIs(t, err, ErrNotRunning)
}

func TestWaitHonorsContext(t *testing.T) {
	p, err := Start(testLogger(), Spec{
		Command: "/bin/sleep",
		Args:    []string{"30"},
		Dir:     t.TempDir(),
	})
	require.NoError(t, err)
	defer func() { require.NoError(t, p.Stop()) }()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()
	_, err = p.Wait(ctx, time.Minute)
	require.ErrorIs(t, err, context.Canceled)

	// Cancellation leaves the process for its owner to stop.
	assert.True(t, p.Running())
}

func TestDisplayNameDefaultsToBase(t *testing.T) {
	p, err := Start(testLogger(), Spec{
		Command: "/bin/sleep",
		Args:    []string{"30"},
		Dir:     t.TempDir(),
	})
	require.NoError(t, err)
	defer func() { _ = p.Stop() }()
	assert.Equal(t, "sleep", p.Name())
}

func TestNamesAllocator(t *testing.T) {
	var n Names
	assert.Equal(t, "server", n.Allocate("server"))
	assert.Equal(t, "server2", n.Allocate("server"))
	assert.Equal(t, "server3", n.Allocate("server"))
	assert.Equal(t, "client", n.Allocate("client"))
	assert.Equal(t, 3, n.Count("server"))
	assert.Equal(t, 1, n.Count("client"))
	assert.Equal(t, 0, n.Count("unused"))
}

func TestMonitorSamplesProcess(t *testing.T) {
	dir := t.TempDir()
	p, err := Start(testLogger(), Spec{
		Command: "/bin/sleep",
		Args:    []string{"30"},
		Dir:     dir,
	})
	require.NoError(t, err)
	defer func() { require.NoError(t, p.Stop()) }()

	statFile := filepath.Join(dir, "stats.tsv")
	m, err := StartMonitor(testLogger(), p, 50*time.Millisecond, statFile)
	require.NoError(t, err)

	time.Sleep(300 * time.Millisecond)
	m.Stop()
	m.Stop() // idempotent

	content, err := os.ReadFile(statFile)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(content)), "\n")
	require.NotEmpty(t, lines[0])
	fields := strings.Split(lines[0], "\t")
	assert.Len(t, fields, 4)
}
