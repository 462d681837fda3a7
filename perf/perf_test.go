package perf

import (
	"math"
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

func TestReportWritesCSVRows(t *testing.T) {
	dir := t.TempDir()
	start := time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)
	r := New(testLogger(), "perf_@DATE@_@TIME@.csv", dir, "myoutdir", start)

	require.NoError(t, r.Report("MyTest_001", 1234.5, "Throughput over loopback", "msgs/sec", true))
	require.NoError(t, r.Report("MyTest_002", 0.25, "Startup latency", "s", false))
	require.NoError(t, r.Close())

	want := filepath.Join(dir, "perf_2026-03-14_09.26.53.csv")
	assert.Equal(t, want, r.Path())

	data, err := os.ReadFile(want)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 4)
	assert.Equal(t, "# resultKey,testId,value,unit,biggerIsBetter", lines[0])
	assert.Contains(t, lines[1], "outDir=myoutdir")
	assert.Equal(t, "Throughput over loopback,MyTest_001,1234.5,msgs/sec,true", lines[2])
	assert.Equal(t, "Startup latency,MyTest_002,0.25,s,false", lines[3])
}

func TestSubstitutionTokens(t *testing.T) {
	dir := t.TempDir()
	start := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	r := New(testLogger(), "@OUTDIR@/@HOSTNAME@/perf.csv", dir, "/runs/nightly", start)

	hostname, _ := os.Hostname()
	assert.Equal(t, filepath.Join(dir, "nightly", hostname, "perf.csv"), r.Path())
}

func TestDuplicateKeyRejected(t *testing.T) {
	r := New(testLogger(), "perf.csv", t.TempDir(), "out", time.Now())
	defer r.Close()

	require.NoError(t, r.Report("Test_001", 1, "key", "s", false))
	err := r.Report("Test_002", 2, "key", "s", false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already reported by Test_001")
	assert.Equal(t, 1, r.Count())
}

func TestInvalidResultsRejected(t *testing.T) {
	r := New(testLogger(), "perf.csv", t.TempDir(), "out", time.Now())
	defer r.Close()

	assert.Error(t, r.Report("Test_001", 1, "", "s", false))
	assert.Error(t, r.Report("Test_001", 1, "bad\nkey", "s", false))
	assert.Error(t, r.Report("Test_001", 1, "key", "", false))
	assert.Error(t, r.Report("Test_001", math.NaN(), "key", "s", false))
	assert.Error(t, r.Report("Test_001", math.Inf(1), "key", "s", false))

	// Nothing valid was reported, so no file should exist.
	_, err := os.Stat(r.Path())
	assert.True(t, os.IsNotExist(err))
}

func TestCloseWithoutResults(t *testing.T) {
	r := New(testLogger(), "perf.csv", t.TempDir(), "out", time.Now())
	require.NoError(t, r.Close())
}
