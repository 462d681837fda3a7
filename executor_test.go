package pysys

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eshch/pysys/descriptor"
	"github.com/eshch/pysys/project"
)

func TestNewExecutorRejectsBadWriterConfig(t *testing.T) {
	proj := project.Default()
	proj.Writers = []project.WriterConfig{{Kind: "html"}}
	cfg := &Config{TestDirs: []string{t.TempDir()}, OutputDir: t.TempDir(), Log: discardLogger()}

	_, err := NewDefaultTestExecutor(discardLogger(), cfg, proj, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown writer kind "html"`)
}

func TestExecutorRunsBacklog(t *testing.T) {
	root := t.TempDir()
	writeTest(t, root, "Exec_001", `
id: Exec_001
test:
  command: /bin/sh
  args: ["-c", "echo executor backlog"]
  expect:
    - expr: executor backlog
`)
	cfg := testConfig(t, root)
	descriptors, err := descriptor.Discover(cfg.Log, cfg.TestDirs)
	require.NoError(t, err)
	units := descriptor.Units(descriptors, "")
	require.Len(t, units, 1)

	exec, err := NewDefaultTestExecutor(cfg.Log, cfg, project.Default(), units)
	require.NoError(t, err)

	result, err := exec.RunTests(context.Background())
	require.NoError(t, err)
	passed, failed, _ := result.Counts()
	assert.Equal(t, 1, passed)
	assert.Zero(t, failed)
	assert.FileExists(t, filepath.Join(cfg.OutputDir, "Exec_001", "run.log"))
}

func TestExecutorRecordWritersNeedRecordMode(t *testing.T) {
	root := t.TempDir()
	writeTest(t, root, "Exec_002", `
id: Exec_002
test:
  command: /bin/sh
  args: ["-c", "echo recorded"]
  expect:
    - expr: recorded
`)
	proj := project.Default()
	proj.Writers = []project.WriterConfig{{Kind: "text"}}

	for _, record := range []bool{false, true} {
		cfg := testConfig(t, root)
		cfg.Record = record
		descriptors, err := descriptor.Discover(cfg.Log, cfg.TestDirs)
		require.NoError(t, err)
		exec, err := NewDefaultTestExecutor(cfg.Log, cfg, proj, descriptor.Units(descriptors, ""))
		require.NoError(t, err)

		_, err = exec.RunTests(context.Background())
		require.NoError(t, err)

		resultsLog := filepath.Join(cfg.OutputDir, "results.log")
		if record {
			assert.FileExists(t, resultsLog)
		} else {
			assert.NoFileExists(t, resultsLog)
		}
	}
}

func TestExecutorIdleBetweenRuns(t *testing.T) {
	cfg := &Config{TestDirs: []string{t.TempDir()}, OutputDir: t.TempDir(), Log: discardLogger()}
	exec, err := NewDefaultTestExecutor(discardLogger(), cfg, project.Default(), nil)
	require.NoError(t, err)

	assert.False(t, exec.Dispatching())
	exec.Interrupt()
}
