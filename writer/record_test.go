package writer

import (
	"encoding/xml"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eshch/pysys/outcome"
	"github.com/eshch/pysys/types"
)

func runInfo(cycles int) types.RunInfo {
	return types.RunInfo{
		RunID:  "run-1234",
		Tests:  2 * cycles,
		Cycles: cycles,
		Start:  time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC),
		Host:   "buildhost",
	}
}

func TestTextRecordWritesHeaderAndLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "testsummary.log")
	w := NewTextRecord(path)
	require.NoError(t, w.Setup(runInfo(1)))
	require.NoError(t, w.Result(result("MyTest_001", 0, outcome.Passed, "")))
	require.NoError(t, w.Result(result("MyTest_002", 0, outcome.Failed, "\x1b[31mserver\x1b[0m returned non-zero exit code 3")))
	require.NoError(t, w.Cleanup())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	content := string(data)
	assert.Contains(t, content, "DATE:       26-08-25 10:00:00 (UTC)")
	assert.Contains(t, content, "PLATFORM:")
	assert.Contains(t, content, "TEST HOST:  buildhost")
	assert.Contains(t, content, "  PASSED: MyTest_001")
	// ANSI escapes from captured process output never reach the record file.
	assert.Contains(t, content, "  FAILED: MyTest_002 (server returned non-zero exit code 3)")
	assert.NotContains(t, content, "\x1b[")
	// Single-cycle runs get no cycle banners.
	assert.NotContains(t, content, "[Cycle")
}

func TestTextRecordCycleBanners(t *testing.T) {
	path := filepath.Join(t.TempDir(), "testsummary.log")
	w := NewTextRecord(path)
	require.NoError(t, w.Setup(runInfo(2)))
	require.NoError(t, w.Result(result("MyTest_001", 0, outcome.Passed, "")))
	require.NoError(t, w.Result(result("MyTest_001", 1, outcome.Passed, "")))
	require.NoError(t, w.Cleanup())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	content := string(data)
	assert.Contains(t, content, "[Cycle 1]:")
	assert.Contains(t, content, "[Cycle 2]:")
	assert.Less(t, strings.Index(content, "[Cycle 1]:"), strings.Index(content, "[Cycle 2]:"))
}

func TestXMLRecordDocument(t *testing.T) {
	path := filepath.Join(t.TempDir(), "results.xml")
	w := NewXMLRecord(path)
	require.NoError(t, w.Setup(runInfo(2)))
	require.NoError(t, w.Result(result("MyTest_001", 0, outcome.Passed, "")))
	require.NoError(t, w.Result(result("MyTest_001", 1, outcome.Blocked, "could not start process server")))
	require.NoError(t, w.Cleanup())

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var doc xmlDocument
	require.NoError(t, xml.Unmarshal(data, &doc))
	assert.Equal(t, "run-1234", doc.RunID)
	assert.Equal(t, "buildhost", doc.Host)
	require.Len(t, doc.Cycles, 2)
	assert.Equal(t, 1, doc.Cycles[0].Cycle)
	require.Len(t, doc.Cycles[1].Results, 1)
	assert.Equal(t, "BLOCKED", doc.Cycles[1].Results[0].Outcome)
	assert.Equal(t, "could not start process server", doc.Cycles[1].Results[0].Reason)
}

func TestJUnitRecordDocument(t *testing.T) {
	path := filepath.Join(t.TempDir(), "junit.xml")
	w := NewJUnitRecord(path)
	require.NoError(t, w.Setup(runInfo(1)))
	require.NoError(t, w.Result(result("MyTest_001", 0, outcome.Passed, "")))
	require.NoError(t, w.Result(result("MyTest_002", 0, outcome.TimedOut, "process server timed out after 600 secs")))
	require.NoError(t, w.Result(result("MyTest_003", 0, outcome.Skipped, "not supported here")))
	require.NoError(t, w.Result(result("MyTest_004", 0, outcome.NotVerified, "")))
	require.NoError(t, w.Cleanup())

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var doc junitSuites
	require.NoError(t, xml.Unmarshal(data, &doc))
	require.Len(t, doc.Suites, 1)
	suite := doc.Suites[0]
	assert.Equal(t, "run-1234.cycle1", suite.Name)
	assert.Equal(t, 4, suite.Tests)
	// NOT VERIFIED counts as a failure for CI purposes.
	assert.Equal(t, 2, suite.Failures)
	assert.Equal(t, 1, suite.Skipped)
	require.Len(t, suite.Cases, 4)

	byName := map[string]junitCase{}
	for _, c := range suite.Cases {
		byName[c.Name] = c
	}
	require.NotNil(t, byName["MyTest_002"].Failure)
	assert.Equal(t, "process server timed out after 600 secs", byName["MyTest_002"].Failure.Message)
	assert.Equal(t, "TIMED OUT", byName["MyTest_002"].Failure.Type)
	require.NotNil(t, byName["MyTest_003"].Skipped)
	assert.Nil(t, byName["MyTest_001"].Failure)
}
