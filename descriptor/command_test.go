package descriptor

import (
	"testing"

	"github.com/ethereum/go-ethereum/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eshch/pysys/harness"
	"github.com/eshch/pysys/outcome"
)

// runCase drives a command test through its phases against a fresh context.
func runCase(t *testing.T, test CommandTest) *harness.T {
	t.Helper()
	h := harness.New(harness.Config{
		ID:        "CmdCase_001",
		OutputDir: t.TempDir(),
		Log:       log.NewLogger(log.DiscardHandler()),
	})
	t.Cleanup(h.RunCleanup)

	c := newCommandCase(test, TimeoutOverrides{})
	require.NoError(t, c.Setup(h))
	if err := c.Execute(h); err == nil {
		require.NoError(t, c.Validate(h))
	}
	c.Cleanup(h)
	return h
}

func TestCommandCaseVerifiesForegroundOutput(t *testing.T) {
	h := runCase(t, CommandTest{
		Command: "/bin/sh",
		Args:    []string{"-c", "echo Started on port 7676; echo Ready"},
		Expect: []Expectation{
			{Expr: "Started on port (\\d+)"},
			{Expr: "Ready"},
		},
	})

	assert.Equal(t, outcome.Passed, h.Outcome())
}

func TestCommandCaseReportsMissingExpression(t *testing.T) {
	h := runCase(t, CommandTest{
		Command: "/bin/sh",
		Args:    []string{"-c", "echo Started"},
		Expect:  []Expectation{{Expr: "Ready"}},
	})

	assert.Equal(t, outcome.Failed, h.Outcome())
	assert.Equal(t, `could not find expression "Ready" in sh.out`, h.OutcomeReason())
}

func TestCommandCaseCountsMatchingLines(t *testing.T) {
	h := runCase(t, CommandTest{
		Command: "/bin/sh",
		Args:    []string{"-c", "echo tick; echo tick"},
		Expect:  []Expectation{{Expr: "tick", MinMatches: 3}},
	})

	assert.Equal(t, outcome.Failed, h.Outcome())
	assert.Equal(t, `2 matches of expression "tick" in sh.out, expected at least 3`, h.OutcomeReason())
}

func TestCommandCaseErrorPatternBlocks(t *testing.T) {
	h := runCase(t, CommandTest{
		Command: "/bin/sh",
		Args:    []string{"-c", "echo FATAL: cannot bind; echo Ready"},
		Expect:  []Expectation{{Expr: "Ready"}},
		Errors:  []string{"FATAL"},
	})

	assert.Equal(t, outcome.Blocked, h.Outcome())
	assert.Equal(t, `"FATAL" found in sh.out`, h.OutcomeReason())
}

func TestCommandCaseChecksNamedFile(t *testing.T) {
	h := runCase(t, CommandTest{
		Command: "/bin/sh",
		Args:    []string{"-c", "echo persisted > state.txt"},
		Expect:  []Expectation{{Expr: "persisted", File: "state.txt"}},
	})

	assert.Equal(t, outcome.Passed, h.Outcome())
}

func TestCommandCaseExitStatusIsTheVerification(t *testing.T) {
	h := runCase(t, CommandTest{
		Command: "/bin/sh",
		Args:    []string{"-c", "exit 0"},
	})
	assert.Equal(t, outcome.Passed, h.Outcome())

	h = runCase(t, CommandTest{
		Command: "/bin/sh",
		Args:    []string{"-c", "exit 2"},
	})
	assert.Equal(t, outcome.Failed, h.Outcome())
	assert.Equal(t, "sh returned non-zero exit code 2", h.OutcomeReason())
}

func TestCommandCaseExpectedNonZeroExit(t *testing.T) {
	h := runCase(t, CommandTest{
		Command:            "/bin/sh",
		Args:               []string{"-c", "exit 4"},
		ExpectedExitStatus: 4,
	})

	assert.Equal(t, outcome.Passed, h.Outcome())
}

func TestCommandCaseBackgroundWaitsForReadiness(t *testing.T) {
	h := runCase(t, CommandTest{
		Command:    "/bin/sh",
		Args:       []string{"-c", "sleep 0.2; echo serving requests"},
		Background: true,
		Expect:     []Expectation{{Expr: "serving requests"}},
	})

	assert.Equal(t, outcome.Passed, h.Outcome())
}

func TestCommandCaseMissingExecutableBlocks(t *testing.T) {
	h := runCase(t, CommandTest{
		Command: "/no/such/binary",
	})

	assert.Equal(t, outcome.Blocked, h.Outcome())
	assert.Contains(t, h.OutcomeReason(), "/no/such/binary")
}

func TestEnvList(t *testing.T) {
	assert.Nil(t, envList(nil))
	assert.Equal(t, []string{"A=1", "B=2", "C=3"},
		envList(map[string]string{"C": "3", "A": "1", "B": "2"}))
}
