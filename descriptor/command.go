package descriptor

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"

	"github.com/eshch/pysys/harness"
	"github.com/eshch/pysys/outcome"
)

// commandCase drives one CommandTest through the harness: start the process,
// synchronize on the expected patterns for background commands, then verify
// every expectation against the captured output.
type commandCase struct {
	test     CommandTest
	timeouts TimeoutOverrides
	stdout   string
	stderr   string
}

func newCommandCase(test CommandTest, timeouts TimeoutOverrides) *commandCase {
	return &commandCase{test: test, timeouts: timeouts}
}

func (c *commandCase) Setup(h *harness.T) error { return nil }

func (c *commandCase) Execute(h *harness.T) error {
	c.stdout, c.stderr = h.AllocateUniqueStdOutErr(filepath.Base(c.test.Command))
	_, err := h.StartProcess(h.Context(), harness.ProcSpec{
		Command:            c.test.Command,
		Args:               c.test.Args,
		Env:                envList(c.test.Env),
		Dir:                c.test.Dir,
		Stdout:             c.stdout,
		Stderr:             c.stderr,
		Background:         c.test.Background,
		Timeout:            secs(c.timeouts.Process),
		ExpectedExitStatus: c.test.ExpectedExitStatus,
		IgnoreExitStatus:   c.test.IgnoreExitStatus,
	})
	if err != nil {
		// The failure is recorded; only an abort ends the phase early.
		var abort *harness.AbortError
		if errors.As(err, &abort) {
			return err
		}
	}
	if !c.test.Background {
		return nil
	}
	for _, e := range c.test.Expect {
		_, err := h.WaitForSignal(h.Context(), harness.SignalSpec{
			File:       c.expectFile(e),
			Expr:       e.Expr,
			ErrorExprs: c.test.Errors,
			MinMatches: e.MinMatches,
			Timeout:    secs(c.timeouts.Pattern),
		})
		if err != nil {
			var abort *harness.AbortError
			if errors.As(err, &abort) {
				return err
			}
		}
	}
	return nil
}

func (c *commandCase) Validate(h *harness.T) error {
	for _, expr := range c.test.Errors {
		re, err := regexp.Compile(expr)
		if err != nil {
			h.AddOutcome(outcome.Blocked, fmt.Sprintf("invalid expression %q: %v", expr, err))
			continue
		}
		for _, file := range []string{c.stdout, c.stderr} {
			if match, n, err := scanFile(h, file, re); err == nil && n > 0 {
				h.AddOutcome(outcome.Blocked, fmt.Sprintf("%q found in %s", match, file))
			}
		}
	}
	for _, e := range c.test.Expect {
		re, err := regexp.Compile(e.Expr)
		if err != nil {
			h.AddOutcome(outcome.Blocked, fmt.Sprintf("invalid expression %q: %v", e.Expr, err))
			continue
		}
		file := c.expectFile(e)
		_, n, err := scanFile(h, file, re)
		if err != nil {
			h.AddOutcome(outcome.Blocked, err.Error())
			continue
		}
		want := e.MinMatches
		if want < 1 {
			want = 1
		}
		switch {
		case n >= want:
			h.AddOutcome(outcome.Passed, "")
		case n > 0:
			h.AddOutcome(outcome.Failed,
				fmt.Sprintf("%d matches of expression %q in %s, expected at least %d", n, e.Expr, file, want))
		default:
			h.AddOutcome(outcome.Failed, fmt.Sprintf("could not find expression %q in %s", e.Expr, file))
		}
	}
	if len(c.test.Expect) == 0 {
		// The exit-status check is the only verification these tests define.
		h.AddOutcome(outcome.Passed, "")
	}
	return nil
}

func (c *commandCase) Cleanup(h *harness.T) {}

func (c *commandCase) expectFile(e Expectation) string {
	if e.File != "" {
		return e.File
	}
	return c.stdout
}

// scanFile counts lines of file matching re, returning the text of the first
// match.
func scanFile(h *harness.T, file string, re *regexp.Regexp) (string, int, error) {
	path := file
	if !filepath.IsAbs(path) {
		path = filepath.Join(h.OutputDir(), path)
	}
	f, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()

	var first string
	count := 0
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if loc := re.FindStringIndex(line); loc != nil {
			if count == 0 {
				first = line[loc[0]:loc[1]]
			}
			count++
		}
	}
	if err := scanner.Err(); err != nil {
		return "", 0, err
	}
	return first, count, nil
}

// envList flattens an environment map in stable key order.
func envList(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}
	return out
}
