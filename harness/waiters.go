package harness

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/eshch/pysys/outcome"
	"github.com/eshch/pysys/wait"
)

// SignalSpec describes a wait for an expression to appear in a file the test
// (or one of its processes) is writing.
type SignalSpec struct {
	// File is the watched file, relative to the output directory.
	File string

	// Expr is the regular expression to wait for.
	Expr string

	// ErrorExprs end the wait early with BLOCKED when one matches.
	ErrorExprs []string

	// MinMatches is the number of matches required, minimum 1.
	MinMatches int

	// Timeout and Poll default to the run's pattern timeout and the wait
	// package's poll interval.
	Timeout time.Duration
	Poll    time.Duration

	// AbortOnError overrides the run default when non-nil.
	AbortOnError *bool
}

// WaitForSignal blocks until Expr has matched in File, an error expression
// matched, the timeout expired or ctx was cancelled. On success it returns
// one entry per match, each holding the full match followed by submatches.
//
// A timeout raises TIMED OUT and an error-expression match raises BLOCKED.
func (t *T) WaitForSignal(ctx context.Context, spec SignalSpec) ([][]string, error) {
	expr, err := regexp.Compile(spec.Expr)
	if err != nil {
		return nil, t.raise(outcome.Blocked, fmt.Sprintf("invalid expression %q: %v", spec.Expr, err), spec.AbortOnError, err)
	}
	errorExprs := make([]*regexp.Regexp, 0, len(spec.ErrorExprs))
	for _, e := range spec.ErrorExprs {
		re, err := regexp.Compile(e)
		if err != nil {
			return nil, t.raise(outcome.Blocked, fmt.Sprintf("invalid error expression %q: %v", e, err), spec.AbortOnError, err)
		}
		errorExprs = append(errorExprs, re)
	}
	timeout := spec.Timeout
	if timeout == 0 {
		timeout = t.cfg.Timeouts.Pattern
	}
	if timeout == 0 {
		timeout = wait.DefaultPatternTimeout
	}

	t.Log.Debug("Waiting for signal", "expr", spec.Expr, "file", spec.File, "timeout", timeout)
	res, err := wait.ForPattern(ctx, wait.PatternSpec{
		Path:       t.resolve(spec.File),
		Success:    []*regexp.Regexp{expr},
		Error:      errorExprs,
		Timeout:    timeout,
		Poll:       spec.Poll,
		MinMatches: spec.MinMatches,
	})
	if err != nil {
		var te *wait.TimeoutError
		if errors.As(err, &te) {
			reason := fmt.Sprintf("Wait for signal \"%s\" in %s timed out after %d secs, with %d matches",
				spec.Expr, spec.File, int(timeout.Seconds()), te.Matches)
			if !te.FileExists {
				reason = fmt.Sprintf("Wait for signal \"%s\" in %s timed out after %d secs, file does not exist",
					spec.Expr, spec.File, int(timeout.Seconds()))
			}
			return nil, t.raise(outcome.TimedOut, reason, spec.AbortOnError, err)
		}
		var em *wait.ErrorMatch
		if errors.As(err, &em) {
			reason := fmt.Sprintf("\"%s\" found during wait for signal \"%s\" in %s", em.Match, spec.Expr, spec.File)
			return nil, t.raise(outcome.Blocked, reason, spec.AbortOnError, err)
		}
		return nil, err
	}
	return res.Matches, nil
}

// WaitForFile blocks until file exists in the output directory. A timeout
// raises TIMED OUT.
func (t *T) WaitForFile(ctx context.Context, file string, timeout time.Duration) error {
	if timeout == 0 {
		timeout = t.cfg.Timeouts.File
	}
	if timeout == 0 {
		timeout = wait.DefaultFileTimeout
	}
	if err := wait.ForFile(ctx, t.resolve(file), timeout, 0); err != nil {
		var te *wait.TimeoutError
		if errors.As(err, &te) {
			reason := fmt.Sprintf("Timed out waiting for creation of %s after %d secs", file, int(timeout.Seconds()))
			return t.raise(outcome.TimedOut, reason, nil, err)
		}
		return err
	}
	return nil
}

// WaitForSocket blocks until a TCP connection to addr succeeds. A timeout
// raises TIMED OUT.
func (t *T) WaitForSocket(ctx context.Context, addr string, timeout time.Duration) error {
	if timeout == 0 {
		timeout = t.cfg.Timeouts.Socket
	}
	if timeout == 0 {
		timeout = wait.DefaultSocketTimeout
	}
	if err := wait.ForSocket(ctx, addr, timeout, 0); err != nil {
		var te *wait.TimeoutError
		if errors.As(err, &te) {
			reason := fmt.Sprintf("Timed out waiting for socket %s after %d secs", addr, int(timeout.Seconds()))
			return t.raise(outcome.TimedOut, reason, nil, err)
		}
		return err
	}
	return nil
}

// GetExprFromFile returns the first match of expr within file. With capture
// groups the first group is returned, otherwise the whole match.
func (t *T) GetExprFromFile(file, expr string) (string, error) {
	re, err := regexp.Compile(expr)
	if err != nil {
		return "", fmt.Errorf("invalid expression %q: %w", expr, err)
	}
	f, err := os.Open(t.resolve(file))
	if err != nil {
		return "", err
	}
	defer f.Close()
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		if m := re.FindStringSubmatch(scanner.Text()); m != nil {
			if len(m) > 1 {
				return m[1], nil
			}
			return m[0], nil
		}
	}
	if err := scanner.Err(); err != nil {
		return "", err
	}
	return "", fmt.Errorf("could not find expression %q in %s", expr, file)
}

// LogFileContents copies up to maxLines lines of file into the test log,
// from the tail when tail is true. Missing files are reported false rather
// than failing, so validation code can call this unconditionally.
func (t *T) LogFileContents(file string, tail bool, maxLines int) bool {
	f, err := os.Open(t.resolve(file))
	if err != nil {
		return false
	}
	defer f.Close()
	var lines []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
		if !tail && maxLines > 0 && len(lines) >= maxLines {
			break
		}
	}
	if tail && maxLines > 0 && len(lines) > maxLines {
		lines = lines[len(lines)-maxLines:]
	}
	t.Log.Info(fmt.Sprintf("Contents of %s:", filepath.Base(file)))
	for _, line := range lines {
		t.Log.Info("  " + line)
	}
	return len(lines) > 0
}
