// Package wait provides blocking-with-timeout primitives for synchronizing a
// test with asynchronous output: a pattern wait over a growing text file, a
// file-creation wait and a socket wait. All waits poll at a configurable
// interval and honor context cancellation.
package wait

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"regexp"
	"time"
)

// Default deadlines and poll interval, overridable per call.
const (
	DefaultPatternTimeout = 60 * time.Second
	DefaultFileTimeout    = 30 * time.Second
	DefaultSocketTimeout  = 60 * time.Second
	DefaultPoll           = 250 * time.Millisecond
)

// PatternSpec describes one pattern wait over a growing file.
type PatternSpec struct {
	// Path of the file to watch. The file may not exist yet when the wait
	// starts; the deadline still applies from the start of the wait.
	Path string

	// Success patterns. Matches are collected across every poll in line
	// order; the wait succeeds once MinMatches matches have been seen.
	Success []*regexp.Regexp

	// Error patterns. A match fails the wait immediately, distinguishable
	// from a timeout. Success is checked first within one poll.
	Error []*regexp.Regexp

	Timeout time.Duration // default DefaultPatternTimeout
	Poll    time.Duration // default DefaultPoll

	// MinMatches is the number of success matches required, minimum 1.
	MinMatches int
}

// PatternResult holds the success matches collected before the wait returned.
// Each entry is the submatch slice of one regexp match (index 0 is the full
// match), in the order the matches appeared in the file.
type PatternResult struct {
	Matches [][]string
}

// Count returns the number of success matches collected.
func (r *PatternResult) Count() int { return len(r.Matches) }

// TimeoutError reports that a wait gave up at its deadline.
type TimeoutError struct {
	Path       string
	Timeout    time.Duration
	Matches    int  // success matches seen before the deadline
	FileExists bool // whether the watched file ever appeared
}

func (e *TimeoutError) Error() string {
	if !e.FileExists {
		return fmt.Sprintf("wait for %s timed out after %d secs, file does not exist", e.Path, int(e.Timeout.Seconds()))
	}
	return fmt.Sprintf("wait for %s timed out after %d secs, with %d matches", e.Path, int(e.Timeout.Seconds()), e.Matches)
}

// ErrorMatch reports that an error pattern matched before the wait succeeded.
type ErrorMatch struct {
	Expr  string // source of the error pattern that matched
	Match string // the text the pattern matched
	Line  string // the full line it matched on
	Path  string
}

func (e *ErrorMatch) Error() string {
	return fmt.Sprintf("%q found in %s", e.Match, e.Path)
}

// ForPattern polls the file named by spec.Path until enough success matches
// accumulate, an error pattern matches, the deadline passes or ctx is
// canceled. Each poll scans only the content appended since the previous
// poll; the file is assumed append-only.
func ForPattern(ctx context.Context, spec PatternSpec) (*PatternResult, error) {
	if len(spec.Success) == 0 {
		return nil, fmt.Errorf("pattern wait on %s has no success patterns", spec.Path)
	}
	timeout := spec.Timeout
	if timeout <= 0 {
		timeout = DefaultPatternTimeout
	}
	poll := spec.Poll
	if poll <= 0 {
		poll = DefaultPoll
	}
	need := spec.MinMatches
	if need < 1 {
		need = 1
	}

	var (
		sc       = scanner{path: spec.Path}
		result   = &PatternResult{}
		deadline = time.Now().Add(timeout)
	)
	for {
		lines, exists, err := sc.next()
		if err != nil {
			return result, fmt.Errorf("pattern wait on %s: %w", spec.Path, err)
		}
		match(lines, spec, result)
		if result.Count() >= need {
			return result, nil
		}
		if errMatch := matchError(lines, spec); errMatch != nil {
			return result, errMatch
		}
		if !time.Now().Before(deadline) {
			// One last look at a trailing unterminated line before giving up.
			if tail := sc.tailLine(); len(tail) > 0 {
				match(tail, spec, result)
				if result.Count() >= need {
					return result, nil
				}
				if errMatch := matchError(tail, spec); errMatch != nil {
					return result, errMatch
				}
			}
			return result, &TimeoutError{Path: spec.Path, Timeout: timeout, Matches: result.Count(), FileExists: exists}
		}
		select {
		case <-ctx.Done():
			return result, ctx.Err()
		case <-time.After(poll):
		}
	}
}

func match(lines []string, spec PatternSpec, result *PatternResult) {
	for _, line := range lines {
		for _, re := range spec.Success {
			if m := re.FindStringSubmatch(line); m != nil {
				result.Matches = append(result.Matches, m)
			}
		}
	}
}

func matchError(lines []string, spec PatternSpec) *ErrorMatch {
	for _, line := range lines {
		for _, re := range spec.Error {
			if m := re.FindString(line); m != "" {
				return &ErrorMatch{Expr: re.String(), Match: m, Line: line, Path: spec.Path}
			}
		}
	}
	return nil
}

// scanner reads a growing file incrementally, yielding only complete lines
// appended since the previous call. A trailing unterminated line is carried
// until its newline arrives.
type scanner struct {
	path    string
	offset  int64
	carry   []byte
	existed bool
}

func (s *scanner) next() ([]string, bool, error) {
	f, err := os.Open(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, s.existed, nil
		}
		return nil, s.existed, err
	}
	defer f.Close()
	s.existed = true

	info, err := f.Stat()
	if err != nil {
		return nil, true, err
	}
	if info.Size() < s.offset {
		// File shrank; start over from the beginning.
		s.offset = 0
		s.carry = nil
	}
	if info.Size() == s.offset {
		return nil, true, nil
	}
	if _, err := f.Seek(s.offset, io.SeekStart); err != nil {
		return nil, true, err
	}
	appended, err := io.ReadAll(f)
	if err != nil {
		return nil, true, err
	}
	s.offset += int64(len(appended))

	chunk := append(s.carry, appended...)
	var lines []string
	for {
		i := bytes.IndexByte(chunk, '\n')
		if i < 0 {
			break
		}
		lines = append(lines, string(bytes.TrimSuffix(chunk[:i], []byte("\r"))))
		chunk = chunk[i+1:]
	}
	s.carry = append([]byte(nil), chunk...)
	return lines, true, nil
}

// tailLine returns the carried unterminated line, if any.
func (s *scanner) tailLine() []string {
	if len(s.carry) == 0 {
		return nil
	}
	return []string{string(s.carry)}
}

// ForFile polls until the named file exists. A zero timeout or poll selects
// the defaults.
func ForFile(ctx context.Context, path string, timeout, poll time.Duration) error {
	if timeout <= 0 {
		timeout = DefaultFileTimeout
	}
	if poll <= 0 {
		poll = DefaultPoll
	}
	deadline := time.Now().Add(timeout)
	for {
		if _, err := os.Stat(path); err == nil {
			return nil
		}
		if !time.Now().Before(deadline) {
			return &TimeoutError{Path: path, Timeout: timeout}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(poll):
		}
	}
}

// ForSocket polls until a TCP connection to addr succeeds.
func ForSocket(ctx context.Context, addr string, timeout, poll time.Duration) error {
	if timeout <= 0 {
		timeout = DefaultSocketTimeout
	}
	if poll <= 0 {
		poll = DefaultPoll
	}
	deadline := time.Now().Add(timeout)
	for {
		conn, err := net.DialTimeout("tcp", addr, poll)
		if err == nil {
			conn.Close()
			return nil
		}
		if !time.Now().Before(deadline) {
			return &TimeoutError{Path: addr, Timeout: timeout}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(poll):
		}
	}
}
