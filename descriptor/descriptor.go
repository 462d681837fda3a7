// Package descriptor discovers and parses test descriptors. A descriptor is
// a pysystest.yaml file in the test's directory describing what the test is
// (id, title, groups, modes) and, for command tests, how to run and verify
// it. Discovery adapts descriptors into the units the runner schedules.
package descriptor

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"slices"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/eshch/pysys/harness"
	"github.com/eshch/pysys/runner"
)

// FileName is the descriptor file looked for in each test directory.
const FileName = "pysystest.yaml"

// Descriptor is one parsed pysystest.yaml.
type Descriptor struct {
	// ID defaults to the name of the directory holding the descriptor.
	ID      string   `yaml:"id,omitempty"`
	Title   string   `yaml:"title,omitempty"`
	Purpose string   `yaml:"purpose,omitempty"`
	Groups  []string `yaml:"groups,omitempty"`

	// Modes the test supports. When the run names a mode, tests not listing
	// it are dispatched but skipped.
	Modes []string `yaml:"modes,omitempty"`

	// Skip marks the test skipped with this reason.
	Skip string `yaml:"skip,omitempty"`

	// Timeouts override the run defaults, in seconds.
	Timeouts *TimeoutOverrides `yaml:"timeouts,omitempty"`

	// Test defines the command test. Required unless Skip is set.
	Test *CommandTest `yaml:"test,omitempty"`

	// Path and Dir locate the descriptor on disk.
	Path string `yaml:"-"`
	Dir  string `yaml:"-"`
}

// TimeoutOverrides adjust the default deadlines for one test, in seconds.
// Zero fields keep the run default.
type TimeoutOverrides struct {
	Process float64 `yaml:"process,omitempty"`
	Pattern float64 `yaml:"pattern,omitempty"`
	File    float64 `yaml:"file,omitempty"`
	Socket  float64 `yaml:"socket,omitempty"`
}

// CommandTest describes the process a command test runs and the checks that
// decide its outcome.
type CommandTest struct {
	Command string            `yaml:"command"`
	Args    []string          `yaml:"args,omitempty"`
	Env     map[string]string `yaml:"env,omitempty"`

	// Dir is the working directory, relative to the test's output directory
	// unless absolute.
	Dir string `yaml:"dir,omitempty"`

	// Background leaves the process running; expectations are then waited
	// for instead of checked after exit.
	Background bool `yaml:"background,omitempty"`

	ExpectedExitStatus int   `yaml:"expected_exit_status,omitempty"`
	IgnoreExitStatus   *bool `yaml:"ignore_exit_status,omitempty"`

	// Expect are the success patterns the output must contain.
	Expect []Expectation `yaml:"expect,omitempty"`

	// Errors are patterns whose presence blocks the test.
	Errors []string `yaml:"errors,omitempty"`
}

// Expectation is one success pattern.
type Expectation struct {
	Expr string `yaml:"expr"`

	// File is checked relative to the output directory; empty means the
	// command's stdout capture.
	File string `yaml:"file,omitempty"`

	// MinMatches is the number of matching lines required, minimum 1.
	MinMatches int `yaml:"min_matches,omitempty"`
}

// Discover walks roots for descriptor files, parses them in parallel and
// returns them ordered by path. Malformed descriptors and duplicate ids fail
// the whole discovery.
func Discover(logger log.Logger, roots []string) ([]Descriptor, error) {
	var paths []string
	for _, root := range roots {
		err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if !d.IsDir() && d.Name() == FileName {
				paths = append(paths, path)
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("scanning test root %s: %w", root, err)
		}
	}
	slices.Sort(paths)
	logger.Debug("Descriptor scan complete", "roots", len(roots), "descriptors", len(paths))

	descriptors := make([]Descriptor, len(paths))
	g := new(errgroup.Group)
	g.SetLimit(runtime.NumCPU())
	for i, path := range paths {
		g.Go(func() error {
			d, err := Load(path)
			if err != nil {
				return err
			}
			descriptors[i] = d
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	seen := make(map[string]string, len(descriptors))
	for _, d := range descriptors {
		if prev, dup := seen[d.ID]; dup {
			return nil, fmt.Errorf("duplicate test id %q in %s and %s", d.ID, prev, d.Path)
		}
		seen[d.ID] = d.Path
	}
	return descriptors, nil
}

// Load parses a single descriptor file. Unknown keys are rejected so a typo
// in a descriptor fails discovery instead of silently dropping the option.
func Load(path string) (Descriptor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Descriptor{}, fmt.Errorf("reading descriptor: %w", err)
	}
	var d Descriptor
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&d); err != nil && !errors.Is(err, io.EOF) {
		return Descriptor{}, fmt.Errorf("parsing %s: %w", path, err)
	}
	d.Path = path
	d.Dir = filepath.Dir(path)
	if d.ID == "" {
		d.ID = filepath.Base(d.Dir)
	}
	if err := d.validate(); err != nil {
		return Descriptor{}, fmt.Errorf("%s: %w", path, err)
	}
	return d, nil
}

func (d *Descriptor) validate() error {
	if d.Test == nil {
		if d.Skip == "" {
			return errors.New("descriptor defines no test and no skip reason")
		}
		return nil
	}
	if d.Test.Command == "" {
		return errors.New("test command is required")
	}
	for _, e := range d.Test.Expect {
		if e.Expr == "" {
			return errors.New("expect entry without expr")
		}
		if _, err := regexp.Compile(e.Expr); err != nil {
			return fmt.Errorf("invalid expect expression %q: %w", e.Expr, err)
		}
		if e.MinMatches < 0 {
			return fmt.Errorf("expect expression %q: min_matches must not be negative", e.Expr)
		}
	}
	for _, e := range d.Test.Errors {
		if _, err := regexp.Compile(e); err != nil {
			return fmt.Errorf("invalid error expression %q: %w", e, err)
		}
	}
	return nil
}

// Filter narrows a descriptor set. Empty fields select everything.
type Filter struct {
	// IDs selects exactly these tests; an id matching nothing is an error.
	IDs []string

	// Groups selects tests carrying at least one of these groups.
	Groups []string
}

// Select applies f in discovery order.
func Select(descriptors []Descriptor, f Filter) ([]Descriptor, error) {
	for _, id := range f.IDs {
		found := false
		for _, d := range descriptors {
			if d.ID == id {
				found = true
				break
			}
		}
		if !found {
			return nil, fmt.Errorf("no test found with id %q", id)
		}
	}

	out := make([]Descriptor, 0, len(descriptors))
	for _, d := range descriptors {
		if len(f.IDs) > 0 && !slices.Contains(f.IDs, d.ID) {
			continue
		}
		if len(f.Groups) > 0 && !containsAny(d.Groups, f.Groups) {
			continue
		}
		out = append(out, d)
	}
	return out, nil
}

func containsAny(have, want []string) bool {
	for _, w := range want {
		if slices.Contains(have, w) {
			return true
		}
	}
	return false
}

// Units adapts descriptors into schedulable test units. A run mode the
// descriptor does not list skips the test at dispatch, matching how mode
// mismatches have always been reported.
func Units(descriptors []Descriptor, mode string) []runner.TestUnit {
	units := make([]runner.TestUnit, 0, len(descriptors))
	for _, d := range descriptors {
		unit := runner.TestUnit{ID: d.ID, Title: d.Title, Mode: mode}
		switch {
		case d.Skip != "":
			unit.SkipReason = d.Skip
		case mode != "" && !slices.Contains(d.Modes, mode):
			unit.SkipReason = fmt.Sprintf("Unable to run test in %s mode", mode)
		}
		if d.Test != nil && unit.SkipReason == "" {
			test := *d.Test
			var timeouts TimeoutOverrides
			if d.Timeouts != nil {
				timeouts = *d.Timeouts
			}
			unit.Make = func() harness.TestCase { return newCommandCase(test, timeouts) }
		}
		units = append(units, unit)
	}
	return units
}

func secs(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
