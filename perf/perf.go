// Package perf records numeric performance results reported by tests into a
// CSV summary file, one row per result, with a commented header describing
// the run.
package perf

import (
	"encoding/csv"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/log"
)

// DefaultSummaryPattern is where results land unless the project overrides
// it. The @TOKENS@ are substituted when the reporter is built.
const DefaultSummaryPattern = "performance_output/@OUTDIR@_@HOSTNAME@/perf_@DATE@_@TIME@.csv"

var columns = []string{"resultKey", "testId", "value", "unit", "biggerIsBetter"}

// Reporter appends performance results to a CSV summary file. The file and
// its header are created on the first result so runs without performance
// results leave nothing behind. Safe for concurrent use.
type Reporter struct {
	logger log.Logger
	path   string
	run    string

	mu    sync.Mutex
	f     *os.File
	w     *csv.Writer
	keys  map[string]string
	count int
}

// New builds a reporter writing to pattern with @OUTDIR@, @HOSTNAME@, @DATE@
// and @TIME@ substituted. Relative patterns are resolved against baseDir.
// outDir is the run's output directory name, used for @OUTDIR@ and recorded
// in the header.
func New(logger log.Logger, pattern, baseDir, outDir string, start time.Time) *Reporter {
	if pattern == "" {
		pattern = DefaultSummaryPattern
	}
	hostname, _ := os.Hostname()
	repl := strings.NewReplacer(
		"@OUTDIR@", filepath.Base(outDir),
		"@HOSTNAME@", hostname,
		"@DATE@", start.Format("2006-01-02"),
		"@TIME@", start.Format("15.04.05"),
	)
	path := repl.Replace(pattern)
	if !filepath.IsAbs(path) {
		path = filepath.Join(baseDir, path)
	}
	return &Reporter{
		logger: logger,
		path:   path,
		run:    fmt.Sprintf("outDir=%s, hostname=%s, start=%s", filepath.Base(outDir), hostname, start.Format(time.RFC3339)),
		keys:   make(map[string]string),
	}
}

// Path returns the summary file path the reporter writes to.
func (r *Reporter) Path() string { return r.path }

// Count returns the number of results recorded so far.
func (r *Reporter) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}

// Report records one performance result. The resultKey identifies the
// measurement across runs and must be unique within a run; collisions are
// authoring errors and are rejected, as are non-finite values.
func (r *Reporter) Report(testID string, value float64, resultKey, unit string, biggerIsBetter bool) error {
	if err := validateKey(resultKey); err != nil {
		return err
	}
	if unit == "" {
		return fmt.Errorf("performance result %q has no unit", resultKey)
	}
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return fmt.Errorf("performance result %q has non-finite value", resultKey)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if prev, dup := r.keys[resultKey]; dup {
		return fmt.Errorf("performance result key %q already reported by %s", resultKey, prev)
	}
	if r.f == nil {
		if err := r.open(); err != nil {
			return err
		}
	}
	direction := "false"
	if biggerIsBetter {
		direction = "true"
	}
	err := r.w.Write([]string{resultKey, testID, strconv.FormatFloat(value, 'f', -1, 64), unit, direction})
	if err == nil {
		r.w.Flush()
		err = r.w.Error()
	}
	if err != nil {
		return fmt.Errorf("failed to record performance result %q: %w", resultKey, err)
	}
	r.keys[resultKey] = testID
	r.count++
	r.logger.Info("Performance result", "result_key", resultKey, "value", value, "unit", unit, "test", testID)
	return nil
}

// Close flushes and closes the summary file. Safe when nothing was written.
func (r *Reporter) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.f == nil {
		return nil
	}
	r.w.Flush()
	err := r.w.Error()
	if cerr := r.f.Close(); err == nil {
		err = cerr
	}
	r.f = nil
	return err
}

func (r *Reporter) open() error {
	if err := os.MkdirAll(filepath.Dir(r.path), 0o755); err != nil {
		return fmt.Errorf("failed to create performance output directory: %w", err)
	}
	f, err := os.OpenFile(r.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("failed to create performance summary file: %w", err)
	}
	if _, err := fmt.Fprintf(f, "# %s\n# %s\n", strings.Join(columns, ","), r.run); err != nil {
		f.Close()
		return fmt.Errorf("failed to write performance summary header: %w", err)
	}
	r.f = f
	r.w = csv.NewWriter(f)
	r.logger.Info("Creating performance summary file", "path", r.path)
	return nil
}

func validateKey(key string) error {
	if key == "" {
		return fmt.Errorf("performance result key must not be empty")
	}
	for _, c := range key {
		if c == '\n' || c == '\r' || !strconv.IsPrint(c) {
			return fmt.Errorf("performance result key %q contains unprintable characters", key)
		}
	}
	return nil
}
