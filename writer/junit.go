package writer

import (
	"encoding/xml"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/eshch/pysys/outcome"
	"github.com/eshch/pysys/types"
)

// JUnitRecord persists results in the JUnit XML shape CI systems ingest: one
// testsuite per cycle, one testcase per result, failures carrying the
// outcome reason.
type JUnitRecord struct {
	path string

	mu      sync.Mutex
	info    types.RunInfo
	results []types.TestResult
}

// NewJUnitRecord builds a JUnit record writer targeting path.
func NewJUnitRecord(path string) *JUnitRecord {
	return &JUnitRecord{path: path}
}

func (w *JUnitRecord) Setup(info types.RunInfo) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.info = info
	w.results = nil
	return nil
}

func (w *JUnitRecord) Result(result *types.TestResult) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.results = append(w.results, *result)
	return nil
}

type junitSuites struct {
	XMLName xml.Name     `xml:"testsuites"`
	Suites  []junitSuite `xml:"testsuite"`
}

type junitSuite struct {
	Name     string      `xml:"name,attr"`
	Tests    int         `xml:"tests,attr"`
	Failures int         `xml:"failures,attr"`
	Skipped  int         `xml:"skipped,attr"`
	Time     float64     `xml:"time,attr"`
	Cases    []junitCase `xml:"testcase"`
}

type junitCase struct {
	Name      string        `xml:"name,attr"`
	ClassName string        `xml:"classname,attr"`
	Time      float64       `xml:"time,attr"`
	Failure   *junitFailure `xml:"failure,omitempty"`
	Skipped   *junitSkipped `xml:"skipped,omitempty"`
}

type junitFailure struct {
	Message string `xml:"message,attr"`
	Type    string `xml:"type,attr"`
}

type junitSkipped struct {
	Message string `xml:"message,attr,omitempty"`
}

func (w *JUnitRecord) Cleanup() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	byCycle := make(map[int][]types.TestResult)
	for _, r := range w.results {
		byCycle[r.Cycle] = append(byCycle[r.Cycle], r)
	}
	cycles := make([]int, 0, len(byCycle))
	for c := range byCycle {
		cycles = append(cycles, c)
	}
	sort.Ints(cycles)

	var doc junitSuites
	for _, c := range cycles {
		suite := junitSuite{Name: fmt.Sprintf("%s.cycle%d", w.info.RunID, c+1)}
		for _, r := range byCycle[c] {
			jc := junitCase{Name: r.ID, ClassName: r.Mode, Time: r.Duration.Seconds()}
			switch {
			case r.Outcome == outcome.Skipped:
				suite.Skipped++
				jc.Skipped = &junitSkipped{Message: r.Reason}
			case r.Outcome != outcome.Passed:
				// Inconclusive outcomes also surface as failures here; a CI
				// gate must not go green on a test that proved nothing.
				suite.Failures++
				jc.Failure = &junitFailure{Message: r.Reason, Type: r.Outcome.String()}
			}
			suite.Tests++
			suite.Time += r.Duration.Seconds()
			suite.Cases = append(suite.Cases, jc)
		}
		doc.Suites = append(doc.Suites, suite)
	}

	data, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal junit document: %w", err)
	}
	data = append([]byte(xml.Header), data...)
	if err := os.MkdirAll(filepath.Dir(w.path), 0o755); err != nil {
		return fmt.Errorf("failed to create junit directory: %w", err)
	}
	if err := os.WriteFile(w.path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write junit document: %w", err)
	}
	return nil
}
