package writer

import (
	"encoding/xml"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/eshch/pysys/types"
)

// XMLRecord persists the run's results as one XML document: run metadata at
// the root, one results element per cycle, one result element per test.
type XMLRecord struct {
	path string

	mu      sync.Mutex
	info    types.RunInfo
	results []types.TestResult
}

// NewXMLRecord builds an XML record writer targeting path.
func NewXMLRecord(path string) *XMLRecord {
	return &XMLRecord{path: path}
}

func (w *XMLRecord) Setup(info types.RunInfo) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.info = info
	w.results = nil
	return nil
}

func (w *XMLRecord) Result(result *types.TestResult) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.results = append(w.results, *result)
	return nil
}

type xmlDocument struct {
	XMLName   xml.Name   `xml:"pysyslog"`
	RunID     string     `xml:"runId"`
	Timestamp string     `xml:"timestamp"`
	Platform  string     `xml:"platform"`
	Host      string     `xml:"host"`
	Cycles    []xmlCycle `xml:"results"`
}

type xmlCycle struct {
	Cycle   int         `xml:"cycle,attr"`
	Results []xmlResult `xml:"result"`
}

type xmlResult struct {
	ID        string  `xml:"id,attr"`
	Outcome   string  `xml:"outcome,attr"`
	Reason    string  `xml:"outcomeReason"`
	Timestamp string  `xml:"timestamp"`
	Duration  float64 `xml:"durationSecs"`
	Output    string  `xml:"outputDir"`
}

func (w *XMLRecord) Cleanup() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	byCycle := make(map[int][]xmlResult)
	for _, r := range w.results {
		byCycle[r.Cycle] = append(byCycle[r.Cycle], xmlResult{
			ID:        r.ID,
			Outcome:   r.Outcome.String(),
			Reason:    r.Reason,
			Timestamp: r.Start.UTC().Format(time.RFC3339),
			Duration:  r.Duration.Seconds(),
			Output:    r.OutputDir,
		})
	}
	cycles := make([]int, 0, len(byCycle))
	for c := range byCycle {
		cycles = append(cycles, c)
	}
	sort.Ints(cycles)

	doc := xmlDocument{
		RunID:     w.info.RunID,
		Timestamp: w.info.Start.UTC().Format(time.RFC3339),
		Platform:  runtime.GOOS,
		Host:      w.info.Host,
	}
	for _, c := range cycles {
		doc.Cycles = append(doc.Cycles, xmlCycle{Cycle: c + 1, Results: byCycle[c]})
	}

	data, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal results document: %w", err)
	}
	data = append([]byte(xml.Header), data...)
	if err := os.MkdirAll(filepath.Dir(w.path), 0o755); err != nil {
		return fmt.Errorf("failed to create results directory: %w", err)
	}
	if err := os.WriteFile(w.path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write results document: %w", err)
	}
	return nil
}
