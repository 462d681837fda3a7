package writer

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"

	"github.com/acarl005/stripansi"

	"github.com/eshch/pysys/types"
)

// TextRecord persists one line per completed result to a plain-text summary
// file, with a run header and cycle banners. Reasons pass through an ANSI
// strip since they may quote colorized process output.
type TextRecord struct {
	path string

	mu        sync.Mutex
	f         *os.File
	cycles    int
	lastCycle int
}

// NewTextRecord builds a text record writer targeting path.
func NewTextRecord(path string) *TextRecord {
	return &TextRecord{path: path, lastCycle: -1}
}

func (w *TextRecord) Setup(info types.RunInfo) error {
	if err := os.MkdirAll(filepath.Dir(w.path), 0o755); err != nil {
		return fmt.Errorf("failed to create results directory: %w", err)
	}
	f, err := os.Create(w.path)
	if err != nil {
		return fmt.Errorf("failed to create results file: %w", err)
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.f = f
	w.cycles = info.Cycles
	w.lastCycle = -1

	hostname := info.Host
	if hostname == "" {
		hostname, _ = os.Hostname()
	}
	_, err = fmt.Fprintf(f, "DATE:       %s (UTC)\nPLATFORM:   %s\nTEST HOST:  %s\n",
		info.Start.UTC().Format("06-01-02 15:04:05"), runtime.GOOS, hostname)
	return err
}

func (w *TextRecord) Result(result *types.TestResult) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.f == nil {
		return fmt.Errorf("results file is not open")
	}
	if w.cycles > 1 && result.Cycle != w.lastCycle {
		if _, err := fmt.Fprintf(w.f, "\n[Cycle %d]:\n", result.Cycle+1); err != nil {
			return err
		}
		w.lastCycle = result.Cycle
	}
	line := fmt.Sprintf("  %s: %s", result.Outcome, result.ID)
	if result.Reason != "" {
		line += fmt.Sprintf(" (%s)", stripansi.Strip(result.Reason))
	}
	_, err := fmt.Fprintln(w.f, line)
	return err
}

func (w *TextRecord) Cleanup() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.f == nil {
		return nil
	}
	err := w.f.Close()
	w.f = nil
	return err
}
