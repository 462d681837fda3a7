package logging

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/log"
)

const bannerWidth = 62

// RunLog is one test's run.log: a banner, every log record the test emits,
// and the final outcome lines. All writes go through an AsyncFile so the
// test never blocks on disk.
type RunLog struct {
	af     *AsyncFile
	logger log.Logger
}

// OpenRunLog creates run.log inside the test's output directory and returns
// a sink whose Logger captures records at debug level and above.
func OpenRunLog(outputDir string) (*RunLog, error) {
	af, err := NewAsyncFile(filepath.Join(outputDir, "run.log"))
	if err != nil {
		return nil, err
	}
	handler := log.NewTerminalHandlerWithLevel(af, log.LevelDebug, false)
	return &RunLog{af: af, logger: log.NewLogger(handler)}, nil
}

// Logger returns the logger whose records land in run.log.
func (rl *RunLog) Logger() log.Logger { return rl.logger }

// Path returns the location of the run.log file.
func (rl *RunLog) Path() string { return rl.af.Name() }

// Banner writes the header identifying the test this log belongs to.
func (rl *RunLog) Banner(id, title string, cycle, totalCycles int) {
	sep := strings.Repeat("=", bannerWidth)
	rl.line(sep)
	rl.line("Id   : " + id)
	if title != "" {
		rl.line("Title: " + title)
	}
	if totalCycles > 1 {
		rl.line(fmt.Sprintf("Cycle: %d", cycle))
	}
	rl.line(sep)
}

// Final writes the closing duration and outcome lines.
func (rl *RunLog) Final(duration time.Duration, outcome, reason string) {
	rl.line("")
	rl.line(fmt.Sprintf("Test duration: %.2f secs", duration.Seconds()))
	rl.line("Test final outcome:  " + outcome)
	if reason != "" {
		rl.line("Test outcome reason: " + reason)
	}
}

func (rl *RunLog) line(s string) {
	_, _ = rl.af.Write([]byte(s + "\n"))
}

// Close flushes and closes the underlying file.
func (rl *RunLog) Close() error { return rl.af.Close() }
