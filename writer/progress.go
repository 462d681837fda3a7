package writer

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/log"

	"github.com/eshch/pysys/types"
)

// DefaultProgressInterval is how often the progress writer reports when the
// run does not configure an interval.
const DefaultProgressInterval = 30 * time.Second

// ConsoleProgress periodically logs how the run is going: completed counts,
// failure counts and the longest-running in-flight tests. Reporting runs on
// its own goroutine so a stuck test still produces progress lines.
type ConsoleProgress struct {
	logger   log.Logger
	interval time.Duration

	mu        sync.Mutex
	total     int
	completed int
	failures  int
	running   map[types.ResultKey]time.Time

	ticker   *time.Ticker
	stop     chan struct{}
	stopOnce sync.Once
}

// NewConsoleProgress builds a progress writer reporting every interval, or
// DefaultProgressInterval when zero.
func NewConsoleProgress(logger log.Logger, interval time.Duration) *ConsoleProgress {
	if interval == 0 {
		interval = DefaultProgressInterval
	}
	return &ConsoleProgress{
		logger:   logger,
		interval: interval,
		running:  make(map[types.ResultKey]time.Time),
	}
}

func (c *ConsoleProgress) Setup(info types.RunInfo) error {
	c.mu.Lock()
	c.total = info.Tests
	c.mu.Unlock()

	c.ticker = time.NewTicker(c.interval)
	c.stop = make(chan struct{})
	go c.reporter()
	return nil
}

// Started tracks a dispatched unit so the periodic report can show it.
func (c *ConsoleProgress) Started(key types.ResultKey) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.running[key] = time.Now()
}

func (c *ConsoleProgress) Result(result *types.TestResult) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.running, result.Key())
	c.completed++
	if result.Outcome.IsFailure() {
		c.failures++
	}
	return nil
}

func (c *ConsoleProgress) Cleanup() error {
	c.stopOnce.Do(func() {
		c.ticker.Stop()
		close(c.stop)
	})
	return nil
}

func (c *ConsoleProgress) reporter() {
	for {
		select {
		case <-c.ticker.C:
			c.report()
		case <-c.stop:
			return
		}
	}
}

func (c *ConsoleProgress) report() {
	c.mu.Lock()
	defer c.mu.Unlock()

	var percent float64
	if c.total > 0 {
		percent = float64(c.completed) * 100.0 / float64(c.total)
	}
	c.logger.Info("Progress update",
		"completed", c.completed,
		"total", c.total,
		"percent", fmt.Sprintf("%.1f%%", percent),
		"failures", c.failures,
		"numRunning", len(c.running),
		"longestRunning", formatRunning(c.running, 3),
	)
}

// formatRunning renders the longest-running in-flight tests, capped at
// maxShow with a "+N more" marker.
func formatRunning(running map[types.ResultKey]time.Time, maxShow int) string {
	if len(running) == 0 {
		return ""
	}
	type entry struct {
		key      types.ResultKey
		duration time.Duration
	}
	now := time.Now()
	entries := make([]entry, 0, len(running))
	for key, started := range running {
		entries = append(entries, entry{key: key, duration: now.Sub(started)})
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].duration > entries[j].duration
	})

	var parts []string
	for i, e := range entries {
		if i >= maxShow {
			break
		}
		parts = append(parts, fmt.Sprintf("%s (%v)", e.key, e.duration.Truncate(time.Second)))
	}
	if len(entries) > maxShow {
		parts = append(parts, fmt.Sprintf("+%d more", len(entries)-maxShow))
	}
	return strings.Join(parts, ", ")
}
