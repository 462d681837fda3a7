package process

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/log"
	gops "github.com/shirou/gopsutil/v4/process"
)

// DefaultMonitorInterval is the sampling interval when none is given.
const DefaultMonitorInterval = 5 * time.Second

// monitorMaxFailures is how many consecutive sampling failures are tolerated
// before the monitored process is assumed gone and the monitor stops itself.
const monitorMaxFailures = 3

// Monitor periodically samples the resource usage of a supervised process
// (and its children) into a tab-separated file: timestamp, CPU percent,
// resident KB, virtual KB. One line per sample.
type Monitor struct {
	proc     *Process
	interval time.Duration
	file     *os.File
	logger   log.Logger

	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// StartMonitor begins sampling p every interval into the file at path. A zero
// interval selects DefaultMonitorInterval. The caller must Stop the monitor;
// it also stops itself when the process disappears.
func StartMonitor(logger log.Logger, p *Process, interval time.Duration, path string) (*Monitor, error) {
	if interval <= 0 {
		interval = DefaultMonitorInterval
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create monitor file: %w", err)
	}
	m := &Monitor{
		proc:     p,
		interval: interval,
		file:     f,
		logger:   logger.New("monitor", p.Name()),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go m.run()
	return m, nil
}

func (m *Monitor) run() {
	defer close(m.done)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case <-m.stop:
			return
		case <-m.proc.waitDone:
			return
		case <-ticker.C:
		}
		if err := m.sample(); err != nil {
			failures++
			m.logger.Debug("Monitor sample failed", "err", err, "consecutive", failures)
			if failures >= monitorMaxFailures {
				m.logger.Debug("Monitor giving up, process assumed gone")
				return
			}
			continue
		}
		failures = 0
	}
}

// sample collects CPU and memory for the process tree rooted at the
// monitored pid and appends one line to the file.
func (m *Monitor) sample() error {
	root, err := gops.NewProcess(int32(m.proc.Pid()))
	if err != nil {
		return err
	}
	procs := []*gops.Process{root}
	if children, err := root.Children(); err == nil {
		procs = append(procs, children...)
	}

	var cpu float64
	var rss, vms uint64
	for _, pr := range procs {
		if c, err := pr.CPUPercent(); err == nil {
			cpu += c
		}
		if mem, err := pr.MemoryInfo(); err == nil && mem != nil {
			rss += mem.RSS
			vms += mem.VMS
		}
	}

	line := fmt.Sprintf("%s\t%.1f\t%d\t%d\n",
		time.Now().Format("02/01/06 15:04:05"), cpu, rss/1024, vms/1024)
	if _, err := m.file.WriteString(line); err != nil {
		return err
	}
	return nil
}

// Stop ends sampling and closes the file. Safe to call more than once.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() {
		close(m.stop)
		<-m.done
		_ = m.file.Close()
	})
}
