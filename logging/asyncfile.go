// Package logging provides the file sinks test output is routed to: an
// asynchronous file writer and the per-test run.log built on it. Sinks are
// constructed explicitly and passed to their consumers; nothing here touches
// process-wide logger state.
package logging

import (
	"fmt"
	"os"
	"sync"
)

// AsyncFile is a file writer that queues writes to a background goroutine so
// callers never block on disk. It implements io.Writer; writes after Close
// fail.
type AsyncFile struct {
	file    *os.File
	queue   chan []byte
	wg      sync.WaitGroup
	mu      sync.Mutex
	stopped bool
}

// NewAsyncFile creates the file at path, truncating any existing content, and
// starts the background writer.
func NewAsyncFile(path string) (*AsyncFile, error) {
	file, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create file %s: %w", path, err)
	}
	af := &AsyncFile{
		file:  file,
		queue: make(chan []byte, 100),
	}
	af.wg.Add(1)
	go af.processQueue()
	return af, nil
}

// Write queues data for the background writer. The data is copied, so the
// caller may reuse the buffer immediately.
func (af *AsyncFile) Write(data []byte) (int, error) {
	af.mu.Lock()
	defer af.mu.Unlock()
	if af.stopped {
		return 0, fmt.Errorf("async file %s is closed", af.file.Name())
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	af.queue <- buf
	return len(data), nil
}

func (af *AsyncFile) processQueue() {
	defer af.wg.Done()
	for data := range af.queue {
		if _, err := af.file.Write(data); err != nil {
			fmt.Fprintf(os.Stderr, "error writing to %s: %v\n", af.file.Name(), err)
		}
	}
}

// Close drains queued writes and closes the file. Safe to call twice.
func (af *AsyncFile) Close() error {
	af.mu.Lock()
	if af.stopped {
		af.mu.Unlock()
		af.wg.Wait()
		return nil
	}
	af.stopped = true
	close(af.queue)
	af.mu.Unlock()

	af.wg.Wait()
	return af.file.Close()
}

// Name returns the path of the underlying file.
func (af *AsyncFile) Name() string { return af.file.Name() }
