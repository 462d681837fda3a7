package process

import (
	"strconv"
	"sync"
)

// Names allocates the display names for the processes one test starts.
// Repeats of the same base name get a numeric suffix so log lines stay
// unambiguous; the counter has no bearing on process lifecycle.
type Names struct {
	mu     sync.Mutex
	counts map[string]int
}

// Allocate returns the display name to use for the next process registered
// under base: base itself the first time, then base2, base3 and so on.
func (n *Names) Allocate(base string) string {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.counts == nil {
		n.counts = make(map[string]int)
	}
	n.counts[base]++
	if n.counts[base] == 1 {
		return base
	}
	return base + strconv.Itoa(n.counts[base])
}

// Count returns how many processes have been registered under base.
func (n *Names) Count(base string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.counts[base]
}
