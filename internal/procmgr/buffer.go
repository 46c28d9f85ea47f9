package procmgr

import (
	"strings"
	"sync"
	"time"
)

// RingCapacity is the per-process cap on retained output lines. Oldest
// lines are dropped once the cap is reached.
const RingCapacity = 500

// OutputLine is a single captured line of child process output.
type OutputLine struct {
	Timestamp time.Time `json:"timestamp"`
	Stream    string    `json:"stream"` // "stdout" or "stderr"
	Content   string    `json:"content"`
}

// OutputRing is a bounded ring buffer of process output lines.
type OutputRing struct {
	mu    sync.RWMutex
	lines []OutputLine
	size  int
	head  int
	count int
}

// NewOutputRing creates a ring with the given capacity.
func NewOutputRing(size int) *OutputRing {
	if size <= 0 {
		size = RingCapacity
	}
	return &OutputRing{
		lines: make([]OutputLine, size),
		size:  size,
	}
}

// Add appends a line, dropping the oldest when full.
func (r *OutputRing) Add(line OutputLine) {
	r.mu.Lock()
	defer r.mu.Unlock()

	idx := (r.head + r.count) % r.size
	if r.count < r.size {
		r.count++
	} else {
		r.head = (r.head + 1) % r.size
	}
	r.lines[idx] = line
}

// Last returns the last n lines, oldest first. n <= 0 returns everything.
func (r *OutputRing) Last(n int) []OutputLine {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if n <= 0 || n > r.count {
		n = r.count
	}
	result := make([]OutputLine, n)
	start := r.count - n
	for i := 0; i < n; i++ {
		idx := (r.head + start + i) % r.size
		result[i] = r.lines[idx]
	}
	return result
}

// Count returns the number of retained lines.
func (r *OutputRing) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.count
}

// Text renders the last n lines as a newline-joined string.
func (r *OutputRing) Text(n int) string {
	lines := r.Last(n)
	var b strings.Builder
	for i, line := range lines {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(line.Content)
	}
	return b.String()
}
