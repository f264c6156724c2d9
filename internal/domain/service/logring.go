package service

import (
	"sync"
	"time"
)

// LogEntry is one line captured from a child's stderr, a non-JSON stdout
// line, or a supervisor lifecycle event.
type LogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Level     string    `json:"level"`
	Message   string    `json:"message"`
}

// LogRing is a fixed-capacity ring buffer of recent log entries.
// Safe for concurrent use.
type LogRing struct {
	mu      sync.RWMutex
	entries []LogEntry
	next    int
	full    bool
}

// NewLogRing creates a ring holding up to capacity entries.
func NewLogRing(capacity int) *LogRing {
	if capacity <= 0 {
		capacity = 1
	}
	return &LogRing{entries: make([]LogEntry, capacity)}
}

// Append adds an entry, evicting the oldest when full.
func (r *LogRing) Append(e LogEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[r.next] = e
	r.next++
	if r.next == len(r.entries) {
		r.next = 0
		r.full = true
	}
}

// Len returns the number of stored entries.
func (r *LogRing) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.full {
		return len(r.entries)
	}
	return r.next
}

// Last returns up to n entries in chronological order. n <= 0 returns all.
func (r *LogRing) Last(n int) []LogEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	size := r.next
	start := 0
	if r.full {
		size = len(r.entries)
		start = r.next
	}
	if n <= 0 || n > size {
		n = size
	}

	out := make([]LogEntry, 0, n)
	for i := size - n; i < size; i++ {
		out = append(out, r.entries[(start+i)%len(r.entries)])
	}
	return out
}
