package announce

import (
	"sync"
	"time"
)

// SendLogCapacity is the number of attempts kept in memory.
const SendLogCapacity = 30

// SendLogEntry records one webhook attempt.
type SendLogEntry struct {
	ID        int64     `json:"id"`
	IPv6Addr  string    `json:"ipv6"`
	Content   string    `json:"content"`
	Response  string    `json:"response"`
	Result    bool      `json:"result"`
	CreatedAt time.Time `json:"created_at"`
}

// SendLog is a fixed-capacity ring of attempts; the oldest entry is
// overwritten once full. It is not persisted.
type SendLog struct {
	mu      sync.RWMutex
	entries []SendLogEntry
	size    int
	head    int
	count   int
	nextID  int64
}

// NewSendLog creates a ring with the given capacity.
func NewSendLog(size int) *SendLog {
	if size < 1 {
		size = SendLogCapacity
	}
	return &SendLog{
		entries: make([]SendLogEntry, size),
		size:    size,
	}
}

// Append stores e with the next id and returns the stored copy.
func (l *SendLog) Append(e SendLogEntry) SendLogEntry {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.nextID++
	e.ID = l.nextID
	l.entries[l.head] = e
	l.head = (l.head + 1) % l.size
	if l.count < l.size {
		l.count++
	}
	return e
}

// Recent returns up to n entries, newest first. n <= 0 returns all.
func (l *SendLog) Recent(n int) []SendLogEntry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if n <= 0 || n > l.count {
		n = l.count
	}
	result := make([]SendLogEntry, n)
	for i := 0; i < n; i++ {
		idx := (l.head - 1 - i + l.size) % l.size
		result[i] = l.entries[idx]
	}
	return result
}

// Len returns the number of stored entries.
func (l *SendLog) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.count
}
