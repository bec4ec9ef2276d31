package logging

import (
	"path/filepath"
	"strconv"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// DefaultBufferSize is the default capacity of the ring buffer.
const DefaultBufferSize = 1000

// LogEntry is a single captured log record as served by /api/logs.
type LogEntry struct {
	Timestamp time.Time              `json:"timestamp"`
	Level     string                 `json:"level"`
	Message   string                 `json:"message"`
	Source    string                 `json:"source,omitempty"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

// RingBuffer keeps the most recent log entries in memory.
// It implements logrus.Hook.
type RingBuffer struct {
	mu       sync.RWMutex
	entries  []LogEntry
	capacity int
	head     int
	count    int
}

// NewRingBuffer creates a ring buffer; capacity <= 0 uses DefaultBufferSize.
func NewRingBuffer(capacity int) *RingBuffer {
	if capacity <= 0 {
		capacity = DefaultBufferSize
	}
	return &RingBuffer{
		entries:  make([]LogEntry, capacity),
		capacity: capacity,
	}
}

// Levels captures every level.
func (rb *RingBuffer) Levels() []log.Level {
	return log.AllLevels
}

// Fire stores entry. Fields are copied because logrus reuses the map.
func (rb *RingBuffer) Fire(entry *log.Entry) error {
	level := entry.Level.String()
	if level == "warning" {
		level = "warn"
	}
	var fields map[string]interface{}
	if len(entry.Data) > 0 {
		fields = make(map[string]interface{}, len(entry.Data))
		for k, v := range entry.Data {
			if err, ok := v.(error); ok {
				v = err.Error()
			}
			fields[k] = v
		}
	}
	source := ""
	if entry.Caller != nil {
		source = filepath.Base(entry.Caller.File) + ":" + strconv.Itoa(entry.Caller.Line)
	}
	rb.Write(LogEntry{
		Timestamp: entry.Time,
		Level:     level,
		Message:   entry.Message,
		Source:    source,
		Fields:    fields,
	})
	return nil
}

// Write appends entry, overwriting the oldest one when full.
func (rb *RingBuffer) Write(entry LogEntry) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	rb.entries[rb.head] = entry
	rb.head = (rb.head + 1) % rb.capacity
	if rb.count < rb.capacity {
		rb.count++
	}
}

// Entries returns a copy of the buffered entries, oldest first.
func (rb *RingBuffer) Entries() []LogEntry {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	out := make([]LogEntry, rb.count)
	if rb.count == 0 {
		return out
	}
	start := (rb.head - rb.count + rb.capacity) % rb.capacity
	for i := 0; i < rb.count; i++ {
		e := rb.entries[(start+i)%rb.capacity]
		if e.Fields != nil {
			cp := make(map[string]interface{}, len(e.Fields))
			for k, v := range e.Fields {
				cp[k] = v
			}
			e.Fields = cp
		}
		out[i] = e
	}
	return out
}

// Recent returns the n most recent entries, oldest first. n <= 0 returns all.
func (rb *RingBuffer) Recent(n int) []LogEntry {
	entries := rb.Entries()
	if n <= 0 || n >= len(entries) {
		return entries
	}
	return entries[len(entries)-n:]
}

// Len returns the number of buffered entries.
func (rb *RingBuffer) Len() int {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	return rb.count
}

// Clear drops every entry.
func (rb *RingBuffer) Clear() {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	rb.head = 0
	rb.count = 0
	for i := range rb.entries {
		rb.entries[i] = LogEntry{}
	}
}

// GlobalBuffer receives every entry logged through the standard logrus logger
// once SetupBaseLogger has run.
var GlobalBuffer = NewRingBuffer(DefaultBufferSize)
