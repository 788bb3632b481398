package logging

import (
	"strconv"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// DefaultBufferSize is the default capacity of the ring buffer.
const DefaultBufferSize = 1000

// LogEntry represents a single log entry stored in the ring buffer.
type LogEntry struct {
	Timestamp time.Time              `json:"timestamp"`
	Level     string                 `json:"level"`
	Message   string                 `json:"message"`
	Source    string                 `json:"source,omitempty"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

// RingBuffer is a thread-safe circular buffer for storing log entries.
// It implements logrus.Hook to capture logs from the logging system.
type RingBuffer struct {
	mu       sync.RWMutex
	entries  []LogEntry
	capacity int
	head     int // index where the next entry will be written
	count    int
}

// NewRingBuffer creates a new ring buffer with the specified capacity.
// If capacity is 0 or negative, DefaultBufferSize is used.
func NewRingBuffer(capacity int) *RingBuffer {
	if capacity <= 0 {
		capacity = DefaultBufferSize
	}
	return &RingBuffer{
		entries:  make([]LogEntry, capacity),
		capacity: capacity,
	}
}

// Levels returns the log levels that this hook should be fired for.
func (rb *RingBuffer) Levels() []log.Level {
	return log.AllLevels
}

// Fire is called by logrus when a log entry is made.
func (rb *RingBuffer) Fire(entry *log.Entry) error {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	source := ""
	if entry.Caller != nil {
		source = formatSource(entry.Caller.File, entry.Caller.Line)
	}

	level := entry.Level.String()
	if level == "warning" {
		level = "warn"
	}

	// Copy fields so later mutation by the caller cannot race the buffer.
	fields := make(map[string]interface{}, len(entry.Data))
	for k, v := range entry.Data {
		fields[k] = v
	}

	rb.entries[rb.head] = LogEntry{
		Timestamp: entry.Time,
		Level:     level,
		Message:   entry.Message,
		Source:    source,
		Fields:    fields,
	}
	rb.head = (rb.head + 1) % rb.capacity
	if rb.count < rb.capacity {
		rb.count++
	}
	return nil
}

// Tail returns up to limit of the newest entries, oldest first.
func (rb *RingBuffer) Tail(limit int) []LogEntry {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	if limit <= 0 || limit > rb.count {
		limit = rb.count
	}
	out := make([]LogEntry, 0, limit)
	start := rb.head - limit
	if start < 0 {
		start += rb.capacity
	}
	for i := 0; i < limit; i++ {
		out = append(out, rb.entries[(start+i)%rb.capacity])
	}
	return out
}

// Len returns the number of entries currently buffered.
func (rb *RingBuffer) Len() int {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	return rb.count
}

func formatSource(file string, line int) string {
	short := file
	for i := len(file) - 1; i > 0; i-- {
		if file[i] == '/' || file[i] == '\\' {
			short = file[i+1:]
			break
		}
	}
	return short + ":" + strconv.Itoa(line)
}
