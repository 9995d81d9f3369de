package core

import (
	"encoding/json"
	"strings"
	"sync"
	"time"
)

// LogEntry represents a single log line captured from the process logger.
type LogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Level     string    `json:"level"`
	Component string    `json:"component,omitempty"`
	Message   string    `json:"message"`
	Raw       string    `json:"raw"`
}

// LogRingBuffer is a fixed-size ring buffer that captures log output.
type LogRingBuffer struct {
	mu      sync.RWMutex
	entries []LogEntry
	maxSize int
	pos     int
	full    bool
	clock   Clock
}

// NewLogRingBuffer creates a ring buffer that holds up to maxSize entries.
func NewLogRingBuffer(maxSize int) *LogRingBuffer {
	if maxSize <= 0 {
		maxSize = 1
	}
	return &LogRingBuffer{
		entries: make([]LogEntry, maxSize),
		maxSize: maxSize,
		clock:   SystemClock{},
	}
}

// Cap returns the buffer capacity.
func (b *LogRingBuffer) Cap() int { return b.maxSize }

// zerologLine holds the fields the buffer lifts out of a zerolog JSON line.
type zerologLine struct {
	Time      string `json:"time"`
	Level     string `json:"level"`
	Component string `json:"component"`
	Message   string `json:"message"`
}

// Write implements io.Writer so the buffer can be used as a zerolog output.
// Each call is one zerolog event; JSON lines are split into their level,
// component and message, anything else is kept as a raw info line.
func (b *LogRingBuffer) Write(p []byte) (n int, err error) {
	line := strings.TrimRight(string(p), "\n")
	entry := LogEntry{
		Timestamp: b.clock.Now().UTC(),
		Level:     "info",
		Message:   line,
		Raw:       line,
	}
	var zl zerologLine
	if json.Unmarshal(p, &zl) == nil {
		if zl.Level != "" {
			entry.Level = zl.Level
		}
		entry.Component = zl.Component
		entry.Message = zl.Message
		if t, err := time.Parse(time.RFC3339, zl.Time); err == nil {
			entry.Timestamp = t.UTC()
		}
	}

	b.mu.Lock()
	b.entries[b.pos] = entry
	b.pos = (b.pos + 1) % b.maxSize
	if b.pos == 0 {
		b.full = true
	}
	b.mu.Unlock()

	return len(p), nil
}

// GetEntries returns the most recent n log entries in chronological order.
func (b *LogRingBuffer) GetEntries(n int) []LogEntry {
	return b.GetEntriesByLevel(n, "")
}

// GetEntriesByLevel returns the most recent n entries at the given level, in
// chronological order. An empty level matches every entry.
func (b *LogRingBuffer) GetEntriesByLevel(n int, level string) []LogEntry {
	b.mu.RLock()
	defer b.mu.RUnlock()

	total := b.pos
	if b.full {
		total = b.maxSize
	}
	if n <= 0 || total == 0 {
		return []LogEntry{}
	}

	// Walk newest to oldest, then reverse.
	result := make([]LogEntry, 0, min(n, total))
	for i := 1; i <= total && len(result) < n; i++ {
		idx := (b.pos - i + b.maxSize) % b.maxSize
		e := b.entries[idx]
		if level != "" && !strings.EqualFold(e.Level, level) {
			continue
		}
		result = append(result, e)
	}
	for i, j := 0, len(result)-1; i < j; i, j = i+1, j-1 {
		result[i], result[j] = result[j], result[i]
	}
	return result
}
