package logger

import (
	"encoding/json"
	"strings"
	"sync"
	"time"
)

// LogEntry is one captured log line
type LogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Level     string    `json:"level"`
	Component string    `json:"component,omitempty"`
	SessionID string    `json:"session_id,omitempty"`
	Message   string    `json:"message"`
	Error     string    `json:"error,omitempty"`
}

// LogBuffer is a ring buffer of recent log entries
type LogBuffer struct {
	mu       sync.RWMutex
	entries  []LogEntry
	size     int
	writePos int
	count    int
}

var (
	globalBuffer *LogBuffer
	bufferOnce   sync.Once
)

// GetBuffer returns the process-wide buffer
func GetBuffer() *LogBuffer {
	bufferOnce.Do(func() {
		globalBuffer = NewLogBuffer(1000)
	})
	return globalBuffer
}

// NewLogBuffer creates a buffer holding at most size entries
func NewLogBuffer(size int) *LogBuffer {
	if size < 1 {
		size = 1
	}
	return &LogBuffer{
		entries: make([]LogEntry, size),
		size:    size,
	}
}

// Add appends an entry, overwriting the oldest when full
func (b *LogBuffer) Add(entry LogEntry) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.entries[b.writePos] = entry
	b.writePos = (b.writePos + 1) % b.size
	if b.count < b.size {
		b.count++
	}
}

// Recent returns up to limit entries, newest first. A non-empty level keeps
// entries at or above it; a non-empty sessionID keeps that session's entries.
func (b *LogBuffer) Recent(limit int, level, sessionID string) []LogEntry {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if limit <= 0 || limit > b.count {
		limit = b.count
	}
	min := levelRank(level)

	result := make([]LogEntry, 0, limit)
	for i := 0; i < b.count && len(result) < limit; i++ {
		entry := b.entries[(b.writePos-1-i+b.size)%b.size]
		if level != "" && levelRank(entry.Level) < min {
			continue
		}
		if sessionID != "" && entry.SessionID != sessionID {
			continue
		}
		result = append(result, entry)
	}
	return result
}

// Count returns the number of stored entries
func (b *LogBuffer) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.count
}

func levelRank(level string) int {
	switch strings.ToLower(level) {
	case "trace":
		return 0
	case "debug":
		return 1
	case "info":
		return 2
	case "warn", "warning":
		return 3
	case "error":
		return 4
	case "fatal", "panic":
		return 5
	default:
		return -1
	}
}

// BufferWriter decodes zerolog JSON lines into a LogBuffer
type BufferWriter struct {
	buffer *LogBuffer
}

// NewBufferWriter creates a writer feeding buffer
func NewBufferWriter(buffer *LogBuffer) *BufferWriter {
	return &BufferWriter{buffer: buffer}
}

type rawEntry struct {
	Time      time.Time `json:"time"`
	Level     string    `json:"level"`
	Component string    `json:"component"`
	SessionID string    `json:"session_id"`
	Message   string    `json:"message"`
	Error     string    `json:"error"`
}

// Write stores one log line. Lines that are not JSON objects are ignored.
func (w *BufferWriter) Write(p []byte) (int, error) {
	var raw rawEntry
	if err := json.Unmarshal(p, &raw); err != nil {
		return len(p), nil
	}
	if raw.Message == "" && raw.Level == "" {
		return len(p), nil
	}
	if raw.Time.IsZero() {
		raw.Time = time.Now()
	}
	w.buffer.Add(LogEntry{
		Timestamp: raw.Time,
		Level:     raw.Level,
		Component: raw.Component,
		SessionID: raw.SessionID,
		Message:   raw.Message,
		Error:     raw.Error,
	})
	return len(p), nil
}
