package logging

import (
	"strings"
	"sync"
)

const (
	DefaultMemoryLines  = 1000
	subscriberBufferLen = 64
)

// MemorySink keeps the most recent log lines in a ring and broadcasts new
// lines to subscribers. It is the in-process mirror of the log file that UI
// layers read from.
type MemorySink struct {
	mu    sync.RWMutex
	lines []string
	next  int
	full  bool

	subsMu sync.RWMutex
	subs   []chan string
}

func NewMemorySink(capacity int) *MemorySink {
	if capacity <= 0 {
		capacity = DefaultMemoryLines
	}
	return &MemorySink{lines: make([]string, capacity)}
}

// Write stores p as one or more lines. LineHandler issues one Write per record.
func (m *MemorySink) Write(p []byte) (int, error) {
	text := strings.TrimRight(string(p), "\n")
	if text == "" {
		return len(p), nil
	}

	for _, line := range strings.Split(text, "\n") {
		m.append(line)
		m.broadcast(line)
	}
	return len(p), nil
}

func (m *MemorySink) append(line string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.lines[m.next] = line
	m.next = (m.next + 1) % len(m.lines)
	if m.next == 0 {
		m.full = true
	}
}

// Lines returns up to limit of the most recent lines, oldest first.
// A limit <= 0 returns everything retained.
func (m *MemorySink) Lines(limit int) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var ordered []string
	if m.full {
		ordered = append(ordered, m.lines[m.next:]...)
		ordered = append(ordered, m.lines[:m.next]...)
	} else {
		ordered = append(ordered, m.lines[:m.next]...)
	}

	if limit > 0 && len(ordered) > limit {
		ordered = ordered[len(ordered)-limit:]
	}
	return ordered
}

// Subscribe returns a channel receiving every line written after the call.
// Slow subscribers miss lines rather than blocking writers.
func (m *MemorySink) Subscribe() <-chan string {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()

	ch := make(chan string, subscriberBufferLen)
	m.subs = append(m.subs, ch)
	return ch
}

func (m *MemorySink) Unsubscribe(ch <-chan string) {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()

	for i, sub := range m.subs {
		if sub == ch {
			close(sub)
			m.subs = append(m.subs[:i], m.subs[i+1:]...)
			return
		}
	}
}

func (m *MemorySink) broadcast(line string) {
	m.subsMu.RLock()
	defer m.subsMu.RUnlock()

	for _, sub := range m.subs {
		select {
		case sub <- line:
		default:
		}
	}
}
