package terminal

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// ComponentKey is the attribute devices log their id under. The log pane
// shows it in front of the message.
const ComponentKey = "component"

// LogEntry is one captured record.
type LogEntry struct {
	Time      time.Time
	Level     slog.Level
	Component string
	// Message is the record message followed by its remaining attributes.
	Message string
}

func (e LogEntry) String() string {
	var sb strings.Builder
	sb.WriteString(e.Time.Format("15:04:05"))
	sb.WriteString(" [")
	sb.WriteString(levelTag(e.Level))
	sb.WriteString("] ")
	if e.Component != "" {
		sb.WriteString(e.Component)
		sb.WriteString(": ")
	}
	sb.WriteString(e.Message)
	return sb.String()
}

func levelTag(l slog.Level) string {
	switch l {
	case slog.LevelDebug:
		return "DBG"
	case slog.LevelInfo:
		return "INF"
	case slog.LevelWarn:
		return "WRN"
	case slog.LevelError:
		return "ERR"
	}
	return "???"
}

// LogBuffer keeps the last entries logged, safe for concurrent use.
type LogBuffer struct {
	mu      sync.Mutex
	entries []LogEntry
	next    int // overwrite position once full
}

// NewLogBuffer creates a buffer holding up to capacity entries.
func NewLogBuffer(capacity int) *LogBuffer {
	return &LogBuffer{entries: make([]LogEntry, 0, max(capacity, 1))}
}

// Add appends e, dropping the oldest entry when full.
func (lb *LogBuffer) Add(e LogEntry) {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	if len(lb.entries) < cap(lb.entries) {
		lb.entries = append(lb.entries, e)
		return
	}
	lb.entries[lb.next] = e
	lb.next = (lb.next + 1) % len(lb.entries)
}

// Recent returns up to n entries at or above min, newest first. n <= 0
// means all of them.
func (lb *LogBuffer) Recent(n int, min slog.Level) []LogEntry {
	lb.mu.Lock()
	defer lb.mu.Unlock()

	var out []LogEntry
	size := len(lb.entries)
	for i := 1; i <= size; i++ {
		e := lb.entries[(lb.next-i+size)%size]
		if e.Level < min {
			continue
		}
		out = append(out, e)
		if n > 0 && len(out) == n {
			break
		}
	}
	return out
}

// Reset drops every entry.
func (lb *LogBuffer) Reset() {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	lb.entries = lb.entries[:0]
	lb.next = 0
}

// LogBufferHandler is a slog.Handler filling a LogBuffer.
type LogBufferHandler struct {
	buffer    *LogBuffer
	level     slog.Leveler
	component string
	attrs     string
	group     string
}

// NewLogBufferHandler creates a handler writing records at or above level
// to buffer.
func NewLogBufferHandler(buffer *LogBuffer, level slog.Leveler) *LogBufferHandler {
	return &LogBufferHandler{buffer: buffer, level: level}
}

func (h *LogBufferHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

func (h *LogBufferHandler) Handle(_ context.Context, r slog.Record) error {
	e := LogEntry{Time: r.Time, Level: r.Level, Component: h.component}
	var sb strings.Builder
	sb.WriteString(r.Message)
	sb.WriteString(h.attrs)
	r.Attrs(func(a slog.Attr) bool {
		if h.group == "" && a.Key == ComponentKey {
			e.Component = a.Value.String()
			return true
		}
		h.appendAttr(&sb, a)
		return true
	})
	e.Message = sb.String()
	h.buffer.Add(e)
	return nil
}

func (h *LogBufferHandler) appendAttr(sb *strings.Builder, a slog.Attr) {
	if a.Equal(slog.Attr{}) {
		return
	}
	fmt.Fprintf(sb, " %s%s=%v", h.group, a.Key, a.Value)
}

func (h *LogBufferHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	if len(attrs) == 0 {
		return h
	}
	c := *h
	var sb strings.Builder
	sb.WriteString(h.attrs)
	for _, a := range attrs {
		if h.group == "" && a.Key == ComponentKey {
			c.component = a.Value.String()
			continue
		}
		h.appendAttr(&sb, a)
	}
	c.attrs = sb.String()
	return &c
}

func (h *LogBufferHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	c := *h
	c.group = h.group + name + "."
	return &c
}
