/*
Package logbuf keeps the most recent log records in memory.

A Buffer is a fixed-size ring fed by an slog.Handler. The management logs
endpoint reads from it so operators can see recent denials and upstream
failures without shell access to the log files.
*/
package logbuf

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// DefaultSize is used when New is given a non-positive size.
const DefaultSize = 500

// Entry is a single log record stored in the buffer.
type Entry struct {
	Timestamp time.Time      `json:"timestamp"`
	Level     string         `json:"level"`
	Message   string         `json:"msg"`
	Attrs     map[string]any `json:"attrs,omitempty"`
}

// Buffer is a fixed-size circular buffer of log entries.
type Buffer struct {
	mu      sync.Mutex
	entries []Entry
	pos     int // next write position
	full    bool
	level   slog.Leveler
}

// New creates a buffer holding up to size entries at or above level.
// A nil level captures everything.
func New(size int, level slog.Leveler) *Buffer {
	if size <= 0 {
		size = DefaultSize
	}
	if level == nil {
		level = slog.LevelDebug
	}
	return &Buffer{
		entries: make([]Entry, size),
		level:   level,
	}
}

func (b *Buffer) add(e Entry) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries[b.pos] = e
	b.pos++
	if b.pos == len(b.entries) {
		b.pos = 0
		b.full = true
	}
}

// Len returns the number of stored entries.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.full {
		return len(b.entries)
	}
	return b.pos
}

// Recent returns up to n of the newest entries at or above minLevel,
// oldest first. n <= 0 returns every match.
func (b *Buffer) Recent(n int, minLevel slog.Level) []Entry {
	b.mu.Lock()
	defer b.mu.Unlock()

	total, start := b.pos, 0
	if b.full {
		total, start = len(b.entries), b.pos
	}

	out := make([]Entry, 0, total)
	for i := 0; i < total; i++ {
		e := b.entries[(start+i)%len(b.entries)]
		if ParseLevel(e.Level) >= minLevel {
			out = append(out, e)
		}
	}

	if n > 0 && len(out) > n {
		out = out[len(out)-n:]
	}
	return out
}

// Handler returns an slog.Handler that writes records to this buffer.
func (b *Buffer) Handler() slog.Handler {
	return &bufHandler{buf: b}
}

type bufHandler struct {
	buf    *Buffer
	attrs  []slog.Attr
	groups []string
}

func (h *bufHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.buf.level.Level()
}

func (h *bufHandler) Handle(_ context.Context, r slog.Record) error { //nolint:gocritic // slog.Handler interface
	attrs := make(map[string]any, len(h.attrs)+r.NumAttrs())

	prefix := ""
	if len(h.groups) > 0 {
		prefix = strings.Join(h.groups, ".") + "."
	}

	for _, a := range h.attrs {
		attrs[prefix+a.Key] = attrValue(a.Value)
	}
	r.Attrs(func(a slog.Attr) bool {
		attrs[prefix+a.Key] = attrValue(a.Value)
		return true
	})

	h.buf.add(Entry{
		Timestamp: r.Time,
		Level:     r.Level.String(),
		Message:   r.Message,
		Attrs:     attrs,
	})
	return nil
}

// attrValue resolves a value into something that marshals to JSON.
// Errors are stored as their message.
func attrValue(v slog.Value) any {
	v = v.Resolve()
	if err, ok := v.Any().(error); ok {
		return err.Error()
	}
	if v.Kind() == slog.KindDuration {
		return v.Duration().String()
	}
	return v.Any()
}

func (h *bufHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	merged := make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	merged = append(merged, h.attrs...)
	merged = append(merged, attrs...)
	return &bufHandler{buf: h.buf, attrs: merged, groups: h.groups}
}

func (h *bufHandler) WithGroup(name string) slog.Handler {
	groups := make([]string, 0, len(h.groups)+1)
	groups = append(groups, h.groups...)
	groups = append(groups, name)
	return &bufHandler{buf: h.buf, attrs: h.attrs, groups: groups}
}

// ParseLevel converts a level name to slog.Level, case-insensitively.
// Unknown names map to INFO.
func ParseLevel(s string) slog.Level {
	switch strings.ToUpper(s) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
