package logging

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Entry is a single log record retained in the history ring.
type Entry struct {
	Timestamp time.Time      `json:"timestamp"`
	Level     string         `json:"level"`
	Module    string         `json:"module"`
	Message   string         `json:"message"`
	Attrs     map[string]any `json:"attrs,omitempty"`
}

// EntryCallback receives entries as they are recorded.
type EntryCallback func(Entry)

// Ring is a fixed-size circular store of recent log entries. Writers
// overwrite the oldest entry when full; there is no backpressure on
// logging.
type Ring struct {
	mu      sync.RWMutex
	entries []Entry
	head    int
	count   int
}

// NewRing creates a ring holding up to size entries.
func NewRing(size int) *Ring {
	return &Ring{entries: make([]Entry, size)}
}

// Write appends an entry, overwriting the oldest when full.
func (r *Ring) Write(e Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.entries[r.head] = e
	r.head = (r.head + 1) % len(r.entries)
	if r.count < len(r.entries) {
		r.count++
	}
}

// Snapshot returns all retained entries in chronological order.
func (r *Ring) Snapshot() []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.count == 0 {
		return nil
	}

	out := make([]Entry, 0, r.count)
	start := 0
	if r.count == len(r.entries) {
		start = r.head
	}
	for i := 0; i < r.count; i++ {
		out = append(out, r.entries[(start+i)%len(r.entries)])
	}
	return out
}

// RingHandler is a slog.Handler that records entries into the package
// history ring and feeds the entry callback.
type RingHandler struct {
	level slog.Leveler
	attrs []slog.Attr
}

// NewRingHandler creates a handler gated at the given level.
func NewRingHandler(level slog.Leveler) *RingHandler {
	return &RingHandler{level: level}
}

// Enabled implements slog.Handler.
func (h *RingHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

// Handle implements slog.Handler.
func (h *RingHandler) Handle(_ context.Context, rec slog.Record) error {
	entry := Entry{
		Timestamp: rec.Time,
		Level:     rec.Level.String(),
		Module:    "app",
		Message:   rec.Message,
	}

	collect := func(a slog.Attr) {
		if a.Key == "module" {
			entry.Module = a.Value.String()
			return
		}
		if entry.Attrs == nil {
			entry.Attrs = make(map[string]any)
		}
		entry.Attrs[a.Key] = a.Value.Any()
	}

	for _, a := range h.attrs {
		collect(a)
	}
	rec.Attrs(func(a slog.Attr) bool {
		collect(a)
		return true
	})

	mu.RLock()
	ring := history
	cb := entryCallback
	mu.RUnlock()

	if ring != nil {
		ring.Write(entry)
	}
	if cb != nil && rec.Level >= slog.LevelWarn {
		cb(entry)
	}
	return nil
}

// WithAttrs implements slog.Handler.
func (h *RingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	merged := make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	merged = append(merged, h.attrs...)
	merged = append(merged, attrs...)
	return &RingHandler{level: h.level, attrs: merged}
}

// WithGroup implements slog.Handler. Groups are flattened; the history
// ring is for humans scanning recent activity, not structured queries.
func (h *RingHandler) WithGroup(string) slog.Handler {
	return h
}
