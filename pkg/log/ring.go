package log

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const defaultRingCapacity = 512

// Record is a captured log entry exposed through the status API.
type Record struct {
	Time    time.Time         `json:"time"`
	Level   string            `json:"level"`
	Message string            `json:"message"`
	Attrs   map[string]string `json:"attrs,omitempty"`
}

type ringBuffer struct {
	mu       sync.Mutex
	records  []Record
	capacity int
}

func (b *ringBuffer) append(r Record) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.records) == b.capacity {
		b.records = append(b.records[:0], b.records[1:]...)
	}

	b.records = append(b.records, r)
}

// RingHandler wraps another slog.Handler and keeps the most recent records in
// a bounded drop-oldest buffer. Level filtering is delegated to the wrapped
// handler, so the ring only sees records that were actually emitted.
type RingHandler struct {
	next slog.Handler
	buf  *ringBuffer
}

func NewRingHandler(next slog.Handler, capacity int) *RingHandler {
	if capacity <= 0 {
		capacity = defaultRingCapacity
	}

	return &RingHandler{
		next: next,
		buf: &ringBuffer{
			records:  make([]Record, 0, capacity),
			capacity: capacity,
		},
	}
}

func (h *RingHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h *RingHandler) Handle(ctx context.Context, r slog.Record) error {
	entry := Record{
		Time:    r.Time,
		Level:   r.Level.String(),
		Message: r.Message,
	}

	if r.NumAttrs() > 0 {
		entry.Attrs = make(map[string]string, r.NumAttrs())
		r.Attrs(func(a slog.Attr) bool {
			entry.Attrs[a.Key] = a.Value.String()

			return true
		})
	}

	h.buf.append(entry)

	return h.next.Handle(ctx, r)
}

func (h *RingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &RingHandler{next: h.next.WithAttrs(attrs), buf: h.buf}
}

func (h *RingHandler) WithGroup(name string) slog.Handler {
	return &RingHandler{next: h.next.WithGroup(name), buf: h.buf}
}

// Recent returns up to limit most recent records, newest last.
func (h *RingHandler) Recent(limit int) []Record {
	h.buf.mu.Lock()
	defer h.buf.mu.Unlock()

	if limit <= 0 || limit > len(h.buf.records) {
		limit = len(h.buf.records)
	}

	out := make([]Record, limit)
	copy(out, h.buf.records[len(h.buf.records)-limit:])

	return out
}
