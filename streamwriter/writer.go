// Package streamwriter is the in-memory hot-path buffer shared by pull sync
// jobs and device push ingest: both append decoded records here, and both
// trigger the same archive+transform pipeline once records land.
package streamwriter

import (
	"sync"
	"time"

	"github.com/virtues-os/core/registry"
)

type key struct {
	sourceID string
	stream   string
}

type buffer struct {
	records   []registry.Record
	watermark time.Time
}

// Writer buffers records per (source, stream) until a collector drains them.
// Safe for concurrent use: many goroutines can append while one drains.
type Writer struct {
	mu      sync.Mutex
	buffers map[key]*buffer
}

func New() *Writer {
	return &Writer{buffers: make(map[key]*buffer)}
}

// Append adds records to the buffer for (sourceID, stream) and advances the
// buffer's watermark to the latest OccurredAt seen so far.
func (w *Writer) Append(sourceID, stream string, records []registry.Record, at time.Time) {
	if len(records) == 0 {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	k := key{sourceID, stream}
	b, ok := w.buffers[k]
	if !ok {
		b = &buffer{}
		w.buffers[k] = b
	}
	b.records = append(b.records, records...)
	if at.After(b.watermark) {
		b.watermark = at
	}
}

// Collect atomically drains and returns every buffered record for
// (sourceID, stream), leaving the buffer empty. This is the single point
// where the hot path hands records to the archive+transform pipeline:
// nothing is ever archived or transformed twice because nothing is left
// behind.
func (w *Writer) Collect(sourceID, stream string) ([]registry.Record, time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()

	k := key{sourceID, stream}
	b, ok := w.buffers[k]
	if !ok || len(b.records) == 0 {
		return nil, time.Time{}
	}
	records := b.records
	watermark := b.watermark
	delete(w.buffers, k)
	return records, watermark
}

// Pending reports how many records are currently buffered, for metrics and
// tests; it does not drain anything.
func (w *Writer) Pending(sourceID, stream string) int {
	w.mu.Lock()
	defer w.mu.Unlock()

	b, ok := w.buffers[key{sourceID, stream}]
	if !ok {
		return 0
	}
	return len(b.records)
}
