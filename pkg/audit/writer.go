// Package audit records state-changing actions as append-only entries.
// Control-plane actions are written synchronously on the request path;
// high-volume scheduler transitions go through a batching writer fed from
// the event bus.
package audit

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/helmsman-ai/helmsman/pkg/models"
	"github.com/helmsman-ai/helmsman/pkg/store"
)

const (
	// batchSize flushes the buffer once this many entries are queued.
	batchSize = 32
	// flushInterval flushes a non-empty buffer at least this often.
	flushInterval = 2 * time.Second
	// queueDepth bounds the intake channel; a full queue drops entries
	// rather than stalling the scheduler.
	queueDepth = 1024
)

// Writer batches audit entries into the store. Record never blocks the
// caller; Close flushes everything still queued.
type Writer struct {
	store *store.Store

	queue    chan *models.AuditEntry
	stopCh   chan struct{}
	stopOnce sync.Once
	done     chan struct{}

	mu      sync.Mutex
	dropped uint64
}

// NewWriter creates and starts a batching audit writer.
func NewWriter(ctx context.Context, st *store.Store) *Writer {
	w := &Writer{
		store:  st,
		queue:  make(chan *models.AuditEntry, queueDepth),
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
	}
	go w.loop(ctx)
	return w
}

// Record queues one entry. Entries are dropped (and counted) when the
// queue is full; audit is an observability surface, not a consistency
// mechanism.
func (w *Writer) Record(e *models.AuditEntry) {
	select {
	case w.queue <- e:
	default:
		w.mu.Lock()
		w.dropped++
		w.mu.Unlock()
		slog.Warn("Audit queue full, dropping entry", "action", e.Action)
	}
}

// RecordSync writes one entry immediately, bypassing the batch queue.
// Used on control-plane request paths where the write should land before
// the response.
func (w *Writer) RecordSync(ctx context.Context, e *models.AuditEntry) error {
	return w.store.AppendAudit(ctx, e)
}

// Dropped returns the number of entries dropped due to backpressure.
func (w *Writer) Dropped() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.dropped
}

// Close stops the writer after flushing everything queued.
func (w *Writer) Close() {
	w.stopOnce.Do(func() { close(w.stopCh) })
	<-w.done
}

func (w *Writer) loop(ctx context.Context) {
	defer close(w.done)

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	var buf []*models.AuditEntry
	flush := func() {
		if len(buf) == 0 {
			return
		}
		if err := w.store.AppendAuditBatch(ctx, buf); err != nil {
			slog.Error("Failed to flush audit batch", "count", len(buf), "error", err)
		}
		buf = buf[:0]
	}

	for {
		select {
		case e := <-w.queue:
			buf = append(buf, e)
			if len(buf) >= batchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-w.stopCh:
			// Drain whatever arrived before the stop.
			for {
				select {
				case e := <-w.queue:
					buf = append(buf, e)
				default:
					flush()
					return
				}
			}
		}
	}
}
