package rls

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oarkflow/rls/logger"
)

// ============================================================================
// AUDIT RECORDER
// ============================================================================

// AuditRecorderOptions sizes the recorder queue and batches.
type AuditRecorderOptions struct {
	Buffer        int
	BatchSize     int
	FlushInterval time.Duration
}

func (o AuditRecorderOptions) withDefaults() AuditRecorderOptions {
	if o.Buffer <= 0 {
		o.Buffer = 1024
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 64
	}
	if o.FlushInterval <= 0 {
		o.FlushInterval = 500 * time.Millisecond
	}
	return o
}

// AuditRecorder writes entries to an AuditStore off the evaluation path.
// Record never blocks: when the queue is full the entry is dropped and counted.
type AuditRecorder struct {
	store   AuditStore
	log     logger.Logger
	opts    AuditRecorderOptions
	ch      chan *AuditEntry
	done    chan struct{}
	once    sync.Once
	closed  atomic.Bool
	dropped atomic.Uint64
	written atomic.Uint64
}

// NewAuditRecorder starts the flush worker. A nil store discards entries.
func NewAuditRecorder(store AuditStore, log logger.Logger, opts AuditRecorderOptions) *AuditRecorder {
	if log == nil {
		log = logger.NewNullLogger()
	}
	opts = opts.withDefaults()
	r := &AuditRecorder{
		store: store,
		log:   log,
		opts:  opts,
		ch:    make(chan *AuditEntry, opts.Buffer),
		done:  make(chan struct{}),
	}
	go r.run()
	return r
}

// Record queues entry without blocking.
func (r *AuditRecorder) Record(entry *AuditEntry) {
	if r == nil || entry == nil || r.closed.Load() {
		return
	}
	defer func() {
		// send on a channel closed by a concurrent Close
		if recover() != nil {
			r.dropped.Add(1)
		}
	}()
	select {
	case r.ch <- entry:
	default:
		r.dropped.Add(1)
	}
}

// Dropped returns the number of entries discarded because the queue was full.
func (r *AuditRecorder) Dropped() uint64 { return r.dropped.Load() }

// Written returns the number of entries handed to the store successfully.
func (r *AuditRecorder) Written() uint64 { return r.written.Load() }

func (r *AuditRecorder) run() {
	defer close(r.done)
	ticker := time.NewTicker(r.opts.FlushInterval)
	defer ticker.Stop()
	batch := make([]*AuditEntry, 0, r.opts.BatchSize)
	for {
		select {
		case entry, ok := <-r.ch:
			if !ok {
				r.flush(batch)
				return
			}
			batch = append(batch, entry)
			if len(batch) >= r.opts.BatchSize {
				r.flush(batch)
				batch = batch[:0]
			}
		case <-ticker.C:
			if len(batch) > 0 {
				r.flush(batch)
				batch = batch[:0]
			}
		}
	}
}

func (r *AuditRecorder) flush(batch []*AuditEntry) {
	if len(batch) == 0 || r.store == nil {
		return
	}
	entries := append([]*AuditEntry(nil), batch...)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.store.LogDecisions(ctx, entries); err != nil {
		r.log.Error("audit flush failed", "entries", len(entries), "error", err)
		return
	}
	r.written.Add(uint64(len(entries)))
}

// Close stops accepting entries and waits for queued ones to be flushed or
// for ctx to expire.
func (r *AuditRecorder) Close(ctx context.Context) error {
	if r == nil {
		return nil
	}
	r.once.Do(func() {
		r.closed.Store(true)
		close(r.ch)
	})
	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
