package usage

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"modelhub/internal/metrics"
)

// BatchFlushThreshold flushes a batch without waiting for the ticker.
const BatchFlushThreshold = 100

// Writer accepts ledger entries.
type Writer interface {
	Write(entry *UsageEntry)
	Close() error
}

// Logger buffers entries in a channel and writes them to a Store in
// batches, on the threshold or the flush interval.
type Logger struct {
	store  Store
	cfg    Config
	buffer chan *UsageEntry
	done   chan struct{}
	loop   sync.WaitGroup
	writes sync.WaitGroup
	closed atomic.Bool

	dropped atomic.Int64
}

// NewLogger starts the flush goroutine.
func NewLogger(store Store, cfg Config) *Logger {
	def := DefaultConfig()
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = def.BufferSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = def.FlushInterval
	}
	l := &Logger{
		store:  store,
		cfg:    cfg,
		buffer: make(chan *UsageEntry, cfg.BufferSize),
		done:   make(chan struct{}),
	}
	l.loop.Add(1)
	go l.flushLoop()
	return l
}

// Write queues entry without blocking. Entries are dropped when the buffer
// is full or the logger is closed.
func (l *Logger) Write(entry *UsageEntry) {
	if entry == nil || l.closed.Load() {
		return
	}
	l.writes.Add(1)
	defer l.writes.Done()
	// Close may have started between the check and Add.
	if l.closed.Load() {
		return
	}

	select {
	case l.buffer <- entry:
	default:
		l.dropped.Add(1)
		slog.Warn("usage buffer full, dropping entry", "request_id", entry.RequestID, "model_id", entry.ModelID)
	}
}

// Dropped counts entries lost to a full buffer.
func (l *Logger) Dropped() int64 { return l.dropped.Load() }

// Close drains the buffer, flushes the store and closes it. It is idempotent.
func (l *Logger) Close() error {
	if l.closed.Swap(true) {
		return nil
	}
	l.writes.Wait()
	close(l.done)
	l.loop.Wait()
	return l.store.Close()
}

func (l *Logger) flushLoop() {
	defer l.loop.Done()

	ticker := time.NewTicker(l.cfg.FlushInterval)
	defer ticker.Stop()

	batch := make([]*UsageEntry, 0, BatchFlushThreshold)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		l.writeBatch(batch)
		batch = make([]*UsageEntry, 0, BatchFlushThreshold)
	}

	for {
		select {
		case e := <-l.buffer:
			batch = append(batch, e)
			if len(batch) >= BatchFlushThreshold {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-l.done:
			close(l.buffer)
			for e := range l.buffer {
				batch = append(batch, e)
			}
			flush()

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			if err := l.store.Flush(ctx); err != nil {
				slog.Error("failed to flush usage store", "error", err)
			}
			cancel()
			return
		}
	}
}

func (l *Logger) writeBatch(batch []*UsageEntry) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := l.store.WriteBatch(ctx, batch); err != nil {
		slog.Error("failed to write usage batch", "error", err, "count", len(batch))
	}
}

// NopWriter discards entries; it stands in when the ledger is disabled.
type NopWriter struct{}

func (NopWriter) Write(*UsageEntry) {}
func (NopWriter) Close() error      { return nil }

// Sink feeds finished calls into a Writer. It implements metrics.Collector so
// the metrics decorator can report to the ledger directly.
type Sink struct {
	w Writer
}

// NewSink wraps w.
func NewSink(w Writer) *Sink { return &Sink{w: w} }

// StreamStarted is a no-op; streams are recorded when they finish.
func (s *Sink) StreamStarted(context.Context, metrics.Call) {}

// Record writes one entry per finished call.
func (s *Sink) Record(_ context.Context, c metrics.Call) {
	s.w.Write(FromCall(c))
}
