package rollup

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/mbd888/chatshield/internal/metrics"
	"github.com/mbd888/chatshield/internal/retry"
)

// Writer defaults.
const (
	DefaultWriterQueue         = 4096
	DefaultWriterBatch         = 100
	DefaultWriterFlushInterval = 500 * time.Millisecond
)

// WriterOption configures an EventWriter.
type WriterOption func(*EventWriter)

// WithQueueSize sets how many events may wait for a flush before Send drops.
func WithQueueSize(n int) WriterOption {
	return func(w *EventWriter) {
		if n > 0 {
			w.queue = n
		}
	}
}

// WithBatchSize sets how many events trigger an early flush.
func WithBatchSize(n int) WriterOption {
	return func(w *EventWriter) {
		if n > 0 {
			w.batch = n
		}
	}
}

// WithFlushInterval sets the longest an event waits in a partial batch.
func WithFlushInterval(d time.Duration) WriterOption {
	return func(w *EventWriter) {
		if d > 0 {
			w.interval = d
		}
	}
}

// WithFlushRetry sets the retry policy for failed appends.
func WithFlushRetry(p retry.Policy) WriterOption {
	return func(w *EventWriter) { w.retry = p }
}

// EventWriter batches events into an EventLog off the message path. Send
// never blocks; events are counted as dropped when the queue is full or a
// batch still fails after its retries.
type EventWriter struct {
	log      EventLog
	logger   *slog.Logger
	queue    int
	batch    int
	interval time.Duration
	retry    retry.Policy

	ch      chan Event
	stop    chan struct{}
	done    chan struct{}
	running atomic.Bool
	written atomic.Int64
	dropped atomic.Int64
}

// NewEventWriter creates a writer. Call Start to begin flushing.
func NewEventWriter(log EventLog, logger *slog.Logger, opts ...WriterOption) *EventWriter {
	w := &EventWriter{
		log:      log,
		logger:   logger,
		queue:    DefaultWriterQueue,
		batch:    DefaultWriterBatch,
		interval: DefaultWriterFlushInterval,
		retry:    retry.Policy{MaxAttempts: 3, BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second},
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.ch = make(chan Event, w.queue)
	return w
}

// Send enqueues events without blocking. Invalid events are dropped here
// so they cannot fail a whole batch later.
func (w *EventWriter) Send(events ...Event) {
	for _, e := range events {
		if err := e.Validate(); err != nil {
			w.dropped.Add(1)
			metrics.RollupEventsDroppedTotal.WithLabelValues("invalid").Inc()
			w.logger.Warn("dropping invalid rollup event", "id", e.ID, "kind", e.Kind, "error", err)
			continue
		}
		select {
		case w.ch <- e:
		default:
			w.dropped.Add(1)
			metrics.RollupEventsDroppedTotal.WithLabelValues("queue_full").Inc()
		}
	}
}

// Written returns the number of events persisted so far.
func (w *EventWriter) Written() int64 { return w.written.Load() }

// Dropped returns the number of events that never reached the log.
func (w *EventWriter) Dropped() int64 { return w.dropped.Load() }

// Running reports whether the flush loop is active.
func (w *EventWriter) Running() bool { return w.running.Load() }

// Start flushes until ctx ends or Stop is called, then writes whatever is
// still queued. Call in a goroutine.
func (w *EventWriter) Start(ctx context.Context) {
	w.running.Store(true)
	defer func() {
		w.running.Store(false)
		close(w.done)
	}()

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	pending := make([]Event, 0, w.batch)
	for {
		select {
		case <-ctx.Done():
			w.final(pending)
			return
		case <-w.stop:
			w.final(pending)
			return
		case e := <-w.ch:
			if pending = append(pending, e); len(pending) >= w.batch {
				w.flush(ctx, pending)
				pending = pending[:0]
			}
		case <-ticker.C:
			w.flush(ctx, pending)
			pending = pending[:0]
		}
	}
}

// Stop writes pending events and waits for the loop to exit. It must only
// be called after Start.
func (w *EventWriter) Stop() {
	select {
	case w.stop <- struct{}{}:
		<-w.done
	case <-w.done:
	}
}

// final drains the queue and flushes it in batch-sized appends. It runs
// after the loop's context may have ended, so it uses a fresh one.
func (w *EventWriter) final(pending []Event) {
	for drained := false; !drained; {
		select {
		case e := <-w.ch:
			pending = append(pending, e)
		default:
			drained = true
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for len(pending) > 0 {
		n := min(len(pending), w.batch)
		w.flush(ctx, pending[:n])
		pending = pending[n:]
	}
}

func (w *EventWriter) flush(ctx context.Context, batch []Event) {
	if len(batch) == 0 {
		return
	}
	err := w.retry.Do(ctx, func() error {
		actx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		err := w.log.Append(actx, batch...)
		if errors.Is(err, ErrInvalidEvent) {
			return retry.Permanent(err)
		}
		return err
	})
	n := int64(len(batch))
	if err != nil {
		w.logger.Error("failed to flush rollup events", "count", n, "error", err)
		w.dropped.Add(n)
		metrics.RollupEventsDroppedTotal.WithLabelValues("flush_failed").Add(float64(n))
		return
	}
	w.written.Add(n)
	metrics.RollupEventsWrittenTotal.Add(float64(n))
}
