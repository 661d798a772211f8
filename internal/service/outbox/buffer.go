// Package outbox persists published events in batches.
//
// Buffer implements eventbus.Outbox: AppendEvent only enqueues in memory, and
// a background loop flushes batches to the store when the batch size or the
// flush interval is reached. After a successful flush each event is logged and,
// when a Notifier is configured, forwarded on a pg_notify channel so other
// processes can deliver it to their own subscribers.
package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/kobo/internal/eventbus"
	"github.com/ashita-ai/kobo/internal/model"
	"github.com/ashita-ai/kobo/internal/telemetry"
)

// maxBufferCapacity is the hard upper limit on buffered events.
// AppendEvent returns an error once it is reached.
const maxBufferCapacity = 100_000

// maxNotifyPayload stays under Postgres' 8000-byte NOTIFY limit.
const maxNotifyPayload = 7900

// Writer persists event batches.
type Writer interface {
	InsertEvents(ctx context.Context, events []model.Event) (int64, error)
}

// Notifier forwards a flushed event to other processes.
type Notifier interface {
	Notify(ctx context.Context, channel, payload string) error
}

// Buffer accumulates events and flushes them to a Writer.
type Buffer struct {
	writer        Writer
	notifier      Notifier
	channel       string
	origin        string
	logger        *slog.Logger
	maxSize       int
	flushInterval time.Duration

	mu       sync.Mutex
	events   []model.Event
	drainCtx context.Context // Set by Drain for the loop's final flush.

	flushed atomic.Int64
	dropped atomic.Int64
	started atomic.Bool

	flushCh    chan struct{}
	done       chan struct{}
	cancelLoop context.CancelFunc
}

// NewBuffer creates a buffer flushing to writer.
func NewBuffer(writer Writer, logger *slog.Logger, maxSize int, flushInterval time.Duration) *Buffer {
	if maxSize <= 0 {
		maxSize = 500
	}
	if flushInterval <= 0 {
		flushInterval = 250 * time.Millisecond
	}
	return &Buffer{
		writer:        writer,
		logger:        logger,
		maxSize:       maxSize,
		flushInterval: flushInterval,
		flushCh:       make(chan struct{}, 1),
		done:          make(chan struct{}),
	}
}

// WithNotifier forwards flushed events on channel, stamped with origin.
// Must be called before Start.
func (b *Buffer) WithNotifier(n Notifier, channel, origin string) *Buffer {
	b.notifier = n
	b.channel = channel
	b.origin = origin
	return b
}

// Start begins the background flush loop and registers OTEL metrics.
// A second call is a no-op. Call Drain to stop.
func (b *Buffer) Start(ctx context.Context) {
	if !b.started.CompareAndSwap(false, true) {
		b.logger.Warn("outbox: Start called more than once")
		return
	}
	b.registerMetrics()
	loopCtx, cancel := context.WithCancel(ctx)
	b.cancelLoop = cancel
	go b.flushLoop(loopCtx)
}

// AppendEvent enqueues e for the next flush.
func (b *Buffer) AppendEvent(_ context.Context, e model.Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.events) >= maxBufferCapacity {
		b.dropped.Add(1)
		return fmt.Errorf("outbox: buffer at capacity (%d events)", len(b.events))
	}
	b.events = append(b.events, e)

	if len(b.events) >= b.maxSize {
		select {
		case b.flushCh <- struct{}{}:
		default:
		}
	}
	return nil
}

func (b *Buffer) flushLoop(ctx context.Context) {
	ticker := time.NewTicker(b.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			// ctx is already done; the final flush needs a live context.
			b.mu.Lock()
			drainCtx := b.drainCtx
			b.mu.Unlock()
			if drainCtx != nil {
				b.flush(drainCtx)
			} else {
				fallbackCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				b.flush(fallbackCtx)
				cancel()
			}
			close(b.done)
			return
		case <-ticker.C:
			b.flush(ctx)
		case <-b.flushCh:
			b.flush(ctx)
		}
	}
}

func (b *Buffer) flush(ctx context.Context) {
	b.mu.Lock()
	if len(b.events) == 0 {
		b.mu.Unlock()
		return
	}
	batch := b.events
	b.events = nil
	b.mu.Unlock()

	start := time.Now()
	count, err := b.writer.InsertEvents(ctx, batch)
	if err != nil {
		b.logger.Error("outbox: flush failed", "error", err, "batch_size", len(batch))
		// Requeue ahead of newer events, within the capacity limit.
		b.mu.Lock()
		if len(b.events)+len(batch) <= maxBufferCapacity {
			b.events = append(batch, b.events...)
		} else {
			b.dropped.Add(int64(len(batch)))
			b.logger.Error("outbox: dropping events, buffer at capacity after flush failure", "dropped", len(batch))
		}
		b.mu.Unlock()
		return
	}
	b.flushed.Add(count)

	b.logger.Debug("outbox: batch flushed",
		"batch_size", count,
		"flush_duration_ms", time.Since(start).Milliseconds(),
	)
	for _, e := range batch {
		b.logger.Info("outbox: event processed",
			"event_id", e.ID, "event_type", e.Type, "workspace_id", e.WorkspaceID)
		b.notify(ctx, e)
	}
}

func (b *Buffer) notify(ctx context.Context, e model.Event) {
	if b.notifier == nil {
		return
	}
	payload, err := json.Marshal(eventbus.Notification{Origin: b.origin, Event: e})
	if err != nil {
		b.logger.Warn("outbox: encode notification", "event_id", e.ID, "error", err)
		return
	}
	if len(payload) > maxNotifyPayload {
		b.logger.Debug("outbox: event too large to notify", "event_id", e.ID, "bytes", len(payload))
		return
	}
	if err := b.notifier.Notify(ctx, b.channel, string(payload)); err != nil {
		b.logger.Warn("outbox: notify failed", "event_id", e.ID, "error", err)
	}
}

// Drain stops the flush loop after a final flush bounded by ctx. Events
// appended after the loop already stopped (its Start context was cancelled
// first) are flushed here as well.
func (b *Buffer) Drain(ctx context.Context) {
	b.mu.Lock()
	b.drainCtx = ctx
	b.mu.Unlock()
	if b.cancelLoop == nil {
		b.flush(ctx)
		return
	}
	b.cancelLoop()
	select {
	case <-b.done:
		b.flush(ctx)
	case <-ctx.Done():
		b.logger.Warn("outbox: drain timed out waiting for flush loop")
	}
}

func (b *Buffer) registerMetrics() {
	meter := telemetry.Meter("kobo/outbox")

	_, _ = meter.Int64ObservableGauge("kobo.outbox.depth",
		metric.WithDescription("Events waiting to be flushed"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(b.Len()))
			return nil
		}),
	)
	_, _ = meter.Int64ObservableCounter("kobo.outbox.flushed_total",
		metric.WithDescription("Events written to the store"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(b.flushed.Load())
			return nil
		}),
	)
	_, _ = meter.Int64ObservableGauge("kobo.outbox.dropped_total",
		metric.WithDescription("Events dropped because the buffer was full"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(b.Dropped())
			return nil
		}),
	)
}

// Len returns the number of events waiting to be flushed.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.events)
}

// Dropped returns the number of events lost to capacity exhaustion.
func (b *Buffer) Dropped() int64 {
	return b.dropped.Load()
}
