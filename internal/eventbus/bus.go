// Package eventbus provides in-process publish/subscribe keyed by workspace.
//
// Every published event is assigned an identity and timestamp, handed to an
// injected Outbox for diagnostics and replay, and delivered to each
// subscription registered for the event's workspace in publish order.
// Delivery is best-effort and at-most-once: publishing never blocks on a
// subscriber, and a subscriber whose queue is full is dropped.
package eventbus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/kobo/internal/model"
	"github.com/ashita-ai/kobo/internal/telemetry"
)

// DefaultBufferSize is the per-subscription queue length.
const DefaultBufferSize = 64

// Outbox receives every published event, in publish order. AppendEvent is
// called with the bus lock held and must not block for long; the Postgres
// outbox buffers in memory and flushes in the background.
type Outbox interface {
	AppendEvent(ctx context.Context, e model.Event) error
}

// Bus fans events out to workspace subscribers.
type Bus struct {
	outbox  Outbox
	logger  *slog.Logger
	bufSize int
	now     func() time.Time

	// mu serializes publish so every subscriber of a workspace observes the
	// same order.
	mu   sync.Mutex
	subs map[uuid.UUID]map[*Subscription]struct{}

	published atomic.Int64
	dropped   atomic.Int64
}

// New creates a bus. outbox may be nil, in which case events are only fanned
// out. bufSize <= 0 selects DefaultBufferSize.
func New(outbox Outbox, logger *slog.Logger, bufSize int) *Bus {
	if bufSize <= 0 {
		bufSize = DefaultBufferSize
	}
	b := &Bus{
		outbox:  outbox,
		logger:  logger,
		bufSize: bufSize,
		now:     func() time.Time { return time.Now().UTC() },
		subs:    make(map[uuid.UUID]map[*Subscription]struct{}),
	}
	b.registerMetrics()
	return b
}

// Publish creates an event and delivers it. The returned error reports an
// outbox failure only; subscribers have already received the event by then.
func (b *Bus) Publish(ctx context.Context, eventType string, workspaceID uuid.UUID, payload map[string]any) (model.Event, error) {
	if payload == nil {
		payload = map[string]any{}
	}
	e := model.Event{
		ID:          uuid.New(),
		Type:        eventType,
		WorkspaceID: workspaceID,
		Payload:     payload,
		CreatedAt:   b.now(),
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.deliverLocked(e)
	b.published.Add(1)

	if b.outbox != nil {
		if err := b.outbox.AppendEvent(ctx, e); err != nil {
			return e, fmt.Errorf("eventbus: append outbox: %w", err)
		}
	}
	return e, nil
}

// Deliver fans out an event that was published elsewhere, such as by another
// process sharing the outbox. It is not appended to the outbox again.
func (b *Bus) Deliver(e model.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.deliverLocked(e)
}

func (b *Bus) deliverLocked(e model.Event) {
	for sub := range b.subs[e.WorkspaceID] {
		select {
		case sub.ch <- e:
		default:
			b.removeLocked(sub)
			b.dropped.Add(1)
			b.logger.Warn("eventbus: dropping slow subscriber",
				"workspace_id", e.WorkspaceID, "event_type", e.Type)
		}
	}
}

// Subscribe registers a subscription for workspaceID. The caller must call
// Close when done; an abandoned subscription is dropped once its queue fills.
func (b *Bus) Subscribe(workspaceID uuid.UUID) *Subscription {
	sub := &Subscription{
		bus:         b,
		workspaceID: workspaceID,
		ch:          make(chan model.Event, b.bufSize),
	}
	b.mu.Lock()
	set, ok := b.subs[workspaceID]
	if !ok {
		set = make(map[*Subscription]struct{})
		b.subs[workspaceID] = set
	}
	set[sub] = struct{}{}
	b.mu.Unlock()
	return sub
}

// SubscriberCount returns the number of live subscriptions for workspaceID.
func (b *Bus) SubscriberCount(workspaceID uuid.UUID) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[workspaceID])
}

// TotalSubscribers counts live subscriptions across all workspaces.
func (b *Bus) TotalSubscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, set := range b.subs {
		n += len(set)
	}
	return n
}

// removeLocked unregisters sub and closes its channel. b.mu must be held.
func (b *Bus) removeLocked(sub *Subscription) {
	set, ok := b.subs[sub.workspaceID]
	if !ok {
		return
	}
	if _, ok := set[sub]; !ok {
		return
	}
	delete(set, sub)
	if len(set) == 0 {
		delete(b.subs, sub.workspaceID)
	}
	close(sub.ch)
}

func (b *Bus) registerMetrics() {
	meter := telemetry.Meter("kobo/eventbus")

	_, _ = meter.Int64ObservableCounter("kobo.eventbus.published",
		metric.WithDescription("Total events published"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(b.published.Load())
			return nil
		}),
	)
	_, _ = meter.Int64ObservableCounter("kobo.eventbus.dropped_subscribers",
		metric.WithDescription("Subscribers dropped because their queue was full"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(b.dropped.Load())
			return nil
		}),
	)
}

// Subscription is a stream of events for one workspace.
type Subscription struct {
	bus         *Bus
	workspaceID uuid.UUID
	ch          chan model.Event
}

// Events returns the delivery channel. It is closed when the subscription is
// closed or dropped.
func (s *Subscription) Events() <-chan model.Event {
	return s.ch
}

// WorkspaceID returns the workspace this subscription listens to.
func (s *Subscription) WorkspaceID() uuid.UUID {
	return s.workspaceID
}

// Close unregisters the subscription. Safe to call more than once.
func (s *Subscription) Close() {
	s.bus.mu.Lock()
	s.bus.removeLocked(s)
	s.bus.mu.Unlock()
}
