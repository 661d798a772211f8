package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kobo/internal/eventbus"
	"github.com/ashita-ai/kobo/internal/model"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fakeWriter struct {
	mu      sync.Mutex
	batches [][]model.Event
	failN   int
}

func (w *fakeWriter) InsertEvents(_ context.Context, events []model.Event) (int64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.failN > 0 {
		w.failN--
		return 0, errors.New("connection reset")
	}
	w.batches = append(w.batches, append([]model.Event(nil), events...))
	return int64(len(events)), nil
}

func (w *fakeWriter) all() []model.Event {
	w.mu.Lock()
	defer w.mu.Unlock()
	var out []model.Event
	for _, b := range w.batches {
		out = append(out, b...)
	}
	return out
}

type fakeNotifier struct {
	mu       sync.Mutex
	payloads []string
}

func (n *fakeNotifier) Notify(_ context.Context, _, payload string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.payloads = append(n.payloads, payload)
	return nil
}

func event(i int) model.Event {
	return model.Event{ID: uuid.New(), Type: "tick", WorkspaceID: uuid.New(), Payload: map[string]any{"i": i}, CreatedAt: time.Now().UTC()}
}

func TestDrainFlushesPendingEvents(t *testing.T) {
	w := &fakeWriter{}
	buf := NewBuffer(w, testLogger(), 100, time.Hour)
	buf.Start(context.Background())

	for i := range 5 {
		require.NoError(t, buf.AppendEvent(context.Background(), event(i)))
	}
	assert.Equal(t, 5, buf.Len())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	buf.Drain(ctx)

	got := w.all()
	require.Len(t, got, 5)
	for i, e := range got {
		assert.Equal(t, i, e.Payload["i"], "order preserved")
	}
	assert.Equal(t, 0, buf.Len())
}

func TestDrainAfterStartContextCancelled(t *testing.T) {
	w := &fakeWriter{}
	buf := NewBuffer(w, testLogger(), 100, time.Hour)
	ctx, cancel := context.WithCancel(context.Background())
	buf.Start(ctx)

	require.NoError(t, buf.AppendEvent(context.Background(), event(0)))
	cancel()
	// The loop may already be gone; late events still reach the store.
	require.NoError(t, buf.AppendEvent(context.Background(), event(1)))

	buf.Drain(context.Background())

	got := w.all()
	require.Len(t, got, 2)
	assert.Equal(t, 0, got[0].Payload["i"])
	assert.Equal(t, 1, got[1].Payload["i"])
	assert.Equal(t, 0, buf.Len())
}

func TestSizeTriggersFlush(t *testing.T) {
	w := &fakeWriter{}
	buf := NewBuffer(w, testLogger(), 3, time.Hour)
	buf.Start(context.Background())
	defer buf.Drain(context.Background())

	for i := range 3 {
		require.NoError(t, buf.AppendEvent(context.Background(), event(i)))
	}
	assert.Eventually(t, func() bool { return len(w.all()) == 3 }, 2*time.Second, 10*time.Millisecond)
}

func TestFailedFlushRequeues(t *testing.T) {
	w := &fakeWriter{failN: 1}
	buf := NewBuffer(w, testLogger(), 100, 20*time.Millisecond)
	buf.Start(context.Background())

	require.NoError(t, buf.AppendEvent(context.Background(), event(0)))
	require.NoError(t, buf.AppendEvent(context.Background(), event(1)))

	assert.Eventually(t, func() bool { return len(w.all()) == 2 }, 2*time.Second, 10*time.Millisecond)
	got := w.all()
	assert.Equal(t, 0, got[0].Payload["i"])
	assert.Equal(t, 1, got[1].Payload["i"])
	assert.Equal(t, int64(0), buf.Dropped())

	buf.Drain(context.Background())
}

func TestFlushNotifiesWithOrigin(t *testing.T) {
	w := &fakeWriter{}
	n := &fakeNotifier{}
	buf := NewBuffer(w, testLogger(), 100, time.Hour).WithNotifier(n, "kobo_events", "node-a")

	e := event(7)
	require.NoError(t, buf.AppendEvent(context.Background(), e))
	buf.Drain(context.Background())

	require.Len(t, n.payloads, 1)
	var got eventbus.Notification
	require.NoError(t, json.Unmarshal([]byte(n.payloads[0]), &got))
	assert.Equal(t, "node-a", got.Origin)
	assert.Equal(t, e.ID, got.Event.ID)
}

func TestOversizedEventIsNotNotified(t *testing.T) {
	w := &fakeWriter{}
	n := &fakeNotifier{}
	buf := NewBuffer(w, testLogger(), 100, time.Hour).WithNotifier(n, "kobo_events", "node-a")

	big := event(0)
	big.Payload["blob"] = string(make([]byte, maxNotifyPayload))
	require.NoError(t, buf.AppendEvent(context.Background(), big))
	buf.Drain(context.Background())

	assert.Len(t, w.all(), 1, "still persisted")
	assert.Empty(t, n.payloads)
}

func TestDoubleStartIsNoop(t *testing.T) {
	buf := NewBuffer(&fakeWriter{}, testLogger(), 10, 50*time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	buf.Start(ctx)
	buf.Start(ctx)
	assert.True(t, buf.started.Load())

	drainCtx, drainCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer drainCancel()
	buf.Drain(drainCtx)
}

func TestBufferSatisfiesOutbox(t *testing.T) {
	var _ eventbus.Outbox = (*Buffer)(nil)
}
