package eventbus

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kobo/internal/model"
)

type chanListener struct {
	listened chan string
	payloads chan string
}

func (l *chanListener) Listen(_ context.Context, channel string) error {
	l.listened <- channel
	return nil
}

func (l *chanListener) WaitForNotification(ctx context.Context) (string, string, error) {
	select {
	case p := <-l.payloads:
		return "kobo_events", p, nil
	case <-ctx.Done():
		return "", "", ctx.Err()
	}
}

func TestRelayDeliversForeignEvents(t *testing.T) {
	bus := New(nil, testLogger(), 8)
	ws := uuid.New()
	sub := bus.Subscribe(ws)
	defer sub.Close()

	l := &chanListener{listened: make(chan string, 1), payloads: make(chan string)}
	relay := NewRelay(l, bus, "kobo_events", "self", testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		relay.Start(ctx)
		close(done)
	}()
	assert.Equal(t, "kobo_events", <-l.listened)

	mk := func(origin, typ string) string {
		b, err := json.Marshal(Notification{Origin: origin, Event: model.Event{
			ID: uuid.New(), Type: typ, WorkspaceID: ws, CreatedAt: time.Now().UTC(),
		}})
		require.NoError(t, err)
		return string(b)
	}

	l.payloads <- mk("self", "own.event")
	l.payloads <- "not json"
	l.payloads <- mk("other", "foreign.event")

	e := receive(t, sub)
	assert.Equal(t, "foreign.event", e.Type)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("relay did not stop")
	}
}
