package eventbus

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/ashita-ai/kobo/internal/model"
)

const relayRetryDelay = time.Second

// Notification is the pg_notify payload carrying an outbox event between
// processes. Origin lets a process skip events it published itself.
type Notification struct {
	Origin string      `json:"origin"`
	Event  model.Event `json:"event"`
}

// Listener is the LISTEN side of a notification channel.
type Listener interface {
	Listen(ctx context.Context, channel string) error
	WaitForNotification(ctx context.Context) (channel, payload string, err error)
}

// Relay delivers events published by other processes to local subscribers.
type Relay struct {
	listener Listener
	bus      *Bus
	channel  string
	origin   string
	logger   *slog.Logger
}

// NewRelay creates a relay. origin must match the one the local outbox
// stamps on its notifications.
func NewRelay(listener Listener, bus *Bus, channel, origin string, logger *slog.Logger) *Relay {
	return &Relay{listener: listener, bus: bus, channel: channel, origin: origin, logger: logger}
}

// Start listens until ctx is cancelled. It blocks, so call it in a goroutine.
func (r *Relay) Start(ctx context.Context) {
	if err := r.listener.Listen(ctx, r.channel); err != nil {
		r.logger.Error("relay: listen", "channel", r.channel, "error", err)
		return
	}
	r.logger.Info("relay: listening for events", "channel", r.channel)

	for {
		_, payload, err := r.listener.WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			r.logger.Warn("relay: notification error, retrying", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(relayRetryDelay):
			}
			continue
		}
		r.handle(payload)
	}
}

func (r *Relay) handle(payload string) {
	var n Notification
	if err := json.Unmarshal([]byte(payload), &n); err != nil {
		r.logger.Warn("relay: malformed notification", "error", err)
		return
	}
	if n.Origin == r.origin {
		return
	}
	r.bus.Deliver(n.Event)
}
