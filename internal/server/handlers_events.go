package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"

	"github.com/ashita-ai/kobo/internal/model"
)

const streamKeepalive = 15 * time.Second

// HandleListEvents handles GET /v1/events: recent outbox events of a
// workspace, newest first, for replay and diagnostics.
func (h *Handlers) HandleListEvents(w http.ResponseWriter, r *http.Request) {
	workspaceID, ok := queryWorkspace(w, r)
	if !ok {
		return
	}
	events, err := h.store.ListEvents(r.Context(), workspaceID, queryLimit(r, 100))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	if events == nil {
		events = []model.Event{}
	}
	writeJSON(w, r, http.StatusOK, events)
}

// HandleSubscribe handles GET /v1/workspaces/{workspace_id}/events and
// streams the workspace's events as Server-Sent Events.
func (h *Handlers) HandleSubscribe(w http.ResponseWriter, r *http.Request) {
	workspaceID, ok := h.streamWorkspace(w, r)
	if !ok {
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "streaming not supported")
		return
	}

	sub := h.bus.Subscribe(workspaceID)
	defer sub.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	// Disable the server's WriteTimeout for this long-lived connection.
	rc := http.NewResponseController(w)
	_ = rc.SetWriteDeadline(time.Time{})

	keepalive := time.NewTicker(streamKeepalive)
	defer keepalive.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-keepalive.C:
			if _, err := w.Write([]byte(":keepalive\n\n")); err != nil {
				return
			}
			flusher.Flush()
		case e, ok := <-sub.Events():
			if !ok {
				// Dropped as a slow subscriber; the client reconnects.
				return
			}
			frame, err := formatSSE(e)
			if err != nil {
				h.logger.Warn("sse: encode event", "event_id", e.ID, "error", err)
				continue
			}
			if _, err := w.Write(frame); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// formatSSE renders an event as one SSE frame.
func formatSSE(e model.Event) ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, err
	}
	return fmt.Appendf(nil, "id: %s\nevent: %s\ndata: %s\n\n", e.ID, e.Type, data), nil
}

// HandleWebSocket handles GET /v1/workspaces/{workspace_id}/ws and forwards
// the workspace's events as JSON text messages. Client messages are ignored.
func (h *Handlers) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	workspaceID, ok := h.streamWorkspace(w, r)
	if !ok {
		return
	}

	_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// Bearer tokens, not cookies, authenticate the handshake.
		InsecureSkipVerify: true,
	})
	if err != nil {
		h.logger.Warn("websocket accept failed", "error", err)
		return
	}
	defer func() { _ = conn.CloseNow() }()

	sub := h.bus.Subscribe(workspaceID)
	defer sub.Close()

	// CloseRead discards client frames and cancels ctx when the peer goes away.
	ctx := conn.CloseRead(r.Context())
	h.logger.Debug("websocket connected", "workspace_id", workspaceID, "remote", r.RemoteAddr)

	keepalive := time.NewTicker(streamKeepalive)
	defer keepalive.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-keepalive.C:
			pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				return
			}
		case e, ok := <-sub.Events():
			if !ok {
				_ = conn.Close(websocket.StatusTryAgainLater, "subscriber too slow")
				return
			}
			writeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			err := wsjson.Write(writeCtx, conn, e)
			cancel()
			if err != nil {
				return
			}
		}
	}
}

// streamWorkspace parses the workspace path parameter and checks membership.
func (h *Handlers) streamWorkspace(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	workspaceID, ok := pathUUID(w, r, "workspace_id")
	if !ok {
		return uuid.Nil, false
	}
	if !canAccess(w, r, workspaceID) {
		return uuid.Nil, false
	}
	return workspaceID, true
}
