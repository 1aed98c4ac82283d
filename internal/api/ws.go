package api

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/fraudtriage/engine/internal/domain"
)

// frame is the envelope every /ws-fraud message carries: topic
// distinguishes a per-case delta ("queue") from a periodic aggregate
// ("stats"), per §6.
type frame struct {
	Topic   string `json:"topic"`
	Payload any    `json:"payload"`
}

// WSFraud upgrades the connection and bridges both Push Bus topics
// (case-events, stats) to the client as JSON frames, until the client
// disconnects. Reconnecting clients are expected to reconcile state
// via a fresh REST GET, per §4.7.
func (h *Handler) WSFraud(w http.ResponseWriter, r *http.Request) {
	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		slog.Error("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	queueSub, err := h.bus.Subscribe(ctx, domain.TopicCaseEvents)
	if err != nil {
		slog.Error("failed to subscribe to case-events topic", "error", err)
		return
	}
	defer queueSub.Unsubscribe()

	statsSub, err := h.bus.Subscribe(ctx, domain.TopicStats)
	if err != nil {
		slog.Error("failed to subscribe to stats topic", "error", err)
		return
	}
	defer statsSub.Unsubscribe()

	// A reader goroutine exists only to notice the client closing the
	// connection; this endpoint is push-only from the server's side.
	go func() {
		defer cancel()
		for {
			if _, _, err := wsutil.ReadClientData(conn); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case payload, ok := <-queueSub.Frames():
			if !ok {
				return
			}
			if err := writeFrame(conn, "queue", payload); err != nil {
				return
			}
		case payload, ok := <-statsSub.Frames():
			if !ok {
				return
			}
			if err := writeFrame(conn, "stats", payload); err != nil {
				return
			}
		}
	}
}

func writeFrame(w io.Writer, topic string, payload any) error {
	data, err := json.Marshal(frame{Topic: topic, Payload: payload})
	if err != nil {
		slog.Error("failed to marshal ws frame", "topic", topic, "error", err)
		return nil
	}
	return wsutil.WriteServerMessage(w, ws.OpText, data)
}
