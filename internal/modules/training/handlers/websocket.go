package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/aristath/qtrainer/internal/events"
	"nhooyr.io/websocket"
)

const (
	liveRefreshInterval = 15 * time.Second
	liveWriteTimeout    = 5 * time.Second
)

var liveEventTypes = []events.EventType{
	events.TrainingStarted,
	events.TrainingProgress,
	events.TrainingCompleted,
	events.TrainingFailed,
	events.TrainingStopped,
	events.WorkerOutput,
}

// HandleLive handles GET /ws/training. It pushes a snapshot on connect, after
// every training event, and periodically. Bursts of events coalesce into one
// push.
func (h *Handler) HandleLive(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: originPatterns(h.origins),
	})
	if err != nil {
		h.log.Warn().Err(err).Msg("WebSocket upgrade failed")
		return
	}
	defer conn.Close(websocket.StatusInternalError, "unexpected close")

	// Clients never send; CloseRead handles control frames and cancels ctx on disconnect.
	ctx := conn.CloseRead(r.Context())

	notify := make(chan struct{}, 1)
	onEvent := func(*events.Event) {
		select {
		case notify <- struct{}{}:
		default:
		}
	}
	for _, et := range liveEventTypes {
		unsubscribe := h.eventBus.Subscribe(et, onEvent)
		defer unsubscribe()
	}

	h.log.Debug().Str("remote", r.RemoteAddr).Msg("Live training client connected")

	if err := h.pushSnapshot(ctx, conn); err != nil {
		return
	}

	ticker := time.NewTicker(liveRefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			h.log.Debug().Str("remote", r.RemoteAddr).Msg("Live training client disconnected")
			return
		case <-notify:
		case <-ticker.C:
		}
		if err := h.pushSnapshot(ctx, conn); err != nil {
			return
		}
	}
}

func (h *Handler) pushSnapshot(ctx context.Context, conn *websocket.Conn) error {
	data, err := json.Marshal(h.controller.Snapshot())
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to encode snapshot")
		return err
	}

	writeCtx, cancel := context.WithTimeout(ctx, liveWriteTimeout)
	defer cancel()
	if err := conn.Write(writeCtx, websocket.MessageText, data); err != nil {
		h.log.Debug().Err(err).Msg("Failed to push snapshot")
		return err
	}
	return nil
}

// originPatterns converts CORS origins into host patterns for the upgrader.
func originPatterns(origins []string) []string {
	patterns := make([]string, 0, len(origins))
	for _, o := range origins {
		o = strings.TrimPrefix(o, "http://")
		o = strings.TrimPrefix(o, "https://")
		if o = strings.TrimSuffix(o, "/"); o != "" {
			patterns = append(patterns, o)
		}
	}
	return patterns
}
