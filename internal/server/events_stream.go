package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/aristath/qtrainer/internal/events"
	"github.com/rs/zerolog"
)

const (
	streamBufferSize  = 100
	heartbeatInterval = 30 * time.Second
)

// EventsStreamHandler streams bus events to clients as Server-Sent Events.
type EventsStreamHandler struct {
	eventBus *events.Bus
	log      zerolog.Logger
}

// NewEventsStreamHandler creates a new events stream handler.
func NewEventsStreamHandler(eventBus *events.Bus, log zerolog.Logger) *EventsStreamHandler {
	return &EventsStreamHandler{
		eventBus: eventBus,
		log:      log.With().Str("component", "events_stream").Logger(),
	}
}

// ServeHTTP handles GET /api/events/stream requests (SSE).
// The optional types query parameter is a comma-separated event type filter.
func (h *EventsStreamHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming not supported", http.StatusInternalServerError)
		return
	}

	eventTypes := events.AllTypes
	typesFilter := r.URL.Query().Get("types")
	if typesFilter != "" {
		eventTypes = parseTypes(typesFilter)
		if len(eventTypes) == 0 {
			http.Error(w, "No known event types in filter", http.StatusBadRequest)
			return
		}
	}

	// The server has no write timeout, but clear any deadline a wrapper set.
	_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	eventChan := make(chan *events.Event, streamBufferSize)
	eventHandler := func(event *events.Event) {
		// Non-blocking send (drop if channel full)
		select {
		case eventChan <- event:
		default:
			h.log.Warn().
				Str("event_type", string(event.Type)).
				Msg("Event channel full, dropping event")
		}
	}

	for _, eventType := range eventTypes {
		unsubscribe := h.eventBus.Subscribe(eventType, eventHandler)
		defer unsubscribe()
	}

	h.log.Info().Str("types_filter", typesFilter).Msg("Client connected to event stream")

	h.send(w, map[string]interface{}{
		"type":    "connected",
		"message": "Connected to event stream",
	})
	flusher.Flush()

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			h.log.Info().Msg("Client disconnected from event stream")
			return

		case event := <-eventChan:
			h.send(w, map[string]interface{}{
				"type":      string(event.Type),
				"module":    event.Module,
				"timestamp": event.Timestamp.Format(time.RFC3339),
				"data":      event.Data,
			})
			flusher.Flush()

		case <-heartbeat.C:
			h.send(w, map[string]interface{}{
				"type":      "heartbeat",
				"timestamp": time.Now().Format(time.RFC3339),
			})
			flusher.Flush()
		}
	}
}

func (h *EventsStreamHandler) send(w http.ResponseWriter, event map[string]interface{}) {
	data, err := json.Marshal(event)
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to marshal event")
		data = []byte(`{"error":"failed to encode event"}`)
	}
	fmt.Fprintf(w, "data: %s\n\n", data)
}

func parseTypes(filter string) []events.EventType {
	known := make(map[events.EventType]bool, len(events.AllTypes))
	for _, t := range events.AllTypes {
		known[t] = true
	}

	var out []events.EventType
	seen := make(map[events.EventType]bool)
	for _, raw := range strings.Split(filter, ",") {
		t := events.EventType(strings.TrimSpace(raw))
		if known[t] && !seen[t] {
			seen[t] = true
			out = append(out, t)
		}
	}
	return out
}
