// ABOUTME: Server-Sent Events feed of instrument lifecycle events
// ABOUTME: GET /api/events streams the global bus feed, or one instrument's feed with ?instrument_id=

package gateway

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/2389/probe-gateway/internal/events"
)

// sseKeepalive is how often an idle stream gets a comment line so proxies
// do not time it out.
const sseKeepalive = 15 * time.Second

// handleEventStream handles GET /api/events[?instrument_id=].
// Event names are the lowercased event types: added, applied, hit, removed.
func (g *Gateway) handleEventStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		g.logger.Error("streaming not supported")
		g.sendJSONError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	ctx := r.Context()
	instrumentID := r.URL.Query().Get("instrument_id")

	var feed <-chan *events.Event
	var subID string
	if instrumentID != "" {
		feed, subID = g.bus.SubscribeInstrument(ctx, instrumentID)
	} else {
		feed, subID = g.bus.Subscribe(ctx)
	}

	// Set SSE headers
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	g.writeSSEEvent(w, "subscribed", map[string]string{
		"subscription_id": subID,
		"instrument_id":   instrumentID,
	})
	flusher.Flush()

	keepalive := g.clock.NewTicker(sseKeepalive)
	defer keepalive.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-keepalive.C:
			_, _ = fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		case ev, ok := <-feed:
			if !ok {
				return
			}
			g.writeSSEEvent(w, sseEventName(ev.Type), ev)
			flusher.Flush()
		}
	}
}

func sseEventName(t events.Type) string {
	return strings.ToLower(string(t))
}

// formatSSEEvent formats an SSE event as a string with the standard format:
// event: <eventType>\ndata: <data>\n\n
func formatSSEEvent(eventType, data string) string {
	return fmt.Sprintf("event: %s\ndata: %s\n\n", eventType, data)
}

// writeSSEEvent writes a single SSE event to the response writer.
func (g *Gateway) writeSSEEvent(w http.ResponseWriter, event string, data any) {
	dataJSON, err := json.Marshal(data)
	if err != nil {
		g.logger.Error("failed to marshal SSE data", "error", err)
		return
	}
	_, _ = fmt.Fprint(w, formatSSEEvent(event, string(dataJSON)))
}
