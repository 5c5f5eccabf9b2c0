package httpapi

import (
	"fmt"
	"net/http"
	"time"

	"jobapply-engine/internal/events"
)

const heartbeatEvery = 25 * time.Second

type EventsHandler struct {
	Hub *events.Hub
}

// ServeSSE streams hub events. Each frame is named after the envelope type
// so clients can addEventListener("attempt_finished", ...).
func (h EventsHandler) ServeSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		WriteError(w, r, http.StatusInternalServerError, "stream_unsupported", "Streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ch := h.Hub.Subscribe()
	defer h.Hub.Unsubscribe(ch)

	send := func(msg string) {
		fmt.Fprintf(w, "event: %s\ndata: %s\n\n", events.TypeOf(msg), msg)
		flusher.Flush()
	}
	send(events.MakeEvent(RequestIDFrom(r.Context()), "ping", events.Version, nil))

	heartbeat := time.NewTicker(heartbeatEvery)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			// comment frames keep idle proxies from closing the stream
			fmt.Fprint(w, ": keep-alive\n\n")
			flusher.Flush()
		case msg, ok := <-ch:
			if !ok {
				return
			}
			send(msg)
		}
	}
}
