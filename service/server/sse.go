package server

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/satferry/satferry/service/broadcast"
)

const keepaliveInterval = 10 * time.Second

// handleStreamEvents streams wallet events over Server-Sent Events. Each
// message is one JSON event discriminated by its tag. The stream ends when
// the client disconnects or the hub shuts down.
// GET /events
func handleStreamEvents(hub *broadcast.Hub, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			writeError(w, "streaming unsupported", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")

		sub := hub.Subscribe()
		defer sub.Cancel()

		logger.DebugContext(r.Context(), "SSE client connected", "remote_addr", r.RemoteAddr)

		fmt.Fprintf(w, "event: connected\ndata: {}\n\n")
		flusher.Flush()

		keepalive := time.NewTicker(keepaliveInterval)
		defer keepalive.Stop()

		for {
			select {
			case <-keepalive.C:
				// Comment line keeps proxies from timing the connection out.
				fmt.Fprintf(w, ": keepalive\n\n")
				flusher.Flush()

			case ev, open := <-sub.Events():
				if !open {
					logger.DebugContext(r.Context(), "event hub closed, ending SSE stream",
						"remote_addr", r.RemoteAddr,
					)
					return
				}

				data, err := json.Marshal(ev)
				if err != nil {
					logger.WarnContext(r.Context(), "failed to marshal event", "error", err)
					continue
				}

				fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Tag, data)
				flusher.Flush()

			case <-r.Context().Done():
				logger.DebugContext(r.Context(), "SSE client disconnected", "remote_addr", r.RemoteAddr)
				return
			}
		}
	})
}
