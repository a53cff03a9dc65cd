package httpapi

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/execution-hub/dataspace-connector/internal/infrastructure/sse"
)

// eventStream streams state transitions as server-sent events. The topics
// query restricts the stream to event type prefixes, e.g. topics=negotiation.
func (s *Server) eventStream(w http.ResponseWriter, r *http.Request) {
	if s.sseHub == nil {
		respondError(w, http.StatusServiceUnavailable, "UNAVAILABLE", "event stream disabled")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		respondError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "streaming not supported")
		return
	}
	clientID := strings.TrimSpace(r.URL.Query().Get("client_id"))
	client := sse.NewClient(clientID, splitCSV(r.URL.Query().Get("topics")))
	s.sseHub.Register(client)
	defer s.sseHub.Unregister(client.ID)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(": connected\n\n"))
	flusher.Flush()

	ctx := r.Context()
	for {
		select {
		case msg, ok := <-client.Messages:
			if !ok || msg == nil {
				return
			}
			_, _ = fmt.Fprintf(w, "id: %s\nevent: %s\ndata: %s\n\n", msg.ID, msg.Event, msg.Data)
			flusher.Flush()
		case <-ctx.Done():
			return
		}
	}
}
