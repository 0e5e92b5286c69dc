package panel

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/rendis/flowrun/internal/streaming"
)

// handleSSE streams hub events as Server-Sent Events. flow, run and type
// (comma separated) narrow the stream.
func (s *PanelServer) handleSSE(w http.ResponseWriter, r *http.Request) {
	if s.deps.Hub == nil {
		writeError(w, http.StatusNotImplemented, "event streaming is not enabled")
		return
	}
	q := r.URL.Query()
	filter := streaming.EventFilter{Flow: q.Get("flow"), RunID: q.Get("run")}
	if types := q.Get("type"); types != "" {
		filter.EventTypes = strings.Split(types, ",")
	}
	s.serveSSE(w, r, filter)
}

func (s *PanelServer) serveSSE(w http.ResponseWriter, r *http.Request, filter streaming.EventFilter) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	ch, cancel, err := s.deps.Hub.Subscribe(r.Context(), filter)
	if err != nil {
		s.deps.Logger.Error("SSE subscribe failed", "error", err)
		http.Error(w, "subscribe failed", http.StatusInternalServerError)
		return
	}
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case event, ok := <-ch:
			if !ok {
				return
			}
			data, err := json.Marshal(event)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.EventType, data)
			flusher.Flush()
		}
	}
}
