package controlplane

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"
)

// handleEvents implements the server-push event stream (spec.md §4.7):
// lines framed as "data: <json>\n\n", one per Event (including Heartbeat).
// Grounded on the teacher's text/event-stream + http.Flusher pattern (its
// internal/handlers/logs.go, since deleted — SPA/log-tail endpoints are out
// of this spec's scope, but the SSE plumbing idiom carried over).
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	sub := s.Registry.Subscribe()
	defer sub.Close()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-s.shutdownCh():
			return
		case msg, ok := <-sub.C():
			if !ok {
				return
			}
			if msg.Lagged {
				log.Printf("[controlplane] events subscriber lagged, resuming at head")
			}
			b, err := json.Marshal(msg.Event)
			if err != nil {
				continue
			}
			if _, err := fmt.Fprintf(w, "data: %s\n\n", b); err != nil {
				logSSEWriteError(err)
				return
			}
			flusher.Flush()
		}
	}
}

// logSSEWriteError logs expected client-disconnect errors ("connection
// closed", "broken pipe") with a "client disconnected" message and every
// other write error as a stream error. Both go through the standard
// logger, which has no levels, so neither is quieter than the other.
func logSSEWriteError(err error) {
	msg := err.Error()
	if strings.Contains(msg, "connection closed") || strings.Contains(msg, "broken pipe") {
		log.Printf("[controlplane] events stream: client disconnected: %v", err)
		return
	}
	log.Printf("[controlplane] events stream error: %v", err)
}
