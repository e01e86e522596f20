package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/you/bulkingest/internal/notify"
)

// handleEvents is the notification stream. Connecting registers the
// client's channel in the hub; disconnecting removes it. Each event is
// one SSE frame named after the event kind.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	clientID := r.URL.Query().Get("clientId")
	if clientID == "" {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "clientId is required"})
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "streaming unsupported"})
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	reg := s.hub.Register(clientID)
	defer s.hub.Unregister(reg)

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, open := <-reg.Events():
			if !open {
				// replaced by a reconnect
				return
			}
			body, err := eventBody(ev)
			if err != nil {
				s.log.Error("encoding event", zap.String("event", ev.Name()), zap.Error(err))
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Name(), body)
			flusher.Flush()
		}
	}
}

func eventBody(ev notify.Event) ([]byte, error) {
	switch e := ev.(type) {
	case notify.BulkComplete:
		return json.Marshal(e.Result)
	case notify.DocStoreRefreshed:
		return json.Marshal(e.Refresh)
	case notify.RelStoreRefreshed:
		return json.Marshal(e.Refresh)
	default:
		return json.Marshal(ev)
	}
}
