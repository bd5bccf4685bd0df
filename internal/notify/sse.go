package notify

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
)

// ServeSSE streams events to one client until the request ends. A
// Last-Event-ID header replays the buffered events after that id.
func (h *Hub) ServeSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	var lastEventID int64
	if raw := r.Header.Get("Last-Event-ID"); raw != "" {
		if id, err := strconv.ParseInt(raw, 10, 64); err == nil {
			lastEventID = id
		}
	}

	w.Header().Set("Content-Type", "text/event-stream; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	sub, replay := h.Subscribe(r.Context(), lastEventID)
	defer h.Unsubscribe(sub.ID)

	ready := Event{Type: TypeReady, Data: map[string]interface{}{"subscriber": sub.ID}}
	if err := WriteSSE(w, ready); err != nil {
		return
	}
	for _, event := range replay {
		if err := WriteSSE(w, event); err != nil {
			return
		}
	}
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case event, ok := <-sub.Events:
			if !ok {
				return
			}
			if err := WriteSSE(w, event); err != nil {
				h.logger.Debug("sse write failed", "subscriber", sub.ID, "error", err)
				return
			}
			flusher.Flush()
		}
	}
}

// WriteSSE formats one event in text/event-stream framing.
func WriteSSE(w io.Writer, event Event) error {
	data, err := json.Marshal(event.Data)
	if err != nil {
		return fmt.Errorf("failed to marshal event data: %w", err)
	}
	if event.ID > 0 {
		if _, err := fmt.Fprintf(w, "id: %d\n", event.ID); err != nil {
			return err
		}
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Type, data)
	return err
}
