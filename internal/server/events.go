package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/obot-platform/previewbox/internal/events"
)

// Events streams file_changed and preview_updated events over SSE.
// GET /api/events
// Query parameters:
//   - after: sequence number to replay events after (the Last-Event-ID
//     header is used when absent)
//
// Without either only events from the time of connection are streamed.
func (h *Handler) Events(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		h.Error(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	afterStr := r.URL.Query().Get("after")
	if afterStr == "" {
		afterStr = r.Header.Get("Last-Event-ID")
	}
	var afterSeq int64 = -1
	if afterStr != "" {
		n, err := strconv.ParseInt(afterStr, 10, 64)
		if err != nil || n < 0 {
			h.Error(w, http.StatusBadRequest, "invalid after parameter")
			return
		}
		afterSeq = n
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	// Subscribe before reading history so nothing falls in between.
	sub := h.broker.Subscribe()
	defer h.broker.Unsubscribe(sub)

	fmt.Fprintf(w, "event: connected\ndata: {}\n\n")
	flusher.Flush()

	// Highest seq already written; live events at or below it are skipped.
	var sentSeq int64
	if afterSeq >= 0 {
		history, err := h.broker.EventsAfter(r.Context(), afterSeq)
		if err != nil {
			fmt.Fprintf(w, "event: error\ndata: {\"error\":\"failed to get historical events\"}\n\n")
		} else {
			for _, event := range history {
				if writeEvent(w, event) {
					sentSeq = event.Seq
				}
			}
		}
		flusher.Flush()
	}

	for {
		select {
		case <-r.Context().Done():
			return
		case event, ok := <-sub.Events:
			if !ok {
				return
			}
			if event.Seq <= sentSeq {
				continue
			}
			if writeEvent(w, event) {
				flusher.Flush()
			}
		}
	}
}

// writeEvent writes one event in SSE format and reports whether it did.
func writeEvent(w http.ResponseWriter, event *events.Event) bool {
	data, err := json.Marshal(event)
	if err != nil {
		return false
	}
	fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", event.Seq, event.Type, data)
	return true
}
