package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
)

// handleEvents handles GET /api/events.
//
// On connect it replays the lifecycle log from the start (or after
// Last-Event-ID, or ?since=, when reconnecting), then streams new events as
// they arrive. The stream stays open until the client disconnects or the
// server shuts down.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, errUnavailable("streaming"))
		return
	}

	var fromSeq uint64
	for _, v := range []string{r.Header.Get("Last-Event-ID"), r.URL.Query().Get("since")} {
		if v == "" {
			continue
		}
		seq, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			writeError(w, badRequest("invalid event id %q", v))
			return
		}
		fromSeq = seq
		break
	}

	var filter func(Event) bool
	if id := r.URL.Query().Get("service"); id != "" {
		if _, err := s.sup.lookup(id); err != nil {
			writeError(w, err)
			return
		}
		filter = func(e Event) bool { return e.Service == id }
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for event := range s.sup.Events().Subscribe(r.Context(), fromSeq, filter) {
		if err := writeSSEEvent(w, flusher, event); err != nil {
			return // client disconnected
		}
	}
}

// writeSSEEvent formats and flushes a single SSE frame.
//
// Format:
//
//	id: <seq>
//	event: <type>
//	data: <json>
//	(blank line)
func writeSSEEvent(w http.ResponseWriter, flusher http.Flusher, event Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n",
		event.Seq, event.Type, data); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}
