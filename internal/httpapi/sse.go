package httpapi

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// streamInterval is how often the job stream re-checks for changes.
const streamInterval = time.Second

// handleJobStream pushes job snapshots over server-sent events so UIs
// can follow import progress without polling /api/jobs. Unchanged
// snapshots are suppressed; a comment line keeps idle connections
// alive instead.
func (s *Server) handleJobStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	var last []byte
	send := func() bool {
		payload, err := json.Marshal(s.svc.History(0, 0))
		if err != nil {
			return false
		}
		if bytes.Equal(payload, last) {
			// Keep-alive so proxies do not reap the idle stream.
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return false
			}
			flusher.Flush()
			return true
		}
		last = payload
		if _, err := fmt.Fprintf(w, "event: jobs\ndata: %s\n\n", payload); err != nil {
			return false
		}
		flusher.Flush()
		return true
	}

	if !send() {
		return
	}

	ticker := time.NewTicker(streamInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			if !send() {
				return
			}
		}
	}
}
