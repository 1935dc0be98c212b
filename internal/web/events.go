package web

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/JonMunkholm/pqrsync/internal/ingest"
)

// defaultPollInterval is how often the event stream samples run history.
const defaultPollInterval = 500 * time.Millisecond

// defaultStreamTimeout bounds one event stream when none is configured.
const defaultStreamTimeout = 45 * time.Second

// handleRunEvents streams run progress via Server-Sent Events.
//
// A "progress" event carries the run's Counts whenever they change; a final
// "complete" event carries the run summary. Event ids are a per-stream
// sequence, and a reconnecting client that sends Last-Event-ID receives the
// current counts again before new changes. The stream ends with the run, when
// the client leaves, or after the stream timeout with a "timeout" event, after
// which EventSource clients reconnect on their own.
func (s *Server) handleRunEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "runID")
	run, err := s.deps.Runs.Get(id)
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	limit := s.cfg.StreamTimeout
	if limit <= 0 {
		limit = defaultStreamTimeout
	}
	expired := time.NewTimer(limit)
	defer expired.Stop()

	// Middleware wrappers expose the underlying writer through Unwrap.
	// The write deadline replaces the server write timeout for this response.
	rc := http.NewResponseController(w)
	_ = rc.SetWriteDeadline(time.Now().Add(limit + time.Second))

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	seq, _ := strconv.Atoi(r.Header.Get("Last-Event-ID"))
	send := func(event string, v any) {
		seq++
		data, _ := json.Marshal(v)
		fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", seq, event, data)
		_ = rc.Flush()
	}

	interval := s.pollInterval
	if interval <= 0 {
		interval = defaultPollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var last *ingest.Counts
	for {
		if run.Status != ingest.RunRunning {
			send("complete", run.Summary())
			return
		}
		if last == nil || *last != run.Counts {
			counts := run.Counts
			last = &counts
			send("progress", counts)
		}

		select {
		case <-r.Context().Done():
			return
		case <-expired.C:
			send("timeout", run.Counts)
			return
		case <-ticker.C:
		}

		if run, err = s.deps.Runs.Get(id); err != nil {
			// Evicted from history mid-stream.
			send("error", ErrorResponse{Error: err.Error(), Message: "Run not found", Code: "RUN003"})
			return
		}
	}
}
