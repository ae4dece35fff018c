package kernel

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/manthysbr/sceneforge/internal/core/domain"
)

// handleProjectSSE streams the events of one project. The first message is a
// FULL_STATE built from the stored checkpoint so a late subscriber starts from
// the authoritative state; the subscription is opened before the load so no
// event falls between the two.
func (s *Server) handleProjectSSE(w http.ResponseWriter, r *http.Request) {
	projectID := domain.ProjectID(chi.URLParam(r, "id"))

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported", "INTERNAL_ERROR")
		return
	}

	ch, unsub := s.events.Subscribe(projectID)
	defer unsub()

	cp, err := s.checkpoints.LoadCheckpoint(r.Context(), string(projectID))
	if err != nil {
		s.writeDomainError(w, err, "load checkpoint for stream failed", "project_id", projectID)
		return
	}

	writeSSEHeaders(w)
	flusher.Flush()

	if cp != nil {
		data, err := json.Marshal(cp)
		if err != nil {
			s.logger.Error("failed to encode checkpoint", "project_id", projectID, "error", err)
			return
		}
		s.writeEvent(w, domain.NewEvent(projectID, domain.EventFullState, string(data)))
		flusher.Flush()
	}

	s.stream(w, r, flusher, ch)
}

// handleBroadcastSSE streams the events of every project.
func (s *Server) handleBroadcastSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported", "INTERNAL_ERROR")
		return
	}

	ch, unsub := s.events.SubscribeAll()
	defer unsub()

	writeSSEHeaders(w)
	flusher.Flush()
	s.stream(w, r, flusher, ch)
}

func (s *Server) stream(w http.ResponseWriter, r *http.Request, flusher http.Flusher, ch <-chan domain.Event) {
	var ping <-chan time.Time
	if s.KeepAlive > 0 {
		ticker := time.NewTicker(s.KeepAlive)
		defer ticker.Stop()
		ping = ticker.C
	}

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ping:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		case evt, ok := <-ch:
			if !ok {
				return
			}
			s.writeEvent(w, evt)
			flusher.Flush()
		}
	}
}

// writeEvent frames evt as one SSE message; the data line carries the whole envelope.
func (s *Server) writeEvent(w http.ResponseWriter, evt domain.Event) {
	payload, err := json.Marshal(evt)
	if err != nil {
		s.logger.Error("failed to encode event", "type", evt.Type, "error", err)
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", evt.Type, payload)
}

func writeSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
}
