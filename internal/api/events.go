package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/forgelabs/sumforge/internal/model"
	"github.com/forgelabs/sumforge/internal/store"
)

// handleStreamEvents streams job status snapshots over SSE until the job
// reaches a terminal state, then sends a final "done" event and closes.
func (s *Server) handleStreamEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	snap, err := s.store.Get(id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if err != nil {
		s.logger.Error("get job for stream", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get job")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	// Disable write timeout for long-lived SSE connections.
	rc := http.NewResponseController(w)
	if err := rc.SetWriteDeadline(time.Time{}); err != nil {
		s.logger.Error("set write deadline for SSE", "error", err)
	}

	// Subscribe before sending the initial snapshot so no transition can slip
	// between the two. Subscribe on a finished job returns a closed channel.
	ch, unsub := s.engine.Broker().Subscribe(id)
	defer unsub()

	w.WriteHeader(http.StatusOK)
	flusher, canFlush := w.(http.Flusher)

	writeSnap := func(snap model.Snapshot) bool {
		if err := writeSSESnapshot(w, snap); err != nil {
			return false // Client gone.
		}
		if canFlush {
			flusher.Flush()
		}
		return true
	}

	if !writeSnap(snap) {
		return
	}
	if model.IsTerminal(snap.Status) {
		_ = writeSSEEvent(w, "done", "stream complete")
		if canFlush {
			flusher.Flush()
		}
		return
	}

	for {
		select {
		case update, ok := <-ch:
			if !ok {
				// Intermediate snapshots may have been dropped; the stored
				// terminal state is re-read so it is always observed.
				if final, err := s.store.Get(id); err == nil {
					if !writeSnap(final) {
						return
					}
				}
				_ = writeSSEEvent(w, "done", "stream complete")
				if canFlush {
					flusher.Flush()
				}
				return
			}
			if !writeSnap(update) {
				return
			}
		case <-r.Context().Done():
			return // Client disconnected.
		}
	}
}

// writeSSESnapshot writes one status snapshot as an SSE data event.
func writeSSESnapshot(w http.ResponseWriter, snap model.Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", data)
	return err
}

// writeSSEEvent writes a named SSE event (event: <type>\ndata: <data>\n\n).
func writeSSEEvent(w http.ResponseWriter, eventType, data string) error {
	if _, err := fmt.Fprintf(w, "event: %s\n", eventType); err != nil {
		return err
	}
	_, err := fmt.Fprintf(w, "data: %s\n\n", data)
	return err
}
