package api

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"import-orchestrator/internal/events"
)

// handleStream sends the job's current state, then its progress events as
// server-sent events until the job reaches a terminal state or the client leaves.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ctx := r.Context()

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "streaming unsupported"})
		return
	}

	// Subscribe before reading the snapshot so no transition falls in between.
	evs, stop, err := s.svc.Watch(ctx, id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	defer stop()

	job, err := s.svc.GetJobStatus(ctx, id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	if err := writeEvent(w, "status", job); err != nil {
		return
	}
	flusher.Flush()
	if job.State.Terminal() {
		return
	}

	heartbeat := time.NewTicker(sseHeartbeat)
	defer heartbeat.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			if _, err := fmt.Fprintf(w, ": heartbeat %s\n\n", time.Now().UTC().Format(time.RFC3339)); err != nil {
				return
			}
			flusher.Flush()
		case ev, ok := <-evs:
			if !ok {
				return
			}
			if err := writeEvent(w, string(ev.Kind), ev); err != nil {
				s.logger.Debug("sse client gone", zap.String("job_id", id), zap.Error(err))
				return
			}
			flusher.Flush()
			if ev.Kind == events.KindJobFinished {
				return
			}
		}
	}
}

func writeEvent(w io.Writer, name string, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal event data: %w", err)
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", name, payload); err != nil {
		return fmt.Errorf("write event: %w", err)
	}
	return nil
}
