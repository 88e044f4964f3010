package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// batchEventsHandler streams batch snapshots as Server-Sent Events. The
// stream ends with a "done" event once every job is terminal, or when the
// client goes away.
func (s *Server) batchEventsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "Streaming not supported", http.StatusInternalServerError)
			return
		}

		handle, err := s.batchHandle(r)
		if err != nil {
			s.writeFailure(w, err)
			return
		}
		sub, err := s.deps.Status.Watch(r.Context(), handle)
		if err != nil {
			s.writeFailure(w, err)
			return
		}
		defer sub.Close()

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)
		flusher.Flush()

		keepAlive := time.NewTicker(s.KeepAlive)
		defer keepAlive.Stop()

		for {
			select {
			case <-r.Context().Done():
				return
			case <-keepAlive.C:
				fmt.Fprint(w, ": ping\n\n")
				flusher.Flush()
			case snap, ok := <-sub.Updates():
				if !ok {
					return
				}
				data, err := json.Marshal(snap)
				if err != nil {
					s.logger.Error("Failed to encode snapshot", "batch_id", handle.BatchID, "error", err)
					return
				}
				fmt.Fprintf(w, "event: snapshot\ndata: %s\n\n", data)
				if snap.Done {
					fmt.Fprintf(w, "event: done\ndata: %s\n\n", data)
				}
				flusher.Flush()
			}
		}
	}
}
