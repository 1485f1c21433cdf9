package server

import (
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// handleEvents streams an "articles" event whenever the store reports new
// rows. All clients share the server's one insert subscription.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	rc := http.NewResponseController(w)

	notify, leave, err := s.events.join()
	if err != nil {
		s.logger.Error("subscribing to inserts", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "Realtime updates unavailable"})
		return
	}
	defer leave()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	fmt.Fprint(w, "retry: 5000\n: connected\n\n")
	if err := rc.Flush(); err != nil {
		return
	}

	keepAlive := time.NewTicker(s.keepAlive)
	defer keepAlive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-notify:
			fmt.Fprintf(w, "event: articles\ndata: {\"at\":%d}\n\n", time.Now().UnixMilli())
		case <-keepAlive.C:
			fmt.Fprint(w, ": ping\n\n")
		}
		if err := rc.Flush(); err != nil {
			return
		}
	}
}
