package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/ChuLiYu/tickcast/pkg/types"
)

// handleEvents handles GET /events (Server-Sent Events). Each event is
// written as "event: <type>" plus a JSON data line; the bootstrap event is
// sent on connect.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	rc := http.NewResponseController(w)

	sub, err := s.reg.Subscribe(r.Context(), types.TransportSSE)
	if err != nil {
		writeJSONError(w, http.StatusServiceUnavailable, "Registry unavailable", err.Error())
		return
	}
	defer sub.Close()

	// Set SSE headers
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	if err := rc.Flush(); err != nil {
		s.log.Warn("SSE not supported by response writer", "error", err)
		return
	}

	s.log.Debug("SSE observer connected", "remote", r.RemoteAddr, "subscriber", sub.ID)

	heartbeat := time.NewTicker(s.cfg.HeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			if err := s.writeSSE(rc, w, func(out io.Writer) error { return writeSSEEvent(out, ev) }); err != nil {
				s.log.Debug("SSE write failed", "subscriber", sub.ID, "error", err)
				return
			}
		case <-heartbeat.C:
			if err := s.writeSSE(rc, w, func(out io.Writer) error {
				_, err := io.WriteString(out, ": ping\n\n")
				return err
			}); err != nil {
				return
			}
		case <-r.Context().Done():
			s.log.Debug("SSE observer disconnected", "subscriber", sub.ID)
			return
		}
	}
}

// writeSSE runs write under a write deadline and flushes.
func (s *Server) writeSSE(rc *http.ResponseController, w http.ResponseWriter, write func(io.Writer) error) error {
	if err := rc.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout)); err != nil && !errors.Is(err, http.ErrNotSupported) {
		return err
	}
	if err := write(w); err != nil {
		return err
	}
	return rc.Flush()
}

func writeSSEEvent(w io.Writer, ev types.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data)
	return err
}
