package server

import (
	"context"
	"net/http"
	"time"

	"github.com/ChuLiYu/tickcast/pkg/types"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// observers are anonymous viewers, any origin may connect
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleWebSocket handles GET /ws. The first frame is the bootstrap event;
// inbound messages are read only to detect disconnects and are discarded.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already replied with an HTTP error
		s.log.Debug("WebSocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sub, err := s.reg.Subscribe(ctx, types.TransportWebSocket)
	if err != nil {
		s.closeWebSocket(conn, websocket.CloseGoingAway, "shutting down")
		return
	}
	defer sub.Close()

	s.log.Debug("WebSocket observer connected", "remote", r.RemoteAddr, "subscriber", sub.ID)

	// read pump: keeps pong handling alive and cancels on disconnect
	readWait := 2 * s.cfg.HeartbeatInterval
	conn.SetReadDeadline(time.Now().Add(readWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readWait))
	})
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	heartbeat := time.NewTicker(s.cfg.HeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				reason := "stream closed"
				if err := sub.Err(); err != nil {
					reason = err.Error()
				}
				s.closeWebSocket(conn, websocket.CloseGoingAway, reason)
				return
			}
			conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if err := conn.WriteJSON(ev); err != nil {
				s.log.Debug("WebSocket write failed", "subscriber", sub.ID, "error", err)
				return
			}
		case <-heartbeat.C:
			deadline := time.Now().Add(s.cfg.WriteTimeout)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		case <-ctx.Done():
			s.log.Debug("WebSocket observer disconnected", "subscriber", sub.ID)
			return
		}
	}
}

func (s *Server) closeWebSocket(conn *websocket.Conn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(s.cfg.WriteTimeout))
}
