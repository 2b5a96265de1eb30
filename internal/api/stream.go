package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.io/infrasutra/intramail/internal/event"
	"github.io/infrasutra/intramail/internal/presence"
)

var (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingInterval   = (pongWait * 9) / 10
	maxMessageSize = int64(4 * 1024)

	websocketUpgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
	}
)

// handleStream serves the push channel as server-sent events. Heartbeats
// arrive out of band on /api/heartbeat.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	user, err := s.sessionUser(r)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	conn, err := s.presence.Connect(r.Context(), user.ID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	defer s.presence.Disconnect(context.WithoutCancel(r.Context()), conn)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ready, err := s.readyEvent(conn)
	if err != nil {
		s.logger.Error("encode ready", "error", err)
		return
	}
	_, _ = w.Write(ready.SSE())
	flusher.Flush()

	ticker := time.NewTicker(20 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-conn.Events:
			if !ok {
				return
			}
			_, _ = w.Write(ev.SSE())
			flusher.Flush()
		case <-ticker.C:
			_, _ = w.Write([]byte(": ping\n\n"))
			flusher.Flush()
		}
	}
}

// handleWebsocket serves the push channel over a websocket. The client may
// send {"event":"heartbeat"} frames to refresh its presence record.
func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	user, err := s.sessionUser(r)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	ws, err := websocketUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade", "user_id", user.ID, "error", err)
		return
	}
	defer ws.Close()

	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	defer cancel()

	conn, err := s.presence.Connect(ctx, user.ID)
	if err != nil {
		s.logger.Error("register websocket", "user_id", user.ID, "error", err)
		return
	}
	defer s.presence.Disconnect(context.WithoutCancel(ctx), conn)

	go s.readWebsocket(ctx, cancel, ws, conn)

	ready, err := s.readyEvent(conn)
	if err != nil {
		s.logger.Error("encode ready", "error", err)
		return
	}
	if err := writeWebsocket(ws, ready); err != nil {
		return
	}

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-conn.Events:
			if !ok {
				_ = ws.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
				return
			}
			if err := writeWebsocket(ws, ev); err != nil {
				s.logger.Debug("websocket write", "connection_id", conn.ID, "error", err)
				return
			}
		case <-ticker.C:
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (s *Server) readWebsocket(ctx context.Context, cancel context.CancelFunc, ws *websocket.Conn, conn *presence.Connection) {
	defer cancel()

	ws.SetReadLimit(maxMessageSize)
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var ev event.Event
		if err := ws.ReadJSON(&ev); err != nil {
			var netErr net.Error
			switch {
			case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway):
				s.logger.Debug("websocket closed", "connection_id", conn.ID)
			case errors.As(err, &netErr) && netErr.Timeout():
				s.logger.Info("websocket timed out", "connection_id", conn.ID)
			default:
				s.logger.Debug("websocket read", "connection_id", conn.ID, "error", err)
			}
			return
		}
		_ = ws.SetReadDeadline(time.Now().Add(pongWait))
		if ev.Name != event.Heartbeat {
			continue
		}
		if err := s.presence.Heartbeat(ctx, conn.UserID, conn.ID); err != nil {
			s.logger.Warn("heartbeat", "connection_id", conn.ID, "error", err)
		}
	}
}

func writeWebsocket(ws *websocket.Conn, ev event.Event) error {
	_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
	return ws.WriteJSON(ev)
}

func (s *Server) readyEvent(conn *presence.Connection) (event.Event, error) {
	return event.New(event.Ready, event.ReadyPayload{
		ConnectionID:    conn.ID,
		HeartbeatMillis: s.heartbeat.Milliseconds(),
	})
}

// handleHeartbeat refreshes presence for SSE clients. Without a connection
// id every connection of the user is refreshed.
func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	user, err := s.sessionUser(r)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	var payload struct {
		ConnectionID string `json:"connectionId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil && !errors.Is(err, io.EOF) {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return
	}
	if err := s.presence.Heartbeat(r.Context(), user.ID, payload.ConnectionID); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
