package server

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsPongTimeout  = 60 * time.Second
	wsPingInterval = 30 * time.Second
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Token auth happens in the middleware; browser origin checks are the
	// deployment proxy's concern.
	CheckOrigin: func(*http.Request) bool { return true },
}

// handleUpdateWS handles GET /v1/updates/ws: upgrades the connection and
// forwards the user's update stream verbatim as JSON text messages until
// either side closes.
func (s *Server) handleUpdateWS(w http.ResponseWriter, r *http.Request) {
	tenantID := r.URL.Query().Get("tenant_id")
	userID := r.URL.Query().Get("user_id")
	if tenantID == "" || userID == "" {
		writeError(w, http.StatusBadRequest, "tenant_id and user_id are required")
		return
	}

	conn, err := s.registry.Subscribe(tenantID, userID)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "subscription unavailable")
		return
	}

	ws, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.registry.Unsubscribe(conn.ID)
		// Upgrade already wrote the error response.
		s.logger.Debug("websocket upgrade failed", "err", err)
		return
	}

	closed := make(chan struct{})

	// Read loop: consume control frames and detect disconnect. Pongs count
	// as activity for the idle reaper.
	go func() {
		defer close(closed)
		ws.SetReadLimit(512)
		_ = ws.SetReadDeadline(time.Now().Add(wsPongTimeout))
		ws.SetPongHandler(func(string) error {
			conn.Touch()
			return ws.SetReadDeadline(time.Now().Add(wsPongTimeout))
		})
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	defer func() {
		s.registry.Unsubscribe(conn.ID)
		_ = ws.Close()
	}()

	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()

	for {
		select {
		case <-closed:
			return
		case <-r.Context().Done():
			return
		case u, open := <-conn.Updates():
			if !open {
				_ = ws.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "subscription closed"),
					time.Now().Add(wsWriteTimeout))
				return
			}
			_ = ws.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := ws.WriteJSON(u); err != nil {
				s.logger.Debug("websocket write failed", "conn_id", conn.ID, "err", err)
				return
			}
		case <-ping.C:
			_ = ws.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
