package api

import (
	"net/http"
	"strconv"
	"time"

	"sdn-guard/internal/alert"
	"sdn-guard/internal/model"

	"github.com/gorilla/websocket"
)

const (
	streamBuffer = 100
	pingInterval = 30 * time.Second
	writeWait    = 10 * time.Second
)

// StreamAlerts pushes new alerts over a websocket. category, severity and
// type query parameters narrow the stream.
func (s *Server) StreamAlerts(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Errorf("WebSocket upgrade error: %v", err)
		return
	}
	s.logger.Infof("WebSocket connection established from %s", r.RemoteAddr)
	defer func() {
		s.logger.Debugf("WebSocket connection closed for %s", r.RemoteAddr)
		conn.Close()
	}()

	sub := &alert.Subscriber{
		ID:      strconv.FormatInt(time.Now().UnixNano(), 10),
		Channel: make(chan model.Alert, streamBuffer),
		Filter: alert.Filter{
			Category: r.URL.Query().Get("category"),
			Severity: r.URL.Query().Get("severity"),
			Type:     r.URL.Query().Get("type"),
		},
	}
	s.alerts.Subscribe(sub)
	defer s.alerts.Unsubscribe(sub)

	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(map[string]string{"type": "connected", "message": "WebSocket connection established"}); err != nil {
		s.logger.Errorf("Failed to send initial message: %v", err)
		return
	}

	// The read loop only exists to process pongs and notice the client
	// going away.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case a, ok := <-sub.Channel:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(map[string]interface{}{"type": "alert", "alert": a}); err != nil {
				s.logger.Errorf("WebSocket write error: %v", err)
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-closed:
			return
		case <-r.Context().Done():
			return
		}
	}
}
