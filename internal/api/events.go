package api

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// The control surface is same-cluster plumbing; origin policy belongs
	// to whatever fronts it.
	CheckOrigin: func(r *http.Request) bool { return true },
}

const writeTimeout = 10 * time.Second

// handleScanEvents streams a scan's events over WebSocket: the full history
// first, then live events as they arrive. The connection closes after the
// terminal event, when the subscriber falls too far behind, or when the
// client goes away.
func (s *Server) handleScanEvents(w http.ResponseWriter, r *http.Request) {
	id, ok := s.scanID(w, r)
	if !ok {
		return
	}

	// Subscribe before upgrading so a missing scan still gets a proper
	// status code.
	replay, live, cancel, err := s.svc.Subscribe(id)
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	defer cancel()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	// Reads are only for detecting the client hanging up.
	clientGone := make(chan struct{})
	go func() {
		defer close(clientGone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	writeRecord := func(v any) bool {
		_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := conn.WriteJSON(v); err != nil {
			return false
		}
		return true
	}

	for _, rec := range replay {
		if !writeRecord(rec) {
			return
		}
	}

	for {
		select {
		case rec, open := <-live:
			if !open {
				_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
				_ = conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "stream finished"))
				return
			}
			if !writeRecord(rec) {
				return
			}
		case <-clientGone:
			return
		}
	}
}
