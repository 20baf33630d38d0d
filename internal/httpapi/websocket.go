package httpapi

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = wsPongWait * 9 / 10
	wsMaxMessage = 64 << 10
)

// wsConn serializes writes; gorilla connections allow one concurrent writer.
type wsConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (c *wsConn) writeJSON(v interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return c.conn.WriteJSON(v)
}

func (c *wsConn) ping() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait))
}

// chatSocket upgrades the request and dispatches each text frame as a chat
// message. Frames without a sessionId use the connection session, taken
// from the sessionId query parameter, the session header or a fresh id.
func (s *Server) chatSocket(w http.ResponseWriter, r *http.Request) {
	raw, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.WithContext(r.Context()).WithError(err).Warn("websocket upgrade failed")
		return
	}
	conn := &wsConn{conn: raw}
	defer raw.Close()

	session := r.URL.Query().Get("sessionId")
	if session == "" {
		session = r.Header.Get(SessionHeader)
	}
	if session == "" {
		session = uuid.NewString()
	}
	log := s.logger.WithContext(r.Context()).WithField("session_id", session)
	log.Debug("websocket connected")

	raw.SetReadLimit(wsMaxMessage)
	_ = raw.SetReadDeadline(time.Now().Add(wsPongWait))
	raw.SetPongHandler(func(string) error {
		return raw.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(wsPingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := conn.ping(); err != nil {
					return
				}
			}
		}
	}()

	for {
		kind, data, err := raw.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.WithError(err).Warn("websocket closed unexpectedly")
			}
			return
		}
		if kind != websocket.TextMessage {
			if err := conn.writeJSON(map[string]string{"error": "text frames only"}); err != nil {
				return
			}
			continue
		}

		var req messageRequest
		if err := json.Unmarshal(data, &req); err != nil {
			if err := conn.writeJSON(map[string]string{"error": "malformed frame: " + err.Error()}); err != nil {
				return
			}
			continue
		}
		sessionID := req.SessionID
		if sessionID == "" {
			sessionID = session
		}

		resp, _ := s.chat.Dispatch(r.Context(), req.message(), sessionID)
		if err := conn.writeJSON(resp); err != nil {
			log.WithError(err).Debug("websocket write failed")
			return
		}
	}
}
