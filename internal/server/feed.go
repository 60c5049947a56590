package server

import (
	"net/http"
	"time"

	"codeberg.org/mutker/droidmon/internal/session"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512
)

// serveFeed streams a session's events as JSON text frames until the
// session is closed or the client goes away.
func (s *Server) serveFeed(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	events, cancel, err := s.sessions.Subscribe(id)
	if err != nil {
		s.writeError(w, err)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		cancel()
		s.log.Warn().Err(err).Str("session", id).Msg("Websocket upgrade failed")
		return
	}
	s.log.Debug().Str("session", id).Str("remote_addr", conn.RemoteAddr().String()).Msg("Feed client connected")

	go readPump(conn, cancel)
	s.writePump(conn, events, cancel)
}

// readPump only watches for the client closing; incoming messages are
// ignored.
func readPump(conn *websocket.Conn, cancel func()) {
	defer cancel()

	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (s *Server) writePump(conn *websocket.Conn, events <-chan session.Event, cancel func()) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		cancel()
		conn.Close()
	}()

	for {
		select {
		case event, ok := <-events:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "feed closed"))
				return
			}
			if err := conn.WriteJSON(event); err != nil {
				s.log.Debug().Err(err).Str("session", event.Session).Msg("Feed client write failed")
				return
			}

		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
