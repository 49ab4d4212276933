package api

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/gentmat/bore-control/pkg/events"
	"github.com/gentmat/bore-control/pkg/log"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The API is token-authenticated; cross-origin browser clients are
	// expected.
	CheckOrigin: func(*http.Request) bool { return true },
}

// handleEvents streams the caller's events over a websocket. Regular users
// are joined to their own stream only; admins receive the full fleet stream.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	user := userFrom(r.Context())

	var sub events.Subscriber
	if user.IsAdmin {
		sub = s.bus.SubscribeAdmin()
	} else {
		sub = s.bus.Subscribe(user.ID)
	}
	defer s.bus.Unsubscribe(sub)

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.WithComponent("api").Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	logger := log.WithUserID(user.ID)
	logger.Debug().Msg("event stream opened")

	done := make(chan struct{})
	go readPump(conn, done)
	writePump(conn, sub, done)

	logger.Debug().Msg("event stream closed")
}

// readPump discards client frames and detects closure. The stream is one
// way; anything the client sends other than control frames is ignored.
func readPump(conn *websocket.Conn, done chan<- struct{}) {
	defer close(done)
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

// writePump forwards events to the peer and keeps the connection alive with
// pings.
func writePump(conn *websocket.Conn, sub events.Subscriber, done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case ev, ok := <-sub:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"))
				return
			}
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}
