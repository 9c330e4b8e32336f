package events

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// Hub serves bus events over websocket connections.
type Hub struct {
	bus      *Bus
	logger   *slog.Logger
	upgrader websocket.Upgrader
}

// NewHub creates a websocket hub on top of a bus.
func NewHub(bus *Bus, logger *slog.Logger) *Hub {
	return &Hub{
		bus:    bus,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// Dashboards are served from other origins in development.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// ServeHTTP upgrades the request and streams events until the client goes
// away or the server shuts down.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	events, cancel := h.bus.Subscribe(64)
	go h.writePump(conn, events, cancel)
	go h.readPump(conn, cancel)
}

// readPump discards client frames and keeps the pong deadline fresh.
func (h *Hub) readPump(conn *websocket.Conn, cancel func()) {
	defer func() {
		cancel()
		conn.Close()
	}()
	conn.SetReadLimit(512)
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

// writePump forwards bus events to the client with periodic pings.
func (h *Hub) writePump(conn *websocket.Conn, events <-chan Event, cancel func()) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		cancel()
		conn.Close()
	}()

	for {
		select {
		case evt, ok := <-events:
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
					time.Now().Add(writeWait))
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(evt); err != nil {
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
