package dashboard

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = wsPongWait * 9 / 10
	wsSendBuffer = 64
)

// wsHub fans audit entries out to every connected dashboard. A single hub
// goroutine owns the connection set; everything else talks to it over
// channels.
type wsHub struct {
	connections map[*wsConn]struct{}

	broadcastCh  chan []byte
	registerCh   chan *wsConn
	unregisterCh chan *wsConn
	done         chan struct{}
}

// wsConn is one dashboard client. Only its writePump writes to conn.
type wsConn struct {
	conn  *websocket.Conn
	send  chan []byte
	actor string
}

// The dashboard and the API share one origin; the websocket is
// authenticated like any API call, so origin checks add nothing.
var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func newWSHub() *wsHub {
	return &wsHub{
		connections:  make(map[*wsConn]struct{}),
		broadcastCh:  make(chan []byte, 256),
		registerCh:   make(chan *wsConn),
		unregisterCh: make(chan *wsConn),
		done:         make(chan struct{}),
	}
}

func (h *wsHub) run() {
	for {
		select {
		case c := <-h.registerCh:
			h.connections[c] = struct{}{}
			slog.Debug("websocket client connected", "actor", c.actor, "total", len(h.connections))

		case c := <-h.unregisterCh:
			if _, ok := h.connections[c]; ok {
				delete(h.connections, c)
				close(c.send)
				slog.Debug("websocket client disconnected", "actor", c.actor, "total", len(h.connections))
			}

		case msg := <-h.broadcastCh:
			for c := range h.connections {
				select {
				case c.send <- msg:
				default:
					// Slow client: drop it rather than stall the feed.
					delete(h.connections, c)
					close(c.send)
				}
			}

		case <-h.done:
			for c := range h.connections {
				delete(h.connections, c)
				close(c.send)
			}
			return
		}
	}
}

// broadcast queues msg for every client. Drops it when the queue is full;
// clients recover by re-fetching /api/audit.
func (h *wsHub) broadcast(msg []byte) {
	select {
	case h.broadcastCh <- msg:
	default:
	}
}

func (h *wsHub) register(c *wsConn) bool {
	select {
	case h.registerCh <- c:
		return true
	case <-h.done:
		return false
	}
}

func (h *wsHub) unregister(c *wsConn) {
	select {
	case h.unregisterCh <- c:
	case <-h.done:
	}
}

func (h *wsHub) stop() {
	select {
	case <-h.done:
	default:
		close(h.done)
	}
}

// handleWebSocket upgrades an authenticated reader of the audit trail and
// registers it with the hub.
func (d *Dashboard) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	actorID := ActorFrom(r.Context())
	if _, err := d.engine.Authorize(r.Context(), actorID, auditReadPermissions...); err != nil {
		writeError(w, r, err)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", "actor", actorID, "error", err)
		return
	}

	c := &wsConn{conn: conn, send: make(chan []byte, wsSendBuffer), actor: actorID}
	if !d.wsHub.register(c) {
		conn.Close()
		return
	}
	go c.writePump()
	go c.readPump(d.wsHub)
}

// writePump delivers queued messages and keeps the connection alive with
// pings. It exits when the hub closes send or a write fails.
func (c *wsConn) writePump() {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump drains the client side (the feed is one-way) so disconnects
// and pongs are noticed.
func (c *wsConn) readPump(hub *wsHub) {
	defer func() {
		hub.unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
