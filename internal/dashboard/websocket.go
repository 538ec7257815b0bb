package dashboard

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

// wsHub tracks alert feed subscribers. All map mutations happen in the
// run goroutine.
type wsHub struct {
	connections map[*wsConn]bool

	broadcastCh  chan []byte
	registerCh   chan *wsConn
	unregisterCh chan *wsConn
	quit         chan struct{}
	stopOnce     sync.Once
}

// wsConn is one subscriber. send is closed by the hub.
type wsConn struct {
	conn *websocket.Conn
	send chan []byte
}

// The API binds to loopback by default and serves no credentials, so any
// origin may subscribe.
var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func newWSHub() *wsHub {
	return &wsHub{
		connections:  make(map[*wsConn]bool),
		broadcastCh:  make(chan []byte, 256),
		registerCh:   make(chan *wsConn),
		unregisterCh: make(chan *wsConn),
		quit:         make(chan struct{}),
	}
}

func (h *wsHub) run() {
	for {
		select {
		case conn := <-h.registerCh:
			h.connections[conn] = true
			slog.Debug("alert feed client connected", "total", len(h.connections))

		case conn := <-h.unregisterCh:
			h.drop(conn)

		case msg := <-h.broadcastCh:
			for conn := range h.connections {
				select {
				case conn.send <- msg:
				default:
					// Slow client.
					h.drop(conn)
				}
			}

		case <-h.quit:
			for conn := range h.connections {
				h.drop(conn)
			}
			return
		}
	}
}

func (h *wsHub) drop(conn *wsConn) {
	if _, ok := h.connections[conn]; ok {
		delete(h.connections, conn)
		close(conn.send)
		slog.Debug("alert feed client disconnected", "total", len(h.connections))
	}
}

// broadcast queues msg for all subscribers; drops it if the queue is full.
func (h *wsHub) broadcast(msg []byte) {
	select {
	case h.broadcastCh <- msg:
	default:
	}
}

func (h *wsHub) stop() {
	h.stopOnce.Do(func() { close(h.quit) })
}

// register hands conn to the hub, or reports false if the hub stopped.
func (h *wsHub) register(conn *wsConn) bool {
	select {
	case h.registerCh <- conn:
		return true
	case <-h.quit:
		return false
	}
}

func (h *wsHub) unregister(conn *wsConn) {
	select {
	case h.unregisterCh <- conn:
	case <-h.quit:
	}
}

// GET /ws
func (d *Dashboard) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("websocket upgrade failed", "error", err)
		return
	}

	client := &wsConn{conn: conn, send: make(chan []byte, 64)}
	if !d.hub.register(client) {
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump(d.hub)
}

// writePump delivers alerts and pings idle connections so dead clients
// are noticed by readPump's deadline.
func (c *wsConn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump only detects disconnection; the feed is server to client.
func (c *wsConn) readPump(hub *wsHub) {
	defer func() {
		hub.unregister(c)
		c.conn.Close()
	}()
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
