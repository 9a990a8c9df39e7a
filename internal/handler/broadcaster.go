package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
)

// StatusBroadcaster fans out every Status snapshot to connected
// websocket clients — the status-query surface spec.md §4.7 step 5
// names ("last status for status-query UIs"). One hub goroutine owns
// the connection set so no lock is needed around it, and a slow client
// is dropped rather than allowed to block the broadcast.
type StatusBroadcaster struct {
	logger *slog.Logger

	connections map[*wsConn]bool
	broadcastCh chan []byte
	registerCh  chan *wsConn
	unregister  chan *wsConn
}

type wsConn struct {
	conn *websocket.Conn
	send chan []byte
	mu   sync.Mutex
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// NewStatusBroadcaster builds a StatusBroadcaster and starts its hub
// goroutine. Call Handle, bound to the server mux, to accept websocket
// upgrades, and pass OnStatus to handler.New so every PreCall pushes a
// fresh snapshot.
func NewStatusBroadcaster(logger *slog.Logger) *StatusBroadcaster {
	b := &StatusBroadcaster{
		logger:      logger,
		connections: make(map[*wsConn]bool),
		broadcastCh: make(chan []byte, 256),
		registerCh:  make(chan *wsConn),
		unregister:  make(chan *wsConn),
	}
	go b.run()
	return b
}

func (b *StatusBroadcaster) run() {
	for {
		select {
		case conn := <-b.registerCh:
			b.connections[conn] = true
		case conn := <-b.unregister:
			if _, ok := b.connections[conn]; ok {
				delete(b.connections, conn)
				close(conn.send)
			}
		case msg := <-b.broadcastCh:
			for conn := range b.connections {
				select {
				case conn.send <- msg:
				default:
					delete(b.connections, conn)
					close(conn.send)
				}
			}
		}
	}
}

// OnStatus is the callback handler.New expects: marshal and broadcast,
// best-effort, to every connected client.
func (b *StatusBroadcaster) OnStatus(status Status) {
	msg, err := json.Marshal(status)
	if err != nil {
		return
	}
	select {
	case b.broadcastCh <- msg:
	default:
	}
}

// Handle upgrades the request to a websocket connection and registers
// it with the hub, ready to mount at e.g. /status/ws.
func (b *StatusBroadcaster) Handle(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		if b.logger != nil {
			b.logger.Error("status websocket upgrade failed", "error", err)
		}
		return
	}

	client := &wsConn{conn: conn, send: make(chan []byte, 16)}
	b.registerCh <- client

	go client.writePump()
	go client.readPump(b)
}

func (c *wsConn) writePump() {
	defer c.conn.Close()
	for msg := range c.send {
		c.mu.Lock()
		err := c.conn.WriteMessage(websocket.TextMessage, msg)
		c.mu.Unlock()
		if err != nil {
			return
		}
	}
}

func (c *wsConn) readPump(b *StatusBroadcaster) {
	defer func() {
		b.unregister <- c
		c.conn.Close()
	}()
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
