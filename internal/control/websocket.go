package control

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

// statsHub broadcasts periodic stats snapshots to every connected
// GET /v1/stream/stats client: register/unregister/broadcast channels
// drained by one goroutine so the client map is only ever touched from that
// goroutine.
type statsHub struct {
	clients    map[*statsClient]bool
	broadcastC chan []byte
	register   chan *statsClient
	unregister chan *statsClient
	mu         sync.RWMutex
}

func newStatsHub() *statsHub {
	return &statsHub{
		clients:    make(map[*statsClient]bool),
		broadcastC: make(chan []byte, 256),
		register:   make(chan *statsClient),
		unregister: make(chan *statsClient),
	}
}

func (h *statsHub) run() {
	for {
		select {
		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			h.mu.Unlock()
		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			h.mu.Unlock()
		case msg := <-h.broadcastC:
			h.mu.RLock()
			for c := range h.clients {
				select {
				case c.send <- msg:
				default:
					close(c.send)
					delete(h.clients, c)
				}
			}
			h.mu.RUnlock()
		}
	}
}

// broadcast marshals snapshot as JSON and fans it out. A marshal failure
// is dropped silently to keep the broadcast path free of logging
// dependencies.
func (h *statsHub) broadcast(snapshot any) {
	data, err := json.Marshal(snapshot)
	if err != nil {
		return
	}
	select {
	case h.broadcastC <- data:
	default:
	}
}

func (h *statsHub) clientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

type statsClient struct {
	conn *websocket.Conn
	send chan []byte
	hub  *statsHub
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

func (s *Server) handleStatsStream(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	client := &statsClient{conn: conn, send: make(chan []byte, 16), hub: s.hub}
	s.hub.register <- client

	go client.writePump()
	go client.readPump()
}

func (c *statsClient) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()
	c.conn.SetReadLimit(512)
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *statsClient) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
