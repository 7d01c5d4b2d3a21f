package server

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"netdash/internal/store"
)

const (
	writeWait   = 10 * time.Second
	pongWait    = 60 * time.Second
	pingPeriod  = 50 * time.Second
	eventBuffer = 64
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Hub forwards store change events to every connected websocket client.
type Hub struct {
	store *store.Store
	log   *logrus.Entry

	mu      sync.Mutex
	clients map[*websocket.Conn]bool
}

// NewHub creates a hub fed by st.
func NewHub(st *store.Store, log *logrus.Entry) *Hub {
	return &Hub{
		store:   st,
		log:     log,
		clients: make(map[*websocket.Conn]bool),
	}
}

// Run forwards events until ctx is done, then disconnects every client.
func (h *Hub) Run(ctx context.Context) {
	events, cancel := h.store.Subscribe(eventBuffer)
	defer cancel()
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return
		case ev, ok := <-events:
			if !ok {
				h.closeAll()
				return
			}
			payload, err := json.Marshal(ev)
			if err != nil {
				h.log.Warnf("encode event: %v", err)
				continue
			}
			h.broadcast(websocket.TextMessage, payload)
		case <-ticker.C:
			h.broadcast(websocket.PingMessage, nil)
		}
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *Hub) broadcast(messageType int, payload []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.clients {
		deadline := time.Now().Add(writeWait)
		var err error
		if messageType == websocket.PingMessage {
			err = conn.WriteControl(messageType, payload, deadline)
		} else {
			_ = conn.SetWriteDeadline(deadline)
			err = conn.WriteMessage(messageType, payload)
		}
		if err != nil {
			h.log.Debugf("websocket write failed: %v", err)
			conn.Close()
			delete(h.clients, conn)
		}
	}
}

func (h *Hub) add(conn *websocket.Conn) {
	h.mu.Lock()
	h.clients[conn] = true
	h.mu.Unlock()
	h.log.Debug("websocket client connected")
}

func (h *Hub) remove(conn *websocket.Conn) {
	h.mu.Lock()
	if h.clients[conn] {
		delete(h.clients, conn)
		conn.Close()
	}
	h.mu.Unlock()
	h.log.Debug("websocket client disconnected")
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.clients {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
			time.Now().Add(writeWait))
		conn.Close()
		delete(h.clients, conn)
	}
}

// HandleWebSocket upgrades the request and keeps the client registered
// until it disconnects. Clients only receive; anything they send is ignored.
func (h *Hub) HandleWebSocket() gin.HandlerFunc {
	return func(c *gin.Context) {
		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			h.log.Warnf("websocket upgrade: %v", err)
			return
		}

		conn.SetReadLimit(1024)
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})

		h.add(conn)
		defer h.remove(conn)

		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
					h.log.Debugf("websocket read: %v", err)
				}
				return
			}
		}
	}
}
