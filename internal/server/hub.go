package server

import (
	"encoding/json"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kimhsiao/offlinesync/internal/logging"
	"github.com/kimhsiao/offlinesync/internal/sync/queue"
	"github.com/kimhsiao/offlinesync/internal/uuid"
)

// WebSocket event types. Queue events are "queue." plus the lower-cased queue event type.
const (
	EventConnectivityChanged = "connectivity.changed"
	queueEventPrefix         = "queue."
)

const (
	sendBuffer = 256
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	writeWait  = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     localOrigin,
}

// localOrigin accepts non-browser clients (no Origin header) and pages served
// from the loopback interface.
func localOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	host := u.Hostname()
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// Envelope wraps all WebSocket messages.
type Envelope struct {
	Type      string      `json:"type"`
	Data      interface{} `json:"data"`
	Timestamp int64       `json:"timestamp"`
}

type message struct {
	eventType string
	payload   []byte
}

type wsClient struct {
	id   string
	conn *websocket.Conn
	hub  *Hub

	mu            sync.Mutex
	send          chan []byte
	closed        bool
	subscriptions map[string]bool // empty means every event
}

// trySend queues b without blocking. It reports false if the buffer is full
// or the client is gone.
func (c *wsClient) trySend(b []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- b:
		return true
	default:
		return false
	}
}

func (c *wsClient) wants(eventType string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.subscriptions) == 0 || c.subscriptions[eventType]
}

func (c *wsClient) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// Hub fans queue and connectivity events out to WebSocket clients.
type Hub struct {
	clients    map[string]*wsClient
	broadcast  chan message
	register   chan *wsClient
	unregister chan *wsClient
	stop       chan struct{}
	done       chan struct{}
	stopOnce   sync.Once
	mu         sync.RWMutex
	logger     *logging.Logger
}

// NewHub creates a hub and starts its dispatch loop.
func NewHub(logger *logging.Logger) *Hub {
	if logger == nil {
		logger = logging.Get()
	}
	h := &Hub{
		clients:    make(map[string]*wsClient),
		broadcast:  make(chan message, sendBuffer),
		register:   make(chan *wsClient),
		unregister: make(chan *wsClient),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
		logger:     logger.Named("ws"),
	}
	go h.run()
	return h
}

func (h *Hub) run() {
	defer close(h.done)
	for {
		select {
		case <-h.stop:
			h.mu.Lock()
			for id, c := range h.clients {
				delete(h.clients, id)
				c.close()
			}
			h.mu.Unlock()
			return

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c.id] = c
			total := len(h.clients)
			h.mu.Unlock()
			h.logger.Debug("Client connected", map[string]interface{}{"client_id": c.id, "total": total})

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c.id]; ok {
				delete(h.clients, c.id)
				c.close()
			}
			total := len(h.clients)
			h.mu.Unlock()
			h.logger.Debug("Client disconnected", map[string]interface{}{"client_id": c.id, "total": total})

		case msg := <-h.broadcast:
			h.mu.Lock()
			for id, c := range h.clients {
				if !c.wants(msg.eventType) {
					continue
				}
				if !c.trySend(msg.payload) {
					// Slow consumer: drop it rather than stall everyone else.
					delete(h.clients, id)
					c.close()
					h.logger.Warn("Dropped slow WebSocket client", map[string]interface{}{"client_id": id})
				}
			}
			h.mu.Unlock()
		}
	}
}

// Close disconnects all clients and stops the loop.
func (h *Hub) Close() {
	h.stopOnce.Do(func() { close(h.stop) })
	<-h.done
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Broadcast sends a message to all subscribed clients. It never blocks; when
// the hub is backlogged the message is dropped.
func (h *Hub) Broadcast(eventType string, data interface{}) {
	b, err := json.Marshal(Envelope{Type: eventType, Data: data, Timestamp: time.Now().Unix()})
	if err != nil {
		h.logger.Error("Failed to marshal message", err, map[string]interface{}{"type": eventType})
		return
	}
	select {
	case <-h.stop:
	case h.broadcast <- message{eventType: eventType, payload: b}:
	default:
		h.logger.Warn("WebSocket hub backlogged, dropping message", map[string]interface{}{"type": eventType})
	}
}

// HandleQueueEvent forwards a queue event. Pass it to Manager.Subscribe.
func (h *Hub) HandleQueueEvent(ev queue.Event) {
	h.Broadcast(QueueEventType(ev.Type), ev)
}

// HandleConnectivity forwards a connectivity transition. Its signature matches connectivity.Listener.
func (h *Hub) HandleConnectivity(connected bool) {
	h.Broadcast(EventConnectivityChanged, map[string]interface{}{"connected": connected})
}

// QueueEventType maps a queue event type to its WebSocket name, e.g.
// ITEM_ADDED becomes queue.item_added.
func QueueEventType(t queue.EventType) string {
	return queueEventPrefix + strings.ToLower(string(t))
}

// ServeHTTP upgrades the connection and registers the client.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("Failed to upgrade", map[string]interface{}{"error": err.Error()})
		return
	}

	c := &wsClient{
		id:            uuid.New(),
		conn:          conn,
		hub:           h,
		send:          make(chan []byte, sendBuffer),
		subscriptions: make(map[string]bool),
	}

	select {
	case h.register <- c:
	case <-h.stop:
		conn.Close()
		return
	}

	go c.writePump()
	go c.readPump()
}

// readPump handles client requests until the connection fails.
func (c *wsClient) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(64 * 1024)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Warn("Read error", map[string]interface{}{"client_id": c.id, "error": err.Error()})
			}
			return
		}

		var req struct {
			Action string   `json:"action"`
			Events []string `json:"events"`
		}
		if err := json.Unmarshal(raw, &req); err != nil {
			continue
		}

		switch req.Action {
		case "subscribe":
			c.mu.Lock()
			for _, e := range req.Events {
				c.subscriptions[e] = true
			}
			c.mu.Unlock()
			c.reply("subscribe_ack", map[string]interface{}{"subscribed": req.Events})

		case "unsubscribe":
			c.mu.Lock()
			for _, e := range req.Events {
				delete(c.subscriptions, e)
			}
			c.mu.Unlock()
			c.reply("unsubscribe_ack", map[string]interface{}{"unsubscribed": req.Events})

		case "ping":
			c.reply("pong", nil)
		}
	}
}

func (c *wsClient) reply(action string, fields map[string]interface{}) {
	out := map[string]interface{}{"action": action, "timestamp": time.Now().Unix()}
	for k, v := range fields {
		out[k] = v
	}
	b, _ := json.Marshal(out)
	c.trySend(b)
}

// writePump delivers queued messages and keeps the connection alive.
func (c *wsClient) writePump() {
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
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
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
