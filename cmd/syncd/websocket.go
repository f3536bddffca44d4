package main

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kimhsiao/syncore/internal/logging"
	"github.com/kimhsiao/syncore/internal/models"
	syncpkg "github.com/kimhsiao/syncore/internal/sync"
	"github.com/kimhsiao/syncore/internal/uuid"
)

// Event types pushed to clients.
const (
	EventSyncProgress     = "sync.progress"
	EventSyncConflict     = "sync.conflict_detected"
	EventNetworkChanged   = "network.changed"
	EventRecordsRefreshed = "records.refreshed"
)

const (
	clientSendBuffer       = 256
	clientWriteWait        = 10 * time.Second
	clientPongWait         = 60 * time.Second
	clientPingPeriod       = 30 * time.Second
	clientMaxMessageLength = 4096
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || isLocalOrigin(origin)
	},
}

func isLocalOrigin(origin string) bool {
	for _, prefix := range []string{"http://localhost", "http://127.0.0.1", "app://", "tauri://"} {
		if strings.HasPrefix(origin, prefix) {
			return true
		}
	}
	return false
}

// Envelope is the message format sent to clients.
type Envelope struct {
	Type      string      `json:"type"`
	Data      interface{} `json:"data"`
	Timestamp int64       `json:"timestamp"`
}

type wsClient struct {
	id   string
	conn *websocket.Conn
	send chan []byte
	hub  *Hub

	mu            sync.Mutex
	subscriptions map[string]bool
}

// wants reports whether the client receives eventType. A client without
// subscriptions receives everything.
func (c *wsClient) wants(eventType string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.subscriptions) == 0 || c.subscriptions[eventType]
}

// Hub fans engine events out to websocket clients.
type Hub struct {
	register   chan *wsClient
	unregister chan *wsClient
	broadcast  chan Envelope
	done       chan struct{}

	mu      sync.RWMutex
	clients map[*wsClient]bool
	closed  bool
}

// NewHub creates a hub; Run must be started before clients connect.
func NewHub() *Hub {
	return &Hub{
		register:   make(chan *wsClient),
		unregister: make(chan *wsClient),
		broadcast:  make(chan Envelope, 256),
		done:       make(chan struct{}),
		clients:    make(map[*wsClient]bool),
	}
}

// Run dispatches until Close is called.
func (h *Hub) Run() {
	for {
		select {
		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			h.mu.Unlock()
			logging.Debug("WebSocket client connected", map[string]interface{}{"client_id": c.id})

		case c := <-h.unregister:
			h.mu.Lock()
			if h.clients[c] {
				delete(h.clients, c)
				close(c.send)
			}
			h.mu.Unlock()
			logging.Debug("WebSocket client disconnected", map[string]interface{}{"client_id": c.id})

		case ev := <-h.broadcast:
			msg, err := json.Marshal(ev)
			if err != nil {
				logging.Error("Failed to encode websocket event", err, map[string]interface{}{"type": ev.Type})
				continue
			}
			h.mu.Lock()
			for c := range h.clients {
				if !c.wants(ev.Type) {
					continue
				}
				select {
				case c.send <- msg:
				default:
					// Slow client; drop it rather than stall the engine.
					delete(h.clients, c)
					close(c.send)
				}
			}
			h.mu.Unlock()

		case <-h.done:
			h.mu.Lock()
			for c := range h.clients {
				delete(h.clients, c)
				close(c.send)
			}
			h.mu.Unlock()
			return
		}
	}
}

// Close stops Run and disconnects every client.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.closed {
		h.closed = true
		close(h.done)
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Broadcast queues an event for every subscribed client. Events are
// dropped when the hub is closed or its buffer is full.
func (h *Hub) Broadcast(eventType string, data interface{}) {
	ev := Envelope{Type: eventType, Data: data, Timestamp: time.Now().Unix()}
	select {
	case <-h.done:
	case h.broadcast <- ev:
	default:
		logging.Warn("WebSocket broadcast buffer full, dropping event", map[string]interface{}{"type": eventType})
	}
}

// BroadcastProgress forwards a sync progress event.
func (h *Hub) BroadcastProgress(p syncpkg.Progress) {
	h.Broadcast(EventSyncProgress, p)
}

// BroadcastConflict forwards a detected conflict.
func (h *Hub) BroadcastConflict(c models.ConflictResolution) {
	h.Broadcast(EventSyncConflict, c)
}

// BroadcastNetwork forwards a connectivity transition.
func (h *Hub) BroadcastNetwork(online bool) {
	h.Broadcast(EventNetworkChanged, map[string]bool{"online": online})
}

// BroadcastRefreshed reports a finished cache refresh.
func (h *Hub) BroadcastRefreshed(kind models.EntityKind, updated int, err error) {
	data := map[string]interface{}{"kind": kind, "updated": updated}
	if err != nil {
		data["error"] = err.Error()
	}
	h.Broadcast(EventRecordsRefreshed, data)
}

// ServeHTTP upgrades the connection and registers the client.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Warn("WebSocket upgrade failed", map[string]interface{}{"error": err.Error()})
		return
	}

	c := &wsClient{
		id:            uuid.New(),
		conn:          conn,
		send:          make(chan []byte, clientSendBuffer),
		hub:           h,
		subscriptions: make(map[string]bool),
	}
	select {
	case h.register <- c:
	case <-h.done:
		_ = conn.Close()
		return
	}

	go c.writePump()
	go c.readPump()
}

type clientMessage struct {
	Action string   `json:"action"`
	Events []string `json:"events"`
}

// readPump handles subscribe/unsubscribe/ping messages until the
// connection drops.
func (c *wsClient) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(clientMaxMessageLength)
	_ = c.conn.SetReadDeadline(time.Now().Add(clientPongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(clientPongWait))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logging.Debug("WebSocket read error", map[string]interface{}{"client_id": c.id, "error": err.Error()})
			}
			return
		}

		var msg clientMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			logging.Debug("Invalid websocket message", map[string]interface{}{"client_id": c.id})
			continue
		}

		switch msg.Action {
		case "subscribe":
			c.mu.Lock()
			for _, e := range msg.Events {
				c.subscriptions[e] = true
			}
			c.mu.Unlock()
			c.reply(map[string]interface{}{"action": "subscribe_ack", "subscribed": msg.Events})
		case "unsubscribe":
			c.mu.Lock()
			for _, e := range msg.Events {
				delete(c.subscriptions, e)
			}
			c.mu.Unlock()
		case "ping":
			c.reply(map[string]interface{}{"action": "pong"})
		}
	}
}

func (c *wsClient) reply(body map[string]interface{}) {
	body["timestamp"] = time.Now().Unix()
	raw, err := json.Marshal(body)
	if err != nil {
		return
	}
	c.hub.mu.RLock()
	defer c.hub.mu.RUnlock()
	if !c.hub.clients[c] {
		return
	}
	select {
	case c.send <- raw:
	default:
	}
}

// writePump writes queued messages and keeps the connection alive with
// pings.
func (c *wsClient) writePump() {
	ticker := time.NewTicker(clientPingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(clientWriteWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(clientWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
