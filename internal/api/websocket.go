package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/1sec-project/siem/internal/core"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4 * 1024
	sendBuffer     = 64
)

// Message types pushed to WebSocket subscribers.
const (
	MessageTypeNewEvents = "new_events"
	MessageTypePing      = "ping"
	MessageTypePong      = "pong"
)

// Message is the WebSocket envelope.
type Message struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

var clientIDCounter atomic.Uint64

// Client is one WebSocket subscriber.
type Client struct {
	id     uint64
	hub    *Hub
	conn   *websocket.Conn
	send   chan []byte
	logger zerolog.Logger
}

// Hub fans dashboard updates out to every connected subscriber. It implements
// core.Broadcaster: updates are dropped when nobody is connected or when a
// subscriber cannot keep up.
type Hub struct {
	clients   map[*Client]bool
	broadcast chan []byte
	mu        sync.RWMutex
	logger    zerolog.Logger
}

// NewHub creates a hub. It does nothing until Serve runs.
func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		clients:   make(map[*Client]bool),
		broadcast: make(chan []byte, 256),
		logger:    logger.With().Str("component", "websocket_hub").Logger(),
	}
}

func (h *Hub) String() string { return "websocket-hub" }

// Serve runs the hub until ctx is done, then closes every client.
func (h *Hub) Serve(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			n := h.ClientCount()
			h.closeAllClients()
			h.logger.Info().Int("clients_closed", n).Msg("websocket hub stopped")
			return ctx.Err()
		case msg := <-h.broadcast:
			h.broadcastToClients(msg)
		}
	}
}

func (h *Hub) addClient(c *Client) {
	h.mu.Lock()
	h.clients[c] = true
	n := len(h.clients)
	h.mu.Unlock()
	h.logger.Info().Int("total_clients", n).Msg("websocket client connected")
}

func (h *Hub) removeClient(c *Client) {
	h.mu.Lock()
	_, ok := h.clients[c]
	if ok {
		delete(h.clients, c)
		close(c.send)
	}
	n := len(h.clients)
	h.mu.Unlock()
	if ok {
		h.logger.Info().Int("total_clients", n).Msg("websocket client disconnected")
	}
}

// broadcastToClients sends msg to every client in connection order. Clients
// whose buffer is full are disconnected.
func (h *Hub) broadcastToClients(msg []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()

	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	sort.Slice(clients, func(i, j int) bool { return clients[i].id < clients[j].id })

	for _, c := range clients {
		select {
		case c.send <- msg:
		default:
			close(c.send)
			delete(h.clients, c)
			h.logger.Warn().Uint64("client", c.id).Msg("slow websocket client dropped")
		}
	}
}

// sendTo queues msg for one client if it is still registered.
func (h *Hub) sendTo(c *Client, msg []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.clients[c] {
		return
	}
	select {
	case c.send <- msg:
	default:
	}
}

func (h *Hub) closeAllClients() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		close(c.send)
		delete(h.clients, c)
	}
}

// ClientCount returns the number of connected subscribers.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Publish queues an update for every connected subscriber. Recent events are
// HTML-escaped since subscribers are browsers.
func (h *Hub) Publish(update *core.DashboardUpdate) {
	if h.ClientCount() == 0 {
		core.BroadcastsTotal.WithLabelValues("websocket", "no_listeners").Inc()
		return
	}
	safe := *update
	safe.Recent = core.EscapeEvents(update.Recent)
	data, err := json.Marshal(Message{Type: MessageTypeNewEvents, Data: &safe})
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to encode dashboard update")
		return
	}
	select {
	case h.broadcast <- data:
		core.BroadcastsTotal.WithLabelValues("websocket", "queued").Inc()
	default:
		core.BroadcastsTotal.WithLabelValues("websocket", "dropped").Inc()
		h.logger.Warn().Str("cycle_id", update.CycleID).Msg("broadcast channel full, dropping update")
	}
}

// handleWS upgrades the request and registers the connection with the hub.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{
		ReadBufferSize:   1024,
		WriteBufferSize:  1024,
		HandshakeTimeout: 10 * time.Second,
		CheckOrigin:      s.checkOrigin,
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}
	c := &Client{
		id:     clientIDCounter.Add(1),
		hub:    s.hub,
		conn:   conn,
		send:   make(chan []byte, sendBuffer),
		logger: s.hub.logger,
	}
	s.hub.addClient(c)
	go c.writePump()
	go c.readPump()
}

// checkOrigin accepts non-browser clients (no Origin) and origins allowed by CORS.
func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, o := range s.cfg.Server.CORSOrigins {
		if o == "*" || o == origin {
			return true
		}
	}
	s.logger.Warn().Str("origin", origin).Msg("websocket connection rejected from unauthorized origin")
	return false
}

func (c *Client) readPump() {
	defer func() {
		c.hub.removeClient(c)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var msg Message
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Debug().Err(err).Msg("unexpected websocket close")
			}
			return
		}
		if msg.Type == MessageTypePing {
			pong, _ := json.Marshal(Message{Type: MessageTypePong})
			c.hub.sendTo(c, pong)
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
