package api

import (
	"sync"
	"time"

	"github.com/andi/reelflow/backend/models"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"github.com/rs/zerolog"
)

// ClientMessage represents a message from client to server
type ClientMessage struct {
	Action    string `json:"action"` // "subscribe", "unsubscribe", "ping"
	ProjectID string `json:"project_id"`
}

// ServerMessage represents a message from server to client
type ServerMessage struct {
	Type      string           `json:"type"` // "log", "subscribed", "pong"
	ProjectID string           `json:"project_id,omitempty"`
	Entry     *models.LogEntry `json:"entry,omitempty"`
	Time      string           `json:"time"`
}

// Client represents a connected WebSocket client
type Client struct {
	conn         *websocket.Conn
	project      string
	lastActivity time.Time
	send         chan ServerMessage
	closed       bool
	mu           sync.Mutex
}

func newClient(conn *websocket.Conn) *Client {
	return &Client{
		conn:         conn,
		lastActivity: time.Now(),
		send:         make(chan ServerMessage, 64),
	}
}

// enqueue hands a message to the write pump; slow or closed clients drop it
func (c *Client) enqueue(msg ServerMessage) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- msg:
		c.lastActivity = time.Now()
		return true
	default:
		return false
	}
}

func (c *Client) touch() {
	c.mu.Lock()
	c.lastActivity = time.Now()
	c.mu.Unlock()
}

func (c *Client) idleSince() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastActivity
}

func (c *Client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// WebSocketHub fans project log entries out to subscribed clients
type WebSocketHub struct {
	clients     map[*Client]bool
	subscribers map[string]map[*Client]bool

	register   chan *Client
	unregister chan *Client

	idleTimeout time.Duration
	logger      zerolog.Logger

	mu       sync.RWMutex
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewWebSocketHub creates a new WebSocket hub
func NewWebSocketHub(logger zerolog.Logger) *WebSocketHub {
	hub := &WebSocketHub{
		clients:     make(map[*Client]bool),
		subscribers: make(map[string]map[*Client]bool),
		register:    make(chan *Client, 16),
		unregister:  make(chan *Client, 16),
		idleTimeout: 5 * time.Minute,
		logger:      logger.With().Str("component", "websocket").Logger(),
		stopCh:      make(chan struct{}),
	}

	go hub.run()
	go hub.cleanupIdleClients()

	return hub
}

// run handles the main event loop
func (h *WebSocketHub) run() {
	for {
		select {
		case <-h.stopCh:
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			h.logger.Debug().Msg("websocket client registered")

		case client := <-h.unregister:
			h.removeClient(client)
		}
	}
}

// removeClient removes a client from all subscriptions
func (h *WebSocketHub) removeClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[client]; !ok {
		return
	}
	delete(h.clients, client)
	h.unsubscribeLocked(client)
	client.close()
}

func (h *WebSocketHub) unsubscribeLocked(client *Client) {
	if client.project == "" {
		return
	}
	if subs := h.subscribers[client.project]; subs != nil {
		delete(subs, client)
		if len(subs) == 0 {
			delete(h.subscribers, client.project)
		}
	}
	client.project = ""
}

// subscribe moves a client to the project's stream
func (h *WebSocketHub) subscribe(client *Client, projectID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.clients[client] = true
	h.unsubscribeLocked(client)
	client.project = projectID
	if h.subscribers[projectID] == nil {
		h.subscribers[projectID] = make(map[*Client]bool)
	}
	h.subscribers[projectID][client] = true
	client.touch()

	h.logger.Debug().Str("project", projectID).Int("subscribers", len(h.subscribers[projectID])).Msg("client subscribed")
}

func (h *WebSocketHub) unsubscribe(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.unsubscribeLocked(client)
}

// Subscribers returns how many clients follow the project
func (h *WebSocketHub) Subscribers(projectID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers[projectID])
}

// BroadcastLog sends a log entry to every client following its project
func (h *WebSocketHub) BroadcastLog(entry *models.LogEntry) {
	if entry == nil {
		return
	}

	h.mu.RLock()
	clients := make([]*Client, 0, len(h.subscribers[entry.ProjectID]))
	for client := range h.subscribers[entry.ProjectID] {
		clients = append(clients, client)
	}
	h.mu.RUnlock()

	msg := ServerMessage{
		Type:      "log",
		ProjectID: entry.ProjectID,
		Entry:     entry,
		Time:      time.Now().Format(time.RFC3339),
	}
	for _, client := range clients {
		if !client.enqueue(msg) {
			h.logger.Warn().Str("project", entry.ProjectID).Msg("client send channel full, dropping log entry")
		}
	}
}

// cleanupIdleClients periodically checks for idle clients and closes them
func (h *WebSocketHub) cleanupIdleClients() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-h.stopCh:
			return
		case <-ticker.C:
			h.closeIdleClients(time.Now())
		}
	}
}

// closeIdleClients removes clients that have been idle for too long
func (h *WebSocketHub) closeIdleClients(now time.Time) int {
	h.mu.Lock()
	defer h.mu.Unlock()

	closed := 0
	for client := range h.clients {
		if now.Sub(client.idleSince()) <= h.idleTimeout {
			continue
		}
		delete(h.clients, client)
		h.unsubscribeLocked(client)
		client.close()
		closed++
	}
	if closed > 0 {
		h.logger.Info().Int("closed", closed).Msg("closed idle websocket clients")
	}
	return closed
}

// Stop stops the WebSocket hub and closes every client
func (h *WebSocketHub) Stop() {
	h.stopOnce.Do(func() {
		close(h.stopCh)
		h.mu.Lock()
		for client := range h.clients {
			client.close()
		}
		h.clients = make(map[*Client]bool)
		h.subscribers = make(map[string]map[*Client]bool)
		h.mu.Unlock()
	})
}

// upgradeWebSocket rejects plain HTTP requests on the websocket route
func upgradeWebSocket(c *fiber.Ctx) error {
	if websocket.IsWebSocketUpgrade(c) {
		return c.Next()
	}
	return fiber.ErrUpgradeRequired
}

// handleWebSocket serves one websocket connection
func (s *Server) handleWebSocket(conn *websocket.Conn) {
	defer conn.Close()

	client := newClient(conn)
	select {
	case s.hub.register <- client:
	case <-s.hub.stopCh:
		return
	}

	go client.writePump(s.hub)
	client.readPump(s.hub)

	select {
	case s.hub.unregister <- client:
	case <-s.hub.stopCh:
		client.close()
	}
}

// readPump reads messages from the WebSocket connection
func (c *Client) readPump(hub *WebSocketHub) {
	for {
		var msg ClientMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				hub.logger.Warn().Err(err).Msg("websocket read error")
			}
			return
		}
		c.touch()

		switch msg.Action {
		case "subscribe":
			if msg.ProjectID == "" {
				continue
			}
			hub.subscribe(c, msg.ProjectID)
			c.enqueue(ServerMessage{
				Type:      "subscribed",
				ProjectID: msg.ProjectID,
				Time:      time.Now().Format(time.RFC3339),
			})

		case "unsubscribe":
			hub.unsubscribe(c)

		case "ping":
			c.enqueue(ServerMessage{
				Type: "pong",
				Time: time.Now().Format(time.RFC3339),
			})
		}
	}
}

// writePump writes messages to the WebSocket connection
func (c *Client) writePump(hub *WebSocketHub) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(msg); err != nil {
				hub.logger.Debug().Err(err).Msg("websocket write error")
				return
			}

		case <-ticker.C:
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
