package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nerrad567/opcua-device-simulator/internal/infrastructure/config"
	"github.com/nerrad567/opcua-device-simulator/internal/infrastructure/logging"
)

// Message types exchanged on /api/v1/ws.
const (
	WSTypeSubscribe   = "subscribe"
	WSTypeUnsubscribe = "unsubscribe"
	WSTypePing        = "ping"
	WSTypePong        = "pong"
	WSTypeEvent       = "event"
	WSTypeResponse    = "response"
	WSTypeError       = "error"
)

// ChannelSnapshot carries one reading per worker cycle.
const ChannelSnapshot = "device.snapshot"

const (
	wsSendBufferSize = 256

	defaultWSMaxMessageSize = 8192
	defaultWSPingInterval   = 30 * time.Second
	defaultWSPongTimeout    = 10 * time.Second
)

// WSMessage is a frame sent to a client.
type WSMessage struct {
	Type      string `json:"type"`
	ID        string `json:"id,omitempty"`
	EventType string `json:"event_type,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Payload   any    `json:"payload,omitempty"`
}

// WSSubscribePayload names the channels of a subscribe or unsubscribe.
type WSSubscribePayload struct {
	Channels []string `json:"channels"`
}

// wsRequest is a frame received from a client.
type wsRequest struct {
	Type    string          `json:"type"`
	ID      string          `json:"id"`
	Payload json.RawMessage `json:"payload"`
}

// Hub fans events out to WebSocket clients. It keeps the last event of
// each channel so a new subscriber starts from the current reading
// instead of waiting for the next cycle.
type Hub struct {
	logger       *logging.Logger
	maxMessage   int64
	pingInterval time.Duration
	pongWait     time.Duration

	mu      sync.RWMutex
	clients map[*WSClient]struct{}
	last    map[string][]byte
}

// WSClient is one connected WebSocket peer.
type WSClient struct {
	hub           *Hub
	conn          *websocket.Conn
	send          chan []byte
	subscriptions map[string]struct{}
	mu            sync.RWMutex
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		return true
	},
}

// NewHub creates a hub. Zero config fields take defaults.
func NewHub(cfg config.WebSocketConfig, logger *logging.Logger) *Hub {
	h := &Hub{
		logger:       logger,
		maxMessage:   defaultWSMaxMessageSize,
		pingInterval: defaultWSPingInterval,
		pongWait:     defaultWSPongTimeout,
		clients:      make(map[*WSClient]struct{}),
		last:         make(map[string][]byte),
	}
	if cfg.MaxMessageSize > 0 {
		h.maxMessage = int64(cfg.MaxMessageSize)
	}
	if cfg.PingInterval > 0 {
		h.pingInterval = time.Duration(cfg.PingInterval) * time.Second
	}
	if cfg.PongTimeout > 0 {
		h.pongWait = time.Duration(cfg.PongTimeout) * time.Second
	}
	return h
}

// Run blocks until ctx is cancelled, then disconnects every client.
func (h *Hub) Run(ctx context.Context) {
	<-ctx.Done()

	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		delete(h.clients, client)
		close(client.send)
		if client.conn != nil {
			client.conn.Close()
		}
	}
}

// Register adds a client.
func (h *Hub) Register(client *WSClient) {
	h.mu.Lock()
	h.clients[client] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	h.logger.Debug("websocket client connected", "clients", n)
}

// Unregister removes a client and closes its send channel. Calling it
// twice for the same client is harmless.
func (h *Hub) Unregister(client *WSClient) {
	h.mu.Lock()
	_, ok := h.clients[client]
	delete(h.clients, client)
	n := len(h.clients)
	h.mu.Unlock()

	if ok {
		close(client.send)
		h.logger.Debug("websocket client disconnected", "clients", n)
	}
}

// Broadcast sends payload as an event to every client subscribed to
// channel and remembers it for later subscribers.
func (h *Hub) Broadcast(channel string, payload any) {
	data, err := json.Marshal(WSMessage{
		Type:      WSTypeEvent,
		EventType: channel,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Payload:   payload,
	})
	if err != nil {
		h.logger.Error("failed to marshal broadcast message", "channel", channel, "error", err)
		return
	}

	h.mu.Lock()
	h.last[channel] = data
	recipients := make([]*WSClient, 0, len(h.clients))
	for client := range h.clients {
		if client.isSubscribed(channel) {
			recipients = append(recipients, client)
		}
	}
	h.mu.Unlock()

	for _, client := range recipients {
		client.trySend(data)
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) lastEvent(channel string) []byte {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.last[channel]
}

// handleWebSocket upgrades the connection. The stream is read-only, so
// no credentials are required.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	client := &WSClient{
		hub:           s.hub,
		conn:          conn,
		send:          make(chan []byte, wsSendBufferSize),
		subscriptions: make(map[string]struct{}),
	}
	s.hub.Register(client)

	go client.writePump()
	go client.readPump()
}

func (c *WSClient) readPump() {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	deadline := func() time.Time { return time.Now().Add(c.hub.pingInterval + c.hub.pongWait) }

	c.conn.SetReadLimit(c.hub.maxMessage)
	//nolint:errcheck // Best-effort deadline on connection setup
	c.conn.SetReadDeadline(deadline())
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(deadline())
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("websocket read error", "error", err)
			}
			return
		}
		//nolint:errcheck // Best-effort deadline reset
		c.conn.SetReadDeadline(deadline())
		c.handleMessage(data)
	}
}

func (c *WSClient) writePump() {
	ticker := time.NewTicker(c.hub.pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	write := func(messageType int, data []byte) error {
		//nolint:errcheck // Write error is reported below
		c.conn.SetWriteDeadline(time.Now().Add(c.hub.pongWait))
		return c.conn.WriteMessage(messageType, data)
	}

	for {
		select {
		case data, ok := <-c.send:
			if !ok {
				write(websocket.CloseMessage, nil) //nolint:errcheck // Best-effort close frame
				return
			}
			if err := write(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			if err := write(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *WSClient) handleMessage(data []byte) {
	var req wsRequest
	if err := json.Unmarshal(data, &req); err != nil {
		c.sendError("", "invalid JSON message")
		return
	}

	switch req.Type {
	case WSTypeSubscribe, WSTypeUnsubscribe:
		c.handleSubscription(req)
	case WSTypePing:
		c.reply(req.ID, WSTypePong, nil)
	default:
		c.sendError(req.ID, "unknown message type: "+req.Type)
	}
}

// handleSubscription updates the client's channels. Subscribing to a
// channel that already carried an event replays that event after the
// response.
func (c *WSClient) handleSubscription(req wsRequest) {
	var sub WSSubscribePayload
	if err := json.Unmarshal(req.Payload, &sub); err != nil || len(sub.Channels) == 0 {
		c.sendError(req.ID, "invalid "+req.Type+" payload")
		return
	}
	subscribe := req.Type == WSTypeSubscribe

	c.mu.Lock()
	for _, ch := range sub.Channels {
		if subscribe {
			c.subscriptions[ch] = struct{}{}
		} else {
			delete(c.subscriptions, ch)
		}
	}
	c.mu.Unlock()

	if !subscribe {
		c.reply(req.ID, WSTypeResponse, map[string]any{"unsubscribed": sub.Channels})
		return
	}

	c.reply(req.ID, WSTypeResponse, map[string]any{"subscribed": sub.Channels})
	for _, ch := range sub.Channels {
		if data := c.hub.lastEvent(ch); data != nil {
			c.trySend(data)
		}
	}
}

// trySend drops data when the client is gone or its buffer is full.
func (c *WSClient) trySend(data []byte) {
	defer func() {
		recover() //nolint:errcheck // Send on a channel closed by Unregister
	}()

	select {
	case c.send <- data:
	default:
	}
}

func (c *WSClient) isSubscribed(channel string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.subscriptions[channel]
	return ok
}

func (c *WSClient) reply(id, msgType string, payload any) {
	data, err := json.Marshal(WSMessage{
		Type:      msgType,
		ID:        id,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Payload:   payload,
	})
	if err != nil {
		return
	}
	c.trySend(data)
}

func (c *WSClient) sendError(id, message string) {
	c.reply(id, WSTypeError, map[string]string{"message": message})
}
