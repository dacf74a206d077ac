package web

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"stereo-recorder/notify"
)

// Inbound message types
const (
	MessageStartRecording = "start-recording"
	MessageStopRecording  = "stop-recording"
	MessageStatus         = "status"
	MessagePing           = "ping"
	MessagePong           = "pong"
)

// RecordingControl is what the hub drives on behalf of the UI
type RecordingControl interface {
	SetRecording(on bool)
}

// Message is the websocket envelope in both directions
type Message struct {
	Type string      `json:"type"`
	Data interface{} `json:"data,omitempty"`
}

// Hub relays recording events to websocket clients and takes recording
// commands from them. It implements notify.Notifier.
type Hub struct {
	upgrader websocket.Upgrader
	logger   *zap.Logger

	clients map[string]*Client
	mu      sync.RWMutex

	control RecordingControl
	status  func() interface{}

	allowedOrigins []string
	sendBufferSize int
}

// Client is one connected websocket
type Client struct {
	id     string
	conn   *websocket.Conn
	hub    *Hub
	logger *zap.Logger

	send chan []byte

	closed bool
	mu     sync.RWMutex

	connectedAt time.Time
	lastPing    time.Time
}

// NewHub creates a hub. An empty origin list allows every origin.
func NewHub(allowedOrigins []string, sendBufferSize int, logger *zap.Logger) *Hub {
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}
	if sendBufferSize <= 0 {
		sendBufferSize = 16
	}

	h := &Hub{
		logger:         logger.With(zap.String("component", "hub")),
		clients:        make(map[string]*Client),
		allowedOrigins: allowedOrigins,
		sendBufferSize: sendBufferSize,
	}
	h.upgrader = websocket.Upgrader{
		CheckOrigin:     h.checkOrigin,
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
	}
	return h
}

// SetControl sets the recording control and the status reply source
func (h *Hub) SetControl(control RecordingControl, status func() interface{}) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.control = control
	h.status = status
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	for _, allowed := range h.allowedOrigins {
		if allowed == "*" {
			return true
		}
	}

	origin := r.Header.Get("Origin")
	if origin == "" {
		// Non-browser clients send no origin
		return true
	}
	for _, allowed := range h.allowedOrigins {
		if origin == allowed {
			return true
		}
	}

	h.logger.Warn("Origin not allowed",
		zap.String("origin", origin),
		zap.Strings("allowed_origins", h.allowedOrigins))
	return false
}

// HandleWebSocket upgrades the request and registers the client
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("Failed to upgrade WebSocket connection", zap.Error(err))
		return
	}

	clientID := uuid.New().String()
	now := time.Now()
	client := &Client{
		id:          clientID,
		conn:        conn,
		hub:         h,
		logger:      h.logger.With(zap.String("client_id", clientID)),
		send:        make(chan []byte, h.sendBufferSize),
		connectedAt: now,
		lastPing:    now,
	}

	h.mu.Lock()
	h.clients[clientID] = client
	h.mu.Unlock()

	client.logger.Info("Client connected",
		zap.String("remote_addr", r.RemoteAddr),
		zap.String("user_agent", r.Header.Get("User-Agent")))

	go client.writePump()
	go client.readPump()
}

func (c *Client) readPump() {
	defer c.close()

	for {
		var msg Message
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Error("WebSocket read error", zap.Error(err))
			}
			return
		}

		c.logger.Debug("Received message", zap.String("type", msg.Type))
		if err := c.handleMessage(msg); err != nil {
			c.logger.Warn("Error handling message", zap.Error(err))
			c.sendMessage(notify.TypeError, notify.Event{
				Type:      notify.TypeError,
				Message:   err.Error(),
				Timestamp: time.Now(),
			})
		}
	}
}

func (c *Client) writePump() {
	defer c.conn.Close()

	for message := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
			c.logger.Error("WebSocket write error", zap.Error(err))
			return
		}
	}
	c.conn.WriteMessage(websocket.CloseMessage, []byte{})
}

func (c *Client) handleMessage(msg Message) error {
	c.hub.mu.RLock()
	control, status := c.hub.control, c.hub.status
	c.hub.mu.RUnlock()

	switch msg.Type {
	case MessageStartRecording, MessageStopRecording:
		if control == nil {
			return fmt.Errorf("recording control not available")
		}
		control.SetRecording(msg.Type == MessageStartRecording)

	case MessageStatus:
		if status == nil {
			return fmt.Errorf("status not available")
		}
		c.sendMessage(MessageStatus, status())

	case MessagePing:
		c.mu.Lock()
		c.lastPing = time.Now()
		c.mu.Unlock()
		c.sendMessage(MessagePong, nil)

	default:
		return fmt.Errorf("unknown message type: %s", msg.Type)
	}
	return nil
}

// sendMessage queues a message; a client whose buffer is full misses it
func (c *Client) sendMessage(msgType string, data interface{}) error {
	payload, err := json.Marshal(Message{Type: msgType, Data: data})
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return fmt.Errorf("client connection closed")
	}

	select {
	case c.send <- payload:
		return nil
	default:
		c.logger.Warn("Client too slow, dropping message", zap.String("message_type", msgType))
		return fmt.Errorf("send buffer full")
	}
}

func (c *Client) close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	if c.conn != nil {
		c.conn.Close()
	}
	close(c.send)
	c.mu.Unlock()

	if c.hub != nil {
		c.hub.mu.Lock()
		delete(c.hub.clients, c.id)
		c.hub.mu.Unlock()
	}

	c.logger.Info("Client disconnected",
		zap.Duration("connected_for", time.Since(c.connectedAt)))
}

// ID returns the client ID
func (c *Client) ID() string {
	return c.id
}

// IsClosed reports whether the client has disconnected
func (c *Client) IsClosed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closed
}

// ClientCount returns the number of connected clients
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Broadcast sends a message to every connected client
func (h *Hub) Broadcast(msgType string, data interface{}) {
	h.mu.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		c.sendMessage(msgType, data)
	}
}

func (h *Hub) Error(message string) {
	h.Broadcast(notify.TypeError, notify.Event{Type: notify.TypeError, Message: message, Timestamp: time.Now()})
}

func (h *Hub) VideoSaved(path string) {
	h.Broadcast(notify.TypeVideoSaved, notify.Event{Type: notify.TypeVideoSaved, Path: path, Timestamp: time.Now()})
}

func (h *Hub) RecordingState(state, recordingID string) {
	h.Broadcast(notify.TypeRecordingState, notify.Event{
		Type:        notify.TypeRecordingState,
		State:       state,
		RecordingID: recordingID,
		Timestamp:   time.Now(),
	})
}

// Close disconnects every client
func (h *Hub) Close() {
	h.mu.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	h.logger.Info("Closing event hub", zap.Int("clients", len(clients)))
	for _, c := range clients {
		c.close()
	}
}
