package handler

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"bikely/server/internal/model"
	"bikely/server/internal/service"
)

// CompanyUsername is the reserved username the company dashboard registers as
const CompanyUsername = "company"

var (
	upgrader = websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			// Allow all origins in development, configure for production
			return true
		},
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
	}

	// Heartbeat interval
	pingInterval = 30 * time.Second
	// Write timeout
	writeTimeout = 10 * time.Second
)

// outbound is one fan-out unit: a serialized message plus an optional filter
// selecting which clients receive it (nil means everyone)
type outbound struct {
	data   []byte
	target func(*Client) bool
}

// Client represents one WebSocket connection. Username is empty until the
// client sends a register message.
type Client struct {
	ID   string
	Conn *websocket.Conn
	Send chan []byte
	Hub  *WSHub

	mu       sync.Mutex
	username string
}

// Username returns the registered username, if any
func (c *Client) Username() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.username
}

func (c *Client) setUsername(name string) {
	c.mu.Lock()
	c.username = name
	c.mu.Unlock()
}

// IsCompany reports whether this connection belongs to the company dashboard
func (c *Client) IsCompany() bool {
	return c.Username() == CompanyUsername
}

// WSHub manages WebSocket clients and fans out userList, penalty and
// geofenceUpdate events. Sends are fire-and-forget: a client whose send
// buffer is full is dropped rather than allowed to stall the loop.
type WSHub struct {
	clients    map[*Client]bool
	broadcast  chan outbound
	register   chan *Client
	unregister chan *Client
	mu         sync.RWMutex

	registry *service.SessionRegistry
	tracker  *service.ViolationTracker
}

// NewWSHub creates a new WebSocket hub
func NewWSHub(registry *service.SessionRegistry, tracker *service.ViolationTracker) *WSHub {
	return &WSHub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan outbound, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		registry:   registry,
		tracker:    tracker,
	}
}

// Run starts the hub's event loop
func (h *WSHub) Run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			total := len(h.clients)
			h.mu.Unlock()
			log.Printf("[WS] Client connected: %s, total clients: %d", client.ID, total)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.Send)
			}
			total := len(h.clients)
			h.mu.Unlock()
			log.Printf("[WS] Client disconnected: %s, total clients: %d", client.ID, total)

		case message := <-h.broadcast:
			h.mu.RLock()
			clients := make([]*Client, 0, len(h.clients))
			for client := range h.clients {
				clients = append(clients, client)
			}
			h.mu.RUnlock()

			for _, client := range clients {
				if message.target != nil && !message.target(client) {
					continue
				}
				select {
				case client.Send <- message.data:
				default:
					// Client send buffer is full, drop the connection
					h.mu.Lock()
					if _, ok := h.clients[client]; ok {
						delete(h.clients, client)
						close(client.Send)
					}
					h.mu.Unlock()
					log.Printf("[WS] Client %s too slow, dropped", client.ID)
				}
			}
		}
	}
}

// Stop closes every client connection
func (h *WSHub) Stop() {
	h.mu.Lock()
	for client := range h.clients {
		close(client.Send)
		if client.Conn != nil {
			client.Conn.Close()
		}
		delete(h.clients, client)
	}
	h.mu.Unlock()
}

// GetClientCount returns the number of connected clients
func (h *WSHub) GetClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// BroadcastUserList pushes the connected-user list to every client
func (h *WSHub) BroadcastUserList(users []model.UserListEntry) {
	h.push(model.OutboundMessage{Type: model.MsgUserList, Data: users}, nil)
}

// SendPenalty delivers a penalty to the penalized rider and to every company
// dashboard connection
func (h *WSHub) SendPenalty(penalty *model.Penalty) {
	h.push(model.OutboundMessage{Type: model.MsgPenalty, Data: penalty}, func(c *Client) bool {
		return c.Username() == penalty.Username || c.IsCompany()
	})
}

// BroadcastGeofenceUpdate pushes a freshly upserted geofence to all clients
func (h *WSHub) BroadcastGeofenceUpdate(update *model.GeofenceUpdate) {
	h.push(model.OutboundMessage{Type: model.MsgGeofenceUpdate, Data: update}, nil)
}

// BroadcastUserLocation pushes a rider location to the company dashboards
func (h *WSHub) BroadcastUserLocation(ul *model.UserLocation) {
	h.push(model.OutboundMessage{Type: model.MsgUserLocation, Data: ul}, func(c *Client) bool {
		return c.IsCompany()
	})
}

// SendUsageUpdate delivers an accumulator tick to the rider it belongs to
func (h *WSHub) SendUsageUpdate(update model.UsageTimeUpdate) {
	h.push(model.OutboundMessage{Type: model.MsgUsageTimeUpdate, Data: update}, func(c *Client) bool {
		return c.Username() == update.Username
	})
}

// push serializes and enqueues an outbound event without ever blocking the
// caller; if the hub queue itself is full the event is dropped
func (h *WSHub) push(msg model.OutboundMessage, target func(*Client) bool) {
	data, err := json.Marshal(msg)
	if err != nil {
		log.Printf("[WS] Failed to marshal %s message: %v", msg.Type, err)
		return
	}
	select {
	case h.broadcast <- outbound{data: data, target: target}:
	default:
		log.Printf("[WS] Broadcast queue full, dropping %s event", msg.Type)
	}
}

// handleInbound dispatches one parsed client message
func (h *WSHub) handleInbound(c *Client, msg *model.InboundMessage) {
	switch msg.Type {
	case model.MsgRegister:
		if msg.Username == "" {
			c.sendError("username is required")
			return
		}
		c.setUsername(msg.Username)
		h.registry.Register(msg.Username, c.ID)
		welcome := model.OutboundMessage{Type: model.MsgConnected, Data: gin.H{"username": msg.Username, "client_id": c.ID}}
		if data, err := json.Marshal(welcome); err == nil {
			select {
			case c.Send <- data:
			default:
			}
		}

	case model.MsgLocationUpdate:
		username := msg.Username
		if username == "" {
			username = c.Username()
		}
		if msg.Location == nil {
			c.sendError("location is required")
			return
		}
		ts := time.Now()
		if msg.Timestamp > 0 {
			ts = time.UnixMilli(msg.Timestamp)
		}
		if _, err := h.tracker.ProcessUpdate(context.Background(), username, *msg.Location, ts); err != nil {
			if errors.Is(err, service.ErrInvalidInput) {
				c.sendError(err.Error())
				return
			}
			log.Printf("[WS] Failed to process location for %s: %v", username, err)
			return
		}
		h.BroadcastUserLocation(&model.UserLocation{Username: username, Location: *msg.Location, Timestamp: ts})

	case model.MsgUsageTime:
		username := msg.Username
		if username == "" {
			username = c.Username()
		}
		h.registry.ReportUsage(username, msg.UsageTime)

	case model.MsgPing:
		select {
		case c.Send <- []byte(`{"type":"pong"}`):
		default:
		}

	default:
		log.Printf("[WS] Unknown message type %q from client %s", msg.Type, c.ID)
	}
}

func (c *Client) sendError(reason string) {
	data, err := json.Marshal(model.OutboundMessage{Type: model.MsgError, Data: gin.H{"error": reason}})
	if err != nil {
		return
	}
	select {
	case c.Send <- data:
	default:
	}
}

// ReadPump handles incoming messages from the client
func (c *Client) ReadPump() {
	defer func() {
		c.Hub.registry.UnregisterClient(c.ID)
		c.Hub.unregister <- c
		c.Conn.Close()
	}()

	c.Conn.SetReadLimit(512 * 1024) // 512KB max message size
	c.Conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("[WS] Client %s read error: %v", c.ID, err)
			}
			break
		}

		var msg model.InboundMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			c.sendError("malformed message")
			continue
		}
		c.Hub.handleInbound(c, &msg)
	}
}

// WritePump handles outgoing messages to the client
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if !ok {
				// Channel closed
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.Conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			// Add queued messages to the current websocket message
			n := len(c.Send)
			for i := 0; i < n; i++ {
				w.Write([]byte{'\n'})
				w.Write(<-c.Send)
			}

			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// WSHandler handles WebSocket upgrade requests
type WSHandler struct {
	hub *WSHub
}

// NewWSHandler creates a new WebSocket handler
func NewWSHandler(hub *WSHub) *WSHandler {
	return &WSHandler{hub: hub}
}

// Handle upgrades an HTTP request and starts the client pumps
// @Summary WebSocket endpoint
// @Description Upgrade to the bidirectional event channel (register, locationUpdate, usageTime inbound; userList, penalty, geofenceUpdate outbound)
// @Tags WebSocket
// @Router /ws [get]
func (h *WSHandler) Handle(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("[WS] Failed to upgrade connection: %v", err)
		return
	}

	clientID := c.Query("client_id")
	if clientID == "" {
		clientID = generateClientID()
	}

	client := &Client{
		ID:   clientID,
		Conn: conn,
		Send: make(chan []byte, 256),
		Hub:  h.hub,
	}

	client.Hub.register <- client

	go client.WritePump()
	go client.ReadPump()
}

// GetStats returns WebSocket hub statistics
// @Summary WebSocket stats
// @Tags WebSocket
// @Produce json
// @Success 200 {object} map[string]interface{}
// @Router /ws/stats [get]
func (h *WSHandler) GetStats(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"connected_clients": h.hub.GetClientCount(),
	})
}

// generateClientID generates a unique client ID
func generateClientID() string {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return time.Now().Format("20060102150405.000000000")
	}
	return time.Now().Format("20060102150405") + "-" + hex.EncodeToString(b)
}
