package api

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"trend-portfolio-bot/internal/events"
	"trend-portfolio-bot/internal/logging"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Dashboard runs behind the same reverse proxy
		return true
	},
}

// WSClient is one dashboard connection
type WSClient struct {
	conn      *websocket.Conn
	send      chan []byte
	hub       *WSHub
	closeChan chan struct{}
}

// WSHub fans engine events out to every connected dashboard
type WSHub struct {
	clients    map[*WSClient]bool
	broadcast  chan []byte
	register   chan *WSClient
	unregister chan *WSClient
	logger     *logging.Logger
	mu         sync.RWMutex
}

// NewWSHub creates the hub
func NewWSHub(logger *logging.Logger) *WSHub {
	return &WSHub{
		clients:    make(map[*WSClient]bool),
		broadcast:  make(chan []byte, 4096),
		register:   make(chan *WSClient),
		unregister: make(chan *WSClient),
		logger:     logger,
	}
}

// Run starts the hub loop
func (h *WSHub) Run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()

		case message := <-h.broadcast:
			h.mu.Lock()
			for client := range h.clients {
				select {
				case client.send <- message:
				default:
					// Slow client, drop it
					go func(c *WSClient) {
						h.unregister <- c
					}(client)
				}
			}
			h.mu.Unlock()
		}
	}
}

// BroadcastEvent broadcasts an event to all connected clients
func (h *WSHub) BroadcastEvent(event events.Event) {
	data, err := json.Marshal(event)
	if err != nil {
		h.logger.WithError(err).Warn("event marshal failed")
		return
	}

	select {
	case h.broadcast <- data:
	default:
		h.logger.Warn("broadcast channel full, dropping event", "type", string(event.Type))
	}
}

// ClientCount returns the number of connected clients
func (h *WSHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (c *WSClient) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.closeChan:
			return
		}
	}
}

func (c *WSClient) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
		close(c.closeChan)
	}()

	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		// Clients only listen; a read error means the connection is gone
		if _, _, err := c.conn.ReadMessage(); err != nil {
			break
		}
	}
}

var wsHub *WSHub

// InitWebSocket starts the hub and wires it to the event bus
func InitWebSocket(bus *events.EventBus, logger *logging.Logger) *WSHub {
	wsHub = NewWSHub(logger)
	go wsHub.Run()

	bus.SubscribeAll(func(event events.Event) {
		wsHub.BroadcastEvent(event)
	})

	return wsHub
}

// handleWebSocketUpgrade upgrades a dashboard connection
func (s *Server) handleWebSocketUpgrade(c *gin.Context) {
	if wsHub == nil {
		errorResponse(c, http.StatusServiceUnavailable, "event streaming disabled")
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.WithError(err).Warn("websocket upgrade failed")
		return
	}

	client := &WSClient{
		conn:      conn,
		send:      make(chan []byte, 256),
		hub:       wsHub,
		closeChan: make(chan struct{}),
	}
	client.hub.register <- client

	go client.writePump()
	go client.readPump()

	welcome := map[string]interface{}{
		"type":        "CONNECTED",
		"instance_id": s.instanceID,
		"is_leader":   s.isLeader(),
		"timestamp":   time.Now(),
	}
	if data, err := json.Marshal(welcome); err == nil {
		select {
		case client.send <- data:
		default:
		}
	}
}
