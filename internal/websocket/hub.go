// Package websocket fans live telemetry events out to UI clients.
// Services publish onto named channels ("devices", "samples") and clients
// subscribe to the channels they care about.
package websocket

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/gofiber/websocket/v2"
)

// Message represents a WebSocket message
type Message struct {
	Channel string      `json:"channel"`
	Event   string      `json:"event"`
	Data    interface{} `json:"data"`
}

// Client represents a WebSocket client connection
type Client struct {
	hub      *Hub
	conn     *websocket.Conn
	send     chan []byte
	channels map[string]bool
	mu       sync.RWMutex
	closed   bool
	done     chan bool
}

// Hub maintains active WebSocket connections and broadcasts messages
type Hub struct {
	clients      map[*Client]bool
	broadcast    chan *Message
	register     chan *Client
	unregister   chan *Client
	shutdownChan chan struct{}
	mu           sync.RWMutex
}

// NewHub creates a new WebSocket hub
func NewHub() *Hub {
	return &Hub{
		clients:      make(map[*Client]bool),
		broadcast:    make(chan *Message, 256),
		register:     make(chan *Client),
		unregister:   make(chan *Client),
		shutdownChan: make(chan struct{}),
	}
}

// Run starts the hub's main loop
func (h *Hub) Run() {
	for {
		select {
		case <-h.shutdownChan:
			h.mu.Lock()
			for client := range h.clients {
				client.closeSend()
				client.conn.Close()
			}
			h.clients = make(map[*Client]bool)
			h.mu.Unlock()
			log.Printf("[WebSocket] Hub shutdown complete")
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				client.closeSend()
			}
			h.mu.Unlock()

		case message := <-h.broadcast:
			data, err := json.Marshal(message)
			if err != nil {
				log.Printf("[WebSocket] Failed to marshal message: %v", err)
				continue
			}

			h.mu.RLock()
			// Collect slow clients to remove after iteration; the map
			// must not change while ranged over.
			var clientsToRemove []*Client

			for client := range h.clients {
				client.mu.RLock()
				subscribed := client.channels[message.Channel]
				client.mu.RUnlock()

				if subscribed {
					select {
					case client.send <- data:
					default:
						clientsToRemove = append(clientsToRemove, client)
					}
				}
			}
			h.mu.RUnlock()

			if len(clientsToRemove) > 0 {
				h.mu.Lock()
				for _, client := range clientsToRemove {
					if _, ok := h.clients[client]; ok {
						delete(h.clients, client)
						client.closeSend()
					}
				}
				h.mu.Unlock()
			}
		}
	}
}

// Broadcast sends a message to all subscribed clients
func (h *Hub) Broadcast(channel string, event string, data interface{}) {
	h.broadcast <- &Message{
		Channel: channel,
		Event:   event,
		Data:    data,
	}
}

// Shutdown gracefully shuts down the WebSocket hub
func (h *Hub) Shutdown() {
	close(h.shutdownChan)
}

func (c *Client) closeSend() {
	c.mu.Lock()
	if !c.closed {
		close(c.send)
		c.closed = true
	}
	c.mu.Unlock()
}

// readPump handles incoming messages from clients
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
		close(c.done)
	}()

	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			break
		}

		var msg struct {
			Action   string   `json:"action"`
			Channels []string `json:"channels"`
		}
		if err := json.Unmarshal(message, &msg); err != nil {
			continue
		}

		switch msg.Action {
		case "subscribe":
			c.mu.Lock()
			for _, channel := range msg.Channels {
				c.channels[channel] = true
			}
			c.mu.Unlock()
		case "unsubscribe":
			c.mu.Lock()
			for _, channel := range msg.Channels {
				delete(c.channels, channel)
			}
			c.mu.Unlock()
		}
	}
}

// writePump handles outgoing messages to clients
func (c *Client) writePump() {
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
		}
	}
}

// NewClient creates a new WebSocket client
func NewClient(hub *Hub, conn *websocket.Conn) *Client {
	return &Client{
		hub:      hub,
		conn:     conn,
		send:     make(chan []byte, 256),
		channels: make(map[string]bool),
		done:     make(chan bool),
	}
}

// Start begins processing for a client and blocks until it disconnects
func (c *Client) Start() {
	c.hub.register <- c
	go c.writePump()
	c.readPump()
	<-c.done
}
