// Package main provides the WebSocket bridge pushing sync events to local
// UI clients.
package main

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/astraldesk/chartcache/internal/events"
	"github.com/astraldesk/chartcache/internal/logging"
	"github.com/astraldesk/chartcache/internal/uuid"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Only local UI clients may connect.
		return r.Host == "localhost" || strings.HasPrefix(r.Host, "localhost:") ||
			r.Host == "127.0.0.1" || strings.HasPrefix(r.Host, "127.0.0.1:")
	},
}

// wsClient is one connected UI client.
type wsClient struct {
	id   string
	conn *websocket.Conn
	send chan []byte
	hub  *wsHub
}

// wsHub fans events hub traffic out to connected WebSocket clients.
type wsHub struct {
	events *events.Hub

	mu         sync.RWMutex
	clients    map[string]*wsClient
	register   chan *wsClient
	unregister chan *wsClient
}

func newWSHub(eventsHub *events.Hub) *wsHub {
	return &wsHub{
		events:     eventsHub,
		clients:    make(map[string]*wsClient),
		register:   make(chan *wsClient),
		unregister: make(chan *wsClient),
	}
}

// run bridges the in-process events hub onto client connections.
func (h *wsHub) run(ctx context.Context) {
	subID, ch := h.events.Subscribe()
	defer h.events.Unsubscribe(subID)

	for {
		select {
		case <-ctx.Done():
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client.id] = client
			total := len(h.clients)
			h.mu.Unlock()
			logging.Debug("ws client connected", map[string]interface{}{
				"client_id": client.id, "total": total,
			})

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client.id]; ok {
				delete(h.clients, client.id)
				close(client.send)
			}
			total := len(h.clients)
			h.mu.Unlock()
			logging.Debug("ws client disconnected", map[string]interface{}{
				"client_id": client.id, "total": total,
			})

		case ev, ok := <-ch:
			if !ok {
				return
			}
			message, err := json.Marshal(ev)
			if err != nil {
				logging.Error("failed to marshal ws event", err)
				continue
			}
			h.broadcast(message)
		}
	}
}

func (h *wsHub) broadcast(message []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, client := range h.clients {
		select {
		case client.send <- message:
		default:
			// Send buffer full, drop the connection.
			close(client.send)
			delete(h.clients, id)
		}
	}
}

// serveWS upgrades an HTTP request to a WebSocket connection.
func (h *wsHub) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Error("ws upgrade failed", err)
		return
	}

	client := &wsClient{
		id:   uuid.New(),
		conn: conn,
		send: make(chan []byte, 64),
		hub:  h,
	}
	h.register <- client

	go client.writePump()
	go client.readPump()
}

// writePump delivers hub messages to the connection.
func (c *wsClient) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
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

// readPump discards inbound frames; the socket is push-only. It exists to
// notice closed connections.
func (c *wsClient) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(4096)
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
