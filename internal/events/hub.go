// Package events provides an in-process publish/subscribe channel for sync
// lifecycle events. It replaces the cross-tab broadcast mechanism of
// browser deployments with a single-process hub; the WebSocket server in
// cmd/syncd bridges it to UI clients.
package events

import (
	"sync"
	"time"
)

// Event types published by the sync subsystem.
const (
	TypeSyncStarted         = "sync.started"
	TypeSyncCompleted       = "sync.completed"
	TypeSyncTerminalFailure = "sync.terminal_failure"
	TypeConnectivityChanged = "connectivity.changed"
)

// Event is a broadcast message with an opaque data map.
type Event struct {
	Type      string                 `json:"type"`
	Data      map[string]interface{} `json:"data,omitempty"`
	Timestamp int64                  `json:"timestamp"`
}

// Hub fans events out to subscribers. Publishing never blocks: a
// subscriber whose buffer is full misses the event.
type Hub struct {
	mu     sync.RWMutex
	subs   map[int]chan Event
	nextID int
}

// NewHub creates an empty Hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[int]chan Event)}
}

// Subscribe registers a listener and returns its id and channel.
func (h *Hub) Subscribe() (int, <-chan Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := h.nextID
	h.nextID++
	ch := make(chan Event, 16)
	h.subs[id] = ch
	return id, ch
}

// Unsubscribe removes a listener and closes its channel.
func (h *Hub) Unsubscribe(id int) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if ch, ok := h.subs[id]; ok {
		delete(h.subs, id)
		close(ch)
	}
}

// Publish broadcasts an event to all current subscribers.
func (h *Hub) Publish(eventType string, data map[string]interface{}) {
	ev := Event{
		Type:      eventType,
		Data:      data,
		Timestamp: time.Now().UnixMilli(),
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, ch := range h.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// SubscriberCount returns the number of registered listeners.
func (h *Hub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}
