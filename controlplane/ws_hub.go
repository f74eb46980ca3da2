package main

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/edgemesh-io/edgemesh/controlplane/eventbus"
	"github.com/edgemesh-io/edgemesh/controlplane/model"
)

const maxWSConnections = 200

// EventHub is the events.stream transport (spec.md §6): one subscription
// on the Event Bus fanned out to every connected websocket client.
// In-process only, per spec.md's no-cross-process-SSE Non-goal.
type EventHub struct {
	bus *eventbus.Bus

	mu      sync.RWMutex
	clients map[*websocket.Conn]struct{}
}

func NewEventHub(bus *eventbus.Bus) *EventHub {
	return &EventHub{
		bus:     bus,
		clients: make(map[*websocket.Conn]struct{}),
	}
}

// Run subscribes to the bus and fans out events until ctx is cancelled.
func (h *EventHub) Run(ctx context.Context) {
	events, sub := h.bus.Subscribe()
	defer sub.Unsubscribe()

	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			h.broadcast(evt)
		}
	}
}

func (h *EventHub) broadcast(evt model.Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for conn := range h.clients {
		conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := conn.WriteJSON(evt); err != nil {
			log.Printf("events.stream write error: %v", err)
			go h.Unregister(conn)
		}
	}
}

func (h *EventHub) Register(conn *websocket.Conn) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.clients) >= maxWSConnections {
		return false
	}
	h.clients[conn] = struct{}{}
	return true
}

func (h *EventHub) Unregister(conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[conn]; ok {
		delete(h.clients, conn)
		conn.Close()
	}
}

func (h *EventHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *EventHub) shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.clients {
		conn.Close()
	}
	h.clients = make(map[*websocket.Conn]struct{})
}
