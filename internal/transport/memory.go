package transport

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemoryBus is an in-process room bus. It backs local development and the
// package tests, standing in for a homeserver: every client joined to a
// room sees every message posted there, including its own sender identity
// on the event (self-filtering is the dispatcher's job, as on the real
// transport).
type MemoryBus struct {
	mu      sync.Mutex
	clients []*MemoryTransport
}

// NewMemoryBus creates an empty bus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{}
}

// Client creates a transport bound to this bus under the given identity.
func (b *MemoryBus) Client(userID string) *MemoryTransport {
	t := &MemoryTransport{bus: b, userID: userID, rooms: map[string]bool{}}
	b.mu.Lock()
	b.clients = append(b.clients, t)
	b.mu.Unlock()
	return t
}

func (b *MemoryBus) deliver(ev Event) {
	b.mu.Lock()
	clients := make([]*MemoryTransport, len(b.clients))
	copy(clients, b.clients)
	b.mu.Unlock()

	for _, c := range clients {
		c.mu.Lock()
		joined := c.rooms[ev.Room]
		handler := c.handler
		connected := c.connected
		c.mu.Unlock()
		if joined && connected && handler != nil {
			handler(ev)
		}
	}
}

// MemoryTransport is one client session on a MemoryBus.
type MemoryTransport struct {
	bus       *MemoryBus
	userID    string
	mu        sync.Mutex
	rooms     map[string]bool
	handler   EventHandler
	connected bool
}

// Connect marks the session live.
func (t *MemoryTransport) Connect(context.Context) error {
	t.mu.Lock()
	t.connected = true
	t.mu.Unlock()
	return nil
}

// JoinRoom subscribes the session to a room.
func (t *MemoryTransport) JoinRoom(_ context.Context, roomID string) error {
	t.mu.Lock()
	t.rooms[roomID] = true
	t.mu.Unlock()
	return nil
}

// SendText delivers the body to every joined client, sender included.
func (t *MemoryTransport) SendText(_ context.Context, roomID, body string) error {
	t.mu.Lock()
	connected := t.connected
	t.mu.Unlock()
	if !connected {
		return fmt.Errorf("send on closed memory transport %s", t.userID)
	}
	t.bus.deliver(Event{
		Sender:    t.userID,
		Room:      roomID,
		Body:      body,
		Timestamp: time.Now().UTC(),
	})
	return nil
}

// OnEvent registers the inbound handler.
func (t *MemoryTransport) OnEvent(handler EventHandler) {
	t.mu.Lock()
	t.handler = handler
	t.mu.Unlock()
}

// UserID returns the session identity.
func (t *MemoryTransport) UserID() string {
	return t.userID
}

// Close marks the session dead; subsequent sends fail.
func (t *MemoryTransport) Close() error {
	t.mu.Lock()
	t.connected = false
	t.mu.Unlock()
	return nil
}
