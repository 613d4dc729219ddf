package transport

import (
	"context"
	"time"
)

// Event is a normalized inbound chat message.
type Event struct {
	Sender    string    `json:"sender"`
	Room      string    `json:"room"`
	Body      string    `json:"body"`
	Timestamp time.Time `json:"timestamp"`
}

// EventHandler processes inbound events. Handlers must not block the
// transport's receive loop; the runtime dispatches each event on its own
// goroutine.
type EventHandler func(ev Event)

// Transport is the authenticated pub/sub channel an agent speaks through.
// Message ordering within a room is assumed to match arrival order as
// delivered by the backing service.
type Transport interface {
	// Connect authenticates the session. A failure here is fatal to agent
	// startup.
	Connect(ctx context.Context) error
	// JoinRoom joins the given room, making its events visible.
	JoinRoom(ctx context.Context, roomID string) error
	// SendText posts a plain text body to a room.
	SendText(ctx context.Context, roomID, body string) error
	// OnEvent registers the single inbound handler. Must be called before
	// Connect.
	OnEvent(handler EventHandler)
	// UserID returns the transport identity of this session.
	UserID() string
	// Close releases the session.
	Close() error
}
