package transport

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// sendTimeout bounds outbound Matrix API calls so a slow homeserver cannot
// wedge a handler.
const sendTimeout = 30 * time.Second

// MatrixConfig holds the homeserver session settings.
type MatrixConfig struct {
	Homeserver  string `json:"homeserver"`
	UserID      string `json:"user_id"`
	AccessToken string `json:"access_token"`
}

// MatrixTransport adapts a mautrix client to the Transport interface.
type MatrixTransport struct {
	cfg     MatrixConfig
	client  *mautrix.Client
	handler EventHandler
	cancel  context.CancelFunc
	syncErr chan error
	logger  *zap.Logger
}

// NewMatrixTransport creates the adapter. The session is not authenticated
// until Connect.
func NewMatrixTransport(cfg MatrixConfig, logger *zap.Logger) (*MatrixTransport, error) {
	client, err := mautrix.NewClient(cfg.Homeserver, id.UserID(cfg.UserID), cfg.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("create matrix client: %w", err)
	}
	return &MatrixTransport{
		cfg:     cfg,
		client:  client,
		syncErr: make(chan error, 1),
		logger:  logger,
	}, nil
}

// Connect verifies the access token and starts the sync loop on its own
// goroutine.
func (t *MatrixTransport) Connect(ctx context.Context) error {
	whoami, err := t.client.Whoami(ctx)
	if err != nil {
		return fmt.Errorf("matrix whoami: %w", err)
	}
	if whoami.UserID.String() != t.cfg.UserID {
		return fmt.Errorf("matrix token belongs to %s, config says %s", whoami.UserID, t.cfg.UserID)
	}

	syncer, ok := t.client.Syncer.(*mautrix.DefaultSyncer)
	if !ok {
		return fmt.Errorf("unexpected syncer type: %T", t.client.Syncer)
	}
	syncer.OnEventType(event.EventMessage, t.handleMessageEvent)

	syncCtx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel
	go func() {
		if err := t.client.SyncWithContext(syncCtx); err != nil && syncCtx.Err() == nil {
			t.logger.Error("matrix sync stopped", zap.Error(err))
			t.syncErr <- err
		}
	}()

	t.logger.Info("matrix session established",
		zap.String("homeserver", t.cfg.Homeserver),
		zap.String("user_id", t.cfg.UserID))
	return nil
}

// JoinRoom joins a room by id.
func (t *MatrixTransport) JoinRoom(ctx context.Context, roomID string) error {
	if _, err := t.client.JoinRoomByID(ctx, id.RoomID(roomID)); err != nil {
		return fmt.Errorf("join room %s: %w", roomID, err)
	}
	return nil
}

// SendText posts a plain text message to a room.
func (t *MatrixTransport) SendText(ctx context.Context, roomID, body string) error {
	ctx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()
	if _, err := t.client.SendText(ctx, id.RoomID(roomID), body); err != nil {
		return fmt.Errorf("send to %s: %w", roomID, err)
	}
	return nil
}

// OnEvent registers the inbound handler.
func (t *MatrixTransport) OnEvent(handler EventHandler) {
	t.handler = handler
}

// UserID returns the configured Matrix user id.
func (t *MatrixTransport) UserID() string {
	return t.cfg.UserID
}

// Close stops the sync loop.
func (t *MatrixTransport) Close() error {
	if t.cancel != nil {
		t.cancel()
	}
	return nil
}

func (t *MatrixTransport) handleMessageEvent(_ context.Context, evt *event.Event) {
	if t.handler == nil {
		return
	}
	content, ok := evt.Content.Parsed.(*event.MessageEventContent)
	if !ok || content.MsgType != event.MsgText {
		return
	}
	t.handler(Event{
		Sender:    evt.Sender.String(),
		Room:      evt.RoomID.String(),
		Body:      content.Body,
		Timestamp: time.UnixMilli(evt.Timestamp),
	})
}
