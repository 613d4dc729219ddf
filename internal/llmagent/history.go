package llmagent

import (
	"context"
	"sync"
	"time"

	"github.com/farlabs/agentmesh/internal/cache"
	"github.com/farlabs/agentmesh/internal/provider"
)

// maxHistory bounds per-room conversation context.
const maxHistory = 10

const historyTTL = 24 * time.Hour

// History stores bounded per-room conversation context for prompts.
type History interface {
	Append(ctx context.Context, room string, msg provider.Message) error
	Recent(ctx context.Context, room string) ([]provider.Message, error)
}

// MemoryHistory keeps conversation context in process memory. Used when no
// Redis backend is configured.
type MemoryHistory struct {
	mu    sync.Mutex
	rooms map[string][]provider.Message
}

// NewMemoryHistory creates an empty in-process history.
func NewMemoryHistory() *MemoryHistory {
	return &MemoryHistory{rooms: make(map[string][]provider.Message)}
}

func (h *MemoryHistory) Append(_ context.Context, room string, msg provider.Message) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	msgs := append(h.rooms[room], msg)
	if len(msgs) > maxHistory {
		msgs = msgs[len(msgs)-maxHistory:]
	}
	h.rooms[room] = msgs
	return nil
}

func (h *MemoryHistory) Recent(_ context.Context, room string) ([]provider.Message, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	msgs := h.rooms[room]
	out := make([]provider.Message, len(msgs))
	copy(out, msgs)
	return out, nil
}

// CacheHistory persists conversation context in Redis so it survives agent
// restarts.
type CacheHistory struct {
	cache *cache.Cache
}

// NewCacheHistory creates a Redis-backed history.
func NewCacheHistory(c *cache.Cache) *CacheHistory {
	return &CacheHistory{cache: c}
}

func historyKey(room string) string {
	return "agentmesh:history:" + room
}

func (h *CacheHistory) Append(ctx context.Context, room string, msg provider.Message) error {
	var msgs []provider.Message
	if _, err := h.cache.GetJSON(ctx, historyKey(room), &msgs); err != nil {
		return err
	}
	msgs = append(msgs, msg)
	if len(msgs) > maxHistory {
		msgs = msgs[len(msgs)-maxHistory:]
	}
	return h.cache.SetJSON(ctx, historyKey(room), msgs, historyTTL)
}

func (h *CacheHistory) Recent(ctx context.Context, room string) ([]provider.Message, error) {
	var msgs []provider.Message
	if _, err := h.cache.GetJSON(ctx, historyKey(room), &msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}
