// Package registry tracks the peer agents a participant has observed in
// the coordination room. There is no single source of truth: every
// participant reconstructs this state from the presence broadcasts it has
// seen since it started listening.
package registry

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// DefaultLivenessTimeout is the age beyond which a last-seen timestamp no
// longer counts as online despite an explicit online status.
const DefaultLivenessTimeout = 5 * time.Minute

const (
	StatusOnline  = "online"
	StatusOffline = "offline"
)

// AgentInfo is the payload of a presence announcement.
type AgentInfo struct {
	AgentID      string   `json:"agent_id"`
	DisplayName  string   `json:"display_name"`
	Capabilities []string `json:"capabilities"`
	Status       string   `json:"status"`
}

// RegisteredAgent is the registry's view of one peer.
type RegisteredAgent struct {
	AgentID      string    `json:"agent_id"`
	DisplayName  string    `json:"display_name"`
	Capabilities []string  `json:"capabilities"`
	Status       string    `json:"status"`
	LastSeen     time.Time `json:"last_seen"`
	OwningUser   string    `json:"owning_user"`
}

// Registry is a mutex-protected presence table. Entries are never pruned
// by a timer; staleness is detected lazily when liveness is queried, so a
// crashed agent that never announced offline stays registered and simply
// fails IsOnline.
type Registry struct {
	mu           sync.RWMutex
	agents       map[string]*RegisteredAgent
	byCapability map[string]map[string]struct{}
	discoveries  int64
	now          func() time.Time
	logger       *zap.Logger
}

// New creates an empty registry.
func New(logger *zap.Logger) *Registry {
	return &Registry{
		agents:       make(map[string]*RegisteredAgent),
		byCapability: make(map[string]map[string]struct{}),
		now:          time.Now,
		logger:       logger,
	}
}

// SetClock overrides the time source. Test hook.
func (r *Registry) SetClock(now func() time.Time) {
	r.mu.Lock()
	r.now = now
	r.mu.Unlock()
}

// RegisterOnline inserts or overwrites the entry for info.AgentID and
// refreshes last_seen. Idempotent. owningUser is the transport identity
// that sent the announcement. A re-announcement replaces the capability
// set; tags absent from the new announcement are dropped from the index.
func (r *Registry) RegisterOnline(info AgentInfo, owningUser string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if prev, ok := r.agents[info.AgentID]; ok {
		for _, cap := range prev.Capabilities {
			delete(r.byCapability[cap], info.AgentID)
			if len(r.byCapability[cap]) == 0 {
				delete(r.byCapability, cap)
			}
		}
	}

	r.agents[info.AgentID] = &RegisteredAgent{
		AgentID:      info.AgentID,
		DisplayName:  info.DisplayName,
		Capabilities: info.Capabilities,
		Status:       StatusOnline,
		LastSeen:     r.now(),
		OwningUser:   owningUser,
	}
	for _, cap := range info.Capabilities {
		if r.byCapability[cap] == nil {
			r.byCapability[cap] = make(map[string]struct{})
		}
		r.byCapability[cap][info.AgentID] = struct{}{}
	}
	r.discoveries++
	r.logger.Info("agent registered",
		zap.String("agent", info.AgentID),
		zap.Strings("capabilities", info.Capabilities))
}

// RegisterOffline flips an existing entry to offline. Unknown ids are a
// no-op, not an error.
func (r *Registry) RegisterOffline(agentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.discoveries++
	a, ok := r.agents[agentID]
	if !ok {
		return
	}
	a.Status = StatusOffline
	r.logger.Info("agent went offline", zap.String("agent", agentID))
}

// IsOnline reports whether the agent announced online and was seen within
// the timeout.
func (r *Registry) IsOnline(agentID string, timeout time.Duration) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	a, ok := r.agents[agentID]
	if !ok || a.Status != StatusOnline {
		return false
	}
	return r.now().Sub(a.LastSeen) < timeout
}

// Get returns a copy of the entry for agentID.
func (r *Registry) Get(agentID string) (RegisteredAgent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	a, ok := r.agents[agentID]
	if !ok {
		return RegisteredAgent{}, false
	}
	return *a, true
}

// FindByCapability returns every agent advertising the capability,
// regardless of liveness. Liveness filtering is the caller's job, so
// "advertised but stale" stays distinguishable from "never advertised".
func (r *Registry) FindByCapability(capability string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.byCapability[capability]))
	for id := range r.byCapability[capability] {
		ids = append(ids, id)
	}
	return ids
}

// Snapshot returns copies of every registered agent.
func (r *Registry) Snapshot() []RegisteredAgent {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]RegisteredAgent, 0, len(r.agents))
	for _, a := range r.agents {
		out = append(out, *a)
	}
	return out
}

// OnlineCount returns how many agents currently pass the liveness check.
func (r *Registry) OnlineCount(timeout time.Duration) int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for _, a := range r.agents {
		if a.Status == StatusOnline && r.now().Sub(a.LastSeen) < timeout {
			n++
		}
	}
	return n
}

// Len returns the number of registered agents, online or not.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.agents)
}

// Discoveries returns the monotonically increasing count of presence
// updates processed. Observability only; never consulted for routing.
func (r *Registry) Discoveries() int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.discoveries
}
