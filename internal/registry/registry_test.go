package registry

import (
	"sort"
	"testing"
	"time"

	"go.uber.org/zap"
)

func newTestRegistry() (*Registry, *time.Time) {
	r := New(zap.NewNop())
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	r.SetClock(func() time.Time { return now })
	return r, &now
}

func TestRegisterOnlineLiveness(t *testing.T) {
	r, now := newTestRegistry()
	r.RegisterOnline(AgentInfo{AgentID: "llm", Capabilities: []string{"text_generation"}}, "@llm:example.org")

	if !r.IsOnline("llm", time.Second) {
		t.Error("freshly registered agent not online for any positive timeout")
	}
	if !r.IsOnline("llm", DefaultLivenessTimeout) {
		t.Error("freshly registered agent not online for default timeout")
	}

	*now = now.Add(DefaultLivenessTimeout + time.Second)
	if r.IsOnline("llm", DefaultLivenessTimeout) {
		t.Error("stale agent still online past the liveness timeout")
	}

	// Entry is retained; only the liveness check fails.
	if _, ok := r.Get("llm"); !ok {
		t.Error("stale agent was pruned")
	}
}

func TestRegisterOfflineOverridesRecency(t *testing.T) {
	r, _ := newTestRegistry()
	r.RegisterOnline(AgentInfo{AgentID: "llm"}, "@llm:example.org")
	r.RegisterOffline("llm")

	if r.IsOnline("llm", 300*time.Second) {
		t.Error("explicitly offline agent reported online despite fresh last_seen")
	}
}

func TestRegisterOfflineUnknownIsNoop(t *testing.T) {
	r, _ := newTestRegistry()
	r.RegisterOffline("ghost")
	if r.Len() != 0 {
		t.Errorf("Len = %d after offline for unknown agent", r.Len())
	}
}

func TestFindByCapabilityIgnoresLiveness(t *testing.T) {
	r, now := newTestRegistry()
	r.RegisterOnline(AgentInfo{AgentID: "a", Capabilities: []string{"x", "y"}}, "")
	r.RegisterOnline(AgentInfo{AgentID: "b", Capabilities: []string{"x"}}, "")
	*now = now.Add(time.Hour) // both stale now

	got := r.FindByCapability("x")
	sort.Strings(got)
	if len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Errorf("FindByCapability(x) = %v, want [a b]", got)
	}
	if len(r.FindByCapability("z")) != 0 {
		t.Error("unadvertised capability returned agents")
	}
}

func TestReRegisterReplacesCapabilities(t *testing.T) {
	r, _ := newTestRegistry()
	r.RegisterOnline(AgentInfo{AgentID: "a", Capabilities: []string{"x", "y"}}, "")
	r.RegisterOnline(AgentInfo{AgentID: "b", Capabilities: []string{"x"}}, "")
	r.RegisterOnline(AgentInfo{AgentID: "a", Capabilities: []string{"y", "z"}}, "")

	if got := r.FindByCapability("x"); len(got) != 1 || got[0] != "b" {
		t.Errorf("FindByCapability(x) = %v, want [b]; stale tag survived re-announcement", got)
	}
	if got := r.FindByCapability("y"); len(got) != 1 || got[0] != "a" {
		t.Errorf("FindByCapability(y) = %v, want [a]", got)
	}
	if got := r.FindByCapability("z"); len(got) != 1 || got[0] != "a" {
		t.Errorf("FindByCapability(z) = %v, want [a]", got)
	}
}

func TestReRegisterRefreshes(t *testing.T) {
	r, now := newTestRegistry()
	r.RegisterOnline(AgentInfo{AgentID: "a"}, "")
	*now = now.Add(10 * time.Minute)
	r.RegisterOnline(AgentInfo{AgentID: "a"}, "")

	if !r.IsOnline("a", DefaultLivenessTimeout) {
		t.Error("re-registration did not refresh last_seen")
	}
	if r.Len() != 1 {
		t.Errorf("Len = %d after re-registration, want 1", r.Len())
	}
}

func TestDiscoveryCounter(t *testing.T) {
	r, _ := newTestRegistry()
	r.RegisterOnline(AgentInfo{AgentID: "a"}, "")
	r.RegisterOnline(AgentInfo{AgentID: "a"}, "")
	r.RegisterOffline("a")
	r.RegisterOffline("never-seen")

	if got := r.Discoveries(); got != 4 {
		t.Errorf("Discoveries = %d, want 4", got)
	}
}

func TestOnlineCount(t *testing.T) {
	r, _ := newTestRegistry()
	r.RegisterOnline(AgentInfo{AgentID: "a"}, "")
	r.RegisterOnline(AgentInfo{AgentID: "b"}, "")
	r.RegisterOffline("b")

	if got := r.OnlineCount(DefaultLivenessTimeout); got != 1 {
		t.Errorf("OnlineCount = %d, want 1", got)
	}
}
