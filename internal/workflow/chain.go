package workflow

import (
	"fmt"
	"strings"
)

// ParseChain splits an "agent1->agent2->agent3" chain specification into
// its ordered agent list. Liveness validation is the caller's job.
func ParseChain(spec string) ([]string, error) {
	if !strings.Contains(spec, "->") {
		return nil, fmt.Errorf("invalid chain %q: expected agent1->agent2", spec)
	}
	parts := strings.Split(spec, "->")
	agents := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			return nil, fmt.Errorf("invalid chain %q: empty agent id", spec)
		}
		agents = append(agents, p)
	}
	return agents, nil
}
