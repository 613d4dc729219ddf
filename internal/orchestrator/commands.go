package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/farlabs/agentmesh/internal/command"
	"github.com/farlabs/agentmesh/internal/protocol"
	"github.com/farlabs/agentmesh/internal/transport"
	"github.com/farlabs/agentmesh/internal/workflow"
)

// commandSet is the orchestrator's user-facing command surface.
type commandSet struct {
	o        *Orchestrator
	registry *command.Registry
}

func newCommandSet(o *Orchestrator) *commandSet {
	cs := &commandSet{o: o, registry: command.NewRegistry()}

	cs.registry.Register(&command.Command{
		Name:        "help",
		Description: "Show the available commands",
		Usage:       "help",
		Handler:     cs.help,
	})
	cs.registry.Register(&command.Command{
		Name:        "status",
		Description: "System status: agents, workflows, routing stats",
		Usage:       "status",
		Handler:     cs.status,
	})
	cs.registry.Register(&command.Command{
		Name:        "agents",
		Description: "List registered agents and their liveness",
		Usage:       "agents",
		Handler:     cs.agents,
	})
	cs.registry.Register(&command.Command{
		Name:        "capabilities",
		Description: "Show which agents advertise which capabilities",
		Usage:       "capabilities",
		Handler:     cs.capabilities,
	})
	cs.registry.Register(&command.Command{
		Name:        "ask",
		Description: "Send a request to one agent",
		Usage:       "ask <agent> <message>",
		Handler:     cs.ask,
	})
	cs.registry.Register(&command.Command{
		Name:        "chain",
		Description: "Run agents in sequence, each output feeding the next",
		Usage:       "chain <a>-><b>-><c> <message>",
		Handler:     cs.chain,
	})
	cs.registry.Register(&command.Command{
		Name:        "workflow",
		Description: "Inspect workflows",
		Usage:       "workflow list | workflow status <id>",
		Handler:     cs.workflow,
	})

	return cs
}

// handleUserMessage is the plain-chat path: only messages addressed to the
// orchestrator become commands, everything else is other people's chatter.
func (o *Orchestrator) handleUserMessage(ctx context.Context, ev transport.Event) {
	body := strings.TrimSpace(ev.Body)
	var input string
	found := false
	for _, prefix := range []string{"!" + o.rt.ID(), "@" + o.rt.ID(), o.rt.ID() + ":"} {
		if strings.HasPrefix(body, prefix) {
			input = strings.TrimSpace(body[len(prefix):])
			found = true
			break
		}
	}
	if !found {
		return
	}
	if input == "" {
		input = "help"
	}

	res, err := o.commands.registry.Dispatch(ctx, input, &command.Context{
		Room:   ev.Room,
		Sender: ev.Sender,
	})
	if err != nil {
		o.logger.Warn("command failed",
			zap.String("input", input),
			zap.String("sender", ev.Sender),
			zap.Error(err))
		o.notifyRoom(ev.Room, "Command failed: "+err.Error())
		return
	}
	if res != nil && res.Content != "" {
		o.notifyRoom(ev.Room, res.Content)
	}
}

func (cs *commandSet) help(context.Context, string, *command.Context) (*command.Result, error) {
	var b strings.Builder
	b.WriteString("Orchestrator commands:\n")
	for _, c := range cs.registry.List() {
		fmt.Fprintf(&b, "  !%s %-40s %s\n", cs.o.rt.ID(), c.Usage, c.Description)
	}
	return &command.Result{Content: b.String()}, nil
}

func (cs *commandSet) status(context.Context, string, *command.Context) (*command.Result, error) {
	o := cs.o
	uptime := time.Since(o.startAt).Round(time.Second)
	return &command.Result{Content: fmt.Sprintf(
		"Status: up %s | agents %d online / %d known | workflows %d active, %d completed | %d messages routed, %d pending",
		uptime,
		o.registry.OnlineCount(o.liveness), o.registry.Len(),
		o.engine.ActiveCount(), o.engine.CompletedCount(),
		o.routedCount(), o.pendingCount(),
	)}, nil
}

func (cs *commandSet) agents(context.Context, string, *command.Context) (*command.Result, error) {
	o := cs.o
	snapshot := o.registry.Snapshot()
	if len(snapshot) == 0 {
		return &command.Result{Content: "No agents registered yet."}, nil
	}
	sort.Slice(snapshot, func(i, j int) bool { return snapshot[i].AgentID < snapshot[j].AgentID })

	var b strings.Builder
	b.WriteString("Registered agents:\n")
	for _, a := range snapshot {
		state := "offline"
		if o.registry.IsOnline(a.AgentID, o.liveness) {
			state = "online"
		}
		fmt.Fprintf(&b, "  %-16s %-8s %s\n", a.AgentID, state, strings.Join(a.Capabilities, ", "))
	}
	return &command.Result{Content: b.String()}, nil
}

func (cs *commandSet) capabilities(context.Context, string, *command.Context) (*command.Result, error) {
	snapshot := cs.o.registry.Snapshot()
	capMap := make(map[string][]string)
	for _, a := range snapshot {
		for _, c := range a.Capabilities {
			capMap[c] = append(capMap[c], a.AgentID)
		}
	}
	if len(capMap) == 0 {
		return &command.Result{Content: "No capabilities advertised yet."}, nil
	}

	caps := make([]string, 0, len(capMap))
	for c := range capMap {
		caps = append(caps, c)
	}
	sort.Strings(caps)

	var b strings.Builder
	b.WriteString("Capabilities:\n")
	for _, c := range caps {
		ids := capMap[c]
		sort.Strings(ids)
		fmt.Fprintf(&b, "  %-20s %s\n", c, strings.Join(ids, ", "))
	}
	return &command.Result{Content: b.String()}, nil
}

func (cs *commandSet) ask(ctx context.Context, args string, cc *command.Context) (*command.Result, error) {
	parts := strings.SplitN(args, " ", 2)
	if len(parts) != 2 || strings.TrimSpace(parts[1]) == "" {
		return &command.Result{Content: "Usage: ask <agent> <message>"}, nil
	}
	agentID := parts[0]
	message := strings.Trim(strings.TrimSpace(parts[1]), `"'`)

	o := cs.o
	if _, known := o.registry.Get(agentID); !known {
		return &command.Result{Content: fmt.Sprintf("Agent %q not found.", agentID)}, nil
	}
	if !o.registry.IsOnline(agentID, o.liveness) {
		return &command.Result{Content: fmt.Sprintf("Agent %q is offline.", agentID)}, nil
	}

	requestID, err := o.route(ctx, agentID, protocol.TypeUserRequest, message, cc.Sender, cc.Room)
	if err != nil {
		return nil, fmt.Errorf("route to %s: %w", agentID, err)
	}
	return &command.Result{Content: fmt.Sprintf("Sent to %s (request %s).", agentID, requestID)}, nil
}

func (cs *commandSet) chain(ctx context.Context, args string, cc *command.Context) (*command.Result, error) {
	parts := strings.SplitN(args, " ", 2)
	if len(parts) != 2 || strings.TrimSpace(parts[1]) == "" {
		return &command.Result{Content: "Usage: chain <a>-><b> <message>"}, nil
	}
	agents, err := workflow.ParseChain(parts[0])
	if err != nil {
		return &command.Result{Content: "Invalid chain: " + err.Error()}, nil
	}
	message := strings.Trim(strings.TrimSpace(parts[1]), `"'`)

	o := cs.o
	var unavailable []string
	for _, id := range agents {
		if !o.registry.IsOnline(id, o.liveness) {
			unavailable = append(unavailable, id)
		}
	}
	if len(unavailable) > 0 {
		return &command.Result{Content: "Agents not available: " + strings.Join(unavailable, ", ")}, nil
	}

	input, err := json.Marshal(message)
	if err != nil {
		return nil, err
	}
	id, err := o.engine.CreateChain(ctx, agents, input, cc.Sender, cc.Room)
	if err != nil {
		return nil, fmt.Errorf("create chain: %w", err)
	}
	return &command.Result{Content: fmt.Sprintf("Started chain workflow %s with %d agents.", id, len(agents))}, nil
}

func (cs *commandSet) workflow(_ context.Context, args string, _ *command.Context) (*command.Result, error) {
	o := cs.o
	parts := strings.SplitN(strings.TrimSpace(args), " ", 2)
	switch parts[0] {
	case "list":
		wfs := o.engine.List()
		if len(wfs) == 0 {
			return &command.Result{Content: "No workflows yet."}, nil
		}
		sort.Slice(wfs, func(i, j int) bool { return wfs[i].CreatedAt.After(wfs[j].CreatedAt) })
		var b strings.Builder
		b.WriteString("Workflows:\n")
		for _, wf := range wfs {
			fmt.Fprintf(&b, "  %s  %-9s  %d steps  by %s\n", wf.ID, wf.Status, len(wf.Steps), wf.Requester)
		}
		return &command.Result{Content: b.String()}, nil

	case "status":
		if len(parts) != 2 {
			return &command.Result{Content: "Usage: workflow status <id>"}, nil
		}
		wf, ok := o.engine.Get(strings.TrimSpace(parts[1]))
		if !ok {
			return &command.Result{Content: "No such workflow."}, nil
		}
		var b strings.Builder
		fmt.Fprintf(&b, "Workflow %s (%s), step %d/%d:\n", wf.ID, wf.Status, wf.CurrentStep+1, len(wf.Steps))
		for i, s := range wf.Steps {
			line := fmt.Sprintf("  %d. %-16s %s", i+1, s.AgentID, s.Status)
			if s.Error != "" {
				line += "  (" + s.Error + ")"
			}
			b.WriteString(line + "\n")
		}
		return &command.Result{Content: b.String()}, nil

	default:
		return &command.Result{Content: "Usage: workflow list | workflow status <id>"}, nil
	}
}
