// Package command implements the bang-command surface agents expose to
// human users in chat ("!orchestrator status", "!llm kb search ...").
package command

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Command is one user-facing command.
type Command struct {
	Name        string
	Description string
	Usage       string
	Handler     Handler
}

// Handler executes a command. args is everything after the command name,
// trimmed.
type Handler func(ctx context.Context, args string, cc *Context) (*Result, error)

// Context carries the chat provenance of the command invocation.
type Context struct {
	Room   string
	Sender string
}

// Result is the text reply posted back to the room.
type Result struct {
	Content string `json:"content"`
}

// Registry holds the command set of one agent.
type Registry struct {
	commands map[string]*Command
	mu       sync.RWMutex
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{commands: make(map[string]*Command)}
}

// Register adds a command.
func (r *Registry) Register(cmd *Command) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.commands[cmd.Name] = cmd
}

// Dispatch parses "name args..." and runs the matching handler. Unknown
// names get a hint reply rather than an error.
func (r *Registry) Dispatch(ctx context.Context, input string, cc *Context) (*Result, error) {
	parts := strings.SplitN(strings.TrimSpace(input), " ", 2)
	name := strings.ToLower(parts[0])
	args := ""
	if len(parts) > 1 {
		args = strings.TrimSpace(parts[1])
	}

	r.mu.RLock()
	cmd, ok := r.commands[name]
	r.mu.RUnlock()

	if !ok {
		return &Result{
			Content: fmt.Sprintf("Unknown command: %q. Try `help` for the available commands.", name),
		}, nil
	}
	return cmd.Handler(ctx, args, cc)
}

// List returns all commands sorted by name, for help output.
func (r *Registry) List() []*Command {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Command, 0, len(r.commands))
	for _, c := range r.commands {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
