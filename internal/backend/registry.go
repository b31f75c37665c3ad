package backend

import (
	"context"
	"log/slog"
	"sync"

	"github.com/relaybot/relaybot/internal/agent"
	"github.com/relaybot/relaybot/internal/wire"
)

// ToolFunc executes one orchestrator-owned tool.
type ToolFunc func(ctx context.Context, input map[string]any) (string, error)

// Registry maps tool names to handlers. Tools not present are treated
// as native to the agent subprocess: the process manager writes no
// result line for them. Safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]ToolFunc
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]ToolFunc)}
}

// Register binds a handler to a tool name, replacing any previous one.
func (r *Registry) Register(name string, fn ToolFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[name] = fn
	slog.Debug("registered tool", "tool", name)
}

// Names returns the registered tool names in unspecified order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for n := range r.tools {
		names = append(names, n)
	}
	return names
}

// Handler bridges the registry to the process manager's tool-handler
// contract: unregistered names report the builtin sentinel.
func (r *Registry) Handler() agent.ToolHandler {
	return func(ctx context.Context, call *wire.ToolUse) (string, error) {
		r.mu.RLock()
		fn, ok := r.tools[call.Name]
		r.mu.RUnlock()

		if !ok {
			return "", agent.ErrBuiltinTool
		}
		return fn(ctx, call.Input)
	}
}
