// Package tool defines the handler contract the turn scheduler dispatches
// tool calls to: a registry of built-in tools, MCP-discovered tools, or
// plugin-registry tools, all behind the same interface so the scheduler
// never special-cases where a tool came from.
package tool

import (
	"context"
	"fmt"
	"sync"

	"github.com/ngoclaw/gro/internal/llm"
)

// Result is what a tool call resolves to.
type Result struct {
	// Output is the text handed back to the model as the tool-role
	// message content.
	Output string
	// Success reports whether the tool considers its own execution to
	// have succeeded; a false value still produces a tool-role message
	// (the model sees the failure and can react to it). The scheduler
	// records a familiarity access whatever this value is.
	Success bool
	// Metadata carries structured extras a UI or hook may want; never
	// sent to the model.
	Metadata map[string]interface{}
}

// Handler is implemented once per tool, regardless of its origin (built-in,
// MCP server, plugin registry).
type Handler interface {
	Name() string
	Description() string
	Schema() map[string]interface{}
	Execute(ctx context.Context, argsJSON string) (*Result, error)
}

// Registry looks up and lists handlers by name.
type Registry interface {
	Get(name string) (Handler, bool)
	Definitions() []llm.ToolDef
}

// InMemoryRegistry is the default Registry: a flat name -> Handler map
// filled through Register. This module ships no built-in, MCP-discovered
// or plugin handlers, so the CLI runs with an empty registry.
type InMemoryRegistry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewInMemoryRegistry builds an empty registry.
func NewInMemoryRegistry() *InMemoryRegistry {
	return &InMemoryRegistry{handlers: make(map[string]Handler)}
}

// Register adds h, failing if a handler under the same name already exists.
func (r *InMemoryRegistry) Register(h Handler) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[h.Name()]; exists {
		return fmt.Errorf("tool: %q already registered", h.Name())
	}
	r.handlers[h.Name()] = h
	return nil
}

// Get returns the handler registered under name, if any.
func (r *InMemoryRegistry) Get(name string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[name]
	return h, ok
}

// Definitions returns every registered handler's tool definition, for
// inclusion in the provider request's tool list.
func (r *InMemoryRegistry) Definitions() []llm.ToolDef {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]llm.ToolDef, 0, len(r.handlers))
	for _, h := range r.handlers {
		defs = append(defs, llm.ToolDef{
			Name:        h.Name(),
			Description: h.Description(),
			Parameters:  h.Schema(),
		})
	}
	return defs
}

var _ Registry = (*InMemoryRegistry)(nil)
