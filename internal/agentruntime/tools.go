package agentruntime

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Tool is a named capability an agent may call during execution. Schema is
// a JSON Schema object describing the parameters.
type Tool struct {
	Name        string
	Description string
	Schema      map[string]any
	Invoke      func(ctx context.Context, params map[string]any) (any, error)
}

// Registry holds the tools exposed to agents, keyed by name.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry returns an empty tool registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds a tool. Registering an empty name or a duplicate is an error.
func (r *Registry) Register(t Tool) error {
	if t.Name == "" {
		return fmt.Errorf("agentruntime: tool name is required")
	}
	if t.Invoke == nil {
		return fmt.Errorf("agentruntime: tool %s has no invoke func", t.Name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[t.Name]; exists {
		return fmt.Errorf("agentruntime: tool %s already registered", t.Name)
	}
	r.tools[t.Name] = t
	return nil
}

// Get returns the named tool.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// List returns all tools sorted by name.
func (r *Registry) List() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Tool, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Invoke runs the named tool with params.
func (r *Registry) Invoke(ctx context.Context, name string, params map[string]any) (any, error) {
	t, ok := r.Get(name)
	if !ok {
		return nil, fmt.Errorf("agentruntime: unknown tool %s", name)
	}
	out, err := t.Invoke(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("agentruntime: tool %s: %w", name, err)
	}
	return out, nil
}
