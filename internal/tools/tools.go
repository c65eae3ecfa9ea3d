// Package tools defines the declarative tool descriptors Daraja exposes to
// AI assistants, over MCP and over the HTTP gateway. A tool is data plus a
// handler — no reflection, no struct tags: the schema the model sees is
// written out explicitly in the descriptor.
package tools

import (
	"context"
	"sort"
	"sync"
)

// HandlerFunc executes one tool call. The returned map is the tool result
// exactly as the model will see it; domain failures (permission, not found,
// validation) are reported inside the map, a Go error means the call itself
// could not run.
type HandlerFunc func(ctx context.Context, args map[string]any) (map[string]any, error)

// Descriptor is one tool: its wire metadata and its handler.
type Descriptor struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema"`
	Handler     HandlerFunc    `json:"-"`
}

// contextKey is an unexported type for context keys defined in this package.
type contextKey int

const userKey contextKey = iota

// ContextWithUser returns a new context carrying the calling user's
// permission identity. Set by the transport layer (gateway auth, MCP
// session), consumed by tool handlers.
func ContextWithUser(ctx context.Context, user string) context.Context {
	return context.WithValue(ctx, userKey, user)
}

// UserFromContext extracts the user from context, or "" if not set.
func UserFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(userKey).(string); ok {
		return v
	}
	return ""
}

// Registry holds available tools keyed by name.
// Thread-safe for concurrent reads; writes should only happen at startup.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Descriptor
}

// NewRegistry creates an empty tool registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Descriptor)}
}

// Register adds a tool. Panics on duplicate names (startup config error,
// not runtime).
func (r *Registry) Register(d Descriptor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[d.Name]; exists {
		panic("duplicate tool registration: " + d.Name)
	}
	r.tools[d.Name] = d
}

// Get returns the tool by name; ok is false if not registered.
func (r *Registry) Get(name string) (Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.tools[name]
	return d, ok
}

// List returns all registered tool names, sorted.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// All returns all registered tools in name order.
func (r *Registry) All() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	all := make([]Descriptor, 0, len(r.tools))
	for _, d := range r.tools {
		all = append(all, d)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].Name < all[j].Name })
	return all
}
