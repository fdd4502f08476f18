package engine

import (
	"context"
	"fmt"
	"sort"
	"time"
)

// ═══════════════════════════════════════════════════════════════════════════════
// CAPABILITY INTERFACE
// ═══════════════════════════════════════════════════════════════════════════════

// Invocation carries everything a capability sees for one execution attempt.
// Context holds the accumulated outputs of completed stages; the coordinator
// hands each invocation its own copy, so capabilities may read it freely but
// writes are discarded.
type Invocation struct {
	SessionID string
	Stage     string
	Attempt   int
	Query     string
	Params    map[string]string
	Context   map[string]any
	// Feedback is the latest critique feedback, set only when the quality
	// loop re-entered the plan.
	Feedback string
	// Emit streams one partial-output token. Nil unless the caller enabled
	// streaming; capabilities must treat it as optional.
	Emit func(token string)
}

// ContextString returns a string value from the accumulated context.
func (inv Invocation) ContextString(key string) string {
	if inv.Context == nil {
		return ""
	}
	if v, ok := inv.Context[key].(string); ok {
		return v
	}
	return ""
}

// ContextField returns one string field out of a completed stage's output
// map, or "" when the stage or field is absent.
func (inv Invocation) ContextField(stage, field string) string {
	if inv.Context == nil {
		return ""
	}
	out, ok := inv.Context[stage].(map[string]any)
	if !ok {
		return ""
	}
	v, _ := out[field].(string)
	return v
}

// Param returns a stage parameter, or the given default when absent.
func (inv Invocation) Param(key, def string) string {
	if v, ok := inv.Params[key]; ok {
		return v
	}
	return def
}

// Handler is an invocable capability implementation. The returned map is
// merged into the session context under the stage's completion.
type Handler interface {
	Invoke(ctx context.Context, inv Invocation) (map[string]any, error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, inv Invocation) (map[string]any, error)

// Invoke implements Handler.
func (f HandlerFunc) Invoke(ctx context.Context, inv Invocation) (map[string]any, error) {
	return f(ctx, inv)
}

// Fallback produces a best-effort degraded output after the primary handler
// fails. It must not block on I/O and must always return a usable map.
type Fallback func(inv Invocation) map[string]any

// Definition binds a capability name to its implementation, declared
// timeout, and optional fallback producer.
type Definition struct {
	Name        string
	Description string
	// Timeout bounds one invocation when the stage spec declares none.
	Timeout  time.Duration
	Handler  Handler
	Fallback Fallback
}

// HasFallback reports whether a fallback producer is declared.
func (d Definition) HasFallback() bool { return d.Fallback != nil }

// ═══════════════════════════════════════════════════════════════════════════════
// CAPABILITY REGISTRY
// ═══════════════════════════════════════════════════════════════════════════════

// Registry maps capability names to definitions. It is built once at
// startup and immutable afterwards, so concurrent reads need no locking.
// Adding a stage type to the system means adding a registry entry and a
// plan template, never modifying the coordinator.
type Registry struct {
	defs map[string]Definition
}

// NewRegistry builds an immutable registry from the given definitions.
func NewRegistry(defs ...Definition) (*Registry, error) {
	m := make(map[string]Definition, len(defs))
	for _, d := range defs {
		if d.Name == "" {
			return nil, fmt.Errorf("capability with empty name")
		}
		if d.Handler == nil {
			return nil, fmt.Errorf("capability %q has no handler", d.Name)
		}
		if _, dup := m[d.Name]; dup {
			return nil, fmt.Errorf("capability %q registered twice", d.Name)
		}
		if d.Timeout <= 0 {
			d.Timeout = DefaultStageTimeout
		}
		m[d.Name] = d
	}
	return &Registry{defs: m}, nil
}

// Lookup returns the definition bound to name.
func (r *Registry) Lookup(name string) (Definition, bool) {
	d, ok := r.defs[name]
	return d, ok
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	_, ok := r.defs[name]
	return ok
}

// Names returns the registered capability names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.defs))
	for name := range r.defs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Len returns the number of registered capabilities.
func (r *Registry) Len() int { return len(r.defs) }
