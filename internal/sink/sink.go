// Package sink defines the delivery targets that bindings route events to.
package sink

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/gyaneshwarpardhi/eventcore/internal/event"
)

// Sink is implemented by every delivery target.
type Sink interface {
	// Type returns the key the sink is registered under.
	Type() string
	// Validate checks params when bindings are built.
	Validate(params map[string]interface{}) error
	// Deliver hands one event to the target.
	Deliver(ctx context.Context, params map[string]interface{}, ev event.Event) error
}

// Registry maps sink types to implementations.
// Register should only be called at startup.
type Registry struct {
	mu    sync.RWMutex
	sinks map[string]Sink
}

func NewRegistry() *Registry {
	return &Registry{sinks: make(map[string]Sink)}
}

// Register adds s. It panics on a duplicate type.
func (r *Registry) Register(s Sink) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.sinks[s.Type()]; exists {
		panic(fmt.Sprintf("sink registry: duplicate type %q", s.Type()))
	}
	r.sinks[s.Type()] = s
}

func (r *Registry) Get(sinkType string) (Sink, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sinks[sinkType]
	if !ok {
		return nil, fmt.Errorf("no sink registered for type %q", sinkType)
	}
	return s, nil
}

// Types returns the registered sink types in sorted order.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.sinks))
	for k := range r.sinks {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

type bindingKey struct{}

// WithBinding returns a context carrying the id of the binding delivering to
// a sink.
func WithBinding(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, bindingKey{}, id)
}

// BindingFrom returns the binding id stored by WithBinding, or "".
func BindingFrom(ctx context.Context) string {
	id, _ := ctx.Value(bindingKey{}).(string)
	return id
}
