// Package binding turns declarative binding config into broker subscriptions
// that route matching events to sinks.
package binding

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/gyaneshwarpardhi/eventcore/internal/condition"
	"github.com/gyaneshwarpardhi/eventcore/internal/config"
	"github.com/gyaneshwarpardhi/eventcore/internal/event"
	"github.com/gyaneshwarpardhi/eventcore/internal/sink"
)

// Binding is a compiled binding. It is immutable once built.
type Binding struct {
	ID         string
	Types      []event.Type
	Names      []string
	Sources    []string
	Program    *condition.Program // nil when no expression is configured
	Async      bool
	Timeout    time.Duration
	Sink       sink.Sink
	SinkParams map[string]interface{}
}

// Build compiles every enabled binding in cfg. Expressions are compiled and
// sinks resolved and validated here; nothing is parsed at dispatch time.
func Build(cfg *config.Config, sinks *sink.Registry) ([]*Binding, error) {
	var out []*Binding
	for _, bc := range cfg.Bindings {
		if !bc.Enabled {
			continue
		}
		b, err := build(bc, sinks)
		if err != nil {
			return nil, fmt.Errorf("binding %s: %w", bc.ID, err)
		}
		out = append(out, b)
	}
	return out, nil
}

func build(bc config.BindingConf, sinks *sink.Registry) (*Binding, error) {
	b := &Binding{
		ID:         bc.ID,
		Names:      dedupe(bc.EventNames),
		Sources:    dedupe(bc.Sources),
		Async:      bc.Async,
		Timeout:    bc.Timeout(),
		SinkParams: bc.Sink.Params,
	}
	for _, name := range bc.EventTypes {
		t, err := event.ParseType(name)
		if err != nil {
			return nil, err
		}
		// A repeated type would subscribe the binding twice.
		if !slices.Contains(b.Types, t) {
			b.Types = append(b.Types, t)
		}
	}
	if bc.Expression != "" {
		p, err := condition.Compile(bc.Expression)
		if err != nil {
			return nil, err
		}
		b.Program = p
	}

	s, err := sinks.Get(bc.Sink.Type)
	if err != nil {
		return nil, err
	}
	if err := s.Validate(bc.Sink.Params); err != nil {
		return nil, err
	}
	b.Sink = s
	return b, nil
}

func dedupe(in []string) []string {
	var out []string
	for _, s := range in {
		if !slices.Contains(out, s) {
			out = append(out, s)
		}
	}
	return out
}

// indexed reports whether the binding can be served by the broker's type or
// name index instead of a filter subscription.
func (b *Binding) indexed() bool {
	if b.Program != nil || len(b.Sources) > 0 {
		return false
	}
	return (len(b.Types) > 0) != (len(b.Names) > 0)
}

// Match reports whether ev satisfies every selector of the binding.
// An expression that cannot be evaluated does not match.
func (b *Binding) Match(ev event.Event) bool {
	if len(b.Types) > 0 && !slices.Contains(b.Types, ev.Type) {
		return false
	}
	if len(b.Names) > 0 && !slices.Contains(b.Names, ev.Name) {
		return false
	}
	if len(b.Sources) > 0 && !slices.Contains(b.Sources, ev.Source) {
		return false
	}
	if b.Program == nil {
		return true
	}
	ok, err := b.Program.Match(&ev)
	return err == nil && ok
}

// Deliver sends ev to the binding's sink. The sink can read the binding id
// with sink.BindingFrom.
func (b *Binding) Deliver(ctx context.Context, ev event.Event) error {
	if err := b.Sink.Deliver(sink.WithBinding(ctx, b.ID), b.SinkParams, ev); err != nil {
		return fmt.Errorf("binding %s: %w", b.ID, err)
	}
	return nil
}
