package binding

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/gyaneshwarpardhi/eventcore/internal/broker"
	"github.com/gyaneshwarpardhi/eventcore/internal/event"
	"github.com/gyaneshwarpardhi/eventcore/internal/sink/forward"
)

// Subscriber is the subscription surface of *broker.Broker.
type Subscriber interface {
	Subscribe(typ event.Type, h broker.Handler, opts ...broker.SubscribeOption) (broker.Token, error)
	SubscribeName(typ event.Type, name string, h broker.Handler, opts ...broker.SubscribeOption) (broker.Token, error)
	SubscribeFilter(f broker.Filter, h broker.Handler, opts ...broker.SubscribeOption) (broker.Token, error)
	Unsubscribe(token broker.Token) bool
}

// Status describes one active binding.
type Status struct {
	ID         string         `json:"id"`
	Sink       string         `json:"sink"`
	Mode       string         `json:"mode"` // type | name | filter
	Async      bool           `json:"async"`
	Expression string         `json:"expression,omitempty"`
	Tokens     []broker.Token `json:"tokens"`
}

type active struct {
	binding *Binding
	mode    string
	tokens  []broker.Token
}

// Binder keeps a set of bindings subscribed on a broker.
type Binder struct {
	sub    Subscriber
	logger *slog.Logger

	mu     sync.Mutex
	active []active
}

func NewBinder(sub Subscriber, logger *slog.Logger) *Binder {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Binder{sub: sub, logger: logger}
}

// Apply replaces the active bindings with bindings. The new set is
// subscribed before the old one is removed, so an event dispatched during
// the swap may reach both but never neither. If any subscription fails the
// new set is rolled back and the old one stays active.
func (r *Binder) Apply(bindings []*Binding) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	next := make([]active, 0, len(bindings))
	for _, b := range bindings {
		a, err := r.subscribe(b)
		if err != nil {
			for _, n := range next {
				r.release(n)
			}
			return fmt.Errorf("binding %s: %w", b.ID, err)
		}
		next = append(next, a)
	}

	prev := r.active
	r.active = next
	for _, a := range prev {
		r.release(a)
	}
	r.logger.Info("bindings applied",
		slog.Int("active", len(next)),
		slog.Int("replaced", len(prev)),
	)
	return nil
}

// Clear unsubscribes every active binding.
func (r *Binder) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, a := range r.active {
		r.release(a)
	}
	r.active = nil
}

// List reports the active bindings in configuration order.
func (r *Binder) List() []Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Status, 0, len(r.active))
	for _, a := range r.active {
		st := Status{
			ID:     a.binding.ID,
			Sink:   a.binding.Sink.Type(),
			Mode:   a.mode,
			Async:  a.binding.Async,
			Tokens: append([]broker.Token(nil), a.tokens...),
		}
		if a.binding.Program != nil {
			st.Expression = a.binding.Program.String()
		}
		out = append(out, st)
	}
	return out
}

func (r *Binder) subscribe(b *Binding) (active, error) {
	handler := func(ctx context.Context, ev event.Event) error {
		// An event this binding forwarded has come back to it.
		if by, _ := ev.Data[forward.ForwardedByKey].(string); by == b.ID {
			r.logger.Debug("binding skipped its own forwarded event",
				slog.String("binding", b.ID),
				slog.String("event_id", ev.ID),
				slog.String("name", ev.Name),
			)
			return nil
		}
		return b.Deliver(ctx, ev)
	}
	var opts []broker.SubscribeOption
	if b.Async {
		opts = append(opts, broker.WithAsync())
	}
	if b.Timeout > 0 {
		opts = append(opts, broker.WithTimeout(b.Timeout))
	}

	a := active{binding: b}
	switch {
	case b.indexed() && len(b.Types) > 0:
		a.mode = "type"
		for _, t := range b.Types {
			tok, err := r.sub.Subscribe(t, handler, opts...)
			if err != nil {
				r.release(a)
				return active{}, err
			}
			a.tokens = append(a.tokens, tok)
		}
	case b.indexed():
		a.mode = "name"
		for _, n := range b.Names {
			tok, err := r.sub.SubscribeName(event.TypeCustom, n, handler, opts...)
			if err != nil {
				r.release(a)
				return active{}, err
			}
			a.tokens = append(a.tokens, tok)
		}
	default:
		a.mode = "filter"
		tok, err := r.sub.SubscribeFilter(b.Match, handler, opts...)
		if err != nil {
			return active{}, err
		}
		a.tokens = append(a.tokens, tok)
	}
	return a, nil
}

func (r *Binder) release(a active) {
	for _, tok := range a.tokens {
		r.sub.Unsubscribe(tok)
	}
}
