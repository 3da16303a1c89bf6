package broker

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gyaneshwarpardhi/eventcore/internal/event"
)

// Token identifies one subscription. Tokens start at 1 and are never reused.
type Token uint64

// FilterToken identifies one admission filter added with AddTypeFilter or AddNameFilter.
type FilterToken uint64

// Handler receives one event. A returned error (or a panic) counts as a
// failed invocation and never affects other handlers.
type Handler func(ctx context.Context, ev event.Event) error

// Filter is a predicate over an event.
type Filter func(ev event.Event) bool

type subscriptionKind string

const (
	kindType   subscriptionKind = "type"
	kindName   subscriptionKind = "name"
	kindFilter subscriptionKind = "filter"
)

type subscription struct {
	token   Token
	kind    subscriptionKind
	evType  event.Type
	name    string
	handler Handler
	filter  Filter
	async   bool
	timeout time.Duration // advisory only
}

// SubscribeOption configures a subscription.
type SubscribeOption func(*subscription)

// WithAsync runs the handler on a detached goroutine instead of the worker.
func WithAsync() SubscribeOption {
	return func(s *subscription) { s.async = true }
}

// WithTimeout records an advisory execution bound. Exceeding it is logged
// and counted; the handler is never cancelled.
func WithTimeout(d time.Duration) SubscribeOption {
	return func(s *subscription) { s.timeout = d }
}

type gate struct {
	token FilterToken
	pred  Filter
}

type gateKey struct {
	byName bool
	evType event.Type
	name   string
}

// registry holds the three subscription indices plus admission gates.
// Slices are replaced on every mutation, so snapshots handed to the
// dispatcher stay valid without holding the lock.
type registry struct {
	mu      sync.RWMutex
	byType  map[event.Type][]*subscription
	byName  map[string][]*subscription
	filters []*subscription
	tokens  map[Token]*subscription

	typeGates map[event.Type][]gate
	nameGates map[string][]gate
	gateKeys  map[FilterToken]gateKey

	next atomic.Uint64
}

func newRegistry() *registry {
	return &registry{
		byType:    make(map[event.Type][]*subscription),
		byName:    make(map[string][]*subscription),
		tokens:    make(map[Token]*subscription),
		typeGates: make(map[event.Type][]gate),
		nameGates: make(map[string][]gate),
		gateKeys:  make(map[FilterToken]gateKey),
	}
}

func (r *registry) nextToken() uint64 {
	return r.next.Add(1)
}

func (r *registry) add(sub *subscription) Token {
	sub.token = Token(r.nextToken())

	r.mu.Lock()
	defer r.mu.Unlock()
	switch sub.kind {
	case kindType:
		r.byType[sub.evType] = appendCopy(r.byType[sub.evType], sub)
	case kindName:
		r.byName[sub.name] = appendCopy(r.byName[sub.name], sub)
	case kindFilter:
		r.filters = appendCopy(r.filters, sub)
	}
	r.tokens[sub.token] = sub
	return sub.token
}

func (r *registry) remove(token Token) (*subscription, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sub, ok := r.tokens[token]
	if !ok {
		return nil, false
	}
	delete(r.tokens, token)
	switch sub.kind {
	case kindType:
		r.byType[sub.evType] = without(r.byType[sub.evType], token)
		if len(r.byType[sub.evType]) == 0 {
			delete(r.byType, sub.evType)
		}
	case kindName:
		r.byName[sub.name] = without(r.byName[sub.name], token)
		if len(r.byName[sub.name]) == 0 {
			delete(r.byName, sub.name)
		}
	case kindFilter:
		r.filters = without(r.filters, token)
	}
	return sub, true
}

func (r *registry) count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tokens)
}

// candidates returns type and name matches plus every filter subscription,
// whose predicates the caller still has to evaluate.
func (r *registry) candidates(ev event.Event) (direct, filtered []*subscription) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	byType := r.byType[ev.Type]
	byName := r.byName[ev.Name]
	direct = make([]*subscription, 0, len(byType)+len(byName))
	direct = append(direct, byType...)
	direct = append(direct, byName...)
	return direct, r.filters
}

func (r *registry) addGate(key gateKey, pred Filter) FilterToken {
	g := gate{token: FilterToken(r.nextToken()), pred: pred}

	r.mu.Lock()
	defer r.mu.Unlock()
	if key.byName {
		r.nameGates[key.name] = appendGate(r.nameGates[key.name], g)
	} else {
		r.typeGates[key.evType] = appendGate(r.typeGates[key.evType], g)
	}
	r.gateKeys[g.token] = key
	return g.token
}

func (r *registry) removeGate(token FilterToken) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	key, ok := r.gateKeys[token]
	if !ok {
		return false
	}
	delete(r.gateKeys, token)
	if key.byName {
		r.nameGates[key.name] = withoutGate(r.nameGates[key.name], token)
		if len(r.nameGates[key.name]) == 0 {
			delete(r.nameGates, key.name)
		}
	} else {
		r.typeGates[key.evType] = withoutGate(r.typeGates[key.evType], token)
		if len(r.typeGates[key.evType]) == 0 {
			delete(r.typeGates, key.evType)
		}
	}
	return true
}

func (r *registry) gates(ev event.Event) []gate {
	r.mu.RLock()
	defer r.mu.RUnlock()
	byType := r.typeGates[ev.Type]
	byName := r.nameGates[ev.Name]
	if len(byType)+len(byName) == 0 {
		return nil
	}
	out := make([]gate, 0, len(byType)+len(byName))
	out = append(out, byType...)
	return append(out, byName...)
}

func appendCopy(subs []*subscription, sub *subscription) []*subscription {
	out := make([]*subscription, len(subs), len(subs)+1)
	copy(out, subs)
	return append(out, sub)
}

func without(subs []*subscription, token Token) []*subscription {
	out := make([]*subscription, 0, len(subs))
	for _, s := range subs {
		if s.token != token {
			out = append(out, s)
		}
	}
	return out
}

func appendGate(gates []gate, g gate) []gate {
	out := make([]gate, len(gates), len(gates)+1)
	copy(out, gates)
	return append(out, g)
}

func withoutGate(gates []gate, token FilterToken) []gate {
	out := make([]gate, 0, len(gates))
	for _, g := range gates {
		if g.token != token {
			out = append(out, g)
		}
	}
	return out
}
